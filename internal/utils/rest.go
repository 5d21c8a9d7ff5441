package utils

import (
	"encoding/json"
	"net/http"
)

// APIError is the OpenAI-compatible error object.
type APIError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
}

// ErrorResponse wraps APIError as {"error": {...}}.
type ErrorResponse struct {
	Error APIError `json:"error"`
}

// RespondWithError sends an OpenAI-compatible error response
func RespondWithError(w http.ResponseWriter, code int, errType, errCode, message string) {
	_ = RespondWithJSON(w, code, ErrorResponse{Error: APIError{Message: message, Type: errType, Code: errCode}})
}

// RespondWithJSON sends a JSON response
func RespondWithJSON(w http.ResponseWriter, code int, payload interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		return err
	}
	return nil
}
