package httpapi

import (
	"errors"
	"net/http"

	"stage_gateway/internal/auth"
	"stage_gateway/internal/concurrency"
	"stage_gateway/internal/models"
	"stage_gateway/internal/providers"
	"stage_gateway/internal/ratelimit"
	"stage_gateway/internal/stages"
	"stage_gateway/internal/utils"
)

// statusClientClosed is recorded when the caller left before a response was written
const statusClientClosed = 499

// apiError is an error mapped onto its HTTP representation
type apiError struct {
	Status  int
	Type    string
	Code    string
	Message string
}

// classifyError maps a pipeline error onto the public error table.
// Unknown errors become a 500 without leaking their text.
func classifyError(err error) apiError {
	switch {
	case errors.Is(err, auth.ErrUnauthorized):
		return apiError{http.StatusUnauthorized, "authentication_error", "invalid_api_key", "Invalid or missing API key"}
	case errors.Is(err, models.ErrInvalidRequest):
		return apiError{http.StatusBadRequest, "invalid_request_error", "invalid_request", err.Error()}
	case errors.Is(err, stages.ErrBadStage), errors.Is(err, stages.ErrStageDisabled):
		return apiError{http.StatusBadRequest, "invalid_request_error", "invalid_stage", err.Error()}
	case errors.Is(err, ratelimit.ErrQuotaExceeded):
		return apiError{http.StatusTooManyRequests, "rate_limit_error", "rate_limit_exceeded", "Daily request quota exceeded"}
	case errors.Is(err, concurrency.ErrConcurrencyExceeded):
		return apiError{http.StatusTooManyRequests, "rate_limit_error", "concurrency_limit_exceeded", "Too many concurrent streaming requests"}
	case errors.Is(err, providers.ErrClientGone):
		return apiError{statusClientClosed, "client_error", "client_closed_request", "client closed request"}
	case errors.Is(err, providers.ErrUpstreamUnavailable):
		return apiError{http.StatusServiceUnavailable, "upstream_error", "upstream_unavailable", "Upstream service unavailable"}
	case errors.Is(err, providers.ErrUpstreamTimeout), errors.Is(err, providers.ErrAborted):
		return apiError{http.StatusServiceUnavailable, "upstream_error", "upstream_timeout", "Upstream request timed out"}
	case errors.Is(err, providers.ErrUpstreamBadResponse):
		return apiError{http.StatusBadGateway, "upstream_error", "bad_gateway", "Upstream returned an invalid response"}
	default:
		return apiError{http.StatusInternalServerError, "internal_error", "internal_error", "Internal server error"}
	}
}

// auditStatus is the audit outcome for an HTTP status the gateway chose
func auditStatus(status int) string {
	switch {
	case status < 400:
		return models.AuditSuccess
	case status == http.StatusUnauthorized, status == http.StatusBadRequest, status == http.StatusTooManyRequests:
		return models.AuditRejected
	default:
		return models.AuditError
	}
}

func writeAPIError(w http.ResponseWriter, e apiError) {
	utils.RespondWithError(w, e.Status, e.Type, e.Code, e.Message)
}
