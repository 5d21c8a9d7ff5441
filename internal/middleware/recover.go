package middleware

import (
	"net/http"

	"go.uber.org/zap"

	"stage_gateway/internal/utils"
)

// Recoverer turns a handler panic into a JSON 500 instead of a dropped connection.
func Recoverer(logger *zap.Logger) func(next http.Handler) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rvr := recover()
				if rvr == nil {
					return
				}
				if rvr == http.ErrAbortHandler {
					panic(rvr)
				}
				utils.LoggerFromContext(r.Context(), logger).Error("panic recovered",
					zap.Any("panic", rvr),
					zap.Stack("stacktrace"),
				)
				utils.RespondWithError(w, http.StatusInternalServerError, "internal_error", "internal_error", "internal error")
			}()
			next.ServeHTTP(w, r)
		})
	}
}
