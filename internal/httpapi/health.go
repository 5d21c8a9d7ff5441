package httpapi

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"stage_gateway/internal/utils"
	"stage_gateway/internal/version"
)

const readyTimeout = 2 * time.Second

// handleHealth reports liveness only
func (d *Dependencies) handleHealth(w http.ResponseWriter, r *http.Request) {
	_ = utils.RespondWithJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": version.Version,
	})
}

// handleReady runs every readiness check and fails with the first broken component
func (d *Dependencies) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
	defer cancel()

	components := make(map[string]string, len(d.Checks))
	status := http.StatusOK
	var failing string
	for _, c := range d.Checks {
		if err := c.Check(ctx); err != nil {
			utils.LoggerFromContext(r.Context(), d.log()).Warn("readiness check failed",
				zap.String("component", c.Name),
				zap.Error(err),
			)
			components[c.Name] = "error"
			if failing == "" {
				failing = c.Name
			}
			status = http.StatusServiceUnavailable
			continue
		}
		components[c.Name] = "ok"
	}

	body := map[string]any{"status": "ready", "components": components}
	if failing != "" {
		body["status"] = "not_ready"
		body["failing"] = failing
	}
	_ = utils.RespondWithJSON(w, status, body)
}
