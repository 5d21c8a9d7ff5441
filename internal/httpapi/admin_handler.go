package httpapi

import (
	"net/http"
	"time"

	"stage_gateway/internal/concurrency"
	"stage_gateway/internal/middleware"
	"stage_gateway/internal/providers"
	"stage_gateway/internal/utils"
	"stage_gateway/internal/version"
)

// StatusResponse is the admin view of in-process gateway state
type StatusResponse struct {
	Version      string                    `json:"version"`
	Time         time.Time                 `json:"time"`
	Subject      string                    `json:"subject,omitempty"`
	DefaultStage string                    `json:"default_stage"`
	Stages       []string                  `json:"stages"`
	Breakers     []providers.BreakerStatus `json:"breakers"`
	Concurrency  ConcurrencyStatus         `json:"concurrency"`
	Audit        AuditStatus               `json:"audit"`
}

// ConcurrencyStatus lists users that currently hold streaming slots
type ConcurrencyStatus struct {
	Cap    int                     `json:"cap"`
	Active []concurrency.UserSlots `json:"active"`
}

// AuditStatus reports the audit backlog
type AuditStatus struct {
	QueueLength int `json:"queue_length"`
}

// handleAdminStatus serves GET /admin/status
func (d *Dependencies) handleAdminStatus(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{
		Version:  version.Version,
		Time:     d.now().UTC(),
		Breakers: []providers.BreakerStatus{},
		Concurrency: ConcurrencyStatus{
			Active: []concurrency.UserSlots{},
		},
	}
	if claims, ok := middleware.GetAdminClaims(r.Context()); ok {
		resp.Subject = claims.Subject
	}
	if d.Stages != nil {
		resp.DefaultStage = d.Stages.DefaultStage()
		resp.Stages = d.Stages.Stages()
	}
	if d.Breakers != nil {
		resp.Breakers = d.Breakers.Snapshot()
	}
	if d.Gate != nil {
		resp.Concurrency.Cap = d.Gate.Cap()
		resp.Concurrency.Active = d.Gate.Snapshot()
	}
	if d.Audit != nil {
		resp.Audit.QueueLength = d.Audit.Length(r.Context())
	}

	_ = utils.RespondWithJSON(w, http.StatusOK, resp)
}
