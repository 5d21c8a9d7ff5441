package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"stage_gateway/internal/auth"
	"stage_gateway/internal/concurrency"
	"stage_gateway/internal/metrics"
	"stage_gateway/internal/middleware"
	"stage_gateway/internal/models"
	"stage_gateway/internal/providers"
	"stage_gateway/internal/ratelimit"
	"stage_gateway/internal/stages"
)

// Authenticator resolves a raw API key into the calling identity
type Authenticator interface {
	Authenticate(ctx context.Context, raw string) (auth.Identity, error)
}

// Relay forwards chat completions upstream
type Relay interface {
	Complete(ctx context.Context, req providers.Request) (*providers.Completion, error)
	Stream(ctx context.Context, req providers.Request, sink providers.StreamSink) (*providers.StreamResult, error)
}

// AuditSink accepts one record per request and never fails the caller
type AuditSink interface {
	Enqueue(rec *models.AuditRecord)
	Length(ctx context.Context) int
}

// LimitResolver returns the effective limits for a user
type LimitResolver interface {
	Resolve(ctx context.Context, userID string) ratelimit.Limits
}

// HealthCheck is one readiness check
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// Dependencies aggregates all services the HTTP layer needs.
type Dependencies struct {
	Auth       Authenticator
	Stages     *stages.Resolver
	Quota      ratelimit.Ledger
	DailyLimit int
	// Limits overrides DailyLimit and the gate cap per user; nil means the defaults apply
	Limits LimitResolver
	Gate       *concurrency.Gate
	Relay      Relay
	Breakers   *providers.BreakerSet
	Audit      AuditSink

	Metrics        metrics.Recorder
	MetricsHandler http.Handler
	Checks         []HealthCheck

	AdminSecret []byte
	CORSOrigins []string
	Logger      *zap.Logger

	// Now is the clock used for quota days; nil means time.Now
	Now func() time.Time

	closers []func(ctx context.Context) error
}

func (d *Dependencies) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

func (d *Dependencies) limitsFor(ctx context.Context, userID string) ratelimit.Limits {
	if d.Limits != nil {
		return d.Limits.Resolve(ctx, userID)
	}
	return ratelimit.Limits{DailyLimit: d.DailyLimit}
}

func (d *Dependencies) recorder() metrics.Recorder {
	if d.Metrics == nil {
		return metrics.Noop{}
	}
	return d.Metrics
}

func (d *Dependencies) log() *zap.Logger {
	if d.Logger == nil {
		return zap.NewNop()
	}
	return d.Logger
}

// NewRouter builds the HTTP handler over deps.
func NewRouter(deps *Dependencies) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.AccessLog(deps.log()))
	r.Use(middleware.Recoverer(deps.log()))
	r.Use(deps.recorder().Middleware())

	// OpenAI-compatible proxy endpoint; authentication happens inside the pipeline
	cors := middleware.NewCORS(deps.CORSOrigins)
	r.With(cors.Handle).Post("/v1/chat/completions", deps.handleChat)
	r.With(cors.Handle).Options("/v1/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	r.Get("/health", deps.handleHealth)
	r.Get("/ready", deps.handleReady)
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}

	// Require at least "viewer" role
	r.With(middleware.AdminJWTMiddleware(deps.AdminSecret, auth.RoleViewer)).
		Get("/admin/status", deps.handleAdminStatus)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeAPIError(w, apiError{
			Status:  http.StatusNotFound,
			Type:    "invalid_request_error",
			Code:    "not_found",
			Message: "unknown route " + r.Method + " " + r.URL.Path,
		})
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeAPIError(w, apiError{
			Status:  http.StatusMethodNotAllowed,
			Type:    "invalid_request_error",
			Code:    "method_not_allowed",
			Message: "method not allowed",
		})
	})

	return r
}

// Close releases everything NewDependencies opened, in reverse order.
func (d *Dependencies) Close(ctx context.Context) error {
	var first error
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](ctx); err != nil && first == nil {
			first = err
		}
	}
	d.closers = nil
	return first
}

func (d *Dependencies) onClose(fn func(ctx context.Context) error) {
	d.closers = append(d.closers, fn)
}
