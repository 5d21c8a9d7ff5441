package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"stage_gateway/internal/providers"
)

const namespace = "gateway"

// Recorder is everything the gateway reports about itself
type Recorder interface {
	Middleware() func(next http.Handler) http.Handler

	ObserveUpstreamAttempt(target, outcome string, duration time.Duration)
	SetBreakerState(target string, state providers.State)
	QuotaDecision(allowed bool)
	ConcurrencyRejected()
	ObserveTokens(stage string, prompt, completion int)

	AuditEnqueued()
	AuditDropped()
	AuditStoreFailed(store string)
	SetAuditQueueLength(n int)
}

var (
	_ Recorder                  = (*Prometheus)(nil)
	_ Recorder                  = Noop{}
	_ providers.AttemptObserver = (*Prometheus)(nil)
)

// Prometheus records into its own registry
type Prometheus struct {
	registry *prometheus.Registry

	httpRequestDuration *prometheus.HistogramVec
	httpRequestsTotal   *prometheus.CounterVec
	upstreamAttempts    *prometheus.CounterVec
	upstreamDuration    *prometheus.HistogramVec
	breakerState        *prometheus.GaugeVec
	quotaDecisions      *prometheus.CounterVec
	concurrencyRejects  prometheus.Counter
	tokensTotal         *prometheus.CounterVec
	auditEvents         *prometheus.CounterVec
	auditStoreFailures  *prometheus.CounterVec
	auditQueueLength    prometheus.Gauge
}

// New creates the gateway metrics and registers them, along with the Go and
// process collectors, on a fresh registry.
func New() *Prometheus {
	m := &Prometheus{
		registry: prometheus.NewRegistry(),

		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
			},
			[]string{"method", "path", "status"},
		),
		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		upstreamAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "upstream_attempts_total",
				Help:      "Upstream attempts by target and outcome",
			},
			[]string{"target", "outcome"},
		),
		upstreamDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "upstream_attempt_duration_seconds",
				Help:      "Upstream attempt duration in seconds",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
			},
			[]string{"target"},
		),
		breakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "breaker_state",
				Help:      "Circuit breaker state per target (0 closed, 1 open, 2 half-open)",
			},
			[]string{"target"},
		),
		quotaDecisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "quota_decisions_total",
				Help:      "Daily quota checks by result",
			},
			[]string{"result"}, // "allowed" / "denied"
		),
		concurrencyRejects: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "concurrency_rejections_total",
				Help:      "Streaming requests rejected by the per-user slot cap",
			},
		),
		tokensTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tokens_total",
				Help:      "Tokens relayed by stage and type",
			},
			[]string{"stage", "type"},
		),
		auditEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "audit_records_total",
				Help:      "Audit records by result",
			},
			[]string{"result"}, // "enqueued" / "dropped"
		),
		auditStoreFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "audit_store_failures_total",
				Help:      "Failed audit batch writes by store",
			},
			[]string{"store"},
		),
		auditQueueLength: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "audit_queue_length",
				Help:      "Audit records waiting to be written",
			},
		),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequestDuration,
		m.httpRequestsTotal,
		m.upstreamAttempts,
		m.upstreamDuration,
		m.breakerState,
		m.quotaDecisions,
		m.concurrencyRejects,
		m.tokensTotal,
		m.auditEvents,
		m.auditStoreFailures,
		m.auditQueueLength,
	)
	return m
}

// Registry exposes the underlying registry, mostly for tests
func (m *Prometheus) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format
func (m *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Prometheus) ObserveUpstreamAttempt(target, outcome string, duration time.Duration) {
	m.upstreamAttempts.WithLabelValues(target, outcome).Inc()
	m.upstreamDuration.WithLabelValues(target).Observe(duration.Seconds())
}

func (m *Prometheus) SetBreakerState(target string, state providers.State) {
	m.breakerState.WithLabelValues(target).Set(float64(state))
}

func (m *Prometheus) QuotaDecision(allowed bool) {
	if allowed {
		m.quotaDecisions.WithLabelValues("allowed").Inc()
		return
	}
	m.quotaDecisions.WithLabelValues("denied").Inc()
}

func (m *Prometheus) ConcurrencyRejected() {
	m.concurrencyRejects.Inc()
}

func (m *Prometheus) ObserveTokens(stage string, prompt, completion int) {
	if stage == "" {
		stage = "unknown"
	}
	if prompt > 0 {
		m.tokensTotal.WithLabelValues(stage, "prompt").Add(float64(prompt))
	}
	if completion > 0 {
		m.tokensTotal.WithLabelValues(stage, "completion").Add(float64(completion))
	}
}

func (m *Prometheus) AuditEnqueued() {
	m.auditEvents.WithLabelValues("enqueued").Inc()
}

func (m *Prometheus) AuditDropped() {
	m.auditEvents.WithLabelValues("dropped").Inc()
}

func (m *Prometheus) AuditStoreFailed(store string) {
	m.auditStoreFailures.WithLabelValues(store).Inc()
}

func (m *Prometheus) SetAuditQueueLength(n int) {
	m.auditQueueLength.Set(float64(n))
}

func (m *Prometheus) observeRequest(method, path string, status int, duration time.Duration) {
	code := strconv.Itoa(status)
	m.httpRequestDuration.WithLabelValues(method, path, code).Observe(duration.Seconds())
	m.httpRequestsTotal.WithLabelValues(method, path, code).Inc()
}

// Noop discards everything
type Noop struct{}

func (Noop) Middleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler { return next }
}

func (Noop) ObserveUpstreamAttempt(string, string, time.Duration) {}
func (Noop) SetBreakerState(string, providers.State)             {}
func (Noop) QuotaDecision(bool)                                   {}
func (Noop) ConcurrencyRejected()                                 {}
func (Noop) ObserveTokens(string, int, int)                       {}
func (Noop) AuditEnqueued()                                       {}
func (Noop) AuditDropped()                                        {}
func (Noop) AuditStoreFailed(string)                              {}
func (Noop) SetAuditQueueLength(int)                              {}
