package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stage_gateway/internal/providers"
)

func TestMiddleware_RecordsRoutePattern(t *testing.T) {
	m := New()
	r := chi.NewRouter()
	r.Use(m.Middleware())
	r.Get("/keys/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	r.Get("/ok", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})

	for _, path := range []string{"/keys/1", "/keys/2", "/ok"} {
		rr := httptest.NewRecorder()
		r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, http.NoBody))
	}

	assert.Equal(t, 2.0, testutil.ToFloat64(m.httpRequestsTotal.WithLabelValues("GET", "/keys/{id}", "404")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.httpRequestsTotal.WithLabelValues("GET", "/ok", "200")))
	assert.Equal(t, 2, testutil.CollectAndCount(m.httpRequestDuration))
}

func TestMiddleware_UnmatchedRoute(t *testing.T) {
	m := New()
	r := chi.NewRouter()
	r.Use(m.Middleware())
	r.Get("/ok", func(w http.ResponseWriter, r *http.Request) {})

	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/nope", http.NoBody))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.httpRequestsTotal.WithLabelValues("GET", "unknown", "404")))
}

func TestStatusWriter_Flushes(t *testing.T) {
	rr := httptest.NewRecorder()
	w := &statusWriter{ResponseWriter: rr, status: http.StatusOK}

	var f http.Flusher = w
	_, _ = w.Write([]byte("data: x\n\n"))
	f.Flush()

	assert.True(t, rr.Flushed)
	assert.Equal(t, http.StatusOK, w.status)

	w.WriteHeader(http.StatusTeapot)
	assert.Equal(t, http.StatusOK, w.status, "status is fixed once the body started")
}

func TestPrometheus_Counters(t *testing.T) {
	m := New()

	m.ObserveUpstreamAttempt("http://llm", "success", 20*time.Millisecond)
	m.ObserveUpstreamAttempt("http://llm", "timeout", time.Second)
	m.SetBreakerState("http://llm", providers.StateOpen)
	m.QuotaDecision(true)
	m.QuotaDecision(false)
	m.QuotaDecision(false)
	m.ConcurrencyRejected()
	m.ObserveTokens("", 10, 0)
	m.AuditEnqueued()
	m.AuditDropped()
	m.AuditStoreFailed("s3")
	m.SetAuditQueueLength(7)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.upstreamAttempts.WithLabelValues("http://llm", "timeout")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.breakerState.WithLabelValues("http://llm")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.quotaDecisions.WithLabelValues("denied")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.concurrencyRejects))
	assert.Equal(t, 10.0, testutil.ToFloat64(m.tokensTotal.WithLabelValues("unknown", "prompt")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.tokensTotal), "zero completion tokens add no series")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.auditEvents.WithLabelValues("dropped")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.auditStoreFailures.WithLabelValues("s3")))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.auditQueueLength))
}

func TestPrometheus_Handler(t *testing.T) {
	m := New()
	m.ConcurrencyRejected()

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, strings.Contains(string(body), "gateway_concurrency_rejections_total 1"))
	assert.True(t, strings.Contains(string(body), "go_goroutines"))
}

func TestNoop_PassesThrough(t *testing.T) {
	called := false
	h := Noop{}.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", http.NoBody))
	assert.True(t, called)
}
