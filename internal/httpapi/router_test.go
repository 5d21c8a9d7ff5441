package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stage_gateway/internal/auth"
	"stage_gateway/internal/metrics"
	"stage_gateway/internal/providers"
	"stage_gateway/internal/version"
)

func serve(h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestHealth(t *testing.T) {
	h := newHarness(t)

	rr := serve(h.handler, httptest.NewRequest(http.MethodGet, "/health", http.NoBody))

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"status":"ok","version":"`+version.Version+`"}`, rr.Body.String())
	assert.NotEmpty(t, rr.Header().Get("X-Request-Id"))
}

func TestReady(t *testing.T) {
	ok := HealthCheck{Name: "postgres", Check: func(context.Context) error { return nil }}
	broken := HealthCheck{Name: "redis", Check: func(context.Context) error { return errors.New("dial tcp: refused") }}

	t.Run("all healthy", func(t *testing.T) {
		h := newHarness(t, func(d *Dependencies) { d.Checks = []HealthCheck{ok} })

		rr := serve(h.handler, httptest.NewRequest(http.MethodGet, "/ready", http.NoBody))

		assert.Equal(t, http.StatusOK, rr.Code)
		assert.JSONEq(t, `{"status":"ready","components":{"postgres":"ok"}}`, rr.Body.String())
	})

	t.Run("one failing", func(t *testing.T) {
		h := newHarness(t, func(d *Dependencies) { d.Checks = []HealthCheck{ok, broken} })

		rr := serve(h.handler, httptest.NewRequest(http.MethodGet, "/ready", http.NoBody))

		assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
		assert.JSONEq(t, `{"status":"not_ready","failing":"redis","components":{"postgres":"ok","redis":"error"}}`, rr.Body.String())
		assert.NotContains(t, rr.Body.String(), "refused")
	})
}

func TestAdminStatus(t *testing.T) {
	breakers := providers.NewBreakerSet(providers.DefaultBreakerConfig())
	breakers.Get("http://llm:4000")
	h := newHarness(t, func(d *Dependencies) { d.Breakers = breakers })

	slot, err := h.gate.Acquire("user-a")
	require.NoError(t, err)
	defer slot.Release()

	t.Run("no token", func(t *testing.T) {
		rr := serve(h.handler, httptest.NewRequest(http.MethodGet, "/admin/status", http.NoBody))
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
	})

	t.Run("api key is not an admin token", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/admin/status", http.NoBody)
		req.Header.Set("Authorization", "Bearer "+testKey)
		assert.Equal(t, http.StatusUnauthorized, serve(h.handler, req).Code)
	})

	t.Run("viewer", func(t *testing.T) {
		token, _, err := auth.GenerateAdminJWT(h.deps.AdminSecret, "ops", []string{string(auth.RoleViewer)}, time.Hour)
		require.NoError(t, err)
		req := httptest.NewRequest(http.MethodGet, "/admin/status", http.NoBody)
		req.Header.Set("Authorization", "Bearer "+token)

		rr := serve(h.handler, req)
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

		var resp StatusResponse
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
		assert.Equal(t, "ops", resp.Subject)
		assert.Equal(t, "plan", resp.DefaultStage)
		assert.Equal(t, []string{"code", "direct", "plan", "review"}, resp.Stages)
		require.Len(t, resp.Breakers, 1)
		assert.Equal(t, "http://llm:4000", resp.Breakers[0].Target)
		assert.Equal(t, 2, resp.Concurrency.Cap)
		require.Len(t, resp.Concurrency.Active, 1)
		assert.Equal(t, "user-a", resp.Concurrency.Active[0].UserID)
		assert.True(t, testNow.Equal(resp.Time))
	})
}

func TestRouter_NotFoundAndMethod(t *testing.T) {
	h := newHarness(t)

	rr := serve(h.handler, httptest.NewRequest(http.MethodGet, "/v1/models", http.NoBody))
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, "not_found", errorCode(t, rr))

	rr = serve(h.handler, httptest.NewRequest(http.MethodGet, "/v1/chat/completions", http.NoBody))
	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
	assert.Equal(t, "method_not_allowed", errorCode(t, rr))
}

func TestRouter_CORSPreflight(t *testing.T) {
	h := newHarness(t, func(d *Dependencies) { d.CORSOrigins = []string{"https://app.example.com"} })

	req := httptest.NewRequest(http.MethodOptions, "/v1/chat/completions", http.NoBody)
	req.Header.Set("Origin", "https://app.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)

	rr := serve(h.handler, req)

	assert.Equal(t, http.StatusNoContent, rr.Code)
	assert.Equal(t, "https://app.example.com", rr.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rr.Header().Get("Access-Control-Expose-Headers"), "X-RateLimit-Remaining")
	assert.Empty(t, h.audit.recs, "preflight never enters the pipeline")
}

func TestRouter_Metrics(t *testing.T) {
	prom := metrics.New()
	h := newHarness(t, func(d *Dependencies) {
		d.Metrics = prom
		d.MetricsHandler = prom.Handler()
	})
	h.relay.complete = okCompletion
	require.Equal(t, http.StatusOK, h.chat(validBody, nil).Code)

	rr := serve(h.handler, httptest.NewRequest(http.MethodGet, "/metrics", http.NoBody))

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `gateway_http_requests_total{method="POST",path="/v1/chat/completions",status="200"} 1`)
	assert.Contains(t, rr.Body.String(), `gateway_quota_decisions_total{result="allowed"} 1`)
	assert.Contains(t, rr.Body.String(), `gateway_tokens_total{stage="plan",type="completion"} 3`)
}

func TestDependencies_CloseRunsInReverse(t *testing.T) {
	var order []string
	d := &Dependencies{}
	d.onClose(func(context.Context) error { order = append(order, "db"); return nil })
	d.onClose(func(context.Context) error { order = append(order, "redis"); return errors.New("already closed") })
	d.onClose(func(context.Context) error { order = append(order, "worker"); return nil })

	err := d.Close(context.Background())

	assert.EqualError(t, err, "already closed")
	assert.Equal(t, []string{"worker", "redis", "db"}, order)
	assert.NoError(t, d.Close(context.Background()), "second close is a no-op")
}
