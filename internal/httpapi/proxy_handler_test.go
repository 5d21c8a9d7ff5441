package httpapi

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"stage_gateway/internal/auth"
	"stage_gateway/internal/concurrency"
	"stage_gateway/internal/models"
	"stage_gateway/internal/providers"
	"stage_gateway/internal/ratelimit"
	"stage_gateway/internal/stages"
	"stage_gateway/internal/utils"
)

const (
	testKey    = "sk-test-key"
	validBody  = `{"model":"ignored","messages":[{"role":"user","content":"hello"}]}`
	streamBody = `{"model":"ignored","stream":true,"messages":[{"role":"user","content":"hello"}]}`
)

var (
	testUser = uuid.MustParse("11111111-1111-1111-1111-111111111111")
	testCred = uuid.MustParse("22222222-2222-2222-2222-222222222222")
	// Thirty seconds before the UTC day rolls over
	testNow = time.Date(2026, 10, 16, 23, 59, 30, 0, time.UTC)
)

type fakeAuth struct {
	keys  map[string]auth.Identity
	err   error
	calls atomic.Int32
}

func (a *fakeAuth) Authenticate(_ context.Context, raw string) (auth.Identity, error) {
	a.calls.Add(1)
	if a.err != nil {
		return auth.Identity{}, a.err
	}
	id, ok := a.keys[raw]
	if !ok {
		return auth.Identity{}, auth.ErrUnauthorized
	}
	return id, nil
}

type countingLedger struct {
	mu     sync.Mutex
	counts map[string]int
	err    error
}

func (l *countingLedger) CheckAndIncrement(_ context.Context, userID string, day time.Time, limit int) (ratelimit.Decision, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return ratelimit.Decision{}, l.err
	}
	key := userID + "/" + day.Format(time.DateOnly)
	l.counts[key]++
	n := l.counts[key]
	return ratelimit.Decision{
		Allowed:   n <= limit,
		Count:     n,
		Limit:     limit,
		Remaining: max(limit-n, 0),
		ResetAt:   ratelimit.ResetAt(day),
	}, nil
}

func (l *countingLedger) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	total := 0
	for _, n := range l.counts {
		total += n
	}
	return total
}

type fakeRelay struct {
	mu       sync.Mutex
	requests []providers.Request

	complete func(ctx context.Context, req providers.Request) (*providers.Completion, error)
	stream   func(ctx context.Context, req providers.Request, sink providers.StreamSink) (*providers.StreamResult, error)
}

func (r *fakeRelay) record(req providers.Request) {
	r.mu.Lock()
	r.requests = append(r.requests, req)
	r.mu.Unlock()
}

func (r *fakeRelay) Complete(ctx context.Context, req providers.Request) (*providers.Completion, error) {
	r.record(req)
	if r.complete == nil {
		return nil, errors.New("no completion configured")
	}
	return r.complete(ctx, req)
}

func (r *fakeRelay) Stream(ctx context.Context, req providers.Request, sink providers.StreamSink) (*providers.StreamResult, error) {
	r.record(req)
	if r.stream == nil {
		return nil, errors.New("no stream configured")
	}
	return r.stream(ctx, req, sink)
}

func (r *fakeRelay) calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.requests)
}

func (r *fakeRelay) lastBody(t *testing.T) map[string]any {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	require.NotEmpty(t, r.requests)
	var body map[string]any
	require.NoError(t, json.Unmarshal(r.requests[len(r.requests)-1].Body, &body))
	return body
}

type auditLog struct {
	mu   sync.Mutex
	recs []*models.AuditRecord
}

func (a *auditLog) Enqueue(rec *models.AuditRecord) {
	a.mu.Lock()
	a.recs = append(a.recs, rec)
	a.mu.Unlock()
}

func (a *auditLog) Length(context.Context) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.recs)
}

func (a *auditLog) only(t *testing.T) *models.AuditRecord {
	t.Helper()
	a.mu.Lock()
	defer a.mu.Unlock()
	require.Len(t, a.recs, 1, "exactly one audit record per request")
	return a.recs[0]
}

type harness struct {
	deps    *Dependencies
	auth    *fakeAuth
	ledger  *countingLedger
	relay   *fakeRelay
	audit   *auditLog
	gate    *concurrency.Gate
	handler http.Handler
}

func newHarness(t *testing.T, opts ...func(*Dependencies)) *harness {
	t.Helper()
	profiles, def := stages.Defaults()
	resolver, err := stages.NewResolver(profiles, def)
	require.NoError(t, err)

	h := &harness{
		auth: &fakeAuth{keys: map[string]auth.Identity{
			testKey: {UserID: testUser, CredentialID: testCred},
		}},
		ledger: &countingLedger{counts: map[string]int{}},
		relay:  &fakeRelay{},
		audit:  &auditLog{},
		gate:   concurrency.NewGate(concurrency.Config{Cap: 2}),
	}
	h.deps = &Dependencies{
		Auth:        h.auth,
		Stages:      resolver,
		Quota:       h.ledger,
		DailyLimit:  1000,
		Gate:        h.gate,
		Relay:       h.relay,
		Audit:       h.audit,
		AdminSecret: []byte("test-admin-secret"),
		Logger:      zap.NewNop(),
		Now:         func() time.Time { return testNow },
	}
	for _, opt := range opts {
		opt(h.deps)
	}
	h.handler = NewRouter(h.deps)
	return h
}

func (h *harness) chat(body string, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+testKey)
	for k, v := range header {
		if v == "" {
			req.Header.Del(k)
			continue
		}
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	h.handler.ServeHTTP(rr, req)
	return rr
}

func errorCode(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	var resp utils.ErrorResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp), rr.Body.String())
	return resp.Error.Code
}

func okCompletion(context.Context, providers.Request) (*providers.Completion, error) {
	cost := 0.0042
	return &providers.Completion{
		StatusCode: http.StatusOK,
		Header:     http.Header{"Content-Type": {"application/json"}},
		Body:       []byte(`{"id":"c1","choices":[]}`),
		Usage:      providers.Usage{PromptTokens: 12, CompletionTokens: 3, TotalTokens: 15},
		CostUSD:    &cost,
	}, nil
}

func TestChat_Unauthorized(t *testing.T) {
	tests := []struct {
		name   string
		header string
	}{
		{"missing header", ""},
		{"not bearer", "Basic abc"},
		{"unknown key", "Bearer sk-unknown"},
		{"revoked key", "Bearer sk-revoked"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)

			rr := h.chat(validBody, map[string]string{"Authorization": tt.header})

			assert.Equal(t, http.StatusUnauthorized, rr.Code)
			assert.Equal(t, "invalid_api_key", errorCode(t, rr))
			assert.NotEmpty(t, rr.Header().Get("X-Request-Id"))
			assert.Zero(t, h.ledger.count(), "rejected credentials consume no quota")
			assert.Zero(t, h.relay.calls())

			rec := h.audit.only(t)
			assert.Equal(t, models.AuditRejected, rec.Status)
			assert.Equal(t, http.StatusUnauthorized, rec.HTTPStatus)
			assert.Equal(t, rr.Header().Get("X-Request-Id"), rec.RequestID)
			assert.Nil(t, rec.UserID)
		})
	}
}

func TestChat_AuthBackendFailure(t *testing.T) {
	h := newHarness(t)
	h.auth.err = errors.New("connection refused")

	rr := h.chat(validBody, nil)

	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.Equal(t, "internal_error", errorCode(t, rr))
	assert.NotContains(t, rr.Body.String(), "connection refused")
	assert.Equal(t, models.AuditError, h.audit.only(t).Status)
}

func TestChat_InvalidBody(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"not json", `{"messages":`},
		{"missing messages", `{"model":"x"}`},
		{"empty messages", `{"messages":[]}`},
		{"message without role", `{"messages":[{"content":"hi"}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)

			rr := h.chat(tt.body, nil)

			assert.Equal(t, http.StatusBadRequest, rr.Code)
			assert.Equal(t, "invalid_request", errorCode(t, rr))
			assert.Zero(t, h.ledger.count())
			assert.Zero(t, h.relay.calls())

			rec := h.audit.only(t)
			assert.Equal(t, models.AuditRejected, rec.Status)
			assert.Equal(t, testUser.String(), utils.Deref(rec.UserID))
		})
	}
}

func TestChat_BadStage(t *testing.T) {
	for _, stage := range []string{"deploy", "direct"} {
		t.Run(stage, func(t *testing.T) {
			h := newHarness(t)

			rr := h.chat(validBody, map[string]string{"X-Stage": stage})

			assert.Equal(t, http.StatusBadRequest, rr.Code)
			assert.Equal(t, "invalid_stage", errorCode(t, rr))
			assert.Contains(t, rr.Body.String(), "plan")
			assert.Zero(t, h.ledger.count(), "a bad stage consumes no quota")
			assert.Zero(t, h.relay.calls())
			assert.Equal(t, models.AuditRejected, h.audit.only(t).Status)
		})
	}
}

func TestChat_CompleteSuccess(t *testing.T) {
	h := newHarness(t)
	h.relay.complete = okCompletion

	rr := h.chat(validBody, nil)

	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.JSONEq(t, `{"id":"c1","choices":[]}`, rr.Body.String())
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))
	assert.Equal(t, "plan", rr.Header().Get("X-Stage"))
	assert.Equal(t, "claude-3-5-sonnet-20241022", rr.Header().Get("X-Model-Used"))
	assert.Equal(t, "1000", rr.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "999", rr.Header().Get("X-RateLimit-Remaining"))
	assert.Equal(t, strconv.FormatInt(ratelimit.ResetAt(testNow).Unix(), 10), rr.Header().Get("X-RateLimit-Reset"))

	body := h.relay.lastBody(t)
	assert.Equal(t, "claude-3-5-sonnet-20241022", body["model"])
	assert.Equal(t, 4096.0, body["max_tokens"])
	assert.Equal(t, 0.7, body["temperature"])

	rec := h.audit.only(t)
	assert.Equal(t, models.AuditSuccess, rec.Status)
	assert.Equal(t, http.StatusOK, rec.HTTPStatus)
	assert.Equal(t, rr.Header().Get("X-Request-Id"), rec.RequestID)
	assert.Equal(t, "plan", utils.Deref(rec.Stage))
	assert.Equal(t, testCred.String(), utils.Deref(rec.APIKeyID))
	require.NotNil(t, rec.TotalTokens)
	assert.Equal(t, 15, *rec.TotalTokens)
	require.NotNil(t, rec.CostUSD)
	assert.InDelta(t, 0.0042, *rec.CostUSD, 1e-9)
	assert.False(t, rec.Streamed)
	assert.Nil(t, rec.ErrorMessage)
}

func TestChat_StageProfileKeepsCallerFields(t *testing.T) {
	h := newHarness(t)
	h.relay.complete = okCompletion

	rr := h.chat(`{"model":"gpt-5","temperature":0.9,"top_p":0.5,"messages":[{"role":"user","content":"hi"}]}`,
		map[string]string{"X-Stage": "code"})
	require.Equal(t, http.StatusOK, rr.Code)

	body := h.relay.lastBody(t)
	assert.Equal(t, "deepseek-chat", body["model"], "the stage pins the model")
	assert.Equal(t, 0.9, body["temperature"], "caller sampling wins over the profile default")
	assert.Equal(t, 16384.0, body["max_tokens"])
	assert.Equal(t, 0.5, body["top_p"], "unknown fields are forwarded verbatim")
	assert.Equal(t, "deepseek-chat", rr.Header().Get("X-Model-Used"))
}

func TestChat_QuotaExceeded(t *testing.T) {
	h := newHarness(t, func(d *Dependencies) { d.DailyLimit = 2 })
	h.relay.complete = okCompletion

	for i := 0; i < 2; i++ {
		require.Equal(t, http.StatusOK, h.chat(validBody, nil).Code)
	}
	h.audit.recs = nil

	rr := h.chat(validBody, nil)

	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.Equal(t, "rate_limit_exceeded", errorCode(t, rr))
	assert.Equal(t, "30", rr.Header().Get("Retry-After"))
	assert.Equal(t, "2", rr.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "0", rr.Header().Get("X-RateLimit-Remaining"))
	assert.Equal(t, 3, h.ledger.count(), "the denied request is still counted")
	assert.Equal(t, 2, h.relay.calls())

	rec := h.audit.only(t)
	assert.Equal(t, models.AuditRejected, rec.Status)
	assert.Equal(t, http.StatusTooManyRequests, rec.HTTPStatus)
}

type fixedLimits map[string]ratelimit.Limits

func (f fixedLimits) Resolve(_ context.Context, userID string) ratelimit.Limits {
	return f[userID]
}

func TestChat_PerUserDailyLimit(t *testing.T) {
	h := newHarness(t, func(d *Dependencies) {
		d.Limits = fixedLimits{testUser.String(): {DailyLimit: 1}}
	})
	h.relay.complete = okCompletion

	require.Equal(t, http.StatusOK, h.chat(validBody, nil).Code)
	rr := h.chat(validBody, nil)

	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.Equal(t, "rate_limit_exceeded", errorCode(t, rr))
	assert.Equal(t, "1", rr.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, 1, h.relay.calls())
}

func TestChat_PerUserStreamCap(t *testing.T) {
	h := newHarness(t, func(d *Dependencies) {
		d.Limits = fixedLimits{testUser.String(): {DailyLimit: 100, StreamCap: 1}}
	})
	slot, err := h.gate.Acquire(testUser.String())
	require.NoError(t, err)
	t.Cleanup(slot.Release)

	// one open stream is below the gate-wide cap of 2 but at this user's cap
	rr := h.chat(streamBody, nil)

	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.Equal(t, "concurrency_limit_exceeded", errorCode(t, rr))
	assert.Zero(t, h.relay.calls())
}

func TestChat_QuotaBackendFailure(t *testing.T) {
	h := newHarness(t)
	h.ledger.err = errors.New("pq: connection reset")

	rr := h.chat(validBody, nil)

	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.Zero(t, h.relay.calls())
	assert.Equal(t, models.AuditError, h.audit.only(t).Status)
}

func TestChat_UpstreamErrors(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"breaker open", providers.ErrUpstreamUnavailable, http.StatusServiceUnavailable, "upstream_unavailable"},
		{"timeout", providers.ErrUpstreamTimeout, http.StatusServiceUnavailable, "upstream_timeout"},
		{"upstream 5xx", &providers.UpstreamError{StatusCode: http.StatusBadGateway}, http.StatusBadGateway, "bad_gateway"},
		{"unexpected", errors.New("boom"), http.StatusInternalServerError, "internal_error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.relay.complete = func(context.Context, providers.Request) (*providers.Completion, error) {
				return nil, tt.err
			}

			rr := h.chat(validBody, nil)

			assert.Equal(t, tt.status, rr.Code)
			assert.Equal(t, tt.code, errorCode(t, rr))

			rec := h.audit.only(t)
			assert.Equal(t, models.AuditError, rec.Status)
			assert.Equal(t, tt.status, rec.HTTPStatus)
			assert.NotNil(t, rec.ErrorMessage)
		})
	}
}

func TestChat_UpstreamClientErrorPassesThrough(t *testing.T) {
	h := newHarness(t)
	h.relay.complete = func(context.Context, providers.Request) (*providers.Completion, error) {
		return nil, &providers.UpstreamError{
			StatusCode: http.StatusUnprocessableEntity,
			Header:     http.Header{"Content-Type": {"application/json"}},
			Body:       []byte(`{"error":{"message":"context too long"}}`),
		}
	}

	rr := h.chat(validBody, nil)

	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)
	assert.JSONEq(t, `{"error":{"message":"context too long"}}`, rr.Body.String())
	assert.Equal(t, "plan", rr.Header().Get("X-Stage"))

	rec := h.audit.only(t)
	assert.Equal(t, models.AuditError, rec.Status)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.HTTPStatus)
}

func TestChat_PanicIsAudited(t *testing.T) {
	h := newHarness(t)
	h.relay.complete = func(context.Context, providers.Request) (*providers.Completion, error) {
		panic("nil map")
	}

	rr := h.chat(validBody, nil)

	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	rec := h.audit.only(t)
	assert.Equal(t, models.AuditError, rec.Status)
	assert.Contains(t, utils.Deref(rec.ErrorMessage), "panic")
}

var testEvents = []string{
	"data: {\"choices\":[{\"delta\":{\"content\":\"he\"}}]}\n\n",
	"data: {\"choices\":[{\"delta\":{\"content\":\"llo\"}}]}\n\n",
	"data: [DONE]\n\n",
}

func writeEvents(sink providers.StreamSink, events []string) error {
	sink.Start(http.Header{})
	for _, ev := range events {
		if err := sink.Write([]byte(ev)); err != nil {
			return err
		}
	}
	return nil
}

func TestChat_StreamSuccess(t *testing.T) {
	h := newHarness(t)
	h.relay.stream = func(_ context.Context, req providers.Request, sink providers.StreamSink) (*providers.StreamResult, error) {
		assert.True(t, req.Stream)
		assert.Equal(t, 1, h.gate.Active(testUser.String()), "the slot is held while streaming")
		if err := writeEvents(sink, testEvents); err != nil {
			return nil, err
		}
		return &providers.StreamResult{
			Committed: true,
			Events:    len(testEvents),
			Usage:     providers.Usage{PromptTokens: 2, CompletionTokens: 2, TotalTokens: 4, Estimated: true},
		}, nil
	}

	rr := h.chat(streamBody, map[string]string{"X-Stage": "review"})

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "text/event-stream", rr.Header().Get("Content-Type"))
	assert.Equal(t, "no-cache", rr.Header().Get("Cache-Control"))
	assert.Equal(t, "review", rr.Header().Get("X-Stage"))
	assert.Equal(t, "gpt-4o-mini", rr.Header().Get("X-Model-Used"))
	assert.Equal(t, "999", rr.Header().Get("X-RateLimit-Remaining"))
	assert.Equal(t, strings.Join(testEvents, ""), rr.Body.String())
	assert.True(t, rr.Flushed)
	assert.Zero(t, h.gate.Active(testUser.String()), "the slot is released after the stream")

	rec := h.audit.only(t)
	assert.Equal(t, models.AuditSuccess, rec.Status)
	assert.True(t, rec.Streamed)
	require.NotNil(t, rec.OutputTokens)
	assert.Equal(t, 2, *rec.OutputTokens)
}

func TestChat_ConcurrencyCap(t *testing.T) {
	h := newHarness(t)
	h.relay.complete = okCompletion
	for i := 0; i < h.gate.Cap(); i++ {
		slot, err := h.gate.Acquire(testUser.String())
		require.NoError(t, err)
		t.Cleanup(slot.Release)
	}

	rr := h.chat(streamBody, nil)

	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.Equal(t, "concurrency_limit_exceeded", errorCode(t, rr))
	assert.Equal(t, "1", rr.Header().Get("Retry-After"))
	assert.Zero(t, h.relay.calls(), "rejected before any upstream call")
	assert.Equal(t, h.gate.Cap(), h.gate.Active(testUser.String()))
	assert.Equal(t, models.AuditRejected, h.audit.only(t).Status)

	// Non-streamed calls are not gated
	h.audit.recs = nil
	assert.Equal(t, http.StatusOK, h.chat(validBody, nil).Code)
}

func TestChat_StreamFailsBeforeCommit(t *testing.T) {
	h := newHarness(t)
	h.relay.stream = func(context.Context, providers.Request, providers.StreamSink) (*providers.StreamResult, error) {
		return &providers.StreamResult{Attempts: 2}, providers.ErrUpstreamUnavailable
	}

	rr := h.chat(streamBody, nil)

	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))
	assert.Zero(t, h.gate.Active(testUser.String()))
	assert.Equal(t, models.AuditError, h.audit.only(t).Status)
}

func TestChat_StreamFailsAfterCommit(t *testing.T) {
	h := newHarness(t)
	h.relay.stream = func(_ context.Context, _ providers.Request, sink providers.StreamSink) (*providers.StreamResult, error) {
		_ = writeEvents(sink, testEvents[:1])
		_ = sink.Write([]byte("event: error\ndata: {\"error\":{\"code\":\"bad_gateway\"}}\n\n"))
		_ = sink.Write([]byte("data: [DONE]\n\n"))
		return &providers.StreamResult{Committed: true, Events: 1}, providers.ErrUpstreamBadResponse
	}

	rr := h.chat(streamBody, nil)

	assert.Equal(t, http.StatusOK, rr.Code, "the status line was already sent")
	assert.True(t, strings.HasSuffix(rr.Body.String(), "data: [DONE]\n\n"))

	rec := h.audit.only(t)
	assert.Equal(t, models.AuditError, rec.Status)
	assert.Equal(t, http.StatusOK, rec.HTTPStatus)
	assert.Contains(t, utils.Deref(rec.ErrorMessage), "bad response")
}

func TestChat_SlotExpiryAbortsStream(t *testing.T) {
	h := newHarness(t)
	h.deps.Gate = concurrency.NewGate(concurrency.Config{Cap: 1, MaxHold: 30 * time.Millisecond})

	var cause error
	h.relay.stream = func(ctx context.Context, _ providers.Request, sink providers.StreamSink) (*providers.StreamResult, error) {
		_ = writeEvents(sink, testEvents[:1])
		select {
		case <-ctx.Done():
		case <-time.After(5 * time.Second):
			return nil, errors.New("stream was never aborted")
		}
		cause = context.Cause(ctx)
		return &providers.StreamResult{Committed: true}, errors.Join(providers.ErrAborted, cause)
	}

	rr := h.chat(streamBody, nil)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.ErrorIs(t, cause, errSlotExpired)
	assert.Zero(t, h.deps.Gate.Active(testUser.String()))
	assert.Equal(t, models.AuditError, h.audit.only(t).Status)
}

func TestChat_ClientDisconnectMidStream(t *testing.T) {
	h := newHarness(t)
	upstreamCancelled := make(chan struct{})
	h.relay.stream = func(ctx context.Context, _ providers.Request, sink providers.StreamSink) (*providers.StreamResult, error) {
		if err := writeEvents(sink, testEvents[:1]); err != nil {
			return nil, err
		}
		<-ctx.Done()
		close(upstreamCancelled)
		return &providers.StreamResult{Committed: true, Events: 1}, providers.ErrClientGone
	}
	srv := httptest.NewServer(h.handler)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, srv.URL+"/v1/chat/completions", strings.NewReader(streamBody))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+testKey)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	line, err := bufio.NewReader(resp.Body).ReadString('\n')
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(line, "data: "))
	assert.Equal(t, 1, h.gate.Active(testUser.String()))

	cancel()

	select {
	case <-upstreamCancelled:
	case <-time.After(5 * time.Second):
		t.Fatal("upstream call was not cancelled")
	}
	assert.Eventually(t, func() bool {
		return h.gate.Active(testUser.String()) == 0 && h.audit.Length(context.Background()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	rec := h.audit.only(t)
	assert.Equal(t, models.AuditError, rec.Status)
	assert.True(t, rec.Streamed)
}

func TestChat_RealRelayBreakerFailsFast(t *testing.T) {
	var hits atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer upstream.Close()

	breakers := providers.NewBreakerSet(providers.BreakerConfig{Threshold: 3, Window: time.Minute, Cooldown: time.Minute})
	relay := providers.NewRelay(providers.RelayConfig{
		BaseURL:      upstream.URL,
		ReadTimeout:  time.Second,
		RetryBackoff: time.Millisecond,
	}, providers.NewHTTPClient(providers.ClientConfig{ConnectTimeout: time.Second, ReadTimeout: time.Second}), breakers, nil, zap.NewNop())

	h := newHarness(t, func(d *Dependencies) {
		d.Relay = relay
		d.Breakers = breakers
	})

	var last *httptest.ResponseRecorder
	for i := 0; i < 5; i++ {
		last = h.chat(validBody, nil)
		if last.Code == http.StatusServiceUnavailable {
			break
		}
		assert.Equal(t, http.StatusBadGateway, last.Code)
	}
	require.Equal(t, http.StatusServiceUnavailable, last.Code)

	before := hits.Load()
	rr := h.chat(validBody, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.Equal(t, "upstream_unavailable", errorCode(t, rr))
	assert.Equal(t, before, hits.Load(), "an open breaker makes no network call")
}

func TestChat_RealRelayStreamsVerbatim(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		assert.Contains(t, string(body), `"stream":true`)
		w.Header().Set("Content-Type", "text/event-stream")
		for _, ev := range testEvents {
			_, _ = io.WriteString(w, ev)
			w.(http.Flusher).Flush()
		}
	}))
	defer upstream.Close()

	relay := providers.NewRelay(providers.RelayConfig{BaseURL: upstream.URL, ReadTimeout: time.Second},
		providers.NewHTTPClient(providers.ClientConfig{ConnectTimeout: time.Second, ReadTimeout: time.Second}),
		providers.NewBreakerSet(providers.DefaultBreakerConfig()), nil, zap.NewNop())
	h := newHarness(t, func(d *Dependencies) { d.Relay = relay })

	rr := h.chat(streamBody, nil)

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, strings.Join(testEvents, ""), rr.Body.String())
	assert.Equal(t, models.AuditSuccess, h.audit.only(t).Status)
}
