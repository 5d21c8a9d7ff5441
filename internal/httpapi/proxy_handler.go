package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"stage_gateway/internal/auth"
	"stage_gateway/internal/concurrency"
	"stage_gateway/internal/middleware"
	"stage_gateway/internal/models"
	"stage_gateway/internal/providers"
	"stage_gateway/internal/ratelimit"
	"stage_gateway/internal/stages"
	"stage_gateway/internal/utils"
)

const (
	stageHeader   = "X-Stage"
	modelHeader   = "X-Model-Used"
	maxBodyBytes  = 4 << 20
	retryAfterCap = "1"
)

// errSlotExpired is the cancellation cause when a stream outlives its slot
var errSlotExpired = errors.New("stream exceeded maximum duration")

// chatCall carries per-request state through the pipeline
type chatCall struct {
	w      http.ResponseWriter
	start  time.Time
	logger *zap.Logger
	rec    *models.AuditRecord
}

// handleChat is the entry point for OpenAI-compatible chat completions.
//
// Flow:
//  1. Authenticate via Bearer API key
//  2. Decode and validate the JSON body
//  3. Resolve the stage into a model profile
//  4. Check and increment the daily quota
//  5. Acquire a concurrency slot (streaming only)
//  6. Relay upstream, streaming or not
//  7. Enqueue the audit record, whatever happened above
func (d *Dependencies) handleChat(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	reqID := middleware.GetRequestID(ctx)
	if reqID == "" {
		reqID = uuid.NewString()
		w.Header().Set(middleware.RequestIDHeader, reqID)
	}

	call := &chatCall{
		w:      w,
		start:  start,
		logger: utils.LoggerFromContext(ctx, d.log()).With(zap.String("request_id", reqID)),
		rec: &models.AuditRecord{
			RequestID: reqID,
			Status:    models.AuditError,
			// Until a handler writes something else, the outcome is an internal error
			HTTPStatus: http.StatusInternalServerError,
			CreatedAt:  start.UTC(),
		},
	}
	defer d.finish(call)

	// 1. Auth via "Authorization: Bearer <key>"
	raw, _ := auth.ParseBearer(r.Header.Get("Authorization"))
	identity, err := d.Auth.Authenticate(ctx, raw)
	if err != nil {
		if !errors.Is(err, auth.ErrUnauthorized) {
			call.logger.Error("authentication failed", zap.Error(err))
		}
		d.fail(call, err)
		return
	}
	userID := identity.UserID.String()
	call.rec.UserID = utils.Ptr(userID)
	call.rec.APIKeyID = utils.Ptr(identity.CredentialID.String())
	call.logger = call.logger.With(zap.String("user_id", userID))

	// 2. Decode and validate the body
	var req models.ChatRequest
	if err := decodeBody(w, r, &req); err != nil {
		d.fail(call, err)
		return
	}
	call.rec.Streamed = req.Stream

	// 3. Resolve stage → model profile; an unknown explicit stage never falls back
	profile, err := d.Stages.Resolve(r.Header.Get(stageHeader))
	if err != nil {
		d.fail(call, err)
		return
	}
	call.rec.Stage = utils.Ptr(profile.Name)
	call.rec.Model = utils.Ptr(profile.Model)
	w.Header().Set(stageHeader, profile.Name)
	w.Header().Set(modelHeader, profile.Model)

	// 4. Quota: the counter grows even when this request is denied
	limits := d.limitsFor(ctx, userID)
	decision, err := d.Quota.CheckAndIncrement(ctx, userID, ratelimit.Day(d.now()), limits.DailyLimit)
	if err != nil {
		call.logger.Error("quota check failed", zap.Error(err))
		d.fail(call, fmt.Errorf("quota check: %w", err))
		return
	}
	setRateLimitHeaders(w.Header(), decision)
	d.recorder().QuotaDecision(decision.Allowed)
	if !decision.Allowed {
		w.Header().Set("Retry-After", retryAfter(decision.ResetAt, d.now()))
		d.fail(call, ratelimit.ErrQuotaExceeded)
		return
	}

	applyProfile(&req, profile)
	body, err := json.Marshal(req)
	if err != nil {
		d.fail(call, fmt.Errorf("encode upstream body: %w", err))
		return
	}
	preq := providers.Request{
		Body:        body,
		Stream:      req.Stream,
		Target:      profile.Target,
		RequestID:   reqID,
		PromptChars: req.PromptChars(),
	}

	if !req.Stream {
		d.complete(ctx, call, preq)
		return
	}

	// 5. Concurrency slot, held for the life of the stream
	slot, err := d.Gate.AcquireWithCap(userID, limits.StreamCap)
	if err != nil {
		d.recorder().ConcurrencyRejected()
		w.Header().Set("Retry-After", retryAfterCap)
		d.fail(call, err)
		return
	}
	defer slot.Release()

	d.stream(ctx, call, preq, slot)
}

// complete relays a non-streamed call and writes the upstream response
func (d *Dependencies) complete(ctx context.Context, call *chatCall, preq providers.Request) {
	c, err := d.Relay.Complete(ctx, preq)
	if err != nil {
		d.upstreamFailed(call, err)
		return
	}

	call.rec.CostUSD = c.CostUSD
	d.recordUsage(call, c.Usage)

	copyHeader(call.w.Header(), c.Header, "Content-Type")
	if call.w.Header().Get("Content-Type") == "" {
		call.w.Header().Set("Content-Type", "application/json")
	}
	call.w.WriteHeader(c.StatusCode)
	call.rec.HTTPStatus = c.StatusCode
	call.rec.Status = models.AuditSuccess
	if _, err := call.w.Write(c.Body); err != nil {
		call.logger.Debug("client went away while writing response", zap.Error(err))
	}
}

// stream relays an SSE call. A forced slot release cancels the upstream call.
func (d *Dependencies) stream(ctx context.Context, call *chatCall, preq providers.Request, slot *concurrency.Slot) {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	go func() {
		select {
		case <-slot.Expired():
			call.logger.Warn("stream slot force-released", zap.Duration("elapsed", time.Since(call.start)))
			cancel(errSlotExpired)
		case <-ctx.Done():
		}
	}()

	sink := newSSEWriter(call.w)
	res, err := d.Relay.Stream(ctx, preq, sink)
	if res != nil {
		call.rec.CostUSD = res.CostUSD
		if res.Committed {
			d.recordUsage(call, res.Usage)
		}
	}

	if sink.started {
		call.rec.HTTPStatus = http.StatusOK
		if err == nil {
			call.rec.Status = models.AuditSuccess
			return
		}
		// Headers are gone; the relay already terminated the stream
		call.rec.Status = models.AuditError
		call.rec.ErrorMessage = utils.Ptr(err.Error())
		if !errors.Is(err, providers.ErrClientGone) {
			call.logger.Warn("stream failed after commit", zap.Error(err))
		}
		return
	}

	if err != nil {
		d.upstreamFailed(call, err)
	}
}

// upstreamFailed writes the response for a relay error that happened before
// anything reached the caller
func (d *Dependencies) upstreamFailed(call *chatCall, err error) {
	call.rec.ErrorMessage = utils.Ptr(err.Error())

	var ue *providers.UpstreamError
	if errors.As(err, &ue) && ue.Passthrough() {
		copyHeader(call.w.Header(), ue.Header, "Content-Type")
		call.w.WriteHeader(ue.StatusCode)
		_, _ = call.w.Write(ue.Body)
		call.rec.HTTPStatus = ue.StatusCode
		call.rec.Status = models.AuditError
		return
	}

	if !errors.Is(err, providers.ErrClientGone) {
		call.logger.Warn("upstream call failed", zap.Error(err))
	}
	d.fail(call, err)
}

// fail writes the public error for err and fills in the audit outcome
func (d *Dependencies) fail(call *chatCall, err error) {
	e := classifyError(err)
	call.rec.HTTPStatus = e.Status
	call.rec.Status = auditStatus(e.Status)
	if call.rec.ErrorMessage == nil {
		call.rec.ErrorMessage = utils.Ptr(err.Error())
	}
	if e.Status == statusClientClosed {
		// Nobody is listening
		call.rec.Status = models.AuditError
		return
	}
	writeAPIError(call.w, e)
}

// finish enqueues the audit record. It runs on every exit path.
func (d *Dependencies) finish(call *chatCall) {
	rvr := recover()
	if rvr != nil {
		call.rec.Status = models.AuditError
		call.rec.HTTPStatus = http.StatusInternalServerError
		call.rec.ErrorMessage = utils.Ptr(fmt.Sprint("panic: ", rvr))
	}

	call.rec.LatencyMS = time.Since(call.start).Milliseconds()
	if d.Audit != nil {
		d.Audit.Enqueue(call.rec)
	}

	if rvr != nil {
		panic(rvr)
	}
}

func (d *Dependencies) recordUsage(call *chatCall, u providers.Usage) {
	if u.TotalTokens == 0 && u.PromptTokens == 0 && u.CompletionTokens == 0 {
		return
	}
	call.rec.InputTokens = utils.Ptr(u.PromptTokens)
	call.rec.OutputTokens = utils.Ptr(u.CompletionTokens)
	call.rec.TotalTokens = utils.Ptr(u.TotalTokens)
	d.recorder().ObserveTokens(utils.Deref(call.rec.Stage), u.PromptTokens, u.CompletionTokens)
}

// decodeBody reads a bounded JSON body into req and validates it
func decodeBody(w http.ResponseWriter, r *http.Request, req *models.ChatRequest) error {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			return fmt.Errorf("%w: body exceeds %d bytes", models.ErrInvalidRequest, tooBig.Limit)
		}
		return fmt.Errorf("%w: failed to read body", models.ErrInvalidRequest)
	}
	if err := json.Unmarshal(data, req); err != nil {
		return fmt.Errorf("%w: invalid JSON body: %v", models.ErrInvalidRequest, err)
	}
	return req.Validate()
}

// applyProfile pins the model and fills sampling defaults the caller left unset
func applyProfile(req *models.ChatRequest, p stages.Profile) {
	req.Model = p.Model
	if req.MaxTokens == nil && p.MaxTokens != nil {
		v := *p.MaxTokens
		req.MaxTokens = &v
	}
	if req.Temperature == nil && p.Temperature != nil {
		v := *p.Temperature
		req.Temperature = &v
	}
}

func setRateLimitHeaders(h http.Header, d ratelimit.Decision) {
	h.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
}

// retryAfter is the whole number of seconds until reset, at least one
func retryAfter(reset, now time.Time) string {
	secs := int64(math.Ceil(reset.Sub(now).Seconds()))
	if secs < 1 {
		secs = 1
	}
	return strconv.FormatInt(secs, 10)
}

func copyHeader(dst, src http.Header, keys ...string) {
	for _, k := range keys {
		if v := src.Get(k); v != "" {
			dst.Set(k, v)
		}
	}
}
