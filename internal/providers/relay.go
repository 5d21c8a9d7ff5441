package providers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
)

const (
	maxAttempts      = 2
	maxErrorBodySize = 64 << 10
	chatPath         = "/v1/chat/completions"
)

// AttemptObserver is told about every upstream attempt
type AttemptObserver interface {
	ObserveUpstreamAttempt(target, outcome string, duration time.Duration)
}

// RelayConfig configures a Relay
type RelayConfig struct {
	BaseURL      string
	APIKey       string
	ReadTimeout  time.Duration
	RetryBackoff time.Duration
}

// Relay forwards chat completions to the upstream service
type Relay struct {
	cfg      RelayConfig
	client   *http.Client
	breakers *BreakerSet
	observer AttemptObserver
	logger   *zap.Logger
}

// NewRelay creates a relay. observer may be nil.
func NewRelay(cfg RelayConfig, client *http.Client, breakers *BreakerSet, observer AttemptObserver, logger *zap.Logger) *Relay {
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 500 * time.Millisecond
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 60 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Relay{
		cfg:      cfg,
		client:   client,
		breakers: breakers,
		observer: observer,
		logger:   logger.Named("relay"),
	}
}

// Breakers exposes the per-target breakers for status reporting
func (r *Relay) Breakers() *BreakerSet {
	return r.breakers
}

func (r *Relay) target(req Request) string {
	if req.Target != "" {
		return req.Target
	}
	return r.cfg.BaseURL
}

func (r *Relay) observe(target string, err error, start time.Time) {
	if r.observer != nil {
		r.observer.ObserveUpstreamAttempt(target, outcome(err), time.Since(start))
	}
}

// Complete performs a non-streamed call. Upstream 4xx responses come back as
// *UpstreamError with Passthrough() true.
func (r *Relay) Complete(ctx context.Context, req Request) (*Completion, error) {
	target := r.target(req)
	breaker := r.breakers.Get(target)
	start := time.Now()

	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			if werr := r.backoff(ctx); werr != nil {
				return nil, werr
			}
		}

		done, berr := breaker.Allow()
		if berr != nil {
			r.observe(target, berr, time.Now())
			return nil, fmt.Errorf("%w: %w", ErrUpstreamUnavailable, berr)
		}

		attemptStart := time.Now()
		var c *Completion
		c, err = r.completeOnce(ctx, target, req)
		done(breakerResult(err))
		r.observe(target, err, attemptStart)

		if err == nil {
			c.Attempts = attempt
			c.Latency = time.Since(start)
			return c, nil
		}
		if !retryable(err) || attempt == maxAttempts {
			break
		}
		r.logger.Warn("retrying upstream call",
			zap.String("request_id", req.RequestID),
			zap.String("target", target),
			zap.Error(err),
		)
	}
	return nil, err
}

func (r *Relay) completeOnce(ctx context.Context, target string, req Request) (*Completion, error) {
	resp, cancel, err := r.send(ctx, target, req)
	if err != nil {
		return nil, err
	}
	defer cancel()
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, r.classifyReadError(ctx, err)
	}

	c := &Completion{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       body,
		CostUSD:    parseCost(resp.Header),
	}

	var parsed openai.ChatCompletionResponse
	if jerr := json.Unmarshal(body, &parsed); jerr == nil && parsed.Usage.TotalTokens > 0 {
		c.Usage = Usage{
			PromptTokens:     parsed.Usage.PromptTokens,
			CompletionTokens: parsed.Usage.CompletionTokens,
			TotalTokens:      parsed.Usage.TotalTokens,
		}
	} else {
		chars := 0
		for _, ch := range parsed.Choices {
			chars += len(ch.Message.Content)
		}
		c.Usage = estimatedUsage(req.PromptChars, chars)
	}
	return c, nil
}

// Stream relays an SSE response into sink. Once the first event was written the
// call is never retried; a later failure appends an error event and [DONE].
func (r *Relay) Stream(ctx context.Context, req Request, sink StreamSink) (*StreamResult, error) {
	target := r.target(req)
	breaker := r.breakers.Get(target)
	start := time.Now()
	res := &StreamResult{}

	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			if werr := r.backoff(ctx); werr != nil {
				return res, werr
			}
		}

		done, berr := breaker.Allow()
		if berr != nil {
			r.observe(target, berr, time.Now())
			return res, fmt.Errorf("%w: %w", ErrUpstreamUnavailable, berr)
		}

		res.Attempts = attempt
		attemptStart := time.Now()
		// The upstream answered once the first event is committed, so a half-open
		// trial is resolved there rather than at the end of the stream.
		err = r.streamOnce(ctx, target, req, sink, res, func() { done(Success) })
		done(breakerResult(err))
		if res.Committed && breakerResult(err) == Failure {
			breaker.ReportFailure()
		}
		r.observe(target, err, attemptStart)

		if err == nil || res.Committed || !retryable(err) || attempt == maxAttempts {
			break
		}
		r.logger.Warn("retrying upstream stream",
			zap.String("request_id", req.RequestID),
			zap.String("target", target),
			zap.Error(err),
		)
	}
	res.Latency = time.Since(start)
	return res, err
}

func (r *Relay) streamOnce(ctx context.Context, target string, req Request, sink StreamSink, res *StreamResult, onCommit func()) error {
	resp, cancel, err := r.send(ctx, target, req)
	if err != nil {
		return err
	}
	defer cancel()
	defer resp.Body.Close()

	events := newEventReader(bufio.NewReaderSize(resp.Body, 32<<10))
	acc := &streamAccumulator{}

	for {
		ev, rerr := events.Next()
		if len(ev) > 0 {
			if !res.Committed {
				res.CostUSD = parseCost(resp.Header)
				sink.Start(resp.Header)
				res.Committed = true
				onCommit()
			}
			if werr := sink.Write(ev); werr != nil {
				res.Usage = acc.result(req.PromptChars)
				return fmt.Errorf("%w: %v", ErrClientGone, werr)
			}
			res.Events++
			res.Bytes += int64(len(ev))
			acc.observe(ev)
		}

		if acc.done {
			res.Usage = acc.result(req.PromptChars)
			return nil
		}
		if rerr == nil {
			continue
		}

		res.Usage = acc.result(req.PromptChars)
		switch {
		case errors.Is(rerr, io.EOF):
			err = fmt.Errorf("%w: stream ended without completion marker", ErrUpstreamBadResponse)
		case errors.Is(rerr, errEventTooLarge):
			err = rerr
		default:
			err = r.classifyReadError(ctx, rerr)
		}
		if res.Committed && !errors.Is(err, ErrClientGone) {
			r.abortStream(sink, err)
		}
		return err
	}
}

func (r *Relay) abortStream(sink StreamSink, cause error) {
	code := "bad_gateway"
	switch {
	case errors.Is(cause, ErrUpstreamTimeout):
		code = "upstream_timeout"
	case errors.Is(cause, ErrAborted):
		code = "stream_aborted"
	}
	if err := sink.Write(errorEvent(cause.Error(), code)); err != nil {
		return
	}
	_ = sink.Write(doneEvent)
}

// send performs one HTTP attempt. For 2xx it returns the response with its body
// guarded by the idle read timeout; the caller closes the body and calls cancel.
func (r *Relay) send(ctx context.Context, target string, req Request) (*http.Response, context.CancelFunc, error) {
	attemptCtx, cancel := context.WithCancel(ctx)

	httpReq, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, target+chatPath, bytes.NewReader(req.Body))
	if err != nil {
		cancel()
		return nil, nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if req.Stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}
	if r.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+r.cfg.APIKey)
	}
	if req.RequestID != "" {
		httpReq.Header.Set("X-Request-Id", req.RequestID)
	}

	resp, err := r.client.Do(httpReq)
	if err != nil {
		cancel()
		return nil, nil, r.classifyTransportError(ctx, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer cancel()
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
		return nil, nil, &UpstreamError{StatusCode: resp.StatusCode, Header: resp.Header, Body: body}
	}

	resp.Body = newIdleReader(resp.Body, r.cfg.ReadTimeout, cancel)
	return resp, cancel, nil
}

// callerGone maps a cancelled parent context onto the error to report
func callerGone(ctx context.Context) error {
	if ctx.Err() == nil {
		return nil
	}
	cause := context.Cause(ctx)
	if cause == nil || errors.Is(cause, context.Canceled) {
		return ErrClientGone
	}
	if errors.Is(cause, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrUpstreamTimeout, cause)
	}
	return fmt.Errorf("%w: %w", ErrAborted, cause)
}

func (r *Relay) classifyTransportError(ctx context.Context, err error) error {
	if gone := callerGone(ctx); gone != nil {
		return gone
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrUpstreamTimeout, err)
	}
	return fmt.Errorf("%w: %w: %v", ErrUpstreamUnavailable, errConnect, err)
}

func (r *Relay) classifyReadError(ctx context.Context, err error) error {
	if errors.Is(err, errIdleTimeout) {
		return fmt.Errorf("%w: %v", ErrUpstreamTimeout, err)
	}
	if gone := callerGone(ctx); gone != nil {
		return gone
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrUpstreamTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrUpstreamBadResponse, err)
}

func (r *Relay) backoff(ctx context.Context) error {
	t := time.NewTimer(r.cfg.RetryBackoff)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return callerGone(ctx)
	}
}
