package providers

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrUpstreamUnavailable covers an open breaker and connection failures
	ErrUpstreamUnavailable = errors.New("upstream unavailable")

	// ErrUpstreamTimeout is a connect, header or idle-read timeout
	ErrUpstreamTimeout = errors.New("upstream timeout")

	// ErrUpstreamBadResponse is an upstream 5xx or a broken stream
	ErrUpstreamBadResponse = errors.New("upstream bad response")

	// ErrClientGone means the caller went away before the call finished
	ErrClientGone = errors.New("client disconnected")

	// ErrCircuitOpen is returned by Breaker.Allow while the breaker rejects calls
	ErrCircuitOpen = errors.New("circuit breaker is open")

	// ErrAborted means the gateway cancelled the call itself, with a cause
	ErrAborted = errors.New("upstream call aborted")
)

// UpstreamError is a non-2xx upstream response
type UpstreamError struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream returned status %d", e.StatusCode)
}

// Is maps upstream 5xx responses onto the gateway's error classes: 503 is
// ErrUpstreamUnavailable, 504 is ErrUpstreamTimeout and any other 5xx is
// ErrUpstreamBadResponse.
func (e *UpstreamError) Is(target error) bool {
	switch e.StatusCode {
	case http.StatusServiceUnavailable:
		return target == ErrUpstreamUnavailable
	case http.StatusGatewayTimeout:
		return target == ErrUpstreamTimeout
	}
	return target == ErrUpstreamBadResponse && e.StatusCode >= 500
}

// Passthrough reports whether the response should be returned to the caller as-is
func (e *UpstreamError) Passthrough() bool {
	return e.StatusCode >= 400 && e.StatusCode < 500
}

func retryableStatus(code int) bool {
	switch code {
	case http.StatusInternalServerError, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

// retryable reports whether a failed attempt may be tried once more
func retryable(err error) bool {
	if errors.Is(err, ErrClientGone) || errors.Is(err, ErrAborted) {
		return false
	}
	var ue *UpstreamError
	if errors.As(err, &ue) {
		return retryableStatus(ue.StatusCode)
	}
	return errors.Is(err, ErrUpstreamTimeout) || errors.Is(err, errConnect)
}

// errConnect marks transport failures before a response was received
var errConnect = errors.New("connect error")

// breakerResult maps an attempt error onto the breaker's view of it
func breakerResult(err error) Result {
	if err == nil {
		return Success
	}
	if errors.Is(err, ErrClientGone) || errors.Is(err, ErrAborted) {
		return Ignored
	}
	var ue *UpstreamError
	if errors.As(err, &ue) && ue.Passthrough() {
		return Ignored
	}
	return Failure
}

// outcome is the metrics label for an attempt
func outcome(err error) string {
	var ue *UpstreamError
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrClientGone):
		return "client_gone"
	case errors.Is(err, ErrAborted):
		return "aborted"
	case errors.As(err, &ue) && ue.Passthrough():
		return "client_error"
	case errors.As(err, &ue):
		return "server_error"
	case errors.Is(err, ErrUpstreamTimeout):
		return "timeout"
	case errors.Is(err, errConnect):
		return "connect_error"
	default:
		return "bad_response"
	}
}
