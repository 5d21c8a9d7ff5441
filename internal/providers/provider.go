package providers

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// CostHeader carries the upstream's own cost figure for a call
const CostHeader = "x-litellm-response-cost"

// Request is one chat-completion call to relay
type Request struct {
	// Body is the JSON body sent upstream as-is
	Body   []byte
	Stream bool
	// Target overrides the default upstream base URL
	Target    string
	RequestID string
	// PromptChars feeds token estimation when upstream reports no usage
	PromptChars int
}

// Usage is token accounting for one call
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	// Estimated is set when the counts were derived from character length
	Estimated bool
}

// Completion is a successful non-streamed response
type Completion struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	Usage      Usage
	CostUSD    *float64
	Attempts   int
	Latency    time.Duration
}

// StreamResult describes a relayed stream
type StreamResult struct {
	Usage    Usage
	CostUSD  *float64
	Events   int
	Bytes    int64
	Attempts int
	// Committed is set once the first event reached the caller
	Committed bool
	Latency   time.Duration
}

// estimateTokens approximates a token count as one token per four characters
func estimateTokens(chars int) int {
	if chars <= 0 {
		return 0
	}
	return (chars + 3) / 4
}

func estimatedUsage(promptChars, completionChars int) Usage {
	u := Usage{
		PromptTokens:     estimateTokens(promptChars),
		CompletionTokens: estimateTokens(completionChars),
		Estimated:        true,
	}
	u.TotalTokens = u.PromptTokens + u.CompletionTokens
	return u
}

func parseCost(h http.Header) *float64 {
	v := strings.TrimSpace(h.Get(CostHeader))
	if v == "" {
		return nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f < 0 {
		return nil
	}
	return &f
}
