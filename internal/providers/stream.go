package providers

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	openai "github.com/sashabaranov/go-openai"
)

// StreamSink receives a relayed stream. Start is called once, right before the
// first event; Write must deliver and flush one complete event.
type StreamSink interface {
	Start(upstream http.Header)
	Write(event []byte) error
}

var doneMarker = []byte("[DONE]")

// maxEventSize bounds one SSE event read from upstream
const maxEventSize = 1 << 20

// errEventTooLarge is returned when an upstream event outgrows maxEventSize
var errEventTooLarge = fmt.Errorf("%w: event exceeds %d bytes", ErrUpstreamBadResponse, maxEventSize)

// eventReader splits an SSE body into events, each returned with its
// terminating blank line so it can be forwarded unchanged.
type eventReader struct {
	r   *bufio.Reader
	max int
}

func newEventReader(r *bufio.Reader) *eventReader {
	return &eventReader{r: r, max: maxEventSize}
}

// Next returns the next event. At end of input any partial event is returned
// together with the read error. An event larger than the limit is discarded and
// reported as errEventTooLarge.
func (e *eventReader) Next() ([]byte, error) {
	var buf []byte
	continued := false
	for {
		chunk, err := e.r.ReadSlice('\n')
		if len(buf)+len(chunk) > e.max {
			return nil, errEventTooLarge
		}
		buf = append(buf, chunk...)
		if errors.Is(err, bufio.ErrBufferFull) {
			continued = true
			continue
		}
		if err != nil {
			return buf, err
		}
		if !continued && isBlankLine(chunk) {
			return buf, nil
		}
		continued = false
	}
}

func isBlankLine(line []byte) bool {
	return len(bytes.TrimRight(line, "\r\n")) == 0
}

// streamAccumulator inspects forwarded events for usage and the terminal marker
type streamAccumulator struct {
	done            bool
	usage           *openai.Usage
	completionChars int
}

func (a *streamAccumulator) observe(event []byte) {
	for _, line := range bytes.Split(event, []byte("\n")) {
		line = bytes.TrimRight(line, "\r")
		payload, ok := bytes.CutPrefix(line, []byte("data:"))
		if !ok {
			continue
		}
		payload = bytes.TrimSpace(payload)
		if bytes.Equal(payload, doneMarker) {
			a.done = true
			continue
		}

		var chunk openai.ChatCompletionStreamResponse
		if err := json.Unmarshal(payload, &chunk); err != nil {
			continue
		}
		if chunk.Usage != nil && chunk.Usage.TotalTokens > 0 {
			u := *chunk.Usage
			a.usage = &u
		}
		for _, c := range chunk.Choices {
			a.completionChars += len(c.Delta.Content)
		}
	}
}

func (a *streamAccumulator) result(promptChars int) Usage {
	if a.usage != nil {
		return Usage{
			PromptTokens:     a.usage.PromptTokens,
			CompletionTokens: a.usage.CompletionTokens,
			TotalTokens:      a.usage.TotalTokens,
		}
	}
	return estimatedUsage(promptChars, a.completionChars)
}

// errorEvent is the marker appended when a committed stream fails
func errorEvent(message, code string) []byte {
	body, _ := json.Marshal(map[string]any{
		"error": map[string]string{
			"message": message,
			"type":    "upstream_error",
			"code":    code,
		},
	})
	var b bytes.Buffer
	b.WriteString("event: error\ndata: ")
	b.Write(body)
	b.WriteString("\n\n")
	return b.Bytes()
}

var doneEvent = []byte("data: [DONE]\n\n")
