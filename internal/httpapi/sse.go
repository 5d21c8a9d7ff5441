package httpapi

import (
	"errors"
	"net/http"
	"time"
)

// sseWriter is the providers.StreamSink over the caller's connection
type sseWriter struct {
	w       http.ResponseWriter
	rc      *http.ResponseController
	started bool
}

func newSSEWriter(w http.ResponseWriter) *sseWriter {
	return &sseWriter{w: w, rc: http.NewResponseController(w)}
}

// Start commits the 200 and the event-stream headers. The gateway headers set
// earlier in the pipeline go out with them.
func (s *sseWriter) Start(upstream http.Header) {
	h := s.w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")

	// Streams outlive the server write timeout
	_ = s.rc.SetWriteDeadline(time.Time{})

	s.w.WriteHeader(http.StatusOK)
	s.started = true
}

// Write sends one event and flushes it
func (s *sseWriter) Write(event []byte) error {
	if _, err := s.w.Write(event); err != nil {
		return err
	}
	if err := s.rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return err
	}
	return nil
}
