package logging

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"stage_gateway/internal/models"
	"stage_gateway/internal/queue"
)

// Store persists a batch of audit records
type Store interface {
	Name() string
	WriteBatch(ctx context.Context, records []*models.AuditRecord) error
}

// Observer receives audit pipeline events, typically for metrics
type Observer interface {
	AuditEnqueued()
	AuditDropped()
	AuditStoreFailed(store string)
	SetAuditQueueLength(n int)
}

// Sink accepts audit records from the request path without ever blocking it
type Sink struct {
	queue    queue.Queue
	observer Observer
	logger   *zap.Logger
	warn     *rate.Limiter
	dropped  atomic.Int64
}

// NewSink creates a sink in front of q. observer may be nil.
func NewSink(q queue.Queue, observer Observer, logger *zap.Logger) *Sink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sink{
		queue:    q,
		observer: observer,
		logger:   logger.Named("audit"),
		warn:     rate.NewLimiter(rate.Every(10*time.Second), 1),
	}
}

// Enqueue hands rec to the queue. When the queue is full or closed the record
// is dropped and counted; the caller is never told.
func (s *Sink) Enqueue(rec *models.AuditRecord) {
	err := s.queue.Enqueue(context.Background(), rec)
	if err == nil {
		if s.observer != nil {
			s.observer.AuditEnqueued()
		}
		return
	}

	total := s.dropped.Add(1)
	if s.observer != nil {
		s.observer.AuditDropped()
	}
	if s.warn.Allow() {
		s.logger.Warn("audit record dropped",
			zap.String("request_id", rec.RequestID),
			zap.Bool("queue_full", errors.Is(err, queue.ErrQueueFull)),
			zap.Int64("dropped_total", total),
			zap.Error(err),
		)
	}
}

// Dropped returns how many records were dropped since start
func (s *Sink) Dropped() int64 {
	return s.dropped.Load()
}

// Length returns the number of buffered records
func (s *Sink) Length(ctx context.Context) int {
	n, err := s.queue.Length(ctx)
	if err != nil {
		return 0
	}
	return n
}
