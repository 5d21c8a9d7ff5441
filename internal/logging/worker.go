package logging

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"stage_gateway/internal/models"
	"stage_gateway/internal/queue"
)

// WorkerConfig configures the audit worker
type WorkerConfig struct {
	BatchSize    int
	BatchTimeout time.Duration
	// WriteTimeout bounds one batch write to one store
	WriteTimeout time.Duration
}

// DefaultWorkerConfig returns the default batching settings
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		BatchSize:    100,
		BatchTimeout: 2 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

// Worker drains the audit queue and writes batches to every store
type Worker struct {
	queue       queue.Queue
	stores      []Store
	config      WorkerConfig
	observer    Observer
	logger      *zap.Logger
	stopChan    chan struct{}
	stoppedChan chan struct{}
}

// NewWorker creates a worker. observer may be nil.
func NewWorker(q queue.Queue, stores []Store, config WorkerConfig, observer Observer, logger *zap.Logger) *Worker {
	def := DefaultWorkerConfig()
	if config.BatchSize <= 0 {
		config.BatchSize = def.BatchSize
	}
	if config.BatchTimeout <= 0 {
		config.BatchTimeout = def.BatchTimeout
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = def.WriteTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Worker{
		queue:       q,
		stores:      stores,
		config:      config,
		observer:    observer,
		logger:      logger.Named("audit-worker"),
		stopChan:    make(chan struct{}),
		stoppedChan: make(chan struct{}),
	}
}

// Start starts the worker goroutine
func (w *Worker) Start(ctx context.Context) {
	go w.run(ctx)
}

// Stop closes the queue, lets the worker flush what is buffered and waits for it
// to finish or for ctx to expire.
func (w *Worker) Stop(ctx context.Context) error {
	close(w.stopChan)
	if err := w.queue.Close(); err != nil {
		w.logger.Warn("failed to close audit queue", zap.Error(err))
	}

	select {
	case <-w.stoppedChan:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("audit worker did not drain in time: %w", ctx.Err())
	}
}

// run is the main worker loop
func (w *Worker) run(ctx context.Context) {
	defer close(w.stoppedChan)

	w.logger.Info("audit worker started", zap.Int("stores", len(w.stores)))

	for {
		select {
		case <-w.stopChan:
			w.drain()
			w.logger.Info("audit worker stopped")
			return
		case <-ctx.Done():
			w.logger.Info("audit worker context cancelled")
			return
		default:
			if err := w.processBatch(ctx); err != nil {
				if errors.Is(err, queue.ErrQueueClosed) {
					w.logger.Info("audit worker stopped")
					return
				}
				w.logger.Error("failed to dequeue audit records", zap.Error(err))
				select {
				case <-time.After(time.Second):
				case <-w.stopChan:
				}
			}
		}
	}
}

// drain flushes whatever is still buffered after Stop
func (w *Worker) drain() {
	for {
		err := w.processBatch(context.Background())
		if err != nil {
			return
		}
		if n, _ := w.queue.Length(context.Background()); n == 0 {
			return
		}
	}
}

// processBatch dequeues one batch and writes it to all stores
func (w *Worker) processBatch(ctx context.Context) error {
	items, err := w.queue.DequeueWithTimeout(ctx, w.config.BatchSize, w.config.BatchTimeout)
	if w.observer != nil {
		n, _ := w.queue.Length(ctx)
		w.observer.SetAuditQueueLength(n)
	}
	if err != nil {
		return err
	}
	if len(items) == 0 {
		return nil
	}

	records := make([]*models.AuditRecord, 0, len(items))
	for _, item := range items {
		rec, ok := item.(*models.AuditRecord)
		if !ok {
			w.logger.Error("unexpected audit item", zap.String("type", fmt.Sprintf("%T", item)))
			continue
		}
		records = append(records, rec)
	}
	if len(records) == 0 {
		return nil
	}

	if err := w.writeAll(records); err != nil {
		w.logger.Error("audit batch dropped by some stores",
			zap.Int("count", len(records)),
			zap.Error(err),
		)
	}
	return nil
}

// writeAll writes records to each store concurrently. A failing store loses the
// batch; other stores are unaffected. The returned error joins every store failure.
func (w *Worker) writeAll(records []*models.AuditRecord) error {
	errs := make([]error, len(w.stores))
	var g errgroup.Group
	for i, store := range w.stores {
		i, store := i, store
		g.Go(func() error {
			ctx, cancel := context.WithTimeout(context.Background(), w.config.WriteTimeout)
			defer cancel()

			if err := store.WriteBatch(ctx, records); err != nil {
				if w.observer != nil {
					w.observer.AuditStoreFailed(store.Name())
				}
				errs[i] = fmt.Errorf("store %s: %w", store.Name(), err)
				return errs[i]
			}
			w.logger.Debug("audit batch written",
				zap.String("store", store.Name()),
				zap.Int("count", len(records)),
			)
			return nil
		})
	}
	if g.Wait() == nil {
		return nil
	}
	return errors.Join(errs...)
}
