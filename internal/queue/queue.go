// Package queue buffers audit records between the request path and the
// audit worker.
//
//   - MemoryQueue: the Queue behind the sink. Bounded, never blocks the producer, drops when full.
//   - RedisQueue: publish-only Redis list for an external consumer, length capped.
//
// Items are delivered at most once; there is no retry or dead-letter handling.
package queue

import (
	"context"
	"time"
)

// Queue defines the interface for message queuing
type Queue interface {
	// Enqueue adds an item to the queue
	Enqueue(ctx context.Context, item interface{}) error

	// DequeueWithTimeout retrieves up to maxItems items, waiting at most timeout
	// for the first one. An empty result means the timeout elapsed.
	DequeueWithTimeout(ctx context.Context, maxItems int, timeout time.Duration) ([]interface{}, error)

	// Length returns the current queue length
	Length(ctx context.Context) (int, error)

	// Close shuts down the queue
	Close() error
}

// Config holds queue configuration
type Config struct {
	// Capacity bounds the in-memory queue
	Capacity int

	// MaxLen caps a Redis list; older entries are trimmed. Zero means no cap.
	MaxLen int64

	// QueueName is the name/key for the queue
	QueueName string
}

// DefaultConfig returns default queue configuration
func DefaultConfig(queueName string) *Config {
	return &Config{
		Capacity:  1000,
		MaxLen:    100000,
		QueueName: queueName,
	}
}
