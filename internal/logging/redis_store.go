package logging

import (
	"context"

	"stage_gateway/internal/models"
	"stage_gateway/internal/queue"
)

// RedisStore publishes audit batches to a Redis list for an external consumer
type RedisStore struct {
	queue *queue.RedisQueue
}

// NewRedisStore creates a store over q
func NewRedisStore(q *queue.RedisQueue) *RedisStore {
	return &RedisStore{queue: q}
}

// Name identifies this store in logs and metrics
func (s *RedisStore) Name() string {
	return "redis"
}

// WriteBatch pushes all records in one round trip
func (s *RedisStore) WriteBatch(ctx context.Context, records []*models.AuditRecord) error {
	items := make([]interface{}, len(records))
	for i, r := range records {
		items[i] = r
	}
	return s.queue.EnqueueBatch(ctx, items)
}
