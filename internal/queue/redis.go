package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisQueue publishes items to a Redis list on a shared client. An external
// consumer pops them; the gateway only pushes.
type RedisQueue struct {
	client *redis.Client
	config *Config
	qKey   string
}

// NewRedisQueue creates a Redis-backed queue on an existing client.
// The client is owned by the caller.
func NewRedisQueue(client *redis.Client, config *Config) (*RedisQueue, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if config == nil || config.QueueName == "" {
		return nil, fmt.Errorf("queue name is required")
	}

	return &RedisQueue{
		client: client,
		config: config,
		qKey:   fmt.Sprintf("queue:%s", config.QueueName),
	}, nil
}

// Key returns the Redis key of the list
func (q *RedisQueue) Key() string {
	return q.qKey
}

// Enqueue adds an item to the queue
func (q *RedisQueue) Enqueue(ctx context.Context, item interface{}) error {
	return q.EnqueueBatch(ctx, []interface{}{item})
}

// EnqueueBatch pushes items in one round trip and trims the list to MaxLen
func (q *RedisQueue) EnqueueBatch(ctx context.Context, items []interface{}) error {
	if len(items) == 0 {
		return nil
	}

	values := make([]interface{}, 0, len(items))
	for _, item := range items {
		data, err := json.Marshal(item)
		if err != nil {
			return fmt.Errorf("failed to marshal item: %w", err)
		}
		values = append(values, data)
	}

	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, q.qKey, values...)
		if q.config.MaxLen > 0 {
			pipe.LTrim(ctx, q.qKey, -q.config.MaxLen, -1)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to push to Redis: %w", err)
	}

	return nil
}
