package queue

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupRedisQueue(t *testing.T, maxLen int64) (*RedisQueue, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	q, err := NewRedisQueue(client, &Config{QueueName: "audit", MaxLen: maxLen})
	require.NoError(t, err)
	return q, mr
}

type testRecord struct {
	ID    string `json:"id"`
	Value int    `json:"value"`
}

func TestRedisQueue_EnqueuePublishesJSON(t *testing.T) {
	q, mr := setupRedisQueue(t, 0)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, testRecord{ID: "a", Value: 1}))
	require.NoError(t, q.EnqueueBatch(ctx, []interface{}{testRecord{ID: "b", Value: 2}, testRecord{ID: "c", Value: 3}}))
	require.NoError(t, q.EnqueueBatch(ctx, nil))

	assert.Equal(t, "queue:audit", q.Key())
	list, err := mr.List("queue:audit")
	require.NoError(t, err)
	require.Len(t, list, 3)

	// consumers pop from the head in push order
	var rec testRecord
	require.NoError(t, json.Unmarshal([]byte(list[0]), &rec))
	assert.Equal(t, testRecord{ID: "a", Value: 1}, rec)
	assert.JSONEq(t, `{"id":"c","value":3}`, list[2])
}

func TestRedisQueue_TrimsToMaxLen(t *testing.T) {
	q, mr := setupRedisQueue(t, 3)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, q.Enqueue(ctx, testRecord{Value: i}))
	}

	list, err := mr.List("queue:audit")
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.JSONEq(t, `{"id":"","value":2}`, list[0], "oldest entries are trimmed")
}

func TestNewRedisQueue_Validation(t *testing.T) {
	_, err := NewRedisQueue(nil, DefaultConfig("x"))
	assert.Error(t, err)

	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
	defer client.Close()
	_, err = NewRedisQueue(client, &Config{})
	assert.Error(t, err)
}
