package logging

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stage_gateway/internal/models"
	"stage_gateway/internal/queue"
)

func TestRedisStore_WriteBatch(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	q, err := queue.NewRedisQueue(client, &queue.Config{QueueName: "audit", MaxLen: 100})
	require.NoError(t, err)
	store := NewRedisStore(q)
	assert.Equal(t, "redis", store.Name())

	err = store.WriteBatch(context.Background(), []*models.AuditRecord{newRecord("r1"), newRecord("r2")})
	require.NoError(t, err)

	list, err := mr.List("queue:audit")
	require.NoError(t, err)
	require.Len(t, list, 2)

	var rec models.AuditRecord
	require.NoError(t, json.Unmarshal([]byte(list[1]), &rec))
	assert.Equal(t, "r2", rec.RequestID)
}
