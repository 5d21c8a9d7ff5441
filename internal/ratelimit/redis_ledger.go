package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// incrementScript bumps the counter and pins its expiry on first use.
// KEYS[1] = counter key, ARGV[1] = expiry as unix seconds.
var incrementScript = redis.NewScript(`
local count = redis.call('INCR', KEYS[1])
if count == 1 then
	redis.call('EXPIREAT', KEYS[1], ARGV[1])
end
return count
`)

// counterGrace keeps a finished day's counter around after midnight
const counterGrace = time.Hour

// RedisLedger keeps one counter per user and day in Redis
type RedisLedger struct {
	client redis.Scripter
}

// NewRedisLedger creates a Redis-backed ledger
func NewRedisLedger(client redis.Scripter) *RedisLedger {
	return &RedisLedger{client: client}
}

func counterKey(userID string, day time.Time) string {
	return fmt.Sprintf("quota:%s:%s", userID, day.Format("2006-01-02"))
}

// CheckAndIncrement increments and reads the counter in one atomic script call
func (l *RedisLedger) CheckAndIncrement(ctx context.Context, userID string, day time.Time, limit int) (Decision, error) {
	day = Day(day)
	expireAt := ResetAt(day).Add(counterGrace).Unix()

	count, err := incrementScript.Run(ctx, l.client, []string{counterKey(userID, day)}, expireAt).Int()
	if err != nil {
		return Decision{}, fmt.Errorf("quota check failed: %w", err)
	}

	return newDecision(count, limit, day), nil
}
