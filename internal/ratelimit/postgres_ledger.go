package ratelimit

import (
	"context"
	"fmt"
	"time"

	"stage_gateway/internal/storage"
)

// UsageCounter is the storage call behind PostgresLedger
type UsageCounter interface {
	Increment(ctx context.Context, userID string, day time.Time, limit int) (*storage.UsageCount, error)
}

// PostgresLedger keeps counters in usage_counters through the increment_usage_counter procedure
type PostgresLedger struct {
	counters UsageCounter
}

// NewPostgresLedger creates a ledger backed by the usage counter repository
func NewPostgresLedger(counters UsageCounter) *PostgresLedger {
	return &PostgresLedger{counters: counters}
}

// CheckAndIncrement runs the stored procedure in a single round trip
func (l *PostgresLedger) CheckAndIncrement(ctx context.Context, userID string, day time.Time, limit int) (Decision, error) {
	day = Day(day)
	out, err := l.counters.Increment(ctx, userID, day, limit)
	if err != nil {
		return Decision{}, fmt.Errorf("quota check failed: %w", err)
	}

	dec := newDecision(out.RequestCount, limit, day)
	dec.Allowed = out.Allowed
	return dec, nil
}
