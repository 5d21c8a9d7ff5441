package ratelimit

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// ErrQuotaExceeded is returned by callers when a Decision is not allowed
var ErrQuotaExceeded = errors.New("daily quota exceeded")

// Decision is the outcome of one admission check
type Decision struct {
	Allowed   bool
	Count     int
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// Ledger atomically increments the caller's counter for day and reports whether the
// new count is within limit. The counter grows even when the request is denied.
type Ledger interface {
	CheckAndIncrement(ctx context.Context, userID string, day time.Time, limit int) (Decision, error)
}

// Day truncates t to its UTC calendar day
func Day(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// ResetAt returns the UTC midnight that ends day
func ResetAt(day time.Time) time.Time {
	return Day(day).AddDate(0, 0, 1)
}

func newDecision(count, limit int, day time.Time) Decision {
	remaining := limit - count
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   count <= limit,
		Count:     count,
		Limit:     limit,
		Remaining: remaining,
		ResetAt:   ResetAt(day),
	}
}

// FailOpenLedger admits requests when the wrapped ledger errors
type FailOpenLedger struct {
	inner  Ledger
	logger *zap.Logger
}

// NewFailOpenLedger wraps inner so that backend failures admit the request
func NewFailOpenLedger(inner Ledger, logger *zap.Logger) *FailOpenLedger {
	return &FailOpenLedger{inner: inner, logger: logger.Named("quota")}
}

// CheckAndIncrement delegates to the wrapped ledger and admits on error
func (l *FailOpenLedger) CheckAndIncrement(ctx context.Context, userID string, day time.Time, limit int) (Decision, error) {
	dec, err := l.inner.CheckAndIncrement(ctx, userID, day, limit)
	if err == nil {
		return dec, nil
	}

	l.logger.Warn("quota ledger unavailable, admitting request",
		zap.String("user_id", userID),
		zap.Error(err),
	)
	return Decision{
		Allowed:   true,
		Limit:     limit,
		Remaining: limit,
		ResetAt:   ResetAt(day),
	}, nil
}
