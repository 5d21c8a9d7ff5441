package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// UsageCount is the row returned by increment_usage_counter
type UsageCount struct {
	RequestCount int  `db:"request_count"`
	Allowed      bool `db:"allowed"`
	Limit        int  `db:"limit"`
}

// UsageCounterRepository mutates usage_counters through the stored procedure only
type UsageCounterRepository struct {
	db *DB
}

// NewUsageCounterRepository creates a new usage counter repository
func NewUsageCounterRepository(db *DB) *UsageCounterRepository {
	return &UsageCounterRepository{db: db}
}

// Increment performs the upsert-and-increment for (userID, day) in one round trip.
// The counter always grows; Allowed is count <= limit.
func (r *UsageCounterRepository) Increment(ctx context.Context, userID string, day time.Time, limit int) (*UsageCount, error) {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	var out UsageCount
	query := `SELECT request_count, allowed, "limit" FROM increment_usage_counter($1, $2, $3)`

	err := r.db.conn.GetContext(ctx, &out, query, userID, day.UTC().Format("2006-01-02"), limit)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrUsageCounterUnavailable
		}
		return nil, fmt.Errorf("failed to increment usage counter: %w", err)
	}

	return &out, nil
}
