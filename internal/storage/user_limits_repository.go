package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// UserLimits holds per-user overrides from the users table. A nil field means
// the gateway-wide value applies.
type UserLimits struct {
	DailyLimit *int `db:"daily_limit"`
	StreamCap  *int `db:"streaming_concurrency_cap"`
}

// UserLimitsRepository reads limit overrides from users
type UserLimitsRepository struct {
	db *DB
}

// NewUserLimitsRepository creates a new user limits repository
func NewUserLimitsRepository(db *DB) *UserLimitsRepository {
	return &UserLimitsRepository{db: db}
}

// GetLimits returns the overrides for userID. A user without a row has no overrides.
func (r *UserLimitsRepository) GetLimits(ctx context.Context, userID string) (*UserLimits, error) {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	var out UserLimits
	query := `
		SELECT daily_limit, streaming_concurrency_cap
		FROM users
		WHERE id = $1
		LIMIT 1
	`

	err := r.db.conn.GetContext(ctx, &out, query, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return &UserLimits{}, nil
		}
		return nil, fmt.Errorf("failed to get user limits: %w", err)
	}

	return &out, nil
}
