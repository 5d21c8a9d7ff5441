package storage

import (
	"context"
	"fmt"

	"stage_gateway/internal/models"
)

// RequestLogRepository persists audit records into request_logs
type RequestLogRepository struct {
	db *DB
}

// NewRequestLogRepository creates a new request log repository
func NewRequestLogRepository(db *DB) *RequestLogRepository {
	return &RequestLogRepository{db: db}
}

const insertRequestLog = `
	INSERT INTO request_logs (
		request_id, user_id, api_key_id, stage, model,
		input_tokens, output_tokens, total_tokens, cost_usd, latency_ms,
		status, http_status, streamed, error_message, created_at
	) VALUES (
		:request_id, :user_id, :api_key_id, :stage, :model,
		:input_tokens, :output_tokens, :total_tokens, :cost_usd, :latency_ms,
		:status, :http_status, :streamed, :error_message, :created_at
	)
`

// Name identifies this store in logs and metrics
func (r *RequestLogRepository) Name() string {
	return "postgres"
}

// WriteBatch inserts all records in a single transaction
func (r *RequestLogRepository) WriteBatch(ctx context.Context, records []*models.AuditRecord) error {
	if len(records) == 0 {
		return nil
	}

	tx, err := r.db.conn.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareNamedContext(ctx, insertRequestLog)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, rec := range records {
		if _, err := stmt.ExecContext(ctx, rec); err != nil {
			return fmt.Errorf("failed to insert request log %s: %w", rec.RequestID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
