package models

import "time"

// Audit outcome statuses.
const (
	AuditSuccess  = "success"
	AuditError    = "error"
	AuditRejected = "rejected"
)

// AuditRecord is the outcome of one gateway request. Nullable fields are nil when unknown.
type AuditRecord struct {
	RequestID    string    `db:"request_id" json:"request_id"`
	UserID       *string   `db:"user_id" json:"user_id,omitempty"`
	APIKeyID     *string   `db:"api_key_id" json:"api_key_id,omitempty"`
	Stage        *string   `db:"stage" json:"stage,omitempty"`
	Model        *string   `db:"model" json:"model,omitempty"`
	InputTokens  *int      `db:"input_tokens" json:"input_tokens,omitempty"`
	OutputTokens *int      `db:"output_tokens" json:"output_tokens,omitempty"`
	TotalTokens  *int      `db:"total_tokens" json:"total_tokens,omitempty"`
	CostUSD      *float64  `db:"cost_usd" json:"cost_usd,omitempty"`
	LatencyMS    int64     `db:"latency_ms" json:"latency_ms"`
	Status       string    `db:"status" json:"status"`
	HTTPStatus   int       `db:"http_status" json:"http_status"`
	Streamed     bool      `db:"streamed" json:"streamed"`
	ErrorMessage *string   `db:"error_message" json:"error_message,omitempty"`
	CreatedAt    time.Time `db:"created_at" json:"timestamp"`
}
