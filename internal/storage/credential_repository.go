package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"stage_gateway/internal/models"
)

// CredentialRepository reads and writes rows of api_keys
type CredentialRepository struct {
	db *DB
}

// NewCredentialRepository creates a new credential repository
func NewCredentialRepository(db *DB) *CredentialRepository {
	return &CredentialRepository{db: db}
}

// GetByHash returns the credential with the given key hash regardless of status.
// Callers decide what a non-active status means.
func (r *CredentialRepository) GetByHash(ctx context.Context, keyHash string) (*models.Credential, error) {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	var cred models.Credential
	query := `
		SELECT id, user_id, key_hash, status, name, created_at
		FROM api_keys
		WHERE key_hash = $1
		LIMIT 1
	`

	err := r.db.conn.GetContext(ctx, &cred, query, keyHash)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrCredentialNotFound
		}
		return nil, fmt.Errorf("failed to get credential: %w", err)
	}

	return &cred, nil
}

// Create inserts a new active credential for userID and returns it
func (r *CredentialRepository) Create(ctx context.Context, userID uuid.UUID, keyHash string, name *string) (*models.Credential, error) {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	cred := models.Credential{
		ID:      uuid.New(),
		UserID:  userID,
		KeyHash: keyHash,
		Status:  models.CredentialActive,
		Name:    name,
	}

	query := `
		INSERT INTO api_keys (id, user_id, key_hash, status, name, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		RETURNING created_at
	`

	err := r.db.conn.QueryRowxContext(ctx, query, cred.ID, cred.UserID, cred.KeyHash, cred.Status, cred.Name).
		Scan(&cred.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create credential: %w", err)
	}

	return &cred, nil
}

// Revoke marks a credential revoked. Revocation is permanent.
func (r *CredentialRepository) Revoke(ctx context.Context, id uuid.UUID) error {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	query := `UPDATE api_keys SET status = $1 WHERE id = $2`

	res, err := r.db.conn.ExecContext(ctx, query, models.CredentialRevoked, id)
	if err != nil {
		return fmt.Errorf("failed to revoke credential: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to revoke credential: %w", err)
	}
	if n == 0 {
		return ErrCredentialNotFound
	}
	return nil
}
