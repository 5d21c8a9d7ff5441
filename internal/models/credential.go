package models

import (
	"time"

	"github.com/google/uuid"
)

// Credential lifecycle states.
const (
	CredentialActive  = "active"
	CredentialRevoked = "revoked"
)

// Credential is a client API key as stored in api_keys. Only the hash of the secret is kept.
type Credential struct {
	ID        uuid.UUID `db:"id"`
	UserID    uuid.UUID `db:"user_id"`
	KeyHash   string    `db:"key_hash"`
	Status    string    `db:"status"`
	Name      *string   `db:"name"`
	CreatedAt time.Time `db:"created_at"`
}

// IsActive reports whether the credential may authenticate.
func (c *Credential) IsActive() bool {
	return c.Status == CredentialActive
}
