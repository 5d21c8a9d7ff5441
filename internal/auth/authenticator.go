package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"stage_gateway/internal/models"
	"stage_gateway/internal/storage"
)

// ErrUnauthorized is returned for a missing, unknown or revoked credential
var ErrUnauthorized = errors.New("unauthorized")

// CredentialStore looks up credentials by key hash.
// Implementations return storage.ErrCredentialNotFound when no row matches.
type CredentialStore interface {
	GetByHash(ctx context.Context, keyHash string) (*models.Credential, error)
}

// Identity is the authenticated caller
type Identity struct {
	UserID       uuid.UUID
	CredentialID uuid.UUID
}

// AuthenticatorConfig tunes the revoked-key memo
type AuthenticatorConfig struct {
	RevokedCacheSize int
	RevokedCacheTTL  time.Duration
}

// Authenticator resolves raw API keys to identities
type Authenticator struct {
	hasher  *KeyHasher
	store   CredentialStore
	revoked *storage.LRUCache[struct{}]
	group   singleflight.Group
	logger  *zap.Logger
}

// NewAuthenticator creates an authenticator backed by store
func NewAuthenticator(hasher *KeyHasher, store CredentialStore, cfg AuthenticatorConfig, logger *zap.Logger) *Authenticator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Authenticator{
		hasher:  hasher,
		store:   store,
		revoked: storage.NewLRUCache[struct{}](cfg.RevokedCacheSize, cfg.RevokedCacheTTL),
		logger:  logger.Named("auth"),
	}
}

// Authenticate hashes raw and looks the credential up.
// Lookup failures other than not-found are returned wrapped and are not ErrUnauthorized.
func (a *Authenticator) Authenticate(ctx context.Context, raw string) (Identity, error) {
	if raw == "" {
		return Identity{}, ErrUnauthorized
	}

	hash := a.hasher.Hash(raw)
	if _, ok := a.revoked.Get(hash); ok {
		return Identity{}, ErrUnauthorized
	}

	// The lookup is shared by every caller of the same key, so it must not
	// inherit one caller's cancellation. The store applies its own timeout.
	lookupCtx := context.WithoutCancel(ctx)
	ch := a.group.DoChan(hash, func() (interface{}, error) {
		return a.store.GetByHash(lookupCtx, hash)
	})

	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		return Identity{}, fmt.Errorf("credential lookup abandoned: %w", context.Cause(ctx))
	}
	v, err := res.Val, res.Err
	if err != nil {
		if errors.Is(err, storage.ErrCredentialNotFound) {
			return Identity{}, ErrUnauthorized
		}
		return Identity{}, fmt.Errorf("credential lookup failed: %w", err)
	}

	cred := v.(*models.Credential)
	if !cred.IsActive() {
		a.revoked.Set(hash, struct{}{})
		a.logger.Debug("revoked credential presented", zap.String("credential_id", cred.ID.String()))
		return Identity{}, ErrUnauthorized
	}

	return Identity{UserID: cred.UserID, CredentialID: cred.ID}, nil
}

// ParseBearer extracts the token from an Authorization header value.
// The scheme is matched case-insensitively.
func ParseBearer(header string) (string, bool) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", false
	}
	return token, true
}
