package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
)

// KeyPrefix starts every generated API key
const KeyPrefix = "sk-"

// KeyHasher derives the stored lookup hash of a raw API key.
//
// The hash is HMAC-SHA256 keyed with the pepper over "salt:key:pepper", hex encoded.
// It is deterministic so it can be used as a lookup key, which rules out salted
// password hashes such as argon2 or bcrypt here.
type KeyHasher struct {
	salt   []byte
	pepper []byte
}

// NewKeyHasher returns a hasher for the given salt and pepper.
// Both are required and they must differ.
func NewKeyHasher(salt, pepper string) (*KeyHasher, error) {
	if salt == "" || pepper == "" {
		return nil, errors.New("hash salt and pepper are required")
	}
	if salt == pepper {
		return nil, errors.New("hash salt and pepper must differ")
	}
	return &KeyHasher{salt: []byte(salt), pepper: []byte(pepper)}, nil
}

// Hash returns the lower-case hex digest for raw
func (h *KeyHasher) Hash(raw string) string {
	mac := hmac.New(sha256.New, h.pepper)
	mac.Write(h.salt)
	mac.Write([]byte(":"))
	mac.Write([]byte(raw))
	mac.Write([]byte(":"))
	mac.Write(h.pepper)
	return hex.EncodeToString(mac.Sum(nil))
}

// GenerateKey returns a new random API key: KeyPrefix followed by 48 hex characters
func GenerateKey() (string, error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate key: %w", err)
	}
	return KeyPrefix + hex.EncodeToString(b), nil
}
