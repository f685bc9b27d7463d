// Package auth generates API keys and verifies them against bcrypt hashes.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

// GenerateAPIKey returns 32 random bytes, base64url encoded.
func GenerateAPIKey() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(b), nil
}

// HashAPIKey returns the bcrypt hash of key. Keys longer than 72 bytes are rejected.
func HashAPIKey(key string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// CheckAPIKeyHash reports whether key matches hash.
func CheckAPIKeyHash(key, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(key)) == nil
}

// IsHash reports whether s is a bcrypt hash.
func IsHash(s string) bool {
	if !strings.HasPrefix(s, "$2") {
		return false
	}
	_, err := bcrypt.Cost([]byte(s))
	return err == nil
}

// Verifier checks request keys against one configured key. Only the bcrypt
// hash is held; a plaintext key is hashed when the verifier is built.
type Verifier struct {
	hash string

	// accepted holds sha256 digests of keys that already passed bcrypt, so
	// repeat requests skip the expensive comparison.
	mu       sync.RWMutex
	accepted map[string]struct{}
}

// NewVerifier builds a verifier for configured, which may be a bcrypt hash or
// a plaintext key. An empty value disables authentication.
func NewVerifier(configured string) (*Verifier, error) {
	configured = strings.TrimSpace(configured)
	v := &Verifier{accepted: make(map[string]struct{})}
	if configured == "" {
		return v, nil
	}
	if IsHash(configured) {
		v.hash = configured
		return v, nil
	}
	hash, err := HashAPIKey(configured)
	if err != nil {
		return nil, err
	}
	v.hash = hash
	return v, nil
}

// Enabled reports whether a key is required.
func (v *Verifier) Enabled() bool {
	return v.hash != ""
}

// Verify reports whether key is the configured key. With authentication
// disabled every key is accepted.
func (v *Verifier) Verify(key string) bool {
	if !v.Enabled() {
		return true
	}
	if key == "" {
		return false
	}
	sum := sha256.Sum256([]byte(key))
	digest := hex.EncodeToString(sum[:])

	v.mu.RLock()
	_, ok := v.accepted[digest]
	v.mu.RUnlock()
	if ok {
		return true
	}

	if !CheckAPIKeyHash(key, v.hash) {
		return false
	}
	v.mu.Lock()
	v.accepted[digest] = struct{}{}
	v.mu.Unlock()
	return true
}
