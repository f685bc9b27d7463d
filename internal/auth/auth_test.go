package auth

import (
	"encoding/base64"
	"strings"
	"testing"
)

// =============================================================================
// GenerateAPIKey tests
// =============================================================================

func TestGenerateAPIKey(t *testing.T) {
	key, err := GenerateAPIKey()
	if err != nil {
		t.Fatalf("GenerateAPIKey() error = %v", err)
	}

	decoded, err := base64.URLEncoding.DecodeString(key)
	if err != nil {
		t.Fatalf("GenerateAPIKey() returned invalid base64url: %v", err)
	}
	if len(decoded) != 32 || len(key) != 44 {
		t.Errorf("decoded %d bytes, encoded %d chars; want 32 and 44", len(decoded), len(key))
	}
	if strings.ContainsAny(key, "+/") {
		t.Errorf("GenerateAPIKey() contains non-URL-safe characters: %s", key)
	}
}

func TestGenerateAPIKey_Uniqueness(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		key, err := GenerateAPIKey()
		if err != nil {
			t.Fatalf("iteration %d: %v", i, err)
		}
		if seen[key] {
			t.Fatalf("duplicate key on iteration %d", i)
		}
		seen[key] = true
	}
}

// =============================================================================
// Hashing tests
// =============================================================================

func TestHashAPIKey_RoundTrip(t *testing.T) {
	keys := []string{
		"simple",
		"K3y!with$ymbols",
		"unicode: 日本語",
		strings.Repeat("a", 72),
	}
	for _, key := range keys {
		t.Run(key[:min(len(key), 20)], func(t *testing.T) {
			hash, err := HashAPIKey(key)
			if err != nil {
				t.Fatalf("HashAPIKey() error = %v", err)
			}
			if !IsHash(hash) {
				t.Errorf("HashAPIKey() returned non-bcrypt hash: %s", hash)
			}
			if !CheckAPIKeyHash(key, hash) {
				t.Error("round-trip verification failed")
			}
			if CheckAPIKeyHash(strings.ToUpper(key)+"x", hash) {
				t.Error("a different key must not verify")
			}
		})
	}
}

func TestHashAPIKey_TooLong(t *testing.T) {
	if _, err := HashAPIKey(strings.Repeat("a", 73)); err == nil {
		t.Error("keys over 72 bytes should be rejected")
	}
}

func TestIsHash(t *testing.T) {
	hash, _ := HashAPIKey("secret")
	tests := map[string]bool{
		hash:           true,
		"secret":       false,
		"$2a$nonsense": false,
		"":             false,
	}
	for in, want := range tests {
		if got := IsHash(in); got != want {
			t.Errorf("IsHash(%q) = %v, want %v", in, got, want)
		}
	}
}

// =============================================================================
// Verifier tests
// =============================================================================

func TestVerifier_Disabled(t *testing.T) {
	v, err := NewVerifier("  ")
	if err != nil {
		t.Fatal(err)
	}
	if v.Enabled() || !v.Verify("") || !v.Verify("anything") {
		t.Error("an empty configured key disables authentication")
	}
}

func TestVerifier_PlaintextKeyIsHashed(t *testing.T) {
	v, err := NewVerifier("s3cret")
	if err != nil {
		t.Fatal(err)
	}
	if !v.Enabled() || !IsHash(v.hash) {
		t.Fatalf("hash = %q, want bcrypt", v.hash)
	}
	if !v.Verify("s3cret") {
		t.Error("configured key should verify")
	}
	if !v.Verify("s3cret") {
		t.Error("second verification should hit the cache and still pass")
	}
	if v.Verify("wrong") || v.Verify("") {
		t.Error("other keys must be rejected")
	}
}

func TestVerifier_PrehashedKey(t *testing.T) {
	hash, err := HashAPIKey("from-env")
	if err != nil {
		t.Fatal(err)
	}
	v, err := NewVerifier(hash)
	if err != nil {
		t.Fatal(err)
	}
	if v.hash != hash {
		t.Error("a configured hash should be kept as is")
	}
	if !v.Verify("from-env") || v.Verify(hash) {
		t.Error("only the original key verifies, not the hash itself")
	}
}
