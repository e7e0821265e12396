package security

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// DefaultPBKDF2Iterations is the iteration count for newly hashed
	// refresh tokens. The count is stored per row, so raising it later only
	// affects new rows and never invalidates old ones.
	DefaultPBKDF2Iterations = 210_000

	// pbkdf2KeyLength is the derived key length in bytes
	pbkdf2KeyLength = 32

	// saltLength is the per-token salt length in bytes
	saltLength = 16
)

// TokenHasher derives lookup keys and verification hashes for refresh
// tokens so that raw token values are never persisted.
//
// Two different primitives serve two different needs:
//
//   - LookupKey is a deterministic HMAC-SHA256 of the raw token under a
//     server-side key. It enables O(1) indexed retrieval without storing
//     anything an offline attacker could brute-force faster than the
//     verification hash.
//   - Hash is PBKDF2-SHA256 with a per-token random salt and a per-row
//     iteration count. A lookup-key match alone never authenticates a
//     token; the slow hash must confirm it.
type TokenHasher struct {
	hmacKey    []byte
	iterations int
}

// NewTokenHasher creates a TokenHasher. The key must be at least 32 bytes.
// A zero iterations value selects DefaultPBKDF2Iterations.
func NewTokenHasher(hmacKey []byte, iterations int) (*TokenHasher, error) {
	if len(hmacKey) < 32 {
		return nil, fmt.Errorf("token hasher key must be at least 32 bytes, got %d", len(hmacKey))
	}
	if iterations <= 0 {
		iterations = DefaultPBKDF2Iterations
	}
	return &TokenHasher{hmacKey: hmacKey, iterations: iterations}, nil
}

// LookupKey returns the deterministic lookup key for a raw token.
func (h *TokenHasher) LookupKey(rawToken string) string {
	mac := hmac.New(sha256.New, h.hmacKey)
	mac.Write([]byte(rawToken))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

// Hash derives the verification hash for a raw token with a fresh salt.
// Returns the hash, the salt, and the iteration count used.
func (h *TokenHasher) Hash(rawToken string) (hash, salt []byte, iterations int, err error) {
	salt = make([]byte, saltLength)
	if _, err := rand.Read(salt); err != nil {
		return nil, nil, 0, fmt.Errorf("generate salt: %w", err)
	}
	hash = pbkdf2.Key([]byte(rawToken), salt, h.iterations, pbkdf2KeyLength, sha256.New)
	return hash, salt, h.iterations, nil
}

// Verify checks a raw token against a stored hash using the salt and
// iteration count recorded with the row. Constant-time comparison.
func (h *TokenHasher) Verify(rawToken string, hash, salt []byte, iterations int) bool {
	if len(hash) == 0 || len(salt) == 0 || iterations <= 0 {
		return false
	}
	derived := pbkdf2.Key([]byte(rawToken), salt, iterations, len(hash), sha256.New)
	return subtle.ConstantTimeCompare(derived, hash) == 1
}

// HashSessionHandle returns the SHA-256 lookup hash for a session handle.
// The raw handle lives only in the client-side cookie; the hash is the
// only value the session store ever sees.
func HashSessionHandle(rawHandle string) string {
	sum := sha256.Sum256([]byte(rawHandle))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// HashSessionHandle is a method form of the package function so callers
// holding a hasher need no second import path for handle hashing.
func (h *TokenHasher) HashSessionHandle(rawHandle string) string {
	return HashSessionHandle(rawHandle)
}

// GenerateHighEntropyToken produces a 256-bit random value encoded as
// base64url without padding, suitable for codes, handles, and refresh
// tokens. Panics on RNG failure, which is a system-level fault.
func GenerateHighEntropyToken() string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("crypto/rand.Read failed: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(b)
}
