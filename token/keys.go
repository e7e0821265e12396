package token

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v3"
	"github.com/golang-jwt/jwt/v5"
)

// KeyConfig controls signing key management.
type KeyConfig struct {
	// JWKSPath is where the key set is persisted. Empty keeps keys only in
	// memory; a restart then invalidates outstanding tokens.
	JWKSPath string

	// RotateInterval is how often a fresh signing key replaces the current
	// one. Zero disables rotation.
	RotateInterval time.Duration
}

type keyPair struct {
	privateKey *rsa.PrivateKey
	jwk        jose.JSONWebKey
	kid        string
	createdAt  time.Time
}

// KeyManager holds the broker's RSA signing keys and exposes the public
// half as a JWKS. The previous key is kept after rotation so tokens signed
// with it still verify.
type KeyManager struct {
	mu          sync.RWMutex
	current     keyPair
	previous    []keyPair
	rotateEvery time.Duration
	storePath   string
	logger      *slog.Logger
}

// NewKeyManager loads the persisted key set when one exists, otherwise
// generates a fresh key.
func NewKeyManager(cfg KeyConfig, logger *slog.Logger) (*KeyManager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	m := &KeyManager{
		rotateEvery: cfg.RotateInterval,
		storePath:   cfg.JWKSPath,
		logger:      logger,
	}

	if cfg.JWKSPath != "" {
		if err := m.loadFromDisk(); err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("failed to load signing keys: %w", err)
			}
		}
	}

	if m.current.privateKey == nil {
		if err := m.rotate(); err != nil {
			return nil, err
		}
	}

	return m, nil
}

// StartRotation launches the background rotation ticker. No-op when
// rotation is disabled.
func (m *KeyManager) StartRotation(stop <-chan struct{}) {
	if m.rotateEvery <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(m.rotateEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := m.rotate(); err != nil {
					m.logger.Error("Signing key rotation failed", "error", err)
				}
			case <-stop:
				return
			}
		}
	}()
}

// Sign signs the claims with the current key and returns the compact token
// with the kid header set.
func (m *KeyManager) Sign(claims jwt.Claims) (string, error) {
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	m.mu.RLock()
	defer m.mu.RUnlock()
	tok.Header["kid"] = m.current.kid
	signed, err := tok.SignedString(m.current.privateKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// Keyfunc resolves the verification key for a token by its kid header.
// Used by tests and by any in-process verification of minted tokens.
func (m *KeyManager) Keyfunc(tok *jwt.Token) (any, error) {
	kid, _ := tok.Header["kid"].(string)
	m.mu.RLock()
	defer m.mu.RUnlock()
	if kid == "" || kid == m.current.kid {
		return &m.current.privateKey.PublicKey, nil
	}
	for _, prev := range m.previous {
		if prev.kid == kid {
			return &prev.privateKey.PublicKey, nil
		}
	}
	return nil, fmt.Errorf("unknown signing key %q", kid)
}

// PublicJWKS returns the public key set for the JWKS endpoint.
func (m *KeyManager) PublicJWKS() jose.JSONWebKeySet {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := []jose.JSONWebKey{m.current.jwk.Public()}
	for _, prev := range m.previous {
		keys = append(keys, prev.jwk.Public())
	}
	return jose.JSONWebKeySet{Keys: keys}
}

func (m *KeyManager) rotate() error {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return fmt.Errorf("failed to generate signing key: %w", err)
	}
	kid, err := randomKID()
	if err != nil {
		return err
	}
	jwk := jose.JSONWebKey{Key: key, KeyID: kid, Algorithm: string(jose.RS256), Use: "sig"}

	m.mu.Lock()
	if m.current.privateKey != nil {
		m.previous = append([]keyPair{m.current}, m.previous...)
		if len(m.previous) > 1 {
			m.previous = m.previous[:1]
		}
	}
	m.current = keyPair{privateKey: key, jwk: jwk, kid: kid, createdAt: time.Now()}
	m.mu.Unlock()

	m.logger.Info("Signing key rotated", "kid", kid)

	if m.storePath != "" {
		return m.persist()
	}
	return nil
}

func (m *KeyManager) persist() error {
	m.mu.RLock()
	keys := []jose.JSONWebKey{m.current.jwk}
	for _, prev := range m.previous {
		keys = append(keys, prev.jwk)
	}
	m.mu.RUnlock()

	payload, err := json.MarshalIndent(jose.JSONWebKeySet{Keys: keys}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal key set: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(m.storePath), 0o755); err != nil {
		return fmt.Errorf("failed to create key directory: %w", err)
	}
	if err := os.WriteFile(m.storePath, payload, 0o600); err != nil {
		return fmt.Errorf("failed to persist key set: %w", err)
	}
	return nil
}

func (m *KeyManager) loadFromDisk() error {
	payload, err := os.ReadFile(m.storePath)
	if err != nil {
		return err
	}
	var set jose.JSONWebKeySet
	if err := json.Unmarshal(payload, &set); err != nil {
		return fmt.Errorf("failed to parse key set: %w", err)
	}
	if len(set.Keys) == 0 {
		return errors.New("key set contains no keys")
	}

	// First entry is the current key; the rest become previous keys.
	var prev []keyPair
	for i, key := range set.Keys {
		priv, ok := key.Key.(*rsa.PrivateKey)
		if !ok {
			continue
		}
		pair := keyPair{privateKey: priv, jwk: key, kid: key.KeyID, createdAt: time.Now()}
		if i == 0 {
			m.current = pair
		} else {
			prev = append(prev, pair)
		}
	}
	m.previous = prev
	if m.current.privateKey == nil {
		return errors.New("key set contains no private keys")
	}
	return nil
}

func randomKID() (string, error) {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate key id: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
