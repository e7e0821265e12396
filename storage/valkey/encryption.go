package valkey

import (
	"encoding/json"
	"fmt"

	"github.com/fjellauth/oidcbroker/security"
)

// SetEncryptor enables AES-256-GCM encryption of stored provider claims.
// Only the claim set is encrypted; row fields the Lua scripts compare stay
// in the clear. Rows written before enabling remain readable.
func (s *Store) SetEncryptor(enc *security.Encryptor) {
	s.encryptor = enc
}

// sealClaims encrypts a provider claim set when an encryptor is configured.
// Returns the claims to store in the clear and the encrypted blob; exactly
// one of the two is non-empty.
func (s *Store) sealClaims(claims map[string][]string) (map[string][]string, string, error) {
	if s.encryptor == nil || len(claims) == 0 {
		return claims, "", nil
	}
	raw, err := json.Marshal(claims)
	if err != nil {
		return nil, "", fmt.Errorf("failed to marshal provider claims: %w", err)
	}
	sealed, err := s.encryptor.Encrypt(string(raw))
	if err != nil {
		return nil, "", fmt.Errorf("failed to encrypt provider claims: %w", err)
	}
	return nil, sealed, nil
}

// openClaims reverses sealClaims on read.
func (s *Store) openClaims(claims map[string][]string, sealed string) (map[string][]string, error) {
	if sealed == "" {
		return claims, nil
	}
	if s.encryptor == nil {
		return nil, fmt.Errorf("stored provider claims are encrypted but no encryptor is configured")
	}
	plain, err := s.encryptor.Decrypt(sealed)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt provider claims: %w", err)
	}
	var out map[string][]string
	if err := json.Unmarshal([]byte(plain), &out); err != nil {
		return nil, fmt.Errorf("failed to parse decrypted provider claims: %w", err)
	}
	return out, nil
}
