package valkey

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/fjellauth/oidcbroker/storage"
)

// luaTryConsumeCode atomically redeems an authorization code. All match
// conditions are checked inside the script; only one concurrent redemption
// can succeed, everyone else gets 0.
//
// KEYS[1] = code key
// ARGV[1] = client id that must match
// ARGV[2] = redirect uri that must match exactly
// ARGV[3] = current Unix timestamp in seconds
// ARGV[4] = used-at timestamp (RFC3339)
const luaTryConsumeCode = `
local data = redis.call('GET', KEYS[1])
if not data then
    return 0
end
local code = cjson.decode(data)
if code.used then
    return 0
end
local now = tonumber(ARGV[3])
if tonumber(code.expires_at) < now then
    return 0
end
if code.client_id ~= ARGV[1] then
    return 0
end
if code.redirect_uri ~= ARGV[2] then
    return 0
end
code.used = true
code.used_at = ARGV[4]
redis.call('SET', KEYS[1], cjson.encode(code), 'KEEPTTL')
return 1
`

// InsertAuthCode persists a code row.
func (s *Store) InsertAuthCode(ctx context.Context, create *storage.AuthCodeCreate) (*storage.AuthCode, error) {
	if create.Code == "" {
		return nil, fmt.Errorf("auth code: code is required")
	}
	if create.TTL <= 0 {
		return nil, fmt.Errorf("auth code: ttl must be positive")
	}

	now := time.Now()
	row := &storage.AuthCode{
		Code:                create.Code,
		ClientID:            create.ClientID,
		RedirectURI:         create.RedirectURI,
		CodeChallenge:       create.CodeChallenge,
		CodeChallengeMethod: create.CodeChallengeMethod,
		Binding:             create.Binding,
		SessionID:           create.SessionID,
		Scopes:              create.Scopes,
		Nonce:               create.Nonce,
		ACR:                 create.ACR,
		AMR:                 create.AMR,
		AuthTime:            create.AuthTime,
		ProviderClaims:      create.ProviderClaims,
		CreatedAt:           now,
		ExpiresAt:           now.Add(create.TTL),
	}

	j := toAuthCodeJSON(row)
	clear, sealed, err := s.sealClaims(j.ProviderClaims)
	if err != nil {
		return nil, err
	}
	j.ProviderClaims = clear
	j.EncryptedClaims = sealed

	data, err := json.Marshal(j)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal authorization code: %w", err)
	}
	if err := s.setJSON(ctx, s.codeKey(row.Code), data, row.ExpiresAt); err != nil {
		return nil, fmt.Errorf("failed to store authorization code: %w", err)
	}
	return row, nil
}

// GetAuthCode returns the row only if it is unused and unexpired.
func (s *Store) GetAuthCode(ctx context.Context, code string) (*storage.AuthCode, error) {
	data, err := s.getJSON(ctx, s.codeKey(code))
	if err != nil {
		return nil, fmt.Errorf("auth code: %w", err)
	}
	var j authCodeJSON
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		return nil, fmt.Errorf("failed to parse authorization code: %w", err)
	}
	if j.Used || time.Now().Unix() > j.ExpiresAt {
		return nil, fmt.Errorf("auth code: %w", storage.ErrNotFound)
	}
	claims, err := s.openClaims(j.ProviderClaims, j.EncryptedClaims)
	if err != nil {
		return nil, err
	}
	j.ProviderClaims = claims
	return j.toAuthCode(), nil
}

// TryConsumeAuthCode atomically marks the code used, conditioned on
// client id and redirect uri matching exactly.
func (s *Store) TryConsumeAuthCode(ctx context.Context, code, clientID, redirectURI string, usedAt time.Time) (bool, error) {
	n, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaTryConsumeCode).
			Numkeys(1).
			Key(s.codeKey(code)).
			Arg(clientID).
			Arg(redirectURI).
			Arg(fmt.Sprintf("%d", usedAt.Unix())).
			Arg(usedAt.Format(time.RFC3339Nano)).
			Build(),
	).AsInt64()
	if err != nil {
		return false, fmt.Errorf("failed to consume authorization code: %w", err)
	}
	return n == 1, nil
}
