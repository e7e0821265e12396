package valkey

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/fjellauth/oidcbroker/storage"
)

// luaGetOrCreateFamily resolves the live family for an owner key, creating
// it when absent or revoked. Atomic, so concurrent first-refresh requests
// agree on one family.
//
// KEYS[1] = owner index key (client \x00 subject \x00 sid)
// KEYS[2] = family key for the candidate new family
// ARGV[1] = candidate family JSON
// ARGV[2] = family id inside the candidate
// ARGV[3] = retention TTL in seconds for the new family
// ARGV[4] = family key prefix; the existing family's key is built by plain
//           concatenation, never by pattern substitution
const luaGetOrCreateFamily = `
local existingID = redis.call('GET', KEYS[1])
if existingID then
    local famKey = ARGV[4] .. existingID
    local data = redis.call('GET', famKey)
    if data then
        local fam = cjson.decode(data)
        if not fam.revoked_at then
            return data
        end
    end
end
local ttl = tonumber(ARGV[3])
redis.call('SET', KEYS[2], ARGV[1], 'EX', ttl)
redis.call('SET', KEYS[1], ARGV[2], 'EX', ttl)
return ARGV[1]
`

// luaMarkRefreshUsed transitions a token from active to used and sets the
// rotation pointer. Only one rotation can win.
//
// KEYS[1] = refresh token key
// ARGV[1] = successor token id
const luaMarkRefreshUsed = `
local data = redis.call('GET', KEYS[1])
if not data then
    return 0
end
local tok = cjson.decode(data)
if tok.status ~= 'active' then
    return 0
end
tok.status = 'used'
tok.rotated_to = ARGV[1]
redis.call('SET', KEYS[1], cjson.encode(tok), 'KEEPTTL')
return 1
`

// luaRevokeToken marks a single token revoked unless already revoked.
//
// KEYS[1] = refresh token key
// ARGV[1] = reason
// ARGV[2] = revoked-at timestamp (RFC3339)
const luaRevokeToken = `
local data = redis.call('GET', KEYS[1])
if not data then
    return 0
end
local tok = cjson.decode(data)
if tok.status == 'revoked' then
    return 0
end
tok.status = 'revoked'
tok.revoked_reason = ARGV[1]
tok.revoked_at = ARGV[2]
redis.call('SET', KEYS[1], cjson.encode(tok), 'KEEPTTL')
return 1
`

// luaRevokeFamily marks the family record revoked.
//
// KEYS[1] = family key
// ARGV[1] = reason
// ARGV[2] = revoked-at timestamp (RFC3339)
const luaRevokeFamily = `
local data = redis.call('GET', KEYS[1])
if not data then
    return 0
end
local fam = cjson.decode(data)
if not fam.revoked_at then
    fam.revoked_at = ARGV[2]
    fam.revoked_reason = ARGV[1]
    redis.call('SET', KEYS[1], cjson.encode(fam), 'KEEPTTL')
end
return 1
`

// GetOrCreateFamily returns the live family for (client, subject, session),
// creating it if absent.
func (s *Store) GetOrCreateFamily(ctx context.Context, clientID, subjectID, opSID string) (*storage.RefreshTokenFamily, error) {
	candidate := &storage.RefreshTokenFamily{
		FamilyID:  uuid.NewString(),
		ClientID:  clientID,
		SubjectID: subjectID,
		OpSID:     opSID,
		CreatedAt: time.Now(),
	}
	candidateJSON, err := json.Marshal(toFamilyJSON(candidate))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal family: %w", err)
	}

	// Families live as long as the longest-lived chain could, plus a
	// forensic retention margin.
	retention := int64((30*24*time.Hour + familyRetention).Seconds())

	data, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaGetOrCreateFamily).
			Numkeys(2).
			Key(s.familyOwnerKey(clientID, subjectID, opSID)).
			Key(s.familyKey(candidate.FamilyID)).
			Arg(string(candidateJSON)).
			Arg(candidate.FamilyID).
			Arg(fmt.Sprintf("%d", retention)).
			Arg(s.familyKey("")).
			Build(),
	).ToString()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve refresh token family: %w", err)
	}

	var j familyJSON
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		return nil, fmt.Errorf("failed to parse family: %w", err)
	}
	return j.toFamily(), nil
}

// GetFamily retrieves a family by id.
func (s *Store) GetFamily(ctx context.Context, familyID string) (*storage.RefreshTokenFamily, error) {
	data, err := s.getJSON(ctx, s.familyKey(familyID))
	if err != nil {
		return nil, fmt.Errorf("refresh token family %q: %w", familyID, err)
	}
	var j familyJSON
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		return nil, fmt.Errorf("failed to parse family: %w", err)
	}
	return j.toFamily(), nil
}

// InsertRefreshToken persists a new active token row. The family's member
// set tracks every token id for cascade revocation.
func (s *Store) InsertRefreshToken(ctx context.Context, create *storage.RefreshTokenCreate) (*storage.RefreshToken, error) {
	if create.LookupKey == "" || len(create.Hash) == 0 {
		return nil, fmt.Errorf("refresh token: lookup key and hash are required")
	}
	if _, err := s.GetFamily(ctx, create.FamilyID); err != nil {
		return nil, err
	}

	row := &storage.RefreshToken{
		TokenID:           uuid.NewString(),
		FamilyID:          create.FamilyID,
		Status:            storage.RefreshTokenActive,
		LookupKey:         create.LookupKey,
		Hash:              create.Hash,
		Salt:              create.Salt,
		Iterations:        create.Iterations,
		ClientID:          create.ClientID,
		SessionID:         create.SessionID,
		Binding:           create.Binding,
		Scopes:            create.Scopes,
		CreatedAt:         time.Now(),
		ExpiresAt:         create.ExpiresAt,
		AbsoluteExpiresAt: create.AbsoluteExpiresAt,
	}

	data, err := json.Marshal(toRefreshTokenJSON(row))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal refresh token: %w", err)
	}

	// Rows live to the absolute cap plus retention so reuse of a rotated
	// token is still detected after its sliding expiry.
	keyExpiry := row.AbsoluteExpiresAt.Add(familyRetention)
	if err := s.setJSON(ctx, s.refreshTokenKey(row.TokenID), data, keyExpiry); err != nil {
		return nil, fmt.Errorf("failed to store refresh token: %w", err)
	}
	if err := s.setJSON(ctx, s.refreshLookupKey(row.LookupKey), []byte(row.TokenID), keyExpiry); err != nil {
		return nil, fmt.Errorf("failed to store refresh token lookup: %w", err)
	}

	memberKey := s.familyTokensKey(row.FamilyID)
	if err := s.client.Do(ctx, s.client.B().Sadd().Key(memberKey).Member(row.TokenID).Build()).Error(); err != nil {
		return nil, fmt.Errorf("failed to track family member: %w", err)
	}
	if err := s.client.Do(ctx,
		s.client.B().Expire().Key(memberKey).Seconds(int64(time.Until(keyExpiry).Seconds())).Build(),
	).Error(); err != nil {
		return nil, fmt.Errorf("failed to expire family member set: %w", err)
	}

	return row, nil
}

// GetRefreshTokenByLookupKey retrieves a token row by its HMAC lookup key.
// Terminal rows are returned too; status inspection drives reuse detection.
func (s *Store) GetRefreshTokenByLookupKey(ctx context.Context, lookupKey string) (*storage.RefreshToken, error) {
	tokenID, err := s.getJSON(ctx, s.refreshLookupKey(lookupKey))
	if err != nil {
		return nil, fmt.Errorf("refresh token: %w", err)
	}
	return s.getRefreshToken(ctx, tokenID)
}

func (s *Store) getRefreshToken(ctx context.Context, tokenID string) (*storage.RefreshToken, error) {
	data, err := s.getJSON(ctx, s.refreshTokenKey(tokenID))
	if err != nil {
		return nil, fmt.Errorf("refresh token: %w", err)
	}
	var j refreshTokenJSON
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		return nil, fmt.Errorf("failed to parse refresh token: %w", err)
	}
	return j.toRefreshToken(), nil
}

// MarkRefreshTokenUsed transitions active to used with the rotation pointer.
func (s *Store) MarkRefreshTokenUsed(ctx context.Context, tokenID, rotatedToTokenID string) (bool, error) {
	n, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaMarkRefreshUsed).
			Numkeys(1).
			Key(s.refreshTokenKey(tokenID)).
			Arg(rotatedToTokenID).
			Build(),
	).AsInt64()
	if err != nil {
		return false, fmt.Errorf("failed to rotate refresh token: %w", err)
	}
	return n == 1, nil
}

// RevokeFamily marks the family and every non-terminal token in it revoked.
func (s *Store) RevokeFamily(ctx context.Context, familyID, reason string) error {
	now := time.Now().Format(time.RFC3339Nano)

	n, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaRevokeFamily).
			Numkeys(1).
			Key(s.familyKey(familyID)).
			Arg(reason).
			Arg(now).
			Build(),
	).AsInt64()
	if err != nil {
		return fmt.Errorf("failed to revoke family: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("refresh token family %q: %w", familyID, storage.ErrNotFound)
	}

	tokenIDs, err := s.client.Do(ctx,
		s.client.B().Smembers().Key(s.familyTokensKey(familyID)).Build(),
	).AsStrSlice()
	if err != nil {
		return fmt.Errorf("failed to list family members: %w", err)
	}
	var revoked int
	for _, id := range tokenIDs {
		res, err := s.client.Do(ctx,
			s.client.B().Eval().Script(luaRevokeToken).
				Numkeys(1).
				Key(s.refreshTokenKey(id)).
				Arg(reason).
				Arg(now).
				Build(),
		).AsInt64()
		if err != nil {
			return fmt.Errorf("failed to revoke family member: %w", err)
		}
		revoked += int(res)
	}
	s.logger.Info("Revoked refresh token family",
		"family_id", familyID,
		"reason", reason,
		"tokens_revoked", revoked)
	return nil
}

// ============================================================
// ClientStore
// ============================================================

// SaveClient creates or replaces a client registration. Registrations have
// no TTL.
func (s *Store) SaveClient(ctx context.Context, client *storage.Client) error {
	if client.ClientID == "" {
		return fmt.Errorf("client: client_id is required")
	}
	data, err := json.Marshal(client)
	if err != nil {
		return fmt.Errorf("failed to marshal client: %w", err)
	}
	if err := s.client.Do(ctx,
		s.client.B().Set().Key(s.clientKey(client.ClientID)).Value(string(data)).Build(),
	).Error(); err != nil {
		return fmt.Errorf("failed to store client: %w", err)
	}
	return s.client.Do(ctx,
		s.client.B().Sadd().Key(s.prefix+"clients").Member(client.ClientID).Build(),
	).Error()
}

// GetClient retrieves a client by id.
func (s *Store) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	data, err := s.getJSON(ctx, s.clientKey(clientID))
	if err != nil {
		return nil, fmt.Errorf("client %q: %w", clientID, err)
	}
	var client storage.Client
	if err := json.Unmarshal([]byte(data), &client); err != nil {
		return nil, fmt.Errorf("failed to parse client: %w", err)
	}
	return &client, nil
}

// ValidateClientSecret verifies a secret against the stored bcrypt hash.
func (s *Store) ValidateClientSecret(ctx context.Context, clientID, clientSecret string) error {
	client, err := s.GetClient(ctx, clientID)
	if err != nil {
		return err
	}
	if client.SecretHash == "" {
		return fmt.Errorf("client %q has no secret", clientID)
	}
	return bcrypt.CompareHashAndPassword([]byte(client.SecretHash), []byte(clientSecret))
}

// ListClients lists all registered clients.
func (s *Store) ListClients(ctx context.Context) ([]*storage.Client, error) {
	ids, err := s.client.Do(ctx,
		s.client.B().Smembers().Key(s.prefix+"clients").Build(),
	).AsStrSlice()
	if err != nil {
		return nil, fmt.Errorf("failed to list clients: %w", err)
	}
	out := make([]*storage.Client, 0, len(ids))
	for _, id := range ids {
		client, err := s.GetClient(ctx, id)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, client)
	}
	return out, nil
}

// ============================================================
// UnregisteredClientRequestStore
// ============================================================

// luaCompleteUnregistered transitions a pending clientless request to
// completed.
//
// KEYS[1] = request key
// ARGV[1] = completion timestamp (RFC3339)
const luaCompleteUnregistered = `
local data = redis.call('GET', KEYS[1])
if not data then
    return 0
end
local req = cjson.decode(data)
if req.status ~= 'pending' then
    return 0
end
req.status = 'completed'
req.completed_at = ARGV[1]
redis.call('SET', KEYS[1], cjson.encode(req), 'KEEPTTL')
return 1
`

// InsertUnregisteredClientRequest creates a pending clientless request.
func (s *Store) InsertUnregisteredClientRequest(ctx context.Context, create *storage.UnregisteredClientRequestCreate) (*storage.UnregisteredClientRequest, error) {
	if err := create.Validate(); err != nil {
		return nil, err
	}

	now := time.Now()
	req := &storage.UnregisteredClientRequest{
		UnregisteredClientRequestID: uuid.NewString(),
		Status:                      storage.TransactionPending,
		AppName:                     create.AppName,
		GoToURL:                     create.GoToURL,
		Provider:                    create.Provider,
		Scopes:                      create.Scopes,
		ACRValues:                   create.ACRValues,
		UILocales:                   create.UILocales,
		Diagnostics:                 create.Diagnostics,
		CreatedAt:                   now,
		ExpiresAt:                   now.Add(create.TTL),
	}

	data, err := json.Marshal(toUnregisteredRequestJSON(req))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal unregistered client request: %w", err)
	}
	if err := s.setJSON(ctx, s.unregisteredKey(req.UnregisteredClientRequestID), data, req.ExpiresAt); err != nil {
		return nil, fmt.Errorf("failed to store unregistered client request: %w", err)
	}
	return req, nil
}

// GetUnregisteredClientRequest retrieves a request by id.
func (s *Store) GetUnregisteredClientRequest(ctx context.Context, id string) (*storage.UnregisteredClientRequest, error) {
	data, err := s.getJSON(ctx, s.unregisteredKey(id))
	if err != nil {
		return nil, fmt.Errorf("unregistered client request %q: %w", id, err)
	}
	var j unregisteredRequestJSON
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		return nil, fmt.Errorf("failed to parse unregistered client request: %w", err)
	}
	return j.toUnregisteredRequest(), nil
}

// CompleteUnregisteredClientRequest transitions pending to completed.
func (s *Store) CompleteUnregisteredClientRequest(ctx context.Context, id string, completedAt time.Time) (bool, error) {
	n, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaCompleteUnregistered).
			Numkeys(1).
			Key(s.unregisteredKey(id)).
			Arg(completedAt.Format(time.RFC3339Nano)).
			Build(),
	).AsInt64()
	if err != nil {
		return false, fmt.Errorf("failed to complete unregistered client request: %w", err)
	}
	return n == 1, nil
}
