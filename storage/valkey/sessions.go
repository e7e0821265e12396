package valkey

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/fjellauth/oidcbroker/storage"
)

// luaRefreshSession replaces a live session's identity facts on
// re-authentication. The sid and created_at of the existing row survive;
// expiry only moves forward.
//
// KEYS[1] = session key
// ARGV[1] = replacement session JSON (candidate sid and created_at inside
//           are discarded in favor of the stored row's)
const luaRefreshSession = `
local data = redis.call('GET', KEYS[1])
if not data then
    return ''
end
local old = cjson.decode(data)
local new = cjson.decode(ARGV[1])
new.sid = old.sid
new.created_at = old.created_at
if tonumber(old.expires_at) > tonumber(new.expires_at) then
    new.expires_at = old.expires_at
end
local encoded = cjson.encode(new)
redis.call('SET', KEYS[1], encoded)
redis.call('EXPIREAT', KEYS[1], tonumber(new.expires_at))
return encoded
`

// luaSlideExpiry moves the session expiry forward, never backward.
//
// KEYS[1] = session key
// ARGV[1] = new expiry, Unix seconds
// ARGV[2] = updated-at timestamp (RFC3339)
const luaSlideExpiry = `
local data = redis.call('GET', KEYS[1])
if not data then
    return -1
end
local sess = cjson.decode(data)
local newExpiry = tonumber(ARGV[1])
if tonumber(sess.expires_at) >= newExpiry then
    return 0
end
sess.expires_at = newExpiry
sess.updated_at = ARGV[2]
redis.call('SET', KEYS[1], cjson.encode(sess))
redis.call('EXPIREAT', KEYS[1], newExpiry)
return 1
`

// luaTouchSession updates last_seen_at without touching the TTL.
//
// KEYS[1] = session key
// ARGV[1] = seen-at timestamp (RFC3339)
const luaTouchSession = `
local data = redis.call('GET', KEYS[1])
if not data then
    return 0
end
local sess = cjson.decode(data)
sess.last_seen_at = ARGV[1]
redis.call('SET', KEYS[1], cjson.encode(sess), 'KEEPTTL')
return 1
`

// luaDropIndexIfStale removes the (issuer, sub) index entry only while it
// still points at the given sid, so a concurrent writer's fresh index entry
// is never deleted.
//
// KEYS[1] = upstream index key
// ARGV[1] = sid the caller observed
const luaDropIndexIfStale = `
local cur = redis.call('GET', KEYS[1])
if cur == ARGV[1] then
    redis.call('DEL', KEYS[1])
    return 1
end
return 0
`

// UpsertSessionByUpstreamSub inserts or updates the session keyed on
// (upstream issuer, upstream sub). The sid stays stable across
// re-authentication; the handle rotates every time.
//
// The insert path claims the (issuer, sub) index with SET NX; a loser of
// the claim retries into the refresh path against the winner's row, so two
// concurrent first logins converge on one session.
func (s *Store) UpsertSessionByUpstreamSub(ctx context.Context, create *storage.SessionCreate) (*storage.Session, error) {
	if create.UpstreamIssuer == "" || create.UpstreamSub == "" {
		return nil, fmt.Errorf("session: upstream issuer and sub are required")
	}
	if create.HandleHash == "" {
		return nil, fmt.Errorf("session: handle hash is required")
	}

	now := time.Now()
	session := &storage.Session{
		SID:                uuid.NewString(),
		HandleHash:         create.HandleHash,
		UpstreamIssuer:     create.UpstreamIssuer,
		UpstreamSub:        create.UpstreamSub,
		UpstreamSessionSID: create.UpstreamSessionSID,
		Binding:            create.Binding,
		Provider:           create.Provider,
		ACR:                create.ACR,
		AMR:                create.AMR,
		AuthTime:           create.AuthTime,
		Scopes:             create.Scopes,
		ProviderClaims:     create.ProviderClaims,
		CreatedAt:          now,
		UpdatedAt:          now,
		LastSeenAt:         now,
		ExpiresAt:          now.Add(create.TTL),
	}

	indexKey := s.sessionUpstreamKey(create.UpstreamIssuer, create.UpstreamSub)
	for attempt := 0; attempt < 3; attempt++ {
		existingSID, err := s.getJSON(ctx, indexKey)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return nil, err
		}

		if existingSID != "" {
			refreshed, err := s.refreshExistingSession(ctx, existingSID, session)
			if err != nil {
				return nil, err
			}
			if refreshed != nil {
				return refreshed, nil
			}
			// Index pointed at an expired row. Drop the entry only if it
			// still names that row, then retry the claim.
			if err := s.client.Do(ctx,
				s.client.B().Eval().Script(luaDropIndexIfStale).
					Numkeys(1).
					Key(indexKey).
					Arg(existingSID).
					Build(),
			).Error(); err != nil {
				return nil, fmt.Errorf("failed to drop stale session index: %w", err)
			}
		}

		// The row goes in before the index claim, so an index entry always
		// names a row that was written.
		data, err := s.marshalSession(session)
		if err != nil {
			return nil, err
		}
		if err := s.setJSON(ctx, s.sessionKey(session.SID), data, session.ExpiresAt); err != nil {
			return nil, fmt.Errorf("failed to store session: %w", err)
		}

		claimed, err := s.claimSessionIndex(ctx, indexKey, session.SID, session.ExpiresAt)
		if err != nil {
			return nil, err
		}
		if !claimed {
			// Lost the insert race. Discard the unreferenced row; the next
			// pass refreshes the winner's row instead.
			if err := s.client.Do(ctx,
				s.client.B().Del().Key(s.sessionKey(session.SID)).Build(),
			).Error(); err != nil {
				return nil, fmt.Errorf("failed to discard losing session row: %w", err)
			}
			continue
		}

		if err := s.writeSessionIndexes(ctx, session); err != nil {
			return nil, err
		}
		return session, nil
	}
	return nil, fmt.Errorf("session upsert for %q did not converge under contention", create.UpstreamSub)
}

// claimSessionIndex writes the (issuer, sub) index entry only if absent.
func (s *Store) claimSessionIndex(ctx context.Context, indexKey, sid string, expiresAt time.Time) (bool, error) {
	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		ttl = time.Second
	}
	err := s.client.Do(ctx,
		s.client.B().Set().Key(indexKey).Value(sid).Nx().Ex(ttl).Build(),
	).Error()
	if err != nil {
		if isNilError(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to claim session index: %w", err)
	}
	return true, nil
}

// refreshExistingSession applies the re-authentication update to the stored
// row. Returns (nil, nil) when the row has expired out from under its index.
func (s *Store) refreshExistingSession(ctx context.Context, sid string, update *storage.Session) (*storage.Session, error) {
	old, err := s.GetSessionBySID(ctx, sid)
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, err
	}

	data, err := s.marshalSession(update)
	if err != nil {
		return nil, err
	}

	merged, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaRefreshSession).
			Numkeys(1).
			Key(s.sessionKey(sid)).
			Arg(string(data)).
			Build(),
	).ToString()
	if err != nil {
		return nil, fmt.Errorf("failed to refresh session: %w", err)
	}
	if merged == "" {
		return nil, nil
	}

	session, err := s.unmarshalSession([]byte(merged))
	if err != nil {
		return nil, err
	}

	// Rotate the handle index and the upstream-sid membership.
	if old.HandleHash != session.HandleHash {
		if err := s.client.Do(ctx, s.client.B().Del().Key(s.sessionHandleKey(old.HandleHash)).Build()).Error(); err != nil {
			s.logger.Warn("Failed to drop stale session handle index", "error", err)
		}
	}
	if old.UpstreamSessionSID != "" && old.UpstreamSessionSID != session.UpstreamSessionSID {
		key := s.sessionUpSIDKey(old.UpstreamIssuer, old.UpstreamSessionSID)
		if err := s.client.Do(ctx, s.client.B().Srem().Key(key).Member(session.SID).Build()).Error(); err != nil {
			s.logger.Warn("Failed to drop stale upstream sid membership", "error", err)
		}
	}
	if err := s.writeSessionIndexes(ctx, session); err != nil {
		return nil, err
	}
	return session, nil
}

func (s *Store) writeSessionIndexes(ctx context.Context, session *storage.Session) error {
	if err := s.setJSON(ctx, s.sessionHandleKey(session.HandleHash), []byte(session.SID), session.ExpiresAt); err != nil {
		return fmt.Errorf("failed to store session handle index: %w", err)
	}
	if session.UpstreamSessionSID != "" {
		key := s.sessionUpSIDKey(session.UpstreamIssuer, session.UpstreamSessionSID)
		if err := s.client.Do(ctx, s.client.B().Sadd().Key(key).Member(session.SID).Build()).Error(); err != nil {
			return fmt.Errorf("failed to store upstream sid membership: %w", err)
		}
		if err := s.client.Do(ctx, s.client.B().Expire().Key(key).Seconds(int64(time.Until(session.ExpiresAt).Seconds())+60).Build()).Error(); err != nil {
			return fmt.Errorf("failed to expire upstream sid membership: %w", err)
		}
	}
	return nil
}

// GetSessionBySID retrieves a session by sid.
func (s *Store) GetSessionBySID(ctx context.Context, sid string) (*storage.Session, error) {
	data, err := s.getJSON(ctx, s.sessionKey(sid))
	if err != nil {
		return nil, fmt.Errorf("session %q: %w", sid, err)
	}
	session, err := s.unmarshalSession([]byte(data))
	if err != nil {
		return nil, err
	}
	if time.Now().After(session.ExpiresAt) {
		return nil, fmt.Errorf("session %q: %w", sid, storage.ErrNotFound)
	}
	return session, nil
}

// marshalSession converts and encrypts (when configured) a session row.
func (s *Store) marshalSession(session *storage.Session) ([]byte, error) {
	j := toSessionJSON(session)
	clear, sealed, err := s.sealClaims(j.ProviderClaims)
	if err != nil {
		return nil, err
	}
	j.ProviderClaims = clear
	j.EncryptedClaims = sealed
	data, err := json.Marshal(j)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal session: %w", err)
	}
	return data, nil
}

func (s *Store) unmarshalSession(data []byte) (*storage.Session, error) {
	var j sessionJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("failed to parse session: %w", err)
	}
	claims, err := s.openClaims(j.ProviderClaims, j.EncryptedClaims)
	if err != nil {
		return nil, err
	}
	j.ProviderClaims = claims
	j.EncryptedClaims = ""
	return j.toSession(), nil
}

// GetSessionByHandleHash retrieves a session by the hash of its handle.
// The handle index is verified against the row; a rotated handle never
// resolves an old session.
func (s *Store) GetSessionByHandleHash(ctx context.Context, handleHash string) (*storage.Session, error) {
	sid, err := s.getJSON(ctx, s.sessionHandleKey(handleHash))
	if err != nil {
		return nil, fmt.Errorf("session handle: %w", err)
	}
	session, err := s.GetSessionBySID(ctx, sid)
	if err != nil {
		return nil, err
	}
	if session.HandleHash != handleHash {
		return nil, fmt.Errorf("session handle: %w", storage.ErrNotFound)
	}
	return session, nil
}

// TouchSession updates last_seen_at.
func (s *Store) TouchSession(ctx context.Context, sid string, seenAt time.Time) error {
	n, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaTouchSession).
			Numkeys(1).
			Key(s.sessionKey(sid)).
			Arg(seenAt.Format(time.RFC3339Nano)).
			Build(),
	).AsInt64()
	if err != nil {
		return fmt.Errorf("failed to touch session: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("session %q: %w", sid, storage.ErrNotFound)
	}
	return nil
}

// SlideSessionExpiry moves the expiry forward, never backward.
func (s *Store) SlideSessionExpiry(ctx context.Context, sid string, newExpiry time.Time) (bool, error) {
	n, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaSlideExpiry).
			Numkeys(1).
			Key(s.sessionKey(sid)).
			Arg(fmt.Sprintf("%d", newExpiry.Unix())).
			Arg(time.Now().Format(time.RFC3339Nano)).
			Build(),
	).AsInt64()
	if err != nil {
		return false, fmt.Errorf("failed to slide session expiry: %w", err)
	}
	if n == -1 {
		return false, fmt.Errorf("session %q: %w", sid, storage.ErrNotFound)
	}
	return n == 1, nil
}

// DeleteSession removes a session and its index entries.
func (s *Store) DeleteSession(ctx context.Context, sid string) error {
	session, err := s.GetSessionBySID(ctx, sid)
	if err != nil {
		if isNotFound(err) {
			return nil
		}
		return err
	}

	keys := []string{
		s.sessionKey(sid),
		s.sessionHandleKey(session.HandleHash),
		s.sessionUpstreamKey(session.UpstreamIssuer, session.UpstreamSub),
	}
	if err := s.client.Do(ctx, s.client.B().Del().Key(keys...).Build()).Error(); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	if session.UpstreamSessionSID != "" {
		key := s.sessionUpSIDKey(session.UpstreamIssuer, session.UpstreamSessionSID)
		if err := s.client.Do(ctx, s.client.B().Srem().Key(key).Member(sid).Build()).Error(); err != nil {
			s.logger.Warn("Failed to drop upstream sid membership", "error", err)
		}
	}
	return nil
}

// GetSIDsByUpstream returns all local sids sharing an upstream session.
func (s *Store) GetSIDsByUpstream(ctx context.Context, issuer, upstreamSessionSID string) ([]string, error) {
	sids, err := s.client.Do(ctx,
		s.client.B().Smembers().Key(s.sessionUpSIDKey(issuer, upstreamSessionSID)).Build(),
	).AsStrSlice()
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions by upstream sid: %w", err)
	}
	return sids, nil
}

// DeleteSessionsByUpstream bulk-deletes all local sessions for an upstream
// session sid.
func (s *Store) DeleteSessionsByUpstream(ctx context.Context, issuer, upstreamSessionSID string) (int, error) {
	sids, err := s.GetSIDsByUpstream(ctx, issuer, upstreamSessionSID)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, sid := range sids {
		if err := s.DeleteSession(ctx, sid); err != nil {
			return count, err
		}
		count++
	}
	if err := s.client.Do(ctx,
		s.client.B().Del().Key(s.sessionUpSIDKey(issuer, upstreamSessionSID)).Build(),
	).Error(); err != nil {
		s.logger.Warn("Failed to drop upstream sid set", "error", err)
	}
	return count, nil
}

// isNotFound checks wrapped storage.ErrNotFound.
func isNotFound(err error) bool {
	return errors.Is(err, storage.ErrNotFound)
}
