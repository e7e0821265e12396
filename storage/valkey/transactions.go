package valkey

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/fjellauth/oidcbroker/storage"
)

// luaTransitionLoginTx conditionally moves a login transaction out of
// pending. Only one caller can win; everyone else sees 0.
//
// KEYS[1] = login transaction key
// ARGV[1] = target status
// ARGV[2] = completion timestamp (RFC3339)
const luaTransitionLoginTx = `
local data = redis.call('GET', KEYS[1])
if not data then
    return 0
end
local tx = cjson.decode(data)
if tx.status ~= 'pending' then
    return 0
end
tx.status = ARGV[1]
tx.completed_at = ARGV[2]
redis.call('SET', KEYS[1], cjson.encode(tx), 'KEEPTTL')
return 1
`

// luaAttachUpstream binds a pending transaction to its upstream leg once.
//
// KEYS[1] = login transaction key
// ARGV[1] = upstream request id
const luaAttachUpstream = `
local data = redis.call('GET', KEYS[1])
if not data then
    return 0
end
local tx = cjson.decode(data)
if tx.status ~= 'pending' then
    return 0
end
if tx.upstream_request_id and tx.upstream_request_id ~= '' then
    return 0
end
tx.upstream_request_id = ARGV[1]
redis.call('SET', KEYS[1], cjson.encode(tx), 'KEEPTTL')
return 1
`

// InsertLoginTransaction creates a pending transaction.
func (s *Store) InsertLoginTransaction(ctx context.Context, create *storage.LoginTransactionCreate) (*storage.LoginTransaction, error) {
	if err := create.Validate(); err != nil {
		return nil, err
	}

	now := time.Now()
	tx := &storage.LoginTransaction{
		RequestID:           uuid.NewString(),
		Status:              storage.TransactionPending,
		ClientID:            create.ClientID,
		RedirectURI:         create.RedirectURI,
		Scopes:              create.Scopes,
		State:               create.State,
		Nonce:               create.Nonce,
		ACRValues:           create.ACRValues,
		Prompts:             create.Prompts,
		UILocales:           create.UILocales,
		MaxAge:              create.MaxAge,
		CodeChallenge:       create.CodeChallenge,
		CodeChallengeMethod: create.CodeChallengeMethod,
		RequestURIRef:       create.RequestURIRef,
		RequestObjectRef:    create.RequestObjectRef,
		Diagnostics:         create.Diagnostics,
		CreatedAt:           now,
		ExpiresAt:           now.Add(create.TTL),
	}

	data, err := json.Marshal(toLoginTransactionJSON(tx))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal login transaction: %w", err)
	}
	if err := s.setJSON(ctx, s.loginTxKey(tx.RequestID), data, tx.ExpiresAt); err != nil {
		return nil, fmt.Errorf("failed to store login transaction: %w", err)
	}
	return tx, nil
}

// GetLoginTransaction retrieves a transaction by request id.
func (s *Store) GetLoginTransaction(ctx context.Context, requestID string) (*storage.LoginTransaction, error) {
	data, err := s.getJSON(ctx, s.loginTxKey(requestID))
	if err != nil {
		return nil, fmt.Errorf("login transaction %q: %w", requestID, err)
	}
	var j loginTransactionJSON
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		return nil, fmt.Errorf("failed to parse login transaction: %w", err)
	}
	return j.toLoginTransaction(), nil
}

// AttachUpstreamRequest binds a pending transaction to its upstream leg.
func (s *Store) AttachUpstreamRequest(ctx context.Context, requestID, upstreamRequestID string) (bool, error) {
	n, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaAttachUpstream).
			Numkeys(1).
			Key(s.loginTxKey(requestID)).
			Arg(upstreamRequestID).
			Build(),
	).AsInt64()
	if err != nil {
		return false, fmt.Errorf("failed to attach upstream request: %w", err)
	}
	return n == 1, nil
}

// CompleteLoginTransaction transitions pending to completed.
func (s *Store) CompleteLoginTransaction(ctx context.Context, requestID string, completedAt time.Time) (bool, error) {
	return s.transitionLoginTx(ctx, requestID, string(storage.TransactionCompleted), completedAt)
}

// CancelLoginTransaction transitions pending to cancelled.
func (s *Store) CancelLoginTransaction(ctx context.Context, requestID string) (bool, error) {
	return s.transitionLoginTx(ctx, requestID, string(storage.TransactionCancelled), time.Now())
}

func (s *Store) transitionLoginTx(ctx context.Context, requestID, status string, at time.Time) (bool, error) {
	n, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaTransitionLoginTx).
			Numkeys(1).
			Key(s.loginTxKey(requestID)).
			Arg(status).
			Arg(at.Format(time.RFC3339Nano)).
			Build(),
	).AsInt64()
	if err != nil {
		return false, fmt.Errorf("failed to transition login transaction: %w", err)
	}
	return n == 1, nil
}

// luaSetCallbackSuccess records the upstream code, conditional on
// status=pending. A duplicate callback for the same state loses here.
//
// KEYS[1] = upstream transaction key
// ARGV[1] = upstream authorization code
// ARGV[2] = received-at timestamp (RFC3339)
const luaSetCallbackSuccess = `
local data = redis.call('GET', KEYS[1])
if not data then
    return 0
end
local tx = cjson.decode(data)
if tx.status ~= 'pending' then
    return 0
end
tx.status = 'callback_received'
tx.auth_code = ARGV[1]
tx.callback_at = ARGV[2]
redis.call('SET', KEYS[1], cjson.encode(tx), 'KEEPTTL')
return 1
`

// luaSetCallbackError records an error callback from pending or
// callback_received.
//
// KEYS[1] = upstream transaction key
// ARGV[1] = error code
// ARGV[2] = error description
// ARGV[3] = received-at timestamp (RFC3339)
const luaSetCallbackError = `
local data = redis.call('GET', KEYS[1])
if not data then
    return 0
end
local tx = cjson.decode(data)
if tx.status ~= 'pending' and tx.status ~= 'callback_received' then
    return 0
end
tx.status = 'error'
tx.error_code = ARGV[1]
tx.error_description = ARGV[2]
tx.callback_at = ARGV[3]
redis.call('SET', KEYS[1], cjson.encode(tx), 'KEEPTTL')
return 1
`

// luaMarkTokenExchanged records the token-exchange result, conditional on
// status=callback_received.
//
// KEYS[1] = upstream transaction key
// ARGV[1] = token result JSON
const luaMarkTokenExchanged = `
local data = redis.call('GET', KEYS[1])
if not data then
    return 0
end
local tx = cjson.decode(data)
if tx.status ~= 'callback_received' then
    return 0
end
tx.status = 'token_exchanged'
tx.token_result = cjson.decode(ARGV[1])
redis.call('SET', KEYS[1], cjson.encode(tx), 'KEEPTTL')
return 1
`

// luaMarkUpstreamCompleted is the terminal transition. Success requires
// token_exchanged; failure is allowed from any non-completed state.
//
// KEYS[1] = upstream transaction key
// ARGV[1] = "1" for success, "0" for failure
// ARGV[2] = completion timestamp (RFC3339)
const luaMarkUpstreamCompleted = `
local data = redis.call('GET', KEYS[1])
if not data then
    return 0
end
local tx = cjson.decode(data)
if ARGV[1] == '1' then
    if tx.status ~= 'token_exchanged' then
        return 0
    end
    tx.status = 'completed'
else
    if tx.status == 'completed' then
        return 0
    end
    tx.status = 'error'
end
tx.completed_at = ARGV[2]
redis.call('SET', KEYS[1], cjson.encode(tx), 'KEEPTTL')
return 1
`

// InsertUpstreamTransaction creates a pending upstream transaction and the
// state index entry pointing at it.
func (s *Store) InsertUpstreamTransaction(ctx context.Context, create *storage.UpstreamLoginTransactionCreate) (*storage.UpstreamLoginTransaction, error) {
	if err := create.Validate(); err != nil {
		return nil, err
	}

	now := time.Now()
	utx := &storage.UpstreamLoginTransaction{
		UpstreamRequestID:           uuid.NewString(),
		Status:                      storage.UpstreamPending,
		RequestID:                   create.RequestID,
		UnregisteredClientRequestID: create.UnregisteredClientRequestID,
		Provider:                    create.Provider,
		UpstreamClientID:            create.UpstreamClientID,
		AuthorizationEndpoint:       create.AuthorizationEndpoint,
		TokenEndpoint:               create.TokenEndpoint,
		JWKSURI:                     create.JWKSURI,
		RedirectURI:                 create.RedirectURI,
		State:                       create.State,
		Nonce:                       create.Nonce,
		Scopes:                      create.Scopes,
		ACRValues:                   create.ACRValues,
		Prompts:                     create.Prompts,
		UILocales:                   create.UILocales,
		MaxAge:                      create.MaxAge,
		CodeVerifier:                create.CodeVerifier,
		CodeChallenge:               create.CodeChallenge,
		Diagnostics:                 create.Diagnostics,
		CreatedAt:                   now,
		ExpiresAt:                   now.Add(create.TTL),
	}

	data, err := json.Marshal(toUpstreamTransactionJSON(utx))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal upstream transaction: %w", err)
	}
	if err := s.setJSON(ctx, s.upstreamTxKey(utx.UpstreamRequestID), data, utx.ExpiresAt); err != nil {
		return nil, fmt.Errorf("failed to store upstream transaction: %w", err)
	}
	// The state index shares the row's TTL; a stale index entry can only
	// point at an expired row.
	if err := s.setJSON(ctx, s.upstreamStateKey(utx.State), []byte(utx.UpstreamRequestID), utx.ExpiresAt); err != nil {
		return nil, fmt.Errorf("failed to store upstream state index: %w", err)
	}
	return utx, nil
}

// GetUpstreamTransaction retrieves a transaction by upstream request id.
func (s *Store) GetUpstreamTransaction(ctx context.Context, upstreamRequestID string) (*storage.UpstreamLoginTransaction, error) {
	data, err := s.getJSON(ctx, s.upstreamTxKey(upstreamRequestID))
	if err != nil {
		return nil, fmt.Errorf("upstream transaction %q: %w", upstreamRequestID, err)
	}
	var j upstreamTransactionJSON
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		return nil, fmt.Errorf("failed to parse upstream transaction: %w", err)
	}
	return j.toUpstreamTransaction(), nil
}

// GetUpstreamForCallbackByState looks up a non-terminal transaction by the
// state value we sent upstream.
func (s *Store) GetUpstreamForCallbackByState(ctx context.Context, state string) (*storage.UpstreamLoginTransaction, error) {
	id, err := s.getJSON(ctx, s.upstreamStateKey(state))
	if err != nil {
		return nil, fmt.Errorf("upstream state: %w", err)
	}
	utx, err := s.GetUpstreamTransaction(ctx, id)
	if err != nil {
		return nil, err
	}
	switch utx.Status {
	case storage.UpstreamPending, storage.UpstreamCallbackReceived:
		return utx, nil
	default:
		return nil, fmt.Errorf("upstream state: %w", storage.ErrNotFound)
	}
}

// SetUpstreamCallbackSuccess records the upstream code.
func (s *Store) SetUpstreamCallbackSuccess(ctx context.Context, upstreamRequestID, authCode string, receivedAt time.Time) (bool, error) {
	n, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaSetCallbackSuccess).
			Numkeys(1).
			Key(s.upstreamTxKey(upstreamRequestID)).
			Arg(authCode).
			Arg(receivedAt.Format(time.RFC3339Nano)).
			Build(),
	).AsInt64()
	if err != nil {
		return false, fmt.Errorf("failed to record upstream callback: %w", err)
	}
	return n == 1, nil
}

// SetUpstreamCallbackError records an error callback.
func (s *Store) SetUpstreamCallbackError(ctx context.Context, upstreamRequestID, errorCode, errorDescription string, receivedAt time.Time) (bool, error) {
	n, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaSetCallbackError).
			Numkeys(1).
			Key(s.upstreamTxKey(upstreamRequestID)).
			Arg(errorCode).
			Arg(errorDescription).
			Arg(receivedAt.Format(time.RFC3339Nano)).
			Build(),
	).AsInt64()
	if err != nil {
		return false, fmt.Errorf("failed to record upstream error: %w", err)
	}
	return n == 1, nil
}

// MarkUpstreamTokenExchanged records the token-exchange result.
func (s *Store) MarkUpstreamTokenExchanged(ctx context.Context, upstreamRequestID string, result *storage.UpstreamTokenResult) (bool, error) {
	resultJSON, err := json.Marshal(&upstreamTokenResultJSON{
		Issuer:             result.Issuer,
		Subject:            result.Subject,
		ACR:                result.ACR,
		AuthTime:           result.AuthTime,
		IDTokenJTI:         result.IDTokenJTI,
		UpstreamSessionSID: result.UpstreamSessionSID,
	})
	if err != nil {
		return false, fmt.Errorf("failed to marshal token result: %w", err)
	}

	n, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaMarkTokenExchanged).
			Numkeys(1).
			Key(s.upstreamTxKey(upstreamRequestID)).
			Arg(string(resultJSON)).
			Build(),
	).AsInt64()
	if err != nil {
		return false, fmt.Errorf("failed to record token exchange: %w", err)
	}
	return n == 1, nil
}

// MarkUpstreamCompleted is the terminal transition.
func (s *Store) MarkUpstreamCompleted(ctx context.Context, upstreamRequestID string, success bool, completedAt time.Time) (bool, error) {
	successArg := "0"
	if success {
		successArg = "1"
	}
	n, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaMarkUpstreamCompleted).
			Numkeys(1).
			Key(s.upstreamTxKey(upstreamRequestID)).
			Arg(successArg).
			Arg(completedAt.Format(time.RFC3339Nano)).
			Build(),
	).AsInt64()
	if err != nil {
		return false, fmt.Errorf("failed to complete upstream transaction: %w", err)
	}
	return n == 1, nil
}
