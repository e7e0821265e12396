package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by lookups when no row matches. Store
// implementations must return this (possibly wrapped) rather than a nil row,
// so callers can distinguish "absent" from transient backend failures.
var ErrNotFound = errors.New("storage: not found")

// LoginTransactionStore persists the downstream /authorize request state
// between the authorize call and code issuance.
type LoginTransactionStore interface {
	// InsertLoginTransaction creates a pending transaction. The store
	// generates the request id and timestamps. The create is validated
	// before any I/O; a missing required field is a caller bug.
	InsertLoginTransaction(ctx context.Context, create *LoginTransactionCreate) (*LoginTransaction, error)

	// GetLoginTransaction retrieves a transaction by request id.
	GetLoginTransaction(ctx context.Context, requestID string) (*LoginTransaction, error)

	// AttachUpstreamRequest records the upstream transaction a pending
	// transaction was routed to. Returns false if the transaction is not
	// pending or already routed.
	AttachUpstreamRequest(ctx context.Context, requestID, upstreamRequestID string) (bool, error)

	// CompleteLoginTransaction transitions a pending transaction to
	// completed. Returns false if the transaction is not pending.
	CompleteLoginTransaction(ctx context.Context, requestID string, completedAt time.Time) (bool, error)

	// CancelLoginTransaction transitions a pending transaction to cancelled.
	CancelLoginTransaction(ctx context.Context, requestID string) (bool, error)
}

// UpstreamLoginTransactionStore persists the outbound request to the chosen
// upstream identity provider and records the callback outcome.
type UpstreamLoginTransactionStore interface {
	// InsertUpstreamTransaction creates a pending upstream transaction,
	// enforcing the XOR binding constraint between the registered-client and
	// clientless flows.
	InsertUpstreamTransaction(ctx context.Context, create *UpstreamLoginTransactionCreate) (*UpstreamLoginTransaction, error)

	// GetUpstreamTransaction retrieves a transaction by upstream request id.
	GetUpstreamTransaction(ctx context.Context, upstreamRequestID string) (*UpstreamLoginTransaction, error)

	// GetUpstreamForCallbackByState looks up a transaction by the state we
	// sent upstream. Only rows in status pending or callback_received are
	// returned; anything else is ErrNotFound, so replayed state values from
	// completed transactions cannot restart a flow.
	GetUpstreamForCallbackByState(ctx context.Context, state string) (*UpstreamLoginTransaction, error)

	// SetUpstreamCallbackSuccess records the upstream authorization code.
	// Conditional on status=pending; false means a race or replay and the
	// caller must fail closed.
	SetUpstreamCallbackSuccess(ctx context.Context, upstreamRequestID, authCode string, receivedAt time.Time) (bool, error)

	// SetUpstreamCallbackError records an error callback. Conditional on
	// status in {pending, callback_received}.
	SetUpstreamCallbackError(ctx context.Context, upstreamRequestID, errorCode, errorDescription string, receivedAt time.Time) (bool, error)

	// MarkUpstreamTokenExchanged records the token-exchange result and moves
	// the transaction to completed. Conditional on status in
	// {callback_received, token_exchanged}.
	MarkUpstreamTokenExchanged(ctx context.Context, upstreamRequestID string, result *UpstreamTokenResult) (bool, error)

	// MarkUpstreamCompleted is the terminal transition from
	// {token_exchanged, error}.
	MarkUpstreamCompleted(ctx context.Context, upstreamRequestID string, success bool, completedAt time.Time) (bool, error)
}

// AuthCodeStore persists single-use authorization codes.
//
// Get and TryConsume serve different purposes and both are required at the
// token endpoint: Get reads the binding data for token construction,
// TryConsume is the only mutation path and the single-use guarantee. A
// caller must refuse to issue tokens when TryConsume returns false, even if
// Get succeeded moments earlier.
type AuthCodeStore interface {
	// InsertAuthCode persists a code row. The code value is generated by the
	// caller with at least 128 bits of entropy.
	InsertAuthCode(ctx context.Context, create *AuthCodeCreate) (*AuthCode, error)

	// GetAuthCode returns the row only if it is unused and unexpired. This is
	// a read-only preview, not consumption.
	GetAuthCode(ctx context.Context, code string) (*AuthCode, error)

	// TryConsumeAuthCode atomically marks the code used, conditioned on
	// matching client id and redirect URI, used=false, and not expired.
	// Returns true iff exactly one row was updated.
	TryConsumeAuthCode(ctx context.Context, code, clientID, redirectURI string, usedAt time.Time) (bool, error)
}

// SessionStore persists server-side OIDC sessions.
type SessionStore interface {
	// UpsertSessionByUpstreamSub inserts or updates the session keyed on
	// (provider, upstream_sub). An existing live row is updated in place
	// (acr, auth_time, amr, provider claims) and its expiry slides forward
	// to the later of old and new; repeated logins by the same upstream
	// identity never proliferate rows.
	UpsertSessionByUpstreamSub(ctx context.Context, create *SessionCreate) (*Session, error)

	// GetSessionBySID retrieves a session by sid.
	GetSessionBySID(ctx context.Context, sid string) (*Session, error)

	// GetSessionByHandleHash retrieves a session by the hash of its handle.
	// The raw handle lives only in the client-side cookie.
	GetSessionByHandleHash(ctx context.Context, handleHash string) (*Session, error)

	// TouchSession updates last_seen_at.
	TouchSession(ctx context.Context, sid string, seenAt time.Time) error

	// SlideSessionExpiry moves the expiry forward. Monotonic: a newExpiry at
	// or before the current expiry is a no-op returning false.
	SlideSessionExpiry(ctx context.Context, sid string, newExpiry time.Time) (bool, error)

	// DeleteSession removes a session.
	DeleteSession(ctx context.Context, sid string) error

	// GetSIDsByUpstream returns the sids of all local sessions sharing the
	// given upstream issuer and upstream session sid.
	GetSIDsByUpstream(ctx context.Context, issuer, upstreamSessionSID string) ([]string, error)

	// DeleteSessionsByUpstream bulk-deletes all local sessions for an
	// upstream front-channel logout. Returns the number deleted.
	DeleteSessionsByUpstream(ctx context.Context, issuer, upstreamSessionSID string) (int, error)
}

// RefreshTokenStore persists rotation-based refresh tokens grouped into
// revocable families.
type RefreshTokenStore interface {
	// GetOrCreateFamily returns the live family for (client, subject, session),
	// creating it if absent. Race-safe: concurrent first-refresh requests for
	// the same triple observe the same family id.
	GetOrCreateFamily(ctx context.Context, clientID, subjectID, opSID string) (*RefreshTokenFamily, error)

	// GetFamily retrieves a family by id.
	GetFamily(ctx context.Context, familyID string) (*RefreshTokenFamily, error)

	// InsertRefreshToken persists a new active token row.
	InsertRefreshToken(ctx context.Context, create *RefreshTokenCreate) (*RefreshToken, error)

	// GetRefreshTokenByLookupKey retrieves a token row by its HMAC lookup key.
	GetRefreshTokenByLookupKey(ctx context.Context, lookupKey string) (*RefreshToken, error)

	// MarkRefreshTokenUsed transitions active → used and sets the rotation
	// pointer. Conditional on status=active; false means the token was
	// already rotated or revoked, which the caller treats as reuse.
	MarkRefreshTokenUsed(ctx context.Context, tokenID, rotatedToTokenID string) (bool, error)

	// RevokeFamily marks the family and every non-terminal token in it
	// revoked, atomically.
	RevokeFamily(ctx context.Context, familyID, reason string) error
}

// ClientStore manages registered relying parties.
type ClientStore interface {
	// SaveClient creates or replaces a client registration.
	SaveClient(ctx context.Context, client *Client) error

	// GetClient retrieves a client by id.
	GetClient(ctx context.Context, clientID string) (*Client, error)

	// ValidateClientSecret verifies a client secret against the stored
	// bcrypt hash.
	ValidateClientSecret(ctx context.Context, clientID, clientSecret string) error

	// ListClients lists all registered clients.
	ListClients(ctx context.Context) ([]*Client, error)
}

// Sweeper is implemented by stores that support bounded-batch deletion of
// expired rows. Each call deletes at most limit rows per row kind so the
// sweep never contends with foreground traffic for long.
type Sweeper interface {
	SweepExpired(ctx context.Context, now time.Time, limit int) (int, error)
}

// UnregisteredClientRequestStore persists clientless app login requests.
type UnregisteredClientRequestStore interface {
	// InsertUnregisteredClientRequest creates a pending request. The store
	// generates the id and timestamps.
	InsertUnregisteredClientRequest(ctx context.Context, create *UnregisteredClientRequestCreate) (*UnregisteredClientRequest, error)

	// GetUnregisteredClientRequest retrieves a request by id.
	GetUnregisteredClientRequest(ctx context.Context, id string) (*UnregisteredClientRequest, error)

	// CompleteUnregisteredClientRequest transitions a pending request to
	// completed. Returns false if the request is not pending.
	CompleteUnregisteredClientRequest(ctx context.Context, id string, completedAt time.Time) (bool, error)
}

// Store is the aggregate contract a full backend satisfies.
type Store interface {
	LoginTransactionStore
	UpstreamLoginTransactionStore
	AuthCodeStore
	SessionStore
	RefreshTokenStore
	ClientStore
	UnregisteredClientRequestStore
}
