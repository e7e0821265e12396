// Package memory provides an in-memory implementation of all storage
// interfaces. It is suitable for development, testing, and single-instance
// deployments.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/fjellauth/oidcbroker/instrumentation"
	"github.com/fjellauth/oidcbroker/storage"
)

// Store is an in-memory implementation of the aggregate storage.Store
// contract plus storage.Sweeper. All conditional transitions happen under
// one mutex, so the affected-count semantics the interfaces require hold
// trivially.
type Store struct {
	mu sync.RWMutex

	loginTx         map[string]*storage.LoginTransaction
	upstreamTx      map[string]*storage.UpstreamLoginTransaction
	upstreamByState map[string]string // upstream state -> upstream request id

	authCodes map[string]*storage.AuthCode

	sessions          map[string]*storage.Session
	sessionsByHandle  map[string]string // handle hash -> sid
	sessionsByIssuer  map[string]string // issuer \x00 upstream sub -> sid
	sessionsByUpSID   map[string]map[string]struct{} // issuer \x00 upstream session sid -> set of sids

	families        map[string]*storage.RefreshTokenFamily
	familiesByOwner map[string]string // client \x00 subject \x00 sid -> family id
	refreshTokens   map[string]*storage.RefreshToken
	refreshByLookup map[string]string // lookup key -> token id

	clients map[string]*storage.Client

	unregistered map[string]*storage.UnregisteredClientRequest

	// Atomic counters for metric callbacks (lock-free reads)
	sessionsCountAtomic      atomic.Int64
	clientsCountAtomic       atomic.Int64
	loginTxCountAtomic       atomic.Int64
	familiesCountAtomic      atomic.Int64
	refreshTokensCountAtomic atomic.Int64

	instrumentation *instrumentation.Instrumentation
	logger          *slog.Logger
}

// Compile-time interface checks.
var (
	_ storage.Store   = (*Store)(nil)
	_ storage.Sweeper = (*Store)(nil)
)

// New creates an empty in-memory store. Expired rows are removed by the
// sweeper; the store itself runs no background goroutines.
func New() *Store {
	return &Store{
		loginTx:         make(map[string]*storage.LoginTransaction),
		upstreamTx:      make(map[string]*storage.UpstreamLoginTransaction),
		upstreamByState: make(map[string]string),
		authCodes:       make(map[string]*storage.AuthCode),
		sessions:        make(map[string]*storage.Session),
		sessionsByHandle: make(map[string]string),
		sessionsByIssuer: make(map[string]string),
		sessionsByUpSID:  make(map[string]map[string]struct{}),
		families:         make(map[string]*storage.RefreshTokenFamily),
		familiesByOwner:  make(map[string]string),
		refreshTokens:    make(map[string]*storage.RefreshToken),
		refreshByLookup:  make(map[string]string),
		clients:          make(map[string]*storage.Client),
		unregistered:     make(map[string]*storage.UnregisteredClientRequest),
		logger:           slog.Default(),
	}
}

// SetLogger sets a custom logger.
func (s *Store) SetLogger(logger *slog.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logger = logger
}

// SetInstrumentation wires OpenTelemetry storage-size gauges.
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.mu.Lock()
	s.instrumentation = inst
	s.sessionsCountAtomic.Store(int64(len(s.sessions)))
	s.clientsCountAtomic.Store(int64(len(s.clients)))
	s.loginTxCountAtomic.Store(int64(len(s.loginTx)))
	s.familiesCountAtomic.Store(int64(len(s.families)))
	s.refreshTokensCountAtomic.Store(int64(len(s.refreshTokens)))
	s.mu.Unlock()

	if inst != nil {
		err := inst.RegisterStorageSizeCallbacks(
			func() int64 { return s.sessionsCountAtomic.Load() },
			func() int64 { return s.clientsCountAtomic.Load() },
			func() int64 { return s.loginTxCountAtomic.Load() },
			func() int64 { return s.familiesCountAtomic.Load() },
			func() int64 { return s.refreshTokensCountAtomic.Load() },
		)
		if err != nil {
			s.logger.Warn("Failed to register storage size callbacks", "error", err)
		}
	}
}

// ============================================================
// LoginTransactionStore
// ============================================================

// InsertLoginTransaction creates a pending transaction.
func (s *Store) InsertLoginTransaction(_ context.Context, create *storage.LoginTransactionCreate) (*storage.LoginTransaction, error) {
	if err := create.Validate(); err != nil {
		return nil, err
	}

	now := time.Now()
	tx := &storage.LoginTransaction{
		RequestID:           uuid.NewString(),
		Status:              storage.TransactionPending,
		ClientID:            create.ClientID,
		RedirectURI:         create.RedirectURI,
		Scopes:              append([]string(nil), create.Scopes...),
		State:               create.State,
		Nonce:               create.Nonce,
		ACRValues:           append([]string(nil), create.ACRValues...),
		Prompts:             append([]string(nil), create.Prompts...),
		UILocales:           append([]string(nil), create.UILocales...),
		MaxAge:              create.MaxAge,
		CodeChallenge:       create.CodeChallenge,
		CodeChallengeMethod: create.CodeChallengeMethod,
		RequestURIRef:       create.RequestURIRef,
		RequestObjectRef:    create.RequestObjectRef,
		Diagnostics:         create.Diagnostics,
		CreatedAt:           now,
		ExpiresAt:           now.Add(create.TTL),
	}

	s.mu.Lock()
	s.loginTx[tx.RequestID] = tx
	s.loginTxCountAtomic.Store(int64(len(s.loginTx)))
	s.mu.Unlock()

	return copyLoginTx(tx), nil
}

// GetLoginTransaction retrieves a transaction by request id.
func (s *Store) GetLoginTransaction(_ context.Context, requestID string) (*storage.LoginTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tx, ok := s.loginTx[requestID]
	if !ok {
		return nil, fmt.Errorf("login transaction %q: %w", requestID, storage.ErrNotFound)
	}
	return copyLoginTx(tx), nil
}

// AttachUpstreamRequest binds a pending transaction to its upstream leg.
func (s *Store) AttachUpstreamRequest(_ context.Context, requestID, upstreamRequestID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.loginTx[requestID]
	if !ok || tx.Status != storage.TransactionPending || tx.UpstreamRequestID != "" {
		return false, nil
	}
	tx.UpstreamRequestID = upstreamRequestID
	return true, nil
}

// CompleteLoginTransaction transitions pending to completed.
func (s *Store) CompleteLoginTransaction(_ context.Context, requestID string, completedAt time.Time) (bool, error) {
	return s.transitionLoginTx(requestID, storage.TransactionCompleted, completedAt), nil
}

// CancelLoginTransaction transitions pending to cancelled.
func (s *Store) CancelLoginTransaction(_ context.Context, requestID string) (bool, error) {
	return s.transitionLoginTx(requestID, storage.TransactionCancelled, time.Now()), nil
}

func (s *Store) transitionLoginTx(requestID string, to storage.TransactionStatus, at time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.loginTx[requestID]
	if !ok || tx.Status != storage.TransactionPending {
		return false
	}
	tx.Status = to
	tx.CompletedAt = &at
	return true
}

// ============================================================
// UpstreamLoginTransactionStore
// ============================================================

// InsertUpstreamTransaction creates a pending upstream transaction.
func (s *Store) InsertUpstreamTransaction(_ context.Context, create *storage.UpstreamLoginTransactionCreate) (*storage.UpstreamLoginTransaction, error) {
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
		Scopes:                      append([]string(nil), create.Scopes...),
		ACRValues:                   append([]string(nil), create.ACRValues...),
		Prompts:                     append([]string(nil), create.Prompts...),
		UILocales:                   append([]string(nil), create.UILocales...),
		MaxAge:                      create.MaxAge,
		CodeVerifier:                create.CodeVerifier,
		CodeChallenge:               create.CodeChallenge,
		Diagnostics:                 create.Diagnostics,
		CreatedAt:                   now,
		ExpiresAt:                   now.Add(create.TTL),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.upstreamByState[utx.State]; exists {
		return nil, fmt.Errorf("upstream transaction: state collision")
	}
	s.upstreamTx[utx.UpstreamRequestID] = utx
	s.upstreamByState[utx.State] = utx.UpstreamRequestID
	return copyUpstreamTx(utx), nil
}

// GetUpstreamTransaction retrieves a transaction by upstream request id.
func (s *Store) GetUpstreamTransaction(_ context.Context, upstreamRequestID string) (*storage.UpstreamLoginTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	utx, ok := s.upstreamTx[upstreamRequestID]
	if !ok {
		return nil, fmt.Errorf("upstream transaction %q: %w", upstreamRequestID, storage.ErrNotFound)
	}
	return copyUpstreamTx(utx), nil
}

// GetUpstreamForCallbackByState looks up a non-terminal transaction by the
// state value we sent upstream.
func (s *Store) GetUpstreamForCallbackByState(_ context.Context, state string) (*storage.UpstreamLoginTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.upstreamByState[state]
	if !ok {
		return nil, fmt.Errorf("upstream state: %w", storage.ErrNotFound)
	}
	utx := s.upstreamTx[id]
	if utx == nil || time.Now().After(utx.ExpiresAt) {
		return nil, fmt.Errorf("upstream state: %w", storage.ErrNotFound)
	}
	switch utx.Status {
	case storage.UpstreamPending, storage.UpstreamCallbackReceived:
		return copyUpstreamTx(utx), nil
	default:
		// Terminal rows don't match; a replayed callback sees not-found.
		return nil, fmt.Errorf("upstream state: %w", storage.ErrNotFound)
	}
}

// SetUpstreamCallbackSuccess records the upstream code. Conditional on
// status=pending.
func (s *Store) SetUpstreamCallbackSuccess(_ context.Context, upstreamRequestID, authCode string, receivedAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	utx, ok := s.upstreamTx[upstreamRequestID]
	if !ok || utx.Status != storage.UpstreamPending {
		return false, nil
	}
	utx.Status = storage.UpstreamCallbackReceived
	utx.AuthCode = authCode
	utx.CallbackAt = &receivedAt
	return true, nil
}

// SetUpstreamCallbackError records an error callback.
func (s *Store) SetUpstreamCallbackError(_ context.Context, upstreamRequestID, errorCode, errorDescription string, receivedAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	utx, ok := s.upstreamTx[upstreamRequestID]
	if !ok {
		return false, nil
	}
	switch utx.Status {
	case storage.UpstreamPending, storage.UpstreamCallbackReceived:
	default:
		return false, nil
	}
	utx.Status = storage.UpstreamError
	utx.ErrorCode = errorCode
	utx.ErrorDescription = errorDescription
	utx.CallbackAt = &receivedAt
	return true, nil
}

// MarkUpstreamTokenExchanged records the token-exchange result.
func (s *Store) MarkUpstreamTokenExchanged(_ context.Context, upstreamRequestID string, result *storage.UpstreamTokenResult) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	utx, ok := s.upstreamTx[upstreamRequestID]
	if !ok || utx.Status != storage.UpstreamCallbackReceived {
		return false, nil
	}
	utx.Status = storage.UpstreamTokenExchanged
	utx.TokenResult = result
	return true, nil
}

// MarkUpstreamCompleted is the terminal transition.
func (s *Store) MarkUpstreamCompleted(_ context.Context, upstreamRequestID string, success bool, completedAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	utx, ok := s.upstreamTx[upstreamRequestID]
	if !ok {
		return false, nil
	}
	if success {
		if utx.Status != storage.UpstreamTokenExchanged {
			return false, nil
		}
		utx.Status = storage.UpstreamCompleted
	} else {
		switch utx.Status {
		case storage.UpstreamCompleted:
			return false, nil
		}
		utx.Status = storage.UpstreamError
	}
	utx.CompletedAt = &completedAt
	return true, nil
}

// ============================================================
// AuthCodeStore
// ============================================================

// InsertAuthCode persists a code row.
func (s *Store) InsertAuthCode(_ context.Context, create *storage.AuthCodeCreate) (*storage.AuthCode, error) {
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
		Scopes:              append([]string(nil), create.Scopes...),
		Nonce:               create.Nonce,
		ACR:                 create.ACR,
		AMR:                 append([]string(nil), create.AMR...),
		AuthTime:            create.AuthTime,
		ProviderClaims:      copyClaims(create.ProviderClaims),
		CreatedAt:           now,
		ExpiresAt:           now.Add(create.TTL),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.authCodes[row.Code]; exists {
		return nil, fmt.Errorf("auth code: collision")
	}
	s.authCodes[row.Code] = row
	return copyAuthCode(row), nil
}

// GetAuthCode returns the row only if it is unused and unexpired.
func (s *Store) GetAuthCode(_ context.Context, code string) (*storage.AuthCode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row, ok := s.authCodes[code]
	if !ok || row.Used || time.Now().After(row.ExpiresAt) {
		return nil, fmt.Errorf("auth code: %w", storage.ErrNotFound)
	}
	return copyAuthCode(row), nil
}

// TryConsumeAuthCode atomically marks the code used. All conditions are
// checked under the lock; any mismatch returns false with no state change.
func (s *Store) TryConsumeAuthCode(_ context.Context, code, clientID, redirectURI string, usedAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.authCodes[code]
	if !ok || row.Used || usedAt.After(row.ExpiresAt) {
		return false, nil
	}
	if row.ClientID != clientID || row.RedirectURI != redirectURI {
		return false, nil
	}
	row.Used = true
	row.UsedAt = &usedAt
	return true, nil
}

// ============================================================
// SessionStore
// ============================================================

// UpsertSessionByUpstreamSub inserts or updates the session keyed on
// (upstream issuer, upstream sub).
func (s *Store) UpsertSessionByUpstreamSub(_ context.Context, create *storage.SessionCreate) (*storage.Session, error) {
	if create.UpstreamIssuer == "" || create.UpstreamSub == "" {
		return nil, fmt.Errorf("session: upstream issuer and sub are required")
	}
	if create.HandleHash == "" {
		return nil, fmt.Errorf("session: handle hash is required")
	}

	now := time.Now()
	key := create.UpstreamIssuer + "\x00" + create.UpstreamSub

	s.mu.Lock()
	defer s.mu.Unlock()

	if sid, exists := s.sessionsByIssuer[key]; exists {
		session := s.sessions[sid]
		// Re-authentication rotates the handle and refreshes the identity
		// facts but keeps the sid stable.
		delete(s.sessionsByHandle, session.HandleHash)
		s.removeUpstreamSIDIndex(session)
		session.HandleHash = create.HandleHash
		session.UpstreamSessionSID = create.UpstreamSessionSID
		session.Binding = create.Binding
		session.Provider = create.Provider
		session.ACR = create.ACR
		session.AMR = append([]string(nil), create.AMR...)
		session.AuthTime = create.AuthTime
		session.Scopes = append([]string(nil), create.Scopes...)
		session.ProviderClaims = copyClaims(create.ProviderClaims)
		session.UpdatedAt = now
		session.LastSeenAt = now
		if newExpiry := now.Add(create.TTL); newExpiry.After(session.ExpiresAt) {
			session.ExpiresAt = newExpiry
		}
		s.sessionsByHandle[session.HandleHash] = session.SID
		s.addUpstreamSIDIndex(session)
		return copySession(session), nil
	}

	session := &storage.Session{
		SID:                uuid.NewString(),
		HandleHash:         create.HandleHash,
		UpstreamIssuer:     create.UpstreamIssuer,
		UpstreamSub:        create.UpstreamSub,
		UpstreamSessionSID: create.UpstreamSessionSID,
		Binding:            create.Binding,
		Provider:           create.Provider,
		ACR:                create.ACR,
		AMR:                append([]string(nil), create.AMR...),
		AuthTime:           create.AuthTime,
		Scopes:             append([]string(nil), create.Scopes...),
		ProviderClaims:     copyClaims(create.ProviderClaims),
		CreatedAt:          now,
		UpdatedAt:          now,
		LastSeenAt:         now,
		ExpiresAt:          now.Add(create.TTL),
	}
	s.sessions[session.SID] = session
	s.sessionsByIssuer[key] = session.SID
	s.sessionsByHandle[session.HandleHash] = session.SID
	s.addUpstreamSIDIndex(session)
	s.sessionsCountAtomic.Store(int64(len(s.sessions)))
	return copySession(session), nil
}

// GetSessionBySID retrieves a session by sid.
func (s *Store) GetSessionBySID(_ context.Context, sid string) (*storage.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[sid]
	if !ok || time.Now().After(session.ExpiresAt) {
		return nil, fmt.Errorf("session %q: %w", sid, storage.ErrNotFound)
	}
	return copySession(session), nil
}

// GetSessionByHandleHash retrieves a session by the hash of its handle.
func (s *Store) GetSessionByHandleHash(_ context.Context, handleHash string) (*storage.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sid, ok := s.sessionsByHandle[handleHash]
	if !ok {
		return nil, fmt.Errorf("session handle: %w", storage.ErrNotFound)
	}
	session := s.sessions[sid]
	if session == nil || time.Now().After(session.ExpiresAt) {
		return nil, fmt.Errorf("session handle: %w", storage.ErrNotFound)
	}
	return copySession(session), nil
}

// TouchSession updates last_seen_at.
func (s *Store) TouchSession(_ context.Context, sid string, seenAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[sid]
	if !ok {
		return fmt.Errorf("session %q: %w", sid, storage.ErrNotFound)
	}
	if seenAt.After(session.LastSeenAt) {
		session.LastSeenAt = seenAt
	}
	return nil
}

// SlideSessionExpiry moves the expiry forward, never backward.
func (s *Store) SlideSessionExpiry(_ context.Context, sid string, newExpiry time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[sid]
	if !ok {
		return false, fmt.Errorf("session %q: %w", sid, storage.ErrNotFound)
	}
	if !newExpiry.After(session.ExpiresAt) {
		return false, nil
	}
	session.ExpiresAt = newExpiry
	session.UpdatedAt = time.Now()
	return true, nil
}

// DeleteSession removes a session. Deleting an absent session is a no-op.
func (s *Store) DeleteSession(_ context.Context, sid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleteSessionLocked(sid)
	return nil
}

// GetSIDsByUpstream returns all local sids sharing an upstream session.
func (s *Store) GetSIDsByUpstream(_ context.Context, issuer, upstreamSessionSID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	set := s.sessionsByUpSID[issuer+"\x00"+upstreamSessionSID]
	sids := make([]string, 0, len(set))
	for sid := range set {
		sids = append(sids, sid)
	}
	return sids, nil
}

// DeleteSessionsByUpstream bulk-deletes all local sessions for an upstream
// session sid. Returns the number deleted.
func (s *Store) DeleteSessionsByUpstream(_ context.Context, issuer, upstreamSessionSID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := s.sessionsByUpSID[issuer+"\x00"+upstreamSessionSID]
	count := 0
	for sid := range set {
		s.deleteSessionLocked(sid)
		count++
	}
	return count, nil
}

func (s *Store) deleteSessionLocked(sid string) {
	session, ok := s.sessions[sid]
	if !ok {
		return
	}
	delete(s.sessions, sid)
	delete(s.sessionsByHandle, session.HandleHash)
	delete(s.sessionsByIssuer, session.UpstreamIssuer+"\x00"+session.UpstreamSub)
	s.removeUpstreamSIDIndex(session)
	s.sessionsCountAtomic.Store(int64(len(s.sessions)))
}

func (s *Store) addUpstreamSIDIndex(session *storage.Session) {
	if session.UpstreamSessionSID == "" {
		return
	}
	key := session.UpstreamIssuer + "\x00" + session.UpstreamSessionSID
	set, ok := s.sessionsByUpSID[key]
	if !ok {
		set = make(map[string]struct{})
		s.sessionsByUpSID[key] = set
	}
	set[session.SID] = struct{}{}
}

func (s *Store) removeUpstreamSIDIndex(session *storage.Session) {
	if session.UpstreamSessionSID == "" {
		return
	}
	key := session.UpstreamIssuer + "\x00" + session.UpstreamSessionSID
	if set, ok := s.sessionsByUpSID[key]; ok {
		delete(set, session.SID)
		if len(set) == 0 {
			delete(s.sessionsByUpSID, key)
		}
	}
}

// ============================================================
// RefreshTokenStore
// ============================================================

// GetOrCreateFamily returns the live family for (client, subject, session),
// creating it if absent. At most one non-revoked family per key.
func (s *Store) GetOrCreateFamily(_ context.Context, clientID, subjectID, opSID string) (*storage.RefreshTokenFamily, error) {
	key := clientID + "\x00" + subjectID + "\x00" + opSID

	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.familiesByOwner[key]; ok {
		family := s.families[id]
		if family != nil && !family.Revoked() {
			return copyFamily(family), nil
		}
	}

	family := &storage.RefreshTokenFamily{
		FamilyID:  uuid.NewString(),
		ClientID:  clientID,
		SubjectID: subjectID,
		OpSID:     opSID,
		CreatedAt: time.Now(),
	}
	s.families[family.FamilyID] = family
	s.familiesByOwner[key] = family.FamilyID
	s.familiesCountAtomic.Store(int64(len(s.families)))
	return copyFamily(family), nil
}

// GetFamily retrieves a family by id.
func (s *Store) GetFamily(_ context.Context, familyID string) (*storage.RefreshTokenFamily, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	family, ok := s.families[familyID]
	if !ok {
		return nil, fmt.Errorf("refresh token family %q: %w", familyID, storage.ErrNotFound)
	}
	return copyFamily(family), nil
}

// InsertRefreshToken persists a new active token row.
func (s *Store) InsertRefreshToken(_ context.Context, create *storage.RefreshTokenCreate) (*storage.RefreshToken, error) {
	if create.LookupKey == "" || len(create.Hash) == 0 {
		return nil, fmt.Errorf("refresh token: lookup key and hash are required")
	}

	row := &storage.RefreshToken{
		TokenID:           uuid.NewString(),
		FamilyID:          create.FamilyID,
		Status:            storage.RefreshTokenActive,
		LookupKey:         create.LookupKey,
		Hash:              append([]byte(nil), create.Hash...),
		Salt:              append([]byte(nil), create.Salt...),
		Iterations:        create.Iterations,
		ClientID:          create.ClientID,
		SessionID:         create.SessionID,
		Binding:           create.Binding,
		Scopes:            append([]string(nil), create.Scopes...),
		CreatedAt:         time.Now(),
		ExpiresAt:         create.ExpiresAt,
		AbsoluteExpiresAt: create.AbsoluteExpiresAt,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.families[row.FamilyID]; !ok {
		return nil, fmt.Errorf("refresh token family %q: %w", row.FamilyID, storage.ErrNotFound)
	}
	s.refreshTokens[row.TokenID] = row
	s.refreshByLookup[row.LookupKey] = row.TokenID
	s.refreshTokensCountAtomic.Store(int64(len(s.refreshTokens)))
	return copyRefreshToken(row), nil
}

// GetRefreshTokenByLookupKey retrieves a token row by its HMAC lookup key.
// Terminal rows are returned too; status inspection drives reuse detection.
func (s *Store) GetRefreshTokenByLookupKey(_ context.Context, lookupKey string) (*storage.RefreshToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.refreshByLookup[lookupKey]
	if !ok {
		return nil, fmt.Errorf("refresh token: %w", storage.ErrNotFound)
	}
	return copyRefreshToken(s.refreshTokens[id]), nil
}

// MarkRefreshTokenUsed transitions active to used and sets the rotation
// pointer. Conditional on status=active.
func (s *Store) MarkRefreshTokenUsed(_ context.Context, tokenID, rotatedToTokenID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.refreshTokens[tokenID]
	if !ok || row.Status != storage.RefreshTokenActive {
		return false, nil
	}
	row.Status = storage.RefreshTokenUsed
	row.RotatedTo = rotatedToTokenID
	return true, nil
}

// RevokeFamily marks the family and every non-terminal token in it revoked.
func (s *Store) RevokeFamily(_ context.Context, familyID, reason string) error {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()
	family, ok := s.families[familyID]
	if !ok {
		return fmt.Errorf("refresh token family %q: %w", familyID, storage.ErrNotFound)
	}
	if !family.Revoked() {
		family.RevokedAt = &now
		family.RevokedReason = reason
	}
	for _, row := range s.refreshTokens {
		if row.FamilyID != familyID {
			continue
		}
		switch row.Status {
		case storage.RefreshTokenRevoked:
		default:
			row.Status = storage.RefreshTokenRevoked
			row.RevokedAt = &now
			row.RevokedReason = reason
		}
	}
	return nil
}

// ============================================================
// ClientStore
// ============================================================

// SaveClient creates or replaces a client registration.
func (s *Store) SaveClient(_ context.Context, client *storage.Client) error {
	if client.ClientID == "" {
		return fmt.Errorf("client: client_id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	saved := *client
	s.clients[client.ClientID] = &saved
	s.clientsCountAtomic.Store(int64(len(s.clients)))
	return nil
}

// GetClient retrieves a client by id.
func (s *Store) GetClient(_ context.Context, clientID string) (*storage.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	client, ok := s.clients[clientID]
	if !ok {
		return nil, fmt.Errorf("client %q: %w", clientID, storage.ErrNotFound)
	}
	copied := *client
	return &copied, nil
}

// ValidateClientSecret verifies a secret against the stored bcrypt hash.
func (s *Store) ValidateClientSecret(_ context.Context, clientID, clientSecret string) error {
	s.mu.RLock()
	client, ok := s.clients[clientID]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("client %q: %w", clientID, storage.ErrNotFound)
	}
	if client.SecretHash == "" {
		return fmt.Errorf("client %q has no secret", clientID)
	}
	return bcrypt.CompareHashAndPassword([]byte(client.SecretHash), []byte(clientSecret))
}

// ListClients lists all registered clients.
func (s *Store) ListClients(_ context.Context) ([]*storage.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*storage.Client, 0, len(s.clients))
	for _, client := range s.clients {
		copied := *client
		out = append(out, &copied)
	}
	return out, nil
}

// ============================================================
// UnregisteredClientRequestStore
// ============================================================

// InsertUnregisteredClientRequest creates a pending clientless request.
func (s *Store) InsertUnregisteredClientRequest(_ context.Context, create *storage.UnregisteredClientRequestCreate) (*storage.UnregisteredClientRequest, error) {
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
		Scopes:                      append([]string(nil), create.Scopes...),
		ACRValues:                   append([]string(nil), create.ACRValues...),
		UILocales:                   append([]string(nil), create.UILocales...),
		Diagnostics:                 create.Diagnostics,
		CreatedAt:                   now,
		ExpiresAt:                   now.Add(create.TTL),
	}

	s.mu.Lock()
	s.unregistered[req.UnregisteredClientRequestID] = req
	s.mu.Unlock()

	copied := *req
	return &copied, nil
}

// GetUnregisteredClientRequest retrieves a request by id.
func (s *Store) GetUnregisteredClientRequest(_ context.Context, id string) (*storage.UnregisteredClientRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	req, ok := s.unregistered[id]
	if !ok {
		return nil, fmt.Errorf("unregistered client request %q: %w", id, storage.ErrNotFound)
	}
	copied := *req
	return &copied, nil
}

// CompleteUnregisteredClientRequest transitions pending to completed.
func (s *Store) CompleteUnregisteredClientRequest(_ context.Context, id string, completedAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.unregistered[id]
	if !ok || req.Status != storage.TransactionPending {
		return false, nil
	}
	req.Status = storage.TransactionCompleted
	req.CompletedAt = &completedAt
	return true, nil
}

// ============================================================
// Sweeper
// ============================================================

// SweepExpired deletes expired rows, at most limit per row kind. Terminal
// transactions past expiry and revoked or expired refresh tokens are
// removed; live families with no remaining tokens go with them.
func (s *Store) SweepExpired(_ context.Context, now time.Time, limit int) (int, error) {
	if limit <= 0 {
		limit = 100
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	total := 0

	n := 0
	for id, tx := range s.loginTx {
		if n >= limit {
			break
		}
		if now.After(tx.ExpiresAt) {
			delete(s.loginTx, id)
			n++
		}
	}
	total += n
	s.loginTxCountAtomic.Store(int64(len(s.loginTx)))

	n = 0
	for id, utx := range s.upstreamTx {
		if n >= limit {
			break
		}
		if now.After(utx.ExpiresAt) {
			delete(s.upstreamTx, id)
			delete(s.upstreamByState, utx.State)
			n++
		}
	}
	total += n

	n = 0
	for code, row := range s.authCodes {
		if n >= limit {
			break
		}
		if now.After(row.ExpiresAt) {
			delete(s.authCodes, code)
			n++
		}
	}
	total += n

	n = 0
	for sid, session := range s.sessions {
		if n >= limit {
			break
		}
		if now.After(session.ExpiresAt) {
			s.deleteSessionLocked(sid)
			n++
		}
	}
	total += n

	n = 0
	liveFamilies := make(map[string]int)
	for id, row := range s.refreshTokens {
		expired := now.After(row.ExpiresAt) || now.After(row.AbsoluteExpiresAt)
		if n < limit && expired {
			delete(s.refreshTokens, id)
			delete(s.refreshByLookup, row.LookupKey)
			n++
			continue
		}
		liveFamilies[row.FamilyID]++
	}
	total += n
	s.refreshTokensCountAtomic.Store(int64(len(s.refreshTokens)))

	n = 0
	for id, family := range s.families {
		if n >= limit {
			break
		}
		if liveFamilies[id] == 0 && now.Sub(family.CreatedAt) > 24*time.Hour {
			delete(s.families, id)
			delete(s.familiesByOwner, family.ClientID+"\x00"+family.SubjectID+"\x00"+family.OpSID)
			n++
		}
	}
	total += n
	s.familiesCountAtomic.Store(int64(len(s.families)))

	n = 0
	for id, req := range s.unregistered {
		if n >= limit {
			break
		}
		if now.After(req.ExpiresAt) {
			delete(s.unregistered, id)
			n++
		}
	}
	total += n

	return total, nil
}

// ============================================================
// Copy helpers
// ============================================================

func copyLoginTx(tx *storage.LoginTransaction) *storage.LoginTransaction {
	copied := *tx
	copied.Scopes = append([]string(nil), tx.Scopes...)
	copied.ACRValues = append([]string(nil), tx.ACRValues...)
	copied.Prompts = append([]string(nil), tx.Prompts...)
	copied.UILocales = append([]string(nil), tx.UILocales...)
	return &copied
}

func copyUpstreamTx(utx *storage.UpstreamLoginTransaction) *storage.UpstreamLoginTransaction {
	copied := *utx
	copied.Scopes = append([]string(nil), utx.Scopes...)
	copied.ACRValues = append([]string(nil), utx.ACRValues...)
	copied.Prompts = append([]string(nil), utx.Prompts...)
	copied.UILocales = append([]string(nil), utx.UILocales...)
	if utx.TokenResult != nil {
		result := *utx.TokenResult
		copied.TokenResult = &result
	}
	return &copied
}

func copyAuthCode(row *storage.AuthCode) *storage.AuthCode {
	copied := *row
	copied.Scopes = append([]string(nil), row.Scopes...)
	copied.AMR = append([]string(nil), row.AMR...)
	copied.ProviderClaims = copyClaims(row.ProviderClaims)
	return &copied
}

func copySession(session *storage.Session) *storage.Session {
	copied := *session
	copied.AMR = append([]string(nil), session.AMR...)
	copied.Scopes = append([]string(nil), session.Scopes...)
	copied.ProviderClaims = copyClaims(session.ProviderClaims)
	return &copied
}

func copyFamily(family *storage.RefreshTokenFamily) *storage.RefreshTokenFamily {
	copied := *family
	return &copied
}

func copyRefreshToken(row *storage.RefreshToken) *storage.RefreshToken {
	copied := *row
	copied.Hash = append([]byte(nil), row.Hash...)
	copied.Salt = append([]byte(nil), row.Salt...)
	copied.Scopes = append([]string(nil), row.Scopes...)
	return &copied
}

func copyClaims(claims map[string][]string) map[string][]string {
	if claims == nil {
		return nil
	}
	out := make(map[string][]string, len(claims))
	for k, v := range claims {
		out[k] = append([]string(nil), v...)
	}
	return out
}
