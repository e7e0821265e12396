package storage

import (
	"fmt"
	"net/url"
	"time"
)

// TransactionStatus is the lifecycle state of a downstream login transaction.
type TransactionStatus string

const (
	TransactionPending   TransactionStatus = "pending"
	TransactionCompleted TransactionStatus = "completed"
	TransactionExpired   TransactionStatus = "expired"
	TransactionCancelled TransactionStatus = "cancelled"
)

// UpstreamStatus is the lifecycle state of an outbound upstream login request.
//
// Transitions are strictly forward:
//
//	pending → callback_received → token_exchanged → completed
//
// with error reachable from pending or callback_received. Conditional updates
// enforce the transitions at the storage layer; a zero affected-row count
// means the caller lost a race or is replaying and must fail closed.
type UpstreamStatus string

const (
	UpstreamPending          UpstreamStatus = "pending"
	UpstreamCallbackReceived UpstreamStatus = "callback_received"
	UpstreamTokenExchanged   UpstreamStatus = "token_exchanged"
	UpstreamCompleted        UpstreamStatus = "completed"
	UpstreamError            UpstreamStatus = "error"
)

// RefreshTokenStatus is the lifecycle state of a single refresh token.
type RefreshTokenStatus string

const (
	RefreshTokenActive  RefreshTokenStatus = "active"
	RefreshTokenUsed    RefreshTokenStatus = "used"
	RefreshTokenRotated RefreshTokenStatus = "rotated"
	RefreshTokenRevoked RefreshTokenStatus = "revoked"
)

// Diagnostics carries non-PII request metadata persisted alongside
// transactions for troubleshooting. The user agent is stored hashed;
// the correlation id is the request id of the inbound HTTP request.
type Diagnostics struct {
	IPAddress     string
	UserAgentHash string
	CorrelationID string
}

// BindingContext identifies the authenticated subject as mapped from the
// upstream identity. It is persisted on codes, sessions, and refresh tokens
// so that token minting never needs a live lookup of the upstream identity.
type BindingContext struct {
	SubjectID  string
	ExternalID string
	PartyUUID  string
	PartyID    int64
	UserID     int64
	UserName   string
}

// LoginTransaction is the snapshot of a downstream /authorize request,
// persisted between the authorize call and eventual code issuance.
type LoginTransaction struct {
	RequestID           string
	Status              TransactionStatus
	CreatedAt           time.Time
	ExpiresAt           time.Time
	CompletedAt         *time.Time
	ClientID            string
	RedirectURI         string
	Scopes              []string
	State               string
	Nonce               string
	ACRValues           []string
	Prompts             []string
	UILocales           []string
	MaxAge              *int64
	CodeChallenge       string
	CodeChallengeMethod string
	RequestURIRef       string // pushed authorization request reference, if any
	RequestObjectRef    string // JAR request object reference, if any
	Diagnostics         Diagnostics
	UpstreamRequestID   string // set once the transaction is routed upstream
}

// LoginTransactionCreate is the input for LoginTransactionStore.Insert.
// The store generates the request id and timestamps.
type LoginTransactionCreate struct {
	ClientID            string
	RedirectURI         string
	Scopes              []string
	State               string
	Nonce               string
	ACRValues           []string
	Prompts             []string
	UILocales           []string
	MaxAge              *int64
	CodeChallenge       string
	CodeChallengeMethod string
	RequestURIRef       string
	RequestObjectRef    string
	Diagnostics         Diagnostics
	TTL                 time.Duration
}

// Validate enforces the caller contract for Insert: a transaction is only
// created for an already-validated request, so a missing required field here
// is a programming error, not a protocol error.
func (c *LoginTransactionCreate) Validate() error {
	switch {
	case c.ClientID == "":
		return fmt.Errorf("login transaction: client_id is required")
	case c.RedirectURI == "":
		return fmt.Errorf("login transaction: redirect_uri is required")
	case len(c.Scopes) == 0:
		return fmt.Errorf("login transaction: at least one scope is required")
	case c.State == "":
		return fmt.Errorf("login transaction: state is required")
	case c.Nonce == "":
		return fmt.Errorf("login transaction: nonce is required")
	case c.CodeChallenge == "":
		return fmt.Errorf("login transaction: code_challenge is required")
	case c.CodeChallengeMethod == "":
		return fmt.Errorf("login transaction: code_challenge_method is required")
	}
	if _, err := url.ParseRequestURI(c.RedirectURI); err != nil {
		return fmt.Errorf("login transaction: redirect_uri must be absolute: %w", err)
	}
	return nil
}

// UpstreamTokenResult captures the outcome of the token exchange with the
// upstream identity provider.
type UpstreamTokenResult struct {
	Issuer             string
	Subject            string
	ACR                string
	AuthTime           time.Time
	IDTokenJTI         string
	UpstreamSessionSID string
}

// UpstreamLoginTransaction is the persisted outbound request to the chosen
// upstream identity provider, including the PKCE material and state/nonce
// we generated for that leg, and the recorded callback outcome.
type UpstreamLoginTransaction struct {
	UpstreamRequestID string
	Status            UpstreamStatus

	// Exactly one of these is set: the transaction is bound either to a
	// registered downstream client flow or to a clientless app flow.
	RequestID                   string
	UnregisteredClientRequestID string

	Provider              string
	UpstreamClientID      string
	AuthorizationEndpoint string
	TokenEndpoint         string
	JWKSURI               string
	RedirectURI           string // our callback endpoint

	State     string
	Nonce     string
	Scopes    []string
	ACRValues []string
	Prompts   []string
	UILocales []string
	MaxAge    *int64

	// CodeVerifier never leaves the store except through this struct; it is
	// read back exactly once, during the token exchange.
	CodeVerifier  string
	CodeChallenge string

	AuthCode         string
	CallbackAt       *time.Time
	ErrorCode        string
	ErrorDescription string

	TokenResult *UpstreamTokenResult

	CreatedAt   time.Time
	ExpiresAt   time.Time
	CompletedAt *time.Time
	Succeeded   *bool
	Diagnostics Diagnostics
}

// UpstreamLoginTransactionCreate is the input for
// UpstreamLoginTransactionStore.Insert.
type UpstreamLoginTransactionCreate struct {
	RequestID                   string
	UnregisteredClientRequestID string
	Provider                    string
	UpstreamClientID            string
	AuthorizationEndpoint       string
	TokenEndpoint               string
	JWKSURI                     string
	RedirectURI                 string
	State                       string
	Nonce                       string
	Scopes                      []string
	ACRValues                   []string
	Prompts                     []string
	UILocales                   []string
	MaxAge                      *int64
	CodeVerifier                string
	CodeChallenge               string
	Diagnostics                 Diagnostics
	TTL                         time.Duration
}

// Validate enforces the XOR binding constraint and the PKCE material shape.
func (c *UpstreamLoginTransactionCreate) Validate() error {
	if (c.RequestID == "") == (c.UnregisteredClientRequestID == "") {
		return fmt.Errorf("upstream transaction: exactly one of request_id and unregistered_client_request_id must be set")
	}
	if c.Provider == "" {
		return fmt.Errorf("upstream transaction: provider is required")
	}
	if c.State == "" || c.Nonce == "" {
		return fmt.Errorf("upstream transaction: state and nonce are required")
	}
	if n := len(c.CodeVerifier); n < 43 || n > 128 {
		return fmt.Errorf("upstream transaction: code_verifier length %d outside 43-128", n)
	}
	if c.CodeChallenge == "" {
		return fmt.Errorf("upstream transaction: code_challenge is required")
	}
	return nil
}

// UnregisteredClientRequest is a clientless app login request: no OAuth
// client is involved and no code is issued. The flow establishes a session
// and forwards the user agent to a validated go-to URL.
type UnregisteredClientRequest struct {
	UnregisteredClientRequestID string
	Status                      TransactionStatus
	AppName                     string
	GoToURL                     string
	Provider                    string
	Scopes                      []string
	ACRValues                   []string
	UILocales                   []string
	Diagnostics                 Diagnostics
	CreatedAt                   time.Time
	ExpiresAt                   time.Time
	CompletedAt                 *time.Time
}

// UnregisteredClientRequestCreate is the input for
// UnregisteredClientRequestStore.Insert. The caller validates GoToURL
// against its allowlist before persisting.
type UnregisteredClientRequestCreate struct {
	AppName     string
	GoToURL     string
	Provider    string
	Scopes      []string
	ACRValues   []string
	UILocales   []string
	Diagnostics Diagnostics
	TTL         time.Duration
}

// Validate checks the required fields before any store I/O.
func (c *UnregisteredClientRequestCreate) Validate() error {
	if c.AppName == "" {
		return fmt.Errorf("unregistered client request: app_name is required")
	}
	if c.GoToURL == "" {
		return fmt.Errorf("unregistered client request: go_to_url is required")
	}
	if c.TTL <= 0 {
		return fmt.Errorf("unregistered client request: ttl must be positive")
	}
	return nil
}

// AuthCode is a single-use authorization code row binding an authenticated
// subject and session to a downstream client.
type AuthCode struct {
	Code                string
	ClientID            string
	RedirectURI         string
	CodeChallenge       string
	CodeChallengeMethod string
	Used                bool
	UsedAt              *time.Time
	CreatedAt           time.Time
	ExpiresAt           time.Time
	Binding             BindingContext
	SessionID           string
	Scopes              []string
	Nonce               string
	ACR                 string
	AMR                 []string
	AuthTime            time.Time
	ProviderClaims      map[string][]string
}

// AuthCodeCreate is the input for AuthCodeStore.Insert. The caller generates
// the code value (at least 128 bits of entropy, base64url); the store only
// persists the row.
type AuthCodeCreate struct {
	Code                string
	ClientID            string
	RedirectURI         string
	CodeChallenge       string
	CodeChallengeMethod string
	Binding             BindingContext
	SessionID           string
	Scopes              []string
	Nonce               string
	ACR                 string
	AMR                 []string
	AuthTime            time.Time
	ProviderClaims      map[string][]string
	TTL                 time.Duration
}

// Session is a server-side OIDC session row. The raw session handle is held
// only by the client; HandleHash is its SHA-256 and is the lookup key.
type Session struct {
	SID                string
	HandleHash         string
	UpstreamIssuer     string
	UpstreamSub        string
	UpstreamSessionSID string
	Binding            BindingContext
	Provider           string
	ACR                string
	AMR                []string
	AuthTime           time.Time
	Scopes             []string
	CreatedAt          time.Time
	UpdatedAt          time.Time
	LastSeenAt         time.Time
	ExpiresAt          time.Time
	ProviderClaims     map[string][]string
}

// SessionCreate is the input for SessionStore.UpsertByUpstreamSub.
type SessionCreate struct {
	HandleHash         string
	UpstreamIssuer     string
	UpstreamSub        string
	UpstreamSessionSID string
	Binding            BindingContext
	Provider           string
	ACR                string
	AMR                []string
	AuthTime           time.Time
	Scopes             []string
	ProviderClaims     map[string][]string
	TTL                time.Duration
}

// RefreshTokenFamily groups the refresh tokens descended from one original
// grant. At most one non-revoked family exists per (client, subject, session).
type RefreshTokenFamily struct {
	FamilyID      string
	ClientID      string
	SubjectID     string
	OpSID         string
	CreatedAt     time.Time
	RevokedAt     *time.Time
	RevokedReason string
}

// Revoked reports whether the family has been revoked.
func (f *RefreshTokenFamily) Revoked() bool { return f.RevokedAt != nil }

// RefreshToken is a single rotation-chain member. The raw token is never
// stored: LookupKey is a deterministic HMAC for indexed retrieval and
// Hash/Salt/Iterations is the PBKDF2 verifier. Iterations is per-row so the
// cost parameter can be raised without invalidating old rows.
type RefreshToken struct {
	TokenID           string
	FamilyID          string
	Status            RefreshTokenStatus
	LookupKey         string
	Hash              []byte
	Salt              []byte
	Iterations        int
	ClientID          string
	SessionID         string
	Binding           BindingContext
	Scopes            []string
	CreatedAt         time.Time
	ExpiresAt         time.Time
	AbsoluteExpiresAt time.Time
	RotatedTo         string
	RevokedAt         *time.Time
	RevokedReason     string
}

// RefreshTokenCreate is the input for RefreshTokenStore.Insert.
type RefreshTokenCreate struct {
	FamilyID          string
	LookupKey         string
	Hash              []byte
	Salt              []byte
	Iterations        int
	ClientID          string
	SessionID         string
	Binding           BindingContext
	Scopes            []string
	ExpiresAt         time.Time
	AbsoluteExpiresAt time.Time
}

// SubjectType controls how the subject identifier is rendered to a client.
type SubjectType string

const (
	SubjectTypePublic   SubjectType = "public"
	SubjectTypePairwise SubjectType = "pairwise"
)

// Client is a registered relying party. Read-mostly; the server wraps the
// store in a short-TTL cache.
type Client struct {
	ClientID                string
	Name                    string
	Enabled                 bool
	ClientType              string // "public" or "confidential"
	TokenEndpointAuthMethod string
	RedirectURIs            []string
	AllowedScopes           []string
	RequirePKCE             bool
	AllowedPKCEMethods      []string
	RequireNonce            bool
	RequireConsent          bool
	RequireActorSelection   bool
	SubjectType             SubjectType
	PairwiseSalt            string
	SectorIdentifierURI     string
	SecretHash              string // bcrypt hash
	SecretExpiresAt         *time.Time
	JWKSURI                 string
	JWKSJSON                string
	PostLogoutRedirectURIs  []string
	FrontchannelLogoutURI   string
	AllowTestIDP            bool
	CreatedAt               time.Time
}

// SecretExpired reports whether the client secret has passed its expiry.
func (c *Client) SecretExpired(now time.Time) bool {
	return c.SecretExpiresAt != nil && now.After(*c.SecretExpiresAt)
}
