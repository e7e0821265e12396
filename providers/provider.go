package providers

import (
	"context"
	"time"
)

// Endpoints are the discovered upstream endpoints. They are persisted on the
// upstream login transaction so the callback leg never depends on a live
// discovery fetch.
type Endpoints struct {
	Issuer                string
	AuthorizationEndpoint string
	TokenEndpoint         string
	JWKSURI               string
}

// AuthRequest carries the parameters for composing an upstream authorization
// URL. State, nonce, and the code challenge are generated by the caller and
// persisted before the redirect is returned.
type AuthRequest struct {
	State         string
	Nonce         string
	CodeChallenge string
	Scopes        []string
	ACRValues     []string
	Prompts       []string
	UILocales     []string
	MaxAge        *int64
}

// Identity is the verified upstream identity produced by the code exchange.
// Claims holds provider-specific extension claims (claim type to values);
// standard claims have named fields so no dynamic claim bag leaks upward.
type Identity struct {
	Issuer     string
	Subject    string
	ACR        string
	AMR        []string
	AuthTime   time.Time
	IDTokenJTI string

	// SessionSID is the upstream session identifier (the sid claim), used
	// to correlate upstream front-channel logout with local sessions.
	SessionSID string

	Name   string
	Locale string
	Claims map[string][]string
}

// Provider is an upstream identity provider the broker can route a login to.
type Provider interface {
	// Name returns the provider name (e.g. "idporten", "feide", "testidp")
	Name() string

	// Endpoints returns the discovered upstream endpoints.
	Endpoints(ctx context.Context) (Endpoints, error)

	// AuthorizationURL composes the absolute upstream authorize URL for the
	// given request. The code challenge method is always S256.
	AuthorizationURL(ctx context.Context, req AuthRequest) (string, error)

	// Exchange redeems the upstream authorization code and verifies the
	// returned ID token: signature against upstream JWKS, issuer, expiry,
	// and the nonce against expectedNonce. A mismatch is a hard failure;
	// no identity is returned.
	Exchange(ctx context.Context, code, codeVerifier, expectedNonce string) (*Identity, error)

	// DefaultScopes returns the scopes requested upstream when the broker
	// has no more specific mapping.
	DefaultScopes() []string

	// HealthCheck verifies that the provider is reachable. Useful for
	// readiness probes and startup validation.
	HealthCheck(ctx context.Context) error
}
