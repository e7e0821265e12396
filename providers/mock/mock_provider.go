// Package mock provides a controllable in-memory Provider implementation
// for tests. It performs no network I/O and lets tests script the identity
// returned by Exchange or force errors.
package mock

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/fjellauth/oidcbroker/providers"
)

// Provider is a scriptable upstream provider for tests.
type Provider struct {
	mu sync.Mutex

	// ProviderName defaults to "mock".
	ProviderName string

	// Identity is returned by Exchange on success. If nil, a default
	// deterministic identity is returned.
	Identity *providers.Identity

	// ExchangeErr, when set, is returned by Exchange.
	ExchangeErr error

	// ExpectNonce, when set, makes Exchange fail unless the expected nonce
	// passed by the caller equals this value.
	ExpectNonce string

	// Calls records the codes passed to Exchange.
	Calls []string
}

// New creates a mock provider.
func New() *Provider {
	return &Provider{ProviderName: "mock"}
}

// Name returns the provider name.
func (p *Provider) Name() string {
	if p.ProviderName == "" {
		return "mock"
	}
	return p.ProviderName
}

// DefaultScopes returns the default mock scopes.
func (p *Provider) DefaultScopes() []string { return []string{"openid", "profile"} }

// Endpoints returns static endpoints.
func (p *Provider) Endpoints(context.Context) (providers.Endpoints, error) {
	return providers.Endpoints{
		Issuer:                "https://mock.idp.example",
		AuthorizationEndpoint: "https://mock.idp.example/authorize",
		TokenEndpoint:         "https://mock.idp.example/token",
		JWKSURI:               "https://mock.idp.example/jwks",
	}, nil
}

// AuthorizationURL composes a deterministic authorize URL.
func (p *Provider) AuthorizationURL(_ context.Context, req providers.AuthRequest) (string, error) {
	if req.State == "" || req.Nonce == "" || req.CodeChallenge == "" {
		return "", fmt.Errorf("state, nonce, and code_challenge are required")
	}
	q := url.Values{}
	q.Set("response_type", "code")
	q.Set("state", req.State)
	q.Set("nonce", req.Nonce)
	q.Set("code_challenge", req.CodeChallenge)
	q.Set("code_challenge_method", "S256")
	if len(req.Scopes) > 0 {
		q.Set("scope", strings.Join(req.Scopes, " "))
	}
	return "https://mock.idp.example/authorize?" + q.Encode(), nil
}

// Exchange returns the scripted identity or error.
func (p *Provider) Exchange(_ context.Context, code, _ string, expectedNonce string) (*providers.Identity, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.Calls = append(p.Calls, code)

	if p.ExchangeErr != nil {
		return nil, p.ExchangeErr
	}
	if p.ExpectNonce != "" && expectedNonce != p.ExpectNonce {
		return nil, fmt.Errorf("mock id_token nonce mismatch")
	}
	if p.Identity != nil {
		ident := *p.Identity
		return &ident, nil
	}
	return &providers.Identity{
		Issuer:     "https://mock.idp.example",
		Subject:    "mock-subject",
		ACR:        "idporten-loa-substantial",
		AMR:        []string{"pwd"},
		AuthTime:   time.Now().UTC().Truncate(time.Second),
		IDTokenJTI: "mock-jti",
		SessionSID: "mock-upstream-sid",
		Claims:     map[string][]string{"pid": {"01019012345"}},
	}, nil
}

// HealthCheck always succeeds.
func (p *Provider) HealthCheck(context.Context) error { return nil }
