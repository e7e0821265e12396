package providers

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	gooidc "github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	"github.com/fjellauth/oidcbroker/providers/oidc"
)

// DefaultRequestTimeout is the timeout for upstream API calls when the
// config does not specify one.
const DefaultRequestTimeout = 30 * time.Second

// FederatedConfig configures a generic federated OIDC provider.
type FederatedConfig struct {
	// Name is the provider name used in routing and persisted rows.
	Name string

	// IssuerURL is the upstream issuer (e.g. https://idporten.no).
	IssuerURL string

	// ClientID and ClientSecret are the broker's credentials at the upstream.
	ClientID     string
	ClientSecret string

	// RedirectURL is the broker's upstream callback endpoint.
	RedirectURL string

	// Scopes are the default scopes requested upstream.
	Scopes []string

	// ClaimAllowlist names the provider-specific claims copied into
	// Identity.Claims. Unlisted claims are dropped, so provider payloads
	// cannot smuggle arbitrary data into persisted rows.
	ClaimAllowlist []string

	// HTTPClient is an optional custom HTTP client.
	HTTPClient *http.Client

	// RequestTimeout bounds upstream API calls (default 30s).
	RequestTimeout time.Duration

	// DiscoveryTTL bounds how long discovery documents are cached (default 1h).
	DiscoveryTTL time.Duration

	// AllowInsecureIssuer permits plain-HTTP issuers. Only the test IdP
	// sets this; production providers must not.
	AllowInsecureIssuer bool
}

// Federated is a generic upstream OIDC provider. It uses an explicit
// TTL-bounded discovery cache for endpoint resolution and go-oidc for
// ID-token signature verification against the upstream JWKS.
type Federated struct {
	name           string
	issuerURL      string
	oauthConfig    *oauth2.Config
	verifier       *gooidc.IDTokenVerifier
	discovery      *oidc.DiscoveryClient
	httpClient     *http.Client
	defaultScopes  []string
	claimAllowlist []string
	requestTimeout time.Duration
}

// NewFederated creates a federated provider, performing OIDC discovery once
// at construction to resolve the upstream endpoints.
func NewFederated(ctx context.Context, cfg *FederatedConfig) (*Federated, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("provider name is required")
	}
	if cfg.ClientID == "" {
		return nil, fmt.Errorf("client ID is required for provider %s", cfg.Name)
	}
	if cfg.IssuerURL == "" {
		return nil, fmt.Errorf("issuer URL is required for provider %s", cfg.Name)
	}
	if cfg.RedirectURL == "" {
		return nil, fmt.Errorf("redirect URL is required for provider %s", cfg.Name)
	}
	if !cfg.AllowInsecureIssuer {
		if err := oidc.ValidateIssuerURL(cfg.IssuerURL); err != nil {
			return nil, fmt.Errorf("invalid issuer URL for provider %s: %w", cfg.Name, err)
		}
	}

	timeout := cfg.RequestTimeout
	if timeout == 0 {
		timeout = DefaultRequestTimeout
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}

	discovery := oidc.NewDiscoveryClient(httpClient, cfg.DiscoveryTTL, nil)
	if cfg.AllowInsecureIssuer {
		discovery.AllowInsecureIssuers()
	}

	discoverCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	doc, err := discovery.Discover(discoverCtx, cfg.IssuerURL)
	if err != nil {
		return nil, fmt.Errorf("discover provider %s: %w", cfg.Name, err)
	}

	upstream, err := gooidc.NewProvider(gooidc.ClientContext(discoverCtx, httpClient), cfg.IssuerURL)
	if err != nil {
		return nil, fmt.Errorf("initialize verifier for provider %s: %w", cfg.Name, err)
	}

	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = []string{gooidc.ScopeOpenID, "profile"}
	}

	endpoint := oauth2.Endpoint{
		AuthURL:  doc.AuthorizationEndpoint,
		TokenURL: doc.TokenEndpoint,
	}
	if cfg.ClientSecret == "" {
		// Public upstream clients authenticate the exchange with PKCE only.
		endpoint.AuthStyle = oauth2.AuthStyleInParams
	}

	return &Federated{
		name:      cfg.Name,
		issuerURL: cfg.IssuerURL,
		oauthConfig: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       scopes,
			Endpoint:     endpoint,
		},
		verifier:       upstream.Verifier(&gooidc.Config{ClientID: cfg.ClientID}),
		discovery:      discovery,
		httpClient:     httpClient,
		defaultScopes:  scopes,
		claimAllowlist: cfg.ClaimAllowlist,
		requestTimeout: timeout,
	}, nil
}

// Name returns the provider name.
func (p *Federated) Name() string { return p.name }

// DefaultScopes returns the default upstream scopes.
func (p *Federated) DefaultScopes() []string {
	scopes := make([]string, len(p.defaultScopes))
	copy(scopes, p.defaultScopes)
	return scopes
}

// Endpoints returns the discovered upstream endpoints. Served from the
// TTL-bounded discovery cache; a cache miss refetches.
func (p *Federated) Endpoints(ctx context.Context) (Endpoints, error) {
	doc, err := p.discovery.Discover(ctx, p.issuerURL)
	if err != nil {
		return Endpoints{}, fmt.Errorf("discover %s endpoints: %w", p.name, err)
	}
	return Endpoints{
		Issuer:                doc.Issuer,
		AuthorizationEndpoint: doc.AuthorizationEndpoint,
		TokenEndpoint:         doc.TokenEndpoint,
		JWKSURI:               doc.JWKSUri,
	}, nil
}

// AuthorizationURL composes the upstream authorize URL.
func (p *Federated) AuthorizationURL(_ context.Context, req AuthRequest) (string, error) {
	if req.State == "" || req.Nonce == "" || req.CodeChallenge == "" {
		return "", fmt.Errorf("state, nonce, and code_challenge are required")
	}

	opts := []oauth2.AuthCodeOption{
		oauth2.SetAuthURLParam("nonce", req.Nonce),
		oauth2.SetAuthURLParam("code_challenge", req.CodeChallenge),
		oauth2.SetAuthURLParam("code_challenge_method", "S256"),
	}
	if len(req.ACRValues) > 0 {
		opts = append(opts, oauth2.SetAuthURLParam("acr_values", strings.Join(req.ACRValues, " ")))
	}
	if len(req.Prompts) > 0 {
		opts = append(opts, oauth2.SetAuthURLParam("prompt", strings.Join(req.Prompts, " ")))
	}
	if len(req.UILocales) > 0 {
		opts = append(opts, oauth2.SetAuthURLParam("ui_locales", strings.Join(req.UILocales, " ")))
	}
	if req.MaxAge != nil {
		opts = append(opts, oauth2.SetAuthURLParam("max_age", strconv.FormatInt(*req.MaxAge, 10)))
	}

	cfg := *p.oauthConfig
	if len(req.Scopes) > 0 {
		cfg.Scopes = req.Scopes
	}
	return cfg.AuthCodeURL(req.State, opts...), nil
}

// idTokenClaims is the standard claim set read from the upstream ID token.
type idTokenClaims struct {
	Nonce    string   `json:"nonce"`
	ACR      string   `json:"acr"`
	AMR      []string `json:"amr"`
	AuthTime int64    `json:"auth_time"`
	JTI      string   `json:"jti"`
	SID      string   `json:"sid"`
	Name     string   `json:"name"`
	Locale   string   `json:"locale"`
}

// Exchange redeems the upstream code and verifies the returned ID token.
func (p *Federated) Exchange(ctx context.Context, code, codeVerifier, expectedNonce string) (*Identity, error) {
	ctx, cancel := p.ensureContextTimeout(ctx)
	defer cancel()
	ctx = gooidc.ClientContext(ctx, p.httpClient)

	var opts []oauth2.AuthCodeOption
	if codeVerifier != "" {
		opts = append(opts, oauth2.VerifierOption(codeVerifier))
	}
	tok, err := p.oauthConfig.Exchange(ctx, code, opts...)
	if err != nil {
		return nil, fmt.Errorf("exchange code with %s: %w", p.name, err)
	}

	rawIDToken, ok := tok.Extra("id_token").(string)
	if !ok || rawIDToken == "" {
		return nil, fmt.Errorf("id_token missing in %s token response", p.name)
	}

	// Signature, issuer, audience, and expiry are checked by the verifier
	// against the upstream JWKS.
	idToken, err := p.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return nil, fmt.Errorf("verify %s id_token: %w", p.name, err)
	}

	var std idTokenClaims
	if err := idToken.Claims(&std); err != nil {
		return nil, fmt.Errorf("parse %s id_token claims: %w", p.name, err)
	}

	// Nonce binding to the persisted upstream transaction. A mismatch means
	// the response was not minted for our request; no identity comes back.
	if expectedNonce != "" {
		if subtle.ConstantTimeCompare([]byte(std.Nonce), []byte(expectedNonce)) != 1 {
			return nil, fmt.Errorf("%s id_token nonce mismatch", p.name)
		}
	}

	identity := &Identity{
		Issuer:     idToken.Issuer,
		Subject:    idToken.Subject,
		ACR:        std.ACR,
		AMR:        std.AMR,
		IDTokenJTI: std.JTI,
		SessionSID: std.SID,
		Name:       std.Name,
		Locale:     std.Locale,
	}
	if std.AuthTime > 0 {
		identity.AuthTime = time.Unix(std.AuthTime, 0).UTC()
	} else {
		identity.AuthTime = idToken.IssuedAt.UTC()
	}

	if len(p.claimAllowlist) > 0 {
		var raw map[string]json.RawMessage
		if err := idToken.Claims(&raw); err == nil {
			identity.Claims = extractAllowedClaims(raw, p.claimAllowlist)
		}
	}

	return identity, nil
}

// HealthCheck verifies the upstream discovery endpoint is reachable.
func (p *Federated) HealthCheck(ctx context.Context) error {
	ctx, cancel := p.ensureContextTimeout(ctx)
	defer cancel()
	if _, err := p.discovery.Discover(ctx, p.issuerURL); err != nil {
		return fmt.Errorf("provider %s unhealthy: %w", p.name, err)
	}
	return nil
}

func (p *Federated) ensureContextTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, p.requestTimeout)
}

// extractAllowedClaims copies allowlisted claims from the raw claim set,
// normalizing scalar values to single-element lists.
func extractAllowedClaims(raw map[string]json.RawMessage, allowlist []string) map[string][]string {
	claims := make(map[string][]string)
	for _, name := range allowlist {
		val, ok := raw[name]
		if !ok {
			continue
		}
		var list []string
		if err := json.Unmarshal(val, &list); err == nil {
			claims[name] = list
			continue
		}
		var scalar string
		if err := json.Unmarshal(val, &scalar); err == nil && scalar != "" {
			claims[name] = []string{scalar}
			continue
		}
		// Non-string claim values are carried as their JSON text.
		claims[name] = []string{string(val)}
	}
	if len(claims) == 0 {
		return nil
	}
	return claims
}
