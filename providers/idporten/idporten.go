// Package idporten implements the upstream provider interface for ID-porten,
// the Norwegian national identity provider. It uses OIDC discovery against
// the configured environment issuer and carries the pid claim (national
// identity number) through the allowlisted provider claims.
package idporten

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/fjellauth/oidcbroker/providers"
)

// ProviderName is the routing name for ID-porten.
const ProviderName = "idporten"

// defaultScopes are the scopes requested from ID-porten when the broker has
// no more specific mapping.
var defaultScopes = []string{"openid", "profile"}

// claimAllowlist names the ID-porten claims persisted as provider claims.
// pid is the national identity number; it is persisted for subject mapping
// and must never appear in logs.
var claimAllowlist = []string{"pid", "locale", "idp"}

// Config holds ID-porten provider configuration.
type Config struct {
	// IssuerURL is the environment issuer, e.g.
	// https://idporten.no or https://test.idporten.no.
	IssuerURL string

	// ClientID and ClientSecret are the broker's ID-porten integration
	// credentials.
	ClientID     string
	ClientSecret string

	// RedirectURL is the broker's upstream callback endpoint.
	RedirectURL string

	// Scopes overrides the default upstream scopes.
	Scopes []string

	// HTTPClient is an optional custom HTTP client.
	HTTPClient *http.Client

	// RequestTimeout bounds upstream API calls.
	RequestTimeout time.Duration
}

// New creates the ID-porten provider, performing discovery at construction.
func New(ctx context.Context, cfg *Config) (*providers.Federated, error) {
	if cfg.IssuerURL == "" {
		return nil, fmt.Errorf("idporten: issuer URL is required")
	}

	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = defaultScopes
	}

	return providers.NewFederated(ctx, &providers.FederatedConfig{
		Name:           ProviderName,
		IssuerURL:      cfg.IssuerURL,
		ClientID:       cfg.ClientID,
		ClientSecret:   cfg.ClientSecret,
		RedirectURL:    cfg.RedirectURL,
		Scopes:         scopes,
		ClaimAllowlist: claimAllowlist,
		HTTPClient:     cfg.HTTPClient,
		RequestTimeout: cfg.RequestTimeout,
	})
}
