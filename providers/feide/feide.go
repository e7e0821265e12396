// Package feide implements the upstream provider interface for Feide, the
// Norwegian federated identity service for the education sector.
package feide

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/fjellauth/oidcbroker/providers"
)

// ProviderName is the routing name for Feide.
const ProviderName = "feide"

var defaultScopes = []string{"openid", "profile", "userid"}

// claimAllowlist names the Feide claims persisted as provider claims.
var claimAllowlist = []string{
	"https://n.feide.no/claims/userid_sec",
	"https://n.feide.no/claims/eduPersonPrincipalName",
	"locale",
}

// Config holds Feide provider configuration.
type Config struct {
	// IssuerURL is the Feide issuer, e.g. https://auth.dataporten.no.
	IssuerURL string

	ClientID     string
	ClientSecret string
	RedirectURL  string
	Scopes       []string

	HTTPClient     *http.Client
	RequestTimeout time.Duration
}

// New creates the Feide provider, performing discovery at construction.
func New(ctx context.Context, cfg *Config) (*providers.Federated, error) {
	if cfg.IssuerURL == "" {
		return nil, fmt.Errorf("feide: issuer URL is required")
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
