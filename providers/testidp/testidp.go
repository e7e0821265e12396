// Package testidp implements the upstream provider interface for the
// internal test identity provider. It accepts plain-HTTP issuers so local
// and CI environments can run without TLS; clients must be explicitly
// flagged for test-IdP use before the router will select it.
package testidp

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/fjellauth/oidcbroker/providers"
)

// ProviderName is the routing name for the test IdP.
const ProviderName = "testidp"

var defaultScopes = []string{"openid", "profile"}

var claimAllowlist = []string{"pid", "locale"}

// Config holds test IdP configuration.
type Config struct {
	IssuerURL    string
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Scopes       []string

	HTTPClient     *http.Client
	RequestTimeout time.Duration
}

// New creates the test IdP provider.
func New(ctx context.Context, cfg *Config) (*providers.Federated, error) {
	if cfg.IssuerURL == "" {
		return nil, fmt.Errorf("testidp: issuer URL is required")
	}

	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = defaultScopes
	}

	return providers.NewFederated(ctx, &providers.FederatedConfig{
		Name:                ProviderName,
		IssuerURL:           cfg.IssuerURL,
		ClientID:            cfg.ClientID,
		ClientSecret:        cfg.ClientSecret,
		RedirectURL:         cfg.RedirectURL,
		Scopes:              scopes,
		ClaimAllowlist:      claimAllowlist,
		HTTPClient:          cfg.HTTPClient,
		RequestTimeout:      cfg.RequestTimeout,
		AllowInsecureIssuer: true,
	})
}
