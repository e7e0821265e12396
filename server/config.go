package server

import (
	"log/slog"
	"time"
)

// Config holds authorization server configuration.
type Config struct {
	// Issuer is the broker's issuer identifier (base URL).
	Issuer string

	// LoginTransactionTTL bounds how long a downstream /authorize request
	// may wait for the upstream round trip.
	LoginTransactionTTL time.Duration // default: 10 minutes

	// AuthorizationCodeTTL is how long issued codes are redeemable.
	AuthorizationCodeTTL time.Duration // default: 60 seconds

	// AccessTokenTTL is the lifetime of minted access tokens.
	AccessTokenTTL time.Duration // default: 10 minutes

	// IDTokenTTL is the lifetime of minted ID tokens.
	IDTokenTTL time.Duration // default: 10 minutes

	// SessionTTL is the sliding lifetime of OIDC sessions.
	SessionTTL time.Duration // default: 12 hours

	// RefreshTokenTTL is the sliding lifetime of a single refresh token.
	RefreshTokenTTL time.Duration // default: 30 minutes

	// RefreshAbsoluteTTL caps the whole rotation chain regardless of
	// sliding expiry.
	RefreshAbsoluteTTL time.Duration // default: 12 hours

	// DefaultProvider is the upstream chosen when no routing rule matches.
	DefaultProvider string // default: "idporten"

	// ProviderACRRouting maps acr_values entries to provider names, e.g.
	// "feide" -> "feide". Evaluated before the default.
	ProviderACRRouting map[string]string

	// SupportedScopes lists the scopes the broker accepts from any client.
	// Empty allows all (client-level restrictions still apply).
	SupportedScopes []string

	// SessionCookieName carries the raw session handle. The store only
	// ever sees its hash.
	SessionCookieName string // default: "ob_session"

	// FlowCookieName is the short-lived correlation cookie set during the
	// upstream round trip. Carries the opaque request id, no PII.
	FlowCookieName string // default: "ob_flow"

	// CookieDomain optionally pins broker cookies to a domain.
	CookieDomain string

	// GoToAllowedHosts are the hosts a clientless app login may forward to
	// after the session is established. Empty disables the app flow.
	GoToAllowedHosts []string

	// SweepInterval is how often the expired-row sweeper runs.
	SweepInterval time.Duration // default: 1 minute

	// SweepBatchSize bounds deletions per sweep so the sweeper never holds
	// a long transaction against foreground traffic.
	SweepBatchSize int // default: 500

	// ClockSkewGracePeriod is applied to expiry checks to tolerate minor
	// time drift between parties.
	ClockSkewGracePeriod time.Duration // default: 5 seconds
}

// applySecureDefaults fills zero fields with secure defaults and warns about
// overrides that weaken the protocol posture.
func applySecureDefaults(config *Config, logger *slog.Logger) *Config {
	if config.LoginTransactionTTL == 0 {
		config.LoginTransactionTTL = 10 * time.Minute
	}
	if config.AuthorizationCodeTTL == 0 {
		config.AuthorizationCodeTTL = 60 * time.Second
	}
	if config.AccessTokenTTL == 0 {
		config.AccessTokenTTL = 10 * time.Minute
	}
	if config.IDTokenTTL == 0 {
		config.IDTokenTTL = 10 * time.Minute
	}
	if config.SessionTTL == 0 {
		config.SessionTTL = 12 * time.Hour
	}
	if config.RefreshTokenTTL == 0 {
		config.RefreshTokenTTL = 30 * time.Minute
	}
	if config.RefreshAbsoluteTTL == 0 {
		config.RefreshAbsoluteTTL = 12 * time.Hour
	}
	if config.DefaultProvider == "" {
		config.DefaultProvider = "idporten"
	}
	if config.SessionCookieName == "" {
		config.SessionCookieName = "ob_session"
	}
	if config.FlowCookieName == "" {
		config.FlowCookieName = "ob_flow"
	}
	if config.SweepInterval == 0 {
		config.SweepInterval = time.Minute
	}
	if config.SweepBatchSize == 0 {
		config.SweepBatchSize = 500
	}
	if config.ClockSkewGracePeriod == 0 {
		config.ClockSkewGracePeriod = 5 * time.Second
	}

	if config.AuthorizationCodeTTL > 10*time.Minute {
		logger.Warn("Authorization code TTL above 10 minutes weakens interception resistance",
			"configured", config.AuthorizationCodeTTL)
	}
	if config.RefreshAbsoluteTTL < config.RefreshTokenTTL {
		logger.Warn("Refresh absolute TTL below sliding TTL; absolute cap will dominate",
			"absolute", config.RefreshAbsoluteTTL,
			"sliding", config.RefreshTokenTTL)
	}

	return config
}
