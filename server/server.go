package server

import (
	"fmt"
	"log/slog"

	"golang.org/x/oauth2"

	"github.com/fjellauth/oidcbroker/instrumentation"
	"github.com/fjellauth/oidcbroker/providers"
	"github.com/fjellauth/oidcbroker/security"
	"github.com/fjellauth/oidcbroker/storage"
)

// OIDC error codes from RFC 6749 / OIDC Core.
// Note: These are intentionally duplicated from the root package's
// errors.go to avoid circular imports (the root package imports server for
// type aliases). Keep them in sync.
const (
	ErrorCodeInvalidRequest          = "invalid_request"
	ErrorCodeInvalidClient           = "invalid_client"
	ErrorCodeInvalidGrant            = "invalid_grant"
	ErrorCodeInvalidScope            = "invalid_scope"
	ErrorCodeUnsupportedResponseType = "unsupported_response_type"
	ErrorCodeUnsupportedGrantType    = "unsupported_grant_type"
	ErrorCodeUnauthorizedClient      = "unauthorized_client"
	ErrorCodeAccessDenied            = "access_denied"
	ErrorCodeServerError             = "server_error"
)

// safeTruncate safely truncates a string for logging without panicking.
func safeTruncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}

// Service is the authorize/token/callback orchestration: the protocol state
// machine tying the validator, client registry, stores, and upstream
// providers together. It is stateless; every durable state change goes
// through the stores with their stated atomicity contracts.
type Service struct {
	store     storage.Store
	clients   *ClientRegistry
	providers map[string]providers.Provider
	minter    TokenMinter
	subjects  SubjectMapper
	hasher    *security.TokenHasher

	Auditor                  *security.Auditor
	RateLimiter              *security.RateLimiter
	SecurityEventRateLimiter *security.RateLimiter
	Instrumentation          *instrumentation.Instrumentation
	Logger                   *slog.Logger
	Config                   *Config
}

// New creates the orchestration service.
func New(
	store storage.Store,
	providerSet []providers.Provider,
	minter TokenMinter,
	hasher *security.TokenHasher,
	config *Config,
	logger *slog.Logger,
) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if len(providerSet) == 0 {
		return nil, fmt.Errorf("at least one upstream provider is required")
	}
	if minter == nil {
		return nil, fmt.Errorf("token minter is required")
	}
	if hasher == nil {
		return nil, fmt.Errorf("token hasher is required")
	}
	if config == nil {
		config = &Config{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	config = applySecureDefaults(config, logger)

	byName := make(map[string]providers.Provider, len(providerSet))
	for _, p := range providerSet {
		if _, dup := byName[p.Name()]; dup {
			return nil, fmt.Errorf("duplicate provider name %q", p.Name())
		}
		byName[p.Name()] = p
	}
	if _, ok := byName[config.DefaultProvider]; !ok {
		return nil, fmt.Errorf("default provider %q is not configured", config.DefaultProvider)
	}

	return &Service{
		store:     store,
		clients:   NewClientRegistry(store, 0),
		providers: byName,
		minter:    minter,
		subjects:  IdentitySubjectMapper{},
		hasher:    hasher,
		Logger:    logger,
		Config:    config,
	}, nil
}

// SetSubjectMapper replaces the default subject mapper with a deployment's
// party/profile lookup.
func (s *Service) SetSubjectMapper(m SubjectMapper) {
	if m != nil {
		s.subjects = m
	}
}

// SetAuditor sets the security auditor.
func (s *Service) SetAuditor(aud *security.Auditor) {
	s.Auditor = aud
}

// SetRateLimiter sets the IP-based rate limiter.
func (s *Service) SetRateLimiter(rl *security.RateLimiter) {
	s.RateLimiter = rl
}

// SetSecurityEventRateLimiter bounds security-event logging so replay
// storms cannot flood the log.
func (s *Service) SetSecurityEventRateLimiter(rl *security.RateLimiter) {
	s.SecurityEventRateLimiter = rl
}

// SetInstrumentation attaches OpenTelemetry instrumentation.
func (s *Service) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.Instrumentation = inst
}

// Clients exposes the client registry to the transport layer.
func (s *Service) Clients() *ClientRegistry { return s.clients }

// Store exposes the underlying store to the transport layer (logout,
// session introspection).
func (s *Service) Store() storage.Store { return s.store }

// generateRandomToken generates a cryptographically secure random token.
// Alias for oauth2.GenerateVerifier(): URL-safe base64, 256 bits.
func generateRandomToken() string {
	return oauth2.GenerateVerifier()
}

// allowSecurityEvent rate-limits security event logging per key.
func (s *Service) allowSecurityEvent(key string) bool {
	return s.SecurityEventRateLimiter == nil || s.SecurityEventRateLimiter.Allow(key)
}
