// Package oidcbroker is an OIDC authorization server that brokers logins to
// upstream national identity providers (ID-porten, Feide, and a test IdP).
// It issues its own authorization codes, access/ID tokens, and rotating
// refresh tokens to downstream clients, and maintains browser sessions keyed
// by the verified upstream identity.
//
// The root package is the composition root and HTTP transport; protocol
// orchestration lives in the server package, persistence contracts in
// storage with memory and valkey backends, and upstream integrations in
// providers.
package oidcbroker

import (
	"context"
	"crypto/rand"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/fjellauth/oidcbroker/instrumentation"
	"github.com/fjellauth/oidcbroker/providers"
	"github.com/fjellauth/oidcbroker/providers/feide"
	"github.com/fjellauth/oidcbroker/providers/idporten"
	"github.com/fjellauth/oidcbroker/providers/testidp"
	"github.com/fjellauth/oidcbroker/security"
	"github.com/fjellauth/oidcbroker/server"
	"github.com/fjellauth/oidcbroker/storage"
	"github.com/fjellauth/oidcbroker/storage/memory"
	"github.com/fjellauth/oidcbroker/storage/valkey"
	"github.com/fjellauth/oidcbroker/token"
)

// Broker assembles the full authorization server: storage, providers, the
// orchestration service, the token minter, and the HTTP transport.
type Broker struct {
	cfg     *Config
	logger  *slog.Logger
	svc     *server.Service
	handler *Handler
	keys    *token.KeyManager
	inst    *instrumentation.Instrumentation

	valkeyStore *valkey.Store
	rateLimiter *security.RateLimiter
	eventLim    *security.RateLimiter

	stopRotation chan struct{}
}

// New builds a Broker from configuration. Upstream provider discovery runs
// at construction, so an unreachable IdP fails fast.
func New(ctx context.Context, cfg *Config, logger *slog.Logger) (*Broker, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	b := &Broker{cfg: cfg, logger: logger, stopRotation: make(chan struct{})}

	store, err := b.buildStore()
	if err != nil {
		return nil, err
	}

	hasher, err := b.buildHasher()
	if err != nil {
		return nil, err
	}

	b.keys, err = token.NewKeyManager(token.KeyConfig{
		JWKSPath:       cfg.Tokens.JWKSPath,
		RotateInterval: cfg.Tokens.KeyRotateInterval,
	}, logger)
	if err != nil {
		return nil, err
	}

	minter, err := token.NewMinter(cfg.Server.Issuer, b.keys, store, logger)
	if err != nil {
		return nil, err
	}

	providerSet, err := b.buildProviders(ctx)
	if err != nil {
		return nil, err
	}

	svcConfig := &server.Config{
		Issuer:               cfg.Server.Issuer,
		LoginTransactionTTL:  cfg.Flows.LoginTransactionTTL,
		AuthorizationCodeTTL: cfg.Tokens.CodeTTL,
		AccessTokenTTL:       cfg.Tokens.AccessTTL,
		IDTokenTTL:           cfg.Tokens.IDTTL,
		SessionTTL:           cfg.Sessions.TTL,
		RefreshTokenTTL:      cfg.Tokens.RefreshTTL,
		RefreshAbsoluteTTL:   cfg.Tokens.RefreshAbsoluteTTL,
		DefaultProvider:      cfg.Providers.Default,
		ProviderACRRouting:   cfg.Providers.ACRRouting,
		SupportedScopes:      cfg.Flows.SupportedScopes,
		SessionCookieName:    cfg.Sessions.SessionCookieName,
		FlowCookieName:       cfg.Sessions.FlowCookieName,
		CookieDomain:         cfg.Server.CookieDomain,
		GoToAllowedHosts:     cfg.Flows.GoToAllowedHosts,
	}

	b.svc, err = server.New(store, providerSet, minter, hasher, svcConfig, logger)
	if err != nil {
		return nil, err
	}

	b.svc.SetAuditor(security.NewAuditor(logger, cfg.Security.AuditEnabled))

	b.rateLimiter = security.NewRateLimiter(cfg.Security.RateLimitPerSecond, cfg.Security.RateLimitBurst, logger)
	b.svc.SetRateLimiter(b.rateLimiter)
	b.eventLim = security.NewRateLimiter(1, 5, logger)
	b.svc.SetSecurityEventRateLimiter(b.eventLim)

	b.inst, err = instrumentation.New(instrumentation.Config{
		ServiceName: cfg.Telemetry.ServiceName,
		Enabled:     cfg.Telemetry.Enabled,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize instrumentation: %w", err)
	}
	b.svc.SetInstrumentation(b.inst)
	if mem, ok := store.(*memory.Store); ok {
		mem.SetInstrumentation(b.inst)
	}

	if err := b.seedClients(ctx, store); err != nil {
		return nil, err
	}

	b.handler = NewHandler(b.svc, b.keys, cfg, logger)
	return b, nil
}

// Handler returns the broker's HTTP handler for embedding in a custom
// server.
func (b *Broker) Handler() http.Handler { return b.handler }

// Service exposes the orchestration service, mainly for tests and
// embedders wiring extra transports.
func (b *Broker) Service() *server.Service { return b.svc }

// Run serves HTTP until the context is canceled, then shuts down
// gracefully.
func (b *Broker) Run(ctx context.Context) error {
	b.svc.StartSweeper(ctx)
	b.keys.StartRotation(b.stopRotation)

	srv := &http.Server{
		Addr:         b.cfg.Server.ListenAddr,
		Handler:      b.handler,
		ReadTimeout:  b.cfg.Server.ReadTimeout,
		WriteTimeout: b.cfg.Server.WriteTimeout,
		IdleTimeout:  b.cfg.Server.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		b.logger.Info("Broker listening",
			"addr", b.cfg.Server.ListenAddr,
			"issuer", b.cfg.Server.Issuer)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		b.Close()
		return err
	case err := <-errCh:
		b.Close()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// Close releases background resources. Safe after a failed Run.
func (b *Broker) Close() {
	close(b.stopRotation)
	if b.rateLimiter != nil {
		b.rateLimiter.Stop()
	}
	if b.eventLim != nil {
		b.eventLim.Stop()
	}
	if b.valkeyStore != nil {
		b.valkeyStore.Close()
	}
	if b.inst != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := b.inst.Shutdown(ctx); err != nil {
			b.logger.Warn("Instrumentation shutdown failed", "error", err)
		}
	}
}

func (b *Broker) buildStore() (storage.Store, error) {
	switch b.cfg.Storage.Backend {
	case "valkey":
		var tlsConfig *tls.Config
		if b.cfg.Storage.Valkey.TLS {
			tlsConfig = &tls.Config{MinVersion: tls.VersionTLS12}
		}
		store, err := valkey.New(valkey.Config{
			Address:   b.cfg.Storage.Valkey.Address,
			Password:  b.cfg.Storage.Valkey.Password,
			DB:        b.cfg.Storage.Valkey.DB,
			KeyPrefix: b.cfg.Storage.Valkey.KeyPrefix,
			TLS:       tlsConfig,
			Logger:    b.logger,
		})
		if err != nil {
			return nil, err
		}
		if b.cfg.Security.ClaimsEncryptionKey != "" {
			key, err := security.KeyFromBase64(b.cfg.Security.ClaimsEncryptionKey)
			if err != nil {
				return nil, fmt.Errorf("security.claims_encryption_key: %w", err)
			}
			enc, err := security.NewEncryptor(key)
			if err != nil {
				return nil, fmt.Errorf("security.claims_encryption_key: %w", err)
			}
			store.SetEncryptor(enc)
		}
		b.valkeyStore = store
		return store, nil
	default:
		store := memory.New()
		store.SetLogger(b.logger)
		return store, nil
	}
}

func (b *Broker) buildHasher() (*security.TokenHasher, error) {
	var key []byte
	if b.cfg.Security.RefreshHMACKey != "" {
		decoded, err := base64.StdEncoding.DecodeString(b.cfg.Security.RefreshHMACKey)
		if err != nil {
			return nil, fmt.Errorf("security.refresh_hmac_key is not valid base64: %w", err)
		}
		key = decoded
	} else {
		key = make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("failed to generate HMAC key: %w", err)
		}
		b.logger.Warn("No refresh HMAC key configured; generated an ephemeral key. " +
			"Refresh tokens will not survive a restart.")
	}
	return security.NewTokenHasher(key, b.cfg.Security.PBKDF2Iterations)
}

func (b *Broker) buildProviders(ctx context.Context) ([]providers.Provider, error) {
	callbackURL := b.cfg.Server.Issuer + "/upstream/callback"
	var set []providers.Provider

	if up := b.cfg.Providers.IDPorten; up.Enabled {
		p, err := idporten.New(ctx, &idporten.Config{
			IssuerURL:    up.Issuer,
			ClientID:     up.ClientID,
			ClientSecret: up.ClientSecret,
			RedirectURL:  callbackURL,
			Scopes:       up.Scopes,
		})
		if err != nil {
			return nil, fmt.Errorf("idporten provider: %w", err)
		}
		set = append(set, p)
	}
	if up := b.cfg.Providers.Feide; up.Enabled {
		p, err := feide.New(ctx, &feide.Config{
			IssuerURL:    up.Issuer,
			ClientID:     up.ClientID,
			ClientSecret: up.ClientSecret,
			RedirectURL:  callbackURL,
			Scopes:       up.Scopes,
		})
		if err != nil {
			return nil, fmt.Errorf("feide provider: %w", err)
		}
		set = append(set, p)
	}
	if up := b.cfg.Providers.TestIDP; up.Enabled {
		p, err := testidp.New(ctx, &testidp.Config{
			IssuerURL:    up.Issuer,
			ClientID:     up.ClientID,
			ClientSecret: up.ClientSecret,
			RedirectURL:  callbackURL,
			Scopes:       up.Scopes,
		})
		if err != nil {
			return nil, fmt.Errorf("testidp provider: %w", err)
		}
		set = append(set, p)
	}
	return set, nil
}

func (b *Broker) seedClients(ctx context.Context, store storage.Store) error {
	for _, seed := range b.cfg.Clients {
		client := &storage.Client{
			ClientID:                seed.ClientID,
			Name:                    seed.Name,
			Enabled:                 true,
			ClientType:              seed.ClientType,
			TokenEndpointAuthMethod: seed.TokenEndpointAuthMethod,
			RedirectURIs:            seed.RedirectURIs,
			PostLogoutRedirectURIs:  seed.PostLogoutRedirectURIs,
			AllowedScopes:           seed.AllowedScopes,
			RequirePKCE:             seed.RequirePKCE,
			RequireNonce:            seed.RequireNonce,
			RequireConsent:          seed.RequireConsent,
			SubjectType:             storage.SubjectType(seed.SubjectType),
			PairwiseSalt:            seed.PairwiseSalt,
			SectorIdentifierURI:     seed.SectorIdentifierURI,
			SecretHash:              seed.SecretHash,
			AllowTestIDP:            seed.AllowTestIDP,
			CreatedAt:               time.Now(),
		}
		if client.SubjectType == "" {
			client.SubjectType = storage.SubjectTypePublic
		}
		if client.ClientType == "" {
			client.ClientType = "confidential"
		}
		if client.TokenEndpointAuthMethod == "" {
			if client.ClientType == "public" {
				client.TokenEndpointAuthMethod = "none"
			} else {
				client.TokenEndpointAuthMethod = "client_secret_basic"
			}
		}
		if err := store.SaveClient(ctx, client); err != nil {
			return fmt.Errorf("failed to seed client %q: %w", seed.ClientID, err)
		}
	}
	return nil
}
