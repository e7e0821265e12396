package oidcbroker

import (
	"bytes"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full broker configuration, loadable from YAML with
// environment overrides. Zero values fall back to secure defaults; see
// server.Config for the protocol-layer defaults.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	Providers ProvidersConfig `yaml:"providers"`
	Tokens    TokensConfig    `yaml:"tokens"`
	Sessions  SessionsConfig  `yaml:"sessions"`
	Flows     FlowsConfig     `yaml:"flows"`
	Security  SecurityConfig  `yaml:"security"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Clients   []ClientSeed    `yaml:"clients"`
}

// ServerConfig controls the HTTP listener and public identity.
type ServerConfig struct {
	// Issuer is the broker's public base URL and issuer identifier.
	Issuer string `yaml:"issuer"`

	ListenAddr   string        `yaml:"listen_addr"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`

	CookieDomain string `yaml:"cookie_domain"`

	// TrustProxyHeaders enables X-Forwarded-For parsing for client IPs.
	TrustProxyHeaders bool `yaml:"trust_proxy_headers"`
	TrustedProxyCount int  `yaml:"trusted_proxy_count"`
}

// StorageConfig selects and configures the storage backend.
type StorageConfig struct {
	// Backend is "memory" or "valkey".
	Backend string `yaml:"backend"`

	Valkey ValkeyConfig `yaml:"valkey"`
}

// ValkeyConfig holds Valkey connection settings.
type ValkeyConfig struct {
	Address   string `yaml:"address"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
	TLS       bool   `yaml:"tls"`
}

// ProvidersConfig groups the upstream identity providers.
type ProvidersConfig struct {
	// Default names the provider used when no routing rule matches.
	Default string `yaml:"default"`

	// ACRRouting maps acr_values entries to provider names.
	ACRRouting map[string]string `yaml:"acr_routing"`

	IDPorten UpstreamConfig `yaml:"idporten"`
	Feide    UpstreamConfig `yaml:"feide"`
	TestIDP  UpstreamConfig `yaml:"testidp"`
}

// UpstreamConfig holds one upstream IdP integration.
type UpstreamConfig struct {
	Enabled      bool     `yaml:"enabled"`
	Issuer       string   `yaml:"issuer"`
	ClientID     string   `yaml:"client_id"`
	ClientSecret string   `yaml:"client_secret"`
	Scopes       []string `yaml:"scopes"`
}

// TokensConfig controls minted token lifetimes and signing keys.
type TokensConfig struct {
	AccessTTL          time.Duration `yaml:"access_ttl"`
	IDTTL              time.Duration `yaml:"id_ttl"`
	RefreshTTL         time.Duration `yaml:"refresh_ttl"`
	RefreshAbsoluteTTL time.Duration `yaml:"refresh_absolute_ttl"`
	CodeTTL            time.Duration `yaml:"code_ttl"`

	// JWKSPath persists signing keys across restarts. Empty keeps keys in
	// memory only.
	JWKSPath string `yaml:"jwks_path"`

	// KeyRotateInterval rotates the signing key periodically. Zero disables.
	KeyRotateInterval time.Duration `yaml:"key_rotate_interval"`
}

// SessionsConfig controls broker sessions and their cookies.
type SessionsConfig struct {
	TTL               time.Duration `yaml:"ttl"`
	SessionCookieName string        `yaml:"session_cookie_name"`
	FlowCookieName    string        `yaml:"flow_cookie_name"`
}

// FlowsConfig controls flow-state lifetimes and the clientless app flow.
type FlowsConfig struct {
	LoginTransactionTTL time.Duration `yaml:"login_transaction_ttl"`

	// GoToAllowedHosts are the hosts a clientless app login may forward to.
	// Empty disables the app flow.
	GoToAllowedHosts []string `yaml:"goto_allowed_hosts"`

	// SupportedScopes restricts scopes the broker accepts from any client.
	// Empty allows all.
	SupportedScopes []string `yaml:"supported_scopes"`
}

// SecurityConfig holds key material and abuse controls.
type SecurityConfig struct {
	// RefreshHMACKey keys the refresh-token lookup HMAC. Base64, at least
	// 32 bytes decoded. Required in production; generated per-process when
	// empty (restarts then invalidate refresh tokens).
	RefreshHMACKey string `yaml:"refresh_hmac_key"`

	// PBKDF2Iterations for refresh-token verification hashes. Zero uses the
	// hasher default.
	PBKDF2Iterations int `yaml:"pbkdf2_iterations"`

	RateLimitPerSecond int  `yaml:"rate_limit_per_second"`
	RateLimitBurst     int  `yaml:"rate_limit_burst"`
	AuditEnabled       bool `yaml:"audit_enabled"`

	// ClaimsEncryptionKey optionally encrypts stored provider claims at
	// rest. Base64, 32 bytes decoded (AES-256-GCM).
	ClaimsEncryptionKey string `yaml:"claims_encryption_key"`
}

// TelemetryConfig controls OpenTelemetry instrumentation.
type TelemetryConfig struct {
	Enabled     bool   `yaml:"enabled"`
	ServiceName string `yaml:"service_name"`
	Tracing     bool   `yaml:"tracing"`
	Metrics     bool   `yaml:"metrics"`
}

// ClientSeed is a client registration loaded into the store at startup.
// Secrets are configured as bcrypt hashes, never plaintext.
type ClientSeed struct {
	ClientID                string   `yaml:"client_id"`
	Name                    string   `yaml:"name"`
	ClientType              string   `yaml:"client_type"`
	TokenEndpointAuthMethod string   `yaml:"token_endpoint_auth_method"`
	SecretHash              string   `yaml:"secret_hash"`
	RedirectURIs            []string `yaml:"redirect_uris"`
	PostLogoutRedirectURIs  []string `yaml:"post_logout_redirect_uris"`
	AllowedScopes           []string `yaml:"allowed_scopes"`
	RequirePKCE             bool     `yaml:"require_pkce"`
	RequireNonce            bool     `yaml:"require_nonce"`
	RequireConsent          bool     `yaml:"require_consent"`
	SubjectType             string   `yaml:"subject_type"`
	PairwiseSalt            string   `yaml:"pairwise_salt"`
	SectorIdentifierURI     string   `yaml:"sector_identifier_uri"`
	AllowTestIDP            bool     `yaml:"allow_test_idp"`
}

// LoadConfig reads the YAML config file, applies environment overrides, and
// validates the result. An empty path yields the defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := defaultConfig()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		decoder := yaml.NewDecoder(bytes.NewReader(raw))
		decoder.KnownFields(true)
		if err := decoder.Decode(cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Issuer:       "http://127.0.0.1:8080",
			ListenAddr:   "127.0.0.1:8080",
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 20 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		Storage: StorageConfig{
			Backend: "memory",
			Valkey:  ValkeyConfig{Address: "127.0.0.1:6379", KeyPrefix: "ob:"},
		},
		Providers: ProvidersConfig{
			Default: "idporten",
		},
		Security: SecurityConfig{
			RateLimitPerSecond: 20,
			RateLimitBurst:     40,
			AuditEnabled:       true,
		},
		Telemetry: TelemetryConfig{
			ServiceName: "oidcbroker",
		},
	}
}

func applyEnvOverrides(cfg *Config) {
	overrides := map[string]func(string){
		"OIDCBROKER_ISSUER":           func(v string) { cfg.Server.Issuer = v },
		"OIDCBROKER_LISTEN_ADDR":      func(v string) { cfg.Server.ListenAddr = v },
		"OIDCBROKER_STORAGE_BACKEND":  func(v string) { cfg.Storage.Backend = v },
		"OIDCBROKER_VALKEY_ADDRESS":   func(v string) { cfg.Storage.Valkey.Address = v },
		"OIDCBROKER_VALKEY_PASSWORD":  func(v string) { cfg.Storage.Valkey.Password = v },
		"OIDCBROKER_REFRESH_HMAC_KEY": func(v string) { cfg.Security.RefreshHMACKey = v },
		"OIDCBROKER_IDPORTEN_SECRET":  func(v string) { cfg.Providers.IDPorten.ClientSecret = v },
		"OIDCBROKER_FEIDE_SECRET":     func(v string) { cfg.Providers.Feide.ClientSecret = v },
	}
	for key, apply := range overrides {
		if val, ok := os.LookupEnv(key); ok {
			apply(val)
		}
	}
}

// Validate performs sanity checks before anything is wired.
func (c *Config) Validate() error {
	if c.Server.Issuer == "" {
		return errors.New("server.issuer is required")
	}
	issuer, err := url.Parse(c.Server.Issuer)
	if err != nil || (issuer.Scheme != "http" && issuer.Scheme != "https") || issuer.Host == "" {
		return fmt.Errorf("server.issuer must be an absolute http(s) URL, got %q", c.Server.Issuer)
	}

	switch c.Storage.Backend {
	case "memory", "valkey":
	default:
		return fmt.Errorf("storage.backend must be \"memory\" or \"valkey\", got %q", c.Storage.Backend)
	}
	if c.Storage.Backend == "valkey" && c.Storage.Valkey.Address == "" {
		return errors.New("storage.valkey.address is required for the valkey backend")
	}

	if !c.Providers.IDPorten.Enabled && !c.Providers.Feide.Enabled && !c.Providers.TestIDP.Enabled {
		return errors.New("at least one upstream provider must be enabled")
	}
	for name, up := range map[string]UpstreamConfig{
		"idporten": c.Providers.IDPorten,
		"feide":    c.Providers.Feide,
		"testidp":  c.Providers.TestIDP,
	} {
		if !up.Enabled {
			continue
		}
		if up.Issuer == "" {
			return fmt.Errorf("providers.%s.issuer is required", name)
		}
		if up.ClientID == "" {
			return fmt.Errorf("providers.%s.client_id is required", name)
		}
	}
	if !c.providerEnabled(c.Providers.Default) {
		return fmt.Errorf("providers.default %q is not an enabled provider", c.Providers.Default)
	}

	for i, seed := range c.Clients {
		if seed.ClientID == "" {
			return fmt.Errorf("clients[%d]: client_id is required", i)
		}
		if len(seed.RedirectURIs) == 0 {
			return fmt.Errorf("clients[%d] (%s): at least one redirect_uri is required", i, seed.ClientID)
		}
		for j, uri := range seed.RedirectURIs {
			u, err := url.Parse(uri)
			if err != nil || !u.IsAbs() {
				return fmt.Errorf("clients[%d] (%s): redirect_uris[%d] must be absolute, got %q", i, seed.ClientID, j, uri)
			}
		}
		if seed.SubjectType == "pairwise" && seed.PairwiseSalt == "" {
			return fmt.Errorf("clients[%d] (%s): pairwise subject type requires pairwise_salt", i, seed.ClientID)
		}
	}

	for _, host := range c.Flows.GoToAllowedHosts {
		if strings.ContainsAny(host, "/?#") {
			return fmt.Errorf("flows.goto_allowed_hosts entries must be bare hosts, got %q", host)
		}
	}

	return nil
}

func (c *Config) providerEnabled(name string) bool {
	switch name {
	case "idporten":
		return c.Providers.IDPorten.Enabled
	case "feide":
		return c.Providers.Feide.Enabled
	case "testidp":
		return c.Providers.TestIDP.Enabled
	default:
		return false
	}
}
