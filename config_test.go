package oidcbroker

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

const minimalConfig = `
server:
  issuer: https://broker.example.com
providers:
  default: testidp
  testidp:
    enabled: true
    issuer: https://test.idp.example
    client_id: broker-test
`

func TestLoadConfig_Minimal(t *testing.T) {
	cfg, err := LoadConfig(writeConfigFile(t, minimalConfig))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	if cfg.Server.Issuer != "https://broker.example.com" {
		t.Errorf("issuer = %q", cfg.Server.Issuer)
	}
	if cfg.Providers.Default != "testidp" {
		t.Errorf("default provider = %q", cfg.Providers.Default)
	}
	// Unset sections keep their defaults.
	if cfg.Server.ListenAddr != "127.0.0.1:8080" {
		t.Errorf("listen_addr = %q", cfg.Server.ListenAddr)
	}
	if cfg.Storage.Backend != "memory" {
		t.Errorf("backend = %q", cfg.Storage.Backend)
	}
	if cfg.Security.RateLimitPerSecond != 20 {
		t.Errorf("rate_limit_per_second = %d", cfg.Security.RateLimitPerSecond)
	}
	if !cfg.Security.AuditEnabled {
		t.Error("audit disabled by default")
	}
}

func TestLoadConfig_FullDocument(t *testing.T) {
	cfg, err := LoadConfig(writeConfigFile(t, `
server:
  issuer: https://broker.example.com
  listen_addr: 0.0.0.0:9000
  cookie_domain: example.com
  trust_proxy_headers: true
  trusted_proxy_count: 1
storage:
  backend: valkey
  valkey:
    address: valkey.internal:6379
    key_prefix: "broker:"
    tls: true
providers:
  default: idporten
  acr_routing:
    urn:edu:acr:high: feide
  idporten:
    enabled: true
    issuer: https://idporten.example
    client_id: broker
    scopes: [openid]
  feide:
    enabled: true
    issuer: https://feide.example
    client_id: broker-feide
tokens:
  access_ttl: 5m
  refresh_ttl: 20m
  jwks_path: /var/lib/broker/jwks.json
  key_rotate_interval: 24h
sessions:
  ttl: 8h
  session_cookie_name: sess
flows:
  login_transaction_ttl: 5m
  goto_allowed_hosts: [app.example.com]
  supported_scopes: [openid, profile]
security:
  rate_limit_per_second: 5
  rate_limit_burst: 10
clients:
  - client_id: rp-1
    name: First RP
    client_type: confidential
    redirect_uris: [https://rp.example.com/callback]
    allowed_scopes: [openid]
    subject_type: pairwise
    pairwise_salt: salt-1
`))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	if cfg.Storage.Valkey.Address != "valkey.internal:6379" {
		t.Errorf("valkey address = %q", cfg.Storage.Valkey.Address)
	}
	if !cfg.Storage.Valkey.TLS {
		t.Error("valkey tls not set")
	}
	if cfg.Providers.ACRRouting["urn:edu:acr:high"] != "feide" {
		t.Errorf("acr_routing = %v", cfg.Providers.ACRRouting)
	}
	if cfg.Tokens.AccessTTL != 5*time.Minute {
		t.Errorf("access_ttl = %v", cfg.Tokens.AccessTTL)
	}
	if cfg.Tokens.KeyRotateInterval != 24*time.Hour {
		t.Errorf("key_rotate_interval = %v", cfg.Tokens.KeyRotateInterval)
	}
	if len(cfg.Clients) != 1 || cfg.Clients[0].ClientID != "rp-1" {
		t.Errorf("clients = %+v", cfg.Clients)
	}
	if cfg.Flows.GoToAllowedHosts[0] != "app.example.com" {
		t.Errorf("goto_allowed_hosts = %v", cfg.Flows.GoToAllowedHosts)
	}
}

func TestLoadConfig_UnknownFieldRejected(t *testing.T) {
	_, err := LoadConfig(writeConfigFile(t, minimalConfig+`
unknown_section:
  key: value
`))
	if err == nil {
		t.Fatal("unknown field accepted")
	}
}

func TestLoadConfig_MissingFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("missing file accepted")
	}
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	t.Setenv("OIDCBROKER_ISSUER", "https://override.example.com")
	t.Setenv("OIDCBROKER_VALKEY_PASSWORD", "s3cret")

	cfg, err := LoadConfig(writeConfigFile(t, minimalConfig))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Server.Issuer != "https://override.example.com" {
		t.Errorf("issuer = %q, env override ignored", cfg.Server.Issuer)
	}
	if cfg.Storage.Valkey.Password != "s3cret" {
		t.Error("valkey password override ignored")
	}
}

func TestConfigValidate_Failures(t *testing.T) {
	base := func() *Config {
		cfg := defaultConfig()
		cfg.Providers.TestIDP = UpstreamConfig{
			Enabled:  true,
			Issuer:   "https://test.idp.example",
			ClientID: "broker-test",
		}
		cfg.Providers.Default = "testidp"
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantMsg string
	}{
		{
			name:    "empty issuer",
			mutate:  func(c *Config) { c.Server.Issuer = "" },
			wantMsg: "issuer",
		},
		{
			name:    "relative issuer",
			mutate:  func(c *Config) { c.Server.Issuer = "broker.example.com" },
			wantMsg: "absolute",
		},
		{
			name:    "unknown backend",
			mutate:  func(c *Config) { c.Storage.Backend = "postgres" },
			wantMsg: "storage.backend",
		},
		{
			name: "valkey without address",
			mutate: func(c *Config) {
				c.Storage.Backend = "valkey"
				c.Storage.Valkey.Address = ""
			},
			wantMsg: "valkey.address",
		},
		{
			name:    "no provider enabled",
			mutate:  func(c *Config) { c.Providers.TestIDP.Enabled = false },
			wantMsg: "at least one",
		},
		{
			name:    "enabled provider without issuer",
			mutate:  func(c *Config) { c.Providers.TestIDP.Issuer = "" },
			wantMsg: "providers.testidp.issuer",
		},
		{
			name:    "enabled provider without client id",
			mutate:  func(c *Config) { c.Providers.TestIDP.ClientID = "" },
			wantMsg: "providers.testidp.client_id",
		},
		{
			name:    "default provider not enabled",
			mutate:  func(c *Config) { c.Providers.Default = "feide" },
			wantMsg: "not an enabled provider",
		},
		{
			name: "client without redirect uri",
			mutate: func(c *Config) {
				c.Clients = []ClientSeed{{ClientID: "rp-1"}}
			},
			wantMsg: "redirect_uri",
		},
		{
			name: "relative client redirect uri",
			mutate: func(c *Config) {
				c.Clients = []ClientSeed{{ClientID: "rp-1", RedirectURIs: []string{"/callback"}}}
			},
			wantMsg: "absolute",
		},
		{
			name: "pairwise without salt",
			mutate: func(c *Config) {
				c.Clients = []ClientSeed{{
					ClientID:     "rp-1",
					RedirectURIs: []string{"https://rp.example.com/cb"},
					SubjectType:  "pairwise",
				}}
			},
			wantMsg: "pairwise_salt",
		},
		{
			name: "goto host with path",
			mutate: func(c *Config) {
				c.Flows.GoToAllowedHosts = []string{"app.example.com/path"}
			},
			wantMsg: "bare hosts",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("validation passed")
			}
			if !strings.Contains(err.Error(), tt.wantMsg) {
				t.Errorf("error = %q, want substring %q", err, tt.wantMsg)
			}
		})
	}

	if err := base().Validate(); err != nil {
		t.Fatalf("base config invalid: %v", err)
	}
}
