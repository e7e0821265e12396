package valkey

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"time"

	valkeygo "github.com/valkey-io/valkey-go"

	"github.com/fjellauth/oidcbroker/security"
	"github.com/fjellauth/oidcbroker/storage"
)

const (
	// DefaultKeyPrefix is the default prefix for all Valkey keys.
	DefaultKeyPrefix = "ob:"

	// connectionVerifyTimeout bounds the initial PING.
	connectionVerifyTimeout = 5 * time.Second

	// familyRetention keeps revoked family metadata around for forensics
	// after the last token in the chain has expired.
	familyRetention = 24 * time.Hour
)

// Config holds configuration for the Valkey storage backend.
type Config struct {
	// Address is the Valkey server address (required), e.g. "localhost:6379".
	Address string

	// Password is the optional password for authentication.
	Password string

	// DB is the optional database number (default 0).
	DB int

	// KeyPrefix is the prefix for all keys (default "ob:").
	KeyPrefix string

	// TLS is the optional TLS configuration for encrypted connections.
	TLS *tls.Config

	// Logger is the optional structured logger (default: slog.Default()).
	Logger *slog.Logger
}

// Store is a Valkey-backed implementation of the aggregate storage.Store
// contract. Rows are JSON values with key-level TTLs, so expired rows
// vanish without a sweeper. Conditional transitions run as Lua scripts;
// each script is the single atomic step its interface contract requires.
type Store struct {
	client    valkeygo.Client
	prefix    string
	logger    *slog.Logger
	encryptor *security.Encryptor
}

var _ storage.Store = (*Store)(nil)

// New creates a Valkey-backed store and verifies the connection.
func New(cfg Config) (*Store, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("valkey address is required")
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	opts := valkeygo.ClientOption{
		InitAddress: []string{cfg.Address},
		SelectDB:    cfg.DB,
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}
	if cfg.TLS != nil {
		opts.TLSConfig = cfg.TLS
	}

	client, err := valkeygo.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create valkey client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), connectionVerifyTimeout)
	defer cancel()
	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to valkey: %w", err)
	}

	logger.Info("Connected to Valkey storage",
		"address", cfg.Address,
		"db", cfg.DB,
		"prefix", prefix)

	return &Store{client: client, prefix: prefix, logger: logger}, nil
}

// Close closes the Valkey client connection.
func (s *Store) Close() {
	s.client.Close()
	s.logger.Info("Valkey storage connection closed")
}

// SetLogger sets a custom logger for the store.
func (s *Store) SetLogger(logger *slog.Logger) {
	s.logger = logger
}

// Key helpers. One namespace per row kind, plus index keys that share the
// TTL of the row they point at.

func (s *Store) loginTxKey(requestID string) string {
	return s.prefix + "logintx:" + requestID
}

func (s *Store) upstreamTxKey(upstreamRequestID string) string {
	return s.prefix + "uptx:" + upstreamRequestID
}

func (s *Store) upstreamStateKey(state string) string {
	return s.prefix + "upstate:" + state
}

func (s *Store) codeKey(code string) string {
	return s.prefix + "code:" + code
}

func (s *Store) sessionKey(sid string) string {
	return s.prefix + "sess:" + sid
}

func (s *Store) sessionHandleKey(handleHash string) string {
	return s.prefix + "sesshandle:" + handleHash
}

func (s *Store) sessionUpstreamKey(issuer, upstreamSub string) string {
	return s.prefix + "sessup:" + issuer + "\x00" + upstreamSub
}

func (s *Store) sessionUpSIDKey(issuer, upstreamSessionSID string) string {
	return s.prefix + "sessupsid:" + issuer + "\x00" + upstreamSessionSID
}

func (s *Store) familyKey(familyID string) string {
	return s.prefix + "fam:" + familyID
}

func (s *Store) familyOwnerKey(clientID, subjectID, opSID string) string {
	return s.prefix + "famowner:" + clientID + "\x00" + subjectID + "\x00" + opSID
}

func (s *Store) familyTokensKey(familyID string) string {
	return s.prefix + "famtokens:" + familyID
}

func (s *Store) refreshTokenKey(tokenID string) string {
	return s.prefix + "rt:" + tokenID
}

func (s *Store) refreshLookupKey(lookupKey string) string {
	return s.prefix + "rtlookup:" + lookupKey
}

func (s *Store) clientKey(clientID string) string {
	return s.prefix + "client:" + clientID
}

func (s *Store) unregisteredKey(id string) string {
	return s.prefix + "ucreq:" + id
}

// setJSON writes a JSON value that expires at the given time.
func (s *Store) setJSON(ctx context.Context, key string, value []byte, expiresAt time.Time) error {
	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		ttl = time.Second
	}
	return s.client.Do(ctx,
		s.client.B().Set().Key(key).Value(string(value)).Ex(ttl).Build(),
	).Error()
}

// getJSON reads a JSON value, mapping a missing key to storage.ErrNotFound.
func (s *Store) getJSON(ctx context.Context, key string) (string, error) {
	raw, err := s.client.Do(ctx, s.client.B().Get().Key(key).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return "", storage.ErrNotFound
		}
		return "", fmt.Errorf("valkey get: %w", err)
	}
	return raw, nil
}

// isNilError checks whether the error is a nil/not-found result from Valkey.
func isNilError(err error) bool {
	return valkeygo.IsValkeyNil(err)
}
