package server

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fjellauth/oidcbroker/storage"
)

// DefaultClientCacheTTL bounds how stale a cached client registration can
// get. Registrations are read-mostly; a short TTL keeps disablement
// effective without a round trip per request.
const DefaultClientCacheTTL = 30 * time.Second

type cachedClient struct {
	client    *storage.Client
	fetchedAt time.Time
}

// ClientRegistry is the read side of client registration: cached lookup
// plus the policy predicates the orchestration needs. Reads are lock-free
// on the hot path apart from the cache map's own synchronization.
type ClientRegistry struct {
	store storage.ClientStore
	ttl   time.Duration
	cache sync.Map // clientID -> *cachedClient
}

// NewClientRegistry creates a registry over the given store. A zero ttl
// selects DefaultClientCacheTTL.
func NewClientRegistry(store storage.ClientStore, ttl time.Duration) *ClientRegistry {
	if ttl == 0 {
		ttl = DefaultClientCacheTTL
	}
	return &ClientRegistry{store: store, ttl: ttl}
}

// GetClient returns the registered client or storage.ErrNotFound. Disabled
// clients are returned as found; callers decide how to surface them.
func (r *ClientRegistry) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	if clientID == "" {
		return nil, fmt.Errorf("client id is empty: %w", storage.ErrNotFound)
	}

	if cached, ok := r.cache.Load(clientID); ok {
		entry := cached.(*cachedClient)
		if time.Since(entry.fetchedAt) < r.ttl {
			return entry.client, nil
		}
	}

	client, err := r.store.GetClient(ctx, clientID)
	if err != nil {
		return nil, err
	}

	r.cache.Store(clientID, &cachedClient{client: client, fetchedAt: time.Now()})
	return client, nil
}

// Invalidate drops a cached entry, forcing the next lookup to hit the store.
func (r *ClientRegistry) Invalidate(clientID string) {
	r.cache.Delete(clientID)
}

// ValidateSecret verifies a client secret against the stored hash.
func (r *ClientRegistry) ValidateSecret(ctx context.Context, clientID, secret string) error {
	return r.store.ValidateClientSecret(ctx, clientID, secret)
}

// IsRedirectURIAllowed checks registered redirect URI membership. Matching
// is exact string equality: no prefix, suffix, or normalization matching,
// ever. https://a.example/cb and https://a.example/cb/ are different URIs.
func IsRedirectURIAllowed(client *storage.Client, redirectURI string) bool {
	if redirectURI == "" {
		return false
	}
	for _, uri := range client.RedirectURIs {
		if uri == redirectURI {
			return true
		}
	}
	return false
}

// AreScopesAllowed checks that every requested scope is within the client's
// allowed set. Comparison is case-insensitive but otherwise exact. An empty
// allowed set permits nothing beyond openid.
func AreScopesAllowed(client *storage.Client, scopes []string) bool {
	for _, requested := range scopes {
		if strings.EqualFold(requested, ScopeOpenID) {
			continue
		}
		if !containsFold(client.AllowedScopes, requested) {
			return false
		}
	}
	return true
}

// IsPKCEMethodAllowed checks the client's PKCE method policy. An empty
// allowed list means S256 only.
func IsPKCEMethodAllowed(client *storage.Client, method string) bool {
	if len(client.AllowedPKCEMethods) == 0 {
		return method == PKCEMethodS256
	}
	for _, m := range client.AllowedPKCEMethods {
		if m == method {
			return true
		}
	}
	return false
}
