// Package security provides security-related functionality for the broker:
// rate limiting, token hashing, claims encryption, IP extraction, security
// headers, request IDs, and audit logging.
//
// # Rate Limiting
//
// RateLimiter provides per-identifier rate limiting using a token bucket,
// with LRU eviction so the tracked-identifier map cannot grow without bound
// under a distributed attack:
//
//	limiter := security.NewRateLimiter(10, 20, logger)
//	defer limiter.Stop()
//
//	if !limiter.Allow(clientIP) {
//	    return http.StatusTooManyRequests
//	}
//
// Defaults: 10,000 tracked identifiers, cleanup every 5 minutes, buckets
// idle for 30 minutes are dropped. GetStats() exposes entry counts, eviction
// totals, and memory pressure for alerting; sustained pressure above 80%
// suggests raising the cap, while rapidly increasing evictions suggest a
// distributed attack. LRU eviction keeps buckets for identifiers that make
// repeated requests and drops one-shot attack sources first.
//
// # Token Hashing
//
// TokenHasher derives refresh token lookup keys (HMAC-SHA256) and storage
// hashes (PBKDF2) so raw refresh tokens are never persisted. Session handles
// are hashed with plain SHA-256 since they already carry full entropy.
//
// # Claims Encryption
//
// Encryptor provides AES-256-GCM for encrypting provider claims at rest.
//
// # Audit Logging
//
// Auditor writes structured security events (code issued, code redeemed,
// replay detected, session lifecycle) through slog.
package security
