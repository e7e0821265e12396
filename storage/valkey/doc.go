// Package valkey provides a Valkey storage backend for the broker.
//
// Valkey is a high-performance key-value store that is wire-compatible with
// Redis. This package implements all storage interfaces required by the
// broker, making it suitable for production deployments that require:
//
//   - Shared state across multiple broker instances
//   - Persistence of sessions and refresh chains across restarts
//   - Automatic TTL-based expiration of flow state
//
// # Implemented Interfaces
//
// The Store type implements the full [storage.Store] contract:
//
//   - [storage.LoginTransactionStore]: client-facing authorization transactions
//   - [storage.UpstreamLoginTransactionStore]: upstream identity provider legs
//   - [storage.AuthCodeStore]: single-use authorization codes
//   - [storage.SessionStore]: browser sessions keyed by upstream identity
//   - [storage.RefreshTokenStore]: rotation chains with family revocation
//   - [storage.ClientStore]: relying party registrations
//   - [storage.UnregisteredClientRequestStore]: clientless app logins
//
// # Key Schema
//
// All keys use a configurable prefix (default "ob:") to avoid conflicts with
// other applications sharing the same Valkey instance:
//
//	{prefix}logintx:{requestID}         -> JSON(LoginTransaction)
//	{prefix}uptx:{upstreamRequestID}    -> JSON(UpstreamLoginTransaction)
//	{prefix}upstate:{state}             -> upstreamRequestID (reverse lookup)
//	{prefix}code:{code}                 -> JSON(AuthCode)
//	{prefix}sess:{sid}                  -> JSON(Session)
//	{prefix}sesshandle:{handleHash}     -> sid (reverse lookup)
//	{prefix}sessup:{issuer}\x00{sub}    -> sid (identity index for upsert)
//	{prefix}sessupsid:{issuer}\x00{sid} -> SET of broker sids (logout fan-out)
//	{prefix}fam:{familyID}              -> JSON(RefreshTokenFamily)
//	{prefix}famowner:{owner}            -> familyID (owner index)
//	{prefix}famtokens:{familyID}        -> SET of token ids in the family
//	{prefix}rt:{tokenID}                -> JSON(RefreshToken)
//	{prefix}rtlookup:{lookupKey}        -> tokenID (HMAC index)
//	{prefix}client:{clientID}           -> JSON(Client)
//	{prefix}clients                     -> SET of client ids
//	{prefix}ucreq:{id}                  -> JSON(UnregisteredClientRequest)
//
// # Atomic Operations
//
// Several operations must be atomic to uphold the broker's security
// guarantees, and use Lua scripts server-side:
//
//   - TryConsumeAuthCode: at-most-once code redemption
//   - MarkRefreshTokenUsed: exactly one winner per rotation
//   - UpsertSessionByUpstreamSub: merge-or-insert keyed by upstream identity
//   - Transaction status transitions: each legal edge checked under the script
//
// Scripts return small integer or string sentinels; the Go side maps them to
// the same (bool, error) semantics as the in-memory backend.
//
// # Expiration
//
// Every row carries a native key TTL derived from its logical expiry, so the
// backend needs no sweeper. Refresh token rows and family records are retained
// past their logical expiry so that replay of a rotated token is still
// detected and attributable.
//
// # Configuration
//
// Basic usage:
//
//	store, err := valkey.New(valkey.Config{
//	    Address:   "localhost:6379",
//	    KeyPrefix: "ob:",
//	})
//
// With TLS:
//
//	store, err := valkey.New(valkey.Config{
//	    Address:  "valkey.example.com:6379",
//	    Password: os.Getenv("VALKEY_PASSWORD"),
//	    TLS:      &tls.Config{MinVersion: tls.VersionTLS12},
//	})
package valkey
