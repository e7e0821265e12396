package security

// Event type constants for security audit logging.
// These constants ensure consistency across the codebase and prevent typos
// when logging security-relevant events.
const (
	// Token lifecycle events

	// EventTokenIssued is logged when tokens are issued at the token endpoint
	EventTokenIssued = "token_issued"

	// EventTokenRefreshed is logged when a refresh token is rotated
	EventTokenRefreshed = "token_refreshed"

	// EventFamilyRevoked is logged when a refresh-token family is revoked
	EventFamilyRevoked = "refresh_token_family_revoked"

	// Authorization flow events

	// EventAuthorizationFlowStarted is logged when an /authorize request is accepted
	EventAuthorizationFlowStarted = "authorization_flow_started"

	// EventAuthorizationCodeIssued is logged when a downstream code is issued
	EventAuthorizationCodeIssued = "authorization_code_issued"

	// EventUpstreamCallbackReceived is logged when the upstream IdP calls back
	EventUpstreamCallbackReceived = "upstream_callback_received"

	// EventUpstreamCallbackError is logged when the upstream IdP reports an error
	EventUpstreamCallbackError = "upstream_callback_error"

	// Security violation events

	// EventAuthFailure is logged when authentication or validation fails
	EventAuthFailure = "auth_failure"

	// EventRateLimitExceeded is logged when a rate limit is exceeded
	EventRateLimitExceeded = "rate_limit_exceeded"

	// EventPKCEValidationFailed is logged when PKCE code_verifier validation fails
	EventPKCEValidationFailed = "pkce_validation_failed"

	// EventReplayDetected is logged when an already-consumed credential
	// (authorization code, refresh token, upstream state) is presented again.
	// Always paired with defensive revocation of the affected family.
	EventReplayDetected = "replay_detected" //nolint:gosec // G101: event type name, not a credential

	// EventUpstreamNonceMismatch is logged when the upstream ID token's nonce
	// does not match the persisted upstream nonce
	EventUpstreamNonceMismatch = "upstream_nonce_mismatch"

	// Session events

	// EventSessionUpserted is logged when an OIDC session is created or refreshed
	EventSessionUpserted = "session_upserted"

	// EventSessionTerminated is logged when sessions are deleted
	EventSessionTerminated = "session_terminated"
)
