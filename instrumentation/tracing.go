package instrumentation

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Common span attribute keys
//
// SECURITY WARNING: Never log actual sensitive values (access tokens, refresh tokens,
// authorization codes, client secrets, session handles, etc.) in traces or metrics.
// Only log metadata such as token types, expiry times, family IDs, and validation
// results. Traces are persisted, replicated, and readable by wider audiences than
// the running service.
const (
	// Flow attributes - SAFE to use for metadata only
	AttrClientID         = "broker.client_id"          // Relying party identifier (non-secret)
	AttrSubjectID        = "broker.subject_id"         // Broker-local subject identifier (non-secret)
	AttrProvider         = "broker.provider"           // Upstream provider name (idporten, feide, testidp)
	AttrScope            = "broker.scope"              // Requested scopes
	AttrACR              = "broker.acr"                // Authentication context class reference
	AttrPKCEMethod       = "broker.pkce.method"        // PKCE method used (S256, plain)
	AttrTokenFamilyID    = "broker.token.family_id"    //nolint:gosec // Refresh token family for rotation tracking
	AttrTokenGeneration  = "broker.token.generation"   //nolint:gosec // Refresh token generation number
	AttrCodeReuse        = "broker.code.reuse"         // Whether code replay was detected (boolean)
	AttrTokenReuse       = "broker.token.reuse"        //nolint:gosec // Whether refresh replay was detected (boolean)
	AttrTokenRotated     = "broker.token.rotated"      //nolint:gosec // Whether the refresh token was rotated (boolean)
	AttrGrantType        = "broker.grant_type"         // OAuth grant type
	AttrResponseType     = "broker.response_type"      // OAuth response type
	AttrSessionID        = "broker.session_id"         // Broker session identifier (sid claim, non-secret)
	AttrError            = "broker.error"              // Error code
	AttrErrorDescription = "broker.error_description"  // Error description

	// Storage attributes
	AttrStorageOperation = "storage.operation"
	AttrStorageResult    = "storage.result"
	AttrStorageType      = "storage.type"

	// Security attributes
	AttrRateLimiterType = "security.rate_limiter.type"
	AttrClientIP        = "security.client_ip"
	AttrAuditEventType  = "security.audit.event_type"

	// HTTP attributes (in addition to standard semantic conventions)
	AttrHTTPEndpoint   = "http.endpoint"
	AttrHTTPMethod     = "http.method"
	AttrHTTPStatusCode = "http.status_code"
)

// RecordError records an error on a span with proper status codes (nil-safe)
func RecordError(span trace.Span, err error) {
	if span != nil && err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// SetSpanSuccess marks a span as successful (nil-safe)
func SetSpanSuccess(span trace.Span) {
	if span != nil {
		span.SetStatus(codes.Ok, "")
	}
}

// SetSpanError sets an error status on a span (nil-safe)
func SetSpanError(span trace.Span, message string) {
	if span != nil {
		span.SetStatus(codes.Error, message)
	}
}

// SetSpanAttributes sets attributes on a span (nil-safe)
func SetSpanAttributes(span trace.Span, attrs ...attribute.KeyValue) {
	if span != nil {
		span.SetAttributes(attrs...)
	}
}

// AddFlowAttributes adds common flow attributes to a span (nil-safe)
func AddFlowAttributes(span trace.Span, clientID, subjectID, scope string) {
	if clientID != "" {
		SetSpanAttributes(span, attribute.String(AttrClientID, clientID))
	}
	if subjectID != "" {
		SetSpanAttributes(span, attribute.String(AttrSubjectID, subjectID))
	}
	if scope != "" {
		SetSpanAttributes(span, attribute.String(AttrScope, scope))
	}
}

// AddProviderAttributes adds upstream provider attributes to a span (nil-safe)
func AddProviderAttributes(span trace.Span, provider, acr string) {
	if provider != "" {
		SetSpanAttributes(span, attribute.String(AttrProvider, provider))
	}
	if acr != "" {
		SetSpanAttributes(span, attribute.String(AttrACR, acr))
	}
}

// AddPKCEAttributes adds PKCE-related attributes to a span (nil-safe)
func AddPKCEAttributes(span trace.Span, method string) {
	if method != "" {
		SetSpanAttributes(span, attribute.String(AttrPKCEMethod, method))
	}
}

// AddTokenFamilyAttributes adds refresh token family attributes to a span (nil-safe)
func AddTokenFamilyAttributes(span trace.Span, familyID string, generation int) {
	if familyID != "" {
		SetSpanAttributes(span,
			attribute.String(AttrTokenFamilyID, familyID),
			attribute.Int(AttrTokenGeneration, generation),
		)
	}
}

// AddStorageAttributes adds storage operation attributes to a span (nil-safe)
func AddStorageAttributes(span trace.Span, operation, storageType string) {
	SetSpanAttributes(span,
		attribute.String(AttrStorageOperation, operation),
		attribute.String(AttrStorageType, storageType),
	)
}

// AddHTTPAttributes adds HTTP request attributes to a span (nil-safe)
func AddHTTPAttributes(span trace.Span, method, endpoint string, statusCode int) {
	SetSpanAttributes(span,
		attribute.String(AttrHTTPMethod, method),
		attribute.String(AttrHTTPEndpoint, endpoint),
		attribute.Int(AttrHTTPStatusCode, statusCode),
	)
}

// AddSecurityAttributes adds security-related attributes to a span (nil-safe)
//
// Client IP addresses are personal data in some jurisdictions. Callers should
// gate this on instrumentation.ShouldLogClientIPs().
func AddSecurityAttributes(span trace.Span, clientIP string) {
	if clientIP != "" {
		SetSpanAttributes(span, attribute.String(AttrClientIP, clientIP))
	}
}
