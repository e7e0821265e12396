// Package security provides security features for the authorization server
// including encryption, rate limiting, audit logging, token hashing, and
// secure header management.
package security

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"
)

// Auditor handles security event logging with PII protection. Subject
// identifiers are hashed before they reach the log; raw tokens, verifiers,
// and national identifiers must never be passed in event details.
type Auditor struct {
	logger  *slog.Logger
	enabled bool
}

// NewAuditor creates a new security auditor
func NewAuditor(logger *slog.Logger, enabled bool) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{
		logger:  logger,
		enabled: enabled,
	}
}

// Event represents a security audit event
type Event struct {
	Type          string
	SubjectID     string
	ClientID      string
	Provider      string
	IPAddress     string
	CorrelationID string
	Details       map[string]any
	Timestamp     time.Time
}

// LogEvent logs a security event with hashed PII
func (a *Auditor) LogEvent(event Event) {
	if !a.enabled {
		return
	}

	event.Timestamp = time.Now()

	a.logger.Info("security_audit",
		"event_type", event.Type,
		"subject_hash", hashForLogging(event.SubjectID),
		"client_id", event.ClientID,
		"provider", event.Provider,
		"ip_address", event.IPAddress,
		"correlation_id", event.CorrelationID,
		"details", event.Details,
		"timestamp", event.Timestamp,
	)
}

// LogAuthFailure logs an authentication or protocol-validation failure
func (a *Auditor) LogAuthFailure(subjectID, clientID, ipAddress, reason string) {
	a.LogEvent(Event{
		Type:      EventAuthFailure,
		SubjectID: subjectID,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"reason": reason,
		},
	})
}

// LogCodeIssued logs the issuance of a downstream authorization code
func (a *Auditor) LogCodeIssued(subjectID, clientID, provider string, scopes []string) {
	a.LogEvent(Event{
		Type:      EventAuthorizationCodeIssued,
		SubjectID: subjectID,
		ClientID:  clientID,
		Provider:  provider,
		Details: map[string]any{
			"scopes": scopes,
		},
	})
}

// LogCodeRedeemed logs a successful authorization-code exchange
func (a *Auditor) LogCodeRedeemed(subjectID, clientID string, scopes []string) {
	a.LogEvent(Event{
		Type:      EventTokenIssued,
		SubjectID: subjectID,
		ClientID:  clientID,
		Details: map[string]any{
			"grant_type": "authorization_code",
			"scopes":     scopes,
		},
	})
}

// LogTokenRefreshed logs a refresh-token rotation
func (a *Auditor) LogTokenRefreshed(subjectID, clientID, familyID string) {
	a.LogEvent(Event{
		Type:      EventTokenRefreshed,
		SubjectID: subjectID,
		ClientID:  clientID,
		Details: map[string]any{
			"family_hash": hashForLogging(familyID),
		},
	})
}

// LogReplayDetected logs reuse of an already-consumed credential. This event
// accompanies the defensive family revocation; it is part of the security
// control, not just telemetry.
func (a *Auditor) LogReplayDetected(kind, subjectID, clientID, familyID string) {
	a.LogEvent(Event{
		Type:      EventReplayDetected,
		SubjectID: subjectID,
		ClientID:  clientID,
		Details: map[string]any{
			"credential_kind": kind,
			"family_hash":     hashForLogging(familyID),
			"severity":        "critical",
		},
	})
}

// LogSessionUpserted logs creation or refresh of an OIDC session
func (a *Auditor) LogSessionUpserted(subjectID, provider, sid string, fresh bool) {
	a.LogEvent(Event{
		Type:      EventSessionUpserted,
		SubjectID: subjectID,
		Provider:  provider,
		Details: map[string]any{
			"sid_hash": hashForLogging(sid),
			"fresh":    fresh,
		},
	})
}

// LogSessionTerminated logs session deletion, either explicit logout or
// upstream front-channel logout fan-out
func (a *Auditor) LogSessionTerminated(provider, reason string, count int) {
	a.LogEvent(Event{
		Type:     EventSessionTerminated,
		Provider: provider,
		Details: map[string]any{
			"reason": reason,
			"count":  count,
		},
	})
}

// LogRateLimitExceeded logs a rate limit violation
func (a *Auditor) LogRateLimitExceeded(ipAddress, subjectID string) {
	a.LogEvent(Event{
		Type:      EventRateLimitExceeded,
		SubjectID: subjectID,
		IPAddress: ipAddress,
	})
}

// hashForLogging creates a SHA256 hash of sensitive data for logging
func hashForLogging(sensitive string) string {
	if sensitive == "" {
		return "<empty>"
	}
	hash := sha256.Sum256([]byte(sensitive))
	return hex.EncodeToString(hash[:])[:16]
}
