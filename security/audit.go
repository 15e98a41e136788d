// Package security provides supporting security features for the
// authorization server: audit logging, rate limiting, encryption at
// rest, clock skew handling, and secure HTTP header management.
package security

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"
)

// Event type constants for security audit logging.
const (
	EventCodeIssued        = "authorization_code_issued"
	EventCodeReuseDetected = "authorization_code_reuse_detected"
	EventTokenIssued       = "token_issued"
	EventTokenRefreshed    = "token_refreshed"
	EventTokenRevoked      = "token_revoked"
	EventAuthFailure       = "auth_failure"
	EventRateLimitExceeded = "rate_limit_exceeded"
	EventClientRegistered  = "client_registered"
)

// Auditor handles security event logging with PII protection. Subject
// identifiers are hashed before they reach log output.
type Auditor struct {
	logger  *slog.Logger
	enabled bool
}

// NewAuditor creates a new security auditor.
func NewAuditor(logger *slog.Logger, enabled bool) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{logger: logger, enabled: enabled}
}

// Event represents a security audit event.
type Event struct {
	Type      string
	SubjectID string
	ClientID  string
	IPAddress string
	Details   map[string]any
	Timestamp time.Time
}

// LogEvent logs a security event with hashed PII.
func (a *Auditor) LogEvent(event Event) {
	if !a.enabled {
		return
	}

	event.Timestamp = time.Now()

	a.logger.Info("security_audit",
		"event_type", event.Type,
		"subject_hash", hashForLogging(event.SubjectID),
		"client_id", event.ClientID,
		"ip_address", event.IPAddress,
		"details", event.Details,
		"timestamp", event.Timestamp,
	)
}

// LogCodeIssued logs issuance of an authorization code.
func (a *Auditor) LogCodeIssued(subjectID, clientID, ipAddress, scope string) {
	a.LogEvent(Event{
		Type:      EventCodeIssued,
		SubjectID: subjectID,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"scope": scope,
		},
	})
}

// LogCodeReuseDetected logs a second redemption attempt for an already
// consumed authorization code.
func (a *Auditor) LogCodeReuseDetected(subjectID, clientID, ipAddress string) {
	a.LogEvent(Event{
		Type:      EventCodeReuseDetected,
		SubjectID: subjectID,
		ClientID:  clientID,
		IPAddress: ipAddress,
	})
}

// LogTokenIssued logs issuance of an access token.
func (a *Auditor) LogTokenIssued(subjectID, clientID, ipAddress, grantType, scope string) {
	a.LogEvent(Event{
		Type:      EventTokenIssued,
		SubjectID: subjectID,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"grant_type": grantType,
			"scope":      scope,
		},
	})
}

// LogTokenRefreshed logs redemption of a refresh token.
func (a *Auditor) LogTokenRefreshed(subjectID, clientID, ipAddress string, rotated bool) {
	a.LogEvent(Event{
		Type:      EventTokenRefreshed,
		SubjectID: subjectID,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"rotated": rotated,
		},
	})
}

// LogTokenRevoked logs revocation of a token.
func (a *Auditor) LogTokenRevoked(subjectID, clientID, ipAddress, tokenType string) {
	a.LogEvent(Event{
		Type:      EventTokenRevoked,
		SubjectID: subjectID,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"token_type": tokenType,
		},
	})
}

// LogAuthFailure logs a client authentication failure.
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

// LogRateLimitExceeded logs a rate limit violation.
func (a *Auditor) LogRateLimitExceeded(ipAddress, clientID string) {
	a.LogEvent(Event{
		Type:      EventRateLimitExceeded,
		ClientID:  clientID,
		IPAddress: ipAddress,
	})
}

// LogClientRegistered logs registration of a new client.
func (a *Auditor) LogClientRegistered(clientID, clientType, ipAddress string) {
	a.LogEvent(Event{
		Type:      EventClientRegistered,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"client_type": clientType,
		},
	})
}

// hashForLogging hashes sensitive identifiers so log output can be
// correlated without exposing the raw value.
func hashForLogging(value string) string {
	if value == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:8])
}
