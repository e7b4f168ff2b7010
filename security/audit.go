package security

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"
)

// Auditor writes security events to a structured logger. User identifiers are
// hashed before they are logged.
type Auditor struct {
	logger  *slog.Logger
	enabled bool
	now     func() time.Time
}

// NewAuditor creates a new security auditor
func NewAuditor(logger *slog.Logger, enabled bool) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{
		logger:  logger,
		enabled: enabled,
		now:     time.Now,
	}
}

// Event represents a security audit event
type Event struct {
	Type      string
	UserID    string
	ClientID  string
	IPAddress string
	Details   map[string]any
	Timestamp time.Time
}

// LogEvent logs a security event with hashed PII. A nil Auditor is a no-op.
func (a *Auditor) LogEvent(event Event) {
	if a == nil || !a.enabled {
		return
	}

	event.Timestamp = a.now()

	a.logger.Info("security_audit",
		"event_type", event.Type,
		"user_id_hash", hashForLogging(event.UserID),
		"client_id", event.ClientID,
		"ip_address", event.IPAddress,
		"details", event.Details,
		"timestamp", event.Timestamp,
	)
}

// LogAuthorizationStarted logs a client starting the provider round trip
func (a *Auditor) LogAuthorizationStarted(clientID, ipAddress string, scopes []string) {
	a.LogEvent(Event{
		Type:      EventAuthorizationFlowStarted,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"scopes": scopes,
		},
	})
}

// LogAuthorizationCodeIssued logs a successful callback completion
func (a *Auditor) LogAuthorizationCodeIssued(userID, clientID string) {
	a.LogEvent(Event{
		Type:     EventAuthorizationCodeIssued,
		UserID:   userID,
		ClientID: clientID,
	})
}

// LogCallbackRejected logs a callback that failed before a code was issued
func (a *Auditor) LogCallbackRejected(clientID, ipAddress, reason string) {
	a.LogEvent(Event{
		Type:      EventCallbackRejected,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"reason": reason,
		},
	})
}

// LogUserNotAuthorized logs a verified user rejected by the allowlist
func (a *Auditor) LogUserNotAuthorized(userID, clientID string) {
	a.LogEvent(Event{
		Type:     EventUserNotAuthorized,
		UserID:   userID,
		ClientID: clientID,
	})
}

// LogTokenIssued logs when a token is issued
func (a *Auditor) LogTokenIssued(userID, clientID, scope string) {
	a.LogEvent(Event{
		Type:     EventTokenIssued,
		UserID:   userID,
		ClientID: clientID,
		Details: map[string]any{
			"scope": scope,
		},
	})
}

// LogTokenRefreshed logs when a refresh token is rotated
func (a *Auditor) LogTokenRefreshed(userID, clientID, scope string) {
	a.LogEvent(Event{
		Type:     EventTokenRefreshed,
		UserID:   userID,
		ClientID: clientID,
		Details: map[string]any{
			"scope": scope,
		},
	})
}

// LogTokenRevoked logs when a token is revoked
func (a *Auditor) LogTokenRevoked(clientID, ipAddress string) {
	a.LogEvent(Event{
		Type:      EventTokenRevoked,
		ClientID:  clientID,
		IPAddress: ipAddress,
	})
}

// LogAuthFailure logs an authentication failure
func (a *Auditor) LogAuthFailure(userID, clientID, ipAddress, reason string) {
	a.LogEvent(Event{
		Type:      EventAuthFailure,
		UserID:    userID,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"reason": reason,
		},
	})
}

// LogRateLimitExceeded logs a rate limit violation
func (a *Auditor) LogRateLimitExceeded(ipAddress, endpoint string) {
	a.LogEvent(Event{
		Type:      EventRateLimitExceeded,
		IPAddress: ipAddress,
		Details: map[string]any{
			"endpoint": endpoint,
		},
	})
}

// LogClientRegistered logs when a new client is registered
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

// hashForLogging creates a SHA256 hash of sensitive data for logging
func hashForLogging(sensitive string) string {
	if sensitive == "" {
		return "<empty>"
	}
	hash := sha256.Sum256([]byte(sensitive))
	return hex.EncodeToString(hash[:])[:16]
}
