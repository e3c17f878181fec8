package security

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"
)

// Event type constants for audit logging.
const (
	EventTokenIssued          = "token_issued"
	EventTokenRefreshed       = "token_refreshed"
	EventTokenRevoked         = "token_revoked"
	EventCodeIssued           = "authorization_code_issued"
	EventCodeReuseDetected    = "authorization_code_reuse_detected"
	EventDeviceCodeIssued     = "device_code_issued"
	EventDeviceCodeAuthorized = "device_code_authorized"
	EventAuthFailure          = "auth_failure"
	EventChallengeIssued      = "challenge_issued"
	EventChallengeVerified    = "challenge_verified"
	EventChallengeFailed      = "challenge_failed"
	EventSessionIssued        = "session_issued"
	EventRateLimitExceeded    = "rate_limit_exceeded"
)

// Auditor logs security-relevant events. User IDs are hashed before
// logging so audit output carries no directly identifying values.
type Auditor struct {
	logger  *slog.Logger
	enabled bool
}

// NewAuditor creates an auditor. A disabled auditor swallows everything.
func NewAuditor(logger *slog.Logger, enabled bool) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{logger: logger, enabled: enabled}
}

// Event is one audit record.
type Event struct {
	Type      string
	UserID    string
	ClientID  string
	IPAddress string
	Details   map[string]any
}

// LogEvent writes the event with hashed user ID.
func (a *Auditor) LogEvent(event Event) {
	if a == nil || !a.enabled {
		return
	}
	a.logger.Info("security_audit",
		"event_type", event.Type,
		"user_id_hash", hashForLogging(event.UserID),
		"client_id", event.ClientID,
		"ip_address", event.IPAddress,
		"details", event.Details,
		"timestamp", time.Now(),
	)
}

// LogAuthFailure records a failed authentication attempt.
func (a *Auditor) LogAuthFailure(userID, clientID, ip, reason string) {
	a.LogEvent(Event{
		Type:      EventAuthFailure,
		UserID:    userID,
		ClientID:  clientID,
		IPAddress: ip,
		Details:   map[string]any{"reason": reason},
	})
}

// LogTokenIssued records token issuance for a grant.
func (a *Auditor) LogTokenIssued(userID, clientID, ip, scope string) {
	a.LogEvent(Event{
		Type:      EventTokenIssued,
		UserID:    userID,
		ClientID:  clientID,
		IPAddress: ip,
		Details:   map[string]any{"scope": scope},
	})
}

// LogChallenge records challenge lifecycle events.
func (a *Auditor) LogChallenge(eventType, userID, method string) {
	a.LogEvent(Event{
		Type:    eventType,
		UserID:  userID,
		Details: map[string]any{"method": method},
	})
}

// hashForLogging produces a short stable digest of an identifier.
func hashForLogging(value string) string {
	if value == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:8])
}
