package security

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"

	"github.com/gitboard/ghauth/internal/util"
)

// hashedPrefixLen is how much of a hashed identifier reaches the log.
// Enough to correlate events, too little to reverse.
const hashedPrefixLen = 16

// Auditor handles security event logging with PII protection.
// Every state transition and failure in the auth core flows through here,
// giving downstream alerting a single structured stream to watch.
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
	Type       string
	ExternalID string
	Login      string
	IPAddress  string
	Details    map[string]any
	Timestamp  time.Time
}

// LogEvent logs a security event with hashed user identifiers
func (a *Auditor) LogEvent(event Event) {
	if !a.enabled {
		return
	}

	event.Timestamp = time.Now()

	a.logger.Info("security_audit",
		"event_type", event.Type,
		"external_id_hash", hashForLogging(event.ExternalID),
		"login", event.Login,
		"ip_address", event.IPAddress,
		"details", event.Details,
		"timestamp", event.Timestamp,
	)
}

// LogStateOutcome logs the outcome of a state validation attempt.
// eventType is one of the EventState* constants.
func (a *Auditor) LogStateOutcome(eventType, state, ipAddress string) {
	a.LogEvent(Event{
		Type:      eventType,
		IPAddress: ipAddress,
		Details: map[string]any{
			"state_hash": hashForLogging(state),
		},
	})
}

// LogLogin logs a completed login, classified as a fresh login or a refresh.
func (a *Auditor) LogLogin(externalID, login, ipAddress string, refresh bool) {
	eventType := EventLoginSuccess
	if refresh {
		eventType = EventLoginRefresh
	}
	a.LogEvent(Event{
		Type:       eventType,
		ExternalID: externalID,
		Login:      login,
		IPAddress:  ipAddress,
	})
}

// LogAuthFailure logs a bearer authentication failure
func (a *Auditor) LogAuthFailure(ipAddress, reason string) {
	a.LogEvent(Event{
		Type:      EventAuthFailure,
		IPAddress: ipAddress,
		Details: map[string]any{
			"reason": reason,
		},
	})
}

// LogWebhookOutcome logs the outcome of a webhook signature check.
// eventType is one of the EventWebhook* constants.
func (a *Auditor) LogWebhookOutcome(eventType, deliveryID, event, ipAddress string) {
	a.LogEvent(Event{
		Type:      eventType,
		IPAddress: ipAddress,
		Details: map[string]any{
			"delivery_id": deliveryID,
			"event":       event,
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

// hashForLogging creates a SHA256 hash of sensitive data for logging
func hashForLogging(sensitive string) string {
	if sensitive == "" {
		return "<empty>"
	}
	hash := sha256.Sum256([]byte(sensitive))
	return util.SafeTruncate(hex.EncodeToString(hash[:]), hashedPrefixLen)
}
