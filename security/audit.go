package security

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"
)

// Audit event types emitted by the proxy.
const (
	EventClientRegistered     = "client_registered"
	EventAuthorizationStarted = "authorization_started"
	EventCallbackRejected     = "callback_rejected"
	EventCodeIssued           = "client_code_issued"
	EventCodeRejected         = "client_code_rejected"
	EventTokenIssued          = "token_issued"
	EventTokenRefreshed       = "token_refreshed"
	EventTokenRevoked         = "token_revoked"
	EventRateLimitExceeded    = "rate_limit_exceeded"
	EventPKCEFailed           = "pkce_validation_failed"
)

// Auditor writes security audit events through slog. Token values are never
// logged; they are hashed first so events stay correlatable without being
// replayable.
type Auditor struct {
	logger  *slog.Logger
	enabled bool
}

// NewAuditor creates an auditor. Passing enabled=false yields a no-op
// auditor, which keeps call sites free of nil checks.
func NewAuditor(logger *slog.Logger, enabled bool) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{logger: logger, enabled: enabled}
}

// Event is one security audit record.
type Event struct {
	Type      string
	ClientID  string
	IPAddress string
	Details   map[string]any
	Timestamp time.Time
}

// LogEvent writes an audit event.
func (a *Auditor) LogEvent(event Event) {
	if a == nil || !a.enabled {
		return
	}

	event.Timestamp = time.Now()

	a.logger.Info("security_audit",
		"event_type", event.Type,
		"client_id", event.ClientID,
		"ip_address", event.IPAddress,
		"details", event.Details,
		"timestamp", event.Timestamp,
	)
}

// LogClientRegistered records a DCR registration.
func (a *Auditor) LogClientRegistered(clientID, clientIP string, redirectURIs int) {
	a.LogEvent(Event{
		Type:      EventClientRegistered,
		ClientID:  clientID,
		IPAddress: clientIP,
		Details: map[string]any{
			"redirect_uris": redirectURIs,
		},
	})
}

// LogAuthorizationStarted records the start of a proxied authorize flow.
func (a *Auditor) LogAuthorizationStarted(clientID string, scopes []string) {
	a.LogEvent(Event{
		Type:     EventAuthorizationStarted,
		ClientID: clientID,
		Details: map[string]any{
			"scopes": scopes,
		},
	})
}

// LogCallbackRejected records a rejected upstream callback (forged, replayed
// or expired state, or an upstream-reported error).
func (a *Auditor) LogCallbackRejected(reason string) {
	a.LogEvent(Event{
		Type: EventCallbackRejected,
		Details: map[string]any{
			"reason": reason,
		},
	})
}

// LogCodeIssued records a freshly minted client authorization code.
func (a *Auditor) LogCodeIssued(clientID string) {
	a.LogEvent(Event{Type: EventCodeIssued, ClientID: clientID})
}

// LogCodeRejected records a failed authorization-code lookup.
func (a *Auditor) LogCodeRejected(clientID, reason string) {
	a.LogEvent(Event{
		Type:     EventCodeRejected,
		ClientID: clientID,
		Details: map[string]any{
			"reason": reason,
		},
	})
}

// LogTokenIssued records a completed code exchange.
func (a *Auditor) LogTokenIssued(clientID, accessToken string, scopes []string) {
	a.LogEvent(Event{
		Type:     EventTokenIssued,
		ClientID: clientID,
		Details: map[string]any{
			"token_hash": HashForLogging(accessToken),
			"scopes":     scopes,
		},
	})
}

// LogTokenRefreshed records a refresh-token exchange.
func (a *Auditor) LogTokenRefreshed(clientID string, rotated bool) {
	a.LogEvent(Event{
		Type:     EventTokenRefreshed,
		ClientID: clientID,
		Details: map[string]any{
			"rotated": rotated,
		},
	})
}

// LogTokenRevoked records a revocation, including whether the upstream
// revocation endpoint was notified.
func (a *Auditor) LogTokenRevoked(clientID, tokenType string, upstreamNotified bool) {
	a.LogEvent(Event{
		Type:     EventTokenRevoked,
		ClientID: clientID,
		Details: map[string]any{
			"token_type":        tokenType,
			"upstream_notified": upstreamNotified,
		},
	})
}

// LogRateLimitExceeded records a rate-limit rejection.
func (a *Auditor) LogRateLimitExceeded(ipAddress, endpoint string) {
	a.LogEvent(Event{
		Type:      EventRateLimitExceeded,
		IPAddress: ipAddress,
		Details: map[string]any{
			"endpoint": endpoint,
		},
	})
}

// LogPKCEFailed records a failed PKCE verification at the token endpoint.
func (a *Auditor) LogPKCEFailed(clientID string) {
	a.LogEvent(Event{Type: EventPKCEFailed, ClientID: clientID})
}

// HashForLogging returns a short SHA-256 prefix of a sensitive value so it
// can be correlated across log lines without being usable.
func HashForLogging(sensitive string) string {
	if sensitive == "" {
		return "<empty>"
	}
	hash := sha256.Sum256([]byte(sensitive))
	return hex.EncodeToString(hash[:])[:16]
}
