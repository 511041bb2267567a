// Package security provides security features for the authorization server including
// encryption, rate limiting, audit logging, and secure header management.
package security

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"
)

// Auditor handles security event logging with PII protection.
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
	Type           string
	OrganizationID string
	UserID         string
	ClientID       string
	IPAddress      string
	Details        map[string]any
	Timestamp      time.Time
}

// LogEvent logs a security event. User identifiers are hashed.
func (a *Auditor) LogEvent(event Event) {
	if a == nil || !a.enabled {
		return
	}

	event.Timestamp = time.Now()

	a.logger.Info("security_audit",
		"event_type", event.Type,
		"organization_id", event.OrganizationID,
		"user_id_hash", hashForLogging(event.UserID),
		"client_id", event.ClientID,
		"ip_address", event.IPAddress,
		"details", event.Details,
		"timestamp", event.Timestamp,
	)
}

// LogCodeIssued logs when an authorization code is minted
func (a *Auditor) LogCodeIssued(organizationID, clientID, ipAddress, challengeMethod string) {
	a.LogEvent(Event{
		Type:           EventAuthorizationCodeIssued,
		OrganizationID: organizationID,
		ClientID:       clientID,
		IPAddress:      ipAddress,
		Details: map[string]any{
			"code_challenge_method": challengeMethod,
		},
	})
}

// LogTokenIssued logs when an access token is issued
func (a *Auditor) LogTokenIssued(organizationID, clientID, ipAddress, grantType string) {
	a.LogEvent(Event{
		Type:           EventTokenIssued,
		OrganizationID: organizationID,
		ClientID:       clientID,
		IPAddress:      ipAddress,
		Details: map[string]any{
			"grant_type": grantType,
		},
	})
}

// LogTokenRevoked logs when an access token is revoked
func (a *Auditor) LogTokenRevoked(organizationID, clientID, ipAddress string) {
	a.LogEvent(Event{
		Type:           EventTokenRevoked,
		OrganizationID: organizationID,
		ClientID:       clientID,
		IPAddress:      ipAddress,
	})
}

// LogUnknownClient logs when a client_id resolves to no tenant
func (a *Auditor) LogUnknownClient(clientID, ipAddress string) {
	a.LogEvent(Event{
		Type:      EventUnknownClient,
		ClientID:  clientID,
		IPAddress: ipAddress,
	})
}

// LogInvalidRedirect logs a rejected redirect_uri
func (a *Auditor) LogInvalidRedirect(clientID, redirectURI, reason string) {
	a.LogEvent(Event{
		Type:     EventInvalidRedirect,
		ClientID: clientID,
		Details: map[string]any{
			"redirect_uri": redirectURI,
			"reason":       reason,
		},
	})
}

// LogInvalidGrant logs a rejected authorization code redemption
func (a *Auditor) LogInvalidGrant(clientID, ipAddress, reason string) {
	a.LogEvent(Event{
		Type:      EventInvalidGrant,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"reason": reason,
		},
	})
}

// LogInvalidPKCE logs PKCE validation failures
func (a *Auditor) LogInvalidPKCE(clientID, ipAddress, reason string) {
	a.LogEvent(Event{
		Type:      EventInvalidPKCE,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"reason": reason,
		},
	})
}

// LogAuthFailure logs client authentication failures
func (a *Auditor) LogAuthFailure(clientID, ipAddress, reason string) {
	a.LogEvent(Event{
		Type:      EventAuthFailure,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"reason": reason,
		},
	})
}

// LogRateLimitExceeded logs rate limit violations
func (a *Auditor) LogRateLimitExceeded(ipAddress, endpoint string) {
	a.LogEvent(Event{
		Type:      EventRateLimitExceeded,
		IPAddress: ipAddress,
		Details: map[string]any{
			"endpoint": endpoint,
		},
	})
}

// LogStateRejected logs a callback whose state cookie failed validation
func (a *Auditor) LogStateRejected(ipAddress, reason string) {
	a.LogEvent(Event{
		Type:      EventOAuthStateRejected,
		IPAddress: ipAddress,
		Details: map[string]any{
			"reason": reason,
		},
	})
}

// LogIntegrationConnected logs when third-party MCP tokens are stored for a user
func (a *Auditor) LogIntegrationConnected(organizationID, userID, providerKey string) {
	a.LogEvent(Event{
		Type:           EventIntegrationConnected,
		OrganizationID: organizationID,
		UserID:         userID,
		Details: map[string]any{
			"provider": providerKey,
		},
	})
}

// LogIntegrationTokenRefreshed logs a refresh of third-party MCP tokens
func (a *Auditor) LogIntegrationTokenRefreshed(organizationID, userID, providerKey string, rotated bool) {
	a.LogEvent(Event{
		Type:           EventIntegrationTokenRefreshed,
		OrganizationID: organizationID,
		UserID:         userID,
		Details: map[string]any{
			"provider": providerKey,
			"rotated":  rotated,
		},
	})
}

// hashForLogging returns a short SHA-256 prefix so identifiers can be correlated
// across log lines without being recoverable.
func hashForLogging(value string) string {
	if value == "" {
		return "<empty>"
	}
	hash := sha256.Sum256([]byte(value))
	return hex.EncodeToString(hash[:])[:16]
}
