package security

// Event type constants for security audit logging.
const (
	// Authorization server events

	// EventAuthorizationCodeIssued is logged when /authorize mints a code
	EventAuthorizationCodeIssued = "authorization_code_issued"

	// EventUnknownClient is logged when /authorize or /token sees a client_id that resolves to no tenant
	EventUnknownClient = "unknown_client"

	// EventInvalidRedirect is logged when a redirect_uri is rejected
	EventInvalidRedirect = "invalid_redirect"

	// EventInvalidGrant is logged when a code is missing, reused, expired or bound to another client
	EventInvalidGrant = "invalid_grant"

	// EventInvalidPKCE is logged when PKCE validation fails
	EventInvalidPKCE = "invalid_pkce"

	// EventAuthFailure is logged when client credential validation fails
	EventAuthFailure = "auth_failure"

	// EventTokenIssued is logged when /token issues an access token
	EventTokenIssued = "token_issued"

	// EventTokenRevoked is logged when /revoke deletes an opaque access token
	EventTokenRevoked = "token_revoked"

	// EventRateLimitExceeded is logged when a rate limit is exceeded
	EventRateLimitExceeded = "rate_limit_exceeded"

	// Outbound integration events

	// EventOAuthStateRejected is logged when a callback state cookie fails validation
	EventOAuthStateRejected = "oauth_state_rejected"

	// EventIntegrationConnected is logged when tokens from a third-party MCP server are stored
	EventIntegrationConnected = "integration_connected"

	// EventIntegrationTokenRefreshed is logged when stored third-party tokens are refreshed
	EventIntegrationTokenRefreshed = "integration_token_refreshed" //nolint:gosec // G101: event name, not a credential
)
