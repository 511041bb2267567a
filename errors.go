package oauth

import (
	"github.com/agentc2/mcp-auth/server"
)

// OAuth error codes returned in error responses
const (
	ErrorCodeInvalidRequest          = server.ErrorCodeInvalidRequest
	ErrorCodeInvalidGrant            = server.ErrorCodeInvalidGrant
	ErrorCodeInvalidClient           = server.ErrorCodeInvalidClient
	ErrorCodeInvalidToken            = server.ErrorCodeInvalidToken
	ErrorCodeUnauthorizedClient      = server.ErrorCodeUnauthorizedClient
	ErrorCodeUnsupportedGrantType    = server.ErrorCodeUnsupportedGrantType
	ErrorCodeUnsupportedResponseType = server.ErrorCodeUnsupportedResponseType
	ErrorCodeServerError             = server.ErrorCodeServerError
	ErrorCodeRateLimitExceeded       = server.ErrorCodeRateLimitExceeded
)

// OAuthError represents an OAuth 2.0 error response
type OAuthError = server.OAuthError

// Common OAuth errors
var (
	// ErrInvalidRequest indicates the request is malformed or missing required parameters
	ErrInvalidRequest = server.ErrInvalidRequest

	// ErrInvalidGrant indicates the authorization code is invalid, used, expired or mis-bound
	ErrInvalidGrant = server.ErrInvalidGrant

	// ErrInvalidClient indicates client authentication failed
	ErrInvalidClient = server.ErrInvalidClient

	// ErrInvalidToken indicates the access token is invalid or expired
	ErrInvalidToken = server.ErrInvalidToken

	// ErrServerError indicates an internal server error occurred
	ErrServerError = server.ErrServerError
)
