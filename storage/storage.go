// Package storage defines interfaces for persisting authorization codes, tenants,
// client credentials, opaque access tokens and outbound integration connections.
package storage

import (
	"context"
	"time"
)

// CodeStore holds outstanding authorization codes.
// All methods accept context.Context for tracing and cancellation.
type CodeStore interface {
	// SaveAuthorizationCode records a freshly issued code.
	SaveAuthorizationCode(ctx context.Context, code *AuthorizationCode) error

	// ConsumeAuthorizationCode atomically removes and returns a code.
	// Returns ErrAuthorizationCodeNotFound if the code was never issued or was already consumed.
	// Expiry is NOT enforced here; the caller checks ExpiresAt after consuming.
	//
	// SECURITY: This operation MUST be atomic. Under concurrent redemption of the same
	// code exactly one caller observes the record and all others observe not found.
	ConsumeAuthorizationCode(ctx context.Context, code string) (*AuthorizationCode, error)
}

// TenantStore resolves OAuth client identifiers to organizations.
type TenantStore interface {
	// GetOrganization looks an organization up by slug or id.
	// Returns ErrOrganizationNotFound when neither matches.
	GetOrganization(ctx context.Context, slugOrID string) (*Organization, error)
}

// CredentialStore reads per-tenant client credentials.
type CredentialStore interface {
	// GetActiveCredential returns the single active credential for (organizationID, toolID).
	// Returns ErrCredentialNotFound if there is none.
	GetActiveCredential(ctx context.Context, organizationID, toolID string) (*ClientCredential, error)

	// FindCredentialByAPIKey returns the active credential whose API key equals apiKey.
	// Returns ErrCredentialNotFound if there is none.
	FindCredentialByAPIKey(ctx context.Context, toolID, apiKey string) (*ClientCredential, error)
}

// TokenStore persists opaque access tokens. Only used when the server mints
// tokens that are distinct from the client credential.
type TokenStore interface {
	// SaveAccessToken stores a token until its ExpiresAt.
	SaveAccessToken(ctx context.Context, token *AccessToken) error

	// GetAccessToken returns the token record.
	// Returns ErrTokenNotFound if unknown and ErrTokenExpired if past expiry.
	GetAccessToken(ctx context.Context, token string) (*AccessToken, error)

	// DeleteAccessToken revokes a token. Deleting an unknown token is not an error.
	DeleteAccessToken(ctx context.Context, token string) error
}

// StateStore records consumed outbound OAuth state nonces so that a replayed
// callback is rejected even if the state cookie was not cleared.
type StateStore interface {
	// MarkStateUsed records nonce as used until expiresAt.
	// Returns ErrStateAlreadyUsed if the nonce was already recorded.
	MarkStateUsed(ctx context.Context, nonce string, expiresAt time.Time) error
}

// ConnectionStore persists tokens obtained from third-party MCP servers.
type ConnectionStore interface {
	// SaveConnection inserts or replaces the connection for
	// (OrganizationID, UserID, ProviderKey).
	SaveConnection(ctx context.Context, conn *Connection) error

	// GetConnection returns the connection for (organizationID, userID, providerKey).
	// Returns ErrConnectionNotFound if there is none.
	GetConnection(ctx context.Context, organizationID, userID, providerKey string) (*Connection, error)
}

// AuthorizationCode is a one-time code bound to a client, redirect URI and PKCE challenge.
type AuthorizationCode struct {
	Code                string    `json:"code"`
	ClientID            string    `json:"client_id"`
	OrganizationID      string    `json:"organization_id,omitempty"`
	RedirectURI         string    `json:"redirect_uri"`
	CodeChallenge       string    `json:"code_challenge,omitempty"`
	CodeChallengeMethod string    `json:"code_challenge_method,omitempty"`
	Scope               string    `json:"scope,omitempty"`
	CreatedAt           time.Time `json:"created_at"`
	ExpiresAt           time.Time `json:"expires_at"`
}

// IsExpired reports whether the code is past its expiry at now.
func (c *AuthorizationCode) IsExpired(now time.Time) bool {
	return now.After(c.ExpiresAt)
}

// Organization is a tenant. Its Slug is the OAuth client_id.
type Organization struct {
	ID        string    `json:"id"`
	Slug      string    `json:"slug"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// ClientCredential is a per-tenant secret. APIKey is used as the OAuth
// client_secret and, by default, as the issued access token.
type ClientCredential struct {
	ID             string    `json:"id"`
	OrganizationID string    `json:"organization_id"`
	ToolID         string    `json:"tool_id"`
	APIKey         string    `json:"api_key"`
	IsActive       bool      `json:"is_active"`
	CreatedAt      time.Time `json:"created_at"`
}

// AccessToken is an opaque bearer token mapped to a tenant.
type AccessToken struct {
	Token          string    `json:"token"`
	OrganizationID string    `json:"organization_id"`
	ClientID       string    `json:"client_id"`
	Scope          string    `json:"scope"`
	IssuedAt       time.Time `json:"issued_at"`
	ExpiresAt      time.Time `json:"expires_at"`
}

// Connection is an outbound MCP integration: tokens this platform obtained
// from a third-party authorization server on behalf of a user.
type Connection struct {
	OrganizationID string     `json:"organization_id"`
	UserID         string     `json:"user_id"`
	ProviderKey    string     `json:"provider_key"`
	HostedMCPURL   string     `json:"hosted_mcp_url"`
	TokenEndpoint  string     `json:"token_endpoint"`
	OAuthClientID  string     `json:"oauth_client_id"`
	AccessToken    string     `json:"access_token"`
	RefreshToken   string     `json:"refresh_token,omitempty"`
	TokenType      string     `json:"token_type,omitempty"`
	Scope          string     `json:"scope,omitempty"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
	UpdatedAt      time.Time  `json:"updated_at"`
}
