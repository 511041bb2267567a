package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/agentc2/mcp-auth/storage"
)

// SaveConnection inserts or replaces the connection for (organization, user, provider).
func (s *Store) SaveConnection(ctx context.Context, conn *storage.Connection) error {
	if conn == nil || conn.OrganizationID == "" || conn.UserID == "" || conn.ProviderKey == "" {
		return fmt.Errorf("connection organization, user and provider are required")
	}

	accessToken, err := s.encryptor.Encrypt(conn.AccessToken)
	if err != nil {
		return fmt.Errorf("encrypting access token: %w", err)
	}
	refreshToken, err := s.encryptor.Encrypt(conn.RefreshToken)
	if err != nil {
		return fmt.Errorf("encrypting refresh token: %w", err)
	}

	var expiresAt sql.NullInt64
	if conn.ExpiresAt != nil {
		expiresAt = sql.NullInt64{Int64: conn.ExpiresAt.UnixNano(), Valid: true}
	}

	updatedAt := conn.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO connections (
			organization_id, user_id, provider_key, hosted_mcp_url, token_endpoint,
			oauth_client_id, access_token, refresh_token, token_type, scope,
			expires_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (organization_id, user_id, provider_key) DO UPDATE SET
			hosted_mcp_url  = excluded.hosted_mcp_url,
			token_endpoint  = excluded.token_endpoint,
			oauth_client_id = excluded.oauth_client_id,
			access_token    = excluded.access_token,
			refresh_token   = excluded.refresh_token,
			token_type      = excluded.token_type,
			scope           = excluded.scope,
			expires_at      = excluded.expires_at,
			updated_at      = excluded.updated_at`,
		conn.OrganizationID, conn.UserID, conn.ProviderKey, conn.HostedMCPURL, conn.TokenEndpoint,
		conn.OAuthClientID, accessToken, refreshToken, conn.TokenType, conn.Scope,
		expiresAt, updatedAt.UnixNano(),
	)
	if err != nil {
		if isForeignKeyViolation(err) {
			return fmt.Errorf("%w: %s", storage.ErrOrganizationNotFound, conn.OrganizationID)
		}
		return fmt.Errorf("saving connection: %w", err)
	}

	s.logger.Debug("Saved connection",
		"organization_id", conn.OrganizationID,
		"provider", conn.ProviderKey)
	return nil
}

// GetConnection returns the connection for (organizationID, userID, providerKey).
func (s *Store) GetConnection(ctx context.Context, organizationID, userID, providerKey string) (*storage.Connection, error) {
	var (
		conn                      storage.Connection
		accessToken, refreshToken string
		expiresAt                 sql.NullInt64
		updatedAt                 int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT organization_id, user_id, provider_key, hosted_mcp_url, token_endpoint,
			oauth_client_id, access_token, refresh_token, token_type, scope,
			expires_at, updated_at
		FROM connections
		WHERE organization_id = ? AND user_id = ? AND provider_key = ?`,
		organizationID, userID, providerKey,
	).Scan(
		&conn.OrganizationID, &conn.UserID, &conn.ProviderKey, &conn.HostedMCPURL, &conn.TokenEndpoint,
		&conn.OAuthClientID, &accessToken, &refreshToken, &conn.TokenType, &conn.Scope,
		&expiresAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrConnectionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying connection: %w", err)
	}

	if conn.AccessToken, err = s.encryptor.Decrypt(accessToken); err != nil {
		return nil, fmt.Errorf("decrypting access token: %w", err)
	}
	if conn.RefreshToken, err = s.encryptor.Decrypt(refreshToken); err != nil {
		return nil, fmt.Errorf("decrypting refresh token: %w", err)
	}

	if expiresAt.Valid {
		t := time.Unix(0, expiresAt.Int64).UTC()
		conn.ExpiresAt = &t
	}
	conn.UpdatedAt = time.Unix(0, updatedAt).UTC()

	return &conn, nil
}
