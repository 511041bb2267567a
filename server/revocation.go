package server

import (
	"context"
	"errors"
	"fmt"

	"github.com/agentc2/mcp-auth/storage"
)

// RevokeAccessToken deletes an opaque access token on behalf of the tenant it
// was issued to (RFC 7009). The client must authenticate. Unknown, expired and
// foreign tokens are ignored so callers cannot learn whether a token exists.
// Credential-mode bearer tokens are tenant API keys and are rotated through
// the tenant store, not revoked here.
func (s *Server) RevokeAccessToken(ctx context.Context, clientID, clientSecret, token, clientIP string) error {
	ctx, span := s.startSpan(ctx, "server.RevokeAccessToken")
	defer span.End()

	if token == "" {
		return ErrInvalidRequest("token is required")
	}
	if clientID == "" || clientSecret == "" {
		return ErrInvalidRequest("client_id and client_secret are required")
	}

	org, err := s.ValidateClientCredentials(ctx, clientID, clientSecret)
	if err != nil {
		return s.clientAuthFailed(ctx, err, clientID, clientIP, "revocation")
	}

	if s.tokenStore == nil {
		return nil
	}

	stored, err := s.tokenStore.GetAccessToken(ctx, token)
	switch {
	case err == nil:
	case errors.Is(err, storage.ErrTokenNotFound), errors.Is(err, storage.ErrTokenExpired):
		return nil
	default:
		return fmt.Errorf("failed to look up access token: %w", err)
	}

	if stored.OrganizationID != org.ID {
		s.Logger.Warn("Ignoring revocation of a token issued to another tenant",
			"client_id", clientID, "ip", clientIP)
		return nil
	}

	if err := s.tokenStore.DeleteAccessToken(ctx, token); err != nil {
		return fmt.Errorf("failed to revoke access token: %w", err)
	}

	s.Auditor.LogTokenRevoked(org.ID, clientID, clientIP)
	s.Logger.Info("Access token revoked", "client_id", clientID, "ip", clientIP)
	return nil
}
