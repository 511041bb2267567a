package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"

	"github.com/agentc2/mcp-auth/storage"
)

// dummyHash is compared for unknown tenants so both paths pay the bcrypt cost
var dummyHash = []byte("$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy")

// ResolveClient maps a client_id (organization slug or id) to its organization.
// Unknown clients return ErrUnauthorizedClient.
func (s *Server) ResolveClient(ctx context.Context, clientID string) (*storage.Organization, error) {
	if clientID == "" {
		return nil, ErrInvalidRequest("client_id is required")
	}

	org, err := s.tenantStore.GetOrganization(ctx, clientID)
	if err != nil {
		if errors.Is(err, storage.ErrOrganizationNotFound) {
			return nil, ErrUnauthorizedClient("Unknown client_id")
		}
		return nil, fmt.Errorf("failed to resolve client: %w", err)
	}
	return org, nil
}

// ValidateClientCredentials checks clientSecret against the tenant's active
// credential for Config.ToolID, then against the global override hash.
// Failures return ErrInvalidClient; storage failures are returned wrapped.
func (s *Server) ValidateClientCredentials(ctx context.Context, clientID, clientSecret string) (*storage.Organization, error) {
	ctx, span := s.startSpan(ctx, "server.ValidateClientCredentials")
	defer span.End()

	org, err := s.tenantStore.GetOrganization(ctx, clientID)
	if err != nil {
		if !errors.Is(err, storage.ErrOrganizationNotFound) {
			return nil, fmt.Errorf("failed to resolve client: %w", err)
		}
		_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(clientSecret))
		return nil, ErrInvalidClient(DescInvalidClient)
	}

	cred, err := s.credentialStore.GetActiveCredential(ctx, org.ID, s.Config.ToolID)
	switch {
	case err == nil:
		if cred.APIKey != "" && subtle.ConstantTimeCompare([]byte(cred.APIKey), []byte(clientSecret)) == 1 {
			return org, nil
		}
	case errors.Is(err, storage.ErrCredentialNotFound):
	default:
		return nil, fmt.Errorf("failed to load client credential: %w", err)
	}

	if s.Config.GlobalSecretHash != "" && clientSecret != "" {
		if bcrypt.CompareHashAndPassword([]byte(s.Config.GlobalSecretHash), []byte(clientSecret)) == nil {
			s.Logger.Info("Client authenticated with global override secret", "client_id", clientID)
			return org, nil
		}
	}

	return nil, ErrInvalidClient(DescInvalidClient)
}
