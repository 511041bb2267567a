package valkey

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/agentc2/mcp-auth/internal/util"
	"github.com/agentc2/mcp-auth/storage"
)

// SaveAccessToken stores an opaque access token with a TTL matching its expiry
func (s *Store) SaveAccessToken(ctx context.Context, token *storage.AccessToken) (err error) {
	ctx, span := s.startStorageSpan(ctx, "save_access_token")
	defer span.End()

	startTime := time.Now()
	defer func() {
		s.recordStorageOperation(ctx, span, "save_access_token", err, startTime)
	}()

	if token == nil {
		return fmt.Errorf("token cannot be nil")
	}
	if err := validateKeyInput(token.Token); err != nil {
		return fmt.Errorf("invalid access token: %w", err)
	}

	ttl := calculateTTL(token.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("access token already expired")
	}

	data, err := json.Marshal(token)
	if err != nil {
		return fmt.Errorf("failed to marshal access token: %w", err)
	}

	if err := s.client.Do(ctx,
		s.client.B().Set().Key(s.accessTokenKey(token.Token)).Value(string(data)).Ex(ttl).Build(),
	).Error(); err != nil {
		return fmt.Errorf("failed to save access token: %w", err)
	}

	s.logger.Debug("Saved access token",
		"token_prefix", util.SafeTruncate(token.Token, tokenIDLogLength),
		"organization_id", token.OrganizationID)
	return nil
}

// GetAccessToken retrieves an opaque access token
func (s *Store) GetAccessToken(ctx context.Context, token string) (_ *storage.AccessToken, err error) {
	ctx, span := s.startStorageSpan(ctx, "get_access_token")
	defer span.End()

	startTime := time.Now()
	defer func() {
		s.recordStorageOperation(ctx, span, "get_access_token", err, startTime)
	}()

	if validateKeyInput(token) != nil {
		return nil, storage.ErrTokenNotFound
	}

	data, err := s.client.Do(ctx, s.client.B().Get().Key(s.accessTokenKey(token)).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, storage.ErrTokenNotFound
		}
		return nil, fmt.Errorf("failed to get access token: %w", err)
	}

	var stored storage.AccessToken
	if err := json.Unmarshal([]byte(data), &stored); err != nil {
		return nil, fmt.Errorf("failed to unmarshal access token: %w", err)
	}

	// TTL should handle this, but double-check
	if !time.Now().Before(stored.ExpiresAt) {
		return nil, storage.ErrTokenExpired
	}

	return &stored, nil
}

// DeleteAccessToken revokes an opaque access token
func (s *Store) DeleteAccessToken(ctx context.Context, token string) (err error) {
	ctx, span := s.startStorageSpan(ctx, "delete_access_token")
	defer span.End()

	startTime := time.Now()
	defer func() {
		s.recordStorageOperation(ctx, span, "delete_access_token", err, startTime)
	}()

	if err := s.client.Do(ctx, s.client.B().Del().Key(s.accessTokenKey(token)).Build()).Error(); err != nil {
		return fmt.Errorf("failed to delete access token: %w", err)
	}
	return nil
}
