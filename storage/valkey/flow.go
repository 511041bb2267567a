package valkey

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/agentc2/mcp-auth/internal/util"
	"github.com/agentc2/mcp-auth/storage"
)

// SaveAuthorizationCode saves an issued authorization code. The key lives for the
// code's TTL plus the retention window so expired codes are still observable.
func (s *Store) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) (err error) {
	ctx, span := s.startStorageSpan(ctx, "save_authorization_code")
	defer span.End()

	startTime := time.Now()
	defer func() {
		s.recordStorageOperation(ctx, span, "save_authorization_code", err, startTime)
	}()

	if code == nil {
		return fmt.Errorf("invalid authorization code")
	}
	if err := validateKeyInput(code.Code); err != nil {
		return fmt.Errorf("invalid authorization code: %w", err)
	}

	data, err := json.Marshal(code)
	if err != nil {
		return fmt.Errorf("failed to marshal authorization code: %w", err)
	}

	ttl := calculateTTL(code.ExpiresAt) + s.codeRetention
	if ttl < time.Second {
		ttl = time.Second
	}

	// NX: a colliding code must never overwrite an outstanding one
	err = s.client.Do(ctx,
		s.client.B().Set().Key(s.codeKey(code.Code)).Value(string(data)).Nx().Ex(ttl).Build(),
	).Error()
	if isNilError(err) {
		return fmt.Errorf("authorization code collision")
	}
	if err != nil {
		return fmt.Errorf("failed to save authorization code: %w", err)
	}

	s.logger.Debug("Saved authorization code",
		"code_prefix", util.SafeTruncate(code.Code, tokenIDLogLength))
	return nil
}

// ConsumeAuthorizationCode atomically fetches and deletes an authorization code.
//
// SECURITY: GETDEL is a single command, so among concurrent redemptions across
// all instances exactly one receives the record.
func (s *Store) ConsumeAuthorizationCode(ctx context.Context, code string) (_ *storage.AuthorizationCode, err error) {
	ctx, span := s.startStorageSpan(ctx, "consume_authorization_code")
	defer span.End()

	startTime := time.Now()
	defer func() {
		s.recordStorageOperation(ctx, span, "consume_authorization_code", err, startTime)
	}()

	if validateKeyInput(code) != nil {
		return nil, storage.ErrAuthorizationCodeNotFound
	}

	data, err := s.client.Do(ctx, s.client.B().Getdel().Key(s.codeKey(code)).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, storage.ErrAuthorizationCodeNotFound
		}
		return nil, fmt.Errorf("failed to consume authorization code: %w", err)
	}

	var authCode storage.AuthorizationCode
	if err := json.Unmarshal([]byte(data), &authCode); err != nil {
		return nil, fmt.Errorf("failed to unmarshal authorization code: %w", err)
	}

	s.logger.Debug("Consumed authorization code",
		"code_prefix", util.SafeTruncate(code, tokenIDLogLength))

	return &authCode, nil
}

// MarkStateUsed records an outbound OAuth state nonce until expiresAt.
// SET NX makes the first caller win; later callers get ErrStateAlreadyUsed.
func (s *Store) MarkStateUsed(ctx context.Context, nonce string, expiresAt time.Time) (err error) {
	ctx, span := s.startStorageSpan(ctx, "mark_state_used")
	defer span.End()

	startTime := time.Now()
	defer func() {
		if errors.Is(err, storage.ErrStateAlreadyUsed) {
			s.recordStorageOperation(ctx, span, "mark_state_used", nil, startTime)
			return
		}
		s.recordStorageOperation(ctx, span, "mark_state_used", err, startTime)
	}()

	if err := validateKeyInput(nonce); err != nil {
		return fmt.Errorf("invalid state nonce: %w", err)
	}

	ttl := calculateTTL(expiresAt)
	if ttl < time.Second {
		ttl = time.Second
	}

	err = s.client.Do(ctx,
		s.client.B().Set().Key(s.usedStateKey(nonce)).Value("1").Nx().Ex(ttl).Build(),
	).Error()
	if isNilError(err) {
		return storage.ErrStateAlreadyUsed
	}
	if err != nil {
		return fmt.Errorf("failed to mark state used: %w", err)
	}
	return nil
}
