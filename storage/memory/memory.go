// Package memory provides an in-memory implementation of all storage interfaces.
// It is suitable for development, testing, and single-instance deployments.
package memory

import (
	"context"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/agentc2/mcp-auth/instrumentation"
	"github.com/agentc2/mcp-auth/internal/util"
	"github.com/agentc2/mcp-auth/security"
	"github.com/agentc2/mcp-auth/storage"
)

const (
	// tokenIDLogLength is the number of characters to include when logging codes and tokens
	tokenIDLogLength = 8

	// DefaultCodeRetention is how long an expired authorization code is kept so that
	// a late redemption reports "expired" rather than "not found".
	DefaultCodeRetention = 10 * time.Minute
)

// Store is an in-memory implementation of all storage interfaces.
// It implements CodeStore, TenantStore, CredentialStore, TokenStore, StateStore and ConnectionStore.
type Store struct {
	mu sync.RWMutex

	// Flow storage
	authCodes  map[string]*storage.AuthorizationCode
	usedStates map[string]time.Time // nonce -> expiry

	// Tenant storage
	organizations map[string]*storage.Organization // id -> org
	orgSlugs      map[string]string                // slug -> id
	credentials   map[string]*storage.ClientCredential

	// Opaque access tokens
	tokens map[string]*storage.AccessToken

	// Integration connections (token fields encrypted at rest if encryptor is set)
	connections map[string]*storage.Connection

	// Security
	encryptor *security.Encryptor

	// Instrumentation
	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer

	// Atomic counters for metrics (lock-free access during metric collection)
	codesCountAtomic  atomic.Int64
	tokensCountAtomic atomic.Int64

	// Cleanup
	cleanupInterval time.Duration
	codeRetention   time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once
	now             func() time.Time
	logger          *slog.Logger
}

// Compile-time interface checks to ensure Store implements all storage interfaces
var (
	_ storage.CodeStore       = (*Store)(nil)
	_ storage.TenantStore     = (*Store)(nil)
	_ storage.CredentialStore = (*Store)(nil)
	_ storage.TokenStore      = (*Store)(nil)
	_ storage.StateStore      = (*Store)(nil)
	_ storage.ConnectionStore = (*Store)(nil)
)

// New creates a new in-memory store with the default cleanup interval (1 minute).
func New() *Store {
	return NewWithInterval(time.Minute)
}

// NewWithInterval creates a new in-memory store with a custom cleanup interval.
// If cleanupInterval is 0 or negative, uses default of 1 minute.
func NewWithInterval(cleanupInterval time.Duration) *Store {
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}

	s := &Store{
		authCodes:       make(map[string]*storage.AuthorizationCode),
		usedStates:      make(map[string]time.Time),
		organizations:   make(map[string]*storage.Organization),
		orgSlugs:        make(map[string]string),
		credentials:     make(map[string]*storage.ClientCredential),
		tokens:          make(map[string]*storage.AccessToken),
		connections:     make(map[string]*storage.Connection),
		cleanupInterval: cleanupInterval,
		codeRetention:   DefaultCodeRetention,
		stopCleanup:     make(chan struct{}),
		now:             time.Now,
		logger:          slog.Default(),
	}

	go s.cleanupLoop()

	return s
}

// SetLogger sets a custom logger
func (s *Store) SetLogger(logger *slog.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if logger != nil {
		s.logger = logger
	}
}

// SetCodeRetention sets how long expired authorization codes are kept before cleanup.
func (s *Store) SetCodeRetention(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.codeRetention = d
}

// SetEncryptor sets the encryptor used for connection tokens at rest
func (s *Store) SetEncryptor(enc *security.Encryptor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.encryptor = enc
	if enc.IsEnabled() {
		s.logger.Info("Token encryption at rest enabled for storage")
	}
}

// SetInstrumentation sets OpenTelemetry instrumentation for the store
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.mu.Lock()
	s.instrumentation = inst
	if inst != nil {
		s.tracer = inst.Tracer("storage")
	}
	s.codesCountAtomic.Store(int64(len(s.authCodes)))
	s.tokensCountAtomic.Store(int64(len(s.tokens)))
	s.mu.Unlock()

	if inst != nil {
		err := inst.RegisterStorageSizeCallbacks(
			func() int64 { return s.codesCountAtomic.Load() },
			func() int64 { return s.tokensCountAtomic.Load() },
		)
		if err != nil {
			s.logger.Warn("Failed to register storage size callbacks", "error", err)
		}
	}
}

// Stop stops the background cleanup goroutine. Safe to call more than once.
func (s *Store) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCleanup)
	})
}

// ============================================================
// CodeStore
// ============================================================

// SaveAuthorizationCode saves an issued authorization code
func (s *Store) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) error {
	ctx, span := s.startStorageSpan(ctx, "save_authorization_code")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "save_authorization_code", err, startTime)
	}()

	if code == nil || code.Code == "" {
		err = fmt.Errorf("invalid authorization code")
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.authCodes[code.Code]; exists {
		err = fmt.Errorf("authorization code collision")
		return err
	}

	stored := *code
	s.authCodes[code.Code] = &stored
	s.codesCountAtomic.Store(int64(len(s.authCodes)))
	s.logger.Debug("Saved authorization code", "code_prefix", util.SafeTruncate(code.Code, tokenIDLogLength))
	return nil
}

// ConsumeAuthorizationCode atomically removes and returns an authorization code.
//
// SECURITY: The lookup and delete happen under one write lock, so among
// concurrent redemptions of the same code exactly one observes the record.
func (s *Store) ConsumeAuthorizationCode(ctx context.Context, code string) (*storage.AuthorizationCode, error) {
	ctx, span := s.startStorageSpan(ctx, "consume_authorization_code")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "consume_authorization_code", err, startTime)
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	authCode, ok := s.authCodes[code]
	if !ok {
		err = storage.ErrAuthorizationCodeNotFound
		return nil, err
	}

	delete(s.authCodes, code)
	s.codesCountAtomic.Store(int64(len(s.authCodes)))
	s.logger.Debug("Consumed authorization code", "code_prefix", util.SafeTruncate(code, tokenIDLogLength))

	return authCode, nil
}

// ============================================================
// TenantStore / CredentialStore
// ============================================================

// SaveOrganization creates or replaces an organization. An empty ID is filled with a UUID.
func (s *Store) SaveOrganization(ctx context.Context, org *storage.Organization) error {
	if org == nil || org.Slug == "" {
		return fmt.Errorf("organization slug is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.orgSlugs[org.Slug]; ok && id != org.ID && org.ID != "" {
		return fmt.Errorf("organization slug %q already in use", org.Slug)
	}

	stored := *org
	if stored.ID == "" {
		if id, ok := s.orgSlugs[org.Slug]; ok {
			stored.ID = id
		} else {
			stored.ID = uuid.NewString()
		}
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = s.now()
	}

	s.organizations[stored.ID] = &stored
	s.orgSlugs[stored.Slug] = stored.ID
	org.ID = stored.ID
	org.CreatedAt = stored.CreatedAt

	s.logger.Debug("Saved organization", "organization_id", stored.ID, "slug", stored.Slug)
	return nil
}

// GetOrganization looks an organization up by slug first, then by id.
func (s *Store) GetOrganization(ctx context.Context, slugOrID string) (*storage.Organization, error) {
	ctx, span := s.startStorageSpan(ctx, "get_organization")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "get_organization", err, startTime)
	}()

	s.mu.RLock()
	defer s.mu.RUnlock()

	id := slugOrID
	if mapped, ok := s.orgSlugs[slugOrID]; ok {
		id = mapped
	}

	org, ok := s.organizations[id]
	if !ok {
		err = fmt.Errorf("%w: %s", storage.ErrOrganizationNotFound, slugOrID)
		return nil, err
	}

	orgCopy := *org
	return &orgCopy, nil
}

// SaveCredential stores a credential. When cred is active, any other active
// credential for the same (organization, tool) is deactivated first.
func (s *Store) SaveCredential(ctx context.Context, cred *storage.ClientCredential) error {
	if cred == nil || cred.OrganizationID == "" || cred.ToolID == "" {
		return fmt.Errorf("credential organization and tool are required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.organizations[cred.OrganizationID]; !ok {
		return fmt.Errorf("%w: %s", storage.ErrOrganizationNotFound, cred.OrganizationID)
	}

	stored := *cred
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = s.now()
	}

	if stored.IsActive {
		for _, existing := range s.credentials {
			if existing.ID != stored.ID && existing.IsActive &&
				existing.OrganizationID == stored.OrganizationID && existing.ToolID == stored.ToolID {
				existing.IsActive = false
			}
		}
	}

	s.credentials[stored.ID] = &stored
	cred.ID = stored.ID
	cred.CreatedAt = stored.CreatedAt

	s.logger.Debug("Saved credential",
		"credential_id", stored.ID,
		"organization_id", stored.OrganizationID,
		"tool_id", stored.ToolID,
		"active", stored.IsActive)
	return nil
}

// GetActiveCredential returns the active credential for (organizationID, toolID)
func (s *Store) GetActiveCredential(ctx context.Context, organizationID, toolID string) (*storage.ClientCredential, error) {
	ctx, span := s.startStorageSpan(ctx, "get_active_credential")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "get_active_credential", err, startTime)
	}()

	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, cred := range s.credentials {
		if cred.IsActive && cred.OrganizationID == organizationID && cred.ToolID == toolID {
			credCopy := *cred
			return &credCopy, nil
		}
	}

	err = storage.ErrCredentialNotFound
	return nil, err
}

// FindCredentialByAPIKey returns the active credential whose key equals apiKey.
// Every candidate is compared in constant time.
func (s *Store) FindCredentialByAPIKey(ctx context.Context, toolID, apiKey string) (*storage.ClientCredential, error) {
	ctx, span := s.startStorageSpan(ctx, "find_credential_by_api_key")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "find_credential_by_api_key", err, startTime)
	}()

	if apiKey == "" {
		err = storage.ErrCredentialNotFound
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var match *storage.ClientCredential
	for _, cred := range s.credentials {
		if !cred.IsActive || cred.ToolID != toolID {
			continue
		}
		if subtle.ConstantTimeCompare([]byte(cred.APIKey), []byte(apiKey)) == 1 {
			match = cred
		}
	}

	if match == nil {
		err = storage.ErrCredentialNotFound
		return nil, err
	}

	credCopy := *match
	return &credCopy, nil
}

// ============================================================
// TokenStore
// ============================================================

// SaveAccessToken stores an opaque access token
func (s *Store) SaveAccessToken(ctx context.Context, token *storage.AccessToken) error {
	ctx, span := s.startStorageSpan(ctx, "save_access_token")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "save_access_token", err, startTime)
	}()

	if token == nil || token.Token == "" {
		err = fmt.Errorf("token cannot be empty")
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stored := *token
	s.tokens[token.Token] = &stored
	s.tokensCountAtomic.Store(int64(len(s.tokens)))
	s.logger.Debug("Saved access token", "token_prefix", util.SafeTruncate(token.Token, tokenIDLogLength))
	return nil
}

// GetAccessToken retrieves an opaque access token
func (s *Store) GetAccessToken(ctx context.Context, token string) (*storage.AccessToken, error) {
	ctx, span := s.startStorageSpan(ctx, "get_access_token")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "get_access_token", err, startTime)
	}()

	s.mu.RLock()
	stored, ok := s.tokens[token]
	s.mu.RUnlock()

	if !ok {
		err = storage.ErrTokenNotFound
		return nil, err
	}

	if !s.now().Before(stored.ExpiresAt) {
		err = storage.ErrTokenExpired
		return nil, err
	}

	tokenCopy := *stored
	return &tokenCopy, nil
}

// DeleteAccessToken revokes an opaque access token
func (s *Store) DeleteAccessToken(ctx context.Context, token string) error {
	ctx, span := s.startStorageSpan(ctx, "delete_access_token")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "delete_access_token", err, startTime)
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.tokens, token)
	s.tokensCountAtomic.Store(int64(len(s.tokens)))
	return nil
}

// ============================================================
// StateStore
// ============================================================

// MarkStateUsed records a state nonce as consumed until expiresAt
func (s *Store) MarkStateUsed(ctx context.Context, nonce string, expiresAt time.Time) error {
	ctx, span := s.startStorageSpan(ctx, "mark_state_used")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "mark_state_used", err, startTime)
	}()

	if nonce == "" {
		err = fmt.Errorf("nonce cannot be empty")
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if until, ok := s.usedStates[nonce]; ok && s.now().Before(until) {
		err = storage.ErrStateAlreadyUsed
		return err
	}

	s.usedStates[nonce] = expiresAt
	return nil
}

// ============================================================
// ConnectionStore
// ============================================================

func connectionKey(organizationID, userID, providerKey string) string {
	return strings.Join([]string{organizationID, userID, providerKey}, "\x00")
}

// SaveConnection inserts or replaces an integration connection
func (s *Store) SaveConnection(ctx context.Context, conn *storage.Connection) error {
	ctx, span := s.startStorageSpan(ctx, "save_connection")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "save_connection", err, startTime)
	}()

	if conn == nil || conn.OrganizationID == "" || conn.UserID == "" || conn.ProviderKey == "" {
		err = fmt.Errorf("connection organization, user and provider are required")
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stored := *conn
	if stored.UpdatedAt.IsZero() {
		stored.UpdatedAt = s.now()
	}
	if s.encryptor.IsEnabled() {
		if stored.AccessToken, err = s.encryptor.Encrypt(conn.AccessToken); err != nil {
			err = fmt.Errorf("failed to encrypt access token: %w", err)
			return err
		}
		if stored.RefreshToken, err = s.encryptor.Encrypt(conn.RefreshToken); err != nil {
			err = fmt.Errorf("failed to encrypt refresh token: %w", err)
			return err
		}
	}

	s.connections[connectionKey(conn.OrganizationID, conn.UserID, conn.ProviderKey)] = &stored
	s.logger.Debug("Saved connection",
		"organization_id", conn.OrganizationID,
		"provider", conn.ProviderKey)
	return nil
}

// GetConnection returns the connection for (organizationID, userID, providerKey)
func (s *Store) GetConnection(ctx context.Context, organizationID, userID, providerKey string) (*storage.Connection, error) {
	ctx, span := s.startStorageSpan(ctx, "get_connection")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "get_connection", err, startTime)
	}()

	s.mu.RLock()
	encryptor := s.encryptor
	stored, ok := s.connections[connectionKey(organizationID, userID, providerKey)]
	s.mu.RUnlock()

	if !ok {
		err = storage.ErrConnectionNotFound
		return nil, err
	}

	conn := *stored
	if encryptor.IsEnabled() {
		if conn.AccessToken, err = encryptor.Decrypt(stored.AccessToken); err != nil {
			err = fmt.Errorf("failed to decrypt access token: %w", err)
			return nil, err
		}
		if conn.RefreshToken, err = encryptor.Decrypt(stored.RefreshToken); err != nil {
			err = fmt.Errorf("failed to decrypt refresh token: %w", err)
			return nil, err
		}
	}
	return &conn, nil
}

// ============================================================
// Cleanup
// ============================================================

func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCleanup:
			return
		case <-ticker.C:
			s.cleanup()
		}
	}
}

func (s *Store) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	cleaned := 0

	// Expired codes stay for codeRetention so late redemptions report "expired"
	for code, authCode := range s.authCodes {
		if now.After(authCode.ExpiresAt.Add(s.codeRetention)) {
			delete(s.authCodes, code)
			cleaned++
		}
	}

	for token, stored := range s.tokens {
		if !now.Before(stored.ExpiresAt) {
			delete(s.tokens, token)
			cleaned++
		}
	}

	for nonce, until := range s.usedStates {
		if !now.Before(until) {
			delete(s.usedStates, nonce)
			cleaned++
		}
	}

	s.codesCountAtomic.Store(int64(len(s.authCodes)))
	s.tokensCountAtomic.Store(int64(len(s.tokens)))

	if cleaned > 0 {
		s.logger.Debug("Cleaned up expired entries", "count", cleaned)
	}
}

// ============================================================
// Instrumentation Helpers
// ============================================================

// startStorageSpan starts a new span for a storage operation
func (s *Store) startStorageSpan(ctx context.Context, operation string) (context.Context, trace.Span) {
	if s.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}

	return s.tracer.Start(ctx, "storage."+operation,
		trace.WithAttributes(
			attribute.String(instrumentation.AttrStorageOperation, operation),
			attribute.String(instrumentation.AttrStorageType, "memory"),
		))
}

// recordStorageOperation records metrics for a storage operation and sets span status
func (s *Store) recordStorageOperation(ctx context.Context, span trace.Span, operation string, err error, startTime time.Time) {
	if s.instrumentation == nil {
		return
	}

	durationMs := float64(time.Since(startTime).Milliseconds())
	result := "success"
	if err != nil {
		result = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}

	s.instrumentation.Metrics().RecordStorageOperation(ctx, operation, result, durationMs)
}
