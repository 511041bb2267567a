// Package mock provides mock implementations of storage interfaces for testing.
//
// Every mock answers from an in-memory backing store by default. Tests swap
// individual Func fields to inject failures and read CallCounts to assert
// how often a method was reached.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/agentc2/mcp-auth/storage"
	"github.com/agentc2/mcp-auth/storage/memory"
)

// callCounter tracks invocations per method name
type callCounter struct {
	mu         sync.Mutex
	CallCounts map[string]int
}

func (c *callCounter) record(method string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CallCounts[method]++
}

// Calls returns how many times method was invoked
func (c *callCounter) Calls(method string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.CallCounts[method]
}

// MockCodeStore is a mock implementation of storage.CodeStore
type MockCodeStore struct {
	callCounter
	SaveAuthorizationCodeFunc    func(ctx context.Context, code *storage.AuthorizationCode) error
	ConsumeAuthorizationCodeFunc func(ctx context.Context, code string) (*storage.AuthorizationCode, error)
}

// NewMockCodeStore creates a code store mock backed by backing
func NewMockCodeStore(backing *memory.Store) *MockCodeStore {
	return &MockCodeStore{
		callCounter:                  callCounter{CallCounts: make(map[string]int)},
		SaveAuthorizationCodeFunc:    backing.SaveAuthorizationCode,
		ConsumeAuthorizationCodeFunc: backing.ConsumeAuthorizationCode,
	}
}

// SaveAuthorizationCode implements storage.CodeStore
func (m *MockCodeStore) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) error {
	m.record("SaveAuthorizationCode")
	return m.SaveAuthorizationCodeFunc(ctx, code)
}

// ConsumeAuthorizationCode implements storage.CodeStore
func (m *MockCodeStore) ConsumeAuthorizationCode(ctx context.Context, code string) (*storage.AuthorizationCode, error) {
	m.record("ConsumeAuthorizationCode")
	return m.ConsumeAuthorizationCodeFunc(ctx, code)
}

// MockTenantStore is a mock implementation of storage.TenantStore
type MockTenantStore struct {
	callCounter
	GetOrganizationFunc func(ctx context.Context, slugOrID string) (*storage.Organization, error)
}

// NewMockTenantStore creates a tenant store mock backed by backing
func NewMockTenantStore(backing *memory.Store) *MockTenantStore {
	return &MockTenantStore{
		callCounter:         callCounter{CallCounts: make(map[string]int)},
		GetOrganizationFunc: backing.GetOrganization,
	}
}

// GetOrganization implements storage.TenantStore
func (m *MockTenantStore) GetOrganization(ctx context.Context, slugOrID string) (*storage.Organization, error) {
	m.record("GetOrganization")
	return m.GetOrganizationFunc(ctx, slugOrID)
}

// MockCredentialStore is a mock implementation of storage.CredentialStore
type MockCredentialStore struct {
	callCounter
	GetActiveCredentialFunc    func(ctx context.Context, organizationID, toolID string) (*storage.ClientCredential, error)
	FindCredentialByAPIKeyFunc func(ctx context.Context, toolID, apiKey string) (*storage.ClientCredential, error)
}

// NewMockCredentialStore creates a credential store mock backed by backing
func NewMockCredentialStore(backing *memory.Store) *MockCredentialStore {
	return &MockCredentialStore{
		callCounter:                callCounter{CallCounts: make(map[string]int)},
		GetActiveCredentialFunc:    backing.GetActiveCredential,
		FindCredentialByAPIKeyFunc: backing.FindCredentialByAPIKey,
	}
}

// GetActiveCredential implements storage.CredentialStore
func (m *MockCredentialStore) GetActiveCredential(ctx context.Context, organizationID, toolID string) (*storage.ClientCredential, error) {
	m.record("GetActiveCredential")
	return m.GetActiveCredentialFunc(ctx, organizationID, toolID)
}

// FindCredentialByAPIKey implements storage.CredentialStore
func (m *MockCredentialStore) FindCredentialByAPIKey(ctx context.Context, toolID, apiKey string) (*storage.ClientCredential, error) {
	m.record("FindCredentialByAPIKey")
	return m.FindCredentialByAPIKeyFunc(ctx, toolID, apiKey)
}

// MockTokenStore is a mock implementation of storage.TokenStore
type MockTokenStore struct {
	callCounter
	SaveAccessTokenFunc   func(ctx context.Context, token *storage.AccessToken) error
	GetAccessTokenFunc    func(ctx context.Context, token string) (*storage.AccessToken, error)
	DeleteAccessTokenFunc func(ctx context.Context, token string) error
}

// NewMockTokenStore creates a token store mock backed by backing
func NewMockTokenStore(backing *memory.Store) *MockTokenStore {
	return &MockTokenStore{
		callCounter:           callCounter{CallCounts: make(map[string]int)},
		SaveAccessTokenFunc:   backing.SaveAccessToken,
		GetAccessTokenFunc:    backing.GetAccessToken,
		DeleteAccessTokenFunc: backing.DeleteAccessToken,
	}
}

// SaveAccessToken implements storage.TokenStore
func (m *MockTokenStore) SaveAccessToken(ctx context.Context, token *storage.AccessToken) error {
	m.record("SaveAccessToken")
	return m.SaveAccessTokenFunc(ctx, token)
}

// GetAccessToken implements storage.TokenStore
func (m *MockTokenStore) GetAccessToken(ctx context.Context, token string) (*storage.AccessToken, error) {
	m.record("GetAccessToken")
	return m.GetAccessTokenFunc(ctx, token)
}

// DeleteAccessToken implements storage.TokenStore
func (m *MockTokenStore) DeleteAccessToken(ctx context.Context, token string) error {
	m.record("DeleteAccessToken")
	return m.DeleteAccessTokenFunc(ctx, token)
}

// MockStateStore is a mock implementation of storage.StateStore
type MockStateStore struct {
	callCounter
	MarkStateUsedFunc func(ctx context.Context, nonce string, expiresAt time.Time) error
}

// NewMockStateStore creates a state store mock backed by backing
func NewMockStateStore(backing *memory.Store) *MockStateStore {
	return &MockStateStore{
		callCounter:       callCounter{CallCounts: make(map[string]int)},
		MarkStateUsedFunc: backing.MarkStateUsed,
	}
}

// MarkStateUsed implements storage.StateStore
func (m *MockStateStore) MarkStateUsed(ctx context.Context, nonce string, expiresAt time.Time) error {
	m.record("MarkStateUsed")
	return m.MarkStateUsedFunc(ctx, nonce, expiresAt)
}

// MockConnectionStore is a mock implementation of storage.ConnectionStore
type MockConnectionStore struct {
	callCounter
	SaveConnectionFunc func(ctx context.Context, conn *storage.Connection) error
	GetConnectionFunc  func(ctx context.Context, organizationID, userID, providerKey string) (*storage.Connection, error)
}

// NewMockConnectionStore creates a connection store mock backed by backing
func NewMockConnectionStore(backing *memory.Store) *MockConnectionStore {
	return &MockConnectionStore{
		callCounter:        callCounter{CallCounts: make(map[string]int)},
		SaveConnectionFunc: backing.SaveConnection,
		GetConnectionFunc:  backing.GetConnection,
	}
}

// SaveConnection implements storage.ConnectionStore
func (m *MockConnectionStore) SaveConnection(ctx context.Context, conn *storage.Connection) error {
	m.record("SaveConnection")
	return m.SaveConnectionFunc(ctx, conn)
}

// GetConnection implements storage.ConnectionStore
func (m *MockConnectionStore) GetConnection(ctx context.Context, organizationID, userID, providerKey string) (*storage.Connection, error) {
	m.record("GetConnection")
	return m.GetConnectionFunc(ctx, organizationID, userID, providerKey)
}

var (
	_ storage.CodeStore       = (*MockCodeStore)(nil)
	_ storage.TenantStore     = (*MockTenantStore)(nil)
	_ storage.CredentialStore = (*MockCredentialStore)(nil)
	_ storage.TokenStore      = (*MockTokenStore)(nil)
	_ storage.StateStore      = (*MockStateStore)(nil)
	_ storage.ConnectionStore = (*MockConnectionStore)(nil)
)
