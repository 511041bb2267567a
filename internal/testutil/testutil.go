package testutil

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/agentc2/mcp-auth/security"
	"github.com/agentc2/mcp-auth/storage"
	"github.com/agentc2/mcp-auth/storage/memory"
)

// MockTime provides a controllable time source for deterministic testing
type MockTime struct {
	mu  sync.Mutex
	now time.Time
}

// NewMockTime creates a new mock time provider
func NewMockTime(t time.Time) *MockTime {
	return &MockTime{now: t}
}

// Now returns the current mock time
func (m *MockTime) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Advance moves the mock time forward by the given duration
func (m *MockTime) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
}

// NewTestEncryptor returns an enabled encryptor with a fresh random key
func NewTestEncryptor(t testing.TB) *security.Encryptor {
	t.Helper()
	key, err := security.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}
	enc, err := security.NewEncryptor(key)
	if err != nil {
		t.Fatalf("NewEncryptor() error = %v", err)
	}
	return enc
}

// DiscardLogger returns a logger that drops everything
func DiscardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// CaptureLogger returns a debug-level logger writing to the returned buffer
func CaptureLogger() (*slog.Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	return slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})), &buf
}

// GenerateRandomString returns a URL-safe random string from n random bytes
func GenerateRandomString(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return base64.RawURLEncoding.EncodeToString(b)
}

// GeneratePKCEPair returns an S256 challenge and its verifier
func GeneratePKCEPair() (challenge, verifier string) {
	verifier = GenerateRandomString(32)
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:]), verifier
}

// NewMemoryStore returns a memory store stopped at test cleanup
func NewMemoryStore(t testing.TB) *memory.Store {
	t.Helper()
	store := memory.New()
	t.Cleanup(store.Stop)
	return store
}

// SeedTenant stores an organization and its active credential for toolID
func SeedTenant(t testing.TB, store *memory.Store, slug, toolID, apiKey string) *storage.Organization {
	t.Helper()
	ctx := context.Background()

	org := &storage.Organization{Slug: slug, Name: slug}
	if err := store.SaveOrganization(ctx, org); err != nil {
		t.Fatalf("SaveOrganization() error = %v", err)
	}
	if err := store.SaveCredential(ctx, &storage.ClientCredential{
		OrganizationID: org.ID,
		ToolID:         toolID,
		APIKey:         apiKey,
		IsActive:       true,
	}); err != nil {
		t.Fatalf("SaveCredential() error = %v", err)
	}
	return org
}
