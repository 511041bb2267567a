package memory

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agentc2/mcp-auth/security"
	"github.com/agentc2/mcp-auth/storage"
)

const (
	testOrgSlug = "acme"
	testToolID  = "mcp-server"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store := New()
	t.Cleanup(store.Stop)
	return store
}

func setNow(s *Store, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = func() time.Time { return now }
}

func testCode(code string, expiresAt time.Time) *storage.AuthorizationCode {
	return &storage.AuthorizationCode{
		Code:                code,
		ClientID:            testOrgSlug,
		RedirectURI:         "https://client.example.com/callback",
		CodeChallenge:       "challenge",
		CodeChallengeMethod: "S256",
		CreatedAt:           time.Now(),
		ExpiresAt:           expiresAt,
	}
}

// ============================================================
// CodeStore Tests
// ============================================================

func TestStore_ConsumeAuthorizationCode(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	if err := store.SaveAuthorizationCode(ctx, testCode("code-1", time.Now().Add(time.Minute))); err != nil {
		t.Fatalf("SaveAuthorizationCode() error = %v", err)
	}

	got, err := store.ConsumeAuthorizationCode(ctx, "code-1")
	if err != nil {
		t.Fatalf("ConsumeAuthorizationCode() error = %v", err)
	}
	if got.ClientID != testOrgSlug {
		t.Errorf("ClientID = %q, want %q", got.ClientID, testOrgSlug)
	}

	_, err = store.ConsumeAuthorizationCode(ctx, "code-1")
	if !errors.Is(err, storage.ErrAuthorizationCodeNotFound) {
		t.Errorf("second ConsumeAuthorizationCode() error = %v, want ErrAuthorizationCodeNotFound", err)
	}
}

func TestStore_ConsumeAuthorizationCode_Unknown(t *testing.T) {
	store := newTestStore(t)

	_, err := store.ConsumeAuthorizationCode(context.Background(), "never-issued")
	if !errors.Is(err, storage.ErrAuthorizationCodeNotFound) {
		t.Errorf("ConsumeAuthorizationCode() error = %v, want ErrAuthorizationCodeNotFound", err)
	}
}

func TestStore_ConsumeAuthorizationCode_ReturnsExpired(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	if err := store.SaveAuthorizationCode(ctx, testCode("expired", time.Now().Add(-time.Second))); err != nil {
		t.Fatalf("SaveAuthorizationCode() error = %v", err)
	}

	got, err := store.ConsumeAuthorizationCode(ctx, "expired")
	if err != nil {
		t.Fatalf("ConsumeAuthorizationCode() error = %v", err)
	}
	if !got.IsExpired(time.Now()) {
		t.Error("consumed code should report expired")
	}
}

func TestStore_ConsumeAuthorizationCode_Concurrent(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	if err := store.SaveAuthorizationCode(ctx, testCode("race", time.Now().Add(time.Minute))); err != nil {
		t.Fatalf("SaveAuthorizationCode() error = %v", err)
	}

	const workers = 50
	var (
		wg        sync.WaitGroup
		successes atomic.Int32
		notFound  atomic.Int32
	)
	start := make(chan struct{})

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := store.ConsumeAuthorizationCode(ctx, "race")
			switch {
			case err == nil:
				successes.Add(1)
			case errors.Is(err, storage.ErrAuthorizationCodeNotFound):
				notFound.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	if successes.Load() != 1 {
		t.Errorf("successes = %d, want 1", successes.Load())
	}
	if notFound.Load() != workers-1 {
		t.Errorf("not found = %d, want %d", notFound.Load(), workers-1)
	}
}

func TestStore_SaveAuthorizationCode_Invalid(t *testing.T) {
	store := newTestStore(t)

	if err := store.SaveAuthorizationCode(context.Background(), nil); err == nil {
		t.Error("SaveAuthorizationCode(nil) should return error")
	}
	if err := store.SaveAuthorizationCode(context.Background(), &storage.AuthorizationCode{}); err == nil {
		t.Error("SaveAuthorizationCode() with empty code should return error")
	}
}

func TestStore_Cleanup_RetainsRecentlyExpiredCodes(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	store.SetCodeRetention(time.Minute)

	now := time.Now()
	if err := store.SaveAuthorizationCode(ctx, testCode("recent", now.Add(-30*time.Second))); err != nil {
		t.Fatalf("SaveAuthorizationCode() error = %v", err)
	}
	if err := store.SaveAuthorizationCode(ctx, testCode("stale", now.Add(-2*time.Minute))); err != nil {
		t.Fatalf("SaveAuthorizationCode() error = %v", err)
	}

	setNow(store, now)
	store.cleanup()

	if _, err := store.ConsumeAuthorizationCode(ctx, "recent"); err != nil {
		t.Errorf("recently expired code should survive cleanup, got %v", err)
	}
	if _, err := store.ConsumeAuthorizationCode(ctx, "stale"); !errors.Is(err, storage.ErrAuthorizationCodeNotFound) {
		t.Errorf("stale code should be cleaned up, got %v", err)
	}
}

// ============================================================
// TenantStore / CredentialStore Tests
// ============================================================

func TestStore_GetOrganization_BySlugOrID(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	org := &storage.Organization{Slug: testOrgSlug, Name: "Acme"}
	if err := store.SaveOrganization(ctx, org); err != nil {
		t.Fatalf("SaveOrganization() error = %v", err)
	}
	if org.ID == "" {
		t.Fatal("SaveOrganization() did not assign an ID")
	}

	for _, key := range []string{testOrgSlug, org.ID} {
		got, err := store.GetOrganization(ctx, key)
		if err != nil {
			t.Fatalf("GetOrganization(%q) error = %v", key, err)
		}
		if got.ID != org.ID {
			t.Errorf("GetOrganization(%q).ID = %q, want %q", key, got.ID, org.ID)
		}
	}

	if _, err := store.GetOrganization(ctx, "unknown"); !errors.Is(err, storage.ErrOrganizationNotFound) {
		t.Errorf("GetOrganization(unknown) error = %v, want ErrOrganizationNotFound", err)
	}
}

func TestStore_SaveCredential_SingleActive(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	org := &storage.Organization{Slug: testOrgSlug}
	if err := store.SaveOrganization(ctx, org); err != nil {
		t.Fatalf("SaveOrganization() error = %v", err)
	}

	first := &storage.ClientCredential{OrganizationID: org.ID, ToolID: testToolID, APIKey: "key-1", IsActive: true}
	second := &storage.ClientCredential{OrganizationID: org.ID, ToolID: testToolID, APIKey: "key-2", IsActive: true}
	for _, c := range []*storage.ClientCredential{first, second} {
		if err := store.SaveCredential(ctx, c); err != nil {
			t.Fatalf("SaveCredential() error = %v", err)
		}
	}

	active, err := store.GetActiveCredential(ctx, org.ID, testToolID)
	if err != nil {
		t.Fatalf("GetActiveCredential() error = %v", err)
	}
	if active.APIKey != "key-2" {
		t.Errorf("active APIKey = %q, want key-2", active.APIKey)
	}

	if _, err := store.FindCredentialByAPIKey(ctx, testToolID, "key-1"); !errors.Is(err, storage.ErrCredentialNotFound) {
		t.Errorf("deactivated key should not be found, got %v", err)
	}
	found, err := store.FindCredentialByAPIKey(ctx, testToolID, "key-2")
	if err != nil {
		t.Fatalf("FindCredentialByAPIKey() error = %v", err)
	}
	if found.OrganizationID != org.ID {
		t.Errorf("OrganizationID = %q, want %q", found.OrganizationID, org.ID)
	}

	if _, err := store.GetActiveCredential(ctx, org.ID, "other-tool"); !errors.Is(err, storage.ErrCredentialNotFound) {
		t.Errorf("GetActiveCredential(other-tool) error = %v, want ErrCredentialNotFound", err)
	}
}

func TestStore_SaveCredential_UnknownOrganization(t *testing.T) {
	store := newTestStore(t)

	err := store.SaveCredential(context.Background(), &storage.ClientCredential{
		OrganizationID: "missing", ToolID: testToolID, APIKey: "k", IsActive: true,
	})
	if !errors.Is(err, storage.ErrOrganizationNotFound) {
		t.Errorf("SaveCredential() error = %v, want ErrOrganizationNotFound", err)
	}
}

// ============================================================
// TokenStore Tests
// ============================================================

func TestStore_AccessTokens(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	now := time.Now()
	token := &storage.AccessToken{
		Token:          "opaque-token",
		OrganizationID: "org-1",
		ClientID:       testOrgSlug,
		Scope:          "mcp",
		IssuedAt:       now,
		ExpiresAt:      now.Add(time.Hour),
	}
	if err := store.SaveAccessToken(ctx, token); err != nil {
		t.Fatalf("SaveAccessToken() error = %v", err)
	}

	got, err := store.GetAccessToken(ctx, "opaque-token")
	if err != nil {
		t.Fatalf("GetAccessToken() error = %v", err)
	}
	if got.OrganizationID != "org-1" {
		t.Errorf("OrganizationID = %q, want org-1", got.OrganizationID)
	}

	setNow(store, now.Add(2*time.Hour))
	if _, err := store.GetAccessToken(ctx, "opaque-token"); !errors.Is(err, storage.ErrTokenExpired) {
		t.Errorf("GetAccessToken() after expiry error = %v, want ErrTokenExpired", err)
	}

	if err := store.DeleteAccessToken(ctx, "opaque-token"); err != nil {
		t.Fatalf("DeleteAccessToken() error = %v", err)
	}
	if _, err := store.GetAccessToken(ctx, "opaque-token"); !errors.Is(err, storage.ErrTokenNotFound) {
		t.Errorf("GetAccessToken() after delete error = %v, want ErrTokenNotFound", err)
	}
	if err := store.DeleteAccessToken(ctx, "never-existed"); err != nil {
		t.Errorf("DeleteAccessToken(unknown) error = %v, want nil", err)
	}
}

// ============================================================
// StateStore Tests
// ============================================================

func TestStore_MarkStateUsed(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	expires := time.Now().Add(10 * time.Minute)
	if err := store.MarkStateUsed(ctx, "nonce", expires); err != nil {
		t.Fatalf("MarkStateUsed() error = %v", err)
	}
	if err := store.MarkStateUsed(ctx, "nonce", expires); !errors.Is(err, storage.ErrStateAlreadyUsed) {
		t.Errorf("second MarkStateUsed() error = %v, want ErrStateAlreadyUsed", err)
	}
	if err := store.MarkStateUsed(ctx, "other", expires); err != nil {
		t.Errorf("MarkStateUsed(other) error = %v", err)
	}
}

// ============================================================
// ConnectionStore Tests
// ============================================================

func TestStore_Connections_Encrypted(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	key, err := security.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}
	enc, err := security.NewEncryptor(key)
	if err != nil {
		t.Fatalf("NewEncryptor() error = %v", err)
	}
	store.SetEncryptor(enc)

	expires := time.Now().Add(time.Hour)
	conn := &storage.Connection{
		OrganizationID: "org-1",
		UserID:         "user-1",
		ProviderKey:    "linear",
		TokenEndpoint:  "https://mcp.linear.app/token",
		AccessToken:    "upstream-access",
		RefreshToken:   "upstream-refresh",
		ExpiresAt:      &expires,
	}
	if err := store.SaveConnection(ctx, conn); err != nil {
		t.Fatalf("SaveConnection() error = %v", err)
	}

	raw := store.connections[connectionKey("org-1", "user-1", "linear")]
	if raw.AccessToken == "upstream-access" {
		t.Error("access token stored in plaintext")
	}

	got, err := store.GetConnection(ctx, "org-1", "user-1", "linear")
	if err != nil {
		t.Fatalf("GetConnection() error = %v", err)
	}
	if got.AccessToken != "upstream-access" || got.RefreshToken != "upstream-refresh" {
		t.Errorf("GetConnection() tokens = %q/%q", got.AccessToken, got.RefreshToken)
	}

	if _, err := store.GetConnection(ctx, "org-1", "user-2", "linear"); !errors.Is(err, storage.ErrConnectionNotFound) {
		t.Errorf("GetConnection(other user) error = %v, want ErrConnectionNotFound", err)
	}
}

func TestStore_Stop_Idempotent(t *testing.T) {
	store := New()
	store.Stop()
	store.Stop()
}
