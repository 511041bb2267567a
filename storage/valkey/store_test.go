package valkey

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentc2/mcp-auth/storage"
)

// testStore starts an in-process miniredis and connects a Store to it.
func testStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	store, err := New(Config{
		Address:       mr.Addr(),
		KeyPrefix:     "test:",
		DisableCache:  true,
		CodeRetention: time.Minute,
	})
	require.NoError(t, err)
	t.Cleanup(store.Close)

	return store, mr
}

func testCode(code string, expiresAt time.Time) *storage.AuthorizationCode {
	return &storage.AuthorizationCode{
		Code:                code,
		ClientID:            "acme",
		OrganizationID:      "org-1",
		RedirectURI:         "https://client.example.com/callback",
		CodeChallenge:       "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM",
		CodeChallengeMethod: "S256",
		CreatedAt:           time.Now(),
		ExpiresAt:           expiresAt,
	}
}

func TestNew_RequiresAddress(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}

func TestNew_UnreachableServer(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	_, err := New(Config{Address: addr, DisableCache: true})
	assert.Error(t, err)
}

func TestStore_AuthorizationCode_SingleUse(t *testing.T) {
	store, mr := testStore(t)
	ctx := context.Background()

	code := testCode("code-abc", time.Now().Add(10*time.Minute))
	require.NoError(t, store.SaveAuthorizationCode(ctx, code))
	assert.True(t, mr.Exists("test:code:code-abc"))

	got, err := store.ConsumeAuthorizationCode(ctx, "code-abc")
	require.NoError(t, err)
	assert.Equal(t, code.ClientID, got.ClientID)
	assert.Equal(t, code.RedirectURI, got.RedirectURI)
	assert.Equal(t, code.CodeChallenge, got.CodeChallenge)
	assert.False(t, mr.Exists("test:code:code-abc"))

	_, err = store.ConsumeAuthorizationCode(ctx, "code-abc")
	assert.ErrorIs(t, err, storage.ErrAuthorizationCodeNotFound)
}

func TestStore_AuthorizationCode_TTLIncludesRetention(t *testing.T) {
	store, mr := testStore(t)
	ctx := context.Background()

	require.NoError(t, store.SaveAuthorizationCode(ctx, testCode("ttl", time.Now().Add(10*time.Minute))))

	ttl := mr.TTL("test:code:ttl")
	assert.Greater(t, ttl, 10*time.Minute)
	assert.LessOrEqual(t, ttl, 11*time.Minute)
}

func TestStore_AuthorizationCode_ExpiredStillConsumable(t *testing.T) {
	store, _ := testStore(t)
	ctx := context.Background()

	require.NoError(t, store.SaveAuthorizationCode(ctx, testCode("late", time.Now().Add(-time.Second))))

	got, err := store.ConsumeAuthorizationCode(ctx, "late")
	require.NoError(t, err)
	assert.True(t, got.IsExpired(time.Now()))
}

func TestStore_AuthorizationCode_GoneAfterRetention(t *testing.T) {
	store, mr := testStore(t)
	ctx := context.Background()

	require.NoError(t, store.SaveAuthorizationCode(ctx, testCode("gone", time.Now().Add(time.Second))))
	mr.FastForward(2 * time.Minute)

	_, err := store.ConsumeAuthorizationCode(ctx, "gone")
	assert.ErrorIs(t, err, storage.ErrAuthorizationCodeNotFound)
}

func TestStore_AuthorizationCode_Collision(t *testing.T) {
	store, _ := testStore(t)
	ctx := context.Background()

	require.NoError(t, store.SaveAuthorizationCode(ctx, testCode("dup", time.Now().Add(time.Minute))))
	assert.Error(t, store.SaveAuthorizationCode(ctx, testCode("dup", time.Now().Add(time.Minute))))
}

func TestStore_AuthorizationCode_ConcurrentConsume(t *testing.T) {
	store, _ := testStore(t)
	ctx := context.Background()

	require.NoError(t, store.SaveAuthorizationCode(ctx, testCode("race", time.Now().Add(time.Minute))))

	const workers = 20
	var (
		wg        sync.WaitGroup
		successes atomic.Int32
		notFound  atomic.Int32
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.ConsumeAuthorizationCode(ctx, "race")
			switch {
			case err == nil:
				successes.Add(1)
			case errors.Is(err, storage.ErrAuthorizationCodeNotFound):
				notFound.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), successes.Load())
	assert.Equal(t, int32(workers-1), notFound.Load())
}

func TestStore_AuthorizationCode_InvalidInput(t *testing.T) {
	store, _ := testStore(t)
	ctx := context.Background()

	assert.Error(t, store.SaveAuthorizationCode(ctx, nil))
	assert.Error(t, store.SaveAuthorizationCode(ctx, testCode("", time.Now().Add(time.Minute))))

	_, err := store.ConsumeAuthorizationCode(ctx, string(make([]byte, MaxTokenLength+1)))
	assert.ErrorIs(t, err, storage.ErrAuthorizationCodeNotFound)
}

func TestStore_AccessToken(t *testing.T) {
	store, mr := testStore(t)
	ctx := context.Background()

	now := time.Now()
	require.NoError(t, store.SaveAccessToken(ctx, &storage.AccessToken{
		Token:          "opaque",
		OrganizationID: "org-1",
		ClientID:       "acme",
		Scope:          "mcp",
		IssuedAt:       now,
		ExpiresAt:      now.Add(time.Hour),
	}))

	got, err := store.GetAccessToken(ctx, "opaque")
	require.NoError(t, err)
	assert.Equal(t, "org-1", got.OrganizationID)
	assert.Equal(t, "mcp", got.Scope)

	require.NoError(t, store.DeleteAccessToken(ctx, "opaque"))
	_, err = store.GetAccessToken(ctx, "opaque")
	assert.ErrorIs(t, err, storage.ErrTokenNotFound)

	require.NoError(t, store.SaveAccessToken(ctx, &storage.AccessToken{
		Token: "short-lived", OrganizationID: "org-1", ExpiresAt: time.Now().Add(time.Minute),
	}))
	mr.FastForward(2 * time.Minute)
	_, err = store.GetAccessToken(ctx, "short-lived")
	assert.ErrorIs(t, err, storage.ErrTokenNotFound)
}

func TestStore_AccessToken_AlreadyExpired(t *testing.T) {
	store, _ := testStore(t)

	err := store.SaveAccessToken(context.Background(), &storage.AccessToken{
		Token: "old", ExpiresAt: time.Now().Add(-time.Minute),
	})
	assert.Error(t, err)
}

func TestStore_MarkStateUsed(t *testing.T) {
	store, mr := testStore(t)
	ctx := context.Background()

	expires := time.Now().Add(10 * time.Minute)
	require.NoError(t, store.MarkStateUsed(ctx, "nonce-1", expires))
	assert.ErrorIs(t, store.MarkStateUsed(ctx, "nonce-1", expires), storage.ErrStateAlreadyUsed)
	assert.NoError(t, store.MarkStateUsed(ctx, "nonce-2", expires))

	mr.FastForward(11 * time.Minute)
	assert.NoError(t, store.MarkStateUsed(ctx, "nonce-1", time.Now().Add(time.Minute)))
}
