package server

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/agentc2/mcp-auth/storage"
)

// authorize runs a successful /authorize for the test tenant and returns the code
func authorize(t *testing.T, env *testEnv, challenge, method string) string {
	t.Helper()

	location, err := env.srv.Authorize(context.Background(), AuthorizationRequest{
		ResponseType:        ResponseTypeCode,
		ClientID:            testOrgSlug,
		RedirectURI:         testRedirectURI,
		State:               "xyz",
		CodeChallenge:       challenge,
		CodeChallengeMethod: method,
	}, "198.51.100.1")
	if err != nil {
		t.Fatalf("Authorize() error = %v", err)
	}

	u, err := url.Parse(location)
	if err != nil {
		t.Fatalf("invalid location %q: %v", location, err)
	}
	code := u.Query().Get("code")
	if code == "" {
		t.Fatalf("location %q carries no code", location)
	}
	return code
}

// wantOAuthError fails unless err is an *OAuthError with the given code
func wantOAuthError(t *testing.T, err error, code string) *OAuthError {
	t.Helper()

	if err == nil {
		t.Fatalf("expected %s error, got nil", code)
	}
	oauthErr, ok := AsOAuthError(err)
	if !ok {
		t.Fatalf("expected *OAuthError, got %T: %v", err, err)
	}
	if oauthErr.Code != code {
		t.Fatalf("error code = %q (%s), want %q", oauthErr.Code, oauthErr.Description, code)
	}
	return oauthErr
}

func TestAuthorize_Success(t *testing.T) {
	env := newTestEnv(t, nil)
	challenge := ComputeS256Challenge(testVerifier)

	location, err := env.srv.Authorize(context.Background(), AuthorizationRequest{
		ResponseType:        ResponseTypeCode,
		ClientID:            testOrgSlug,
		RedirectURI:         "https://app.example.com/callback?tenant=1",
		State:               "opaque state/with spaces",
		CodeChallenge:       challenge,
		CodeChallengeMethod: PKCEMethodS256,
	}, "")
	if err != nil {
		t.Fatalf("Authorize() error = %v", err)
	}

	u, err := url.Parse(location)
	if err != nil {
		t.Fatalf("url.Parse() error = %v", err)
	}
	if u.Host != "app.example.com" || u.Path != "/callback" {
		t.Errorf("location = %q, want redirect to the registered callback", location)
	}

	q := u.Query()
	if q.Get("tenant") != "1" {
		t.Errorf("existing query parameter lost: %q", location)
	}
	if q.Get("state") != "opaque state/with spaces" {
		t.Errorf("state = %q, want verbatim echo", q.Get("state"))
	}

	code := q.Get("code")
	if code == "" {
		t.Fatal("no code in location")
	}

	stored, err := env.store.ConsumeAuthorizationCode(context.Background(), code)
	if err != nil {
		t.Fatalf("issued code not stored: %v", err)
	}
	if stored.ClientID != testOrgSlug || stored.OrganizationID != env.org.ID {
		t.Errorf("stored binding = %+v", stored)
	}
	if stored.CodeChallenge != challenge || stored.CodeChallengeMethod != PKCEMethodS256 {
		t.Errorf("stored PKCE = %q/%q", stored.CodeChallenge, stored.CodeChallengeMethod)
	}
	if stored.Scope != DefaultTokenScope {
		t.Errorf("stored scope = %q, want %q", stored.Scope, DefaultTokenScope)
	}
	if got := stored.ExpiresAt.Sub(stored.CreatedAt); got != 10*time.Minute {
		t.Errorf("code lifetime = %v, want 10m", got)
	}
}

func TestAuthorize_OmitsEmptyState(t *testing.T) {
	env := newTestEnv(t, nil)

	location, err := env.srv.Authorize(context.Background(), AuthorizationRequest{
		ResponseType: ResponseTypeCode,
		ClientID:     testOrgSlug,
		RedirectURI:  testRedirectURI,
	}, "")
	if err != nil {
		t.Fatalf("Authorize() error = %v", err)
	}
	if strings.Contains(location, "state=") {
		t.Errorf("location %q should not carry state", location)
	}
}

func TestAuthorize_ResolvesClientByID(t *testing.T) {
	env := newTestEnv(t, nil)

	_, err := env.srv.Authorize(context.Background(), AuthorizationRequest{
		ResponseType: ResponseTypeCode,
		ClientID:     env.org.ID,
		RedirectURI:  testRedirectURI,
	}, "")
	if err != nil {
		t.Fatalf("Authorize() with organization id error = %v", err)
	}
}

func TestAuthorize_ErrorsWithoutRedirect(t *testing.T) {
	tests := []struct {
		name     string
		req      AuthorizationRequest
		wantCode string
	}{
		{
			name:     "missing client_id",
			req:      AuthorizationRequest{ResponseType: ResponseTypeCode, RedirectURI: testRedirectURI},
			wantCode: ErrorCodeInvalidRequest,
		},
		{
			name:     "unknown client_id",
			req:      AuthorizationRequest{ResponseType: ResponseTypeCode, ClientID: "unknown", RedirectURI: testRedirectURI},
			wantCode: ErrorCodeUnauthorizedClient,
		},
		{
			name:     "missing redirect_uri",
			req:      AuthorizationRequest{ResponseType: ResponseTypeCode, ClientID: testOrgSlug},
			wantCode: ErrorCodeInvalidRequest,
		},
		{
			name:     "javascript redirect_uri",
			req:      AuthorizationRequest{ResponseType: ResponseTypeCode, ClientID: testOrgSlug, RedirectURI: "javascript:alert(1)"},
			wantCode: ErrorCodeInvalidRequest,
		},
		{
			name:     "redirect_uri with fragment",
			req:      AuthorizationRequest{ResponseType: ResponseTypeCode, ClientID: testOrgSlug, RedirectURI: testRedirectURI + "#frag"},
			wantCode: ErrorCodeInvalidRequest,
		},
		{
			name:     "bad response_type with unknown client",
			req:      AuthorizationRequest{ResponseType: "token", ClientID: "unknown", RedirectURI: testRedirectURI},
			wantCode: ErrorCodeUnauthorizedClient,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, nil)

			location, err := env.srv.Authorize(context.Background(), tt.req, "")
			wantOAuthError(t, err, tt.wantCode)
			if location != "" {
				t.Errorf("location = %q, want no redirect", location)
			}
		})
	}
}

func TestAuthorize_ErrorsRedirected(t *testing.T) {
	tests := []struct {
		name     string
		config   *Config
		req      AuthorizationRequest
		wantCode string
	}{
		{
			name:     "unsupported response_type",
			req:      AuthorizationRequest{ResponseType: "token"},
			wantCode: ErrorCodeUnsupportedResponseType,
		},
		{
			name:     "unknown challenge method",
			req:      AuthorizationRequest{ResponseType: ResponseTypeCode, CodeChallenge: "abc", CodeChallengeMethod: "S512"},
			wantCode: ErrorCodeInvalidRequest,
		},
		{
			name:     "method without challenge",
			req:      AuthorizationRequest{ResponseType: ResponseTypeCode, CodeChallengeMethod: PKCEMethodS256},
			wantCode: ErrorCodeInvalidRequest,
		},
		{
			name:     "plain refused",
			config:   &Config{DisallowPKCEPlain: true},
			req:      AuthorizationRequest{ResponseType: ResponseTypeCode, CodeChallenge: "abc", CodeChallengeMethod: PKCEMethodPlain},
			wantCode: ErrorCodeInvalidRequest,
		},
		{
			name:     "implicit plain refused",
			config:   &Config{DisallowPKCEPlain: true},
			req:      AuthorizationRequest{ResponseType: ResponseTypeCode, CodeChallenge: "abc"},
			wantCode: ErrorCodeInvalidRequest,
		},
		{
			name:     "challenge required",
			config:   &Config{RequirePKCE: true},
			req:      AuthorizationRequest{ResponseType: ResponseTypeCode},
			wantCode: ErrorCodeInvalidRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, tt.config)

			req := tt.req
			req.ClientID = testOrgSlug
			req.RedirectURI = testRedirectURI
			req.State = "s1"

			location, err := env.srv.Authorize(context.Background(), req, "")
			wantOAuthError(t, err, tt.wantCode)

			u, perr := url.Parse(location)
			if perr != nil || location == "" {
				t.Fatalf("expected error redirect, got %q", location)
			}
			q := u.Query()
			if q.Get("error") != tt.wantCode {
				t.Errorf("error = %q, want %q", q.Get("error"), tt.wantCode)
			}
			if q.Get("error_description") == "" {
				t.Error("error_description missing")
			}
			if q.Get("state") != "s1" {
				t.Errorf("state = %q, want s1", q.Get("state"))
			}
			if q.Get("code") != "" {
				t.Error("no code may be issued on failure")
			}
		})
	}
}

func TestAuthorize_PlainDefaultMethod(t *testing.T) {
	env := newTestEnv(t, nil)
	code := authorize(t, env, "plain-challenge-value", "")

	stored, err := env.store.ConsumeAuthorizationCode(context.Background(), code)
	if err != nil {
		t.Fatalf("ConsumeAuthorizationCode() error = %v", err)
	}
	if stored.CodeChallengeMethod != PKCEMethodPlain {
		t.Errorf("method = %q, want %q", stored.CodeChallengeMethod, PKCEMethodPlain)
	}
}

func TestIssueAuthorizationCode(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	if _, err := env.srv.IssueAuthorizationCode(ctx, CodeRequest{ClientID: testOrgSlug}, -1); err == nil {
		t.Error("negative TTL should be rejected")
	}

	codes := make(map[string]bool)
	for i := 0; i < 50; i++ {
		code, err := env.srv.IssueAuthorizationCode(ctx, CodeRequest{ClientID: testOrgSlug, RedirectURI: testRedirectURI}, 60)
		if err != nil {
			t.Fatalf("IssueAuthorizationCode() error = %v", err)
		}
		if len(code) < 43 {
			t.Fatalf("code %q is shorter than 256 bits of base64url", code)
		}
		if codes[code] {
			t.Fatalf("duplicate code %q", code)
		}
		codes[code] = true
	}
}

func TestIssueAndConsume_SingleUse(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	code, err := env.srv.IssueAuthorizationCode(ctx, CodeRequest{
		ClientID:    testOrgSlug,
		RedirectURI: testRedirectURI,
	}, 60)
	if err != nil {
		t.Fatalf("IssueAuthorizationCode() error = %v", err)
	}

	got, err := env.srv.ConsumeAuthorizationCode(ctx, code)
	if err != nil {
		t.Fatalf("first ConsumeAuthorizationCode() error = %v", err)
	}
	if got.ClientID != testOrgSlug || got.RedirectURI != testRedirectURI {
		t.Errorf("consumed record = %+v", got)
	}

	if _, err := env.srv.ConsumeAuthorizationCode(ctx, code); !errors.Is(err, storage.ErrAuthorizationCodeNotFound) {
		t.Errorf("second consume error = %v, want ErrAuthorizationCodeNotFound", err)
	}
	if _, err := env.srv.ConsumeAuthorizationCode(ctx, "never-issued"); !errors.Is(err, storage.ErrAuthorizationCodeNotFound) {
		t.Errorf("unknown code error = %v, want ErrAuthorizationCodeNotFound", err)
	}
}

func TestExchange_EndToEnd(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	code := authorize(t, env, ComputeS256Challenge(testVerifier), PKCEMethodS256)

	req := TokenRequest{
		GrantType:    GrantTypeAuthorizationCode,
		Code:         code,
		ClientID:     testOrgSlug,
		ClientSecret: testAPIKey,
		CodeVerifier: testVerifier,
	}

	token, err := env.srv.Token(ctx, req, "")
	if err != nil {
		t.Fatalf("Token() error = %v", err)
	}
	if token.AccessToken != testAPIKey {
		t.Errorf("access_token = %q, want the client secret", token.AccessToken)
	}
	if token.TokenType != TokenTypeBearer || token.ExpiresIn != DefaultAccessTokenTTL || token.Scope != DefaultTokenScope {
		t.Errorf("token = %+v", token)
	}
	if token.OrganizationID != env.org.ID {
		t.Errorf("organization = %q, want %q", token.OrganizationID, env.org.ID)
	}

	_, err = env.srv.Token(ctx, req, "")
	oauthErr := wantOAuthError(t, err, ErrorCodeInvalidGrant)
	if oauthErr.Description != DescCodeInvalid {
		t.Errorf("replay description = %q", oauthErr.Description)
	}
}

func TestExchange_WithoutSecretReturnsClientID(t *testing.T) {
	env := newTestEnv(t, nil)

	code := authorize(t, env, "", "")
	token, err := env.srv.ExchangeAuthorizationCode(context.Background(), TokenRequest{
		GrantType:   GrantTypeAuthorizationCode,
		Code:        code,
		ClientID:    testOrgSlug,
		RedirectURI: testRedirectURI,
	}, "")
	if err != nil {
		t.Fatalf("ExchangeAuthorizationCode() error = %v", err)
	}
	if token.AccessToken != testOrgSlug {
		t.Errorf("access_token = %q, want client_id", token.AccessToken)
	}
}

func TestExchange_PlainPKCE(t *testing.T) {
	env := newTestEnv(t, nil)

	code := authorize(t, env, "plain-verifier-value", PKCEMethodPlain)
	if _, err := env.srv.ExchangeAuthorizationCode(context.Background(), TokenRequest{
		Code:         code,
		ClientID:     testOrgSlug,
		CodeVerifier: "plain-verifier-value",
	}, ""); err != nil {
		t.Fatalf("ExchangeAuthorizationCode() error = %v", err)
	}
}

func TestExchange_Failures(t *testing.T) {
	otherVerifier := strings.Repeat("b", 43)

	tests := []struct {
		name     string
		config   *Config
		mutate   func(req *TokenRequest)
		wantCode string
		wantDesc string
	}{
		{
			name:     "wrong verifier",
			mutate:   func(req *TokenRequest) { req.CodeVerifier = otherVerifier },
			wantCode: ErrorCodeInvalidGrant,
			wantDesc: DescPKCEFailed,
		},
		{
			name:     "missing verifier under RequirePKCE",
			config:   &Config{RequirePKCE: true},
			mutate:   func(req *TokenRequest) { req.CodeVerifier = "" },
			wantCode: ErrorCodeInvalidGrant,
			wantDesc: DescPKCEFailed,
		},
		{
			name:     "client mismatch",
			mutate:   func(req *TokenRequest) { req.ClientID = "other" },
			wantCode: ErrorCodeInvalidGrant,
			wantDesc: DescClientMismatch,
		},
		{
			name:     "redirect mismatch",
			mutate:   func(req *TokenRequest) { req.RedirectURI = "https://evil.example.com/cb" },
			wantCode: ErrorCodeInvalidGrant,
			wantDesc: DescRedirectMismatch,
		},
		{
			name:     "wrong secret",
			mutate:   func(req *TokenRequest) { req.ClientSecret = "not-the-key" },
			wantCode: ErrorCodeInvalidClient,
			wantDesc: DescInvalidClient,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, tt.config)
			ctx := context.Background()

			code := authorize(t, env, ComputeS256Challenge(testVerifier), PKCEMethodS256)
			req := TokenRequest{
				GrantType:    GrantTypeAuthorizationCode,
				Code:         code,
				ClientID:     testOrgSlug,
				ClientSecret: testAPIKey,
				CodeVerifier: testVerifier,
				RedirectURI:  testRedirectURI,
			}
			tt.mutate(&req)

			_, err := env.srv.Token(ctx, req, "")
			oauthErr := wantOAuthError(t, err, tt.wantCode)
			if !strings.Contains(oauthErr.Description, tt.wantDesc) {
				t.Errorf("description = %q, want %q", oauthErr.Description, tt.wantDesc)
			}

			// The failed attempt consumed the code; a correct retry is rejected
			_, err = env.srv.Token(ctx, TokenRequest{
				GrantType:    GrantTypeAuthorizationCode,
				Code:         code,
				ClientID:     testOrgSlug,
				ClientSecret: testAPIKey,
				CodeVerifier: testVerifier,
			}, "")
			oauthErr = wantOAuthError(t, err, ErrorCodeInvalidGrant)
			if oauthErr.Description != DescCodeInvalid {
				t.Errorf("retry description = %q, want %q", oauthErr.Description, DescCodeInvalid)
			}
		})
	}
}

func TestExchange_VerifierWithoutChallengeIsIgnored(t *testing.T) {
	env := newTestEnv(t, nil)

	code := authorize(t, env, "", "")
	if _, err := env.srv.ExchangeAuthorizationCode(context.Background(), TokenRequest{
		Code:         code,
		ClientID:     testOrgSlug,
		CodeVerifier: testVerifier,
	}, ""); err != nil {
		t.Fatalf("ExchangeAuthorizationCode() error = %v", err)
	}
}

func TestExchange_ExpiredCode(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	code, err := env.srv.IssueAuthorizationCode(ctx, CodeRequest{
		ClientID:    testOrgSlug,
		RedirectURI: testRedirectURI,
	}, 0)
	if err != nil {
		t.Fatalf("IssueAuthorizationCode() error = %v", err)
	}

	issuedAt := time.Now()
	env.srv.now = func() time.Time { return issuedAt.Add(50 * time.Millisecond) }

	_, err = env.srv.ExchangeAuthorizationCode(ctx, TokenRequest{Code: code, ClientID: testOrgSlug}, "")
	oauthErr := wantOAuthError(t, err, ErrorCodeInvalidGrant)
	if oauthErr.Description != DescCodeExpired {
		t.Errorf("description = %q, want %q", oauthErr.Description, DescCodeExpired)
	}

	// Expired redemption still consumed the code
	_, err = env.srv.ExchangeAuthorizationCode(ctx, TokenRequest{Code: code, ClientID: testOrgSlug}, "")
	oauthErr = wantOAuthError(t, err, ErrorCodeInvalidGrant)
	if oauthErr.Description != DescCodeInvalid {
		t.Errorf("description = %q, want %q", oauthErr.Description, DescCodeInvalid)
	}
}

func TestExchange_ExpiryBoundary(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	env.srv.now = func() time.Time { return base }

	codeAtDeadline, err := env.srv.IssueAuthorizationCode(ctx, CodeRequest{ClientID: testOrgSlug}, 600)
	if err != nil {
		t.Fatalf("IssueAuthorizationCode() error = %v", err)
	}
	codeAfterDeadline, err := env.srv.IssueAuthorizationCode(ctx, CodeRequest{ClientID: testOrgSlug}, 600)
	if err != nil {
		t.Fatalf("IssueAuthorizationCode() error = %v", err)
	}

	env.srv.now = func() time.Time { return base.Add(600 * time.Second) }
	if _, err := env.srv.ExchangeAuthorizationCode(ctx, TokenRequest{Code: codeAtDeadline, ClientID: testOrgSlug}, ""); err != nil {
		t.Errorf("redemption at the deadline error = %v", err)
	}

	env.srv.now = func() time.Time { return base.Add(600*time.Second + time.Millisecond) }
	_, err = env.srv.ExchangeAuthorizationCode(ctx, TokenRequest{Code: codeAfterDeadline, ClientID: testOrgSlug}, "")
	wantOAuthError(t, err, ErrorCodeInvalidGrant)
}

func TestExchange_MissingParameters(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	_, err := env.srv.ExchangeAuthorizationCode(ctx, TokenRequest{ClientID: testOrgSlug}, "")
	wantOAuthError(t, err, ErrorCodeInvalidRequest)

	code := authorize(t, env, "", "")
	_, err = env.srv.ExchangeAuthorizationCode(ctx, TokenRequest{Code: code}, "")
	wantOAuthError(t, err, ErrorCodeInvalidRequest)

	// Parameter errors happen before consumption
	if _, err := env.srv.ExchangeAuthorizationCode(ctx, TokenRequest{Code: code, ClientID: testOrgSlug}, ""); err != nil {
		t.Errorf("code should survive a request rejected before lookup: %v", err)
	}
}

func TestExchange_ConcurrentRedemption(t *testing.T) {
	env := newTestEnv(t, nil)
	code := authorize(t, env, ComputeS256Challenge(testVerifier), PKCEMethodS256)

	const workers = 32
	var (
		wg        sync.WaitGroup
		successes atomic.Int32
		invalid   atomic.Int32
	)

	start := make(chan struct{})
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := env.srv.Token(context.Background(), TokenRequest{
				GrantType:    GrantTypeAuthorizationCode,
				Code:         code,
				ClientID:     testOrgSlug,
				ClientSecret: testAPIKey,
				CodeVerifier: testVerifier,
			}, "")
			if err == nil {
				successes.Add(1)
				return
			}
			if oauthErr, ok := AsOAuthError(err); ok && oauthErr.Code == ErrorCodeInvalidGrant {
				invalid.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	if successes.Load() != 1 {
		t.Errorf("successes = %d, want exactly 1", successes.Load())
	}
	if invalid.Load() != workers-1 {
		t.Errorf("invalid_grant = %d, want %d", invalid.Load(), workers-1)
	}
}

func TestToken_GrantTypes(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	_, err := env.srv.Token(ctx, TokenRequest{}, "")
	wantOAuthError(t, err, ErrorCodeInvalidRequest)

	_, err = env.srv.Token(ctx, TokenRequest{GrantType: "client_credentials"}, "")
	oauthErr := wantOAuthError(t, err, ErrorCodeUnsupportedGrantType)
	if oauthErr.Status != 400 {
		t.Errorf("status = %d, want 400", oauthErr.Status)
	}
}

func TestRefreshAccessToken(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	token, err := env.srv.Token(ctx, TokenRequest{
		GrantType:    GrantTypeRefreshToken,
		ClientID:     testOrgSlug,
		ClientSecret: testAPIKey,
		RefreshToken: "ignored",
	}, "")
	if err != nil {
		t.Fatalf("Token(refresh_token) error = %v", err)
	}
	if token.AccessToken != testAPIKey || token.OrganizationID != env.org.ID {
		t.Errorf("token = %+v", token)
	}

	_, err = env.srv.Token(ctx, TokenRequest{GrantType: GrantTypeRefreshToken, ClientID: testOrgSlug}, "")
	wantOAuthError(t, err, ErrorCodeInvalidRequest)

	_, err = env.srv.Token(ctx, TokenRequest{
		GrantType:    GrantTypeRefreshToken,
		ClientID:     testOrgSlug,
		ClientSecret: "wrong",
	}, "")
	oauthErr := wantOAuthError(t, err, ErrorCodeInvalidClient)
	if oauthErr.Status != 401 {
		t.Errorf("status = %d, want 401", oauthErr.Status)
	}

	_, err = env.srv.Token(ctx, TokenRequest{
		GrantType:    GrantTypeRefreshToken,
		ClientID:     "unknown",
		ClientSecret: testAPIKey,
	}, "")
	wantOAuthError(t, err, ErrorCodeInvalidClient)
}

func TestOpaqueTokenMode(t *testing.T) {
	env := newTestEnv(t, &Config{TokenMode: TokenModeOpaque, AccessTokenTTL: 60})
	ctx := context.Background()

	code := authorize(t, env, ComputeS256Challenge(testVerifier), PKCEMethodS256)
	token, err := env.srv.Token(ctx, TokenRequest{
		GrantType:    GrantTypeAuthorizationCode,
		Code:         code,
		ClientID:     testOrgSlug,
		ClientSecret: testAPIKey,
		CodeVerifier: testVerifier,
	}, "")
	if err != nil {
		t.Fatalf("Token() error = %v", err)
	}
	if token.AccessToken == testAPIKey || token.AccessToken == testOrgSlug {
		t.Fatal("opaque mode must not echo the client credential")
	}
	if token.ExpiresIn != 60 {
		t.Errorf("expires_in = %d, want 60", token.ExpiresIn)
	}

	stored, err := env.store.GetAccessToken(ctx, token.AccessToken)
	if err != nil {
		t.Fatalf("opaque token not stored: %v", err)
	}
	if stored.OrganizationID != env.org.ID || stored.ClientID != testOrgSlug {
		t.Errorf("stored token = %+v", stored)
	}

	org, err := env.srv.ValidateAccessToken(ctx, token.AccessToken)
	if err != nil {
		t.Fatalf("ValidateAccessToken() error = %v", err)
	}
	if org.ID != env.org.ID {
		t.Errorf("org = %q, want %q", org.ID, env.org.ID)
	}

	if err := env.store.DeleteAccessToken(ctx, token.AccessToken); err != nil {
		t.Fatalf("DeleteAccessToken() error = %v", err)
	}
	_, err = env.srv.ValidateAccessToken(ctx, token.AccessToken)
	wantOAuthError(t, err, ErrorCodeInvalidToken)
}

func TestValidateAccessToken_Credential(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	org, err := env.srv.ValidateAccessToken(ctx, testAPIKey)
	if err != nil {
		t.Fatalf("ValidateAccessToken() error = %v", err)
	}
	if org.Slug != testOrgSlug {
		t.Errorf("org = %q, want %q", org.Slug, testOrgSlug)
	}

	for _, token := range []string{"", "unknown-token", testOrgSlug} {
		_, err := env.srv.ValidateAccessToken(ctx, token)
		wantOAuthError(t, err, ErrorCodeInvalidToken)
	}
}

func TestErrorRedirect(t *testing.T) {
	location := errorRedirect("myapp://cb?x=1", ErrInvalidRequest("bad things"), "")

	u, err := url.Parse(location)
	if err != nil {
		t.Fatalf("url.Parse() error = %v", err)
	}
	if u.Scheme != "myapp" {
		t.Errorf("scheme = %q", u.Scheme)
	}
	q := u.Query()
	if q.Get("x") != "1" || q.Get("error") != ErrorCodeInvalidRequest || q.Get("error_description") != "bad things" {
		t.Errorf("query = %v", q)
	}
	if q.Has("state") {
		t.Error("empty state must be omitted")
	}
}

func TestGlobalOverrideSecret_IssuesTenantCredential(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("platform-override"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt.GenerateFromPassword() error = %v", err)
	}
	env := newTestEnv(t, &Config{GlobalSecretHash: string(hash)})
	ctx := context.Background()

	code := authorize(t, env, ComputeS256Challenge(testVerifier), PKCEMethodS256)
	token, err := env.srv.Token(ctx, TokenRequest{
		GrantType:    GrantTypeAuthorizationCode,
		Code:         code,
		ClientID:     testOrgSlug,
		ClientSecret: "platform-override",
		CodeVerifier: testVerifier,
	}, "")
	if err != nil {
		t.Fatalf("Token() error = %v", err)
	}
	if token.AccessToken != testAPIKey {
		t.Fatalf("access_token = %q, want the tenant credential", token.AccessToken)
	}

	org, err := env.srv.ValidateAccessToken(ctx, token.AccessToken)
	if err != nil {
		t.Fatalf("issued token rejected: %v", err)
	}
	if org.ID != env.org.ID {
		t.Errorf("org.ID = %q, want %q", org.ID, env.org.ID)
	}

	refreshed, err := env.srv.Token(ctx, TokenRequest{
		GrantType:    GrantTypeRefreshToken,
		ClientID:     testOrgSlug,
		ClientSecret: "platform-override",
	}, "")
	if err != nil {
		t.Fatalf("Token(refresh_token) error = %v", err)
	}
	if refreshed.AccessToken != testAPIKey {
		t.Errorf("refreshed access_token = %q, want the tenant credential", refreshed.AccessToken)
	}
}

func TestGlobalOverrideSecret_NoActiveCredential(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("platform-override"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt.GenerateFromPassword() error = %v", err)
	}
	env := newTestEnv(t, &Config{GlobalSecretHash: string(hash)})
	ctx := context.Background()

	bare := &storage.Organization{Slug: "globex", Name: "Globex"}
	if err := env.store.SaveOrganization(ctx, bare); err != nil {
		t.Fatalf("SaveOrganization() error = %v", err)
	}

	_, err = env.srv.Token(ctx, TokenRequest{
		GrantType:    GrantTypeRefreshToken,
		ClientID:     "globex",
		ClientSecret: "platform-override",
	}, "")
	wantOAuthError(t, err, ErrorCodeInvalidClient)
}
