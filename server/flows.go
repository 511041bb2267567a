package server

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/agentc2/mcp-auth/instrumentation"
	"github.com/agentc2/mcp-auth/internal/util"
	"github.com/agentc2/mcp-auth/storage"
)

// Grant and response types
const (
	GrantTypeAuthorizationCode = "authorization_code"
	GrantTypeRefreshToken      = "refresh_token"
	ResponseTypeCode           = "code"
	TokenTypeBearer            = "Bearer"
)

// codeLogLength is the number of characters of a code included in logs
const codeLogLength = 8

// AuthorizationRequest carries the /authorize query parameters
type AuthorizationRequest struct {
	ResponseType        string
	ClientID            string
	RedirectURI         string
	State               string
	CodeChallenge       string
	CodeChallengeMethod string
	Scope               string
}

// CodeRequest describes the binding recorded with a new authorization code
type CodeRequest struct {
	ClientID            string
	OrganizationID      string
	RedirectURI         string
	CodeChallenge       string
	CodeChallengeMethod string
	Scope               string
}

// TokenRequest carries the /token parameters after client credentials have
// been resolved from the Authorization header or the body.
type TokenRequest struct {
	GrantType    string
	Code         string
	RedirectURI  string
	ClientID     string
	ClientSecret string
	CodeVerifier string
	RefreshToken string
}

// IssuedToken is the result of a successful token request
type IssuedToken struct {
	AccessToken    string
	TokenType      string
	ExpiresIn      int64
	Scope          string
	OrganizationID string
}

// Authorize validates an authorization request and issues a code.
//
// On success it returns the redirect location carrying code and state. On
// failure the error is an *OAuthError (or a wrapped infrastructure error).
// Once the redirect URI has been validated, failures also return a non-empty
// location that carries the error to the client; before that the location is
// empty and the caller must answer the user agent directly.
func (s *Server) Authorize(ctx context.Context, req AuthorizationRequest, clientIP string) (string, error) {
	ctx, span := s.startSpan(ctx, "server.Authorize")
	defer span.End()

	instrumentation.SetSpanAttributes(span,
		attribute.String(instrumentation.AttrResponseType, req.ResponseType),
	)
	if m := s.metrics(); m != nil {
		m.RecordAuthorizationStarted(ctx, req.ClientID)
	}

	// 1. client_id must resolve to a tenant
	org, err := s.ResolveClient(ctx, req.ClientID)
	if err != nil {
		if oauthErr, ok := AsOAuthError(err); ok && oauthErr.Code == ErrorCodeUnauthorizedClient {
			s.Auditor.LogUnknownClient(req.ClientID, clientIP)
		}
		instrumentation.RecordError(span, err)
		return "", err
	}

	// 2. redirect_uri must be safe to redirect to
	if err := s.validateRedirectURI(req.RedirectURI); err != nil {
		s.Auditor.LogInvalidRedirect(req.ClientID, req.RedirectURI, err.Error())
		instrumentation.RecordError(span, err)
		return "", ErrInvalidRequest(err.Error())
	}

	// 3. only the authorization code flow is supported
	if req.ResponseType != ResponseTypeCode {
		oauthErr := ErrUnsupportedResponseType("response_type must be 'code'")
		return errorRedirect(req.RedirectURI, oauthErr, req.State), oauthErr
	}

	// 4-5. PKCE parameters
	method, err := s.normalizeChallengeMethod(req.CodeChallenge, req.CodeChallengeMethod)
	if err != nil {
		oauthErr := ErrInvalidRequest(err.Error())
		return errorRedirect(req.RedirectURI, oauthErr, req.State), oauthErr
	}

	scope := req.Scope
	if scope == "" {
		scope = s.Config.TokenScope
	}

	// 6. issue and redirect
	code, err := s.IssueAuthorizationCode(ctx, CodeRequest{
		ClientID:            req.ClientID,
		OrganizationID:      org.ID,
		RedirectURI:         req.RedirectURI,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: method,
		Scope:               scope,
	}, s.Config.AuthorizationCodeTTL)
	if err != nil {
		instrumentation.RecordError(span, err)
		return errorRedirect(req.RedirectURI, ErrServerError("Failed to issue authorization code"), req.State), err
	}

	s.Auditor.LogCodeIssued(org.ID, req.ClientID, clientIP, method)
	instrumentation.AddOAuthFlowAttributes(span, req.ClientID, org.ID, scope)
	instrumentation.AddPKCEAttributes(span, method)
	instrumentation.SetSpanSuccess(span)

	params := url.Values{"code": {code}}
	if req.State != "" {
		params.Set("state", req.State)
	}
	return appendQuery(req.RedirectURI, params), nil
}

// IssueAuthorizationCode mints a one-time code bound to req that expires
// ttlSeconds from now. A zero TTL yields a code that is already expired on
// any later redemption.
func (s *Server) IssueAuthorizationCode(ctx context.Context, req CodeRequest, ttlSeconds int64) (string, error) {
	if ttlSeconds < 0 {
		return "", fmt.Errorf("ttlSeconds must not be negative")
	}

	now := s.now()
	code := generateRandomToken()

	if err := s.codeStore.SaveAuthorizationCode(ctx, &storage.AuthorizationCode{
		Code:                code,
		ClientID:            req.ClientID,
		OrganizationID:      req.OrganizationID,
		RedirectURI:         req.RedirectURI,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
		Scope:               req.Scope,
		CreatedAt:           now,
		ExpiresAt:           now.Add(time.Duration(ttlSeconds) * time.Second),
	}); err != nil {
		return "", fmt.Errorf("failed to save authorization code: %w", err)
	}

	if m := s.metrics(); m != nil {
		m.RecordCodeIssued(ctx, req.ClientID, req.CodeChallengeMethod)
	}

	s.Logger.Debug("Issued authorization code",
		"client_id", req.ClientID,
		"code_prefix", util.SafeTruncate(code, codeLogLength),
		"ttl_seconds", ttlSeconds)

	return code, nil
}

// ConsumeAuthorizationCode removes and returns a code. It does not check
// expiry. Returns storage.ErrAuthorizationCodeNotFound for unknown or used codes.
func (s *Server) ConsumeAuthorizationCode(ctx context.Context, code string) (*storage.AuthorizationCode, error) {
	return s.codeStore.ConsumeAuthorizationCode(ctx, code)
}

// Token dispatches a token request on its grant type.
func (s *Server) Token(ctx context.Context, req TokenRequest, clientIP string) (*IssuedToken, error) {
	switch req.GrantType {
	case "":
		return nil, ErrInvalidRequest("grant_type is required")
	case GrantTypeAuthorizationCode:
		return s.ExchangeAuthorizationCode(ctx, req, clientIP)
	case GrantTypeRefreshToken:
		return s.RefreshAccessToken(ctx, req, clientIP)
	default:
		return nil, ErrUnsupportedGrantType("grant_type must be authorization_code or refresh_token")
	}
}

// ExchangeAuthorizationCode redeems an authorization code.
//
// The code is consumed before any other check, so every outcome after lookup,
// success or failure, leaves it permanently unusable.
func (s *Server) ExchangeAuthorizationCode(ctx context.Context, req TokenRequest, clientIP string) (*IssuedToken, error) {
	ctx, span := s.startSpan(ctx, "server.ExchangeAuthorizationCode")
	defer span.End()

	instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrGrantType, GrantTypeAuthorizationCode))

	// 1. required parameters
	if req.Code == "" {
		return nil, ErrInvalidRequest("code is required")
	}
	if req.ClientID == "" {
		return nil, ErrInvalidRequest("client_id is required")
	}

	// 2. consume
	authCode, err := s.codeStore.ConsumeAuthorizationCode(ctx, req.Code)
	if err != nil {
		if errors.Is(err, storage.ErrAuthorizationCodeNotFound) {
			return nil, s.invalidGrant(ctx, req, clientIP, "not_found", DescCodeInvalid)
		}
		instrumentation.RecordError(span, err)
		return nil, fmt.Errorf("failed to consume authorization code: %w", err)
	}

	// 3. expiry, no clock skew grace
	if authCode.IsExpired(s.now()) {
		return nil, s.invalidGrant(ctx, req, clientIP, "expired", DescCodeExpired)
	}

	// 4. client binding
	if authCode.ClientID != req.ClientID {
		return nil, s.invalidGrant(ctx, req, clientIP, "client_mismatch", DescClientMismatch)
	}

	// 5. redirect binding, when the client repeats it
	if req.RedirectURI != "" && req.RedirectURI != authCode.RedirectURI {
		return nil, s.invalidGrant(ctx, req, clientIP, "redirect_mismatch", DescRedirectMismatch)
	}

	// 6. PKCE: a supplied verifier must match; a missing one fails only under RequirePKCE
	if authCode.CodeChallenge != "" && (req.CodeVerifier != "" || s.Config.RequirePKCE) {
		if req.CodeVerifier == "" || !VerifyPKCE(req.CodeVerifier, authCode.CodeChallenge, authCode.CodeChallengeMethod) {
			reason := "verifier_mismatch"
			if req.CodeVerifier == "" {
				reason = "verifier_missing"
			}
			s.Auditor.LogInvalidPKCE(req.ClientID, clientIP, reason)
			if m := s.metrics(); m != nil {
				m.RecordPKCEValidationFailed(ctx, authCode.CodeChallengeMethod)
			}
			return nil, s.invalidGrant(ctx, req, clientIP, "pkce", DescPKCEFailed)
		}
	}

	// 7. client secret, when presented
	orgID := authCode.OrganizationID
	if req.ClientSecret != "" {
		org, err := s.ValidateClientCredentials(ctx, req.ClientID, req.ClientSecret)
		if err != nil {
			return nil, s.clientAuthFailed(ctx, err, req.ClientID, clientIP, GrantTypeAuthorizationCode)
		}
		orgID = org.ID
	}

	if m := s.metrics(); m != nil {
		m.RecordCodeExchange(ctx, req.ClientID, authCode.CodeChallengeMethod)
	}

	// 8. mint
	token, err := s.mintAccessToken(ctx, orgID, req.ClientID, req.ClientSecret, authCode.Scope)
	if err != nil {
		instrumentation.RecordError(span, err)
		return nil, err
	}

	s.Auditor.LogTokenIssued(orgID, req.ClientID, clientIP, GrantTypeAuthorizationCode)
	if m := s.metrics(); m != nil {
		m.RecordTokenIssued(ctx, GrantTypeAuthorizationCode, string(s.Config.TokenMode))
	}
	instrumentation.AddOAuthFlowAttributes(span, req.ClientID, orgID, token.Scope)
	instrumentation.SetSpanSuccess(span)

	return token, nil
}

// RefreshAccessToken re-authenticates the client and re-issues a token.
// No refresh token record exists; the refresh_token parameter is not consulted.
func (s *Server) RefreshAccessToken(ctx context.Context, req TokenRequest, clientIP string) (*IssuedToken, error) {
	ctx, span := s.startSpan(ctx, "server.RefreshAccessToken")
	defer span.End()

	instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrGrantType, GrantTypeRefreshToken))

	if req.ClientID == "" || req.ClientSecret == "" {
		return nil, ErrInvalidRequest("client_id and client_secret are required")
	}

	org, err := s.ValidateClientCredentials(ctx, req.ClientID, req.ClientSecret)
	if err != nil {
		return nil, s.clientAuthFailed(ctx, err, req.ClientID, clientIP, GrantTypeRefreshToken)
	}

	token, err := s.mintAccessToken(ctx, org.ID, req.ClientID, req.ClientSecret, s.Config.TokenScope)
	if err != nil {
		instrumentation.RecordError(span, err)
		return nil, err
	}

	s.Auditor.LogTokenIssued(org.ID, req.ClientID, clientIP, GrantTypeRefreshToken)
	if m := s.metrics(); m != nil {
		m.RecordTokenIssued(ctx, GrantTypeRefreshToken, string(s.Config.TokenMode))
	}
	instrumentation.AddOAuthFlowAttributes(span, req.ClientID, org.ID, token.Scope)
	instrumentation.SetSpanSuccess(span)

	return token, nil
}

// ValidateAccessToken maps a bearer token to its organization. Opaque tokens
// are looked up in the token store; otherwise the token must be an active
// tenant credential for Config.ToolID.
func (s *Server) ValidateAccessToken(ctx context.Context, accessToken string) (*storage.Organization, error) {
	if accessToken == "" {
		return nil, ErrInvalidToken("Missing access token")
	}

	orgID := ""
	if s.tokenStore != nil {
		stored, err := s.tokenStore.GetAccessToken(ctx, accessToken)
		switch {
		case err == nil:
			orgID = stored.OrganizationID
		case errors.Is(err, storage.ErrTokenExpired):
			return nil, ErrInvalidToken("Access token has expired")
		case errors.Is(err, storage.ErrTokenNotFound):
		default:
			return nil, fmt.Errorf("failed to look up access token: %w", err)
		}
	}

	if orgID == "" {
		cred, err := s.credentialStore.FindCredentialByAPIKey(ctx, s.Config.ToolID, accessToken)
		if err != nil {
			if errors.Is(err, storage.ErrCredentialNotFound) {
				return nil, ErrInvalidToken("Invalid access token")
			}
			return nil, fmt.Errorf("failed to look up credential: %w", err)
		}
		orgID = cred.OrganizationID
	}

	org, err := s.tenantStore.GetOrganization(ctx, orgID)
	if err != nil {
		if errors.Is(err, storage.ErrOrganizationNotFound) {
			return nil, ErrInvalidToken("Invalid access token")
		}
		return nil, fmt.Errorf("failed to resolve organization: %w", err)
	}
	return org, nil
}

// mintAccessToken produces the access token for a validated request
func (s *Server) mintAccessToken(ctx context.Context, orgID, clientID, clientSecret, scope string) (*IssuedToken, error) {
	if scope == "" {
		scope = s.Config.TokenScope
	}

	token := &IssuedToken{
		TokenType:      TokenTypeBearer,
		ExpiresIn:      s.Config.AccessTokenTTL,
		Scope:          scope,
		OrganizationID: orgID,
	}

	if s.Config.TokenMode != TokenModeOpaque {
		accessToken, err := s.credentialToken(ctx, orgID, clientID, clientSecret)
		if err != nil {
			return nil, err
		}
		token.AccessToken = accessToken
		return token, nil
	}

	now := s.now()
	token.AccessToken = generateRandomToken()
	if err := s.tokenStore.SaveAccessToken(ctx, &storage.AccessToken{
		Token:          token.AccessToken,
		OrganizationID: orgID,
		ClientID:       clientID,
		Scope:          scope,
		IssuedAt:       now,
		ExpiresAt:      now.Add(time.Duration(s.Config.AccessTokenTTL) * time.Second),
	}); err != nil {
		return nil, fmt.Errorf("failed to save access token: %w", err)
	}
	return token, nil
}

// credentialToken returns the tenant's active API key as the access token, so
// a client that authenticated with the global override secret still receives
// a bearer token ValidateAccessToken accepts. Without a secret the client_id
// is echoed.
func (s *Server) credentialToken(ctx context.Context, orgID, clientID, clientSecret string) (string, error) {
	if clientSecret == "" {
		return clientID, nil
	}

	cred, err := s.credentialStore.GetActiveCredential(ctx, orgID, s.Config.ToolID)
	switch {
	case err == nil && cred.APIKey != "":
		return cred.APIKey, nil
	case err == nil, errors.Is(err, storage.ErrCredentialNotFound):
		return "", ErrInvalidClient("Client has no active credential to issue")
	default:
		return "", fmt.Errorf("failed to load client credential: %w", err)
	}
}

// invalidGrant logs and counts a rejected redemption and returns the error
func (s *Server) invalidGrant(ctx context.Context, req TokenRequest, clientIP, reason, description string) *OAuthError {
	s.Logger.Debug("Authorization code rejected",
		"reason", reason,
		"client_id", req.ClientID,
		"code_prefix", util.SafeTruncate(req.Code, codeLogLength))
	s.Auditor.LogInvalidGrant(req.ClientID, clientIP, reason)
	if m := s.metrics(); m != nil {
		m.RecordInvalidGrant(ctx, reason)
	}
	return ErrInvalidGrant(description)
}

// clientAuthFailed logs a failed client authentication. Infrastructure errors pass through.
func (s *Server) clientAuthFailed(ctx context.Context, err error, clientID, clientIP, grantType string) error {
	if _, ok := AsOAuthError(err); !ok {
		return err
	}
	s.Auditor.LogAuthFailure(clientID, clientIP, "invalid_client_secret")
	if m := s.metrics(); m != nil {
		m.RecordClientAuthFailed(ctx, grantType)
	}
	return err
}

// errorRedirect builds redirectURI?error=...&error_description=...&state=...
func errorRedirect(redirectURI string, oauthErr *OAuthError, state string) string {
	params := url.Values{
		"error":             {oauthErr.Code},
		"error_description": {oauthErr.Description},
	}
	if state != "" {
		params.Set("state", state)
	}
	return appendQuery(redirectURI, params)
}

// appendQuery adds params to rawURL, keeping its existing query parameters.
// rawURL has already passed validateRedirectURI.
func appendQuery(rawURL string, params url.Values) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	q := u.Query()
	for key, values := range params {
		q[key] = values
	}
	u.RawQuery = q.Encode()
	return u.String()
}
