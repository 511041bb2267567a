// Package oauth exposes the authorization server over HTTP: /authorize,
// /token, RFC 8414 metadata and a bearer token middleware for MCP routes.
// Protocol decisions live in the server package; this package only parses
// requests and renders responses.
package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/agentc2/mcp-auth/instrumentation"
	"github.com/agentc2/mcp-auth/security"
	"github.com/agentc2/mcp-auth/server"
	"github.com/agentc2/mcp-auth/storage"
)

// Handler is a thin HTTP adapter for the OAuth Server.
// It handles HTTP requests and delegates to the Server for business logic.
type Handler struct {
	server *server.Server
	config *HandlerConfig
	logger *slog.Logger
	tracer trace.Tracer // nil unless instrumentation is enabled
}

// NewHandler creates a new HTTP handler. config may be nil.
func NewHandler(srv *server.Server, config *HandlerConfig, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if config == nil {
		config = &HandlerConfig{}
	}
	config.applyDefaults()

	h := &Handler{
		server: srv,
		config: config,
		logger: logger,
	}

	if srv.Instrumentation != nil {
		h.tracer = srv.Instrumentation.Tracer("http")
	}

	return h
}

// ServeAuthorization handles GET /authorize.
//
// Errors found before the redirect_uri is trusted are answered with a JSON
// body; later errors are redirected to the client with error and state.
func (h *Handler) ServeAuthorization(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	r, span := h.startSpan(r, "oauth.http.authorization")
	if span != nil {
		defer span.End()
	}

	sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
	defer func() { h.finishRequest(r.Context(), span, "authorization", r.Method, sw.status, startTime) }()
	w = sw

	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	clientIP := h.clientIP(r)
	h.annotateClient(span, clientIP)
	if h.checkRateLimit(w, r, clientIP, "authorization") {
		return
	}

	h.setCORSHeaders(w, r)
	security.SetSecurityHeaders(w, h.server.Config.Issuer)

	query := r.URL.Query()
	req := server.AuthorizationRequest{
		ResponseType:        query.Get("response_type"),
		ClientID:            query.Get("client_id"),
		RedirectURI:         query.Get("redirect_uri"),
		State:               query.Get("state"),
		CodeChallenge:       query.Get("code_challenge"),
		CodeChallengeMethod: query.Get("code_challenge_method"),
		Scope:               query.Get("scope"),
	}

	instrumentation.SetSpanAttributes(span,
		attribute.String(instrumentation.AttrClientID, req.ClientID),
		attribute.String(instrumentation.AttrPKCEMethod, req.CodeChallengeMethod),
	)

	location, err := h.server.Authorize(r.Context(), req, clientIP)
	if err != nil {
		instrumentation.RecordError(span, err)
		if location != "" {
			h.logger.Info("Authorization request rejected", "client_id", req.ClientID, "ip", clientIP, "error", err)
			http.Redirect(w, r, location, http.StatusFound)
			return
		}
		h.writeServerError(w, err, "authorization")
		return
	}

	instrumentation.SetSpanSuccess(span)
	http.Redirect(w, r, location, http.StatusFound)
}

// ServeToken handles POST /token for the authorization_code and refresh_token grants.
func (h *Handler) ServeToken(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	r, span := h.startSpan(r, "oauth.http.token")
	if span != nil {
		defer span.End()
	}

	sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
	defer func() { h.finishRequest(r.Context(), span, "token", r.Method, sw.status, startTime) }()
	w = sw

	if r.Method == http.MethodOptions {
		h.ServePreflightRequest(w, r)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	clientIP := h.clientIP(r)
	h.annotateClient(span, clientIP)
	if h.checkRateLimit(w, r, clientIP, "token") {
		return
	}

	h.setCORSHeaders(w, r)

	req, err := h.parseTokenRequest(w, r)
	if err != nil {
		instrumentation.RecordError(span, err)
		h.writeServerError(w, err, "token")
		return
	}

	instrumentation.SetSpanAttributes(span,
		attribute.String(instrumentation.AttrGrantType, req.GrantType),
		attribute.String(instrumentation.AttrClientID, req.ClientID),
	)

	token, err := h.server.Token(r.Context(), *req, clientIP)
	if err != nil {
		instrumentation.RecordError(span, err)
		h.logger.Info("Token request rejected", "client_id", req.ClientID, "grant_type", req.GrantType, "ip", clientIP, "error", err)
		h.writeServerError(w, err, "token")
		return
	}

	instrumentation.SetSpanSuccess(span)
	h.writeTokenResponse(w, token)
}

// parseTokenRequest reads a form or JSON body. HTTP Basic credentials, when
// present, replace client_id and client_secret from the body; a Basic header
// with an empty secret is rejected.
func (h *Handler) parseTokenRequest(w http.ResponseWriter, r *http.Request) (*server.TokenRequest, error) {
	values, err := h.readParams(w, r)
	if err != nil {
		return nil, err
	}

	req := &server.TokenRequest{
		GrantType:    values["grant_type"],
		Code:         values["code"],
		RedirectURI:  values["redirect_uri"],
		ClientID:     values["client_id"],
		ClientSecret: values["client_secret"],
		CodeVerifier: values["code_verifier"],
		RefreshToken: values["refresh_token"],
	}

	clientID, secret, ok, err := basicCredentials(r)
	if err != nil {
		return nil, err
	}
	if ok {
		req.ClientID = clientID
		req.ClientSecret = secret
	}

	return req, nil
}

// readParams reads a size-limited form or flat JSON body
func (h *Handler) readParams(w http.ResponseWriter, r *http.Request) (map[string]string, error) {
	r.Body = http.MaxBytesReader(w, r.Body, h.config.MaxTokenRequestBytes)

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "application/json" {
		values, err := decodeJSONParams(r)
		if err != nil {
			return nil, ErrInvalidRequest(err.Error())
		}
		return values, nil
	}

	if err := r.ParseForm(); err != nil {
		return nil, ErrInvalidRequest("Failed to parse request body")
	}
	values := make(map[string]string, len(r.PostForm))
	for key := range r.PostForm {
		values[key] = r.PostForm.Get(key)
	}
	return values, nil
}

// basicCredentials decodes client credentials from an Authorization: Basic header
func basicCredentials(r *http.Request) (clientID, secret string, ok bool, err error) {
	username, password, ok := r.BasicAuth()
	if !ok {
		return "", "", false, nil
	}

	// RFC 6749 §2.3.1: both parts are form-urlencoded before Basic encoding
	clientID, err = url.QueryUnescape(username)
	if err != nil {
		return "", "", false, ErrInvalidClient("Malformed client credentials")
	}
	secret, err = url.QueryUnescape(password)
	if err != nil {
		return "", "", false, ErrInvalidClient("Malformed client credentials")
	}
	// An empty password would otherwise drop a body secret and skip client authentication
	if secret == "" {
		return "", "", false, ErrInvalidClient("Basic credentials require a client secret")
	}
	return clientID, secret, true, nil
}

// ServeTokenRevocation handles POST /revoke (RFC 7009). Once the client has
// authenticated the response is 200 whether or not the token was known.
func (h *Handler) ServeTokenRevocation(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	r, span := h.startSpan(r, "oauth.http.token_revocation")
	if span != nil {
		defer span.End()
	}

	sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
	defer func() { h.finishRequest(r.Context(), span, "revoke", r.Method, sw.status, startTime) }()
	w = sw

	if r.Method == http.MethodOptions {
		h.ServePreflightRequest(w, r)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	clientIP := h.clientIP(r)
	h.annotateClient(span, clientIP)
	if h.checkRateLimit(w, r, clientIP, "revoke") {
		return
	}

	h.setCORSHeaders(w, r)

	values, err := h.readParams(w, r)
	if err != nil {
		instrumentation.RecordError(span, err)
		h.writeServerError(w, err, "revoke")
		return
	}
	clientID, secret := values["client_id"], values["client_secret"]
	basicID, basicSecret, ok, err := basicCredentials(r)
	if err != nil {
		instrumentation.RecordError(span, err)
		h.writeServerError(w, err, "revoke")
		return
	}
	if ok {
		clientID, secret = basicID, basicSecret
	}

	instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrClientID, clientID))

	if err := h.server.RevokeAccessToken(r.Context(), clientID, secret, values["token"], clientIP); err != nil {
		instrumentation.RecordError(span, err)
		h.logger.Info("Revocation request rejected", "client_id", clientID, "ip", clientIP, "error", err)
		h.writeServerError(w, err, "revoke")
		return
	}

	instrumentation.SetSpanSuccess(span)
	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	w.WriteHeader(http.StatusOK)
}

// decodeJSONParams decodes a flat JSON object of string values.
// Non-string values are rejected rather than coerced.
func decodeJSONParams(r *http.Request) (map[string]string, error) {
	var raw map[string]any
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		return nil, errors.New("request body is not a JSON object")
	}

	values := make(map[string]string, len(raw))
	for key, value := range raw {
		switch v := value.(type) {
		case string:
			values[key] = v
		case nil:
		default:
			return nil, fmt.Errorf("parameter %s must be a string", key)
		}
	}
	return values, nil
}

// ServeAuthorizationServerMetadata serves RFC 8414 Authorization Server Metadata
func (h *Handler) ServeAuthorizationServerMetadata(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if h.checkRateLimit(w, r, h.clientIP(r), "authorization_server_metadata") {
		return
	}

	h.setCORSHeaders(w, r)
	w.Header().Set("X-Content-Type-Options", "nosniff")

	cfg := h.server.Config
	metadata := AuthorizationServerMetadata{
		Issuer:                            cfg.Issuer,
		AuthorizationEndpoint:             cfg.AuthorizationEndpoint(),
		TokenEndpoint:                     cfg.TokenEndpoint(),
		ScopesSupported:                   []string{cfg.TokenScope},
		ResponseTypesSupported:            []string{server.ResponseTypeCode},
		GrantTypesSupported:               []string{server.GrantTypeAuthorizationCode, server.GrantTypeRefreshToken},
		TokenEndpointAuthMethodsSupported: SupportedTokenAuthMethods,
		CodeChallengeMethodsSupported:     h.server.SupportedChallengeMethods(),
		RevocationEndpoint:                cfg.RevocationEndpoint(),
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(metadata)
}

// ServePreflightRequest handles CORS preflight (OPTIONS) requests.
func (h *Handler) ServePreflightRequest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodOptions {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	h.setCORSHeaders(w, r)
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(http.StatusNoContent)
}

// ValidateToken is middleware that resolves the bearer token to its
// organization and stores it in the request context.
func (h *Handler) ValidateToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		clientIP := h.clientIP(r)

		if h.checkRateLimit(w, r, clientIP, "resource") {
			return
		}

		accessToken, ok := h.extractBearerToken(w, r)
		if !ok {
			return
		}

		org, err := h.server.ValidateAccessToken(r.Context(), accessToken)
		if err != nil {
			if oauthErr, ok := server.AsOAuthError(err); ok {
				h.logger.Warn("Token validation failed", "ip", clientIP, "error", err)
				h.writeBearerError(w, oauthErr.Code, oauthErr.Description)
				return
			}
			h.logger.Error("Token validation error", "ip", clientIP, "error", err)
			h.writeError(w, ErrorCodeServerError, "Internal server error", http.StatusInternalServerError)
			return
		}

		next.ServeHTTP(w, r.WithContext(ContextWithOrganization(r.Context(), org)))
	})
}

// extractBearerToken extracts the Bearer token from the Authorization header.
// Returns the token and true if successful, or writes an error and returns false.
func (h *Handler) extractBearerToken(w http.ResponseWriter, r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		h.writeBearerError(w, ErrorCodeInvalidToken, "Missing Authorization header")
		return "", false
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || parts[1] == "" {
		h.writeBearerError(w, ErrorCodeInvalidToken, "Invalid Authorization header format")
		return "", false
	}

	return parts[1], true
}

type contextKey string

const organizationKey contextKey = "organization"

// OrganizationFromContext returns the organization stored by ValidateToken
func OrganizationFromContext(ctx context.Context) (*storage.Organization, bool) {
	org, ok := ctx.Value(organizationKey).(*storage.Organization)
	return org, ok && org != nil
}

// ContextWithOrganization returns a context carrying org
func ContextWithOrganization(ctx context.Context, org *storage.Organization) context.Context {
	return context.WithValue(ctx, organizationKey, org)
}

// checkRateLimit returns true when the request was rejected.
func (h *Handler) checkRateLimit(w http.ResponseWriter, r *http.Request, clientIP, endpoint string) bool {
	if h.config.RateLimiter == nil || h.config.RateLimiter.Allow(clientIP) {
		return false
	}

	h.logger.Warn("Rate limit exceeded", "ip", clientIP, "endpoint", endpoint)
	if h.server.Instrumentation != nil {
		h.server.Instrumentation.Metrics().RecordRateLimitExceeded(r.Context(), endpoint)
	}
	h.server.Auditor.LogRateLimitExceeded(clientIP, endpoint)

	w.Header().Set("Retry-After", "60")
	h.writeError(w, ErrorCodeRateLimitExceeded, "Rate limit exceeded. Please try again later.", http.StatusTooManyRequests)
	return true
}

func (h *Handler) clientIP(r *http.Request) string {
	return security.GetClientIP(r, h.server.Config.TrustProxy, h.server.Config.TrustedProxyCount)
}

func (h *Handler) writeTokenResponse(w http.ResponseWriter, token *server.IssuedToken) {
	security.SetSecurityHeaders(w, h.server.Config.Issuer)

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(TokenResponse{
		AccessToken: token.AccessToken,
		TokenType:   token.TokenType,
		ExpiresIn:   token.ExpiresIn,
		Scope:       token.Scope,
	})
}

// writeServerError renders err. Protocol errors keep their code and status;
// anything else is logged and hidden behind server_error.
func (h *Handler) writeServerError(w http.ResponseWriter, err error, endpoint string) {
	oauthErr, ok := server.AsOAuthError(err)
	if !ok {
		h.logger.Error("Request failed", "endpoint", endpoint, "error", err)
		oauthErr = ErrServerError("Internal server error")
	}
	h.writeError(w, oauthErr.Code, oauthErr.Description, oauthErr.Status)
}

func (h *Handler) writeError(w http.ResponseWriter, code, description string, status int) {
	security.SetSecurityHeaders(w, h.server.Config.Issuer)

	if status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", fmt.Sprintf(`Basic realm="%s"`, h.config.BasicRealm))
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Error:            code,
		ErrorDescription: description,
	})
}

// writeBearerError writes a 401 for protected resources per RFC 6750 §3
func (h *Handler) writeBearerError(w http.ResponseWriter, code, description string) {
	security.SetSecurityHeaders(w, h.server.Config.Issuer)

	escaped := strings.ReplaceAll(description, `\`, `\\`)
	escaped = strings.ReplaceAll(escaped, `"`, `\"`)
	w.Header().Set("WWW-Authenticate", fmt.Sprintf(`Bearer error="%s", error_description="%s"`, code, escaped))

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Error:            code,
		ErrorDescription: description,
	})
}

// setCORSHeaders sets CORS headers if configured and the origin is allowed.
func (h *Handler) setCORSHeaders(w http.ResponseWriter, r *http.Request) {
	if len(h.config.CORS.AllowedOrigins) == 0 {
		return
	}

	origin := r.Header.Get("Origin")
	if origin == "" || !h.isAllowedOrigin(origin) {
		return
	}

	// Echo back the specific origin rather than using "*"
	w.Header().Set("Access-Control-Allow-Origin", origin)
	w.Header().Add("Vary", "Origin")

	if h.config.CORS.AllowCredentials {
		w.Header().Set("Access-Control-Allow-Credentials", "true")
	}

	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
	w.Header().Set("Access-Control-Max-Age", fmt.Sprintf("%d", h.config.CORS.MaxAge))
}

// isAllowedOrigin checks if the given origin is in the allowed origins list.
func (h *Handler) isAllowedOrigin(origin string) bool {
	for _, allowed := range h.config.CORS.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

func (h *Handler) startSpan(r *http.Request, name string) (*http.Request, trace.Span) {
	if h.tracer == nil {
		return r, nil
	}
	ctx, span := h.tracer.Start(r.Context(), name)
	return r.WithContext(ctx), span
}

// annotateClient attaches the client IP to the span when LogClientIPs is set
func (h *Handler) annotateClient(span trace.Span, clientIP string) {
	if span == nil || !h.server.Instrumentation.ShouldLogClientIPs() {
		return
	}
	instrumentation.AddSecurityAttributes(span, clientIP)
}

// finishRequest records the final status on the span plus HTTP request
// metrics (total count and duration)
func (h *Handler) finishRequest(ctx context.Context, span trace.Span, endpoint, method string, status int, startTime time.Time) {
	instrumentation.AddHTTPAttributes(span, method, endpoint, status)
	if h.server.Instrumentation == nil {
		return
	}

	duration := time.Since(startTime).Seconds() * 1000
	h.server.Instrumentation.Metrics().RecordHTTPRequest(ctx, method, endpoint, status, duration)
}

// statusWriter remembers the response status for metrics
type statusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *statusWriter) WriteHeader(status int) {
	if !w.wroteHeader {
		w.status = status
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(status)
}
