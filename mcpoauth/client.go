package mcpoauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/agentc2/mcp-auth/instrumentation"
	"github.com/agentc2/mcp-auth/internal/helpers"
	"github.com/agentc2/mcp-auth/internal/util"
	"github.com/agentc2/mcp-auth/security"
	"github.com/agentc2/mcp-auth/storage"
)

const (
	// DefaultDiscoveryTimeout bounds metadata discovery
	DefaultDiscoveryTimeout = 10 * time.Second

	// DefaultTokenTimeout bounds token exchange and refresh
	DefaultTokenTimeout = 15 * time.Second

	// maxMetadataBytes caps discovery response bodies (1 MiB)
	maxMetadataBytes = 1 << 20

	wellKnownPath = "/.well-known/oauth-authorization-server"

	opDiscovery     = "discovery"
	opTokenExchange = "token_exchange"
	opTokenRefresh  = "token_refresh"
)

// AuthServerMetadata is RFC 8414 authorization server metadata
type AuthServerMetadata struct {
	Issuer                            string   `json:"issuer"`
	AuthorizationEndpoint             string   `json:"authorization_endpoint"`
	TokenEndpoint                     string   `json:"token_endpoint"`
	RegistrationEndpoint              string   `json:"registration_endpoint,omitempty"`
	ScopesSupported                   []string `json:"scopes_supported,omitempty"`
	ResponseTypesSupported            []string `json:"response_types_supported,omitempty"`
	GrantTypesSupported               []string `json:"grant_types_supported,omitempty"`
	CodeChallengeMethodsSupported     []string `json:"code_challenge_methods_supported,omitempty"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported,omitempty"`
}

// ExchangeParams are the inputs of an authorization code exchange
type ExchangeParams struct {
	TokenEndpoint string
	Code          string
	RedirectURI   string
	ClientID      string
	ClientSecret  string
	CodeVerifier  string
}

// RefreshParams are the inputs of a refresh token grant
type RefreshParams struct {
	TokenEndpoint string
	RefreshToken  string
	ClientID      string
	ClientSecret  string
}

// Config configures a Client
type Config struct {
	// HTTPClient performs upstream calls (default: http.Client without timeout;
	// every call is bounded by its own context deadline)
	HTTPClient *http.Client

	// Connections persists refreshed tokens in EnsureFresh (optional)
	Connections storage.ConnectionStore

	// Providers supplies the client secret EnsureFresh sends to confidential
	// providers (optional; without it refreshes are sent as a public client)
	Providers ProviderResolver

	// DiscoveryTimeout bounds discovery
	// Default: 10 seconds
	DiscoveryTimeout time.Duration

	// TokenTimeout bounds token exchange and refresh
	// Default: 15 seconds
	TokenTimeout time.Duration

	// AllowPrivateNetworks permits discovery against link-local and unspecified
	// IP literals. Loopback and RFC 1918 hosts are always allowed.
	AllowPrivateNetworks bool

	// Logger for structured logging (optional, uses default if not provided)
	Logger *slog.Logger
}

// Client talks to third-party MCP authorization servers. No call is retried.
type Client struct {
	httpClient       *http.Client
	connections      storage.ConnectionStore
	providers        ProviderResolver
	discoveryTimeout time.Duration
	tokenTimeout     time.Duration
	allowPrivate     bool
	logger           *slog.Logger

	auditor         *security.Auditor
	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer

	refreshGroup singleflight.Group
}

// NewClient creates a Client
func NewClient(cfg Config) *Client {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	if cfg.DiscoveryTimeout <= 0 {
		cfg.DiscoveryTimeout = DefaultDiscoveryTimeout
	}
	if cfg.TokenTimeout <= 0 {
		cfg.TokenTimeout = DefaultTokenTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Client{
		httpClient:       cfg.HTTPClient,
		connections:      cfg.Connections,
		providers:        cfg.Providers,
		discoveryTimeout: cfg.DiscoveryTimeout,
		tokenTimeout:     cfg.TokenTimeout,
		allowPrivate:     cfg.AllowPrivateNetworks,
		logger:           cfg.Logger,
		tracer:           noop.NewTracerProvider().Tracer(""),
	}
}

// SetAuditor sets the security auditor for refreshed integrations
func (c *Client) SetAuditor(aud *security.Auditor) {
	c.auditor = aud
}

// SetInstrumentation enables upstream metrics and tracing
func (c *Client) SetInstrumentation(inst *instrumentation.Instrumentation) {
	c.instrumentation = inst
	if inst != nil {
		c.tracer = inst.Tracer("mcpoauth")
	}
}

// Discover fetches the authorization server metadata advertised at the origin
// of serverURL. It returns nil when the server is not OAuth capable or cannot
// be reached; discovery never fails the caller.
func (c *Client) Discover(ctx context.Context, serverURL string) *AuthServerMetadata {
	origin, err := util.Origin(serverURL)
	if err != nil {
		c.logger.Debug("Skipping OAuth discovery", "server_url", serverURL, "error", err)
		return nil
	}
	if !c.allowedHost(origin) {
		c.logger.Debug("Skipping OAuth discovery for restricted host", "origin", origin)
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, c.discoveryTimeout)
	defer cancel()

	ctx, span := c.tracer.Start(ctx, "mcpoauth.discover")
	defer span.End()

	discoveryURL := origin + wellKnownPath
	start := time.Now()

	meta, status, err := c.fetchMetadata(ctx, discoveryURL)
	c.recordUpstream(ctx, span, opDiscovery, discoveryURL, status, start, err)
	if err != nil {
		c.logger.Debug("OAuth discovery failed", "url", discoveryURL, "status", status, "error", err)
		return nil
	}

	c.logger.Debug("OAuth discovery successful",
		"url", discoveryURL,
		"authorization_endpoint", meta.AuthorizationEndpoint,
		"token_endpoint", meta.TokenEndpoint)

	return meta
}

func (c *Client) fetchMetadata(ctx context.Context, discoveryURL string) (*AuthServerMetadata, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, discoveryURL, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create discovery request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to fetch metadata: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, resp.StatusCode, fmt.Errorf("discovery failed with status %d", resp.StatusCode)
	}

	var meta AuthServerMetadata
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxMetadataBytes)).Decode(&meta); err != nil {
		return nil, resp.StatusCode, fmt.Errorf("failed to decode metadata: %w", err)
	}
	if meta.AuthorizationEndpoint == "" || meta.TokenEndpoint == "" {
		return nil, resp.StatusCode, ErrInvalidMetadata
	}

	return &meta, resp.StatusCode, nil
}

// allowedHost rejects IP literals that point at link-local (cloud metadata)
// or unspecified addresses unless private networks are allowed.
func (c *Client) allowedHost(origin string) bool {
	if c.allowPrivate {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	ip := net.ParseIP(u.Hostname())
	if ip == nil {
		return true
	}
	switch helpers.ClassifyIP(ip) {
	case helpers.IPClassificationLinkLocal, helpers.IPClassificationUnspecified:
		return false
	default:
		return true
	}
}

// ExchangeCode redeems an authorization code at the provider's token endpoint.
// Non-2xx responses return an *UpstreamError with the provider's status and body.
func (c *Client) ExchangeCode(ctx context.Context, params ExchangeParams) (*Tokens, error) {
	if params.TokenEndpoint == "" {
		return nil, ErrInvalidMetadata
	}
	if params.Code == "" {
		return nil, fmt.Errorf("authorization code is required")
	}

	ctx, cancel := context.WithTimeout(ctx, c.tokenTimeout)
	defer cancel()

	ctx, span := c.tracer.Start(ctx, "mcpoauth.exchange_code")
	defer span.End()

	cfg := c.oauth2Config(params.TokenEndpoint, params.ClientID, params.ClientSecret)
	cfg.RedirectURL = params.RedirectURI

	var opts []oauth2.AuthCodeOption
	if params.CodeVerifier != "" {
		opts = append(opts, oauth2.VerifierOption(params.CodeVerifier))
	}

	start := time.Now()
	tok, err := cfg.Exchange(c.httpContext(ctx), params.Code, opts...)
	if err != nil {
		err = upstreamError("token exchange", err)
		c.recordUpstream(ctx, span, opTokenExchange, params.TokenEndpoint, statusOf(err), start, err)
		c.logger.Warn("Token exchange failed",
			"token_endpoint", params.TokenEndpoint,
			"code_prefix", util.SafeTruncate(params.Code, 8),
			"error", err)
		return nil, err
	}
	c.recordUpstream(ctx, span, opTokenExchange, params.TokenEndpoint, http.StatusOK, start, nil)

	return tokensFromOAuth2(tok), nil
}

// RefreshToken runs a refresh_token grant. When the provider does not rotate
// the refresh token, the previous one is kept. Concurrent refreshes of the
// same refresh token share one upstream call.
func (c *Client) RefreshToken(ctx context.Context, params RefreshParams) (*Tokens, error) {
	if params.TokenEndpoint == "" {
		return nil, ErrInvalidMetadata
	}
	if params.RefreshToken == "" {
		return nil, ErrNoRefreshToken
	}

	// The shared refresh is detached from the caller that started it, so one
	// cancelled caller does not fail the others. refresh applies TokenTimeout.
	key := params.TokenEndpoint + "\x00" + params.RefreshToken
	ch := c.refreshGroup.DoChan(key, func() (any, error) {
		return c.refresh(context.WithoutCancel(ctx), params)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		if res.Shared {
			c.logger.Debug("Shared in-flight token refresh", "token_endpoint", params.TokenEndpoint)
		}
		// Callers may mutate the result
		tokens := *res.Val.(*Tokens)
		return &tokens, nil
	}
}

func (c *Client) refresh(ctx context.Context, params RefreshParams) (*Tokens, error) {
	ctx, cancel := context.WithTimeout(ctx, c.tokenTimeout)
	defer cancel()

	ctx, span := c.tracer.Start(ctx, "mcpoauth.refresh_token")
	defer span.End()

	cfg := c.oauth2Config(params.TokenEndpoint, params.ClientID, params.ClientSecret)

	start := time.Now()
	src := cfg.TokenSource(c.httpContext(ctx), &oauth2.Token{RefreshToken: params.RefreshToken})
	tok, err := src.Token()
	if err != nil {
		err = upstreamError("token refresh", err)
		c.recordUpstream(ctx, span, opTokenRefresh, params.TokenEndpoint, statusOf(err), start, err)
		c.logger.Warn("Token refresh failed", "token_endpoint", params.TokenEndpoint, "error", err)
		return nil, err
	}
	c.recordUpstream(ctx, span, opTokenRefresh, params.TokenEndpoint, http.StatusOK, start, nil)

	tokens := tokensFromOAuth2(tok)
	if tokens.RefreshToken == "" {
		tokens.RefreshToken = params.RefreshToken
	}
	return tokens, nil
}

// EnsureFresh refreshes conn's tokens when they are within the refresh buffer
// and persists the result. It returns conn unchanged when no refresh is due.
func (c *Client) EnsureFresh(ctx context.Context, conn *storage.Connection) (*storage.Connection, error) {
	tokens := ConnectionTokens(conn)
	if !TokenNeedsRefresh(tokens) {
		return conn, nil
	}
	if tokens.RefreshToken == "" {
		if TokenIsExpired(tokens) {
			return nil, ErrNoRefreshToken
		}
		// Still usable until the hard deadline
		return conn, nil
	}

	clientSecret, err := c.providerSecret(ctx, conn)
	if err != nil {
		return nil, err
	}

	refreshed, err := c.RefreshToken(ctx, RefreshParams{
		TokenEndpoint: conn.TokenEndpoint,
		RefreshToken:  tokens.RefreshToken,
		ClientID:      conn.OAuthClientID,
		ClientSecret:  clientSecret,
	})
	if err != nil {
		return nil, err
	}

	updated := *conn
	ApplyTokens(&updated, refreshed)
	updated.UpdatedAt = time.Now()

	if c.connections != nil {
		if err := c.connections.SaveConnection(ctx, &updated); err != nil {
			return nil, fmt.Errorf("failed to save refreshed connection: %w", err)
		}
	}

	c.auditor.LogIntegrationTokenRefreshed(conn.OrganizationID, conn.UserID, conn.ProviderKey,
		refreshed.RefreshToken != tokens.RefreshToken)

	return &updated, nil
}

// providerSecret returns the configured client secret for conn's provider.
// It is empty for unknown providers and when the configured client_id no
// longer matches the one the connection was made with.
func (c *Client) providerSecret(ctx context.Context, conn *storage.Connection) (string, error) {
	if c.providers == nil {
		return "", nil
	}
	provider, err := c.providers.ResolveProvider(ctx, conn.ProviderKey)
	if err != nil {
		if errors.Is(err, ErrProviderNotFound) {
			return "", nil
		}
		return "", fmt.Errorf("failed to resolve provider %q: %w", conn.ProviderKey, err)
	}
	if provider.ClientID != conn.OAuthClientID {
		return "", nil
	}
	return provider.ClientSecret, nil
}

// ConnectionTokens extracts the token fields of a stored connection
func ConnectionTokens(conn *storage.Connection) *Tokens {
	return &Tokens{
		AccessToken:  conn.AccessToken,
		RefreshToken: conn.RefreshToken,
		ExpiresAt:    conn.ExpiresAt,
		TokenType:    conn.TokenType,
		Scope:        conn.Scope,
	}
}

// ApplyTokens copies tokens onto a connection record
func ApplyTokens(conn *storage.Connection, tokens *Tokens) {
	conn.AccessToken = tokens.AccessToken
	conn.RefreshToken = tokens.RefreshToken
	conn.ExpiresAt = tokens.ExpiresAt
	conn.TokenType = tokens.TokenType
	conn.Scope = tokens.Scope
}

func (c *Client) oauth2Config(tokenEndpoint, clientID, clientSecret string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Endpoint: oauth2.Endpoint{
			TokenURL:  tokenEndpoint,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
}

// httpContext makes x/oauth2 use the configured HTTP client
func (c *Client) httpContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
}

func (c *Client) recordUpstream(ctx context.Context, span trace.Span, operation, endpoint string, status int, start time.Time, err error) {
	instrumentation.AddUpstreamAttributes(span, endpoint, status)
	if err != nil {
		instrumentation.RecordError(span, err)
	} else {
		instrumentation.SetSpanSuccess(span)
	}
	span.SetAttributes(attribute.String("mcp.upstream.operation", operation))

	if c.instrumentation != nil {
		durationMs := float64(time.Since(start).Microseconds()) / 1000.0
		c.instrumentation.Metrics().RecordUpstreamCall(ctx, operation, status, durationMs, err)
	}
}
