package mcpoauth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/agentc2/mcp-auth/oauthstate"
	"github.com/agentc2/mcp-auth/security"
	"github.com/agentc2/mcp-auth/storage"
)

const (
	// DefaultSetupURL is where the browser lands after the flow
	DefaultSetupURL = "/mcp/setup"

	// DefaultMetadataCookieName is the sibling cookie carrying FlowMetadata
	DefaultMetadataCookieName = "mcp_oauth_meta"

	metadataPurpose = "mcpoauth.metadata"
)

// Error codes placed in the setup URL's "error" parameter
const (
	ErrCodeMissingProvider    = "missing_provider"
	ErrCodeUnauthorized       = "unauthorized"
	ErrCodeUnknownProvider    = "unknown_provider"
	ErrCodeOAuthNotSupported  = "oauth_not_supported"
	ErrCodeMissingClientID    = "missing_client_id"
	ErrCodeMissingState       = "missing_state"
	ErrCodeStateExpired       = "state_expired"
	ErrCodeInvalidState       = "invalid_state"
	ErrCodeMissingCode        = "missing_code"
	ErrCodeInvalidMetadata    = "invalid_metadata"
	ErrCodeTokenExchange      = "token_exchange_failed"
	ErrCodeStorage            = "storage_error"
	ErrCodeInternal           = "internal_error"
	errCodeProviderErrDefault = "access_denied"
)

// ErrProviderNotFound is returned by a ProviderResolver for unknown keys
var ErrProviderNotFound = errors.New("provider not found")

// FlowMetadata is sealed into the metadata cookie between start and callback
type FlowMetadata struct {
	TokenEndpoint string `json:"tokenEndpoint"`
	HostedMCPURL  string `json:"hostedMcpUrl"`
	ProviderKey   string `json:"providerKey"`
	OAuthClientID string `json:"oauthClientId"`
}

// Identity is the signed-in user starting a flow
type Identity struct {
	OrganizationID string
	UserID         string
}

// Provider is a third-party MCP server users can connect to
type Provider struct {
	Key          string
	HostedMCPURL string
	ClientID     string
	ClientSecret string
	Scopes       []string
	ExtraParams  map[string]string
}

// IdentityResolver resolves the caller of a start request
type IdentityResolver interface {
	ResolveIdentity(r *http.Request) (*Identity, error)
}

// IdentityResolverFunc adapts a function to IdentityResolver
type IdentityResolverFunc func(r *http.Request) (*Identity, error)

// ResolveIdentity calls f(r)
func (f IdentityResolverFunc) ResolveIdentity(r *http.Request) (*Identity, error) {
	return f(r)
}

// ProviderResolver looks up provider configuration by key.
// Unknown keys return ErrProviderNotFound.
type ProviderResolver interface {
	ResolveProvider(ctx context.Context, key string) (*Provider, error)
}

// StaticProviders is a ProviderResolver over a fixed map
type StaticProviders map[string]*Provider

// ResolveProvider returns the provider registered under key
func (p StaticProviders) ResolveProvider(_ context.Context, key string) (*Provider, error) {
	provider, ok := p[key]
	if !ok {
		return nil, ErrProviderNotFound
	}
	return provider, nil
}

// FlowConfig configures a Flow
type FlowConfig struct {
	Client      *Client
	States      *oauthstate.Manager
	Identities  IdentityResolver
	Providers   ProviderResolver
	Connections storage.ConnectionStore

	// RedirectURI is the absolute URL of the callback route (required)
	RedirectURI string

	// SetupURL is where the browser is sent with ?success= or ?error=
	// Default: "/mcp/setup"
	SetupURL string

	// MetadataCookieName names the FlowMetadata cookie
	// Default: "mcp_oauth_meta"
	MetadataCookieName string

	// TrustProxy uses X-Forwarded-For for audit IPs
	TrustProxy        bool
	TrustedProxyCount int

	// Logger for structured logging (optional, uses default if not provided)
	Logger *slog.Logger
}

// Flow serves the browser-facing start and callback routes of the outbound
// MCP OAuth flow. Failures never render protocol errors: every outcome is a
// redirect to the setup UI.
type Flow struct {
	config  FlowConfig
	auditor *security.Auditor
	logger  *slog.Logger
}

// NewFlow creates a Flow
func NewFlow(cfg FlowConfig) (*Flow, error) {
	if cfg.Client == nil || cfg.States == nil {
		return nil, fmt.Errorf("client and state manager are required")
	}
	if cfg.Identities == nil || cfg.Providers == nil || cfg.Connections == nil {
		return nil, fmt.Errorf("identity resolver, provider resolver and connection store are required")
	}
	if cfg.RedirectURI == "" {
		return nil, fmt.Errorf("redirect URI is required")
	}
	if cfg.SetupURL == "" {
		cfg.SetupURL = DefaultSetupURL
	}
	if cfg.MetadataCookieName == "" {
		cfg.MetadataCookieName = DefaultMetadataCookieName
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Flow{config: cfg, logger: cfg.Logger}, nil
}

// SetAuditor sets the security auditor
func (f *Flow) SetAuditor(aud *security.Auditor) {
	f.auditor = aud
	f.config.States.SetAuditor(aud)
	f.config.Client.SetAuditor(aud)
}

// ServeStart handles GET /api/integrations/mcp-oauth/start?provider=<key>
func (f *Flow) ServeStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ctx := r.Context()
	logger := security.RequestLogger(ctx, f.logger)

	providerKey := r.URL.Query().Get("provider")
	if providerKey == "" {
		f.redirectError(w, r, ErrCodeMissingProvider)
		return
	}

	identity, err := f.config.Identities.ResolveIdentity(r)
	if err != nil || identity == nil {
		logger.Debug("MCP OAuth start without identity", "error", err)
		f.redirectError(w, r, ErrCodeUnauthorized)
		return
	}

	provider, err := f.config.Providers.ResolveProvider(ctx, providerKey)
	if err != nil {
		if !errors.Is(err, ErrProviderNotFound) {
			logger.Error("Failed to resolve provider", "provider_key", providerKey, "error", err)
			f.redirectError(w, r, ErrCodeInternal)
			return
		}
		f.redirectError(w, r, ErrCodeUnknownProvider)
		return
	}

	meta := f.config.Client.Discover(ctx, provider.HostedMCPURL)
	if meta == nil {
		f.redirectError(w, r, ErrCodeOAuthNotSupported)
		return
	}
	if provider.ClientID == "" {
		f.redirectError(w, r, ErrCodeMissingClientID)
		return
	}

	verifier := oauth2.GenerateVerifier()
	state, stateCookie, err := f.config.States.CreateState(ctx, identity.OrganizationID, identity.UserID, provider.Key, verifier)
	if err != nil {
		logger.Error("Failed to create OAuth state", "error", err)
		f.redirectError(w, r, ErrCodeInternal)
		return
	}

	authReq, err := BuildAuthorizationURL(meta, AuthorizationParams{
		ClientID:     provider.ClientID,
		RedirectURI:  f.config.RedirectURI,
		Scopes:       provider.Scopes,
		State:        state,
		CodeVerifier: verifier,
		ExtraParams:  provider.ExtraParams,
	})
	if err != nil {
		logger.Error("Failed to build authorization URL", "provider_key", provider.Key, "error", err)
		f.redirectError(w, r, ErrCodeInvalidMetadata)
		return
	}

	metaCookie, err := f.config.States.Seal(metadataPurpose, FlowMetadata{
		TokenEndpoint: meta.TokenEndpoint,
		HostedMCPURL:  provider.HostedMCPURL,
		ProviderKey:   provider.Key,
		OAuthClientID: provider.ClientID,
	}, 0)
	if err != nil {
		logger.Error("Failed to seal flow metadata", "error", err)
		f.redirectError(w, r, ErrCodeInternal)
		return
	}

	f.config.States.SetStateCookie(w, stateCookie)
	f.config.States.SetCookie(w, f.config.MetadataCookieName, metaCookie)

	logger.Info("Starting MCP OAuth flow",
		"provider_key", provider.Key,
		"organization_id", identity.OrganizationID)

	http.Redirect(w, r, authReq.URL, http.StatusFound)
}

// ServeCallback handles GET /api/integrations/mcp-oauth/callback
func (f *Flow) ServeCallback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ctx := r.Context()
	logger := security.RequestLogger(ctx, f.logger)
	query := r.URL.Query()
	clientIP := security.GetClientIP(r, f.config.TrustProxy, f.config.TrustedProxyCount)

	metaCookie := f.config.States.ReadCookie(r, f.config.MetadataCookieName)

	// The state is single use whatever the outcome
	f.config.States.ClearStateCookie(w)
	f.config.States.ClearCookie(w, f.config.MetadataCookieName)

	if providerErr := query.Get("error"); providerErr != "" {
		logger.Warn("Provider returned an authorization error",
			"error", providerErr,
			"error_description", query.Get("error_description"))
		f.redirectError(w, r, sanitizeErrorCode(providerErr))
		return
	}

	payload, err := f.config.States.ValidateRequest(r, clientIP)
	if err != nil {
		f.redirectError(w, r, stateErrorCode(err))
		return
	}

	code := query.Get("code")
	if code == "" {
		f.redirectError(w, r, ErrCodeMissingCode)
		return
	}

	var meta FlowMetadata
	if err := f.config.States.Open(metadataPurpose, metaCookie, &meta); err != nil {
		logger.Warn("Invalid MCP OAuth metadata cookie", "error", err)
		f.redirectError(w, r, ErrCodeInvalidMetadata)
		return
	}
	if meta.ProviderKey != payload.ProviderKey {
		f.auditor.LogStateRejected(clientIP, "provider_mismatch")
		f.redirectError(w, r, ErrCodeInvalidState)
		return
	}

	var clientSecret string
	if provider, err := f.config.Providers.ResolveProvider(ctx, meta.ProviderKey); err == nil {
		clientSecret = provider.ClientSecret
	}

	tokens, err := f.config.Client.ExchangeCode(ctx, ExchangeParams{
		TokenEndpoint: meta.TokenEndpoint,
		Code:          code,
		RedirectURI:   f.config.RedirectURI,
		ClientID:      meta.OAuthClientID,
		ClientSecret:  clientSecret,
		CodeVerifier:  payload.CodeVerifier,
	})
	if err != nil {
		logger.Error("MCP OAuth token exchange failed", "provider_key", meta.ProviderKey, "error", err)
		f.redirectError(w, r, ErrCodeTokenExchange)
		return
	}

	conn := &storage.Connection{
		OrganizationID: payload.OrganizationID,
		UserID:         payload.UserID,
		ProviderKey:    meta.ProviderKey,
		HostedMCPURL:   meta.HostedMCPURL,
		TokenEndpoint:  meta.TokenEndpoint,
		OAuthClientID:  meta.OAuthClientID,
		UpdatedAt:      time.Now(),
	}
	ApplyTokens(conn, tokens)

	if err := f.config.Connections.SaveConnection(ctx, conn); err != nil {
		logger.Error("Failed to save MCP connection", "provider_key", meta.ProviderKey, "error", err)
		f.redirectError(w, r, ErrCodeStorage)
		return
	}

	f.auditor.LogIntegrationConnected(payload.OrganizationID, payload.UserID, meta.ProviderKey)
	logger.Info("MCP OAuth connection established",
		"provider_key", meta.ProviderKey,
		"organization_id", payload.OrganizationID)

	f.redirectSetup(w, r, url.Values{
		"success":  {"true"},
		"provider": {meta.ProviderKey},
	})
}

func (f *Flow) redirectError(w http.ResponseWriter, r *http.Request, code string) {
	f.redirectSetup(w, r, url.Values{"error": {code}})
}

func (f *Flow) redirectSetup(w http.ResponseWriter, r *http.Request, params url.Values) {
	target := f.config.SetupURL
	if u, err := url.Parse(target); err == nil {
		q := u.Query()
		for k, v := range params {
			q[k] = v
		}
		u.RawQuery = q.Encode()
		target = u.String()
	}
	http.Redirect(w, r, target, http.StatusFound)
}

func stateErrorCode(err error) string {
	switch {
	case errors.Is(err, oauthstate.ErrStateCookieMissing):
		return ErrCodeMissingState
	case errors.Is(err, oauthstate.ErrStateExpired):
		return ErrCodeStateExpired
	case errors.Is(err, oauthstate.ErrStateMismatch),
		errors.Is(err, oauthstate.ErrStateCookieInvalid),
		errors.Is(err, oauthstate.ErrStateReplayed):
		return ErrCodeInvalidState
	default:
		return ErrCodeInternal
	}
}

// sanitizeErrorCode keeps provider error codes to the RFC 6749 charset
func sanitizeErrorCode(code string) string {
	if len(code) > 64 {
		return errCodeProviderErrDefault
	}
	for _, r := range code {
		if !(r == '_' || r == '-' || r == '.' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')) {
			return errCodeProviderErrDefault
		}
	}
	return strings.ToLower(code)
}
