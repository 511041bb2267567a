package server

import (
	"log/slog"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// TokenMode selects what the token endpoint returns as access_token.
type TokenMode string

const (
	// TokenModeCredential returns the validated client secret (or the client_id
	// when no secret was presented). Resource servers validate the same credential.
	TokenModeCredential TokenMode = "credential"

	// TokenModeOpaque mints a random token mapped to the tenant in a TokenStore.
	// Tokens can be revoked without rotating the tenant credential.
	TokenModeOpaque TokenMode = "opaque"
)

const (
	// DefaultAuthorizationCodeTTL is the authorization code lifetime in seconds
	DefaultAuthorizationCodeTTL = 600

	// DefaultAccessTokenTTL is the advertised expires_in in seconds
	DefaultAccessTokenTTL = 86400

	// DefaultTokenScope is the scope returned with every token
	DefaultTokenScope = "mcp"

	// DefaultToolID identifies the MCP credential among a tenant's credentials
	DefaultToolID = "mcp-api"
)

// Config holds OAuth server configuration
type Config struct {
	// Issuer is the server's issuer identifier (base URL)
	Issuer string

	// AuthorizationCodeTTL is how long authorization codes are valid
	AuthorizationCodeTTL int64 // seconds, default: 600 (10 minutes)

	// AccessTokenTTL is returned as expires_in and bounds opaque tokens
	AccessTokenTTL int64 // seconds, default: 86400 (24 hours)

	// TokenScope is returned as scope in token responses
	TokenScope string // default: "mcp"

	// ToolID selects which tenant credential acts as the OAuth client secret
	ToolID string // default: "mcp-api"

	// TokenMode selects credential-as-token (default) or opaque tokens
	TokenMode TokenMode // default: credential

	// GlobalSecretHash is an optional bcrypt hash of an override client secret
	// accepted for every known tenant.
	GlobalSecretHash string

	// RequirePKCE makes code_challenge mandatory at /authorize
	// Default: false (public and confidential clients without PKCE are accepted)
	RequirePKCE bool

	// DisallowPKCEPlain refuses code_challenge_method=plain
	// Default: false (plain accepted for existing clients; S256 is advertised first)
	DisallowPKCEPlain bool

	// AllowInsecureRedirects accepts http:// redirect URIs on non-loopback hosts
	// WARNING: exposes authorization codes to network observers
	// Default: false
	AllowInsecureRedirects bool

	// AllowedCustomSchemes is a list of allowed custom URI scheme patterns (regex)
	// for native-app redirect URIs. Empty allows all RFC 3986 schemes except
	// the dangerous ones.
	AllowedCustomSchemes []string

	// TrustProxy enables trusting X-Forwarded-For and X-Real-IP headers
	// WARNING: Only enable if behind a trusted reverse proxy
	// Default: false
	TrustProxy bool

	// TrustedProxyCount is the number of trusted proxies in front of this server
	// Default: 1
	TrustedProxyCount int
}

// AuthorizationEndpoint returns the full URL of the /authorize endpoint
func (c *Config) AuthorizationEndpoint() string {
	return strings.TrimSuffix(c.Issuer, "/") + "/authorize"
}

// TokenEndpoint returns the full URL of the /token endpoint
func (c *Config) TokenEndpoint() string {
	return strings.TrimSuffix(c.Issuer, "/") + "/token"
}

// RevocationEndpoint returns the full URL of the /revoke endpoint
func (c *Config) RevocationEndpoint() string {
	return strings.TrimSuffix(c.Issuer, "/") + "/revoke"
}

// applySecureDefaults fills unset fields and logs insecure settings
func applySecureDefaults(config *Config, logger *slog.Logger) *Config {
	applyTimeDefaults(config)
	applyTokenDefaults(config, logger)
	logSecurityWarnings(config, logger)
	return config
}

// applyTimeDefaults sets default values for time-based configuration
func applyTimeDefaults(config *Config) {
	if config.AuthorizationCodeTTL <= 0 {
		config.AuthorizationCodeTTL = DefaultAuthorizationCodeTTL
	}
	if config.AccessTokenTTL <= 0 {
		config.AccessTokenTTL = DefaultAccessTokenTTL
	}
	if config.TrustedProxyCount <= 0 {
		config.TrustedProxyCount = 1
	}
}

// applyTokenDefaults sets token mode, scope and tool defaults
func applyTokenDefaults(config *Config, logger *slog.Logger) {
	if config.TokenScope == "" {
		config.TokenScope = DefaultTokenScope
	}
	if config.ToolID == "" {
		config.ToolID = DefaultToolID
	}
	switch config.TokenMode {
	case TokenModeCredential, TokenModeOpaque:
	case "":
		config.TokenMode = TokenModeCredential
	default:
		logger.Warn("Unknown token mode, using credential mode", "token_mode", config.TokenMode)
		config.TokenMode = TokenModeCredential
	}

	if config.GlobalSecretHash != "" {
		if _, err := bcrypt.Cost([]byte(config.GlobalSecretHash)); err != nil {
			logger.Error("GlobalSecretHash is not a bcrypt hash, global override secret disabled", "error", err)
			config.GlobalSecretHash = ""
		}
	}
}

// logSecurityWarnings logs warnings for insecure configuration settings
func logSecurityWarnings(config *Config, logger *slog.Logger) {
	if !config.RequirePKCE {
		logger.Warn("⚠️  SECURITY WARNING: PKCE is optional",
			"risk", "Authorization code interception attacks",
			"recommendation", "Set RequirePKCE=true once all clients send code_challenge",
			"learn_more", "https://datatracker.ietf.org/doc/html/draft-ietf-oauth-v2-1-10#section-7.6")
	}
	if !config.DisallowPKCEPlain {
		logger.Warn("⚠️  SECURITY WARNING: Plain PKCE method is ALLOWED",
			"risk", "Weak code challenge protection",
			"recommendation", "Set DisallowPKCEPlain=true to require S256",
			"learn_more", "https://datatracker.ietf.org/doc/html/rfc7636#section-4.2")
	}
	if config.AllowInsecureRedirects {
		logger.Warn("⚠️  SECURITY WARNING: http:// redirect URIs are ALLOWED on non-loopback hosts",
			"risk", "Authorization codes visible to network observers",
			"recommendation", "Set AllowInsecureRedirects=false in production")
	}
	if config.TokenMode == TokenModeCredential {
		logger.Warn("⚠️  SECURITY NOTICE: Access tokens are the tenant client credential",
			"risk", "A leaked access token is a leaked long-term secret",
			"recommendation", "Use TokenMode=opaque for independently revocable tokens")
	}
	if config.TrustProxy {
		logger.Warn("⚠️  SECURITY NOTICE: Trusting proxy headers",
			"risk", "IP spoofing if proxy is not properly configured",
			"recommendation", "Only enable behind trusted reverse proxies",
			"config", "TrustedProxyCount should match your proxy chain length")
	}
}
