package oauth

import "github.com/agentc2/mcp-auth/security"

const (
	// DefaultBasicRealm is the realm in WWW-Authenticate on /token 401 responses
	DefaultBasicRealm = "mcp"

	// DefaultMaxTokenRequestBytes caps /token request bodies
	DefaultMaxTokenRequestBytes = 64 << 10

	defaultCORSMaxAge = 3600 // 1 hour default for preflight cache
)

// HandlerConfig holds HTTP-layer settings that the protocol server does not need
type HandlerConfig struct {
	// CORS configures cross-origin access for browser-based MCP clients
	CORS CORSConfig

	// RateLimiter limits requests per client IP on every endpoint.
	// Nil disables rate limiting.
	RateLimiter *security.RateLimiter

	// BasicRealm is advertised on 401 responses from /token
	// Default: "mcp"
	BasicRealm string

	// MaxTokenRequestBytes caps the /token body size
	// Default: 64 KiB
	MaxTokenRequestBytes int64
}

// CORSConfig holds CORS settings
type CORSConfig struct {
	// AllowedOrigins lists origins allowed to call the endpoints. Empty disables CORS.
	// "*" allows every origin (development only).
	AllowedOrigins []string

	// AllowCredentials sets Access-Control-Allow-Credentials
	AllowCredentials bool

	// MaxAge is the preflight cache duration in seconds
	// Default: 3600
	MaxAge int
}

func (c *HandlerConfig) applyDefaults() {
	if c.BasicRealm == "" {
		c.BasicRealm = DefaultBasicRealm
	}
	if c.MaxTokenRequestBytes <= 0 {
		c.MaxTokenRequestBytes = DefaultMaxTokenRequestBytes
	}
	if c.CORS.MaxAge <= 0 {
		c.CORS.MaxAge = defaultCORSMaxAge
	}
}
