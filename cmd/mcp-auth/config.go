package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/agentc2/mcp-auth/internal/util"
	"github.com/agentc2/mcp-auth/mcpoauth"
	"github.com/agentc2/mcp-auth/server"
)

const envPrefix = "MCP_AUTH"

// Store backends for codes, used states and opaque tokens
const (
	backendMemory = "memory"
	backendValkey = "valkey"
)

type appConfig struct {
	Listen        string `mapstructure:"listen"`
	Issuer        string `mapstructure:"issuer"`
	EncryptionKey string `mapstructure:"encryption-key"`

	Log          logConfig          `mapstructure:"log"`
	Store        storeConfig        `mapstructure:"store"`
	Database     databaseConfig     `mapstructure:"database"`
	OAuth        oauthConfig        `mapstructure:"oauth"`
	RateLimit    rateLimitConfig    `mapstructure:"ratelimit"`
	CORS         corsConfig         `mapstructure:"cors"`
	Metrics      metricsConfig      `mapstructure:"metrics"`
	Integrations integrationsConfig `mapstructure:"integrations"`

	// Providers are third-party MCP servers users can connect to, keyed by provider key
	Providers map[string]providerConfig `mapstructure:"providers"`

	// Tenants seed the in-memory tenant store when no database is configured
	Tenants []tenantConfig `mapstructure:"tenants"`
}

type logConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type storeConfig struct {
	Backend string       `mapstructure:"backend"`
	Valkey  valkeyConfig `mapstructure:"valkey"`
}

type valkeyConfig struct {
	Address   string `mapstructure:"address"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key-prefix"`
}

type databaseConfig struct {
	// Path of the SQLite database holding tenants, credentials and connections.
	// Empty keeps them in memory.
	Path string `mapstructure:"path"`
}

type oauthConfig struct {
	CodeTTL                time.Duration `mapstructure:"code-ttl"`
	TokenTTL               time.Duration `mapstructure:"token-ttl"`
	Scope                  string        `mapstructure:"scope"`
	ToolID                 string        `mapstructure:"tool-id"`
	TokenMode              string        `mapstructure:"token-mode"`
	GlobalSecretHash       string        `mapstructure:"global-secret-hash"`
	RequirePKCE            bool          `mapstructure:"require-pkce"`
	DisallowPKCEPlain      bool          `mapstructure:"disallow-pkce-plain"`
	AllowInsecureRedirects bool          `mapstructure:"allow-insecure-redirects"`
	AllowedCustomSchemes   []string      `mapstructure:"allowed-custom-schemes"`
	TrustProxy             bool          `mapstructure:"trust-proxy"`
	TrustedProxyCount      int           `mapstructure:"trusted-proxy-count"`
}

type rateLimitConfig struct {
	RPS   float64 `mapstructure:"rps"`
	Burst int     `mapstructure:"burst"`
}

type corsConfig struct {
	AllowedOrigins   []string `mapstructure:"allowed-origins"`
	AllowCredentials bool     `mapstructure:"allow-credentials"`
}

type metricsConfig struct {
	Enabled bool `mapstructure:"enabled"`

	// LogClientIPs attaches caller addresses to /authorize and /token spans
	LogClientIPs bool `mapstructure:"log-client-ips"`
}

type integrationsConfig struct {
	RedirectURI          string `mapstructure:"redirect-uri"`
	SetupURL             string `mapstructure:"setup-url"`
	CookieSecure         bool   `mapstructure:"cookie-secure"`
	UserHeader           string `mapstructure:"user-header"`
	AllowPrivateNetworks bool   `mapstructure:"allow-private-networks"`
}

type providerConfig struct {
	HostedMCPURL string            `mapstructure:"hosted-mcp-url"`
	ClientID     string            `mapstructure:"client-id"`
	ClientSecret string            `mapstructure:"client-secret"`
	Scopes       []string          `mapstructure:"scopes"`
	ExtraParams  map[string]string `mapstructure:"extra-params"`
}

type tenantConfig struct {
	Slug   string `mapstructure:"slug"`
	Name   string `mapstructure:"name"`
	APIKey string `mapstructure:"api-key"`
}

// setDefaults registers every scalar key so environment variables are picked
// up by Unmarshal.
func setDefaults(v *viper.Viper) {
	v.SetDefault("listen", ":8080")
	v.SetDefault("issuer", "http://localhost:8080")
	v.SetDefault("encryption-key", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("store.backend", backendMemory)
	v.SetDefault("store.valkey.address", "")
	v.SetDefault("store.valkey.password", "")
	v.SetDefault("store.valkey.db", 0)
	v.SetDefault("store.valkey.key-prefix", "mcp:")

	v.SetDefault("database.path", "")

	v.SetDefault("oauth.code-ttl", 10*time.Minute)
	v.SetDefault("oauth.token-ttl", 24*time.Hour)
	v.SetDefault("oauth.scope", "mcp")
	v.SetDefault("oauth.tool-id", "mcp-api")
	v.SetDefault("oauth.token-mode", string(server.TokenModeCredential))
	v.SetDefault("oauth.global-secret-hash", "")
	v.SetDefault("oauth.require-pkce", false)
	v.SetDefault("oauth.disallow-pkce-plain", false)
	v.SetDefault("oauth.allow-insecure-redirects", false)
	v.SetDefault("oauth.allowed-custom-schemes", []string{})
	v.SetDefault("oauth.trust-proxy", false)
	v.SetDefault("oauth.trusted-proxy-count", 1)

	v.SetDefault("ratelimit.rps", 10.0)
	v.SetDefault("ratelimit.burst", 20)

	v.SetDefault("cors.allowed-origins", []string{})
	v.SetDefault("cors.allow-credentials", false)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.log-client-ips", false)

	v.SetDefault("integrations.redirect-uri", "")
	v.SetDefault("integrations.setup-url", mcpoauth.DefaultSetupURL)
	v.SetDefault("integrations.cookie-secure", true)
	v.SetDefault("integrations.user-header", "X-User-ID")
	v.SetDefault("integrations.allow-private-networks", false)
}

// newViper returns a viper instance reading MCP_AUTH_* variables and, when
// configFile is set, a YAML file.
func newViper(configFile string) (*viper.Viper, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configFile, err)
		}
	}
	return v, nil
}

func loadConfig(v *viper.Viper) (*appConfig, error) {
	var cfg appConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *appConfig) validate() error {
	if c.Issuer == "" {
		return fmt.Errorf("issuer is required")
	}
	switch c.Store.Backend {
	case backendMemory:
	case backendValkey:
		if c.Store.Valkey.Address == "" {
			return fmt.Errorf("store.valkey.address is required for the valkey backend")
		}
	default:
		return fmt.Errorf("unknown store backend %q (want %s or %s)", c.Store.Backend, backendMemory, backendValkey)
	}
	switch server.TokenMode(c.OAuth.TokenMode) {
	case server.TokenModeCredential, server.TokenModeOpaque:
	default:
		return fmt.Errorf("unknown token mode %q", c.OAuth.TokenMode)
	}
	if c.OAuth.CodeTTL < 0 || c.OAuth.TokenTTL < 0 {
		return fmt.Errorf("oauth TTLs must not be negative")
	}
	if len(c.Providers) > 0 && c.EncryptionKey == "" {
		return fmt.Errorf("encryption-key is required to seal MCP OAuth state cookies")
	}
	for key, p := range c.Providers {
		if p.HostedMCPURL == "" {
			return fmt.Errorf("provider %q: hosted-mcp-url is required", key)
		}
	}
	for _, t := range c.Tenants {
		if t.Slug == "" || t.APIKey == "" {
			return fmt.Errorf("tenant entries need slug and api-key")
		}
	}
	return nil
}

// serverConfig maps the oauth section onto server.Config
func (c *appConfig) serverConfig() *server.Config {
	return &server.Config{
		Issuer:                 util.NormalizeURL(c.Issuer),
		AuthorizationCodeTTL:   int64(c.OAuth.CodeTTL / time.Second),
		AccessTokenTTL:         int64(c.OAuth.TokenTTL / time.Second),
		TokenScope:             c.OAuth.Scope,
		ToolID:                 c.OAuth.ToolID,
		TokenMode:              server.TokenMode(c.OAuth.TokenMode),
		GlobalSecretHash:       c.OAuth.GlobalSecretHash,
		RequirePKCE:            c.OAuth.RequirePKCE,
		DisallowPKCEPlain:      c.OAuth.DisallowPKCEPlain,
		AllowInsecureRedirects: c.OAuth.AllowInsecureRedirects,
		AllowedCustomSchemes:   c.OAuth.AllowedCustomSchemes,
		TrustProxy:             c.OAuth.TrustProxy,
		TrustedProxyCount:      c.OAuth.TrustedProxyCount,
	}
}

// callbackURL is the MCP OAuth redirect URI, derived from the issuer unless set
func (c *appConfig) callbackURL() string {
	if c.Integrations.RedirectURI != "" {
		return c.Integrations.RedirectURI
	}
	return util.NormalizeURL(c.Issuer) + callbackRoute
}

func (c *appConfig) providers() mcpoauth.StaticProviders {
	providers := make(mcpoauth.StaticProviders, len(c.Providers))
	for key, p := range c.Providers {
		providers[key] = &mcpoauth.Provider{
			Key:          key,
			HostedMCPURL: p.HostedMCPURL,
			ClientID:     p.ClientID,
			ClientSecret: p.ClientSecret,
			Scopes:       p.Scopes,
			ExtraParams:  p.ExtraParams,
		}
	}
	return providers
}
