package server

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestApplySecureDefaults(t *testing.T) {
	tests := []struct {
		name           string
		input          *Config
		wantCodeTTL    int64
		wantTokenTTL   int64
		wantScope      string
		wantToolID     string
		wantMode       TokenMode
		wantProxyCount int
	}{
		{
			name:           "all zeros get defaults",
			input:          &Config{},
			wantCodeTTL:    600,
			wantTokenTTL:   86400,
			wantScope:      "mcp",
			wantToolID:     "mcp-api",
			wantMode:       TokenModeCredential,
			wantProxyCount: 1,
		},
		{
			name: "custom values preserved",
			input: &Config{
				AuthorizationCodeTTL: 120,
				AccessTokenTTL:       3600,
				TokenScope:           "mcp tools",
				ToolID:               "custom-tool",
				TokenMode:            TokenModeOpaque,
				TrustedProxyCount:    2,
			},
			wantCodeTTL:    120,
			wantTokenTTL:   3600,
			wantScope:      "mcp tools",
			wantToolID:     "custom-tool",
			wantMode:       TokenModeOpaque,
			wantProxyCount: 2,
		},
		{
			name:           "unknown token mode falls back",
			input:          &Config{TokenMode: "jwt", AuthorizationCodeTTL: -5},
			wantCodeTTL:    600,
			wantTokenTTL:   86400,
			wantScope:      "mcp",
			wantToolID:     "mcp-api",
			wantMode:       TokenModeCredential,
			wantProxyCount: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
			got := applySecureDefaults(tt.input, logger)

			if got.AuthorizationCodeTTL != tt.wantCodeTTL {
				t.Errorf("AuthorizationCodeTTL = %d, want %d", got.AuthorizationCodeTTL, tt.wantCodeTTL)
			}
			if got.AccessTokenTTL != tt.wantTokenTTL {
				t.Errorf("AccessTokenTTL = %d, want %d", got.AccessTokenTTL, tt.wantTokenTTL)
			}
			if got.TokenScope != tt.wantScope {
				t.Errorf("TokenScope = %q, want %q", got.TokenScope, tt.wantScope)
			}
			if got.ToolID != tt.wantToolID {
				t.Errorf("ToolID = %q, want %q", got.ToolID, tt.wantToolID)
			}
			if got.TokenMode != tt.wantMode {
				t.Errorf("TokenMode = %q, want %q", got.TokenMode, tt.wantMode)
			}
			if got.TrustedProxyCount != tt.wantProxyCount {
				t.Errorf("TrustedProxyCount = %d, want %d", got.TrustedProxyCount, tt.wantProxyCount)
			}
		})
	}
}

func TestApplySecureDefaults_InvalidGlobalSecretHash(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	got := applySecureDefaults(&Config{GlobalSecretHash: "plaintext-secret"}, logger)
	if got.GlobalSecretHash != "" {
		t.Error("a non-bcrypt GlobalSecretHash must be discarded")
	}
	if !strings.Contains(buf.String(), "not a bcrypt hash") {
		t.Errorf("expected error log, got: %s", buf.String())
	}
}

func TestLogSecurityWarnings(t *testing.T) {
	tests := []struct {
		name         string
		config       *Config
		wantWarnings []string
		noWarnings   []string
	}{
		{
			name:         "permissive defaults",
			config:       &Config{TokenMode: TokenModeCredential},
			wantWarnings: []string{"PKCE is optional", "Plain PKCE method", "client credential"},
		},
		{
			name: "hardened",
			config: &Config{
				RequirePKCE:       true,
				DisallowPKCEPlain: true,
				TokenMode:         TokenModeOpaque,
			},
			noWarnings: []string{"SECURITY WARNING", "SECURITY NOTICE"},
		},
		{
			name: "insecure redirects and proxy",
			config: &Config{
				RequirePKCE:            true,
				DisallowPKCEPlain:      true,
				TokenMode:              TokenModeOpaque,
				AllowInsecureRedirects: true,
				TrustProxy:             true,
			},
			wantWarnings: []string{"http:// redirect URIs", "Trusting proxy headers"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logSecurityWarnings(tt.config, slog.New(slog.NewTextHandler(&buf, nil)))
			logs := buf.String()

			for _, want := range tt.wantWarnings {
				if !strings.Contains(logs, want) {
					t.Errorf("missing warning %q in: %s", want, logs)
				}
			}
			for _, unwanted := range tt.noWarnings {
				if strings.Contains(logs, unwanted) {
					t.Errorf("unexpected %q in: %s", unwanted, logs)
				}
			}
		})
	}
}
