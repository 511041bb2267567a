package server

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/oauth2"

	"github.com/agentc2/mcp-auth/instrumentation"
	"github.com/agentc2/mcp-auth/security"
	"github.com/agentc2/mcp-auth/storage"
)

// Server implements the authorization-code-with-PKCE flow for tenant clients.
// Handlers translate HTTP requests into calls on this type.
type Server struct {
	codeStore       storage.CodeStore
	tenantStore     storage.TenantStore
	credentialStore storage.CredentialStore
	tokenStore      storage.TokenStore // opaque token mode only

	Auditor         *security.Auditor
	Instrumentation *instrumentation.Instrumentation
	Logger          *slog.Logger
	Config          *Config

	tracer trace.Tracer
	now    func() time.Time
}

// New creates a new OAuth server. tokenStore may be nil unless
// config.TokenMode is TokenModeOpaque.
func New(
	codeStore storage.CodeStore,
	tenantStore storage.TenantStore,
	credentialStore storage.CredentialStore,
	tokenStore storage.TokenStore,
	config *Config,
	logger *slog.Logger,
) (*Server, error) {
	if codeStore == nil {
		return nil, fmt.Errorf("code store is required")
	}
	if tenantStore == nil {
		return nil, fmt.Errorf("tenant store is required")
	}
	if credentialStore == nil {
		return nil, fmt.Errorf("credential store is required")
	}
	if config == nil {
		config = &Config{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	config = applySecureDefaults(config, logger)

	if config.TokenMode == TokenModeOpaque && tokenStore == nil {
		return nil, fmt.Errorf("token store is required in %s token mode", TokenModeOpaque)
	}

	return &Server{
		codeStore:       codeStore,
		tenantStore:     tenantStore,
		credentialStore: credentialStore,
		tokenStore:      tokenStore,
		Config:          config,
		Logger:          logger,
		tracer:          noop.NewTracerProvider().Tracer(""),
		now:             time.Now,
	}, nil
}

// SetAuditor sets the security auditor
func (s *Server) SetAuditor(aud *security.Auditor) {
	s.Auditor = aud
}

// SetInstrumentation enables tracing and metrics for server operations
func (s *Server) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.Instrumentation = inst
	if inst != nil {
		s.tracer = inst.Tracer("server")
	}
}

// metrics returns the metrics holder, or nil when instrumentation is off
func (s *Server) metrics() *instrumentation.Metrics {
	if s.Instrumentation == nil {
		return nil
	}
	return s.Instrumentation.Metrics()
}

func (s *Server) startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, name)
}

// generateRandomToken returns 256 bits of randomness, base64url-encoded.
// oauth2.GenerateVerifier is used for codes and opaque tokens alike.
func generateRandomToken() string {
	return oauth2.GenerateVerifier()
}
