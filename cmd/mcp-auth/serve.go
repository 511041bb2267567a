package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	oauth "github.com/agentc2/mcp-auth"
	"github.com/agentc2/mcp-auth/instrumentation"
	"github.com/agentc2/mcp-auth/mcpoauth"
	"github.com/agentc2/mcp-auth/oauthstate"
	"github.com/agentc2/mcp-auth/security"
	"github.com/agentc2/mcp-auth/server"
	"github.com/agentc2/mcp-auth/storage"
	"github.com/agentc2/mcp-auth/storage/memory"
	"github.com/agentc2/mcp-auth/storage/sqlite"
	"github.com/agentc2/mcp-auth/storage/valkey"
)

const (
	startRoute    = "/api/integrations/mcp-oauth/start"
	callbackRoute = "/api/integrations/mcp-oauth/callback"

	shutdownTimeout   = 30 * time.Second
	readHeaderTimeout = 10 * time.Second
	writeTimeout      = 30 * time.Second
	idleTimeout       = 60 * time.Second
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the authorization server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			v, err := loadViper(cmd, opts, map[string]string{
				"listen":        "listen",
				"issuer":        "issuer",
				"store.backend": "store",
				"database.path": "database",
			})
			if err != nil {
				return err
			}
			cfg, err := loadConfig(v)
			if err != nil {
				return err
			}
			logger, err := newLogger(cmd.ErrOrStderr(), cfg.Log)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg, logger)
		},
	}

	cmd.Flags().String("listen", ":8080", "Address to listen on")
	cmd.Flags().String("issuer", "http://localhost:8080", "Public base URL of this server")
	cmd.Flags().String("store", backendMemory, "Backend for codes, used states and opaque tokens (memory, valkey)")
	cmd.Flags().String("database", "", "SQLite database for tenants and connections (empty keeps them in memory)")

	return cmd
}

// app holds the wired components of a running server
type app struct {
	handler *oauth.Handler
	flow    *mcpoauth.Flow
	inst    *instrumentation.Instrumentation
	limiter *security.RateLimiter
	logger  *slog.Logger

	closers []func()
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

// stores groups the storage interfaces the server needs
type stores struct {
	codes       storage.CodeStore
	tenants     storage.TenantStore
	credentials storage.CredentialStore
	tokens      storage.TokenStore
	states      storage.StateStore
	connections storage.ConnectionStore
}

func runServe(ctx context.Context, cfg *appConfig, logger *slog.Logger) error {
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           a.routes(),
		ReadHeaderTimeout: readHeaderTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Starting mcp-auth",
			"addr", cfg.Listen,
			"issuer", cfg.Issuer,
			"store", cfg.Store.Backend,
			"database", cfg.Database.Path != "",
			"version", version)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}
	if err := a.inst.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Instrumentation shutdown failed", "error", err)
	}
	logger.Info("Shutdown complete")
	return nil
}

func newApp(ctx context.Context, cfg *appConfig, logger *slog.Logger) (*app, error) {
	a := &app{logger: logger}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	inst, err := instrumentation.New(instrumentation.Config{
		ServiceVersion:    version,
		Enabled:           cfg.Metrics.Enabled,
		PrometheusEnabled: cfg.Metrics.Enabled,
		LogClientIPs:      cfg.Metrics.LogClientIPs,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize instrumentation: %w", err)
	}
	a.inst = inst

	var encryptor *security.Encryptor
	if cfg.EncryptionKey != "" {
		key, err := security.KeyFromBase64(cfg.EncryptionKey)
		if err != nil {
			return nil, fmt.Errorf("invalid encryption-key: %w", err)
		}
		if encryptor, err = security.NewEncryptor(key); err != nil {
			return nil, err
		}
	} else {
		logger.Warn("⚠️  SECURITY WARNING: no encryption-key configured",
			"risk", "Connection tokens stored in plaintext",
			"recommendation", "Generate one with 'mcp-auth keygen'")
	}

	st, err := a.openStores(ctx, cfg, encryptor, inst)
	if err != nil {
		return nil, err
	}

	auditor := security.NewAuditor(logger, true)

	srv, err := server.New(st.codes, st.tenants, st.credentials, st.tokens, cfg.serverConfig(), logger)
	if err != nil {
		return nil, err
	}
	srv.SetAuditor(auditor)
	srv.SetInstrumentation(inst)

	if cfg.RateLimit.RPS > 0 {
		a.limiter = security.NewRateLimiter(cfg.RateLimit.RPS, cfg.RateLimit.Burst, logger)
		a.closers = append(a.closers, a.limiter.Stop)
	}

	a.handler = oauth.NewHandler(srv, &oauth.HandlerConfig{
		CORS: oauth.CORSConfig{
			AllowedOrigins:   cfg.CORS.AllowedOrigins,
			AllowCredentials: cfg.CORS.AllowCredentials,
		},
		RateLimiter: a.limiter,
	}, logger)

	if len(cfg.Providers) > 0 {
		if a.flow, err = newFlow(cfg, st, encryptor, auditor, inst, logger); err != nil {
			return nil, err
		}
	}

	ok = true
	return a, nil
}

func (a *app) openStores(ctx context.Context, cfg *appConfig, encryptor *security.Encryptor, inst *instrumentation.Instrumentation) (*stores, error) {
	mem := memory.New()
	mem.SetLogger(a.logger)
	mem.SetEncryptor(encryptor)
	mem.SetInstrumentation(inst)
	a.closers = append(a.closers, mem.Stop)

	st := &stores{
		codes:       mem,
		tenants:     mem,
		credentials: mem,
		tokens:      mem,
		states:      mem,
		connections: mem,
	}

	if cfg.Store.Backend == backendValkey {
		vs, err := valkey.New(valkey.Config{
			Address:   cfg.Store.Valkey.Address,
			Password:  cfg.Store.Valkey.Password,
			DB:        cfg.Store.Valkey.DB,
			KeyPrefix: cfg.Store.Valkey.KeyPrefix,
			Logger:    a.logger,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to connect to valkey: %w", err)
		}
		vs.SetInstrumentation(inst)
		a.closers = append(a.closers, vs.Close)
		st.codes, st.tokens, st.states = vs, vs, vs
	}

	if cfg.Database.Path != "" {
		db, err := sqlite.Open(ctx, cfg.Database.Path, sqlite.Options{Encryptor: encryptor, Logger: a.logger})
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() { _ = db.Close() })
		st.tenants, st.credentials, st.connections = db, db, db
		if len(cfg.Tenants) > 0 {
			a.logger.Warn("Ignoring configured tenants: a database is configured, use 'mcp-auth tenant add'")
		}
		return st, nil
	}

	if err := seedTenants(ctx, mem, cfg.Tenants, cfg.OAuth.ToolID); err != nil {
		return nil, err
	}
	return st, nil
}

// seedTenants loads configured tenants into the in-memory store
func seedTenants(ctx context.Context, mem *memory.Store, tenants []tenantConfig, toolID string) error {
	for _, t := range tenants {
		name := t.Name
		if name == "" {
			name = t.Slug
		}
		org := &storage.Organization{Slug: t.Slug, Name: name}
		if err := mem.SaveOrganization(ctx, org); err != nil {
			return fmt.Errorf("failed to seed tenant %s: %w", t.Slug, err)
		}
		if err := mem.SaveCredential(ctx, &storage.ClientCredential{
			OrganizationID: org.ID,
			ToolID:         toolID,
			APIKey:         t.APIKey,
			IsActive:       true,
		}); err != nil {
			return fmt.Errorf("failed to seed credential for %s: %w", t.Slug, err)
		}
	}
	return nil
}

func newFlow(cfg *appConfig, st *stores, encryptor *security.Encryptor, auditor *security.Auditor, inst *instrumentation.Instrumentation, logger *slog.Logger) (*mcpoauth.Flow, error) {
	states, err := oauthstate.New(oauthstate.Config{
		Encryptor: encryptor,
		Secure:    cfg.Integrations.CookieSecure,
		Store:     st.states,
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}
	states.SetInstrumentation(inst)

	providers := cfg.providers()
	client := mcpoauth.NewClient(mcpoauth.Config{
		Connections:          st.connections,
		Providers:            providers,
		AllowPrivateNetworks: cfg.Integrations.AllowPrivateNetworks,
		Logger:               logger,
	})
	client.SetInstrumentation(inst)

	flow, err := mcpoauth.NewFlow(mcpoauth.FlowConfig{
		Client:            client,
		States:            states,
		Identities:        headerIdentity(cfg.Integrations.UserHeader),
		Providers:         providers,
		Connections:       st.connections,
		RedirectURI:       cfg.callbackURL(),
		SetupURL:          cfg.Integrations.SetupURL,
		TrustProxy:        cfg.OAuth.TrustProxy,
		TrustedProxyCount: cfg.OAuth.TrustedProxyCount,
		Logger:            logger,
	})
	if err != nil {
		return nil, err
	}
	flow.SetAuditor(auditor)
	return flow, nil
}

// headerIdentity takes the tenant from the validated bearer token and the
// user from a header set by the fronting application. Without the header the
// tenant acts as its own user.
func headerIdentity(userHeader string) mcpoauth.IdentityResolver {
	return mcpoauth.IdentityResolverFunc(func(r *http.Request) (*mcpoauth.Identity, error) {
		org, ok := oauth.OrganizationFromContext(r.Context())
		if !ok {
			return nil, errors.New("no authenticated organization")
		}
		userID := r.Header.Get(userHeader)
		if userID == "" {
			userID = org.ID
		}
		return &mcpoauth.Identity{OrganizationID: org.ID, UserID: userID}, nil
	})
}

func (a *app) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(security.RequestIDMiddleware)
	r.Use(requestLogger(a.logger))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if h := a.inst.MetricsHandler(); h != nil {
		r.Handle("/metrics", h)
	}

	r.Get("/.well-known/oauth-authorization-server", a.handler.ServeAuthorizationServerMetadata)
	r.Get("/authorize", a.handler.ServeAuthorization)
	r.HandleFunc("/token", a.handler.ServeToken)
	r.HandleFunc("/revoke", a.handler.ServeTokenRevocation)

	r.With(a.handler.ValidateToken).Get("/api/mcp/whoami", func(w http.ResponseWriter, r *http.Request) {
		org, _ := oauth.OrganizationFromContext(r.Context())
		writeJSON(w, http.StatusOK, map[string]string{
			"organization_id": org.ID,
			"slug":            org.Slug,
			"name":            org.Name,
		})
	})

	if a.flow != nil {
		r.With(a.handler.ValidateToken).Get(startRoute, a.flow.ServeStart)
		r.Get(callbackRoute, a.flow.ServeCallback)
	}

	return otelhttp.NewHandler(r, "mcp-auth",
		otelhttp.WithTracerProvider(a.inst.TracerProvider()),
		otelhttp.WithMeterProvider(a.inst.MeterProvider()),
	)
}

func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			security.RequestLogger(r.Context(), logger).Debug("HTTP request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"duration_ms", time.Since(start).Milliseconds())
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
