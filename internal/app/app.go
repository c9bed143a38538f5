// Package app assembles the authorization server and the time resource
// server from configuration and runs them.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	mcpserver "github.com/mark3labs/mcp-go/server"
	"golang.org/x/sync/errgroup"

	oauth "github.com/giantswarm/mcp-time-oauth"
	"github.com/giantswarm/mcp-time-oauth/guard"
	"github.com/giantswarm/mcp-time-oauth/instrumentation"
	"github.com/giantswarm/mcp-time-oauth/internal/config"
	"github.com/giantswarm/mcp-time-oauth/security"
	"github.com/giantswarm/mcp-time-oauth/server"
	"github.com/giantswarm/mcp-time-oauth/storage/memory"
	"github.com/giantswarm/mcp-time-oauth/tools"
)

// Mode selects which servers a process runs.
type Mode int

const (
	// ModeAll runs both servers sharing one in-memory store. The resource
	// server verifies tokens with a direct store lookup.
	ModeAll Mode = iota
	// ModeAuthServer runs only the authorization server.
	ModeAuthServer
	// ModeResourceServer runs only the resource server, verifying tokens
	// through the authorization server's introspection endpoint.
	ModeResourceServer
)

func (m Mode) String() string {
	switch m {
	case ModeAll:
		return "all"
	case ModeAuthServer:
		return "authserver"
	case ModeResourceServer:
		return "resourceserver"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

func (m Mode) runsAuthServer() bool     { return m == ModeAll || m == ModeAuthServer }
func (m Mode) runsResourceServer() bool { return m == ModeAll || m == ModeResourceServer }

// App holds the wired components of one process.
type App struct {
	cfg     *config.Config
	mode    Mode
	logger  *slog.Logger
	version string

	inst    *instrumentation.Instrumentation
	auditor *security.Auditor

	store        *memory.Store
	oauthServer  *server.Server
	oauthHandler *oauth.Handler

	guard    *guard.Guard
	registry *tools.Registry
}

// New builds the components for mode from cfg.
func New(cfg *config.Config, mode Mode, logger *slog.Logger, version string) (*App, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	inst, err := instrumentation.New(instrumentation.Config{
		ServiceName:    "mcp-time-oauth",
		ServiceVersion: version,
		Enabled:        cfg.Telemetry.Enabled,
		LogClientIPs:   cfg.Telemetry.LogClientIPs,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize instrumentation: %w", err)
	}

	a := &App{
		cfg:     cfg,
		mode:    mode,
		logger:  logger,
		version: version,
		inst:    inst,
		auditor: security.NewAuditor(logger, cfg.Audit),
	}

	if mode.runsAuthServer() {
		if err := a.buildAuthServer(); err != nil {
			a.Close()
			return nil, err
		}
	}
	if mode.runsResourceServer() {
		if err := a.buildResourceServer(); err != nil {
			a.Close()
			return nil, err
		}
	}
	return a, nil
}

func (a *App) buildAuthServer() error {
	as := a.cfg.AuthServer

	a.store = memory.New()
	a.store.SetLogger(a.logger)
	a.store.SetInstrumentation(a.inst)

	clients := make([]server.Client, 0, len(as.Clients))
	for _, c := range as.Clients {
		clients = append(clients, server.Client{
			ClientID:         c.ID,
			Name:             c.Name,
			ClientSecretHash: c.SecretHash,
			RedirectURIs:     c.RedirectURIs,
			Scopes:           c.Scopes,
		})
	}

	srv, err := server.New(a.store, &server.Config{
		Issuer:                        as.Issuer,
		AuthorizationCodeTTL:          as.AuthCodeTTL.WholeSeconds(),
		AccessTokenTTL:                as.AccessTokenTTL.WholeSeconds(),
		RefreshTokenTTL:               as.RefreshTokenTTL.WholeSeconds(),
		DisableRefreshTokenRotation:   as.DisableRefreshTokenRotation,
		CascadeRefreshTokenRevocation: as.CascadeRefreshTokenRevocation,
		SupportedScopes:               as.Scopes,
		MinCodeVerifierLength:         as.MinCodeVerifierLength,
		Clients:                       clients,
	}, a.logger)
	if err != nil {
		return fmt.Errorf("failed to create authorization server: %w", err)
	}
	srv.SetAuditor(a.auditor)
	srv.SetInstrumentation(a.inst)
	a.oauthServer = srv

	a.oauthHandler = oauth.NewHandler(srv, &oauth.Config{
		CORS:                     security.CORSPolicy{AllowedOrigins: as.CORSOrigins},
		RateLimit:                oauth.RateLimitConfig{Rate: as.RateLimit, Burst: as.RateBurst},
		InlineAuthorization:      as.InlineAuthorization,
		RequireIntrospectionAuth: as.RequireIntrospectionAuth,
		EnableAdminReset:         as.EnableAdminReset,
		AdminToken:               as.AdminToken,
		TrustProxy:               a.cfg.TrustProxy,
		TrustedProxyCount:        a.cfg.TrustedProxyCount,
		ResourceURL:              a.cfg.ResourceServer.ResourceURL,
	}, a.logger)
	return nil
}

// introspectionURL defaults to the issuer's introspection endpoint.
func (a *App) introspectionURL() string {
	if u := a.cfg.ResourceServer.IntrospectionURL; u != "" {
		return u
	}
	return strings.TrimSuffix(a.cfg.AuthServer.Issuer, "/") + oauth.IntrospectionPath
}

func (a *App) buildResourceServer() error {
	rs := a.cfg.ResourceServer

	var verifier guard.Verifier
	if a.oauthServer != nil {
		verifier = guard.NewLocalVerifier(a.oauthServer)
	} else {
		remote, err := guard.NewRemoteVerifier(guard.RemoteVerifierConfig{
			IntrospectionEndpoint: a.introspectionURL(),
			ClientID:              rs.IntrospectionClientID,
			ClientSecret:          rs.IntrospectionClientSecret,
		}, a.logger)
		if err != nil {
			return fmt.Errorf("failed to create token verifier: %w", err)
		}
		verifier = remote
	}

	g, err := guard.New(verifier, guard.Config{
		ResourceURL:          rs.ResourceURL,
		AuthorizationServers: []string{strings.TrimSuffix(a.cfg.AuthServer.Issuer, "/")},
		ScopesSupported:      a.cfg.AuthServer.Scopes,
		ResourceName:         rs.ResourceName,
		RateLimit:            rs.RateLimit,
		TrustProxy:           a.cfg.TrustProxy,
		TrustedProxyCount:    a.cfg.TrustedProxyCount,
	}, a.logger)
	if err != nil {
		return fmt.Errorf("failed to create resource guard: %w", err)
	}
	g.SetAuditor(a.auditor)
	g.SetInstrumentation(a.inst)
	a.guard = g

	a.registry = tools.NewRegistry(a.logger)
	a.registry.SetInstrumentation(a.inst)
	return nil
}

// AuthServerHandler serves the authorization server endpoints. It is nil
// when the mode does not include the authorization server.
func (a *App) AuthServerHandler() http.Handler {
	if a.oauthHandler == nil {
		return nil
	}
	return a.oauthHandler.Routes()
}

// ResourceServerHandler serves the protected time endpoints. It is nil when
// the mode does not include the resource server.
func (a *App) ResourceServerHandler() http.Handler {
	if a.guard == nil {
		return nil
	}

	r := chi.NewRouter()
	r.Use(security.RequestIDMiddleware)
	r.Use(middleware.Recoverer)

	r.Get(guard.ProtectedResourceMetadataPath, a.guard.ServeProtectedResourceMetadata)
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"healthy"}` + "\n"))
	})
	if a.cfg.Telemetry.Enabled && a.oauthHandler == nil {
		r.Handle(oauth.MetricsPath, a.inst.MetricsHandler())
	}

	tools.NewHTTPHandler(a.registry, a.guard, a.logger).Mount(r)

	mcp := mcpserver.NewStreamableHTTPServer(tools.NewMCPServer(a.registry, a.version))
	r.With(a.guard.Middleware).Handle("/mcp", mcp)

	return r
}

// Server returns the authorization server state machine, if any.
func (a *App) Server() *server.Server {
	return a.oauthServer
}

// Run serves until ctx is cancelled, then shuts the servers down.
func (a *App) Run(ctx context.Context) error {
	var servers []*http.Server
	if h := a.AuthServerHandler(); h != nil {
		servers = append(servers, a.httpServer(a.cfg.AuthServer.Listen, h))
	}
	if h := a.ResourceServerHandler(); h != nil {
		servers = append(servers, a.httpServer(a.cfg.ResourceServer.Listen, h))
	}
	if len(servers) == 0 {
		return errors.New("nothing to serve")
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, srv := range servers {
		g.Go(func() error {
			a.logger.Info("Listening", "addr", srv.Addr, "mode", a.mode.String())
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("server on %s: %w", srv.Addr, err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout.Duration)
		defer cancel()
		var errs []error
		for _, srv := range servers {
			if err := srv.Shutdown(shutdownCtx); err != nil {
				errs = append(errs, fmt.Errorf("shutdown %s: %w", srv.Addr, err))
			}
		}
		return errors.Join(errs...)
	})

	err := g.Wait()
	a.Close()
	return err
}

func (a *App) httpServer(addr string, h http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          slog.NewLogLogger(a.logger.Handler(), slog.LevelWarn),
	}
}

// Close releases background goroutines and flushes telemetry.
func (a *App) Close() {
	if a.oauthHandler != nil {
		a.oauthHandler.Close()
	}
	if a.guard != nil {
		a.guard.Close()
	}
	if a.store != nil {
		a.store.Stop()
	}
	if a.inst != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.inst.Shutdown(ctx); err != nil {
			a.logger.Warn("Failed to shut down instrumentation", "error", err)
		}
	}
}
