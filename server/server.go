package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/giantswarm/mcp-time-oauth/instrumentation"
	"github.com/giantswarm/mcp-time-oauth/internal/util"
	"github.com/giantswarm/mcp-time-oauth/pkce"
	"github.com/giantswarm/mcp-time-oauth/security"
	"github.com/giantswarm/mcp-time-oauth/storage"
)

const (
	// maxIssueAttempts bounds token regeneration after a key collision.
	maxIssueAttempts = 3

	// logPrefixLength is how much of a code or token may appear in logs.
	logPrefixLength = 8
)

// Server is the authorization server state machine. It owns no HTTP concerns.
type Server struct {
	store   storage.Store
	clients *ClientRegistry
	pkce    pkce.Checker
	now     func() time.Time

	Auditor *security.Auditor
	Logger  *slog.Logger
	Config  *Config

	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer
}

// New creates an authorization server on top of store.
func New(store storage.Store, config *Config, logger *slog.Logger) (*Server, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if config == nil {
		config = &Config{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	config = applySecureDefaults(config, logger)

	if err := validateIssuer(config.Issuer); err != nil {
		return nil, err
	}
	config.Issuer = util.NormalizeURL(config.Issuer)

	clients, err := NewClientRegistry(config.Clients, config.SupportedScopes)
	if err != nil {
		return nil, fmt.Errorf("invalid client registration: %w", err)
	}

	srv := &Server{
		store:   store,
		clients: clients,
		pkce:    pkce.Checker{MinVerifierLength: config.MinCodeVerifierLength},
		now:     time.Now,
		Logger:  logger,
		Config:  config,
		tracer:  noop.NewTracerProvider().Tracer("server"),
	}

	type graceSetter interface {
		SetClockSkewGracePeriod(time.Duration)
	}
	if setter, ok := store.(graceSetter); ok {
		setter.SetClockSkewGracePeriod(time.Duration(config.ClockSkewGracePeriod) * time.Second)
	}

	for _, c := range config.Clients {
		for _, uri := range c.RedirectURIs {
			if util.IsInsecureRemoteURL(uri) {
				logger.Warn("SECURITY WARNING: Redirect URI uses plain http on a non-loopback host",
					"client_id", c.ClientID,
					"redirect_uri", uri,
					"risk", "Authorization codes can be intercepted in transit",
					"recommendation", "Use https or a loopback redirect URI")
			}
		}
	}

	return srv, nil
}

func validateIssuer(issuer string) error {
	if issuer == "" {
		return fmt.Errorf("issuer is required")
	}
	u, err := url.Parse(issuer)
	if err != nil {
		return fmt.Errorf("invalid issuer: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("issuer must be an absolute http(s) URL, got %q", issuer)
	}
	if u.RawQuery != "" || u.Fragment != "" {
		return fmt.Errorf("issuer must not contain a query or fragment")
	}
	return nil
}

// SetAuditor sets the security auditor
func (s *Server) SetAuditor(aud *security.Auditor) {
	s.Auditor = aud
}

// SetInstrumentation enables tracing and metrics for server operations.
func (s *Server) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.instrumentation = inst
	if inst != nil {
		s.tracer = inst.Tracer("server")
	}
}

// Instrumentation returns the configured instrumentation, or nil.
func (s *Server) Instrumentation() *instrumentation.Instrumentation {
	return s.instrumentation
}

// SetClock replaces the time source for issuance. The store keeps its own clock.
func (s *Server) SetClock(now func() time.Time) {
	if now == nil {
		now = time.Now
	}
	s.now = now
}

// Store returns the backing store.
func (s *Server) Store() storage.Store {
	return s.store
}

// Clients returns the client registry.
func (s *Server) Clients() *ClientRegistry {
	return s.clients
}

// ValidateClientCredentials authenticates a client at the token, introspection
// and revocation endpoints.
func (s *Server) ValidateClientCredentials(_ context.Context, clientID, clientSecret string) (*Client, error) {
	return s.clients.Authenticate(clientID, clientSecret)
}

// ValidateAccessToken returns the live access token record. Every failure is
// ErrInvalidToken, carrying no further detail.
func (s *Server) ValidateAccessToken(ctx context.Context, token string) (*storage.AccessToken, error) {
	if token == "" {
		return nil, ErrInvalidToken
	}
	at, err := s.store.GetAccessToken(ctx, token)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			s.Logger.Error("Access token lookup failed", "error", err)
		}
		return nil, ErrInvalidToken
	}
	return at, nil
}

// Reset drops all codes and tokens.
func (s *Server) Reset(ctx context.Context) error {
	if err := s.store.Reset(ctx); err != nil {
		return fmt.Errorf("failed to reset store: %w", err)
	}
	s.Auditor.LogEvent(security.Event{Type: security.EventStoreReset})
	return nil
}

// tagClientIP records the caller's IP on span when IP logging is enabled.
func (s *Server) tagClientIP(span trace.Span, clientIP string) {
	if s.instrumentation != nil && s.instrumentation.ShouldLogClientIPs() {
		instrumentation.AddClientIPAttribute(span, clientIP)
	}
}

func (s *Server) metrics() *instrumentation.Metrics {
	if s.instrumentation == nil {
		return nil
	}
	return s.instrumentation.Metrics()
}

// recordGrantFailure logs, audits and counts an invalid_grant with its internal cause.
func (s *Server) recordGrantFailure(ctx context.Context, span trace.Span, grantType string, reason grantFailure, clientID, clientIP string) {
	s.Logger.Debug("Grant refused",
		"grant_type", grantType,
		"reason", string(reason),
		"client_id", clientID)
	s.Auditor.LogGrantFailure(clientID, clientIP, grantType, string(reason))
	if m := s.metrics(); m != nil {
		m.RecordGrantFailure(ctx, grantType, string(reason))
	}
	instrumentation.SetSpanError(span, "invalid_grant")
}
