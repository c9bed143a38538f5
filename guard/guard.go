package guard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	oauth "github.com/giantswarm/mcp-time-oauth"
	"github.com/giantswarm/mcp-time-oauth/instrumentation"
	"github.com/giantswarm/mcp-time-oauth/security"
)

// ProtectedResourceMetadataPath is the RFC 9728 well-known path.
const ProtectedResourceMetadataPath = "/.well-known/oauth-protected-resource"

var (
	// ErrUnauthorized is returned for missing, unknown, inactive, expired or
	// revoked tokens. It carries no detail about which.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrInsufficientScope is returned when a valid token lacks a required scope.
	ErrInsufficientScope = errors.New("insufficient scope")
)

// Rejection reasons recorded in metrics. They are never sent to the caller.
const (
	reasonMissing       = "missing"
	reasonMalformed     = "malformed"
	reasonInvalid       = "invalid"
	reasonVerifierError = "verifier_error"
	reasonScope         = "insufficient_scope"
)

// Config holds resource server settings.
type Config struct {
	// ResourceURL is the resource identifier, e.g. http://localhost:3000.
	ResourceURL string

	// AuthorizationServers are the issuers trusted for this resource.
	AuthorizationServers []string

	// ScopesSupported is advertised in the metadata document.
	ScopesSupported []string

	// ResourceName is advertised in the metadata document.
	ResourceName string

	// RateLimit is requests per second per IP on guarded routes. Zero disables.
	RateLimit int
	Burst     int

	// TrustProxy enables X-Forwarded-For handling for rate limiting.
	TrustProxy        bool
	TrustedProxyCount int
}

// Guard authorizes requests to the resource server.
type Guard struct {
	verifier        Verifier
	config          Config
	logger          *slog.Logger
	tracer          trace.Tracer
	instrumentation *instrumentation.Instrumentation
	limiter         *security.RateLimiter
	auditor         *security.Auditor
}

// New creates a guard using verifier.
func New(verifier Verifier, config Config, logger *slog.Logger) (*Guard, error) {
	if verifier == nil {
		return nil, fmt.Errorf("verifier is required")
	}
	if config.ResourceURL == "" {
		return nil, fmt.Errorf("resource URL is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	config.ResourceURL = strings.TrimSuffix(config.ResourceURL, "/")
	if len(config.AuthorizationServers) == 0 {
		logger.Warn("CONFIGURATION WARNING: No authorization servers advertised",
			"risk", "Clients cannot discover where to obtain tokens",
			"recommendation", "Set the authorization server issuer")
	}

	g := &Guard{
		verifier: verifier,
		config:   config,
		logger:   logger,
		tracer:   noop.NewTracerProvider().Tracer("guard"),
	}
	if config.RateLimit > 0 {
		burst := config.Burst
		if burst <= 0 {
			burst = config.RateLimit * 2
		}
		g.limiter = security.NewRateLimiter(config.RateLimit, burst, logger)
		g.limiter.OnLimited(func(r *http.Request, key string) {
			g.auditor.LogRateLimitExceeded(key, r.URL.Path)
			if g.instrumentation != nil {
				g.instrumentation.Metrics().RecordRateLimitExceeded(r.Context(), r.URL.Path)
			}
		})
	}
	return g, nil
}

// SetInstrumentation enables tracing and metrics.
func (g *Guard) SetInstrumentation(inst *instrumentation.Instrumentation) {
	g.instrumentation = inst
	if inst != nil {
		g.tracer = inst.Tracer("guard")
	}
}

// SetAuditor sets the security auditor
func (g *Guard) SetAuditor(aud *security.Auditor) {
	g.auditor = aud
}

// Close stops background work owned by the guard.
func (g *Guard) Close() {
	if g.limiter != nil {
		g.limiter.Stop()
	}
}

// ResourceMetadataURL is the URL of the RFC 9728 document for this resource.
func (g *Guard) ResourceMetadataURL() string {
	return g.config.ResourceURL + ProtectedResourceMetadataPath
}

// Authorize verifies a bearer token. It is read-only: verification never
// extends a token's lifetime or records its use.
func (g *Guard) Authorize(ctx context.Context, bearer string) (*Principal, error) {
	ctx, span := g.tracer.Start(ctx, "guard.authorize")
	defer span.End()

	if bearer == "" {
		g.reject(ctx, span, reasonMissing)
		return nil, ErrUnauthorized
	}

	p, err := g.verifier.Verify(ctx, bearer)
	if err != nil {
		if errors.Is(err, ErrUnauthorized) {
			g.reject(ctx, span, reasonInvalid)
		} else {
			g.logger.Warn("Token verification failed", "error", err)
			instrumentation.RecordError(span, err)
			g.reject(ctx, span, reasonVerifierError)
		}
		return nil, ErrUnauthorized
	}

	instrumentation.AddOAuthFlowAttributes(span, p.ClientID, strings.Join(p.Scopes, " "))
	instrumentation.SetSpanSuccess(span)
	return p, nil
}

func (g *Guard) reject(ctx context.Context, span trace.Span, reason string) {
	instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrGuardReason, reason))
	instrumentation.SetSpanError(span, "unauthorized")
	if g.instrumentation != nil {
		g.instrumentation.Metrics().RecordBearerRejected(ctx, reason)
	}
}

// bearerToken extracts the token from an Authorization header. ok is false
// when a header is present but is not a Bearer credential.
func bearerToken(r *http.Request) (token string, ok bool) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", true
	}
	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "bearer") {
		return "", false
	}
	return strings.TrimSpace(token), true
}

// Middleware rejects requests without a live access token and stores the
// Principal in the request context for downstream handlers.
func (g *Guard) Middleware(next http.Handler) http.Handler {
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			if g.instrumentation != nil {
				g.instrumentation.Metrics().RecordBearerRejected(r.Context(), reasonMalformed)
			}
			g.WriteUnauthorized(w, "Invalid Authorization header format")
			return
		}
		p, err := g.Authorize(r.Context(), token)
		if err != nil {
			if token == "" {
				g.WriteUnauthorized(w, "Missing Authorization header")
				return
			}
			g.auditor.LogEvent(security.Event{
				Type:      security.EventBearerRejected,
				IPAddress: security.GetClientIP(r, g.config.TrustProxy, g.config.TrustedProxyCount),
				Details:   map[string]any{"path": r.URL.Path},
			})
			g.WriteUnauthorized(w, "Token is invalid or expired")
			return
		}

		next.ServeHTTP(w, r.WithContext(ContextWithPrincipal(r.Context(), p)))
	})

	if g.limiter == nil {
		return h
	}
	return g.limiter.Middleware(security.ClientIPKey(g.config.TrustProxy, g.config.TrustedProxyCount), h)
}

// RequireScope returns middleware that answers 403 insufficient_scope unless
// the principal placed by Middleware holds scope.
func (g *Guard) RequireScope(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, err := CheckScope(r.Context(), scope)
			switch {
			case errors.Is(err, ErrUnauthorized):
				g.WriteUnauthorized(w, "Missing Authorization header")
				return
			case errors.Is(err, ErrInsufficientScope):
				g.logger.Debug("Insufficient scope", "client_id", p.ClientID, "required", scope)
				if g.instrumentation != nil {
					g.instrumentation.Metrics().RecordBearerRejected(r.Context(), reasonScope)
				}
				g.WriteInsufficientScope(w, scope)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// formatWWWAuthenticate builds an RFC 6750 challenge.
func (g *Guard) formatWWWAuthenticate(scope, errCode, errorDesc string) string {
	params := []string{fmt.Sprintf(`resource_metadata="%s"`, g.ResourceMetadataURL())}
	if scope != "" {
		params = append(params, fmt.Sprintf(`scope="%s"`, quoteEscape(scope)))
	}
	if errCode != "" {
		params = append(params, fmt.Sprintf(`error="%s"`, errCode))
	}
	if errorDesc != "" {
		params = append(params, fmt.Sprintf(`error_description="%s"`, quoteEscape(errorDesc)))
	}
	return "Bearer " + strings.Join(params, ", ")
}

// quoteEscape escapes a value for an HTTP quoted-string.
func quoteEscape(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, `"`, `\"`)
}

// WriteUnauthorized writes a 401 invalid_token with the RFC 9728 challenge.
func (g *Guard) WriteUnauthorized(w http.ResponseWriter, description string) {
	w.Header().Set("WWW-Authenticate", g.formatWWWAuthenticate("", oauth.ErrorCodeInvalidToken, description))
	g.writeJSON(w, http.StatusUnauthorized, oauth.ErrorResponse{
		Error:            oauth.ErrorCodeInvalidToken,
		ErrorDescription: description,
	})
}

// WriteInsufficientScope writes a 403 naming the scope the caller needs.
func (g *Guard) WriteInsufficientScope(w http.ResponseWriter, scope string) {
	description := fmt.Sprintf("The %s scope is required", scope)
	w.Header().Set("WWW-Authenticate", g.formatWWWAuthenticate(scope, oauth.ErrorCodeInsufficientScope, description))
	g.writeJSON(w, http.StatusForbidden, oauth.ErrorResponse{
		Error:            oauth.ErrorCodeInsufficientScope,
		ErrorDescription: description,
	})
}

func (g *Guard) writeJSON(w http.ResponseWriter, status int, body any) {
	security.SetSecurityHeaders(w, g.config.ResourceURL)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// Metadata builds the RFC 9728 protected resource metadata document.
func (g *Guard) Metadata() oauth.ProtectedResourceMetadata {
	return oauth.ProtectedResourceMetadata{
		Resource:               g.config.ResourceURL,
		AuthorizationServers:   g.config.AuthorizationServers,
		BearerMethodsSupported: []string{"header"},
		ScopesSupported:        g.config.ScopesSupported,
		ResourceName:           g.config.ResourceName,
	}
}

// ServeProtectedResourceMetadata serves the RFC 9728 document.
func (g *Guard) ServeProtectedResourceMetadata(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	g.writeJSON(w, http.StatusOK, g.Metadata())
}
