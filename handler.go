package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/giantswarm/mcp-time-oauth/instrumentation"
	"github.com/giantswarm/mcp-time-oauth/pkce"
	"github.com/giantswarm/mcp-time-oauth/security"
	"github.com/giantswarm/mcp-time-oauth/server"
)

// Endpoint paths served by the authorization server.
const (
	AuthorizationPath         = "/oauth/authorize"
	TokenPath                 = "/oauth/token"
	IntrospectionPath         = "/oauth/introspect"
	RevocationPath            = "/oauth/revoke"
	AuthorizationMetadataPath = "/.well-known/oauth-authorization-server"
	OpenIDConfigurationPath   = "/.well-known/openid-configuration"
	AdminResetPath            = "/admin/reset"
	HealthPath                = "/health"
	MetricsPath               = "/metrics"
)

const (
	tokenTypeBearer    = "Bearer"
	responseModeInline = "inline"

	// maxFormBytes bounds request bodies on the form endpoints.
	maxFormBytes = 64 << 10
)

// Handler is a thin HTTP adapter for the authorization server.
// It handles HTTP requests and delegates to server.Server for protocol logic.
type Handler struct {
	server  *server.Server
	config  *Config
	logger  *slog.Logger
	tracer  trace.Tracer
	limiter *security.RateLimiter
}

// NewHandler creates a new HTTP handler
func NewHandler(srv *server.Server, config *Config, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	config = applyHandlerDefaults(config, logger)

	h := &Handler{
		server: srv,
		config: config,
		logger: logger,
		tracer: noop.NewTracerProvider().Tracer("http"),
	}

	if inst := srv.Instrumentation(); inst != nil {
		h.tracer = inst.Tracer("http")
	}

	if config.RateLimit.Rate > 0 {
		h.limiter = security.NewRateLimiter(config.RateLimit.Rate, config.RateLimit.Burst, logger)
		h.limiter.OnLimited(func(r *http.Request, key string) {
			srv.Auditor.LogRateLimitExceeded(key, r.URL.Path)
			if inst := srv.Instrumentation(); inst != nil {
				inst.Metrics().RecordRateLimitExceeded(r.Context(), r.URL.Path)
			}
		})
	}

	return h
}

// Close stops background work owned by the handler.
func (h *Handler) Close() {
	if h.limiter != nil {
		h.limiter.Stop()
	}
}

// RegisterRoutes registers every authorization server endpoint on mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.Handle(AuthorizationPath, h.instrument("authorize", h.ServeAuthorization))
	mux.Handle(TokenPath, h.rateLimited(h.instrument("token", h.ServeToken)))
	mux.Handle(IntrospectionPath, h.rateLimited(h.instrument("introspect", h.ServeTokenIntrospection)))
	mux.Handle(RevocationPath, h.rateLimited(h.instrument("revoke", h.ServeTokenRevocation)))
	mux.Handle(AuthorizationMetadataPath, h.instrument("metadata", h.ServeAuthorizationServerMetadata))
	mux.Handle(OpenIDConfigurationPath, h.instrument("openid_configuration", h.ServeAuthorizationServerMetadata))
	mux.Handle(HealthPath, h.instrument("health", h.ServeHealth))

	if h.config.EnableAdminReset {
		mux.Handle(AdminResetPath, h.instrument("admin_reset", h.ServeAdminReset))
		h.logger.Warn("Admin reset endpoint enabled", "path", AdminResetPath)
	}
	if inst := h.server.Instrumentation(); inst != nil {
		mux.Handle(MetricsPath, inst.MetricsHandler())
	}
}

// Routes returns a mux with every endpoint registered, wrapped with request IDs.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)
	return security.RequestIDMiddleware(mux)
}

// statusRecorder captures the status code for metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// instrument wraps an endpoint with CORS, a span and HTTP metrics.
func (h *Handler) instrument(endpoint string, fn http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()

		if h.config.CORS.Apply(w, r) {
			h.recordHTTPMetrics(r.Context(), endpoint, r.Method, http.StatusNoContent, startTime)
			return
		}

		ctx, span := h.tracer.Start(r.Context(), "oauth.http."+endpoint,
			trace.WithAttributes(
				attribute.String(instrumentation.AttrHTTPEndpoint, endpoint),
				attribute.String(instrumentation.AttrHTTPMethod, r.Method),
			))
		defer span.End()

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		fn(rec, r.WithContext(ctx))

		instrumentation.SetSpanAttributes(span, attribute.Int(instrumentation.AttrHTTPStatusCode, rec.status))
		if rec.status >= http.StatusInternalServerError {
			instrumentation.SetSpanError(span, http.StatusText(rec.status))
		}
		h.recordHTTPMetrics(ctx, endpoint, r.Method, rec.status, startTime)
	})
}

func (h *Handler) rateLimited(next http.Handler) http.Handler {
	if h.limiter == nil {
		return next
	}
	return h.limiter.Middleware(security.ClientIPKey(h.config.TrustProxy, h.config.TrustedProxyCount), next)
}

// recordHTTPMetrics records HTTP request metrics (total count and duration)
func (h *Handler) recordHTTPMetrics(ctx context.Context, endpoint, method string, status int, startTime time.Time) {
	inst := h.server.Instrumentation()
	if inst == nil {
		return
	}
	duration := time.Since(startTime).Seconds() * 1000 // convert to milliseconds
	inst.Metrics().RecordHTTPRequest(ctx, method, endpoint, status, duration)
}

func (h *Handler) clientIP(r *http.Request) string {
	return security.GetClientIP(r, h.config.TrustProxy, h.config.TrustedProxyCount)
}

// ServeAuthorization handles the authorization endpoint. It issues a code
// immediately; there is no end-user login step.
func (h *Handler) ServeAuthorization(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		h.writeMethodNotAllowed(w, http.MethodGet, http.MethodPost)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxFormBytes)
	if err := r.ParseForm(); err != nil {
		h.writeError(w, ErrInvalidRequest("Failed to parse request"))
		return
	}

	req := server.AuthorizationRequest{
		ResponseType:        r.Form.Get("response_type"),
		ClientID:            r.Form.Get("client_id"),
		RedirectURI:         r.Form.Get("redirect_uri"),
		Scope:               r.Form.Get("scope"),
		State:               r.Form.Get("state"),
		CodeChallenge:       r.Form.Get("code_challenge"),
		CodeChallengeMethod: r.Form.Get("code_challenge_method"),
		ClientIP:            h.clientIP(r),
	}
	inline := h.config.InlineAuthorization || r.Form.Get("response_mode") == responseModeInline

	code, err := h.server.Authorize(r.Context(), req)
	if err != nil {
		h.logger.Debug("Authorization request rejected",
			"client_id", req.ClientID,
			"error", err)
		if server.IsPreRedirect(err) || inline {
			oauthErr := oauthErrorFrom(err)
			if oauthErr.Status == http.StatusUnauthorized {
				// No client credentials are involved at this endpoint.
				oauthErr = NewOAuthError(oauthErr.Code, oauthErr.Description, http.StatusBadRequest)
			}
			h.writeError(w, oauthErr)
			return
		}
		h.redirectError(w, r, req.RedirectURI, oauthErrorFrom(err), req.State)
		return
	}

	expiresIn := security.SecondsUntil(code.ExpiresAt, code.IssuedAt)

	if inline {
		if prefersHTML(r) {
			h.serveAuthorizationPage(w, code.Code, code.State, buildRedirectURL(code.RedirectURI, url.Values{
				"code":  {code.Code},
				"state": {code.State},
			}), expiresIn)
			return
		}
		h.writeJSON(w, http.StatusOK, InlineAuthorizationResponse{
			Code:        code.Code,
			State:       code.State,
			RedirectURI: code.RedirectURI,
			ExpiresIn:   expiresIn,
		})
		return
	}

	params := url.Values{"code": {code.Code}}
	if code.State != "" {
		params.Set("state", code.State)
	}
	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	http.Redirect(w, r, buildRedirectURL(code.RedirectURI, params), http.StatusFound)
}

// prefersHTML reports whether the caller is a browser asking for a page.
func prefersHTML(r *http.Request) bool {
	accept := r.Header.Get("Accept")
	return strings.Contains(accept, "text/html") && !strings.Contains(accept, "application/json")
}

// buildRedirectURL appends params to a registered redirect URI, keeping its own query.
func buildRedirectURL(redirectURI string, params url.Values) string {
	u, err := url.Parse(redirectURI)
	if err != nil {
		return redirectURI
	}
	q := u.Query()
	for k, vs := range params {
		for _, v := range vs {
			if v != "" {
				q.Set(k, v)
			}
		}
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// redirectError sends an authorization error to the validated redirect URI (RFC 6749 section 4.1.2.1).
func (h *Handler) redirectError(w http.ResponseWriter, r *http.Request, redirectURI string, oauthErr *OAuthError, state string) {
	params := url.Values{"error": {oauthErr.Code}}
	if oauthErr.Description != "" {
		params.Set("error_description", oauthErr.Description)
	}
	if state != "" {
		params.Set("state", state)
	}
	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	http.Redirect(w, r, buildRedirectURL(redirectURI, params), http.StatusFound)
}

// ServeToken handles the token endpoint
func (h *Handler) ServeToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeMethodNotAllowed(w, http.MethodPost)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxFormBytes)
	if err := r.ParseForm(); err != nil {
		h.writeError(w, ErrInvalidRequest("Failed to parse request"))
		return
	}

	grantType := r.PostForm.Get("grant_type")
	instrumentation.SetSpanAttributes(trace.SpanFromContext(r.Context()),
		attribute.String(instrumentation.AttrGrantType, grantType))

	switch grantType {
	case server.GrantTypeAuthorizationCode:
		h.handleAuthorizationCodeGrant(w, r)
	case server.GrantTypeRefreshToken:
		h.handleRefreshTokenGrant(w, r)
	case "":
		h.writeError(w, ErrInvalidRequest("missing required parameter: grant_type"))
	default:
		h.writeError(w, ErrUnsupportedGrantType(fmt.Sprintf("Grant type %q not supported", grantType)))
	}
}

func (h *Handler) handleAuthorizationCodeGrant(w http.ResponseWriter, r *http.Request) {
	clientIP := h.clientIP(r)

	clientID, err := h.authenticateClient(r, clientIP)
	if err != nil {
		h.writeError(w, oauthErrorFrom(err))
		return
	}

	tokens, err := h.server.ExchangeAuthorizationCode(r.Context(), server.TokenRequest{
		Code:         r.PostForm.Get("code"),
		ClientID:     clientID,
		RedirectURI:  r.PostForm.Get("redirect_uri"),
		CodeVerifier: r.PostForm.Get("code_verifier"),
		ClientIP:     clientIP,
	})
	if err != nil {
		h.logTokenError("Authorization code exchange failed", clientID, clientIP, err)
		h.writeError(w, oauthErrorFrom(err))
		return
	}

	h.logger.Info("Token exchange successful", "client_id", clientID)
	h.writeTokenResponse(w, tokens)
}

func (h *Handler) handleRefreshTokenGrant(w http.ResponseWriter, r *http.Request) {
	clientIP := h.clientIP(r)

	clientID, err := h.authenticateClient(r, clientIP)
	if err != nil {
		h.writeError(w, oauthErrorFrom(err))
		return
	}

	tokens, err := h.server.RefreshAccessToken(r.Context(), server.RefreshRequest{
		RefreshToken: r.PostForm.Get("refresh_token"),
		ClientID:     clientID,
		Scope:        r.PostForm.Get("scope"),
		ClientIP:     clientIP,
	})
	if err != nil {
		h.logTokenError("Token refresh failed", clientID, clientIP, err)
		h.writeError(w, oauthErrorFrom(err))
		return
	}

	h.writeTokenResponse(w, tokens)
}

// logTokenError logs at Error only for failures that are not the caller's fault.
func (h *Handler) logTokenError(msg, clientID, clientIP string, err error) {
	if oauthErrorFrom(err).Status >= http.StatusInternalServerError {
		h.logger.Error(msg, "client_id", clientID, "error", err)
		return
	}
	h.logger.Debug(msg, "client_id", clientID, "ip", clientIP, "error", err)
}

// clientCredentials returns the client_id and secret from HTTP Basic or the form.
// Sending conflicting client IDs in both places is rejected.
func clientCredentials(r *http.Request) (clientID, secret string, err error) {
	formID := r.PostForm.Get("client_id")
	if user, pass, ok := r.BasicAuth(); ok {
		// RFC 6749 section 2.3.1: both parts are form-urlencoded before encoding.
		id, idErr := url.QueryUnescape(user)
		secret, secretErr := url.QueryUnescape(pass)
		if idErr != nil || secretErr != nil {
			return "", "", ErrInvalidRequest("malformed client credentials in the Authorization header")
		}
		if formID != "" && formID != id {
			return "", "", ErrInvalidRequest("client_id does not match the Authorization header")
		}
		return id, secret, nil
	}
	return formID, r.PostForm.Get("client_secret"), nil
}

// authenticateClient validates client credentials at the token endpoint.
// A missing client_id is left for the grant handler to report as invalid_request.
func (h *Handler) authenticateClient(r *http.Request, clientIP string) (string, error) {
	clientID, secret, err := clientCredentials(r)
	if err != nil || clientID == "" {
		return clientID, err
	}

	if _, err := h.server.ValidateClientCredentials(r.Context(), clientID, secret); err != nil {
		h.logAuthFailure(clientID, clientIP, "client_authentication_failed")
		return "", err
	}
	return clientID, nil
}

// logAuthFailure logs authentication failures with auditing.
func (h *Handler) logAuthFailure(clientID, clientIP, reason string) {
	h.logger.Warn("Client authentication failed", "client_id", clientID, "reason", reason)
	h.server.Auditor.LogAuthFailure(clientID, clientIP, reason)
}

// authenticateCaller checks optional credentials on the introspection and
// revocation endpoints. Credentials that are sent must be valid.
func (h *Handler) authenticateCaller(r *http.Request, clientIP string) error {
	clientID, secret, err := clientCredentials(r)
	if err != nil {
		return err
	}
	if clientID == "" {
		if h.config.RequireIntrospectionAuth {
			h.logAuthFailure("", clientIP, "missing_client_credentials")
			return ErrInvalidClient("client authentication required")
		}
		return nil
	}
	if _, err := h.server.ValidateClientCredentials(r.Context(), clientID, secret); err != nil {
		h.logAuthFailure(clientID, clientIP, "client_authentication_failed")
		return err
	}
	return nil
}

// ServeTokenIntrospection handles the RFC 7662 token introspection endpoint.
func (h *Handler) ServeTokenIntrospection(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeMethodNotAllowed(w, http.MethodPost)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxFormBytes)
	if err := r.ParseForm(); err != nil {
		h.writeError(w, ErrInvalidRequest("Failed to parse request"))
		return
	}

	if err := h.authenticateCaller(r, h.clientIP(r)); err != nil {
		h.writeError(w, oauthErrorFrom(err))
		return
	}

	token := r.PostForm.Get("token")
	if token == "" {
		h.writeError(w, ErrInvalidRequest("missing required parameter: token"))
		return
	}

	h.writeJSON(w, http.StatusOK, h.server.Introspect(r.Context(), token))
}

// ServeTokenRevocation handles the RFC 7009 token revocation endpoint.
// Unknown tokens are answered with 200 like live ones.
func (h *Handler) ServeTokenRevocation(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeMethodNotAllowed(w, http.MethodPost)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxFormBytes)
	if err := r.ParseForm(); err != nil {
		h.writeError(w, ErrInvalidRequest("Failed to parse request"))
		return
	}

	clientIP := h.clientIP(r)
	if err := h.authenticateCaller(r, clientIP); err != nil {
		h.writeError(w, oauthErrorFrom(err))
		return
	}

	err := h.server.RevokeToken(r.Context(), r.PostForm.Get("token"), r.PostForm.Get("token_type_hint"), clientIP)
	if err != nil {
		if !errors.Is(err, server.ErrInvalidRequest) {
			h.logger.Error("Token revocation failed", "error", err)
		}
		h.writeError(w, oauthErrorFrom(err))
		return
	}

	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	w.WriteHeader(http.StatusOK)
}

// Metadata builds the RFC 8414 authorization server metadata document.
func (h *Handler) Metadata() AuthorizationServerMetadata {
	issuer := h.server.Config.Issuer

	authMethods := []string{"none"}
	for _, c := range h.server.Config.Clients {
		if c.ClientSecretHash != "" {
			authMethods = append(authMethods, "client_secret_basic", "client_secret_post")
			break
		}
	}

	return AuthorizationServerMetadata{
		Issuer:                            issuer,
		AuthorizationEndpoint:             issuer + AuthorizationPath,
		TokenEndpoint:                     issuer + TokenPath,
		IntrospectionEndpoint:             issuer + IntrospectionPath,
		RevocationEndpoint:                issuer + RevocationPath,
		ScopesSupported:                   h.server.Config.SupportedScopes,
		ResponseTypesSupported:            []string{"code"},
		ResponseModesSupported:            []string{"query", responseModeInline},
		GrantTypesSupported:               []string{server.GrantTypeAuthorizationCode, server.GrantTypeRefreshToken},
		TokenEndpointAuthMethodsSupported: authMethods,
		CodeChallengeMethodsSupported:     []string{pkce.MethodS256},
		ServiceDocumentation:              issuer + "/",
	}
}

// ServeAuthorizationServerMetadata serves the RFC 8414 document. The same
// document is served at the OpenID discovery path.
func (h *Handler) ServeAuthorizationServerMetadata(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		h.writeMethodNotAllowed(w, http.MethodGet)
		return
	}
	h.writeJSON(w, http.StatusOK, h.Metadata())
}

// ServeAdminReset clears every code and token.
func (h *Handler) ServeAdminReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeMethodNotAllowed(w, http.MethodPost)
		return
	}

	if h.config.AdminToken != "" {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || !security.TokensEqual(token, h.config.AdminToken) {
			h.logAuthFailure("", h.clientIP(r), "admin_token_invalid")
			h.writeError(w, ErrInvalidToken("admin token required"))
			return
		}
	}

	if err := h.server.Reset(r.Context()); err != nil {
		h.logger.Error("Admin reset failed", "error", err)
		h.writeError(w, ErrServerError(""))
		return
	}

	h.logger.Warn("Authorization store reset by admin request", "ip", h.clientIP(r))
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

// ServeHealth reports liveness.
func (h *Handler) ServeHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		h.writeMethodNotAllowed(w, http.MethodGet)
		return
	}
	h.writeJSON(w, http.StatusOK, HealthResponse{Status: "healthy"})
}

func (h *Handler) writeTokenResponse(w http.ResponseWriter, tokens *server.Tokens) {
	tokenType := tokens.TokenType
	if tokenType == "" {
		tokenType = tokenTypeBearer
	}
	h.writeJSON(w, http.StatusOK, TokenResponse{
		AccessToken:  tokens.AccessToken,
		TokenType:    tokenType,
		ExpiresIn:    tokens.ExpiresIn,
		RefreshToken: tokens.RefreshToken,
		Scope:        tokens.Scope(),
	})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body any) {
	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func (h *Handler) writeError(w http.ResponseWriter, oauthErr *OAuthError) {
	if oauthErr.Status == http.StatusUnauthorized {
		scheme := "Basic"
		if oauthErr.Code == ErrorCodeInvalidToken {
			scheme = tokenTypeBearer
		}
		w.Header().Set("WWW-Authenticate", fmt.Sprintf(`%s realm="%s"`, scheme, h.server.Config.Issuer))
	}
	h.writeJSON(w, oauthErr.Status, ErrorResponse{
		Error:            oauthErr.Code,
		ErrorDescription: oauthErr.Description,
	})
}

func (h *Handler) writeMethodNotAllowed(w http.ResponseWriter, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	h.writeJSON(w, http.StatusMethodNotAllowed, ErrorResponse{
		Error:            ErrorCodeInvalidRequest,
		ErrorDescription: "Method not allowed",
	})
}
