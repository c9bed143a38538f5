package oauth

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/giantswarm/mcp-time-oauth/internal/testutil"
	"github.com/giantswarm/mcp-time-oauth/pkce"
	"github.com/giantswarm/mcp-time-oauth/server"
	"github.com/giantswarm/mcp-time-oauth/storage/memory"
)

const (
	testIssuer      = "http://localhost:8000"
	testClientID    = "time-mcp-client"
	testRedirectURI = "http://localhost:3000/callback"
)

func setupTestHandler(t *testing.T, mutate func(*server.Config), config *Config) (*Handler, http.Handler) {
	t.Helper()

	store := memory.New()
	t.Cleanup(store.Stop)

	serverConfig := &server.Config{
		Issuer: testIssuer,
		Clients: []server.Client{{
			ClientID:     testClientID,
			RedirectURIs: []string{testRedirectURI, "http://localhost:3000/oauth/callback"},
		}},
	}
	if mutate != nil {
		mutate(serverConfig)
	}

	srv, err := server.New(store, serverConfig, nil)
	if err != nil {
		t.Fatalf("server.New() error = %v", err)
	}

	handler := NewHandler(srv, config, nil)
	t.Cleanup(handler.Close)
	return handler, handler.Routes()
}

func authorizeQuery(challenge string) url.Values {
	return url.Values{
		"response_type":         {"code"},
		"client_id":             {testClientID},
		"redirect_uri":          {testRedirectURI},
		"scope":                 {"time:read time:convert"},
		"state":                 {"state-123"},
		"code_challenge":        {challenge},
		"code_challenge_method": {pkce.MethodS256},
	}
}

func getAuthorize(routes http.Handler, query url.Values, accept string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, AuthorizationPath+"?"+query.Encode(), nil)
	if accept != "" {
		req.Header.Set("Accept", accept)
	}
	w := httptest.NewRecorder()
	routes.ServeHTTP(w, req)
	return w
}

// obtainCode runs the authorize step and returns the code from the redirect.
func obtainCode(t *testing.T, routes http.Handler, challenge string) string {
	t.Helper()

	w := getAuthorize(routes, authorizeQuery(challenge), "")
	if w.Code != http.StatusFound {
		t.Fatalf("authorize status = %d, body = %s", w.Code, w.Body.String())
	}
	loc, err := url.Parse(w.Header().Get("Location"))
	if err != nil {
		t.Fatalf("invalid Location header: %v", err)
	}
	code := loc.Query().Get("code")
	if code == "" {
		t.Fatalf("no code in redirect %q", loc)
	}
	return code
}

func exchangeForm(code, verifier string) url.Values {
	return url.Values{
		"grant_type":    {server.GrantTypeAuthorizationCode},
		"code":          {code},
		"client_id":     {testClientID},
		"redirect_uri":  {testRedirectURI},
		"code_verifier": {verifier},
	}
}

func obtainTokens(t *testing.T, routes http.Handler) TokenResponse {
	t.Helper()

	challenge, verifier := testutil.GeneratePKCEPair()
	code := obtainCode(t, routes, challenge)

	w := testutil.PostForm(routes, TokenPath, exchangeForm(code, verifier))
	if w.Code != http.StatusOK {
		t.Fatalf("token status = %d, body = %s", w.Code, w.Body.String())
	}
	var tokens TokenResponse
	if err := json.Unmarshal(w.Body.Bytes(), &tokens); err != nil {
		t.Fatalf("failed to decode token response: %v", err)
	}
	return tokens
}

func TestNewHandler(t *testing.T) {
	handler, _ := setupTestHandler(t, nil, nil)

	if handler.logger == nil {
		t.Error("logger should not be nil")
	}
	if handler.config == nil {
		t.Error("config should default when nil")
	}
	if handler.limiter != nil {
		t.Error("rate limiter should be disabled by default")
	}
}

func TestHandler_AuthorizeRedirect(t *testing.T) {
	_, routes := setupTestHandler(t, nil, nil)
	challenge, _ := testutil.GeneratePKCEPair()

	w := getAuthorize(routes, authorizeQuery(challenge), "")
	if w.Code != http.StatusFound {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusFound)
	}

	loc, err := url.Parse(w.Header().Get("Location"))
	if err != nil {
		t.Fatalf("invalid Location: %v", err)
	}
	if got := loc.Scheme + "://" + loc.Host + loc.Path; got != testRedirectURI {
		t.Errorf("redirect target = %q, want %q", got, testRedirectURI)
	}
	if loc.Query().Get("code") == "" {
		t.Error("redirect should carry a code")
	}
	if loc.Query().Get("state") != "state-123" {
		t.Errorf("state = %q, want state-123", loc.Query().Get("state"))
	}
}

func TestHandler_AuthorizePreRedirectErrors(t *testing.T) {
	_, routes := setupTestHandler(t, nil, nil)
	challenge, _ := testutil.GeneratePKCEPair()

	tests := []struct {
		name     string
		mutate   func(url.Values)
		wantCode string
	}{
		{"unknown client", func(q url.Values) { q.Set("client_id", "nobody") }, ErrorCodeInvalidClient},
		{"missing client", func(q url.Values) { q.Del("client_id") }, ErrorCodeInvalidRequest},
		{"unregistered redirect", func(q url.Values) { q.Set("redirect_uri", "https://evil.example.com/cb") }, ErrorCodeInvalidRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := authorizeQuery(challenge)
			tt.mutate(q)

			w := getAuthorize(routes, q, "")
			if w.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want %d", w.Code, http.StatusBadRequest)
			}
			if w.Header().Get("Location") != "" {
				t.Error("errors before redirect URI validation must not redirect")
			}
			body := testutil.DecodeJSON(t, w)
			if body["error"] != tt.wantCode {
				t.Errorf("error = %v, want %s", body["error"], tt.wantCode)
			}
		})
	}
}

func TestHandler_AuthorizeRedirectsLaterErrors(t *testing.T) {
	_, routes := setupTestHandler(t, nil, nil)

	q := authorizeQuery("")
	q.Del("code_challenge")

	w := getAuthorize(routes, q, "")
	if w.Code != http.StatusFound {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusFound)
	}
	loc, _ := url.Parse(w.Header().Get("Location"))
	if loc.Query().Get("error") != ErrorCodeInvalidRequest {
		t.Errorf("error = %q, want invalid_request", loc.Query().Get("error"))
	}
	if !strings.Contains(loc.Query().Get("error_description"), "code_challenge") {
		t.Errorf("error_description = %q, should name code_challenge", loc.Query().Get("error_description"))
	}
	if loc.Query().Get("state") != "state-123" {
		t.Errorf("state = %q, want state-123", loc.Query().Get("state"))
	}
}

func TestHandler_AuthorizePlainMethod(t *testing.T) {
	_, routes := setupTestHandler(t, nil, nil)
	challenge, _ := testutil.GeneratePKCEPair()

	q := authorizeQuery(challenge)
	q.Set("code_challenge_method", "plain")
	q.Set("response_mode", responseModeInline)

	w := getAuthorize(routes, q, "")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
	body := testutil.DecodeJSON(t, w)
	if body["error"] != ErrorCodeInvalidRequest || body["error_description"] != "code_challenge_method not supported" {
		t.Errorf("body = %v", body)
	}
}

func TestHandler_AuthorizeInline(t *testing.T) {
	_, routes := setupTestHandler(t, nil, &Config{InlineAuthorization: true})
	challenge, _ := testutil.GeneratePKCEPair()

	t.Run("json", func(t *testing.T) {
		w := getAuthorize(routes, authorizeQuery(challenge), "application/json")
		if w.Code != http.StatusOK {
			t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
		}
		var resp InlineAuthorizationResponse
		if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
			t.Fatalf("decode error = %v", err)
		}
		if resp.Code == "" || resp.State != "state-123" || resp.RedirectURI != testRedirectURI || resp.ExpiresIn != 600 {
			t.Errorf("response = %+v", resp)
		}
	})

	t.Run("html", func(t *testing.T) {
		w := getAuthorize(routes, authorizeQuery(challenge), "text/html,application/xhtml+xml")
		if w.Code != http.StatusOK {
			t.Fatalf("status = %d", w.Code)
		}
		if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
			t.Errorf("Content-Type = %q", ct)
		}
		if !strings.Contains(w.Body.String(), "Authorization Successful") {
			t.Error("page should announce the issued code")
		}
	})
}

func TestHandler_TokenRoundTrip(t *testing.T) {
	_, routes := setupTestHandler(t, func(c *server.Config) {
		c.MinCodeVerifierLength = 32
	}, nil)

	code := obtainCode(t, routes, pkce.ChallengeFrom(testutil.ShortVerifier))

	w := testutil.PostForm(routes, TokenPath, exchangeForm(code, testutil.ShortVerifier))
	if w.Code != http.StatusOK {
		t.Fatalf("token status = %d, body = %s", w.Code, w.Body.String())
	}
	if w.Header().Get("Cache-Control") != "no-store" {
		t.Error("token responses must not be cached")
	}

	body := testutil.DecodeJSON(t, w)
	for _, field := range []string{"access_token", "token_type", "expires_in", "refresh_token", "scope"} {
		if _, ok := body[field]; !ok {
			t.Errorf("token response missing %q", field)
		}
	}
	if body["token_type"] != "Bearer" {
		t.Errorf("token_type = %v, want Bearer", body["token_type"])
	}

	// Reusing the code fails.
	w = testutil.PostForm(routes, TokenPath, exchangeForm(code, testutil.ShortVerifier))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("reuse status = %d, want %d", w.Code, http.StatusBadRequest)
	}
	if got := testutil.DecodeJSON(t, w)["error"]; got != ErrorCodeInvalidGrant {
		t.Errorf("reuse error = %v, want invalid_grant", got)
	}
}

func TestHandler_TokenErrors(t *testing.T) {
	_, routes := setupTestHandler(t, nil, nil)

	tests := []struct {
		name     string
		form     url.Values
		wantCode string
		wantDesc string
	}{
		{
			name:     "missing grant type",
			form:     url.Values{},
			wantCode: ErrorCodeInvalidRequest,
			wantDesc: "missing required parameter: grant_type",
		},
		{
			name:     "unsupported grant type",
			form:     url.Values{"grant_type": {"password"}},
			wantCode: ErrorCodeUnsupportedGrantType,
		},
		{
			name: "missing verifier",
			form: url.Values{
				"grant_type":   {server.GrantTypeAuthorizationCode},
				"code":         {"abc"},
				"client_id":    {testClientID},
				"redirect_uri": {testRedirectURI},
			},
			wantCode: ErrorCodeInvalidRequest,
			wantDesc: "missing required parameter: code_verifier",
		},
		{
			name:     "missing refresh token",
			form:     url.Values{"grant_type": {server.GrantTypeRefreshToken}, "client_id": {testClientID}},
			wantCode: ErrorCodeInvalidRequest,
			wantDesc: "missing required parameter: refresh_token",
		},
		{
			name:     "unknown code",
			form:     exchangeForm("unknown", pkce.NewVerifier()),
			wantCode: ErrorCodeInvalidGrant,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := testutil.PostForm(routes, TokenPath, tt.form)
			if w.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want %d", w.Code, http.StatusBadRequest)
			}
			body := testutil.DecodeJSON(t, w)
			if body["error"] != tt.wantCode {
				t.Errorf("error = %v, want %s", body["error"], tt.wantCode)
			}
			if tt.wantDesc != "" && body["error_description"] != tt.wantDesc {
				t.Errorf("error_description = %v, want %q", body["error_description"], tt.wantDesc)
			}
		})
	}
}

func TestHandler_TokenMethodNotAllowed(t *testing.T) {
	_, routes := setupTestHandler(t, nil, nil)

	w := httptest.NewRecorder()
	routes.ServeHTTP(w, httptest.NewRequest(http.MethodGet, TokenPath, nil))
	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want %d", w.Code, http.StatusMethodNotAllowed)
	}
}

func TestHandler_RefreshScopes(t *testing.T) {
	_, routes := setupTestHandler(t, nil, nil)
	tokens := obtainTokens(t, routes)

	w := testutil.PostForm(routes, TokenPath, url.Values{
		"grant_type":    {server.GrantTypeRefreshToken},
		"refresh_token": {tokens.RefreshToken},
		"client_id":     {testClientID},
		"scope":         {"time:read admin"},
	})
	if w.Code != http.StatusBadRequest || testutil.DecodeJSON(t, w)["error"] != ErrorCodeInvalidScope {
		t.Fatalf("escalation status = %d, body = %s", w.Code, w.Body.String())
	}

	w = testutil.PostForm(routes, TokenPath, url.Values{
		"grant_type":    {server.GrantTypeRefreshToken},
		"refresh_token": {tokens.RefreshToken},
		"client_id":     {testClientID},
		"scope":         {"time:read"},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("refresh status = %d, body = %s", w.Code, w.Body.String())
	}
	body := testutil.DecodeJSON(t, w)
	if body["scope"] != "time:read" {
		t.Errorf("scope = %v, want time:read", body["scope"])
	}
	if body["refresh_token"] == tokens.RefreshToken {
		t.Error("refresh token should rotate")
	}
}

func TestHandler_ConfidentialClient(t *testing.T) {
	hash, err := server.HashClientSecret("s3cret")
	if err != nil {
		t.Fatalf("HashClientSecret() error = %v", err)
	}
	_, routes := setupTestHandler(t, func(c *server.Config) {
		c.Clients[0].ClientSecretHash = hash
	}, nil)

	challenge, verifier := testutil.GeneratePKCEPair()
	code := obtainCode(t, routes, challenge)

	post := func(user, pass string) *httptest.ResponseRecorder {
		form := exchangeForm(code, verifier)
		form.Del("client_id")
		req := httptest.NewRequest(http.MethodPost, TokenPath, strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.SetBasicAuth(user, pass)
		w := httptest.NewRecorder()
		routes.ServeHTTP(w, req)
		return w
	}

	w := post(testClientID, "wrong")
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("wrong secret status = %d, want %d", w.Code, http.StatusUnauthorized)
	}
	if testutil.DecodeJSON(t, w)["error"] != ErrorCodeInvalidClient {
		t.Error("wrong secret should be invalid_client")
	}
	if w.Header().Get("WWW-Authenticate") == "" {
		t.Error("401 responses should carry WWW-Authenticate")
	}

	if w := post(testClientID, "s3cret"); w.Code != http.StatusOK {
		t.Errorf("correct secret status = %d, body = %s", w.Code, w.Body.String())
	}
}

func TestHandler_ConfidentialClientEscapedBasicAuth(t *testing.T) {
	const secret = "s3cr+t/with:reserved=chars"
	hash, err := server.HashClientSecret(secret)
	if err != nil {
		t.Fatalf("HashClientSecret() error = %v", err)
	}
	_, routes := setupTestHandler(t, func(c *server.Config) {
		c.Clients[0].ClientSecretHash = hash
	}, nil)

	challenge, verifier := testutil.GeneratePKCEPair()
	form := exchangeForm(obtainCode(t, routes, challenge), verifier)
	form.Del("client_id")
	req := httptest.NewRequest(http.MethodPost, TokenPath, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(url.QueryEscape(testClientID), url.QueryEscape(secret))
	w := httptest.NewRecorder()
	routes.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("form-encoded credentials status = %d, body = %s", w.Code, w.Body.String())
	}
}

func TestHandler_IntrospectAndRevoke(t *testing.T) {
	_, routes := setupTestHandler(t, nil, nil)
	tokens := obtainTokens(t, routes)

	w := testutil.PostForm(routes, IntrospectionPath, url.Values{"token": {tokens.AccessToken}})
	if w.Code != http.StatusOK {
		t.Fatalf("introspect status = %d", w.Code)
	}
	body := testutil.DecodeJSON(t, w)
	if body["active"] != true || body["client_id"] != testClientID || body["scope"] != "time:read time:convert" {
		t.Errorf("introspection = %v", body)
	}

	for i := 0; i < 2; i++ {
		w = testutil.PostForm(routes, RevocationPath, url.Values{"token": {tokens.AccessToken}})
		if w.Code != http.StatusOK {
			t.Fatalf("revoke #%d status = %d", i+1, w.Code)
		}
		if w.Body.Len() != 0 {
			t.Errorf("revoke body = %q, want empty", w.Body.String())
		}
	}

	w = testutil.PostForm(routes, IntrospectionPath, url.Values{"token": {tokens.AccessToken}})
	if got := strings.TrimSpace(w.Body.String()); got != `{"active":false}` {
		t.Errorf("introspection after revoke = %s, want {\"active\":false}", got)
	}
}

func TestHandler_IntrospectGarbage(t *testing.T) {
	_, routes := setupTestHandler(t, nil, nil)

	w := testutil.PostForm(routes, IntrospectionPath, url.Values{"token": {"garbage"}})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if got := strings.TrimSpace(w.Body.String()); got != `{"active":false}` {
		t.Errorf("body = %s, want {\"active\":false}", got)
	}
}

func TestHandler_IntrospectRequiresAuthWhenConfigured(t *testing.T) {
	_, routes := setupTestHandler(t, nil, &Config{RequireIntrospectionAuth: true})

	w := testutil.PostForm(routes, IntrospectionPath, url.Values{"token": {"garbage"}})
	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", w.Code, http.StatusUnauthorized)
	}
}

func TestHandler_Metadata(t *testing.T) {
	_, routes := setupTestHandler(t, nil, nil)

	var docs []map[string]any
	for _, path := range []string{AuthorizationMetadataPath, OpenIDConfigurationPath} {
		w := httptest.NewRecorder()
		routes.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		if w.Code != http.StatusOK {
			t.Fatalf("%s status = %d", path, w.Code)
		}
		docs = append(docs, testutil.DecodeJSON(t, w))
	}

	meta := docs[0]
	if meta["issuer"] != testIssuer {
		t.Errorf("issuer = %v", meta["issuer"])
	}
	if meta["authorization_endpoint"] != testIssuer+AuthorizationPath {
		t.Errorf("authorization_endpoint = %v", meta["authorization_endpoint"])
	}
	if meta["token_endpoint"] != testIssuer+TokenPath {
		t.Errorf("token_endpoint = %v", meta["token_endpoint"])
	}
	methods, _ := meta["code_challenge_methods_supported"].([]any)
	if len(methods) != 1 || methods[0] != "S256" {
		t.Errorf("code_challenge_methods_supported = %v", methods)
	}
	if docs[1]["issuer"] != meta["issuer"] || docs[1]["token_endpoint"] != meta["token_endpoint"] {
		t.Error("OpenID configuration should mirror the authorization server metadata")
	}
}

func TestHandler_AdminReset(t *testing.T) {
	t.Run("disabled by default", func(t *testing.T) {
		_, routes := setupTestHandler(t, nil, nil)
		w := httptest.NewRecorder()
		routes.ServeHTTP(w, httptest.NewRequest(http.MethodPost, AdminResetPath, nil))
		if w.Code != http.StatusNotFound {
			t.Errorf("status = %d, want %d", w.Code, http.StatusNotFound)
		}
	})

	t.Run("token required", func(t *testing.T) {
		_, routes := setupTestHandler(t, nil, &Config{EnableAdminReset: true, AdminToken: "admin-secret"})
		tokens := obtainTokens(t, routes)

		req := httptest.NewRequest(http.MethodPost, AdminResetPath, nil)
		req.Header.Set("Authorization", "Bearer wrong")
		w := httptest.NewRecorder()
		routes.ServeHTTP(w, req)
		if w.Code != http.StatusUnauthorized {
			t.Fatalf("wrong token status = %d, want %d", w.Code, http.StatusUnauthorized)
		}

		req = httptest.NewRequest(http.MethodPost, AdminResetPath, nil)
		req.Header.Set("Authorization", "Bearer admin-secret")
		w = httptest.NewRecorder()
		routes.ServeHTTP(w, req)
		if w.Code != http.StatusOK {
			t.Fatalf("reset status = %d", w.Code)
		}

		w = testutil.PostForm(routes, IntrospectionPath, url.Values{"token": {tokens.AccessToken}})
		if testutil.DecodeJSON(t, w)["active"] != false {
			t.Error("tokens should be gone after reset")
		}
	})
}

func TestHandler_Health(t *testing.T) {
	_, routes := setupTestHandler(t, nil, nil)

	w := httptest.NewRecorder()
	routes.ServeHTTP(w, httptest.NewRequest(http.MethodGet, HealthPath, nil))
	if w.Code != http.StatusOK || testutil.DecodeJSON(t, w)["status"] != "healthy" {
		t.Errorf("health = %d %s", w.Code, w.Body.String())
	}
	if w.Header().Get("X-Request-ID") == "" {
		t.Error("responses should carry a request ID")
	}
}

func TestHandler_RateLimit(t *testing.T) {
	_, routes := setupTestHandler(t, nil, &Config{RateLimit: RateLimitConfig{Rate: 1, Burst: 1}})

	form := url.Values{"token": {"garbage"}}
	if w := testutil.PostForm(routes, IntrospectionPath, form); w.Code != http.StatusOK {
		t.Fatalf("first request status = %d", w.Code)
	}
	w := testutil.PostForm(routes, IntrospectionPath, form)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("second request status = %d, want %d", w.Code, http.StatusTooManyRequests)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("429 should carry Retry-After")
	}
}

func TestHandler_CORSPreflight(t *testing.T) {
	_, routes := setupTestHandler(t, nil, &Config{})
	handler, _ := setupTestHandler(t, nil, nil)
	handler.config.CORS.AllowedOrigins = []string{"http://localhost:6274"}
	corsRoutes := handler.Routes()

	preflight := func(h http.Handler) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodOptions, TokenPath, nil)
		req.Header.Set("Origin", "http://localhost:6274")
		req.Header.Set("Access-Control-Request-Method", http.MethodPost)
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		return w
	}

	w := preflight(corsRoutes)
	if w.Code != http.StatusNoContent {
		t.Fatalf("preflight status = %d, want %d", w.Code, http.StatusNoContent)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:6274" {
		t.Errorf("Access-Control-Allow-Origin = %q", got)
	}

	if got := preflight(routes).Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("CORS disabled but Access-Control-Allow-Origin = %q", got)
	}
}
