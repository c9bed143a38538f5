package app

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/giantswarm/mcp-time-oauth/internal/config"
)

const roundTripVerifier = "test-verifier-1234567890123456789012345"

type testEnv struct {
	auth     *httptest.Server
	resource *httptest.Server
	oauth    *oauth2.Config
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Audit = false
	cfg.AuthServer.MinCodeVerifierLength = 32
	return cfg
}

func startApp(t *testing.T, cfg *config.Config, mode Mode) *App {
	t.Helper()
	a, err := New(cfg, mode, quietLogger(), "test")
	require.NoError(t, err)
	t.Cleanup(a.Close)
	return a
}

func newOAuthConfig(authURL string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:    "time-mcp-client",
		RedirectURL: "http://localhost:3000/callback",
		Scopes:      []string{"time:read", "time:convert"},
		Endpoint: oauth2.Endpoint{
			AuthURL:   authURL + "/oauth/authorize",
			TokenURL:  authURL + "/oauth/token",
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
}

// setupSharedStore runs both servers from one App, as the serve command does.
func setupSharedStore(t *testing.T) *testEnv {
	t.Helper()
	a := startApp(t, testConfig(), ModeAll)

	auth := httptest.NewServer(a.AuthServerHandler())
	t.Cleanup(auth.Close)
	resource := httptest.NewServer(a.ResourceServerHandler())
	t.Cleanup(resource.Close)

	return &testEnv{auth: auth, resource: resource, oauth: newOAuthConfig(auth.URL)}
}

// setupSplit runs the resource server in its own App verifying tokens by
// introspection against the authorization server.
func setupSplit(t *testing.T) *testEnv {
	t.Helper()
	authApp := startApp(t, testConfig(), ModeAuthServer)
	auth := httptest.NewServer(authApp.AuthServerHandler())
	t.Cleanup(auth.Close)

	cfg := testConfig()
	cfg.ResourceServer.IntrospectionURL = auth.URL + "/oauth/introspect"
	resourceApp := startApp(t, cfg, ModeResourceServer)
	require.Nil(t, resourceApp.AuthServerHandler())
	resource := httptest.NewServer(resourceApp.ResourceServerHandler())
	t.Cleanup(resource.Close)

	return &testEnv{auth: auth, resource: resource, oauth: newOAuthConfig(auth.URL)}
}

// authorize follows the authorization endpoint to its redirect and returns the code.
func (e *testEnv) authorize(t *testing.T, verifier, state string) string {
	t.Helper()
	client := &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}}
	resp, err := client.Get(e.oauth.AuthCodeURL(state, oauth2.S256ChallengeOption(verifier)))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusFound, resp.StatusCode)

	loc, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "/callback", loc.Path)
	assert.Equal(t, state, loc.Query().Get("state"))
	code := loc.Query().Get("code")
	require.NotEmpty(t, code)
	return code
}

func (e *testEnv) callTool(t *testing.T, client *http.Client, name, body string) int {
	t.Helper()
	resp, err := client.Post(e.resource.URL+"/tools/"+name, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode
}

func (e *testEnv) introspect(t *testing.T, token string) bool {
	t.Helper()
	resp, err := http.PostForm(e.auth.URL+"/oauth/introspect", url.Values{"token": {token}})
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body struct {
		Active bool `json:"active"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body.Active
}

func bearerClient(token string) *http.Client {
	return oauth2.NewClient(context.Background(), oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token}))
}

func assertGrantError(t *testing.T, err error, code string) {
	t.Helper()
	var re *oauth2.RetrieveError
	require.True(t, errors.As(err, &re), "error %v is not a RetrieveError", err)
	assert.Equal(t, code, re.ErrorCode)
}

func TestRoundTrip(t *testing.T) {
	for name, setup := range map[string]func(*testing.T) *testEnv{
		"shared store":  setupSharedStore,
		"introspection": setupSplit,
	} {
		t.Run(name, func(t *testing.T) {
			env := setup(t)
			ctx := context.Background()

			code := env.authorize(t, roundTripVerifier, "xyz")
			tok, err := env.oauth.Exchange(ctx, code, oauth2.VerifierOption(roundTripVerifier))
			require.NoError(t, err)
			assert.Equal(t, "Bearer", tok.TokenType)
			assert.NotEmpty(t, tok.RefreshToken)
			assert.Equal(t, "time:read time:convert", tok.Extra("scope"))

			client := env.oauth.Client(ctx, tok)
			assert.Equal(t, http.StatusOK, env.callTool(t, client, "get_current_time", `{"timezone":"Europe/Paris"}`))
			assert.Equal(t, http.StatusOK, env.callTool(t, client, "convert_time",
				`{"source_timezone":"America/New_York","time":"16:30","target_timezone":"Asia/Tokyo"}`))

			_, err = env.oauth.Exchange(ctx, code, oauth2.VerifierOption(roundTripVerifier))
			assertGrantError(t, err, "invalid_grant")
		})
	}
}

func TestRoundTrip_WrongVerifier(t *testing.T) {
	env := setupSharedStore(t)
	code := env.authorize(t, oauth2.GenerateVerifier(), "s")

	_, err := env.oauth.Exchange(context.Background(), code, oauth2.VerifierOption(oauth2.GenerateVerifier()))
	assertGrantError(t, err, "invalid_grant")
}

func TestRevocationStopsToolAccess(t *testing.T) {
	for name, setup := range map[string]func(*testing.T) *testEnv{
		"shared store":  setupSharedStore,
		"introspection": setupSplit,
	} {
		t.Run(name, func(t *testing.T) {
			env := setup(t)
			verifier := oauth2.GenerateVerifier()
			tok, err := env.oauth.Exchange(context.Background(), env.authorize(t, verifier, "s"), oauth2.VerifierOption(verifier))
			require.NoError(t, err)

			client := bearerClient(tok.AccessToken)
			require.Equal(t, http.StatusOK, env.callTool(t, client, "get_current_time", "{}"))

			for range 2 {
				resp, err := http.PostForm(env.auth.URL+"/oauth/revoke", url.Values{
					"token":     {tok.AccessToken},
					"client_id": {"time-mcp-client"},
				})
				require.NoError(t, err)
				resp.Body.Close()
				assert.Equal(t, http.StatusOK, resp.StatusCode)
			}

			assert.Equal(t, http.StatusUnauthorized, env.callTool(t, client, "get_current_time", "{}"))
		})
	}
}

func TestRefreshRotation(t *testing.T) {
	env := setupSharedStore(t)
	ctx := context.Background()
	verifier := oauth2.GenerateVerifier()
	tok, err := env.oauth.Exchange(ctx, env.authorize(t, verifier, "s"), oauth2.VerifierOption(verifier))
	require.NoError(t, err)

	refreshed, err := env.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: tok.RefreshToken}).Token()
	require.NoError(t, err)
	assert.NotEqual(t, tok.AccessToken, refreshed.AccessToken)
	assert.NotEqual(t, tok.RefreshToken, refreshed.RefreshToken)
	assert.Equal(t, http.StatusOK, env.callTool(t, bearerClient(refreshed.AccessToken), "convert_time",
		`{"source_timezone":"UTC","time":"00:00","target_timezone":"UTC"}`))

	assert.Equal(t, http.StatusUnauthorized, env.callTool(t, bearerClient(tok.AccessToken), "get_current_time", "{}"))
	assert.False(t, env.introspect(t, tok.AccessToken))

	_, err = env.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: tok.RefreshToken}).Token()
	assertGrantError(t, err, "invalid_grant")
}

func TestRefreshWithoutClientID(t *testing.T) {
	env := setupSharedStore(t)
	verifier := oauth2.GenerateVerifier()
	tok, err := env.oauth.Exchange(context.Background(), env.authorize(t, verifier, "s"), oauth2.VerifierOption(verifier))
	require.NoError(t, err)

	resp, err := http.PostForm(env.auth.URL+"/oauth/token", url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {tok.RefreshToken},
	})
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		AccessToken string `json:"access_token"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, http.StatusOK, env.callTool(t, bearerClient(body.AccessToken), "get_current_time", "{}"))
}

func TestScopeEnforcement(t *testing.T) {
	env := setupSharedStore(t)
	env.oauth.Scopes = []string{"time:read"}
	verifier := oauth2.GenerateVerifier()
	tok, err := env.oauth.Exchange(context.Background(), env.authorize(t, verifier, "s"), oauth2.VerifierOption(verifier))
	require.NoError(t, err)

	client := bearerClient(tok.AccessToken)
	assert.Equal(t, http.StatusOK, env.callTool(t, client, "get_current_time", "{}"))
	assert.Equal(t, http.StatusForbidden, env.callTool(t, client, "convert_time",
		`{"source_timezone":"UTC","time":"10:00","target_timezone":"UTC"}`))
}

func TestResourceServerPublicEndpoints(t *testing.T) {
	env := setupSharedStore(t)

	resp, err := http.Get(env.resource.URL + "/.well-known/oauth-protected-resource")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"resource":"http://localhost:3000"`)
	assert.Contains(t, string(body), `"authorization_servers":["http://localhost:8000"]`)

	resp, err = http.Get(env.resource.URL + "/tools")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(env.resource.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	assert.Equal(t, http.StatusUnauthorized, env.callTool(t, http.DefaultClient, "get_current_time", "{}"))

	resp, err = http.Post(env.resource.URL+"/mcp", "application/json", strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"tools/list"}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("WWW-Authenticate"), "resource_metadata=")
}

func TestNew_Errors(t *testing.T) {
	_, err := New(nil, ModeAll, nil, "test")
	assert.Error(t, err)

	cfg := testConfig()
	cfg.AuthServer.Clients[0].RedirectURIs = []string{"not a url"}
	_, err = New(cfg, ModeAuthServer, quietLogger(), "test")
	assert.Error(t, err)
}

func TestMode_String(t *testing.T) {
	assert.Equal(t, "all", ModeAll.String())
	assert.Equal(t, "authserver", ModeAuthServer.String())
	assert.Equal(t, "resourceserver", ModeResourceServer.String())
	assert.Equal(t, "Mode(9)", Mode(9).String())
}
