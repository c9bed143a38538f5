package tools

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/mcp-time-oauth/guard"
	"github.com/giantswarm/mcp-time-oauth/server"
	"github.com/giantswarm/mcp-time-oauth/storage"
	"github.com/giantswarm/mcp-time-oauth/storage/memory"
)

func setupToolRouter(t *testing.T) http.Handler {
	t.Helper()
	store := memory.New()
	t.Cleanup(store.Stop)

	ctx := context.Background()
	for token, scopes := range map[string][]string{
		"read-token":    {ScopeRead},
		"convert-token": {ScopeRead, ScopeConvert},
	} {
		require.NoError(t, store.PutAccessToken(ctx, &storage.AccessToken{
			Token:     token,
			ClientID:  "time-mcp-client",
			Scopes:    scopes,
			IssuedAt:  time.Now(),
			ExpiresAt: time.Now().Add(time.Hour),
		}))
	}

	srv, err := server.New(store, &server.Config{
		Issuer: "http://localhost:8000",
		Clients: []server.Client{{
			ClientID:     "time-mcp-client",
			RedirectURIs: []string{"http://localhost:3000/callback"},
		}},
	}, nil)
	require.NoError(t, err)

	g, err := guard.New(guard.NewLocalVerifier(srv), guard.Config{
		ResourceURL:          "http://localhost:3000",
		AuthorizationServers: []string{"http://localhost:8000"},
	}, nil)
	require.NoError(t, err)
	t.Cleanup(g.Close)

	r := chi.NewRouter()
	NewHTTPHandler(newTestRegistry(t), g, nil).Mount(r)
	return r
}

func callTool(h http.Handler, name, token, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/tools/"+name, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestHTTPHandler_List(t *testing.T) {
	h := setupToolRouter(t)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/tools", nil))

	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Tools []struct {
			Name  string `json:"name"`
			Scope string `json:"scope"`
		} `json:"tools"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	require.Len(t, body.Tools, 2)
	assert.Equal(t, ToolConvertTime, body.Tools[0].Name)
	assert.Equal(t, ScopeConvert, body.Tools[0].Scope)
}

func TestHTTPHandler_Call(t *testing.T) {
	h := setupToolRouter(t)

	w := callTool(h, ToolGetCurrentTime, "read-token", `{"timezone":"Asia/Tokyo"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var info TimeInfo
	require.NoError(t, json.NewDecoder(w.Body).Decode(&info))
	assert.Equal(t, "Asia/Tokyo", info.Timezone)
	assert.Equal(t, "2025-11-05T21:00:00+09:00", info.Datetime)

	w = callTool(h, ToolGetCurrentTime, "read-token", "")
	require.Equal(t, http.StatusOK, w.Code, "empty body uses defaults")

	w = callTool(h, ToolConvertTime, "convert-token", `{"source_timezone":"UTC","time":"09:00","target_timezone":"Asia/Kathmandu"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var c Conversion
	require.NoError(t, json.NewDecoder(w.Body).Decode(&c))
	assert.Equal(t, "+5.75h", c.TimeDifference)
}

func TestHTTPHandler_CallErrors(t *testing.T) {
	h := setupToolRouter(t)

	tests := []struct {
		name       string
		tool       string
		token      string
		body       string
		wantStatus int
		wantError  string
	}{
		{"no token", ToolGetCurrentTime, "", "{}", http.StatusUnauthorized, "invalid_token"},
		{"unknown token", ToolGetCurrentTime, "forged", "{}", http.StatusUnauthorized, "invalid_token"},
		{"insufficient scope", ToolConvertTime, "read-token", `{"source_timezone":"UTC","time":"09:00","target_timezone":"UTC"}`, http.StatusForbidden, "insufficient_scope"},
		{"unknown tool", "delete_time", "read-token", "{}", http.StatusNotFound, "not_found"},
		{"bad json", ToolGetCurrentTime, "read-token", "[1,2]", http.StatusBadRequest, "invalid_request"},
		{"bad argument", ToolGetCurrentTime, "read-token", `{"timezone":"Atlantis/Capital"}`, http.StatusBadRequest, "invalid_request"},
		{"bad clock", ToolConvertTime, "convert-token", `{"source_timezone":"UTC","time":"9am","target_timezone":"UTC"}`, http.StatusBadRequest, "invalid_request"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := callTool(h, tt.tool, tt.token, tt.body)
			require.Equal(t, tt.wantStatus, w.Code, w.Body.String())
			var body map[string]string
			require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
			assert.Equal(t, tt.wantError, body["error"])
		})
	}
}
