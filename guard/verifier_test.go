package guard

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func introspectionServer(t *testing.T, status int, body map[string]any) (*httptest.Server, *http.Request) {
	t.Helper()
	var seen http.Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("ParseForm: %v", err)
		}
		seen = *r
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	}))
	t.Cleanup(srv.Close)
	return srv, &seen
}

func TestNewRemoteVerifier_RequiresAbsoluteURL(t *testing.T) {
	for _, endpoint := range []string{"", "/oauth/introspect", "not a url"} {
		if _, err := NewRemoteVerifier(RemoteVerifierConfig{IntrospectionEndpoint: endpoint}, nil); err == nil {
			t.Errorf("NewRemoteVerifier(%q) should fail", endpoint)
		}
	}
}

func TestRemoteVerifier_Verify(t *testing.T) {
	exp := time.Now().Add(time.Hour).Unix()

	tests := []struct {
		name     string
		status   int
		body     map[string]any
		wantErr  error
		wantAny  bool
		wantCID  string
		wantScop int
	}{
		{
			name:     "active access token",
			status:   http.StatusOK,
			body:     map[string]any{"active": true, "client_id": "time-mcp-client", "scope": "time:read time:convert", "token_type": "Bearer", "exp": exp, "jti": "abc"},
			wantCID:  "time-mcp-client",
			wantScop: 2,
		},
		{
			name:    "inactive",
			status:  http.StatusOK,
			body:    map[string]any{"active": false},
			wantErr: ErrUnauthorized,
		},
		{
			name:    "refresh token rejected",
			status:  http.StatusOK,
			body:    map[string]any{"active": true, "token_type": "refresh_token", "exp": exp},
			wantErr: ErrUnauthorized,
		},
		{
			name:    "expired exp",
			status:  http.StatusOK,
			body:    map[string]any{"active": true, "token_type": "Bearer", "exp": time.Now().Add(-time.Minute).Unix()},
			wantErr: ErrUnauthorized,
		},
		{
			name:    "server error",
			status:  http.StatusInternalServerError,
			body:    map[string]any{"error": "server_error"},
			wantAny: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, seen := introspectionServer(t, tt.status, tt.body)
			v, err := NewRemoteVerifier(RemoteVerifierConfig{
				IntrospectionEndpoint: srv.URL + "/oauth/introspect",
				ClientID:              "time-mcp-server",
				ClientSecret:          "s3cret",
			}, nil)
			if err != nil {
				t.Fatalf("NewRemoteVerifier() error = %v", err)
			}

			p, err := v.Verify(context.Background(), "token-value")

			if seen.PostForm.Get("token") != "token-value" || seen.PostForm.Get("token_type_hint") != "access_token" {
				t.Errorf("introspection form = %v", seen.PostForm)
			}
			if id, secret, ok := seen.BasicAuth(); !ok || id != "time-mcp-server" || secret != "s3cret" {
				t.Errorf("basic auth = %q %q %v", id, secret, ok)
			}

			switch {
			case tt.wantErr != nil:
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("Verify() error = %v, want %v", err, tt.wantErr)
				}
			case tt.wantAny:
				if err == nil || errors.Is(err, ErrUnauthorized) {
					t.Errorf("Verify() error = %v, want transport error", err)
				}
			default:
				if err != nil {
					t.Fatalf("Verify() error = %v", err)
				}
				if p.ClientID != tt.wantCID || len(p.Scopes) != tt.wantScop || p.TokenID != "abc" {
					t.Errorf("principal = %+v", p)
				}
				if p.ExpiresAt.Unix() != exp {
					t.Errorf("ExpiresAt = %v, want %d", p.ExpiresAt, exp)
				}
			}
		})
	}
}

func TestRemoteVerifier_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	endpoint := srv.URL
	srv.Close()

	v, err := NewRemoteVerifier(RemoteVerifierConfig{IntrospectionEndpoint: endpoint}, nil)
	if err != nil {
		t.Fatalf("NewRemoteVerifier() error = %v", err)
	}
	if _, err := v.Verify(context.Background(), "tok"); err == nil {
		t.Error("Verify() against a closed server should fail")
	}

	g := newTestGuard(t, v)
	if _, err := g.Authorize(context.Background(), "tok"); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("Authorize() error = %v, want ErrUnauthorized", err)
	}
}

func TestCheckScope(t *testing.T) {
	if _, err := CheckScope(context.Background(), "time:read"); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("CheckScope() without principal = %v, want ErrUnauthorized", err)
	}
	ctx := ContextWithPrincipal(context.Background(), &Principal{Scopes: []string{"time:read"}})
	if _, err := CheckScope(ctx, "time:read"); err != nil {
		t.Errorf("CheckScope(time:read) = %v", err)
	}
	if _, err := CheckScope(ctx, "time:convert"); !errors.Is(err, ErrInsufficientScope) {
		t.Errorf("CheckScope(time:convert) = %v, want ErrInsufficientScope", err)
	}
}
