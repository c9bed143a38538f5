package guard

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/giantswarm/mcp-time-oauth/internal/util"
	"github.com/giantswarm/mcp-time-oauth/storage"
)

// Verifier resolves a bearer token to a Principal. Implementations return
// ErrUnauthorized for tokens that are not live and another error when the
// answer could not be obtained.
type Verifier interface {
	Verify(ctx context.Context, token string) (*Principal, error)
}

// TokenValidator resolves an access token to its live record. It is
// implemented by *server.Server.
type TokenValidator interface {
	ValidateAccessToken(ctx context.Context, token string) (*storage.AccessToken, error)
}

// LocalVerifier checks tokens with the authorization server running in the
// same process.
type LocalVerifier struct {
	validator TokenValidator
}

// NewLocalVerifier creates a verifier backed by validator.
func NewLocalVerifier(validator TokenValidator) *LocalVerifier {
	return &LocalVerifier{validator: validator}
}

// Verify implements Verifier. It never modifies the token record. The
// validator reports every failure without detail, so all map to ErrUnauthorized.
func (v *LocalVerifier) Verify(ctx context.Context, token string) (*Principal, error) {
	at, err := v.validator.ValidateAccessToken(ctx, token)
	if err != nil {
		return nil, ErrUnauthorized
	}
	return &Principal{
		ClientID:  at.ClientID,
		Scopes:    at.Scopes,
		ExpiresAt: at.ExpiresAt,
		TokenID:   at.ID,
	}, nil
}

// maxIntrospectionResponseBytes bounds the introspection response body.
const maxIntrospectionResponseBytes = 1 << 20

// RemoteVerifier checks tokens with an RFC 7662 introspection endpoint. It
// keeps no cache, so revocation takes effect on the next request.
type RemoteVerifier struct {
	endpoint     string
	clientID     string
	clientSecret string
	httpClient   *http.Client
	now          func() time.Time
	logger       *slog.Logger
}

// RemoteVerifierConfig configures a RemoteVerifier.
type RemoteVerifierConfig struct {
	// IntrospectionEndpoint is the absolute URL of the introspection endpoint.
	IntrospectionEndpoint string

	// ClientID and ClientSecret authenticate the resource server with HTTP
	// Basic. Leave both empty to call the endpoint unauthenticated.
	ClientID     string
	ClientSecret string

	// HTTPClient is used for introspection calls (nil uses a client with a 10s timeout).
	HTTPClient *http.Client
}

// NewRemoteVerifier creates a verifier calling the introspection endpoint.
func NewRemoteVerifier(config RemoteVerifierConfig, logger *slog.Logger) (*RemoteVerifier, error) {
	u, err := url.Parse(config.IntrospectionEndpoint)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return nil, fmt.Errorf("introspection endpoint must be an absolute URL, got %q", config.IntrospectionEndpoint)
	}
	if logger == nil {
		logger = slog.Default()
	}
	if util.IsInsecureRemoteURL(config.IntrospectionEndpoint) {
		logger.Warn("SECURITY WARNING: Introspection endpoint uses plain http on a non-loopback host",
			"endpoint", config.IntrospectionEndpoint,
			"risk", "Bearer tokens are sent in clear text",
			"recommendation", "Use https for the introspection endpoint")
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}

	return &RemoteVerifier{
		endpoint:     config.IntrospectionEndpoint,
		clientID:     config.ClientID,
		clientSecret: config.ClientSecret,
		httpClient:   httpClient,
		now:          time.Now,
		logger:       logger,
	}, nil
}

type introspectionResponse struct {
	Active    bool   `json:"active"`
	Scope     string `json:"scope"`
	ClientID  string `json:"client_id"`
	TokenType string `json:"token_type"`
	Exp       int64  `json:"exp"`
	JTI       string `json:"jti"`
}

// Verify implements Verifier. Transport and decoding failures are returned as
// errors, which the guard treats as a rejection.
func (v *RemoteVerifier) Verify(ctx context.Context, token string) (*Principal, error) {
	form := url.Values{
		"token":           {token},
		"token_type_hint": {"access_token"},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to create introspection request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	if v.clientID != "" {
		req.SetBasicAuth(url.QueryEscape(v.clientID), url.QueryEscape(v.clientSecret))
	}

	resp, err := v.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("introspection request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("introspection failed with status %d", resp.StatusCode)
	}

	var body introspectionResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxIntrospectionResponseBytes)).Decode(&body); err != nil {
		return nil, fmt.Errorf("failed to decode introspection response: %w", err)
	}

	if !body.Active {
		return nil, ErrUnauthorized
	}
	// Refresh tokens are live too, but never valid as bearer credentials.
	if body.TokenType != "" && !strings.EqualFold(body.TokenType, "bearer") && body.TokenType != "access_token" {
		v.logger.Debug("Introspected token is not an access token", "token_type", body.TokenType)
		return nil, ErrUnauthorized
	}

	p := &Principal{
		ClientID: body.ClientID,
		Scopes:   util.ParseScope(body.Scope),
		TokenID:  body.JTI,
	}
	if body.Exp > 0 {
		p.ExpiresAt = time.Unix(body.Exp, 0)
		if !v.now().Before(p.ExpiresAt) {
			return nil, ErrUnauthorized
		}
	}
	return p, nil
}
