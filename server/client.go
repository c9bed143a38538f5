package server

import (
	"fmt"
	"net/url"
	"slices"
	"sync"

	"golang.org/x/crypto/bcrypt"

	"github.com/giantswarm/mcp-time-oauth/internal/util"
)

// Client is a registered OAuth client.
type Client struct {
	ClientID string
	Name     string

	// ClientSecretHash is a bcrypt hash. Empty means a public client that
	// authenticates with PKCE alone.
	ClientSecretHash string

	// RedirectURIs are matched exactly; no prefix or wildcard matching.
	RedirectURIs []string

	// Scopes the client may request. Empty means every supported scope.
	Scopes []string
}

// IsPublic reports whether the client has no secret.
func (c *Client) IsPublic() bool {
	return c.ClientSecretHash == ""
}

// TokenEndpointAuthMethod returns the RFC 7591 auth method name.
func (c *Client) TokenEndpointAuthMethod() string {
	if c.IsPublic() {
		return "none"
	}
	return "client_secret_basic"
}

// HasRedirectURI reports an exact match against the registration.
func (c *Client) HasRedirectURI(redirectURI string) bool {
	return slices.Contains(c.RedirectURIs, redirectURI)
}

// HashClientSecret returns the bcrypt hash stored in Client.ClientSecretHash.
func HashClientSecret(secret string) (string, error) {
	if secret == "" {
		return "", fmt.Errorf("client secret cannot be empty")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash client secret: %w", err)
	}
	return string(hash), nil
}

// dummySecretHash equalises timing between unknown clients and wrong secrets.
var dummySecretHash = sync.OnceValue(func() []byte {
	hash, _ := bcrypt.GenerateFromPassword([]byte("unknown-client-placeholder"), bcrypt.DefaultCost)
	return hash
})

// ClientRegistry is an immutable set of clients built from configuration.
type ClientRegistry struct {
	clients map[string]*Client
}

// NewClientRegistry validates clients against the supported scopes.
func NewClientRegistry(clients []Client, supportedScopes []string) (*ClientRegistry, error) {
	r := &ClientRegistry{clients: make(map[string]*Client, len(clients))}
	for i := range clients {
		c := clients[i]
		if c.ClientID == "" {
			return nil, fmt.Errorf("client %d: client_id is required", i)
		}
		if _, dup := r.clients[c.ClientID]; dup {
			return nil, fmt.Errorf("client %q: registered twice", c.ClientID)
		}
		if len(c.RedirectURIs) == 0 {
			return nil, fmt.Errorf("client %q: at least one redirect URI is required", c.ClientID)
		}
		for _, raw := range c.RedirectURIs {
			if err := validateRegisteredRedirectURI(raw); err != nil {
				return nil, fmt.Errorf("client %q: %w", c.ClientID, err)
			}
		}
		if !util.IsSubset(c.Scopes, supportedScopes) {
			return nil, fmt.Errorf("client %q: scopes %v not all supported", c.ClientID, c.Scopes)
		}
		if len(c.Scopes) == 0 {
			c.Scopes = slices.Clone(supportedScopes)
		}
		c.RedirectURIs = slices.Clone(c.RedirectURIs)
		r.clients[c.ClientID] = &c
	}
	return r, nil
}

// validateRegisteredRedirectURI accepts absolute URIs without a fragment (RFC 6749 section 3.1.2).
func validateRegisteredRedirectURI(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("redirect URI %q: %w", raw, err)
	}
	if !u.IsAbs() {
		return fmt.Errorf("redirect URI %q must be absolute", raw)
	}
	if (u.Scheme == "http" || u.Scheme == "https") && u.Host == "" {
		return fmt.Errorf("redirect URI %q has no host", raw)
	}
	if u.Fragment != "" {
		return fmt.Errorf("redirect URI %q must not contain a fragment", raw)
	}
	return nil
}

// Get returns the client or false.
func (r *ClientRegistry) Get(clientID string) (*Client, bool) {
	c, ok := r.clients[clientID]
	return c, ok
}

// Len returns the number of registered clients.
func (r *ClientRegistry) Len() int {
	return len(r.clients)
}

// Authenticate checks client credentials. Public clients must not send a
// secret; confidential clients must send the right one. Every failure is
// ErrInvalidClient.
func (r *ClientRegistry) Authenticate(clientID, clientSecret string) (*Client, error) {
	c, ok := r.clients[clientID]
	if !ok {
		_ = bcrypt.CompareHashAndPassword(dummySecretHash(), []byte(clientSecret))
		return nil, newError(ErrInvalidClient, "client authentication failed")
	}
	if c.IsPublic() {
		if clientSecret != "" {
			return nil, newError(ErrInvalidClient, "client authentication failed")
		}
		return c, nil
	}
	if err := bcrypt.CompareHashAndPassword([]byte(c.ClientSecretHash), []byte(clientSecret)); err != nil {
		return nil, newError(ErrInvalidClient, "client authentication failed")
	}
	return c, nil
}
