// Package config loads process configuration for the time MCP servers from a
// YAML file, optional .env file and MCP_TIME_* environment variables.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "MCP_TIME_"

// Duration is a time.Duration written as "10m" or "1h30m" in YAML.
type Duration struct {
	time.Duration
}

// UnmarshalYAML accepts Go duration strings and plain integers as seconds.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	parsed, err := parseDuration(s)
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

// MarshalYAML writes the duration string form.
func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

// WholeSeconds truncates the duration to seconds.
func (d Duration) WholeSeconds() int64 {
	return int64(d.Duration / time.Second)
}

func parseDuration(s string) (time.Duration, error) {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", s, err)
	}
	return d, nil
}

// Client is a statically registered OAuth client.
type Client struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
	// SecretHash is a bcrypt hash (see the hash-secret command). Empty for public clients.
	SecretHash   string   `yaml:"secret_hash"`
	RedirectURIs []string `yaml:"redirect_uris"`
	Scopes       []string `yaml:"scopes"`
}

// AuthServer configures the authorization server.
type AuthServer struct {
	Listen  string   `yaml:"listen"`
	Issuer  string   `yaml:"issuer"`
	Scopes  []string `yaml:"scopes"`
	Clients []Client `yaml:"clients"`

	AuthCodeTTL     Duration `yaml:"auth_code_ttl"`
	AccessTokenTTL  Duration `yaml:"access_token_ttl"`
	RefreshTokenTTL Duration `yaml:"refresh_token_ttl"`

	DisableRefreshTokenRotation   bool `yaml:"disable_refresh_token_rotation"`
	CascadeRefreshTokenRevocation bool `yaml:"cascade_refresh_token_revocation"`
	MinCodeVerifierLength         int  `yaml:"min_code_verifier_length"`
	RequireIntrospectionAuth      bool `yaml:"require_introspection_auth"`
	InlineAuthorization           bool `yaml:"inline_authorization"`

	EnableAdminReset bool   `yaml:"enable_admin_reset"`
	AdminToken       string `yaml:"admin_token"`

	RateLimit   int      `yaml:"rate_limit"`
	RateBurst   int      `yaml:"rate_burst"`
	CORSOrigins []string `yaml:"cors_origins"`
}

// ResourceServer configures the protected time server.
type ResourceServer struct {
	Listen       string `yaml:"listen"`
	ResourceURL  string `yaml:"resource_url"`
	ResourceName string `yaml:"resource_name"`

	// IntrospectionURL is used when the resource server runs without the
	// authorization server in the same process.
	IntrospectionURL          string `yaml:"introspection_url"`
	IntrospectionClientID     string `yaml:"introspection_client_id"`
	IntrospectionClientSecret string `yaml:"introspection_client_secret"`

	RateLimit int `yaml:"rate_limit"`
}

// Telemetry configures OpenTelemetry and the Prometheus endpoint.
type Telemetry struct {
	Enabled      bool `yaml:"enabled"`
	LogClientIPs bool `yaml:"log_client_ips"`
}

// Config is the complete process configuration.
type Config struct {
	AuthServer     AuthServer     `yaml:"auth_server"`
	ResourceServer ResourceServer `yaml:"resource_server"`
	Telemetry      Telemetry      `yaml:"telemetry"`

	Audit             bool `yaml:"audit"`
	TrustProxy        bool `yaml:"trust_proxy"`
	TrustedProxyCount int  `yaml:"trusted_proxy_count"`

	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
}

// Default returns the reference deployment: authorization server on :8000,
// time server on :3000 and the public time-mcp-client.
func Default() *Config {
	return &Config{
		AuthServer: AuthServer{
			Listen: ":8000",
			Issuer: "http://localhost:8000",
			Scopes: []string{"time:read", "time:convert"},
			Clients: []Client{{
				ID:   "time-mcp-client",
				Name: "Time MCP Client",
				RedirectURIs: []string{
					"http://localhost:3000/callback",
					"http://localhost:3000/oauth/callback",
				},
				Scopes: []string{"time:read", "time:convert"},
			}},
			AuthCodeTTL:     Duration{10 * time.Minute},
			AccessTokenTTL:  Duration{time.Hour},
			RefreshTokenTTL: Duration{90 * 24 * time.Hour},
			RateLimit:       10,
			RateBurst:       20,
		},
		ResourceServer: ResourceServer{
			Listen:       ":3000",
			ResourceURL:  "http://localhost:3000",
			ResourceName: "Time MCP Server",
			RateLimit:    20,
		},
		Audit:           true,
		ShutdownTimeout: Duration{10 * time.Second},
	}
}

// Load reads path (if non-empty) over the defaults, then applies environment
// overrides. A .env file in the working directory is loaded when present;
// variables already set in the environment win.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := Parse(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes YAML into cfg, rejecting unknown keys.
func Parse(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

type lookupFunc func(key string) (string, bool)

// applyEnv overrides selected fields from MCP_TIME_* variables.
func (c *Config) applyEnv(lookup lookupFunc) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(EnvPrefix + name); ok {
			*dst = v
		}
	}
	list := func(name string, dst *[]string) {
		if v, ok := lookup(EnvPrefix + name); ok {
			*dst = splitList(v)
		}
	}
	var errs []error
	boolean := func(name string, dst *bool) {
		if v, ok := lookup(EnvPrefix + name); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = b
		}
	}
	integer := func(name string, dst *int) {
		if v, ok := lookup(EnvPrefix + name); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = n
		}
	}
	duration := func(name string, dst *Duration) {
		if v, ok := lookup(EnvPrefix + name); ok {
			d, err := parseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			dst.Duration = d
		}
	}

	as := &c.AuthServer
	str("AUTH_LISTEN", &as.Listen)
	str("ISSUER", &as.Issuer)
	list("SCOPES", &as.Scopes)
	duration("AUTH_CODE_TTL", &as.AuthCodeTTL)
	duration("ACCESS_TOKEN_TTL", &as.AccessTokenTTL)
	duration("REFRESH_TOKEN_TTL", &as.RefreshTokenTTL)
	boolean("DISABLE_REFRESH_TOKEN_ROTATION", &as.DisableRefreshTokenRotation)
	boolean("CASCADE_REFRESH_TOKEN_REVOCATION", &as.CascadeRefreshTokenRevocation)
	integer("MIN_CODE_VERIFIER_LENGTH", &as.MinCodeVerifierLength)
	boolean("REQUIRE_INTROSPECTION_AUTH", &as.RequireIntrospectionAuth)
	boolean("INLINE_AUTHORIZATION", &as.InlineAuthorization)
	boolean("ENABLE_ADMIN_RESET", &as.EnableAdminReset)
	str("ADMIN_TOKEN", &as.AdminToken)
	integer("AUTH_RATE_LIMIT", &as.RateLimit)
	list("CORS_ORIGINS", &as.CORSOrigins)

	rs := &c.ResourceServer
	str("RESOURCE_LISTEN", &rs.Listen)
	str("RESOURCE_URL", &rs.ResourceURL)
	str("INTROSPECTION_URL", &rs.IntrospectionURL)
	str("INTROSPECTION_CLIENT_ID", &rs.IntrospectionClientID)
	str("INTROSPECTION_CLIENT_SECRET", &rs.IntrospectionClientSecret)
	integer("RESOURCE_RATE_LIMIT", &rs.RateLimit)

	boolean("TELEMETRY_ENABLED", &c.Telemetry.Enabled)
	boolean("AUDIT", &c.Audit)
	boolean("TRUST_PROXY", &c.TrustProxy)
	integer("TRUSTED_PROXY_COUNT", &c.TrustedProxyCount)

	return errors.Join(errs...)
}

func splitList(v string) []string {
	fields := strings.FieldsFunc(v, func(r rune) bool { return r == ',' || r == ' ' })
	if len(fields) == 0 {
		return nil
	}
	return fields
}

// Validate checks values that the servers would otherwise reject at start up.
func (c *Config) Validate() error {
	var errs []error
	if err := validateBaseURL("auth_server.issuer", c.AuthServer.Issuer); err != nil {
		errs = append(errs, err)
	}
	if err := validateBaseURL("resource_server.resource_url", c.ResourceServer.ResourceURL); err != nil {
		errs = append(errs, err)
	}
	if c.ResourceServer.IntrospectionURL != "" {
		if err := validateBaseURL("resource_server.introspection_url", c.ResourceServer.IntrospectionURL); err != nil {
			errs = append(errs, err)
		}
	}
	if len(c.AuthServer.Scopes) == 0 {
		errs = append(errs, errors.New("auth_server.scopes: at least one scope is required"))
	}
	for i, cl := range c.AuthServer.Clients {
		if cl.ID == "" {
			errs = append(errs, fmt.Errorf("auth_server.clients[%d].id is required", i))
		}
		if len(cl.RedirectURIs) == 0 {
			errs = append(errs, fmt.Errorf("auth_server.clients[%d].redirect_uris: at least one is required", i))
		}
	}
	for name, d := range map[string]Duration{
		"auth_server.auth_code_ttl":    c.AuthServer.AuthCodeTTL,
		"auth_server.access_token_ttl": c.AuthServer.AccessTokenTTL,
	} {
		if d.Duration <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	if c.AuthServer.RateLimit < 0 || c.ResourceServer.RateLimit < 0 {
		errs = append(errs, errors.New("rate limits cannot be negative"))
	}
	if c.TrustedProxyCount < 0 {
		errs = append(errs, errors.New("trusted_proxy_count cannot be negative"))
	}
	return errors.Join(errs...)
}

func validateBaseURL(field, raw string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("%s must be an absolute http(s) URL, got %q", field, raw)
	}
	return nil
}
