package oauth

import (
	"log/slog"
	"net/url"
	"strings"

	"github.com/giantswarm/mcp-time-oauth/security"
)

// Config holds the HTTP layer configuration of the authorization server.
// Protocol settings (TTLs, clients, rotation) live in server.Config.
type Config struct {
	// CORS configures cross-origin access for browser-based clients.
	// Empty AllowedOrigins disables CORS.
	CORS security.CORSPolicy

	// RateLimit configures per-IP limiting of the token, introspection and
	// revocation endpoints.
	RateLimit RateLimitConfig

	// InlineAuthorization answers /oauth/authorize with the code itself (JSON,
	// or an HTML page for browsers) instead of redirecting. Clients can also
	// request this per call with response_mode=inline.
	InlineAuthorization bool

	// RequireIntrospectionAuth rejects introspection calls that carry no
	// client credentials. Credentials that are sent are always checked.
	RequireIntrospectionAuth bool

	// EnableAdminReset registers POST /admin/reset.
	EnableAdminReset bool

	// AdminToken protects /admin/reset when set.
	AdminToken string

	// TrustProxy enables trusting X-Forwarded-For and X-Real-IP headers.
	// Only enable behind a trusted reverse proxy.
	TrustProxy bool

	// TrustedProxyCount is the number of proxies in front of the server.
	TrustedProxyCount int

	// ResourceURL is advertised in the metadata document as the protected
	// resource this server issues tokens for.
	ResourceURL string
}

// RateLimitConfig holds rate limiting configuration
type RateLimitConfig struct {
	// Rate is requests per second allowed per IP. Zero disables limiting.
	Rate int

	// Burst is the maximum burst size allowed per IP.
	Burst int
}

// applyHandlerDefaults normalizes cfg and logs risky settings.
func applyHandlerDefaults(cfg *Config, logger *slog.Logger) *Config {
	if cfg == nil {
		cfg = &Config{}
	}
	if cfg.RateLimit.Rate > 0 && cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = cfg.RateLimit.Rate * 2
	}
	if cfg.TrustedProxyCount < 0 {
		cfg.TrustedProxyCount = 0
	}
	if cfg.ResourceURL != "" {
		cfg.ResourceURL = strings.TrimSuffix(cfg.ResourceURL, "/")
	}

	for _, origin := range cfg.CORS.AllowedOrigins {
		if origin == "*" {
			logger.Warn("SECURITY WARNING: CORS wildcard origin (*) allows ALL origins",
				"risk", "Any website can drive the OAuth endpoints from a browser",
				"recommendation", "List specific origins in production")
			continue
		}
		if u, err := url.Parse(origin); err != nil || u.Scheme == "" || u.Host == "" {
			logger.Warn("CONFIGURATION WARNING: CORS origin is not a scheme://host value", "origin", origin)
		}
	}
	if cfg.EnableAdminReset && cfg.AdminToken == "" {
		logger.Warn("SECURITY WARNING: Admin reset endpoint enabled without a token",
			"risk", "Anyone who can reach the server can wipe every code and token",
			"recommendation", "Set an admin token or disable the endpoint")
	}
	if cfg.TrustProxy {
		logger.Info("Trusting proxy headers for client IP", "trusted_proxy_count", cfg.TrustedProxyCount)
	}
	return cfg
}
