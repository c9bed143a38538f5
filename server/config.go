package server

import (
	"log/slog"

	"github.com/giantswarm/mcp-time-oauth/pkce"
)

// Default scopes of the time resource server.
const (
	ScopeTimeRead    = "time:read"
	ScopeTimeConvert = "time:convert"
)

// Config holds authorization server configuration
type Config struct {
	// Issuer is the server's issuer identifier (base URL)
	Issuer string

	// AuthorizationCodeTTL is how long authorization codes are valid
	AuthorizationCodeTTL int64 // seconds, default: 600 (10 minutes)

	// AccessTokenTTL is how long access tokens are valid
	AccessTokenTTL int64 // seconds, default: 3600 (1 hour)

	// RefreshTokenTTL is how long refresh tokens are valid.
	// A negative value issues refresh tokens that never expire.
	RefreshTokenTTL int64 // seconds, default: 7776000 (90 days)

	// DisableRefreshTokenRotation keeps the presented refresh token valid after
	// a refresh instead of replacing it. Rotation is on by default.
	DisableRefreshTokenRotation bool

	// CascadeRefreshTokenRevocation makes revoking a refresh token also revoke
	// every access token minted from it. Off by default.
	CascadeRefreshTokenRevocation bool

	// ClockSkewGracePeriod keeps records valid for this many seconds past expiry.
	// Default: 0, a record whose TTL has elapsed is rejected.
	ClockSkewGracePeriod int64

	// SupportedScopes lists the scopes clients may request.
	// Default: time:read, time:convert
	SupportedScopes []string

	// MinCodeVerifierLength lowers the RFC 7636 minimum of 43 characters for
	// legacy clients. Zero keeps the RFC minimum.
	MinCodeVerifierLength int

	// Clients is the static client registry.
	Clients []Client
}

// applySecureDefaults applies secure-by-default configuration values
func applySecureDefaults(config *Config, logger *slog.Logger) *Config {
	applyTimeDefaults(config)

	if len(config.SupportedScopes) == 0 {
		config.SupportedScopes = []string{ScopeTimeRead, ScopeTimeConvert}
	}
	if config.MinCodeVerifierLength < 0 || config.MinCodeVerifierLength > pkce.MaxVerifierLength {
		config.MinCodeVerifierLength = 0
	}

	logSecurityWarnings(config, logger)
	return config
}

// applyTimeDefaults sets default values for time-based configuration
func applyTimeDefaults(config *Config) {
	if config.AuthorizationCodeTTL <= 0 {
		config.AuthorizationCodeTTL = 600 // 10 minutes
	}
	if config.AccessTokenTTL <= 0 {
		config.AccessTokenTTL = 3600 // 1 hour
	}
	if config.RefreshTokenTTL == 0 {
		config.RefreshTokenTTL = 7776000 // 90 days
	}
	if config.ClockSkewGracePeriod < 0 {
		config.ClockSkewGracePeriod = 0
	}
}

// logSecurityWarnings logs warnings for insecure configuration settings
func logSecurityWarnings(config *Config, logger *slog.Logger) {
	if config.MinCodeVerifierLength > 0 && config.MinCodeVerifierLength < pkce.MinVerifierLength {
		logger.Warn("SECURITY WARNING: code_verifier minimum length lowered",
			"min_length", config.MinCodeVerifierLength,
			"risk", "Short verifiers carry less entropy than RFC 7636 requires",
			"recommendation", "Leave MinCodeVerifierLength at 0 unless a legacy client needs it")
	}
	if config.DisableRefreshTokenRotation {
		logger.Warn("SECURITY WARNING: Refresh token rotation is DISABLED",
			"risk", "A leaked refresh token stays usable until it expires",
			"recommendation", "Leave DisableRefreshTokenRotation=false")
	}
	if config.RefreshTokenTTL < 0 {
		logger.Warn("SECURITY NOTICE: Refresh tokens never expire",
			"risk", "Long lived credentials",
			"recommendation", "Set a positive RefreshTokenTTL")
	}
	if config.ClockSkewGracePeriod > 60 {
		logger.Warn("SECURITY NOTICE: Large clock skew grace period",
			"grace_seconds", config.ClockSkewGracePeriod,
			"risk", "Expired codes and tokens remain usable for the grace period",
			"recommendation", "Keep ClockSkewGracePeriod at a few seconds")
	}
	if len(config.Clients) == 0 {
		logger.Warn("CONFIGURATION WARNING: No clients registered",
			"risk", "Every authorization request will fail with invalid_client",
			"recommendation", "Register at least one client")
	}
}
