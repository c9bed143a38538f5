package security

import (
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
)

// SetSecurityHeaders sets the headers every OAuth response carries.
// HSTS is only added when serverURL is https.
func SetSecurityHeaders(w http.ResponseWriter, serverURL string) {
	h := w.Header()
	h.Set("X-Frame-Options", "DENY")
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
	h.Set("Referrer-Policy", "no-referrer")

	if parsed, err := url.Parse(serverURL); err == nil && parsed.Scheme == "https" {
		h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
	}

	// Token responses must never be cached (RFC 6749 section 5.1).
	h.Set("Cache-Control", "no-store")
	h.Set("Pragma", "no-cache")
}

// SetPageSecurityHeaders is SetSecurityHeaders for the inline HTML page, which
// needs inline styles.
func SetPageSecurityHeaders(w http.ResponseWriter, serverURL string) {
	SetSecurityHeaders(w, serverURL)
	w.Header().Set("Content-Security-Policy", "default-src 'none'; style-src 'unsafe-inline'; frame-ancestors 'none'")
}

// CORSPolicy configures cross-origin access for browser-based clients.
// An empty AllowedOrigins disables CORS entirely.
type CORSPolicy struct {
	AllowedOrigins   []string
	AllowCredentials bool
	MaxAge           int
}

// Enabled reports whether any origin is allowed.
func (p CORSPolicy) Enabled() bool {
	return len(p.AllowedOrigins) > 0
}

func (p CORSPolicy) allows(origin string) bool {
	if origin == "" {
		return false
	}
	return slices.Contains(p.AllowedOrigins, "*") || slices.Contains(p.AllowedOrigins, origin)
}

// Apply writes CORS headers for the request origin. It returns true when the
// request was a preflight that has been fully answered.
func (p CORSPolicy) Apply(w http.ResponseWriter, r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if !p.Enabled() || !p.allows(origin) {
		return false
	}

	h := w.Header()
	h.Add("Vary", "Origin")
	h.Set("Access-Control-Allow-Origin", origin)
	if p.AllowCredentials {
		h.Set("Access-Control-Allow-Credentials", "true")
	}

	if r.Method != http.MethodOptions || r.Header.Get("Access-Control-Request-Method") == "" {
		return false
	}

	h.Set("Access-Control-Allow-Methods", strings.Join([]string{http.MethodGet, http.MethodPost, http.MethodOptions}, ", "))
	h.Set("Access-Control-Allow-Headers", "Authorization, Content-Type, Mcp-Session-Id, Mcp-Protocol-Version")
	maxAge := p.MaxAge
	if maxAge <= 0 {
		maxAge = 3600
	}
	h.Set("Access-Control-Max-Age", strconv.Itoa(maxAge))
	w.WriteHeader(http.StatusNoContent)
	return true
}

// Middleware wraps next with the policy.
func (p CORSPolicy) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if p.Apply(w, r) {
			return
		}
		next.ServeHTTP(w, r)
	})
}
