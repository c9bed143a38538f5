// Package security provides the security primitives shared by the authorization
// server and the resource server guard: opaque token generation, expiry checks
// with clock skew grace, per-client rate limiting, audit logging, security and
// CORS headers, request IDs and client IP extraction.
//
// # Rate Limiting
//
// RateLimiter is a per-identifier token bucket (golang.org/x/time/rate) with LRU
// eviction so that a flood of distinct client IPs cannot grow memory without bound.
//
//	limiter := security.NewRateLimiter(10, 20, logger)
//	defer limiter.Stop()
//
//	mux.Handle("/oauth/token", limiter.Middleware(security.ClientIPKey(false, 0), tokenHandler))
//
// # Audit
//
// Auditor writes security_audit records through slog. Subject identifiers are
// hashed; token values are never logged.
package security
