package guard

import (
	"context"
	"slices"
	"time"
)

// Principal is the verified identity behind a bearer token.
type Principal struct {
	ClientID string
	Scopes   []string
	// ExpiresAt is zero when the verifier did not report an expiry.
	ExpiresAt time.Time
	// TokenID is the non-secret token identifier, if known.
	TokenID string
}

// HasScope reports whether the token was granted scope.
func (p *Principal) HasScope(scope string) bool {
	return p != nil && slices.Contains(p.Scopes, scope)
}

type contextKey struct{}

// ContextWithPrincipal returns ctx carrying p.
func ContextWithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, contextKey{}, p)
}

// PrincipalFromContext returns the principal stored by Guard.Middleware.
func PrincipalFromContext(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(contextKey{}).(*Principal)
	return p, ok && p != nil
}

// CheckScope returns ErrUnauthorized when ctx carries no principal and
// ErrInsufficientScope when the principal lacks scope.
func CheckScope(ctx context.Context, scope string) (*Principal, error) {
	p, ok := PrincipalFromContext(ctx)
	if !ok {
		return nil, ErrUnauthorized
	}
	if !p.HasScope(scope) {
		return p, ErrInsufficientScope
	}
	return p, nil
}
