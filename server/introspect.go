package server

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/attribute"

	"github.com/giantswarm/mcp-time-oauth/instrumentation"
	"github.com/giantswarm/mcp-time-oauth/internal/util"
	"github.com/giantswarm/mcp-time-oauth/storage"
)

// Token type hints (RFC 7009 section 2.1).
const (
	TokenTypeHintAccessToken  = "access_token"
	TokenTypeHintRefreshToken = "refresh_token"
)

// Introspection is an RFC 7662 response. For tokens that are not live only
// Active is set.
type Introspection struct {
	Active    bool   `json:"active"`
	Scope     string `json:"scope,omitempty"`
	ClientID  string `json:"client_id,omitempty"`
	TokenType string `json:"token_type,omitempty"`
	Exp       int64  `json:"exp,omitempty"`
	Iat       int64  `json:"iat,omitempty"`
	JTI       string `json:"jti,omitempty"`
	Iss       string `json:"iss,omitempty"`
}

// Introspect reports whether token is a live access or refresh token. It never
// fails; storage errors are logged and reported as inactive.
func (s *Server) Introspect(ctx context.Context, token string) *Introspection {
	ctx, span := s.tracer.Start(ctx, "oauth.server.introspect")
	defer span.End()

	result := s.introspect(ctx, token)
	instrumentation.SetSpanAttributes(span, attribute.Bool(instrumentation.AttrTokenActive, result.Active))
	if m := s.metrics(); m != nil {
		m.RecordIntrospection(ctx, result.Active)
	}
	return result
}

func (s *Server) introspect(ctx context.Context, token string) *Introspection {
	if token == "" {
		return &Introspection{Active: false}
	}

	at, err := s.store.GetAccessToken(ctx, token)
	if err == nil {
		return &Introspection{
			Active:    true,
			Scope:     util.JoinScope(at.Scopes),
			ClientID:  at.ClientID,
			TokenType: "Bearer",
			Exp:       at.ExpiresAt.Unix(),
			Iat:       at.IssuedAt.Unix(),
			JTI:       at.ID,
			Iss:       s.Config.Issuer,
		}
	}
	s.logLookupError("access", err)

	rt, err := s.store.GetRefreshToken(ctx, token)
	if err == nil {
		out := &Introspection{
			Active:    true,
			Scope:     util.JoinScope(rt.Scopes),
			ClientID:  rt.ClientID,
			TokenType: TokenTypeHintRefreshToken,
			Iat:       rt.IssuedAt.Unix(),
			Iss:       s.Config.Issuer,
		}
		if !rt.ExpiresAt.IsZero() {
			out.Exp = rt.ExpiresAt.Unix()
		}
		return out
	}
	s.logLookupError("refresh", err)

	return &Introspection{Active: false}
}

func (s *Server) logLookupError(kind string, err error) {
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		s.Logger.Error("Token lookup failed", "token_kind", kind, "error", err)
	}
}

// RevokeToken removes token if it is a live access or refresh token. Unknown
// tokens are not an error (RFC 7009 section 2.2). The hint only decides which
// kind is tried first.
func (s *Server) RevokeToken(ctx context.Context, token, tokenTypeHint, clientIP string) error {
	ctx, span := s.tracer.Start(ctx, "oauth.server.revoke")
	defer span.End()
	instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrTokenTypeHint, tokenTypeHint))

	if token == "" {
		return missingParameter("token")
	}

	order := []string{TokenTypeHintAccessToken, TokenTypeHintRefreshToken}
	if tokenTypeHint == TokenTypeHintRefreshToken {
		order = []string{TokenTypeHintRefreshToken, TokenTypeHintAccessToken}
	}

	for _, kind := range order {
		revoked, err := s.revokeKind(ctx, kind, token)
		if err != nil {
			instrumentation.RecordError(span, err)
			return err
		}
		if !revoked {
			continue
		}

		s.Logger.Info("Token revoked",
			"token_type", kind,
			"token_prefix", util.SafeTruncate(token, logPrefixLength))
		s.Auditor.LogTokenRevoked("", clientIP, kind)
		if m := s.metrics(); m != nil {
			m.RecordTokenRevocation(ctx, kind)
		}
		instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrTokenType, kind))
		break
	}

	instrumentation.SetSpanSuccess(span)
	return nil
}

// revokeKind revokes token as the given kind and reports whether it was live.
func (s *Server) revokeKind(ctx context.Context, kind, token string) (bool, error) {
	var err error
	switch kind {
	case TokenTypeHintAccessToken:
		err = s.store.RevokeAccessToken(ctx, token)
	default:
		err = s.store.RevokeRefreshToken(ctx, token)
		if err == nil && s.Config.CascadeRefreshTokenRevocation {
			n, cerr := s.store.RevokeAccessTokensForRefreshToken(ctx, token)
			if cerr != nil {
				return true, cerr
			}
			s.Logger.Debug("Cascaded refresh token revocation", "access_tokens_revoked", n)
		}
	}
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, storage.ErrNotFound):
		return false, nil
	default:
		return false, err
	}
}
