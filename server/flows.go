package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/mcp-time-oauth/instrumentation"
	"github.com/giantswarm/mcp-time-oauth/internal/util"
	"github.com/giantswarm/mcp-time-oauth/pkce"
	"github.com/giantswarm/mcp-time-oauth/security"
	"github.com/giantswarm/mcp-time-oauth/storage"
)

// Grant types accepted at the token endpoint.
const (
	GrantTypeAuthorizationCode = "authorization_code"
	GrantTypeRefreshToken      = "refresh_token"
)

// AuthorizationRequest carries the parameters of an /authorize request.
type AuthorizationRequest struct {
	ResponseType        string
	ClientID            string
	RedirectURI         string
	Scope               string
	State               string
	CodeChallenge       string
	CodeChallengeMethod string
	ClientIP            string
}

// TokenRequest carries an authorization_code grant.
type TokenRequest struct {
	Code         string
	ClientID     string
	RedirectURI  string
	CodeVerifier string
	ClientIP     string
}

// RefreshRequest carries a refresh_token grant. An empty Scope keeps the
// scope of the refresh token. ClientID is empty when the caller neither sent
// client_id nor authenticated.
type RefreshRequest struct {
	RefreshToken string
	ClientID     string
	Scope        string
	ClientIP     string
}

// Tokens is the result of a successful grant.
type Tokens struct {
	AccessToken  string
	TokenType    string
	ExpiresIn    int64
	RefreshToken string
	Scopes       []string
}

// Scope returns the granted scopes in wire form.
func (t *Tokens) Scope() string {
	return util.JoinScope(t.Scopes)
}

// Authorize validates an authorization request and issues a single-use code
// bound to the client, redirect URI and PKCE challenge.
func (s *Server) Authorize(ctx context.Context, req AuthorizationRequest) (_ *storage.AuthorizationCode, err error) {
	ctx, span := s.tracer.Start(ctx, "oauth.server.authorize")
	defer span.End()
	instrumentation.AddOAuthFlowAttributes(span, req.ClientID, req.Scope)
	s.tagClientIP(span, req.ClientIP)
	defer func() {
		if err != nil {
			instrumentation.RecordError(span, err)
		}
	}()

	// Client and redirect URI first: until both are known good, errors must not
	// be sent to the redirect URI.
	if req.ClientID == "" {
		return nil, preRedirect(ErrInvalidRequest, "missing required parameter: client_id")
	}
	client, ok := s.clients.Get(req.ClientID)
	if !ok {
		return nil, preRedirect(ErrInvalidClient, "unknown client")
	}
	if req.RedirectURI == "" {
		return nil, preRedirect(ErrInvalidRequest, "missing required parameter: redirect_uri")
	}
	if !client.HasRedirectURI(req.RedirectURI) {
		return nil, preRedirect(ErrInvalidRedirectURI, "redirect_uri is not registered for this client")
	}

	if req.ResponseType == "" {
		return nil, missingParameter("response_type")
	}
	if req.ResponseType != "code" {
		return nil, newError(ErrUnsupportedResponseType, "only response_type=code is supported")
	}
	if req.CodeChallenge == "" {
		return nil, missingParameter("code_challenge")
	}
	method := req.CodeChallengeMethod
	if method == "" {
		// RFC 7636 defaults to plain, which is not supported.
		return nil, newError(ErrUnsupportedChallengeMethod, "code_challenge_method not supported")
	}
	if err := pkce.ValidateMethod(method); err != nil {
		return nil, newError(ErrUnsupportedChallengeMethod, "code_challenge_method not supported")
	}
	if err := pkce.ValidateChallenge(req.CodeChallenge); err != nil {
		return nil, newError(ErrInvalidRequest, "code_challenge must be 43 base64url characters")
	}

	scopes, err := s.resolveScopes(client, req.Scope)
	if err != nil {
		return nil, err
	}

	now := s.now()
	code := &storage.AuthorizationCode{
		ClientID:            client.ClientID,
		RedirectURI:         req.RedirectURI,
		Scopes:              scopes,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: method,
		State:               req.State,
		IssuedAt:            now,
		ExpiresAt:           now.Add(time.Duration(s.Config.AuthorizationCodeTTL) * time.Second),
	}

	for attempt := 1; ; attempt++ {
		code.Code = security.GenerateToken()
		err = s.store.PutAuthCode(ctx, code)
		if err == nil {
			break
		}
		if !errors.Is(err, storage.ErrConflict) || attempt >= maxIssueAttempts {
			return nil, fmt.Errorf("failed to store authorization code: %w", err)
		}
	}

	s.Logger.Debug("Issued authorization code",
		"client_id", client.ClientID,
		"code_prefix", util.SafeTruncate(code.Code, logPrefixLength),
		"scope", util.JoinScope(scopes))
	s.Auditor.LogCodeIssued(client.ClientID, req.ClientIP, util.JoinScope(scopes))
	if m := s.metrics(); m != nil {
		m.RecordCodeIssued(ctx, client.ClientID)
	}
	instrumentation.SetSpanSuccess(span)

	return code.Clone(), nil
}

// resolveScopes returns the requested scopes, or the client's scopes when none
// were requested.
func (s *Server) resolveScopes(client *Client, requested string) ([]string, error) {
	scopes := util.ParseScope(requested)
	if len(scopes) == 0 {
		return append([]string(nil), client.Scopes...), nil
	}
	if !util.IsSubset(scopes, s.Config.SupportedScopes) {
		return nil, newError(ErrInvalidScope, "requested scope is not supported")
	}
	if !util.IsSubset(scopes, client.Scopes) {
		return nil, newError(ErrInvalidScope, "client is not allowed the requested scope")
	}
	return scopes, nil
}

// ExchangeAuthorizationCode redeems a code for tokens. The code is consumed
// before any other check, so a failed redemption also burns it.
func (s *Server) ExchangeAuthorizationCode(ctx context.Context, req TokenRequest) (_ *Tokens, err error) {
	ctx, span := s.tracer.Start(ctx, "oauth.server.exchange_code",
		trace.WithAttributes(attribute.String(instrumentation.AttrGrantType, GrantTypeAuthorizationCode)))
	defer span.End()
	instrumentation.AddOAuthFlowAttributes(span, req.ClientID, "")
	s.tagClientIP(span, req.ClientIP)

	switch {
	case req.Code == "":
		return nil, missingParameter("code")
	case req.ClientID == "":
		return nil, missingParameter("client_id")
	case req.RedirectURI == "":
		return nil, missingParameter("redirect_uri")
	case req.CodeVerifier == "":
		return nil, missingParameter("code_verifier")
	}

	fail := func(reason grantFailure) (*Tokens, error) {
		s.recordGrantFailure(ctx, span, GrantTypeAuthorizationCode, reason, req.ClientID, req.ClientIP)
		return nil, ErrInvalidGrant
	}

	code, err := s.store.ConsumeAuthCode(ctx, req.Code)
	if err != nil {
		switch storage.NotFoundReason(err) {
		case storage.ReasonConsumed:
			return fail(failureCodeConsumed)
		case storage.ReasonExpired:
			return fail(failureCodeExpired)
		case storage.ReasonUnknown:
			return fail(failureCodeUnknown)
		}
		instrumentation.RecordError(span, err)
		return nil, fmt.Errorf("failed to consume authorization code: %w", err)
	}

	if code.ClientID != req.ClientID {
		return fail(failureClientMismatch)
	}
	if code.RedirectURI != req.RedirectURI {
		return fail(failureRedirectMismatch)
	}
	if !s.pkce.VerifyWithMethod(code.CodeChallengeMethod, req.CodeVerifier, code.CodeChallenge) {
		s.Auditor.LogEvent(security.Event{
			Type:      security.EventPKCEValidationFailed,
			ClientID:  req.ClientID,
			IPAddress: req.ClientIP,
		})
		if m := s.metrics(); m != nil {
			m.RecordPKCEValidationFailed(ctx, code.CodeChallengeMethod)
		}
		return fail(failurePKCEMismatch)
	}

	tokens, err := s.issueTokens(ctx, code.ClientID, code.Scopes, code.Scopes)
	if err != nil {
		instrumentation.RecordError(span, err)
		return nil, err
	}

	s.Auditor.LogTokenIssued(code.ClientID, req.ClientIP, tokens.Scope())
	if m := s.metrics(); m != nil {
		m.RecordCodeExchange(ctx, code.ClientID, code.CodeChallengeMethod)
	}
	instrumentation.SetSpanSuccess(span)
	return tokens, nil
}

// issueTokens mints a refresh token with refreshScopes and an access token
// with accessScopes linked to it.
func (s *Server) issueTokens(ctx context.Context, clientID string, accessScopes, refreshScopes []string) (*Tokens, error) {
	now := s.now()

	refresh := &storage.RefreshToken{
		ClientID: clientID,
		Scopes:   append([]string(nil), refreshScopes...),
		IssuedAt: now,
	}
	if ttl := s.Config.RefreshTokenTTL; ttl > 0 {
		refresh.ExpiresAt = now.Add(time.Duration(ttl) * time.Second)
	}
	if err := s.putWithRetry(func() error {
		refresh.Token = security.GenerateToken()
		return s.store.PutRefreshToken(ctx, refresh)
	}); err != nil {
		return nil, fmt.Errorf("failed to store refresh token: %w", err)
	}

	access, err := s.issueAccessToken(ctx, clientID, accessScopes, refresh.Token, now)
	if err != nil {
		if rerr := s.store.RevokeRefreshToken(ctx, refresh.Token); rerr != nil {
			s.Logger.Warn("Failed to remove orphaned refresh token", "error", rerr)
		}
		return nil, err
	}

	return &Tokens{
		AccessToken:  access.Token,
		TokenType:    "Bearer",
		ExpiresIn:    s.Config.AccessTokenTTL,
		RefreshToken: refresh.Token,
		Scopes:       access.Scopes,
	}, nil
}

func (s *Server) issueAccessToken(ctx context.Context, clientID string, scopes []string, refreshToken string, now time.Time) (*storage.AccessToken, error) {
	access := &storage.AccessToken{
		ID:           uuid.NewString(),
		ClientID:     clientID,
		Scopes:       append([]string(nil), scopes...),
		IssuedAt:     now,
		ExpiresAt:    now.Add(time.Duration(s.Config.AccessTokenTTL) * time.Second),
		RefreshToken: refreshToken,
	}
	if err := s.putWithRetry(func() error {
		access.Token = security.GenerateToken()
		return s.store.PutAccessToken(ctx, access)
	}); err != nil {
		return nil, fmt.Errorf("failed to store access token: %w", err)
	}
	return access, nil
}

// putWithRetry retries put on key collisions, up to maxIssueAttempts.
func (s *Server) putWithRetry(put func() error) error {
	var err error
	for attempt := 0; attempt < maxIssueAttempts; attempt++ {
		if err = put(); !errors.Is(err, storage.ErrConflict) {
			return err
		}
		s.Logger.Warn("Token collision, regenerating", "attempt", attempt+1)
	}
	return err
}

// RefreshAccessToken mints a new access token from a refresh token. Unless
// rotation is disabled the presented refresh token is retired and replaced.
func (s *Server) RefreshAccessToken(ctx context.Context, req RefreshRequest) (_ *Tokens, err error) {
	ctx, span := s.tracer.Start(ctx, "oauth.server.refresh",
		trace.WithAttributes(attribute.String(instrumentation.AttrGrantType, GrantTypeRefreshToken)))
	defer span.End()
	instrumentation.AddOAuthFlowAttributes(span, req.ClientID, req.Scope)
	s.tagClientIP(span, req.ClientIP)

	if req.RefreshToken == "" {
		return nil, missingParameter("refresh_token")
	}

	fail := func(reason grantFailure) (*Tokens, error) {
		s.recordGrantFailure(ctx, span, GrantTypeRefreshToken, reason, req.ClientID, req.ClientIP)
		return nil, ErrInvalidGrant
	}
	failFromStore := func(err error) (*Tokens, error) {
		switch storage.NotFoundReason(err) {
		case storage.ReasonExpired:
			return fail(failureRefreshExpired)
		case storage.ReasonRotated:
			return fail(failureRefreshRotated)
		case storage.ReasonUnknown, storage.ReasonConsumed:
			return fail(failureRefreshUnknown)
		}
		instrumentation.RecordError(span, err)
		return nil, fmt.Errorf("failed to read refresh token: %w", err)
	}

	current, err := s.store.GetRefreshToken(ctx, req.RefreshToken)
	if err != nil {
		return failFromStore(err)
	}
	// client_id is optional on this grant; when sent it must match, and
	// tokens of confidential clients still require the client to authenticate.
	if req.ClientID == "" {
		if owner, ok := s.clients.Get(current.ClientID); ok && !owner.IsPublic() {
			return fail(failureClientMismatch)
		}
	} else if current.ClientID != req.ClientID {
		return fail(failureClientMismatch)
	}

	// Scope is checked before rotation so a rejected request leaves the token usable.
	scopes := util.ParseScope(req.Scope)
	if len(scopes) == 0 {
		scopes = current.Scopes
	} else if !util.IsSubset(scopes, current.Scopes) {
		s.Auditor.LogEvent(security.Event{
			Type:      security.EventScopeEscalationAttempt,
			ClientID:  current.ClientID,
			IPAddress: req.ClientIP,
			Details:   map[string]any{"requested": req.Scope},
		})
		instrumentation.SetSpanError(span, "invalid_scope")
		return nil, newError(ErrInvalidScope, "requested scope exceeds the original grant")
	}

	refreshToken := current.Token
	rotated := !s.Config.DisableRefreshTokenRotation
	now := s.now()

	if rotated {
		next := &storage.RefreshToken{
			ClientID: current.ClientID,
			Scopes:   current.Scopes,
			IssuedAt: now,
		}
		if ttl := s.Config.RefreshTokenTTL; ttl > 0 {
			next.ExpiresAt = now.Add(time.Duration(ttl) * time.Second)
		}
		err := s.putWithRetry(func() error {
			next.Token = security.GenerateToken()
			return s.store.RotateRefreshToken(ctx, current.Token, next)
		})
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				// Another request rotated it between our read and this write.
				return fail(failureRefreshRotateRace)
			}
			instrumentation.RecordError(span, err)
			return nil, fmt.Errorf("failed to rotate refresh token: %w", err)
		}
		refreshToken = next.Token

		// The access tokens minted from the retired refresh token go with it.
		n, err := s.store.RevokeAccessTokensForRefreshToken(ctx, current.Token)
		if err != nil {
			instrumentation.RecordError(span, err)
			return nil, fmt.Errorf("failed to revoke superseded access tokens: %w", err)
		}
		s.Logger.Debug("Revoked superseded access tokens", "client_id", current.ClientID, "count", n)
	}

	access, err := s.issueAccessToken(ctx, current.ClientID, scopes, refreshToken, now)
	if err != nil {
		instrumentation.RecordError(span, err)
		return nil, err
	}

	s.Logger.Debug("Refreshed access token",
		"client_id", current.ClientID,
		"rotated", rotated,
		"scope", util.JoinScope(scopes))
	s.Auditor.LogTokenRefreshed(current.ClientID, req.ClientIP, rotated)
	if m := s.metrics(); m != nil {
		m.RecordTokenRefresh(ctx, current.ClientID, rotated)
	}
	instrumentation.SetSpanAttributes(span, attribute.Bool(instrumentation.AttrTokenRotated, rotated))
	instrumentation.SetSpanSuccess(span)

	return &Tokens{
		AccessToken:  access.Token,
		TokenType:    "Bearer",
		ExpiresIn:    s.Config.AccessTokenTTL,
		RefreshToken: refreshToken,
		Scopes:       access.Scopes,
	}, nil
}
