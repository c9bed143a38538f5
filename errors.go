package oauth

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/giantswarm/mcp-time-oauth/server"
	"github.com/giantswarm/mcp-time-oauth/storage"
)

// OAuth error codes as constants
const (
	ErrorCodeInvalidRequest          = "invalid_request"
	ErrorCodeInvalidGrant            = "invalid_grant"
	ErrorCodeInvalidClient           = "invalid_client"
	ErrorCodeInvalidScope            = "invalid_scope"
	ErrorCodeInvalidToken            = "invalid_token"
	ErrorCodeInsufficientScope       = "insufficient_scope"
	ErrorCodeUnsupportedGrantType    = "unsupported_grant_type"
	ErrorCodeUnsupportedResponseType = "unsupported_response_type"
	ErrorCodeServerError             = "server_error"
	ErrorCodeRateLimitExceeded       = "rate_limit_exceeded"
)

// OAuthError represents an OAuth 2.0 error response
type OAuthError struct {
	Code        string // OAuth error code (e.g., "invalid_request", "invalid_grant")
	Description string // Human-readable error description
	Status      int    // HTTP status code
}

// Error implements the error interface
func (e *OAuthError) Error() string {
	if e.Description == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// NewOAuthError creates a new OAuth error
func NewOAuthError(code, description string, status int) *OAuthError {
	return &OAuthError{
		Code:        code,
		Description: description,
		Status:      status,
	}
}

// Common OAuth errors as reusable constructors
var (
	// ErrInvalidRequest indicates the request is malformed or missing required parameters
	ErrInvalidRequest = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeInvalidRequest, desc, http.StatusBadRequest)
	}

	// ErrInvalidGrant indicates the authorization code or refresh token is not usable
	ErrInvalidGrant = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeInvalidGrant, desc, http.StatusBadRequest)
	}

	// ErrInvalidClient indicates client authentication failed
	ErrInvalidClient = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeInvalidClient, desc, http.StatusUnauthorized)
	}

	// ErrInvalidScope indicates the requested scope is invalid or exceeds the grant
	ErrInvalidScope = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeInvalidScope, desc, http.StatusBadRequest)
	}

	// ErrInvalidToken indicates the access token is missing, invalid or expired
	ErrInvalidToken = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeInvalidToken, desc, http.StatusUnauthorized)
	}

	// ErrInsufficientScope indicates a valid token lacks the scope an operation needs
	ErrInsufficientScope = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeInsufficientScope, desc, http.StatusForbidden)
	}

	// ErrUnsupportedGrantType indicates the grant type is not supported
	ErrUnsupportedGrantType = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeUnsupportedGrantType, desc, http.StatusBadRequest)
	}

	// ErrUnsupportedResponseType indicates a response_type other than code
	ErrUnsupportedResponseType = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeUnsupportedResponseType, desc, http.StatusBadRequest)
	}

	// ErrServerError indicates an internal server error occurred
	ErrServerError = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeServerError, desc, http.StatusInternalServerError)
	}
)

// oauthErrorFrom maps a server error to its wire form. Only invalid_request,
// invalid_scope and unsupported_response_type carry the server's description;
// every other kind gets a fixed one so no internal cause reaches the caller.
func oauthErrorFrom(err error) *OAuthError {
	var oe *OAuthError
	if errors.As(err, &oe) {
		return oe
	}

	desc := server.Description(err)
	switch {
	case errors.Is(err, server.ErrUnsupportedChallengeMethod):
		return ErrInvalidRequest(server.ErrUnsupportedChallengeMethod.Error())
	case errors.Is(err, server.ErrInvalidRedirectURI):
		return ErrInvalidRequest(desc)
	case errors.Is(err, server.ErrInvalidRequest):
		return ErrInvalidRequest(desc)
	case errors.Is(err, server.ErrInvalidGrant):
		return ErrInvalidGrant("")
	case errors.Is(err, server.ErrInvalidScope):
		return ErrInvalidScope(desc)
	case errors.Is(err, server.ErrInvalidClient):
		return ErrInvalidClient("client authentication failed")
	case errors.Is(err, server.ErrUnsupportedResponseType):
		return ErrUnsupportedResponseType(desc)
	case errors.Is(err, server.ErrInvalidToken):
		return ErrInvalidToken("")
	case errors.Is(err, storage.ErrConflict):
		return ErrServerError("")
	default:
		return ErrServerError("")
	}
}
