package server

import (
	"errors"
	"fmt"
)

// Error kinds. Test with errors.Is; the HTTP layer maps each kind to an OAuth
// error code.
var (
	ErrInvalidRequest             = errors.New("invalid_request")
	ErrInvalidClient              = errors.New("invalid_client")
	ErrInvalidGrant               = errors.New("invalid_grant")
	ErrInvalidScope               = errors.New("invalid_scope")
	ErrUnsupportedChallengeMethod = errors.New("code_challenge_method not supported")
	ErrUnsupportedResponseType    = errors.New("unsupported_response_type")
	ErrInvalidRedirectURI         = errors.New("invalid redirect_uri")
	ErrInvalidToken               = errors.New("invalid_token")
)

// Error is a kind plus a description safe to show to the caller.
type Error struct {
	Kind        error
	Description string

	// PreRedirect is set for authorization errors raised before the redirect URI
	// was validated. They must not be sent to the redirect URI.
	PreRedirect bool
}

func (e *Error) Error() string {
	if e.Description == "" {
		return e.Kind.Error()
	}
	return e.Kind.Error() + ": " + e.Description
}

func (e *Error) Unwrap() error { return e.Kind }

func newError(kind error, format string, args ...any) *Error {
	return &Error{Kind: kind, Description: fmt.Sprintf(format, args...)}
}

func preRedirect(kind error, format string, args ...any) *Error {
	e := newError(kind, format, args...)
	e.PreRedirect = true
	return e
}

// missingParameter is the invalid_request error naming the absent parameter.
func missingParameter(name string) *Error {
	return newError(ErrInvalidRequest, "missing required parameter: %s", name)
}

// Description returns the caller-safe description carried by err, if any.
func Description(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Description
	}
	return ""
}

// IsPreRedirect reports whether err must be shown directly rather than sent to
// the client's redirect URI.
func IsPreRedirect(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.PreRedirect
}

// grantFailure is the internal cause of an invalid_grant. It goes to debug logs,
// the audit trail and a metric label, never to the caller.
type grantFailure string

const (
	failureCodeUnknown       grantFailure = "code_unknown"
	failureCodeConsumed      grantFailure = "code_consumed"
	failureCodeExpired       grantFailure = "code_expired"
	failureClientMismatch    grantFailure = "client_mismatch"
	failureRedirectMismatch  grantFailure = "redirect_uri_mismatch"
	failurePKCEMismatch      grantFailure = "pkce_mismatch"
	failureRefreshUnknown    grantFailure = "refresh_unknown"
	failureRefreshExpired    grantFailure = "refresh_expired"
	failureRefreshRotated    grantFailure = "refresh_rotated"
	failureRefreshRotateRace grantFailure = "refresh_rotation_race"
)
