package storage

import (
	"context"
	"errors"
	"slices"
	"time"
)

var (
	// ErrNotFound is returned for unknown, consumed, rotated, revoked or expired records.
	ErrNotFound = errors.New("storage: not found")

	// ErrConflict is returned when a record is inserted under a key that is already taken.
	ErrConflict = errors.New("storage: key already exists")
)

// Reasons carried by NotFoundError.
const (
	ReasonUnknown  = "unknown"
	ReasonConsumed = "consumed"
	ReasonExpired  = "expired"
	ReasonRotated  = "rotated"
)

// NotFoundError is ErrNotFound with the internal cause attached. Its message
// is identical for every cause so it can never leak the cause to a caller that
// only prints errors.
type NotFoundError struct {
	Reason string
}

func (e *NotFoundError) Error() string { return ErrNotFound.Error() }

// Is makes errors.Is(err, ErrNotFound) hold for every NotFoundError.
func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// NotFound returns an ErrNotFound carrying reason.
func NotFound(reason string) error {
	return &NotFoundError{Reason: reason}
}

// NotFoundReason extracts the cause from err, or "" if err is not a not-found error.
func NotFoundReason(err error) string {
	var nf *NotFoundError
	if errors.As(err, &nf) {
		return nf.Reason
	}
	if errors.Is(err, ErrNotFound) {
		return ReasonUnknown
	}
	return ""
}

// AuthorizationCode is a single-use grant bound to a client, redirect URI and PKCE challenge.
type AuthorizationCode struct {
	Code                string
	ClientID            string
	RedirectURI         string
	Scopes              []string
	CodeChallenge       string
	CodeChallengeMethod string
	State               string
	IssuedAt            time.Time
	ExpiresAt           time.Time
	Consumed            bool
}

// Clone returns a deep copy.
func (c *AuthorizationCode) Clone() *AuthorizationCode {
	if c == nil {
		return nil
	}
	out := *c
	out.Scopes = slices.Clone(c.Scopes)
	return &out
}

// AccessToken is an opaque bearer token.
type AccessToken struct {
	Token string
	// ID is a non-secret identifier safe for logs and introspection responses.
	ID        string
	ClientID  string
	Scopes    []string
	IssuedAt  time.Time
	ExpiresAt time.Time
	// RefreshToken links the access token to the refresh token it was minted
	// with, if any.
	RefreshToken string
}

// Clone returns a deep copy.
func (t *AccessToken) Clone() *AccessToken {
	if t == nil {
		return nil
	}
	out := *t
	out.Scopes = slices.Clone(t.Scopes)
	return &out
}

// RefreshToken mints new access tokens without user interaction.
type RefreshToken struct {
	Token    string
	ClientID string
	Scopes   []string
	IssuedAt time.Time
	// ExpiresAt of zero means the token never expires.
	ExpiresAt time.Time
	// Rotated is set once the token has been exchanged for a successor.
	Rotated bool
}

// Clone returns a deep copy.
func (t *RefreshToken) Clone() *RefreshToken {
	if t == nil {
		return nil
	}
	out := *t
	out.Scopes = slices.Clone(t.Scopes)
	return &out
}

// AuthCodeStore holds authorization codes.
type AuthCodeStore interface {
	// PutAuthCode inserts a new code. Returns ErrConflict if the code value is taken.
	PutAuthCode(ctx context.Context, code *AuthorizationCode) error

	// ConsumeAuthCode atomically marks a live code as consumed and returns it.
	// Of any number of concurrent callers with the same code, exactly one succeeds.
	ConsumeAuthCode(ctx context.Context, code string) (*AuthorizationCode, error)
}

// AccessTokenStore holds access tokens.
type AccessTokenStore interface {
	PutAccessToken(ctx context.Context, token *AccessToken) error

	// GetAccessToken returns a live token or ErrNotFound.
	GetAccessToken(ctx context.Context, token string) (*AccessToken, error)

	// RevokeAccessToken removes the token. Returns ErrNotFound if it was not live.
	RevokeAccessToken(ctx context.Context, token string) error
}

// RefreshTokenStore holds refresh tokens.
type RefreshTokenStore interface {
	PutRefreshToken(ctx context.Context, token *RefreshToken) error

	// GetRefreshToken returns a live, unrotated token or ErrNotFound.
	GetRefreshToken(ctx context.Context, token string) (*RefreshToken, error)

	// RevokeRefreshToken removes the token. Returns ErrNotFound if it was not live.
	RevokeRefreshToken(ctx context.Context, token string) error

	// RotateRefreshToken atomically retires old and stores next in its place.
	// Of any number of concurrent callers rotating the same token, exactly one
	// succeeds; the rest get ErrNotFound.
	RotateRefreshToken(ctx context.Context, old string, next *RefreshToken) error
}

// Stats reports live record counts.
type Stats struct {
	AuthCodes     int
	AccessTokens  int
	RefreshTokens int
}

// Store is the full persistence contract of the authorization server.
type Store interface {
	AuthCodeStore
	AccessTokenStore
	RefreshTokenStore

	// RevokeAccessTokensForRefreshToken removes every access token minted with
	// the given refresh token and returns how many were removed.
	RevokeAccessTokensForRefreshToken(ctx context.Context, refreshToken string) (int, error)

	// Reset drops every record.
	Reset(ctx context.Context) error

	// Stats returns current record counts, including records not yet swept.
	Stats(ctx context.Context) Stats
}
