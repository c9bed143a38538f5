// Package pkce implements the S256 code challenge used to bind an authorization
// code to the client that requested it (RFC 7636).
package pkce

import (
	"crypto/subtle"
	"errors"
	"fmt"

	"golang.org/x/oauth2"
)

// MethodS256 is the only supported code_challenge_method.
const MethodS256 = "S256"

// Code verifier length bounds from RFC 7636 Section 4.1.
const (
	MinVerifierLength = 43
	MaxVerifierLength = 128
)

// ChallengeLength is the length of a base64url (no padding) encoded SHA-256 digest.
const ChallengeLength = 43

var (
	// ErrUnsupportedMethod is returned for any code_challenge_method other than S256.
	ErrUnsupportedMethod = errors.New("unsupported code_challenge_method")

	// ErrInvalidVerifier is returned for verifiers outside the RFC 7636 length or charset.
	ErrInvalidVerifier = errors.New("invalid code_verifier")

	// ErrInvalidChallenge is returned for challenges that cannot be an S256 digest.
	ErrInvalidChallenge = errors.New("invalid code_challenge")
)

// ChallengeFrom computes base64url(SHA256(verifier)) without padding.
func ChallengeFrom(verifier string) string {
	return oauth2.S256ChallengeFromVerifier(verifier)
}

// NewVerifier returns a fresh high-entropy verifier (client side helper).
func NewVerifier() string {
	return oauth2.GenerateVerifier()
}

// ValidateMethod checks that method is S256.
func ValidateMethod(method string) error {
	if method != MethodS256 {
		return fmt.Errorf("%w: %q (supported: %s)", ErrUnsupportedMethod, method, MethodS256)
	}
	return nil
}

// ValidateVerifier checks length and the unreserved character set [A-Za-z0-9-._~].
func ValidateVerifier(verifier string) error {
	return Checker{}.ValidateVerifier(verifier)
}

// Checker verifies S256 challenges. The zero value enforces the RFC 7636 bounds.
// MinVerifierLength may be lowered for legacy clients that send short verifiers.
type Checker struct {
	MinVerifierLength int
}

func (c Checker) minLength() int {
	if c.MinVerifierLength <= 0 || c.MinVerifierLength > MaxVerifierLength {
		return MinVerifierLength
	}
	return c.MinVerifierLength
}

// ValidateVerifier checks length and the unreserved character set [A-Za-z0-9-._~].
func (c Checker) ValidateVerifier(verifier string) error {
	if minLen := c.minLength(); len(verifier) < minLen {
		return fmt.Errorf("%w: must be at least %d characters", ErrInvalidVerifier, minLen)
	}
	if len(verifier) > MaxVerifierLength {
		return fmt.Errorf("%w: must be at most %d characters", ErrInvalidVerifier, MaxVerifierLength)
	}
	for i := 0; i < len(verifier); i++ {
		if !isUnreserved(verifier[i]) {
			return fmt.Errorf("%w: contains characters outside [A-Za-z0-9-._~]", ErrInvalidVerifier)
		}
	}
	return nil
}

// ValidateChallenge checks that challenge has the shape of an S256 challenge.
func ValidateChallenge(challenge string) error {
	if len(challenge) != ChallengeLength {
		return fmt.Errorf("%w: must be %d characters", ErrInvalidChallenge, ChallengeLength)
	}
	for i := 0; i < len(challenge); i++ {
		c := challenge[i]
		if !isAlphaNum(c) && c != '-' && c != '_' {
			return fmt.Errorf("%w: must be base64url without padding", ErrInvalidChallenge)
		}
	}
	return nil
}

// Verify reports whether verifier hashes to challenge under S256.
// Malformed input fails closed.
func Verify(verifier, challenge string) bool {
	return VerifyWithMethod(MethodS256, verifier, challenge)
}

// VerifyWithMethod is Verify with an explicit method; anything but S256 fails.
func VerifyWithMethod(method, verifier, challenge string) bool {
	return Checker{}.VerifyWithMethod(method, verifier, challenge)
}

// Verify reports whether verifier hashes to challenge under S256.
func (c Checker) Verify(verifier, challenge string) bool {
	return c.VerifyWithMethod(MethodS256, verifier, challenge)
}

// VerifyWithMethod is Verify with an explicit method; anything but S256 fails.
func (c Checker) VerifyWithMethod(method, verifier, challenge string) bool {
	if ValidateMethod(method) != nil || c.ValidateVerifier(verifier) != nil || challenge == "" {
		return false
	}
	computed := ChallengeFrom(verifier)
	return subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) == 1
}

func isAlphaNum(c byte) bool {
	return (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9')
}

func isUnreserved(c byte) bool {
	return isAlphaNum(c) || c == '-' || c == '.' || c == '_' || c == '~'
}
