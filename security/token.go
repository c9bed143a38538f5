package security

import (
	"crypto/subtle"

	"golang.org/x/oauth2"
)

// TokenEntropyBytes is the number of random bytes behind every authorization
// code, access token and refresh token.
const TokenEntropyBytes = 32

// GenerateToken returns an unguessable URL-safe token: 32 bytes from crypto/rand,
// base64url encoded without padding (43 characters).
// It panics if the system random source fails.
func GenerateToken() string {
	return oauth2.GenerateVerifier()
}

// TokensEqual compares two token strings in constant time.
func TokensEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
