// Package server implements the authorization server state machine: code
// issuance with PKCE, code redemption, refresh with rotation, introspection and
// revocation. It has no HTTP dependencies; the root oauth package adapts it to
// the OAuth 2.1 endpoints.
//
// Every failed redemption of a code or refresh token surfaces as
// ErrInvalidGrant. The internal cause is only visible in debug logs, the
// audit trail and the grant failure metric.
package server
