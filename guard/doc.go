// Package guard protects resource server endpoints with bearer tokens issued
// by the authorization server.
//
// Tokens are checked by a Verifier: LocalVerifier reads the shared store when
// both servers run in one process, RemoteVerifier calls the RFC 7662
// introspection endpoint otherwise. Every rejection looks the same to the
// caller, a 401 invalid_token with a WWW-Authenticate challenge pointing at
// the RFC 9728 metadata document.
package guard
