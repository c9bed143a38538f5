// Package storage defines the records and store contracts of the authorization
// server: single-use authorization codes, access tokens and refresh tokens.
//
// Every lookup that fails for any reason (unknown, consumed, rotated, revoked
// or expired) returns ErrNotFound so that callers cannot tell the cases apart.
// Implementations return copies; mutating a returned record never changes
// stored state.
//
// The in-memory implementation lives in storage/memory.
package storage
