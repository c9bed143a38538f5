// Package testutil provides test fixtures shared across packages: a
// controllable clock, PKCE pairs and small HTTP request helpers.
package testutil
