// Package util holds small helpers shared by the authorization server, the
// guard and the HTTP layer: log-safe truncation, URL normalization, scope
// string handling and loopback host detection.
package util
