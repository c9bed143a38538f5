package util

import (
	"slices"
	"strings"
)

// SafeTruncate returns at most the first maxLen bytes of s. Used to log a
// recognisable prefix of a code or token without the rest of it.
//
//	SafeTruncate("very-long-token-abc123", 8) // "very-lon"
//	SafeTruncate("short", 10)                  // "short"
func SafeTruncate(s string, maxLen int) string {
	if maxLen < 0 {
		return ""
	}
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}

// NormalizeURL strips trailing slashes so issuer and resource identifiers
// compare equal with or without them.
func NormalizeURL(url string) string {
	return strings.TrimRight(url, "/")
}

// ParseScope splits a space-delimited scope string, dropping empty entries and
// duplicates while keeping the first-seen order.
func ParseScope(scope string) []string {
	fields := strings.Fields(scope)
	if len(fields) == 0 {
		return nil
	}
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if !slices.Contains(out, f) {
			out = append(out, f)
		}
	}
	return out
}

// JoinScope renders scopes in wire form.
func JoinScope(scopes []string) string {
	return strings.Join(scopes, " ")
}

// IsSubset reports whether every element of sub appears in super.
func IsSubset(sub, super []string) bool {
	for _, s := range sub {
		if !slices.Contains(super, s) {
			return false
		}
	}
	return true
}
