package security

import "time"

// IsExpiredAt reports whether expiresAt lies more than gracePeriod before now.
// A zero expiresAt never expires.
func IsExpiredAt(expiresAt, now time.Time, gracePeriod time.Duration) bool {
	if expiresAt.IsZero() {
		return false
	}
	if gracePeriod < 0 {
		gracePeriod = 0
	}
	return !now.Before(expiresAt.Add(gracePeriod))
}

// SecondsUntil returns the whole seconds remaining until expiresAt, never negative.
func SecondsUntil(expiresAt, now time.Time) int64 {
	if expiresAt.IsZero() {
		return 0
	}
	remaining := int64(expiresAt.Sub(now) / time.Second)
	if remaining < 0 {
		return 0
	}
	return remaining
}
