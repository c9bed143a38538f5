package security

// Event types written by the Auditor.
const (
	// EventAuthorizationCodeIssued is logged when /authorize issues a code.
	EventAuthorizationCodeIssued = "authorization_code_issued"

	// EventTokenIssued is logged when a code is exchanged for tokens.
	EventTokenIssued = "token_issued"

	// EventTokenRefreshed is logged when a refresh grant mints a new access token.
	EventTokenRefreshed = "token_refreshed"

	// EventTokenRevoked is logged when a revocation request removed a live token.
	EventTokenRevoked = "token_revoked" //nolint:gosec // G101: event name, not a credential

	// EventAuthFailure is logged for client authentication failures.
	EventAuthFailure = "auth_failure"

	// EventGrantFailure is logged when a token request is answered with invalid_grant.
	// The internal cause is recorded here and nowhere on the wire.
	EventGrantFailure = "grant_failure"

	// EventPKCEValidationFailed is logged when a code_verifier does not match.
	EventPKCEValidationFailed = "pkce_validation_failed"

	// EventScopeEscalationAttempt is logged when a refresh asks for more scope than granted.
	EventScopeEscalationAttempt = "scope_escalation_attempt"

	// EventRateLimitExceeded is logged when a client exceeds its request budget.
	EventRateLimitExceeded = "rate_limit_exceeded"

	// EventBearerRejected is logged by the resource server guard.
	EventBearerRejected = "bearer_rejected"

	// EventStoreReset is logged when the admin reset endpoint clears all state.
	EventStoreReset = "store_reset"
)
