package instrumentation

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Attribute keys. Token and code values must never be recorded; use their
// presence or type instead.
const (
	AttrClientID           = "oauth.client_id"
	AttrScope              = "oauth.scope"
	AttrPKCEMethod         = "oauth.pkce.method"
	AttrGrantType          = "oauth.grant_type"
	AttrGrantFailureReason = "oauth.grant.failure_reason"
	AttrTokenRotated       = "oauth.token.rotated"   //nolint:gosec // G101: attribute key, not a credential
	AttrTokenType          = "oauth.token_type"      //nolint:gosec // G101: attribute key, not a credential
	AttrTokenTypeHint      = "oauth.token_type_hint" //nolint:gosec // G101: attribute key, not a credential
	AttrTokenActive        = "oauth.token.active"    //nolint:gosec // G101: attribute key, not a credential
	AttrExpiresIn          = "oauth.expires_in"
	AttrError              = "oauth.error"

	AttrStorageOperation = "storage.operation"
	AttrStorageResult    = "storage.result"
	AttrStorageType      = "storage.type"

	AttrClientIP    = "security.client_ip"
	AttrGuardReason = "security.guard.reason"

	AttrToolName   = "mcp.tool.name"
	AttrToolResult = "mcp.tool.result"

	AttrHTTPEndpoint   = "http.endpoint"
	AttrHTTPMethod     = "http.method"
	AttrHTTPStatusCode = "http.status_code"
)

// RecordError records err on the span and marks it failed.
func RecordError(span trace.Span, err error) {
	if span != nil && err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// SetSpanSuccess marks the span as successful.
func SetSpanSuccess(span trace.Span) {
	if span != nil {
		span.SetStatus(codes.Ok, "")
	}
}

// SetSpanError marks the span failed without recording an error event.
func SetSpanError(span trace.Span, message string) {
	if span != nil {
		span.SetStatus(codes.Error, message)
	}
}

// SetSpanAttributes sets attributes on a possibly nil span.
func SetSpanAttributes(span trace.Span, attrs ...attribute.KeyValue) {
	if span != nil {
		span.SetAttributes(attrs...)
	}
}

// AddOAuthFlowAttributes tags a span with the non-secret flow identifiers.
func AddOAuthFlowAttributes(span trace.Span, clientID, scope string) {
	if clientID != "" {
		SetSpanAttributes(span, attribute.String(AttrClientID, clientID))
	}
	if scope != "" {
		SetSpanAttributes(span, attribute.String(AttrScope, scope))
	}
}

// AddClientIPAttribute tags a span with the caller's IP. Client IPs can be
// personal data: call it only when Instrumentation.ShouldLogClientIPs is true.
func AddClientIPAttribute(span trace.Span, clientIP string) {
	if clientIP != "" {
		SetSpanAttributes(span, attribute.String(AttrClientIP, clientIP))
	}
}

// AddStorageAttributes tags a storage span.
func AddStorageAttributes(span trace.Span, operation, storageType string) {
	SetSpanAttributes(span,
		attribute.String(AttrStorageOperation, operation),
		attribute.String(AttrStorageType, storageType),
	)
}
