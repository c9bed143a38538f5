package instrumentation

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds all metric instruments
type Metrics struct {
	// HTTP
	HTTPRequestsTotal   metric.Int64Counter
	HTTPRequestDuration metric.Float64Histogram

	// Authorization server
	AuthorizationCodesIssued metric.Int64Counter
	CodeExchanged            metric.Int64Counter
	TokenRefreshed           metric.Int64Counter
	TokenRevoked             metric.Int64Counter
	GrantFailures            metric.Int64Counter
	IntrospectionTotal       metric.Int64Counter

	// Security
	RateLimitExceeded    metric.Int64Counter
	PKCEValidationFailed metric.Int64Counter
	BearerRejected       metric.Int64Counter

	// Tools
	ToolCallsTotal   metric.Int64Counter
	ToolCallDuration metric.Float64Histogram

	// Storage
	StorageOperationTotal    metric.Int64Counter
	StorageOperationDuration metric.Float64Histogram
	StorageAuthCodes         metric.Int64ObservableGauge
	StorageAccessTokens      metric.Int64ObservableGauge
	StorageRefreshTokens     metric.Int64ObservableGauge
}

type counterSpec struct {
	dst   *metric.Int64Counter
	meter metric.Meter
	name  string
	desc  string
	unit  string
}

// newMetrics creates and registers all metric instruments
func newMetrics(inst *Instrumentation) (*Metrics, error) {
	m := &Metrics{}

	httpMeter := inst.Meter("http")
	serverMeter := inst.Meter("server")
	securityMeter := inst.Meter("security")
	toolsMeter := inst.Meter("tools")
	storageMeter := inst.Meter("storage")

	counters := []counterSpec{
		{&m.HTTPRequestsTotal, httpMeter, "oauth.http.requests", "Total number of HTTP requests", "{request}"},
		{&m.AuthorizationCodesIssued, serverMeter, "oauth.code.issued", "Authorization codes issued", "{code}"},
		{&m.CodeExchanged, serverMeter, "oauth.code.exchanged", "Authorization codes exchanged for tokens", "{exchange}"},
		{&m.TokenRefreshed, serverMeter, "oauth.token.refreshed", "Access tokens minted from refresh tokens", "{refresh}"},
		{&m.TokenRevoked, serverMeter, "oauth.token.revoked", "Tokens revoked", "{revocation}"},
		{&m.GrantFailures, serverMeter, "oauth.grant.failures", "Token requests refused with invalid_grant", "{failure}"},
		{&m.IntrospectionTotal, serverMeter, "oauth.introspection", "Introspection requests", "{request}"},
		{&m.RateLimitExceeded, securityMeter, "oauth.ratelimit.exceeded", "Requests rejected by rate limiting", "{request}"},
		{&m.PKCEValidationFailed, securityMeter, "oauth.pkce.validation_failed", "PKCE verifications that failed", "{failure}"},
		{&m.BearerRejected, securityMeter, "mcp.guard.rejected", "Bearer tokens rejected by the resource server", "{request}"},
		{&m.ToolCallsTotal, toolsMeter, "mcp.tool.calls", "Tool invocations", "{call}"},
		{&m.StorageOperationTotal, storageMeter, "storage.operation", "Storage operations", "{operation}"},
	}
	for _, c := range counters {
		counter, err := c.meter.Int64Counter(c.name, metric.WithDescription(c.desc), metric.WithUnit(c.unit))
		if err != nil {
			return nil, fmt.Errorf("failed to create %s counter: %w", c.name, err)
		}
		*c.dst = counter
	}

	var err error
	m.HTTPRequestDuration, err = httpMeter.Float64Histogram(
		"oauth.http.request.duration",
		metric.WithDescription("HTTP request duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create http.request.duration histogram: %w", err)
	}

	m.ToolCallDuration, err = toolsMeter.Float64Histogram(
		"mcp.tool.duration",
		metric.WithDescription("Tool invocation duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create tool.duration histogram: %w", err)
	}

	m.StorageOperationDuration, err = storageMeter.Float64Histogram(
		"storage.operation.duration",
		metric.WithDescription("Storage operation duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.operation.duration histogram: %w", err)
	}

	gauges := []struct {
		dst  *metric.Int64ObservableGauge
		name string
		desc string
	}{
		{&m.StorageAuthCodes, "storage.codes.count", "Authorization codes held in storage"},
		{&m.StorageAccessTokens, "storage.access_tokens.count", "Access tokens held in storage"},
		{&m.StorageRefreshTokens, "storage.refresh_tokens.count", "Refresh tokens held in storage"},
	}
	for _, g := range gauges {
		gauge, err := storageMeter.Int64ObservableGauge(g.name, metric.WithDescription(g.desc))
		if err != nil {
			return nil, fmt.Errorf("failed to create %s gauge: %w", g.name, err)
		}
		*g.dst = gauge
	}

	return m, nil
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, endpoint string, statusCode int, durationMs float64) {
	attrs := metric.WithAttributes(
		attribute.String(AttrHTTPMethod, method),
		attribute.String(AttrHTTPEndpoint, endpoint),
		attribute.Int(AttrHTTPStatusCode, statusCode),
	)
	m.HTTPRequestsTotal.Add(ctx, 1, attrs)
	m.HTTPRequestDuration.Record(ctx, durationMs, metric.WithAttributes(attribute.String(AttrHTTPEndpoint, endpoint)))
}

// RecordCodeIssued records an authorization code being issued
func (m *Metrics) RecordCodeIssued(ctx context.Context, clientID string) {
	m.AuthorizationCodesIssued.Add(ctx, 1, metric.WithAttributes(attribute.String(AttrClientID, clientID)))
}

// RecordCodeExchange records a successful authorization code exchange
func (m *Metrics) RecordCodeExchange(ctx context.Context, clientID, pkceMethod string) {
	m.CodeExchanged.Add(ctx, 1, metric.WithAttributes(
		attribute.String(AttrClientID, clientID),
		attribute.String(AttrPKCEMethod, pkceMethod),
	))
}

// RecordTokenRefresh records a successful refresh grant
func (m *Metrics) RecordTokenRefresh(ctx context.Context, clientID string, rotated bool) {
	m.TokenRefreshed.Add(ctx, 1, metric.WithAttributes(
		attribute.String(AttrClientID, clientID),
		attribute.Bool(AttrTokenRotated, rotated),
	))
}

// RecordTokenRevocation records a token revocation
func (m *Metrics) RecordTokenRevocation(ctx context.Context, tokenType string) {
	m.TokenRevoked.Add(ctx, 1, metric.WithAttributes(attribute.String(AttrTokenType, tokenType)))
}

// RecordGrantFailure records a refused grant with its internal cause
func (m *Metrics) RecordGrantFailure(ctx context.Context, grantType, reason string) {
	m.GrantFailures.Add(ctx, 1, metric.WithAttributes(
		attribute.String(AttrGrantType, grantType),
		attribute.String(AttrGrantFailureReason, reason),
	))
}

// RecordIntrospection records an introspection result
func (m *Metrics) RecordIntrospection(ctx context.Context, active bool) {
	m.IntrospectionTotal.Add(ctx, 1, metric.WithAttributes(attribute.Bool(AttrTokenActive, active)))
}

// RecordRateLimitExceeded records a rate limit rejection
func (m *Metrics) RecordRateLimitExceeded(ctx context.Context, endpoint string) {
	m.RateLimitExceeded.Add(ctx, 1, metric.WithAttributes(attribute.String(AttrHTTPEndpoint, endpoint)))
}

// RecordPKCEValidationFailed records a PKCE verification failure
func (m *Metrics) RecordPKCEValidationFailed(ctx context.Context, method string) {
	m.PKCEValidationFailed.Add(ctx, 1, metric.WithAttributes(attribute.String(AttrPKCEMethod, method)))
}

// RecordBearerRejected records a rejected bearer token at the resource server
func (m *Metrics) RecordBearerRejected(ctx context.Context, reason string) {
	m.BearerRejected.Add(ctx, 1, metric.WithAttributes(attribute.String(AttrGuardReason, reason)))
}

// RecordToolCall records a tool invocation
func (m *Metrics) RecordToolCall(ctx context.Context, tool, result string, durationMs float64) {
	attrs := metric.WithAttributes(
		attribute.String(AttrToolName, tool),
		attribute.String(AttrToolResult, result),
	)
	m.ToolCallsTotal.Add(ctx, 1, attrs)
	m.ToolCallDuration.Record(ctx, durationMs, attrs)
}

// RecordStorageOperation records a storage operation
func (m *Metrics) RecordStorageOperation(ctx context.Context, operation, result string, durationMs float64) {
	attrs := metric.WithAttributes(
		attribute.String(AttrStorageOperation, operation),
		attribute.String(AttrStorageResult, result),
	)
	m.StorageOperationTotal.Add(ctx, 1, attrs)
	m.StorageOperationDuration.Record(ctx, durationMs, attrs)
}
