// Package instrumentation provides OpenTelemetry tracing and metrics for the
// authorization server, the resource server guard, the tool layer and storage.
//
// When Config.Enabled is false every provider is a no-op. When enabled, traces
// go to an SDK tracer provider and metrics to an SDK meter provider backed by
// the OpenTelemetry Prometheus exporter on a private registry:
//
//	inst, err := instrumentation.New(instrumentation.Config{
//		ServiceName:    "mcp-time-oauth",
//		ServiceVersion: version,
//		Enabled:        true,
//	})
//	if err != nil {
//		return err
//	}
//	defer inst.Shutdown(context.Background())
//
//	mux.Handle("/metrics", inst.MetricsHandler())
//
// # Metrics
//
//   - oauth.http.requests{method, endpoint, status_code} and oauth.http.request.duration
//   - oauth.code.issued, oauth.code.exchanged, oauth.token.refreshed{rotated}, oauth.token.revoked{token_type}
//   - oauth.grant.failures{grant_type, failure_reason}
//   - oauth.introspection{active}
//   - oauth.ratelimit.exceeded, oauth.pkce.validation_failed, mcp.guard.rejected{reason}
//   - mcp.tool.calls{name, result} and mcp.tool.duration
//   - storage.operation{operation, result}, storage.operation.duration
//   - storage.codes.count, storage.access_tokens.count, storage.refresh_tokens.count
//
// Token and code values are never recorded as attributes.
package instrumentation
