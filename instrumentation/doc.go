// Package instrumentation provides OpenTelemetry metrics and tracing for the
// provider.
//
// Instrumentation is disabled by default and then uses no-op providers. When
// enabled, traces go through an SDK tracer provider (attach span processors to
// export them) and metrics can be exported to Prometheus:
//
//	inst, err := instrumentation.New(instrumentation.Config{
//		Enabled:        true,
//		ServiceVersion: version,
//		MetricExporter: instrumentation.ExporterPrometheus,
//	})
//	if err != nil {
//		return err
//	}
//	defer inst.Shutdown(context.Background())
//	mux.Handle("/metrics", inst.MetricsHandler())
//
// # Metrics
//
//   - oauth.http.requests.total{method, endpoint, status}
//   - oauth.http.request.duration{endpoint}
//   - oauth.tokens.issued{grant_type, token_type}
//   - oauth.token_requests.failed{grant_type, error}
//   - oauth.token.validations{endpoint, result}
//   - oauth.tokens.revoked{token_type}
//   - oauth.device.polls{result}
//   - oauth.registry.reloads{result}
//   - oauth.rate_limit.exceeded{limiter_type}
//   - oauth.code.reuse_detected, oauth.refresh_token.reuse_detected
//   - oauth.audit.events.total{event_type}
//   - oauth.storage.operations.total{backend, operation, result}
//   - oauth.storage.operation.duration{backend, operation}
//   - oauth.storage.codes, oauth.storage.refresh_tokens, oauth.storage.reference_tokens
package instrumentation
