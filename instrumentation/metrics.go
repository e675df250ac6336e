package instrumentation

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds all metric instruments of the provider
type Metrics struct {
	// HTTP layer
	HTTPRequestsTotal   metric.Int64Counter
	HTTPRequestDuration metric.Float64Histogram

	// Issuance pipeline
	TokensIssued        metric.Int64Counter
	TokenRequestsFailed metric.Int64Counter
	TokenValidations    metric.Int64Counter
	TokensRevoked       metric.Int64Counter
	DevicePolls         metric.Int64Counter
	RegistryReloads     metric.Int64Counter

	// Security
	RateLimitExceeded  metric.Int64Counter
	CodeReuseDetected  metric.Int64Counter
	TokenReuseDetected metric.Int64Counter
	AuditEventsTotal   metric.Int64Counter

	// Storage
	StorageOperationTotal    metric.Int64Counter
	StorageOperationDuration metric.Float64Histogram
	StorageCodes             metric.Int64ObservableGauge
	StorageRefreshTokens     metric.Int64ObservableGauge
	StorageReferenceTokens   metric.Int64ObservableGauge
}

type counterSpec struct {
	target      *metric.Int64Counter
	meter       string
	name        string
	description string
	unit        string
}

// newMetrics creates and registers all metric instruments
func newMetrics(inst *Instrumentation) (*Metrics, error) {
	m := &Metrics{}

	counters := []counterSpec{
		{&m.HTTPRequestsTotal, "http", "oauth.http.requests.total", "Total number of HTTP requests", "{request}"},
		{&m.TokensIssued, "server", "oauth.tokens.issued", "Number of tokens issued", "{token}"},
		{&m.TokenRequestsFailed, "server", "oauth.token_requests.failed", "Number of rejected token requests", "{request}"},
		{&m.TokenValidations, "server", "oauth.token.validations", "Number of token validations", "{validation}"},
		{&m.TokensRevoked, "server", "oauth.tokens.revoked", "Number of revocation requests", "{revocation}"},
		{&m.DevicePolls, "server", "oauth.device.polls", "Number of device code polls", "{poll}"},
		{&m.RegistryReloads, "server", "oauth.registry.reloads", "Number of registry reloads", "{reload}"},
		{&m.RateLimitExceeded, "security", "oauth.rate_limit.exceeded", "Number of rate limit violations", "{violation}"},
		{&m.CodeReuseDetected, "security", "oauth.code.reuse_detected", "Number of authorization code reuse attempts", "{attempt}"},
		{&m.TokenReuseDetected, "security", "oauth.refresh_token.reuse_detected", "Number of refresh token replay attempts", "{attempt}"},
		{&m.AuditEventsTotal, "security", "oauth.audit.events.total", "Number of security audit events", "{event}"},
		{&m.StorageOperationTotal, "storage", "oauth.storage.operations.total", "Number of storage operations", "{operation}"},
	}
	for _, c := range counters {
		counter, err := inst.Meter(c.meter).Int64Counter(
			c.name,
			metric.WithDescription(c.description),
			metric.WithUnit(c.unit),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create %s counter: %w", c.name, err)
		}
		*c.target = counter
	}

	var err error
	m.HTTPRequestDuration, err = inst.Meter("http").Float64Histogram(
		"oauth.http.request.duration",
		metric.WithDescription("HTTP request duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create http.request.duration histogram: %w", err)
	}

	m.StorageOperationDuration, err = inst.Meter("storage").Float64Histogram(
		"oauth.storage.operation.duration",
		metric.WithDescription("Storage operation duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.operation.duration histogram: %w", err)
	}

	gauges := []struct {
		target *metric.Int64ObservableGauge
		name   string
		desc   string
	}{
		{&m.StorageCodes, "oauth.storage.codes", "Number of stored authorization and device codes"},
		{&m.StorageRefreshTokens, "oauth.storage.refresh_tokens", "Number of stored refresh tokens"},
		{&m.StorageReferenceTokens, "oauth.storage.reference_tokens", "Number of stored reference tokens"},
	}
	for _, g := range gauges {
		gauge, err := inst.Meter("storage").Int64ObservableGauge(g.name, metric.WithDescription(g.desc))
		if err != nil {
			return nil, fmt.Errorf("failed to create %s gauge: %w", g.name, err)
		}
		*g.target = gauge
	}

	return m, nil
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, endpoint string, statusCode int, durationMs float64) {
	m.HTTPRequestsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("endpoint", endpoint),
		attribute.Int("status", statusCode),
	))
	m.HTTPRequestDuration.Record(ctx, durationMs, metric.WithAttributes(
		attribute.String("endpoint", endpoint),
	))
}

// RecordTokenIssued records a minted token
func (m *Metrics) RecordTokenIssued(ctx context.Context, grantType, tokenType string) {
	m.TokensIssued.Add(ctx, 1, metric.WithAttributes(
		attribute.String("grant_type", grantType),
		attribute.String("token_type", tokenType),
	))
}

// RecordTokenRequestFailed records a rejected token request by rejection kind
func (m *Metrics) RecordTokenRequestFailed(ctx context.Context, grantType, kind string) {
	m.TokenRequestsFailed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("grant_type", grantType),
		attribute.String("error", kind),
	))
}

// RecordTokenValidation records a token validation outcome ("valid" or a rejection kind)
func (m *Metrics) RecordTokenValidation(ctx context.Context, endpoint, result string) {
	m.TokenValidations.Add(ctx, 1, metric.WithAttributes(
		attribute.String("endpoint", endpoint),
		attribute.String("result", result),
	))
}

// RecordTokenRevoked records a revocation request
func (m *Metrics) RecordTokenRevoked(ctx context.Context, tokenType string) {
	m.TokensRevoked.Add(ctx, 1, metric.WithAttributes(
		attribute.String("token_type", tokenType),
	))
}

// RecordDevicePoll records a device code poll outcome
func (m *Metrics) RecordDevicePoll(ctx context.Context, result string) {
	m.DevicePolls.Add(ctx, 1, metric.WithAttributes(
		attribute.String("result", result),
	))
}

// RecordRegistryReload records a registry reload attempt
func (m *Metrics) RecordRegistryReload(ctx context.Context, success bool) {
	result := "success"
	if !success {
		result = "error"
	}
	m.RegistryReloads.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

// RecordRateLimitExceeded records a rate limit violation
func (m *Metrics) RecordRateLimitExceeded(ctx context.Context, limiterType string) {
	m.RateLimitExceeded.Add(ctx, 1, metric.WithAttributes(
		attribute.String("limiter_type", limiterType),
	))
}

// RecordCodeReuseDetected records an authorization code reuse attempt
func (m *Metrics) RecordCodeReuseDetected(ctx context.Context) {
	m.CodeReuseDetected.Add(ctx, 1)
}

// RecordTokenReuseDetected records a refresh token replay
func (m *Metrics) RecordTokenReuseDetected(ctx context.Context) {
	m.TokenReuseDetected.Add(ctx, 1)
}

// RecordAuditEvent records an audit event
func (m *Metrics) RecordAuditEvent(ctx context.Context, eventType string) {
	m.AuditEventsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event_type", eventType),
	))
}

// RecordStorageOperation records a storage operation
func (m *Metrics) RecordStorageOperation(ctx context.Context, backend, operation, result string, durationMs float64) {
	m.StorageOperationTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("backend", backend),
		attribute.String("operation", operation),
		attribute.String("result", result),
	))
	m.StorageOperationDuration.Record(ctx, durationMs, metric.WithAttributes(
		attribute.String("backend", backend),
		attribute.String("operation", operation),
	))
}
