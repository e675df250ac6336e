package instrumentation

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Span attribute keys.
//
// SECURITY WARNING: never record token values, authorization codes, device codes,
// or client secrets. Only metadata such as grant type, lineage id, or result.
const (
	AttrClientID         = "oauth.client_id"
	AttrSubjectHash      = "oauth.subject_hash"
	AttrScope            = "oauth.scope"
	AttrGrantType        = "oauth.grant_type"
	AttrTokenType        = "oauth.token_type" //nolint:gosec // token type, not a token
	AttrLineageID        = "oauth.lineage_id"
	AttrLineageGen       = "oauth.lineage_generation"
	AttrCodeReuse        = "oauth.code.reuse"
	AttrTokenReuse       = "oauth.token.reuse" //nolint:gosec // boolean flag
	AttrReference        = "oauth.token.reference"
	AttrErrorKind        = "oauth.error_kind"
	AttrEndpoint         = "oauth.endpoint"
	AttrKeyID            = "oauth.key_id"
	AttrStorageOperation = "storage.operation"
	AttrStorageBackend   = "storage.backend"
	AttrClientIP         = "security.client_ip"
	AttrHTTPMethod       = "http.method"
	AttrHTTPStatusCode   = "http.status_code"
)

// RecordError records an error on a span (nil-safe)
func RecordError(span trace.Span, err error) {
	if span != nil && err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// SetSpanSuccess marks a span as successful (nil-safe)
func SetSpanSuccess(span trace.Span) {
	if span != nil {
		span.SetStatus(codes.Ok, "")
	}
}

// SetSpanError sets an error status on a span (nil-safe)
func SetSpanError(span trace.Span, message string) {
	if span != nil {
		span.SetStatus(codes.Error, message)
	}
}

// SetSpanAttributes sets attributes on a span (nil-safe)
func SetSpanAttributes(span trace.Span, attrs ...attribute.KeyValue) {
	if span != nil {
		span.SetAttributes(attrs...)
	}
}

// AddGrantAttributes adds request-level attributes to a span. Empty values are skipped.
func AddGrantAttributes(span trace.Span, grantType, clientID, scope string) {
	if grantType != "" {
		SetSpanAttributes(span, attribute.String(AttrGrantType, grantType))
	}
	if clientID != "" {
		SetSpanAttributes(span, attribute.String(AttrClientID, clientID))
	}
	if scope != "" {
		SetSpanAttributes(span, attribute.String(AttrScope, scope))
	}
}

// AddLineageAttributes adds refresh token lineage attributes to a span
func AddLineageAttributes(span trace.Span, lineageID string, generation int) {
	if lineageID != "" {
		SetSpanAttributes(span,
			attribute.String(AttrLineageID, lineageID),
			attribute.Int(AttrLineageGen, generation),
		)
	}
}
