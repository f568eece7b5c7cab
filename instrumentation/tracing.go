package instrumentation

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Span attribute keys. Never set these to credential values; record
// metadata like outcomes, hashes, and booleans only.
const (
	AttrUserID        = "auth.user_id"
	AttrLogin         = "auth.login"
	AttrSessionID     = "auth.session_id"
	AttrStateOutcome  = "auth.state.outcome"
	AttrProviderName  = "provider.name"
	AttrWebhookEvent  = "webhook.event"
	AttrDeliveryID    = "webhook.delivery_id"
	AttrStorageOp     = "storage.operation"
	AttrStorageResult = "storage.result"
	AttrHTTPEndpoint  = "http.endpoint"
	AttrHTTPMethod    = "http.method"
	AttrHTTPStatus    = "http.status_code"
	AttrErrorCode     = "auth.error_code"
)

// RecordError records an error on a span with error status (nil-safe).
func RecordError(span trace.Span, err error) {
	if span != nil && err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// SetSpanSuccess marks a span as successful (nil-safe).
func SetSpanSuccess(span trace.Span) {
	if span != nil {
		span.SetStatus(codes.Ok, "")
	}
}

// SetSpanAttributes sets attributes on a span (nil-safe).
func SetSpanAttributes(span trace.Span, attrs ...attribute.KeyValue) {
	if span != nil {
		span.SetAttributes(attrs...)
	}
}

// AddHTTPAttributes adds HTTP request attributes to a span (nil-safe).
func AddHTTPAttributes(span trace.Span, method, endpoint string, statusCode int) {
	SetSpanAttributes(span,
		attribute.String(AttrHTTPMethod, method),
		attribute.String(AttrHTTPEndpoint, endpoint),
		attribute.Int(AttrHTTPStatus, statusCode),
	)
}

// AddWebhookAttributes adds delivery attributes to a span (nil-safe).
func AddWebhookAttributes(span trace.Span, event, deliveryID string) {
	SetSpanAttributes(span,
		attribute.String(AttrWebhookEvent, event),
		attribute.String(AttrDeliveryID, deliveryID),
	)
}
