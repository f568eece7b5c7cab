package instrumentation

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds all metric instruments for the auth service.
type Metrics struct {
	// HTTP layer
	HTTPRequestsTotal   metric.Int64Counter
	HTTPRequestDuration metric.Float64Histogram

	// Auth flow
	LoginsCompleted     metric.Int64Counter
	StateValidations    metric.Int64Counter
	ReferencesRefreshed metric.Int64Counter
	BearerAuthFailures  metric.Int64Counter

	// Webhook trust
	WebhookVerifications metric.Int64Counter

	// Security
	RateLimitExceeded metric.Int64Counter

	// Storage
	StorageOperationTotal    metric.Int64Counter
	StorageOperationDuration metric.Float64Histogram
}

// newMetrics creates and registers all metric instruments.
func newMetrics(inst *Instrumentation) (*Metrics, error) {
	m := &Metrics{}

	httpMeter := inst.Meter("http")
	authMeter := inst.Meter("auth")
	webhookMeter := inst.Meter("webhook")
	securityMeter := inst.Meter("security")
	storageMeter := inst.Meter("storage")

	var err error
	m.HTTPRequestsTotal, err = httpMeter.Int64Counter(
		"auth.http.requests.total",
		metric.WithDescription("Total number of HTTP requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create http.requests.total counter: %w", err)
	}

	m.HTTPRequestDuration, err = httpMeter.Float64Histogram(
		"auth.http.request.duration",
		metric.WithDescription("HTTP request duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create http.request.duration histogram: %w", err)
	}

	m.LoginsCompleted, err = authMeter.Int64Counter(
		"auth.logins.completed",
		metric.WithDescription("Number of OAuth logins completed"),
		metric.WithUnit("{login}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create logins.completed counter: %w", err)
	}

	m.StateValidations, err = authMeter.Int64Counter(
		"auth.state.validations",
		metric.WithDescription("Number of state validations by outcome"),
		metric.WithUnit("{validation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create state.validations counter: %w", err)
	}

	m.ReferencesRefreshed, err = authMeter.Int64Counter(
		"auth.references.refreshed",
		metric.WithDescription("Number of session references re-minted"),
		metric.WithUnit("{refresh}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create references.refreshed counter: %w", err)
	}

	m.BearerAuthFailures, err = authMeter.Int64Counter(
		"auth.bearer.failures",
		metric.WithDescription("Number of bearer authentication failures"),
		metric.WithUnit("{failure}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create bearer.failures counter: %w", err)
	}

	m.WebhookVerifications, err = webhookMeter.Int64Counter(
		"auth.webhook.verifications",
		metric.WithDescription("Number of webhook signature checks by outcome"),
		metric.WithUnit("{delivery}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create webhook.verifications counter: %w", err)
	}

	m.RateLimitExceeded, err = securityMeter.Int64Counter(
		"auth.rate_limit.exceeded",
		metric.WithDescription("Number of rate limit violations"),
		metric.WithUnit("{violation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create rate_limit.exceeded counter: %w", err)
	}

	m.StorageOperationTotal, err = storageMeter.Int64Counter(
		"auth.storage.operation.total",
		metric.WithDescription("Total number of storage operations"),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.operation.total counter: %w", err)
	}

	m.StorageOperationDuration, err = storageMeter.Float64Histogram(
		"auth.storage.operation.duration",
		metric.WithDescription("Storage operation duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.operation.duration histogram: %w", err)
	}

	return m, nil
}

// RecordHTTPRequest records an HTTP request metric.
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

// RecordLogin records a completed login, tagged as fresh or refresh.
func (m *Metrics) RecordLogin(ctx context.Context, refresh bool) {
	m.LoginsCompleted.Add(ctx, 1, metric.WithAttributes(
		attribute.Bool("refresh", refresh),
	))
}

// RecordStateValidation records a state validation outcome
// ("validated", "missing", "not_found", "already_used", "ip_mismatch").
func (m *Metrics) RecordStateValidation(ctx context.Context, outcome string) {
	m.StateValidations.Add(ctx, 1, metric.WithAttributes(
		attribute.String("outcome", outcome),
	))
}

// RecordReferenceRefresh records a session reference re-mint.
func (m *Metrics) RecordReferenceRefresh(ctx context.Context, success bool) {
	m.ReferencesRefreshed.Add(ctx, 1, metric.WithAttributes(
		attribute.Bool("success", success),
	))
}

// RecordBearerAuthFailure records a bearer authentication failure by
// reason ("invalid_token", "token_expired", "session_gone").
func (m *Metrics) RecordBearerAuthFailure(ctx context.Context, reason string) {
	m.BearerAuthFailures.Add(ctx, 1, metric.WithAttributes(
		attribute.String("reason", reason),
	))
}

// RecordWebhookVerification records a webhook signature check outcome
// ("verified", "missing", "invalid", "duplicate").
func (m *Metrics) RecordWebhookVerification(ctx context.Context, outcome string) {
	m.WebhookVerifications.Add(ctx, 1, metric.WithAttributes(
		attribute.String("outcome", outcome),
	))
}

// RecordRateLimitExceeded records a rate limit violation.
func (m *Metrics) RecordRateLimitExceeded(ctx context.Context, endpoint string) {
	m.RateLimitExceeded.Add(ctx, 1, metric.WithAttributes(
		attribute.String("endpoint", endpoint),
	))
}

// RecordStorageOperation records a storage operation.
func (m *Metrics) RecordStorageOperation(ctx context.Context, operation, result string, durationMs float64) {
	m.StorageOperationTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("result", result),
	))
	m.StorageOperationDuration.Record(ctx, durationMs, metric.WithAttributes(
		attribute.String("operation", operation),
	))
}
