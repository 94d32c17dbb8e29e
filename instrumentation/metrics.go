package instrumentation

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the metric instruments recorded across the server. Counter
// and histogram fields are written through the Record helpers; the gauge
// fields are observed via RegisterStorageSizeCallbacks.
type Metrics struct {
	HTTPRequestsTotal   metric.Int64Counter
	HTTPRequestDuration metric.Float64Histogram

	AuthorizationStarted metric.Int64Counter
	CodeExchanged        metric.Int64Counter
	TokenRefreshed       metric.Int64Counter
	TokenRevoked         metric.Int64Counter
	IDTokenIssued        metric.Int64Counter
	ClientRegistered     metric.Int64Counter

	RateLimitExceeded    metric.Int64Counter
	PKCEValidationFailed metric.Int64Counter
	CodeReuseDetected    metric.Int64Counter
	TokenReuseDetected   metric.Int64Counter

	StorageOperationTotal    metric.Int64Counter
	StorageOperationDuration metric.Float64Histogram
	StorageTokensCount       metric.Int64ObservableGauge
	StorageClientsCount      metric.Int64ObservableGauge
	StorageCodesCount        metric.Int64ObservableGauge
	StorageNoncesCount       metric.Int64ObservableGauge

	AuditEventsTotal metric.Int64Counter

	EncryptionOperationsTotal metric.Int64Counter
	EncryptionDuration        metric.Float64Histogram
}

// instrumentSet accumulates creation errors so newMetrics can build every
// instrument in one pass and report all failures together.
type instrumentSet struct {
	errs []error
}

func (b *instrumentSet) counter(m metric.Meter, name, desc, unit string) metric.Int64Counter {
	c, err := m.Int64Counter(name, metric.WithDescription(desc), metric.WithUnit(unit))
	if err != nil {
		b.errs = append(b.errs, fmt.Errorf("counter %s: %w", name, err))
	}
	return c
}

func (b *instrumentSet) histogram(m metric.Meter, name, desc, unit string) metric.Float64Histogram {
	h, err := m.Float64Histogram(name, metric.WithDescription(desc), metric.WithUnit(unit))
	if err != nil {
		b.errs = append(b.errs, fmt.Errorf("histogram %s: %w", name, err))
	}
	return h
}

func (b *instrumentSet) gauge(m metric.Meter, name, desc, unit string) metric.Int64ObservableGauge {
	g, err := m.Int64ObservableGauge(name, metric.WithDescription(desc), metric.WithUnit(unit))
	if err != nil {
		b.errs = append(b.errs, fmt.Errorf("gauge %s: %w", name, err))
	}
	return g
}

func newMetrics(inst *Instrumentation) (*Metrics, error) {
	httpMeter := inst.Meter("http")
	serverMeter := inst.Meter("server")
	securityMeter := inst.Meter("security")
	storageMeter := inst.Meter("storage")

	var b instrumentSet
	m := &Metrics{
		HTTPRequestsTotal:   b.counter(httpMeter, "oauth.http.requests.total", "Total number of HTTP requests", "{request}"),
		HTTPRequestDuration: b.histogram(httpMeter, "oauth.http.request.duration", "HTTP request duration in milliseconds", "ms"),

		AuthorizationStarted: b.counter(serverMeter, "oauth.authorization.started", "Number of authorization requests processed", "{flow}"),
		CodeExchanged:        b.counter(serverMeter, "oauth.code.exchanged", "Number of authorization codes exchanged for tokens", "{exchange}"),
		TokenRefreshed:       b.counter(serverMeter, "oauth.token.refreshed", "Number of tokens refreshed", "{refresh}"),
		TokenRevoked:         b.counter(serverMeter, "oauth.token.revoked", "Number of tokens revoked", "{revocation}"),
		IDTokenIssued:        b.counter(serverMeter, "oauth.id_token.issued", "Number of ID tokens issued", "{token}"),
		ClientRegistered:     b.counter(serverMeter, "oauth.client.registered", "Number of clients registered", "{client}"),

		RateLimitExceeded:    b.counter(securityMeter, "oauth.rate_limit.exceeded", "Number of rate limit violations", "{violation}"),
		PKCEValidationFailed: b.counter(securityMeter, "oauth.pkce.validation_failed", "Number of PKCE validation failures", "{failure}"),
		CodeReuseDetected:    b.counter(securityMeter, "oauth.code.reuse_detected", "Number of authorization code reuse attempts detected", "{attempt}"),
		TokenReuseDetected:   b.counter(securityMeter, "oauth.token.reuse_detected", "Number of refresh token reuse attempts detected", "{attempt}"),

		StorageOperationTotal:    b.counter(storageMeter, "storage.operation.total", "Total number of storage operations", "{operation}"),
		StorageOperationDuration: b.histogram(storageMeter, "storage.operation.duration", "Storage operation duration in milliseconds", "ms"),
		StorageTokensCount:       b.gauge(storageMeter, "storage.tokens.count", "Number of token pairs currently stored", "{token}"),
		StorageClientsCount:      b.gauge(storageMeter, "storage.clients.count", "Number of registered clients currently stored", "{client}"),
		StorageCodesCount:        b.gauge(storageMeter, "storage.codes.count", "Number of authorization codes currently stored", "{code}"),
		StorageNoncesCount:       b.gauge(storageMeter, "storage.nonces.count", "Number of nonce records currently stored", "{nonce}"),

		AuditEventsTotal: b.counter(securityMeter, "oauth.audit.events.total", "Total number of audit events", "{event}"),

		EncryptionOperationsTotal: b.counter(securityMeter, "oauth.encryption.operations.total", "Total number of encryption/decryption operations", "{operation}"),
		EncryptionDuration:        b.histogram(securityMeter, "oauth.encryption.duration", "Encryption/decryption operation duration in milliseconds", "ms"),
	}

	if len(b.errs) > 0 {
		return nil, errors.Join(b.errs...)
	}
	return m, nil
}

// RecordHTTPRequest records one completed HTTP request.
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

// RecordAuthorizationStarted records an accepted authorization request.
func (m *Metrics) RecordAuthorizationStarted(ctx context.Context, clientID string) {
	m.AuthorizationStarted.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
	))
}

// RecordCodeExchange records an authorization code exchanged for tokens.
func (m *Metrics) RecordCodeExchange(ctx context.Context, clientID, pkceMethod string) {
	m.CodeExchanged.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
		attribute.String("pkce_method", pkceMethod),
	))
}

// RecordTokenRefresh records a refresh grant, noting whether the refresh
// token was rotated.
func (m *Metrics) RecordTokenRefresh(ctx context.Context, clientID string, rotated bool) {
	m.TokenRefreshed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
		attribute.Bool("rotated", rotated),
	))
}

// RecordTokenRevocation records a token revocation.
func (m *Metrics) RecordTokenRevocation(ctx context.Context, clientID string) {
	m.TokenRevoked.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
	))
}

// RecordIDTokenIssued records an ID token issuance.
func (m *Metrics) RecordIDTokenIssued(ctx context.Context, clientID string) {
	m.IDTokenIssued.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
	))
}

// RecordClientRegistration records a dynamic client registration.
func (m *Metrics) RecordClientRegistration(ctx context.Context, clientType string) {
	m.ClientRegistered.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_type", clientType),
	))
}

// RecordRateLimitExceeded records a rate limit rejection.
func (m *Metrics) RecordRateLimitExceeded(ctx context.Context, limiterType string) {
	m.RateLimitExceeded.Add(ctx, 1, metric.WithAttributes(
		attribute.String("limiter_type", limiterType),
	))
}

// RecordPKCEValidationFailed records a failed code verifier check.
func (m *Metrics) RecordPKCEValidationFailed(ctx context.Context, method string) {
	m.PKCEValidationFailed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("method", method),
	))
}

// RecordCodeReuseDetected records an attempt to redeem a consumed code.
func (m *Metrics) RecordCodeReuseDetected(ctx context.Context) {
	m.CodeReuseDetected.Add(ctx, 1)
}

// RecordTokenReuseDetected records an attempt to replay a rotated refresh token.
func (m *Metrics) RecordTokenReuseDetected(ctx context.Context) {
	m.TokenReuseDetected.Add(ctx, 1)
}

// RecordStorageOperation records one storage call with its outcome.
func (m *Metrics) RecordStorageOperation(ctx context.Context, operation, result string, durationMs float64) {
	m.StorageOperationTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("result", result),
	))
	m.StorageOperationDuration.Record(ctx, durationMs, metric.WithAttributes(
		attribute.String("operation", operation),
	))
}

// RecordAuditEvent records an emitted audit event.
func (m *Metrics) RecordAuditEvent(ctx context.Context, eventType string) {
	m.AuditEventsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event_type", eventType),
	))
}

// RecordEncryptionOperation records an encrypt or decrypt call.
func (m *Metrics) RecordEncryptionOperation(ctx context.Context, operation string, durationMs float64) {
	m.EncryptionOperationsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", operation),
	))
	m.EncryptionDuration.Record(ctx, durationMs, metric.WithAttributes(
		attribute.String("operation", operation),
	))
}
