package instrumentation

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds all metric instruments
type Metrics struct {
	// HTTP Layer Metrics
	HTTPRequestsTotal   metric.Int64Counter
	HTTPRequestDuration metric.Float64Histogram

	// OAuth Flow Metrics
	AuthorizationStarted metric.Int64Counter
	CallbackProcessed    metric.Int64Counter
	CodeExchanged        metric.Int64Counter
	TokenRefreshed       metric.Int64Counter
	TokenRevoked         metric.Int64Counter
	ClientRegistered     metric.Int64Counter

	// Security Metrics
	RateLimitExceeded    metric.Int64Counter
	PKCEValidationFailed metric.Int64Counter
	AuditEventsTotal     metric.Int64Counter

	// Identity Provider Metrics
	ProviderAPICallsTotal metric.Int64Counter
	ProviderAPIDuration   metric.Float64Histogram
	JWKSFetches           metric.Int64Counter
	IdentityVerifications metric.Int64Counter

	// Storage Metrics
	StorageOperationTotal    metric.Int64Counter
	StorageOperationDuration metric.Float64Histogram
	SnapshotSaveDuration     metric.Float64Histogram
	SnapshotSaveFailures     metric.Int64Counter

	StorageClientsCount       metric.Int64ObservableGauge
	StorageAccessTokensCount  metric.Int64ObservableGauge
	StorageRefreshTokensCount metric.Int64ObservableGauge
	StoragePendingCount       metric.Int64ObservableGauge
	StorageCodesCount         metric.Int64ObservableGauge
}

// instrumentBuilder collects the first error so instrument creation reads as a list.
type instrumentBuilder struct {
	err error
}

func (b *instrumentBuilder) counter(m metric.Meter, name, desc, unit string) metric.Int64Counter {
	c, err := m.Int64Counter(name, metric.WithDescription(desc), metric.WithUnit(unit))
	if err != nil && b.err == nil {
		b.err = fmt.Errorf("failed to create %s counter: %w", name, err)
	}
	return c
}

func (b *instrumentBuilder) histogram(m metric.Meter, name, desc string) metric.Float64Histogram {
	h, err := m.Float64Histogram(name, metric.WithDescription(desc), metric.WithUnit("ms"))
	if err != nil && b.err == nil {
		b.err = fmt.Errorf("failed to create %s histogram: %w", name, err)
	}
	return h
}

func (b *instrumentBuilder) gauge(m metric.Meter, name, desc, unit string) metric.Int64ObservableGauge {
	g, err := m.Int64ObservableGauge(name, metric.WithDescription(desc), metric.WithUnit(unit))
	if err != nil && b.err == nil {
		b.err = fmt.Errorf("failed to create %s gauge: %w", name, err)
	}
	return g
}

// newMetrics creates and registers all metric instruments
func newMetrics(inst *Instrumentation) (*Metrics, error) {
	httpMeter := inst.Meter("http")
	serverMeter := inst.Meter("server")
	securityMeter := inst.Meter("security")
	providerMeter := inst.Meter("provider")
	storageMeter := inst.Meter("storage")

	var b instrumentBuilder
	m := &Metrics{
		HTTPRequestsTotal:   b.counter(httpMeter, "oauth.http.requests.total", "Total number of HTTP requests", "{request}"),
		HTTPRequestDuration: b.histogram(httpMeter, "oauth.http.request.duration", "HTTP request duration in milliseconds"),

		AuthorizationStarted: b.counter(serverMeter, "oauth.authorization.started", "Number of authorization flows started", "{flow}"),
		CallbackProcessed:    b.counter(serverMeter, "oauth.callback.processed", "Number of provider callbacks processed", "{callback}"),
		CodeExchanged:        b.counter(serverMeter, "oauth.code.exchanged", "Number of authorization codes exchanged for tokens", "{exchange}"),
		TokenRefreshed:       b.counter(serverMeter, "oauth.token.refreshed", "Number of refresh token rotations", "{refresh}"),
		TokenRevoked:         b.counter(serverMeter, "oauth.token.revoked", "Number of revocation requests", "{revocation}"),
		ClientRegistered:     b.counter(serverMeter, "oauth.client.registered", "Number of clients registered", "{client}"),

		RateLimitExceeded:    b.counter(securityMeter, "oauth.rate_limit.exceeded", "Number of rate limit violations", "{violation}"),
		PKCEValidationFailed: b.counter(securityMeter, "oauth.pkce.validation_failed", "Number of PKCE verifier mismatches", "{failure}"),
		AuditEventsTotal:     b.counter(securityMeter, "oauth.audit.events.total", "Number of security audit events", "{event}"),

		ProviderAPICallsTotal: b.counter(providerMeter, "oauth.provider.api.calls.total", "Calls made to the identity provider", "{call}"),
		ProviderAPIDuration:   b.histogram(providerMeter, "oauth.provider.api.duration", "Identity provider call duration in milliseconds"),
		JWKSFetches:           b.counter(providerMeter, "oauth.provider.jwks.fetches", "Number of key set fetches", "{fetch}"),
		IdentityVerifications: b.counter(providerMeter, "oauth.provider.identity.verifications", "Identity assertion verifications by result", "{verification}"),

		StorageOperationTotal:    b.counter(storageMeter, "storage.operation.total", "Total number of storage operations", "{operation}"),
		StorageOperationDuration: b.histogram(storageMeter, "storage.operation.duration", "Storage operation duration in milliseconds"),
		SnapshotSaveDuration:     b.histogram(storageMeter, "storage.snapshot.save.duration", "Snapshot persist duration in milliseconds"),
		SnapshotSaveFailures:     b.counter(storageMeter, "storage.snapshot.save.failures", "Snapshot persist failures", "{failure}"),

		StorageClientsCount:       b.gauge(storageMeter, "storage.clients.count", "Registered clients", "{client}"),
		StorageAccessTokensCount:  b.gauge(storageMeter, "storage.access_tokens.count", "Live access tokens", "{token}"),
		StorageRefreshTokensCount: b.gauge(storageMeter, "storage.refresh_tokens.count", "Live refresh tokens", "{token}"),
		StoragePendingCount:       b.gauge(storageMeter, "storage.pending_authorizations.count", "Pending provider round trips", "{flow}"),
		StorageCodesCount:         b.gauge(storageMeter, "storage.authorization_codes.count", "Outstanding authorization codes", "{code}"),
	}
	if b.err != nil {
		return nil, b.err
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

// RecordAuthorizationStarted records the start of an authorization flow
func (m *Metrics) RecordAuthorizationStarted(ctx context.Context, clientID string) {
	m.AuthorizationStarted.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
	))
}

// RecordCallbackProcessed records a provider callback and how it ended
// ("success" or the failure reason).
func (m *Metrics) RecordCallbackProcessed(ctx context.Context, result string) {
	m.CallbackProcessed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("result", result),
	))
}

// RecordCodeExchange records an authorization code exchange
func (m *Metrics) RecordCodeExchange(ctx context.Context, clientID string) {
	m.CodeExchanged.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
	))
}

// RecordTokenRefresh records a refresh token rotation
func (m *Metrics) RecordTokenRefresh(ctx context.Context, clientID string) {
	m.TokenRefreshed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
	))
}

// RecordTokenRevocation records a token revocation
func (m *Metrics) RecordTokenRevocation(ctx context.Context, clientID string) {
	m.TokenRevoked.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
	))
}

// RecordClientRegistration records a client registration
func (m *Metrics) RecordClientRegistration(ctx context.Context, clientType string) {
	m.ClientRegistered.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_type", clientType),
	))
}

// RecordRateLimitExceeded records a rate limit violation
func (m *Metrics) RecordRateLimitExceeded(ctx context.Context, endpoint string) {
	m.RateLimitExceeded.Add(ctx, 1, metric.WithAttributes(
		attribute.String("endpoint", endpoint),
	))
}

// RecordPKCEValidationFailed records a PKCE validation failure
func (m *Metrics) RecordPKCEValidationFailed(ctx context.Context) {
	m.PKCEValidationFailed.Add(ctx, 1)
}

// RecordAuditEvent records an audit event
func (m *Metrics) RecordAuditEvent(ctx context.Context, eventType string) {
	m.AuditEventsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event_type", eventType),
	))
}

// RecordProviderAPICall records a call to the identity provider
func (m *Metrics) RecordProviderAPICall(ctx context.Context, provider, operation string, durationMs float64, err error) {
	result := "success"
	if err != nil {
		result = "error"
	}
	m.ProviderAPICallsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("operation", operation),
		attribute.String("result", result),
	))
	m.ProviderAPIDuration.Record(ctx, durationMs, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("operation", operation),
	))
}

// RecordJWKSFetch records a key set fetch
func (m *Metrics) RecordJWKSFetch(ctx context.Context, forced bool, err error) {
	result := "success"
	if err != nil {
		result = "error"
	}
	m.JWKSFetches.Add(ctx, 1, metric.WithAttributes(
		attribute.Bool("forced", forced),
		attribute.String("result", result),
	))
}

// RecordIdentityVerification records the outcome of an ID token verification
func (m *Metrics) RecordIdentityVerification(ctx context.Context, result string) {
	m.IdentityVerifications.Add(ctx, 1, metric.WithAttributes(
		attribute.String("result", result),
	))
}

// RecordStorageOperation records a storage operation
func (m *Metrics) RecordStorageOperation(ctx context.Context, operation, result string, durationMs float64) {
	m.StorageOperationTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("result", result),
	))
	m.StorageOperationDuration.Record(ctx, durationMs, metric.WithAttributes(
		attribute.String("operation", operation),
	))
}

// RecordSnapshotSave records a snapshot persist attempt
func (m *Metrics) RecordSnapshotSave(ctx context.Context, backend string, durationMs float64, err error) {
	m.SnapshotSaveDuration.Record(ctx, durationMs, metric.WithAttributes(
		attribute.String("backend", backend),
	))
	if err != nil {
		m.SnapshotSaveFailures.Add(ctx, 1, metric.WithAttributes(
			attribute.String("backend", backend),
		))
	}
}
