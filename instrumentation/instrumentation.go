package instrumentation

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

const (
	// DefaultServiceName is used when Config.ServiceName is empty
	DefaultServiceName = "mcp-oauth-google"

	// DefaultServiceVersion is the default service version used when none is provided
	DefaultServiceVersion = "unknown"

	// MetricsExporterPrometheus exposes metrics through MetricsHandler
	MetricsExporterPrometheus = "prometheus"

	scopePrefix = "github.com/suleymangunel/mcp-oauth-google/"
)

// Config holds instrumentation configuration
type Config struct {
	// ServiceName is the name of the service
	ServiceName string

	// ServiceVersion is the version of the service
	ServiceVersion string

	// Enabled controls whether instrumentation is active.
	// When false, no-op providers are used.
	Enabled bool

	// MetricsExporter selects where metrics go: "prometheus" or empty for none.
	MetricsExporter string

	// LogClientIPs controls whether client IP addresses are attached to spans.
	LogClientIPs bool

	// Resource allows custom resource attributes
	// If nil, default resource is created with service name and version
	Resource *resource.Resource
}

// Instrumentation provides OpenTelemetry instrumentation components
type Instrumentation struct {
	config   Config
	resource *resource.Resource

	meterProvider  metric.MeterProvider
	tracerProvider trace.TracerProvider
	metricsHandler http.Handler

	metrics *Metrics

	// registered during New only
	shutdownFuncs []func(context.Context) error
	shutdownOnce  sync.Once
}

// New creates a new instrumentation instance
func New(config Config) (*Instrumentation, error) {
	if config.ServiceName == "" {
		config.ServiceName = DefaultServiceName
	}
	if config.ServiceVersion == "" {
		config.ServiceVersion = DefaultServiceVersion
	}

	res := config.Resource
	if res == nil {
		var err error
		res, err = resource.New(
			context.Background(),
			resource.WithAttributes(
				semconv.ServiceName(config.ServiceName),
				semconv.ServiceVersion(config.ServiceVersion),
			),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create resource: %w", err)
		}
	}

	inst := &Instrumentation{
		config:   config,
		resource: res,
	}

	if config.Enabled {
		if err := inst.initializeProviders(); err != nil {
			return nil, fmt.Errorf("failed to initialize providers: %w", err)
		}
	} else {
		inst.meterProvider = noop.NewMeterProvider()
		inst.tracerProvider = tracenoop.NewTracerProvider()
	}

	var err error
	inst.metrics, err = newMetrics(inst)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics: %w", err)
	}

	return inst, nil
}

func (i *Instrumentation) initializeProviders() error {
	meterOpts := []sdkmetric.Option{sdkmetric.WithResource(i.resource)}

	switch i.config.MetricsExporter {
	case "", "none":
	case MetricsExporterPrometheus:
		registry := prometheus.NewRegistry()
		exporter, err := otelprom.New(otelprom.WithRegisterer(registry))
		if err != nil {
			return fmt.Errorf("failed to create prometheus exporter: %w", err)
		}
		meterOpts = append(meterOpts, sdkmetric.WithReader(exporter))
		i.metricsHandler = promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
	default:
		return fmt.Errorf("unsupported metrics exporter %q", i.config.MetricsExporter)
	}

	mp := sdkmetric.NewMeterProvider(meterOpts...)
	i.meterProvider = mp
	i.shutdownFuncs = append(i.shutdownFuncs, mp.Shutdown)

	tp := sdktrace.NewTracerProvider(sdktrace.WithResource(i.resource))
	i.tracerProvider = tp
	i.shutdownFuncs = append(i.shutdownFuncs, tp.Shutdown)

	return nil
}

// Shutdown flushes and stops all providers. Subsequent calls are no-ops.
func (i *Instrumentation) Shutdown(ctx context.Context) error {
	var shutdownErr error

	i.shutdownOnce.Do(func() {
		for _, fn := range i.shutdownFuncs {
			shutdownErr = errors.Join(shutdownErr, fn(ctx))
		}
	})

	return shutdownErr
}

// Meter returns a named meter for the given scope
// Scopes are layer names like "http", "server", "storage", "provider", "security"
func (i *Instrumentation) Meter(scope string) metric.Meter {
	return i.meterProvider.Meter(scopePrefix + scope)
}

// Tracer returns a named tracer for the given scope
func (i *Instrumentation) Tracer(scope string) trace.Tracer {
	return i.tracerProvider.Tracer(scopePrefix + scope)
}

// Metrics returns the metrics holder for recording metric values
func (i *Instrumentation) Metrics() *Metrics {
	return i.metrics
}

// MetricsHandler returns the Prometheus scrape handler, or nil when metrics are
// not exported in Prometheus format.
func (i *Instrumentation) MetricsHandler() http.Handler {
	return i.metricsHandler
}

// ShouldLogClientIPs returns whether client IP addresses should be logged
func (i *Instrumentation) ShouldLogClientIPs() bool {
	return i.config.LogClientIPs
}

// SizeCallback returns the current size of a stored collection
type SizeCallback func() int64

// RegisterTokenStoreSizeCallbacks reports the durable store's collection sizes
// through observable gauges.
func (i *Instrumentation) RegisterTokenStoreSizeCallbacks(clients, accessTokens, refreshTokens SizeCallback) error {
	m := i.metrics
	_, err := i.Meter("storage").RegisterCallback(
		func(_ context.Context, o metric.Observer) error {
			observe(o, m.StorageClientsCount, clients)
			observe(o, m.StorageAccessTokensCount, accessTokens)
			observe(o, m.StorageRefreshTokensCount, refreshTokens)
			return nil
		},
		m.StorageClientsCount,
		m.StorageAccessTokensCount,
		m.StorageRefreshTokensCount,
	)
	return err
}

// RegisterFlowSizeCallbacks reports the number of pending authorizations and
// outstanding authorization codes.
func (i *Instrumentation) RegisterFlowSizeCallbacks(pending, codes SizeCallback) error {
	m := i.metrics
	_, err := i.Meter("storage").RegisterCallback(
		func(_ context.Context, o metric.Observer) error {
			observe(o, m.StoragePendingCount, pending)
			observe(o, m.StorageCodesCount, codes)
			return nil
		},
		m.StoragePendingCount,
		m.StorageCodesCount,
	)
	return err
}

func observe(o metric.Observer, gauge metric.Int64ObservableGauge, cb SizeCallback) {
	if cb != nil {
		o.ObserveInt64(gauge, cb())
	}
}
