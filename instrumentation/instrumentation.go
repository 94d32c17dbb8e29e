package instrumentation

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

// scopePrefix namespaces meter and tracer scopes under the module path.
const scopePrefix = "github.com/evlist/oauth/"

// DefaultServiceVersion is reported when no version is configured.
const DefaultServiceVersion = "unknown"

// Config controls how instrumentation is set up.
type Config struct {
	// ServiceName identifies the service in telemetry (defaults to "oauthd").
	ServiceName string

	// ServiceVersion is reported on the telemetry resource.
	ServiceVersion string

	// Enabled selects real providers. When false, no-op providers are used
	// and recording has no cost.
	Enabled bool

	// LogClientIPs gates client IP attributes on spans and metrics. IPs can
	// be personal data under GDPR and similar regimes; leave this false to
	// keep them out of telemetry.
	LogClientIPs bool

	// Resource overrides the default telemetry resource built from
	// ServiceName and ServiceVersion.
	Resource *resource.Resource
}

// Instrumentation bundles the meter and tracer providers plus the shared
// metric instruments. The zero value is not usable; construct with New.
type Instrumentation struct {
	config   Config
	resource *resource.Resource

	meterProvider  metric.MeterProvider
	tracerProvider trace.TracerProvider
	metrics        *Metrics

	// Registered during New only; not safe to append afterwards.
	shutdownFuncs []func(context.Context) error
	shutdownOnce  sync.Once
}

// New builds an Instrumentation from config. With Enabled false every
// instrument is a no-op, so callers can record unconditionally.
func New(config Config) (*Instrumentation, error) {
	if config.ServiceName == "" {
		config.ServiceName = "oauthd"
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

	// No exporters are wired yet, so the enabled path also installs no-op
	// providers. OTLP or Prometheus exporters slot in here without touching
	// the recording call sites.
	inst.meterProvider = noop.NewMeterProvider()
	inst.tracerProvider = tracenoop.NewTracerProvider()

	var err error
	inst.metrics, err = newMetrics(inst)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics: %w", err)
	}

	return inst, nil
}

// Shutdown flushes and stops the providers. Safe to call more than once;
// only the first call runs the registered shutdown functions. The first
// error is returned but every function still runs.
func (i *Instrumentation) Shutdown(ctx context.Context) error {
	var firstErr error
	i.shutdownOnce.Do(func() {
		for _, fn := range i.shutdownFuncs {
			if err := fn(ctx); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	})
	return firstErr
}

// Meter returns a meter scoped under the module path. Scope is a layer name
// such as "http", "server", "storage" or "security".
func (i *Instrumentation) Meter(scope string) metric.Meter {
	return i.meterProvider.Meter(scopePrefix + scope)
}

// Tracer returns a tracer scoped under the module path.
func (i *Instrumentation) Tracer(scope string) trace.Tracer {
	return i.tracerProvider.Tracer(scopePrefix + scope)
}

// Metrics returns the shared metric instruments.
func (i *Instrumentation) Metrics() *Metrics {
	return i.metrics
}

// TracerProvider exposes the underlying tracer provider.
func (i *Instrumentation) TracerProvider() trace.TracerProvider {
	return i.tracerProvider
}

// MeterProvider exposes the underlying meter provider.
func (i *Instrumentation) MeterProvider() metric.MeterProvider {
	return i.meterProvider
}

// ShouldLogClientIPs reports whether client IPs may appear in telemetry.
func (i *Instrumentation) ShouldLogClientIPs() bool {
	return i.config.LogClientIPs
}

// StorageSizeCallback reports the current size of one storage collection.
type StorageSizeCallback func() int64

// RegisterStorageSizeCallbacks attaches observable gauge callbacks for the
// storage size metrics. Storage backends call this once from their
// SetInstrumentation hook; nil callbacks skip that gauge.
func (i *Instrumentation) RegisterStorageSizeCallbacks(
	tokensCount, clientsCount, codesCount, noncesCount StorageSizeCallback,
) error {
	if i.meterProvider == nil {
		return fmt.Errorf("meter provider not initialized")
	}

	_, err := i.Meter("storage").RegisterCallback(
		func(ctx context.Context, observer metric.Observer) error {
			if tokensCount != nil {
				observer.ObserveInt64(i.metrics.StorageTokensCount, tokensCount())
			}
			if clientsCount != nil {
				observer.ObserveInt64(i.metrics.StorageClientsCount, clientsCount())
			}
			if codesCount != nil {
				observer.ObserveInt64(i.metrics.StorageCodesCount, codesCount())
			}
			if noncesCount != nil {
				observer.ObserveInt64(i.metrics.StorageNoncesCount, noncesCount())
			}
			return nil
		},
		i.metrics.StorageTokensCount,
		i.metrics.StorageClientsCount,
		i.metrics.StorageCodesCount,
		i.metrics.StorageNoncesCount,
	)
	return err
}
