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

const scopePrefix = "github.com/giantswarm/mcp-oauth-proxy/"

// Config holds instrumentation configuration.
type Config struct {
	// ServiceName identifies this deployment in telemetry.
	ServiceName string

	// ServiceVersion is the running version, "unknown" when unset.
	ServiceVersion string

	// Enabled switches between the configured providers and no-op providers.
	Enabled bool

	// MeterProvider and TracerProvider let callers plug in exporting
	// providers (OTLP, Prometheus). When nil, no-op providers are used.
	MeterProvider  metric.MeterProvider
	TracerProvider trace.TracerProvider

	// Resource overrides the default resource attributes.
	Resource *resource.Resource
}

// Instrumentation bundles the telemetry providers and the proxy's
// pre-created metric instruments.
type Instrumentation struct {
	resource       *resource.Resource
	meterProvider  metric.MeterProvider
	tracerProvider trace.TracerProvider
	metrics        *Metrics

	shutdownFuncs []func(context.Context) error
	shutdownOnce  sync.Once
}

// New creates an Instrumentation from config.
func New(config Config) (*Instrumentation, error) {
	if config.ServiceName == "" {
		config.ServiceName = "mcp-oauth-proxy"
	}
	if config.ServiceVersion == "" {
		config.ServiceVersion = "unknown"
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
			return nil, fmt.Errorf("creating resource: %w", err)
		}
	}

	inst := &Instrumentation{
		resource:       res,
		meterProvider:  noop.NewMeterProvider(),
		tracerProvider: tracenoop.NewTracerProvider(),
	}
	if config.Enabled {
		if config.MeterProvider != nil {
			inst.meterProvider = config.MeterProvider
		}
		if config.TracerProvider != nil {
			inst.tracerProvider = config.TracerProvider
		}
	}

	var err error
	inst.metrics, err = newMetrics(inst)
	if err != nil {
		return nil, fmt.Errorf("creating metrics: %w", err)
	}
	return inst, nil
}

// Disabled returns an Instrumentation backed by no-op providers. It never
// fails, which makes it suitable as a default in constructors.
func Disabled() *Instrumentation {
	inst, err := New(Config{Enabled: false})
	if err != nil {
		// The no-op path has no failure modes.
		panic(fmt.Sprintf("building disabled instrumentation: %v", err))
	}
	return inst
}

// Meter returns a named meter. Scope is a layer name like "proxy" or
// "storage".
func (i *Instrumentation) Meter(scope string) metric.Meter {
	return i.meterProvider.Meter(scopePrefix + scope)
}

// Tracer returns a named tracer for the given scope.
func (i *Instrumentation) Tracer(scope string) trace.Tracer {
	return i.tracerProvider.Tracer(scopePrefix + scope)
}

// Metrics returns the pre-created instruments.
func (i *Instrumentation) Metrics() *Metrics {
	return i.metrics
}

// MeterProvider returns the underlying meter provider.
func (i *Instrumentation) MeterProvider() metric.MeterProvider {
	return i.meterProvider
}

// TracerProvider returns the underlying tracer provider.
func (i *Instrumentation) TracerProvider() trace.TracerProvider {
	return i.tracerProvider
}

// OnShutdown registers a function to run during Shutdown. Not safe for
// concurrent use; register everything before serving.
func (i *Instrumentation) OnShutdown(fn func(context.Context) error) {
	i.shutdownFuncs = append(i.shutdownFuncs, fn)
}

// Shutdown runs all registered shutdown functions once, returning the first
// error while still running the rest.
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

// StoreSizeCallback reports the current entry count of one store.
type StoreSizeCallback func() int64

// RegisterStoreSizeCallbacks wires observable gauges for store sizes. Store
// implementations call this once after construction; nil callbacks are
// skipped.
func (i *Instrumentation) RegisterStoreSizeCallbacks(
	clients, transactions, codes, accessTokens, refreshTokens StoreSizeCallback,
) error {
	meter := i.Meter("storage")

	_, err := meter.RegisterCallback(
		func(ctx context.Context, observer metric.Observer) error {
			if clients != nil {
				observer.ObserveInt64(i.metrics.StoreClientsCount, clients())
			}
			if transactions != nil {
				observer.ObserveInt64(i.metrics.StoreTransactionsCount, transactions())
			}
			if codes != nil {
				observer.ObserveInt64(i.metrics.StoreCodesCount, codes())
			}
			if accessTokens != nil {
				observer.ObserveInt64(i.metrics.StoreAccessTokensCount, accessTokens())
			}
			if refreshTokens != nil {
				observer.ObserveInt64(i.metrics.StoreRefreshTokensCount, refreshTokens())
			}
			return nil
		},
		i.metrics.StoreClientsCount,
		i.metrics.StoreTransactionsCount,
		i.metrics.StoreCodesCount,
		i.metrics.StoreAccessTokensCount,
		i.metrics.StoreRefreshTokensCount,
	)
	return err
}
