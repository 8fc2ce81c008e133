package cache

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const meterName = "github.com/chinmina/chinmina-relay/internal/cache"

// Instrumented wraps a TokenCache with metrics and span attributes. Instruments
// are resolved from the global meter provider when the wrapper is created.
type Instrumented[T Expirer] struct {
	wrapped    TokenCache[T]
	cacheName  string
	operations metric.Int64Counter
	duration   metric.Float64Histogram
}

// NewInstrumented creates an instrumented cache wrapper. The name is attached
// to every measurement as the "cache.name" attribute.
func NewInstrumented[T Expirer](cache TokenCache[T], cacheName string) *Instrumented[T] {
	meter := otel.Meter(meterName)

	operations, err := meter.Int64Counter(
		"cache.operations",
		metric.WithDescription("Total cache operations"),
	)
	if err != nil {
		otel.Handle(err)
	}

	duration, err := meter.Float64Histogram(
		"cache.operation.duration",
		metric.WithDescription("Cache operation duration"),
		metric.WithUnit("s"),
	)
	if err != nil {
		otel.Handle(err)
	}

	return &Instrumented[T]{
		wrapped:    cache,
		cacheName:  cacheName,
		operations: operations,
		duration:   duration,
	}
}

// Get retrieves a token from the cache.
func (i *Instrumented[T]) Get(ctx context.Context, key string) (T, bool, error) {
	start := time.Now()

	value, found, err := i.wrapped.Get(ctx, key)

	status := "miss"
	if err != nil {
		status = "error"
	} else if found {
		status = "hit"
	}
	i.record(ctx, "get", status, time.Since(start))

	return value, found, err
}

// Set stores a token in the cache.
func (i *Instrumented[T]) Set(ctx context.Context, key string, value T) error {
	start := time.Now()

	err := i.wrapped.Set(ctx, key, value)

	i.record(ctx, "set", resultStatus(err), time.Since(start))

	return err
}

// Invalidate removes a token from the cache.
func (i *Instrumented[T]) Invalidate(ctx context.Context, key string) error {
	start := time.Now()

	err := i.wrapped.Invalidate(ctx, key)

	i.record(ctx, "invalidate", resultStatus(err), time.Since(start))

	return err
}

// Close releases any resources held by the cache.
func (i *Instrumented[T]) Close() error {
	return i.wrapped.Close()
}

func resultStatus(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

func (i *Instrumented[T]) record(ctx context.Context, operation, status string, duration time.Duration) {
	if i.operations != nil {
		i.operations.Add(ctx, 1,
			metric.WithAttributes(
				attribute.String("cache.name", i.cacheName),
				attribute.String("cache.operation", operation),
				attribute.String("cache.status", status),
			),
		)
	}

	if i.duration != nil {
		i.duration.Record(ctx, duration.Seconds(),
			metric.WithAttributes(
				attribute.String("cache.name", i.cacheName),
				attribute.String("cache.operation", operation),
			),
		)
	}

	span := trace.SpanFromContext(ctx)
	span.SetAttributes(
		attribute.String("cache.name", i.cacheName),
		attribute.String("cache."+operation+".status", status),
		attribute.Float64("cache."+operation+".duration", duration.Seconds()),
	)
}
