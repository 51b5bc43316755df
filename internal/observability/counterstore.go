package observability

import (
	"context"
	"time"

	"gatekeeper/internal/counterstore"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// InstrumentedBackend wraps a counterstore.Backend with OpenTelemetry tracing,
// an error counter and the redis_operation_duration_seconds histogram.
//
// It instruments single round trips; retries made by counterstore.Client show
// up as separate operations.
type InstrumentedBackend struct {
	inner   counterstore.Backend
	metrics *Metrics
	tracer  trace.Tracer
	errors  metric.Int64Counter
}

// NewInstrumentedBackend creates a new backend wrapper. metrics may be nil.
func NewInstrumentedBackend(inner counterstore.Backend, metrics *Metrics) (*InstrumentedBackend, error) {
	tracer := otel.Tracer("gatekeeper/counterstore")
	meter := otel.Meter("gatekeeper/counterstore")

	errCounter, err := meter.Int64Counter(
		"counterstore.operation.errors",
		metric.WithDescription("Number of counter store operation errors"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, err
	}

	return &InstrumentedBackend{
		inner:   inner,
		metrics: metrics,
		tracer:  tracer,
		errors:  errCounter,
	}, nil
}

func (b *InstrumentedBackend) startSpan(ctx context.Context, operation string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return b.tracer.Start(ctx, "counterstore."+operation,
		trace.WithAttributes(append([]attribute.KeyValue{
			attribute.String("counterstore.operation", operation),
		}, attrs...)...),
	)
}

func (b *InstrumentedBackend) record(ctx context.Context, span trace.Span, operation string, start time.Time, err error) {
	b.metrics.ObserveStoreOperation(operation, time.Since(start))

	if err != nil {
		b.errors.Add(ctx, 1, metric.WithAttributes(attribute.String("operation", operation)))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}

	span.End()
}

func (b *InstrumentedBackend) Increment(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	ctx, span := b.startSpan(ctx, "increment", attribute.Int64("ttl_ms", ttl.Milliseconds()))
	start := time.Now()
	n, err := b.inner.Increment(ctx, key, ttl)
	b.record(ctx, span, "increment", start, err)
	return n, err
}

func (b *InstrumentedBackend) Ping(ctx context.Context) error {
	ctx, span := b.startSpan(ctx, "ping")
	start := time.Now()
	err := b.inner.Ping(ctx)
	b.record(ctx, span, "ping", start, err)
	return err
}

func (b *InstrumentedBackend) Close() error {
	return b.inner.Close()
}
