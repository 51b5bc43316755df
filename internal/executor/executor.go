// Package executor runs calls to upstream services through their circuit
// breakers. A call is attempted only when the upstream's breaker permits it,
// runs under a timeout, and its outcome feeds the breaker's statistics. When
// the breaker is open or the call fails, a caller-supplied fallback value is
// returned instead of an error.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gatekeeper/internal/breaker"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var (
	// ErrCircuitOpen is matched by every *CircuitOpenError.
	ErrCircuitOpen = errors.New("circuit open")
	// ErrUpstreamFailure is matched by every *UpstreamError.
	ErrUpstreamFailure = errors.New("upstream call failed")
	// ErrUpstreamTimeout is matched by an *UpstreamError caused by the call timeout.
	ErrUpstreamTimeout = errors.New("upstream call timed out")
)

// CircuitOpenError is returned when a call was short-circuited and no
// fallback was supplied.
type CircuitOpenError struct {
	Upstream string
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit for upstream %s is open", e.Upstream)
}

func (e *CircuitOpenError) Unwrap() error {
	return ErrCircuitOpen
}

// UpstreamError is returned when an attempted call failed and no fallback was
// supplied.
type UpstreamError struct {
	Upstream string
	Timeout  bool
	Err      error
}

func (e *UpstreamError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("upstream %s timed out: %v", e.Upstream, e.Err)
	}
	return fmt.Sprintf("upstream %s failed: %v", e.Upstream, e.Err)
}

func (e *UpstreamError) Unwrap() []error {
	errs := []error{ErrUpstreamFailure}
	if e.Timeout {
		errs = append(errs, ErrUpstreamTimeout)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// Request describes one call.
type Request[T any] struct {
	// Upstream identifies the breaker guarding the call.
	Upstream string
	// Action performs the call. It should honour ctx; a result delivered after
	// the timeout is discarded.
	Action func(ctx context.Context) (T, error)
	// Fallback, when set, is returned instead of an error.
	Fallback *T
	// Timeout bounds the call. Zero uses the executor's timeout for Upstream.
	Timeout time.Duration
}

// Executor holds the breaker registry and call timeouts.
type Executor struct {
	registry *breaker.Registry
	timeouts func(upstream string) time.Duration
	tracer   trace.Tracer
}

// Option configures an Executor.
type Option func(*Executor)

// WithTimeouts sets the per-upstream default call timeout.
func WithTimeouts(fn func(upstream string) time.Duration) Option {
	return func(e *Executor) { e.timeouts = fn }
}

// WithTracer replaces the global tracer.
func WithTracer(tracer trace.Tracer) Option {
	return func(e *Executor) { e.tracer = tracer }
}

// New creates an executor using registry. The default call timeout is 60s.
func New(registry *breaker.Registry, opts ...Option) *Executor {
	e := &Executor{
		registry: registry,
		timeouts: func(string) time.Duration { return 60 * time.Second },
		tracer:   otel.Tracer("gatekeeper/executor"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Registry returns the breaker registry.
func (e *Executor) Registry() *breaker.Registry {
	return e.registry
}

type outcome[T any] struct {
	value T
	err   error
}

// Execute runs req through the breaker of req.Upstream.
//
// An open breaker short-circuits: no call is made and no statistics are
// recorded. A call abandoned because ctx ended is not recorded either.
func Execute[T any](ctx context.Context, e *Executor, req Request[T]) (T, error) {
	var zero T

	ctx, span := e.tracer.Start(ctx, "executor.Execute",
		trace.WithAttributes(attribute.String("upstream", req.Upstream)),
	)
	defer span.End()

	b := e.registry.Get(req.Upstream)
	permit, err := b.Allow()
	if err != nil {
		span.SetAttributes(attribute.Bool("circuit.open", true))
		if req.Fallback != nil {
			span.SetAttributes(attribute.Bool("fallback", true))
			return *req.Fallback, nil
		}
		openErr := &CircuitOpenError{Upstream: req.Upstream}
		span.SetStatus(codes.Error, openErr.Error())
		return zero, openErr
	}
	span.SetAttributes(attribute.Bool("circuit.trial", permit.Trial()))

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = e.timeouts(req.Upstream)
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ch := make(chan outcome[T], 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- outcome[T]{err: fmt.Errorf("panic in upstream call: %v", r)}
			}
		}()
		v, err := req.Action(callCtx)
		ch <- outcome[T]{value: v, err: err}
	}()

	var out outcome[T]
	select {
	case out = <-ch:
	case <-callCtx.Done():
		out.err = callCtx.Err()
	}

	if out.err != nil && ctx.Err() != nil {
		b.Release(permit)
		err := fmt.Errorf("call to %s abandoned: %w", req.Upstream, context.Cause(ctx))
		span.SetStatus(codes.Error, err.Error())
		return zero, err
	}

	b.Record(permit, out.err == nil)
	if out.err == nil {
		span.SetStatus(codes.Ok, "")
		return out.value, nil
	}

	span.RecordError(out.err)
	span.SetStatus(codes.Error, out.err.Error())

	if req.Fallback != nil {
		slog.Warn("Upstream call failed, serving fallback",
			"upstream", req.Upstream,
			"error", out.err,
		)
		span.SetAttributes(attribute.Bool("fallback", true))
		return *req.Fallback, nil
	}

	return zero, &UpstreamError{
		Upstream: req.Upstream,
		Timeout:  errors.Is(out.err, context.DeadlineExceeded) && callCtx.Err() != nil,
		Err:      out.err,
	}
}
