// Package health aggregates the gateway's operating state for the health
// endpoints: a live counter store probe, the state of every known circuit
// breaker and the admission counters. The reporter also forwards limiter
// decisions and breaker transitions to the Prometheus collectors.
package health

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"gatekeeper/internal/breaker"
	"gatekeeper/internal/models"
	"gatekeeper/internal/ratelimit"

	"golang.org/x/sync/singleflight"
)

// DefaultPingTimeout bounds the counter store probe of a snapshot.
const DefaultPingTimeout = 500 * time.Millisecond

// Pinger probes the counter store. counterstore.Client satisfies it.
type Pinger interface {
	Ping(ctx context.Context) error
}

// CircuitSource lists the known circuits. breaker.Registry satisfies it.
type CircuitSource interface {
	States() map[string]breaker.State
}

// Sink receives the events that feed dashboard metrics.
// *observability.Metrics satisfies it.
type Sink interface {
	DegradedAdmission(route, reason string)
	CircuitCreated(circuit string)
	CircuitTransition(circuit string, from, to breaker.State)
}

// Option configures a Reporter.
type Option func(*Reporter)

// WithPingTimeout overrides DefaultPingTimeout.
func WithPingTimeout(d time.Duration) Option {
	return func(r *Reporter) {
		if d > 0 {
			r.pingTimeout = d
		}
	}
}

// WithSink forwards events to s.
func WithSink(s Sink) Option {
	return func(r *Reporter) { r.sink = s }
}

// WithVersion sets the version reported by snapshots.
func WithVersion(v string) Option {
	return func(r *Reporter) { r.version = v }
}

// WithClock replaces time.Now for snapshot timestamps.
func WithClock(now func() time.Time) Option {
	return func(r *Reporter) { r.now = now }
}

// Reporter is safe for concurrent use.
type Reporter struct {
	store       Pinger // nil when rate limiting uses no shared store
	sink        Sink
	pingTimeout time.Duration
	version     string
	now         func() time.Time

	probes singleflight.Group

	checks   atomic.Int64
	denials  atomic.Int64
	degraded atomic.Int64

	mu           sync.RWMutex
	circuits     CircuitSource
	stateChanges map[string]int64
}

// NewReporter creates a reporter probing store. A nil store is reported as
// disabled and never degrades the status.
func NewReporter(store Pinger, opts ...Option) *Reporter {
	r := &Reporter{
		store:        store,
		pingTimeout:  DefaultPingTimeout,
		now:          time.Now,
		stateChanges: make(map[string]int64),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Watch sets the circuits included in snapshots.
func (r *Reporter) Watch(c CircuitSource) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.circuits = c
}

// ObserveCheck implements ratelimit.Observer.
func (r *Reporter) ObserveCheck(key ratelimit.Key, decision ratelimit.Decision, reason string) {
	r.checks.Add(1)
	switch decision {
	case ratelimit.Deny:
		r.denials.Add(1)
	case ratelimit.AllowDegraded:
		r.degraded.Add(1)
		if r.sink != nil {
			r.sink.DegradedAdmission(key.Route, reason)
		}
	}
}

// CircuitCreated is a breaker create hook.
func (r *Reporter) CircuitCreated(name string) {
	if r.sink != nil {
		r.sink.CircuitCreated(name)
	}
}

// CircuitTransition is a breaker transition hook. It runs under the breaker
// lock and only touches the reporter's own state.
func (r *Reporter) CircuitTransition(t breaker.Transition) {
	r.mu.Lock()
	r.stateChanges[t.Name]++
	r.mu.Unlock()

	if r.sink != nil {
		r.sink.CircuitTransition(t.Name, t.From, t.To)
	}
	slog.Warn("Circuit state changed",
		"circuit", t.Name,
		"from", t.From.String(),
		"to", t.To.String())
}

// Snapshot returns the current health. It never fails: an unreachable store is
// reported as down. Concurrent snapshots share a single probe.
func (r *Reporter) Snapshot(ctx context.Context) models.HealthResponse {
	resp := models.HealthResponse{
		Status:       models.StatusOK,
		CounterStore: r.probe(ctx),
		Circuits:     make(map[string]string),
		Degraded:     r.degraded.Load(),
		Timestamp:    r.now(),
		Version:      r.version,
	}

	if resp.CounterStore.Status == models.StoreStatusDown {
		resp.Status = models.StatusDegraded
	}

	r.mu.RLock()
	circuits := r.circuits
	r.mu.RUnlock()

	if circuits != nil {
		for name, state := range circuits.States() {
			resp.Circuits[name] = state.String()
			if state != breaker.Closed {
				resp.Status = models.StatusDegraded
			}
		}
	}

	return resp
}

func (r *Reporter) probe(ctx context.Context) models.CounterStoreHealth {
	if r.store == nil {
		return models.CounterStoreHealth{Status: models.StoreStatusDisabled}
	}

	v, _, _ := r.probes.Do("ping", func() (interface{}, error) {
		// The probe outlives any single caller that joined it.
		pingCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.pingTimeout)
		defer cancel()

		start := time.Now()
		err := r.store.Ping(pingCtx)
		h := models.CounterStoreHealth{
			Status:    models.StoreStatusUp,
			LatencyMs: float64(time.Since(start).Microseconds()) / 1000,
		}
		if err != nil {
			h.Status = models.StoreStatusDown
			h.Error = err.Error()
		}
		return h, nil
	})

	return v.(models.CounterStoreHealth)
}

// Stats returns the admission and breaker counters.
func (r *Reporter) Stats() models.StatsResponse {
	r.mu.RLock()
	changes := make(map[string]int64, len(r.stateChanges))
	for name, n := range r.stateChanges {
		changes[name] = n
	}
	r.mu.RUnlock()

	return models.StatsResponse{
		RateLimitChecks:    r.checks.Load(),
		DegradedAdmissions: r.degraded.Load(),
		Denials:            r.denials.Load(),
		StateChanges:       changes,
		Timestamp:          r.now(),
	}
}
