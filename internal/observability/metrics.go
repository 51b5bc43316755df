package observability

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"gatekeeper/internal/breaker"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the gateway's Prometheus collectors. The metric names and
// labels are fixed; dashboards and alerts depend on them. A nil *Metrics
// records nothing.
type Metrics struct {
	service string

	degraded      *prometheus.CounterVec
	storeDuration *prometheus.HistogramVec
	breakerState  *prometheus.GaugeVec
	stateChanges  *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg. Production
// passes prometheus.DefaultRegisterer; tests pass a fresh registry.
func NewMetrics(reg prometheus.Registerer, service string) (*Metrics, error) {
	m := &Metrics{
		service: service,
		degraded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_rate_limit_degraded_total",
			Help: "Requests admitted without a rate limit decision because the counter store was unavailable.",
		}, []string{"service", "route", "reason"}),
		storeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "redis_operation_duration_seconds",
			Help:    "Duration of counter store operations in seconds.",
			Buckets: []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2, 5},
		}, []string{"operation", "service"}),
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state: 0=CLOSED, 1=OPEN, 2=HALF_OPEN.",
		}, []string{"service", "circuit_name"}),
		stateChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "circuit_breaker_state_changes_total",
			Help: "Circuit breaker state transitions.",
		}, []string{"service", "circuit_name", "from_state", "to_state"}),
	}

	for _, c := range []prometheus.Collector{m.degraded, m.storeDuration, m.breakerState, m.stateChanges} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register metric: %w", err)
		}
	}

	return m, nil
}

// DegradedAdmission counts one fail-open admission.
func (m *Metrics) DegradedAdmission(route, reason string) {
	if m == nil {
		return
	}
	m.degraded.WithLabelValues(m.service, route, reason).Inc()
}

// ObserveStoreOperation records the duration of one counter store operation.
func (m *Metrics) ObserveStoreOperation(operation string, d time.Duration) {
	if m == nil {
		return
	}
	m.storeDuration.WithLabelValues(operation, m.service).Observe(d.Seconds())
}

// CircuitCreated publishes the initial state of a new circuit.
func (m *Metrics) CircuitCreated(circuit string) {
	if m == nil {
		return
	}
	m.breakerState.WithLabelValues(m.service, circuit).Set(float64(breaker.Closed))
}

// CircuitTransition records a state change and updates the state gauge.
func (m *Metrics) CircuitTransition(circuit string, from, to breaker.State) {
	if m == nil {
		return
	}
	m.breakerState.WithLabelValues(m.service, circuit).Set(float64(to))
	m.stateChanges.WithLabelValues(m.service, circuit, from.String(), to.String()).Inc()
}

// MetricsServer serves Prometheus metrics on a separate port.
type MetricsServer struct {
	server *http.Server
}

// NewMetricsServer creates a metrics HTTP server serving the Prometheus handler
// at the given path on the given port.
func NewMetricsServer(port int, path string, provider *Provider) *MetricsServer {
	mux := http.NewServeMux()

	if provider != nil && provider.registry != nil {
		mux.Handle(path, promhttp.HandlerFor(provider.registry, promhttp.HandlerOpts{
			Registry: provider.registry,
		}))
	}

	return &MetricsServer{
		server: &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Start begins serving metrics in a blocking call.
// Returns http.ErrServerClosed on graceful shutdown.
func (ms *MetricsServer) Start() error {
	slog.Info("Starting metrics server", "addr", ms.server.Addr)
	return ms.server.ListenAndServe()
}

// Shutdown gracefully stops the metrics server.
func (ms *MetricsServer) Shutdown(ctx context.Context) error {
	return ms.server.Shutdown(ctx)
}
