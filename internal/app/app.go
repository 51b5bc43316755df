// Package app wires gatekeeper's components from configuration: the counter
// store and limiter, the breaker registry and call executor, the health
// reporter, the upstream proxy and the HTTP routes.
package app

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"gatekeeper/internal/api"
	"gatekeeper/internal/breaker"
	"gatekeeper/internal/counterstore"
	"gatekeeper/internal/executor"
	"gatekeeper/internal/gateway"
	"gatekeeper/internal/health"
	"gatekeeper/internal/models"
	"gatekeeper/internal/observability"
	"gatekeeper/internal/ratelimit"
	"gatekeeper/internal/version"
)

// App is a fully wired gateway.
type App struct {
	Handler  http.Handler
	Reporter *health.Reporter
	Registry *breaker.Registry
	Executor *executor.Executor
	// Limiter is nil when rate limiting is off.
	Limiter *ratelimit.Limiter

	store *counterstore.Client
}

// New builds the gateway. metrics may be nil when metrics are disabled.
func New(cfg *models.Config, metrics *observability.Metrics, ver version.Info) (*App, error) {
	a := &App{}

	var pinger health.Pinger
	if cfg.RateLimit.Mode != models.RateLimitModeOff {
		store, err := newStore(cfg, metrics)
		if err != nil {
			return nil, err
		}
		a.store = store
		pinger = store
	}

	reporterOpts := []health.Option{
		health.WithPingTimeout(cfg.CounterStore.PingTimeout()),
		health.WithVersion(ver.Version),
	}
	if metrics != nil {
		reporterOpts = append(reporterOpts, health.WithSink(metrics))
	}
	a.Reporter = health.NewReporter(pinger, reporterOpts...)

	a.Registry = breaker.NewRegistry(
		breaker.ConfigSettings(cfg.Circuits),
		breaker.WithTransitionHook(a.Reporter.CircuitTransition),
		breaker.WithCreateHook(a.Reporter.CircuitCreated),
	)
	a.Reporter.Watch(a.Registry)

	a.Executor = executor.New(a.Registry, executor.WithTimeouts(func(upstream string) time.Duration {
		return cfg.Circuits.For(upstream).Timeout()
	}))

	proxy, err := gateway.NewProxy(cfg.Upstreams, a.Executor)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to create proxy: %w", err)
	}

	var routeOpts []api.RouteOption
	if cfg.Observability.Tracing.Enabled {
		routeOpts = append(routeOpts, api.WithOTelMiddleware(cfg.Observability.ServiceName))
	}
	if a.store != nil {
		a.Limiter = ratelimit.New(a.store,
			ratelimit.WithKeyPrefix(cfg.CounterStore.KeyPrefix),
			ratelimit.WithObserver(a.Reporter),
			ratelimit.WithDegradedLogEvery(cfg.RateLimit.LogEvery),
		)
		policies := ratelimit.NewPolicies(cfg.RateLimit, cfg.Routes)
		routeOpts = append(routeOpts, api.WithRateLimiter(ratelimit.Middleware(a.Limiter, policies)))
	}

	a.Handler = api.SetupRoutes(api.NewHandlers(a.Reporter), proxy, routeOpts...)

	return a, nil
}

func newStore(cfg *models.Config, metrics *observability.Metrics) (*counterstore.Client, error) {
	backend, err := counterstore.NewFactory().Create(cfg.RateLimit.Mode, cfg.CounterStore, cfg.RateLimit.Local)
	if err != nil {
		return nil, fmt.Errorf("failed to create counter store: %w", err)
	}

	instrumented, err := observability.NewInstrumentedBackend(backend, metrics)
	if err != nil {
		return nil, errors.Join(fmt.Errorf("failed to instrument counter store: %w", err), backend.Close())
	}

	return counterstore.NewClient(instrumented, counterstore.OptionsFromConfig(cfg.CounterStore)), nil
}

// Close releases the counter store connections.
func (a *App) Close() error {
	if a.store == nil {
		return nil
	}
	return a.store.Close()
}
