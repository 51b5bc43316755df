package api

import (
	"net/http"
	"strings"

	"gatekeeper/internal/gateway"
	"gatekeeper/internal/models"

	"github.com/gorilla/mux"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gorilla/mux/otelmux"
)

type routeConfig struct {
	router  []mux.MiddlewareFunc
	gateway []mux.MiddlewareFunc
}

// RouteOption configures optional route behavior.
type RouteOption func(*routeConfig)

// WithOTelMiddleware adds OpenTelemetry HTTP instrumentation middleware.
// Health probes are not traced.
func WithOTelMiddleware(serviceName string) RouteOption {
	return func(rc *routeConfig) {
		rc.router = append(rc.router, otelmux.Middleware(serviceName,
			otelmux.WithFilter(func(r *http.Request) bool {
				return !strings.HasPrefix(r.URL.Path, "/health")
			}),
		))
	}
}

// WithRateLimiter adds rate limiting middleware to the forwarded routes.
// Health endpoints are never rate limited.
func WithRateLimiter(middleware func(http.Handler) http.Handler) RouteOption {
	return func(rc *routeConfig) {
		rc.gateway = append(rc.gateway, middleware)
	}
}

// SetupRoutes configures the HTTP routes: the health endpoints and the
// forwarded /gw/{upstream}/... routes served by proxy.
func SetupRoutes(handlers *Handlers, proxy http.Handler, opts ...RouteOption) *mux.Router {
	rc := &routeConfig{}
	for _, opt := range opts {
		opt(rc)
	}

	router := mux.NewRouter()

	router.Use(requestIDMiddleware)
	router.Use(loggingMiddleware)
	router.Use(recoveryMiddleware)
	for _, mw := range rc.router {
		router.Use(mw)
	}

	router.HandleFunc("/health", handlers.HealthCheck).Methods("GET")
	router.HandleFunc("/health/ready", handlers.Ready).Methods("GET")
	router.HandleFunc("/health/stats", handlers.Stats).Methods("GET")

	gw := router.PathPrefix(gateway.PathPrefix + "/{upstream}").Subrouter()
	for _, mw := range rc.gateway {
		gw.Use(mw)
	}
	gw.PathPrefix("").Handler(proxy)

	router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeErrorResponse(w, r, http.StatusNotFound, models.ErrorCodeNotFound, "Not found")
	})

	router.MethodNotAllowedHandler = http.HandlerFunc(methodNotAllowedHandler)

	return router
}

// methodNotAllowedHandler handles requests with invalid HTTP methods
func methodNotAllowedHandler(w http.ResponseWriter, r *http.Request) {
	writeErrorResponse(w, r, http.StatusMethodNotAllowed, models.ErrorCodeInvalidRequest, "Method not allowed")
}
