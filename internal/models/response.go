// Package models - API response types and error handling.
// This file defines all outgoing API response structures with consistent formatting.
//
// Response Design Principles:
// - Consistent JSON structure across all endpoints
// - Health payload field names are consumed by existing probes and dashboards
// - Rich error information with codes for clients that branch on them
package models

import (
	"time"
)

// Health Status Constants
//
// Degraded is an accepted operating state (fail-open limiting or an open
// circuit) and is served with HTTP 200, never 503.
const (
	StatusOK       = "ok"
	StatusDegraded = "degraded"
)

// Counter store status values reported by the health endpoint.
const (
	StoreStatusUp       = "up"
	StoreStatusDown     = "down"
	StoreStatusDisabled = "disabled"
)

// Error Code Constants
const (
	ErrorCodeNotFound           = "NOT_FOUND"            // 404: Unknown upstream or route
	ErrorCodeRateLimitExceeded  = "RATE_LIMIT_EXCEEDED"  // 429: Admission denied
	ErrorCodeCircuitOpen        = "CIRCUIT_OPEN"         // 503: Upstream short-circuited
	ErrorCodeUpstreamFailure    = "UPSTREAM_FAILURE"     // 502: Upstream call failed
	ErrorCodeUpstreamTimeout    = "UPSTREAM_TIMEOUT"     // 504: Upstream call timed out
	ErrorCodeInternalError      = "INTERNAL_ERROR"       // 500: Server-side error
	ErrorCodeInvalidRequest     = "INVALID_REQUEST"      // 400: Invalid request data
	ErrorCodeServiceUnavailable = "SERVICE_UNAVAILABLE"  // 503: Service temporarily down
)

// ErrorResponse provides structured error information.
type ErrorResponse struct {
	Error     string    `json:"error"`                // Error type (always "error")
	Message   string    `json:"message"`              // Human-readable error description
	Code      string    `json:"code,omitempty"`       // Machine-readable error code
	Upstream  string    `json:"upstream,omitempty"`   // Upstream involved, if any
	Timestamp time.Time `json:"timestamp"`            // Error occurrence time
	RequestID string    `json:"request_id,omitempty"` // Unique request identifier
}

func NewErrorResponse(message string, code string) *ErrorResponse {
	return &ErrorResponse{
		Error:     "error",
		Message:   message,
		Code:      code,
		Timestamp: time.Now(),
	}
}

// HealthResponse is the body of GET /health and GET /health/ready.
type HealthResponse struct {
	Status       string              `json:"status"`
	CounterStore CounterStoreHealth  `json:"counterStore"`
	Circuits     map[string]string   `json:"circuits"`
	Degraded     int64               `json:"degradedAdmissions"`
	Timestamp    time.Time           `json:"timestamp"`
	Version      string              `json:"version,omitempty"`
}

type CounterStoreHealth struct {
	Status    string  `json:"status"`
	LatencyMs float64 `json:"latencyMs"`
	Error     string  `json:"error,omitempty"`
}

// StatsResponse is the body of GET /health/stats.
type StatsResponse struct {
	RateLimitChecks    int64            `json:"rateLimitChecks"`
	DegradedAdmissions int64            `json:"degradedAdmissions"`
	Denials            int64            `json:"denials"`
	StateChanges       map[string]int64 `json:"stateChanges"`
	Timestamp          time.Time        `json:"timestamp"`
}
