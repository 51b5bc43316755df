package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"gatekeeper/internal/models"
)

// HealthSource provides the health and counter snapshots served by the
// health endpoints. health.Reporter satisfies it.
type HealthSource interface {
	Snapshot(ctx context.Context) models.HealthResponse
	Stats() models.StatsResponse
}

// Handlers contains the gateway's own HTTP handlers.
type Handlers struct {
	health HealthSource
}

// NewHandlers creates a new handlers instance
func NewHandlers(health HealthSource) *Handlers {
	return &Handlers{
		health: health,
	}
}

// HealthCheck handles health check requests
// GET /health
//
// Degraded is an accepted operating state, so the response is always 200.
// Probes read the status field.
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	h.writeJSONResponse(w, http.StatusOK, h.health.Snapshot(r.Context()))
}

// Ready handles readiness requests
// GET /health/ready
func (h *Handlers) Ready(w http.ResponseWriter, r *http.Request) {
	h.writeJSONResponse(w, http.StatusOK, h.health.Snapshot(r.Context()))
}

// Stats handles counter requests
// GET /health/stats
func (h *Handlers) Stats(w http.ResponseWriter, r *http.Request) {
	h.writeJSONResponse(w, http.StatusOK, h.health.Stats())
}

// writeJSONResponse writes a JSON response
func (h *Handlers) writeJSONResponse(w http.ResponseWriter, statusCode int, data interface{}) {
	writeJSON(w, statusCode, data)
}

func writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		// Headers are already written.
		slog.Error("Error encoding JSON response", "error", err)
	}
}

// writeErrorResponse writes an error response
func writeErrorResponse(w http.ResponseWriter, r *http.Request, statusCode int, errorCode, message string) {
	errorResp := models.NewErrorResponse(message, errorCode)
	errorResp.RequestID = r.Header.Get(RequestIDHeader)

	writeJSON(w, statusCode, errorResp)
}
