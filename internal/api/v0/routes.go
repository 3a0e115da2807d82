// Package v0 provides the REST API handlers for sync state and control.
package v0

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/unisync/unisync/internal/conflict"
	"github.com/unisync/unisync/internal/engine"
	"github.com/unisync/unisync/internal/entity"
	"github.com/unisync/unisync/internal/state"
	"github.com/unisync/unisync/internal/versions"
)

// ErrorResponse represents a standardized error response
type ErrorResponse struct {
	Error string `json:"error"`
}

// TriggerSyncRequest is the body of POST /v0/sync
type TriggerSyncRequest struct {
	// Source narrows the scan to one source system, empty for all
	Source string `json:"source,omitempty"`

	// Target narrows the fan-out to one target system, empty for all
	Target string `json:"target,omitempty"`

	// EntityID narrows the sync to one entity, empty for all
	EntityID string `json:"entityId,omitempty"`
}

// TriggerSyncResponse is the body returned by POST /v0/sync
type TriggerSyncResponse struct {
	// OperationIDs lists the enqueued sync operations
	OperationIDs []string `json:"operationIds"`
}

// ResolveConflictRequest is the body of POST /v0/conflicts/{id}/resolve
type ResolveConflictRequest struct {
	// Winner selects the surviving version, "source" or "target"
	Winner string `json:"winner"`
}

// Routes defines the routes for the sync API with dependency injection
type Routes struct {
	engine   engine.Engine
	states   state.Manager
	resolver conflict.Resolver
	store    entity.Store
}

// NewRoutes creates a new Routes instance with the provided dependencies
func NewRoutes(eng engine.Engine, states state.Manager, resolver conflict.Resolver, store entity.Store) *Routes {
	return &Routes{
		engine:   eng,
		states:   states,
		resolver: resolver,
		store:    store,
	}
}

// Router creates a new router for the sync API
func Router(eng engine.Engine, states state.Manager, resolver conflict.Resolver, store entity.Store) http.Handler {
	routes := NewRoutes(eng, states, resolver, store)

	r := chi.NewRouter()

	r.Get("/state", routes.getState)
	r.Get("/state/systems", routes.getSystemStates)
	r.Get("/conflicts", routes.listConflicts)
	r.Post("/sync", routes.triggerSync)
	r.Post("/conflicts/{id}/resolve", routes.resolveConflict)

	return r
}

// getState handles GET /v0/state
func (rr *Routes) getState(w http.ResponseWriter, _ *http.Request) {
	overview := rr.states.Overview()
	rr.writeJSONResponse(w, overview)
}

// getSystemStates handles GET /v0/state/systems
func (rr *Routes) getSystemStates(w http.ResponseWriter, _ *http.Request) {
	overview := rr.states.Overview()
	rr.writeJSONResponse(w, overview.Systems)
}

// listConflicts handles GET /v0/conflicts
func (rr *Routes) listConflicts(w http.ResponseWriter, _ *http.Request) {
	conflicts := rr.resolver.OpenConflicts()
	if conflicts == nil {
		conflicts = []*conflict.Conflict{}
	}
	rr.writeJSONResponse(w, conflicts)
}

// triggerSync handles POST /v0/sync
func (rr *Routes) triggerSync(w http.ResponseWriter, r *http.Request) {
	var req TriggerSyncRequest
	if r.Body != nil {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err.Error() != "EOF" {
			rr.writeErrorResponse(w, "Invalid request body", http.StatusBadRequest)
			return
		}
	}

	ids, err := rr.engine.TriggerSync(r.Context(), entity.SourceSystem(req.Source), req.Target, req.EntityID)
	if err != nil {
		slog.Error("Failed to trigger sync", "error", err)
		rr.writeErrorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}
	if ids == nil {
		ids = []string{}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	rr.writeJSONBody(w, TriggerSyncResponse{OperationIDs: ids})
}

// resolveConflict handles POST /v0/conflicts/{id}/resolve
func (rr *Routes) resolveConflict(w http.ResponseWriter, r *http.Request) {
	conflictID := chi.URLParam(r, "id")

	var req ResolveConflictRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		rr.writeErrorResponse(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	resolved, err := rr.resolver.ResolveManually(conflictID, req.Winner)
	if err != nil {
		rr.writeErrorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}
	if resolved == nil {
		rr.writeErrorResponse(w, "Conflict has no version to apply", http.StatusInternalServerError)
		return
	}

	// The surviving version becomes the canonical copy
	if err := rr.store.Put(resolved); err != nil {
		slog.Error("Failed to store resolved entity",
			"conflict_id", conflictID,
			"entity_id", resolved.ID,
			"error", err)
		rr.writeErrorResponse(w, "Failed to apply resolution", http.StatusInternalServerError)
		return
	}

	rr.writeJSONResponse(w, resolved)
}

// writeJSONResponse writes a JSON response with a 200 status
func (rr *Routes) writeJSONResponse(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	rr.writeJSONBody(w, data)
}

// writeJSONBody encodes the body, assuming the status is already written
func (*Routes) writeJSONBody(w http.ResponseWriter, data any) {
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

// writeErrorResponse writes a standardized error response
func (rr *Routes) writeErrorResponse(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(ErrorResponse{Error: message}); err != nil {
		slog.Error("Failed to encode error response", "error", err)
	}
}

// HealthRouter creates a router for health check endpoints
func HealthRouter(states state.Manager) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", healthHandler(states))
	r.Get("/version", versionHandler)

	return r
}

// HealthResponse is the body of GET /health
type HealthResponse struct {
	// Status summarizes the composite health score
	Status state.HealthStatus `json:"status"`

	// HealthScore is the composite 0-100 score
	HealthScore int `json:"healthScore"`
}

// healthHandler reports the composite sync health. Degraded and critical
// states still return 200; only a wedged process fails the check.
func healthHandler(states state.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		score := states.HealthScore()
		resp := HealthResponse{
			HealthScore: score,
		}
		switch {
		case score >= 90:
			resp.Status = state.StatusHealthy
		case score >= 70:
			resp.Status = state.StatusDegraded
		default:
			resp.Status = state.StatusCritical
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			slog.Error("Failed to encode health response", "error", err)
		}
	}
}

// versionHandler handles version requests
func versionHandler(w http.ResponseWriter, _ *http.Request) {
	info := versions.GetVersionInfo()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(info); err != nil {
		slog.Error("Failed to encode version response", "error", err)
	}
}
