package main

import (
	"net/http"
	"strings"

	"github.com/itskum47/agentflux/control_plane/incident"
	"github.com/itskum47/agentflux/control_plane/middleware"
)

// handleCaptureIncident snapshots the runtime for a resource on demand:
// GET /v1/incidents/capture?provider=...&model=...
func (a *API) handleCaptureIncident(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	tenantID, err := middleware.GetTenantFromContext(r.Context())
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	provider := r.URL.Query().Get("provider")
	model := r.URL.Query().Get("model")

	report, err := incident.Capture(r.Context(), a.rt, a.tl, a.store, incident.KindManual, tenantID, provider, model)
	if err != nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	a.journal.Add(report)

	w.Header().Set("Content-Disposition", "attachment; filename=incident-"+report.ID+".json")
	writeJSON(w, http.StatusOK, report)
}

// handleListIncidents serves GET /v1/incidents and GET /v1/incidents/{id}.
func (a *API) handleListIncidents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	// v1/incidents or v1/incidents/{id}
	if len(parts) >= 3 && parts[2] != "" {
		report := a.journal.Get(parts[2])
		if report == nil {
			http.Error(w, "Incident not found", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, report)
		return
	}
	writeJSON(w, http.StatusOK, a.journal.List())
}
