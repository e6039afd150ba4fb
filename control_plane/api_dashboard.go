package main

import (
	"encoding/json"
	"net/http"

	"github.com/itskum47/agentflux/control_plane/middleware"
)

// DashboardMetrics represents the complete dashboard state.
type DashboardMetrics struct {
	// Scheduler
	QueueDepth       int     `json:"queue_depth"`
	OldestWaitMs     int64   `json:"oldest_wait_ms"`
	ActiveLeases     int     `json:"active_leases"`
	ActiveLLM        int     `json:"active_llm"`
	MaxConcurrency   int     `json:"max_concurrency"`
	WorkerSaturation float64 `json:"worker_saturation"`
	WaitP99Ms        int64   `json:"wait_p99_ms"`
	ExecP99Ms        int64   `json:"exec_p99_ms"`

	// Leadership
	IsLeader          bool   `json:"is_leader"`
	CurrentEpoch      int64  `json:"current_epoch"`
	LeaderTransitions int64  `json:"leader_transitions"`
	NodeID            string `json:"node_id"`

	// Audit
	CompletedDispatches int `json:"completed_dispatches"`
	FailedDispatches    int `json:"failed_dispatches"`

	// Cross-instance
	HostInstances    int   `json:"host_instances"`
	SuccessfulSteals int64 `json:"successful_steals"`

	// Timestamp
	Timestamp int64 `json:"timestamp"`
}

// handleGetDashboard returns the current dashboard metrics.
func (a *API) handleGetDashboard(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	tenantID, err := middleware.GetTenantFromContext(r.Context())
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	metrics, err := a.dashboardService.GetDashboardMetrics(r.Context(), tenantID)
	if err != nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(metrics)
}
