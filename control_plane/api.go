package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/itskum47/agentflux/control_plane/coordination"
	"github.com/itskum47/agentflux/control_plane/idempotency"
	"github.com/itskum47/agentflux/control_plane/incident"
	"github.com/itskum47/agentflux/control_plane/middleware"
	"github.com/itskum47/agentflux/control_plane/observability"
	"github.com/itskum47/agentflux/control_plane/store"
	"github.com/itskum47/agentflux/control_plane/timeline"
	"github.com/itskum47/agentflux/internal/runtime"
)

type API struct {
	store    store.Store
	rt       *runtime.Runtime
	executor *ExecutionService
	elector  *coordination.LeaderElector
	tl       *timeline.Store
	journal  *incident.Journal

	// Services
	dashboardService *DashboardService
	wsHub            *MetricsHub

	idempotency *idempotency.Store

	// Storm Protection
	submitLimiter *rate.Limiter
	permitLimiter *rate.Limiter
}

func NewAPI(s store.Store, rt *runtime.Runtime, executor *ExecutionService, elector *coordination.LeaderElector, tl *timeline.Store, journal *incident.Journal, idempotencyStore *idempotency.Store) *API {
	api := &API{
		store:       s,
		rt:          rt,
		executor:    executor,
		elector:     elector,
		tl:          tl,
		journal:     journal,
		idempotency: idempotencyStore,
		// Allow 100 submissions/sec, burst 200
		submitLimiter: rate.NewLimiter(rate.Limit(100), 200),
		// Allow 50 raw permit requests/sec, burst 100
		permitLimiter: rate.NewLimiter(rate.Limit(50), 100),
	}

	// Initialize Services
	api.dashboardService = NewDashboardService(s, rt, elector)

	// Initialize WebSocket hub
	api.wsHub = NewMetricsHub(api)

	return api
}

// Wrapper for capturing response
type responseRecorder struct {
	http.ResponseWriter
	statusCode int
	body       []byte
}

func (r *responseRecorder) WriteHeader(code int) {
	r.statusCode = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	r.body = append(r.body, b...)
	return r.ResponseWriter.Write(b)
}

func (a *API) withIdempotency(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("X-AgentFlux-Idempotency-Key")
		if key == "" {
			next(w, r)
			return
		}

		if resp, found := a.idempotency.Get(r.Context(), key); found {
			for k, v := range resp.Headers {
				for _, val := range v {
					w.Header().Add(k, val)
				}
			}
			w.WriteHeader(resp.StatusCode)
			w.Write(resp.Body)
			return
		}

		rec := &responseRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next(rec, r)

		a.idempotency.Set(r.Context(), key, idempotency.Response{
			StatusCode: rec.statusCode,
			Body:       rec.body,
			Headers:    rec.Header(),
		})
	}
}

// writeRateLimitError writes a 429 response with Jittered Retry-After
func (a *API) writeRateLimitError(w http.ResponseWriter, endpoint string) {
	observability.APIRateLimited.WithLabelValues(endpoint).Inc()

	// Jitter: 1s base + 0-1000ms random
	retryAfter := 1000 + rand.Intn(1000)
	w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfter/1000)) // Seconds
	http.Error(w, "Too Many Requests (Storm Protection Active)", http.StatusTooManyRequests)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// -- Tenants --

func (a *API) handleUpsertTenant(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var tenant store.Tenant
	if err := json.NewDecoder(r.Body).Decode(&tenant); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if tenant.TenantID == "" {
		http.Error(w, "tenant_id is required", http.StatusBadRequest)
		return
	}
	if tenant.Status == "" {
		tenant.Status = "active"
	}
	if tenant.Weight <= 0 {
		tenant.Weight = 1
	}

	if err := a.store.UpsertTenant(r.Context(), &tenant); err != nil {
		log.Printf("Failed to register tenant %s: %v", tenant.TenantID, err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "registered"})
}

func (a *API) handleListTenants(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	tenants, err := a.store.ListTenants(r.Context())
	if err != nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, tenants)
}

// -- Task Submission --

// handleSubmitTask accepts a task, runs it asynchronously through the
// execution service, and returns 202 with the audit ID. Completion is
// visible via /v1/dispatches and the dashboard stream.
func (a *API) handleSubmitTask(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	// Storm Protection
	if !a.submitLimiter.Allow() {
		a.writeRateLimitError(w, "submit")
		return
	}

	var req TaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.ToolName == "" {
		http.Error(w, "tool_name is required", http.StatusBadRequest)
		return
	}

	tenantID, err := middleware.GetTenantFromContext(r.Context())
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	tenant, err := a.store.GetTenant(r.Context(), tenantID)
	if err != nil {
		http.Error(w, "Internal Server Error checking tenant", http.StatusInternalServerError)
		return
	}
	if tenant == nil || tenant.Status != "active" {
		http.Error(w, "Tenant not registered or suspended", http.StatusForbidden)
		return
	}

	// Async execution; outcome lands in the audit log.
	go func() {
		if _, err := a.executor.Execute(context.Background(), tenantID, req); err != nil {
			log.Printf("Task %s execution bookkeeping error: %v", req.TaskID, err)
		}
	}()

	writeJSON(w, http.StatusAccepted, map[string]string{
		"status":  "accepted",
		"task_id": req.TaskID,
	})
}

// -- Raw Permit API (callers that run their own transport) --

func (a *API) handleRequestPermit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !a.permitLimiter.Allow() {
		a.writeRateLimitError(w, "permit")
		return
	}

	var req TaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	tenantID, err := middleware.GetTenantFromContext(r.Context())
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	prio, explicit := parsePriority(req.Priority)
	maxWait := req.MaxWaitMs
	if maxWait == 0 {
		maxWait = -1
	}
	res := a.rt.RequestDispatchPermit(r.Context(), runtime.PermitInput{
		TaskID:              req.TaskID,
		ToolName:            req.ToolName,
		Description:         req.Description,
		Provider:            req.Provider,
		Model:               req.Model,
		Priority:            prio,
		HasExplicitPriority: explicit,
		TenantKey:           tenantID,
		DeadlineMs:          req.DeadlineMs,
		MaxWaitMs:           maxWait,
	})

	resp := map[string]any{
		"allowed":      res.Allowed,
		"timed_out":    res.TimedOut,
		"aborted":      res.Aborted,
		"circuit_open": res.CircuitOpen,
		"queue_full":   res.QueueFull,
		"diagnostics": map[string]any{
			"provider":           res.Diagnostics.Provider,
			"model":              res.Diagnostics.Model,
			"rate_limit_wait_ms": res.Diagnostics.RateLimitWaitMs,
			"circuit_state":      res.Diagnostics.CircuitState,
			"last_block_reason":  res.Diagnostics.LastBlockReason,
		},
	}
	if res.Allowed {
		resp["lease_id"] = res.Lease.ID
		resp["expires_at_ms"] = res.Lease.ExpiresAtMs()
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleLeaseAction serves POST /v1/leases/{id}/{consume|heartbeat|release}.
func (a *API) handleLeaseAction(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	// v1/leases/{id}/{action}
	if len(parts) < 4 {
		http.Error(w, "Invalid lease path", http.StatusBadRequest)
		return
	}
	leaseID, action := parts[2], parts[3]

	lease := a.rt.FindLease(leaseID)
	if lease == nil {
		http.Error(w, "Lease not found", http.StatusNotFound)
		return
	}

	switch action {
	case "consume":
		lease.Consume()
	case "heartbeat":
		var body struct {
			TTLMs int64 `json:"ttl_ms"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		lease.Heartbeat(body.TTLMs)
	case "release":
		lease.Release()
	default:
		http.Error(w, "Unknown lease action", http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "state": lease.State()})
}

// handleReportOutcome feeds a provider-call result observed by an external
// executor back into the learning controllers.
func (a *API) handleReportOutcome(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Provider     string `json:"provider"`
		Model        string `json:"model"`
		StatusCode   int    `json:"status_code"`
		RetryAfterMs int64  `json:"retry_after_ms"`
		Error        string `json:"error"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.Provider == "" || req.Model == "" {
		http.Error(w, "provider and model are required", http.StatusBadRequest)
		return
	}
	a.rt.ReportOutcome(req.Provider, req.Model, req.StatusCode, req.RetryAfterMs, req.Error)
	if req.StatusCode == 429 {
		observability.RateLimitHits.WithLabelValues(req.Provider, req.Model).Inc()
	}
	w.WriteHeader(http.StatusOK)
}

// -- Introspection --

func (a *API) handleGetQueue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, a.rt.GetSnapshot())
}

func (a *API) handleListLeases(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, a.rt.LeaseInfos())
}

func (a *API) handleListInstances(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	co := a.rt.Coordinator()
	if co == nil {
		writeJSON(w, http.StatusOK, []any{})
		return
	}
	writeJSON(w, http.StatusOK, co.GetActiveInstances())
}

func (a *API) handleListDispatches(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	tenantID, err := middleware.GetTenantFromContext(r.Context())
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	dispatches, err := a.store.ListDispatches(r.Context(), tenantID, 50)
	if err != nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, dispatches)
}

// handleHealth reports dependency availability and degraded-mode status.
func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, a.executor.Degraded().HealthCheck(r.Context()))
}

func (a *API) handleMetricsSummary(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	periodMs := int64(5 * time.Minute / time.Millisecond)
	c := a.rt.Collector()
	if c == nil {
		writeJSON(w, http.StatusOK, map[string]any{})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"snapshot": c.GetMetrics(),
		"summary":  c.GetSummary(periodMs),
		"stats":    c.GetStats(),
	})
}
