package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"

	"github.com/itskum47/agentflux/control_plane/middleware"
	"github.com/itskum47/agentflux/internal/dag"
)

// PlanRequest is a task graph submitted for dependency-ordered execution.
type PlanRequest struct {
	PlanID  string `json:"plan_id"`
	Tasks   []struct {
		ID                  string          `json:"id"`
		Dependencies        []string        `json:"dependencies,omitempty"`
		ToolName            string          `json:"tool_name"`
		Priority            string          `json:"priority,omitempty"`
		EstimatedDurationMs int64           `json:"estimated_duration_ms,omitempty"`
		InputContext        string          `json:"input_context,omitempty"`
		Payload             json.RawMessage `json:"payload,omitempty"`
	} `json:"tasks"`
	MaxConcurrency    int  `json:"max_concurrency,omitempty"`
	AbortOnFirstError bool `json:"abort_on_first_error,omitempty"`
	WeightScheduling  bool `json:"weight_scheduling,omitempty"`
}

// handleSubmitPlan validates a task graph and executes it through the
// shared admission controller. The call is synchronous: small plans are
// the expected use; large ones should be driven through /v1/tasks.
func (a *API) handleSubmitPlan(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !a.submitLimiter.Allow() {
		a.writeRateLimitError(w, "plan")
		return
	}

	var req PlanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	tenantID, err := middleware.GetTenantFromContext(r.Context())
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	payloads := make(map[string]json.RawMessage, len(req.Tasks))
	plan := dag.TaskPlan{ID: req.PlanID}
	for _, t := range req.Tasks {
		prio, _ := parsePriority(t.Priority)
		plan.Tasks = append(plan.Tasks, dag.PlanTask{
			ID:                  t.ID,
			Dependencies:        t.Dependencies,
			Priority:            prio,
			ToolName:            t.ToolName,
			TenantKey:           tenantID,
			EstimatedDurationMs: t.EstimatedDurationMs,
			InputContext:        t.InputContext,
		})
		payloads[t.ID] = t.Payload
	}

	// The execution service acquires the dispatch permit per task, so the
	// executor itself runs permit-less: double admission would deadlock a
	// plan wider than the capacity envelope.
	ex := dag.NewExecutor(nil, dag.Options{
		MaxConcurrency:           req.MaxConcurrency,
		AbortOnFirstError:        req.AbortOnFirstError,
		UseWeightBasedScheduling: req.WeightScheduling,
	})

	result, err := ex.Execute(r.Context(), plan, func(ctx context.Context, task dag.PlanTask, input string) (any, error) {
		d, execErr := a.executor.Execute(ctx, tenantID, TaskRequest{
			TaskID:   req.PlanID + ":" + task.ID + ":exec",
			ToolName: task.ToolName,
			Priority: task.Priority.String(),
			Payload:  payloads[task.ID],
		})
		if execErr != nil {
			return nil, execErr
		}
		if d.Outcome != "completed" {
			return nil, &PlanTaskError{TaskID: task.ID, Outcome: d.Outcome}
		}
		return d.DispatchID, nil
	})
	if err != nil {
		// Validation failure: duplicate IDs, unknown deps, or a cycle.
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	log.Printf("Plan %s finished: %s (%d completed, %d failed, %d skipped)",
		req.PlanID, result.Status, len(result.Completed), len(result.Failed), len(result.Skipped))
	writeJSON(w, http.StatusOK, map[string]any{
		"status":            result.Status,
		"completed":         result.Completed,
		"failed":            result.Failed,
		"skipped":           result.Skipped,
		"total_duration_ms": result.TotalDurationMs,
	})
}

// PlanTaskError reports a plan node that was dispatched but did not
// complete.
type PlanTaskError struct {
	TaskID  string
	Outcome string
}

func (e *PlanTaskError) Error() string {
	return "plan task " + e.TaskID + " ended " + e.Outcome
}
