package store

import (
	"time"
)

// Tenant represents a registered fairness/billing identity. Tasks carrying
// the same tenant key share one WFQ weight in the scheduler.
type Tenant struct {
	TenantID  string            `json:"tenant_id" db:"tenant_id"`
	Name      string            `json:"name" db:"name"`
	Status    string            `json:"status" db:"status"` // "active", "suspended"
	Weight    int               `json:"weight" db:"weight"` // relative fair-share weight
	CreatedAt time.Time         `json:"created_at" db:"created_at"`
	UpdatedAt time.Time         `json:"updated_at" db:"updated_at"`
	Metadata  map[string]string `json:"metadata" db:"metadata"` // JSONB in Postgres
}

// Dispatch is one task's audit record: permit request through terminal
// outcome.
type Dispatch struct {
	DispatchID  string     `json:"dispatch_id" db:"dispatch_id"`
	TenantID    string     `json:"tenant_id" db:"tenant_id"`
	TaskID      string     `json:"task_id" db:"task_id"`
	LeaseID     string     `json:"lease_id" db:"lease_id"`
	ToolName    string     `json:"tool_name" db:"tool_name"`
	Provider    string     `json:"provider" db:"provider"`
	Model       string     `json:"model" db:"model"`
	Priority    string     `json:"priority" db:"priority"`
	Outcome     string     `json:"outcome" db:"outcome"` // "dispatched", "completed", "failed", "timed_out", "aborted", "circuit_open", "queue_full", "preempted"
	Detail      string     `json:"detail" db:"detail"`
	WaitMs      int64      `json:"wait_ms" db:"wait_ms"`
	ExecutionMs int64      `json:"execution_ms" db:"execution_ms"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	FinishedAt  *time.Time `json:"finished_at" db:"finished_at"`
	TraceID     string     `json:"trace_id" db:"trace_id"`
}
