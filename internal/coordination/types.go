// Package coordination implements the cross-instance coordinator: a
// file-based registry of cooperating local processes, heartbeats,
// queue-state broadcast, distributed locks, and work stealing, all
// rooted at a local filesystem tree rather than a shared database.
package coordination

import "time"

// ActiveModel is one provider/model an instance currently has in flight.
type ActiveModel struct {
	Provider string    `json:"provider"`
	Model    string    `json:"model"`
	Since    time.Time `json:"since"`
}

// InstanceRecord is one process's registration file.
type InstanceRecord struct {
	InstanceID          string        `json:"instanceId"`
	PID                 int           `json:"pid"`
	SessionID           string        `json:"sessionId"`
	StartedAt           time.Time     `json:"startedAt"`
	LastHeartbeat        time.Time     `json:"lastHeartbeat"`
	Cwd                  string        `json:"cwd"`
	ActiveModels         []ActiveModel `json:"activeModels"`
	PendingTaskCount     int           `json:"pendingTaskCount,omitempty"`
	AvgLatencyMs         float64       `json:"avgLatencyMs,omitempty"`
	LastTaskCompletedAt  *time.Time    `json:"lastTaskCompletedAt,omitempty"`
}

// StealableEntry describes one queued task another instance may steal.
// Stolen tasks keep their original priority and tenant.
type StealableEntry struct {
	ID                  string `json:"id"`
	ToolName            string `json:"toolName"`
	Priority            int    `json:"priority"`
	TenantKey           string `json:"tenantKey,omitempty"`
	InstanceID          string `json:"instanceId"`
	EnqueuedAt          int64  `json:"enqueuedAt"`
	EstimatedDurationMs int64  `json:"estimatedDurationMs,omitempty"`
	EstimatedRounds     int    `json:"estimatedRounds,omitempty"`
}

// QueueStateSnapshot is one instance's broadcast queue-state file.
type QueueStateSnapshot struct {
	InstanceID           string           `json:"instanceId"`
	Timestamp            int64            `json:"timestamp"`
	PendingTaskCount      int              `json:"pendingTaskCount"`
	AvgLatencyMs          float64          `json:"avgLatencyMs,omitempty"`
	ActiveOrchestrations  int              `json:"activeOrchestrations"`
	StealableEntries      []StealableEntry `json:"stealableEntries,omitempty"`
}

// StealingStats tallies work-stealing attempts across this instance's
// lifetime.
type StealingStats struct {
	TotalAttempts    int64
	SuccessfulSteals int64
	AvgLatencyMs     float64
}

// LockToken is returned on successful acquisition; the holder must present
// it to release.
type LockToken struct {
	Resource     string
	Token        string
	AcquiredAtMs int64
	ExpiresAtMs  int64
}
