package incident

import (
	"context"
	"sync"
	"time"

	"github.com/itskum47/agentflux/control_plane/store"
	"github.com/itskum47/agentflux/control_plane/timeline"
	"github.com/itskum47/agentflux/internal/runtime"
)

// Kind names the trigger that produced an incident snapshot.
type Kind string

const (
	KindCircuitOpen        Kind = "circuit_open"
	KindQueueFull          Kind = "queue_full"
	KindReservationExpired Kind = "capacity_reservation_expired"
	KindManual             Kind = "manual"
)

// Report is a captured failure context for debugging: the runtime's
// counters, the offending resource's circuit/limit state, the task
// timeline around the trigger, and recent dispatch history.
type Report struct {
	ID         string               `json:"id"`
	Kind       Kind                 `json:"kind"`
	Provider   string               `json:"provider,omitempty"`
	Model      string               `json:"model,omitempty"`
	TenantID   string               `json:"tenant_id,omitempty"`
	Snapshot   runtime.Snapshot     `json:"snapshot"`
	Circuit    string               `json:"circuit_state,omitempty"`
	Events     []timeline.TaskEvent `json:"events"`
	Dispatches []*store.Dispatch    `json:"dispatches,omitempty"`
	CapturedAt time.Time            `json:"captured_at"`
	Analysis   string               `json:"analysis,omitempty"`
}

// DispatchLister is the slice of the store needed for capture.
type DispatchLister interface {
	ListDispatches(ctx context.Context, tenantID string, limit int) ([]*store.Dispatch, error)
}

// Capture gathers all relevant data for a scheduling failure.
func Capture(ctx context.Context, rt *runtime.Runtime, tl *timeline.Store, s DispatchLister, kind Kind, tenantID, provider, model string) (*Report, error) {
	report := &Report{
		ID:         kind.id(time.Now()),
		Kind:       kind,
		Provider:   provider,
		Model:      model,
		TenantID:   tenantID,
		Snapshot:   rt.GetSnapshot(),
		CapturedAt: time.Now(),
	}

	if provider != "" && model != "" {
		report.Circuit = rt.Breaker().GetState(provider + ":" + model).String()
		report.Events = tl.GetEventsByResource(provider, model)
	} else {
		report.Events = tl.GetRecent(100)
	}

	if s != nil && tenantID != "" {
		dispatches, err := s.ListDispatches(ctx, tenantID, 50)
		if err == nil {
			report.Dispatches = dispatches
		}
	}
	return report, nil
}

func (k Kind) id(t time.Time) string {
	return string(k) + "-" + t.UTC().Format("20060102T150405.000")
}

// Journal keeps the most recent reports in memory for the incidents API.
type Journal struct {
	mu      sync.Mutex
	reports []*Report
	cap     int
}

// NewJournal creates a Journal retaining up to cap reports.
func NewJournal(cap int) *Journal {
	if cap <= 0 {
		cap = 64
	}
	return &Journal{cap: cap}
}

func (j *Journal) Add(r *Report) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.reports = append(j.reports, r)
	if len(j.reports) > j.cap {
		j.reports = j.reports[len(j.reports)-j.cap:]
	}
}

func (j *Journal) List() []*Report {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]*Report, len(j.reports))
	copy(out, j.reports)
	return out
}

func (j *Journal) Get(id string) *Report {
	j.mu.Lock()
	defer j.mu.Unlock()
	for _, r := range j.reports {
		if r.ID == id {
			return r
		}
	}
	return nil
}
