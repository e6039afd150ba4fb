package runtime

import (
	"encoding/json"

	"github.com/itskum47/agentflux/internal/metrics"
	"github.com/itskum47/agentflux/internal/queue"
)

// leaseState is a lease's lifecycle position.
type leaseState int

const (
	leaseReserved leaseState = iota
	leaseConsumed
	leaseReleased
	leaseExpired
)

func (s leaseState) String() string {
	switch s {
	case leaseReserved:
		return "reserved"
	case leaseConsumed:
		return "consumed"
	case leaseReleased:
		return "released"
	case leaseExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// StateProvider captures a running task's opaque resumable state at
// preemption time. Returning a nil payload is valid: the task is then
// preempted without a checkpoint and restarts from scratch.
type StateProvider func() (state json.RawMessage, schemaTag string)

// Lease is a time-bounded grant of scheduled capacity. Capacity is held
// from the moment the reservation is issued; Release (or expiry by the
// reaper) gives it back.
type Lease struct {
	ID       string
	TaskID   string
	ToolName string
	Provider string
	Model    string
	Priority queue.Priority
	Tenant   string
	Kind     WorkKind

	AdditionalRequests int
	AdditionalLLM      int

	rt            *Runtime
	state         leaseState
	expiresAtMs   int64
	reservedAt    int64
	consumedAt    int64
	orchestration bool

	stateProvider StateProvider
}

// State reports the lease's lifecycle position.
func (l *Lease) State() string {
	l.rt.mu.Lock()
	defer l.rt.mu.Unlock()
	return l.state.String()
}

// ExpiresAtMs reports the current expiry deadline.
func (l *Lease) ExpiresAtMs() int64 {
	l.rt.mu.Lock()
	defer l.rt.mu.Unlock()
	return l.expiresAtMs
}

// Consume transitions the reservation to active as the caller begins the
// provider call. It refreshes the expiry so a long-queued reservation
// still gets its full TTL of execution headroom.
func (l *Lease) Consume() {
	l.rt.mu.Lock()
	defer l.rt.mu.Unlock()
	if l.state != leaseReserved {
		return
	}
	l.state = leaseConsumed
	l.consumedAt = l.rt.nowMs()
	l.expiresAtMs = l.consumedAt + l.rt.limits.ReservationTTL.Milliseconds()
}

// SetStateProvider registers the callback preemption uses to capture this
// task's resumable state.
func (l *Lease) SetStateProvider(p StateProvider) {
	l.rt.mu.Lock()
	defer l.rt.mu.Unlock()
	l.stateProvider = p
}

// Heartbeat extends the lease's expiry by ttlMs (the runtime's reservation
// TTL when ttlMs <= 0).
func (l *Lease) Heartbeat(ttlMs int64) {
	l.rt.mu.Lock()
	defer l.rt.mu.Unlock()
	if l.state == leaseReleased || l.state == leaseExpired {
		return
	}
	if ttlMs <= 0 {
		ttlMs = l.rt.limits.ReservationTTL.Milliseconds()
	}
	l.expiresAtMs = l.rt.nowMs() + ttlMs
}

// Release returns the lease's capacity and wakes admission waiters. Calling
// it more than once is a no-op after the first.
func (l *Lease) Release() {
	l.finish(leaseReleased, true)
}

// releaseQuiet is the preemption path: capacity comes back but no
// completion event is recorded, since the task did not finish.
func (l *Lease) releaseQuiet() {
	l.finish(leaseReleased, false)
}

// expire is the reaper's release path; identical bookkeeping, distinct
// terminal state.
func (l *Lease) expire() {
	l.finish(leaseExpired, false)
}

func (l *Lease) finish(terminal leaseState, recordCompletion bool) {
	r := l.rt
	r.mu.Lock()
	if l.state == leaseReleased || l.state == leaseExpired {
		r.mu.Unlock()
		return
	}
	l.state = terminal
	delete(r.leases, l.ID)

	r.activeRunRequests -= l.AdditionalRequests
	r.activeLLM -= l.AdditionalLLM
	if n := r.activeByModel[l.modelKey()]; n <= 1 {
		delete(r.activeByModel, l.modelKey())
	} else {
		r.activeByModel[l.modelKey()] = n - 1
	}
	switch l.Kind {
	case WorkSubagent:
		r.activeSubagents--
	case WorkTeam:
		r.activeTeamRuns--
	case WorkTeammate:
		r.activeTeammates--
	}
	if l.orchestration {
		r.activeOrchestrations--
	}
	r.wakeWaitersLocked()
	r.mu.Unlock()

	if recordCompletion {
		r.record(metrics.Event{
			Kind:     metrics.KindTaskCompleted,
			Provider: l.Provider,
			Model:    l.Model,
			Priority: l.Priority.String(),
			Tenant:   l.Tenant,
		})
	}
}

func (l *Lease) modelKey() string { return l.Provider + ":" + l.Model }
