// Package runtime implements the agent runtime admission controller: it
// owns the process-wide scheduling state, fuses the queue, rate limiter,
// penalty, parallelism, circuit and adaptive controllers into a single
// dispatch-permit operation, and tracks leases from reservation to
// release.
package runtime

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/itskum47/agentflux/internal/adaptive"
	"github.com/itskum47/agentflux/internal/checkpoint"
	"github.com/itskum47/agentflux/internal/circuitbreaker"
	"github.com/itskum47/agentflux/internal/coordination"
	"github.com/itskum47/agentflux/internal/metrics"
	"github.com/itskum47/agentflux/internal/parallelism"
	"github.com/itskum47/agentflux/internal/penalty"
	"github.com/itskum47/agentflux/internal/queue"
	"github.com/itskum47/agentflux/internal/ratelimit"
)

// Clock abstracts wall time for tests.
type Clock func() time.Time

// ToolRoute maps a tool name to the provider/model it will execute
// against, used when a permit request does not name them explicitly.
type ToolRoute func(toolName string) (provider, model string)

func defaultToolRoute(string) (string, string) { return "anthropic", "default" }

// Runtime is the single per-process owner of all mutable scheduling state.
type Runtime struct {
	mu sync.Mutex

	limits Limits
	clock  Clock
	route  ToolRoute

	queue     *queue.Queue
	limiter   *ratelimit.Limiter
	penalties *penalty.Registry
	adjuster  *parallelism.Adjuster
	breaker   *circuitbreaker.Breaker
	adaptive  *adaptive.Controller
	coord     *coordination.Coordinator
	ckpts     *checkpoint.Manager
	collector *metrics.Collector

	// Live lease/reservation table, keyed by lease ID. Reserved leases
	// already count against capacity so a grant can never overshoot.
	leases map[string]*Lease

	activeRunRequests    int
	activeLLM            int
	activeSubagents      int
	activeTeamRuns       int
	activeTeammates      int
	activeOrchestrations int
	activeByModel        map[string]int

	lastDispatchedTenant string
	consecutiveTenant    int

	// effectiveLLMCap is this instance's share of the host-wide LLM
	// budget, refreshed periodically from the cross-instance coordinator;
	// 0 means no cross-instance reduction applies.
	effectiveLLMCap int

	// stolenTasks marks queued task IDs claimed by a peer instance; the
	// owning waiter surfaces Stolen instead of executing.
	stolenTasks map[string]bool

	evicted       int64
	priorityStats map[string]int64

	// wake is closed and replaced whenever capacity frees up, so admission
	// waiters never busy-poll while someone holds what they need.
	wake chan struct{}

	stopReaper context.CancelFunc
	wg         sync.WaitGroup
}

// Option configures a Runtime.
type Option func(*Runtime)

func WithClock(c Clock) Option { return func(r *Runtime) { r.clock = c } }

// WithToolRoute overrides the tool-name to provider/model mapping.
func WithToolRoute(f ToolRoute) Option { return func(r *Runtime) { r.route = f } }

// WithCoordinator attaches a cross-instance coordinator so per-model caps
// are divided across cooperating processes.
func WithCoordinator(co *coordination.Coordinator) Option {
	return func(r *Runtime) { r.coord = co }
}

// WithCheckpoints attaches a checkpoint manager, enabling preemption of
// background leases.
func WithCheckpoints(m *checkpoint.Manager) Option { return func(r *Runtime) { r.ckpts = m } }

// WithCollector attaches a metrics collector; a Runtime without one simply
// records nothing.
func WithCollector(c *metrics.Collector) Option { return func(r *Runtime) { r.collector = c } }

// WithAdaptiveController overrides the learned-limit controller (useful to
// point persistence at a test directory).
func WithAdaptiveController(a *adaptive.Controller) Option {
	return func(r *Runtime) { r.adaptive = a }
}

// New assembles a Runtime from its limit envelope. The reaper goroutine
// that expires stale reservations starts immediately; call Shutdown to
// stop it.
func New(limits Limits, opts ...Option) *Runtime {
	r := &Runtime{
		limits:        limits,
		clock:         time.Now,
		route:         defaultToolRoute,
		leases:        make(map[string]*Lease),
		activeByModel: make(map[string]int),
		priorityStats: make(map[string]int64),
		stolenTasks:   make(map[string]bool),
		wake:          make(chan struct{}),
	}
	for _, o := range opts {
		o(r)
	}

	r.queue = queue.New(queue.WithClock(queue.Clock(r.clock)))
	rpm := limits.DefaultModelRPM
	if rpm <= 0 {
		rpm = 600
	}
	r.limiter = ratelimit.New(rpm, ratelimit.WithClock(ratelimit.Clock(r.clock)))
	mode := penalty.ModeEnhanced
	if limits.PenaltyMode == "legacy" {
		mode = penalty.ModeLegacy
	}
	r.penalties = penalty.NewRegistry(mode, penalty.WithClock(penalty.Clock(r.clock)))
	r.adjuster = parallelism.New(parallelism.Config{
		RecoveryIntervalMs: limits.RecoveryIntervalMs,
		ReductionOn429:     limits.ReductionFactor,
		Max:                limits.MaxConcurrentPerModel,
	}, parallelism.WithClock(parallelism.Clock(r.clock)))
	r.breaker = circuitbreaker.New(circuitbreaker.Config{}, circuitbreaker.WithClock(circuitbreaker.Clock(r.clock)))
	if r.adaptive == nil && limits.AdaptiveEnabled {
		r.adaptive = adaptive.New(limits.ConfigDir, adaptive.Config{
			ReductionFactor:    limits.ReductionFactor,
			RecoveryFactor:     limits.RecoveryFactor,
			RecoveryIntervalMs: limits.RecoveryIntervalMs,
			PredictiveEnabled:  limits.PredictiveEnabled,
		}, adaptive.WithClock(adaptive.Clock(r.clock)))
	}

	reaperCtx, cancel := context.WithCancel(context.Background())
	r.stopReaper = cancel
	r.wg.Add(1)
	go r.reaperLoop(reaperCtx)
	return r
}

// Shutdown stops background goroutines and releases subscriber channels.
func (r *Runtime) Shutdown() {
	if r.stopReaper != nil {
		r.stopReaper()
	}
	r.wg.Wait()
	r.adjuster.Shutdown()
	if r.adaptive != nil {
		if err := r.adaptive.Persist(); err != nil {
			log.Printf("Runtime: adaptive limit persist on shutdown failed: %v", err)
		}
	}
}

// Component accessors, for the outer API/dashboard layer and the CLI.

func (r *Runtime) Queue() *queue.Queue                    { return r.queue }
func (r *Runtime) Limiter() *ratelimit.Limiter            { return r.limiter }
func (r *Runtime) Breaker() *circuitbreaker.Breaker       { return r.breaker }
func (r *Runtime) Adjuster() *parallelism.Adjuster        { return r.adjuster }
func (r *Runtime) Adaptive() *adaptive.Controller         { return r.adaptive }
func (r *Runtime) Coordinator() *coordination.Coordinator { return r.coord }
func (r *Runtime) Checkpoints() *checkpoint.Manager       { return r.ckpts }
func (r *Runtime) Collector() *metrics.Collector          { return r.collector }
func (r *Runtime) Limits() Limits                         { return r.limits }

func (r *Runtime) nowMs() int64 { return r.clock().UnixMilli() }

// wakeWaiters signals every blocked admission waiter that state changed.
// Callers must hold r.mu.
func (r *Runtime) wakeWaitersLocked() {
	close(r.wake)
	r.wake = make(chan struct{})
}

// wakeChan returns the current wake generation channel.
func (r *Runtime) wakeChan() <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.wake
}

func (r *Runtime) record(ev metrics.Event) {
	if r.collector != nil {
		r.collector.Record(ev)
	}
}

// reaperLoop expires reservations whose TTL lapsed without a heartbeat.
func (r *Runtime) reaperLoop(ctx context.Context) {
	defer r.wg.Done()
	tick := time.NewTicker(time.Second)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			r.ReapExpired()
		}
	}
}

// ReapExpired releases every lease whose TTL lapsed; the background reaper
// calls this every second, and tests or operators may force a sweep.
func (r *Runtime) ReapExpired() {
	now := r.nowMs()
	r.mu.Lock()
	var expired []*Lease
	for _, l := range r.leases {
		if l.state != leaseReleased && l.expiresAtMs > 0 && now > l.expiresAtMs {
			expired = append(expired, l)
		}
	}
	r.mu.Unlock()

	for _, l := range expired {
		log.Printf("Runtime: ⚠️ reaping expired lease %s (tool=%s)", l.ID, l.ToolName)
		l.expire()
		r.record(metrics.Event{
			Kind:     metrics.KindReservationExpired,
			Provider: l.Provider,
			Model:    l.Model,
			Priority: l.Priority.String(),
			Tenant:   l.Tenant,
			Detail:   l.ID,
		})
	}
}

// Snapshot is a point-in-time copy of the runtime's counters for
// dashboards and the CLI.
type Snapshot struct {
	ActiveRunRequests    int
	ActiveLLM            int
	ActiveSubagents      int
	ActiveTeamRuns       int
	ActiveTeammates      int
	ActiveOrchestrations int
	ActiveByModel        map[string]int
	ActiveLeases         int
	QueueStats           queue.Stats
	PriorityDispatches   map[string]int64
	Evicted              int64
}

// GetSnapshot returns a copy of the current counters.
func (r *Runtime) GetSnapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	byModel := make(map[string]int, len(r.activeByModel))
	for k, v := range r.activeByModel {
		byModel[k] = v
	}
	prio := make(map[string]int64, len(r.priorityStats))
	for k, v := range r.priorityStats {
		prio[k] = v
	}
	return Snapshot{
		ActiveRunRequests:    r.activeRunRequests,
		ActiveLLM:            r.activeLLM,
		ActiveSubagents:      r.activeSubagents,
		ActiveTeamRuns:       r.activeTeamRuns,
		ActiveTeammates:      r.activeTeammates,
		ActiveOrchestrations: r.activeOrchestrations,
		ActiveByModel:        byModel,
		ActiveLeases:         len(r.leases),
		QueueStats:           r.queue.GetStats(),
		PriorityDispatches:   prio,
		Evicted:              r.evicted,
	}
}

// RefreshInstanceShare recomputes this instance's share of the host-wide
// LLM budget from the coordinator's live-instance view. Callers run this
// periodically (the maintenance broadcast loop); admission reads the
// cached value so the hot path never touches the filesystem.
func (r *Runtime) RefreshInstanceShare() int {
	if r.coord == nil {
		return 0
	}
	pending := r.queue.Len()
	share := r.coord.GetDynamicParallelLimit(r.limits.MaxTotalActiveLLM, pending)
	r.mu.Lock()
	r.effectiveLLMCap = share
	r.mu.Unlock()
	return share
}

// MarkStolen flags a queued task as claimed by a peer instance and wakes
// its waiter, which will surface a Stolen result instead of executing.
func (r *Runtime) MarkStolen(taskID string) {
	r.mu.Lock()
	r.stolenTasks[taskID] = true
	r.wakeWaitersLocked()
	r.mu.Unlock()
	r.record(metrics.Event{Kind: metrics.KindSteal, Detail: taskID})
}

// takeStolen consumes a stolen marker for taskID.
func (r *Runtime) takeStolen(taskID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stolenTasks[taskID] {
		delete(r.stolenTasks, taskID)
		return true
	}
	return false
}

// FindLease returns the live lease with the given ID, or nil.
func (r *Runtime) FindLease(id string) *Lease {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.leases[id]
}

// LeaseInfo is an exported view of one live lease.
type LeaseInfo struct {
	ID          string
	TaskID      string
	ToolName    string
	Provider    string
	Model       string
	Priority    string
	Tenant      string
	State       string
	ExpiresAtMs int64
}

// LeaseInfos returns a snapshot of all live leases.
func (r *Runtime) LeaseInfos() []LeaseInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]LeaseInfo, 0, len(r.leases))
	for _, l := range r.leases {
		out = append(out, LeaseInfo{
			ID:          l.ID,
			TaskID:      l.TaskID,
			ToolName:    l.ToolName,
			Provider:    l.Provider,
			Model:       l.Model,
			Priority:    l.Priority.String(),
			Tenant:      l.Tenant,
			State:       l.state.String(),
			ExpiresAtMs: l.expiresAtMs,
		})
	}
	return out
}

// Default runtime published under a process-wide key so re-imports share
// one instance (init → use → shutdown).
var (
	defaultMu sync.Mutex
	defaultRT *Runtime
)

// SetDefault publishes rt as the process-wide runtime.
func SetDefault(rt *Runtime) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultRT = rt
}

// Default returns the published runtime, or nil before SetDefault.
func Default() *Runtime {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	return defaultRT
}
