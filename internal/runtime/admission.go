package runtime

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/itskum47/agentflux/internal/metrics"
	"github.com/itskum47/agentflux/internal/queue"
)

// WorkKind says which counter family a permit draws from.
type WorkKind string

const (
	WorkSubagent WorkKind = "subagent"
	WorkTeam     WorkKind = "team"
	WorkTeammate WorkKind = "teammate"
)

// PermitInput describes one dispatch-permit request. Zero-valued estimate
// fields are filled in by the round estimator; an empty Provider/Model pair
// is resolved through the runtime's tool route.
type PermitInput struct {
	TaskID      string
	ToolName    string
	Description string
	Source      string

	Provider string
	Model    string

	Priority            queue.Priority
	HasExplicitPriority bool
	TenantKey           string
	QueueClass          queue.QueueClass
	EstimatedDurationMs int64
	EstimatedRounds     int
	Complexity          queue.Complexity
	DeadlineMs          int64

	Kind            WorkKind
	IsOrchestration bool
	ParallelWidth   int
	IsRetry         bool

	AdditionalRequests int // defaults to 1
	AdditionalLLM      int // defaults to 1

	// MaxWaitMs bounds how long the request may block: 0 decides
	// immediately, a negative value uses the configured default.
	MaxWaitMs int64

	ResumeFromCheckpoint bool
}

// Diagnostics accompanies every permit outcome, suitable for logging
// without leaking secrets.
type Diagnostics struct {
	Provider        string
	Model           string
	Rounds          int
	RateLimitWaitMs int64
	GateWaitMs      int64
	CircuitState    string
	LastBlockReason string
}

// PermitResult is the structured outcome of RequestDispatchPermit. Exactly
// one of Allowed/TimedOut/Aborted/CircuitOpen/QueueFull is set; errors are
// values here, not exceptions.
type PermitResult struct {
	Allowed     bool
	TimedOut    bool
	Aborted     bool
	CircuitOpen bool
	QueueFull   bool
	// Stolen means a cooperating instance claimed this task while it was
	// queued; the caller must not execute it.
	Stolen bool

	Lease       *Lease
	Diagnostics Diagnostics
}

// blockReason is why the most recent capacity check failed.
type blockReason string

const (
	blockNone          blockReason = ""
	blockCircuit       blockReason = "circuit_open"
	blockRateTokens    blockReason = "rate_tokens"
	blockTotalRequests blockReason = "total_requests"
	blockTotalLLM      blockReason = "total_llm"
	blockOrchestration blockReason = "orchestrations"
	blockKindCap       blockReason = "kind_cap"
	blockPerModel      blockReason = "per_model"
	blockNotMyTurn     blockReason = "queue_order"
)

// RequestDispatchPermit is the fused admission operation. It enqueues the
// task, then loops: circuit check, rate tokens, queue-order candidacy with
// tenant anti-monopoly, and the capacity envelope. On success it removes
// the task from the queue and returns a reserved Lease.
func (r *Runtime) RequestDispatchPermit(ctx context.Context, in PermitInput) PermitResult {
	if in.TaskID == "" {
		in.TaskID = uuid.NewString()
	}
	if in.AdditionalRequests <= 0 {
		in.AdditionalRequests = 1
	}
	if in.AdditionalLLM <= 0 {
		in.AdditionalLLM = 1
	}
	if in.Kind == "" {
		in.Kind = WorkSubagent
	}

	meta := queue.TaskMeta{
		ID:                  in.TaskID,
		ToolName:            in.ToolName,
		Priority:            in.Priority,
		TenantKey:           in.TenantKey,
		QueueClass:          in.QueueClass,
		Description:         in.Description,
		EstimatedDurationMs: in.EstimatedDurationMs,
		EstimatedRounds:     in.EstimatedRounds,
		Complexity:          in.Complexity,
		DeadlineMs:          in.DeadlineMs,
	}
	meta = queue.Estimate(meta, in.ParallelWidth, in.IsRetry, in.HasExplicitPriority)

	provider, model := in.Provider, in.Model
	if provider == "" || model == "" {
		provider, model = r.route(in.ToolName)
	}
	diag := Diagnostics{Provider: provider, Model: model, Rounds: meta.EstimatedRounds}
	key := provider + ":" + model

	if r.queue.Len() >= r.limits.MaxQueueDepth {
		r.mu.Lock()
		r.evicted++
		r.mu.Unlock()
		diag.LastBlockReason = "queue_full"
		return PermitResult{QueueFull: true, Diagnostics: diag}
	}

	entry := r.queue.Enqueue(meta)
	r.record(metrics.Event{
		Kind:     metrics.KindTaskEnqueued,
		Provider: provider,
		Model:    model,
		Priority: meta.Priority.String(),
		Tenant:   meta.TenantKey,
	})
	if r.collector != nil {
		r.collector.SetQueueDepth(r.queue.Len())
	}

	maxWait := in.MaxWaitMs
	if maxWait < 0 {
		maxWait = r.limits.CapacityWaitMs
	}
	start := r.nowMs()
	deadline := start + maxWait

	bail := func(res PermitResult) PermitResult {
		r.queue.Remove(in.TaskID)
		if r.collector != nil {
			r.collector.SetQueueDepth(r.queue.Len())
		}
		return res
	}

	lastBlock := blockNone
	for {
		if ctx.Err() != nil {
			diag.LastBlockReason = "aborted"
			return bail(PermitResult{Aborted: true, Diagnostics: diag})
		}
		if r.takeStolen(in.TaskID) {
			diag.LastBlockReason = "stolen"
			return bail(PermitResult{Stolen: true, Diagnostics: diag})
		}

		r.queue.PromoteStarvingTasks()

		// Circuit and token-bucket gates come before any queue-order work
		// so a fast-failing provider never consumes a dispatch turn.
		chk := r.breaker.Check(key)
		diag.CircuitState = chk.State.String()
		if !chk.Allowed {
			lastBlock = blockCircuit
			if r.past(deadline) {
				diag.LastBlockReason = string(blockCircuit)
				return bail(PermitResult{CircuitOpen: true, Diagnostics: diag})
			}
			r.waitTick(ctx, deadline)
			continue
		}

		if wait := r.limiter.CanProceed(provider, model, 1); wait > 0 {
			lastBlock = blockRateTokens
			diag.RateLimitWaitMs += wait
			if r.past(deadline) {
				diag.LastBlockReason = string(blockRateTokens)
				return bail(PermitResult{TimedOut: true, Diagnostics: diag})
			}
			r.waitTick(ctx, deadline)
			continue
		}

		granted, reason := r.tryGrant(entry, in, provider, model)
		if granted != nil {
			waitMs := r.nowMs() - start
			r.record(metrics.Event{
				Kind:     metrics.KindTaskDispatched,
				Provider: provider,
				Model:    model,
				Priority: granted.Priority.String(),
				Tenant:   granted.Tenant,
				WaitMs:   waitMs,
			})
			if r.collector != nil {
				r.collector.SetQueueDepth(r.queue.Len())
			}
			return PermitResult{Allowed: true, Lease: granted, Diagnostics: diag}
		}
		lastBlock = reason

		// A high-tier task blocked purely by background leases may preempt
		// them instead of waiting out their runtime.
		if reason == blockTotalRequests || reason == blockTotalLLM {
			cur := r.currentPriorityOf(in.TaskID, meta.Priority)
			if cur <= queue.PriorityHigh && r.preemptBackground(in) {
				continue
			}
		}

		if r.past(deadline) {
			diag.LastBlockReason = string(lastBlock)
			return bail(PermitResult{TimedOut: true, Diagnostics: diag})
		}
		r.waitTick(ctx, deadline)
	}
}

func (r *Runtime) past(deadlineMs int64) bool { return r.nowMs() >= deadlineMs }

// currentPriorityOf reads the (possibly starvation-promoted) priority of a
// queued task.
func (r *Runtime) currentPriorityOf(taskID string, fallback queue.Priority) queue.Priority {
	for _, e := range r.queue.Candidates(r.queue.Len()) {
		if e.Meta.ID == taskID {
			return e.Meta.Priority
		}
	}
	return fallback
}

// waitTick blocks until capacity changes, the poll interval lapses, the
// deadline passes, or ctx is cancelled. Returns false on cancellation.
func (r *Runtime) waitTick(ctx context.Context, deadlineMs int64) bool {
	poll := time.Duration(r.limits.CapacityPollMs) * time.Millisecond
	if poll <= 0 {
		poll = 50 * time.Millisecond
	}
	if remaining := time.Duration(deadlineMs-r.nowMs()) * time.Millisecond; remaining > 0 && remaining < poll {
		poll = remaining
	}
	t := time.NewTimer(poll)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-r.wakeChan():
		return true
	case <-t.C:
		return true
	}
}

// tryGrant performs the queue-order and capacity checks atomically and, on
// success, converts the queue entry into a reserved lease.
func (r *Runtime) tryGrant(entry *queue.Entry, in PermitInput, provider, model string) (*Lease, blockReason) {
	key := provider + ":" + model

	// Queue-order candidacy with tenant anti-monopoly: after TenantBurst
	// consecutive dispatches from one tenant, its head entry is skipped
	// once if any other tenant is waiting.
	cands := r.queue.Candidates(8)
	if len(cands) == 0 {
		return nil, blockNotMyTurn
	}
	r.mu.Lock()
	candidate := cands[0]
	if r.lastDispatchedTenant != "" &&
		candidate.Meta.TenantKey == r.lastDispatchedTenant &&
		r.consecutiveTenant >= r.limits.TenantBurst {
		for _, c := range cands[1:] {
			if c.Meta.TenantKey != r.lastDispatchedTenant {
				r.mu.Unlock()
				r.queue.NoteSkipped(candidate.Meta.ID)
				r.mu.Lock()
				candidate = c
				break
			}
		}
	}
	if candidate.Meta.ID != in.TaskID {
		r.mu.Unlock()
		return nil, blockNotMyTurn
	}

	if r.activeRunRequests+in.AdditionalRequests > r.limits.MaxTotalActiveRequests {
		r.mu.Unlock()
		return nil, blockTotalRequests
	}
	llmCap := r.limits.MaxTotalActiveLLM
	if r.effectiveLLMCap > 0 && r.effectiveLLMCap < llmCap {
		llmCap = r.effectiveLLMCap
	}
	if r.activeLLM+in.AdditionalLLM > llmCap {
		r.mu.Unlock()
		return nil, blockTotalLLM
	}
	if in.IsOrchestration && r.activeOrchestrations >= r.limits.MaxConcurrentOrchestrations {
		r.mu.Unlock()
		return nil, blockOrchestration
	}
	switch in.Kind {
	case WorkSubagent:
		if r.activeSubagents >= r.limits.MaxParallelSubagents {
			r.mu.Unlock()
			return nil, blockKindCap
		}
	case WorkTeam:
		if r.activeTeamRuns >= r.limits.MaxParallelTeams {
			r.mu.Unlock()
			return nil, blockKindCap
		}
	case WorkTeammate:
		if r.activeTeammates >= r.limits.MaxParallelTeammates {
			r.mu.Unlock()
			return nil, blockKindCap
		}
	}

	modelCap := r.effectiveModelCapLocked(provider, model)
	if r.activeByModel[key]+1 > modelCap {
		r.mu.Unlock()
		return nil, blockPerModel
	}

	// All checks hold: reserve.
	now := r.nowMs()
	lease := &Lease{
		ID:                 uuid.NewString(),
		TaskID:             in.TaskID,
		ToolName:           in.ToolName,
		Provider:           provider,
		Model:              model,
		Priority:           candidate.Meta.Priority,
		Tenant:             candidate.Meta.TenantKey,
		Kind:               in.Kind,
		AdditionalRequests: in.AdditionalRequests,
		AdditionalLLM:      in.AdditionalLLM,
		rt:                 r,
		state:              leaseReserved,
		reservedAt:         now,
		expiresAtMs:        now + r.limits.ReservationTTL.Milliseconds(),
		orchestration:      in.IsOrchestration,
	}
	r.leases[lease.ID] = lease
	r.activeRunRequests += in.AdditionalRequests
	r.activeLLM += in.AdditionalLLM
	r.activeByModel[key]++
	switch in.Kind {
	case WorkSubagent:
		r.activeSubagents++
	case WorkTeam:
		r.activeTeamRuns++
	case WorkTeammate:
		r.activeTeammates++
	}
	if in.IsOrchestration {
		r.activeOrchestrations++
	}

	if candidate.Meta.TenantKey == r.lastDispatchedTenant {
		r.consecutiveTenant++
	} else {
		r.lastDispatchedTenant = candidate.Meta.TenantKey
		r.consecutiveTenant = 1
	}
	r.priorityStats[candidate.Meta.Priority.String()]++
	r.mu.Unlock()

	r.queue.Remove(in.TaskID)
	r.limiter.Consume(provider, model, 1)
	return lease, blockNone
}

// effectiveModelCapLocked composes the learned limit, the dynamic
// adjuster, the penalty damper and the cross-instance fan-out into one
// per-model concurrency cap. Callers hold r.mu.
func (r *Runtime) effectiveModelCapLocked(provider, model string) int {
	limit := r.limits.MaxConcurrentPerModel
	if r.adaptive != nil {
		limit = r.adaptive.GetEffectiveLimit(provider, model, limit)
		if r.limits.PredictiveEnabled && r.adaptive.ShouldProactivelyThrottle(provider, model) {
			if rec := r.adaptive.GetPredictiveConcurrency(provider, model); rec < limit {
				limit = rec
			}
		}
	}
	r.adjuster.SeedBase(provider, model, r.limits.MaxConcurrentPerModel)
	if adj := r.adjuster.GetParallelism(provider, model); adj < limit {
		limit = adj
	}
	limit = r.penalties.For(provider, model).ApplyLimit(limit)
	if r.coord != nil {
		if n := r.coord.GetActiveInstancesForModel(provider, model); n > 1 {
			limit = limit / n
		}
	}
	if limit < 1 {
		limit = 1
	}
	return limit
}

func containsTimeout(msg string) bool {
	lower := strings.ToLower(msg)
	return strings.Contains(lower, "timeout") || strings.Contains(lower, "deadline exceeded")
}

// ReportOutcome feeds a completed call's result back into every learning
// controller: the breaker, the adjuster, the penalty damper, the token
// bucket and the learned-limit store.
func (r *Runtime) ReportOutcome(provider, model string, statusCode int, retryAfterMs int64, errMsg string) {
	key := provider + ":" + model
	switch {
	case statusCode == 429:
		r.breaker.RecordFailure(key)
		r.limiter.Record429(provider, model, retryAfterMs)
		r.adjuster.AdjustForError(provider, model, "429")
		r.penalties.For(provider, model).Raise("rate_limit")
		if r.adaptive != nil {
			r.adaptive.Record429(provider, model, r.limits.MaxConcurrentPerModel)
		}
		r.record(metrics.Event{Kind: metrics.KindRateLimitHit, Provider: provider, Model: model})
	case statusCode == 503:
		r.breaker.RecordFailure(key)
		r.adjuster.AdjustForError(provider, model, "429")
		r.penalties.For(provider, model).Raise("capacity")
		r.record(metrics.Event{Kind: metrics.KindTaskFailed, Provider: provider, Model: model, Detail: errMsg})
	case statusCode == 0 && containsTimeout(errMsg):
		r.breaker.RecordFailure(key)
		r.adjuster.AdjustForError(provider, model, "timeout")
		r.penalties.For(provider, model).Raise("timeout")
		r.record(metrics.Event{Kind: metrics.KindTaskFailed, Provider: provider, Model: model, Detail: errMsg})
	case statusCode >= 500 || errMsg != "":
		r.breaker.RecordFailure(key)
		r.adjuster.AdjustForError(provider, model, "error")
		r.record(metrics.Event{Kind: metrics.KindTaskFailed, Provider: provider, Model: model, Detail: errMsg})
	default:
		r.breaker.RecordSuccess(key)
		r.limiter.RecordSuccess(provider, model)
		r.penalties.For(provider, model).Lower()
		if r.adaptive != nil {
			r.adaptive.RecordSuccess(provider, model)
		}
	}
}
