package dag

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/itskum47/agentflux/internal/runtime"
)

// TaskExecutor runs one task. input is the concatenated output of its
// dependencies (or the ContextInjector's product); the returned value is
// opaque to the executor and fed to dependents.
type TaskExecutor func(ctx context.Context, task PlanTask, input string) (any, error)

// ContextInjector builds a task's input from its dependencies' results,
// replacing the default concatenation.
type ContextInjector func(task PlanTask, depResults map[string]any) string

// Status is the overall outcome of a plan execution.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusPartial   Status = "partial"
	StatusFailed    Status = "failed"
)

// TaskOutcome is one task's terminal record.
type TaskOutcome struct {
	Value      any
	Err        error
	DurationMs int64
}

// Result is the aggregate outcome of a plan execution.
type Result struct {
	Status          Status
	TaskResults     map[string]TaskOutcome
	Completed       []string
	Failed          []string
	Skipped         []string
	TotalDurationMs int64
}

// Options configure an Executor.
type Options struct {
	MaxConcurrency           int
	AbortOnFirstError        bool
	UseWeightBasedScheduling bool
	WeightConfig             WeightConfig
	ContextInjector          ContextInjector

	// PermitMaxWaitMs bounds each task's admission wait; negative uses
	// the runtime's default.
	PermitMaxWaitMs int64
}

// Executor runs task plans through a shared admission-controlled runtime.
type Executor struct {
	rt   *runtime.Runtime
	opts Options
}

// NewExecutor creates an Executor bound to rt. rt may be nil, in which
// case tasks run without admission control (tests, dry runs).
func NewExecutor(rt *runtime.Runtime, opts Options) *Executor {
	if opts.MaxConcurrency <= 0 {
		opts.MaxConcurrency = 4
	}
	if opts.PermitMaxWaitMs == 0 {
		opts.PermitMaxWaitMs = -1
	}
	return &Executor{rt: rt, opts: opts}
}

// taskState tracks one node through the run.
type taskState int

const (
	statePending taskState = iota
	stateRunning
	stateCompleted
	stateFailed
	stateSkipped
)

// Execute runs the plan to completion (or abort) and returns the
// aggregate result. It returns an error only for validation failures or
// when ctx itself is cancelled before any progress can be made.
func (e *Executor) Execute(ctx context.Context, plan TaskPlan, exec TaskExecutor) (Result, error) {
	if err := Validate(plan); err != nil {
		return Result{Status: StatusFailed}, err
	}

	start := time.Now()
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	byID := make(map[string]PlanTask, len(plan.Tasks))
	for _, t := range plan.Tasks {
		byID[t.ID] = t
	}
	dependents := dependentCounts(plan)

	var mu sync.Mutex
	states := make(map[string]taskState, len(plan.Tasks))
	outcomes := make(map[string]TaskOutcome, len(plan.Tasks))
	for _, t := range plan.Tasks {
		states[t.ID] = statePending
	}

	sem := semaphore.NewWeighted(int64(e.opts.MaxConcurrency))
	var wg sync.WaitGroup
	progress := make(chan struct{}, len(plan.Tasks))

	readySet := func() []PlanTask {
		mu.Lock()
		defer mu.Unlock()
		var ready []PlanTask
		for _, t := range plan.Tasks {
			if states[t.ID] != statePending {
				continue
			}
			ok := true
			for _, dep := range t.Dependencies {
				if states[dep] != stateCompleted {
					ok = false
					break
				}
			}
			if ok {
				ready = append(ready, t)
			}
		}
		if e.opts.UseWeightBasedScheduling {
			sort.SliceStable(ready, func(i, j int) bool {
				return weightOf(ready[i], dependents, e.opts.WeightConfig) >
					weightOf(ready[j], dependents, e.opts.WeightConfig)
			})
		} else {
			sort.SliceStable(ready, func(i, j int) bool {
				if ready[i].Priority != ready[j].Priority {
					return ready[i].Priority < ready[j].Priority
				}
				return ready[i].EstimatedDurationMs < ready[j].EstimatedDurationMs
			})
		}
		return ready
	}

	// skipUnreachable marks every pending task whose dependency failed or
	// was skipped; returns how many were marked.
	skipUnreachable := func() int {
		mu.Lock()
		defer mu.Unlock()
		marked := 0
		for changed := true; changed; {
			changed = false
			for _, t := range plan.Tasks {
				if states[t.ID] != statePending {
					continue
				}
				for _, dep := range t.Dependencies {
					if states[dep] == stateFailed || states[dep] == stateSkipped {
						states[t.ID] = stateSkipped
						marked++
						changed = true
						break
					}
				}
			}
		}
		return marked
	}

	pendingOrRunning := func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, s := range states {
			if s == statePending || s == stateRunning {
				return true
			}
		}
		return false
	}

	// launch runs with a semaphore slot already held, so dispatch order
	// follows ready-set order instead of goroutine scheduling luck.
	launch := func(t PlanTask) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sem.Release(1)
			defer func() { progress <- struct{}{} }()

			var lease *runtime.Lease
			if e.rt != nil {
				res := e.rt.RequestDispatchPermit(runCtx, runtime.PermitInput{
					TaskID:              plan.ID + ":" + t.ID,
					ToolName:            t.ToolName,
					TenantKey:           t.TenantKey,
					Priority:            t.Priority,
					HasExplicitPriority: true,
					EstimatedDurationMs: t.EstimatedDurationMs,
					MaxWaitMs:           e.opts.PermitMaxWaitMs,
				})
				if !res.Allowed {
					mu.Lock()
					states[t.ID] = stateFailed
					outcomes[t.ID] = TaskOutcome{Err: permitError(res)}
					mu.Unlock()
					if e.opts.AbortOnFirstError {
						cancel()
					}
					return
				}
				lease = res.Lease
				lease.Consume()
				defer lease.Release()
			}

			input := e.buildInput(t, outcomes, &mu)
			mu.Lock()
			states[t.ID] = stateRunning
			mu.Unlock()

			taskStart := time.Now()
			value, err := exec(runCtx, t, input)
			elapsed := time.Since(taskStart).Milliseconds()

			mu.Lock()
			if err != nil {
				states[t.ID] = stateFailed
				outcomes[t.ID] = TaskOutcome{Err: err, DurationMs: elapsed}
			} else {
				states[t.ID] = stateCompleted
				outcomes[t.ID] = TaskOutcome{Value: value, DurationMs: elapsed}
			}
			mu.Unlock()
			if err != nil && e.opts.AbortOnFirstError {
				cancel()
			}
		}()
	}

	launched := make(map[string]bool, len(plan.Tasks))
	for pendingOrRunning() {
		if runCtx.Err() != nil {
			break
		}
		skipUnreachable()
		launchedAny := false
		for _, t := range readySet() {
			if launched[t.ID] {
				continue
			}
			if err := sem.Acquire(runCtx, 1); err != nil {
				break
			}
			launched[t.ID] = true
			launchedAny = true
			launch(t)
			// Re-evaluate readiness after every launch; completions may
			// have changed the weights of what is runnable.
			break
		}
		if !launchedAny {
			// Nothing newly ready: wait for a completion or cancellation.
			select {
			case <-progress:
			case <-runCtx.Done():
			}
		}
	}
	wg.Wait()

	// Anything still pending after an abort is skipped, not failed.
	mu.Lock()
	for id, s := range states {
		if s == statePending || s == stateRunning {
			states[id] = stateSkipped
		}
	}
	res := Result{
		TaskResults:     outcomes,
		TotalDurationMs: time.Since(start).Milliseconds(),
	}
	for _, t := range plan.Tasks {
		switch states[t.ID] {
		case stateCompleted:
			res.Completed = append(res.Completed, t.ID)
		case stateFailed:
			res.Failed = append(res.Failed, t.ID)
		case stateSkipped:
			res.Skipped = append(res.Skipped, t.ID)
		}
	}
	mu.Unlock()

	switch {
	case len(res.Failed) == 0 && len(res.Skipped) == 0:
		res.Status = StatusCompleted
	case len(res.Completed) == 0:
		res.Status = StatusFailed
	default:
		res.Status = StatusPartial
	}
	return res, nil
}

// buildInput concatenates dependency outputs, or defers to the configured
// injector.
func (e *Executor) buildInput(t PlanTask, outcomes map[string]TaskOutcome, mu *sync.Mutex) string {
	mu.Lock()
	depResults := make(map[string]any, len(t.Dependencies))
	for _, dep := range t.Dependencies {
		if out, ok := outcomes[dep]; ok && out.Err == nil {
			depResults[dep] = out.Value
		}
	}
	mu.Unlock()

	if e.opts.ContextInjector != nil {
		return e.opts.ContextInjector(t, depResults)
	}

	var parts []string
	if t.InputContext != "" {
		parts = append(parts, t.InputContext)
	}
	for _, dep := range t.Dependencies {
		if v, ok := depResults[dep]; ok {
			if s, isStr := v.(string); isStr {
				parts = append(parts, s)
			}
		}
	}
	return strings.Join(parts, "\n")
}

// PermitDeniedError is recorded against a task whose dispatch permit was
// denied.
type PermitDeniedError struct {
	Reason string
}

func (e *PermitDeniedError) Error() string { return "dag: dispatch permit denied: " + e.Reason }

func permitError(res runtime.PermitResult) error {
	reason := "unknown"
	switch {
	case res.TimedOut:
		reason = "timed_out"
	case res.Aborted:
		reason = "aborted"
	case res.CircuitOpen:
		reason = "circuit_open"
	case res.QueueFull:
		reason = "queue_full"
	}
	return &PermitDeniedError{Reason: reason}
}
