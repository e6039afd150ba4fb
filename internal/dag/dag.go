// Package dag executes task graphs on top of the admission controller:
// dependency resolution, weight-based ready-set scheduling, bounded
// parallel dispatch and per-task error aggregation.
package dag

import (
	"fmt"
	"strings"

	"github.com/itskum47/agentflux/internal/queue"
)

// PlanTask is one node of a task plan.
type PlanTask struct {
	ID                  string
	Dependencies        []string
	Priority            queue.Priority
	ToolName            string
	TenantKey           string
	EstimatedDurationMs int64
	InputContext        string
}

// TaskPlan is a full graph submitted for execution.
type TaskPlan struct {
	ID       string
	Tasks    []PlanTask
	Metadata map[string]string
}

// ValidationError aggregates every structural problem found in a plan.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("dag: invalid plan: %s", strings.Join(e.Problems, "; "))
}

// Validate checks a plan for duplicate IDs, unknown dependencies and
// cycles, aggregating all findings into a single error.
func Validate(plan TaskPlan) error {
	var problems []string

	byID := make(map[string]PlanTask, len(plan.Tasks))
	for _, t := range plan.Tasks {
		if t.ID == "" {
			problems = append(problems, "task with empty id")
			continue
		}
		if _, dup := byID[t.ID]; dup {
			problems = append(problems, fmt.Sprintf("duplicate task id %q", t.ID))
			continue
		}
		byID[t.ID] = t
	}
	for _, t := range plan.Tasks {
		for _, dep := range t.Dependencies {
			if _, ok := byID[dep]; !ok {
				problems = append(problems, fmt.Sprintf("task %q depends on unknown task %q", t.ID, dep))
			}
		}
	}

	// DFS coloring: white=0, gray=1, black=2. A gray-to-gray edge is a
	// cycle.
	color := make(map[string]int, len(byID))
	var stack []string
	var visit func(id string) bool
	visit = func(id string) bool {
		color[id] = 1
		stack = append(stack, id)
		for _, dep := range byID[id].Dependencies {
			switch color[dep] {
			case 1:
				cycleStart := 0
				for i, s := range stack {
					if s == dep {
						cycleStart = i
						break
					}
				}
				problems = append(problems, fmt.Sprintf("cycle: %s -> %s",
					strings.Join(stack[cycleStart:], " -> "), dep))
				return false
			case 0:
				if !visit(dep) {
					return false
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = 2
		return true
	}
	for id := range byID {
		if color[id] == 0 {
			visit(id)
		}
	}

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

// WeightConfig tunes the ready-set ordering.
type WeightConfig struct {
	// PriorityWeights maps each tier to its scheduling weight; zero-value
	// falls back to the queue's WFQ weights.
	PriorityWeights map[queue.Priority]float64
}

var defaultPriorityWeights = map[queue.Priority]float64{
	queue.PriorityCritical:   100,
	queue.PriorityHigh:       50,
	queue.PriorityNormal:     25,
	queue.PriorityLow:        10,
	queue.PriorityBackground: 5,
}

// weightOf scores one task: priority weight, scaled up by downstream
// fan-out and down by estimated duration, so short tasks that unblock
// many others run first.
func weightOf(t PlanTask, dependents map[string]int, cfg WeightConfig) float64 {
	weights := cfg.PriorityWeights
	if weights == nil {
		weights = defaultPriorityWeights
	}
	pw, ok := weights[t.Priority]
	if !ok {
		pw = weights[queue.PriorityNormal]
	}
	dur := float64(t.EstimatedDurationMs)
	if dur < 1 {
		dur = 1
	}
	return pw * (1 + float64(dependents[t.ID])) / dur
}

// dependentCounts returns, per task, how many tasks list it as a direct
// dependency.
func dependentCounts(plan TaskPlan) map[string]int {
	counts := make(map[string]int, len(plan.Tasks))
	for _, t := range plan.Tasks {
		for _, dep := range t.Dependencies {
			counts[dep]++
		}
	}
	return counts
}
