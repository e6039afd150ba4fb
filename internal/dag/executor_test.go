package dag

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/itskum47/agentflux/internal/queue"
)

func plan(tasks ...PlanTask) TaskPlan {
	return TaskPlan{ID: "plan", Tasks: tasks}
}

func TestValidate_AggregatesProblems(t *testing.T) {
	p := plan(
		PlanTask{ID: "a", Dependencies: []string{"ghost"}},
		PlanTask{ID: "a"},
		PlanTask{ID: "b", Dependencies: []string{"c"}},
		PlanTask{ID: "c", Dependencies: []string{"b"}},
	)
	err := Validate(p)
	require.Error(t, err)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)

	joined := strings.Join(verr.Problems, "\n")
	require.Contains(t, joined, "duplicate task id")
	require.Contains(t, joined, "unknown task")
	require.Contains(t, joined, "cycle")
}

func TestExecute_TopologicalOrderAndContext(t *testing.T) {
	p := plan(
		PlanTask{ID: "fetch"},
		PlanTask{ID: "parse", Dependencies: []string{"fetch"}},
		PlanTask{ID: "report", Dependencies: []string{"parse"}},
	)
	ex := NewExecutor(nil, Options{MaxConcurrency: 2})

	var mu sync.Mutex
	var order []string
	res, err := ex.Execute(context.Background(), p, func(_ context.Context, task PlanTask, input string) (any, error) {
		mu.Lock()
		order = append(order, task.ID)
		mu.Unlock()
		return task.ID + "-out(" + input + ")", nil
	})
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, res.Status)
	require.Equal(t, []string{"fetch", "parse", "report"}, order)

	// Dependency output is concatenated into the dependent's input.
	require.Contains(t, res.TaskResults["report"].Value.(string), "parse-out(fetch-out())")
}

func TestExecute_FailureSkipsDownstreamOnly(t *testing.T) {
	p := plan(
		PlanTask{ID: "ok"},
		PlanTask{ID: "bad"},
		PlanTask{ID: "child", Dependencies: []string{"bad"}},
		PlanTask{ID: "grandchild", Dependencies: []string{"child"}},
	)
	ex := NewExecutor(nil, Options{MaxConcurrency: 1})

	res, err := ex.Execute(context.Background(), p, func(_ context.Context, task PlanTask, _ string) (any, error) {
		if task.ID == "bad" {
			return nil, errors.New("exploded")
		}
		return task.ID, nil
	})
	require.NoError(t, err)
	require.Equal(t, StatusPartial, res.Status)
	require.ElementsMatch(t, []string{"ok"}, res.Completed)
	require.ElementsMatch(t, []string{"bad"}, res.Failed)
	require.ElementsMatch(t, []string{"child", "grandchild"}, res.Skipped)
}

func TestExecute_AbortOnFirstError(t *testing.T) {
	p := plan(
		PlanTask{ID: "boom"},
		PlanTask{ID: "later", Dependencies: []string{"boom"}},
		PlanTask{ID: "unrelated1"},
		PlanTask{ID: "unrelated2"},
	)
	ex := NewExecutor(nil, Options{MaxConcurrency: 1, AbortOnFirstError: true})

	res, err := ex.Execute(context.Background(), p, func(_ context.Context, task PlanTask, _ string) (any, error) {
		if task.ID == "boom" {
			return nil, errors.New("exploded")
		}
		return task.ID, nil
	})
	require.NoError(t, err)
	require.NotEqual(t, StatusCompleted, res.Status)
	require.Contains(t, res.Failed, "boom")
	// Nothing after the failure completed.
	require.NotContains(t, res.Completed, "later")
}

func TestExecute_WeightPrefersUnblockingShortTasks(t *testing.T) {
	// "hub" unblocks two dependents and is short; "slab" is long and
	// unblocks nothing. With weight-based scheduling and one worker, hub
	// must run first.
	p := plan(
		PlanTask{ID: "slab", Priority: queue.PriorityNormal, EstimatedDurationMs: 10_000},
		PlanTask{ID: "hub", Priority: queue.PriorityNormal, EstimatedDurationMs: 100},
		PlanTask{ID: "d1", Dependencies: []string{"hub"}},
		PlanTask{ID: "d2", Dependencies: []string{"hub"}},
	)
	ex := NewExecutor(nil, Options{MaxConcurrency: 1, UseWeightBasedScheduling: true})

	var mu sync.Mutex
	var order []string
	res, err := ex.Execute(context.Background(), p, func(_ context.Context, task PlanTask, _ string) (any, error) {
		mu.Lock()
		order = append(order, task.ID)
		mu.Unlock()
		return nil, nil
	})
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, res.Status)
	require.Less(t, indexOf(order, "hub"), indexOf(order, "slab"))
}

func TestExecute_CancelledContext(t *testing.T) {
	p := plan(PlanTask{ID: "a"}, PlanTask{ID: "b", Dependencies: []string{"a"}})
	ex := NewExecutor(nil, Options{MaxConcurrency: 1})

	ctx, cancel := context.WithCancel(context.Background())
	res, err := ex.Execute(ctx, p, func(c context.Context, task PlanTask, _ string) (any, error) {
		cancel()
		return nil, c.Err()
	})
	require.NoError(t, err)
	require.NotEqual(t, StatusCompleted, res.Status)
}

func indexOf(s []string, v string) int {
	for i, x := range s {
		if x == v {
			return i
		}
	}
	return -1
}
