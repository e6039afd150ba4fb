package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestQueue_PriorityOrdering(t *testing.T) {
	q := New()

	q.Enqueue(TaskMeta{ID: "low", Priority: PriorityLow, EstimatedDurationMs: 100})
	q.Enqueue(TaskMeta{ID: "critical", Priority: PriorityCritical, EstimatedDurationMs: 100})
	q.Enqueue(TaskMeta{ID: "normal", Priority: PriorityNormal, EstimatedDurationMs: 100})

	require.Equal(t, "critical", q.Dequeue().Meta.ID)
	require.Equal(t, "normal", q.Dequeue().Meta.ID)
	require.Equal(t, "low", q.Dequeue().Meta.ID)
	require.Nil(t, q.Dequeue())
}

func TestQueue_FIFOWithinTier(t *testing.T) {
	q := New()
	q.Enqueue(TaskMeta{ID: "a1", Priority: PriorityNormal, EstimatedDurationMs: 100})
	q.Enqueue(TaskMeta{ID: "a2", Priority: PriorityNormal, EstimatedDurationMs: 100})
	q.Enqueue(TaskMeta{ID: "a3", Priority: PriorityNormal, EstimatedDurationMs: 100})

	require.Equal(t, "a1", q.Dequeue().Meta.ID)
	require.Equal(t, "a2", q.Dequeue().Meta.ID)
	require.Equal(t, "a3", q.Dequeue().Meta.ID)
}

func TestQueue_DeadlineBreaksTie(t *testing.T) {
	q := New()
	q.Enqueue(TaskMeta{ID: "no-deadline", Priority: PriorityNormal, EstimatedDurationMs: 100})
	q.Enqueue(TaskMeta{ID: "has-deadline", Priority: PriorityNormal, EstimatedDurationMs: 100, DeadlineMs: 1})

	require.Equal(t, "has-deadline", q.Dequeue().Meta.ID)
	require.Equal(t, "no-deadline", q.Dequeue().Meta.ID)
}

func TestQueue_RemoveMissingIsNoop(t *testing.T) {
	q := New()
	require.False(t, q.Remove("ghost"))
	require.Nil(t, q.Peek())
}

func TestQueue_PromoteStarvingTasksIsOneShot(t *testing.T) {
	// Mutable clock closure so PromoteStarvingTasks observes elapsed time.
	var cur time.Time
	q3 := New(WithClock(func() time.Time { return cur }))
	cur = time.Now()
	q3.Enqueue(TaskMeta{ID: "stuck", Priority: PriorityBackground, EstimatedDurationMs: 100})
	cur = cur.Add(2 * time.Minute)

	promoted := q3.PromoteStarvingTasks()
	require.Equal(t, 1, promoted)

	promotedAgain := q3.PromoteStarvingTasks()
	require.Equal(t, 0, promotedAgain, "promotion must be one-shot per tier")

	e := q3.Peek()
	require.Equal(t, PriorityLow, e.Meta.Priority)
}

func TestQueue_Stats(t *testing.T) {
	q := New()
	q.Enqueue(TaskMeta{ID: "a", Priority: PriorityNormal, EstimatedDurationMs: 100})
	q.Enqueue(TaskMeta{ID: "b", Priority: PriorityHigh, EstimatedDurationMs: 100})

	st := q.GetStats()
	require.Equal(t, 2, st.Depth)
	require.Equal(t, 1, st.DepthByPriority[PriorityNormal])
	require.Equal(t, 1, st.DepthByPriority[PriorityHigh])
}
