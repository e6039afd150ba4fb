package metrics

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCollector_SnapshotPercentiles(t *testing.T) {
	c := New()
	for i := int64(1); i <= 100; i++ {
		c.Record(Event{Kind: KindTaskCompleted, WaitMs: i, ExecutionMs: i * 10})
	}
	c.SetQueueDepth(3)
	c.SetActiveTasks(2)

	snap := c.GetMetrics()
	require.Equal(t, 3, snap.QueueDepth)
	require.Equal(t, 2, snap.ActiveTasks)
	require.Equal(t, int64(100), snap.Completions)
	require.InDelta(t, 50, snap.WaitP50Ms, 2)
	require.InDelta(t, 99, snap.WaitP99Ms, 2)
	require.InDelta(t, 990, snap.ExecP99Ms, 20)
}

func TestCollector_SummaryBreakdowns(t *testing.T) {
	c := New()
	c.Record(Event{Kind: KindTaskCompleted, Provider: "openai", Priority: "normal", WaitMs: 10, ExecutionMs: 100})
	c.Record(Event{Kind: KindTaskCompleted, Provider: "openai", Priority: "high", WaitMs: 30, ExecutionMs: 300})
	c.Record(Event{Kind: KindTaskFailed, Provider: "anthropic", Priority: "normal"})
	c.Record(Event{Kind: KindRateLimitHit, Provider: "anthropic"})

	s := c.GetSummary(time.Minute.Milliseconds())
	require.Equal(t, int64(3), s.Total.Count)
	require.Equal(t, int64(1), s.Total.Failures)
	require.Equal(t, int64(1), s.Total.RateLimitHits)
	require.Equal(t, int64(2), s.ByProvider["openai"].Count)
	require.Equal(t, int64(1), s.ByProvider["anthropic"].Failures)
	require.Equal(t, int64(2), s.ByPriority["normal"].Count)
	require.InDelta(t, 20.0, s.ByProvider["openai"].AvgWaitMs, 0.01)
}

func TestCollector_EventsAreSequenced(t *testing.T) {
	c := New()
	c.Record(Event{Kind: KindTaskEnqueued})
	c.Record(Event{Kind: KindTaskDispatched})
	st := c.GetStats()
	require.Equal(t, int64(2), st.EventsRecorded)
}

func TestCollector_WindowTrimming(t *testing.T) {
	var cur time.Time
	cur = time.Now()
	c := New(WithClock(func() time.Time { return cur }), WithWindow(time.Second))

	c.Record(Event{Kind: KindTaskCompleted, WaitMs: 500})
	cur = cur.Add(5 * time.Second)
	c.Record(Event{Kind: KindTaskCompleted, WaitMs: 7})

	snap := c.GetMetrics()
	// The old sample is outside the window, so only the fresh one counts.
	require.Equal(t, int64(7), snap.WaitP99Ms)
	// Lifetime counters are not windowed.
	require.Equal(t, int64(2), snap.Completions)
}

func TestLogger_AppendAndRotate(t *testing.T) {
	dir := t.TempDir()
	l := NewLogger(dir, WithMaxBytes(200), WithMaxFiles(2))
	defer l.Close()

	for i := 0; i < 20; i++ {
		require.NoError(t, l.Append(Event{Kind: KindTaskCompleted, WaitMs: int64(i), Detail: strings.Repeat("x", 20)}))
	}

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	require.Contains(t, names, "metrics.jsonl")
	require.Contains(t, names, "metrics.jsonl.1")
	require.LessOrEqual(t, len(names), 3)

	// Every line in the active file is valid JSON.
	f, err := os.Open(filepath.Join(dir, "metrics.jsonl"))
	require.NoError(t, err)
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var ev Event
		require.NoError(t, json.Unmarshal(sc.Bytes(), &ev))
	}
}

func TestCollector_LogErrorsAreSwallowed(t *testing.T) {
	// Point the logger at a path that cannot be a directory.
	bad := filepath.Join(t.TempDir(), "occupied")
	require.NoError(t, os.WriteFile(bad, []byte("file"), 0o644))

	c := New(WithLogger(NewLogger(filepath.Join(bad, "sub"))))
	c.Record(Event{Kind: KindTaskCompleted})

	require.Equal(t, int64(1), c.GetStats().EventsRecorded)
	require.Equal(t, int64(1), c.GetStats().LogErrors)
}
