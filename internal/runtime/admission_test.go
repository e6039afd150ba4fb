package runtime

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/itskum47/agentflux/internal/checkpoint"
	"github.com/itskum47/agentflux/internal/metrics"
	"github.com/itskum47/agentflux/internal/queue"
)

func testLimits() Limits {
	l := LimitsForProfile(ProfileDefault)
	l.AdaptiveEnabled = false
	l.CapacityPollMs = 5
	l.CapacityWaitMs = 5_000
	return l
}

func newTestRuntime(t *testing.T, l Limits) *Runtime {
	t.Helper()
	l.ConfigDir = t.TempDir()
	rt := New(l, WithCollector(metrics.New()))
	t.Cleanup(rt.Shutdown)
	return rt
}

func TestAdmission_GrantAndRelease(t *testing.T) {
	rt := newTestRuntime(t, testLimits())

	res := rt.RequestDispatchPermit(context.Background(), PermitInput{
		ToolName: "subagent_run", TenantKey: "t1", MaxWaitMs: -1,
	})
	require.True(t, res.Allowed)
	require.NotNil(t, res.Lease)
	require.Equal(t, "reserved", res.Lease.State())

	res.Lease.Consume()
	require.Equal(t, "consumed", res.Lease.State())

	snap := rt.GetSnapshot()
	require.Equal(t, 1, snap.ActiveLLM)
	require.Equal(t, 1, snap.ActiveSubagents)

	res.Lease.Release()
	res.Lease.Release() // idempotent

	snap = rt.GetSnapshot()
	require.Equal(t, 0, snap.ActiveLLM)
	require.Equal(t, 0, snap.ActiveLeases)
}

func TestAdmission_ZeroWaitTimesOutWhenFull(t *testing.T) {
	l := testLimits()
	l.MaxTotalActiveLLM = 1
	rt := newTestRuntime(t, l)

	first := rt.RequestDispatchPermit(context.Background(), PermitInput{
		ToolName: "subagent_run", MaxWaitMs: -1,
	})
	require.True(t, first.Allowed)

	second := rt.RequestDispatchPermit(context.Background(), PermitInput{
		ToolName: "subagent_run", MaxWaitMs: 0,
	})
	require.True(t, second.TimedOut)
	require.False(t, second.Allowed)
}

func TestAdmission_AbortReturnsPromptly(t *testing.T) {
	l := testLimits()
	l.MaxTotalActiveLLM = 1
	rt := newTestRuntime(t, l)

	hold := rt.RequestDispatchPermit(context.Background(), PermitInput{ToolName: "bash", MaxWaitMs: -1})
	require.True(t, hold.Allowed)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan PermitResult, 1)
	go func() {
		done <- rt.RequestDispatchPermit(ctx, PermitInput{ToolName: "bash", MaxWaitMs: -1})
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case res := <-done:
		require.True(t, res.Aborted)
	case <-time.After(time.Second):
		t.Fatal("aborted permit request did not return")
	}
}

func TestAdmission_QueueFull(t *testing.T) {
	l := testLimits()
	l.MaxQueueDepth = 0
	rt := newTestRuntime(t, l)

	res := rt.RequestDispatchPermit(context.Background(), PermitInput{ToolName: "bash", MaxWaitMs: 0})
	require.True(t, res.QueueFull)
}

func TestAdmission_CircuitOpenSurfacedAsResult(t *testing.T) {
	rt := newTestRuntime(t, testLimits())

	for i := 0; i < 5; i++ {
		rt.ReportOutcome("anthropic", "default", 500, 0, "boom")
	}

	res := rt.RequestDispatchPermit(context.Background(), PermitInput{ToolName: "bash", MaxWaitMs: 0})
	require.True(t, res.CircuitOpen)
	require.Equal(t, "open", res.Diagnostics.CircuitState)
}

func TestAdmission_TotalsNeverExceeded(t *testing.T) {
	l := testLimits()
	l.MaxTotalActiveLLM = 3
	l.MaxTotalActiveRequests = 3
	rt := newTestRuntime(t, l)

	var mu sync.Mutex
	var active, maxActive int

	var wg sync.WaitGroup
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res := rt.RequestDispatchPermit(context.Background(), PermitInput{ToolName: "bash", MaxWaitMs: -1})
			if !res.Allowed {
				return
			}
			mu.Lock()
			active++
			if active > maxActive {
				maxActive = active
			}
			mu.Unlock()
			res.Lease.Consume()
			time.Sleep(10 * time.Millisecond)
			mu.Lock()
			active--
			mu.Unlock()
			res.Lease.Release()
		}()
	}
	wg.Wait()
	require.LessOrEqual(t, maxActive, 3)
	require.Equal(t, 0, rt.GetSnapshot().ActiveLLM)
}

func TestAdmission_TenantFairShare(t *testing.T) {
	l := testLimits()
	l.MaxTotalActiveLLM = 1
	l.TenantBurst = 1
	rt := newTestRuntime(t, l)

	type task struct{ id, tenant string }
	tasks := []task{
		{"A1", "A"}, {"A2", "A"}, {"A3", "A"},
		{"B1", "B"}, {"B2", "B"},
	}

	var mu sync.Mutex
	var order []string
	var wg sync.WaitGroup
	for _, tk := range tasks {
		wg.Add(1)
		go func(tk task) {
			defer wg.Done()
			res := rt.RequestDispatchPermit(context.Background(), PermitInput{
				TaskID:              tk.id,
				ToolName:            "bash",
				TenantKey:           tk.tenant,
				Priority:            queue.PriorityNormal,
				HasExplicitPriority: true,
				EstimatedDurationMs: 100,
				MaxWaitMs:           -1,
			})
			require.True(t, res.Allowed, "task %s", tk.id)
			mu.Lock()
			order = append(order, tk.id)
			mu.Unlock()
			res.Lease.Consume()
			time.Sleep(5 * time.Millisecond)
			res.Lease.Release()
		}(tk)
		// Stagger enqueues so FIFO order within each tenant is fixed.
		time.Sleep(3 * time.Millisecond)
	}
	wg.Wait()

	require.Len(t, order, 5)
	pos := make(map[string]int, len(order))
	for i, id := range order {
		pos[id] = i
	}
	// WFQ + anti-monopoly: B overtakes A's backlog.
	require.Less(t, pos["B1"], pos["A3"], "dispatch order was %v", order)
	require.Less(t, pos["A1"], pos["A2"])
	require.Less(t, pos["A2"], pos["A3"])
	require.Less(t, pos["B1"], pos["B2"])
}

func TestAdmission_CriticalBypassesLowerTiers(t *testing.T) {
	l := testLimits()
	l.MaxTotalActiveLLM = 1
	rt := newTestRuntime(t, l)

	running := rt.RequestDispatchPermit(context.Background(), PermitInput{
		TaskID: "N1", ToolName: "bash",
		Priority: queue.PriorityNormal, HasExplicitPriority: true, MaxWaitMs: -1,
	})
	require.True(t, running.Allowed)
	running.Lease.Consume()

	results := make(chan string, 2)
	var wg sync.WaitGroup
	launch := func(id string, prio queue.Priority) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res := rt.RequestDispatchPermit(context.Background(), PermitInput{
				TaskID: id, ToolName: "bash",
				Priority: prio, HasExplicitPriority: true, MaxWaitMs: -1,
			})
			require.True(t, res.Allowed, "task %s", id)
			results <- id
			res.Lease.Release()
		}()
	}
	launch("L1", queue.PriorityLow)
	time.Sleep(10 * time.Millisecond)
	launch("C1", queue.PriorityCritical)
	time.Sleep(20 * time.Millisecond)

	released := time.Now()
	running.Lease.Release()

	first := <-results
	require.Equal(t, "C1", first, "critical task must dispatch before lower tiers")
	require.Less(t, time.Since(released), 500*time.Millisecond)
	wg.Wait()
}

func TestAdmission_ReaperExpiresStaleReservation(t *testing.T) {
	l := testLimits()
	l.MaxTotalActiveLLM = 1
	l.ReservationTTL = 20 * time.Millisecond
	rt := newTestRuntime(t, l)

	res := rt.RequestDispatchPermit(context.Background(), PermitInput{ToolName: "bash", MaxWaitMs: -1})
	require.True(t, res.Allowed)

	time.Sleep(40 * time.Millisecond)
	rt.ReapExpired()

	require.Equal(t, "expired", res.Lease.State())
	require.Equal(t, 0, rt.GetSnapshot().ActiveLLM)

	// The freed slot is immediately grantable again.
	again := rt.RequestDispatchPermit(context.Background(), PermitInput{ToolName: "bash", MaxWaitMs: -1})
	require.True(t, again.Allowed)
}

func TestAdmission_PreemptsBackgroundForCritical(t *testing.T) {
	l := testLimits()
	l.MaxTotalActiveLLM = 1
	l.MaxTotalActiveRequests = 1
	rt := newTestRuntime(t, l)

	ckDir := t.TempDir()
	mgr := checkpoint.NewManager(ckDir)
	rt.ckpts = mgr

	bg := rt.RequestDispatchPermit(context.Background(), PermitInput{
		TaskID: "BG", ToolName: "background_index",
		Priority: queue.PriorityBackground, HasExplicitPriority: true, MaxWaitMs: -1,
	})
	require.True(t, bg.Allowed)
	bg.Lease.Consume()
	bg.Lease.SetStateProvider(func() (json.RawMessage, string) {
		return json.RawMessage(`{"step":7}`), "indexer-v1"
	})

	crit := rt.RequestDispatchPermit(context.Background(), PermitInput{
		TaskID: "C", ToolName: "question",
		Priority: queue.PriorityCritical, HasExplicitPriority: true, MaxWaitMs: 1000,
	})
	require.True(t, crit.Allowed, "critical permit should preempt the background lease")
	require.Equal(t, "released", bg.Lease.State())

	cp, err := mgr.Load("BG")
	require.NoError(t, err)
	require.NotNil(t, cp)
	require.JSONEq(t, `{"step":7}`, string(cp.State))
	require.Equal(t, "preemption", cp.Source)
}

func TestLimits_EnvOverrides(t *testing.T) {
	t.Setenv("TOTAL_MAX_LLM", "3")
	t.Setenv("MAX_CONCURRENT_ORCHESTRATIONS", "7")
	t.Setenv("ADAPTIVE_PENALTY_MODE", "legacy")
	t.Setenv("ADAPTIVE_ENABLED", "false")
	t.Setenv("LOG_LEVEL", "debug")

	l := FromEnv(ProfileStable)
	require.Equal(t, 3, l.MaxTotalActiveLLM)
	require.Equal(t, 7, l.MaxConcurrentOrchestrations)
	require.Equal(t, "legacy", l.PenaltyMode)
	require.False(t, l.AdaptiveEnabled)
	require.Equal(t, "debug", l.LogLevel)

	// Stable profile is the 4-wide envelope.
	base := LimitsForProfile(ProfileStable)
	require.Equal(t, 4, base.MaxTotalActiveLLM)
	require.Equal(t, 8, LimitsForProfile(ProfileDefault).MaxTotalActiveLLM)
}
