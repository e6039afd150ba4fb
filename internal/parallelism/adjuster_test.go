package parallelism

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAdjuster_ReducesOn429(t *testing.T) {
	a := New(Config{Min: 1, Max: 16})
	a.SeedBase("openai", "gpt-4", 8)
	a.AdjustForError("openai", "gpt-4", ErrorRateLimit)
	require.Equal(t, 6, a.GetParallelism("openai", "gpt-4")) // round(8*0.7)=6
}

func TestAdjuster_RecoversOnlyAfterInterval(t *testing.T) {
	var now time.Time
	a := New(Config{Min: 1, Max: 16, RecoveryIntervalMs: 1000}, WithClock(func() time.Time { return now }))
	now = time.Now()
	a.SeedBase("openai", "gpt-4", 8)
	a.AdjustForError("openai", "gpt-4", ErrorRateLimit) // -> 6

	require.False(t, a.AttemptRecovery("openai", "gpt-4"))

	now = now.Add(1001 * time.Millisecond)
	require.True(t, a.AttemptRecovery("openai", "gpt-4"))
	require.Equal(t, 7, a.GetParallelism("openai", "gpt-4")) // round(6*1.1)=7
}

func TestAdjuster_CrossInstanceFanoutClampsToOne(t *testing.T) {
	a := New(Config{Min: 1, Max: 16})
	a.SeedBase("openai", "gpt-4", 2)
	require.Equal(t, 2, a.ApplyCrossInstanceLimits("openai", "gpt-4", 0))
	require.Equal(t, 1, a.ApplyCrossInstanceLimits("openai", "gpt-4", 10))
}

func TestAdjuster_ChangeEventPublished(t *testing.T) {
	a := New(Config{Min: 1, Max: 16})
	ch := a.OnParallelismChange()
	a.SeedBase("openai", "gpt-4", 8)
	a.AdjustForError("openai", "gpt-4", ErrorRateLimit)

	select {
	case ev := <-ch:
		require.Equal(t, 8, ev.Old)
		require.Equal(t, 6, ev.New)
	default:
		t.Fatal("expected a change event")
	}
}
