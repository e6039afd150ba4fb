package adaptive

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestController_Record429ThenRecovery(t *testing.T) {
	var now time.Time
	c := New(t.TempDir(), Config{RecoveryIntervalMs: 1000}, WithClock(func() time.Time { return now }))
	now = time.Now()

	c.get(key("openai", "gpt-4"), 8) // seed
	c.Record429("openai", "gpt-4", 8)
	require.Equal(t, 5, c.GetEffectiveLimit("openai", "gpt-4", 100)) // floor(8*0.7)=5, preset cap is 100

	require.False(t, c.AttemptRecovery("openai", "gpt-4"))
	now = now.Add(1001 * time.Millisecond)
	require.True(t, c.AttemptRecovery("openai", "gpt-4"))
	require.Equal(t, 6, c.GetEffectiveLimit("openai", "gpt-4", 100)) // ceil(5*1.1)=6
}

func TestController_PersistAndReload(t *testing.T) {
	dir := t.TempDir()
	c := New(dir, Config{})
	c.Record429("openai", "gpt-4", 8)
	require.NoError(t, c.Persist())

	c2 := New(dir, Config{})
	require.Equal(t, 5, c2.GetEffectiveLimit("openai", "gpt-4", 100))

	require.FileExists(t, filepath.Join(dir, "adaptive-limits.json"))
}

func TestController_PredictiveThrottle(t *testing.T) {
	var now time.Time
	c := New(t.TempDir(), Config{PredictiveEnabled: true, PredictiveThreshold: 0.1}, WithClock(func() time.Time { return now }))
	now = time.Now()
	for i := 0; i < 10; i++ {
		c.Record429("openai", "gpt-4", 8)
	}
	require.True(t, c.ShouldProactivelyThrottle("openai", "gpt-4"))
}
