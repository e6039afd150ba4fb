package coordination

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCoordinator_RegisterAndGetActiveInstances(t *testing.T) {
	dir := t.TempDir()
	var now time.Time
	co := New(dir, WithClock(func() time.Time { return now }), WithHeartbeatInterval(time.Hour))
	now = time.Now()

	require.NoError(t, co.RegisterInstance(context.Background(), "sess-1", "/tmp/proj"))
	defer co.UnregisterInstance()

	active := co.GetActiveInstances()
	require.Len(t, active, 1)
	require.Equal(t, "sess-1", active[0].SessionID)
	require.Equal(t, os.Getpid(), active[0].PID)
}

func TestCoordinator_StaleInstanceIsPruned(t *testing.T) {
	dir := t.TempDir()
	var now time.Time
	co := New(dir, WithClock(func() time.Time { return now }), WithHeartbeatTimeout(10*time.Second))
	now = time.Now()
	require.NoError(t, co.RegisterInstance(context.Background(), "sess-1", "/tmp"))
	defer co.UnregisterInstance()

	now = now.Add(20 * time.Second)
	active := co.GetActiveInstances()
	require.Empty(t, active)
}

func TestCoordinator_GetMyParallelLimit(t *testing.T) {
	dir := t.TempDir()
	co := New(dir)
	require.NoError(t, co.RegisterInstance(context.Background(), "sess-1", "/tmp"))
	defer co.UnregisterInstance()

	require.Equal(t, 10, co.GetMyParallelLimit(10))
}

func TestCoordinator_GetActiveInstancesForModel(t *testing.T) {
	dir := t.TempDir()
	co := New(dir)
	require.NoError(t, co.RegisterInstance(context.Background(), "sess-1", "/tmp"))
	defer co.UnregisterInstance()
	co.SetActiveModels([]ActiveModel{{Provider: "anthropic", Model: "demo-model-large"}})

	require.NoError(t, co.writeInstanceFile(co.record))
	require.Equal(t, 1, co.GetActiveInstancesForModel("anthropic", "demo-model-*"))
	require.Equal(t, 0, co.GetActiveInstancesForModel("openai", "gpt-4"))
}
