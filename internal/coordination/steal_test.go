package coordination

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCoordinator_ShouldAttemptWorkStealing(t *testing.T) {
	dir := t.TempDir()
	co := New(dir)
	require.NoError(t, co.RegisterInstance(context.Background(), "sess-a", "/tmp/a"))
	defer co.UnregisterInstance()

	require.False(t, co.ShouldAttemptWorkStealing(0, 4))

	peer := New(dir)
	require.NoError(t, peer.RegisterInstance(context.Background(), "sess-b", "/tmp/b"))
	defer peer.UnregisterInstance()
	require.NoError(t, peer.BroadcastQueueState(QueueStateSnapshot{
		PendingTaskCount: 3,
		StealableEntries: []StealableEntry{{ID: "t1", ToolName: "search", Priority: 2, InstanceID: peer.InstanceID(), EnqueuedAt: 100}},
	}))

	require.True(t, co.ShouldAttemptWorkStealing(0, 4))
	require.False(t, co.ShouldAttemptWorkStealing(4, 4))
}

func TestCoordinator_SafeStealWorkClaimsOnce(t *testing.T) {
	dir := t.TempDir()
	co := New(dir)
	require.NoError(t, co.RegisterInstance(context.Background(), "sess-a", "/tmp/a"))
	defer co.UnregisterInstance()

	peer := New(dir)
	require.NoError(t, peer.RegisterInstance(context.Background(), "sess-b", "/tmp/b"))
	defer peer.UnregisterInstance()
	require.NoError(t, peer.BroadcastQueueState(QueueStateSnapshot{
		PendingTaskCount: 3,
		StealableEntries: []StealableEntry{{ID: "t1", ToolName: "search", Priority: 2, InstanceID: peer.InstanceID(), EnqueuedAt: 100}},
	}))

	var claimed []StealableEntry
	entry, err := co.SafeStealWork(func(e StealableEntry) error {
		claimed = append(claimed, e)
		return nil
	})
	require.NoError(t, err)
	require.NotNil(t, entry)
	require.Equal(t, "t1", entry.ID)
	require.Len(t, claimed, 1)

	stats := co.GetStealingStats()
	require.Equal(t, int64(1), stats.TotalAttempts)
	require.Equal(t, int64(1), stats.SuccessfulSteals)
}

func TestCoordinator_StealClaimRoundTrip(t *testing.T) {
	dir := t.TempDir()
	victim := New(dir)
	require.NoError(t, victim.RegisterInstance(context.Background(), "sess-v", "/tmp/v"))
	defer victim.UnregisterInstance()

	stealer := New(dir)
	require.NoError(t, stealer.RegisterInstance(context.Background(), "sess-s", "/tmp/s"))
	defer stealer.UnregisterInstance()

	entry := StealableEntry{ID: "bg-7", ToolName: "background_index", Priority: 4, InstanceID: victim.InstanceID()}
	require.NoError(t, stealer.PublishStealClaim(entry))

	// The victim consumes the claim for its own queued task exactly once.
	stolen := victim.ConsumeStealClaims([]string{"bg-7", "other"})
	require.Equal(t, []string{"bg-7"}, stolen)
	require.Empty(t, victim.ConsumeStealClaims([]string{"bg-7"}))
}
