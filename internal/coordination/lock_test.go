package coordination

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCoordinator_LockAcquireReleaseRoundTrip(t *testing.T) {
	co := New(t.TempDir())

	tok, err := co.TryAcquireLock("res-1", 5000)
	require.NoError(t, err)

	_, err = co.TryAcquireLock("res-1", 5000)
	require.ErrorIs(t, err, ErrLockHeld)

	require.NoError(t, co.ReleaseLock(tok))

	tok2, err := co.TryAcquireLock("res-1", 5000)
	require.NoError(t, err)
	require.NotEqual(t, tok.Token, tok2.Token)
}

func TestCoordinator_ExpiredLockIsReclaimed(t *testing.T) {
	var now time.Time
	co := New(t.TempDir(), WithClock(func() time.Time { return now }))
	now = time.Now()

	_, err := co.TryAcquireLock("res-1", 100)
	require.NoError(t, err)

	now = now.Add(200 * time.Millisecond)
	tok2, err := co.TryAcquireLock("res-1", 5000)
	require.NoError(t, err)
	require.NotEmpty(t, tok2.Token)
}

func TestCoordinator_ReleaseWithStaleTokenFails(t *testing.T) {
	co := New(t.TempDir())
	tok, err := co.TryAcquireLock("res-1", 5000)
	require.NoError(t, err)
	require.NoError(t, co.ReleaseLock(tok))

	tok2, err := co.TryAcquireLock("res-1", 5000)
	require.NoError(t, err)

	err = co.ReleaseLock(tok) // stale, resource re-acquired under a new token
	require.ErrorIs(t, err, ErrNotLockOwner)

	require.NoError(t, co.ReleaseLock(tok2))
}
