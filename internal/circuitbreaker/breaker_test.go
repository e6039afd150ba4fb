package circuitbreaker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBreaker_OpensAfterFailureThreshold(t *testing.T) {
	b := New(Config{FailureThreshold: 5})
	for i := 0; i < 4; i++ {
		b.RecordFailure("openai:gpt-4")
		require.Equal(t, StateClosed, b.GetState("openai:gpt-4"))
	}
	b.RecordFailure("openai:gpt-4")
	require.Equal(t, StateOpen, b.GetState("openai:gpt-4"))

	chk := b.Check("openai:gpt-4")
	require.False(t, chk.Allowed)
	require.Greater(t, chk.RetryAfterMs, int64(0))
}

func TestBreaker_HalfOpenThenClose(t *testing.T) {
	var now time.Time
	b := New(Config{FailureThreshold: 1, Cooldown: 10 * time.Millisecond, SuccessThreshold: 2, HalfOpenMaxRequests: 2}, WithClock(func() time.Time { return now }))
	now = time.Now()

	b.RecordFailure("a:b")
	require.Equal(t, StateOpen, b.GetState("a:b"))

	now = now.Add(11 * time.Millisecond)
	chk := b.Check("a:b")
	require.Equal(t, StateHalfOpen, chk.State)
	require.True(t, chk.Allowed)

	b.RecordSuccess("a:b")
	b.Check("a:b")
	b.RecordSuccess("a:b")
	require.Equal(t, StateClosed, b.GetState("a:b"))
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	var now time.Time
	b := New(Config{FailureThreshold: 1, Cooldown: 10 * time.Millisecond}, WithClock(func() time.Time { return now }))
	now = time.Now()
	b.RecordFailure("a:b")
	now = now.Add(11 * time.Millisecond)
	b.Check("a:b")
	b.RecordFailure("a:b")
	require.Equal(t, StateOpen, b.GetState("a:b"))
}
