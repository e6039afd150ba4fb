package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLimiter_CanProceedWithinBurst(t *testing.T) {
	l := New(60) // 1 token/sec, burst 1.5
	require.Equal(t, int64(0), l.CanProceed("openai", "gpt-4", 1))
}

func TestLimiter_Record429DrainsAndGatesRetry(t *testing.T) {
	var now time.Time
	l := New(60, WithClock(func() time.Time { return now }))
	now = time.Now()

	l.Record429("openai", "gpt-4", 2000)
	wait := l.CanProceed("openai", "gpt-4", 1)
	require.Greater(t, wait, int64(0))
	require.LessOrEqual(t, wait, int64(2000))

	now = now.Add(2001 * time.Millisecond)
	require.Equal(t, int64(0), l.CanProceed("openai", "gpt-4", 1))
}

func TestLimiter_TokensMonotonicBetweenConsumes(t *testing.T) {
	var now time.Time
	l := New(600, WithClock(func() time.Time { return now })) // 10/sec
	now = time.Now()

	l.CanProceed("a", "b", 1) // seeds bucket
	s1 := l.GetStats()["a:b"]

	now = now.Add(100 * time.Millisecond)
	s2 := l.GetStats()["a:b"]
	require.GreaterOrEqual(t, s2.Tokens, s1.Tokens)
}

func TestLimiter_EvictIdle(t *testing.T) {
	var now time.Time
	l := New(60, WithClock(func() time.Time { return now }), WithEvictAfter(time.Minute))
	now = time.Now()
	l.CanProceed("p", "m", 1)

	now = now.Add(2 * time.Minute)
	require.Equal(t, 1, l.EvictIdle())
}
