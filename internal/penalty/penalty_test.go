package penalty

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestController_LegacyLinearDecayToZero(t *testing.T) {
	var now time.Time
	c := New(ModeLegacy, WithClock(func() time.Time { return now }), WithDecayIntervalMs(1000))
	now = time.Now()

	c.Raise(ReasonTimeout)
	c.Raise(ReasonTimeout)
	require.Equal(t, float64(2), c.Get())

	now = now.Add(2500 * time.Millisecond)
	require.InDelta(t, 0, c.Get(), 0.01)
}

func TestController_EnhancedReasonWeighted(t *testing.T) {
	c := New(ModeEnhanced)
	c.Raise(ReasonRateLimit)
	require.Equal(t, 2.0, c.Get())
	c.Raise(ReasonSchemaViolation)
	require.Equal(t, 2.5, c.Get())

	stats := c.GetReasonStats()
	require.Equal(t, 1, stats[ReasonRateLimit])
	require.Equal(t, 1, stats[ReasonSchemaViolation])
}

func TestController_ApplyLimitEnhanced(t *testing.T) {
	c := New(ModeEnhanced)
	require.Equal(t, 10, c.ApplyLimit(10))
	c.Raise(ReasonRateLimit) // penalty = 2.0
	// floor(10 * e^-2) = floor(1.35) = 1
	require.Equal(t, 1, c.ApplyLimit(10))
}

func TestController_ApplyLimitNeverBelowOne(t *testing.T) {
	c := New(ModeLegacy)
	for i := 0; i < 50; i++ {
		c.Raise(ReasonTimeout)
	}
	require.Equal(t, 1, c.ApplyLimit(5))
}
