package adaptive

import (
	"math"
	"time"
)

const (
	hourMs = 60 * 60 * 1000
	dayMs  = 24 * hourMs
	weekMs = 7 * dayMs
)

// Analyze429Probability estimates the likelihood of a near-term 429 for a
// key from the density of its historical429s: recent-hour density, plus a
// same-day-of-week and same-hour-of-day bucket density, averaged.
func (c *Controller) Analyze429Probability(provider, model string) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.limits[key(provider, model)]
	if !ok || len(l.Historical429s) == 0 {
		return 0
	}

	now := c.clock().UnixMilli()
	nowT := time.UnixMilli(now)

	var lastHour, sameHourBucket, sameDayBucket, total int
	for _, ts := range l.Historical429s {
		total++
		if now-ts <= hourMs {
			lastHour++
		}
		t := time.UnixMilli(ts)
		if t.Hour() == nowT.Hour() {
			sameHourBucket++
		}
		if t.Weekday() == nowT.Weekday() {
			sameDayBucket++
		}
	}

	recentDensity := float64(lastHour) / 10.0 // 10/hr treated as saturating
	if recentDensity > 1 {
		recentDensity = 1
	}
	hourDensity := float64(sameHourBucket) / float64(total)
	dayDensity := float64(sameDayBucket) / float64(total)

	p := (recentDensity*0.5 + hourDensity*0.3 + dayDensity*0.2)
	if p > 1 {
		p = 1
	}
	if p < 0 {
		p = 0
	}
	l.PredictedProbability = p
	return p
}

// ShouldProactivelyThrottle reports whether the predicted probability
// exceeds the configured threshold.
func (c *Controller) ShouldProactivelyThrottle(provider, model string) bool {
	if !c.cfg.PredictiveEnabled {
		return false
	}
	p := c.Analyze429Probability(provider, model)
	return p > c.cfg.PredictiveThreshold
}

// GetPredictiveConcurrency recommends floor(current * (1 - p)) when
// proactive throttling is warranted.
func (c *Controller) GetPredictiveConcurrency(provider, model string) int {
	c.mu.Lock()
	current := 1
	if l, ok := c.limits[key(provider, model)]; ok {
		current = l.Concurrency
	}
	c.mu.Unlock()

	p := c.Analyze429Probability(provider, model)
	rec := int(math.Floor(float64(current) * (1 - p)))
	if rec < 1 {
		rec = 1
	}
	return rec
}
