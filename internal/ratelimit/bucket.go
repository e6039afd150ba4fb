// Package ratelimit implements the per-provider/model token-bucket rate
// limiter. golang.org/x/time/rate is deliberately not used as the bucket
// primitive here: its Limiter exposes no way to read back fractional
// tokens or drain them to zero on a 429, both of which this package
// needs, so the bucket math is hand-rolled (see DESIGN.md).
package ratelimit

import (
	"sync"
	"time"
)

const (
	defaultBurstMultiplier = 1.5
	defaultEvictAfter      = 30 * time.Minute
	defaultMaxBuckets      = 4096
	maxWaitMsCap           = 60_000
)

type bucket struct {
	tokens       float64
	maxTokens    float64
	refillRate   float64 // tokens per millisecond
	lastRefillMs int64
	retryAfterMs int64
	lastAccessMs int64
}

func newBucket(rpm float64, burstMultiplier float64, nowMs int64) *bucket {
	maxTokens := (rpm / 60) * burstMultiplier
	return &bucket{
		tokens:       maxTokens,
		maxTokens:    maxTokens,
		refillRate:   rpm / 60_000,
		lastRefillMs: nowMs,
		lastAccessMs: nowMs,
	}
}

func (b *bucket) refill(nowMs int64) {
	if nowMs <= b.lastRefillMs {
		return
	}
	elapsed := float64(nowMs - b.lastRefillMs)
	b.tokens += elapsed * b.refillRate
	if b.tokens > b.maxTokens {
		b.tokens = b.maxTokens
	}
	b.lastRefillMs = nowMs
}

// Clock abstracts wall time for deterministic tests.
type Clock func() time.Time

// Limiter tracks one token bucket per "provider:model" key.
type Limiter struct {
	mu sync.Mutex

	buckets map[string]*bucket
	clock   Clock

	defaultRPM float64
	burstMulti float64
	evictAfter time.Duration
	maxBuckets int
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock overrides the wall-clock source.
func WithClock(c Clock) Option { return func(l *Limiter) { l.clock = c } }

// WithBurstMultiplier overrides the default 1.5x burst allowance.
func WithBurstMultiplier(m float64) Option { return func(l *Limiter) { l.burstMulti = m } }

// WithEvictAfter overrides the idle-bucket eviction window.
func WithEvictAfter(d time.Duration) Option { return func(l *Limiter) { l.evictAfter = d } }

// WithMaxBuckets overrides the hard cap on tracked keys.
func WithMaxBuckets(n int) Option { return func(l *Limiter) { l.maxBuckets = n } }

// New creates a Limiter. defaultRPM seeds buckets for keys seen for the
// first time; per-key RPM can later be tuned externally by callers that
// layer learned concurrency on top.
func New(defaultRPM float64, opts ...Option) *Limiter {
	l := &Limiter{
		buckets:    make(map[string]*bucket),
		clock:      time.Now,
		defaultRPM: defaultRPM,
		burstMulti: defaultBurstMultiplier,
		evictAfter: defaultEvictAfter,
		maxBuckets: defaultMaxBuckets,
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

func key(provider, model string) string { return provider + ":" + model }

func (l *Limiter) get(k string, nowMs int64) *bucket {
	b, ok := l.buckets[k]
	if !ok {
		if len(l.buckets) >= l.maxBuckets {
			l.evictLRULocked()
		}
		b = newBucket(l.defaultRPM, l.burstMulti, nowMs)
		l.buckets[k] = b
	}
	b.refill(nowMs)
	b.lastAccessMs = nowMs
	return b
}

func (l *Limiter) evictLRULocked() {
	var oldestKey string
	var oldestMs int64
	first := true
	for k, b := range l.buckets {
		if first || b.lastAccessMs < oldestMs {
			oldestKey, oldestMs, first = k, b.lastAccessMs, false
		}
	}
	if oldestKey != "" {
		delete(l.buckets, oldestKey)
	}
}

// CanProceed returns 0 if tokensNeeded are currently available and no 429
// hint is pending; otherwise it returns the wait, in milliseconds, capped
// at 60s.
func (l *Limiter) CanProceed(provider, model string, tokensNeeded float64) int64 {
	if tokensNeeded <= 0 {
		tokensNeeded = 1
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock().UnixMilli()
	b := l.get(key(provider, model), now)

	retryWait := b.retryAfterMs - now
	if retryWait < 0 {
		retryWait = 0
	}

	if b.tokens >= tokensNeeded && retryWait <= 0 {
		return 0
	}

	var refillWait int64
	if b.tokens < tokensNeeded && b.refillRate > 0 {
		missing := tokensNeeded - b.tokens
		refillWait = int64(missing/b.refillRate) + 1
	}

	wait := refillWait
	if retryWait > wait {
		wait = retryWait
	}
	if wait > maxWaitMsCap {
		wait = maxWaitMsCap
	}
	if wait <= 0 {
		wait = 1
	}
	return wait
}

// Consume deducts tokens after a call has actually been made. It does not
// re-check admissibility; callers are expected to have called CanProceed
// first.
func (l *Limiter) Consume(provider, model string, tokens float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.clock().UnixMilli()
	b := l.get(key(provider, model), now)
	b.tokens -= tokens
	if b.tokens < 0 {
		b.tokens = 0
	}
}

// Record429 raises retryAfterMs to at least hint and drains the bucket to
// zero.
func (l *Limiter) Record429(provider, model string, hintMs int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.clock().UnixMilli()
	b := l.get(key(provider, model), now)
	candidate := now + hintMs
	if candidate > b.retryAfterMs {
		b.retryAfterMs = candidate
	}
	b.tokens = 0
}

// RecordSuccess is a no-op hook kept for symmetry with the penalty and
// parallelism controllers, which clear their own 429 bookkeeping on
// success; the bucket itself needs no action since refill already happens
// lazily.
func (l *Limiter) RecordSuccess(provider, model string) {}

// Stats is a point-in-time snapshot of one bucket, for metrics/dashboard use.
type Stats struct {
	Tokens       float64
	MaxTokens    float64
	RetryAfterMs int64
}

// GetStats returns a snapshot for every tracked key.
func (l *Limiter) GetStats() map[string]Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.clock().UnixMilli()
	out := make(map[string]Stats, len(l.buckets))
	for k, b := range l.buckets {
		b.refill(now)
		out[k] = Stats{Tokens: b.tokens, MaxTokens: b.maxTokens, RetryAfterMs: b.retryAfterMs}
	}
	return out
}

// EvictIdle drops buckets untouched for longer than evictAfter. Callers run
// this periodically; it is not invoked automatically to keep the package
// free of background goroutines.
func (l *Limiter) EvictIdle() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.clock().UnixMilli()
	cutoff := now - l.evictAfter.Milliseconds()
	evicted := 0
	for k, b := range l.buckets {
		if b.lastAccessMs < cutoff {
			delete(l.buckets, k)
			evicted++
		}
	}
	return evicted
}
