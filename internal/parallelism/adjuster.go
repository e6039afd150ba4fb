// Package parallelism implements the dynamic parallelism adjuster:
// per provider/model health tracking and hysteresis-based concurrency-cap
// adjustment.
package parallelism

import (
	"sync"
	"time"
)

// ErrorType classifies the signal an adjustment reacts to.
type ErrorType string

const (
	ErrorRateLimit ErrorType = "429"
	ErrorTimeout   ErrorType = "timeout"
	ErrorGeneric   ErrorType = "error"
)

const (
	defaultReductionOn429     = 0.3
	defaultReductionOnTimeout = 0.15
	defaultIncreaseOnRecovery = 0.1
	defaultRecoveryIntervalMs = 5 * 60 * 1000
	defaultErrorWindowMs      = 60_000
	defaultErrorSustainedK    = 5
	responseSampleCap         = 128
)

// Config tunes the adjuster; zero values fall back to documented defaults.
type Config struct {
	ReductionOn429     float64
	ReductionOnTimeout float64
	IncreaseOnRecovery float64
	RecoveryIntervalMs int64
	ErrorWindowMs      int64
	ErrorSustainedK    int
	Min, Max           int
}

func (c Config) withDefaults() Config {
	if c.ReductionOn429 == 0 {
		c.ReductionOn429 = defaultReductionOn429
	}
	if c.ReductionOnTimeout == 0 {
		c.ReductionOnTimeout = defaultReductionOnTimeout
	}
	if c.IncreaseOnRecovery == 0 {
		c.IncreaseOnRecovery = defaultIncreaseOnRecovery
	}
	if c.RecoveryIntervalMs == 0 {
		c.RecoveryIntervalMs = defaultRecoveryIntervalMs
	}
	if c.ErrorWindowMs == 0 {
		c.ErrorWindowMs = defaultErrorWindowMs
	}
	if c.ErrorSustainedK == 0 {
		c.ErrorSustainedK = defaultErrorSustainedK
	}
	if c.Min == 0 {
		c.Min = 1
	}
	if c.Max == 0 {
		c.Max = 32
	}
	return c
}

// Clock abstracts wall time for tests.
type Clock func() time.Time

type errSample struct {
	at int64
}

type responseSample struct {
	ms int64
}

type state struct {
	base    int
	current int

	last429AtMs   int64
	errorWindow   []errSample
	responseTimes []responseSample
	recent429Count int

	lastAdjustedAtMs int64
	adjustmentReason string
}

// ChangeEvent is published to subscribers whenever a key's effective
// parallelism changes.
type ChangeEvent struct {
	Provider, Model string
	Old, New        int
	Reason          string
}

// Adjuster owns per-key parallelism state.
type Adjuster struct {
	mu  sync.Mutex
	cfg Config
	clock Clock

	byKey map[string]*state

	subs []chan ChangeEvent
}

// Option configures an Adjuster.
type Option func(*Adjuster)

func WithClock(c Clock) Option { return func(a *Adjuster) { a.clock = c } }

// New creates an Adjuster. baseParallelism seeds new keys' starting point.
func New(cfg Config, opts ...Option) *Adjuster {
	a := &Adjuster{
		cfg:   cfg.withDefaults(),
		clock: time.Now,
		byKey: make(map[string]*state),
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

func key(provider, model string) string { return provider + ":" + model }

func (a *Adjuster) get(k string, base int) *state {
	s, ok := a.byKey[k]
	if !ok {
		if base <= 0 {
			base = a.cfg.Max
		}
		s = &state{base: base, current: base, lastAdjustedAtMs: a.clock().UnixMilli()}
		a.byKey[k] = s
	}
	return s
}

// SeedBase registers (or re-bases) a key's starting parallelism, used when a
// preset limit is known up front.
func (a *Adjuster) SeedBase(provider, model string, base int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s := a.get(key(provider, model), base)
	s.base = base
	if s.current > base {
		s.current = base
	}
}

// GetParallelism returns the current effective parallelism cap for a key.
func (a *Adjuster) GetParallelism(provider, model string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	s := a.get(key(provider, model), 0)
	return s.current
}

func (a *Adjuster) publish(provider, model string, old, new int, reason string) {
	if old == new {
		return
	}
	ev := ChangeEvent{Provider: provider, Model: model, Old: old, New: new, Reason: reason}
	for _, ch := range a.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// OnParallelismChange subscribes to change events; the returned channel is
// buffered and never blocks the adjuster (a full subscriber drops events).
func (a *Adjuster) OnParallelismChange() <-chan ChangeEvent {
	a.mu.Lock()
	defer a.mu.Unlock()
	ch := make(chan ChangeEvent, 32)
	a.subs = append(a.subs, ch)
	return ch
}

// AdjustForError reacts to a single error signal.
func (a *Adjuster) AdjustForError(provider, model string, errType ErrorType) {
	a.mu.Lock()
	defer a.mu.Unlock()
	k := key(provider, model)
	s := a.get(k, 0)
	now := a.clock().UnixMilli()

	old := s.current
	switch errType {
	case ErrorRateLimit:
		s.current = reduceTo(s.current, a.cfg.ReductionOn429, a.cfg.Min)
		s.last429AtMs = now
		s.recent429Count++
		s.adjustmentReason = "rate_limit"
	case ErrorTimeout:
		s.current = reduceTo(s.current, a.cfg.ReductionOnTimeout, a.cfg.Min)
		s.adjustmentReason = "timeout"
	case ErrorGeneric:
		s.errorWindow = append(s.errorWindow, errSample{at: now})
		s.errorWindow = trimWindow(s.errorWindow, now-a.cfg.ErrorWindowMs)
		if len(s.errorWindow) > a.cfg.ErrorSustainedK {
			s.current = reduceTo(s.current, a.cfg.ReductionOnTimeout, a.cfg.Min)
			s.adjustmentReason = "sustained_error"
		}
	}
	s.lastAdjustedAtMs = now
	a.publish(provider, model, old, s.current, s.adjustmentReason)
}

func reduceTo(current int, fraction float64, min int) int {
	next := roundHalfUp(float64(current) * (1 - fraction))
	if next < min {
		next = min
	}
	return next
}

func roundHalfUp(f float64) int {
	if f < 0 {
		return int(f - 0.5)
	}
	return int(f + 0.5)
}

func trimWindow(samples []errSample, cutoff int64) []errSample {
	out := samples[:0]
	for _, s := range samples {
		if s.at >= cutoff {
			out = append(out, s)
		}
	}
	return out
}

// AttemptRecovery applies the periodic recovery step if no 429 has been seen
// within RecoveryIntervalMs.
func (a *Adjuster) AttemptRecovery(provider, model string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	k := key(provider, model)
	s := a.get(k, 0)
	now := a.clock().UnixMilli()

	if s.last429AtMs != 0 && now-s.last429AtMs < a.cfg.RecoveryIntervalMs {
		return false
	}
	if s.current >= s.base {
		return false
	}
	old := s.current
	next := roundHalfUp(float64(s.current) * (1 + a.cfg.IncreaseOnRecovery))
	if next > s.base {
		next = s.base
	}
	if next > a.cfg.Max {
		next = a.cfg.Max
	}
	s.current = next
	s.adjustmentReason = "recovery"
	s.lastAdjustedAtMs = now
	a.publish(provider, model, old, s.current, "recovery")
	return old != s.current
}

// AttemptRecoveryAll runs the recovery step for every tracked key.
func (a *Adjuster) AttemptRecoveryAll() int {
	a.mu.Lock()
	keys := make([]string, 0, len(a.byKey))
	for k := range a.byKey {
		keys = append(keys, k)
	}
	a.mu.Unlock()

	recovered := 0
	for _, k := range keys {
		provider, model := splitKey(k)
		if a.AttemptRecovery(provider, model) {
			recovered++
		}
	}
	return recovered
}

func splitKey(k string) (string, string) {
	for i := 0; i < len(k); i++ {
		if k[i] == ':' {
			return k[:i], k[i+1:]
		}
	}
	return k, ""
}

// ApplyCrossInstanceLimits divides the effective cap across cooperating
// instances; instanceCount <= 0 is clamped to 1.
func (a *Adjuster) ApplyCrossInstanceLimits(provider, model string, instanceCount int) int {
	if instanceCount < 1 {
		instanceCount = 1
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	s := a.get(key(provider, model), 0)
	effective := s.current / instanceCount
	if effective < 1 {
		effective = 1
	}
	return effective
}

// RecordResponseTime feeds the response-time ring buffer used by GetHealth.
func (a *Adjuster) RecordResponseTime(provider, model string, ms int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s := a.get(key(provider, model), 0)
	s.responseTimes = append(s.responseTimes, responseSample{ms: ms})
	if len(s.responseTimes) > responseSampleCap {
		s.responseTimes = s.responseTimes[len(s.responseTimes)-responseSampleCap:]
	}
}

// Health is the surfaced health snapshot for a key.
type Health struct {
	Recent429Count       int
	AvgResponseMs        float64
	RecommendedBackoffMs int64
}

// GetHealth returns a point-in-time health snapshot.
func (a *Adjuster) GetHealth(provider, model string) Health {
	a.mu.Lock()
	defer a.mu.Unlock()
	s := a.get(key(provider, model), 0)

	var sum int64
	for _, r := range s.responseTimes {
		sum += r.ms
	}
	var avg float64
	if len(s.responseTimes) > 0 {
		avg = float64(sum) / float64(len(s.responseTimes))
	}

	backoff := int64(0)
	if s.recent429Count > 0 {
		backoff = int64(s.recent429Count) * 1000
		if backoff > 30_000 {
			backoff = 30_000
		}
	}
	return Health{Recent429Count: s.recent429Count, AvgResponseMs: avg, RecommendedBackoffMs: backoff}
}

// Shutdown closes all subscriber channels, releasing resources held by
// OnParallelismChange consumers.
func (a *Adjuster) Shutdown() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, ch := range a.subs {
		close(ch)
	}
	a.subs = nil
}
