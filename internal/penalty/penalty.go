// Package penalty implements the adaptive penalty controller: a
// multiplicative damper applied on top of a provider's base concurrency,
// distinct from the parallelism adjuster which owns the capacity number
// itself.
package penalty

import (
	"math"
	"sync"
	"time"
)

// Mode selects between the legacy integer damper and the enhanced
// reason-weighted floating-point one.
type Mode string

const (
	ModeLegacy   Mode = "legacy"
	ModeEnhanced Mode = "enhanced"
)

// Reason is why a caller is raising the penalty.
type Reason string

const (
	ReasonRateLimit       Reason = "rate_limit"
	ReasonCapacity        Reason = "capacity"
	ReasonTimeout         Reason = "timeout"
	ReasonSchemaViolation Reason = "schema_violation"
)

var defaultReasonWeights = map[Reason]float64{
	ReasonRateLimit:       2.0,
	ReasonCapacity:        1.5,
	ReasonTimeout:         1.0,
	ReasonSchemaViolation: 0.5,
}

// DecayStrategy controls how enhanced-mode penalty bleeds off over time.
type DecayStrategy string

const (
	DecayLinear      DecayStrategy = "linear"
	DecayExponential DecayStrategy = "exponential"
	DecayHybrid      DecayStrategy = "hybrid"
)

const (
	defaultDecayMs         = 10_000
	defaultExponentialBase = 0.8
	defaultMaxPenalty      = 20.0
	reasonHistoryCap       = 64
)

// Clock abstracts wall time for tests.
type Clock func() time.Time

// reasonSample is one ring-buffer entry of raise history.
type reasonSample struct {
	reason Reason
	at     int64
}

// Controller is a single provider/model's penalty state. Construct one per
// "provider:model" key (see Registry below for the keyed wrapper most
// callers want).
type Controller struct {
	mu sync.Mutex

	mode  Mode
	clock Clock

	penalty     float64
	updatedAtMs int64

	decayStrategy   DecayStrategy
	decayMs         int64
	exponentialBase float64
	maxPenalty      float64

	reasonWeights map[Reason]float64
	history       []reasonSample
}

// Option configures a Controller.
type Option func(*Controller)

func WithClock(c Clock) Option { return func(ctl *Controller) { ctl.clock = c } }
func WithDecayStrategy(s DecayStrategy) Option {
	return func(ctl *Controller) { ctl.decayStrategy = s }
}
func WithDecayIntervalMs(ms int64) Option {
	return func(ctl *Controller) { ctl.decayMs = ms }
}
func WithExponentialBase(b float64) Option {
	return func(ctl *Controller) { ctl.exponentialBase = b }
}
func WithMaxPenalty(p float64) Option { return func(ctl *Controller) { ctl.maxPenalty = p } }
func WithReasonWeights(w map[Reason]float64) Option {
	return func(ctl *Controller) { ctl.reasonWeights = w }
}

// New creates a Controller in the given mode.
func New(mode Mode, opts ...Option) *Controller {
	c := &Controller{
		mode:            mode,
		clock:           time.Now,
		decayStrategy:   DecayExponential,
		decayMs:         defaultDecayMs,
		exponentialBase: defaultExponentialBase,
		maxPenalty:      defaultMaxPenalty,
		reasonWeights:   defaultReasonWeights,
	}
	for _, o := range opts {
		o(c)
	}
	c.updatedAtMs = c.clock().UnixMilli()
	return c
}

func (c *Controller) decayLocked() {
	now := c.clock().UnixMilli()
	elapsed := now - c.updatedAtMs
	if elapsed <= 0 || c.penalty <= 0 {
		c.updatedAtMs = now
		return
	}

	switch c.decayStrategy {
	case DecayLinear:
		steps := float64(elapsed) / float64(c.decayMs)
		c.penalty -= steps
	case DecayHybrid:
		// Exponential for the first half-life, linear thereafter.
		halfLifeMs := c.decayMs * 2
		if elapsed < halfLifeMs {
			periods := float64(elapsed) / float64(c.decayMs)
			c.penalty *= math.Pow(c.exponentialBase, periods)
		} else {
			periods := float64(halfLifeMs) / float64(c.decayMs)
			c.penalty *= math.Pow(c.exponentialBase, periods)
			remaining := float64(elapsed-halfLifeMs) / float64(c.decayMs)
			c.penalty -= remaining
		}
	default: // DecayExponential, and legacy mode's linear-to-zero decay
		if c.mode == ModeLegacy {
			steps := float64(elapsed) / float64(c.decayMs)
			c.penalty -= steps
		} else {
			periods := float64(elapsed) / float64(c.decayMs)
			c.penalty *= math.Pow(c.exponentialBase, periods)
		}
	}
	if c.penalty < 0 {
		c.penalty = 0
	}
	c.updatedAtMs = now
}

// Raise applies a raise for the given reason. In legacy mode this is a
// simple +1 step regardless of reason; in enhanced mode the reason's
// configured weight is added.
func (c *Controller) Raise(reason Reason) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.decayLocked()

	if c.mode == ModeLegacy {
		c.penalty += 1
	} else {
		w, ok := c.reasonWeights[reason]
		if !ok {
			w = 1.0
		}
		c.penalty += w
		c.recordReasonLocked(reason)
	}
	if c.penalty > c.maxPenalty {
		c.penalty = c.maxPenalty
	}
}

// RaiseWithReason is the enhanced-mode-only entry point; it behaves like
// Raise but is kept as a distinct name to make callers explicit about
// reason-aware raises.
func (c *Controller) RaiseWithReason(reason Reason) { c.Raise(reason) }

func (c *Controller) recordReasonLocked(reason Reason) {
	c.history = append(c.history, reasonSample{reason: reason, at: c.clock().UnixMilli()})
	if len(c.history) > reasonHistoryCap {
		c.history = c.history[len(c.history)-reasonHistoryCap:]
	}
}

// Lower applies a single recovery step (legacy: -1; enhanced: a flat
// fractional relief independent of decay).
func (c *Controller) Lower() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.decayLocked()
	if c.mode == ModeLegacy {
		c.penalty -= 1
	} else {
		c.penalty -= 0.5
	}
	if c.penalty < 0 {
		c.penalty = 0
	}
}

// Decay forces a lazy-decay evaluation as of now; Get/Raise/Lower already do
// this internally, so this is mostly useful for tests and batch sweeps.
func (c *Controller) Decay(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clock = func() time.Time { return now }
	c.decayLocked()
}

// Get returns the current (decayed) penalty value.
func (c *Controller) Get() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.decayLocked()
	return c.penalty
}

// ApplyLimit applies the penalty to a base concurrency figure.
// Legacy: max(1, round(base - penalty)).
// Enhanced: max(1, floor(base * e^-penalty)), clamped to [1, maxPenalty].
func (c *Controller) ApplyLimit(base int) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.decayLocked()

	var effective float64
	if c.mode == ModeLegacy {
		effective = math.Round(float64(base) - c.penalty)
	} else {
		effective = math.Floor(float64(base) * math.Exp(-c.penalty))
	}
	if effective < 1 {
		effective = 1
	}
	if effective > c.maxPenalty && c.maxPenalty > 0 && float64(base) > c.maxPenalty {
		effective = c.maxPenalty
	}
	return int(effective)
}

// GetReasonStats tallies how many times each reason has been raised within
// the bounded ring buffer (enhanced mode only; legacy mode returns an empty
// map since it doesn't track reasons).
func (c *Controller) GetReasonStats() map[Reason]int {
	c.mu.Lock()
	defer c.mu.Unlock()
	stats := make(map[Reason]int)
	for _, s := range c.history {
		stats[s.reason]++
	}
	return stats
}

// GetDecayStrategy reports the configured decay strategy.
func (c *Controller) GetDecayStrategy() DecayStrategy { return c.decayStrategy }

// ModeOf reports which mode this controller runs in.
func (c *Controller) ModeOf() Mode { return c.mode }

// Registry keys a Controller per "provider:model", matching the other
// per-resource controllers in this module.
type Registry struct {
	mu    sync.Mutex
	mode  Mode
	opts  []Option
	byKey map[string]*Controller
}

// NewRegistry creates a Registry that lazily constructs a Controller per key
// in the given mode with the given options.
func NewRegistry(mode Mode, opts ...Option) *Registry {
	return &Registry{mode: mode, opts: opts, byKey: make(map[string]*Controller)}
}

func (r *Registry) For(provider, model string) *Controller {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := provider + ":" + model
	c, ok := r.byKey[k]
	if !ok {
		c = New(r.mode, r.opts...)
		r.byKey[k] = c
	}
	return c
}
