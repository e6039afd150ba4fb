// Package retry implements the retry-with-backoff engine: error
// classification, exponential backoff with jitter, and a shared
// rate-limit gate keyed by provider:model.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"
)

// Jitter selects how backoff delay is randomized.
type Jitter string

const (
	JitterFull    Jitter = "full"
	JitterPartial Jitter = "partial"
	JitterNone    Jitter = "none"
)

// Config mirrors documented defaults: maxRetries 3, initialDelayMs 1000,
// maxDelayMs 30000, multiplier 2.0, jitter full.
type Config struct {
	MaxRetries          int
	InitialDelayMs      int64
	MaxDelayMs          int64
	Multiplier          float64
	Jitter              Jitter
	MaxRateLimitRetries int
	MaxRateLimitWaitMs  int64
}

// DefaultConfig returns documented defaults.
func DefaultConfig() Config {
	return Config{
		MaxRetries:          3,
		InitialDelayMs:      1000,
		MaxDelayMs:          30_000,
		Multiplier:          2.0,
		Jitter:              JitterFull,
		MaxRateLimitRetries: 5,
		MaxRateLimitWaitMs:  60_000,
	}
}

// Merge applies explicit overrides on top of the receiver, treating a zero
// field in override as "unset".
func (c Config) Merge(override Config) Config {
	if override.MaxRetries != 0 {
		c.MaxRetries = override.MaxRetries
	}
	if override.InitialDelayMs != 0 {
		c.InitialDelayMs = override.InitialDelayMs
	}
	if override.MaxDelayMs != 0 {
		c.MaxDelayMs = override.MaxDelayMs
	}
	if override.Multiplier != 0 {
		c.Multiplier = override.Multiplier
	}
	if override.Jitter != "" {
		c.Jitter = override.Jitter
	}
	if override.MaxRateLimitRetries != 0 {
		c.MaxRateLimitRetries = override.MaxRateLimitRetries
	}
	if override.MaxRateLimitWaitMs != 0 {
		c.MaxRateLimitWaitMs = override.MaxRateLimitWaitMs
	}
	return c
}

// ErrKind distinguishes the terminal errors this package itself raises, as
// opposed to classification kinds surfaced via Classification.Class.
type ErrKind string

const (
	ErrKindCancelled         ErrKind = "cancelled"
	ErrKindRateLimitFastFail ErrKind = "rate_limit_fast_fail"
	ErrKindExhausted         ErrKind = "retries_exhausted"
)

// Error is returned when Run gives up or aborts.
type Error struct {
	Kind       ErrKind
	Class      Class
	Attempts   int
	Underlying error
}

func (e *Error) Error() string {
	return fmt.Sprintf("retry: %s after %d attempt(s): %v", e.Kind, e.Attempts, e.Underlying)
}

func (e *Error) Unwrap() error { return e.Underlying }

// Op is the operation being retried. It must return a Classification when it
// fails so the engine can decide whether/how to retry; a nil err means
// success.
type Op func(ctx context.Context, attempt int) (value any, cls Classification, err error)

// Options configure a single Run call.
type Options struct {
	Config
	RateLimitKey    string
	OnRetry         func(attempt int, delay time.Duration, cls Classification)
	OnRateLimitWait func(wait time.Duration)
	ShouldRetry     func(cls Classification) bool
	RNG             *rand.Rand // injected for deterministic tests
}

// Clock abstracts wall time.
type Clock func() time.Time

// Engine runs operations through Run, sharing one Gate across all calls
// that pass the same RateLimitKey.
type Engine struct {
	gate  *Gate
	clock Clock
	sleep func(ctx context.Context, d time.Duration) error
}

// NewEngine creates an Engine with a fresh shared gate.
func NewEngine() *Engine {
	return &Engine{gate: NewGate(nil), clock: time.Now, sleep: defaultSleep}
}

func defaultSleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Gate exposes the engine's shared rate-limit gate so callers (e.g. the
// admission controller) can inspect it without duplicating state.
func (e *Engine) Gate() *Gate { return e.gate }

func backoffDelay(cfg Config, attempt int, rng *rand.Rand) time.Duration {
	raw := float64(cfg.InitialDelayMs) * pow(cfg.Multiplier, attempt)
	if raw > float64(cfg.MaxDelayMs) {
		raw = float64(cfg.MaxDelayMs)
	}
	delay := raw
	if rng == nil {
		rng = rand.New(rand.NewSource(1))
	}
	switch cfg.Jitter {
	case JitterFull:
		delay = rng.Float64() * raw
	case JitterPartial:
		delay = raw/2 + rng.Float64()*raw/2
	case JitterNone:
		// unchanged
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay) * time.Millisecond
}

func pow(base float64, exp int) float64 {
	result := 1.0
	for i := 0; i < exp; i++ {
		result *= base
	}
	return result
}

// Run executes op, retrying per cfg until success, exhaustion, or a
// permanent/cancelled/fast-fail outcome.
func (e *Engine) Run(ctx context.Context, cfg Config, opts Options, op Op) (any, error) {
	cfg = cfg.Merge(opts.Config)
	attempt := 0
	rateLimitAttempts := 0

	for {
		if ctx.Err() != nil {
			return nil, &Error{Kind: ErrKindCancelled, Attempts: attempt, Underlying: ctx.Err()}
		}

		if opts.RateLimitKey != "" {
			until := e.gate.WaitUntilMs(opts.RateLimitKey)
			if until > 0 {
				now := e.clock().UnixMilli()
				wait := time.Duration(until-now) * time.Millisecond
				if cfg.MaxRateLimitWaitMs > 0 && wait.Milliseconds() > cfg.MaxRateLimitWaitMs {
					return nil, &Error{Kind: ErrKindRateLimitFastFail, Attempts: attempt, Underlying: errors.New("shared rate-limit gate wait exceeds maxRateLimitWaitMs")}
				}
				if opts.OnRateLimitWait != nil {
					opts.OnRateLimitWait(wait)
				}
				if err := e.sleep(ctx, wait); err != nil {
					return nil, &Error{Kind: ErrKindCancelled, Attempts: attempt, Underlying: err}
				}
			}
		}

		value, cls, err := op(ctx, attempt)
		if err == nil {
			if opts.RateLimitKey != "" {
				e.gate.ClearOnSuccess(opts.RateLimitKey)
			}
			return value, nil
		}

		if cls.Class == ClassRateLimit || cls.Class == ClassCapacity {
			rateLimitAttempts++
			if opts.RateLimitKey != "" {
				backoff := backoffDelay(cfg, attempt, opts.RNG)
				if cls.RetryAfterMs > 0 {
					backoff = time.Duration(cls.RetryAfterMs) * time.Millisecond
				}
				e.gate.Advance(opts.RateLimitKey, backoff.Milliseconds())
			}
			maxRL := cfg.MaxRateLimitRetries
			if maxRL > 0 && rateLimitAttempts >= maxRL {
				return nil, &Error{Kind: ErrKindExhausted, Class: cls.Class, Attempts: attempt + 1, Underlying: err}
			}
		}

		if !cls.Class.Retryable() {
			return nil, &Error{Kind: ErrKindExhausted, Class: cls.Class, Attempts: attempt + 1, Underlying: err}
		}
		if opts.ShouldRetry != nil && !opts.ShouldRetry(cls) {
			return nil, &Error{Kind: ErrKindExhausted, Class: cls.Class, Attempts: attempt + 1, Underlying: err}
		}
		if attempt >= cfg.MaxRetries {
			return nil, &Error{Kind: ErrKindExhausted, Class: cls.Class, Attempts: attempt + 1, Underlying: err}
		}

		delay := backoffDelay(cfg, attempt, opts.RNG)
		if opts.OnRetry != nil {
			opts.OnRetry(attempt, delay, cls)
		}
		if err := e.sleep(ctx, delay); err != nil {
			return nil, &Error{Kind: ErrKindCancelled, Attempts: attempt + 1, Underlying: err}
		}
		attempt++
	}
}
