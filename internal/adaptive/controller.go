// Package adaptive implements the adaptive rate controller: learned
// per-provider/model concurrency persisted to a JSON file, with
// predictive throttling based on historical 429 density.
package adaptive

import (
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	defaultReductionFactor    = 0.3
	defaultRecoveryFactor     = 0.1
	defaultRecoveryIntervalMs = 5 * 60 * 1000
	recoveryCheckIntervalMs   = 60 * 1000
	historical429Cap          = 100
	defaultPredictiveThreshold = 0.6
	fileVersion               = 1
)

// LearnedLimit is the persisted state for one provider/model key.
type LearnedLimit struct {
	Concurrency           int     `json:"concurrency"`
	OriginalConcurrency    int     `json:"original_concurrency"`
	Last429At              int64   `json:"last_429_at,omitempty"`
	ConsecutiveFailures    int     `json:"consecutive_429_count"`
	Historical429s         []int64 `json:"historical_429s,omitempty"`
	PredictedProbability   float64 `json:"predicted_429_probability,omitempty"`
}

// file is the on-disk schema.
type file struct {
	Version             int                      `json:"version"`
	LastUpdated         int64                    `json:"lastUpdated"`
	Limits              map[string]*LearnedLimit `json:"limits"`
	GlobalMultiplier    float64                  `json:"globalMultiplier"`
	RecoveryIntervalMs  int64                    `json:"recoveryIntervalMs"`
	ReductionFactor     float64                  `json:"reductionFactor"`
	RecoveryFactor      float64                  `json:"recoveryFactor"`
	PredictiveEnabled   bool                     `json:"predictive_enabled"`
	PredictiveThreshold float64                  `json:"predictiveThreshold"`
}

// Clock abstracts wall time for tests.
type Clock func() time.Time

// Config tunes the Controller.
type Config struct {
	ReductionFactor     float64
	RecoveryFactor      float64
	RecoveryIntervalMs  int64
	GlobalMultiplier    float64
	PredictiveEnabled   bool
	PredictiveThreshold float64
}

func (c Config) withDefaults() Config {
	if c.ReductionFactor == 0 {
		c.ReductionFactor = defaultReductionFactor
	}
	if c.RecoveryFactor == 0 {
		c.RecoveryFactor = defaultRecoveryFactor
	}
	if c.RecoveryIntervalMs == 0 {
		c.RecoveryIntervalMs = defaultRecoveryIntervalMs
	}
	if c.GlobalMultiplier == 0 {
		c.GlobalMultiplier = 1.0
	}
	if c.PredictiveThreshold == 0 {
		c.PredictiveThreshold = defaultPredictiveThreshold
	}
	return c
}

// Controller owns learned concurrency limits, persisted to a JSON file.
type Controller struct {
	mu   sync.Mutex
	cfg  Config
	clock Clock
	path string

	limits map[string]*LearnedLimit
}

// Option configures a Controller.
type Option func(*Controller)

func WithClock(c Clock) Option { return func(ctl *Controller) { ctl.clock = c } }

// New creates a Controller persisting to <configDir>/adaptive-limits.json.
// If the file exists it is loaded; corrupt files are treated as empty.
func New(configDir string, cfg Config, opts ...Option) *Controller {
	c := &Controller{
		cfg:    cfg.withDefaults(),
		clock:  time.Now,
		path:   filepath.Join(configDir, "adaptive-limits.json"),
		limits: make(map[string]*LearnedLimit),
	}
	for _, o := range opts {
		o(c)
	}
	c.load()
	return c
}

func (c *Controller) load() {
	data, err := os.ReadFile(c.path)
	if err != nil {
		return
	}
	var f file
	if err := json.Unmarshal(data, &f); err != nil {
		return
	}
	if f.Limits != nil {
		c.limits = f.Limits
	}
	if f.GlobalMultiplier > 0 {
		c.cfg.GlobalMultiplier = f.GlobalMultiplier
	}
}

// Persist writes the current state atomically (write-tmp, rename), matching
// the checkpoint manager's save discipline.
func (c *Controller) Persist() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.persistLocked()
}

func (c *Controller) persistLocked() error {
	if c.path == "" {
		return nil
	}
	f := file{
		Version:             fileVersion,
		LastUpdated:         c.clock().UnixMilli(),
		Limits:              c.limits,
		GlobalMultiplier:    c.cfg.GlobalMultiplier,
		RecoveryIntervalMs:  c.cfg.RecoveryIntervalMs,
		ReductionFactor:     c.cfg.ReductionFactor,
		RecoveryFactor:      c.cfg.RecoveryFactor,
		PredictiveEnabled:   c.cfg.PredictiveEnabled,
		PredictiveThreshold: c.cfg.PredictiveThreshold,
	}
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(c.path), 0o755); err != nil {
		return err
	}
	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, c.path)
}

func key(provider, model string) string { return provider + ":" + model }

func (c *Controller) get(k string, presetLimit int) *LearnedLimit {
	l, ok := c.limits[k]
	if !ok {
		if presetLimit <= 0 {
			presetLimit = 1
		}
		l = &LearnedLimit{Concurrency: presetLimit, OriginalConcurrency: presetLimit}
		c.limits[k] = l
	}
	return l
}

// GetEffectiveLimit returns min(learned.concurrency, presetLimit *
// globalMultiplier).
func (c *Controller) GetEffectiveLimit(provider, model string, presetLimit int) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	l := c.get(key(provider, model), presetLimit)
	scaled := int(math.Floor(float64(presetLimit) * c.cfg.GlobalMultiplier))
	if scaled < 1 {
		scaled = 1
	}
	if l.Concurrency < scaled {
		return l.Concurrency
	}
	return scaled
}

// Record429 reduces the learned concurrency multiplicatively and records the
// event timestamp, capped at historical429Cap entries.
func (c *Controller) Record429(provider, model string, presetLimit int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	l := c.get(key(provider, model), presetLimit)
	now := c.clock().UnixMilli()

	l.Concurrency = int(math.Max(1, math.Floor(float64(l.Concurrency)*(1-c.cfg.ReductionFactor))))
	l.Last429At = now
	l.ConsecutiveFailures++
	l.Historical429s = append(l.Historical429s, now)
	if len(l.Historical429s) > historical429Cap {
		l.Historical429s = l.Historical429s[len(l.Historical429s)-historical429Cap:]
	}
}

// RecordSuccess clears the consecutive-failure streak; it does not touch
// Historical429s, which is append-only for predictive analysis.
func (c *Controller) RecordSuccess(provider, model string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if l, ok := c.limits[key(provider, model)]; ok {
		l.ConsecutiveFailures = 0
	}
}

// AttemptRecovery applies the periodic recovery step: if no 429 within
// RecoveryIntervalMs, concurrency grows towards OriginalConcurrency.
func (c *Controller) AttemptRecovery(provider, model string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	k := key(provider, model)
	l, ok := c.limits[k]
	if !ok {
		return false
	}
	now := c.clock().UnixMilli()
	if l.Last429At != 0 && now-l.Last429At < c.cfg.RecoveryIntervalMs {
		return false
	}
	if l.Concurrency >= l.OriginalConcurrency {
		return false
	}
	next := int(math.Ceil(float64(l.Concurrency) * (1 + c.cfg.RecoveryFactor)))
	if next > l.OriginalConcurrency {
		next = l.OriginalConcurrency
	}
	changed := next != l.Concurrency
	l.Concurrency = next
	return changed
}

// AttemptRecoveryAll runs the recovery step for every tracked key,
// returning how many limits grew.
func (c *Controller) AttemptRecoveryAll() int {
	c.mu.Lock()
	keys := make([]string, 0, len(c.limits))
	for k := range c.limits {
		keys = append(keys, k)
	}
	c.mu.Unlock()

	recovered := 0
	for _, k := range keys {
		provider, model := splitKey(k)
		if c.AttemptRecovery(provider, model) {
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

// RecoveryCheckIntervalMs is the cadence at which callers should invoke
// AttemptRecovery for every tracked key.
const RecoveryCheckIntervalMs = recoveryCheckIntervalMs
