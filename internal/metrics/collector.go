// Package metrics implements the scheduling telemetry collector:
// in-memory rolling windows with percentile snapshots, plus an optional
// rotating JSONL event log. Recording never blocks scheduling; logging
// failures are counted and swallowed.
package metrics

import (
	"sort"
	"sync"
	"time"
)

// Kind names one scheduling event type.
type Kind string

const (
	KindTaskEnqueued       Kind = "task_enqueued"
	KindTaskDispatched     Kind = "task_dispatched"
	KindTaskCompleted      Kind = "task_completed"
	KindTaskFailed         Kind = "task_failed"
	KindPreemption         Kind = "preemption"
	KindSteal              Kind = "steal"
	KindRateLimitHit       Kind = "rate_limit_hit"
	KindReservationExpired Kind = "capacity_reservation_expired"
	KindCircuitOpen        Kind = "circuit_open"
)

// Event is one recorded scheduling event. Seq totally orders events within
// this collector.
type Event struct {
	Seq         int64  `json:"seq"`
	TimestampMs int64  `json:"timestamp"`
	Kind        Kind   `json:"kind"`
	Provider    string `json:"provider,omitempty"`
	Model       string `json:"model,omitempty"`
	Priority    string `json:"priority,omitempty"`
	Tenant      string `json:"tenant,omitempty"`
	WaitMs      int64  `json:"waitMs,omitempty"`
	ExecutionMs int64  `json:"executionMs,omitempty"`
	Detail      string `json:"detail,omitempty"`
}

// Clock abstracts wall time for tests.
type Clock func() time.Time

const (
	defaultWindow   = 5 * time.Minute
	defaultEventCap = 8192
)

// Snapshot is the instantaneous view GetMetrics returns; percentiles are
// computed over the current window.
type Snapshot struct {
	QueueDepth          int
	ActiveTasks         int
	WindowMs            int64
	WaitP50Ms           int64
	WaitP99Ms           int64
	ExecP50Ms           int64
	ExecP99Ms           int64
	Completions         int64
	Failures            int64
	Preemptions         int64
	Steals              int64
	RateLimitHits       int64
	ReservationsExpired int64
}

// Agg is one breakdown bucket inside a Summary.
type Agg struct {
	Count         int64
	Failures      int64
	AvgWaitMs     float64
	AvgExecMs     float64
	RateLimitHits int64
}

// Summary aggregates a period with per-provider and per-priority breakdowns.
type Summary struct {
	PeriodMs   int64
	Total      Agg
	ByProvider map[string]Agg
	ByPriority map[string]Agg
}

// Stats reports the collector's own health.
type Stats struct {
	EventsRecorded int64
	EventsDropped  int64
	LogErrors      int64
}

// Collector owns the rolling event window.
type Collector struct {
	mu    sync.Mutex
	clock Clock

	window   time.Duration
	eventCap int
	events   []Event
	seq      int64

	queueDepth  int
	activeTasks int

	completions   int64
	failures      int64
	preemptions   int64
	steals        int64
	rateLimitHits int64
	expired       int64

	recorded  int64
	dropped   int64
	logErrors int64

	logger *Logger
}

// Option configures a Collector.
type Option func(*Collector)

func WithClock(c Clock) Option { return func(col *Collector) { col.clock = c } }

// WithWindow overrides the rolling-window length.
func WithWindow(d time.Duration) Option { return func(col *Collector) { col.window = d } }

// WithEventCap bounds the in-memory window size.
func WithEventCap(n int) Option { return func(col *Collector) { col.eventCap = n } }

// WithLogger attaches a rotating JSONL logger; every recorded event is
// appended to it, with failures swallowed and counted.
func WithLogger(l *Logger) Option { return func(col *Collector) { col.logger = l } }

// New creates a Collector.
func New(opts ...Option) *Collector {
	c := &Collector{
		clock:    time.Now,
		window:   defaultWindow,
		eventCap: defaultEventCap,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Record stamps and stores ev, updating counters and the JSONL log.
func (c *Collector) Record(ev Event) {
	c.mu.Lock()
	c.seq++
	ev.Seq = c.seq
	if ev.TimestampMs == 0 {
		ev.TimestampMs = c.clock().UnixMilli()
	}

	c.events = append(c.events, ev)
	c.trimLocked(ev.TimestampMs)
	c.recorded++

	switch ev.Kind {
	case KindTaskCompleted:
		c.completions++
	case KindTaskFailed:
		c.failures++
	case KindPreemption:
		c.preemptions++
	case KindSteal:
		c.steals++
	case KindRateLimitHit:
		c.rateLimitHits++
	case KindReservationExpired:
		c.expired++
	}
	logger := c.logger
	c.mu.Unlock()

	if logger != nil {
		if err := logger.Append(ev); err != nil {
			c.mu.Lock()
			c.logErrors++
			c.mu.Unlock()
		}
	}
}

func (c *Collector) trimLocked(nowMs int64) {
	cutoff := nowMs - c.window.Milliseconds()
	i := 0
	for i < len(c.events) && c.events[i].TimestampMs < cutoff {
		i++
	}
	if i > 0 {
		c.events = append(c.events[:0], c.events[i:]...)
	}
	if len(c.events) > c.eventCap {
		over := len(c.events) - c.eventCap
		c.dropped += int64(over)
		c.events = append(c.events[:0], c.events[over:]...)
	}
}

// SetQueueDepth updates the queue-depth gauge.
func (c *Collector) SetQueueDepth(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queueDepth = n
}

// SetActiveTasks updates the active-task gauge.
func (c *Collector) SetActiveTasks(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.activeTasks = n
}

// GetMetrics returns the instantaneous snapshot.
func (c *Collector) GetMetrics() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.trimLocked(c.clock().UnixMilli())

	var waits, execs []int64
	for _, ev := range c.events {
		if ev.WaitMs > 0 {
			waits = append(waits, ev.WaitMs)
		}
		if ev.ExecutionMs > 0 {
			execs = append(execs, ev.ExecutionMs)
		}
	}
	return Snapshot{
		QueueDepth:          c.queueDepth,
		ActiveTasks:         c.activeTasks,
		WindowMs:            c.window.Milliseconds(),
		WaitP50Ms:           percentile(waits, 0.50),
		WaitP99Ms:           percentile(waits, 0.99),
		ExecP50Ms:           percentile(execs, 0.50),
		ExecP99Ms:           percentile(execs, 0.99),
		Completions:         c.completions,
		Failures:            c.failures,
		Preemptions:         c.preemptions,
		Steals:              c.steals,
		RateLimitHits:       c.rateLimitHits,
		ReservationsExpired: c.expired,
	}
}

// GetSummary aggregates events from the last periodMs with per-provider and
// per-priority breakdowns.
func (c *Collector) GetSummary(periodMs int64) Summary {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.clock().UnixMilli()
	cutoff := now - periodMs

	s := Summary{
		PeriodMs:   periodMs,
		ByProvider: make(map[string]Agg),
		ByPriority: make(map[string]Agg),
	}
	type accum struct {
		agg     Agg
		waitSum int64
		execSum int64
		waitN   int64
		execN   int64
	}
	total := &accum{}
	byProv := make(map[string]*accum)
	byPrio := make(map[string]*accum)

	get := func(m map[string]*accum, k string) *accum {
		a, ok := m[k]
		if !ok {
			a = &accum{}
			m[k] = a
		}
		return a
	}
	apply := func(a *accum, ev Event) {
		switch ev.Kind {
		case KindTaskCompleted:
			a.agg.Count++
		case KindTaskFailed:
			a.agg.Count++
			a.agg.Failures++
		case KindRateLimitHit:
			a.agg.RateLimitHits++
		}
		if ev.WaitMs > 0 {
			a.waitSum += ev.WaitMs
			a.waitN++
		}
		if ev.ExecutionMs > 0 {
			a.execSum += ev.ExecutionMs
			a.execN++
		}
	}
	finish := func(a *accum) Agg {
		if a.waitN > 0 {
			a.agg.AvgWaitMs = float64(a.waitSum) / float64(a.waitN)
		}
		if a.execN > 0 {
			a.agg.AvgExecMs = float64(a.execSum) / float64(a.execN)
		}
		return a.agg
	}

	for _, ev := range c.events {
		if ev.TimestampMs < cutoff {
			continue
		}
		apply(total, ev)
		if ev.Provider != "" {
			apply(get(byProv, ev.Provider), ev)
		}
		if ev.Priority != "" {
			apply(get(byPrio, ev.Priority), ev)
		}
	}
	s.Total = finish(total)
	for k, a := range byProv {
		s.ByProvider[k] = finish(a)
	}
	for k, a := range byPrio {
		s.ByPriority[k] = finish(a)
	}
	return s
}

// GetStats reports the collector's own health counters.
func (c *Collector) GetStats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{EventsRecorded: c.recorded, EventsDropped: c.dropped, LogErrors: c.logErrors}
}

// percentile computes the p-th percentile (nearest-rank) of samples, 0 when
// empty. samples is sorted in place.
func percentile(samples []int64, p float64) int64 {
	if len(samples) == 0 {
		return 0
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })
	rank := int(p * float64(len(samples)-1))
	return samples[rank]
}
