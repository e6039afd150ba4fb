package observability

import (
	"context"
	"time"

	"github.com/itskum47/agentflux/internal/runtime"
)

// Exporter periodically copies runtime counters into the Prometheus
// gauges above. Counters (dispatch decisions, retries) are incremented at
// their call sites; only point-in-time gauges need polling.
type Exporter struct {
	rt       *runtime.Runtime
	interval time.Duration

	// Last-seen lifetime totals from the collector, so counter deltas can
	// be replayed into Prometheus counters.
	prevPreemptions int64
	prevExpired     int64
	prevSteals      int64
}

// NewExporter creates an Exporter polling rt every interval.
func NewExporter(rt *runtime.Runtime, interval time.Duration) *Exporter {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Exporter{rt: rt, interval: interval}
}

// Run blocks until ctx is cancelled, refreshing gauges every interval.
func (e *Exporter) Run(ctx context.Context) {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.scrape()
		}
	}
}

func (e *Exporter) scrape() {
	snap := e.rt.GetSnapshot()
	ActiveLeases.Set(float64(snap.ActiveLeases))
	ActiveLLMCalls.Set(float64(snap.ActiveLLM))
	for prio, n := range snap.QueueStats.DepthByPriority {
		QueueDepth.WithLabelValues(prio.String()).Set(float64(n))
	}

	for resource := range snap.ActiveByModel {
		state := e.rt.Breaker().GetState(resource)
		CircuitState.WithLabelValues(resource).Set(float64(state))
	}

	if co := e.rt.Coordinator(); co != nil {
		ConnectedInstances.Set(float64(len(co.GetActiveInstances())))
		steals := co.GetStealingStats()
		if d := steals.TotalAttempts - e.prevSteals; d > 0 {
			WorkSteals.WithLabelValues("attempted").Add(float64(d))
		}
		e.prevSteals = steals.TotalAttempts
	}

	if c := e.rt.Collector(); c != nil {
		m := c.GetMetrics()
		if d := m.Preemptions - e.prevPreemptions; d > 0 {
			Preemptions.Add(float64(d))
		}
		e.prevPreemptions = m.Preemptions
		if d := m.ReservationsExpired - e.prevExpired; d > 0 {
			ReservationsExpired.Add(float64(d))
		}
		e.prevExpired = m.ReservationsExpired
	}
}
