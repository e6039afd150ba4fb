// Package resilience tracks dependency health so the control plane keeps
// scheduling when Redis or Postgres drop out: scheduling state is all
// in-process, so only the audit trail and cross-replica conveniences
// degrade.
package resilience

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/itskum47/agentflux/control_plane/store"
)

const maxBufferedDispatches = 10_000

// DegradedMode manages graceful degradation when dependencies fail.
// Dispatch audit rows written while the database is down are buffered
// (bounded) and replayed on recovery, so a Postgres blip does not lose
// billing-relevant history.
type DegradedMode struct {
	mu sync.RWMutex

	redisAvailable     bool
	dbAvailable        bool
	streamingAvailable bool
	degradedActive     bool

	lastRedisCheck time.Time
	lastDBCheck    time.Time

	buffered []bufferedDispatch
	dropped  int64
}

type bufferedDispatch struct {
	tenantID string
	dispatch store.Dispatch
	queuedAt time.Time
}

// NewDegradedMode creates a tracker that assumes all dependencies healthy.
func NewDegradedMode() *DegradedMode {
	return &DegradedMode{
		redisAvailable:     true,
		dbAvailable:        true,
		streamingAvailable: true,
	}
}

// MarkRedisUnavailable enters degraded mode for the Redis-backed features
// (idempotency cache, leader election).
func (d *DegradedMode) MarkRedisUnavailable() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.redisAvailable {
		log.Printf("[DEGRADED MODE] Redis unavailable, idempotency falls back to process-local cache")
		d.redisAvailable = false
		d.degradedActive = true
		d.lastRedisCheck = time.Now()
	}
}

// MarkRedisAvailable exits Redis degradation.
func (d *DegradedMode) MarkRedisAvailable() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.redisAvailable {
		log.Printf("[DEGRADED MODE] Redis recovered")
		d.redisAvailable = true
		d.refreshLocked()
	}
}

// MarkDBUnavailable enters degraded mode for the audit trail.
func (d *DegradedMode) MarkDBUnavailable() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.dbAvailable {
		log.Printf("[DEGRADED MODE] Database unavailable, buffering dispatch audit rows")
		d.dbAvailable = false
		d.degradedActive = true
		d.lastDBCheck = time.Now()
	}
}

// MarkDBAvailable exits database degradation; callers should follow with
// ReplayBuffered.
func (d *DegradedMode) MarkDBAvailable() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.dbAvailable {
		log.Printf("[DEGRADED MODE] Database recovered, %d audit row(s) pending replay", len(d.buffered))
		d.dbAvailable = true
		d.refreshLocked()
	}
}

func (d *DegradedMode) refreshLocked() {
	if d.redisAvailable && d.dbAvailable && d.streamingAvailable {
		d.degradedActive = false
		log.Printf("[DEGRADED MODE] All dependencies recovered, normal mode restored")
	}
}

func (d *DegradedMode) IsRedisAvailable() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.redisAvailable
}

func (d *DegradedMode) IsDBAvailable() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.dbAvailable
}

// IsDegraded reports whether any dependency is currently down.
func (d *DegradedMode) IsDegraded() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.degradedActive
}

// BufferDispatch queues an audit row for replay once the database
// recovers. The buffer is bounded; overflow drops the oldest rows and
// counts them.
func (d *DegradedMode) BufferDispatch(tenantID string, dispatch store.Dispatch) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.buffered) >= maxBufferedDispatches {
		d.buffered = d.buffered[1:]
		d.dropped++
	}
	d.buffered = append(d.buffered, bufferedDispatch{
		tenantID: tenantID,
		dispatch: dispatch,
		queuedAt: time.Now(),
	})
}

// ReplayBuffered writes every buffered audit row through s, stopping (and
// re-buffering the remainder) on the first failure.
func (d *DegradedMode) ReplayBuffered(ctx context.Context, s store.Store) (replayed int, err error) {
	d.mu.Lock()
	pending := d.buffered
	d.buffered = nil
	d.mu.Unlock()

	for i, b := range pending {
		if werr := s.RecordDispatch(ctx, b.tenantID, &b.dispatch); werr != nil {
			d.mu.Lock()
			d.buffered = append(pending[i:], d.buffered...)
			d.mu.Unlock()
			return i, werr
		}
	}
	if len(pending) > 0 {
		log.Printf("[DEGRADED MODE] Replayed %d buffered audit row(s)", len(pending))
	}
	return len(pending), nil
}

// PendingCount returns how many audit rows await replay.
func (d *DegradedMode) PendingCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.buffered)
}

// HealthCheck reports dependency availability for the health endpoint.
func (d *DegradedMode) HealthCheck(ctx context.Context) map[string]bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return map[string]bool{
		"redis":     d.redisAvailable,
		"database":  d.dbAvailable,
		"streaming": d.streamingAvailable,
		"degraded":  d.degradedActive,
	}
}
