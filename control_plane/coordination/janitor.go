package coordination

import (
	"context"
	"encoding/json"
	"log"
	"strings"
	"time"

	"github.com/itskum47/agentflux/control_plane/store"
)

// staleSlack is how long past a lease's own expiry the janitor waits
// before force-releasing, leaving room for an in-flight renewal.
const staleSlack = 5 * time.Second

// LockJanitor sweeps the coordination lock namespace for leases whose
// holder crashed or was fenced out by a newer epoch. It runs on the
// leader only (started from the elected callback) so replicas never race
// over the same sweep.
type LockJanitor struct {
	coordinator store.Coordinator
	store       store.Store
	interval    time.Duration
}

func NewLockJanitor(c store.Coordinator, s store.Store, interval time.Duration) *LockJanitor {
	return &LockJanitor{
		coordinator: c,
		store:       s,
		interval:    interval,
	}
}

func (j *LockJanitor) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(j.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				j.sweep(ctx)
			}
		}
	}()
}

// sweep classifies every lock as healthy, fenced (older epoch than the
// durable counter), stale (expired plus slack) or unreadable, releases
// the reclaimable ones, and logs one summary line when anything happened.
func (j *LockJanitor) sweep(ctx context.Context) {
	epochFloor, err := j.store.GetDurableEpoch(ctx, epochResourceID)
	if err != nil {
		log.Printf("Janitor: cannot read durable epoch, skipping sweep: %v", err)
		return
	}

	keys, err := j.coordinator.ScanLocks(ctx, "agentflux:lock:*")
	if err != nil {
		log.Printf("Janitor: lock scan failed: %v", err)
		return
	}

	var fenced, stale, unreadable int
	now := time.Now()
	for _, key := range keys {
		// The pattern also matches the epoch counter keys; skip those.
		if strings.HasSuffix(key, ":epoch") {
			continue
		}

		value, err := j.coordinator.GetLockOwner(ctx, key)
		if err != nil || value == "" {
			continue
		}
		var meta LeaseMetadata
		if err := json.Unmarshal([]byte(value), &meta); err != nil {
			unreadable++
			continue
		}

		switch {
		case meta.Epoch < epochFloor:
			if j.release(ctx, key, value) {
				fenced++
			}
		case now.After(meta.ExpiresAt.Add(staleSlack)):
			if j.release(ctx, key, value) {
				stale++
			}
		}
	}

	if fenced+stale+unreadable > 0 {
		log.Printf("Janitor: sweep reclaimed %d fenced and %d stale lock(s), %d unreadable (epoch floor %d)",
			fenced, stale, unreadable, epochFloor)
	}
}

func (j *LockJanitor) release(ctx context.Context, key, value string) bool {
	if err := j.coordinator.ReleaseLease(ctx, key, value); err != nil {
		log.Printf("Janitor: release of %s failed: %v", key, err)
		return false
	}
	return true
}
