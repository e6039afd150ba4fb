package coordination

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/itskum47/agentflux/control_plane/observability"
	"github.com/itskum47/agentflux/control_plane/store"
)

const (
	leaderLockKey   = "agentflux:lock:leader"
	epochResourceID = "leader_election"

	// renewFailureBudget is how many consecutive renew errors a leader
	// tolerates before demoting itself rather than risk split brain.
	renewFailureBudget = 3
)

// LeaseMetadata is the JSON value held in the leader lock. The exact
// bytes double as the ownership proof: renew and release only succeed
// while the stored value still matches.
type LeaseMetadata struct {
	OwnerNode string    `json:"owner_node"`
	Epoch     int64     `json:"epoch"`
	ReqID     string    `json:"req_id"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// LeaderState is the elector's dashboard view.
type LeaderState struct {
	IsLeader     bool   `json:"is_leader"`
	CurrentEpoch int64  `json:"current_epoch"`
	Transitions  int64  `json:"transitions"`
	NodeID       string `json:"node_id"`
}

// LeaderElector elects one API replica to run the global maintenance
// duties. Fencing epochs come from the durable store so tokens stay
// monotonic even across a Redis flush; the Redis lease only decides who
// currently leads.
type LeaderElector struct {
	coordinator store.Coordinator
	store       store.Store
	nodeID      string
	ttl         time.Duration

	mu            sync.RWMutex
	leading       bool
	leaseValue    string // marshaled LeaseMetadata proving ownership
	epoch         int64
	transitions   int64
	renewFailures int
	lostAt        time.Time
	leaderCancel  context.CancelFunc

	onElected func(context.Context)
	onLost    func()

	stop context.CancelFunc
}

func NewLeaderElector(c store.Coordinator, s store.Store, nodeID string, ttl time.Duration) *LeaderElector {
	return &LeaderElector{
		coordinator: c,
		store:       s,
		nodeID:      nodeID,
		ttl:         ttl,
	}
}

// SetCallbacks registers the elected/lost hooks; onElected receives a
// context that is cancelled the moment leadership is lost.
func (l *LeaderElector) SetCallbacks(onElected func(ctx context.Context), onLost func()) {
	l.onElected = onElected
	l.onLost = onLost
}

func (l *LeaderElector) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	l.stop = cancel
	go l.run(runCtx)
}

func (l *LeaderElector) Stop() {
	if l.stop != nil {
		l.stop()
	}
	l.surrender()
}

func (l *LeaderElector) IsLeader() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.leading
}

// GetState returns the elector's state for the dashboard.
func (l *LeaderElector) GetState() LeaderState {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return LeaderState{
		IsLeader:     l.leading,
		CurrentEpoch: l.epoch,
		Transitions:  l.transitions,
		NodeID:       l.nodeID,
	}
}

// run alternates between holding (renewing) and campaigning, sleeping a
// third of the TTL per step and doubling the sleep, up to 10x TTL, while
// the coordination backend is erroring.
func (l *LeaderElector) run(ctx context.Context) {
	base := l.ttl / 3
	limit := 10 * l.ttl
	wait := base

	for {
		select {
		case <-ctx.Done():
			l.surrender()
			return
		case <-time.After(wait):
		}

		var err error
		if l.IsLeader() {
			err = l.hold(ctx)
		} else {
			err = l.campaign(ctx)
		}

		if err != nil {
			if wait *= 2; wait > limit {
				wait = limit
			}
			log.Printf("LeaderElector: coordination error (%v), next attempt in %v", err, wait)
		} else {
			wait = base
		}
	}
}

// hold renews the held lease. Losing the lease outright demotes at once;
// transient errors demote only after the failure budget is spent, since a
// flapping Redis should not cause a leadership storm.
func (l *LeaderElector) hold(ctx context.Context) error {
	l.mu.RLock()
	value := l.leaseValue
	l.mu.RUnlock()

	renewed, err := l.coordinator.RenewLease(ctx, leaderLockKey, value, l.ttl)
	if err != nil {
		l.mu.Lock()
		l.renewFailures++
		failures := l.renewFailures
		over := failures >= renewFailureBudget
		l.mu.Unlock()
		log.Printf("LeaderElector: renew failed (%d of %d allowed): %v", failures, renewFailureBudget, err)
		if over {
			log.Printf("LeaderElector: renew budget exhausted, demoting for safety")
			l.demote()
		}
		return err
	}

	l.mu.Lock()
	l.renewFailures = 0
	l.mu.Unlock()
	if !renewed {
		l.demote()
	}
	return nil
}

// campaign takes a fresh fencing epoch from the durable store, then races
// for the lease.
func (l *LeaderElector) campaign(ctx context.Context) error {
	epoch, err := l.store.IncrementDurableEpoch(ctx, epochResourceID)
	if err != nil {
		return err
	}

	l.mu.Lock()
	if prev := l.epoch; prev > 0 && epoch > prev+1 {
		log.Printf("LeaderElector: ⚠️ fencing epoch jumped %d → %d; contention or partition recovery", prev, epoch)
		observability.LeadershipTransitions.WithLabelValues(l.nodeID, "epoch_drift").Inc()
	}
	l.epoch = epoch
	l.mu.Unlock()

	now := time.Now()
	value, err := json.Marshal(LeaseMetadata{
		OwnerNode: l.nodeID,
		Epoch:     epoch,
		ReqID:     uuid.NewString(),
		CreatedAt: now,
		ExpiresAt: now.Add(l.ttl),
	})
	if err != nil {
		return err
	}

	won, err := l.coordinator.AcquireLease(ctx, leaderLockKey, string(value), l.ttl)
	if err != nil || !won {
		return err
	}
	l.promote(string(value))
	return nil
}

func (l *LeaderElector) promote(leaseValue string) {
	l.mu.Lock()
	l.leading = true
	l.leaseValue = leaseValue
	l.transitions++
	l.renewFailures = 0
	leaderCtx, cancel := context.WithCancel(context.Background())
	l.leaderCancel = cancel

	if l.lostAt.IsZero() {
		log.Printf("LeaderElector: node %s elected (epoch %d)", l.nodeID, l.epoch)
	} else {
		gap := time.Since(l.lostAt)
		observability.LeadershipTransitionDuration.Observe(gap.Seconds())
		log.Printf("LeaderElector: node %s re-elected (epoch %d) after %v out of office", l.nodeID, l.epoch, gap)
		l.lostAt = time.Time{}
	}
	l.mu.Unlock()

	observability.LeaderStatus.Set(1)
	observability.LeadershipEpoch.WithLabelValues(l.nodeID).Set(float64(l.epoch))
	observability.LeadershipTransitions.WithLabelValues(l.nodeID, "acquired").Inc()

	if l.onElected != nil {
		go l.onElected(leaderCtx)
	}
}

func (l *LeaderElector) demote() {
	l.mu.Lock()
	if !l.leading {
		l.mu.Unlock()
		return
	}
	l.leading = false
	l.transitions++
	l.lostAt = time.Now()
	if l.leaderCancel != nil {
		l.leaderCancel()
		l.leaderCancel = nil
	}
	l.mu.Unlock()

	observability.LeaderStatus.Set(0)
	observability.LeadershipTransitions.WithLabelValues(l.nodeID, "lost").Inc()
	log.Printf("LeaderElector: node %s no longer leads", l.nodeID)

	if l.onLost != nil {
		l.onLost()
	}
}

// surrender gives the lease back explicitly on shutdown so the next
// campaign does not have to wait out the TTL.
func (l *LeaderElector) surrender() {
	l.mu.RLock()
	leading, value := l.leading, l.leaseValue
	l.mu.RUnlock()
	if !leading || value == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := l.coordinator.ReleaseLease(ctx, leaderLockKey, value); err != nil {
		log.Printf("LeaderElector: lease release on shutdown failed: %v", err)
	}
	l.demote()
}
