package main

import (
	"context"
	"log"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/itskum47/agentflux/internal/coordination"
	"github.com/itskum47/agentflux/internal/runtime"
)

// activeModelsOf converts the runtime's per-model counters into the
// coordinator's published active-model list.
func activeModelsOf(snap runtime.Snapshot) []coordination.ActiveModel {
	models := make([]coordination.ActiveModel, 0, len(snap.ActiveByModel))
	for key := range snap.ActiveByModel {
		provider, model := key, ""
		for i := 0; i < len(key); i++ {
			if key[i] == ':' {
				provider, model = key[:i], key[i+1:]
				break
			}
		}
		models = append(models, coordination.ActiveModel{
			Provider: provider,
			Model:    model,
			Since:    time.Now(),
		})
	}
	return models
}


// Maintenance owns the periodic upkeep the scheduler needs: checkpoint TTL
// sweeps, learned-limit persistence and recovery ticks, idle-bucket
// eviction, and the queue-state broadcast that feeds work stealing.
// Declarative schedules run on cron; the high-frequency broadcast/steal
// loop runs on a plain ticker.
type Maintenance struct {
	rt   *runtime.Runtime
	cron *cron.Cron

	// onStolen runs a task this instance claimed from a busier peer.
	onStolen func(coordination.StealableEntry)
}

func NewMaintenance(rt *runtime.Runtime, onStolen func(coordination.StealableEntry)) *Maintenance {
	return &Maintenance{
		rt:       rt,
		cron:     cron.New(),
		onStolen: onStolen,
	}
}

// Start registers the schedules and launches the broadcast loop.
func (m *Maintenance) Start(ctx context.Context) error {
	// Learned-limit recovery: every minute, grow limits that have been
	// quiet since their last 429.
	if _, err := m.cron.AddFunc("* * * * *", func() {
		if a := m.rt.Adaptive(); a != nil {
			if n := a.AttemptRecoveryAll(); n > 0 {
				log.Printf("Maintenance: learned concurrency recovered on %d resource(s)", n)
			}
		}
		m.rt.Adjuster().AttemptRecoveryAll()
	}); err != nil {
		return err
	}

	// Learned-limit persistence: every 5 minutes.
	if _, err := m.cron.AddFunc("*/5 * * * *", func() {
		if a := m.rt.Adaptive(); a != nil {
			if err := a.Persist(); err != nil {
				log.Printf("Maintenance: learned limit persist failed: %v", err)
			}
		}
	}); err != nil {
		return err
	}

	// Checkpoint TTL sweep and rate-bucket eviction: every 10 minutes.
	if _, err := m.cron.AddFunc("*/10 * * * *", func() {
		if ck := m.rt.Checkpoints(); ck != nil {
			if removed, err := ck.Cleanup(); err != nil {
				log.Printf("Maintenance: checkpoint cleanup failed: %v", err)
			} else if removed > 0 {
				log.Printf("Maintenance: pruned %d expired checkpoint(s)", removed)
			}
		}
		m.rt.Limiter().EvictIdle()
	}); err != nil {
		return err
	}

	m.cron.Start()
	go m.broadcastLoop(ctx)
	return nil
}

// Stop halts the cron scheduler.
func (m *Maintenance) Stop() {
	<-m.cron.Stop().Done()
}

// broadcastLoop publishes this instance's queue state for peers and steals
// work when idle.
func (m *Maintenance) broadcastLoop(ctx context.Context) {
	co := m.rt.Coordinator()
	if co == nil {
		return
	}
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.broadcastAndSteal(co)
		}
	}
}

func (m *Maintenance) broadcastAndSteal(co *coordination.Coordinator) {
	snap := m.rt.GetSnapshot()
	co.SetPendingTaskCount(snap.QueueStats.Depth)
	co.SetActiveModels(activeModelsOf(snap))
	m.rt.RefreshInstanceShare()

	stealable := make([]coordination.StealableEntry, 0)
	queuedIDs := make([]string, 0)
	for _, e := range m.rt.Queue().Candidates(m.rt.Queue().Len()) {
		queuedIDs = append(queuedIDs, e.Meta.ID)
		// Background work is the only class safe to move between
		// instances without violating interactive latency expectations.
		if e.Meta.Priority.String() != "background" {
			continue
		}
		stealable = append(stealable, coordination.StealableEntry{
			ID:                  e.Meta.ID,
			ToolName:            e.Meta.ToolName,
			Priority:            int(e.Meta.Priority),
			TenantKey:           e.Meta.TenantKey,
			EnqueuedAt:          e.EnqueuedAtMs,
			EstimatedDurationMs: e.Meta.EstimatedDurationMs,
			EstimatedRounds:     e.Meta.EstimatedRounds,
		})
	}

	if err := co.BroadcastQueueState(coordination.QueueStateSnapshot{
		PendingTaskCount:     snap.QueueStats.Depth,
		ActiveOrchestrations: snap.ActiveOrchestrations,
		StealableEntries:     stealable,
	}); err != nil {
		log.Printf("Maintenance: queue-state broadcast failed: %v", err)
	}

	// Drop any of our queued tasks a peer has claimed; their waiters
	// surface a Stolen outcome instead of executing.
	for _, id := range co.ConsumeStealClaims(queuedIDs) {
		log.Printf("Maintenance: task %s claimed by a peer, yielding", id)
		m.rt.MarkStolen(id)
	}

	capacity := m.rt.Limits().MaxTotalActiveLLM
	if m.onStolen != nil && co.ShouldAttemptWorkStealing(snap.QueueStats.Depth, capacity) {
		stolen, err := co.SafeStealWork(func(e coordination.StealableEntry) error {
			return co.PublishStealClaim(e)
		})
		if err == nil && stolen != nil {
			log.Printf("Maintenance: ✅ stole task %s from instance %s", stolen.ID, stolen.InstanceID)
			go m.onStolen(*stolen)
		}
	}
}
