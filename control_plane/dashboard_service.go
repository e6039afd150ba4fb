package main

import (
	"context"
	"time"

	"github.com/itskum47/agentflux/control_plane/coordination"
	"github.com/itskum47/agentflux/control_plane/store"
	"github.com/itskum47/agentflux/internal/runtime"
)

// DashboardService provides an abstraction layer for dashboard data
// retrieval. It decouples the API from direct runtime/store access and
// aggregates data from multiple sources.
type DashboardService struct {
	store   store.Store
	rt      *runtime.Runtime
	elector *coordination.LeaderElector
}

// NewDashboardService creates a new DashboardService.
func NewDashboardService(s store.Store, rt *runtime.Runtime, elector *coordination.LeaderElector) *DashboardService {
	return &DashboardService{
		store:   s,
		rt:      rt,
		elector: elector,
	}
}

// GetDashboardMetrics collects and aggregates all metrics for a specific tenant.
func (s *DashboardService) GetDashboardMetrics(ctx context.Context, tenantID string) (DashboardMetrics, error) {
	// 1. Runtime counters
	snap := s.rt.GetSnapshot()

	// 2. Leadership Metrics
	var leaderState coordination.LeaderState
	if s.elector != nil {
		leaderState = s.elector.GetState()
	}

	// 3. Store Metrics (Tenant Scoped)
	completed, err := s.store.CountDispatchesByOutcome(ctx, tenantID, "completed")
	if err != nil {
		return DashboardMetrics{}, err
	}
	failed, err := s.store.CountDispatchesByOutcome(ctx, tenantID, "failed")
	if err != nil {
		return DashboardMetrics{}, err
	}

	// 4. Cross-instance view
	instances := 1
	var steals int64
	if co := s.rt.Coordinator(); co != nil {
		instances = len(co.GetActiveInstances())
		if instances < 1 {
			instances = 1
		}
		steals = co.GetStealingStats().SuccessfulSteals
	}

	// 5. Collector percentiles
	var waitP99, execP99 int64
	if c := s.rt.Collector(); c != nil {
		m := c.GetMetrics()
		waitP99 = m.WaitP99Ms
		execP99 = m.ExecP99Ms
	}

	limits := s.rt.Limits()
	saturation := 0.0
	if limits.MaxTotalActiveLLM > 0 {
		saturation = float64(snap.ActiveLLM) / float64(limits.MaxTotalActiveLLM)
	}

	return DashboardMetrics{
		QueueDepth:       snap.QueueStats.Depth,
		OldestWaitMs:     snap.QueueStats.OldestWaitMs,
		ActiveLeases:     snap.ActiveLeases,
		ActiveLLM:        snap.ActiveLLM,
		MaxConcurrency:   limits.MaxTotalActiveLLM,
		WorkerSaturation: saturation,
		WaitP99Ms:        waitP99,
		ExecP99Ms:        execP99,

		IsLeader:          leaderState.IsLeader,
		CurrentEpoch:      leaderState.CurrentEpoch,
		LeaderTransitions: leaderState.Transitions,
		NodeID:            leaderState.NodeID,

		CompletedDispatches: completed,
		FailedDispatches:    failed,

		HostInstances:    instances,
		SuccessfulSteals: steals,

		Timestamp: time.Now().Unix(),
	}, nil
}
