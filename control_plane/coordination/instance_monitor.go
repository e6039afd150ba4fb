package coordination

import (
	"context"
	"log"
	"time"

	"github.com/itskum47/agentflux/control_plane/observability"
	runtimecoord "github.com/itskum47/agentflux/internal/coordination"
)

// InstanceMonitor periodically checks the file-based instance registry for
// stale scheduler processes on this host. Reading the registry already
// deletes dead entries, so the monitor's job is visibility: the instance
// gauge and a log line whenever the population changes.
type InstanceMonitor struct {
	coord    *runtimecoord.Coordinator
	interval time.Duration

	lastCount int
}

func NewInstanceMonitor(c *runtimecoord.Coordinator, interval time.Duration) *InstanceMonitor {
	return &InstanceMonitor{
		coord:    c,
		interval: interval,
	}
}

func (m *InstanceMonitor) Start(ctx context.Context) {
	go m.loop(ctx)
}

func (m *InstanceMonitor) loop(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.check()
		}
	}
}

func (m *InstanceMonitor) check() {
	instances := m.coord.GetActiveInstances()
	count := len(instances)
	observability.ConnectedInstances.Set(float64(count))

	if count != m.lastCount {
		log.Printf("InstanceMonitor: live scheduler instances on host: %d (was %d)", count, m.lastCount)
		m.lastCount = count
	}

	var totalPending int
	for _, inst := range instances {
		totalPending += inst.PendingTaskCount
	}
	if totalPending > 0 && count > 0 {
		log.Printf("InstanceMonitor: %d pending tasks across %d instances", totalPending, count)
	}
}
