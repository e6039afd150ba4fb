package runtime

import (
	"log"

	"github.com/itskum47/agentflux/internal/checkpoint"
	"github.com/itskum47/agentflux/internal/metrics"
	"github.com/itskum47/agentflux/internal/queue"
)

// preemptBackground tries to free enough capacity for in by checkpointing
// and force-releasing background-priority leases. Only background leases
// are ever victims; it returns true if at least one was preempted, in
// which case the caller should retry its capacity check immediately.
func (r *Runtime) preemptBackground(in PermitInput) bool {
	if r.ckpts == nil {
		return false
	}

	r.mu.Lock()
	var victims []*Lease
	var bgRequests, bgLLM int
	for _, l := range r.leases {
		if l.Priority == queue.PriorityBackground && l.state != leaseReleased && l.state != leaseExpired {
			victims = append(victims, l)
			bgRequests += l.AdditionalRequests
			bgLLM += l.AdditionalLLM
		}
	}
	// The blockage must be attributable solely to background leases: with
	// all of them gone, the request has to fit.
	fitsRequests := r.activeRunRequests-bgRequests+in.AdditionalRequests <= r.limits.MaxTotalActiveRequests
	fitsLLM := r.activeLLM-bgLLM+in.AdditionalLLM <= r.limits.MaxTotalActiveLLM
	r.mu.Unlock()

	if len(victims) == 0 || !fitsRequests || !fitsLLM {
		return false
	}

	// Oldest first, and only as many as needed.
	for i := 1; i < len(victims); i++ {
		for j := i; j > 0 && victims[j].reservedAt < victims[j-1].reservedAt; j-- {
			victims[j], victims[j-1] = victims[j-1], victims[j]
		}
	}

	preempted := false
	for _, v := range victims {
		if r.fits(in) {
			break
		}
		r.preemptLease(v)
		preempted = true
	}
	return preempted
}

func (r *Runtime) fits(in PermitInput) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.activeRunRequests+in.AdditionalRequests <= r.limits.MaxTotalActiveRequests &&
		r.activeLLM+in.AdditionalLLM <= r.limits.MaxTotalActiveLLM
}

// preemptLease saves the victim's opaque state (when it registered a
// provider) and force-releases its capacity. The victim resumes later by
// re-requesting a permit with ResumeFromCheckpoint set.
func (r *Runtime) preemptLease(v *Lease) {
	r.mu.Lock()
	provider := v.stateProvider
	r.mu.Unlock()

	if provider != nil {
		state, tag := provider()
		if state != nil {
			cp := checkpoint.Checkpoint{
				TaskID:    v.TaskID,
				Source:    "preemption",
				Provider:  v.Provider,
				Model:     v.Model,
				Priority:  v.Priority.String(),
				State:     state,
				SchemaTag: tag,
			}
			if err := r.ckpts.Save(cp); err != nil {
				log.Printf("Runtime: ⚠️ checkpoint save for preempted task %s failed: %v", v.TaskID, err)
			}
		}
	}

	log.Printf("Runtime: preempting background lease %s (task=%s)", v.ID, v.TaskID)
	v.releaseQuiet()
	r.record(metrics.Event{
		Kind:     metrics.KindPreemption,
		Provider: v.Provider,
		Model:    v.Model,
		Priority: v.Priority.String(),
		Tenant:   v.Tenant,
		Detail:   v.TaskID,
	})
}
