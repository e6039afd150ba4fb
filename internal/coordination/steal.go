package coordination

// stealLockTTLMs bounds how long a steal claim lock is held while the
// stealing instance transfers the task into its own queue.
const stealLockTTLMs = 5_000

// ShouldAttemptWorkStealing reports whether this instance is idle enough,
// relative to its peers, to justify scanning for stealable work: it
// requires at least one remote snapshot advertising stealable entries
// while this instance has spare capacity.
func (co *Coordinator) ShouldAttemptWorkStealing(myPending, myCapacity int) bool {
	if myPending >= myCapacity {
		return false
	}
	for _, snap := range co.GetRemoteQueueStates() {
		if len(snap.StealableEntries) > 0 {
			return true
		}
	}
	return false
}

// candidateEntries returns every stealable entry across remote instances,
// highest priority first, ties broken by earliest EnqueuedAt.
func (co *Coordinator) candidateEntries() []StealableEntry {
	var all []StealableEntry
	for _, snap := range co.GetRemoteQueueStates() {
		all = append(all, snap.StealableEntries...)
	}
	for i := 1; i < len(all); i++ {
		for j := i; j > 0; j-- {
			a, b := all[j-1], all[j]
			if a.Priority < b.Priority || (a.Priority == b.Priority && a.EnqueuedAt > b.EnqueuedAt) {
				all[j-1], all[j] = all[j], all[j-1]
			} else {
				break
			}
		}
	}
	return all
}

// SafeStealWork attempts to claim one stealable entry: it locks the entry's
// id as a resource so only one instance wins the race, and records the
// attempt in StealingStats regardless of outcome. claim is invoked with the
// winning entry to actually transfer the task into the local queue; it runs
// while the per-entry lock is held.
func (co *Coordinator) SafeStealWork(claim func(StealableEntry) error) (*StealableEntry, error) {
	candidates := co.candidateEntries()
	co.mu.Lock()
	co.stealStats.TotalAttempts++
	co.mu.Unlock()

	for _, entry := range candidates {
		tok, err := co.TryAcquireLock("steal-"+entry.ID, stealLockTTLMs)
		if err != nil {
			continue
		}
		if err := claim(entry); err != nil {
			_ = co.ReleaseLock(tok)
			continue
		}
		_ = co.ReleaseLock(tok)
		co.mu.Lock()
		co.stealStats.SuccessfulSteals++
		co.mu.Unlock()
		return &entry, nil
	}
	return nil, nil
}

// GetStealingStats returns a snapshot of this instance's lifetime
// work-stealing counters.
func (co *Coordinator) GetStealingStats() StealingStats {
	co.mu.Lock()
	defer co.mu.Unlock()
	return co.stealStats
}
