package coordination

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
)

const queueStateTTLMs = 30_000

// BroadcastQueueState writes this instance's queue-state/<id>.json snapshot.
func (co *Coordinator) BroadcastQueueState(snap QueueStateSnapshot) error {
	co.mu.Lock()
	id := co.instanceID
	co.mu.Unlock()
	if id == "" {
		return nil
	}
	snap.InstanceID = id
	for i := range snap.StealableEntries {
		snap.StealableEntries[i].InstanceID = id
	}
	if snap.Timestamp == 0 {
		snap.Timestamp = co.clock().UnixMilli()
	}
	return atomicWriteJSON(filepath.Join(co.queueStateDir(), id+".json"), snap)
}

// PublishStealClaim records, under queue-state/claims/, that this
// instance has taken ownership of a remote instance's queued task. The
// victim instance consumes the claim on its next broadcast cycle and
// drops the task locally.
func (co *Coordinator) PublishStealClaim(entry StealableEntry) error {
	claim := struct {
		TaskID    string `json:"taskId"`
		VictimID  string `json:"victimId"`
		StealerID string `json:"stealerId"`
		ClaimedAt int64  `json:"claimedAt"`
	}{
		TaskID:    entry.ID,
		VictimID:  entry.InstanceID,
		StealerID: co.InstanceID(),
		ClaimedAt: co.clock().UnixMilli(),
	}
	return atomicWriteJSON(filepath.Join(co.queueStateDir(), "claims", entry.ID+".json"), claim)
}

// ConsumeStealClaims returns the subset of taskIDs that a peer has
// claimed, deleting each consumed claim file. Claims older than the
// queue-state TTL are pruned as stale.
func (co *Coordinator) ConsumeStealClaims(taskIDs []string) []string {
	claimsDir := filepath.Join(co.queueStateDir(), "claims")
	entries, err := os.ReadDir(claimsDir)
	if err != nil {
		return nil
	}
	mine := make(map[string]bool, len(taskIDs))
	for _, id := range taskIDs {
		mine[id] = true
	}
	nowMs := co.clock().UnixMilli()
	var stolen []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		path := filepath.Join(claimsDir, e.Name())
		info, ierr := e.Info()
		if ierr == nil && nowMs-info.ModTime().UnixMilli() > queueStateTTLMs {
			_ = os.Remove(path)
			continue
		}
		id := strings.TrimSuffix(e.Name(), ".json")
		if mine[id] {
			stolen = append(stolen, id)
			_ = os.Remove(path)
		}
	}
	return stolen
}

// GetRemoteQueueStates reads every other instance's broadcast snapshot,
// pruning entries older than queueStateTTLMs.
func (co *Coordinator) GetRemoteQueueStates() []QueueStateSnapshot {
	entries, err := os.ReadDir(co.queueStateDir())
	if err != nil {
		return nil
	}
	myID := co.InstanceID()
	nowMs := co.clock().UnixMilli()
	var snaps []QueueStateSnapshot
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		path := filepath.Join(co.queueStateDir(), e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var snap QueueStateSnapshot
		if err := json.Unmarshal(data, &snap); err != nil {
			continue
		}
		if snap.InstanceID == myID {
			continue
		}
		if nowMs-snap.Timestamp > queueStateTTLMs {
			_ = os.Remove(path)
			continue
		}
		snaps = append(snaps, snap)
	}
	return snaps
}
