// Package checkpoint implements the checkpoint manager: crash-safe
// save/load/delete of preempted task state, one file per checkpoint,
// with TTL expiry and bounded on-disk count.
package checkpoint

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	defaultMaxCheckpoints = 256
	defaultTTLMs          = 24 * 60 * 60 * 1000
)

// Checkpoint is the persisted state of a preempted task. State is an
// opaque payload the manager never parses; SchemaTag lets typed callers
// layer their own decoding on top.
type Checkpoint struct {
	ID        string          `json:"id"`
	TaskID    string          `json:"taskId"`
	Source    string          `json:"source,omitempty"`
	Provider  string          `json:"provider,omitempty"`
	Model     string          `json:"model,omitempty"`
	Priority  string          `json:"priority,omitempty"`
	State     json.RawMessage `json:"state"`
	SchemaTag string          `json:"schemaTag,omitempty"`
	Progress  float64         `json:"progress,omitempty"`
	CreatedAt int64           `json:"createdAt"`
	TTLMs     int64           `json:"ttlMs"`
	Metadata  map[string]string `json:"metadata,omitempty"`

	// Integrity is an HMAC over TaskID+State, present only when the
	// manager was constructed with a signing key.
	Integrity string `json:"integrity,omitempty"`
}

// IsExpired reports whether the checkpoint's TTL has elapsed as of nowMs.
func (c Checkpoint) IsExpired(nowMs int64) bool {
	return nowMs > c.CreatedAt+c.TTLMs
}

// Clock abstracts wall time for tests.
type Clock func() time.Time

// Stats summarizes the manager's on-disk and error state.
type Stats struct {
	Live        int
	Expired     int
	Corrupt     int
	TotalSaves  int64
	TotalLoads  int64
	TotalDeletes int64
}

// Manager persists checkpoints under <dir>, one file per checkpoint named
// <taskId>__<checkpointId>.json. At most one live checkpoint exists per
// task ID; Save replaces any prior one.
type Manager struct {
	mu  sync.Mutex
	dir string

	clock          Clock
	maxCheckpoints int
	defaultTTLMs   int64
	signer         *signer

	corruptSeen  int
	totalSaves   int64
	totalLoads   int64
	totalDeletes int64
}

// Option configures a Manager.
type Option func(*Manager)

func WithClock(c Clock) Option { return func(m *Manager) { m.clock = c } }

// WithMaxCheckpoints bounds how many checkpoint files Cleanup retains.
func WithMaxCheckpoints(n int) Option { return func(m *Manager) { m.maxCheckpoints = n } }

// WithDefaultTTL sets the TTL applied when a checkpoint carries none.
func WithDefaultTTL(d time.Duration) Option {
	return func(m *Manager) { m.defaultTTLMs = d.Milliseconds() }
}

// WithSigningKey enables HMAC integrity tags on saved checkpoints; loads
// reject files whose tag does not verify, quarantining them like corrupt
// JSON.
func WithSigningKey(key []byte) Option {
	return func(m *Manager) { m.signer = newSigner(key) }
}

// NewManager creates a Manager rooted at <configDir>/checkpoints.
func NewManager(configDir string, opts ...Option) *Manager {
	m := &Manager{
		dir:            filepath.Join(configDir, "checkpoints"),
		clock:          time.Now,
		maxCheckpoints: defaultMaxCheckpoints,
		defaultTTLMs:   defaultTTLMs,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

func (m *Manager) nowMs() int64 { return m.clock().UnixMilli() }

func fileName(taskID, checkpointID string) string {
	return taskID + "__" + checkpointID + ".json"
}

// taskIDOf extracts the task ID back out of a checkpoint file name, or ""
// for names that don't match the <taskId>__<id>.json shape.
func taskIDOf(name string) string {
	if !strings.HasSuffix(name, ".json") {
		return ""
	}
	base := strings.TrimSuffix(name, ".json")
	idx := strings.LastIndex(base, "__")
	if idx <= 0 {
		return ""
	}
	return base[:idx]
}

// Save persists cp atomically (tmp, fsync, rename), replacing any existing
// checkpoint for the same task ID. A missing ID or CreatedAt is filled in.
func (m *Manager) Save(cp Checkpoint) error {
	if cp.TaskID == "" {
		return fmt.Errorf("checkpoint: save: empty task id")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if cp.ID == "" {
		cp.ID = uuid.NewString()
	}
	if cp.CreatedAt == 0 {
		cp.CreatedAt = m.nowMs()
	}
	if cp.TTLMs == 0 {
		cp.TTLMs = m.defaultTTLMs
	}
	if m.signer != nil {
		cp.Integrity = m.signer.tag(cp.TaskID, cp.State)
	}

	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("checkpoint: marshal %s: %w", cp.TaskID, err)
	}
	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return err
	}

	path := filepath.Join(m.dir, fileName(cp.TaskID, cp.ID))
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}

	// Drop any older checkpoint files for the same task.
	for _, name := range m.fileNamesLocked() {
		if taskIDOf(name) == cp.TaskID && name != fileName(cp.TaskID, cp.ID) {
			_ = os.Remove(filepath.Join(m.dir, name))
		}
	}
	m.totalSaves++
	return nil
}

func (m *Manager) fileNamesLocked() []string {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		names = append(names, e.Name())
	}
	return names
}

// Load returns the checkpoint for taskID, or nil if none exists. Corrupt
// files are quarantined aside as <file>.corrupt and treated as absent.
func (m *Manager) Load(taskID string) (*Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.totalLoads++

	for _, name := range m.fileNamesLocked() {
		if taskIDOf(name) != taskID {
			continue
		}
		path := filepath.Join(m.dir, name)
		cp, ok := m.readLocked(path)
		if !ok {
			continue
		}
		return cp, nil
	}
	return nil, nil
}

// readLocked parses one checkpoint file, quarantining it on parse or
// integrity failure.
func (m *Manager) readLocked(path string) (*Checkpoint, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, false
	}
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil || cp.TaskID == "" || cp.ID == "" {
		m.quarantineLocked(path)
		return nil, false
	}
	if m.signer != nil && !m.signer.verify(cp.TaskID, cp.State, cp.Integrity) {
		m.quarantineLocked(path)
		return nil, false
	}
	return &cp, true
}

func (m *Manager) quarantineLocked(path string) {
	m.corruptSeen++
	_ = os.Rename(path, path+".corrupt")
}

// Delete removes taskID's checkpoint if present; absence is not an error.
func (m *Manager) Delete(taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.totalDeletes++
	for _, name := range m.fileNamesLocked() {
		if taskIDOf(name) == taskID {
			if err := os.Remove(filepath.Join(m.dir, name)); err != nil && !os.IsNotExist(err) {
				return err
			}
		}
	}
	return nil
}

// ListExpired returns every checkpoint whose TTL has elapsed, without
// deleting anything.
func (m *Manager) ListExpired() []Checkpoint {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.nowMs()
	var expired []Checkpoint
	for _, name := range m.fileNamesLocked() {
		cp, ok := m.readLocked(filepath.Join(m.dir, name))
		if !ok {
			continue
		}
		if cp.IsExpired(now) {
			expired = append(expired, *cp)
		}
	}
	return expired
}

// Cleanup deletes expired checkpoints and then enforces maxCheckpoints by
// dropping the oldest survivors. Idempotent: a second call in the same tick
// deletes nothing further.
func (m *Manager) Cleanup() (removed int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.nowMs()

	type liveFile struct {
		name      string
		createdAt int64
	}
	var live []liveFile
	for _, name := range m.fileNamesLocked() {
		path := filepath.Join(m.dir, name)
		cp, ok := m.readLocked(path)
		if !ok {
			continue
		}
		if cp.IsExpired(now) {
			if rerr := os.Remove(path); rerr == nil {
				removed++
			}
			continue
		}
		live = append(live, liveFile{name: name, createdAt: cp.CreatedAt})
	}

	if m.maxCheckpoints > 0 && len(live) > m.maxCheckpoints {
		sort.Slice(live, func(i, j int) bool { return live[i].createdAt < live[j].createdAt })
		excess := len(live) - m.maxCheckpoints
		for _, lf := range live[:excess] {
			if rerr := os.Remove(filepath.Join(m.dir, lf.name)); rerr == nil {
				removed++
			}
		}
	}
	return removed, nil
}

// GetStats counts live, expired and quarantined checkpoints.
func (m *Manager) GetStats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.nowMs()
	st := Stats{
		Corrupt:      m.corruptSeen,
		TotalSaves:   m.totalSaves,
		TotalLoads:   m.totalLoads,
		TotalDeletes: m.totalDeletes,
	}
	for _, name := range m.fileNamesLocked() {
		cp, ok := m.readLocked(filepath.Join(m.dir, name))
		if !ok {
			continue
		}
		if cp.IsExpired(now) {
			st.Expired++
		} else {
			st.Live++
		}
	}
	return st
}
