package queue

import (
	"container/heap"
	"sort"
	"sync"
	"time"
)

const (
	defaultStarvationThresholdMs = 60_000
	defaultMaxSkipCount          = 50
)

// heapSlice implements heap.Interface, ordered by priority tier, then
// deadline (earlier first, no-deadline last), then FIFO enqueue order,
// then estimated duration (shortest-remaining-time) as the final tiebreak.
type heapSlice []*Entry

func (h heapSlice) Len() int { return len(h) }

func (h heapSlice) Less(i, j int) bool {
	a, b := h[i], h[j]
	if a.Meta.Priority != b.Meta.Priority {
		return a.Meta.Priority < b.Meta.Priority
	}
	ad, bd := a.Meta.DeadlineMs, b.Meta.DeadlineMs
	if ad != bd {
		if ad == 0 {
			return false
		}
		if bd == 0 {
			return true
		}
		return ad < bd
	}
	if a.EnqueuedAtMs != b.EnqueuedAtMs {
		return a.EnqueuedAtMs < b.EnqueuedAtMs
	}
	return a.Meta.EstimatedDurationMs < b.Meta.EstimatedDurationMs
}

func (h heapSlice) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *heapSlice) Push(x any) {
	*h = append(*h, x.(*Entry))
}

func (h *heapSlice) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// Clock abstracts wall-clock time so tests can inject a fake one.
type Clock func() time.Time

// Queue is the thread-safe priority task queue.
type Queue struct {
	mu sync.Mutex
	h  heapSlice

	byID map[string]*Entry

	virtualTime float64
	clock       Clock

	starvationThresholdMs int64
	maxSkipCount          int
}

// Option configures a Queue at construction.
type Option func(*Queue)

// WithClock overrides the wall-clock source.
func WithClock(c Clock) Option { return func(q *Queue) { q.clock = c } }

// WithStarvationThreshold overrides the default 60s starvation window.
func WithStarvationThreshold(d time.Duration) Option {
	return func(q *Queue) { q.starvationThresholdMs = d.Milliseconds() }
}

// WithMaxSkipCount overrides the default bound on Entry.SkipCount.
func WithMaxSkipCount(n int) Option {
	return func(q *Queue) { q.maxSkipCount = n }
}

// New creates an empty Queue.
func New(opts ...Option) *Queue {
	q := &Queue{
		h:                     make(heapSlice, 0),
		byID:                  make(map[string]*Entry),
		clock:                 time.Now,
		starvationThresholdMs: defaultStarvationThresholdMs,
		maxSkipCount:          defaultMaxSkipCount,
	}
	for _, o := range opts {
		o(q)
	}
	return q
}

func (q *Queue) nowMs() int64 { return q.clock().UnixMilli() }

// Enqueue admits a task and returns the tracked Entry.
func (q *Queue) Enqueue(meta TaskMeta) *Entry {
	q.mu.Lock()
	defer q.mu.Unlock()

	e := newEntry(meta, q.nowMs(), q.virtualTime)
	heap.Push(&q.h, e)
	q.byID[meta.ID] = e
	return e
}

// Dequeue pops the highest-priority runnable entry, advancing the queue's
// virtual time to its virtual finish time. Returns nil on an empty queue.
func (q *Queue) Dequeue() *Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.h.Len() == 0 {
		return nil
	}
	e := heap.Pop(&q.h).(*Entry)
	delete(q.byID, e.Meta.ID)
	if e.VirtualFinishTime > q.virtualTime {
		q.virtualTime = e.VirtualFinishTime
	}
	return e
}

// Peek returns the next entry without removing it, or nil if empty.
func (q *Queue) Peek() *Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.h.Len() == 0 {
		return nil
	}
	return q.h[0]
}

// Remove drops the entry with the given task ID, if present.
func (q *Queue) Remove(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.byID[id]
	if !ok {
		return false
	}
	for i, cand := range q.h {
		if cand == e {
			heap.Remove(&q.h, i)
			break
		}
	}
	delete(q.byID, id)
	return true
}

// Candidates returns up to n entries in dispatch order without removing
// them, so callers can apply policy (tenant anti-monopoly) beyond the head.
func (q *Queue) Candidates(n int) []*Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	if n > q.h.Len() {
		n = q.h.Len()
	}
	if n == 0 {
		return nil
	}
	cp := make(heapSlice, q.h.Len())
	copy(cp, q.h)
	sort.Slice(cp, func(i, j int) bool { return cp.Less(i, j) })
	return cp[:n]
}

// Len reports the current queue depth.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.h.Len()
}

// GetStats summarizes queue occupancy.
func (q *Queue) GetStats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	st := Stats{
		Depth:           q.h.Len(),
		DepthByPriority: make(map[Priority]int),
		VirtualTime:     q.virtualTime,
	}
	now := q.nowMs()
	for _, e := range q.h {
		st.DepthByPriority[e.Meta.Priority]++
		wait := now - e.EnqueuedAtMs
		if wait > st.OldestWaitMs {
			st.OldestWaitMs = wait
		}
	}
	return st
}

// PromoteStarvingTasks scans entries that have waited longer than the
// starvation threshold, or whose SkipCount exceeds the bound, and promotes
// each one tier. Promotion at a given tier only ever happens once per entry,
// and never above critical.
func (q *Queue) PromoteStarvingTasks() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.nowMs()
	promoted := 0
	for _, e := range q.h {
		waited := now - e.EnqueuedAtMs
		starving := waited > q.starvationThresholdMs || e.SkipCount > q.maxSkipCount
		if !starving {
			continue
		}
		if e.promoted[e.Meta.Priority] {
			continue
		}
		next, ok := promoteTier(e.Meta.Priority)
		if !ok {
			continue
		}
		e.promoted[e.Meta.Priority] = true
		e.Meta.Priority = next
		promoted++
	}
	if promoted > 0 {
		heap.Init(&q.h)
	}
	return promoted
}

// NoteSkipped records that an entry was considered but not dispatched this
// round (e.g. a tenant anti-monopoly skip in the admission controller),
// which feeds the starvation-forced-promotion bound.
func (q *Queue) NoteSkipped(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if e, ok := q.byID[id]; ok {
		e.SkipCount++
		e.LastConsideredMs = q.nowMs()
	}
}
