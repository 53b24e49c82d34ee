// Package queue implements the severity-ordered work queue of approved clusters.
//
// Entries are ordered by descending severity; equal severities are served in insertion order.
// Dequeue never blocks. A dequeued cluster is marked dispatched and can only come back through
// Requeue.
package queue

import (
	"container/heap"
	"errors"
	"fmt"
	"sync"
	"time"

	"ford/pkg/feedback"
)

var (
	// ErrAlreadyQueued is returned when the cluster is already waiting in the queue.
	ErrAlreadyQueued = errors.New("cluster already queued")
	// ErrDispatched is returned by Enqueue for a cluster that is owned by an active change request.
	ErrDispatched = errors.New("cluster already dispatched")
)

// Entry is one queued cluster. The queue stores the cluster id, not the cluster.
type Entry struct {
	ClusterID  string    `json:"cluster_id"`
	Severity   float64   `json:"severity"`
	Seq        uint64    `json:"seq"`
	EnqueuedAt time.Time `json:"enqueued_at"`

	pos int
}

// State is the serializable queue content, used by checkpoints.
type State struct {
	Entries    []Entry  `json:"entries"`
	Dispatched []string `json:"dispatched,omitempty"`
	NextSeq    uint64   `json:"next_seq"`
}

// Queue is safe for concurrent use.
type Queue struct {
	mu         sync.Mutex
	heap       entryHeap
	index      map[string]*Entry
	dispatched map[string]struct{}
	seq        uint64
	now        func() time.Time
	onDepth    func(int)
}

// New creates an empty queue. onDepth, if non-nil, is called with the new depth after every change.
func New(onDepth func(int)) *Queue {
	return &Queue{
		index:      make(map[string]*Entry),
		dispatched: make(map[string]struct{}),
		now:        time.Now,
		onDepth:    onDepth,
	}
}

// Enqueue adds an approved cluster.
func (q *Queue) Enqueue(c *feedback.Cluster) error {
	if c == nil || c.ID == "" {
		return errors.New("cluster id is required")
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.dispatched[c.ID]; ok {
		return fmt.Errorf("%w: %s", ErrDispatched, c.ID)
	}
	if err := q.pushLocked(c.ID, c.AverageSeverity); err != nil {
		return err
	}
	q.notifyLocked()
	return nil
}

// Requeue puts a previously dispatched cluster back in line behind everything already queued at
// the same severity.
func (q *Queue) Requeue(clusterID string, severity float64) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	delete(q.dispatched, clusterID)
	if err := q.pushLocked(clusterID, severity); err != nil {
		return err
	}
	q.notifyLocked()
	return nil
}

func (q *Queue) pushLocked(clusterID string, severity float64) error {
	if _, ok := q.index[clusterID]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyQueued, clusterID)
	}
	q.seq++
	e := &Entry{
		ClusterID:  clusterID,
		Severity:   feedback.ClampSeverity(severity),
		Seq:        q.seq,
		EnqueuedAt: q.now().UTC(),
	}
	q.index[clusterID] = e
	heap.Push(&q.heap, e)
	return nil
}

// Dequeue returns the highest-severity entry and marks it dispatched. ok is false when the
// queue is empty.
func (q *Queue) Dequeue() (entry Entry, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.heap.Len() == 0 {
		return Entry{}, false
	}
	e, _ := heap.Pop(&q.heap).(*Entry)
	delete(q.index, e.ClusterID)
	q.dispatched[e.ClusterID] = struct{}{}
	q.notifyLocked()
	return *e, true
}

// Peek returns the next entry without removing it.
func (q *Queue) Peek() (Entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.heap.Len() == 0 {
		return Entry{}, false
	}
	return *q.heap[0], true
}

// Remove drops a queued cluster. It reports whether the cluster was queued.
func (q *Queue) Remove(clusterID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.index[clusterID]
	if !ok {
		return false
	}
	heap.Remove(&q.heap, e.pos)
	delete(q.index, clusterID)
	q.notifyLocked()
	return true
}

// Complete clears the dispatched mark once the cluster's change request reached a terminal state.
// The cluster still needs Requeue to run again.
func (q *Queue) Complete(clusterID string) {
	q.mu.Lock()
	delete(q.dispatched, clusterID)
	q.mu.Unlock()
}

// IsDispatched reports whether clusterID is owned by an active change request.
func (q *Queue) IsDispatched(clusterID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.dispatched[clusterID]
	return ok
}

// Len returns the number of queued clusters.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.heap.Len()
}

// Snapshot returns the queue content in dequeue order.
func (q *Queue) Snapshot() State {
	q.mu.Lock()
	defer q.mu.Unlock()

	entries := make([]Entry, 0, q.heap.Len())
	for _, e := range q.heap {
		entries = append(entries, *e)
	}
	sortEntries(entries)

	dispatched := make([]string, 0, len(q.dispatched))
	for id := range q.dispatched {
		dispatched = append(dispatched, id)
	}
	sortStrings(dispatched)
	return State{Entries: entries, Dispatched: dispatched, NextSeq: q.seq}
}

// Restore replaces the queue content with s. Sequence numbers are kept so FIFO order among
// equal severities survives a restart.
func (q *Queue) Restore(s State) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.heap = q.heap[:0]
	q.index = make(map[string]*Entry, len(s.Entries))
	q.dispatched = make(map[string]struct{}, len(s.Dispatched))
	q.seq = s.NextSeq
	for i := range s.Entries {
		e := s.Entries[i]
		if _, dup := q.index[e.ClusterID]; dup {
			continue
		}
		if e.Seq > q.seq {
			q.seq = e.Seq
		}
		q.index[e.ClusterID] = &e
		q.heap = append(q.heap, &e)
	}
	for i, e := range q.heap {
		e.pos = i
	}
	heap.Init(&q.heap)
	for _, id := range s.Dispatched {
		q.dispatched[id] = struct{}{}
	}
	q.notifyLocked()
}

func (q *Queue) notifyLocked() {
	if q.onDepth != nil {
		q.onDepth(q.heap.Len())
	}
}
