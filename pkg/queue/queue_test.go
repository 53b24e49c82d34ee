package queue

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ford/pkg/feedback"
)

func cluster(id string, severity float64) *feedback.Cluster {
	return &feedback.Cluster{ID: id, AverageSeverity: severity}
}

func drain(q *Queue) []string {
	var ids []string
	for {
		e, ok := q.Dequeue()
		if !ok {
			return ids
		}
		ids = append(ids, e.ClusterID)
	}
}

func TestOrderingBySeverityThenFIFO(t *testing.T) {
	q := New(nil)
	require.NoError(t, q.Enqueue(cluster("low", 10)))
	require.NoError(t, q.Enqueue(cluster("tie-1", 50)))
	require.NoError(t, q.Enqueue(cluster("high", 90)))
	require.NoError(t, q.Enqueue(cluster("tie-2", 50)))
	require.NoError(t, q.Enqueue(cluster("tie-3", 50)))

	assert.Equal(t, []string{"high", "tie-1", "tie-2", "tie-3", "low"}, drain(q))
}

func TestDequeueEmptyDoesNotBlock(t *testing.T) {
	q := New(nil)
	_, ok := q.Dequeue()
	assert.False(t, ok)
}

func TestDispatchedClusterNeedsRequeue(t *testing.T) {
	q := New(nil)
	require.NoError(t, q.Enqueue(cluster("a", 40)))
	assert.ErrorIs(t, q.Enqueue(cluster("a", 40)), ErrAlreadyQueued)

	e, ok := q.Dequeue()
	require.True(t, ok)
	assert.Equal(t, "a", e.ClusterID)
	assert.True(t, q.IsDispatched("a"))
	assert.ErrorIs(t, q.Enqueue(cluster("a", 40)), ErrDispatched)

	require.NoError(t, q.Requeue("a", 40))
	assert.False(t, q.IsDispatched("a"))
	assert.Equal(t, 1, q.Len())
}

func TestRequeueGoesBehindEqualSeverity(t *testing.T) {
	q := New(nil)
	require.NoError(t, q.Enqueue(cluster("a", 50)))
	_, _ = q.Dequeue()
	require.NoError(t, q.Enqueue(cluster("b", 50)))
	require.NoError(t, q.Requeue("a", 50))

	assert.Equal(t, []string{"b", "a"}, drain(q))
}

func TestRemove(t *testing.T) {
	q := New(nil)
	require.NoError(t, q.Enqueue(cluster("a", 10)))
	require.NoError(t, q.Enqueue(cluster("b", 20)))
	require.NoError(t, q.Enqueue(cluster("c", 30)))

	assert.True(t, q.Remove("b"))
	assert.False(t, q.Remove("b"))
	assert.Equal(t, []string{"c", "a"}, drain(q))
}

func TestSnapshotRestore(t *testing.T) {
	q := New(nil)
	require.NoError(t, q.Enqueue(cluster("a", 50)))
	require.NoError(t, q.Enqueue(cluster("b", 80)))
	require.NoError(t, q.Enqueue(cluster("c", 50)))
	require.NoError(t, q.Enqueue(cluster("d", 5)))
	_, _ = q.Dequeue() // b

	state := q.Snapshot()
	assert.Equal(t, []string{"b"}, state.Dispatched)
	require.Len(t, state.Entries, 3)
	assert.Equal(t, "a", state.Entries[0].ClusterID)

	var depth int
	restored := New(func(n int) { depth = n })
	restored.Restore(state)
	assert.Equal(t, 3, depth)
	assert.True(t, restored.IsDispatched("b"))

	require.NoError(t, restored.Enqueue(cluster("e", 50)))
	assert.Equal(t, []string{"a", "c", "e", "d"}, drain(restored))
}

func TestSeverityIsClamped(t *testing.T) {
	q := New(nil)
	require.NoError(t, q.Enqueue(cluster("a", 250)))
	e, ok := q.Peek()
	require.True(t, ok)
	assert.Equal(t, 100.0, e.Severity)
}
