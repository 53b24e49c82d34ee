package limiter

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReserveUpToLimit(t *testing.T) {
	l, err := NewLimiter(2, false, nil)
	require.NoError(t, err)

	require.NoError(t, l.Reserve("a", "c1"))
	require.NoError(t, l.Reserve("b", "c2"))
	assert.ErrorIs(t, l.Reserve("c", "c3"), ErrLimitReached)

	// Idempotent for a holder.
	require.NoError(t, l.Reserve("a", "c1"))
	assert.Equal(t, 2, l.Active())

	assert.True(t, l.Release("a"))
	assert.False(t, l.Release("a"))
	require.NoError(t, l.Reserve("c", "c3"))
	assert.Equal(t, 0, l.Available())
}

func TestInvalidLimit(t *testing.T) {
	_, err := NewLimiter(0, false, nil)
	assert.ErrorIs(t, err, ErrInvalidLimit)
}

func TestParkWhenReleasingDuringReview(t *testing.T) {
	l, err := NewLimiter(1, true, nil)
	require.NoError(t, err)

	require.NoError(t, l.Reserve("a", "c1"))
	l.Park("a")
	assert.Equal(t, 0, l.Active())
	assert.True(t, l.Held("a"))
	require.NoError(t, l.Reserve("b", "c2"))

	// A reviewed request finishes even when the limit is full.
	l.Unpark("a")
	assert.Equal(t, 2, l.Active())
}

func TestParkIgnoredByDefault(t *testing.T) {
	l, err := NewLimiter(1, false, nil)
	require.NoError(t, err)

	require.NoError(t, l.Reserve("a", "c1"))
	l.Park("a")
	assert.Equal(t, 1, l.Active())
	assert.ErrorIs(t, l.Reserve("b", "c2"), ErrLimitReached)
}

func TestRestoreBypassesLimit(t *testing.T) {
	var active int
	l, err := NewLimiter(1, false, func(n int) { active = n })
	require.NoError(t, err)

	l.Restore([]Slot{{ChangeRequestID: "a"}, {ChangeRequestID: "b", Parked: true}})
	assert.Equal(t, 2, active)
	assert.Len(t, l.Slots(), 2)
}

func TestConcurrentReserveNeverExceedsLimit(t *testing.T) {
	const limit = 3
	l, err := NewLimiter(limit, false, nil)
	require.NoError(t, err)

	var admitted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if l.Reserve(fmt.Sprintf("cr-%d", i), "c") == nil {
				admitted.Add(1)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, int32(limit), admitted.Load())
	assert.Equal(t, limit, l.Active())
}
