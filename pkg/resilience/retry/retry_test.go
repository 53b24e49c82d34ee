package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSleeper struct{ waits []time.Duration }

func (r *recordingSleeper) sleep(_ context.Context, d time.Duration) error {
	r.waits = append(r.waits, d)
	return nil
}

func alwaysRetry(error) bool { return true }

func TestScheduleIsFixed(t *testing.T) {
	p := NewPolicy(DefaultConfig, alwaysRetry, nil)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}, p.Schedule())
	assert.Equal(t, p.Schedule(), p.Schedule(), "no jitter")
}

func TestDoExhaustsAfterThreeRetries(t *testing.T) {
	s := &recordingSleeper{}
	p := NewPolicy(DefaultConfig, alwaysRetry, s.sleep)
	calls := 0

	attempts, err := p.Do(context.Background(), func(context.Context, int) error {
		calls++
		return errors.New("timeout")
	})

	require.Error(t, err)
	assert.Equal(t, 4, attempts)
	assert.Equal(t, 4, calls)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}, s.waits)
}

func TestDoStopsOnPermanent(t *testing.T) {
	s := &recordingSleeper{}
	p := NewPolicy(DefaultConfig, func(error) bool { return false }, s.sleep)

	attempts, err := p.Do(context.Background(), func(context.Context, int) error {
		return errors.New("401")
	})

	require.Error(t, err)
	assert.Equal(t, 1, attempts)
	assert.Empty(t, s.waits)
}

func TestDoSucceedsAfterRetry(t *testing.T) {
	s := &recordingSleeper{}
	p := NewPolicy(DefaultConfig, alwaysRetry, s.sleep)

	attempts, err := p.Do(context.Background(), func(_ context.Context, attempt int) error {
		if attempt < 3 {
			return errors.New("503")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, s.waits)
}

func TestSleepHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, Sleep(ctx, time.Hour), context.Canceled)
}
