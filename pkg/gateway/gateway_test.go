package gateway

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ford/pkg/policy"
	"ford/pkg/resilience"
	"ford/pkg/resilience/circuit"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// sleeper advances the fake clock instead of waiting.
type sleeper struct {
	clock *fakeClock
	mu    sync.Mutex
	waits []time.Duration
}

func (s *sleeper) Sleep(_ context.Context, d time.Duration) error {
	s.mu.Lock()
	s.waits = append(s.waits, d)
	s.mu.Unlock()
	s.clock.Advance(d)
	return nil
}

type harness struct {
	gw      *Gateway
	clock   *fakeClock
	sleeper *sleeper
	opened  []string
	alerts  []string
	root    string
}

func newHarness(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()
	h := &harness{clock: &fakeClock{now: time.Unix(1_700_000_000, 0)}, root: t.TempDir()}
	h.sleeper = &sleeper{clock: h.clock}
	cfg := DefaultConfig()
	cfg.CallTimeout = 200 * time.Millisecond
	cfg.Burst = 1000
	cfg.CallsPerSecond = 1000
	if mutate != nil {
		mutate(&cfg)
	}
	pol := policy.Policy{AllowedDirs: []string{h.root}, CommandWhitelist: []string{"go"}}
	h.gw = New(cfg, pol,
		WithClock(h.clock.Now),
		WithSleeper(h.sleeper.Sleep),
		OnBreakerOpen(func(tool string) { h.opened = append(h.opened, tool) }),
		OnSecurityEvent(func(tool string, _ error) { h.alerts = append(h.alerts, tool) }),
	)
	return h
}

var errUnavailable = errors.New("503 service unavailable")

func TestRetriesTransientWithFixedSchedule(t *testing.T) {
	h := newHarness(t, nil)
	calls := 0

	got, err := Call(context.Background(), h.gw, Request{Tool: ToolForge, Op: "createIssue"}, func(context.Context) (int, error) {
		calls++
		if calls < 3 {
			return 0, errUnavailable
		}
		return 42, nil
	})

	require.NoError(t, err)
	assert.Equal(t, 42, got)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, h.sleeper.waits)
}

func TestPermanentNotRetried(t *testing.T) {
	h := newHarness(t, nil)
	calls := 0

	err := h.gw.Do(context.Background(), Request{Tool: ToolForge, Op: "createIssue"}, func(context.Context) error {
		calls++
		return errors.New("401 Bad credentials")
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, resilience.KindPermanent, resilience.KindOf(err))
	assert.Empty(t, h.sleeper.waits)
	assert.Equal(t, 0, h.gw.breakers.Get(ToolForge).ConsecutiveFailures())
}

func TestBreakerOpensAfterThreeFailuresAndFailsFast(t *testing.T) {
	h := newHarness(t, nil)
	calls := 0
	failing := func(context.Context) error {
		calls++
		return errUnavailable
	}
	req := Request{Tool: ToolEmbedder, Op: "embed"}

	err := h.gw.Do(context.Background(), req, failing)
	require.Error(t, err)
	assert.Equal(t, 3, calls, "fourth attempt is rejected by the open breaker")
	assert.Equal(t, resilience.KindHalted, resilience.KindOf(err))
	assert.Equal(t, []string{ToolEmbedder}, h.opened)
	assert.Equal(t, circuit.Open, h.gw.breakers.Get(ToolEmbedder).State())

	// The 4s wait ran before the rejected attempt, so the clock is 4s past the last failure.
	err = h.gw.Do(context.Background(), req, failing)
	require.Error(t, err)
	assert.ErrorIs(t, err, resilience.ErrCircuitOpen)
	assert.Equal(t, 3, calls, "tool not invoked while open")

	h.clock.Advance(60 * time.Second)
	trials := 0
	err = h.gw.Do(context.Background(), req, func(context.Context) error {
		trials++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, trials)
	assert.Equal(t, circuit.Closed, h.gw.breakers.Get(ToolEmbedder).State())
}

func TestTimeoutIsTransient(t *testing.T) {
	h := newHarness(t, func(c *Config) {
		c.CallTimeout = 10 * time.Millisecond
		c.Retry.MaxRetries = 1
	})
	calls := 0

	err := h.gw.Do(context.Background(), Request{Tool: ToolClassifier, Op: "classify"}, func(ctx context.Context) error {
		calls++
		<-ctx.Done()
		return ctx.Err()
	})

	require.Error(t, err)
	assert.Equal(t, 2, calls)
	assert.ErrorIs(t, err, resilience.ErrTimeout)
	assert.ErrorIs(t, err, resilience.ErrRetryExhausted)
}

func TestPolicyRejectsBeforeCalling(t *testing.T) {
	h := newHarness(t, nil)
	called := false
	fn := func(context.Context) error { called = true; return nil }

	err := h.gw.Do(context.Background(), Request{Tool: ToolTerminal, Op: "execute", Command: "rm"}, fn)
	require.Error(t, err)
	assert.True(t, resilience.IsSecurity(err))

	err = h.gw.Do(context.Background(), Request{Tool: ToolFilesystem, Op: "write", Paths: []string{"/etc/passwd"}}, fn)
	require.Error(t, err)
	assert.True(t, resilience.IsSecurity(err))

	assert.False(t, called)
	assert.Equal(t, []string{ToolTerminal, ToolFilesystem}, h.alerts)
	assert.Empty(t, h.sleeper.waits, "security errors are never retried")
}

func TestScopeNarrowsPolicy(t *testing.T) {
	h := newHarness(t, nil)
	scope := []string{h.root + "/pkg"}
	ok := func(context.Context) error { return nil }

	require.NoError(t, h.gw.Do(context.Background(), Request{Tool: ToolFilesystem, Paths: []string{h.root + "/pkg/a.go"}, Scope: scope}, ok))
	err := h.gw.Do(context.Background(), Request{Tool: ToolFilesystem, Paths: []string{h.root + "/cmd/a.go"}, Scope: scope}, ok)
	assert.True(t, resilience.IsSecurity(err))
}

func TestRateSpikeIsSecurityError(t *testing.T) {
	h := newHarness(t, func(c *Config) {
		c.CallsPerSecond = 0.001
		c.Burst = 2
	})
	ok := func(context.Context) error { return nil }
	req := Request{Tool: ToolVector, Op: "search"}

	require.NoError(t, h.gw.Do(context.Background(), req, ok))
	require.NoError(t, h.gw.Do(context.Background(), req, ok))
	err := h.gw.Do(context.Background(), req, ok)
	require.Error(t, err)
	assert.ErrorIs(t, err, resilience.ErrRateAnomaly)
	assert.True(t, resilience.IsSecurity(err))
}

func TestCallerCancellationNotCountedAsFailure(t *testing.T) {
	h := newHarness(t, nil)
	ctx, cancel := context.WithCancel(context.Background())

	err := h.gw.Do(ctx, Request{Tool: ToolForge, Op: "merge"}, func(context.Context) error {
		cancel()
		return context.Canceled
	})

	require.Error(t, err)
	assert.Equal(t, resilience.KindPermanent, resilience.KindOf(err))
	assert.Equal(t, 0, h.gw.breakers.Get(ToolForge).ConsecutiveFailures())
}
