// Package retry runs an operation on a fixed, jitter-free exponential schedule.
package retry

import (
	"context"
	"fmt"
	"math"
	"time"
)

// Config defines the retry schedule.
type Config struct {
	MaxRetries    int           `json:"max_retries"`    // Retries after the initial attempt
	InitialDelay  time.Duration `json:"initial_delay"`  // Delay before the first retry
	BackoffFactor float64       `json:"backoff_factor"` // Multiplier between retries
}

// DefaultConfig waits 1s, 2s and 4s between attempts.
//
//nolint:gochecknoglobals // Sensible default config pattern
var DefaultConfig = Config{
	MaxRetries:    3,
	InitialDelay:  time.Second,
	BackoffFactor: 2.0,
}

// Classifier determines if an error should be retried.
type Classifier func(error) bool

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// Sleep is the real-time Sleeper.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Policy encapsulates retry configuration and logic.
type Policy struct {
	Config     Config
	Classifier Classifier
	Sleep      Sleeper
}

// NewPolicy creates a retry policy. A nil sleeper uses real time.
func NewPolicy(config Config, classifier Classifier, sleep Sleeper) *Policy {
	if sleep == nil {
		sleep = Sleep
	}
	return &Policy{Config: config, Classifier: classifier, Sleep: sleep}
}

// Delay returns the wait before retry n (1-based).
func (p *Policy) Delay(n int) time.Duration {
	if n < 1 {
		return 0
	}
	return time.Duration(float64(p.Config.InitialDelay) * math.Pow(p.Config.BackoffFactor, float64(n-1)))
}

// Schedule returns all delays in order.
func (p *Policy) Schedule() []time.Duration {
	out := make([]time.Duration, 0, p.Config.MaxRetries)
	for n := 1; n <= p.Config.MaxRetries; n++ {
		out = append(out, p.Delay(n))
	}
	return out
}

// Do runs fn until it succeeds, returns a non-retryable error, or MaxRetries retries were spent.
// It returns the number of attempts made and the last error.
func (p *Policy) Do(ctx context.Context, fn func(ctx context.Context, attempt int) error) (int, error) {
	var lastErr error
	attempt := 0
	for retry := 0; retry <= p.Config.MaxRetries; retry++ {
		if retry > 0 {
			if err := p.Sleep(ctx, p.Delay(retry)); err != nil {
				return attempt, fmt.Errorf("retry cancelled: %w", err)
			}
		}
		attempt++
		lastErr = fn(ctx, attempt)
		if lastErr == nil {
			return attempt, nil
		}
		if p.Classifier != nil && !p.Classifier(lastErr) {
			return attempt, lastErr
		}
		if ctx.Err() != nil {
			return attempt, lastErr
		}
	}
	return attempt, lastErr
}
