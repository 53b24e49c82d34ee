// Package gateway wraps every capability call with the policy guard, a call-rate anomaly check,
// a per-tool circuit breaker, a per-call timeout and the retry schedule.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"ford/pkg/logx"
	"ford/pkg/metrics"
	"ford/pkg/policy"
	"ford/pkg/resilience"
	"ford/pkg/resilience/circuit"
	"ford/pkg/resilience/retry"
)

// Tool names used as breaker keys.
const (
	ToolClassifier = "classifier"
	ToolEmbedder   = "embedder"
	ToolGenerator  = "generator"
	ToolFilesystem = "filesystem"
	ToolTerminal   = "terminal"
	ToolForge      = "forge"
	ToolVector     = "vector"
	ToolWorkspace  = "workspace"
	ToolNotifier   = "notifier"
)

// Config tunes the gateway.
type Config struct {
	CallTimeout    time.Duration
	Retry          retry.Config
	Breaker        circuit.Config
	CallsPerSecond float64
	Burst          int
}

// DefaultConfig returns the 30s / 1-2-4s / 3-failure / 60s defaults.
func DefaultConfig() Config {
	return Config{
		CallTimeout:    30 * time.Second,
		Retry:          retry.DefaultConfig,
		Breaker:        circuit.DefaultConfig,
		CallsPerSecond: 20,
		Burst:          40,
	}
}

// Request describes one tool invocation for the guard.
type Request struct {
	Tool string
	Op   string
	// Paths are filesystem paths the call touches.
	Paths []string
	// Writes maps paths to content about to be written; content is secret-scanned.
	Writes map[string]string
	// Command is the executable a terminal call runs.
	Command string
	// Scope narrows the allowed directories for this call (a cluster's approved scope).
	Scope []string
	// Timeout overrides the configured per-call ceiling, for long validation stages.
	Timeout time.Duration
}

// Gateway is safe for concurrent use. Breaker state is shared by all workflows using a tool.
type Gateway struct {
	cfg        Config
	policy     policy.Policy
	breakers   *circuit.Registry
	retry      *retry.Policy
	recorder   metrics.Recorder
	logger     *logx.Logger
	onOpen     func(tool string)
	onSecurity func(tool string, err error)

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// Option customizes a Gateway.
type Option func(*options)

type options struct {
	clock      circuit.Clock
	sleeper    retry.Sleeper
	recorder   metrics.Recorder
	onOpen     func(tool string)
	onSecurity func(tool string, err error)
}

// WithClock injects the breaker clock.
func WithClock(c circuit.Clock) Option { return func(o *options) { o.clock = c } }

// WithSleeper injects the retry sleeper.
func WithSleeper(s retry.Sleeper) Option { return func(o *options) { o.sleeper = s } }

// WithRecorder sets the metrics recorder.
func WithRecorder(r metrics.Recorder) Option { return func(o *options) { o.recorder = r } }

// OnBreakerOpen registers a callback fired whenever a tool's breaker opens.
func OnBreakerOpen(fn func(tool string)) Option { return func(o *options) { o.onOpen = fn } }

// OnSecurityEvent registers a callback fired for every security rejection.
func OnSecurityEvent(fn func(tool string, err error)) Option {
	return func(o *options) { o.onSecurity = fn }
}

// New creates a gateway enforcing pol.
func New(cfg Config, pol policy.Policy, opts ...Option) *Gateway {
	o := options{recorder: metrics.Nop{}}
	for _, opt := range opts {
		opt(&o)
	}

	g := &Gateway{
		cfg:        cfg,
		policy:     pol,
		recorder:   o.recorder,
		logger:     logx.NewLogger("gateway"),
		onOpen:     o.onOpen,
		onSecurity: o.onSecurity,
		limiters:   make(map[string]*rate.Limiter),
	}
	g.retry = retry.NewPolicy(cfg.Retry, resilience.IsRetryable, o.sleeper)
	g.breakers = circuit.NewRegistry(cfg.Breaker, o.clock, g.breakerChanged)
	return g
}

// Policy returns the gateway's policy.
func (g *Gateway) Policy() policy.Policy {
	return g.policy
}

// Breakers exposes breaker snapshots for status queries.
func (g *Gateway) Breakers() []circuit.Snapshot {
	return g.breakers.Snapshots()
}

// ResetBreakers closes every breaker, used when leaving safe mode.
func (g *Gateway) ResetBreakers() {
	g.breakers.ResetAll()
}

func (g *Gateway) breakerChanged(tool string, from, to circuit.State) {
	g.recorder.SetBreakerState(tool, int(to))
	g.logger.Warn("circuit breaker %s: %s -> %s", tool, from, to)
	if to == circuit.Open && g.onOpen != nil {
		g.onOpen(tool)
	}
}

// Guard runs the policy checks for req without calling anything.
func (g *Gateway) Guard(req Request) error {
	pol := g.policy
	for _, p := range req.Paths {
		if _, err := pol.CheckPath(p); err != nil {
			return err
		}
		if len(req.Scope) > 0 {
			if _, err := policy.CheckPath(p, req.Scope); err != nil {
				return err
			}
		}
	}
	for p, content := range req.Writes {
		if _, err := pol.CheckWrite(p, content); err != nil {
			return err
		}
		if len(req.Scope) > 0 {
			if _, err := policy.CheckPath(p, req.Scope); err != nil {
				return err
			}
		}
	}
	if req.Tool == ToolTerminal || req.Command != "" {
		if err := pol.CheckCommand(req.Command); err != nil {
			return err
		}
	}
	return nil
}

func (g *Gateway) limiter(tool string) *rate.Limiter {
	g.mu.Lock()
	defer g.mu.Unlock()
	l, ok := g.limiters[tool]
	if !ok {
		l = rate.NewLimiter(rate.Limit(g.cfg.CallsPerSecond), g.cfg.Burst)
		g.limiters[tool] = l
	}
	return l
}

func (g *Gateway) security(req Request, err error) error {
	g.logger.Error("security rejection for %s.%s: %v", req.Tool, req.Op, err)
	g.recorder.ObserveToolCall(req.Tool, req.Op, 0, "security", 0)
	if g.onSecurity != nil {
		g.onSecurity(req.Tool, err)
	}
	return &resilience.Error{Kind: resilience.KindSecurity, Tool: req.Tool, Op: req.Op, Err: err}
}

// Call runs fn through the gateway and returns its result.
func Call[T any](ctx context.Context, g *Gateway, req Request, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	start := time.Now()

	if err := g.Guard(req); err != nil {
		return zero, g.security(req, err)
	}
	if g.cfg.CallsPerSecond > 0 && !g.limiter(req.Tool).Allow() {
		return zero, g.security(req, fmt.Errorf("%w: %s exceeded %.0f calls/s", resilience.ErrRateAnomaly, req.Tool, g.cfg.CallsPerSecond))
	}

	timeout := g.cfg.CallTimeout
	if req.Timeout > 0 {
		timeout = req.Timeout
	}
	breaker := g.breakers.Get(req.Tool)
	var result T
	var lastToolErr error
	attempts, err := g.retry.Do(ctx, func(ctx context.Context, attempt int) error {
		if err := breaker.Allow(); err != nil {
			return fmt.Errorf("%w: %w", resilience.ErrCircuitOpen, err)
		}

		callCtx, cancel := context.WithTimeout(ctx, timeout)
		out, err := fn(callCtx)
		timedOut := errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil
		cancel()

		if err == nil {
			breaker.Record(true)
			result = out
			return nil
		}
		lastToolErr = err

		switch {
		case timedOut:
			breaker.Record(false)
			return resilience.New(resilience.KindTransient, req.Tool, req.Op,
				fmt.Errorf("%w after %s: %w", resilience.ErrTimeout, timeout, err))
		case ctx.Err() != nil:
			breaker.Release()
			return err
		case resilience.KindOf(err) == resilience.KindTransient:
			breaker.Record(false)
			logx.Debug(ctx, "gateway", "%s.%s attempt %d failed: %v", req.Tool, req.Op, attempt, err)
			return err
		default:
			// The tool answered; a permanent or security failure says nothing about its health.
			breaker.Release()
			return err
		}
	})

	outcome := "success"
	if err != nil {
		err = g.classify(ctx, req, attempts, err, lastToolErr)
		outcome = resilience.KindOf(err).String()
	}
	g.recorder.ObserveToolCall(req.Tool, req.Op, attempts, outcome, time.Since(start))
	if err != nil {
		return zero, err
	}
	return result, nil
}

// Do runs an fn without a result through the gateway.
func (g *Gateway) Do(ctx context.Context, req Request, fn func(ctx context.Context) error) error {
	_, err := Call(ctx, g, req, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// classify turns the last attempt's error into the error surfaced to the caller.
func (g *Gateway) classify(ctx context.Context, req Request, attempts int, err, lastToolErr error) error {
	if ctx.Err() != nil {
		return &resilience.Error{Kind: resilience.KindPermanent, Tool: req.Tool, Op: req.Op, Attempts: attempts, Err: err}
	}
	kind := resilience.KindOf(err)
	switch {
	case errors.Is(err, resilience.ErrCircuitOpen):
		if lastToolErr != nil {
			err = fmt.Errorf("%w (last failure: %w)", err, lastToolErr)
		}
		return &resilience.Error{Kind: resilience.KindHalted, Tool: req.Tool, Op: req.Op, Attempts: attempts, Err: err}
	case kind == resilience.KindSecurity:
		return g.security(req, err)
	case kind == resilience.KindTransient:
		return &resilience.Error{
			Kind:     resilience.KindHalted,
			Tool:     req.Tool,
			Op:       req.Op,
			Attempts: attempts,
			Err:      fmt.Errorf("%w: %w", resilience.ErrRetryExhausted, err),
		}
	default:
		var re *resilience.Error
		if errors.As(err, &re) && re.Tool != "" {
			return err
		}
		return &resilience.Error{Kind: kind, Tool: req.Tool, Op: req.Op, Attempts: attempts, Err: err}
	}
}
