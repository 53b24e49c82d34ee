// Package dispatch runs the pipeline: intake, the cluster gate, admission from the priority
// queue, change request workflows, human signals, safe mode and crash recovery.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"ford/pkg/capability"
	"ford/pkg/changerequest"
	"ford/pkg/checkpoint"
	"ford/pkg/cluster"
	"ford/pkg/gateway"
	"ford/pkg/limiter"
	"ford/pkg/logx"
	"ford/pkg/metrics"
	"ford/pkg/notify"
	"ford/pkg/persistence"
	"ford/pkg/queue"
)

// DefaultCheckpointFailureLimit is the number of consecutive checkpoint write failures that
// trigger safe mode.
const DefaultCheckpointFailureLimit = 3

var (
	// ErrUnknownChangeRequest is returned for ids with no active change request.
	ErrUnknownChangeRequest = errors.New("no active change request with this id")
	// ErrClusterDecided is returned when a gate decision targets a cluster that is not pending.
	ErrClusterDecided = errors.New("cluster is not pending")
	// ErrClusterBusy is returned when re-queueing a cluster that still has an active change request.
	ErrClusterBusy = errors.New("cluster has an active change request")
	// ErrInvalidScope is returned for a scope entry that escapes the workspace.
	ErrInvalidScope = errors.New("scope must be a relative directory inside the workspace")
	// ErrAlreadyRunning is returned by Start on a running dispatcher.
	ErrAlreadyRunning = errors.New("dispatcher is already running")

	// errDeferred leaves a signal pending for a later poll.
	errDeferred = errors.New("deferred")
)

// Config tunes the dispatcher.
type Config struct {
	AdmissionInterval      time.Duration
	SignalPollInterval     time.Duration
	PruneInterval          time.Duration
	CheckpointFailureLimit int
	Driver                 changerequest.Config
}

// Deps are the collaborators of a Dispatcher.
type Deps struct {
	Ops         *persistence.DatabaseOperations
	Checkpoints *checkpoint.Store
	Gateway     *gateway.Gateway
	Classifier  capability.Classifier
	// Vectors is optional; without it embeddings are not indexed and FindSimilar fails.
	Vectors  capability.VectorIndex
	Clusters *cluster.Engine
	Queue    *queue.Queue
	Limiter  *limiter.Limiter
	Notifier *notify.Service
	SafeMode *SafeMode
	Alerter  capability.Alerter
	Recorder metrics.Recorder
	// Driver holds the change request capabilities. Its Saver is replaced by the dispatcher.
	Driver changerequest.Deps
	Clock  func() time.Time
}

// flight is one non-terminal change request. mu serializes every driver call on cr.
type flight struct {
	mu sync.Mutex
	cr *changerequest.ChangeRequest

	// Guarded by Dispatcher.mu.
	busy       bool
	cancelling bool
	cancel     context.CancelFunc
}

// Dispatcher owns the pipeline state and drives it.
//
//nolint:govet // Logical field grouping preferred over memory alignment
type Dispatcher struct {
	cfg    Config
	deps   Deps
	driver *changerequest.Driver
	logger *logx.Logger

	mu      sync.Mutex
	flights map[string]*flight
	// records holds the last saved copy of every change request that has not been finished.
	// A terminal record stays until release, so the checkpoint written by the final transition
	// still carries it.
	records   map[string]*changerequest.ChangeRequest
	running   bool
	stop      context.CancelFunc
	group     *errgroup.Group
	lastPrune time.Time

	saveMu       sync.Mutex
	ckptFailures int

	kick       chan struct{}
	signalKick chan struct{}
}

// NewDispatcher wires a dispatcher. Nothing runs until Start.
func NewDispatcher(cfg Config, deps Deps) *Dispatcher {
	if cfg.AdmissionInterval <= 0 {
		cfg.AdmissionInterval = 2 * time.Second
	}
	if cfg.SignalPollInterval <= 0 {
		cfg.SignalPollInterval = time.Second
	}
	if cfg.PruneInterval <= 0 {
		cfg.PruneInterval = time.Hour
	}
	if cfg.CheckpointFailureLimit <= 0 {
		cfg.CheckpointFailureLimit = DefaultCheckpointFailureLimit
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	if deps.Recorder == nil {
		deps.Recorder = metrics.Nop{}
	}
	if deps.SafeMode == nil {
		deps.SafeMode = NewSafeMode(deps.Alerter, deps.Recorder)
	}

	d := &Dispatcher{
		cfg:        cfg,
		deps:       deps,
		logger:     logx.NewLogger("dispatch"),
		flights:    make(map[string]*flight),
		records:    make(map[string]*changerequest.ChangeRequest),
		kick:       make(chan struct{}, 1),
		signalKick: make(chan struct{}, 1),
	}
	dd := deps.Driver
	dd.Saver = d
	if dd.Clock == nil {
		dd.Clock = deps.Clock
	}
	d.driver = changerequest.NewDriver(cfg.Driver, dd)
	return d
}

func (d *Dispatcher) now() time.Time { return d.deps.Clock().UTC() }

// SafeMode returns the safe-mode switch.
func (d *Dispatcher) SafeMode() *SafeMode { return d.deps.SafeMode }

// Start launches the signal and admission loops. Call Restore first to resume after a restart.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return ErrAlreadyRunning
	}
	runCtx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(runCtx)
	d.group = g
	d.stop = cancel
	d.running = true

	d.logger.Info("Starting dispatcher")
	g.Go(func() error {
		d.signalLoop(gctx)
		return nil
	})
	g.Go(func() error {
		d.admissionLoop(gctx)
		return nil
	})
	return nil
}

// Stop cancels the loops and every running workflow, waits for them, and writes a final
// checkpoint. Interrupted workflows resume from their recorded state on the next start.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return nil
	}
	d.running = false
	stop, g := d.stop, d.group
	d.mu.Unlock()

	d.logger.Info("Stopping dispatcher")
	stop()

	done := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		d.logger.Warn("Dispatcher stop timed out")
		return ctx.Err()
	}

	if err := d.checkpoint(ctx); err != nil {
		d.logger.Warn("final checkpoint failed: %v", err)
	}
	d.logger.Info("Dispatcher stopped successfully")
	return nil
}

func (d *Dispatcher) poke() {
	select {
	case d.kick <- struct{}{}:
	default:
	}
}

// PokeSignals makes the signal loop poll the inbox now.
func (d *Dispatcher) PokeSignals() {
	select {
	case d.signalKick <- struct{}{}:
	default:
	}
}

// SaveChangeRequest implements changerequest.Saver: it appends new transitions to the audit trail
// and writes a checkpoint that includes cr.
func (d *Dispatcher) SaveChangeRequest(ctx context.Context, cr *changerequest.ChangeRequest) error {
	snapshot := cr.Clone()

	d.mu.Lock()
	prev := d.records[snapshot.ID]
	d.mu.Unlock()

	if err := d.audit(ctx, prev, snapshot); err != nil {
		return err
	}

	d.mu.Lock()
	d.records[snapshot.ID] = snapshot
	d.mu.Unlock()

	return d.checkpoint(ctx)
}

func (d *Dispatcher) audit(ctx context.Context, prev, cur *changerequest.ChangeRequest) error {
	start := 0
	if prev != nil {
		start = len(prev.History)
	}
	for _, tr := range cur.History[min(start, len(cur.History)):] {
		rec := &persistence.TransitionRecord{
			ChangeRequestID: cur.ID,
			ClusterID:       cur.ClusterID,
			From:            string(tr.From),
			To:              string(tr.To),
			Reason:          tr.Reason,
			CreatedAt:       tr.At,
		}
		if err := d.deps.Ops.AppendTransition(context.WithoutCancel(ctx), rec); err != nil {
			return fmt.Errorf("audit trail: %w", err)
		}
		d.deps.Recorder.ObserveTransition(rec.From, rec.To)
	}
	return nil
}

// checkpoint writes the current state. Consecutive failures beyond the limit enter safe mode.
func (d *Dispatcher) checkpoint(ctx context.Context) error {
	d.saveMu.Lock()
	defer d.saveMu.Unlock()

	_, err := d.deps.Checkpoints.Save(context.WithoutCancel(ctx), d.snapshot())
	if err != nil {
		d.ckptFailures++
		d.logger.Error("checkpoint failed (%d consecutive): %v", d.ckptFailures, err)
		if d.ckptFailures >= d.cfg.CheckpointFailureLimit {
			d.deps.SafeMode.Enter(fmt.Sprintf("%d consecutive checkpoint failures: %v", d.ckptFailures, err))
		}
		return err
	}
	d.ckptFailures = 0
	return nil
}

func (d *Dispatcher) snapshot() checkpoint.Snapshot {
	d.mu.Lock()
	crs := make([]*changerequest.ChangeRequest, 0, len(d.records))
	for _, cr := range d.records {
		crs = append(crs, cr.Clone())
	}
	d.mu.Unlock()
	sort.Slice(crs, func(i, j int) bool {
		if !crs[i].CreatedAt.Equal(crs[j].CreatedAt) {
			return crs[i].CreatedAt.Before(crs[j].CreatedAt)
		}
		return crs[i].ID < crs[j].ID
	})

	active, reason, _ := d.deps.SafeMode.State()
	return checkpoint.Snapshot{
		Queue:          d.deps.Queue.Snapshot(),
		ChangeRequests: crs,
		Clusters:       d.deps.Clusters.Snapshot(),
		DeadLetters:    d.deps.Clusters.DeadLetters(),
		Slots:          d.deps.Limiter.Slots(),
		SafeMode:       active,
		SafeModeReason: reason,
	}
}

// ChangeRequest returns a copy of the last recorded state of an active change request.
func (d *Dispatcher) ChangeRequest(id string) (*changerequest.ChangeRequest, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	cr, ok := d.records[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownChangeRequest, id)
	}
	return cr.Clone(), nil
}

// ExitSafeMode resets every breaker and resumes admission.
func (d *Dispatcher) ExitSafeMode(ctx context.Context) error {
	d.deps.Gateway.ResetBreakers()
	d.saveMu.Lock()
	d.ckptFailures = 0
	d.saveMu.Unlock()
	d.deps.SafeMode.Exit()
	if err := d.checkpoint(ctx); err != nil {
		return err
	}
	d.poke()
	return nil
}
