package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"ford/pkg/changerequest"
	"ford/pkg/feedback"
	"ford/pkg/logx"
	"ford/pkg/persistence"
)

// IngestRequest is the payload of an ingest signal.
type IngestRequest struct {
	Items []feedback.Item `json:"items"`
}

// ClusterDecision is the payload of approve_cluster and reject_cluster.
type ClusterDecision struct {
	// Scope lists directories, relative to the workspace, the change may write to.
	Scope []string `json:"scope,omitempty"`
}

// DeletionDecision is the payload of approve_deletion and deny_deletion.
type DeletionDecision struct {
	Token  string `json:"token,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// ReviewDecision is the payload of approve_review and reject_review.
type ReviewDecision struct {
	Token    string `json:"token,omitempty"`
	Reviewer string `json:"reviewer"`
	Notes    string `json:"notes,omitempty"`
}

// CancelRequest is the payload of a cancel signal.
type CancelRequest struct {
	Reason string `json:"reason"`
}

const signalBatch = 100

func (d *Dispatcher) signalLoop(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.SignalPollInterval)
	defer ticker.Stop()

	for {
		d.DrainSignals(ctx)
		select {
		case <-ctx.Done():
			d.logger.Info("Signal loop stopped by context")
			return
		case <-ticker.C:
		case <-d.signalKick:
		}
	}
}

// DrainSignals applies every pending signal once, oldest first. Signals whose target is not yet
// ready stay pending.
func (d *Dispatcher) DrainSignals(ctx context.Context) {
	sigs, err := d.deps.Ops.PendingSignals(ctx, signalBatch)
	if err != nil {
		if ctx.Err() == nil {
			d.logger.Error("failed to read signal inbox: %v", err)
		}
		return
	}
	for _, sig := range sigs {
		if ctx.Err() != nil {
			return
		}
		err := d.applySignal(ctx, sig)
		switch {
		case errors.Is(err, errDeferred):
			logx.Debug(ctx, "signals", "signal %s %s(%s) deferred", sig.ID, sig.Kind, sig.Target)
			continue
		case ctx.Err() != nil:
			return
		case err != nil:
			d.logger.Warn("signal %s %s(%s) rejected: %v", sig.ID, sig.Kind, sig.Target, err)
			err = d.deps.Ops.ResolveSignal(ctx, sig.ID, persistence.SignalRejected, err.Error())
		default:
			d.logger.Info("signal %s %s(%s) applied", sig.ID, sig.Kind, sig.Target)
			err = d.deps.Ops.ResolveSignal(ctx, sig.ID, persistence.SignalApplied, "")
		}
		if err != nil {
			d.logger.Error("failed to resolve signal %s: %v", sig.ID, err)
		}
	}
}

func (d *Dispatcher) applySignal(ctx context.Context, sig *persistence.Signal) error {
	switch sig.Kind {
	case persistence.SignalIngest:
		var req IngestRequest
		if err := decodePayload(sig, &req); err != nil {
			return err
		}
		_, err := d.Ingest(ctx, req.Items)
		return err

	case persistence.SignalApproveCluster:
		var req ClusterDecision
		if err := decodePayload(sig, &req); err != nil {
			return err
		}
		return d.ApproveCluster(ctx, sig.Target, req.Scope)

	case persistence.SignalRejectCluster:
		return d.RejectCluster(ctx, sig.Target)

	case persistence.SignalApproveDeletion, persistence.SignalDenyDeletion:
		var req DeletionDecision
		if err := decodePayload(sig, &req); err != nil {
			return err
		}
		return d.DecideDeletion(ctx, sig.Target, sig.Kind == persistence.SignalApproveDeletion, req)

	case persistence.SignalApproveReview, persistence.SignalRejectReview:
		var req ReviewDecision
		if err := decodePayload(sig, &req); err != nil {
			return err
		}
		return d.Review(ctx, sig.Target, sig.Kind == persistence.SignalApproveReview, req)

	case persistence.SignalCancel:
		var req CancelRequest
		if err := decodePayload(sig, &req); err != nil {
			return err
		}
		return d.Cancel(ctx, sig.Target, req.Reason)

	case persistence.SignalRequeue:
		return d.Requeue(ctx, sig.Target)

	case persistence.SignalExitSafeMode:
		return d.ExitSafeMode(ctx)

	default:
		return fmt.Errorf("%w: %q", persistence.ErrUnknownSignal, sig.Kind)
	}
}

func decodePayload(sig *persistence.Signal, v any) error {
	if len(sig.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(sig.Payload, v); err != nil {
		return fmt.Errorf("invalid %s payload: %w", sig.Kind, err)
	}
	return nil
}

// ApproveCluster passes the cluster gate: the cluster is frozen, restricted to scope and queued.
func (d *Dispatcher) ApproveCluster(ctx context.Context, clusterID string, scope []string) error {
	cleaned, err := cleanScope(scope)
	if err != nil {
		return err
	}
	cl, err := d.deps.Clusters.Update(clusterID, func(c *feedback.Cluster) error {
		if c.Status != feedback.ClusterPending {
			return fmt.Errorf("%w: %s is %s", ErrClusterDecided, c.ID, c.Status)
		}
		c.Scope = cleaned
		return c.Transition(feedback.ClusterApproved, d.now())
	})
	if err != nil {
		return err
	}
	if err := d.deps.Queue.Enqueue(cl); err != nil {
		return fmt.Errorf("enqueue %s: %w", cl.ID, err)
	}
	d.logger.Info("cluster %s approved (severity %.1f, scope %v)", cl.ID, cl.AverageSeverity, cl.Scope)
	d.afterSignal(ctx)
	return nil
}

// RejectCluster finalizes the cluster as rejected.
func (d *Dispatcher) RejectCluster(ctx context.Context, clusterID string) error {
	_, err := d.deps.Clusters.Update(clusterID, func(c *feedback.Cluster) error {
		if c.Status != feedback.ClusterPending {
			return fmt.Errorf("%w: %s is %s", ErrClusterDecided, c.ID, c.Status)
		}
		return c.Transition(feedback.ClusterRejected, d.now())
	})
	if err != nil {
		return err
	}
	d.logger.Info("cluster %s rejected", clusterID)
	d.afterSignal(ctx)
	return nil
}

// Requeue puts an approved cluster whose change request ended back in the queue.
func (d *Dispatcher) Requeue(ctx context.Context, clusterID string) error {
	cl, err := d.deps.Clusters.Get(clusterID)
	if err != nil {
		return err
	}
	if cl.Status != feedback.ClusterApproved {
		return fmt.Errorf("cluster %s is %s, only approved clusters can be re-queued", cl.ID, cl.Status)
	}
	if cl.ChangeRequestID != "" {
		return fmt.Errorf("%w: %s", ErrClusterBusy, cl.ChangeRequestID)
	}
	if err := d.deps.Queue.Requeue(cl.ID, cl.AverageSeverity); err != nil {
		return fmt.Errorf("requeue %s: %w", cl.ID, err)
	}
	d.logger.Info("cluster %s re-queued", cl.ID)
	d.afterSignal(ctx)
	return nil
}

// DecideDeletion answers a large-deletion approval request.
func (d *Dispatcher) DecideDeletion(ctx context.Context, crID string, approve bool, req DeletionDecision) error {
	return d.withIdle(ctx, crID, func(cr *changerequest.ChangeRequest) error {
		return d.driver.DecideDeletion(ctx, cr, approve, req.Token, req.Reason)
	})
}

// Review records the reviewer decision on the pull request.
func (d *Dispatcher) Review(ctx context.Context, crID string, approve bool, req ReviewDecision) error {
	return d.withIdle(ctx, crID, func(cr *changerequest.ChangeRequest) error {
		if err := d.driver.Review(ctx, cr, approve, req.Token, req.Reviewer, req.Notes); err != nil {
			return err
		}
		d.deps.Limiter.Unpark(cr.ID)
		return nil
	})
}

// withIdle runs fn on an active change request that is not currently running. A request that is
// running, or not yet waiting for the decision, defers the signal.
func (d *Dispatcher) withIdle(ctx context.Context, crID string, fn func(cr *changerequest.ChangeRequest) error) error {
	d.mu.Lock()
	f, ok := d.flights[crID]
	if !ok {
		d.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownChangeRequest, crID)
	}
	if f.busy || f.cancelling {
		d.mu.Unlock()
		return errDeferred
	}
	f.busy = true
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		f.busy = false
		d.mu.Unlock()
		d.poke()
	}()

	f.mu.Lock()
	defer f.mu.Unlock()

	err := fn(f.cr)
	if errors.Is(err, changerequest.ErrNotAwaiting) {
		return errDeferred
	}
	if err != nil {
		return err
	}
	if f.cr.IsTerminal() {
		d.finishHalted(ctx, f.cr)
	}
	return nil
}

// Cancel halts a change request from any non-terminal state, interrupting it if it is running.
func (d *Dispatcher) Cancel(ctx context.Context, crID, reason string) error {
	d.mu.Lock()
	f, ok := d.flights[crID]
	if !ok {
		d.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownChangeRequest, crID)
	}
	if f.cancelling {
		d.mu.Unlock()
		return errDeferred
	}
	f.cancelling = true
	cancel := f.cancel
	d.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	defer func() {
		d.mu.Lock()
		f.cancelling = false
		d.mu.Unlock()
	}()

	if err := d.driver.Cancel(ctx, f.cr, reason); err != nil {
		return err
	}
	d.finishHalted(ctx, f.cr)
	return nil
}

func (d *Dispatcher) afterSignal(ctx context.Context) {
	if err := d.checkpoint(ctx); err != nil {
		d.logger.Warn("checkpoint after signal failed: %v", err)
	}
	d.poke()
}

func cleanScope(scope []string) ([]string, error) {
	out := make([]string, 0, len(scope))
	for _, s := range scope {
		s = filepath.Clean(s)
		if s == "." {
			continue
		}
		if !filepath.IsLocal(s) {
			return nil, fmt.Errorf("%w: %q", ErrInvalidScope, s)
		}
		out = append(out, s)
	}
	return out, nil
}
