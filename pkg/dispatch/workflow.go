package dispatch

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"ford/pkg/capability"
	"ford/pkg/changerequest"
	"ford/pkg/feedback"
	"ford/pkg/queue"
	"ford/pkg/resilience"
)

func (d *Dispatcher) admissionLoop(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.AdmissionInterval)
	defer ticker.Stop()

	for {
		d.tick(ctx)
		select {
		case <-ctx.Done():
			d.logger.Info("Admission loop stopped by context")
			return
		case <-ticker.C:
		case <-d.kick:
		}
	}
}

// tick resumes runnable workflows, then admits queued clusters while slots are free.
func (d *Dispatcher) tick(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if time.Since(d.lastPrune) >= d.cfg.PruneInterval {
		d.lastPrune = time.Now()
		if _, err := d.deps.Checkpoints.Prune(ctx); err != nil {
			d.logger.Warn("checkpoint pruning failed: %v", err)
		}
	}
	if d.deps.SafeMode.Active() {
		return
	}

	for _, id := range d.runnable() {
		d.launch(ctx, id)
	}

	for d.deps.Limiter.Available() > 0 && !d.deps.SafeMode.Active() {
		entry, ok := d.deps.Queue.Dequeue()
		if !ok {
			return
		}
		d.admit(ctx, entry)
	}
}

// runnable lists change requests that are idle and not waiting for a human.
func (d *Dispatcher) runnable() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	var ids []string
	for id, f := range d.flights {
		if f.busy || f.cancelling {
			continue
		}
		rec, ok := d.records[id]
		if !ok || rec.IsTerminal() || needsSignal(rec) {
			continue
		}
		ids = append(ids, id)
	}
	return ids
}

// needsSignal reports whether cr cannot progress without a human decision.
func needsSignal(cr *changerequest.ChangeRequest) bool {
	if cr.Awaiting == nil {
		return false
	}
	return !(cr.Awaiting.Kind == changerequest.AwaitDeletionApproval && cr.DeletionApproved)
}

// admit opens a change request for a dequeued cluster and starts its workflow.
func (d *Dispatcher) admit(ctx context.Context, entry queue.Entry) {
	cl, err := d.deps.Clusters.Get(entry.ClusterID)
	if err != nil || cl.Status != feedback.ClusterApproved {
		d.logger.Warn("dropping queued cluster %s: not approved or unknown", entry.ClusterID)
		d.deps.Queue.Complete(entry.ClusterID)
		return
	}

	id := uuid.NewString()
	if err := d.deps.Limiter.Reserve(id, cl.ID); err != nil {
		if rerr := d.deps.Queue.Requeue(cl.ID, entry.Severity); rerr != nil {
			d.logger.Error("failed to requeue cluster %s: %v", cl.ID, rerr)
		}
		return
	}

	cr, err := d.driver.OpenAs(ctx, id, cl)
	if err != nil {
		d.logger.Error("failed to open change request for cluster %s: %v", cl.ID, err)
		d.mu.Lock()
		delete(d.records, id)
		d.mu.Unlock()
		d.deps.Limiter.Release(id)
		if rerr := d.deps.Queue.Requeue(cl.ID, entry.Severity); rerr != nil {
			d.logger.Error("failed to requeue cluster %s: %v", cl.ID, rerr)
		}
		return
	}

	if _, err := d.deps.Clusters.Update(cl.ID, func(c *feedback.Cluster) error {
		c.ChangeRequestID = cr.ID
		c.UpdatedAt = d.now()
		return nil
	}); err != nil {
		d.logger.Warn("failed to link cluster %s to %s: %v", cl.ID, cr.ID, err)
	}

	d.mu.Lock()
	d.flights[cr.ID] = &flight{cr: cr}
	d.mu.Unlock()

	d.logger.Info("admitted cluster %s (severity %.1f) as change request %s", cl.ID, entry.Severity, cr.ID)
	d.launch(ctx, cr.ID)
}

func (d *Dispatcher) launch(ctx context.Context, id string) {
	d.mu.Lock()
	f, ok := d.flights[id]
	if !ok || f.busy || f.cancelling || d.group == nil {
		d.mu.Unlock()
		return
	}
	f.busy = true
	g := d.group
	d.mu.Unlock()

	g.Go(func() error {
		d.runWorkflow(ctx, f)
		return nil
	})
}

func (d *Dispatcher) runWorkflow(ctx context.Context, f *flight) {
	defer func() {
		d.mu.Lock()
		f.busy = false
		f.cancel = nil
		d.mu.Unlock()
		d.poke()
	}()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	d.mu.Lock()
	if f.cancelling {
		d.mu.Unlock()
		return
	}
	f.cancel = cancel
	d.mu.Unlock()

	f.mu.Lock()
	defer f.mu.Unlock()

	cl, err := d.deps.Clusters.Get(f.cr.ClusterID)
	if err != nil {
		if cerr := d.driver.Cancel(ctx, f.cr, "owning cluster is gone"); cerr == nil {
			d.finishHalted(ctx, f.cr)
		}
		return
	}

	outcome, err := d.driver.Run(runCtx, f.cr, cl)
	d.settle(ctx, f.cr, outcome, err)
}

// settle applies the consequences of a Run. The caller holds the flight lock.
func (d *Dispatcher) settle(ctx context.Context, cr *changerequest.ChangeRequest, outcome changerequest.Outcome, err error) {
	switch outcome {
	case changerequest.OutcomeMerged:
		d.finishMerged(ctx, cr)
	case changerequest.OutcomeHalted:
		d.finishHalted(ctx, cr)
	default:
		if err != nil && !errors.Is(err, context.Canceled) {
			d.logger.Warn("[%s] suspended in %s: %v", cr.ID, cr.State, err)
		}
		if cr.IsAwaiting(changerequest.AwaitReview) {
			d.deps.Limiter.Park(cr.ID)
		}
	}
}

func (d *Dispatcher) finishMerged(ctx context.Context, cr *changerequest.ChangeRequest) {
	cl, err := d.deps.Clusters.Update(cr.ClusterID, func(c *feedback.Cluster) error {
		c.ChangeRequestID = ""
		if c.Status == feedback.ClusterImplemented {
			return nil
		}
		return c.Transition(feedback.ClusterImplemented, d.now())
	})
	d.release(cr)
	if err != nil {
		d.logger.Error("[%s] merged but cluster %s could not be marked implemented: %v", cr.ID, cr.ClusterID, err)
	} else if d.deps.Notifier != nil {
		pr := capability.PullRequest{Number: cr.PRNumber, URL: cr.PRURL, Merged: true}
		if _, err := d.deps.Notifier.Notify(context.WithoutCancel(ctx), cl, pr); err != nil {
			d.logger.Error("[%s] notification step failed: %v", cr.ID, err)
		}
	}
	if err := d.checkpoint(ctx); err != nil {
		d.logger.Warn("[%s] checkpoint after merge failed: %v", cr.ID, err)
	}
}

func (d *Dispatcher) finishHalted(ctx context.Context, cr *changerequest.ChangeRequest) {
	if _, err := d.deps.Clusters.Update(cr.ClusterID, func(c *feedback.Cluster) error {
		if c.ChangeRequestID == cr.ID {
			c.ChangeRequestID = ""
		}
		return nil
	}); err != nil {
		d.logger.Warn("[%s] failed to unlink cluster %s: %v", cr.ID, cr.ClusterID, err)
	}
	d.release(cr)

	switch cr.HaltKind {
	case resilience.KindSecurity.String(), resilience.KindPermanent.String():
		if d.deps.Alerter != nil {
			d.deps.Alerter.Alert(context.WithoutCancel(ctx), "change request "+cr.ID+" halted ("+cr.HaltKind+")", cr.HaltReason)
		}
	}
	if err := d.checkpoint(ctx); err != nil {
		d.logger.Warn("[%s] checkpoint after halt failed: %v", cr.ID, err)
	}
}

// finish completes a change request that reached a terminal state.
func (d *Dispatcher) finish(ctx context.Context, cr *changerequest.ChangeRequest) {
	if cr.State == changerequest.StateMerged {
		d.finishMerged(ctx, cr)
		return
	}
	d.finishHalted(ctx, cr)
}

// release frees everything a terminal change request held.
func (d *Dispatcher) release(cr *changerequest.ChangeRequest) {
	d.deps.Queue.Complete(cr.ClusterID)
	d.deps.Limiter.Release(cr.ID)
	d.mu.Lock()
	delete(d.flights, cr.ID)
	delete(d.records, cr.ID)
	d.mu.Unlock()
}
