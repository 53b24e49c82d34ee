package dispatch

import (
	"context"
	"errors"
	"fmt"

	"ford/pkg/changerequest"
	"ford/pkg/checkpoint"
	"ford/pkg/feedback"
	"ford/pkg/limiter"
	"ford/pkg/persistence"
	"ford/pkg/resilience"
)

// Restore loads the latest checkpoint into the in-memory components. Every non-terminal change
// request resumes at its recorded state once the dispatcher starts. A change request that turned
// terminal before its cluster was settled is finished here, including the notification step.
// A corrupt latest checkpoint is an error: the service must not start from a state it cannot trust.
func (d *Dispatcher) Restore(ctx context.Context) error {
	cp, err := d.deps.Checkpoints.Latest(ctx)
	if errors.Is(err, checkpoint.ErrNoCheckpoint) {
		d.logger.Info("no checkpoint found, starting empty")
		return nil
	}
	if err != nil {
		return fmt.Errorf("restore: %w", err)
	}
	snap := cp.Snapshot

	d.deps.Clusters.Restore(snap.Clusters, snap.DeadLetters)
	d.deps.Queue.Restore(snap.Queue)

	slots := make([]limiter.Slot, 0, len(snap.ChangeRequests))
	var unfinished []*changerequest.ChangeRequest
	d.mu.Lock()
	for _, cr := range snap.ChangeRequests {
		d.records[cr.ID] = cr.Clone()
		if cr.IsTerminal() {
			unfinished = append(unfinished, cr.Clone())
			continue
		}
		d.flights[cr.ID] = &flight{cr: cr.Clone()}
		slots = append(slots, limiter.Slot{
			ChangeRequestID: cr.ID,
			ClusterID:       cr.ClusterID,
			ReservedAt:      cr.CreatedAt,
			Parked:          cr.IsAwaiting(changerequest.AwaitReview),
		})
	}
	d.mu.Unlock()
	d.deps.Limiter.Restore(slots)

	if snap.SafeMode {
		d.deps.SafeMode.Enter("restored from checkpoint: " + snap.SafeModeReason)
	}

	d.logger.Info("restored checkpoint %d from %s: %d change requests, %d queued clusters, %d clusters",
		cp.Seq, cp.CreatedAt.Format("2006-01-02T15:04:05Z07:00"), len(slots), len(snap.Queue.Entries), len(snap.Clusters))
	for _, s := range slots {
		d.logger.Info("[%s] will resume", s.ChangeRequestID)
	}

	for _, cr := range unfinished {
		d.logger.Info("[%s] finishing %s change request after restart", cr.ID, cr.State)
		d.finish(ctx, cr)
	}
	return d.reconcileLinks(ctx)
}

// reconcileLinks settles clusters that point at a change request the checkpoint does not hold.
// The audit trail decides: a merged request finishes as merged, anything else is halted.
func (d *Dispatcher) reconcileLinks(ctx context.Context) error {
	for _, cl := range d.deps.Clusters.Snapshot() {
		if cl.ChangeRequestID == "" || cl.Status != feedback.ClusterApproved {
			continue
		}
		d.mu.Lock()
		_, known := d.records[cl.ChangeRequestID]
		d.mu.Unlock()
		if known {
			continue
		}

		trail, err := d.deps.Ops.Transitions(ctx, cl.ChangeRequestID)
		if err != nil {
			return fmt.Errorf("restore: %w", err)
		}
		cr := fromTrail(cl, trail)
		if !cr.IsTerminal() {
			reason := fmt.Sprintf("no recorded state after restart (last seen %s)", cr.State)
			if err := d.deps.Ops.AppendTransition(ctx, &persistence.TransitionRecord{
				ChangeRequestID: cr.ID,
				ClusterID:       cl.ID,
				From:            string(cr.State),
				To:              string(changerequest.StateHalted),
				Reason:          reason,
				CreatedAt:       d.now(),
			}); err != nil {
				return fmt.Errorf("restore: %w", err)
			}
			cr.State = changerequest.StateHalted
			cr.HaltKind = resilience.KindPermanent.String()
			cr.HaltReason = reason
		}
		d.logger.Warn("[%s] cluster %s was still linked, finishing as %s from the audit trail", cr.ID, cl.ID, cr.State)
		d.finish(ctx, cr)
	}
	return nil
}

// fromTrail rebuilds the parts of a change request that finishing needs from its audit trail.
func fromTrail(cl *feedback.Cluster, trail []*persistence.TransitionRecord) *changerequest.ChangeRequest {
	cr := &changerequest.ChangeRequest{
		ID:        cl.ChangeRequestID,
		ClusterID: cl.ID,
		State:     changerequest.StateGenerating,
	}
	if len(trail) == 0 {
		return cr
	}
	last := trail[len(trail)-1]
	cr.State = changerequest.State(last.To)
	cr.CreatedAt = trail[0].CreatedAt
	cr.UpdatedAt = last.CreatedAt
	if cr.State == changerequest.StateMerged {
		_, _ = fmt.Sscanf(last.Reason, changerequest.MergedReasonFormat, &cr.PRNumber)
	}
	return cr
}
