package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ford/pkg/changerequest"
	"ford/pkg/checkpoint"
	"ford/pkg/feedback"
	"ford/pkg/persistence"
	"ford/pkg/queue"
	"ford/pkg/resilience/circuit"
)

// Status is a read-only view of the pipeline.
type Status struct {
	SafeMode       bool                  `json:"safe_mode" yaml:"safe_mode"`
	SafeModeReason string                `json:"safe_mode_reason,omitempty" yaml:"safe_mode_reason,omitempty"`
	Checkpoint     *CheckpointInfo       `json:"checkpoint,omitempty" yaml:"checkpoint,omitempty"`
	Queue          []queue.Entry         `json:"queue" yaml:"queue"`
	ChangeRequests []ChangeRequestStatus `json:"change_requests" yaml:"change_requests"`
	Clusters       []ClusterStatus       `json:"clusters" yaml:"clusters"`
	ActiveSlots    int                   `json:"active_slots" yaml:"active_slots"`
	Breakers       []circuit.Snapshot    `json:"breakers,omitempty" yaml:"breakers,omitempty"`
	DeadLetters    int                   `json:"dead_letters" yaml:"dead_letters"`
	PendingSignals []*persistence.Signal `json:"pending_signals,omitempty" yaml:"pending_signals,omitempty"`
}

// CheckpointInfo identifies the checkpoint a status was read from.
type CheckpointInfo struct {
	ID        string    `json:"id" yaml:"id"`
	Seq       int64     `json:"seq" yaml:"seq"`
	CreatedAt time.Time `json:"created_at" yaml:"created_at"`
}

// ChangeRequestStatus summarizes one active change request.
type ChangeRequestStatus struct {
	ID           string                  `json:"id" yaml:"id"`
	ClusterID    string                  `json:"cluster_id" yaml:"cluster_id"`
	Title        string                  `json:"title" yaml:"title"`
	State        changerequest.State     `json:"state" yaml:"state"`
	Phase        changerequest.Phase     `json:"phase,omitempty" yaml:"phase,omitempty"`
	Branch       string                  `json:"branch,omitempty" yaml:"branch,omitempty"`
	PRNumber     int                     `json:"pr_number,omitempty" yaml:"pr_number,omitempty"`
	DeletedLines int                     `json:"deleted_lines,omitempty" yaml:"deleted_lines,omitempty"`
	Awaiting     *changerequest.Awaiting `json:"awaiting,omitempty" yaml:"awaiting,omitempty"`
	UpdatedAt    time.Time               `json:"updated_at" yaml:"updated_at"`
}

// ClusterStatus summarizes one cluster.
type ClusterStatus struct {
	ID              string                 `json:"id" yaml:"id"`
	Status          feedback.ClusterStatus `json:"status" yaml:"status"`
	Category        feedback.Category      `json:"category" yaml:"category"`
	Size            int                    `json:"size" yaml:"size"`
	AverageSeverity float64                `json:"average_severity" yaml:"average_severity"`
	Theme           string                 `json:"theme" yaml:"theme"`
	ChangeRequestID string                 `json:"change_request_id,omitempty" yaml:"change_request_id,omitempty"`
}

// Status reports the live state.
func (d *Dispatcher) Status(ctx context.Context) (*Status, error) {
	st := statusFrom(d.snapshot())
	st.Breakers = d.deps.Gateway.Breakers()
	st.ActiveSlots = d.deps.Limiter.Active()
	pending, err := d.deps.Ops.PendingSignals(ctx, 0)
	if err != nil {
		return nil, err
	}
	st.PendingSignals = pending
	return st, nil
}

// StatusFromStore reads the status from the database alone. It works while the service is
// stopped or in safe mode.
func StatusFromStore(ctx context.Context, ops *persistence.DatabaseOperations) (*Status, error) {
	st := &Status{}
	cp, err := checkpoint.Latest(ctx, ops)
	switch {
	case errors.Is(err, checkpoint.ErrNoCheckpoint):
	case err != nil:
		return nil, fmt.Errorf("read checkpoint: %w", err)
	default:
		st = statusFrom(cp.Snapshot)
		st.Checkpoint = &CheckpointInfo{ID: cp.ID, Seq: cp.Seq, CreatedAt: cp.CreatedAt}
		for _, s := range cp.Snapshot.Slots {
			if !s.Parked {
				st.ActiveSlots++
			}
		}
	}

	dead, err := ops.DeadLetters(ctx)
	if err != nil {
		return nil, err
	}
	st.DeadLetters = len(dead)
	pending, err := ops.PendingSignals(ctx, 0)
	if err != nil {
		return nil, err
	}
	st.PendingSignals = pending
	return st, nil
}

func statusFrom(snap checkpoint.Snapshot) *Status {
	st := &Status{
		SafeMode:       snap.SafeMode,
		SafeModeReason: snap.SafeModeReason,
		Queue:          snap.Queue.Entries,
		DeadLetters:    len(snap.DeadLetters),
	}
	for _, cr := range snap.ChangeRequests {
		st.ChangeRequests = append(st.ChangeRequests, ChangeRequestStatus{
			ID:           cr.ID,
			ClusterID:    cr.ClusterID,
			Title:        cr.Title,
			State:        cr.State,
			Phase:        cr.Phase,
			Branch:       cr.Branch,
			PRNumber:     cr.PRNumber,
			DeletedLines: cr.DeletedLines,
			Awaiting:     cr.Awaiting,
			UpdatedAt:    cr.UpdatedAt,
		})
	}
	for _, cl := range snap.Clusters {
		st.Clusters = append(st.Clusters, ClusterStatus{
			ID:              cl.ID,
			Status:          cl.Status,
			Category:        cl.Category,
			Size:            cl.Size(),
			AverageSeverity: cl.AverageSeverity,
			Theme:           cl.Theme,
			ChangeRequestID: cl.ChangeRequestID,
		})
	}
	return st
}
