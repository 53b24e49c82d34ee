package persistence

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// CheckpointRecord is one stored checkpoint. Payload is the JSON snapshot; Checksum covers it.
type CheckpointRecord struct {
	CreatedAt time.Time `json:"created_at"`
	ID        string    `json:"id"`
	Checksum  string    `json:"checksum"`
	Payload   []byte    `json:"payload"`
	Seq       int64     `json:"seq"`
}

// Ledger entry statuses.
const (
	LedgerSent    = "sent"
	LedgerFailed  = "failed"
	LedgerSkipped = "skipped"
)

// LedgerEntry records one notification attempt for a feedback item about a merged PR.
type LedgerEntry struct {
	CreatedAt  time.Time `json:"created_at"`
	ID         string    `json:"id"`
	FeedbackID string    `json:"feedback_id"`
	Status     string    `json:"status"`
	Detail     string    `json:"detail,omitempty"`
	PRNumber   int       `json:"pr_number"`
}

// TransitionRecord is one row of the append-only ChangeRequest audit trail.
type TransitionRecord struct {
	CreatedAt       time.Time `json:"created_at"`
	ChangeRequestID string    `json:"change_request_id"`
	ClusterID       string    `json:"cluster_id"`
	From            string    `json:"from"`
	To              string    `json:"to"`
	Reason          string    `json:"reason,omitempty"`
}

// Signal statuses.
const (
	SignalPending  = "pending"
	SignalApplied  = "applied"
	SignalRejected = "rejected"
)

// Signal kinds accepted by the dispatcher.
const (
	SignalIngest          = "ingest"
	SignalApproveCluster  = "approve_cluster"
	SignalRejectCluster   = "reject_cluster"
	SignalApproveDeletion = "approve_deletion"
	SignalDenyDeletion    = "deny_deletion"
	SignalApproveReview   = "approve_review"
	SignalRejectReview    = "reject_review"
	SignalCancel          = "cancel"
	SignalRequeue         = "requeue"
	SignalExitSafeMode    = "exit_safe_mode"
)

// SignalKinds lists every known signal kind.
func SignalKinds() []string {
	return []string{
		SignalIngest, SignalApproveCluster, SignalRejectCluster,
		SignalApproveDeletion, SignalDenyDeletion, SignalApproveReview, SignalRejectReview,
		SignalCancel, SignalRequeue, SignalExitSafeMode,
	}
}

// Signal is a durable instruction from a human or the CLI. Target is a cluster or ChangeRequest id.
type Signal struct {
	CreatedAt   time.Time       `json:"created_at"`
	ProcessedAt *time.Time      `json:"processed_at,omitempty"`
	ID          string          `json:"id"`
	Kind        string          `json:"kind"`
	Target      string          `json:"target,omitempty"`
	Status      string          `json:"status"`
	Error       string          `json:"error,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

// DeadLetterRecord is a feedback item that could not be processed.
type DeadLetterRecord struct {
	ParkedAt    time.Time       `json:"parked_at"`
	ItemID      string          `json:"item_id"`
	Stage       string          `json:"stage"`
	Reason      string          `json:"reason"`
	Item        json.RawMessage `json:"item"`
	ParkedCount int             `json:"parked_count"`
}

// NewID returns a fresh identifier for stored records.
func NewID() string {
	return uuid.New().String()
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
