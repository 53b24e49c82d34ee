// Package changerequest drives one approved cluster from code generation to merge.
//
// The lifecycle is
//
//	generating -> validating -> pending_review -> approved -> merged
//	                            pending_review -> rejected -> halted
//
// with awaiting_deletion_approval as a sub-state of generating, and halted reachable from every
// non-terminal state. merged and halted are terminal. Transitions are appended to History and
// never rewritten.
package changerequest

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"ford/pkg/capability"
	"ford/pkg/validation"
)

// State is a change request lifecycle state.
type State string

const (
	StateGenerating               State = "generating"
	StateAwaitingDeletionApproval State = "awaiting_deletion_approval"
	StateValidating               State = "validating"
	StatePendingReview            State = "pending_review"
	StateApproved                 State = "approved"
	StateRejected                 State = "rejected"
	StateMerged                   State = "merged"
	StateHalted                   State = "halted"
)

// transitions lists the allowed successors of each state. Terminal states have none.
var transitions = map[State][]State{
	StateGenerating:               {StateAwaitingDeletionApproval, StateValidating, StateHalted},
	StateAwaitingDeletionApproval: {StateValidating, StateHalted},
	StateValidating:               {StatePendingReview, StateHalted},
	StatePendingReview:            {StateApproved, StateRejected, StateHalted},
	StateApproved:                 {StateMerged, StateHalted},
	StateRejected:                 {StateHalted},
}

// MergedReasonFormat is the audit reason of the merged transition. The PR number can be read back
// from it.
const MergedReasonFormat = "merged pull request #%d"

// IsTerminal reports whether s is never left.
func (s State) IsTerminal() bool { return s == StateMerged || s == StateHalted }

// IsValid reports whether s is a known state.
func (s State) IsValid() bool {
	_, ok := transitions[s]
	return ok || s.IsTerminal()
}

// CanTransition reports whether from -> to is in the lifecycle graph.
func CanTransition(from, to State) bool {
	return slices.Contains(transitions[from], to)
}

// ErrInvalidTransition is returned for transitions outside the lifecycle graph.
var ErrInvalidTransition = errors.New("invalid change request transition")

// Phase records progress inside generating, so a resumed change request skips finished work.
type Phase string

const (
	PhaseStart          Phase = ""
	PhaseTestsApplied   Phase = "tests_applied"
	PhaseTestsConfirmed Phase = "tests_confirmed"
	PhaseFixGenerated   Phase = "fix_generated"
)

// SignalKind names the human decision a change request waits for.
type SignalKind string

const (
	AwaitDeletionApproval SignalKind = "deletion_approval"
	AwaitReview           SignalKind = "review"
)

// Awaiting is the durable marker of a suspended change request. Token resumes it.
type Awaiting struct {
	Kind  SignalKind `json:"kind"`
	Token string     `json:"token"`
	Since time.Time  `json:"since"`
}

// Transition is one audit trail entry.
type Transition struct {
	From   State     `json:"from"`
	To     State     `json:"to"`
	Reason string    `json:"reason,omitempty"`
	At     time.Time `json:"at"`
}

// ChangeRequest tracks one proposed code change. It references its cluster by id.
type ChangeRequest struct {
	ID        string `json:"id"`
	ClusterID string `json:"cluster_id"`

	IssueNumber int    `json:"issue_number,omitempty"`
	IssueURL    string `json:"issue_url,omitempty"`
	Title       string `json:"title"`
	Branch      string `json:"branch,omitempty"`
	PRNumber    int    `json:"pr_number,omitempty"`
	PRURL       string `json:"pr_url,omitempty"`

	State State `json:"state"`
	Phase Phase `json:"phase,omitempty"`

	Reasoning      string                  `json:"reasoning,omitempty"`
	ImpactAnalysis string                  `json:"impact_analysis,omitempty"`
	TestCases      []string                `json:"test_cases,omitempty"`
	Tests          []capability.FileChange `json:"tests,omitempty"`
	Fix            []capability.FileChange `json:"fix,omitempty"`
	FailureOutput  string                  `json:"failure_output,omitempty"`
	DeletedLines   int                     `json:"deleted_lines"`
	// DeletionApproved is set by an explicit human signal.
	DeletionApproved bool `json:"deletion_approved"`

	Report        *validation.Report `json:"report,omitempty"`
	ReviewerID    string             `json:"reviewer_id,omitempty"`
	ReviewerNotes string             `json:"reviewer_notes,omitempty"`

	HaltKind   string `json:"halt_kind,omitempty"`
	HaltReason string `json:"halt_reason,omitempty"`

	Awaiting *Awaiting    `json:"awaiting,omitempty"`
	History  []Transition `json:"history"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// New creates a change request in generating.
func New(id, clusterID, title string, now time.Time) *ChangeRequest {
	return &ChangeRequest{
		ID:        id,
		ClusterID: clusterID,
		Title:     title,
		State:     StateGenerating,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// TransitionTo moves to next and appends the audit entry.
func (cr *ChangeRequest) TransitionTo(next State, reason string, now time.Time) error {
	if !CanTransition(cr.State, next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, cr.State, next)
	}
	cr.History = append(cr.History, Transition{From: cr.State, To: next, Reason: reason, At: now})
	cr.State = next
	cr.Awaiting = nil
	cr.UpdatedAt = now
	return nil
}

// Halt moves to halted with kind and reason. Halting a terminal request is an error.
func (cr *ChangeRequest) Halt(kind, reason string, now time.Time) error {
	if err := cr.TransitionTo(StateHalted, reason, now); err != nil {
		return err
	}
	cr.HaltKind = kind
	cr.HaltReason = reason
	return nil
}

// Await records that the request is suspended waiting for kind.
func (cr *ChangeRequest) Await(kind SignalKind, token string, now time.Time) {
	cr.Awaiting = &Awaiting{Kind: kind, Token: token, Since: now}
	cr.UpdatedAt = now
}

// IsAwaiting reports whether the request waits for kind.
func (cr *ChangeRequest) IsAwaiting(kind SignalKind) bool {
	return cr.Awaiting != nil && cr.Awaiting.Kind == kind
}

// IsTerminal reports whether the request reached merged or halted.
func (cr *ChangeRequest) IsTerminal() bool { return cr.State.IsTerminal() }

// Clone returns a deep copy.
func (cr *ChangeRequest) Clone() *ChangeRequest {
	out := *cr
	out.TestCases = slices.Clone(cr.TestCases)
	out.Tests = slices.Clone(cr.Tests)
	out.Fix = slices.Clone(cr.Fix)
	out.History = slices.Clone(cr.History)
	if cr.Awaiting != nil {
		a := *cr.Awaiting
		out.Awaiting = &a
	}
	if cr.Report != nil {
		r := *cr.Report
		r.Stages = slices.Clone(cr.Report.Stages)
		out.Report = &r
	}
	return &out
}
