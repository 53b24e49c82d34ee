package changerequest

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ford/pkg/capability"
)

var allStates = []State{
	StateGenerating, StateAwaitingDeletionApproval, StateValidating, StatePendingReview,
	StateApproved, StateRejected, StateMerged, StateHalted,
}

func TestTransitionGraph(t *testing.T) {
	allowed := map[[2]State]bool{
		{StateGenerating, StateAwaitingDeletionApproval}: true,
		{StateGenerating, StateValidating}:               true,
		{StateAwaitingDeletionApproval, StateValidating}: true,
		{StateValidating, StatePendingReview}:            true,
		{StatePendingReview, StateApproved}:              true,
		{StatePendingReview, StateRejected}:              true,
		{StateApproved, StateMerged}:                     true,
		{StateRejected, StateHalted}:                     true,
	}
	for _, from := range allStates {
		if !from.IsTerminal() {
			allowed[[2]State{from, StateHalted}] = true
		}
	}

	for _, from := range allStates {
		for _, to := range allStates {
			assert.Equal(t, allowed[[2]State{from, to}], CanTransition(from, to), "%s -> %s", from, to)
		}
	}
}

func TestTerminalStatesAreNeverLeft(t *testing.T) {
	now := time.Now()
	for _, terminal := range []State{StateMerged, StateHalted} {
		cr := &ChangeRequest{ID: "cr", State: terminal}
		for _, to := range allStates {
			err := cr.TransitionTo(to, "", now)
			assert.ErrorIs(t, err, ErrInvalidTransition)
			assert.Equal(t, terminal, cr.State)
		}
	}
}

func TestTransitionAppendsHistory(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	cr := New("cr", "cl", "title", now)
	cr.Await(AwaitReview, "tok", now)

	require.NoError(t, cr.TransitionTo(StateValidating, "applied", now))
	require.NoError(t, cr.TransitionTo(StatePendingReview, "passed", now))
	assert.Nil(t, cr.Awaiting)
	assert.Equal(t, []Transition{
		{From: StateGenerating, To: StateValidating, Reason: "applied", At: now},
		{From: StateValidating, To: StatePendingReview, Reason: "passed", At: now},
	}, cr.History)

	// Skipping a state is rejected.
	assert.ErrorIs(t, cr.TransitionTo(StateMerged, "", now), ErrInvalidTransition)
}

func TestCloneIsDeep(t *testing.T) {
	cr := New("cr", "cl", "title", time.Now())
	cr.Fix = []capability.FileChange{{Path: "a"}}
	cr.Await(AwaitReview, "tok", time.Now())

	c := cr.Clone()
	c.Fix[0].Path = "b"
	c.Awaiting.Token = "other"
	assert.Equal(t, "a", cr.Fix[0].Path)
	assert.Equal(t, "tok", cr.Awaiting.Token)
}

func TestSlug(t *testing.T) {
	tests := []struct {
		title string
		max   int
		want  string
	}{
		{"Crash on save", 40, "crash-on-save"},
		{"[bug]  App CRASHES!!! when saving...", 40, "bug-app-crashes-when-saving"},
		{"  --leading and trailing--  ", 40, "leading-and-trailing"},
		{"Überlauf in Zeile 3", 40, "berlauf-in-zeile-3"},
		{"a very long title that keeps going and going", 20, "a-very-long-title-th"},
		{"cut at a hyphen boundary", 7, "cut-at"},
		{"!!!", 40, "change"},
	}
	for _, tt := range tests {
		t.Run(tt.title, func(t *testing.T) {
			got := Slug(tt.title, tt.max)
			assert.Equal(t, tt.want, got)
			assert.LessOrEqual(t, len(got), tt.max)
		})
	}
}

func TestSlugIsDeterministic(t *testing.T) {
	assert.Equal(t, Slug("Same Title", 40), Slug("Same Title", 40))
}

func TestBranchName(t *testing.T) {
	assert.Equal(t, "ford/issue-42-bug-crash-on-save", BranchName(42, "[bug] Crash on save", 40))
	assert.Regexp(t, `^ford/issue-\d+-[a-z0-9]+(-[a-z0-9]+)*$`, BranchName(7, "Ünïcode & symbols #1", 40))
}

func TestCountDeletedLines(t *testing.T) {
	originals := map[string]string{
		"gone.go":    "a\nb\nc\n",
		"edit.go":    "keep\ndrop\nkeep\n",
		"append.go":  "x\n",
		"ignored.go": "unchanged\n",
	}
	changes := []capability.FileChange{
		{Path: "gone.go", Delete: true},
		{Path: "edit.go", Content: "keep\nkeep\nnew\n"},
		{Path: "append.go", Content: "x\ny\n"},
		{Path: "new.go", Content: "fresh\n"},
	}
	assert.Equal(t, 4, CountDeletedLines(changes, originals))
}
