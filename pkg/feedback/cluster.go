package feedback

import (
	"errors"
	"fmt"
	"slices"
	"time"
)

// ClusterStatus is the lifecycle status of a cluster.
type ClusterStatus string

const (
	ClusterPending     ClusterStatus = "pending"
	ClusterApproved    ClusterStatus = "approved"
	ClusterRejected    ClusterStatus = "rejected"
	ClusterImplemented ClusterStatus = "implemented"
)

// clusterTransitions defines the allowed status changes. Only human gates and a merge drive them.
var clusterTransitions = map[ClusterStatus][]ClusterStatus{
	ClusterPending:  {ClusterApproved, ClusterRejected},
	ClusterApproved: {ClusterImplemented, ClusterPending},
	ClusterRejected: {ClusterPending},
}

// ErrClusterFrozen is returned when membership changes are attempted after finalization.
var ErrClusterFrozen = errors.New("cluster membership is frozen")

// Member is a cluster member with the scores the aggregates are computed from.
type Member struct {
	ItemID   string   `json:"item_id"`
	Severity float64  `json:"severity"`
	Category Category `json:"category"`
}

// Cluster groups items judged to concern the same underlying issue.
type Cluster struct {
	ID                   string        `json:"id"`
	Category             Category      `json:"category"`
	Members              []Member      `json:"members"`
	AverageSeverity      float64       `json:"average_severity"`
	Theme                string        `json:"theme"`
	RepresentativeItemID string        `json:"representative_item_id"`
	Representative       []float32     `json:"representative_embedding,omitempty"`
	Status               ClusterStatus `json:"status"`
	// Finalized is set once a human gate approves or rejects; membership is frozen afterwards.
	Finalized bool `json:"finalized"`
	// Scope restricts file writes of the cluster's change request, relative to the workspace.
	Scope []string `json:"scope,omitempty"`
	// ChangeRequestID references the active change request, if any.
	ChangeRequestID string    `json:"change_request_id,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// NewCluster starts a singleton cluster seeded by c. The seed is the representative.
func NewCluster(id string, c Classified, now time.Time) *Cluster {
	cl := &Cluster{
		ID:                   id,
		RepresentativeItemID: c.Item.ID,
		Representative:       slices.Clone(c.Classification.Embedding),
		Theme:                themeOf(c),
		Status:               ClusterPending,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	cl.Members = append(cl.Members, memberOf(c))
	cl.recompute()
	return cl
}

func memberOf(c Classified) Member {
	return Member{
		ItemID:   c.Item.ID,
		Severity: ClampSeverity(c.Classification.Severity),
		Category: c.Classification.Category,
	}
}

func themeOf(c Classified) string {
	if c.Classification.Fields.Summary != "" {
		return c.Classification.Fields.Summary
	}
	text := c.Item.Text
	if len(text) > 80 {
		text = text[:80]
	}
	return text
}

// Add appends c to the membership and recomputes aggregates. Adding an existing member is a no-op.
func (cl *Cluster) Add(c Classified, now time.Time) error {
	if cl.Finalized {
		return fmt.Errorf("%w: %s", ErrClusterFrozen, cl.ID)
	}
	if cl.Has(c.Item.ID) {
		return nil
	}
	cl.Members = append(cl.Members, memberOf(c))
	cl.UpdatedAt = now
	cl.recompute()
	return nil
}

// Has reports whether itemID is a member.
func (cl *Cluster) Has(itemID string) bool {
	for _, m := range cl.Members {
		if m.ItemID == itemID {
			return true
		}
	}
	return false
}

// ItemIDs returns member ids.
func (cl *Cluster) ItemIDs() []string {
	ids := make([]string, 0, len(cl.Members))
	for _, m := range cl.Members {
		ids = append(ids, m.ItemID)
	}
	return ids
}

// Size returns the number of members.
func (cl *Cluster) Size() int { return len(cl.Members) }

func (cl *Cluster) recompute() {
	cl.AverageSeverity = MeanSeverity(cl.Members)
	cl.Category = PluralityCategory(cl.Members)
}

// MeanSeverity is the arithmetic mean of member severities, clamped to [0,100].
func MeanSeverity(members []Member) float64 {
	if len(members) == 0 {
		return 0
	}
	var sum float64
	for _, m := range members {
		sum += ClampSeverity(m.Severity)
	}
	return ClampSeverity(sum / float64(len(members)))
}

// PluralityCategory returns the most common member category. Ties go to the category of the
// highest-severity member among the tied categories; equal severities fall back to the earliest member.
func PluralityCategory(members []Member) Category {
	if len(members) == 0 {
		return CategoryDiscussion
	}
	counts := make(map[Category]int)
	best := 0
	for _, m := range members {
		counts[m.Category]++
		if counts[m.Category] > best {
			best = counts[m.Category]
		}
	}
	var winner Category
	top := -1.0
	for _, m := range members {
		if counts[m.Category] != best {
			continue
		}
		if m.Severity > top {
			top = m.Severity
			winner = m.Category
		}
	}
	return winner
}

// Transition moves the cluster to next if allowed. Approval and rejection finalize membership.
func (cl *Cluster) Transition(next ClusterStatus, now time.Time) error {
	if !slices.Contains(clusterTransitions[cl.Status], next) {
		return fmt.Errorf("invalid cluster transition %s -> %s", cl.Status, next)
	}
	cl.Status = next
	cl.UpdatedAt = now
	if next == ClusterApproved || next == ClusterRejected {
		cl.Finalized = true
	}
	return nil
}

// Clone returns a deep copy.
func (cl *Cluster) Clone() *Cluster {
	out := *cl
	out.Members = slices.Clone(cl.Members)
	out.Representative = slices.Clone(cl.Representative)
	out.Scope = slices.Clone(cl.Scope)
	return &out
}
