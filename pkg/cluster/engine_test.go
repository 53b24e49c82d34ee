package cluster

import (
	"context"
	"errors"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ford/internal/mocks"
	"ford/pkg/feedback"
	"ford/pkg/gateway"
	"ford/pkg/policy"
	"ford/pkg/resilience"
)

func noSleep(context.Context, time.Duration) error { return nil }

func newEngine(t *testing.T, embedder *mocks.MockEmbedder) *Engine {
	t.Helper()
	gw := gateway.New(gateway.DefaultConfig(), policy.Policy{}, gateway.WithSleeper(noSleep))
	n := 0
	return New(Config{Threshold: DefaultThreshold}, embedder, gw, WithIDs(func() string {
		n++
		return fmt.Sprintf("c%d", n)
	}))
}

func classified(id string, severity float64, category feedback.Category, vec []float32) feedback.Classified {
	return feedback.Classified{
		Item: feedback.Item{ID: id, Text: "text of " + id},
		Classification: feedback.Classification{
			ItemID: id, Category: category, Severity: severity, Embedding: vec,
		},
	}
}

// equiangular returns three unit vectors whose pairwise cosine similarity is sim.
func equiangular(sim float64) (a, b, c []float32) {
	s, r := float32(math.Sqrt(sim)), float32(math.Sqrt(1-sim))
	return []float32{s, r, 0, 0}, []float32{s, 0, r, 0}, []float32{s, 0, 0, r}
}

func TestSimilarItemsFormOneCluster(t *testing.T) {
	e := newEngine(t, mocks.NewMockEmbedder(nil))
	a, b, c := equiangular(0.85)

	out, err := e.Cluster(context.Background(), []feedback.Classified{
		classified("A", 30, feedback.CategoryBug, a),
		classified("B", 60, feedback.CategoryBug, b),
		classified("C", 90, feedback.CategoryBug, c),
	})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, 3, out[0].Size())
	assert.InDelta(t, 60.0, out[0].AverageSeverity, 1e-9)
	assert.Equal(t, "A", out[0].RepresentativeItemID)
}

func TestSimilarityAtThresholdDoesNotMerge(t *testing.T) {
	e := newEngine(t, mocks.NewMockEmbedder(nil))
	// cos((1,0),(4,3)) = 4/5 = 0.8 exactly.
	out, err := e.Cluster(context.Background(), []feedback.Classified{
		classified("A", 10, feedback.CategoryBug, []float32{1, 0}),
		classified("B", 10, feedback.CategoryBug, []float32{4, 3}),
	})
	require.NoError(t, err)
	assert.Len(t, out, 2)
}

func TestFirstMatchWins(t *testing.T) {
	e := newEngine(t, mocks.NewMockEmbedder(nil))
	_, err := e.Cluster(context.Background(), []feedback.Classified{
		classified("A", 10, feedback.CategoryBug, []float32{1, 0}),
		classified("B", 10, feedback.CategoryBug, []float32{0, 1}),
	})
	require.NoError(t, err)

	// 0.9 to A, 0.44 to B.
	out, err := e.Cluster(context.Background(), []feedback.Classified{
		classified("C", 10, feedback.CategoryBug, []float32{0.9, 0.4359}),
	})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "c1", out[0].ID)
	assert.ElementsMatch(t, []string{"A", "C"}, out[0].ItemIDs())
}

func TestFirstMatchWinsWhenTwoClustersQualify(t *testing.T) {
	e := newEngine(t, mocks.NewMockEmbedder(nil))
	_, err := e.Cluster(context.Background(), []feedback.Classified{
		classified("A", 10, feedback.CategoryBug, []float32{1, 0.3}),
		classified("B", 10, feedback.CategoryBug, []float32{0.3, 1}),
	})
	require.NoError(t, err)
	require.Len(t, e.Snapshot(), 2)

	// (1,1) is ~0.88 similar to both representatives.
	out, err := e.Cluster(context.Background(), []feedback.Classified{
		classified("C", 10, feedback.CategoryBug, []float32{1, 1}),
	})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "c1", out[0].ID)
}

func TestFinalizedClusterIsSkipped(t *testing.T) {
	e := newEngine(t, mocks.NewMockEmbedder(nil))
	_, err := e.Cluster(context.Background(), []feedback.Classified{classified("A", 10, feedback.CategoryBug, []float32{1, 0})})
	require.NoError(t, err)
	_, err = e.Update("c1", func(cl *feedback.Cluster) error {
		return cl.Transition(feedback.ClusterApproved, time.Now())
	})
	require.NoError(t, err)

	out, err := e.Cluster(context.Background(), []feedback.Classified{classified("B", 10, feedback.CategoryBug, []float32{1, 0})})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "c2", out[0].ID)
}

func TestPluralityCategoryTieBreak(t *testing.T) {
	e := newEngine(t, mocks.NewMockEmbedder(nil))
	v := []float32{1, 0}
	out, err := e.Cluster(context.Background(), []feedback.Classified{
		classified("A", 20, feedback.CategoryBug, v),
		classified("B", 80, feedback.CategoryFeatureRequest, v),
	})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, feedback.CategoryFeatureRequest, out[0].Category)
}

func TestMissingEmbeddingIsFetchedAndCached(t *testing.T) {
	embedder := mocks.NewMockEmbedder(map[string][]float32{"same text": {0, 1}})
	e := newEngine(t, embedder)

	first := classified("A", 10, feedback.CategoryBug, nil)
	first.Item.Text = "same text"
	second := classified("B", 10, feedback.CategoryBug, nil)
	second.Item.Text = "same text"

	out, err := e.Cluster(context.Background(), []feedback.Classified{first, second})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, 2, out[0].Size())
	assert.Equal(t, 1, embedder.CallCount())
}

func TestEmbeddingFailureIsDeadLettered(t *testing.T) {
	embedder := mocks.NewMockEmbedder(nil)
	embedder.EmbedFunc = func(context.Context, string) ([]float32, error) {
		return nil, resilience.Transient(errors.New("connection reset"))
	}
	var parked []DeadLetter
	gw := gateway.New(gateway.DefaultConfig(), policy.Policy{}, gateway.WithSleeper(noSleep))
	e := New(Config{}, embedder, gw, OnDeadLetter(func(dl DeadLetter) { parked = append(parked, dl) }))

	out, err := e.Cluster(context.Background(), []feedback.Classified{classified("A", 10, feedback.CategoryBug, nil)})
	require.NoError(t, err)
	assert.Empty(t, out)
	require.Len(t, e.DeadLetters(), 1)
	assert.Equal(t, "embed", e.DeadLetters()[0].Stage)
	assert.Len(t, parked, 1)
	// The breaker opens on the third failure, so the last retry never reaches the embedder.
	assert.Equal(t, 3, embedder.CallCount())
}

func TestDuplicateItemsIgnored(t *testing.T) {
	e := newEngine(t, mocks.NewMockEmbedder(nil))
	item := classified("A", 10, feedback.CategoryBug, []float32{1, 0})
	_, err := e.Cluster(context.Background(), []feedback.Classified{item})
	require.NoError(t, err)
	out, err := e.Cluster(context.Background(), []feedback.Classified{item})
	require.NoError(t, err)
	assert.Empty(t, out)
	id, ok := e.ClusterOf("A")
	assert.True(t, ok)
	assert.Equal(t, "c1", id)
}

func TestRestore(t *testing.T) {
	e := newEngine(t, mocks.NewMockEmbedder(nil))
	_, err := e.Cluster(context.Background(), []feedback.Classified{classified("A", 10, feedback.CategoryBug, []float32{1, 0})})
	require.NoError(t, err)

	other := newEngine(t, mocks.NewMockEmbedder(nil))
	other.Restore(e.Snapshot(), nil)
	cl, err := other.Get("c1")
	require.NoError(t, err)
	assert.True(t, cl.Has("A"))
	_, err = other.Get("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}
