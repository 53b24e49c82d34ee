package vectordb

import (
	"context"
	"testing"
	"time"

	"github.com/philippgille/chromem-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ford/pkg/capability"
	"ford/pkg/feedback"
)

func TestStoreAndSearch(t *testing.T) {
	ctx := context.Background()
	idx, err := New(chromem.NewDB(), "feedback")
	require.NoError(t, err)

	created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	require.NoError(t, idx.StoreEmbedding(ctx, "a", []float32{1, 0, 0}, capability.EmbeddingMetadata{
		ItemID: "a", Category: feedback.CategoryBug, Severity: 70, CreatedAt: created,
		Extensions: map[string]string{"lang": "en"},
	}))
	require.NoError(t, idx.StoreEmbedding(ctx, "b", []float32{0.9, 0.1, 0}, capability.EmbeddingMetadata{ItemID: "b"}))
	require.NoError(t, idx.StoreEmbedding(ctx, "c", []float32{0, 0, 1}, capability.EmbeddingMetadata{ItemID: "c"}))
	assert.Equal(t, 3, idx.Count())

	results, err := idx.SearchSimilar(ctx, []float32{1, 0, 0}, 10, 0.5)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "a", results[0].ID)
	assert.Equal(t, "b", results[1].ID)
	assert.GreaterOrEqual(t, results[0].Score, results[1].Score)

	meta := results[0].Metadata
	assert.Equal(t, capability.EmbeddingMetadataVersion, meta.Version)
	assert.Equal(t, feedback.CategoryBug, meta.Category)
	assert.Equal(t, 70.0, meta.Severity)
	assert.True(t, created.Equal(meta.CreatedAt))
	assert.Equal(t, map[string]string{"lang": "en"}, meta.Extensions)
}

func TestSearchEmptyIndex(t *testing.T) {
	idx, err := New(chromem.NewDB(), "feedback")
	require.NoError(t, err)
	results, err := idx.SearchSimilar(context.Background(), []float32{1}, 5, 0)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestPersistentReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	idx, err := OpenPersistent(dir, "feedback")
	require.NoError(t, err)
	require.NoError(t, idx.StoreEmbedding(ctx, "a", []float32{1, 0}, capability.EmbeddingMetadata{ItemID: "a"}))

	reopened, err := OpenPersistent(dir, "feedback")
	require.NoError(t, err)
	assert.Equal(t, 1, reopened.Count())
}
