package mocks

import (
	"context"
	"sort"
	"sync"

	"ford/pkg/capability"
	"ford/pkg/feedback"
)

// MemVectorIndex implements capability.VectorIndex with a linear scan.
type MemVectorIndex struct {
	mu      sync.Mutex
	vectors map[string][]float32
	meta    map[string]capability.EmbeddingMetadata
}

// NewMemVectorIndex creates an empty index.
func NewMemVectorIndex() *MemVectorIndex {
	return &MemVectorIndex{vectors: make(map[string][]float32), meta: make(map[string]capability.EmbeddingMetadata)}
}

// StoreEmbedding implements capability.VectorIndex.
func (m *MemVectorIndex) StoreEmbedding(_ context.Context, id string, vector []float32, meta capability.EmbeddingMetadata) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.vectors[id] = append([]float32(nil), vector...)
	m.meta[id] = meta
	return nil
}

// SearchSimilar implements capability.VectorIndex.
func (m *MemVectorIndex) SearchSimilar(_ context.Context, query []float32, limit int, threshold float64) ([]capability.SimilarityResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []capability.SimilarityResult
	for id, vec := range m.vectors {
		score, err := feedback.CosineSimilarity(query, vec)
		if err != nil || score < threshold {
			continue
		}
		out = append(out, capability.SimilarityResult{ID: id, Score: score, Metadata: m.meta[id]})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Len returns the number of stored vectors.
func (m *MemVectorIndex) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.vectors)
}
