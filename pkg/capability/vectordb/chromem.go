// Package vectordb implements the vector index capability on chromem-go.
package vectordb

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/philippgille/chromem-go"

	"ford/pkg/capability"
	"ford/pkg/feedback"
)

const extPrefix = "ext."

// errNoEmbedder is returned when chromem asks us to embed text; every vector is precomputed.
var errNoEmbedder = errors.New("vector index stores precomputed embeddings only")

// Index is a chromem collection of feedback embeddings.
type Index struct {
	db         *chromem.DB
	collection *chromem.Collection
}

// OpenPersistent opens (or creates) a gzip-compressed on-disk database at path.
func OpenPersistent(path, collection string) (*Index, error) {
	db, err := chromem.NewPersistentDB(path, true)
	if err != nil {
		return nil, fmt.Errorf("open vector db %s: %w", path, err)
	}
	return New(db, collection)
}

// New wraps db, creating collection if needed.
func New(db *chromem.DB, collection string) (*Index, error) {
	c, err := db.GetOrCreateCollection(collection, nil, precomputed)
	if err != nil {
		return nil, fmt.Errorf("get collection %s: %w", collection, err)
	}
	return &Index{db: db, collection: c}, nil
}

func precomputed(context.Context, string) ([]float32, error) {
	return nil, errNoEmbedder
}

// StoreEmbedding upserts the vector for id.
func (i *Index) StoreEmbedding(ctx context.Context, id string, vector []float32, meta capability.EmbeddingMetadata) error {
	if len(vector) == 0 {
		return errors.New("empty embedding")
	}
	doc := chromem.Document{
		ID:        id,
		Content:   meta.ItemID,
		Metadata:  encodeMetadata(meta),
		Embedding: vector,
	}
	if err := i.collection.AddDocument(ctx, doc); err != nil {
		return fmt.Errorf("store embedding %s: %w", id, err)
	}
	return nil
}

// SearchSimilar returns up to limit results with similarity >= threshold, best first.
func (i *Index) SearchSimilar(ctx context.Context, query []float32, limit int, threshold float64) ([]capability.SimilarityResult, error) {
	if limit <= 0 {
		return nil, nil
	}
	n := i.collection.Count()
	if n == 0 {
		return nil, nil
	}
	if limit > n {
		limit = n
	}
	results, err := i.collection.QueryEmbedding(ctx, query, limit, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("search similar: %w", err)
	}
	out := make([]capability.SimilarityResult, 0, len(results))
	for _, r := range results {
		score := float64(r.Similarity)
		if score < threshold {
			continue
		}
		out = append(out, capability.SimilarityResult{ID: r.ID, Score: score, Metadata: decodeMetadata(r.Metadata)})
	}
	sort.SliceStable(out, func(a, b int) bool { return out[a].Score > out[b].Score })
	return out, nil
}

// Count returns the number of stored vectors.
func (i *Index) Count() int {
	return i.collection.Count()
}

func encodeMetadata(m capability.EmbeddingMetadata) map[string]string {
	version := m.Version
	if version == 0 {
		version = capability.EmbeddingMetadataVersion
	}
	out := map[string]string{
		"version":    strconv.Itoa(version),
		"item_id":    m.ItemID,
		"author":     m.Author,
		"category":   string(m.Category),
		"severity":   strconv.FormatFloat(m.Severity, 'f', -1, 64),
		"created_at": m.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	for k, v := range m.Extensions {
		out[extPrefix+k] = v
	}
	return out
}

func decodeMetadata(in map[string]string) capability.EmbeddingMetadata {
	m := capability.EmbeddingMetadata{
		ItemID:   in["item_id"],
		Author:   in["author"],
		Category: feedback.Category(in["category"]),
	}
	m.Version, _ = strconv.Atoi(in["version"])
	m.Severity, _ = strconv.ParseFloat(in["severity"], 64)
	m.CreatedAt, _ = time.Parse(time.RFC3339Nano, in["created_at"])
	for k, v := range in {
		if strings.HasPrefix(k, extPrefix) {
			if m.Extensions == nil {
				m.Extensions = make(map[string]string)
			}
			m.Extensions[strings.TrimPrefix(k, extPrefix)] = v
		}
	}
	return m
}
