package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"ford/pkg/capability"
	"ford/pkg/cluster"
	"ford/pkg/feedback"
	"ford/pkg/gateway"
	"ford/pkg/logx"
	"ford/pkg/metrics"
	"ford/pkg/persistence"
)

// IngestResult summarizes an intake pass.
type IngestResult struct {
	Accepted   int                 `json:"accepted" yaml:"accepted"`
	Duplicates int                 `json:"duplicates" yaml:"duplicates"`
	Invalid    int                 `json:"invalid" yaml:"invalid"`
	Parked     int                 `json:"parked" yaml:"parked"`
	Clusters   []*feedback.Cluster `json:"clusters,omitempty" yaml:"clusters,omitempty"`
}

// Ingest classifies new items, indexes their embeddings and clusters them. Items seen before are
// ignored; items that cannot be classified or embedded are parked as dead letters.
func (d *Dispatcher) Ingest(ctx context.Context, items []feedback.Item) (*IngestResult, error) {
	res := &IngestResult{}
	ready := make([]feedback.Classified, 0, len(items))
	seen := make(map[string]struct{}, len(items))

	for _, it := range items {
		if err := it.Validate(); err != nil {
			d.deps.Clusters.Park(it, "validate", err)
			res.Invalid++
			continue
		}
		if _, dup := seen[it.ID]; dup {
			res.Duplicates++
			continue
		}
		seen[it.ID] = struct{}{}
		known, err := d.deps.Ops.HasFeedback(ctx, it.ID)
		if err != nil {
			return res, err
		}
		if known {
			res.Duplicates++
			continue
		}

		c, err := d.classify(ctx, it)
		if err != nil {
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			res.Parked++
			continue
		}
		if _, err := d.deps.Ops.SaveClassified(ctx, c); err != nil {
			return res, err
		}
		if err := d.deps.Ops.DeleteDeadLetter(ctx, it.ID); err != nil {
			d.logger.Warn("failed to clear dead letter %s: %v", it.ID, err)
		}
		d.index(ctx, c)
		ready = append(ready, c)
	}

	changed, err := d.deps.Clusters.Cluster(ctx, ready)
	if err != nil {
		return res, fmt.Errorf("clustering: %w", err)
	}
	res.Accepted = len(ready)
	res.Clusters = changed

	d.logger.Info("ingested %d items: %d accepted, %d duplicates, %d invalid, %d parked, %d clusters changed",
		len(items), res.Accepted, res.Duplicates, res.Invalid, res.Parked, len(changed))
	if err := d.checkpoint(ctx); err != nil {
		d.logger.Warn("checkpoint after intake failed: %v", err)
	}
	return res, nil
}

// classify runs the classifier and makes sure the result carries an embedding.
func (d *Dispatcher) classify(ctx context.Context, it feedback.Item) (feedback.Classified, error) {
	cls, err := gateway.Call(ctx, d.deps.Gateway, gateway.Request{Tool: gateway.ToolClassifier, Op: "classify"},
		func(ctx context.Context) (feedback.Classification, error) {
			return d.deps.Classifier.Classify(ctx, it)
		})
	if err != nil {
		if ctx.Err() == nil {
			d.deps.Clusters.Park(it, "classify", err)
		}
		return feedback.Classified{}, err
	}
	cls = cls.Normalize()

	if len(cls.Embedding) == 0 {
		vec, err := d.deps.Clusters.Embed(ctx, it.Text)
		if err != nil {
			if ctx.Err() == nil {
				d.deps.Clusters.Park(it, "embed", err)
			}
			return feedback.Classified{}, err
		}
		cls.Embedding = vec
	}
	return feedback.Classified{Item: it, Classification: cls}, nil
}

// index stores the embedding for similarity search. Failures are logged; clustering does not
// depend on the index.
func (d *Dispatcher) index(ctx context.Context, c feedback.Classified) {
	if d.deps.Vectors == nil {
		return
	}
	meta := capability.EmbeddingMetadata{
		Version:   capability.EmbeddingMetadataVersion,
		ItemID:    c.Item.ID,
		Author:    c.Item.Author,
		Category:  c.Classification.Category,
		Severity:  c.Classification.Severity,
		CreatedAt: c.Item.Timestamp,
	}
	err := d.deps.Gateway.Do(ctx, gateway.Request{Tool: gateway.ToolVector, Op: "store_embedding"},
		func(ctx context.Context) error {
			return d.deps.Vectors.StoreEmbedding(ctx, c.Item.ID, c.Classification.Embedding, meta)
		})
	if err != nil {
		d.logger.Warn("failed to index embedding of %s: %v", c.Item.ID, err)
	}
}

// ErrNoVectorIndex is returned by FindSimilar when no index is configured.
var ErrNoVectorIndex = errors.New("no vector index configured")

// FindSimilar embeds text and returns indexed feedback above threshold, most similar first.
func (d *Dispatcher) FindSimilar(ctx context.Context, text string, limit int, threshold float64) ([]capability.SimilarityResult, error) {
	if d.deps.Vectors == nil {
		return nil, ErrNoVectorIndex
	}
	vec, err := d.deps.Clusters.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	return gateway.Call(ctx, d.deps.Gateway, gateway.Request{Tool: gateway.ToolVector, Op: "search_similar"},
		func(ctx context.Context) ([]capability.SimilarityResult, error) {
			return d.deps.Vectors.SearchSimilar(ctx, vec, limit, threshold)
		})
}

// DeadLetterSink returns the cluster engine hook that persists parked items, so operators can
// inspect them and re-ingest after a fix.
func DeadLetterSink(ops *persistence.DatabaseOperations, recorder metrics.Recorder) func(cluster.DeadLetter) {
	if recorder == nil {
		recorder = metrics.Nop{}
	}
	logger := logx.NewLogger("deadletter")
	return func(dl cluster.DeadLetter) {
		recorder.ObserveDeadLetter(dl.Stage)
		raw, err := json.Marshal(dl.Item)
		if err != nil {
			logger.Error("failed to encode parked item %s: %v", dl.Item.ID, err)
			return
		}
		rec := &persistence.DeadLetterRecord{
			ItemID:   dl.Item.ID,
			Item:     raw,
			Stage:    dl.Stage,
			Reason:   dl.Reason,
			ParkedAt: dl.ParkedAt,
		}
		if err := ops.UpsertDeadLetter(context.Background(), rec); err != nil {
			logger.Error("failed to persist dead letter %s: %v", dl.Item.ID, err)
		}
	}
}
