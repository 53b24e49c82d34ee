// Package cluster groups classified feedback by embedding similarity.
package cluster

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"

	"ford/pkg/capability"
	"ford/pkg/feedback"
	"ford/pkg/gateway"
	"ford/pkg/logx"
)

// DefaultThreshold is the similarity an item must exceed to join a cluster.
const DefaultThreshold = 0.8

// ErrNotFound is returned for unknown cluster ids.
var ErrNotFound = errors.New("cluster not found")

// DeadLetter is an item that could not be processed after retries.
type DeadLetter struct {
	Item     feedback.Item `json:"item"`
	Stage    string        `json:"stage"`
	Reason   string        `json:"reason"`
	ParkedAt time.Time     `json:"parked_at"`
}

// Config configures an Engine.
type Config struct {
	Threshold float64
	CacheTTL  time.Duration
}

// Engine assigns items to clusters with a greedy first-match rule: an item joins the first
// unfinalized cluster, in creation order, whose representative embedding is more similar than
// the threshold; otherwise it seeds a new cluster.
type Engine struct {
	mu        sync.Mutex
	threshold float64
	clusters  []*feedback.Cluster
	byID      map[string]*feedback.Cluster
	byItem    map[string]string
	dead      map[string]DeadLetter

	embedder     capability.Embedder
	gw           *gateway.Gateway
	cache        *gocache.Cache
	onDeadLetter func(DeadLetter)
	newID        func() string
	now          func() time.Time
	logger       *logx.Logger
}

// Option customizes an Engine.
type Option func(*Engine)

// WithClock sets the clock used for timestamps.
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

// WithIDs sets the cluster id generator.
func WithIDs(fn func() string) Option { return func(e *Engine) { e.newID = fn } }

// OnDeadLetter registers a callback fired whenever an item is parked.
func OnDeadLetter(fn func(DeadLetter)) Option { return func(e *Engine) { e.onDeadLetter = fn } }

// New creates an engine. Items that arrive without an embedding are embedded through gw.
func New(cfg Config, embedder capability.Embedder, gw *gateway.Gateway, opts ...Option) *Engine {
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultThreshold
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 30 * time.Minute
	}
	e := &Engine{
		threshold: cfg.Threshold,
		byID:      make(map[string]*feedback.Cluster),
		byItem:    make(map[string]string),
		dead:      make(map[string]DeadLetter),
		embedder:  embedder,
		gw:        gw,
		cache:     gocache.New(cfg.CacheTTL, 2*cfg.CacheTTL),
		newID:     uuid.NewString,
		now:       time.Now,
		logger:    logx.NewLogger("cluster"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Cluster assigns items and returns copies of every cluster that changed, in creation order.
// Items already clustered are ignored. Items whose embedding cannot be produced are parked in
// the dead-letter set; the returned error is non-nil only for context cancellation.
func (e *Engine) Cluster(ctx context.Context, items []feedback.Classified) ([]*feedback.Cluster, error) {
	ready := make([]feedback.Classified, 0, len(items))
	for _, it := range items {
		if e.clustered(it.Item.ID) {
			continue
		}
		if len(it.Classification.Embedding) == 0 {
			vec, err := e.Embed(ctx, it.Item.Text)
			if err != nil {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				e.Park(it.Item, "embed", err)
				continue
			}
			it.Classification.Embedding = vec
		}
		ready = append(ready, it)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	touched := make(map[string]struct{})
	for _, it := range ready {
		if _, ok := e.byItem[it.Item.ID]; ok {
			continue
		}
		now := e.now().UTC()
		cl := e.matchLocked(it.Classification.Embedding)
		if cl != nil {
			if err := cl.Add(it, now); err != nil {
				return nil, err
			}
			logx.Debug(ctx, "cluster", "item %s joined cluster %s (size %d)", it.Item.ID, cl.ID, cl.Size())
		} else {
			cl = feedback.NewCluster(e.newID(), it, now)
			e.clusters = append(e.clusters, cl)
			e.byID[cl.ID] = cl
			e.logger.Info("New cluster %s seeded by item %s", cl.ID, it.Item.ID)
		}
		e.byItem[it.Item.ID] = cl.ID
		delete(e.dead, it.Item.ID)
		touched[cl.ID] = struct{}{}
	}

	out := make([]*feedback.Cluster, 0, len(touched))
	for _, cl := range e.clusters {
		if _, ok := touched[cl.ID]; ok {
			out = append(out, cl.Clone())
		}
	}
	return out, nil
}

func (e *Engine) matchLocked(vec []float32) *feedback.Cluster {
	for _, cl := range e.clusters {
		if cl.Finalized {
			continue
		}
		sim, err := feedback.CosineSimilarity(vec, cl.Representative)
		if err != nil {
			continue
		}
		if sim > e.threshold {
			return cl
		}
	}
	return nil
}

func (e *Engine) clustered(itemID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.byItem[itemID]
	return ok
}

// Embed returns the embedding of text through the gateway, served from the cache when possible.
func (e *Engine) Embed(ctx context.Context, text string) ([]float32, error) {
	if v, ok := e.cache.Get(text); ok {
		if vec, ok := v.([]float32); ok {
			return vec, nil
		}
	}
	vec, err := gateway.Call(ctx, e.gw, gateway.Request{Tool: gateway.ToolEmbedder, Op: "embed"},
		func(ctx context.Context) ([]float32, error) {
			return e.embedder.Embed(ctx, text)
		})
	if err != nil {
		return nil, err
	}
	if len(vec) == 0 {
		return nil, errors.New("embedder returned an empty vector")
	}
	e.cache.SetDefault(text, vec)
	return vec, nil
}

// Park records item in the dead-letter set.
func (e *Engine) Park(item feedback.Item, stage string, cause error) {
	dl := DeadLetter{Item: item, Stage: stage, Reason: cause.Error(), ParkedAt: e.now().UTC()}
	e.mu.Lock()
	e.dead[item.ID] = dl
	e.mu.Unlock()
	e.logger.Warn("Parked item %s at %s: %v", item.ID, stage, cause)
	if e.onDeadLetter != nil {
		e.onDeadLetter(dl)
	}
}

// DeadLetters returns parked items ordered by parking time.
func (e *Engine) DeadLetters() []DeadLetter {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]DeadLetter, 0, len(e.dead))
	for _, dl := range e.dead {
		out = append(out, dl)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ParkedAt.Equal(out[j].ParkedAt) {
			return out[i].ParkedAt.Before(out[j].ParkedAt)
		}
		return out[i].Item.ID < out[j].Item.ID
	})
	return out
}

// Get returns a copy of the cluster.
func (e *Engine) Get(id string) (*feedback.Cluster, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	cl, ok := e.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return cl.Clone(), nil
}

// ClusterOf returns the id of the cluster holding itemID.
func (e *Engine) ClusterOf(itemID string) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	id, ok := e.byItem[itemID]
	return id, ok
}

// Update applies fn to the cluster under the engine lock. fn must not retain the pointer.
func (e *Engine) Update(id string, fn func(*feedback.Cluster) error) (*feedback.Cluster, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	cl, ok := e.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	work := cl.Clone()
	if err := fn(work); err != nil {
		return nil, err
	}
	*cl = *work
	return cl.Clone(), nil
}

// Snapshot returns copies of all clusters in creation order.
func (e *Engine) Snapshot() []*feedback.Cluster {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*feedback.Cluster, 0, len(e.clusters))
	for _, cl := range e.clusters {
		out = append(out, cl.Clone())
	}
	return out
}

// Restore replaces the engine state with clusters (in creation order) and dead letters.
func (e *Engine) Restore(clusters []*feedback.Cluster, dead []DeadLetter) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.clusters = e.clusters[:0]
	e.byID = make(map[string]*feedback.Cluster, len(clusters))
	e.byItem = make(map[string]string)
	for _, cl := range clusters {
		c := cl.Clone()
		e.clusters = append(e.clusters, c)
		e.byID[c.ID] = c
		for _, m := range c.Members {
			e.byItem[m.ItemID] = c.ID
		}
	}
	e.dead = make(map[string]DeadLetter, len(dead))
	for _, dl := range slices.Clone(dead) {
		e.dead[dl.Item.ID] = dl
	}
}
