// Package checkpoint stores durable snapshots of pipeline state. The latest checkpoint is the
// only source of truth on restart.
package checkpoint

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/crypto/blake2b"

	"ford/pkg/changerequest"
	"ford/pkg/cluster"
	"ford/pkg/feedback"
	"ford/pkg/limiter"
	"ford/pkg/logx"
	"ford/pkg/persistence"
	"ford/pkg/queue"
)

// SnapshotVersion is bumped whenever Snapshot changes shape incompatibly.
const SnapshotVersion = 1

var (
	// ErrNoCheckpoint is returned by Latest when nothing has been saved yet.
	ErrNoCheckpoint = errors.New("no checkpoint")
	// ErrCorruptCheckpoint is returned when a stored payload fails its checksum or cannot be decoded.
	ErrCorruptCheckpoint = errors.New("checkpoint is corrupt")
)

// Snapshot is everything needed to resume after a crash.
type Snapshot struct {
	Version        int                            `json:"version"`
	Queue          queue.State                    `json:"queue"`
	ChangeRequests []*changerequest.ChangeRequest `json:"change_requests"`
	Clusters       []*feedback.Cluster            `json:"clusters"`
	DeadLetters    []cluster.DeadLetter           `json:"dead_letters,omitempty"`
	Slots          []limiter.Slot                 `json:"slots,omitempty"`
	SafeMode       bool                           `json:"safe_mode"`
	SafeModeReason string                         `json:"safe_mode_reason,omitempty"`
	// LedgerDelta holds ledger entries recorded since the previous checkpoint.
	LedgerDelta []*persistence.LedgerEntry `json:"ledger_delta,omitempty"`
}

// Checkpoint is a stored snapshot.
type Checkpoint struct {
	ID        string    `json:"id"`
	Seq       int64     `json:"seq"`
	CreatedAt time.Time `json:"created_at"`
	Checksum  string    `json:"checksum"`
	Snapshot  Snapshot  `json:"snapshot"`
}

// Store writes and reads checkpoints. Saves are serialized; timestamps and sequence numbers
// are strictly increasing even if the wall clock steps backwards.
type Store struct {
	mu        sync.Mutex
	ops       *persistence.DatabaseOperations
	retention time.Duration
	now       func() time.Time
	lastSeq   int64
	lastAt    time.Time
	logger    *logx.Logger
}

// Option customizes a Store.
type Option func(*Store)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option { return func(s *Store) { s.now = now } }

// Open creates a Store and picks up the sequence of the latest stored checkpoint.
func Open(ctx context.Context, ops *persistence.DatabaseOperations, retention time.Duration, opts ...Option) (*Store, error) {
	s := &Store{
		ops:       ops,
		retention: retention,
		now:       time.Now,
		logger:    logx.NewLogger("checkpoint"),
	}
	for _, opt := range opts {
		opt(s)
	}

	heads, err := ops.ListCheckpoints(ctx, 1)
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint head: %w", err)
	}
	if len(heads) == 1 {
		s.lastSeq = heads[0].Seq
		s.lastAt = heads[0].CreatedAt
	}
	return s, nil
}

// Save writes snap as the new latest checkpoint. The ledger delta is filled in from the ledger.
func (s *Store) Save(ctx context.Context, snap Snapshot) (*Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delta, err := s.ops.LedgerSince(ctx, s.lastAt)
	if err != nil {
		return nil, fmt.Errorf("failed to collect ledger delta: %w", err)
	}
	snap.Version = SnapshotVersion
	snap.LedgerDelta = delta

	payload, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("failed to encode snapshot: %w", err)
	}

	at := s.now().UTC()
	if !at.After(s.lastAt) {
		at = s.lastAt.Add(time.Nanosecond)
	}
	cp := &Checkpoint{
		ID:        persistence.NewID(),
		Seq:       s.lastSeq + 1,
		CreatedAt: at,
		Checksum:  Checksum(payload),
		Snapshot:  snap,
	}
	rec := &persistence.CheckpointRecord{
		ID:        cp.ID,
		Seq:       cp.Seq,
		CreatedAt: cp.CreatedAt,
		Checksum:  cp.Checksum,
		Payload:   payload,
	}
	if err := s.ops.InsertCheckpoint(ctx, rec); err != nil {
		return nil, fmt.Errorf("failed to write checkpoint: %w", err)
	}

	s.lastSeq = cp.Seq
	s.lastAt = cp.CreatedAt
	s.logger.Debug("checkpoint %d saved (%d change requests, %d queued)",
		cp.Seq, len(snap.ChangeRequests), len(snap.Queue.Entries))
	return cp, nil
}

// Latest loads and verifies the newest checkpoint.
func (s *Store) Latest(ctx context.Context) (*Checkpoint, error) {
	return Latest(ctx, s.ops)
}

// Latest loads and verifies the newest checkpoint without a Store, for read-only callers.
func Latest(ctx context.Context, ops *persistence.DatabaseOperations) (*Checkpoint, error) {
	rec, err := ops.LatestCheckpoint(ctx)
	if errors.Is(err, persistence.ErrNotFound) {
		return nil, ErrNoCheckpoint
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load latest checkpoint: %w", err)
	}
	return decode(rec)
}

// Prune deletes checkpoints older than the retention window. The latest is always kept.
func (s *Store) Prune(ctx context.Context) (int64, error) {
	if s.retention <= 0 {
		return 0, nil
	}
	n, err := s.ops.PruneCheckpoints(ctx, s.now().Add(-s.retention))
	if err != nil {
		return 0, fmt.Errorf("failed to prune checkpoints: %w", err)
	}
	if n > 0 {
		s.logger.Info("pruned %d checkpoints older than %s", n, s.retention)
	}
	return n, nil
}

// Checksum returns the hex BLAKE2b-256 digest of payload.
func Checksum(payload []byte) string {
	sum := blake2b.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

func decode(rec *persistence.CheckpointRecord) (*Checkpoint, error) {
	if Checksum(rec.Payload) != rec.Checksum {
		return nil, fmt.Errorf("%w: checksum mismatch for %s (seq %d)", ErrCorruptCheckpoint, rec.ID, rec.Seq)
	}
	var snap Snapshot
	if err := json.Unmarshal(rec.Payload, &snap); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrCorruptCheckpoint, rec.ID, err)
	}
	if snap.Version > SnapshotVersion {
		return nil, fmt.Errorf("%w: %s has snapshot version %d, newest supported is %d",
			ErrCorruptCheckpoint, rec.ID, snap.Version, SnapshotVersion)
	}
	return &Checkpoint{
		ID:        rec.ID,
		Seq:       rec.Seq,
		CreatedAt: rec.CreatedAt,
		Checksum:  rec.Checksum,
		Snapshot:  snap,
	}, nil
}
