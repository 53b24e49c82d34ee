package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"ford/pkg/feedback"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrAlreadySent is returned when a sent ledger entry already exists for the pair.
	ErrAlreadySent = errors.New("notification already sent")
	// ErrUnknownSignal is returned for a signal kind the dispatcher does not handle.
	ErrUnknownSignal = errors.New("unknown signal kind")
)

// DatabaseOperations provides methods for database operations.
type DatabaseOperations struct {
	db  *sql.DB
	now func() time.Time
}

// NewDatabaseOperations creates a new DatabaseOperations instance.
func NewDatabaseOperations(db *sql.DB) *DatabaseOperations {
	return &DatabaseOperations{db: db, now: time.Now}
}

// DB exposes the underlying connection.
func (ops *DatabaseOperations) DB() *sql.DB { return ops.db }

// InsertCheckpoint stores a checkpoint. Seq must be larger than any stored seq.
func (ops *DatabaseOperations) InsertCheckpoint(ctx context.Context, rec *CheckpointRecord) error {
	_, err := ops.db.ExecContext(ctx,
		`INSERT INTO checkpoints (id, seq, created_at, checksum, payload) VALUES (?, ?, ?, ?, ?)`,
		rec.ID, rec.Seq, toNanos(rec.CreatedAt), rec.Checksum, string(rec.Payload))
	if err != nil {
		return fmt.Errorf("failed to insert checkpoint %s: %w", rec.ID, err)
	}
	return nil
}

// LatestCheckpoint returns the checkpoint with the highest seq.
func (ops *DatabaseOperations) LatestCheckpoint(ctx context.Context) (*CheckpointRecord, error) {
	row := ops.db.QueryRowContext(ctx,
		`SELECT id, seq, created_at, checksum, payload FROM checkpoints ORDER BY seq DESC LIMIT 1`)
	rec, err := scanCheckpoint(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load latest checkpoint: %w", err)
	}
	return rec, nil
}

// GetCheckpoint returns one checkpoint by id.
func (ops *DatabaseOperations) GetCheckpoint(ctx context.Context, id string) (*CheckpointRecord, error) {
	row := ops.db.QueryRowContext(ctx,
		`SELECT id, seq, created_at, checksum, payload FROM checkpoints WHERE id = ?`, id)
	rec, err := scanCheckpoint(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("checkpoint %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint %s: %w", id, err)
	}
	return rec, nil
}

// ListCheckpoints returns checkpoint headers, newest first. Payloads are not loaded.
func (ops *DatabaseOperations) ListCheckpoints(ctx context.Context, limit int) ([]*CheckpointRecord, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := ops.db.QueryContext(ctx,
		`SELECT id, seq, created_at, checksum, '' FROM checkpoints ORDER BY seq DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*CheckpointRecord
	for rows.Next() {
		rec, err := scanCheckpoint(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan checkpoint: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate checkpoints: %w", err)
	}
	return out, nil
}

// PruneCheckpoints deletes checkpoints created before cutoff, never the one with the highest seq.
func (ops *DatabaseOperations) PruneCheckpoints(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := ops.db.ExecContext(ctx, `
		DELETE FROM checkpoints
		WHERE created_at < ?
		  AND seq < (SELECT MAX(seq) FROM checkpoints)`, toNanos(cutoff))
	if err != nil {
		return 0, fmt.Errorf("failed to prune checkpoints: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count pruned checkpoints: %w", err)
	}
	return n, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanCheckpoint(s scanner) (*CheckpointRecord, error) {
	var (
		rec     CheckpointRecord
		created int64
		payload string
	)
	if err := s.Scan(&rec.ID, &rec.Seq, &created, &rec.Checksum, &payload); err != nil {
		return nil, err //nolint:wrapcheck // callers wrap with context
	}
	rec.CreatedAt = fromNanos(created)
	if payload != "" {
		rec.Payload = []byte(payload)
	}
	return &rec, nil
}

// InsertLedgerEntry records a notification attempt. A second sent entry for the same
// (feedback, PR) pair is refused with ErrAlreadySent.
func (ops *DatabaseOperations) InsertLedgerEntry(ctx context.Context, e *LedgerEntry) error {
	if e.ID == "" {
		e.ID = NewID()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = ops.now().UTC()
	}
	res, err := ops.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO notification_ledger (id, feedback_id, pr_number, status, detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		e.ID, e.FeedbackID, e.PRNumber, e.Status, e.Detail, toNanos(e.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert ledger entry for %s/#%d: %w", e.FeedbackID, e.PRNumber, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check ledger insert: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%s/#%d: %w", e.FeedbackID, e.PRNumber, ErrAlreadySent)
	}
	return nil
}

// HasSent reports whether a sent entry exists for the pair.
func (ops *DatabaseOperations) HasSent(ctx context.Context, feedbackID string, prNumber int) (bool, error) {
	var n int
	err := ops.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM notification_ledger WHERE feedback_id = ? AND pr_number = ? AND status = 'sent'`,
		feedbackID, prNumber).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to query ledger: %w", err)
	}
	return n > 0, nil
}

// LedgerEntries returns all entries for a PR in insertion order.
func (ops *DatabaseOperations) LedgerEntries(ctx context.Context, prNumber int) ([]*LedgerEntry, error) {
	return ops.queryLedger(ctx,
		`SELECT id, feedback_id, pr_number, status, detail, created_at FROM notification_ledger
		 WHERE pr_number = ? ORDER BY created_at, id`, prNumber)
}

// LedgerSince returns entries created strictly after t.
func (ops *DatabaseOperations) LedgerSince(ctx context.Context, t time.Time) ([]*LedgerEntry, error) {
	return ops.queryLedger(ctx,
		`SELECT id, feedback_id, pr_number, status, detail, created_at FROM notification_ledger
		 WHERE created_at > ? ORDER BY created_at, id`, toNanos(t))
}

func (ops *DatabaseOperations) queryLedger(ctx context.Context, query string, args ...any) ([]*LedgerEntry, error) {
	rows, err := ops.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query ledger: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*LedgerEntry
	for rows.Next() {
		var (
			e       LedgerEntry
			created int64
		)
		if err := rows.Scan(&e.ID, &e.FeedbackID, &e.PRNumber, &e.Status, &e.Detail, &created); err != nil {
			return nil, fmt.Errorf("failed to scan ledger entry: %w", err)
		}
		e.CreatedAt = fromNanos(created)
		out = append(out, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate ledger: %w", err)
	}
	return out, nil
}

// AppendTransition appends one row to the ChangeRequest audit trail.
func (ops *DatabaseOperations) AppendTransition(ctx context.Context, rec *TransitionRecord) error {
	_, err := ops.db.ExecContext(ctx, `
		INSERT INTO cr_transitions (change_request_id, cluster_id, from_state, to_state, reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		rec.ChangeRequestID, rec.ClusterID, rec.From, rec.To, rec.Reason, toNanos(rec.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to append transition for %s: %w", rec.ChangeRequestID, err)
	}
	return nil
}

// Transitions returns the audit trail of a ChangeRequest, oldest first.
func (ops *DatabaseOperations) Transitions(ctx context.Context, crID string) ([]*TransitionRecord, error) {
	rows, err := ops.db.QueryContext(ctx, `
		SELECT change_request_id, cluster_id, from_state, to_state, reason, created_at
		FROM cr_transitions WHERE change_request_id = ? ORDER BY id`, crID)
	if err != nil {
		return nil, fmt.Errorf("failed to query transitions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*TransitionRecord
	for rows.Next() {
		var (
			rec     TransitionRecord
			created int64
		)
		if err := rows.Scan(&rec.ChangeRequestID, &rec.ClusterID, &rec.From, &rec.To, &rec.Reason, &created); err != nil {
			return nil, fmt.Errorf("failed to scan transition: %w", err)
		}
		rec.CreatedAt = fromNanos(created)
		out = append(out, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate transitions: %w", err)
	}
	return out, nil
}

// EnqueueSignal stores a new pending signal and returns it.
func (ops *DatabaseOperations) EnqueueSignal(ctx context.Context, kind, target string, payload any) (*Signal, error) {
	if !isKnownSignal(kind) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownSignal, kind)
	}
	raw := []byte("{}")
	if payload != nil {
		var err error
		if raw, err = json.Marshal(payload); err != nil {
			return nil, fmt.Errorf("failed to encode %s payload: %w", kind, err)
		}
	}
	sig := &Signal{
		ID:        NewID(),
		Kind:      kind,
		Target:    target,
		Status:    SignalPending,
		Payload:   raw,
		CreatedAt: ops.now().UTC(),
	}
	_, err := ops.db.ExecContext(ctx, `
		INSERT INTO signals (id, kind, target, payload, status, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		sig.ID, sig.Kind, sig.Target, string(sig.Payload), sig.Status, toNanos(sig.CreatedAt))
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue %s signal: %w", kind, err)
	}
	return sig, nil
}

// PendingSignals returns pending signals, oldest first.
func (ops *DatabaseOperations) PendingSignals(ctx context.Context, limit int) ([]*Signal, error) {
	if limit <= 0 {
		limit = -1
	}
	return ops.querySignals(ctx, `
		SELECT id, kind, target, payload, status, error, created_at, processed_at
		FROM signals WHERE status = 'pending' ORDER BY created_at, id LIMIT ?`, limit)
}

// RecentSignals returns the newest signals in any status.
func (ops *DatabaseOperations) RecentSignals(ctx context.Context, limit int) ([]*Signal, error) {
	if limit <= 0 {
		limit = -1
	}
	return ops.querySignals(ctx, `
		SELECT id, kind, target, payload, status, error, created_at, processed_at
		FROM signals ORDER BY created_at DESC, id LIMIT ?`, limit)
}

// ResolveSignal marks a pending signal applied or rejected.
func (ops *DatabaseOperations) ResolveSignal(ctx context.Context, id, status, errText string) error {
	res, err := ops.db.ExecContext(ctx,
		`UPDATE signals SET status = ?, error = ?, processed_at = ? WHERE id = ? AND status = 'pending'`,
		status, errText, toNanos(ops.now()), id)
	if err != nil {
		return fmt.Errorf("failed to resolve signal %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check signal update: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("pending signal %s: %w", id, ErrNotFound)
	}
	return nil
}

func (ops *DatabaseOperations) querySignals(ctx context.Context, query string, args ...any) ([]*Signal, error) {
	rows, err := ops.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query signals: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Signal
	for rows.Next() {
		var (
			s         Signal
			payload   string
			created   int64
			processed sql.NullInt64
		)
		if err := rows.Scan(&s.ID, &s.Kind, &s.Target, &payload, &s.Status, &s.Error, &created, &processed); err != nil {
			return nil, fmt.Errorf("failed to scan signal: %w", err)
		}
		s.Payload = json.RawMessage(payload)
		s.CreatedAt = fromNanos(created)
		if processed.Valid {
			t := fromNanos(processed.Int64)
			s.ProcessedAt = &t
		}
		out = append(out, &s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate signals: %w", err)
	}
	return out, nil
}

func isKnownSignal(kind string) bool {
	for _, k := range SignalKinds() {
		if k == kind {
			return true
		}
	}
	return false
}

// UpsertDeadLetter parks an item, bumping the count if it was parked before.
func (ops *DatabaseOperations) UpsertDeadLetter(ctx context.Context, rec *DeadLetterRecord) error {
	_, err := ops.db.ExecContext(ctx, `
		INSERT INTO dead_letters (item_id, item, stage, reason, parked_at, parked_count)
		VALUES (?, ?, ?, ?, ?, 1)
		ON CONFLICT(item_id) DO UPDATE SET
			item = excluded.item,
			stage = excluded.stage,
			reason = excluded.reason,
			parked_at = excluded.parked_at,
			parked_count = dead_letters.parked_count + 1`,
		rec.ItemID, string(rec.Item), rec.Stage, rec.Reason, toNanos(rec.ParkedAt))
	if err != nil {
		return fmt.Errorf("failed to park %s: %w", rec.ItemID, err)
	}
	return nil
}

// DeadLetters returns every parked item, oldest first.
func (ops *DatabaseOperations) DeadLetters(ctx context.Context) ([]*DeadLetterRecord, error) {
	rows, err := ops.db.QueryContext(ctx, `
		SELECT item_id, item, stage, reason, parked_at, parked_count FROM dead_letters ORDER BY parked_at, item_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query dead letters: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*DeadLetterRecord
	for rows.Next() {
		var (
			rec    DeadLetterRecord
			item   string
			parked int64
		)
		if err := rows.Scan(&rec.ItemID, &item, &rec.Stage, &rec.Reason, &parked, &rec.ParkedCount); err != nil {
			return nil, fmt.Errorf("failed to scan dead letter: %w", err)
		}
		rec.Item = json.RawMessage(item)
		rec.ParkedAt = fromNanos(parked)
		out = append(out, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate dead letters: %w", err)
	}
	return out, nil
}

// DeleteDeadLetter removes a parked item, for example after it was ingested again.
func (ops *DatabaseOperations) DeleteDeadLetter(ctx context.Context, itemID string) error {
	if _, err := ops.db.ExecContext(ctx, `DELETE FROM dead_letters WHERE item_id = ?`, itemID); err != nil {
		return fmt.Errorf("failed to delete dead letter %s: %w", itemID, err)
	}
	return nil
}

// SaveClassified stores a classified feedback item. It returns false if the id already exists.
func (ops *DatabaseOperations) SaveClassified(ctx context.Context, c feedback.Classified) (bool, error) {
	raw, err := json.Marshal(c)
	if err != nil {
		return false, fmt.Errorf("failed to encode feedback %s: %w", c.Item.ID, err)
	}
	res, err := ops.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO feedback_items (id, author, classified, created_at) VALUES (?, ?, ?, ?)`,
		c.Item.ID, c.Item.Author, string(raw), toNanos(ops.now()))
	if err != nil {
		return false, fmt.Errorf("failed to save feedback %s: %w", c.Item.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to check feedback insert: %w", err)
	}
	return n == 1, nil
}

// GetClassified loads a stored feedback item.
func (ops *DatabaseOperations) GetClassified(ctx context.Context, id string) (feedback.Classified, error) {
	var (
		c   feedback.Classified
		raw string
	)
	err := ops.db.QueryRowContext(ctx, `SELECT classified FROM feedback_items WHERE id = ?`, id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return c, fmt.Errorf("feedback %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return c, fmt.Errorf("failed to load feedback %s: %w", id, err)
	}
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		return c, fmt.Errorf("failed to decode feedback %s: %w", id, err)
	}
	return c, nil
}

// HasFeedback reports whether an item was already ingested.
func (ops *DatabaseOperations) HasFeedback(ctx context.Context, id string) (bool, error) {
	var n int
	if err := ops.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM feedback_items WHERE id = ?`, id).Scan(&n); err != nil {
		return false, fmt.Errorf("failed to query feedback %s: %w", id, err)
	}
	return n > 0, nil
}
