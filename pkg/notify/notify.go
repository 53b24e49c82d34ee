// Package notify tells feedback authors that their report was resolved, at most once per
// (feedback, pull request) pair.
package notify

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"ford/pkg/capability"
	"ford/pkg/feedback"
	"ford/pkg/gateway"
	"ford/pkg/logx"
	"ford/pkg/metrics"
	"ford/pkg/persistence"
)

// Result summarizes one notify pass.
type Result struct {
	PRNumber int `json:"pr_number" yaml:"pr_number"`
	Sent     int `json:"sent" yaml:"sent"`
	Failed   int `json:"failed" yaml:"failed"`
	Skipped  int `json:"skipped" yaml:"skipped"`
	// AlreadySent counts items that had a sent entry before this pass; no attempt is made for them.
	AlreadySent int `json:"already_sent" yaml:"already_sent"`
}

// Service runs the notify step.
type Service struct {
	ops      *persistence.DatabaseOperations
	sender   capability.Notifier
	optOut   capability.OptOutList
	gw       *gateway.Gateway
	recorder metrics.Recorder
	locks    keyLocks
	logger   *logx.Logger
}

// Option customizes a Service.
type Option func(*Service)

// WithRecorder sets the metrics recorder.
func WithRecorder(r metrics.Recorder) Option { return func(s *Service) { s.recorder = r } }

// WithOptOut sets the opt-out list. Without one nobody is opted out.
func WithOptOut(l capability.OptOutList) Option { return func(s *Service) { s.optOut = l } }

// New creates a Service that records outcomes in the ledger kept by ops.
func New(ops *persistence.DatabaseOperations, sender capability.Notifier, gw *gateway.Gateway, opts ...Option) *Service {
	s := &Service{
		ops:      ops,
		sender:   sender,
		gw:       gw,
		recorder: metrics.Nop{},
		logger:   logx.NewLogger("notify"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Notify attempts one notification per member of cl that is not opted out and has no sent
// entry for pr. Every attempt is recorded in the ledger. Calls for the same pair are serialized;
// different pairs proceed independently.
func (s *Service) Notify(ctx context.Context, cl *feedback.Cluster, pr capability.PullRequest) (Result, error) {
	res := Result{PRNumber: pr.Number}
	ids := cl.ItemIDs()
	slices.Sort(ids)

	var errs []error
	for _, id := range ids {
		status, err := s.notifyOne(ctx, id, cl.Theme, pr)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		switch status {
		case persistence.LedgerSent:
			res.Sent++
		case persistence.LedgerFailed:
			res.Failed++
		case persistence.LedgerSkipped:
			res.Skipped++
		case "":
			res.AlreadySent++
		}
	}

	s.logger.Info("notified cluster %s for PR #%d: sent=%d failed=%d skipped=%d already_sent=%d",
		cl.ID, pr.Number, res.Sent, res.Failed, res.Skipped, res.AlreadySent)
	return res, errors.Join(errs...)
}

// notifyOne returns the recorded status, or "" when a sent entry already existed.
func (s *Service) notifyOne(ctx context.Context, feedbackID, summary string, pr capability.PullRequest) (string, error) {
	unlock := s.locks.lock(fmt.Sprintf("%s#%d", feedbackID, pr.Number))
	defer unlock()

	sent, err := s.ops.HasSent(ctx, feedbackID, pr.Number)
	if err != nil {
		return "", fmt.Errorf("ledger check for %s: %w", feedbackID, err)
	}
	if sent {
		return "", nil
	}

	item, err := s.ops.GetClassified(ctx, feedbackID)
	if errors.Is(err, persistence.ErrNotFound) {
		return s.record(ctx, feedbackID, pr.Number, persistence.LedgerSkipped, "feedback item not stored")
	}
	if err != nil {
		return "", fmt.Errorf("load %s: %w", feedbackID, err)
	}

	if s.optOut != nil {
		out, err := s.optOut.OptedOut(ctx, item.Item)
		if err != nil {
			return "", fmt.Errorf("opt-out check for %s: %w", feedbackID, err)
		}
		if out {
			return s.record(ctx, feedbackID, pr.Number, persistence.LedgerSkipped, "author opted out")
		}
	}

	note := capability.Notification{
		FeedbackID: feedbackID,
		Author:     item.Item.Author,
		SourceURL:  item.Item.SourceURL,
		PRNumber:   pr.Number,
		PRURL:      pr.URL,
		Summary:    summary,
	}
	err = s.gw.Do(ctx, gateway.Request{Tool: gateway.ToolNotifier, Op: "notify"}, func(ctx context.Context) error {
		return s.sender.Notify(ctx, note)
	})
	if err != nil {
		s.logger.Warn("notify %s about PR #%d failed: %v", feedbackID, pr.Number, err)
		return s.record(ctx, feedbackID, pr.Number, persistence.LedgerFailed, err.Error())
	}
	return s.record(ctx, feedbackID, pr.Number, persistence.LedgerSent, "")
}

func (s *Service) record(ctx context.Context, feedbackID string, pr int, status, detail string) (string, error) {
	err := s.ops.InsertLedgerEntry(context.WithoutCancel(ctx), &persistence.LedgerEntry{
		FeedbackID: feedbackID,
		PRNumber:   pr,
		Status:     status,
		Detail:     detail,
	})
	if errors.Is(err, persistence.ErrAlreadySent) {
		// Another process recorded the send first.
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("record %s for %s: %w", status, feedbackID, err)
	}
	s.recorder.ObserveNotification(status)
	return status, nil
}

// keyLocks hands out one mutex per key and drops it when no holder remains.
type keyLocks struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

func (k *keyLocks) lock(key string) (unlock func()) {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*keyLock)
	}
	l, ok := k.locks[key]
	if !ok {
		l = &keyLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

// AuthorOptOut opts out a fixed list of authors. Matching ignores case and a leading "@".
type AuthorOptOut struct {
	authors map[string]struct{}
}

// NewAuthorOptOut builds the list.
func NewAuthorOptOut(authors []string) *AuthorOptOut {
	m := make(map[string]struct{}, len(authors))
	for _, a := range authors {
		m[normalizeAuthor(a)] = struct{}{}
	}
	return &AuthorOptOut{authors: m}
}

// OptedOut implements capability.OptOutList.
func (o *AuthorOptOut) OptedOut(_ context.Context, item feedback.Item) (bool, error) {
	_, ok := o.authors[normalizeAuthor(item.Author)]
	return ok, nil
}

func normalizeAuthor(a string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(a), "@"))
}

// LogNotifier writes notifications to the log instead of delivering them.
type LogNotifier struct {
	logger *logx.Logger
}

// NewLogNotifier creates a LogNotifier.
func NewLogNotifier() *LogNotifier {
	return &LogNotifier{logger: logx.NewLogger("notify")}
}

// Notify implements capability.Notifier.
func (n *LogNotifier) Notify(_ context.Context, note capability.Notification) error {
	n.logger.Info("📣 %s: feedback %s resolved by PR #%d %s", note.Author, note.FeedbackID, note.PRNumber, note.PRURL)
	return nil
}
