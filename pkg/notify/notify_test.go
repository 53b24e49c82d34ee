package notify

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ford/internal/mocks"
	"ford/pkg/capability"
	"ford/pkg/feedback"
	"ford/pkg/gateway"
	"ford/pkg/persistence"
	"ford/pkg/policy"
	"ford/pkg/resilience"
)

func noSleep(context.Context, time.Duration) error { return nil }

type fixture struct {
	ops     *persistence.DatabaseOperations
	sender  *mocks.MockNotifier
	service *Service
	cluster *feedback.Cluster
	pr      capability.PullRequest
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	db, err := persistence.InitializeDatabase(filepath.Join(t.TempDir(), "ford.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	ops := persistence.NewDatabaseOperations(db)

	ctx := context.Background()
	now := time.Now()
	var cl *feedback.Cluster
	for _, it := range []feedback.Item{
		{ID: "f1", Author: "@ana"},
		{ID: "f2", Author: "@bo"},
		{ID: "f3", Author: "@cy"},
	} {
		c := feedback.Classified{Item: it, Classification: feedback.Classification{Category: feedback.CategoryBug, Severity: 50}}
		_, err := ops.SaveClassified(ctx, c)
		require.NoError(t, err)
		if cl == nil {
			cl = feedback.NewCluster("c1", c, now)
			continue
		}
		require.NoError(t, cl.Add(c, now))
	}

	sender := mocks.NewMockNotifier()
	gw := gateway.New(gateway.DefaultConfig(), policy.Policy{}, gateway.WithSleeper(noSleep))
	return &fixture{
		ops:     ops,
		sender:  sender,
		service: New(ops, sender, gw, opts...),
		cluster: cl,
		pr:      capability.PullRequest{Number: 42, URL: "https://example.test/pr/42"},
	}
}

func TestNotifyTwiceSendsOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.service.Notify(ctx, f.cluster, f.pr)
	require.NoError(t, err)
	assert.Equal(t, 3, first.Sent)

	second, err := f.service.Notify(ctx, f.cluster, f.pr)
	require.NoError(t, err)
	assert.Equal(t, 0, second.Sent)
	assert.Equal(t, 3, second.AlreadySent)
	assert.Equal(t, 3, f.sender.SentCount())

	entries, err := f.ops.LedgerEntries(ctx, 42)
	require.NoError(t, err)
	assert.Len(t, entries, 3)
}

func TestConcurrentNotifySendsOncePerPair(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.service.Notify(ctx, f.cluster, f.pr)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 3, f.sender.SentCount())
	for _, id := range []string{"f1", "f2", "f3"} {
		sent, err := f.ops.HasSent(ctx, id, 42)
		require.NoError(t, err)
		assert.True(t, sent, id)
	}
}

func TestOptedOutAuthorsAreSkipped(t *testing.T) {
	f := newFixture(t, WithOptOut(NewAuthorOptOut([]string{"BO"})))

	res, err := f.service.Notify(context.Background(), f.cluster, f.pr)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Sent)
	assert.Equal(t, 1, res.Skipped)
}

func TestFailedSendIsRecordedAndRetriedLater(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.sender.NotifyFunc = func(_ context.Context, n capability.Notification) error {
		if n.FeedbackID == "f2" {
			return resilience.Permanent(errors.New("401 unauthorized"))
		}
		return nil
	}

	res, err := f.service.Notify(ctx, f.cluster, f.pr)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Sent)
	assert.Equal(t, 1, res.Failed)

	f.sender.NotifyFunc = func(context.Context, capability.Notification) error { return nil }
	res, err = f.service.Notify(ctx, f.cluster, f.pr)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Sent)
	assert.Equal(t, 2, res.AlreadySent)

	entries, err := f.ops.LedgerEntries(ctx, 42)
	require.NoError(t, err)
	assert.Len(t, entries, 4)
}

func TestUnknownItemIsSkipped(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.cluster.Add(feedback.Classified{
		Item:           feedback.Item{ID: "ghost"},
		Classification: feedback.Classification{Category: feedback.CategoryBug, Severity: 10},
	}, time.Now()))

	res, err := f.service.Notify(context.Background(), f.cluster, f.pr)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Sent)
	assert.Equal(t, 1, res.Skipped)
}
