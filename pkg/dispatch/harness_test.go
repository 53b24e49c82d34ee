package dispatch

import (
	"context"
	"database/sql"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"ford/internal/mocks"
	"ford/pkg/capability/fsys"
	"ford/pkg/changerequest"
	"ford/pkg/checkpoint"
	"ford/pkg/cluster"
	"ford/pkg/feedback"
	"ford/pkg/gateway"
	"ford/pkg/limiter"
	"ford/pkg/notify"
	"ford/pkg/persistence"
	"ford/pkg/policy"
	"ford/pkg/queue"
	"ford/pkg/validation"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreAnyFunction("github.com/patrickmn/go-cache.(*janitor).Run"),
		goleak.IgnoreAnyFunction("database/sql.(*DB).connectionOpener"),
	)
}

const (
	waitFor = 5 * time.Second
	tickFor = 10 * time.Millisecond
)

func noSleep(context.Context, time.Duration) error { return nil }

// Texts with hand-picked embeddings: the two "save" reports cluster together.
var embeddings = map[string][]float32{
	"save crashes":           {1, 0, 0, 0},
	"crash when saving file": {0.98, 0.1, 0, 0},
	"dark mode please":       {0, 1, 0, 0},
	"export to csv":          {0, 0, 1, 0},
}

type fakeValidator struct {
	mu            sync.Mutex
	validateCalls int
	report        *validation.Report
}

func newFakeValidator() *fakeValidator {
	return &fakeValidator{report: &validation.Report{Passed: true, Stages: []validation.StageResult{
		{Stage: validation.StageLint, Status: validation.StatusPassed},
		{Stage: validation.StageTest, Status: validation.StatusPassed},
		{Stage: validation.StageBuild, Status: validation.StatusPassed},
	}}}
}

func (f *fakeValidator) Validate(context.Context, validation.Request) (*validation.Report, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.validateCalls++
	return f.report, nil
}

// RunStage reports the freshly generated tests as failing, as they must be before the fix.
func (f *fakeValidator) RunStage(context.Context, validation.Request, validation.Stage) (validation.StageResult, error) {
	return validation.StageResult{Stage: validation.StageTest, Status: validation.StatusFailed, ExitCode: 1, Output: "--- FAIL"}, nil
}

func (f *fakeValidator) ValidateCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.validateCalls
}

type setup struct {
	maxConcurrent       int
	releaseDuringReview bool
	deletionThreshold   int
	// db, root and forge are reused to simulate a restart.
	db    *sql.DB
	root  string
	forge *mocks.MockForge
}

type harness struct {
	root       string
	db         *sql.DB
	ops        *persistence.DatabaseOperations
	store      *checkpoint.Store
	gw         *gateway.Gateway
	engine     *cluster.Engine
	queue      *queue.Queue
	limiter    *limiter.Limiter
	safe       *SafeMode
	alerter    *mocks.MockAlerter
	classifier *mocks.MockClassifier
	generator  *mocks.MockGenerator
	forge      *mocks.MockForge
	workspace  *mocks.MockWorkspace
	validator  *fakeValidator
	sender     *mocks.MockNotifier
	vectors    *mocks.MemVectorIndex
	d          *Dispatcher
}

func newHarness(t *testing.T, s setup) *harness {
	t.Helper()
	ctx := context.Background()

	if s.root == "" {
		s.root = t.TempDir()
	}
	if s.db == nil {
		db, err := persistence.InitializeDatabase(filepath.Join(t.TempDir(), "ford.db"))
		require.NoError(t, err)
		t.Cleanup(func() { _ = db.Close() })
		s.db = db
	}
	if s.forge == nil {
		s.forge = mocks.NewMockForge()
	}
	if s.maxConcurrent == 0 {
		s.maxConcurrent = 3
	}

	h := &harness{
		root:       s.root,
		db:         s.db,
		ops:        persistence.NewDatabaseOperations(s.db),
		alerter:    &mocks.MockAlerter{},
		classifier: mocks.NewMockClassifier(),
		generator:  mocks.NewMockGenerator(),
		forge:      s.forge,
		workspace:  mocks.NewMockWorkspace(s.root),
		validator:  newFakeValidator(),
		sender:     mocks.NewMockNotifier(),
		vectors:    mocks.NewMemVectorIndex(),
	}
	h.safe = NewSafeMode(h.alerter, nil)
	h.gw = gateway.New(gateway.DefaultConfig(), policy.Policy{AllowedDirs: []string{s.root}},
		gateway.WithSleeper(noSleep),
		gateway.OnBreakerOpen(h.safe.BreakerOpened),
		gateway.OnSecurityEvent(h.safe.SecurityEvent))
	h.engine = cluster.New(cluster.Config{}, mocks.NewMockEmbedder(embeddings), h.gw,
		cluster.OnDeadLetter(DeadLetterSink(h.ops, nil)))
	h.queue = queue.New(nil)

	var err error
	h.limiter, err = limiter.NewLimiter(s.maxConcurrent, s.releaseDuringReview, nil)
	require.NoError(t, err)
	h.store, err = checkpoint.Open(ctx, h.ops, 24*time.Hour)
	require.NoError(t, err)

	h.d = NewDispatcher(Config{
		AdmissionInterval:  tickFor,
		SignalPollInterval: tickFor,
		Driver:             changerequest.Config{DeletionThreshold: s.deletionThreshold},
	}, Deps{
		Ops:         h.ops,
		Checkpoints: h.store,
		Gateway:     h.gw,
		Classifier:  h.classifier,
		Vectors:     h.vectors,
		Clusters:    h.engine,
		Queue:       h.queue,
		Limiter:     h.limiter,
		Notifier:    notify.New(h.ops, h.sender, h.gw),
		SafeMode:    h.safe,
		Alerter:     h.alerter,
		Driver: changerequest.Deps{
			Gateway:   h.gw,
			Generator: h.generator,
			Forge:     h.forge,
			Workspace: h.workspace,
			Files:     fsys.NewLocal(),
			Validator: h.validator,
		},
	})
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	require.NoError(t, h.d.Start(context.Background()))
	t.Cleanup(func() { h.stop(t) })
}

func (h *harness) stop(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, h.d.Stop(ctx))
}

func item(id, author, text string) feedback.Item {
	return feedback.Item{ID: id, Author: author, Text: text, Timestamp: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

// ingestCluster ingests items that form one cluster and returns its id.
func (h *harness) ingestCluster(t *testing.T, items ...feedback.Item) string {
	t.Helper()
	res, err := h.d.Ingest(context.Background(), items)
	require.NoError(t, err)
	require.Len(t, res.Clusters, 1)
	return res.Clusters[0].ID
}

// changeRequestOf waits for the cluster to be linked to a change request.
func (h *harness) changeRequestOf(t *testing.T, clusterID string) string {
	t.Helper()
	var id string
	require.Eventually(t, func() bool {
		cl, err := h.engine.Get(clusterID)
		if err != nil {
			return false
		}
		id = cl.ChangeRequestID
		return id != ""
	}, waitFor, tickFor)
	return id
}

// awaiting waits until the change request suspends for kind.
func (h *harness) awaiting(t *testing.T, crID string, kind changerequest.SignalKind) *changerequest.ChangeRequest {
	t.Helper()
	var cr *changerequest.ChangeRequest
	require.Eventually(t, func() bool {
		got, err := h.d.ChangeRequest(crID)
		if err != nil {
			return false
		}
		cr = got
		return got.IsAwaiting(kind)
	}, waitFor, tickFor)
	return cr
}

// clusterStatus is safe to call from Eventually conditions.
func (h *harness) clusterStatus(clusterID string) feedback.ClusterStatus {
	cl, err := h.engine.Get(clusterID)
	if err != nil {
		return ""
	}
	return cl.Status
}
