package kernel

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ford/internal/mocks"
	"ford/pkg/config"
	"ford/pkg/dispatch"
	"ford/pkg/feedback"
	"ford/pkg/persistence"
)

// resetPersistence resets the database singleton before and after a test.
func resetPersistence(t *testing.T) {
	t.Helper()
	require.NoError(t, persistence.Reset())
	t.Cleanup(func() { _ = persistence.Reset() })
}

func testConfig(t *testing.T, dataDir string) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.DataDir = dataDir
	cfg.Metrics.ListenAddr = ""
	cfg.Scheduler.AdmissionInterval = 10 * time.Millisecond
	cfg.Scheduler.SignalPollInterval = 10 * time.Millisecond
	require.NoError(t, cfg.Validate())
	return cfg
}

func testCapabilities(root string) Capabilities {
	return Capabilities{
		Classifier: mocks.NewMockClassifier(),
		Generator:  mocks.NewMockGenerator(),
		Embedder: mocks.NewMockEmbedder(map[string][]float32{
			"save crashes":           {1, 0, 0, 0},
			"crash when saving file": {0.98, 0.1, 0, 0},
		}),
		Vectors:   mocks.NewMemVectorIndex(),
		Forge:     mocks.NewMockForge(),
		Workspace: mocks.NewMockWorkspace(root),
		Terminal:  mocks.NewMockTerminal(),
		Notifier:  mocks.NewMockNotifier(),
		Alerter:   &mocks.MockAlerter{},
	}
}

func stopKernel(t *testing.T, k *Kernel) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, k.Stop(ctx))
}

func TestNewKernelRequiresLLMKey(t *testing.T) {
	resetPersistence(t)
	cfg := testConfig(t, t.TempDir())
	cfg.LLM.APIKeyEnv = "FORD_KERNEL_TEST_LLM_KEY"
	t.Setenv("FORD_KERNEL_TEST_LLM_KEY", "")

	caps := testCapabilities(cfg.WorkspaceRoot())
	caps.Classifier = nil

	_, err := NewKernel(context.Background(), cfg, caps)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "FORD_KERNEL_TEST_LLM_KEY is not set")
	assert.False(t, persistence.IsInitialized(), "database must be closed after a failed start")
}

func TestLLMProviderSelectsClient(t *testing.T) {
	ctx := context.Background()
	for _, provider := range []string{config.LLMProviderAnthropic, config.LLMProviderOpenAI, config.LLMProviderGemini} {
		cfg := config.Default()
		cfg.LLM.Provider = provider
		client, err := newLLMClient(ctx, cfg, "test-key")
		require.NoError(t, err, provider)
		assert.Equal(t, provider, client.Provider())
	}
}

func TestGitHubNotifierNeedsForge(t *testing.T) {
	resetPersistence(t)
	cfg := testConfig(t, t.TempDir())
	cfg.Notify.Channel = config.NotifyChannelGitHub

	caps := testCapabilities(cfg.WorkspaceRoot())
	caps.Notifier = nil

	_, err := NewKernel(context.Background(), cfg, caps)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "GitHub forge")
}

func TestKernelStartStop(t *testing.T) {
	resetPersistence(t)
	cfg := testConfig(t, t.TempDir())
	ctx := context.Background()

	k, err := NewKernel(ctx, cfg, testCapabilities(cfg.WorkspaceRoot()))
	require.NoError(t, err)
	require.NoError(t, k.Start(ctx))
	assert.Error(t, k.Start(ctx), "second start must fail")

	st, err := k.Dispatcher.Status(ctx)
	require.NoError(t, err)
	assert.False(t, st.SafeMode)
	assert.Empty(t, st.Clusters)

	stopKernel(t, k)
	assert.False(t, persistence.IsInitialized())
}

func TestKernelRestartRestoresClusters(t *testing.T) {
	resetPersistence(t)
	cfg := testConfig(t, t.TempDir())
	ctx := context.Background()
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	k, err := NewKernel(ctx, cfg, testCapabilities(cfg.WorkspaceRoot()))
	require.NoError(t, err)
	require.NoError(t, k.Start(ctx))

	res, err := k.Dispatcher.Ingest(ctx, []feedback.Item{
		{ID: "fb-1", Author: "ana", Text: "save crashes", Timestamp: at},
		{ID: "fb-2", Author: "bo", Text: "crash when saving file", Timestamp: at},
	})
	require.NoError(t, err)
	require.Len(t, res.Clusters, 1)
	clusterID := res.Clusters[0].ID
	stopKernel(t, k)

	require.NoError(t, persistence.Reset())
	k, err = NewKernel(ctx, cfg, testCapabilities(cfg.WorkspaceRoot()))
	require.NoError(t, err)
	require.NoError(t, k.Start(ctx))
	defer stopKernel(t, k)

	stored, err := dispatch.StatusFromStore(ctx, k.Ops)
	require.NoError(t, err)
	require.NotNil(t, stored.Checkpoint)

	st, err := k.Dispatcher.Status(ctx)
	require.NoError(t, err)
	require.Len(t, st.Clusters, 1)
	assert.Equal(t, clusterID, st.Clusters[0].ID)
	assert.Equal(t, feedback.ClusterPending, st.Clusters[0].Status)
	assert.Equal(t, 2, st.Clusters[0].Size)
}

func TestGatewayConfigFromConfig(t *testing.T) {
	cfg := config.Default()
	gc := GatewayConfig(cfg)

	assert.Equal(t, cfg.Gateway.CallTimeout, gc.CallTimeout)
	assert.Equal(t, cfg.Gateway.MaxRetries, gc.Retry.MaxRetries)
	assert.Equal(t, cfg.Gateway.InitialBackoff, gc.Retry.InitialDelay)
	assert.Equal(t, cfg.Gateway.BreakerThreshold, gc.Breaker.FailureThreshold)
	assert.Equal(t, cfg.Gateway.BreakerCooldown, gc.Breaker.Cooldown)
	assert.InDelta(t, cfg.Policy.CallsPerSecond, gc.CallsPerSecond, 0)
}

func TestPolicyResolvesAllowedDirs(t *testing.T) {
	cfg := config.Default()
	cfg.DataDir = "/srv/ford"
	cfg.Policy.AllowedDirs = []string{"workspaces", "/tmp/extra"}

	p := Policy(cfg)
	assert.Equal(t, []string{"/srv/ford/workspaces", "/tmp/extra"}, p.AllowedDirs)
	assert.True(t, p.SecretScan)
}
