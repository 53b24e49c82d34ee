// Package kernel wires ford's infrastructure from configuration: database, metrics, safe mode,
// the tool gateway, every capability adapter and the dispatcher. The serve command and the
// tests build the same graph through NewKernel.
package kernel

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"time"

	"ford/pkg/capability"
	"ford/pkg/capability/embed"
	"ford/pkg/capability/forge"
	"ford/pkg/capability/fsys"
	"ford/pkg/capability/gitrepo"
	"ford/pkg/capability/llm"
	"ford/pkg/capability/shell"
	"ford/pkg/capability/vectordb"
	"ford/pkg/changerequest"
	"ford/pkg/checkpoint"
	"ford/pkg/cluster"
	"ford/pkg/config"
	"ford/pkg/dispatch"
	"ford/pkg/gateway"
	"ford/pkg/limiter"
	"ford/pkg/logx"
	"ford/pkg/metrics"
	"ford/pkg/notify"
	"ford/pkg/persistence"
	"ford/pkg/policy"
	"ford/pkg/queue"
	"ford/pkg/resilience/circuit"
	"ford/pkg/resilience/retry"
	"ford/pkg/validation"
	"ford/pkg/version"
)

// Capabilities are the external integrations. Nil fields are built from the config; tests
// and alternative deployments inject their own.
type Capabilities struct {
	Classifier capability.Classifier
	Generator  capability.CodeGenerator
	Embedder   capability.Embedder
	Vectors    capability.VectorIndex
	Forge      capability.Forge
	Workspace  capability.Workspace
	Terminal   capability.Terminal
	Files      capability.Filesystem
	Notifier   capability.Notifier
	Alerter    capability.Alerter
}

// Kernel owns the lifecycle of every long-lived component.
type Kernel struct {
	Config *config.Config
	Logger *logx.Logger

	Database    *sql.DB
	Ops         *persistence.DatabaseOperations
	Metrics     *metrics.PrometheusRecorder
	SafeMode    *dispatch.SafeMode
	Gateway     *gateway.Gateway
	Checkpoints *checkpoint.Store
	Dispatcher  *dispatch.Dispatcher

	caps          Capabilities
	github        *forge.GitHub
	metricsServer *http.Server
	metricsDone   chan struct{}
	running       bool
}

// NewKernel builds the component graph. Nothing runs until Start.
func NewKernel(ctx context.Context, cfg *config.Config, caps Capabilities) (*Kernel, error) {
	k := &Kernel{
		Config: cfg,
		Logger: logx.NewLogger("kernel"),
		caps:   caps,
	}

	if err := k.initializeDatabase(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	k.Metrics = metrics.NewPrometheusRecorder()
	if k.caps.Alerter == nil {
		k.caps.Alerter = dispatch.NewLogAlerter()
	}
	k.SafeMode = dispatch.NewSafeMode(k.caps.Alerter, k.Metrics)
	k.Gateway = gateway.New(GatewayConfig(cfg), Policy(cfg),
		gateway.WithRecorder(k.Metrics),
		gateway.OnBreakerOpen(k.SafeMode.BreakerOpened),
		gateway.OnSecurityEvent(k.SafeMode.SecurityEvent))

	if err := k.initializeCapabilities(ctx); err != nil {
		_ = persistence.Close()
		return nil, fmt.Errorf("failed to initialize capabilities: %w", err)
	}
	if err := k.initializeDispatcher(ctx); err != nil {
		_ = persistence.Close()
		return nil, fmt.Errorf("failed to initialize dispatcher: %w", err)
	}

	k.Logger.Info("Kernel services initialized successfully")
	return k, nil
}

func (k *Kernel) initializeDatabase(ctx context.Context) error {
	if err := persistence.Initialize(k.Config.DatabasePath()); err != nil {
		return err
	}
	k.Database = persistence.GetDB()
	k.Ops = persistence.NewDatabaseOperations(k.Database)

	store, err := checkpoint.Open(ctx, k.Ops, k.Config.Checkpoint.Retention)
	if err != nil {
		_ = persistence.Close()
		return err
	}
	k.Checkpoints = store
	return nil
}

// GatewayConfig maps the gateway and policy sections onto gateway.Config.
func GatewayConfig(cfg *config.Config) gateway.Config {
	return gateway.Config{
		CallTimeout: cfg.Gateway.CallTimeout,
		Retry: retry.Config{
			MaxRetries:    cfg.Gateway.MaxRetries,
			InitialDelay:  cfg.Gateway.InitialBackoff,
			BackoffFactor: cfg.Gateway.BackoffFactor,
		},
		Breaker: circuit.Config{
			FailureThreshold: cfg.Gateway.BreakerThreshold,
			Cooldown:         cfg.Gateway.BreakerCooldown,
		},
		CallsPerSecond: cfg.Policy.CallsPerSecond,
		Burst:          cfg.Policy.Burst,
	}
}

// Policy builds the guard policy. Allowed directories are resolved against the data dir.
func Policy(cfg *config.Config) policy.Policy {
	return policy.Policy{
		AllowedDirs:      cfg.AllowedDirs(),
		CommandWhitelist: cfg.Policy.CommandWhitelist,
		SecretScan:       cfg.Policy.SecretScan,
	}
}

func newLLMClient(ctx context.Context, cfg *config.Config, key string) (*llm.Client, error) {
	switch cfg.LLM.Provider {
	case config.LLMProviderOpenAI:
		return llm.NewOpenAIClient(key, cfg.LLM.Model, cfg.LLM.MaxOutputTokens, cfg.LLM.MaxContextTokens)
	case config.LLMProviderGemini:
		return llm.NewGeminiClient(ctx, key, cfg.LLM.Model, cfg.LLM.MaxOutputTokens, cfg.LLM.MaxContextTokens, "")
	default:
		return llm.NewClient(key, cfg.LLM.Model, cfg.LLM.MaxOutputTokens, cfg.LLM.MaxContextTokens)
	}
}

//nolint:cyclop // One branch per capability
func (k *Kernel) initializeCapabilities(ctx context.Context) error {
	cfg := k.Config
	c := &k.caps

	if c.Classifier == nil || c.Generator == nil {
		key, err := cfg.LLMAPIKey()
		if err != nil {
			return err
		}
		client, err := newLLMClient(ctx, cfg, key)
		if err != nil {
			return fmt.Errorf("llm client: %w", err)
		}
		if c.Classifier == nil {
			c.Classifier = client
		}
		if c.Generator == nil {
			c.Generator = client
		}
	}

	if c.Embedder == nil {
		o, err := embed.NewOllama(cfg.Embedding.URL, cfg.Embedding.Model)
		if err != nil {
			return fmt.Errorf("embedder: %w", err)
		}
		c.Embedder = o
	}

	if c.Vectors == nil {
		idx, err := vectordb.OpenPersistent(cfg.Resolve(cfg.Vector.Path), cfg.Vector.Collection)
		if err != nil {
			return err
		}
		c.Vectors = idx
	}

	if c.Forge == nil {
		token := cfg.GitHubToken()
		if token == "" {
			return fmt.Errorf("%s is not set", cfg.GitHub.TokenEnv)
		}
		gh, err := forge.NewGitHub(ctx, token, cfg.Repo.Owner, cfg.Repo.Name)
		if err != nil {
			return fmt.Errorf("forge: %w", err)
		}
		k.github = gh
		c.Forge = gh
	}

	if c.Workspace == nil {
		ws, err := gitrepo.New(gitrepo.Options{
			Root:       cfg.WorkspaceRoot(),
			RemoteURL:  cfg.Repo.RemoteURL,
			BaseBranch: cfg.Repo.BaseBranch,
			Token:      cfg.GitHubToken(),
		})
		if err != nil {
			return fmt.Errorf("workspace: %w", err)
		}
		c.Workspace = ws
	}

	if c.Terminal == nil {
		c.Terminal = shell.NewLocalExec()
	}
	if c.Files == nil {
		c.Files = fsys.NewLocal()
	}

	if c.Notifier == nil {
		switch cfg.Notify.Channel {
		case config.NotifyChannelGitHub:
			if k.github == nil {
				return errors.New("notify.channel github needs the GitHub forge")
			}
			c.Notifier = forge.NewCommentNotifier(k.github)
		default:
			c.Notifier = notify.NewLogNotifier()
		}
	}
	return nil
}

func (k *Kernel) initializeDispatcher(_ context.Context) error {
	cfg := k.Config

	engine := cluster.New(cluster.Config{
		Threshold: cfg.Clustering.SimilarityThreshold,
		CacheTTL:  cfg.Clustering.EmbeddingCacheTTL,
	}, k.caps.Embedder, k.Gateway, cluster.OnDeadLetter(dispatch.DeadLetterSink(k.Ops, k.Metrics)))

	lim, err := limiter.NewLimiter(cfg.Scheduler.ConcurrencyLimit, cfg.Scheduler.ReleaseSlotDuringReview, k.Metrics.SetActive)
	if err != nil {
		return err
	}

	pipeline := validation.NewPipeline(k.caps.Terminal, k.Gateway, validation.Commands{
		Lint:  cfg.Validation.Lint,
		Test:  cfg.Validation.Test,
		Build: cfg.Validation.Build,
	}, cfg.Validation.StageTimeout)

	notifier := notify.New(k.Ops, k.caps.Notifier, k.Gateway,
		notify.WithRecorder(k.Metrics),
		notify.WithOptOut(notify.NewAuthorOptOut(cfg.Notify.OptOutAuthors)))

	k.Dispatcher = dispatch.NewDispatcher(dispatch.Config{
		AdmissionInterval:  cfg.Scheduler.AdmissionInterval,
		SignalPollInterval: cfg.Scheduler.SignalPollInterval,
		Driver: changerequest.Config{
			BaseBranch:        cfg.Repo.BaseBranch,
			DeletionThreshold: cfg.Changes.DeletionApprovalThreshold,
			SlugLength:        cfg.Changes.SlugMaxLength,
			IssueLabels:       []string{"ford"},
		},
	}, dispatch.Deps{
		Ops:         k.Ops,
		Checkpoints: k.Checkpoints,
		Gateway:     k.Gateway,
		Classifier:  k.caps.Classifier,
		Vectors:     k.caps.Vectors,
		Clusters:    engine,
		Queue:       queue.New(k.Metrics.SetQueueDepth),
		Limiter:     lim,
		Notifier:    notifier,
		SafeMode:    k.SafeMode,
		Alerter:     k.caps.Alerter,
		Recorder:    k.Metrics,
		Driver: changerequest.Deps{
			Gateway:   k.Gateway,
			Generator: k.caps.Generator,
			Forge:     k.caps.Forge,
			Workspace: k.caps.Workspace,
			Files:     k.caps.Files,
			Validator: pipeline,
		},
	})
	return nil
}

// Start restores the latest checkpoint, starts the dispatcher and the metrics endpoint.
func (k *Kernel) Start(ctx context.Context) error {
	if k.running {
		return errors.New("kernel already running")
	}
	k.Logger.Info("Starting kernel services (ford %s)...", version.String())

	if err := k.Dispatcher.Restore(ctx); err != nil {
		return fmt.Errorf("failed to restore state: %w", err)
	}
	if err := k.Dispatcher.Start(ctx); err != nil {
		return fmt.Errorf("failed to start dispatcher: %w", err)
	}
	if addr := k.Config.Metrics.ListenAddr; addr != "" {
		k.startMetricsServer(addr)
	}

	k.running = true
	k.Logger.Info("Kernel services started successfully")
	return nil
}

func (k *Kernel) startMetricsServer(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", k.Metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		if k.SafeMode.Active() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("safe mode\n"))
			return
		}
		_, _ = w.Write([]byte("ok\n"))
	})
	k.metricsServer = &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	k.metricsDone = make(chan struct{})

	go func() {
		defer close(k.metricsDone)
		k.Logger.Info("Serving metrics on %s", addr)
		if err := k.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			k.Logger.Error("metrics server failed: %v", err)
		}
	}()
}

// Stop stops the dispatcher (writing a final checkpoint), the metrics endpoint and closes the
// database.
func (k *Kernel) Stop(ctx context.Context) error {
	if k.running {
		k.Logger.Info("Stopping kernel services...")
		if err := k.Dispatcher.Stop(ctx); err != nil {
			k.Logger.Error("Error stopping dispatcher: %v", err)
		}
		if k.metricsServer != nil {
			if err := k.metricsServer.Shutdown(ctx); err != nil {
				k.Logger.Warn("metrics server shutdown: %v", err)
			}
			<-k.metricsDone
		}
		k.running = false
	}

	if err := persistence.Close(); err != nil {
		return err
	}
	k.Logger.Info("Kernel services stopped")
	return nil
}

// OpenStore opens only the database, for CLI commands that talk to a running (or stopped)
// service through the signal inbox. The returned closer also resets the singleton so the store
// can be reopened in the same process.
func OpenStore(cfg *config.Config) (*persistence.DatabaseOperations, func() error, error) {
	if err := persistence.Initialize(cfg.DatabasePath()); err != nil {
		return nil, nil, fmt.Errorf("failed to open database: %w", err)
	}
	return persistence.Ops(), persistence.Reset, nil
}
