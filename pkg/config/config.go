// Package config provides configuration loading, validation, and persistence for ford.
//
// Precedence (highest to lowest):
//  1. Environment variables prefixed FORD_ (FORD_GATEWAY_CALL_TIMEOUT -> gateway.call_timeout)
//  2. YAML config file (.ford/config.yaml by default)
//  3. Defaults from Default()
//
// Configuration is immutable for the lifetime of a process. State (queue contents, change
// requests, ledger) never lives here; it belongs in the database.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// SchemaVersion is bumped whenever a field changes meaning.
const SchemaVersion = "1"

const (
	// DefaultDir is where ford keeps config, database and workspaces relative to the project root.
	DefaultDir = ".ford"
	// DefaultFile is the config file name inside DefaultDir.
	DefaultFile = "config.yaml"
)

// Config is the root configuration.
type Config struct {
	SchemaVersion string           `koanf:"schema_version" yaml:"schema_version"`
	DataDir       string           `koanf:"data_dir" yaml:"data_dir"`
	Repo          RepoConfig       `koanf:"repo" yaml:"repo"`
	GitHub        GitHubConfig     `koanf:"github" yaml:"github"`
	LLM           LLMConfig        `koanf:"llm" yaml:"llm"`
	Embedding     EmbeddingConfig  `koanf:"embedding" yaml:"embedding"`
	Vector        VectorConfig     `koanf:"vector" yaml:"vector"`
	Policy        PolicyConfig     `koanf:"policy" yaml:"policy"`
	Gateway       GatewayConfig    `koanf:"gateway" yaml:"gateway"`
	Scheduler     SchedulerConfig  `koanf:"scheduler" yaml:"scheduler"`
	Clustering    ClusteringConfig `koanf:"clustering" yaml:"clustering"`
	Changes       ChangesConfig    `koanf:"changes" yaml:"changes"`
	Validation    ValidationConfig `koanf:"validation" yaml:"validation"`
	Checkpoint    CheckpointConfig `koanf:"checkpoint" yaml:"checkpoint"`
	Notify        NotifyConfig     `koanf:"notify" yaml:"notify"`
	Logging       LoggingConfig    `koanf:"logging" yaml:"logging"`
	Metrics       MetricsConfig    `koanf:"metrics" yaml:"metrics"`
}

// RepoConfig identifies the repository ford changes.
type RepoConfig struct {
	Owner      string `koanf:"owner" yaml:"owner"`
	Name       string `koanf:"name" yaml:"name"`
	BaseBranch string `koanf:"base_branch" yaml:"base_branch"`
	RemoteURL  string `koanf:"remote_url" yaml:"remote_url"`
}

// GitHubConfig names the environment variable holding the token. Secrets never live in the file.
type GitHubConfig struct {
	TokenEnv string `koanf:"token_env" yaml:"token_env"`
}

// LLMConfig configures the classification and code generation capability.
type LLMConfig struct {
	// Provider is anthropic, openai or gemini.
	Provider         string `koanf:"provider" yaml:"provider"`
	Model            string `koanf:"model" yaml:"model"`
	APIKeyEnv        string `koanf:"api_key_env" yaml:"api_key_env"`
	MaxContextTokens int    `koanf:"max_context_tokens" yaml:"max_context_tokens"`
	MaxOutputTokens  int    `koanf:"max_output_tokens" yaml:"max_output_tokens"`
}

// LLM providers.
const (
	LLMProviderAnthropic = "anthropic"
	LLMProviderOpenAI    = "openai"
	LLMProviderGemini    = "gemini"
)

// EmbeddingConfig configures the embedding capability.
type EmbeddingConfig struct {
	URL   string `koanf:"url" yaml:"url"`
	Model string `koanf:"model" yaml:"model"`
}

// VectorConfig configures the similarity index.
type VectorConfig struct {
	Path       string `koanf:"path" yaml:"path"`
	Collection string `koanf:"collection" yaml:"collection"`
}

// PolicyConfig holds security policy inputs.
type PolicyConfig struct {
	AllowedDirs      []string `koanf:"allowed_dirs" yaml:"allowed_dirs"`
	CommandWhitelist []string `koanf:"command_whitelist" yaml:"command_whitelist"`
	CallsPerSecond   float64  `koanf:"calls_per_second" yaml:"calls_per_second"`
	Burst            int      `koanf:"burst" yaml:"burst"`
	SecretScan       bool     `koanf:"secret_scan" yaml:"secret_scan"`
}

// GatewayConfig configures timeout, retry and circuit breaking for tool calls.
type GatewayConfig struct {
	CallTimeout      time.Duration `koanf:"call_timeout" yaml:"call_timeout"`
	MaxRetries       int           `koanf:"max_retries" yaml:"max_retries"`
	InitialBackoff   time.Duration `koanf:"initial_backoff" yaml:"initial_backoff"`
	BackoffFactor    float64       `koanf:"backoff_factor" yaml:"backoff_factor"`
	BreakerThreshold int           `koanf:"breaker_threshold" yaml:"breaker_threshold"`
	BreakerCooldown  time.Duration `koanf:"breaker_cooldown" yaml:"breaker_cooldown"`
}

// SchedulerConfig configures admission and concurrency.
type SchedulerConfig struct {
	ConcurrencyLimit int `koanf:"concurrency_limit" yaml:"concurrency_limit"`
	// ReleaseSlotDuringReview frees the concurrency slot while a change request waits in pending_review.
	ReleaseSlotDuringReview bool          `koanf:"release_slot_during_review" yaml:"release_slot_during_review"`
	AdmissionInterval       time.Duration `koanf:"admission_interval" yaml:"admission_interval"`
	SignalPollInterval      time.Duration `koanf:"signal_poll_interval" yaml:"signal_poll_interval"`
}

// ClusteringConfig configures the cluster engine.
type ClusteringConfig struct {
	SimilarityThreshold float64       `koanf:"similarity_threshold" yaml:"similarity_threshold"`
	EmbeddingCacheTTL   time.Duration `koanf:"embedding_cache_ttl" yaml:"embedding_cache_ttl"`
}

// ChangesConfig configures change request generation.
type ChangesConfig struct {
	DeletionApprovalThreshold int `koanf:"deletion_approval_threshold" yaml:"deletion_approval_threshold"`
	SlugMaxLength             int `koanf:"slug_max_length" yaml:"slug_max_length"`
}

// ValidationConfig overrides detected lint/test/build commands. Each entry is argv.
type ValidationConfig struct {
	Lint         []string      `koanf:"lint" yaml:"lint,omitempty"`
	Test         []string      `koanf:"test" yaml:"test,omitempty"`
	Build        []string      `koanf:"build" yaml:"build,omitempty"`
	StageTimeout time.Duration `koanf:"stage_timeout" yaml:"stage_timeout"`
}

// CheckpointConfig configures checkpoint retention.
type CheckpointConfig struct {
	Retention time.Duration `koanf:"retention" yaml:"retention"`
}

// Notification channels.
const (
	NotifyChannelLog    = "log"
	NotifyChannelGitHub = "github"
)

// NotifyConfig configures how feedback authors learn their report was resolved.
type NotifyConfig struct {
	Channel       string   `koanf:"channel" yaml:"channel"`
	OptOutAuthors []string `koanf:"opt_out_authors" yaml:"opt_out_authors,omitempty"`
}

// LoggingConfig configures logx.
type LoggingConfig struct {
	Level  string `koanf:"level" yaml:"level"`
	Format string `koanf:"format" yaml:"format"`
}

// MetricsConfig configures the prometheus endpoint. Empty address disables it.
type MetricsConfig struct {
	ListenAddr string `koanf:"listen_addr" yaml:"listen_addr"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		SchemaVersion: SchemaVersion,
		DataDir:       DefaultDir,
		Repo: RepoConfig{
			BaseBranch: "main",
		},
		GitHub: GitHubConfig{TokenEnv: "GITHUB_TOKEN"},
		LLM: LLMConfig{
			Provider:         LLMProviderAnthropic,
			Model:            "claude-sonnet-4-5",
			APIKeyEnv:        "ANTHROPIC_API_KEY",
			MaxContextTokens: 60000,
			MaxOutputTokens:  8192,
		},
		Embedding: EmbeddingConfig{
			URL:   "http://localhost:11434",
			Model: "nomic-embed-text",
		},
		Vector: VectorConfig{
			Path:       "vectors",
			Collection: "feedback",
		},
		Policy: PolicyConfig{
			AllowedDirs:      []string{"workspaces"},
			CommandWhitelist: []string{"go", "make", "golangci-lint", "npm", "npx", "pytest", "python3", "ruff"},
			CallsPerSecond:   20,
			Burst:            40,
			SecretScan:       true,
		},
		Gateway: GatewayConfig{
			CallTimeout:      30 * time.Second,
			MaxRetries:       3,
			InitialBackoff:   time.Second,
			BackoffFactor:    2,
			BreakerThreshold: 3,
			BreakerCooldown:  60 * time.Second,
		},
		Scheduler: SchedulerConfig{
			ConcurrencyLimit:        2,
			ReleaseSlotDuringReview: false,
			AdmissionInterval:       2 * time.Second,
			SignalPollInterval:      time.Second,
		},
		Clustering: ClusteringConfig{
			SimilarityThreshold: 0.8,
			EmbeddingCacheTTL:   30 * time.Minute,
		},
		Changes: ChangesConfig{
			DeletionApprovalThreshold: 100,
			SlugMaxLength:             40,
		},
		Validation: ValidationConfig{
			StageTimeout: 10 * time.Minute,
		},
		Checkpoint: CheckpointConfig{
			Retention: 7 * 24 * time.Hour,
		},
		Notify: NotifyConfig{Channel: NotifyChannelLog},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
		Metrics: MetricsConfig{ListenAddr: ":9464"},
	}
}

// Validate checks the configuration for values the core cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.SchemaVersion != SchemaVersion {
		errs = append(errs, fmt.Errorf("unsupported schema_version %q (want %q)", c.SchemaVersion, SchemaVersion))
	}
	if c.DataDir == "" {
		errs = append(errs, errors.New("data_dir is required"))
	}
	if len(c.Policy.AllowedDirs) == 0 {
		errs = append(errs, errors.New("policy.allowed_dirs must not be empty"))
	}
	for _, cmd := range c.Policy.CommandWhitelist {
		if cmd == "" || strings.ContainsAny(cmd, "/ \t") {
			errs = append(errs, fmt.Errorf("policy.command_whitelist entry %q must be a bare command name", cmd))
		}
	}
	if c.Policy.CallsPerSecond <= 0 || c.Policy.Burst <= 0 {
		errs = append(errs, errors.New("policy.calls_per_second and policy.burst must be positive"))
	}
	if c.Gateway.CallTimeout <= 0 {
		errs = append(errs, errors.New("gateway.call_timeout must be positive"))
	}
	if c.Gateway.MaxRetries < 0 {
		errs = append(errs, errors.New("gateway.max_retries must not be negative"))
	}
	if c.Gateway.BreakerThreshold < 1 {
		errs = append(errs, errors.New("gateway.breaker_threshold must be at least 1"))
	}
	if c.Scheduler.ConcurrencyLimit < 1 {
		errs = append(errs, errors.New("scheduler.concurrency_limit must be at least 1"))
	}
	if t := c.Clustering.SimilarityThreshold; t <= 0 || t >= 1 {
		errs = append(errs, fmt.Errorf("clustering.similarity_threshold %v must be in (0,1)", t))
	}
	if c.Changes.DeletionApprovalThreshold < 0 {
		errs = append(errs, errors.New("changes.deletion_approval_threshold must not be negative"))
	}
	if c.Changes.SlugMaxLength < 1 {
		errs = append(errs, errors.New("changes.slug_max_length must be at least 1"))
	}
	switch c.LLM.Provider {
	case LLMProviderAnthropic, LLMProviderOpenAI, LLMProviderGemini:
	default:
		errs = append(errs, fmt.Errorf("llm.provider %q must be anthropic, openai or gemini", c.LLM.Provider))
	}
	switch c.Notify.Channel {
	case NotifyChannelLog, NotifyChannelGitHub:
	default:
		errs = append(errs, fmt.Errorf("notify.channel %q must be log or github", c.Notify.Channel))
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("logging.format %q must be json or console", c.Logging.Format))
	}
	return errors.Join(errs...)
}

// Resolve returns p relative to DataDir unless it is absolute.
func (c *Config) Resolve(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.DataDir, p)
}

// DatabasePath returns the sqlite file path.
func (c *Config) DatabasePath() string {
	return c.Resolve("ford.db")
}

// WorkspaceRoot returns the directory per-change-request workspaces are created under.
func (c *Config) WorkspaceRoot() string {
	return c.Resolve("workspaces")
}

// AllowedDirs returns policy.allowed_dirs resolved against DataDir.
func (c *Config) AllowedDirs() []string {
	out := make([]string, 0, len(c.Policy.AllowedDirs))
	for _, d := range c.Policy.AllowedDirs {
		out = append(out, c.Resolve(d))
	}
	return out
}

// GitHubToken reads the token from the configured environment variable.
func (c *Config) GitHubToken() string {
	return os.Getenv(c.GitHub.TokenEnv)
}

// LLMAPIKey reads the model provider key from the configured environment variable.
func (c *Config) LLMAPIKey() (string, error) {
	key := os.Getenv(c.LLM.APIKeyEnv)
	if key == "" {
		return "", fmt.Errorf("%s is not set", c.LLM.APIKeyEnv)
	}
	return key, nil
}
