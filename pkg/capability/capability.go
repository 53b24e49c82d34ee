// Package capability declares the external capabilities the orchestration core consumes. Every
// call to one of these goes through the gateway; implementations live in the subpackages and in
// internal/mocks.
package capability

import (
	"context"
	"time"

	"ford/pkg/feedback"
)

// Classifier classifies a feedback item.
type Classifier interface {
	Classify(ctx context.Context, item feedback.Item) (feedback.Classification, error)
}

// Embedder turns text into a fixed-length vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// SourceFile is a file handed to the code generator as context.
type SourceFile struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// FileChange is one file of a proposed change set. Paths are relative to the workspace.
type FileChange struct {
	Path    string `json:"path"`
	Content string `json:"content,omitempty"`
	Delete  bool   `json:"delete,omitempty"`
	// DeletedLines is the number of existing lines the change removes. The core always counts
	// from the current file content; a reported value can only raise that count.
	DeletedLines int `json:"deleted_lines,omitempty"`
}

// GenerationRequest is the input to test and fix generation.
type GenerationRequest struct {
	ChangeRequestID string            `json:"change_request_id"`
	IssueNumber     int               `json:"issue_number"`
	IssueTitle      string            `json:"issue_title"`
	Summary         string            `json:"summary"`
	Category        feedback.Category `json:"category"`
	Context         []SourceFile      `json:"context,omitempty"`
	Scope           []string          `json:"scope,omitempty"`
	// Tests holds the generated tests when asking for the implementation.
	Tests []FileChange `json:"tests,omitempty"`
	// FailureOutput is the confirmed-failing test output.
	FailureOutput string `json:"failure_output,omitempty"`
}

// Generation is a code generator result.
type Generation struct {
	Changes        []FileChange `json:"changes"`
	TestCases      []string     `json:"test_cases,omitempty"`
	Reasoning      string       `json:"reasoning"`
	ImpactAnalysis string       `json:"impact_analysis,omitempty"`
}

// CodeGenerator produces tests first, then the implementation.
type CodeGenerator interface {
	GenerateTests(ctx context.Context, req GenerationRequest) (Generation, error)
	ImplementFix(ctx context.Context, req GenerationRequest) (Generation, error)
}

// Filesystem is scoped file access. Paths must resolve inside the allowed directories.
type Filesystem interface {
	Read(ctx context.Context, path string) ([]byte, error)
	Write(ctx context.Context, path string, data []byte) error
	Remove(ctx context.Context, path string) error
	List(ctx context.Context, dir string) ([]string, error)
	Exists(ctx context.Context, path string) (bool, error)
}

// CommandRequest describes a terminal command. Commands run without a shell.
type CommandRequest struct {
	Command string
	Args    []string
	Dir     string
	Timeout time.Duration
	Env     []string
}

// CommandResult is the outcome of a command that started. A non-zero exit code is a result,
// not an error.
type CommandResult struct {
	Stdout   string        `json:"stdout"`
	Stderr   string        `json:"stderr"`
	ExitCode int           `json:"exit_code"`
	Duration time.Duration `json:"duration"`
}

// Terminal executes whitelisted commands.
type Terminal interface {
	Execute(ctx context.Context, req CommandRequest) (CommandResult, error)
}

// Issue is a created forge issue.
type Issue struct {
	Number int    `json:"number"`
	Title  string `json:"title"`
	URL    string `json:"url"`
}

// PullRequestOptions describes a pull request to open.
type PullRequestOptions struct {
	Title       string
	Body        string
	Head        string
	Base        string
	IssueNumber int
}

// PullRequest is a forge pull request.
type PullRequest struct {
	Number     int    `json:"number"`
	URL        string `json:"url"`
	HeadBranch string `json:"head_branch"`
	BaseBranch string `json:"base_branch"`
	State      string `json:"state"`
	Merged     bool   `json:"merged"`
}

// Forge is the code host.
type Forge interface {
	CreateIssue(ctx context.Context, title, body string, labels []string) (Issue, error)
	// CreateBranch creates name from base. An existing branch is not an error.
	CreateBranch(ctx context.Context, name, base string) error
	// FindPullRequest returns the open or merged PR for head, or nil.
	FindPullRequest(ctx context.Context, head string) (*PullRequest, error)
	CreatePullRequest(ctx context.Context, opts PullRequestOptions) (PullRequest, error)
	MergePullRequest(ctx context.Context, number int, message string) error
	IsMerged(ctx context.Context, number int) (bool, error)
}

// EmbeddingMetadataVersion is the schema version of EmbeddingMetadata.
const EmbeddingMetadataVersion = 1

// EmbeddingMetadata is stored next to every vector. Fields added by newer writers go to Extensions.
type EmbeddingMetadata struct {
	Version    int               `json:"version"`
	ItemID     string            `json:"item_id"`
	Author     string            `json:"author,omitempty"`
	Category   feedback.Category `json:"category"`
	Severity   float64           `json:"severity"`
	CreatedAt  time.Time         `json:"created_at"`
	Extensions map[string]string `json:"extensions,omitempty"`
}

// SimilarityResult is one search hit.
type SimilarityResult struct {
	ID       string            `json:"id"`
	Score    float64           `json:"score"`
	Metadata EmbeddingMetadata `json:"metadata"`
}

// VectorIndex stores and searches embeddings. Results are ordered by descending score.
type VectorIndex interface {
	StoreEmbedding(ctx context.Context, id string, vector []float32, meta EmbeddingMetadata) error
	SearchSimilar(ctx context.Context, query []float32, limit int, threshold float64) ([]SimilarityResult, error)
}

// Workspace manages the per-change-request checkout.
type Workspace interface {
	// Prepare creates (or reopens) the checkout for crID on branch and returns its directory.
	Prepare(ctx context.Context, crID, branch string) (string, error)
	// Publish commits everything in the checkout and pushes branch.
	Publish(ctx context.Context, crID, branch, message string) error
	// Release deletes the checkout. Releasing a missing checkout is not an error.
	Release(ctx context.Context, crID string) error
}

// Notification tells a feedback author their report was resolved.
type Notification struct {
	FeedbackID string `json:"feedback_id"`
	Author     string `json:"author"`
	SourceURL  string `json:"source_url,omitempty"`
	PRNumber   int    `json:"pr_number"`
	PRURL      string `json:"pr_url,omitempty"`
	Summary    string `json:"summary,omitempty"`
}

// Notifier delivers notifications.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// OptOutList answers whether an author asked not to be notified.
type OptOutList interface {
	OptedOut(ctx context.Context, item feedback.Item) (bool, error)
}

// Alerter pages administrators.
type Alerter interface {
	Alert(ctx context.Context, subject, detail string)
}
