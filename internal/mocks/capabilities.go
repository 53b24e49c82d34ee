package mocks

import (
	"context"
	"sync"

	"ford/pkg/capability"
	"ford/pkg/feedback"
)

// MockClassifier implements capability.Classifier.
type MockClassifier struct {
	ClassifyFunc func(ctx context.Context, item feedback.Item) (feedback.Classification, error)

	mu    sync.Mutex
	Calls []string
}

// NewMockClassifier returns a classifier that files everything as a severity-50 bug.
func NewMockClassifier() *MockClassifier {
	return &MockClassifier{
		ClassifyFunc: func(_ context.Context, item feedback.Item) (feedback.Classification, error) {
			return feedback.Classification{
				ItemID:     item.ID,
				Category:   feedback.CategoryBug,
				Severity:   50,
				Confidence: 0.9,
				Fields:     feedback.ExtractedFields{Version: feedback.ExtractedFieldsVersion, Summary: item.Text},
			}, nil
		},
	}
}

// Classify implements capability.Classifier.
func (m *MockClassifier) Classify(ctx context.Context, item feedback.Item) (feedback.Classification, error) {
	m.mu.Lock()
	m.Calls = append(m.Calls, item.ID)
	m.mu.Unlock()
	return m.ClassifyFunc(ctx, item)
}

// MockEmbedder implements capability.Embedder.
type MockEmbedder struct {
	EmbedFunc func(ctx context.Context, text string) ([]float32, error)

	mu    sync.Mutex
	Calls []string
}

// NewMockEmbedder returns an embedder that looks vectors up in table by text.
// Unknown text gets a unit vector along the first axis.
func NewMockEmbedder(table map[string][]float32) *MockEmbedder {
	return &MockEmbedder{
		EmbedFunc: func(_ context.Context, text string) ([]float32, error) {
			if v, ok := table[text]; ok {
				return v, nil
			}
			return []float32{1, 0, 0, 0}, nil
		},
	}
}

// Embed implements capability.Embedder.
func (m *MockEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	m.mu.Lock()
	m.Calls = append(m.Calls, text)
	m.mu.Unlock()
	return m.EmbedFunc(ctx, text)
}

// CallCount returns the number of Embed calls.
func (m *MockEmbedder) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Calls)
}

// MockGenerator implements capability.CodeGenerator.
type MockGenerator struct {
	GenerateTestsFunc func(ctx context.Context, req capability.GenerationRequest) (capability.Generation, error)
	ImplementFixFunc  func(ctx context.Context, req capability.GenerationRequest) (capability.Generation, error)

	mu       sync.Mutex
	Requests []capability.GenerationRequest
	// Order records "tests" and "fix" in call order.
	Order []string
}

// NewMockGenerator returns a generator proposing one test file and one source file.
func NewMockGenerator() *MockGenerator {
	return &MockGenerator{
		GenerateTestsFunc: func(_ context.Context, _ capability.GenerationRequest) (capability.Generation, error) {
			return capability.Generation{
				Changes:   []capability.FileChange{{Path: "fix_test.go", Content: "package fix\n"}},
				TestCases: []string{"TestFix"},
				Reasoning: "reproduces the report",
			}, nil
		},
		ImplementFixFunc: func(_ context.Context, _ capability.GenerationRequest) (capability.Generation, error) {
			return capability.Generation{
				Changes:        []capability.FileChange{{Path: "fix.go", Content: "package fix\n"}},
				Reasoning:      "fixes the report",
				ImpactAnalysis: "local",
			}, nil
		},
	}
}

// GenerateTests implements capability.CodeGenerator.
func (m *MockGenerator) GenerateTests(ctx context.Context, req capability.GenerationRequest) (capability.Generation, error) {
	m.record("tests", req)
	return m.GenerateTestsFunc(ctx, req)
}

// ImplementFix implements capability.CodeGenerator.
func (m *MockGenerator) ImplementFix(ctx context.Context, req capability.GenerationRequest) (capability.Generation, error) {
	m.record("fix", req)
	return m.ImplementFixFunc(ctx, req)
}

func (m *MockGenerator) record(kind string, req capability.GenerationRequest) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Order = append(m.Order, kind)
	m.Requests = append(m.Requests, req)
}

// CallOrder returns a copy of Order.
func (m *MockGenerator) CallOrder() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.Order...)
}

// MockTerminal implements capability.Terminal.
type MockTerminal struct {
	ExecuteFunc func(ctx context.Context, req capability.CommandRequest) (capability.CommandResult, error)

	mu    sync.Mutex
	Calls []capability.CommandRequest
}

// NewMockTerminal returns a terminal where every command exits 0.
func NewMockTerminal() *MockTerminal {
	return &MockTerminal{
		ExecuteFunc: func(_ context.Context, _ capability.CommandRequest) (capability.CommandResult, error) {
			return capability.CommandResult{ExitCode: 0}, nil
		},
	}
}

// Execute implements capability.Terminal.
func (m *MockTerminal) Execute(ctx context.Context, req capability.CommandRequest) (capability.CommandResult, error) {
	m.mu.Lock()
	m.Calls = append(m.Calls, req)
	m.mu.Unlock()
	return m.ExecuteFunc(ctx, req)
}

// Commands returns the executed command names in order.
func (m *MockTerminal) Commands() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.Calls))
	for _, c := range m.Calls {
		out = append(out, c.Command)
	}
	return out
}

// MockWorkspace implements capability.Workspace on top of a directory.
type MockWorkspace struct {
	Root        string
	PublishFunc func(ctx context.Context, crID, branch, message string) error

	mu        sync.Mutex
	Prepared  []string
	Published []string
	Released  []string
}

// NewMockWorkspace returns a workspace whose checkouts are Root/<crID>. Directories are not
// created; callers that write files get them created by the filesystem adapter.
func NewMockWorkspace(root string) *MockWorkspace {
	return &MockWorkspace{
		Root:        root,
		PublishFunc: func(context.Context, string, string, string) error { return nil },
	}
}

// Prepare implements capability.Workspace.
func (m *MockWorkspace) Prepare(_ context.Context, crID, _ string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Prepared = append(m.Prepared, crID)
	return m.Root + "/" + crID, nil
}

// Publish implements capability.Workspace.
func (m *MockWorkspace) Publish(ctx context.Context, crID, branch, message string) error {
	m.mu.Lock()
	m.Published = append(m.Published, branch)
	m.mu.Unlock()
	return m.PublishFunc(ctx, crID, branch, message)
}

// Release implements capability.Workspace.
func (m *MockWorkspace) Release(_ context.Context, crID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Released = append(m.Released, crID)
	return nil
}

// ReleasedIDs returns a copy of Released.
func (m *MockWorkspace) ReleasedIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.Released...)
}

// MockNotifier implements capability.Notifier.
type MockNotifier struct {
	NotifyFunc func(ctx context.Context, n capability.Notification) error

	mu   sync.Mutex
	Sent []capability.Notification
}

// NewMockNotifier returns a notifier that records every notification.
func NewMockNotifier() *MockNotifier {
	return &MockNotifier{NotifyFunc: func(context.Context, capability.Notification) error { return nil }}
}

// Notify implements capability.Notifier.
func (m *MockNotifier) Notify(ctx context.Context, n capability.Notification) error {
	if err := m.NotifyFunc(ctx, n); err != nil {
		return err
	}
	m.mu.Lock()
	m.Sent = append(m.Sent, n)
	m.mu.Unlock()
	return nil
}

// SentCount returns the number of delivered notifications.
func (m *MockNotifier) SentCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Sent)
}

// MockAlerter implements capability.Alerter.
type MockAlerter struct {
	mu       sync.Mutex
	Subjects []string
}

// Alert implements capability.Alerter.
func (m *MockAlerter) Alert(_ context.Context, subject, _ string) {
	m.mu.Lock()
	m.Subjects = append(m.Subjects, subject)
	m.mu.Unlock()
}

// Alerts returns a copy of the alert subjects.
func (m *MockAlerter) Alerts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.Subjects...)
}
