package mocks

import (
	"context"
	"fmt"
	"sync"

	"ford/pkg/capability"
)

// MockForge implements capability.Forge in memory.
type MockForge struct {
	// MergeFunc, when set, runs before a merge is recorded. A non-nil error aborts the merge.
	MergeFunc func(ctx context.Context, number int) error
	// MergeAndFailFunc, when set, records the merge and then returns its error, simulating a
	// merge that succeeded on the server but whose response was lost.
	MergeAndFailFunc func(ctx context.Context, number int) error

	mu       sync.Mutex
	issues   []capability.Issue
	branches map[string]string
	prs      map[int]*capability.PullRequest
	nextPR   int
	Merges   int
}

// NewMockForge creates an empty forge.
func NewMockForge() *MockForge {
	return &MockForge{branches: make(map[string]string), prs: make(map[int]*capability.PullRequest), nextPR: 100}
}

// CreateIssue implements capability.Forge.
func (m *MockForge) CreateIssue(_ context.Context, title, _ string, _ []string) (capability.Issue, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	issue := capability.Issue{Number: len(m.issues) + 1, Title: title}
	issue.URL = fmt.Sprintf("https://example.test/issues/%d", issue.Number)
	m.issues = append(m.issues, issue)
	return issue, nil
}

// CreateBranch implements capability.Forge.
func (m *MockForge) CreateBranch(_ context.Context, name, base string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.branches[name]; !ok {
		m.branches[name] = base
	}
	return nil
}

// FindPullRequest implements capability.Forge.
func (m *MockForge) FindPullRequest(_ context.Context, head string) (*capability.PullRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, pr := range m.prs {
		if pr.HeadBranch == head {
			out := *pr
			return &out, nil
		}
	}
	return nil, nil
}

// CreatePullRequest implements capability.Forge.
func (m *MockForge) CreatePullRequest(_ context.Context, opts capability.PullRequestOptions) (capability.PullRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextPR++
	pr := &capability.PullRequest{
		Number:     m.nextPR,
		URL:        fmt.Sprintf("https://example.test/pull/%d", m.nextPR),
		HeadBranch: opts.Head,
		BaseBranch: opts.Base,
		State:      "open",
	}
	m.prs[pr.Number] = pr
	return *pr, nil
}

// MergePullRequest implements capability.Forge.
func (m *MockForge) MergePullRequest(ctx context.Context, number int, _ string) error {
	if m.MergeFunc != nil {
		if err := m.MergeFunc(ctx, number); err != nil {
			return err
		}
	}
	m.mu.Lock()
	pr, ok := m.prs[number]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("pull request %d not found", number)
	}
	pr.Merged = true
	pr.State = "closed"
	m.Merges++
	m.mu.Unlock()
	if m.MergeAndFailFunc != nil {
		return m.MergeAndFailFunc(ctx, number)
	}
	return nil
}

// IsMerged implements capability.Forge.
func (m *MockForge) IsMerged(_ context.Context, number int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pr, ok := m.prs[number]
	if !ok {
		return false, fmt.Errorf("pull request %d not found", number)
	}
	return pr.Merged, nil
}

// Issues returns created issues.
func (m *MockForge) Issues() []capability.Issue {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]capability.Issue(nil), m.issues...)
}

// MergeCount returns how many merges were performed.
func (m *MockForge) MergeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Merges
}
