package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"ford/pkg/capability"
	"ford/pkg/resilience"
)

const generationSystem = `You change a software repository to resolve an issue.
Only touch files under the allowed scope. Reply with one JSON object and nothing else:
{"changes": [{"path": string, "content": string, "delete": bool}],
 "test_cases": [string], "reasoning": string, "impact_analysis": string}
Paths are relative to the repository root. "content" is the full new file content.`

// GenerateTests asks for tests that reproduce the issue and currently fail.
func (c *Client) GenerateTests(ctx context.Context, req capability.GenerationRequest) (capability.Generation, error) {
	return c.generate(ctx, req, "Write only new or updated test files that reproduce the issue. "+
		"They must fail against the current code and pass once the issue is fixed. Do not change non-test files.")
}

// ImplementFix asks for the implementation that makes the generated tests pass.
func (c *Client) ImplementFix(ctx context.Context, req capability.GenerationRequest) (capability.Generation, error) {
	return c.generate(ctx, req, "Implement the fix so the failing tests below pass. Do not modify the tests.")
}

func (c *Client) generate(ctx context.Context, req capability.GenerationRequest, task string) (capability.Generation, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Issue #%d: %s\nCategory: %s\n\n%s\n\n%s\n", req.IssueNumber, req.IssueTitle, req.Category, req.Summary, task)
	if len(req.Scope) > 0 {
		fmt.Fprintf(&b, "\nAllowed scope: %s\n", strings.Join(req.Scope, ", "))
	}
	for _, t := range req.Tests {
		fmt.Fprintf(&b, "\n--- test %s ---\n%s\n", t.Path, t.Content)
	}
	if req.FailureOutput != "" {
		fmt.Fprintf(&b, "\n--- failing test output ---\n%s\n", req.FailureOutput)
	}

	header := b.String()
	for _, f := range c.budget.Fit(req.Context, c.budget.Count(header)+int(c.maxTokens)) {
		fmt.Fprintf(&b, "\n--- file %s ---\n%s\n", f.Path, f.Content)
	}

	text, err := c.complete(ctx, generationSystem, b.String())
	if err != nil {
		return capability.Generation{}, err
	}
	raw, err := extractJSON(text)
	if err != nil {
		return capability.Generation{}, err
	}
	var gen capability.Generation
	if err := json.Unmarshal([]byte(raw), &gen); err != nil {
		return capability.Generation{}, resilience.Transient(fmt.Errorf("malformed generation: %w", err))
	}
	if len(gen.Changes) == 0 {
		return capability.Generation{}, resilience.Permanent(fmt.Errorf("model proposed no changes"))
	}
	return gen, nil
}
