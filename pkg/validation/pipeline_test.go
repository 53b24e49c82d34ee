package validation

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ford/internal/mocks"
	"ford/pkg/capability"
	"ford/pkg/gateway"
	"ford/pkg/policy"
	"ford/pkg/resilience"
)

func newPipeline(t *testing.T, term *mocks.MockTerminal, overrides Commands) (*Pipeline, string) {
	t.Helper()
	dir := t.TempDir()
	pol := policy.Policy{AllowedDirs: []string{dir}, CommandWhitelist: []string{"go", "make", "golangci-lint"}}
	gw := gateway.New(gateway.DefaultConfig(), pol, gateway.WithSleeper(func(context.Context, time.Duration) error { return nil }))
	return NewPipeline(term, gw, overrides, time.Minute), dir
}

func goProject(t *testing.T, dir string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "go.mod"), []byte("module x\n"), 0o644))
}

func TestAllStagesPass(t *testing.T) {
	term := mocks.NewMockTerminal()
	p, dir := newPipeline(t, term, Commands{})
	goProject(t, dir)

	report, err := p.Validate(context.Background(), Request{ChangeRequestID: "cr", Dir: dir})
	require.NoError(t, err)
	assert.True(t, report.Passed)
	assert.Equal(t, "go", report.Backend)
	require.Len(t, report.Stages, 3)
	for i, stage := range Stages {
		assert.Equal(t, stage, report.Stages[i].Stage)
		assert.Equal(t, StatusPassed, report.Stages[i].Status)
	}
	assert.Equal(t, []string{"go", "go", "go"}, term.Commands())
	assert.NoError(t, report.Err())
}

func TestLintFailureSkipsTestAndBuild(t *testing.T) {
	term := mocks.NewMockTerminal()
	term.ExecuteFunc = func(_ context.Context, req capability.CommandRequest) (capability.CommandResult, error) {
		if len(req.Args) > 0 && req.Args[0] == "vet" {
			return capability.CommandResult{ExitCode: 1, Stderr: "main.go:3:2: undefined: foo\n"}, nil
		}
		return capability.CommandResult{}, nil
	}
	p, dir := newPipeline(t, term, Commands{})
	goProject(t, dir)

	report, err := p.Validate(context.Background(), Request{Dir: dir})
	require.NoError(t, err)
	assert.False(t, report.Passed)

	lint, _ := report.Stage(StageLint)
	assert.Equal(t, StatusFailed, lint.Status)
	assert.Equal(t, []string{"main.go:3:2: undefined: foo"}, lint.Errors)
	assert.Equal(t, 1, lint.Counts.Errors)

	test, _ := report.Stage(StageTest)
	build, _ := report.Stage(StageBuild)
	assert.Equal(t, StatusNotRun, test.Status)
	assert.Equal(t, StatusNotRun, build.Status)
	assert.Len(t, term.Calls, 1)

	err = report.Err()
	assert.Equal(t, resilience.KindValidation, resilience.KindOf(err))
}

func TestOverridesReplaceDetection(t *testing.T) {
	term := mocks.NewMockTerminal()
	p, dir := newPipeline(t, term, Commands{
		Lint:  []string{"golangci-lint", "run"},
		Test:  []string{"make", "test"},
		Build: []string{"make", "build"},
	})

	report, err := p.Validate(context.Background(), Request{Dir: dir})
	require.NoError(t, err)
	assert.Equal(t, "config", report.Backend)
	assert.Equal(t, []string{"golangci-lint", "make", "make"}, term.Commands())
}

func TestNonWhitelistedCommandIsNeverExecuted(t *testing.T) {
	term := mocks.NewMockTerminal()
	p, dir := newPipeline(t, term, Commands{
		Lint:  []string{"rm", "-rf", "/"},
		Test:  []string{"go", "test"},
		Build: []string{"go", "build"},
	})

	_, err := p.Validate(context.Background(), Request{Dir: dir})
	require.Error(t, err)
	assert.True(t, resilience.IsSecurity(err))
	assert.Empty(t, term.Calls)
}

func TestRunStageReportsTestCounts(t *testing.T) {
	term := mocks.NewMockTerminal()
	term.ExecuteFunc = func(context.Context, capability.CommandRequest) (capability.CommandResult, error) {
		return capability.CommandResult{ExitCode: 1, Stdout: "--- FAIL: TestSave (0.00s)\n--- PASS: TestLoad (0.00s)\nFAIL\n"}, nil
	}
	p, dir := newPipeline(t, term, Commands{})
	goProject(t, dir)

	res, err := p.RunStage(context.Background(), Request{Dir: dir}, StageTest)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, res.Status)
	assert.Equal(t, 1, res.Counts.TestsPassed)
	assert.Equal(t, 2, res.Counts.TestsFailed)
}

func TestEmptyRepositoryPassesWithWarnings(t *testing.T) {
	term := mocks.NewMockTerminal()
	p, dir := newPipeline(t, term, Commands{})

	report, err := p.Validate(context.Background(), Request{Dir: dir})
	require.NoError(t, err)
	assert.True(t, report.Passed)
	assert.Equal(t, "null", report.Backend)
	assert.Empty(t, term.Calls)
}

func TestUnknownProjectIsPermanent(t *testing.T) {
	term := mocks.NewMockTerminal()
	p, dir := newPipeline(t, term, Commands{})
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README"), []byte("x"), 0o644))

	_, err := p.Validate(context.Background(), Request{Dir: dir})
	assert.Equal(t, resilience.KindPermanent, resilience.KindOf(err))
}

func TestRegistryPriority(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "Makefile"), []byte("all:\n"), 0o644))
	goProject(t, dir)

	b, err := NewRegistry().Detect(dir)
	require.NoError(t, err)
	assert.Equal(t, "go", b.Name())
}
