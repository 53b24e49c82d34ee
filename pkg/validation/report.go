package validation

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"ford/pkg/resilience"
)

// Stage names a validation stage.
type Stage string

const (
	StageLint  Stage = "lint"
	StageTest  Stage = "test"
	StageBuild Stage = "build"
)

// Stages is the fixed execution order.
var Stages = []Stage{StageLint, StageTest, StageBuild}

// Status is the outcome of one stage.
type Status string

const (
	StatusPassed Status = "passed"
	StatusFailed Status = "failed"
	StatusNotRun Status = "not_run"
)

// Counts summarizes a stage's diagnostics.
type Counts struct {
	Errors   int `json:"errors"`
	Warnings int `json:"warnings"`
	// Tests counts test results when the output reports them.
	TestsPassed int `json:"tests_passed,omitempty"`
	TestsFailed int `json:"tests_failed,omitempty"`
}

// StageResult is the typed result of one stage.
type StageResult struct {
	Stage    Stage         `json:"stage"`
	Status   Status        `json:"status"`
	Command  []string      `json:"command,omitempty"`
	ExitCode int           `json:"exit_code"`
	Errors   []string      `json:"errors,omitempty"`
	Warnings []string      `json:"warnings,omitempty"`
	Counts   Counts        `json:"counts"`
	Output   string        `json:"output,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Passed reports whether the stage succeeded.
func (r StageResult) Passed() bool { return r.Status == StatusPassed }

// Report is the aggregate result. Passed is the AND of all stages.
type Report struct {
	Backend    string        `json:"backend"`
	Passed     bool          `json:"passed"`
	Stages     []StageResult `json:"stages"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
}

// Stage returns the result for s.
func (r *Report) Stage(s Stage) (StageResult, bool) {
	for _, res := range r.Stages {
		if res.Stage == s {
			return res, true
		}
	}
	return StageResult{}, false
}

// FailedStage returns the first failed stage, if any.
func (r *Report) FailedStage() (StageResult, bool) {
	for _, res := range r.Stages {
		if res.Status == StatusFailed {
			return res, true
		}
	}
	return StageResult{}, false
}

// Err returns a validation error describing the failed stage, or nil.
func (r *Report) Err() error {
	failed, ok := r.FailedStage()
	if !ok {
		return nil
	}
	detail := fmt.Sprintf("exit code %d", failed.ExitCode)
	if len(failed.Errors) > 0 {
		detail = failed.Errors[0]
	}
	return resilience.Validation(fmt.Errorf("%s stage failed: %s", failed.Stage, detail))
}

const (
	maxDiagnostics = 50
	maxOutput      = 64 << 10
)

var (
	// file:line[:col]: message, as printed by compilers and most linters.
	locationLine = regexp.MustCompile(`^\S+:\d+(:\d+)?:`)
	testFailLine = regexp.MustCompile(`^(--- FAIL|FAIL\b|FAILED\b|E\s)`)
	testPassLine = regexp.MustCompile(`^(--- PASS|PASSED\b|ok\s)`)
)

// parseOutput extracts diagnostics from combined stage output.
func parseOutput(stage Stage, output string, res *StageResult) {
	for _, raw := range strings.Split(output, "\n") {
		line := strings.TrimSpace(raw)
		if line == "" {
			continue
		}
		lower := strings.ToLower(line)
		switch {
		case stage == StageTest && testPassLine.MatchString(line):
			res.Counts.TestsPassed++
		case stage == StageTest && testFailLine.MatchString(line):
			res.Counts.TestsFailed++
			res.Counts.Errors++
			appendCapped(&res.Errors, line)
		case strings.Contains(lower, "warning"):
			res.Counts.Warnings++
			appendCapped(&res.Warnings, line)
		case locationLine.MatchString(line), strings.Contains(lower, "error"):
			res.Counts.Errors++
			appendCapped(&res.Errors, line)
		}
	}
	if len(output) > maxOutput {
		output = output[len(output)-maxOutput:]
	}
	res.Output = output
}

func appendCapped(list *[]string, line string) {
	if len(*list) < maxDiagnostics {
		*list = append(*list, line)
	}
}
