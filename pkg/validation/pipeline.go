// Package validation runs the lint, test and build stages against a change request checkout.
//
// Stages run strictly in order and stop at the first failure; later stages are reported as
// not_run. The pipeline holds no state between invocations.
package validation

import (
	"context"
	"fmt"
	"time"

	"ford/pkg/capability"
	"ford/pkg/gateway"
	"ford/pkg/logx"
	"ford/pkg/resilience"
)

// Pipeline validates checkouts through the terminal capability.
type Pipeline struct {
	terminal     capability.Terminal
	gw           *gateway.Gateway
	registry     *Registry
	overrides    Commands
	stageTimeout time.Duration
	logger       *logx.Logger
}

// NewPipeline creates a pipeline. Non-empty overrides replace detected stage commands.
func NewPipeline(terminal capability.Terminal, gw *gateway.Gateway, overrides Commands, stageTimeout time.Duration) *Pipeline {
	if stageTimeout <= 0 {
		stageTimeout = 10 * time.Minute
	}
	return &Pipeline{
		terminal:     terminal,
		gw:           gw,
		registry:     NewRegistry(),
		overrides:    overrides,
		stageTimeout: stageTimeout,
		logger:       logx.NewLogger("validation"),
	}
}

// Request scopes one invocation.
type Request struct {
	ChangeRequestID string
	Dir             string
}

// commands resolves stage commands for dir.
func (p *Pipeline) commands(dir string) (string, Commands, error) {
	if p.overrides.Complete() {
		return "config", p.overrides, nil
	}
	backend, err := p.registry.Detect(dir)
	if err != nil {
		return "", Commands{}, resilience.Permanent(err)
	}
	return backend.Name(), backend.Commands().Merge(p.overrides), nil
}

// Validate runs lint, test and build. The error is non-nil only when a stage could not be run
// at all (policy rejection, exhausted retries, cancellation); stage failures are in the report.
func (p *Pipeline) Validate(ctx context.Context, req Request) (*Report, error) {
	backend, cmds, err := p.commands(req.Dir)
	if err != nil {
		return nil, err
	}

	report := &Report{Backend: backend, StartedAt: time.Now().UTC(), Passed: true}
	for _, stage := range Stages {
		if !report.Passed {
			report.Stages = append(report.Stages, StageResult{Stage: stage, Status: StatusNotRun})
			continue
		}
		res, err := p.run(ctx, req, stage, cmds.For(stage))
		if err != nil {
			return nil, err
		}
		report.Stages = append(report.Stages, res)
		if !res.Passed() {
			report.Passed = false
			p.logger.Warn("[%s] %s stage failed with exit code %d", req.ChangeRequestID, stage, res.ExitCode)
		}
	}
	report.FinishedAt = time.Now().UTC()
	return report, nil
}

// RunStage runs a single stage, used to confirm that freshly generated tests fail.
func (p *Pipeline) RunStage(ctx context.Context, req Request, stage Stage) (StageResult, error) {
	_, cmds, err := p.commands(req.Dir)
	if err != nil {
		return StageResult{}, err
	}
	return p.run(ctx, req, stage, cmds.For(stage))
}

func (p *Pipeline) run(ctx context.Context, req Request, stage Stage, argv []string) (StageResult, error) {
	res := StageResult{Stage: stage, Command: argv}
	if len(argv) == 0 {
		res.Status = StatusPassed
		res.Warnings = []string{fmt.Sprintf("no %s command configured", stage)}
		res.Counts.Warnings = 1
		return res, nil
	}

	p.logger.Info("[%s] running %s: %v", req.ChangeRequestID, stage, argv)
	cmd := capability.CommandRequest{Command: argv[0], Args: argv[1:], Dir: req.Dir, Timeout: p.stageTimeout}
	out, err := gateway.Call(ctx, p.gw, gateway.Request{
		Tool:    gateway.ToolTerminal,
		Op:      string(stage),
		Command: cmd.Command,
		Paths:   []string{req.Dir},
		Timeout: p.stageTimeout,
	}, func(ctx context.Context) (capability.CommandResult, error) {
		return p.terminal.Execute(ctx, cmd)
	})
	if err != nil {
		return StageResult{}, fmt.Errorf("%s stage: %w", stage, err)
	}

	res.ExitCode = out.ExitCode
	res.Duration = out.Duration
	parseOutput(stage, out.Stdout+out.Stderr, &res)
	if out.ExitCode == 0 {
		res.Status = StatusPassed
	} else {
		res.Status = StatusFailed
		if len(res.Errors) == 0 {
			res.Errors = []string{fmt.Sprintf("%s exited with code %d", argv[0], out.ExitCode)}
			res.Counts.Errors = 1
		}
	}
	return res, nil
}
