// Package shell implements the terminal capability by executing commands directly, without a shell.
package shell

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"strings"
	"time"

	"ford/pkg/capability"
	"ford/pkg/resilience"
)

// maxOutput bounds captured stdout/stderr per stream.
const maxOutput = 1 << 20

// LocalExec executes commands on the local system.
type LocalExec struct{}

// NewLocalExec creates a new LocalExec.
func NewLocalExec() *LocalExec {
	return &LocalExec{}
}

// Execute runs req. A non-zero exit code is reported in the result, not as an error. A command
// that cannot start because of configuration (missing binary or working directory, no permission)
// fails with a permanent error so it is never retried.
func (e *LocalExec) Execute(ctx context.Context, req capability.CommandRequest) (capability.CommandResult, error) {
	if req.Command == "" {
		return capability.CommandResult{}, resilience.Permanent(errors.New("command cannot be empty"))
	}

	startTime := time.Now()
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, req.Command, req.Args...)
	if req.Dir != "" {
		if _, err := os.Stat(req.Dir); err != nil {
			return capability.CommandResult{}, resilience.Permanent(fmt.Errorf("working directory %s: %w", req.Dir, err))
		}
		cmd.Dir = req.Dir
	}
	if len(req.Env) > 0 {
		cmd.Env = append(os.Environ(), req.Env...)
	}

	stdout := &limitedBuffer{limit: maxOutput}
	stderr := &limitedBuffer{limit: maxOutput}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	err := cmd.Run()
	result := capability.CommandResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(startTime),
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && ctx.Err() == nil {
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		result.ExitCode = -1
		if ctx.Err() != nil {
			return result, fmt.Errorf("%s: %w", req.Command, ctx.Err())
		}
		err = fmt.Errorf("failed to start %s: %w", req.Command, err)
		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrPermission) {
			err = resilience.Permanent(err)
		}
		return result, err
	}
	return result, nil
}

// limitedBuffer keeps the first limit bytes and drops the rest.
type limitedBuffer struct {
	b         strings.Builder
	limit     int
	truncated bool
}

func (l *limitedBuffer) Write(p []byte) (int, error) {
	remaining := l.limit - l.b.Len()
	if remaining <= 0 {
		l.truncated = true
		return len(p), nil
	}
	if len(p) > remaining {
		l.b.Write(p[:remaining])
		l.truncated = true
		return len(p), nil
	}
	l.b.Write(p)
	return len(p), nil
}

func (l *limitedBuffer) String() string {
	if l.truncated {
		return l.b.String() + "\n[output truncated]"
	}
	return l.b.String()
}
