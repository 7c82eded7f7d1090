// Package sysexec runs the OS tools the engine shells out to (systemctl,
// journalctl, amixer, mpg123, lister.sh)
package sysexec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/hashicorp/go-hclog"
)

// Result holds the captured output of one process
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Runner runs a command to completion
type Runner interface {
	// Run returns an error when the process cannot start, is cancelled, or
	// exits non-zero. The Result is filled in as far as the process got.
	Run(ctx context.Context, name string, args ...string) (Result, error)
}

// ExecRunner runs commands with os/exec
type ExecRunner struct {
	log hclog.Logger
}

// NewExecRunner creates an ExecRunner
func NewExecRunner(logger hclog.Logger) *ExecRunner {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &ExecRunner{log: logger}
}

// Run implements Runner
func (r *ExecRunner) Run(ctx context.Context, name string, args ...string) (Result, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	r.log.Debug("running command", "cmd", name, "args", strings.Join(args, " "))
	err := cmd.Run()

	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	}
	if err == nil {
		return res, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return res, fmt.Errorf("%s: %w", name, ctxErr)
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return res, fmt.Errorf("%s exited with code %d: %w", name, res.ExitCode, err)
	}
	return res, fmt.Errorf("%s: %w", name, err)
}

// LogRunner logs commands instead of running them; used in dry run so
// updates and service restarts never reach the host
type LogRunner struct {
	log hclog.Logger
}

// NewLogRunner creates a LogRunner
func NewLogRunner(logger hclog.Logger) *LogRunner {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &LogRunner{log: logger}
}

// Run implements Runner. It always succeeds with empty output.
func (r *LogRunner) Run(ctx context.Context, name string, args ...string) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, fmt.Errorf("%s: %w", name, err)
	}
	r.log.Info("dry run: skipping command", "cmd", name, "args", strings.Join(args, " "))
	return Result{}, nil
}

// RestartService restarts a systemd unit
func RestartService(ctx context.Context, r Runner, unit string) error {
	if _, err := r.Run(ctx, "systemctl", "restart", unit); err != nil {
		return fmt.Errorf("restart %s: %w", unit, err)
	}
	return nil
}
