// Package runner executes external commands for resource handlers and
// storage providers.
package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/cinderhost/pkg/engine"
)

// DefaultTimeout bounds a single command when no timeout is configured.
const DefaultTimeout = 60 * time.Second

// waitDelay is how long Run waits for output pipes to close after a timed
// out command has been killed.
const waitDelay = 500 * time.Millisecond

// Runner runs a command given as a structured argument list.
//
// A nonzero exit status is not an error: it is reported in
// CommandResult.ExitCode. Errors are reserved for commands that could not
// be started or that exceeded the runner's timeout, and are returned as
// exec-class engine errors.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (*engine.CommandResult, error)
}

// Func adapts a function to the Runner interface.
type Func func(ctx context.Context, name string, args ...string) (*engine.CommandResult, error)

// Run calls f.
func (f Func) Run(ctx context.Context, name string, args ...string) (*engine.CommandResult, error) {
	return f(ctx, name, args...)
}

// LocalRunner runs commands on this host with os/exec. Arguments are passed
// to the program directly and never interpreted by a shell.
type LocalRunner struct {
	// Timeout bounds each command. Zero means DefaultTimeout.
	Timeout time.Duration

	// Env is appended to the current environment.
	Env []string

	logger zerolog.Logger
}

// NewLocalRunner creates a runner with the given per-command timeout.
func NewLocalRunner(timeout time.Duration, logger zerolog.Logger) *LocalRunner {
	return &LocalRunner{
		Timeout: timeout,
		Env:     []string{"DEBIAN_FRONTEND=noninteractive", "LC_ALL=C"},
		logger:  logger.With().Str("component", "runner").Logger(),
	}
}

// Run executes name with args and waits for it to finish.
//
// The command's lifetime is bounded by the runner timeout only; cancelling
// ctx does not interrupt a command that has already started.
func (r *LocalRunner) Run(ctx context.Context, name string, args ...string) (*engine.CommandResult, error) {
	if name == "" {
		return nil, engine.NewExecError("command is required", nil)
	}

	timeout := r.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, name, args...)
	killProcessGroup(cmd)
	cmd.WaitDelay = waitDelay
	if len(r.Env) > 0 {
		cmd.Env = append(os.Environ(), r.Env...)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	result := &engine.CommandResult{
		Command:  name,
		Args:     args,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		result.ExitCode = -1
		return result, engine.NewExecError(fmt.Sprintf("%s timed out after %s", name, timeout), runCtx.Err()).
			WithCode(engine.ErrCodeExecTimeout).
			WithDetail("command", result.CommandLine())
	}

	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, engine.NewExecError(fmt.Sprintf("failed to execute %s", name), err).
				WithDetail("command", result.CommandLine())
		}
		result.ExitCode = exitErr.ExitCode()
	}

	r.logger.Debug().
		Str("command", name).
		Int("exit_code", result.ExitCode).
		Dur("duration", result.Duration).
		Msg("Command finished")

	return result, nil
}

// Expect converts a nonzero exit into an exec error carrying the command,
// exit code and stderr. It passes errors from Run through unchanged.
func Expect(result *engine.CommandResult, err error) (*engine.CommandResult, error) {
	if err != nil {
		return result, err
	}
	if result.ExitCode != 0 {
		msg := fmt.Sprintf("%s exited with status %d", result.Command, result.ExitCode)
		if stderr := strings.TrimSpace(result.Stderr); stderr != "" {
			msg += ": " + firstLine(stderr)
		}
		return result, engine.NewExecError(msg, nil).
			WithCode(engine.ErrCodeExecNonZeroExit).
			WithDetail("command", result.CommandLine()).
			WithDetail("exit_code", result.ExitCode)
	}
	return result, nil
}

// MustSucceed runs the command and requires a zero exit status.
func MustSucceed(ctx context.Context, r Runner, name string, args ...string) (*engine.CommandResult, error) {
	return Expect(r.Run(ctx, name, args...))
}

// LookPath reports whether name resolves to an executable through r.
func LookPath(ctx context.Context, r Runner, name string) bool {
	res, err := r.Run(ctx, "sh", "-c", "command -v "+name)
	return err == nil && res.ExitCode == 0
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
