//go:build linux

package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"syscall"
	"time"
)

// terminateGrace is how long a cancelled child gets to exit after SIGTERM
// before it is killed.
const terminateGrace = 10 * time.Second

// RunSpec describes one external process to run.
type RunSpec struct {
	// Command is the argument vector. Command[0] is resolved through PATH.
	Command []string

	// Env is the complete environment as KEY=VALUE pairs. Nil means an empty
	// environment, not the host environment.
	Env []string

	// Dir is the working directory. Empty means the current directory.
	Dir string

	// Stdin is the process standard input. Nil means no input.
	Stdin io.Reader

	// Stdout and Stderr receive output. When nil, the stream is captured
	// into the Result instead.
	Stdout io.Writer
	Stderr io.Writer

	// TolerateExit reports nonzero exit codes in the Result instead of
	// returning an *ExecutionError.
	TolerateExit bool
}

// Result holds the outcome of a completed process.
type Result struct {
	// ExitCode is the process exit code.
	ExitCode int

	// Stdout and Stderr hold captured output for streams that had no writer
	// in the RunSpec.
	Stdout []byte
	Stderr []byte
}

// Run executes spec and waits for completion.
//
// Exactly one child process is spawned and always reaped: on context
// cancellation the child receives SIGTERM, then SIGKILL after a grace
// period, and Run returns only once the process has been waited for. The
// context error is surfaced alongside the execution failure.
func Run(ctx context.Context, spec RunSpec) (*Result, error) {
	if len(spec.Command) == 0 {
		return nil, errors.New("run: no command provided")
	}

	path, err := exec.LookPath(spec.Command[0])
	if err != nil {
		return nil, &ExecutionError{Command: spec.Command, ExitCode: -1, Err: err}
	}

	cmd := exec.CommandContext(ctx, path, spec.Command[1:]...)
	cmd.Dir = spec.Dir
	cmd.Stdin = spec.Stdin

	if spec.Env == nil {
		cmd.Env = []string{}
	} else {
		cmd.Env = spec.Env
	}

	// Give the child a chance to clean up before it is killed.
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = terminateGrace

	var stdout, stderr bytes.Buffer

	cmd.Stdout = spec.Stdout
	if cmd.Stdout == nil {
		cmd.Stdout = &stdout
	}

	cmd.Stderr = spec.Stderr
	if cmd.Stderr == nil {
		cmd.Stderr = &stderr
	}

	runErr := cmd.Run()

	if runErr == nil {
		return &Result{ExitCode: 0, Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}, nil
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, fmt.Errorf("run %q: %w", spec.Command[0], errors.Join(ctxErr, runErr))
	}

	var exitErr *exec.ExitError
	if errors.As(runErr, &exitErr) {
		if spec.TolerateExit {
			return &Result{
				ExitCode: exitErr.ExitCode(),
				Stdout:   stdout.Bytes(),
				Stderr:   stderr.Bytes(),
			}, nil
		}

		return nil, &ExecutionError{
			Command:  spec.Command,
			ExitCode: exitErr.ExitCode(),
			Stderr:   stderr.String(),
		}
	}

	return nil, &ExecutionError{Command: spec.Command, ExitCode: -1, Err: runErr}
}
