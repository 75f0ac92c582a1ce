//go:build linux

package sandbox

import (
	"fmt"
	"strings"
)

// ExecutionError reports a command that could not be started or exited
// nonzero.
//
// ExitCode is -1 when the process never ran (binary not found, start
// failure).
type ExecutionError struct {
	// Command is the argument vector that was dispatched.
	Command []string

	// ExitCode is the process exit code, or -1 if it never ran.
	ExitCode int

	// Stderr holds captured standard error, when output capture was active.
	Stderr string

	// Err is the underlying error, if any.
	Err error
}

func (e *ExecutionError) Error() string {
	name := "<none>"
	if len(e.Command) > 0 {
		name = e.Command[0]
	}

	msg := fmt.Sprintf("command %q failed", name)

	if e.ExitCode >= 0 {
		msg = fmt.Sprintf("command %q exited with status %d", name, e.ExitCode)
	}

	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}

	if tail := lastStderrLine(e.Stderr); tail != "" {
		msg += ": " + tail
	}

	return msg
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// lastStderrLine returns the last non-empty stderr line, which is usually
// the most useful diagnostic for a failed package-manager run.
func lastStderrLine(stderr string) string {
	lines := strings.Split(strings.TrimSpace(stderr), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if line := strings.TrimSpace(lines[i]); line != "" {
			return line
		}
	}

	return ""
}

// MountSetupError reports a failed mount or unmount syscall while staging
// API virtual filesystems. These errors are fatal to the build: a root with
// half-staged pseudo-filesystems is not safe to run installers against.
type MountSetupError struct {
	// Op is "mount" or "unmount".
	Op string

	// Target is the mount point involved.
	Target string

	// Err is the underlying syscall error.
	Err error
}

func (e *MountSetupError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Target, e.Err)
}

func (e *MountSetupError) Unwrap() error {
	return e.Err
}
