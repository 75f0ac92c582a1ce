//go:build linux

// Package sandbox executes package-manager commands inside a bubblewrap
// (bwrap) mount/namespace sandbox on behalf of distribution installers.
//
// The package turns an [Invocation] (command vector, mount list, environment
// layers, network policy) into a deterministic bwrap argument vector, stages
// the API virtual filesystems (/proc, /sys, /dev) inside the target root when
// requested, runs the command, and guarantees that all mounts staged on the
// host are released on success, failure, and cancellation.
//
// # Platform / Dependencies
//
// This package is Linux-only (see the build tag above) and requires the
// `bwrap` executable to be available in PATH at runtime. Staging API virtual
// filesystems additionally requires mount(2) privileges.
//
// # Isolation Boundary
//
// The sandbox exists for build reproducibility, not as a hard security
// boundary: unless [Invocation.Chroot] is set, the host root filesystem is
// dev-bound read-write at "/" inside the sandbox so that package managers can
// re-exec bwrap themselves (nested bwrap against a partially assembled root).
// Path scoping is achieved by the mounts layered on top, and network access
// is cut per invocation with a network namespace. Do not rely on this package
// to contain untrusted code.
//
// # Concurrency
//
// An Invoker is safe for concurrent use, but a build root must be owned by at
// most one in-flight invocation at a time. Issuing concurrent invocations
// against the same root is a caller error and is not guarded here.
package sandbox

import (
	"fmt"
	"io"
)

// Debugf receives debug messages from mount planning and invocation.
//
// The function should be safe to call from any goroutine. A nil Debugf
// disables debug output.
type Debugf func(format string, args ...any)

// Config configures an Invoker.
//
// WorkspaceDir and CacheDir, when set, are bind-mounted read-write into every
// invocation so that package managers can reach the build workspace and the
// shared download caches at their host paths.
type Config struct {
	// WorkspaceDir is the build workspace directory.
	WorkspaceDir string

	// CacheDir is the package-manager cache directory shared across sessions.
	CacheDir string

	// ResolvConf is the host resolv.conf path bound read-only into
	// network-enabled invocations. Defaults to /etc/resolv.conf.
	ResolvConf string

	// Debugf receives debug messages. Nil disables them.
	Debugf Debugf
}

// Invocation describes one sandboxed command.
//
// An Invocation is transient: it is constructed per call and not persisted.
type Invocation struct {
	// Command is the argument vector. Command[0] is the program, resolved
	// through PATH inside the sandbox.
	Command []string

	// Root is the target build root. When APIVFS is set, /proc, /sys and
	// /dev are staged under it before the command runs. When Chroot is set,
	// Root is bound at / inside the sandbox.
	Root string

	// Chroot binds Root at / inside the sandbox instead of dev-binding the
	// host root filesystem. Used to run tools that only exist inside a
	// bootstrap tree (for example a stage snapshot's own package manager).
	Chroot bool

	// Mounts are extra mounts applied after the baseline. Caller order is
	// preserved; later entries shadow earlier ones at the same destination.
	Mounts []Mount

	// Env holds environment layers, earliest layer lowest. Keys present in a
	// later layer fully replace earlier values.
	Env []map[string]string

	// Network shares the host network namespace. When false the invocation
	// runs with no network, which keeps non-fetching steps reproducible.
	Network bool

	// APIVFS stages /proc, /sys and /dev under Root for the duration of the
	// invocation.
	APIVFS bool

	// Stdout and Stderr receive the command's output. When nil, output is
	// captured and returned in the Result.
	Stdout io.Writer
	Stderr io.Writer
}

// Invoker runs sandboxed invocations.
//
// The zero value is not usable; construct via [New].
type Invoker struct {
	cfg Config
}

// New constructs an Invoker.
func New(cfg Config) (*Invoker, error) {
	if cfg.ResolvConf == "" {
		cfg.ResolvConf = "/etc/resolv.conf"
	}

	err := validateConfig(&cfg)
	if err != nil {
		return nil, fmt.Errorf("sandbox: validating: %w", err)
	}

	return &Invoker{cfg: cfg}, nil
}

func (inv *Invoker) debugf(format string, args ...any) {
	if inv.cfg.Debugf == nil {
		return
	}

	inv.cfg.Debugf("sandbox: "+format, args...)
}

// internalErrorf reports an internal invariant violation.
//
// These errors indicate a bug in this package rather than invalid caller
// input.
func internalErrorf(op, format string, args ...any) error {
	detail := fmt.Sprintf(format, args...)

	if op == "" {
		return fmt.Errorf("sandbox: internal error: %s", detail)
	}

	return fmt.Errorf("sandbox: internal error: %s: %s", op, detail)
}
