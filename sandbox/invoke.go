//go:build linux

package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
)

// Invoke runs one command inside the sandbox.
//
// Steps:
//  1. Build the bwrap argument vector (baseline, config binds, caller
//     mounts).
//  2. Stage API virtual filesystems under the root when requested.
//  3. Merge the environment layers, later layers winning per key.
//  4. Dispatch through [Run].
//
// On any failure in steps 1-4, and on cancellation, staged mounts are torn
// down before the error propagates; Invoke never leaks mounts onto the host
// mount table. Nonzero exits surface as *ExecutionError, mount failures as
// *MountSetupError, cancellation as a context error wrapping the execution
// failure.
func (inv *Invoker) Invoke(ctx context.Context, call Invocation) (*Result, error) {
	err := validateInvocation(&call)
	if err != nil {
		return nil, fmt.Errorf("sandbox: validating invocation: %w", err)
	}

	bwrapPath, err := exec.LookPath("bwrap")
	if err != nil {
		return nil, fmt.Errorf("sandbox: bwrap not found in PATH: %w", err)
	}

	bwrapArgs, err := buildArgs(inv.cfg, &call)
	if err != nil {
		return nil, fmt.Errorf("sandbox: planning mounts: %w", err)
	}

	env := envMapToSliceSorted(MergeEnv(call.Env...))

	inv.debugf("invoke argv0=%q root=%q network=%t apivfs=%t chroot=%t mounts=%d env=%d",
		call.Command[0], call.Root, call.Network, call.APIVFS, call.Chroot, len(call.Mounts), len(env))

	var vfs *APIVFS

	if call.APIVFS {
		vfs, err = PrepareAPIVFS(call.Root, inv.cfg.Debugf)
		if err != nil {
			return nil, fmt.Errorf("sandbox: staging apivfs under %s: %w", call.Root, err)
		}
	}

	argv := make([]string, 0, 1+len(bwrapArgs)+1+len(call.Command))
	argv = append(argv, bwrapPath)
	argv = append(argv, bwrapArgs...)
	argv = append(argv, "--")
	argv = append(argv, call.Command...)

	res, runErr := Run(ctx, RunSpec{
		Command: argv,
		Env:     env,
		Stdout:  call.Stdout,
		Stderr:  call.Stderr,
	})

	if vfs != nil {
		// Teardown before propagating so that no pseudo-filesystem mount
		// outlives the call, however it ended.
		teardownErr := vfs.Teardown()
		if teardownErr != nil {
			runErr = errors.Join(runErr, teardownErr)
		}
	}

	if runErr != nil {
		return nil, reattributeCommand(runErr, call.Command)
	}

	return res, nil
}

// reattributeCommand rewrites an *ExecutionError so that it names the
// sandboxed command rather than the bwrap launcher.
func reattributeCommand(err error, command []string) error {
	var execErr *ExecutionError
	if errors.As(err, &execErr) {
		execErr.Command = command
	}

	return err
}
