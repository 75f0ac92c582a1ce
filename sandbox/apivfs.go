//go:build linux

package sandbox

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sys/unix"
)

// Syscall seams, overridable in tests. A minimal target root has no tools of
// its own, so pseudo-filesystems must be staged with mount(2) directly and
// never by executing anything from inside the root.
var (
	mountFn   = unix.Mount
	unmountFn = unix.Unmount
)

// apivfsMount describes one pseudo-filesystem staged under the target root.
type apivfsMount struct {
	// subdir is the mount point relative to the root.
	subdir string

	source string
	fstype string
	flags  uintptr
}

// apivfsMounts are applied in order; teardown runs in reverse.
var apivfsMounts = []apivfsMount{
	{subdir: "proc", source: "proc", fstype: "proc"},
	{subdir: "sys", source: "sysfs", fstype: "sysfs", flags: unix.MS_RDONLY},
	{subdir: "dev", source: "/dev", flags: unix.MS_BIND | unix.MS_REC},
}

// APIVFS is a teardown handle for pseudo-filesystems staged under a build
// root.
//
// Obtain one via [PrepareAPIVFS] and always call [APIVFS.Teardown], on every
// exit path. Teardown is idempotent and safe to call from a deferred
// function alongside explicit error-path calls.
type APIVFS struct {
	root   string
	debugf Debugf

	once    sync.Once
	mounted []string // mount points in mount order
	err     error
}

// PrepareAPIVFS stages /proc, /sys and /dev under root so that programs
// executed against it find the pseudo-filesystems a normal userspace
// expects.
//
// On any failure, mounts staged so far are unwound before the error is
// returned; a non-nil error never leaks mounts. Errors are reported as
// *MountSetupError.
func PrepareAPIVFS(root string, debugf Debugf) (*APIVFS, error) {
	a := &APIVFS{root: root, debugf: debugf}

	for _, m := range apivfsMounts {
		target := filepath.Join(root, m.subdir)

		err := os.MkdirAll(target, 0o755)
		if err != nil {
			unwindErr := a.Teardown()

			return nil, errors.Join(&MountSetupError{Op: "mount", Target: target, Err: err}, unwindErr)
		}

		err = mountFn(m.source, target, m.fstype, m.flags, "")
		if err != nil {
			unwindErr := a.Teardown()

			return nil, errors.Join(&MountSetupError{Op: "mount", Target: target, Err: err}, unwindErr)
		}

		a.mounted = append(a.mounted, target)

		if a.debugf != nil {
			a.debugf("apivfs: mounted %s (%s)", target, m.subdir)
		}
	}

	return a, nil
}

// Teardown releases all pseudo-filesystem mounts staged by PrepareAPIVFS, in
// reverse mount order. It is idempotent; repeated calls return the first
// outcome.
func (a *APIVFS) Teardown() error {
	a.once.Do(func() {
		var errs []error

		for i := len(a.mounted) - 1; i >= 0; i-- {
			target := a.mounted[i]

			// MNT_DETACH so a busy mount (straggler process holding a file
			// open) cannot leave the build wedged; the kernel finishes the
			// unmount when the last user goes away.
			err := unmountFn(target, unix.MNT_DETACH)
			if err != nil {
				errs = append(errs, &MountSetupError{Op: "unmount", Target: target, Err: err})

				continue
			}

			if a.debugf != nil {
				a.debugf("apivfs: unmounted %s", target)
			}
		}

		a.mounted = nil
		a.err = errors.Join(errs...)
	})

	return a.err
}

// String identifies the handle in debug output.
func (a *APIVFS) String() string {
	return fmt.Sprintf("apivfs(%s)", a.root)
}
