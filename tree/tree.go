//go:build linux

// Package tree copies and prunes filesystem trees when composing build
// roots.
//
// Copying moves artifacts between the cache, staging and final root
// locations of a build workspace. Ownership preservation is a caller policy:
// it is needed when copying a pristine stage snapshot whose UIDs and GIDs
// must match package-manager expectations, and skipped when copying into a
// root that is chowned later anyway.
package tree

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// CopyOptions controls tree copying.
type CopyOptions struct {
	// PreserveOwnership replicates UID/GID on every copied entry. Requires
	// the caller to be privileged enough to chown.
	PreserveOwnership bool
}

// Copy replicates the tree rooted at src into dst.
//
// Directories, regular files, symlinks, hardlinks, device nodes and FIFOs
// are replicated along with their permissions and timestamps. dst is created
// if missing. Existing files at the destination are overwritten.
//
// Copy is not transactional: if it fails partway, dst is left partially
// populated and the error says so. Callers composing a fresh tree should
// copy into a new location and rename, or [Remove] the destination before
// retrying.
func Copy(src, dst string, opts CopyOptions) error {
	srcInfo, err := os.Lstat(src)
	if err != nil {
		return fmt.Errorf("copy tree: %w", err)
	}

	if !srcInfo.IsDir() {
		return fmt.Errorf("copy tree: source %s is not a directory", src)
	}

	// Hardlink groups are keyed by (device, inode) of the source so that
	// files linked together in the source stay linked in the destination.
	links := make(map[linkKey]string)

	err = filepath.WalkDir(src, func(path string, entry fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}

		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}

		target := filepath.Join(dst, rel)

		info, err := entry.Info()
		if err != nil {
			return err
		}

		return copyEntry(path, target, info, links, opts)
	})
	if err != nil {
		return fmt.Errorf("copy tree %s to %s (destination may be partial): %w", src, dst, err)
	}

	return nil
}

// Remove deletes the tree rooted at path. Removing an absent path is not an
// error.
func Remove(path string) error {
	err := os.RemoveAll(path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove tree %s: %w", path, err)
	}

	return nil
}

type linkKey struct {
	dev uint64
	ino uint64
}

func copyEntry(src, dst string, info fs.FileInfo, links map[linkKey]string, opts CopyOptions) error {
	stat, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return fmt.Errorf("no stat information for %s", src)
	}

	mode := info.Mode()

	switch {
	case mode.IsDir():
		err := os.MkdirAll(dst, mode.Perm())
		if err != nil {
			return err
		}

		// MkdirAll perms are masked by umask; restore the source mode.
		err = os.Chmod(dst, mode.Perm())
		if err != nil {
			return err
		}

	case mode&fs.ModeSymlink != 0:
		linkTarget, err := os.Readlink(src)
		if err != nil {
			return err
		}

		err = replaceSymlink(linkTarget, dst)
		if err != nil {
			return err
		}

	case mode.IsRegular():
		if stat.Nlink > 1 {
			key := linkKey{dev: uint64(stat.Dev), ino: uint64(stat.Ino)}

			if first, seen := links[key]; seen {
				return replaceHardlink(first, dst)
			}

			links[key] = dst
		}

		err := copyFileContents(src, dst, mode.Perm())
		if err != nil {
			return err
		}

	case mode&fs.ModeDevice != 0 || mode&fs.ModeNamedPipe != 0 || mode&fs.ModeSocket != 0:
		err := replaceNode(dst, stat)
		if err != nil {
			// Device nodes need privileges; a tree copied for inspection is
			// still usable without them.
			if !errors.Is(err, unix.EPERM) {
				return err
			}
		}

	default:
		return fmt.Errorf("unsupported file type %s at %s", mode, src)
	}

	return finishEntry(dst, info, stat, opts)
}

// finishEntry applies ownership and timestamps after the entry exists.
func finishEntry(dst string, info fs.FileInfo, stat *syscall.Stat_t, opts CopyOptions) error {
	if opts.PreserveOwnership {
		err := unix.Lchown(dst, int(stat.Uid), int(stat.Gid))
		if err != nil {
			return &OwnershipError{Path: dst, UID: int(stat.Uid), GID: int(stat.Gid), Err: err}
		}
	}

	if info.Mode()&fs.ModeSymlink != 0 {
		return nil
	}

	mtime := info.ModTime()

	err := os.Chtimes(dst, time.Time{}, mtime)
	if err != nil {
		return err
	}

	return nil
}

func copyFileContents(src, dst string, perm fs.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		if !errors.Is(err, fs.ErrExist) && !errors.Is(err, unix.EACCES) {
			return err
		}

		// Overwriting a mode-less file (0000) or one owned by another UID:
		// drop it and retry.
		err = os.Remove(dst)
		if err != nil {
			return err
		}

		out, err = os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
		if err != nil {
			return err
		}
	}

	_, err = io.Copy(out, in)

	closeErr := out.Close()
	if err != nil {
		return err
	}

	if closeErr != nil {
		return closeErr
	}

	// OpenFile perm is masked by umask; restore the source mode exactly.
	return os.Chmod(dst, perm)
}

func replaceSymlink(target, dst string) error {
	err := os.Symlink(target, dst)
	if err == nil || !errors.Is(err, fs.ErrExist) {
		return err
	}

	err = os.Remove(dst)
	if err != nil {
		return err
	}

	return os.Symlink(target, dst)
}

func replaceHardlink(existing, dst string) error {
	err := os.Link(existing, dst)
	if err == nil || !errors.Is(err, fs.ErrExist) {
		return err
	}

	err = os.Remove(dst)
	if err != nil {
		return err
	}

	return os.Link(existing, dst)
}

func replaceNode(dst string, stat *syscall.Stat_t) error {
	err := os.Remove(dst)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}

	return unix.Mknod(dst, stat.Mode, int(stat.Rdev))
}

// OwnershipError reports a failed chown during an ownership-preserving copy.
type OwnershipError struct {
	Path string
	UID  int
	GID  int
	Err  error
}

func (e *OwnershipError) Error() string {
	return fmt.Sprintf("chown %s to %d:%d: %v", e.Path, e.UID, e.GID, e.Err)
}

func (e *OwnershipError) Unwrap() error {
	return e.Err
}
