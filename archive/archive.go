//go:build linux

// Package archive extracts distribution base-snapshot archives into build
// roots.
//
// Snapshots are tar archives, optionally compressed with xz, gzip or zstd.
// The compression is detected from the stream's magic bytes rather than the
// file name: mirrors publish `.tar.xz` but the cached copy is stored under a
// fixed name.
package archive

import (
	"archive/tar"
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz"
	"golang.org/x/sys/unix"
)

// ExtractionError reports a corrupt or unreadable archive. Fatal to the
// build; the caller should discard the cached archive and re-fetch.
type ExtractionError struct {
	// Archive is the path of the archive being extracted.
	Archive string

	// Entry is the archive member that failed, if the failure is
	// member-specific.
	Entry string

	// Err is the underlying error.
	Err error
}

func (e *ExtractionError) Error() string {
	if e.Entry != "" {
		return fmt.Sprintf("extract %s: entry %q: %v", e.Archive, e.Entry, e.Err)
	}

	return fmt.Sprintf("extract %s: %v", e.Archive, e.Err)
}

func (e *ExtractionError) Unwrap() error {
	return e.Err
}

// Magic bytes of the supported compression formats.
var (
	magicXz   = []byte{0xfd, '7', 'z', 'X', 'Z', 0x00}
	magicGzip = []byte{0x1f, 0x8b}
	magicZstd = []byte{0x28, 0xb5, 0x2f, 0xfd}
)

// ExtractTar unpacks the tar archive at src into the directory dst.
//
// Directories, regular files, symlinks, hardlinks, FIFOs and device nodes
// are restored with their modes and timestamps. Ownership is restored when
// the process is privileged enough; EPERM on chown or mknod is tolerated so
// that unprivileged extraction still yields a usable tree. Entries escaping
// dst (absolute names, "..") are rejected.
func ExtractTar(src, dst string) error {
	f, err := os.Open(src)
	if err != nil {
		return &ExtractionError{Archive: src, Err: err}
	}
	defer f.Close()

	reader, err := decompress(bufio.NewReaderSize(f, 1<<20))
	if err != nil {
		return &ExtractionError{Archive: src, Err: err}
	}

	tr := tar.NewReader(reader)

	// Directory timestamps are applied after all children exist, deepest
	// first, so that child creation does not bump them.
	type dirTime struct {
		path  string
		mtime time.Time
	}

	var dirTimes []dirTime

	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}

		if err != nil {
			return &ExtractionError{Archive: src, Err: err}
		}

		target, err := secureJoin(dst, hdr.Name)
		if err != nil {
			return &ExtractionError{Archive: src, Entry: hdr.Name, Err: err}
		}

		err = extractEntry(tr, hdr, dst, target)
		if err != nil {
			return &ExtractionError{Archive: src, Entry: hdr.Name, Err: err}
		}

		if hdr.Typeflag == tar.TypeDir {
			dirTimes = append(dirTimes, dirTime{path: target, mtime: hdr.ModTime})

			continue
		}

		if hdr.Typeflag != tar.TypeSymlink {
			_ = os.Chtimes(target, time.Time{}, hdr.ModTime)
		}
	}

	for i := len(dirTimes) - 1; i >= 0; i-- {
		_ = os.Chtimes(dirTimes[i].path, time.Time{}, dirTimes[i].mtime)
	}

	return nil
}

// decompress wraps r in the decoder matching its magic bytes. Plain tar
// streams pass through unchanged.
func decompress(r *bufio.Reader) (io.Reader, error) {
	head, err := r.Peek(6)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}

	switch {
	case bytes.HasPrefix(head, magicXz):
		return xz.NewReader(r)
	case bytes.HasPrefix(head, magicGzip):
		return gzip.NewReader(r)
	case bytes.HasPrefix(head, magicZstd):
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, err
		}

		return zr.IOReadCloser(), nil
	default:
		return r, nil
	}
}

func extractEntry(tr *tar.Reader, hdr *tar.Header, dst, target string) error {
	switch hdr.Typeflag {
	case tar.TypeDir:
		err := os.MkdirAll(target, fs.FileMode(hdr.Mode).Perm())
		if err != nil {
			return err
		}

		err = os.Chmod(target, fs.FileMode(hdr.Mode).Perm())
		if err != nil {
			return err
		}

	case tar.TypeReg:
		err := os.MkdirAll(filepath.Dir(target), 0o755)
		if err != nil {
			return err
		}

		out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, fs.FileMode(hdr.Mode).Perm())
		if err != nil {
			return err
		}

		_, err = io.Copy(out, tr)

		closeErr := out.Close()
		if err != nil {
			return err
		}

		if closeErr != nil {
			return closeErr
		}

		err = os.Chmod(target, fs.FileMode(hdr.Mode).Perm())
		if err != nil {
			return err
		}

	case tar.TypeSymlink:
		err := os.MkdirAll(filepath.Dir(target), 0o755)
		if err != nil {
			return err
		}

		err = os.Symlink(hdr.Linkname, target)
		if err != nil && errors.Is(err, fs.ErrExist) {
			_ = os.Remove(target)
			err = os.Symlink(hdr.Linkname, target)
		}

		if err != nil {
			return err
		}

	case tar.TypeLink:
		linkSource, err := secureJoin(dst, hdr.Linkname)
		if err != nil {
			return err
		}

		err = os.Link(linkSource, target)
		if err != nil {
			return err
		}

	case tar.TypeChar, tar.TypeBlock, tar.TypeFifo:
		err := makeNode(hdr, target)
		if err != nil {
			// Unprivileged extraction cannot create device nodes. The
			// node does not exist, so there is nothing to chown.
			if errors.Is(err, unix.EPERM) {
				return nil
			}

			return err
		}

	case tar.TypeXGlobalHeader:
		return nil

	default:
		return fmt.Errorf("unsupported tar entry type %q", hdr.Typeflag)
	}

	return restoreOwner(hdr, target)
}

func makeNode(hdr *tar.Header, target string) error {
	mode := uint32(fs.FileMode(hdr.Mode).Perm())

	switch hdr.Typeflag {
	case tar.TypeChar:
		mode |= unix.S_IFCHR
	case tar.TypeBlock:
		mode |= unix.S_IFBLK
	case tar.TypeFifo:
		mode |= unix.S_IFIFO
	}

	dev := unix.Mkdev(uint32(hdr.Devmajor), uint32(hdr.Devminor))

	return unix.Mknod(target, mode, int(dev))
}

// restoreOwner applies the archived UID/GID. Unprivileged extraction gets
// EPERM, which is tolerated: the tree then belongs to the extracting user.
func restoreOwner(hdr *tar.Header, target string) error {
	err := unix.Lchown(target, hdr.Uid, hdr.Gid)
	if err != nil && !errors.Is(err, unix.EPERM) && !errors.Is(err, unix.EINVAL) {
		return fmt.Errorf("chown %s: %w", target, err)
	}

	return nil
}

// secureJoin resolves an archive member name below root, rejecting absolute
// names and traversal outside the root.
func secureJoin(root, name string) (string, error) {
	cleaned := filepath.Clean("/" + name)
	if cleaned == "/" {
		return root, nil
	}

	joined := filepath.Join(root, cleaned)
	if !strings.HasPrefix(joined, filepath.Clean(root)+string(os.PathSeparator)) {
		return "", fmt.Errorf("entry path %q escapes extraction root", name)
	}

	return joined, nil
}
