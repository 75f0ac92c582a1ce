//go:build linux

package sandbox

// Mount describes a single mount operation inside the sandbox.
//
// Src is the host source path and Dst the absolute destination inside the
// sandbox. Mounts that only need a destination (tmpfs, dir) leave Src empty.
//
// Overlay mounts combine one or more read-only lower trees with an optional
// writable upper/work pair. When Upper is empty the writable layer is a
// throwaway tmpfs.
type Mount struct {
	// Kind selects the mount operation.
	Kind MountKind

	// Src is the host source path for bind mounts, or the lower tree for
	// overlay mounts.
	Src string

	// Dst is the absolute destination path inside the sandbox.
	Dst string

	// Lower holds additional overlay lower trees layered under Src, bottom
	// first. Only meaningful for MountOverlay.
	Lower []string

	// Upper is the host path of the writable overlay layer. Empty means a
	// tmpfs-backed throwaway layer. Only meaningful for MountOverlay.
	Upper string

	// Work is the overlay workdir accompanying Upper. Required when Upper is
	// set; must be on the same filesystem as Upper.
	Work string
}

// MountKind describes the mount operations understood by this package. Each
// kind corresponds directly to a bubblewrap flag.
//
// The zero value is invalid.
type MountKind int

const (
	// MountBind adds a read-write bind mount (--bind).
	MountBind MountKind = iota + 1

	// MountBindTry adds a read-write bind mount that is skipped if the
	// source is missing (--bind-try).
	MountBindTry

	// MountRoBind adds a read-only bind mount (--ro-bind).
	MountRoBind

	// MountRoBindTry adds a read-only bind mount that is skipped if the
	// source is missing (--ro-bind-try).
	MountRoBindTry

	// MountDevBind adds a device bind mount (--dev-bind), which unlike
	// MountBind does not filter device nodes.
	MountDevBind

	// MountOverlay mounts an overlay filesystem at Dst (--overlay-src plus
	// --overlay or --tmp-overlay).
	MountOverlay

	// MountTmpfs mounts an empty tmpfs at Dst (--tmpfs).
	MountTmpfs

	// MountDir creates a directory mount point (--dir).
	MountDir
)

// Bind returns a read-write bind mount from src (host path) to dst (sandbox
// path).
func Bind(src, dst string) Mount {
	return Mount{Kind: MountBind, Src: src, Dst: dst}
}

// BindTry returns a read-write bind mount from src to dst that is skipped if
// src does not exist.
func BindTry(src, dst string) Mount {
	return Mount{Kind: MountBindTry, Src: src, Dst: dst}
}

// RoBind returns a read-only bind mount from src (host path) to dst (sandbox
// path).
func RoBind(src, dst string) Mount {
	return Mount{Kind: MountRoBind, Src: src, Dst: dst}
}

// RoBindTry returns a read-only bind mount from src to dst that is skipped if
// src does not exist.
func RoBindTry(src, dst string) Mount {
	return Mount{Kind: MountRoBindTry, Src: src, Dst: dst}
}

// DevBind returns a device bind mount from src (host path) to dst (sandbox
// path).
func DevBind(src, dst string) Mount {
	return Mount{Kind: MountDevBind, Src: src, Dst: dst}
}

// Overlay returns an overlay mount at dst with lower as the bottom read-only
// layer and a tmpfs-backed writable layer. Use [Mount.WithUpper] for a
// persistent writable layer.
func Overlay(lower, dst string) Mount {
	return Mount{Kind: MountOverlay, Src: lower, Dst: dst}
}

// WithUpper sets a persistent writable layer on an overlay mount. work must
// be an empty directory on the same filesystem as upper.
func (m Mount) WithUpper(upper, work string) Mount {
	m.Upper = upper
	m.Work = work

	return m
}

// Tmpfs returns an empty tmpfs mount at dst (sandbox path).
func Tmpfs(dst string) Mount {
	return Mount{Kind: MountTmpfs, Dst: dst}
}

// Dir returns a directory creation operation at dst (sandbox path).
//
// This maps to bwrap's --dir and is typically used to ensure parent
// directories exist before bind mounts.
func Dir(dst string) Mount {
	return Mount{Kind: MountDir, Dst: dst}
}

// mountKindName returns a stable, human-readable name for a MountKind.
func mountKindName(kind MountKind) string {
	switch kind {
	case MountBind:
		return "bind"
	case MountBindTry:
		return "bind-try"
	case MountRoBind:
		return "ro-bind"
	case MountRoBindTry:
		return "ro-bind-try"
	case MountDevBind:
		return "dev-bind"
	case MountOverlay:
		return "overlay"
	case MountTmpfs:
		return "tmpfs"
	case MountDir:
		return "dir"
	default:
		return "unknown"
	}
}

// mountToArgs converts a Mount into the corresponding bwrap CLI arguments.
func mountToArgs(mnt Mount) ([]string, error) {
	switch mnt.Kind {
	case MountBind:
		return []string{"--bind", mnt.Src, mnt.Dst}, nil
	case MountBindTry:
		return []string{"--bind-try", mnt.Src, mnt.Dst}, nil
	case MountRoBind:
		return []string{"--ro-bind", mnt.Src, mnt.Dst}, nil
	case MountRoBindTry:
		return []string{"--ro-bind-try", mnt.Src, mnt.Dst}, nil
	case MountDevBind:
		return []string{"--dev-bind", mnt.Src, mnt.Dst}, nil
	case MountOverlay:
		args := make([]string, 0, 2*(1+len(mnt.Lower))+4)
		args = append(args, "--overlay-src", mnt.Src)

		for _, lower := range mnt.Lower {
			args = append(args, "--overlay-src", lower)
		}

		if mnt.Upper == "" {
			return append(args, "--tmp-overlay", mnt.Dst), nil
		}

		return append(args, "--overlay", mnt.Upper, mnt.Work, mnt.Dst), nil
	case MountTmpfs:
		return []string{"--tmpfs", mnt.Dst}, nil
	case MountDir:
		return []string{"--dir", mnt.Dst}, nil
	default:
		return nil, internalErrorf("mountToArgs", "unknown mount kind %d (src=%q dst=%q)", mnt.Kind, mnt.Src, mnt.Dst)
	}
}

// dedupMounts removes exact duplicate mount entries while preserving caller
// order among the rest.
//
// Only fully identical entries are collapsed. Distinct entries sharing a
// destination are deliberately kept in order: bwrap applies mounts
// sequentially, so the later entry shadows the earlier one at that
// destination.
func dedupMounts(mounts []Mount) []Mount {
	type key struct {
		kind        MountKind
		src, dst    string
		lower       string
		upper, work string
	}

	seen := make(map[key]struct{}, len(mounts))
	out := make([]Mount, 0, len(mounts))

	for _, m := range mounts {
		k := key{kind: m.Kind, src: m.Src, dst: m.Dst, upper: m.Upper, work: m.Work}
		for _, lower := range m.Lower {
			k.lower += lower + "\x00"
		}

		if _, ok := seen[k]; ok {
			continue
		}

		seen[k] = struct{}{}
		out = append(out, m)
	}

	return out
}
