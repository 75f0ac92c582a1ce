//go:build linux

package sandbox

// This file contains the bwrap argument planner.
//
// The planner turns Config + Invocation into the deterministic argument
// vector passed to `bwrap` (everything before the "-- <argv...>" separator).
// It performs no filesystem access and no per-invocation resource
// allocation, so identical inputs always produce identical output.

import (
	"fmt"
	"path/filepath"
)

// planner assembles the bwrap argument vector for one invocation.
type planner struct {
	cfg  Config
	inv  *Invocation
	args []string
}

// buildArgs produces the bwrap arguments for inv.
//
// Baseline first, then the fixed binds derived from Config, then the caller
// mounts. Caller order is preserved after duplicate elimination; bwrap
// applies mounts in argument order, so a later mount shadows an earlier one
// at the same destination.
func buildArgs(cfg Config, inv *Invocation) ([]string, error) {
	p := planner{cfg: cfg, inv: inv, args: make([]string, 0, 32)}

	return p.build()
}

func (p *planner) build() ([]string, error) {
	p.appendArgs("--die-with-parent")

	if p.inv.Chroot {
		// The invocation runs against the bootstrap tree as its root. The
		// tree is bound read-write because package managers mutate their own
		// state below /var and /etc.
		p.appendMount("--bind", p.inv.Root, "/")
	} else {
		// Reproducibility over isolation: the host root stays dev-bound
		// read-write so that the sandboxed package manager can itself re-exec
		// bwrap against the partially assembled target root. See the package
		// documentation before changing this.
		p.appendMount("--dev-bind", "/", "/")
	}

	if !p.inv.Network {
		p.appendArgs("--unshare-net")
	}

	for _, dir := range []string{p.cfg.WorkspaceDir, p.cfg.CacheDir} {
		if dir == "" {
			continue
		}

		p.appendMount("--bind", dir, dir)
	}

	if p.inv.Network {
		p.appendMount("--ro-bind-try", p.cfg.ResolvConf, "/etc/resolv.conf")
	}

	deduped := dedupMounts(p.inv.Mounts)

	for _, mnt := range deduped {
		err := validateMount(mnt)
		if err != nil {
			return nil, err
		}

		args, err := mountToArgs(mnt)
		if err != nil {
			return nil, fmt.Errorf("mount %s src=%q dst=%q: %w", mountKindName(mnt.Kind), mnt.Src, mnt.Dst, err)
		}

		p.args = append(p.args, args...)
	}

	return p.args, nil
}

func (p *planner) appendArgs(parts ...string) {
	p.args = append(p.args, parts...)
}

func (p *planner) appendMount(flag, src, dst string) {
	p.args = append(p.args, flag, src, dst)
}

// validateMount checks a caller-supplied mount before argument emission.
func validateMount(mnt Mount) error {
	if mnt.Dst == "" {
		return fmt.Errorf("mount %s has empty destination", mountKindName(mnt.Kind))
	}

	if !filepath.IsAbs(mnt.Dst) {
		return fmt.Errorf("mount %s destination %q is not absolute", mountKindName(mnt.Kind), mnt.Dst)
	}

	switch mnt.Kind {
	case MountBind, MountBindTry, MountRoBind, MountRoBindTry, MountDevBind:
		if mnt.Src == "" {
			return fmt.Errorf("mount %s %q requires a source path", mountKindName(mnt.Kind), mnt.Dst)
		}

		if !filepath.IsAbs(mnt.Src) {
			return fmt.Errorf("mount %s source %q is not absolute", mountKindName(mnt.Kind), mnt.Src)
		}

	case MountOverlay:
		if mnt.Src == "" {
			return fmt.Errorf("overlay mount %q requires a lower tree", mnt.Dst)
		}

		if (mnt.Upper == "") != (mnt.Work == "") {
			return fmt.Errorf("overlay mount %q requires both upper and work or neither", mnt.Dst)
		}

	case MountTmpfs, MountDir:
		if mnt.Src != "" {
			return fmt.Errorf("mount %s %q does not accept a source path", mountKindName(mnt.Kind), mnt.Dst)
		}

	default:
		return fmt.Errorf("mount has unknown kind %d (dst=%q)", mnt.Kind, mnt.Dst)
	}

	return nil
}
