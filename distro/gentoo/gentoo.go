// Package gentoo implements the Gentoo distribution backend. The image
// root is composed from a binary stage3 snapshot: the stage3 tree serves as
// the build environment while emerge installs into the root, so no Gentoo
// host is required.
package gentoo

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/dridi/mkosi/config"
	"github.com/dridi/mkosi/distro"
	"github.com/dridi/mkosi/state"
	"github.com/dridi/mkosi/tree"
)

// Installer is the Gentoo backend. The zero value is not usable; call New.
type Installer struct {
	// Client fetches release manifests and stage3 archives.
	Client *http.Client
}

// New returns a Gentoo installer using the default HTTP client.
func New() *Installer {
	return &Installer{Client: http.DefaultClient}
}

func init() {
	distro.Register("gentoo", New())
}

func (g *Installer) Filesystem() string {
	return "btrfs"
}

func (g *Installer) PackageType() distro.PackageType {
	return distro.PackageTypeEbuild
}

// ArchitectureName maps the generic architecture to Gentoo's spelling.
func (g *Installer) ArchitectureName(arch config.Architecture) (string, error) {
	switch arch {
	case config.ArchX86_64:
		return "amd64", nil
	case config.ArchArm64:
		return "arm64", nil
	case config.ArchArm:
		return "arm", nil
	default:
		return "", &distro.UnsupportedArchitectureError{Distribution: "gentoo", Architecture: arch}
	}
}

// Setup lays out the persistent cache subtrees shared across builds of the
// same release: binary packages, distfiles, and the ebuild repository.
func (g *Installer) Setup(_ context.Context, st *state.State) error {
	for _, dir := range []string{binpkgsDir(st), distfilesDir(st), filepath.Join(reposDir(st), "gentoo")} {
		err := os.MkdirAll(dir, 0o755)
		if err != nil {
			return fmt.Errorf("creating cache directory %s: %w", dir, err)
		}
	}

	return nil
}

// Install bootstraps the image root: fetch and unpack the stage3 snapshot
// into the cache, overlay user package-manager config, sync the ebuild
// repository, and install baselayout into the root.
func (g *Installer) Install(ctx context.Context, st *state.State) error {
	stage3, err := g.ensureStage3(ctx, st)
	if err != nil {
		return err
	}

	// User portage config shadows the stage3's own. The stage3 is a cache
	// owned by us, so plain process ownership is fine.
	err = tree.Copy(st.PkgMngr(), stage3, tree.CopyOptions{})
	if err != nil {
		return fmt.Errorf("overlaying package-manager config: %w", err)
	}

	err = appendPortageFeatures(stage3, st.Config.DocsEnabled())
	if err != nil {
		return err
	}

	err = g.syncRepository(ctx, st, stage3)
	if err != nil {
		return err
	}

	// baselayout creates the root's directory skeleton, so the API VFS
	// mount points do not exist yet.
	return g.InstallPackages(ctx, st, []string{"sys-apps/baselayout"}, false)
}

// InstallPackages installs packages into the image root via emerge running
// out of the cached stage3.
func (g *Installer) InstallPackages(ctx context.Context, st *state.State, packages []string, apivfs bool) error {
	if len(packages) == 0 {
		return nil
	}

	err := g.invokeEmerge(ctx, st, packages, apivfs)
	if err != nil {
		return err
	}

	return linkKernelImages(st)
}

// linkKernelImages symlinks usr/lib/modules/<kver>/vmlinuz to the kernel
// image built under usr/src so the image carries the kernel where module
// tooling expects it.
func linkKernelImages(st *state.State) error {
	kimgByArch := map[config.Architecture]string{
		config.ArchX86_64: "arch/x86/boot/bzImage",
		config.ArchArm64:  "arch/arm64/boot/Image.gz",
		config.ArchArm:    "arch/arm/boot/zImage",
	}

	kimgPath, ok := kimgByArch[st.Config.Architecture]
	if !ok {
		return &distro.UnsupportedArchitectureError{Distribution: "gentoo", Architecture: st.Config.Architecture}
	}

	srcDirs, err := filepath.Glob(filepath.Join(st.Root(), "usr/src/linux-*"))
	if err != nil {
		return fmt.Errorf("globbing kernel sources: %w", err)
	}

	for _, srcDir := range srcDirs {
		kver := strings.TrimPrefix(filepath.Base(srcDir), "linux-")

		moduleDir := filepath.Join(st.Root(), "usr/lib/modules", kver)

		err = os.MkdirAll(moduleDir, 0o755)
		if err != nil {
			return fmt.Errorf("creating module directory: %w", err)
		}

		vmlinuz := filepath.Join(moduleDir, "vmlinuz")

		_, err = os.Lstat(vmlinuz)
		if err == nil {
			continue
		} else if !os.IsNotExist(err) {
			return fmt.Errorf("checking %s: %w", vmlinuz, err)
		}

		target, err := filepath.Rel(moduleDir, filepath.Join(srcDir, kimgPath))
		if err != nil {
			return fmt.Errorf("resolving kernel image path: %w", err)
		}

		err = os.Symlink(target, vmlinuz)
		if err != nil {
			return fmt.Errorf("linking %s: %w", vmlinuz, err)
		}
	}

	return nil
}

func binpkgsDir(st *state.State) string {
	return filepath.Join(st.CacheDir(), "binpkgs")
}

func distfilesDir(st *state.State) string {
	return filepath.Join(st.CacheDir(), "distfiles")
}

func reposDir(st *state.State) string {
	return filepath.Join(st.CacheDir(), "repos")
}

func stage3Dir(st *state.State) string {
	return filepath.Join(st.CacheDir(), "stage3")
}

func stage3Archive(st *state.State) string {
	return filepath.Join(st.CacheDir(), "stage3.tar")
}
