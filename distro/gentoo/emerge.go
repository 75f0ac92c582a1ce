package gentoo

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"

	"github.com/dridi/mkosi/sandbox"
	"github.com/dridi/mkosi/state"
)

// portageFeatures are appended to the stage3's make.conf. The sandboxing
// knobs come off because emerge already runs inside our sandbox, and
// portage's own sandbox layers break under it.
var portageFeatures = []string{
	"-sandbox",
	"-pid-sandbox",
	"-ipc-sandbox",
	"-network-sandbox",
	"-userfetch",
	"-userpriv",
	"-usersandbox",
	"-usersync",
	// Locks deadlock under parallel-install when emerge runs sandboxed.
	"-ebuild-locks",
	"parallel-install",
}

// docFeatures suppress documentation when the image excludes it.
var docFeatures = []string{"noman", "nodoc", "noinfo"}

// appendPortageFeatures appends a FEATURES line to the stage3's make.conf.
func appendPortageFeatures(stage3 string, withDocs bool) error {
	features := portageFeatures
	if !withDocs {
		features = append(append([]string{}, features...), docFeatures...)
	}

	confDir := filepath.Join(stage3, "etc/portage")

	err := os.MkdirAll(confDir, 0o755)
	if err != nil {
		return fmt.Errorf("creating portage config directory: %w", err)
	}

	confPath := filepath.Join(confDir, "make.conf")

	f, err := os.OpenFile(confPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("opening make.conf: %w", err)
	}

	_, err = fmt.Fprintf(f, "\nFEATURES=\"${FEATURES} %s\"\n", strings.Join(features, " "))
	if err != nil {
		f.Close()

		return fmt.Errorf("writing make.conf: %w", err)
	}

	return f.Close()
}

// syncRepository runs emerge-webrsync chrooted into the stage3 to populate
// the ebuild repository cache.
func (g *Installer) syncRepository(ctx context.Context, st *state.State, stage3 string) error {
	command := []string{"emerge-webrsync"}
	if st.Config.Debug {
		command = append(command, "-v")
	}

	_, err := st.Sandbox.Invoke(ctx, sandbox.Invocation{
		Command: command,
		Root:    stage3,
		Chroot:  true,
		Network: true,
		APIVFS:  true,
		Mounts: []sandbox.Mount{
			sandbox.Bind(reposDir(st), "/var/db/repos"),
		},
		Stdout: st.Stdout,
		Stderr: st.Stderr,
	})
	if err != nil {
		return fmt.Errorf("syncing ebuild repository: %w", err)
	}

	return nil
}

// invokeEmerge runs emerge out of the cached stage3 against the image
// root. The host root stays visible so the stage3's dynamic linker and
// tooling resolve, while a nested sandbox layers the stage3's /usr over the
// host's for the emerge process itself.
func (g *Installer) invokeEmerge(ctx context.Context, st *state.State, packages []string, apivfs bool) error {
	stage3 := stage3Dir(st)

	command := newArgBuilder("bwrap")
	command.option("--dev-bind", "/", "/")
	command.option("--bind", filepath.Join(stage3, "usr"), "/usr")
	command.arg("emerge")
	command.args(emergeOptions(st.Config.Debug)...)
	command.flag("--root=" + st.Root())
	command.args(sortPackages(packages)...)

	env := []map[string]string{
		{
			"PKGDIR":  binpkgsDir(st),
			"DISTDIR": distfilesDir(st),
		},
	}

	if !apivfs {
		// Without /proc and friends only the build profile works.
		env = append(env, map[string]string{"USE": "build"})
	}

	env = append(env, st.Config.Environment)

	_, err := st.Sandbox.Invoke(ctx, sandbox.Invocation{
		Command: command.build(),
		Root:    st.Root(),
		Network: true,
		APIVFS:  apivfs,
		Env:     env,
		Mounts:  emergeMounts(st),
		Stdout:  st.Stdout,
		Stderr:  st.Stderr,
	})
	if err != nil {
		return fmt.Errorf("emerge %s: %w", strings.Join(packages, " "), err)
	}

	return nil
}

// emergeMounts lays the stage3's configuration over the sandbox. The /etc
// bind hides the host's resolv.conf, so it is re-bound afterwards: without
// it emerge cannot resolve mirrors.
func emergeMounts(st *state.State) []sandbox.Mount {
	stage3 := stage3Dir(st)

	return []sandbox.Mount{
		sandbox.Bind(filepath.Join(stage3, "etc"), "/etc"),
		sandbox.Bind(filepath.Join(stage3, "var"), "/var"),
		sandbox.Bind(reposDir(st), "/var/db/repos"),
		sandbox.RoBindTry("/etc/resolv.conf", "/etc/resolv.conf"),
	}
}

// emergeOptions returns the fixed emerge flag set. Binary packages are both
// consumed and produced so repeated builds of a release hit the cache.
func emergeOptions(debug bool) []string {
	opts := []string{
		"--buildpkg=y",
		"--usepkg=y",
		"--getbinpkg=y",
		"--binpkg-respect-use=y",
		fmt.Sprintf("--jobs=%d", runtime.NumCPU()),
		fmt.Sprintf("--load-average=%d", runtime.NumCPU()),
		"--root-deps=rdeps",
		"--with-bdeps=n",
		"--verbose-conflicts",
		"--noreplace",
	}

	if debug {
		// Failed builds keep their full logs under debug.
		opts = append(opts, "--verbose", "--quiet-fail=n")
	} else {
		opts = append(opts, "--quiet-build=y", "--quiet")
	}

	return opts
}

// sortPackages orders emerge arguments so set operators come first and
// file paths last, with atoms in between. Ties break lexicographically.
func sortPackages(packages []string) []string {
	weight := func(pkg string) int {
		if pkg == "" {
			return 1
		}

		switch pkg[0] {
		case '(':
			return 0
		case '/':
			return 2
		default:
			return 1
		}
	}

	sorted := append([]string{}, packages...)

	sort.SliceStable(sorted, func(i, j int) bool {
		wi, wj := weight(sorted[i]), weight(sorted[j])
		if wi != wj {
			return wi < wj
		}

		return sorted[i] < sorted[j]
	})

	return sorted
}

// argBuilder assembles an argument vector while keeping flag/value pairs
// together at the call sites.
type argBuilder struct {
	argv []string
}

func newArgBuilder(program string) *argBuilder {
	return &argBuilder{argv: []string{program}}
}

func (b *argBuilder) arg(value string) {
	b.argv = append(b.argv, value)
}

func (b *argBuilder) args(values ...string) {
	b.argv = append(b.argv, values...)
}

func (b *argBuilder) flag(name string) {
	b.argv = append(b.argv, name)
}

func (b *argBuilder) option(name string, values ...string) {
	b.argv = append(b.argv, name)
	b.argv = append(b.argv, values...)
}

func (b *argBuilder) build() []string {
	return b.argv
}
