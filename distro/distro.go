// Package distro defines the distribution installer interface and the
// registry through which backends make themselves available.
package distro

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/dridi/mkosi/config"
	"github.com/dridi/mkosi/state"
)

// PackageType identifies a distribution's native package format.
type PackageType int

const (
	PackageTypeNone PackageType = iota
	PackageTypeRPM
	PackageTypeDeb
	PackageTypePkg
	PackageTypeEbuild
)

func (t PackageType) String() string {
	switch t {
	case PackageTypeRPM:
		return "rpm"
	case PackageTypeDeb:
		return "deb"
	case PackageTypePkg:
		return "pkg"
	case PackageTypeEbuild:
		return "ebuild"
	default:
		return "none"
	}
}

// Installer is a distribution backend. Implementations bootstrap an image
// root and install packages into it through the session's sandbox.
type Installer interface {
	// Filesystem returns the default root filesystem for the distribution.
	Filesystem() string

	// PackageType returns the distribution's native package format.
	PackageType() PackageType

	// ArchitectureName maps arch to the distribution's own spelling, or
	// returns an *UnsupportedArchitectureError.
	ArchitectureName(arch config.Architecture) (string, error)

	// Setup prepares persistent per-distribution resources (cache layout,
	// package-manager defaults) before Install runs.
	Setup(ctx context.Context, st *state.State) error

	// Install bootstraps the image root from distribution media.
	Install(ctx context.Context, st *state.State) error

	// InstallPackages installs packages into the image root. apivfs
	// controls whether /proc, /sys and /dev are staged in the root for the
	// duration of the install.
	InstallPackages(ctx context.Context, st *state.State, packages []string, apivfs bool) error
}

// UnsupportedArchitectureError reports an architecture a distribution
// cannot build for.
type UnsupportedArchitectureError struct {
	Distribution string
	Architecture config.Architecture
}

func (e *UnsupportedArchitectureError) Error() string {
	return fmt.Sprintf("architecture %q is not supported by %s", e.Architecture, e.Distribution)
}

var registry = map[string]Installer{}

// Register makes an installer available under name. Backends call this
// from init; registering the same name twice panics.
func Register(name string, installer Installer) {
	if _, dup := registry[name]; dup {
		panic(fmt.Sprintf("distro: Register called twice for %q", name))
	}

	registry[name] = installer
}

// Get returns the installer registered under name.
func Get(name string) (Installer, error) {
	installer, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("unknown distribution %q (supported: %s)", name, strings.Join(Names(), ", "))
	}

	return installer, nil
}

// Names lists the registered distributions in sorted order.
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}
