//go:build linux

package sandbox

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// validateConfig validates caller-supplied Invoker configuration.
//
// This is the input boundary of the package: the rest of the implementation
// assumes validated fields satisfy their invariants (absolute paths where
// required, non-empty resolv.conf).
func validateConfig(cfg *Config) error {
	var errs []error

	for _, dir := range []struct {
		name  string
		value string
	}{
		{"WorkspaceDir", cfg.WorkspaceDir},
		{"CacheDir", cfg.CacheDir},
	} {
		if dir.value == "" {
			continue
		}

		if !filepath.IsAbs(dir.value) {
			errs = append(errs, fmt.Errorf("%s %q is not absolute", dir.name, dir.value))
		}
	}

	if strings.TrimSpace(cfg.ResolvConf) == "" {
		errs = append(errs, errors.New("ResolvConf is empty"))
	} else if !filepath.IsAbs(cfg.ResolvConf) {
		errs = append(errs, fmt.Errorf("ResolvConf %q is not absolute", cfg.ResolvConf))
	}

	return errors.Join(errs...)
}

// validateInvocation validates one Invocation before planning.
func validateInvocation(call *Invocation) error {
	var errs []error

	if len(call.Command) == 0 {
		errs = append(errs, errors.New("no command provided"))
	} else if strings.TrimSpace(call.Command[0]) == "" {
		errs = append(errs, errors.New("command name is empty"))
	}

	needsRoot := call.APIVFS || call.Chroot

	if needsRoot && strings.TrimSpace(call.Root) == "" {
		errs = append(errs, errors.New("invocation requires a root (apivfs or chroot requested)"))
	}

	if call.Root != "" && !filepath.IsAbs(call.Root) {
		errs = append(errs, fmt.Errorf("root %q is not absolute", call.Root))
	}

	for i, mnt := range call.Mounts {
		err := validateMount(mnt)
		if err != nil {
			errs = append(errs, fmt.Errorf("mount %d: %w", i, err))
		}
	}

	return errors.Join(errs...)
}
