package main

import (
	"context"
	"io"
	"os"
	"os/exec"
	"strings"

	flag "github.com/spf13/pflag"
)

// lookPath is a function variable so tests can fake binary discovery.
var lookPath = exec.LookPath

// userNSKnob is the Debian-style sysctl gating unprivileged user
// namespaces. Absent on most kernels, which means unrestricted.
var userNSKnob = "/proc/sys/kernel/unprivileged_userns_clone"

// CheckCmd creates the check command for build prerequisites.
func CheckCmd() *Command {
	flags := flag.NewFlagSet("check", flag.ContinueOnError)
	flags.BoolP("help", "h", false, "Show help")
	flags.BoolP("quiet", "q", false, "Quiet mode, no output")

	return &Command{
		Flags:   flags,
		Usage:   "check [flags]",
		Short:   "Check build prerequisites",
		Long:    "Verify that the host can run sandboxed builds.\nExits 0 when all prerequisites are met, 1 otherwise.",
		Aliases: []string{},
		Exec: func(_ context.Context, _ io.Reader, stdout, _ io.Writer, _ []string) error {
			quiet, _ := flags.GetBool("quiet")

			ok := true

			path, err := lookPath("bwrap")
			if err != nil {
				ok = false

				if !quiet {
					fprintln(stdout, "bwrap: not found in PATH")
				}
			} else if !quiet {
				fprintln(stdout, "bwrap:", path)
			}

			if !userNamespacesAvailable() {
				ok = false

				if !quiet {
					fprintln(stdout, "user namespaces: disabled (unprivileged_userns_clone=0)")
				}
			} else if !quiet {
				fprintln(stdout, "user namespaces: available")
			}

			if !ok {
				return ErrSilentExit
			}

			return nil
		},
	}
}

func userNamespacesAvailable() bool {
	data, err := os.ReadFile(userNSKnob)
	if err != nil {
		// No knob means no restriction.
		return true
	}

	return strings.TrimSpace(string(data)) != "0"
}
