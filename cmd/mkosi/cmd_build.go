package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	flag "github.com/spf13/pflag"

	"github.com/dridi/mkosi/config"
	"github.com/dridi/mkosi/distro"
	"github.com/dridi/mkosi/sandbox"
	"github.com/dridi/mkosi/state"
	"github.com/dridi/mkosi/tree"

	// Distribution backends register themselves.
	_ "github.com/dridi/mkosi/distro/gentoo"
)

// BuildCmd creates the build command.
func BuildCmd(cfg *config.Config) *Command {
	flags := flag.NewFlagSet("build", flag.ContinueOnError)
	flags.BoolP("help", "h", false, "Show help")
	flags.StringP("output", "o", "", "Write the image tree under `dir`")

	return &Command{
		Flags: flags,
		Usage: "build [flags]",
		Short: "Build the image root",
		Long: "Bootstrap the configured distribution into a fresh image root,\n" +
			"install the configured packages, and write the finished tree to the\n" +
			"output directory.",
		Aliases: []string{},
		Exec: func(ctx context.Context, _ io.Reader, stdout, stderr io.Writer, _ []string) error {
			output, _ := flags.GetString("output")

			return runBuild(ctx, cfg, output, stdout, stderr)
		},
	}
}

func runBuild(ctx context.Context, cfg *config.Config, outputOverride string, stdout, stderr io.Writer) error {
	err := cfg.Validate()
	if err != nil {
		return err
	}

	installer, err := distro.Get(cfg.Distribution)
	if err != nil {
		return err
	}

	var debugf sandbox.Debugf
	if cfg.Debug {
		debugf = func(format string, args ...any) {
			fprintf(stderr, "debug: "+format+"\n", args...)
		}
	}

	st, err := state.New(*cfg, state.Options{
		Stdout: stdout,
		Stderr: stderr,
		Debugf: debugf,
	})
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	fprintf(stdout, "Building %s %s image (%s)\n", cfg.Distribution, cfg.Release, cfg.Architecture)

	err = installer.Setup(ctx, st)
	if err != nil {
		return err
	}

	err = installer.Install(ctx, st)
	if err != nil {
		return err
	}

	err = installer.InstallPackages(ctx, st, cfg.Packages, true)
	if err != nil {
		return err
	}

	dest, err := writeOutput(cfg, st, outputOverride)
	if err != nil {
		return err
	}

	fprintf(stdout, "Image written to %s\n", dest)

	return nil
}

// writeOutput copies the finished root and any staged artifacts to the
// output directory, replacing a previous image of the same name.
func writeOutput(cfg *config.Config, st *state.State, outputOverride string) (string, error) {
	outputDir := outputOverride
	if outputDir == "" {
		outputDir = cfg.OutputDir
	}

	if outputDir == "" {
		outputDir = filepath.Join(cfg.EffectiveCwd, "mkosi.output")
	} else if !filepath.IsAbs(outputDir) {
		outputDir = filepath.Join(cfg.EffectiveCwd, outputDir)
	}

	dest := filepath.Join(outputDir, cfg.Distribution+"~"+cfg.Release)

	err := tree.Remove(dest)
	if err != nil {
		return "", fmt.Errorf("replacing previous image: %w", err)
	}

	// Ownership inside the image only survives when we run privileged.
	err = tree.Copy(st.Root(), dest, tree.CopyOptions{PreserveOwnership: os.Geteuid() == 0})
	if err != nil {
		return "", err
	}

	err = tree.Copy(st.Staging(), outputDir, tree.CopyOptions{})
	if err != nil {
		return "", fmt.Errorf("moving staged artifacts: %w", err)
	}

	return dest, nil
}
