package main

import (
	"context"
	"errors"
	"io"
	"strings"

	flag "github.com/spf13/pflag"
)

// ErrSilentExit signals a non-zero exit without an additional error line;
// the command already reported whatever it had to say.
var ErrSilentExit = errors.New("silent exit")

// Command is a single CLI subcommand.
type Command struct {
	// Flags holds the command's flag set. Its name is the command name.
	Flags *flag.FlagSet

	// Usage is the one-line invocation synopsis, e.g. "build [flags]".
	Usage string

	// Short is the one-line description shown in the command list.
	Short string

	// Long is the full description shown by --help.
	Long string

	// Aliases are alternative names the command answers to.
	Aliases []string

	// Exec runs the command after flags are parsed.
	Exec func(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, args []string) error
}

// Name returns the command name.
func (c *Command) Name() string {
	return c.Flags.Name()
}

// HelpLine returns the line for this command in the global command list.
func (c *Command) HelpLine() string {
	return "  " + padRight(c.Name(), 10) + c.Short
}

// Run parses flags, handles --help, executes the command, and maps the
// result to an exit code.
func (c *Command) Run(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, args []string) int {
	c.Flags.Usage = func() {}
	c.Flags.SetOutput(&strings.Builder{})

	err := c.Flags.Parse(args)
	if err != nil {
		fprintError(stderr, err)
		fprintln(stderr)
		c.printHelp(stderr)

		return 1
	}

	if help, _ := c.Flags.GetBool("help"); help {
		c.printHelp(stdout)

		return 0
	}

	err = c.Exec(ctx, stdin, stdout, stderr, c.Flags.Args())
	if err != nil {
		if !errors.Is(err, ErrSilentExit) {
			fprintError(stderr, err)
		}

		return 1
	}

	return 0
}

func (c *Command) printHelp(output io.Writer) {
	fprintln(output, c.Long)
	fprintln(output)
	fprintln(output, "Usage: mkosi", c.Usage)
	fprintln(output)
	fprintln(output, "Flags:")
	fprintf(output, "%s", c.Flags.FlagUsages())
}

func padRight(s string, width int) string {
	if len(s) >= width {
		return s + " "
	}

	return s + strings.Repeat(" ", width-len(s))
}
