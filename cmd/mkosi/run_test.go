package main

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// runCLI invokes Run with buffered output and no signal handling.
func runCLI(t *testing.T, dir string, args ...string) (int, string, string) {
	t.Helper()

	var stdout, stderr bytes.Buffer

	env := map[string]string{"XDG_CONFIG_HOME": filepath.Join(dir, "xdg")}

	argv := append([]string{"mkosi", "-C", dir}, args...)

	code := Run(strings.NewReader(""), &stdout, &stderr, argv, env, nil)

	return code, stdout.String(), stderr.String()
}

func Test_Run_Prints_Version(t *testing.T) {
	code, stdout, _ := runCLI(t, t.TempDir(), "--version")

	if code != 0 {
		t.Fatalf("expected exit 0, got %d", code)
	}

	if !strings.Contains(stdout, "mkosi dev") {
		t.Errorf("expected version line, got %q", stdout)
	}
}

func Test_Run_Help_Lists_Commands(t *testing.T) {
	code, stdout, _ := runCLI(t, t.TempDir(), "--help")

	if code != 0 {
		t.Fatalf("expected exit 0, got %d", code)
	}

	for _, name := range []string{"build", "check"} {
		if !strings.Contains(stdout, name) {
			t.Errorf("expected command %q in help output:\n%s", name, stdout)
		}
	}
}

func Test_Run_Without_Args_Shows_Usage(t *testing.T) {
	code, stdout, _ := runCLI(t, t.TempDir())

	if code != 0 {
		t.Fatalf("expected exit 0, got %d", code)
	}

	if !strings.Contains(stdout, "Usage: mkosi") {
		t.Errorf("expected usage output, got %q", stdout)
	}
}

func Test_Run_Rejects_Unknown_Command(t *testing.T) {
	code, _, stderr := runCLI(t, t.TempDir(), "frobnicate")

	if code != 1 {
		t.Fatalf("expected exit 1, got %d", code)
	}

	if !strings.Contains(stderr, "frobnicate") {
		t.Errorf("expected error to name the command, got %q", stderr)
	}
}

func Test_Run_Rejects_Unknown_Global_Flag(t *testing.T) {
	code, _, stderr := runCLI(t, t.TempDir(), "--no-such-flag")

	if code != 1 {
		t.Fatalf("expected exit 1, got %d", code)
	}

	if !strings.Contains(stderr, "error:") {
		t.Errorf("expected error output, got %q", stderr)
	}
}

func Test_Run_Fails_For_Missing_Explicit_Config(t *testing.T) {
	code, _, stderr := runCLI(t, t.TempDir(), "--config", "nope.json", "check")

	if code != 1 {
		t.Fatalf("expected exit 1, got %d", code)
	}

	if !strings.Contains(stderr, "nope.json") {
		t.Errorf("expected error to name the config file, got %q", stderr)
	}
}

func Test_Build_Fails_Without_Distribution(t *testing.T) {
	code, _, stderr := runCLI(t, t.TempDir(), "build")

	if code != 1 {
		t.Fatalf("expected exit 1, got %d", code)
	}

	if !strings.Contains(stderr, "distribution") {
		t.Errorf("expected validation error, got %q", stderr)
	}
}

func Test_Build_Help_Shows_Flags(t *testing.T) {
	code, stdout, _ := runCLI(t, t.TempDir(), "build", "--help")

	if code != 0 {
		t.Fatalf("expected exit 0, got %d", code)
	}

	if !strings.Contains(stdout, "--output") {
		t.Errorf("expected --output in build help, got %q", stdout)
	}
}

// fakeCheckProbes pins binary discovery and the user-namespace knob so
// check results do not depend on the test host.
func fakeCheckProbes(t *testing.T, bwrapPath string, bwrapErr error, knobContent string) {
	t.Helper()

	restoreLook := lookPath
	lookPath = func(string) (string, error) { return bwrapPath, bwrapErr }

	restoreKnob := userNSKnob

	if knobContent == "" {
		userNSKnob = filepath.Join(t.TempDir(), "missing-knob")
	} else {
		knobPath := filepath.Join(t.TempDir(), "knob")

		err := os.WriteFile(knobPath, []byte(knobContent), 0o644)
		if err != nil {
			t.Fatalf("writing knob failed: %v", err)
		}

		userNSKnob = knobPath
	}

	t.Cleanup(func() {
		lookPath = restoreLook
		userNSKnob = restoreKnob
	})
}

func Test_Check_Reports_Bwrap_Path(t *testing.T) {
	fakeCheckProbes(t, "/usr/bin/bwrap", nil, "")

	code, stdout, _ := runCLI(t, t.TempDir(), "check")

	if code != 0 {
		t.Fatalf("expected exit 0, got %d", code)
	}

	if !strings.Contains(stdout, "/usr/bin/bwrap") {
		t.Errorf("expected bwrap path in output, got %q", stdout)
	}
}

func Test_Check_Fails_When_UserNS_Disabled(t *testing.T) {
	fakeCheckProbes(t, "/usr/bin/bwrap", nil, "0\n")

	code, stdout, _ := runCLI(t, t.TempDir(), "check")

	if code != 1 {
		t.Fatalf("expected exit 1, got %d", code)
	}

	if !strings.Contains(stdout, "user namespaces: disabled") {
		t.Errorf("expected userns diagnostic, got %q", stdout)
	}
}

func Test_Check_Fails_Without_Bwrap(t *testing.T) {
	fakeCheckProbes(t, "", errors.New("not found"), "")

	t.Run("verbose", func(t *testing.T) {
		code, stdout, _ := runCLI(t, t.TempDir(), "check")

		if code != 1 {
			t.Fatalf("expected exit 1, got %d", code)
		}

		if !strings.Contains(stdout, "not found") {
			t.Errorf("expected diagnostic, got %q", stdout)
		}
	})

	t.Run("quiet", func(t *testing.T) {
		code, stdout, _ := runCLI(t, t.TempDir(), "check", "--quiet")

		if code != 1 {
			t.Fatalf("expected exit 1, got %d", code)
		}

		if stdout != "" {
			t.Errorf("expected no output in quiet mode, got %q", stdout)
		}
	})
}

func Test_Run_Debug_Flag_Overrides_Config(t *testing.T) {
	dir := t.TempDir()

	err := os.WriteFile(filepath.Join(dir, "mkosi.json"), []byte(`{"distribution": "gentoo"}`), 0o644)
	if err != nil {
		t.Fatalf("writing config failed: %v", err)
	}

	// Release is still missing, so build fails validation either way; the
	// point is that --debug parses as a global flag before the command.
	code, _, stderr := runCLI(t, dir, "--debug", "build")

	if code != 1 {
		t.Fatalf("expected exit 1, got %d", code)
	}

	if !strings.Contains(stderr, "release") {
		t.Errorf("expected release validation error, got %q", stderr)
	}
}
