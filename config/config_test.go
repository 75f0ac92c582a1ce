package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func Test_Load_Returns_Defaults_Without_Config_Files(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	cfg, err := Load(LoadInput{
		WorkDirOverride: dir,
		Env:             map[string]string{"XDG_CONFIG_HOME": filepath.Join(dir, "xdg")},
	})
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Distribution != "" {
		t.Errorf("expected empty distribution, got %q", cfg.Distribution)
	}

	if cfg.DocsEnabled() {
		t.Error("expected docs disabled by default")
	}

	if cfg.EffectiveCwd != dir {
		t.Errorf("expected EffectiveCwd %q, got %q", dir, cfg.EffectiveCwd)
	}
}

func Test_Load_Reads_Project_Config(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	mustWriteConfig(t, filepath.Join(dir, "mkosi.jsonc"), `{
		// target
		"distribution": "gentoo",
		"release": "17.1",
		"mirror": "https://distfiles.gentoo.org",
		"packages": ["app-editors/vim"],
	}`)

	cfg, err := Load(LoadInput{
		WorkDirOverride: dir,
		Env:             map[string]string{"XDG_CONFIG_HOME": filepath.Join(dir, "xdg")},
	})
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Distribution != "gentoo" {
		t.Errorf("expected distribution gentoo, got %q", cfg.Distribution)
	}

	if cfg.Release != "17.1" {
		t.Errorf("expected release 17.1, got %q", cfg.Release)
	}

	if diff := cmp.Diff([]string{"app-editors/vim"}, cfg.Packages); diff != "" {
		t.Errorf("packages mismatch (-want +got):\n%s", diff)
	}
}

func Test_Load_Project_Config_Overrides_Global(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	xdg := filepath.Join(dir, "xdg")

	mustWriteConfig(t, filepath.Join(xdg, "mkosi", "config.json"), `{
		"distribution": "gentoo",
		"release": "17.0",
		"mirror": "https://mirror.example/global",
		"environment": {"USE": "global"}
	}`)
	mustWriteConfig(t, filepath.Join(dir, "mkosi.json"), `{
		"release": "17.1",
		"environment": {"USE": "project"}
	}`)

	cfg, err := Load(LoadInput{
		WorkDirOverride: dir,
		Env:             map[string]string{"XDG_CONFIG_HOME": xdg},
	})
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Release != "17.1" {
		t.Errorf("expected project release to win, got %q", cfg.Release)
	}

	// Untouched keys survive from the global layer.
	if cfg.Mirror != "https://mirror.example/global" {
		t.Errorf("expected global mirror to survive, got %q", cfg.Mirror)
	}

	// Maps replace wholesale, they do not merge key-by-key.
	if diff := cmp.Diff(map[string]string{"USE": "project"}, cfg.Environment); diff != "" {
		t.Errorf("environment mismatch (-want +got):\n%s", diff)
	}
}

func Test_Load_Explicit_Config_Path_Replaces_Project_Config(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	mustWriteConfig(t, filepath.Join(dir, "mkosi.json"), `{"release": "project"}`)
	mustWriteConfig(t, filepath.Join(dir, "other.json"), `{"release": "explicit"}`)

	cfg, err := Load(LoadInput{
		WorkDirOverride: dir,
		ConfigPath:      "other.json",
		Env:             map[string]string{"XDG_CONFIG_HOME": filepath.Join(dir, "xdg")},
	})
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Release != "explicit" {
		t.Errorf("expected explicit config to win, got %q", cfg.Release)
	}
}

func Test_Load_Fails_When_Both_Json_And_Jsonc_Exist(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	mustWriteConfig(t, filepath.Join(dir, "mkosi.json"), `{}`)
	mustWriteConfig(t, filepath.Join(dir, "mkosi.jsonc"), `{}`)

	_, err := Load(LoadInput{
		WorkDirOverride: dir,
		Env:             map[string]string{"XDG_CONFIG_HOME": filepath.Join(dir, "xdg")},
	})
	if !errors.Is(err, ErrDuplicateConfigFiles) {
		t.Fatalf("expected ErrDuplicateConfigFiles, got %v", err)
	}
}

func Test_Load_Fails_For_Invalid_Json(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	mustWriteConfig(t, filepath.Join(dir, "mkosi.json"), `{"release": `)

	_, err := Load(LoadInput{
		WorkDirOverride: dir,
		Env:             map[string]string{"XDG_CONFIG_HOME": filepath.Join(dir, "xdg")},
	})
	if err == nil {
		t.Fatal("expected parse error, got nil")
	}
}

func Test_Validate_Requires_Distribution_And_Release(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error, got nil")
	}

	cfg.Distribution = "gentoo"
	cfg.Release = "17.1"

	err = cfg.Validate()
	if err != nil {
		t.Fatalf("expected no validation error, got %v", err)
	}
}

func Test_ParseArchitecture_Accepts_Aliases(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want Architecture
	}{
		{"x86_64", ArchX86_64},
		{"amd64", ArchX86_64},
		{"arm64", ArchArm64},
		{"aarch64", ArchArm64},
		{"arm", ArchArm},
		{" X86_64 ", ArchX86_64},
	}

	for _, tc := range cases {
		got, err := ParseArchitecture(tc.in)
		if err != nil {
			t.Errorf("ParseArchitecture(%q) failed: %v", tc.in, err)
			continue
		}

		if got != tc.want {
			t.Errorf("ParseArchitecture(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func Test_ParseArchitecture_Rejects_Unknown(t *testing.T) {
	t.Parallel()

	for _, in := range []string{"", "riscv64", "i386", "ppc64le"} {
		_, err := ParseArchitecture(in)
		if err == nil {
			t.Errorf("ParseArchitecture(%q) succeeded, want error", in)
		}
	}
}

func mustWriteConfig(t *testing.T, path, content string) {
	t.Helper()

	err := os.MkdirAll(filepath.Dir(path), 0o755)
	if err != nil {
		t.Fatalf("mkdir for %s failed: %v", path, err)
	}

	err = os.WriteFile(path, []byte(content), 0o644)
	if err != nil {
		t.Fatalf("writing %s failed: %v", path, err)
	}
}
