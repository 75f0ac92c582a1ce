package state

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/dridi/mkosi/config"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.Distribution = "gentoo"
	cfg.Release = "17.1"
	cfg.WorkspaceDir = t.TempDir()

	return cfg
}

func Test_New_Creates_All_Subtrees(t *testing.T) {
	t.Parallel()

	st, err := New(testConfig(t), Options{})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer st.Close()

	for _, dir := range []string{st.Root(), st.Staging(), st.PkgMngr(), st.InstallDir(), st.CacheDir()} {
		info, err := os.Stat(dir)
		if err != nil {
			t.Errorf("expected directory %s: %v", dir, err)
			continue
		}

		if !info.IsDir() {
			t.Errorf("expected %s to be a directory", dir)
		}
	}
}

func Test_New_Subtrees_Do_Not_Overlap(t *testing.T) {
	t.Parallel()

	st, err := New(testConfig(t), Options{})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer st.Close()

	dirs := []string{st.Root(), st.Staging(), st.PkgMngr(), st.InstallDir(), st.CacheDir()}

	for i, a := range dirs {
		for j, b := range dirs {
			if i == j {
				continue
			}

			if a == b || strings.HasPrefix(a, b+string(filepath.Separator)) {
				t.Errorf("subtree %s overlaps %s", a, b)
			}
		}
	}
}

func Test_New_Keys_Cache_By_Distribution_And_Release(t *testing.T) {
	t.Parallel()

	st, err := New(testConfig(t), Options{})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer st.Close()

	if filepath.Base(st.CacheDir()) != "gentoo~17.1" {
		t.Errorf("expected cache keyed gentoo~17.1, got %s", st.CacheDir())
	}
}

func Test_New_Honors_Cache_Override(t *testing.T) {
	t.Parallel()

	override := filepath.Join(t.TempDir(), "mycache")

	cfg := testConfig(t)
	cfg.CacheDir = override

	st, err := New(cfg, Options{})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer st.Close()

	if st.CacheDir() != override {
		t.Errorf("expected cache %s, got %s", override, st.CacheDir())
	}
}

func Test_New_Generates_Unique_Workspaces(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)

	first, err := New(cfg, Options{})
	if err != nil {
		t.Fatalf("first New failed: %v", err)
	}
	defer first.Close()

	second, err := New(cfg, Options{})
	if err != nil {
		t.Fatalf("second New failed: %v", err)
	}
	defer second.Close()

	if first.Workspace() == second.Workspace() {
		t.Errorf("expected distinct workspaces, both are %s", first.Workspace())
	}

	if first.ID == second.ID {
		t.Errorf("expected distinct session IDs, both are %s", first.ID)
	}
}

func Test_Close_Removes_Workspace(t *testing.T) {
	t.Parallel()

	st, err := New(testConfig(t), Options{})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	workspace := st.Workspace()

	err = st.Close()
	if err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	_, err = os.Stat(workspace)
	if !os.IsNotExist(err) {
		t.Errorf("expected workspace removed, stat returned %v", err)
	}
}

func Test_Close_Preserves_External_Cache(t *testing.T) {
	t.Parallel()

	override := filepath.Join(t.TempDir(), "mycache")

	cfg := testConfig(t)
	cfg.CacheDir = override

	st, err := New(cfg, Options{})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	err = os.WriteFile(filepath.Join(override, "stage3.tar"), []byte("cached"), 0o644)
	if err != nil {
		t.Fatalf("writing cache file failed: %v", err)
	}

	err = st.Close()
	if err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	_, err = os.Stat(filepath.Join(override, "stage3.tar"))
	if err != nil {
		t.Errorf("expected external cache to survive Close: %v", err)
	}
}
