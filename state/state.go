// Package state holds the per-build session: the transient workspace with
// its fixed subtree layout, the persistent cache location, and the sandbox
// invoker configured for both.
package state

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/dridi/mkosi/config"
	"github.com/dridi/mkosi/sandbox"
)

// State is a single build session. All paths are absolute and created
// before any installer runs. The subtrees never overlap.
type State struct {
	// Config is the resolved build configuration.
	Config config.Config

	// ID uniquely names this session; the workspace directory embeds it.
	ID string

	// Stdout and Stderr receive package-manager output. Never nil.
	Stdout io.Writer
	Stderr io.Writer

	// Sandbox runs commands against this session's workspace and cache.
	Sandbox *sandbox.Invoker

	workspace string
	cacheDir  string
}

// Options controls session creation.
type Options struct {
	// Stdout and Stderr receive streamed command output. Nil means discard.
	Stdout io.Writer
	Stderr io.Writer

	// Debugf receives engine debug lines. Nil disables debug logging.
	Debugf sandbox.Debugf
}

// New creates a build session: a fresh workspace under
// cfg.WorkspaceDir (or the system temp directory), the root/staging/pkgmngr/
// dest subtrees inside it, and the cache directory keyed by
// distribution~release unless cfg.CacheDir overrides it.
func New(cfg config.Config, opts Options) (*State, error) {
	parent := cfg.WorkspaceDir
	if parent == "" {
		parent = os.TempDir()
	}

	err := os.MkdirAll(parent, 0o755)
	if err != nil {
		return nil, fmt.Errorf("creating workspace parent: %w", err)
	}

	id := uuid.NewString()

	workspace := filepath.Join(parent, "mkosi-workspace-"+id)

	err = os.Mkdir(workspace, 0o755)
	if err != nil {
		return nil, fmt.Errorf("creating workspace: %w", err)
	}

	if !filepath.IsAbs(workspace) {
		workspace, err = filepath.Abs(workspace)
		if err != nil {
			return nil, fmt.Errorf("resolving workspace path: %w", err)
		}
	}

	cacheDir := cfg.CacheDir
	if cacheDir == "" {
		cacheDir = filepath.Join(workspace, "cache", cfg.Distribution+"~"+cfg.Release)
	} else if !filepath.IsAbs(cacheDir) {
		cacheDir, err = filepath.Abs(cacheDir)
		if err != nil {
			return nil, fmt.Errorf("resolving cache path: %w", err)
		}
	}

	st := &State{
		Config:    cfg,
		ID:        id,
		Stdout:    opts.Stdout,
		Stderr:    opts.Stderr,
		workspace: workspace,
		cacheDir:  cacheDir,
	}

	if st.Stdout == nil {
		st.Stdout = io.Discard
	}

	if st.Stderr == nil {
		st.Stderr = io.Discard
	}

	for _, dir := range []string{st.Root(), st.Staging(), st.PkgMngr(), st.InstallDir(), st.CacheDir()} {
		err = os.MkdirAll(dir, 0o755)
		if err != nil {
			_ = os.RemoveAll(workspace)

			return nil, fmt.Errorf("creating %s: %w", dir, err)
		}
	}

	st.Sandbox, err = sandbox.New(sandbox.Config{
		WorkspaceDir: workspace,
		CacheDir:     cacheDir,
		Debugf:       opts.Debugf,
	})
	if err != nil {
		_ = os.RemoveAll(workspace)

		return nil, err
	}

	return st, nil
}

// Workspace is the session's transient top-level directory.
func (s *State) Workspace() string {
	return s.workspace
}

// Root is the image root being composed.
func (s *State) Root() string {
	return filepath.Join(s.workspace, "root")
}

// Staging holds finished artifacts before they move to the output.
func (s *State) Staging() string {
	return filepath.Join(s.workspace, "staging")
}

// PkgMngr holds package-manager configuration trees overlaid onto the
// distribution's own before installs.
func (s *State) PkgMngr() string {
	return filepath.Join(s.workspace, "pkgmngr")
}

// InstallDir receives files installed outside the image root.
func (s *State) InstallDir() string {
	return filepath.Join(s.workspace, "dest")
}

// CacheDir is the persistent cache for this (distribution, release) pair,
// or the configured override.
func (s *State) CacheDir() string {
	return s.cacheDir
}

// Close removes the transient workspace. The cache directory survives only
// when it lives outside the workspace.
func (s *State) Close() error {
	err := os.RemoveAll(s.workspace)
	if err != nil {
		return fmt.Errorf("removing workspace: %w", err)
	}

	return nil
}
