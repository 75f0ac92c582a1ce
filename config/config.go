// Package config loads and merges build configuration.
//
// Configuration comes from JSON/JSONC files (comments supported via
// tailscale/hujson) merged with the following precedence, later overriding
// earlier:
//  1. Built-in defaults
//  2. Global config: $XDG_CONFIG_HOME/mkosi/config.json or config.jsonc
//     (defaults to ~/.config/mkosi/) - always loaded if it exists
//  3. Project config OR --config path (not both):
//     - Without --config: mkosi.json or mkosi.jsonc in the working directory
//     - With --config: that path instead of the project config
//
// Merging is whole-value per key: a key present in a later layer fully
// replaces the earlier value.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/tailscale/hujson"
)

// ErrDuplicateConfigFiles is returned when both .json and .jsonc config
// files exist at the same location.
var ErrDuplicateConfigFiles = errors.New("duplicate config files")

// Config holds the build configuration.
type Config struct {
	// Distribution names the target distribution (for example "gentoo").
	Distribution string `json:"distribution,omitempty"`

	// Release is the distribution release or profile identifier.
	Release string `json:"release,omitempty"`

	// Mirror is the distribution mirror base URL.
	Mirror string `json:"mirror,omitempty"`

	// Architecture is the target architecture. Empty means the host
	// architecture.
	Architecture Architecture `json:"architecture,omitempty"`

	// Packages are installed into the build root after bootstrap.
	Packages []string `json:"packages,omitempty"`

	// Environment holds user-supplied environment overrides for
	// package-manager invocations. This is the highest environment layer.
	Environment map[string]string `json:"environment,omitempty"`

	// CacheDir overrides the default per-(distribution, release) cache
	// location inside the workspace.
	CacheDir string `json:"cacheDir,omitempty"`

	// WorkspaceDir is the parent directory for transient build workspaces.
	// Empty means the system temp directory.
	WorkspaceDir string `json:"workspaceDir,omitempty"`

	// OutputDir receives the finished image tree. Empty means ./mkosi.output.
	OutputDir string `json:"outputDir,omitempty"`

	// WithDocs keeps man pages and other documentation in the image.
	WithDocs *bool `json:"withDocs,omitempty"`

	// Debug enables verbose package-manager output and engine debug logging.
	// Threaded explicitly through the build session; there is no global
	// debug state.
	Debug bool `json:"debug,omitempty"`

	// EffectiveCwd is the resolved working directory (not serialized).
	EffectiveCwd string `json:"-"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() Config {
	return Config{
		Architecture: HostArchitecture(),
		WithDocs:     boolPtr(false),
	}
}

func boolPtr(b bool) *bool {
	return &b
}

// DocsEnabled reports whether documentation should be kept, applying the
// default when the config left it unset.
func (c *Config) DocsEnabled() bool {
	return c.WithDocs != nil && *c.WithDocs
}

// Validate checks that the configuration is complete enough to build.
func (c *Config) Validate() error {
	var errs []error

	if strings.TrimSpace(c.Distribution) == "" {
		errs = append(errs, errors.New("distribution is required"))
	}

	if strings.TrimSpace(c.Release) == "" {
		errs = append(errs, errors.New("release is required"))
	}

	if _, err := ParseArchitecture(string(c.Architecture)); c.Architecture != "" && err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// LoadInput holds the inputs for Load.
type LoadInput struct {
	// WorkDirOverride is the -C/--cwd flag value; empty means os.Getwd().
	WorkDirOverride string

	// ConfigPath is the --config flag value.
	ConfigPath string

	// Env is the process environment (for XDG_CONFIG_HOME).
	Env map[string]string
}

// Load loads configuration per the package documentation.
func Load(input LoadInput) (Config, error) {
	workDir := input.WorkDirOverride
	if workDir == "" {
		var err error

		workDir, err = os.Getwd()
		if err != nil {
			return Config{}, fmt.Errorf("cannot get working directory: %w", err)
		}
	}

	if !filepath.IsAbs(workDir) {
		cwd, err := os.Getwd()
		if err != nil {
			return Config{}, fmt.Errorf("cannot get working directory: %w", err)
		}

		workDir = filepath.Join(cwd, workDir)
	}

	cfg := DefaultConfig()

	globalBasePath, err := userConfigBasePath(input.Env)
	if err != nil {
		return Config{}, err
	}

	if globalBasePath != "" {
		globalPath, findErr := findConfigFile(globalBasePath)
		if findErr == nil {
			globalCfg, loadErr := loadConfigFile(globalPath)
			if loadErr != nil {
				return Config{}, loadErr
			}

			cfg = merge(&cfg, &globalCfg)
		} else if !errors.Is(findErr, os.ErrNotExist) {
			return Config{}, findErr
		}
	}

	if input.ConfigPath != "" {
		configPath := input.ConfigPath
		if !filepath.IsAbs(configPath) {
			configPath = filepath.Join(workDir, configPath)
		}

		explicitCfg, loadErr := loadConfigFile(configPath)
		if loadErr != nil {
			return Config{}, loadErr
		}

		cfg = merge(&cfg, &explicitCfg)
	} else {
		projectPath, findErr := findConfigFile(filepath.Join(workDir, "mkosi"))
		if findErr == nil {
			projectCfg, loadErr := loadConfigFile(projectPath)
			if loadErr != nil {
				return Config{}, loadErr
			}

			cfg = merge(&cfg, &projectCfg)
		} else if !errors.Is(findErr, os.ErrNotExist) {
			return Config{}, findErr
		}
	}

	cfg.EffectiveCwd = workDir

	return cfg, nil
}

// findConfigFile checks for both .json and .jsonc siblings of basePath and
// returns an error if both exist.
func findConfigFile(basePath string) (string, error) {
	jsonPath := basePath + ".json"
	jsoncPath := basePath + ".jsonc"

	jsonExists, err := fileExists(jsonPath)
	if err != nil {
		return "", fmt.Errorf("checking %s: %w", jsonPath, err)
	}

	jsoncExists, err := fileExists(jsoncPath)
	if err != nil {
		return "", fmt.Errorf("checking %s: %w", jsoncPath, err)
	}

	switch {
	case jsonExists && jsoncExists:
		return "", fmt.Errorf("%w: both %s and %s exist; remove one", ErrDuplicateConfigFiles, jsonPath, jsoncPath)
	case jsonExists:
		return jsonPath, nil
	case jsoncExists:
		return jsoncPath, nil
	default:
		return "", os.ErrNotExist
	}
}

// fileExists reports whether path exists and is not a directory.
func fileExists(path string) (bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}

		return false, err
	}

	return !info.IsDir(), nil
}

// loadConfigFile loads and parses a JSON/JSONC config file.
func loadConfigFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config %s: %w", path, err)
	}

	standardized, err := hujson.Standardize(data)
	if err != nil {
		return Config{}, fmt.Errorf("parsing config %s: %w", path, err)
	}

	var cfg Config

	err = json.Unmarshal(standardized, &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("parsing config %s: %w", path, err)
	}

	return cfg, nil
}

// merge merges override into base, override winning. Empty values in
// override do not override base values.
func merge(base, override *Config) Config {
	result := *base

	if override.Distribution != "" {
		result.Distribution = override.Distribution
	}

	if override.Release != "" {
		result.Release = override.Release
	}

	if override.Mirror != "" {
		result.Mirror = override.Mirror
	}

	if override.Architecture != "" {
		result.Architecture = override.Architecture
	}

	if len(override.Packages) > 0 {
		result.Packages = override.Packages
	}

	if len(override.Environment) > 0 {
		result.Environment = override.Environment
	}

	if override.CacheDir != "" {
		result.CacheDir = override.CacheDir
	}

	if override.WorkspaceDir != "" {
		result.WorkspaceDir = override.WorkspaceDir
	}

	if override.OutputDir != "" {
		result.OutputDir = override.OutputDir
	}

	if override.WithDocs != nil {
		result.WithDocs = override.WithDocs
	}

	if override.Debug {
		result.Debug = true
	}

	return result
}

// userConfigBasePath returns the global config base path (no extension).
func userConfigBasePath(env map[string]string) (string, error) {
	if xdg, ok := env["XDG_CONFIG_HOME"]; ok && xdg != "" {
		return filepath.Join(xdg, "mkosi", "config"), nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("getting home directory: %w", err)
	}

	return filepath.Join(home, ".config", "mkosi", "config"), nil
}
