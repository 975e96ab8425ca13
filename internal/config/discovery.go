package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// Environment variables consulted during discovery.
const (
	EnvConfig    = "TINYC_CONFIG"
	EnvSourceDir = "TINYC_SOURCE_DIR"
)

// DefaultSourceDir is the bundled tool sources location, relative to the cwd.
const DefaultSourceDir = "tools/tiny"

// Discover finds the config file to use.
// Priority order: explicit path, $TINYC_CONFIG, ~/.config/tinyc/config.yaml,
// ./tinyc.yaml. It returns "" with no error when nothing is found; the caller
// then runs on Defaults.
func Discover(explicit string) (string, error) {
	if explicit != "" {
		if !fileExists(explicit) {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	if path := os.Getenv(EnvConfig); path != "" {
		if !fileExists(path) {
			return "", fmt.Errorf("$%s points to a missing file: %s", EnvConfig, path)
		}
		return path, nil
	}

	if homeDir, err := os.UserHomeDir(); err == nil {
		userConfig := filepath.Join(homeDir, ".config", "tinyc", "config.yaml")
		if fileExists(userConfig) {
			return userConfig, nil
		}
	}

	if fileExists("tinyc.yaml") {
		return "tinyc.yaml", nil
	}
	return "", nil
}

// LoadOrDefault discovers and loads the config, falling back to Defaults.
func LoadOrDefault(explicit string) (*Config, error) {
	path, err := Discover(explicit)
	if err != nil {
		return nil, err
	}
	if path == "" {
		return Defaults(), nil
	}
	return Load(path)
}

// ResolveSourceDir picks the directory holding the tool sources.
// Priority order: flag, $TINYC_SOURCE_DIR, config source_dir, ./tools/tiny
// when it exists, the cwd.
func (c *Config) ResolveSourceDir(flag string) (string, error) {
	candidates := []string{flag, os.Getenv(EnvSourceDir), c.SourceDir}
	for _, dir := range candidates {
		if dir == "" {
			continue
		}
		if !dirExists(dir) {
			return "", fmt.Errorf("source directory does not exist: %s", dir)
		}
		return filepath.Abs(dir)
	}

	if dirExists(DefaultSourceDir) {
		return filepath.Abs(DefaultSourceDir)
	}
	return os.Getwd()
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
