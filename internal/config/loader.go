package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/tinyc/internal/auth"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads and parses configuration from a file. Missing fields take their
// default values.
func Load(configPath string) (*Config, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", absPath, err)
	}
	cfg.Path = absPath

	// Relative paths in the file are relative to the file, not the cwd.
	dir := filepath.Dir(absPath)
	cfg.SourceDir = resolveRelative(dir, cfg.SourceDir)
	cfg.Workspace.BaseDir = resolveRelative(dir, cfg.Workspace.BaseDir)
	cfg.History.Path = resolveRelative(dir, cfg.History.Path)
	return cfg, nil
}

// Parse decodes YAML on top of Defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Defaults()
	interpolated := interpolateEnv(string(data))
	if strings.TrimSpace(interpolated) != "" {
		dec := yaml.NewDecoder(strings.NewReader(interpolated))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML: %w", err)
		}
	}

	applyConfigDefaults(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// applyConfigDefaults refills fields that were explicitly blanked in the file.
func applyConfigDefaults(cfg *Config) {
	defaults := Defaults()

	if cfg.Log.Level == "" {
		cfg.Log.Level = defaults.Log.Level
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = defaults.Log.Format
	}
	if cfg.Workspace.BaseDir == "" {
		cfg.Workspace.BaseDir = defaults.Workspace.BaseDir
	}
	if cfg.Tools.Make == "" {
		cfg.Tools.Make = defaults.Tools.Make
	}
	if cfg.Tools.CC == "" {
		cfg.Tools.CC = defaults.Tools.CC
	}
	if cfg.Tools.Render == "" {
		cfg.Tools.Render = defaults.Tools.Render
	}
	if cfg.Tools.RenderFormat == "" {
		cfg.Tools.RenderFormat = defaults.Tools.RenderFormat
	}
	if cfg.History.Path == "" {
		cfg.History.Path = defaults.History.Path
	}
	if cfg.API.Listen == "" {
		cfg.API.Listen = defaults.API.Listen
	}
	if cfg.API.MaxConcurrent == 0 {
		cfg.API.MaxConcurrent = defaults.API.MaxConcurrent
	}
	if cfg.Webhooks.Listen == "" {
		cfg.Webhooks.Listen = defaults.Webhooks.Listen
	}
}

func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		// Left in place so validate can name the variable.
		return match
	})
}

var (
	validLogLevels   = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	validLogFormats  = map[string]bool{"json": true, "text": true}
	validImageFormat = regexp.MustCompile(`^[a-z0-9]+$`)
)

func validate(cfg *Config) error {
	if !validLogLevels[strings.ToLower(cfg.Log.Level)] {
		return fmt.Errorf("log.level must be one of: debug, info, warn, error (got %q)", cfg.Log.Level)
	}
	if !validLogFormats[strings.ToLower(cfg.Log.Format)] {
		return fmt.Errorf("log.format must be json or text (got %q)", cfg.Log.Format)
	}

	if cfg.Workspace.PruneAfter < 0 {
		return fmt.Errorf("workspace.prune_after must not be negative")
	}

	if !validImageFormat.MatchString(cfg.Tools.RenderFormat) {
		return fmt.Errorf("tools.render_format must be a plain format name like png or svg (got %q)", cfg.Tools.RenderFormat)
	}

	for _, t := range []struct {
		field string
		value time.Duration
	}{
		{"timeouts.build", cfg.Timeouts.Build},
		{"timeouts.scanner", cfg.Timeouts.Scanner},
		{"timeouts.parser", cfg.Timeouts.Parser},
		{"timeouts.render", cfg.Timeouts.Render},
	} {
		if t.value <= 0 {
			return fmt.Errorf("%s must be positive", t.field)
		}
	}

	if cfg.API.MaxConcurrent < 0 {
		return fmt.Errorf("api.max_concurrent must not be negative")
	}

	for i, tok := range cfg.API.Tokens {
		if tok.Token == "" {
			return fmt.Errorf("api.tokens[%d]: token is required", i)
		}
		if matches := envVarPattern.FindStringSubmatch(tok.Token); len(matches) > 1 {
			return fmt.Errorf("api.tokens[%d]: environment variable ${%s} is not set", i, matches[1])
		}
		if len(tok.Scopes) == 0 {
			return fmt.Errorf("api.tokens[%d]: at least one scope is required", i)
		}
		for _, scope := range tok.Scopes {
			if !auth.KnownScope(scope) {
				return fmt.Errorf("api.tokens[%d]: unknown scope %q", i, scope)
			}
		}
	}

	seen := make(map[string]bool)
	for i, ep := range cfg.Webhooks.Endpoints {
		if !strings.HasPrefix(ep.Path, "/") {
			return fmt.Errorf("webhooks.endpoints[%d]: path must start with /", i)
		}
		if seen[ep.Path] {
			return fmt.Errorf("webhooks.endpoints[%d]: duplicate path %s", i, ep.Path)
		}
		seen[ep.Path] = true
		if ep.Secret == "" {
			return fmt.Errorf("webhooks.endpoints[%d]: secret is required", i)
		}
		if matches := envVarPattern.FindStringSubmatch(ep.Secret); len(matches) > 1 {
			return fmt.Errorf("webhooks.endpoints[%d]: environment variable ${%s} is not set", i, matches[1])
		}
	}

	for _, f := range []struct {
		field string
		value string
	}{
		{"api.api_key", cfg.API.APIKey},
		{"source_dir", cfg.SourceDir},
		{"workspace.base_dir", cfg.Workspace.BaseDir},
		{"history.path", cfg.History.Path},
	} {
		if matches := envVarPattern.FindStringSubmatch(f.value); len(matches) > 1 {
			return fmt.Errorf("%s: environment variable ${%s} is not set", f.field, matches[1])
		}
	}

	return nil
}

func resolveRelative(base, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[2:])
		}
		return path
	}
	return filepath.Join(base, path)
}
