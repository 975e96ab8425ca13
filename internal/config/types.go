package config

import (
	"os"
	"path/filepath"
	"time"
)

// Config represents the complete tinyc configuration.
type Config struct {
	Log       LogConfig       `yaml:"log"`
	SourceDir string          `yaml:"source_dir,omitempty"`
	Workspace WorkspaceConfig `yaml:"workspace"`
	Tools     ToolsConfig     `yaml:"tools"`
	Timeouts  TimeoutsConfig  `yaml:"timeouts"`
	History   HistoryConfig   `yaml:"history"`
	API       APIConfig       `yaml:"api"`
	Webhooks  WebhooksConfig  `yaml:"webhooks"`

	// Path is the file the config was loaded from; empty for defaults.
	Path string `yaml:"-"`
}

// LogConfig defines logger settings.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// WorkspaceConfig controls where runs execute and how long debug copies live.
type WorkspaceConfig struct {
	BaseDir string `yaml:"base_dir"`
	// Retain keeps every finished workspace, as --retain does per run.
	Retain     bool          `yaml:"retain"`
	PruneAfter time.Duration `yaml:"prune_after"`
}

// ToolsConfig names the external programs a run depends on.
type ToolsConfig struct {
	Make         string `yaml:"make"`
	CC           string `yaml:"cc"`
	Render       string `yaml:"render"`
	RenderFormat string `yaml:"render_format"`
}

// TimeoutsConfig bounds each stage's external process.
type TimeoutsConfig struct {
	Build   time.Duration `yaml:"build"`
	Scanner time.Duration `yaml:"scanner"`
	Parser  time.Duration `yaml:"parser"`
	Render  time.Duration `yaml:"render"`
}

// HistoryConfig defines the run history database.
type HistoryConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// APIConfig defines HTTP API server settings.
type APIConfig struct {
	Listen string `yaml:"listen"`
	// APIKey, when set, is required as a bearer token on every request
	// except the health check.
	APIKey string `yaml:"api_key"`
	// Tokens are additional bearer tokens limited to the listed scopes.
	Tokens        []TokenConfig `yaml:"tokens"`
	MaxConcurrent int           `yaml:"max_concurrent"`
}

// TokenConfig is a scoped API token. Known scopes: compile, runs:ro,
// events:ro and "*".
type TokenConfig struct {
	// Name identifies the token in logs.
	Name   string   `yaml:"name,omitempty"`
	Token  string   `yaml:"token"`
	Scopes []string `yaml:"scopes"`
}

// WebhooksConfig defines the signed compile listener. It is off while no
// endpoints are configured.
type WebhooksConfig struct {
	Listen    string            `yaml:"listen"`
	Endpoints []WebhookEndpoint `yaml:"endpoints"`
}

type WebhookEndpoint struct {
	Path            string `yaml:"path"`
	Secret          string `yaml:"secret"`
	SignatureHeader string `yaml:"signature_header,omitempty"`
	// MaxBodySize accepts sizes like "256KiB", "1MB" or a byte count.
	MaxBodySize string `yaml:"max_body_size,omitempty"`
}

// Defaults returns a config with default values.
func Defaults() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Workspace: WorkspaceConfig{
			BaseDir:    filepath.Join(os.TempDir(), "tinyc"),
			PruneAfter: 24 * time.Hour,
		},
		Tools: ToolsConfig{
			Make:         "make",
			CC:           "gcc",
			Render:       "dot",
			RenderFormat: "png",
		},
		Timeouts: TimeoutsConfig{
			Build:   2 * time.Minute,
			Scanner: 30 * time.Second,
			Parser:  30 * time.Second,
			Render:  time.Minute,
		},
		History: HistoryConfig{
			Enabled: true,
			Path:    defaultHistoryPath(),
		},
		API: APIConfig{
			Listen:        "127.0.0.1:8080",
			MaxConcurrent: 2,
		},
		Webhooks: WebhooksConfig{
			Listen: "127.0.0.1:8081",
		},
	}
}

func defaultHistoryPath() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "tinyc", "history.db")
	}
	return filepath.Join(os.TempDir(), "tinyc-history.db")
}
