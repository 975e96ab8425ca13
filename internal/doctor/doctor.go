// Package doctor runs preflight checks: configuration, the tool source
// bundle, and the external programs a compile needs.
package doctor

import (
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/mattjoyce/tinyc/internal/bundle"
	"github.com/mattjoyce/tinyc/internal/config"
	"github.com/mattjoyce/tinyc/internal/recipe"
	"github.com/mattjoyce/tinyc/internal/storage"
	"github.com/mattjoyce/tinyc/internal/webhook"
)

// Result holds the outcome of a validation run.
type Result struct {
	Valid     bool    `json:"valid"`
	SourceDir string  `json:"source_dir"`
	Errors    []Issue `json:"errors,omitempty"`
	Warnings  []Issue `json:"warnings,omitempty"`
}

// Issue describes a single validation error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

// Doctor checks that a compile can run with cfg against sourceDir.
type Doctor struct {
	cfg       *config.Config
	sourceDir string
	bundle    bundle.Bundle
	lookPath  func(string) (string, error)
}

// New creates a Doctor.
func New(cfg *config.Config, sourceDir string) *Doctor {
	return &Doctor{
		cfg:       cfg,
		sourceDir: sourceDir,
		bundle:    bundle.Default(),
		lookPath:  exec.LookPath,
	}
}

// Validate runs all checks and returns a result.
func (d *Doctor) Validate() *Result {
	r := &Result{SourceDir: d.sourceDir}

	d.validateBundle(r)
	d.validateRecipe(r)
	d.validateTools(r)
	d.validateWorkspace(r)
	d.validateHistory(r)
	d.warnExposedAPI(r)
	d.validateWebhooks(r)

	r.Valid = len(r.Errors) == 0
	return r
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) validateBundle(r *Result) {
	report := d.bundle.Check(d.sourceDir)
	for _, name := range report.MissingRequired(d.bundle) {
		d.addError(r, "bundle", name, fmt.Sprintf("required file %s not found in %s", name, d.sourceDir))
	}
}

func (d *Doctor) validateRecipe(r *Result) {
	path := filepath.Join(d.sourceDir, bundle.RecipeFile)
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		d.addWarning(r, "recipe", bundle.RecipeFile, "no Makefile in source dir; the default recipe will be synthesized")
		return
	}
	if err := recipe.ValidateFile(path); err != nil {
		d.addError(r, "recipe", bundle.RecipeFile, err.Error())
	}
}

func (d *Doctor) validateTools(r *Result) {
	tools := d.cfg.Tools
	for _, t := range []struct {
		field, name string
		required    bool
	}{
		{"tools.make", tools.Make, true},
		{"tools.cc", tools.CC, true},
		{"tools.render", tools.Render, false},
	} {
		if _, err := d.lookPath(t.name); err != nil {
			if t.required {
				d.addError(r, "tools", t.field, fmt.Sprintf("%s not found on PATH", t.name))
			} else {
				d.addWarning(r, "tools", t.field, fmt.Sprintf("%s not found on PATH; compiles will end without an image", t.name))
			}
		}
	}
}

func (d *Doctor) validateWorkspace(r *Result) {
	base := d.cfg.Workspace.BaseDir
	if err := os.MkdirAll(base, 0o755); err != nil {
		d.addError(r, "workspace", "workspace.base_dir", fmt.Sprintf("cannot create %s: %v", base, err))
		return
	}
	probe, err := os.CreateTemp(base, ".doctor-*")
	if err != nil {
		d.addError(r, "workspace", "workspace.base_dir", fmt.Sprintf("%s is not writable: %v", base, err))
		return
	}
	_ = probe.Close()
	_ = os.Remove(probe.Name())

	if err := storage.CheckWorkspaceFilesystem(base); err != nil {
		d.addWarning(r, "workspace", "workspace.base_dir", err.Error())
	}
}

func (d *Doctor) validateHistory(r *Result) {
	if !d.cfg.History.Enabled {
		return
	}
	if err := storage.CheckLocalFilesystem(d.cfg.History.Path); err != nil {
		d.addError(r, "history", "history.path", err.Error())
	}
}

func (d *Doctor) warnExposedAPI(r *Result) {
	if d.cfg.API.APIKey != "" || len(d.cfg.API.Tokens) > 0 {
		return
	}
	host, _, err := net.SplitHostPort(d.cfg.API.Listen)
	if err != nil {
		d.addError(r, "api", "api.listen", fmt.Sprintf("invalid listen address %q: %v", d.cfg.API.Listen, err))
		return
	}
	if ip := net.ParseIP(host); host == "localhost" || (ip != nil && ip.IsLoopback()) {
		return
	}
	d.addWarning(r, "api", "api.api_key", fmt.Sprintf("api listens on %s without an api_key", d.cfg.API.Listen))
}

func (d *Doctor) validateWebhooks(r *Result) {
	if len(d.cfg.Webhooks.Endpoints) == 0 {
		return
	}
	if _, err := webhook.FromGlobalConfig(d.cfg.Webhooks); err != nil {
		d.addError(r, "webhooks", "webhooks.endpoints", err.Error())
	}
	if d.cfg.Webhooks.Listen == d.cfg.API.Listen {
		d.addError(r, "webhooks", "webhooks.listen", fmt.Sprintf("webhooks and api both listen on %s", d.cfg.API.Listen))
	}
}
