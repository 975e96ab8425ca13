package doctor

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/mattjoyce/tinyc/internal/bundle"
	"github.com/mattjoyce/tinyc/internal/config"
)

func newDoctor(t *testing.T, files ...string) *Doctor {
	t.Helper()
	src := t.TempDir()
	for _, f := range files {
		if err := os.WriteFile(filepath.Join(src, f), []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	cfg := config.Defaults()
	cfg.Workspace.BaseDir = filepath.Join(t.TempDir(), "ws")
	cfg.History.Path = filepath.Join(t.TempDir(), "history.db")

	d := New(cfg, src)
	d.lookPath = func(name string) (string, error) { return "/usr/bin/" + name, nil }
	return d
}

func hasIssue(issues []Issue, category, field string) bool {
	for _, i := range issues {
		if i.Category == category && i.Field == field {
			return true
		}
	}
	return false
}

func TestValidateHealthySetup(t *testing.T) {
	d := newDoctor(t, bundle.Default().Required()...)
	r := d.Validate()

	if !r.Valid {
		t.Fatalf("expected valid, got errors: %+v", r.Errors)
	}
	if !hasIssue(r.Warnings, "recipe", bundle.RecipeFile) {
		t.Errorf("expected warning about synthesized recipe, got %+v", r.Warnings)
	}
}

func TestValidateReportsEveryMissingFile(t *testing.T) {
	d := newDoctor(t, bundle.ScannerSource, bundle.TokenTable)
	r := d.Validate()

	if r.Valid {
		t.Fatal("expected invalid result")
	}
	for _, name := range []string{bundle.ParserSource, bundle.SharedHeader} {
		if !hasIssue(r.Errors, "bundle", name) {
			t.Errorf("missing %s not reported: %+v", name, r.Errors)
		}
	}
	if hasIssue(r.Errors, "bundle", bundle.ScannerSource) {
		t.Error("present file reported missing")
	}
}

func TestValidateRejectsIncompleteRecipe(t *testing.T) {
	d := newDoctor(t, bundle.Default().Required()...)
	if err := os.WriteFile(filepath.Join(d.sourceDir, bundle.RecipeFile), []byte("all:\n\ttrue\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	r := d.Validate()
	if !hasIssue(r.Errors, "recipe", bundle.RecipeFile) {
		t.Fatalf("expected recipe error, got %+v", r.Errors)
	}
}

func TestValidateTools(t *testing.T) {
	d := newDoctor(t, bundle.Default().Required()...)
	d.lookPath = func(name string) (string, error) {
		if name == "make" {
			return "/usr/bin/make", nil
		}
		return "", errors.New("not found")
	}

	r := d.Validate()
	if !hasIssue(r.Errors, "tools", "tools.cc") {
		t.Errorf("missing compiler must be an error: %+v", r.Errors)
	}
	if hasIssue(r.Errors, "tools", "tools.render") || !hasIssue(r.Warnings, "tools", "tools.render") {
		t.Errorf("missing renderer must be a warning: errors=%+v warnings=%+v", r.Errors, r.Warnings)
	}
}

func TestWarnExposedAPI(t *testing.T) {
	d := newDoctor(t, bundle.Default().Required()...)
	d.cfg.API.Listen = "0.0.0.0:8080"
	if r := d.Validate(); !hasIssue(r.Warnings, "api", "api.api_key") {
		t.Errorf("expected api key warning, got %+v", r.Warnings)
	}

	d.cfg.API.APIKey = "k"
	if r := d.Validate(); hasIssue(r.Warnings, "api", "api.api_key") {
		t.Error("no warning expected with api_key set")
	}

	d.cfg.API.APIKey = ""
	d.cfg.API.Tokens = []config.TokenConfig{{Token: "t", Scopes: []string{"runs:ro"}}}
	if r := d.Validate(); hasIssue(r.Warnings, "api", "api.api_key") {
		t.Error("no warning expected with scoped tokens set")
	}
}

func TestValidateWebhooks(t *testing.T) {
	d := newDoctor(t, bundle.Default().Required()...)
	d.cfg.Webhooks.Endpoints = []config.WebhookEndpoint{{Path: "/hooks/ci", Secret: "s", MaxBodySize: "lots"}}
	if r := d.Validate(); !hasIssue(r.Errors, "webhooks", "webhooks.endpoints") {
		t.Errorf("expected max_body_size error, got %+v", r.Errors)
	}

	d.cfg.Webhooks.Endpoints[0].MaxBodySize = "512KiB"
	d.cfg.Webhooks.Listen = d.cfg.API.Listen
	if r := d.Validate(); !hasIssue(r.Errors, "webhooks", "webhooks.listen") {
		t.Errorf("expected shared listen error, got %+v", r.Errors)
	}

	d.cfg.Webhooks.Listen = "127.0.0.1:0"
	if r := d.Validate(); !r.Valid {
		t.Errorf("expected valid webhook config, got %+v", r.Errors)
	}
}
