package log

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(buf.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", buf.String(), err)
	}
	return out
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARN":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		" Error ": slog.LevelError,
		"":        slog.LevelInfo,
		"trace":   slog.LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestSetupAdjustsLevelAfterInstall(t *testing.T) {
	Setup("ERROR")
	if Get() == nil {
		t.Fatal("Get returned nil after Setup")
	}
	if level.Level() != slog.LevelError {
		t.Fatalf("level = %v, want ERROR", level.Level())
	}

	SetupWithFormat("debug", FormatText)
	if level.Level() != slog.LevelDebug {
		t.Fatalf("level = %v, want DEBUG after second setup", level.Level())
	}
	Setup("ERROR")
}

func TestTextFormatCarriesStageFields(t *testing.T) {
	var buf bytes.Buffer
	l := newLogger(&buf, slog.LevelInfo, FormatText)
	l.Info("stage finished", "stage", "scan", "duration_ms", 12)

	out := buf.String()
	for _, want := range []string{"msg=\"stage finished\"", "stage=scan", "duration_ms=12"} {
		if !strings.Contains(out, want) {
			t.Fatalf("text output %q missing %q", out, want)
		}
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	lv := new(slog.LevelVar)
	lv.Set(slog.LevelWarn)
	l := newLogger(&buf, lv, FormatJSON)

	l.Info("compile queued")
	if buf.Len() != 0 {
		t.Fatalf("INFO passed a WARN filter: %q", buf.String())
	}

	lv.Set(slog.LevelInfo)
	l.Info("compile queued")
	if buf.Len() == 0 {
		t.Fatal("INFO dropped after lowering the level")
	}
}

func TestSensitiveAttributesRedacted(t *testing.T) {
	var buf bytes.Buffer
	l := newLogger(&buf, slog.LevelInfo, FormatJSON)
	l.Info("auth", "api_key", "k-123", "Secret", "shh", "endpoint", "/hooks/compile")

	out := decodeLine(t, &buf)
	if out["api_key"] != redacted || out["Secret"] != redacted {
		t.Fatalf("secrets leaked: %v", out)
	}
	if out["endpoint"] != "/hooks/compile" {
		t.Fatalf("endpoint = %v", out["endpoint"])
	}
}

func TestScopedLoggers(t *testing.T) {
	var buf bytes.Buffer
	Get()
	saved := logger
	logger = newLogger(&buf, slog.LevelInfo, FormatJSON)
	t.Cleanup(func() { logger = saved })

	WithStage("run-123", "parse").Info("stage started")
	out := decodeLine(t, &buf)
	if out["run_id"] != "run-123" || out["stage"] != "parse" {
		t.Fatalf("scoped fields = %v", out)
	}

	buf.Reset()
	WithComponent("webhook").Info("hello")
	out = decodeLine(t, &buf)
	if out["component"] != "webhook" || out["msg"] != "hello" {
		t.Fatalf("component fields = %v", out)
	}
}
