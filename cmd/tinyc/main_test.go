package main

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mattjoyce/tinyc/internal/bundle"
	"github.com/mattjoyce/tinyc/internal/history"
	"github.com/mattjoyce/tinyc/internal/pipeline"
)

func captureOutputWithExitCode(t *testing.T, run func() int) (int, string, string) {
	t.Helper()

	oldStdout := os.Stdout
	oldStderr := os.Stderr

	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe stdout failed: %v", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe stderr failed: %v", err)
	}

	os.Stdout = stdoutW
	os.Stderr = stderrW

	type readResult struct{ out, err string }
	done := make(chan readResult)
	go func() {
		o, _ := io.ReadAll(stdoutR)
		e, _ := io.ReadAll(stderrR)
		done <- readResult{string(o), string(e)}
	}()

	code := run()

	_ = stdoutW.Close()
	_ = stderrW.Close()
	os.Stdout = oldStdout
	os.Stderr = oldStderr

	res := <-done
	_ = stdoutR.Close()
	_ = stderrR.Close()

	return code, res.out, res.err
}

func runCLIForTest(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	return captureOutputWithExitCode(t, func() int { return runCLI(args) })
}

// writeTestConfig points every path at a temp dir and returns the config
// path and the history database path.
func writeTestConfig(t *testing.T) (string, string) {
	t.Helper()
	dir := t.TempDir()
	historyPath := filepath.Join(dir, "history.db")
	body := "log:\n  level: error\n" +
		"workspace:\n  base_dir: " + filepath.Join(dir, "ws") + "\n" +
		"history:\n  enabled: true\n  path: " + historyPath + "\n"
	path := filepath.Join(dir, "tinyc.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path, historyPath
}

func writeProgram(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sample.tiny")
	if err := os.WriteFile(path, []byte("read x;\nwrite x\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func setVersionMetadataForTest(t *testing.T, v, commit, built string) {
	t.Helper()

	origVersion, origCommit, origBuildDate := version, gitCommit, buildDate
	version, gitCommit, buildDate = v, commit, built

	t.Cleanup(func() {
		version, gitCommit, buildDate = origVersion, origCommit, origBuildDate
	})
}

func TestRunCLIUsage(t *testing.T) {
	code, _, stderr := runCLIForTest(t)
	if code != 1 || !strings.Contains(stderr, "Usage:") {
		t.Fatalf("no args: code=%d stderr=%q", code, stderr)
	}

	code, _, stderr = runCLIForTest(t, "frobnicate")
	if code != 1 || !strings.Contains(stderr, "Unknown command: frobnicate") {
		t.Fatalf("unknown command: code=%d stderr=%q", code, stderr)
	}

	code, stdout, _ := runCLIForTest(t, "help")
	if code != 0 || !strings.Contains(stdout, "Exit codes for compile") {
		t.Fatalf("help: code=%d stdout=%q", code, stdout)
	}
}

func TestRunVersionJSON(t *testing.T) {
	setVersionMetadataForTest(t, "1.2.3", "0123456789abcdef0123", "2026-10-01T12:00:00+02:00")

	code, stdout, _ := runCLIForTest(t, "version", "--json")
	if code != 0 {
		t.Fatalf("exit code = %d", code)
	}
	var info versionInfo
	if err := json.Unmarshal([]byte(stdout), &info); err != nil {
		t.Fatalf("invalid JSON %q: %v", stdout, err)
	}
	if info.Version != "1.2.3" || info.Commit != "0123456789ab" || info.BuildTime != "2026-10-01T10:00:00Z" {
		t.Fatalf("unexpected version info: %+v", info)
	}

	if code, _, _ := runCLIForTest(t, "version", "extra"); code != 1 {
		t.Fatalf("extra args: exit code = %d, want 1", code)
	}
}

func TestCompileHelpExitsZero(t *testing.T) {
	code, _, stderr := runCLIForTest(t, "compile", "--help")
	if code != 0 || !strings.Contains(stderr, "--source-dir") {
		t.Fatalf("code=%d stderr=%q", code, stderr)
	}
}

func TestCompileRequiresOneProgram(t *testing.T) {
	if code, _, _ := runCLIForTest(t, "compile"); code != 1 {
		t.Fatalf("exit code = %d, want 1", code)
	}
	if code, _, stderr := runCLIForTest(t, "compile", filepath.Join(t.TempDir(), "missing.tiny")); code != 1 || !strings.Contains(stderr, "read program") {
		t.Fatalf("code=%d stderr=%q", code, stderr)
	}
}

func TestCompileMissingSourcesIsSetupFailure(t *testing.T) {
	cfgPath, historyPath := writeTestConfig(t)
	src := t.TempDir()
	if err := os.WriteFile(filepath.Join(src, bundle.ScannerSource), []byte("int main(){}"), 0o644); err != nil {
		t.Fatal(err)
	}

	code, stdout, _ := runCLIForTest(t, "compile", "--config", cfgPath, "--source-dir", src, "--json", writeProgram(t))
	if code != pipeline.ExitSetup {
		t.Fatalf("exit code = %d, want %d\n%s", code, pipeline.ExitSetup, stdout)
	}

	var out map[string]any
	if err := json.Unmarshal([]byte(stdout), &out); err != nil {
		t.Fatalf("invalid JSON %q: %v", stdout, err)
	}
	if out["kind"] != string(pipeline.KindMissingFiles) || out["failed_stage"] != pipeline.StagePreflight {
		t.Fatalf("unexpected outcome: %v", out)
	}
	if !strings.Contains(out["error"].(string), bundle.ParserSource) {
		t.Errorf("error should name the missing files: %v", out["error"])
	}

	store, err := history.Open(context.Background(), historyPath)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	runs, err := store.List(context.Background(), 10)
	if err != nil || len(runs) != 1 {
		t.Fatalf("recorded runs = %v, %v", runs, err)
	}

	code, stdout, _ = runCLIForTest(t, "inspect", "--config", cfgPath, runs[0].ID)
	if code != 0 || !strings.Contains(stdout, "missing_files") {
		t.Fatalf("inspect: code=%d stdout=%q", code, stdout)
	}
	code, stdout, _ = runCLIForTest(t, "history", "--config", cfgPath)
	if code != 0 || !strings.Contains(stdout, runs[0].ID) {
		t.Fatalf("history: code=%d stdout=%q", code, stdout)
	}
}

func TestInspectUnknownRun(t *testing.T) {
	cfgPath, _ := writeTestConfig(t)
	code, _, stderr := runCLIForTest(t, "inspect", "--config", cfgPath, "no-such-run")
	if code != 1 || !strings.Contains(stderr, "run not found") {
		t.Fatalf("code=%d stderr=%q", code, stderr)
	}
}

func TestCheckReportsMissingSources(t *testing.T) {
	cfgPath, _ := writeTestConfig(t)
	code, stdout, _ := runCLIForTest(t, "check", "--config", cfgPath, "--source-dir", t.TempDir(), "--json")
	if code != 1 {
		t.Fatalf("exit code = %d, want 1", code)
	}
	if !strings.Contains(stdout, bundle.SharedHeader) {
		t.Fatalf("missing header not reported: %s", stdout)
	}
}

func TestWorkspacePrune(t *testing.T) {
	cfgPath, _ := writeTestConfig(t)

	code, stdout, _ := runCLIForTest(t, "workspace", "prune", "--config", cfgPath, "--older-than", "1h", "--history")
	if code != 0 {
		t.Fatalf("exit code = %d", code)
	}
	if !strings.Contains(stdout, "removed 0 workspace(s)") || !strings.Contains(stdout, "removed 0 recorded run(s)") {
		t.Fatalf("stdout = %q", stdout)
	}

	if code, _, _ := runCLIForTest(t, "workspace", "list"); code != 1 {
		t.Fatalf("unknown workspace action: exit code = %d", code)
	}
}

func TestCompileEndToEnd(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping end-to-end compile in short mode")
	}
	for _, tool := range []string{"make", "gcc", "dot"} {
		if _, err := exec.LookPath(tool); err != nil {
			t.Skipf("%s not available", tool)
		}
	}

	cfgPath, _ := writeTestConfig(t)
	src, err := filepath.Abs(filepath.Join("..", "..", "tools", "tiny"))
	if err != nil {
		t.Fatal(err)
	}
	out := t.TempDir()

	start := time.Now()
	code, stdout, stderr := runCLIForTest(t, "compile", "--config", cfgPath, "--source-dir", src, "--out", out, writeProgram(t))
	if code != pipeline.ExitOK {
		t.Fatalf("exit code = %d after %s\nstdout:\n%s\nstderr:\n%s", code, time.Since(start), stdout, stderr)
	}
	for _, name := range []string{"tokens.txt", "tree.dot", "tree.png"} {
		if _, err := os.Stat(filepath.Join(out, name)); err != nil {
			t.Errorf("%s not exported: %v", name, err)
		}
	}
}
