package workspace

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestManager(t *testing.T) (*fsWorkspaceManager, string) {
	t.Helper()
	baseDir := filepath.Join(t.TempDir(), "workspaces")
	mgr, err := NewFSManager(baseDir)
	if err != nil {
		t.Fatalf("NewFSManager() error = %v", err)
	}
	return mgr, baseDir
}

func TestNewFSManagerRejectsEmptyBase(t *testing.T) {
	if _, err := NewFSManager("  "); err == nil {
		t.Fatal("expected error for blank base dir")
	}
}

func TestFSWorkspaceManagerCreate(t *testing.T) {
	mgr, baseDir := newTestManager(t)

	ws, err := mgr.Create(context.Background(), "run-a")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	t.Cleanup(func() { _ = mgr.Release(ws, false) })

	wantPath := filepath.Join(baseDir, "run-a")
	if ws.Dir != wantPath {
		t.Fatalf("Create() dir = %q, want %q", ws.Dir, wantPath)
	}

	info, err := os.Stat(ws.Dir)
	if err != nil {
		t.Fatalf("Stat(workspace) error = %v", err)
	}
	if !info.IsDir() {
		t.Fatalf("workspace path is not a directory")
	}

	// A second create for the same run must not reuse the directory.
	if _, err := mgr.Create(context.Background(), "run-a"); err == nil {
		t.Fatalf("Create() on existing workspace should fail")
	}
}

func TestFSWorkspaceManagerCreateRejectsBadRunIDs(t *testing.T) {
	mgr, _ := newTestManager(t)
	for _, id := range []string{"", "..", ".hidden", " run", "a/b", `a\b`} {
		if _, err := mgr.Create(context.Background(), id); err == nil {
			t.Errorf("Create(%q) expected error", id)
		}
	}
}

func TestFSWorkspaceManagerCreateHonoursCancelledContext(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := mgr.Create(ctx, "run-x"); !errors.Is(err, context.Canceled) {
		t.Fatalf("Create() error = %v, want context.Canceled", err)
	}
}

func TestFSWorkspaceManagerStage(t *testing.T) {
	mgr, _ := newTestManager(t)
	srcDir := t.TempDir()

	scanner := filepath.Join(srcDir, "scanner.c")
	if err := os.WriteFile(scanner, []byte("int main(void){return 0;}\n"), 0o640); err != nil {
		t.Fatalf("WriteFile error = %v", err)
	}

	ws, err := mgr.Create(context.Background(), "run-stage")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	t.Cleanup(func() { _ = mgr.Release(ws, false) })

	program := "read x;\nwrite x\n"
	if err := mgr.Stage(context.Background(), ws, []string{scanner}, program); err != nil {
		t.Fatalf("Stage() error = %v", err)
	}

	got, err := os.ReadFile(ws.Path("scanner.c"))
	if err != nil {
		t.Fatalf("ReadFile(staged) error = %v", err)
	}
	if string(got) != "int main(void){return 0;}\n" {
		t.Fatalf("staged content = %q", string(got))
	}
	info, _ := os.Stat(ws.Path("scanner.c"))
	if info.Mode().Perm() != 0o640 {
		t.Fatalf("staged mode = %v, want 0640", info.Mode().Perm())
	}

	input, err := os.ReadFile(ws.Path(InputFile))
	if err != nil {
		t.Fatalf("ReadFile(input) error = %v", err)
	}
	if string(input) != program {
		t.Fatalf("input = %q, want %q", string(input), program)
	}
}

func TestFSWorkspaceManagerStageMissingSource(t *testing.T) {
	mgr, _ := newTestManager(t)
	ws, err := mgr.Create(context.Background(), "run-missing")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	t.Cleanup(func() { _ = mgr.Release(ws, false) })

	err = mgr.Stage(context.Background(), ws, []string{filepath.Join(t.TempDir(), "parser.c")}, "")
	var stagingErr *StagingError
	if !errors.As(err, &stagingErr) {
		t.Fatalf("Stage() error = %v, want *StagingError", err)
	}
	if stagingErr.File != "parser.c" {
		t.Fatalf("StagingError.File = %q, want parser.c", stagingErr.File)
	}
}

func TestFSWorkspaceManagerReleaseRemovesOrRetains(t *testing.T) {
	mgr, _ := newTestManager(t)

	gone, err := mgr.Create(context.Background(), "run-gone")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := mgr.Release(gone, false); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if _, err := os.Stat(gone.Dir); !os.IsNotExist(err) {
		t.Fatalf("released workspace should be removed, err = %v", err)
	}

	kept, err := mgr.Create(context.Background(), "run-kept")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := mgr.Release(kept, true); err != nil {
		t.Fatalf("Release(retain) error = %v", err)
	}
	if _, err := os.Stat(kept.Dir); err != nil {
		t.Fatalf("retained workspace should exist, err = %v", err)
	}
}

func TestFSWorkspaceManagerCleanup(t *testing.T) {
	mgr, _ := newTestManager(t)

	oldWS, err := mgr.Create(context.Background(), "run-old")
	if err != nil {
		t.Fatalf("Create(old) error = %v", err)
	}
	if err := mgr.Release(oldWS, true); err != nil {
		t.Fatalf("Release(old) error = %v", err)
	}

	busyWS, err := mgr.Create(context.Background(), "run-busy")
	if err != nil {
		t.Fatalf("Create(busy) error = %v", err)
	}
	t.Cleanup(func() { _ = mgr.Release(busyWS, false) })

	newWS, err := mgr.Create(context.Background(), "run-new")
	if err != nil {
		t.Fatalf("Create(new) error = %v", err)
	}
	if err := mgr.Release(newWS, true); err != nil {
		t.Fatalf("Release(new) error = %v", err)
	}

	// Not created by the manager: never touched, however old.
	foreign := filepath.Join(mgr.BaseDir(), "someone-elses")
	if err := os.Mkdir(foreign, 0o755); err != nil {
		t.Fatal(err)
	}

	oldTime := time.Now().Add(-48 * time.Hour)
	for _, path := range []string{oldWS.Path(lockFile), busyWS.Path(lockFile), foreign} {
		if err := os.Chtimes(path, oldTime, oldTime); err != nil {
			t.Fatalf("Chtimes(%s) error = %v", path, err)
		}
	}

	report, err := mgr.Cleanup(context.Background(), 24*time.Hour)
	if err != nil {
		t.Fatalf("Cleanup() error = %v", err)
	}
	if report.DeletedDirs != 1 {
		t.Fatalf("Cleanup() deleted = %d, want 1", report.DeletedDirs)
	}
	if report.SkippedBusy != 1 {
		t.Fatalf("Cleanup() skipped = %d, want 1", report.SkippedBusy)
	}
	if report.SkippedForeign != 1 {
		t.Fatalf("Cleanup() foreign = %d, want 1", report.SkippedForeign)
	}
	if _, err := os.Stat(foreign); err != nil {
		t.Fatalf("foreign directory should survive cleanup, err = %v", err)
	}

	if _, err := os.Stat(oldWS.Dir); !os.IsNotExist(err) {
		t.Fatalf("old workspace should be deleted, err = %v", err)
	}
	if _, err := os.Stat(busyWS.Dir); err != nil {
		t.Fatalf("busy workspace should survive cleanup, err = %v", err)
	}
	if _, err := os.Stat(newWS.Dir); err != nil {
		t.Fatalf("new workspace should still exist, err = %v", err)
	}
}

func TestFSWorkspaceManagerCleanupRejectsNonPositive(t *testing.T) {
	mgr, _ := newTestManager(t)
	if _, err := mgr.Cleanup(context.Background(), 0); err == nil {
		t.Fatal("expected error for zero olderThan")
	}
}

func TestFSWorkspaceManagerStageRejectsReservedNames(t *testing.T) {
	mgr, _ := newTestManager(t)
	ws, err := mgr.Create(context.Background(), "run-reserved")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	t.Cleanup(func() { _ = mgr.Release(ws, false) })

	src := filepath.Join(t.TempDir(), InputFile)
	if err := os.WriteFile(src, []byte("write 1"), 0o644); err != nil {
		t.Fatal(err)
	}
	var stagingErr *StagingError
	if err := mgr.Stage(context.Background(), ws, []string{src}, "read x"); !errors.As(err, &stagingErr) {
		t.Fatalf("Stage() error = %v, want *StagingError", err)
	}
}
