package workspace

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mattjoyce/tinyc/internal/lock"
)

// fsWorkspaceManager keeps one directory per run under baseDir. A directory
// is recognised as a workspace by its lock file.
type fsWorkspaceManager struct {
	baseDir string
	now     func() time.Time
}

var _ Manager = (*fsWorkspaceManager)(nil)

// NewFSManager returns a manager rooted at baseDir. The directory is created
// lazily by the first Create.
func NewFSManager(baseDir string) (*fsWorkspaceManager, error) {
	dir := strings.TrimSpace(baseDir)
	if dir == "" {
		return nil, errors.New("workspace base directory is empty")
	}
	return &fsWorkspaceManager{baseDir: filepath.Clean(dir), now: time.Now}, nil
}

func (m *fsWorkspaceManager) BaseDir() string { return m.baseDir }

// Create makes the directory for runID with O_EXCL semantics, so two runs
// can never end up sharing one, and takes its lock.
func (m *fsWorkspaceManager) Create(ctx context.Context, runID string) (Workspace, error) {
	if err := ctx.Err(); err != nil {
		return Workspace{}, err
	}
	if err := validateRunID(runID); err != nil {
		return Workspace{}, err
	}
	if err := os.MkdirAll(m.baseDir, 0o755); err != nil {
		return Workspace{}, fmt.Errorf("create workspace base directory: %w", err)
	}

	dir := filepath.Join(m.baseDir, runID)
	if err := os.Mkdir(dir, 0o755); err != nil {
		return Workspace{}, fmt.Errorf("create workspace for run %s: %w", runID, err)
	}
	held, err := lock.Acquire(filepath.Join(dir, lockFile))
	if err != nil {
		_ = os.RemoveAll(dir)
		return Workspace{}, fmt.Errorf("lock workspace for run %s: %w", runID, err)
	}
	return Workspace{RunID: runID, Dir: dir, lock: held}, nil
}

// Stage copies the bundle files flat into the workspace and writes program,
// byte for byte, to InputFile.
func (m *fsWorkspaceManager) Stage(ctx context.Context, ws Workspace, files []string, program string) error {
	if ws.Dir == "" {
		return &StagingError{File: InputFile, Err: errors.New("workspace has no directory")}
	}
	for _, src := range files {
		if err := ctx.Err(); err != nil {
			return err
		}
		name := filepath.Base(src)
		if name == InputFile || name == lockFile {
			return &StagingError{File: name, Err: errors.New("name is reserved in the workspace")}
		}
		if err := copyFile(src, ws.Path(name)); err != nil {
			return &StagingError{File: name, Err: err}
		}
	}
	if err := os.WriteFile(ws.Path(InputFile), []byte(program), 0o644); err != nil {
		return &StagingError{File: InputFile, Err: err}
	}
	return nil
}

// Release gives up the lock and, unless retain is set, deletes the
// directory. Both steps are attempted; their errors are joined.
func (m *fsWorkspaceManager) Release(ws Workspace, retain bool) error {
	var errs []error
	if err := ws.lock.Release(); err != nil {
		errs = append(errs, fmt.Errorf("unlock workspace %s: %w", ws.RunID, err))
	}
	if retain || ws.Dir == "" {
		return errors.Join(errs...)
	}
	if !m.owns(ws.Dir) {
		return errors.Join(append(errs, fmt.Errorf("refusing to remove %s outside %s", ws.Dir, m.baseDir))...)
	}
	if err := os.RemoveAll(ws.Dir); err != nil {
		errs = append(errs, fmt.Errorf("remove workspace %s: %w", ws.RunID, err))
	}
	return errors.Join(errs...)
}

// Cleanup deletes retained workspaces whose lock file is older than
// olderThan. Directories without a lock file are not ours and stay; so do
// directories whose lock is still held by a running compile.
func (m *fsWorkspaceManager) Cleanup(ctx context.Context, olderThan time.Duration) (CleanupReport, error) {
	var report CleanupReport
	if err := ctx.Err(); err != nil {
		return report, err
	}
	if olderThan <= 0 {
		return report, errors.New("olderThan must be positive")
	}

	entries, err := os.ReadDir(m.baseDir)
	if errors.Is(err, os.ErrNotExist) {
		return report, nil
	}
	if err != nil {
		return report, fmt.Errorf("read workspace base directory: %w", err)
	}

	cutoff := m.now().Add(-olderThan)
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(m.baseDir, entry.Name())
		lockPath := filepath.Join(dir, lockFile)

		info, err := os.Stat(lockPath)
		if errors.Is(err, os.ErrNotExist) {
			report.SkippedForeign++
			continue
		}
		if err != nil {
			return report, fmt.Errorf("stat workspace %s: %w", entry.Name(), err)
		}
		if info.ModTime().After(cutoff) {
			continue
		}

		busy, err := lock.Held(lockPath)
		if err != nil {
			return report, fmt.Errorf("probe workspace %s: %w", entry.Name(), err)
		}
		if busy {
			report.SkippedBusy++
			continue
		}
		if err := os.RemoveAll(dir); err != nil {
			return report, fmt.Errorf("remove workspace %s: %w", entry.Name(), err)
		}
		report.DeletedDirs++
	}
	return report, nil
}

// owns reports whether dir is a direct child of the base dir.
func (m *fsWorkspaceManager) owns(dir string) bool {
	rel, err := filepath.Rel(m.baseDir, dir)
	if err != nil {
		return false
	}
	return rel != "." && filepath.Base(rel) == rel && !strings.HasPrefix(rel, "..")
}

// copyFile copies a regular file, keeping its permission bits so the
// staged recipe and sources look exactly like the originals.
func copyFile(src, dst string) (err error) {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("%s is not a regular file", src)
	}

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_EXCL, info.Mode().Perm())
	if err != nil {
		return err
	}
	defer func() {
		if cerr := out.Close(); err == nil {
			err = cerr
		}
	}()
	_, err = io.Copy(out, in)
	return err
}

// validateRunID accepts names that are a single, plain path element.
func validateRunID(runID string) error {
	switch {
	case runID == "":
		return errors.New("run ID is empty")
	case strings.TrimSpace(runID) != runID:
		return fmt.Errorf("run ID %q has surrounding whitespace", runID)
	case runID == "." || runID == ".." || strings.HasPrefix(runID, "."):
		return fmt.Errorf("run ID %q is invalid", runID)
	case strings.ContainsAny(runID, `/\`):
		return fmt.Errorf("run ID %q must not contain path separators", runID)
	}
	return nil
}
