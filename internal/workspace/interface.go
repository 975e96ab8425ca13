package workspace

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/mattjoyce/tinyc/internal/lock"
)

// InputFile is the fixed name the user program is staged under.
const InputFile = "input.tiny"

// lockFile marks a workspace as owned by an in-flight run.
const lockFile = ".tinyc.lock"

// Workspace is a disposable directory exclusively owned by one pipeline run.
type Workspace struct {
	RunID string
	Dir   string

	lock *lock.PIDLock
}

// Path joins name onto the workspace directory.
func (w Workspace) Path(name string) string {
	return filepath.Join(w.Dir, name)
}

// CleanupReport summarizes a cleanup run.
type CleanupReport struct {
	DeletedDirs int
	// SkippedBusy counts stale directories whose run still holds the lock.
	SkippedBusy int
	// SkippedForeign counts directories under the base dir that were not
	// created by a workspace manager.
	SkippedForeign int
}

// Manager governs the workspace lifecycle of compile runs.
type Manager interface {
	// Create allocates a new, empty workspace for runID and takes ownership of
	// it. The caller must Release it on every exit path.
	Create(ctx context.Context, runID string) (Workspace, error)

	// Stage copies the bundle files into ws and writes program to InputFile.
	Stage(ctx context.Context, ws Workspace, files []string, program string) error

	// Release drops ownership of ws and removes it unless retain is set.
	Release(ws Workspace, retain bool) error

	// Cleanup removes retained workspaces older than olderThan. Workspaces
	// still owned by a run are skipped.
	Cleanup(ctx context.Context, olderThan time.Duration) (CleanupReport, error)
}

// StagingError reports a failure to populate a workspace.
type StagingError struct {
	File string
	Err  error
}

func (e *StagingError) Error() string {
	return fmt.Sprintf("stage %s: %v", e.File, e.Err)
}

func (e *StagingError) Unwrap() error { return e.Err }
