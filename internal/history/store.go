// Package history keeps an audit log of finished compile runs in SQLite.
//
// Process captures can be large and repetitive, so each stage's process list
// is stored as zstd-compressed JSON.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/mattjoyce/tinyc/internal/invoke"
	"github.com/mattjoyce/tinyc/internal/pipeline"
	"github.com/mattjoyce/tinyc/internal/stage"
	"github.com/mattjoyce/tinyc/internal/storage"
)

// ErrNotFound is returned by Get for an unknown run ID.
var ErrNotFound = errors.New("run not found")

// Store is the SQLite-backed run history.
type Store struct {
	db  *sql.DB
	enc *zstd.Encoder
	dec *zstd.Decoder
}

var _ pipeline.Recorder = (*Store)(nil)

// Open opens the history database at path, creating it if needed.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := storage.OpenSQLite(ctx, path)
	if err != nil {
		return nil, err
	}
	return New(db)
}

// New wraps an already bootstrapped database.
func New(db *sql.DB) (*Store, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		_ = enc.Close()
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	return &Store{db: db, enc: enc, dec: dec}, nil
}

// Close releases the database and codec resources.
func (s *Store) Close() error {
	s.dec.Close()
	_ = s.enc.Close()
	return s.db.Close()
}

// RunSummary is one row of the history listing.
type RunSummary struct {
	ID          string          `json:"id"`
	Status      pipeline.Status `json:"status"`
	FinalState  pipeline.State  `json:"final_state"`
	FailedStage string          `json:"failed_stage,omitempty"`
	Kind        pipeline.Kind   `json:"kind,omitempty"`
	Reason      string          `json:"reason,omitempty"`
	ExitCode    int             `json:"exit_code"`
	SourceDir   string          `json:"source_dir,omitempty"`
	StartedAt   time.Time       `json:"started_at"`
	FinishedAt  time.Time       `json:"finished_at"`
}

// Duration is the wall time of the run.
func (r RunSummary) Duration() time.Duration { return r.FinishedAt.Sub(r.StartedAt) }

// Record stores a finished outcome with its stage trail.
func (s *Store) Record(ctx context.Context, o pipeline.Outcome) error {
	artifacts, err := json.Marshal(o.Artifacts)
	if err != nil {
		return fmt.Errorf("encode artifacts: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
INSERT INTO runs(id, status, final_state, failed_stage, kind, reason, exit_code,
                 source_dir, bundle_fingerprint, workspace, retained, artifacts,
                 started_at, finished_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		o.RunID,
		string(o.Status),
		string(o.FinalState),
		nullString(o.FailedStage),
		nullString(string(o.Kind)),
		nullString(o.ReasonText()),
		o.ExitCode(),
		nullString(o.SourceDir),
		nullString(o.BundleFingerprint),
		nullString(o.Workspace),
		o.Retained,
		string(artifacts),
		formatTime(o.StartedAt),
		formatTime(o.FinishedAt),
	)
	if err != nil {
		return fmt.Errorf("insert run %s: %w", o.RunID, err)
	}

	for seq, res := range o.Trail {
		if err := s.insertStage(ctx, tx, o.RunID, seq, res); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit run %s: %w", o.RunID, err)
	}
	return nil
}

func (s *Store) insertStage(ctx context.Context, tx *sql.Tx, runID string, seq int, res stage.Result) error {
	notes, err := json.Marshal(nonNil(res.Notes))
	if err != nil {
		return fmt.Errorf("encode notes: %w", err)
	}
	checks, err := json.Marshal(nonNil(res.Artifacts))
	if err != nil {
		return fmt.Errorf("encode artifact checks: %w", err)
	}
	procs, err := json.Marshal(nonNil(res.Processes))
	if err != nil {
		return fmt.Errorf("encode processes: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
INSERT INTO stage_results(run_id, seq, stage, ok, skipped, error, notes, artifacts,
                          processes, started_at, duration_ns)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		runID,
		seq,
		res.Stage,
		res.Succeeded(),
		res.Skipped,
		nullString(res.Error),
		string(notes),
		string(checks),
		s.enc.EncodeAll(procs, nil),
		formatTime(res.StartedAt),
		int64(res.Duration),
	)
	if err != nil {
		return fmt.Errorf("insert stage %s of run %s: %w", res.Stage, runID, err)
	}
	return nil
}

// List returns the most recent runs, newest first. limit <= 0 means 20.
func (s *Store) List(ctx context.Context, limit int) ([]RunSummary, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, status, final_state, failed_stage, kind, reason, exit_code, source_dir,
       started_at, finished_at
FROM runs
ORDER BY started_at DESC, id DESC
LIMIT ?;`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []RunSummary
	for rows.Next() {
		var (
			r                                 RunSummary
			status, state                     string
			failedStage, kind, reason, srcDir sql.NullString
			startedAt, finishedAt             string
		)
		if err := rows.Scan(&r.ID, &status, &state, &failedStage, &kind, &reason, &r.ExitCode, &srcDir, &startedAt, &finishedAt); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		r.Status = pipeline.Status(status)
		r.FinalState = pipeline.State(state)
		r.FailedStage = failedStage.String
		r.Kind = pipeline.Kind(kind.String)
		r.Reason = reason.String
		r.SourceDir = srcDir.String
		r.StartedAt = parseTime(startedAt)
		r.FinishedAt = parseTime(finishedAt)
		out = append(out, r)
	}
	return out, rows.Err()
}

// Get reconstructs a stored outcome. Reason is nil on the returned value; the
// failure text is in Outcome.Error.
func (s *Store) Get(ctx context.Context, runID string) (pipeline.Outcome, error) {
	var (
		o                                                   pipeline.Outcome
		status, state, artifacts, startedAt, finishedAt     string
		failedStage, kind, reason, srcDir, fp, workspaceDir sql.NullString
		exitCode                                            int
	)
	err := s.db.QueryRowContext(ctx, `
SELECT id, status, final_state, failed_stage, kind, reason, exit_code, source_dir,
       bundle_fingerprint, workspace, retained, artifacts, started_at, finished_at
FROM runs WHERE id = ?;`, runID).Scan(
		&o.RunID, &status, &state, &failedStage, &kind, &reason, &exitCode, &srcDir,
		&fp, &workspaceDir, &o.Retained, &artifacts, &startedAt, &finishedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return pipeline.Outcome{}, fmt.Errorf("%w: %s", ErrNotFound, runID)
	}
	if err != nil {
		return pipeline.Outcome{}, fmt.Errorf("get run %s: %w", runID, err)
	}

	o.Status = pipeline.Status(status)
	o.FinalState = pipeline.State(state)
	o.FailedStage = failedStage.String
	o.Kind = pipeline.Kind(kind.String)
	o.Error = reason.String
	o.SourceDir = srcDir.String
	o.BundleFingerprint = fp.String
	o.Workspace = workspaceDir.String
	o.StartedAt = parseTime(startedAt)
	o.FinishedAt = parseTime(finishedAt)
	if err := json.Unmarshal([]byte(artifacts), &o.Artifacts); err != nil {
		return pipeline.Outcome{}, fmt.Errorf("decode artifacts of run %s: %w", runID, err)
	}

	o.Trail, err = s.trail(ctx, runID)
	if err != nil {
		return pipeline.Outcome{}, err
	}
	return o, nil
}

func (s *Store) trail(ctx context.Context, runID string) ([]stage.Result, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT stage, skipped, error, notes, artifacts, processes, started_at, duration_ns
FROM stage_results WHERE run_id = ? ORDER BY seq;`, runID)
	if err != nil {
		return nil, fmt.Errorf("load trail of run %s: %w", runID, err)
	}
	defer func() { _ = rows.Close() }()

	var trail []stage.Result
	for rows.Next() {
		var (
			res           stage.Result
			stageErr      sql.NullString
			notes, checks string
			procs         []byte
			startedAt     string
			durationNS    int64
		)
		if err := rows.Scan(&res.Stage, &res.Skipped, &stageErr, &notes, &checks, &procs, &startedAt, &durationNS); err != nil {
			return nil, fmt.Errorf("scan stage: %w", err)
		}
		res.Error = stageErr.String
		if res.Error != "" {
			res.Err = errors.New(res.Error)
		}
		res.StartedAt = parseTime(startedAt)
		res.Duration = time.Duration(durationNS)
		if err := json.Unmarshal([]byte(notes), &res.Notes); err != nil {
			return nil, fmt.Errorf("decode notes: %w", err)
		}
		if err := json.Unmarshal([]byte(checks), &res.Artifacts); err != nil {
			return nil, fmt.Errorf("decode artifact checks: %w", err)
		}
		if res.Processes, err = s.decodeProcesses(procs); err != nil {
			return nil, fmt.Errorf("decode processes of %s: %w", res.Stage, err)
		}
		trail = append(trail, res)
	}
	return trail, rows.Err()
}

func (s *Store) decodeProcesses(blob []byte) ([]invoke.Result, error) {
	if len(blob) == 0 {
		return nil, nil
	}
	raw, err := s.dec.DecodeAll(blob, nil)
	if err != nil {
		return nil, err
	}
	var procs []invoke.Result
	if err := json.Unmarshal(raw, &procs); err != nil {
		return nil, err
	}
	if len(procs) == 0 {
		return nil, nil
	}
	return procs, nil
}

// Prune deletes runs that finished before cutoff and returns how many went.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE finished_at < ?;`, formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("prune runs: %w", err)
	}
	return res.RowsAffected()
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
