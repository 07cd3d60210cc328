package runlog

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

// schemaVersion is the current journal schema version. Bump this when the
// schema changes; stale journals are safe to delete.
const schemaVersion = 1

// ErrSchemaMismatch indicates the journal database was written by a
// different schema version.
var ErrSchemaMismatch = errors.New("run journal schema version mismatch")

// Run statuses.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusSkipped   = "skipped"
)

// Run is one pipeline invocation.
type Run struct {
	ID            string
	StartedAt     time.Time
	FinishedAt    time.Time
	StartStage    string
	Status        string
	TotalEpisodes int64
	TotalFrames   int64
	ArchiveSHA256 string
	RemotePath    string
	Error         string
}

// StageOutcome is one stage's record within a run.
type StageOutcome struct {
	Stage      string
	StartedAt  time.Time
	FinishedAt time.Time
	Status     string
	Detail     string
	Error      string
}

// Store persists run history in SQLite. The journal is observability only;
// pipeline resumability is carried entirely by on-disk stage artifacts.
type Store struct {
	db   *sql.DB
	path string
}

const (
	journalDir  = ".lerobot-merge"
	journalFile = "runs.db"

	sqliteBusyCode          = 5
	busyRetryAttempts       = 5
	busyRetryInitialBackoff = 10 * time.Millisecond
	busyRetryMaxBackoff     = 200 * time.Millisecond
)

// PathFor returns the journal location under a pipeline base path. The
// orchestrator and the CLI both resolve the journal through this so the two
// cannot drift.
func PathFor(basePath string) string {
	return filepath.Join(basePath, journalDir, journalFile)
}

// Open opens or creates the journal database at path.
func Open(ctx context.Context, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create journal directory: %w", err)
	}
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	db.SetMaxOpenConns(1)
	store := &Store{db: db, path: path}
	if err := store.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the journal file location.
func (s *Store) Path() string {
	return s.path
}

func (s *Store) initSchema(ctx context.Context) error {
	var tableExists int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(1) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	).Scan(&tableExists)
	if err != nil {
		return fmt.Errorf("check schema_version table: %w", err)
	}
	if tableExists == 0 {
		if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
			return fmt.Errorf("create journal schema: %w", err)
		}
		if _, err := s.db.ExecContext(ctx, "INSERT INTO schema_version (version) VALUES (?)", schemaVersion); err != nil {
			return fmt.Errorf("record schema version: %w", err)
		}
		return nil
	}

	var version int
	if err := s.db.QueryRowContext(ctx, "SELECT version FROM schema_version LIMIT 1").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if version != schemaVersion {
		return fmt.Errorf("%w: journal has version %d, expected %d (delete %s)", ErrSchemaMismatch, version, schemaVersion, s.path)
	}
	return nil
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	var coder interface{ Code() int }
	if errors.As(err, &coder) && coder.Code() == sqliteBusyCode {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

func (s *Store) execWithRetry(ctx context.Context, query string, args ...any) error {
	delay := busyRetryInitialBackoff
	var lastErr error
	for attempt := 0; attempt < busyRetryAttempts; attempt++ {
		_, lastErr = s.db.ExecContext(ctx, query, args...)
		if lastErr == nil {
			return nil
		}
		if !isSQLiteBusy(lastErr) || attempt == busyRetryAttempts-1 {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		if next := delay * 2; next <= busyRetryMaxBackoff {
			delay = next
		}
	}
	return lastErr
}

// BeginRun records the start of a pipeline run.
func (s *Store) BeginRun(ctx context.Context, id, startStage string, startedAt time.Time) error {
	return s.execWithRetry(ctx,
		"INSERT INTO runs (id, started_at, start_stage, status) VALUES (?, ?, ?, ?)",
		id, startedAt.UTC().Format(time.RFC3339Nano), startStage, StatusRunning)
}

// FinishRun records the final state of a run.
func (s *Store) FinishRun(ctx context.Context, run Run) error {
	return s.execWithRetry(ctx,
		`UPDATE runs SET finished_at = ?, status = ?, total_episodes = ?, total_frames = ?,
		 archive_sha256 = ?, remote_path = ?, error = ? WHERE id = ?`,
		run.FinishedAt.UTC().Format(time.RFC3339Nano), run.Status, run.TotalEpisodes, run.TotalFrames,
		run.ArchiveSHA256, run.RemotePath, run.Error, run.ID)
}

// RecordStage appends one stage outcome to a run.
func (s *Store) RecordStage(ctx context.Context, runID string, outcome StageOutcome) error {
	var finished any
	if !outcome.FinishedAt.IsZero() {
		finished = outcome.FinishedAt.UTC().Format(time.RFC3339Nano)
	}
	return s.execWithRetry(ctx,
		"INSERT INTO run_stages (run_id, stage, started_at, finished_at, status, detail, error) VALUES (?, ?, ?, ?, ?, ?, ?)",
		runID, outcome.Stage, outcome.StartedAt.UTC().Format(time.RFC3339Nano), finished,
		outcome.Status, outcome.Detail, outcome.Error)
}

// ListRuns returns the most recent runs, newest first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, started_at, COALESCE(finished_at, ''), start_stage, status,
		 total_episodes, total_frames, archive_sha256, remote_path, error
		 FROM runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var run Run
		var started, finished string
		if err := rows.Scan(&run.ID, &started, &finished, &run.StartStage, &run.Status,
			&run.TotalEpisodes, &run.TotalFrames, &run.ArchiveSHA256, &run.RemotePath, &run.Error); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		run.StartedAt, _ = time.Parse(time.RFC3339Nano, started)
		if finished != "" {
			run.FinishedAt, _ = time.Parse(time.RFC3339Nano, finished)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// ListStages returns the stage outcomes for one run in execution order.
func (s *Store) ListStages(ctx context.Context, runID string) ([]StageOutcome, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT stage, started_at, COALESCE(finished_at, ''), status, detail, error
		 FROM run_stages WHERE run_id = ? ORDER BY started_at ASC, rowid ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("list stages: %w", err)
	}
	defer rows.Close()

	var outcomes []StageOutcome
	for rows.Next() {
		var out StageOutcome
		var started, finished string
		if err := rows.Scan(&out.Stage, &started, &finished, &out.Status, &out.Detail, &out.Error); err != nil {
			return nil, fmt.Errorf("scan stage: %w", err)
		}
		out.StartedAt, _ = time.Parse(time.RFC3339Nano, started)
		if finished != "" {
			out.FinishedAt, _ = time.Parse(time.RFC3339Nano, finished)
		}
		outcomes = append(outcomes, out)
	}
	return outcomes, rows.Err()
}
