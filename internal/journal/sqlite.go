package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/cplus-sensores/colector/internal/models"
	"github.com/cplus-sensores/colector/internal/syncer"
)

// sqliteTime keeps stored timestamps fixed-width so they sort as text.
const sqliteTime = "2006-01-02T15:04:05.000000Z07:00"

// SQLite is the local journal backend.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the journal database at path and
// ensures its schema.
func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create journal directory: %w", err)
	}

	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", path))
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(5 * time.Minute)

	s := &SQLite{db: db}
	if err := s.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLite) initSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sync_runs (
			run_id TEXT PRIMARY KEY,
			started_at TEXT NOT NULL,
			finished_at TEXT NOT NULL,
			dry_run INTEGER NOT NULL DEFAULT 0,
			devices INTEGER NOT NULL,
			synced INTEGER NOT NULL,
			no_new_data INTEGER NOT NULL,
			failed INTEGER NOT NULL,
			files_written INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS device_runs (
			run_id TEXT NOT NULL REFERENCES sync_runs(run_id) ON DELETE CASCADE,
			proyecto TEXT NOT NULL,
			codigo_interno TEXT NOT NULL,
			status TEXT NOT NULL,
			records INTEGER NOT NULL,
			files INTEGER NOT NULL,
			ultima_fecha TEXT,
			error TEXT,
			PRIMARY KEY (run_id, proyecto, codigo_interno)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_sync_runs_started ON sync_runs(started_at);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

// Close releases the database handle.
func (s *SQLite) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// RecordRun stores a run and its device outcomes in one transaction.
func (s *SQLite) RecordRun(ctx context.Context, report syncer.Report) error {
	run := runFromReport(report)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin journal tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO sync_runs (run_id, started_at, finished_at, dry_run, devices, synced, no_new_data, failed, files_written)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		run.ID,
		run.StartedAt.Format(sqliteTime),
		run.FinishedAt.Format(sqliteTime),
		run.DryRun,
		run.Devices,
		run.Synced,
		run.NoNewData,
		run.Failed,
		run.FilesWritten,
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}

	for _, o := range run.Outcomes {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO device_runs (run_id, proyecto, codigo_interno, status, records, files, ultima_fecha, error)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?);`,
			run.ID, o.Project.String(), o.Code, o.Status, o.Records, o.Files, nullString(o.Bookmark), nullString(o.Error),
		)
		if err != nil {
			return fmt.Errorf("insert device run: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit journal tx: %w", err)
	}
	return nil
}

// ListRuns returns the most recent runs first, without device outcomes.
func (s *SQLite) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, started_at, finished_at, dry_run, devices, synced, no_new_data, failed, files_written
		 FROM sync_runs ORDER BY started_at DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	runs := make([]Run, 0, limit)
	for rows.Next() {
		run, err := scanSQLiteRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return runs, nil
}

// GetRun returns one run with its device outcomes.
func (s *SQLite) GetRun(ctx context.Context, id string) (Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT run_id, started_at, finished_at, dry_run, devices, synced, no_new_data, failed, files_written
		 FROM sync_runs WHERE run_id = ?;`, id)
	run, err := scanSQLiteRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, ErrRunNotFound
	}
	if err != nil {
		return Run{}, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT proyecto, codigo_interno, status, records, files, COALESCE(ultima_fecha, ''), COALESCE(error, '')
		 FROM device_runs WHERE run_id = ? ORDER BY proyecto, codigo_interno;`, id)
	if err != nil {
		return Run{}, fmt.Errorf("query device runs: %w", err)
	}
	defer rows.Close()

	run.Outcomes = make([]DeviceRun, 0)
	for rows.Next() {
		var dr DeviceRun
		var project string
		if err := rows.Scan(&project, &dr.Code, &dr.Status, &dr.Records, &dr.Files, &dr.Bookmark, &dr.Error); err != nil {
			return Run{}, fmt.Errorf("scan device run: %w", err)
		}
		dr.Project = models.ProjectID(project)
		run.Outcomes = append(run.Outcomes, dr)
	}
	return run, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteRun(row rowScanner) (Run, error) {
	var run Run
	var started, finished string
	if err := row.Scan(&run.ID, &started, &finished, &run.DryRun, &run.Devices, &run.Synced, &run.NoNewData, &run.Failed, &run.FilesWritten); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return run, err
		}
		return run, fmt.Errorf("scan run: %w", err)
	}
	run.StartedAt, _ = time.Parse(sqliteTime, started)
	run.FinishedAt, _ = time.Parse(sqliteTime, finished)
	return run, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
