package journal

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cplus-sensores/colector/internal/models"
	"github.com/cplus-sensores/colector/internal/syncer"
)

// Postgres is the shared journal backend used when several collectors
// report into one database.
type Postgres struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects a pgx pool and ensures the colector schema exists.
func OpenPostgres(ctx context.Context, databaseURL string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	p := &Postgres{pool: pool}
	if err := p.initSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return p, nil
}

const postgresSchemaSQL = `
CREATE SCHEMA IF NOT EXISTS colector;
CREATE TABLE IF NOT EXISTS colector.sync_runs (
    run_id        TEXT PRIMARY KEY,
    started_at    TIMESTAMPTZ NOT NULL,
    finished_at   TIMESTAMPTZ NOT NULL,
    dry_run       BOOLEAN NOT NULL DEFAULT FALSE,
    devices       INTEGER NOT NULL,
    synced        INTEGER NOT NULL,
    no_new_data   INTEGER NOT NULL,
    failed        INTEGER NOT NULL,
    files_written INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS colector.device_runs (
    run_id         TEXT NOT NULL REFERENCES colector.sync_runs(run_id) ON DELETE CASCADE,
    proyecto       TEXT NOT NULL,
    codigo_interno TEXT NOT NULL,
    status         TEXT NOT NULL,
    records        INTEGER NOT NULL,
    files          INTEGER NOT NULL,
    ultima_fecha   DATE,
    error          TEXT,
    PRIMARY KEY (run_id, proyecto, codigo_interno)
);
CREATE INDEX IF NOT EXISTS idx_sync_runs_started ON colector.sync_runs (started_at DESC);
`

func (p *Postgres) initSchema(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, postgresSchemaSQL); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

// Close releases the pool resources.
func (p *Postgres) Close() error {
	if p.pool != nil {
		p.pool.Close()
	}
	return nil
}

// RecordRun stores the run row and queues every device outcome in one batch.
func (p *Postgres) RecordRun(ctx context.Context, report syncer.Report) error {
	run := runFromReport(report)

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin journal tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, `
INSERT INTO colector.sync_runs (run_id, started_at, finished_at, dry_run, devices, synced, no_new_data, failed, files_written)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
ON CONFLICT (run_id) DO UPDATE
SET finished_at = EXCLUDED.finished_at,
    synced = EXCLUDED.synced,
    no_new_data = EXCLUDED.no_new_data,
    failed = EXCLUDED.failed,
    files_written = EXCLUDED.files_written`,
		run.ID, run.StartedAt, run.FinishedAt, run.DryRun, run.Devices, run.Synced, run.NoNewData, run.Failed, run.FilesWritten)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}

	if len(run.Outcomes) > 0 {
		batch := &pgx.Batch{}
		query := `INSERT INTO colector.device_runs (run_id, proyecto, codigo_interno, status, records, files, ultima_fecha, error)
VALUES ($1,$2,$3,$4,$5,$6,NULLIF($7, '')::date,NULLIF($8, ''))
ON CONFLICT (run_id, proyecto, codigo_interno) DO UPDATE
SET status = EXCLUDED.status,
    records = EXCLUDED.records,
    files = EXCLUDED.files,
    ultima_fecha = EXCLUDED.ultima_fecha,
    error = EXCLUDED.error`

		for _, o := range run.Outcomes {
			batch.Queue(query, run.ID, o.Project.String(), o.Code, o.Status, o.Records, o.Files, o.Bookmark, o.Error)
		}

		res := tx.SendBatch(ctx, batch)
		for range run.Outcomes {
			if _, err := res.Exec(); err != nil {
				_ = res.Close()
				return fmt.Errorf("insert device run: %w", err)
			}
		}
		if err := res.Close(); err != nil {
			return fmt.Errorf("insert device runs: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit journal tx: %w", err)
	}
	return nil
}

const listRunsSQL = `
    SELECT run_id, started_at, finished_at, dry_run, devices, synced, no_new_data, failed, files_written
    FROM colector.sync_runs
    ORDER BY started_at DESC
    LIMIT $1
`

// ListRuns returns the most recent runs first, without device outcomes.
func (p *Postgres) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := p.pool.Query(ctx, listRunsSQL, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	runs := make([]Run, 0)
	for rows.Next() {
		var run Run
		if err := rows.Scan(
			&run.ID,
			&run.StartedAt,
			&run.FinishedAt,
			&run.DryRun,
			&run.Devices,
			&run.Synced,
			&run.NoNewData,
			&run.Failed,
			&run.FilesWritten,
		); err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// GetRun returns one run with its device outcomes.
func (p *Postgres) GetRun(ctx context.Context, id string) (Run, error) {
	var run Run
	err := p.pool.QueryRow(ctx, `
    SELECT run_id, started_at, finished_at, dry_run, devices, synced, no_new_data, failed, files_written
    FROM colector.sync_runs
    WHERE run_id = $1`, id).Scan(
		&run.ID,
		&run.StartedAt,
		&run.FinishedAt,
		&run.DryRun,
		&run.Devices,
		&run.Synced,
		&run.NoNewData,
		&run.Failed,
		&run.FilesWritten,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return Run{}, ErrRunNotFound
	}
	if err != nil {
		return Run{}, err
	}

	rows, err := p.pool.Query(ctx, `
    SELECT proyecto, codigo_interno, status, records, files, COALESCE(ultima_fecha::text, ''), COALESCE(error, '')
    FROM colector.device_runs
    WHERE run_id = $1
    ORDER BY proyecto, codigo_interno`, id)
	if err != nil {
		return Run{}, err
	}
	defer rows.Close()

	run.Outcomes = make([]DeviceRun, 0)
	for rows.Next() {
		var dr DeviceRun
		var project string
		if err := rows.Scan(&project, &dr.Code, &dr.Status, &dr.Records, &dr.Files, &dr.Bookmark, &dr.Error); err != nil {
			return Run{}, err
		}
		dr.Project = models.ProjectID(project)
		run.Outcomes = append(run.Outcomes, dr)
	}
	return run, rows.Err()
}
