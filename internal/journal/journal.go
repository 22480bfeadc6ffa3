// Package journal keeps a history of sync runs and their per-device
// outcomes. The history is informational only; the data layout remains the
// record of what was collected.
package journal

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cplus-sensores/colector/internal/config"
	"github.com/cplus-sensores/colector/internal/models"
	"github.com/cplus-sensores/colector/internal/syncer"
)

// ErrRunNotFound is returned by GetRun for unknown run ids.
var ErrRunNotFound = errors.New("run not found")

// Run is a stored sync run.
type Run struct {
	ID           string      `json:"run_id"`
	StartedAt    time.Time   `json:"started_at"`
	FinishedAt   time.Time   `json:"finished_at"`
	DryRun       bool        `json:"dry_run"`
	Devices      int         `json:"devices"`
	Synced       int         `json:"synced"`
	NoNewData    int         `json:"no_new_data"`
	Failed       int         `json:"failed"`
	FilesWritten int         `json:"files_written"`
	Outcomes     []DeviceRun `json:"outcomes,omitempty"`
}

// DeviceRun is one device outcome within a stored run.
type DeviceRun struct {
	Project  models.ProjectID `json:"proyecto"`
	Code     string           `json:"codigo_interno"`
	Status   string           `json:"status"`
	Records  int              `json:"records"`
	Files    int              `json:"files"`
	Bookmark string           `json:"ultima_fecha,omitempty"`
	Error    string           `json:"error,omitempty"`
}

// Journal stores run reports.
type Journal interface {
	RecordRun(ctx context.Context, report syncer.Report) error
	ListRuns(ctx context.Context, limit int) ([]Run, error)
	GetRun(ctx context.Context, id string) (Run, error)
	Close() error
}

// Open selects the Postgres journal when a database URL is configured and
// the local SQLite journal otherwise. An empty journal path disables it.
func Open(ctx context.Context, cfg config.Config, logger *slog.Logger) (Journal, error) {
	switch {
	case cfg.DatabaseURL != "":
		logger.Info("journal: postgres")
		return OpenPostgres(ctx, cfg.DatabaseURL)
	case cfg.JournalPath != "":
		logger.Info("journal: sqlite", "path", cfg.JournalPath)
		return OpenSQLite(ctx, cfg.JournalPath)
	default:
		logger.Info("journal disabled")
		return Discard{}, nil
	}
}

func runFromReport(report syncer.Report) Run {
	run := Run{
		ID:           report.RunID,
		StartedAt:    report.StartedAt.UTC(),
		FinishedAt:   report.FinishedAt.UTC(),
		DryRun:       report.DryRun,
		Devices:      len(report.Outcomes),
		Synced:       report.Synced,
		NoNewData:    report.NoNewData,
		Failed:       report.Failed,
		FilesWritten: report.FilesWritten,
		Outcomes:     make([]DeviceRun, 0, len(report.Outcomes)),
	}
	for _, o := range report.Outcomes {
		dr := DeviceRun{
			Project: o.Device.Project,
			Code:    o.Device.Code,
			Status:  string(o.Status),
			Records: o.Records,
			Files:   o.FilesWritten(),
			Error:   o.Error,
		}
		if o.Bookmark != nil {
			dr.Bookmark = o.Bookmark.String()
		}
		run.Outcomes = append(run.Outcomes, dr)
	}
	return run
}

// Discard is a journal that stores nothing.
type Discard struct{}

func (Discard) RecordRun(context.Context, syncer.Report) error { return nil }

func (Discard) ListRuns(context.Context, int) ([]Run, error) { return []Run{}, nil }

func (Discard) GetRun(context.Context, string) (Run, error) { return Run{}, ErrRunNotFound }

func (Discard) Close() error { return nil }
