// Package syncer drives incremental collection: per device it decides the
// fetch window, retrieves the records, writes them to the layout and only
// then advances the device bookmark.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/cplus-sensores/colector/internal/models"
	"github.com/cplus-sensores/colector/internal/registry"
)

// Fetcher yields the records of one device inside a window.
type Fetcher interface {
	Records(ctx context.Context, apiURL string, w models.Window) iter.Seq2[models.Record, error]
}

// LayoutWriter stores one date group as a new file.
type LayoutWriter interface {
	Write(key models.DeviceKey, date models.Date, records []models.Record) (string, error)
}

// Bookmarks persists the last synced date of a device.
type Bookmarks interface {
	AdvanceBookmark(key models.DeviceKey, date models.Date) error
}

// Options configures an Engine.
type Options struct {
	Workers      int
	HistoryStart models.Date
	DateField    string
	DryRun       bool
	Now          func() time.Time
}

// Engine runs sync passes over a set of devices.
type Engine struct {
	fetcher   Fetcher
	writer    LayoutWriter
	bookmarks Bookmarks
	opts      Options
	logger    *slog.Logger
}

// New constructs an engine.
func New(fetcher Fetcher, writer LayoutWriter, bookmarks Bookmarks, opts Options, logger *slog.Logger) *Engine {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.DateField == "" {
		opts.DateField = "fecha"
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Engine{
		fetcher:   fetcher,
		writer:    writer,
		bookmarks: bookmarks,
		opts:      opts,
		logger:    logger,
	}
}

// Run syncs every device with at most Workers devices in flight. Per-device
// failures are reported in the outcomes and never stop the run; a bookmark
// that cannot be persisted cancels the run and is returned as an error.
//
// If events is non-nil the caller must keep draining it until Run returns.
// Run does not close it.
func (e *Engine) Run(ctx context.Context, devices []models.Device, events chan<- Event) (Report, error) {
	report := Report{
		RunID:     uuid.NewString(),
		StartedAt: e.opts.Now().UTC(),
		DryRun:    e.opts.DryRun,
	}
	emit := func(ev Event) {
		if events == nil {
			return
		}
		ev.RunID = report.RunID
		ev.Time = e.opts.Now().UTC()
		events <- ev
	}

	e.logger.Info("sync run started", "run_id", report.RunID, "devices", len(devices), "workers", e.opts.Workers, "dry_run", e.opts.DryRun)
	emit(Event{Kind: EventRunStarted, Total: len(devices)})

	outcomes := make([]Outcome, len(devices))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.Workers)

	for i, d := range devices {
		g.Go(func() error {
			key := d.Key()
			if err := gctx.Err(); err != nil {
				outcomes[i] = cancelledOutcome(key, e.opts.Now(), err)
				return nil
			}

			emit(Event{Kind: EventDeviceStarted, Device: &key})
			out, err := e.SyncDevice(gctx, d)
			outcomes[i] = out
			emit(Event{Kind: EventDeviceFinished, Device: &key, Outcome: &out})
			return err
		})
	}

	runErr := g.Wait()

	report.Outcomes = outcomes
	report.FinishedAt = e.opts.Now().UTC()
	report.tally()

	e.logger.Info("sync run finished",
		"run_id", report.RunID,
		"synced", report.Synced,
		"no_new_data", report.NoNewData,
		"failed", report.Failed,
		"files", report.FilesWritten,
		"duration", report.FinishedAt.Sub(report.StartedAt))
	emit(Event{Kind: EventRunFinished, Report: &report})

	if runErr != nil {
		return report, runErr
	}
	return report, nil
}

// SyncDevice performs one incremental sync. The returned error is non-nil
// only when the bookmark could not be persisted, which callers must treat as
// fatal; every other failure is described by the outcome.
func (e *Engine) SyncDevice(ctx context.Context, d models.Device) (Outcome, error) {
	key := d.Key()
	now := e.opts.Now()
	out := Outcome{Device: key, StartedAt: now.UTC()}
	log := e.logger.With("device", key.String())

	finish := func(status Status, err error) (Outcome, error) {
		out.Status = status
		out.setErr(err)
		out.FinishedAt = e.opts.Now().UTC()
		return out, nil
	}

	window, ok := PlanWindow(d, e.opts.HistoryStart, now)
	if !ok {
		log.Info("already up to date", "ultima_fecha", bookmarkString(d))
		return finish(StatusNoNewData, nil)
	}
	out.Window = &window

	if d.APIURL == "" {
		err := &FetchError{Device: key, Err: errors.New("api_url is empty")}
		log.Error("fetch failed", "error", err)
		return finish(StatusFetchFailed, err)
	}

	if e.opts.DryRun {
		log.Info("dry-run: would fetch", "start", window.Start.String(), "end", window.End.Format(time.RFC3339))
		return finish(StatusDryRun, nil)
	}

	records, err := drain(e.fetcher.Records(ctx, d.APIURL, window))
	if err != nil {
		if ctx.Err() != nil {
			log.Warn("fetch abandoned", "error", ctx.Err())
			return finish(StatusCancelled, ctx.Err())
		}
		ferr := &FetchError{Device: key, Err: err}
		log.Error("fetch failed", "error", err)
		return finish(StatusFetchFailed, ferr)
	}
	out.Records = len(records)

	if len(records) == 0 {
		log.Info("no records returned", "start", window.Start.String())
		return finish(StatusNoNewData, nil)
	}

	today := models.DateOf(now)
	for _, group := range GroupByDate(records, e.opts.DateField, today) {
		if err := ctx.Err(); err != nil {
			log.Warn("write abandoned", "error", err, "files_written", len(out.Files))
			return finish(StatusCancelled, err)
		}

		path, err := e.writer.Write(key, group.Date, group.Records)
		if err != nil {
			werr := &WriteError{Device: key, Date: group.Date, Err: err}
			log.Error("write failed", "date", group.Date.String(), "error", err, "files_written", len(out.Files))
			return finish(StatusWriteFailed, werr)
		}
		out.Files = append(out.Files, path)
		log.Debug("wrote date folder", "date", group.Date.String(), "records", len(group.Records), "file", path)
	}

	if err := e.bookmarks.AdvanceBookmark(key, today); err != nil {
		if errors.Is(err, registry.ErrDeviceNotFound) {
			log.Warn("device removed during sync, bookmark not stored", "files", len(out.Files))
			return finish(StatusSynced, nil)
		}
		out.Status = StatusWriteFailed
		out.setErr(err)
		out.FinishedAt = e.opts.Now().UTC()
		return out, fmt.Errorf("persist bookmark for %s: %w", key, err)
	}
	out.Bookmark = &today

	log.Info("synced", "records", out.Records, "files", len(out.Files), "ultima_fecha", today.String())
	return finish(StatusSynced, nil)
}

func drain(seq iter.Seq2[models.Record, error]) ([]models.Record, error) {
	records := make([]models.Record, 0)
	for rec, err := range seq {
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

func cancelledOutcome(key models.DeviceKey, now time.Time, err error) Outcome {
	out := Outcome{
		Device:     key,
		Status:     StatusCancelled,
		StartedAt:  now.UTC(),
		FinishedAt: now.UTC(),
	}
	out.setErr(err)
	return out
}

func bookmarkString(d models.Device) string {
	if d.LastSynced == nil {
		return ""
	}
	return d.LastSynced.String()
}
