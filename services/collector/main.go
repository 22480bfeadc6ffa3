package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cplus-sensores/colector/internal/app"
	"github.com/cplus-sensores/colector/internal/config"
	"github.com/cplus-sensores/colector/internal/inventory"
	"github.com/cplus-sensores/colector/internal/models"
	"github.com/cplus-sensores/colector/internal/syncer"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("collector failed: %v", err)
	}
}

func run() error {
	project := flag.String("project", "", "Only sync devices of this project id")
	dryRun := flag.Bool("dry-run", false, "Log the windows that would be fetched without fetching or writing")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := app.NewLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.Open(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	devices := a.SelectDevices(*project)
	if len(devices) == 0 {
		logger.Info("no devices to sync", "registry", cfg.RegistryPath, "project", *project)
		return nil
	}

	report, err := a.Sync(ctx, devices, app.RunOptions{
		DryRun: *dryRun,
		Observe: func(ev syncer.Event) {
			if ev.Kind != syncer.EventDeviceFinished || ev.Outcome == nil {
				return
			}
			logOutcome(a, *ev.Outcome)
		},
	})
	logger.Info(report.Summary(), "run_id", report.RunID, "duration", report.FinishedAt.Sub(report.StartedAt).Round(time.Millisecond))
	if err != nil {
		return err
	}
	if errors.Is(ctx.Err(), context.Canceled) {
		logger.Warn("run interrupted")
	}
	return nil
}

// logOutcome prints one line per device and flags bookmarks that run ahead
// of what is actually on disk.
func logOutcome(a *app.App, o syncer.Outcome) {
	dl := a.Logger.With("device", o.Device.String(), "status", string(o.Status))
	switch o.Status {
	case syncer.StatusSynced:
		dl.Info("device synced", "records", o.Records, "files", o.FilesWritten())
	case syncer.StatusNoNewData:
		dl.Info("device has no new data")
		if d, ok := a.Registry.Get(o.Device); ok {
			if msg, attrs := bookmarkDrift(a.Config.DataDir, d); msg != "" {
				dl.Warn(msg, attrs...)
			}
		}
	case syncer.StatusDryRun:
		if o.Window != nil {
			dl.Info("dry-run window", "start", o.Window.Start.String(), "end", o.Window.End.Format(time.RFC3339))
		}
	default:
		dl.Error("device failed", "error", o.Error)
	}
}

// bookmarkDrift compares a device bookmark with the latest date folder on
// disk. It returns an empty message when they agree.
func bookmarkDrift(dataDir string, d models.Device) (string, []any) {
	if d.LastSynced == nil {
		return "", nil
	}
	frontier, found, err := inventory.Frontier(dataDir, d.Key())
	switch {
	case err != nil:
		return "", nil
	case !found:
		return "bookmark set but no data on disk", []any{"ultima_fecha", d.LastSynced.String()}
	case frontier.After(*d.LastSynced):
		return "data on disk is newer than bookmark", []any{"frontier", frontier.String(), "ultima_fecha", d.LastSynced.String()}
	}
	return "", nil
}
