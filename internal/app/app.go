// Package app wires configuration, registry, sync engine, journal and
// notifier together for the collector and API binaries.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/cplus-sensores/colector/internal/apiclient"
	"github.com/cplus-sensores/colector/internal/config"
	"github.com/cplus-sensores/colector/internal/journal"
	"github.com/cplus-sensores/colector/internal/layout"
	"github.com/cplus-sensores/colector/internal/models"
	"github.com/cplus-sensores/colector/internal/notify"
	"github.com/cplus-sensores/colector/internal/registry"
	"github.com/cplus-sensores/colector/internal/syncer"
)

// NewLogger returns a text logger on stdout at the given level name.
func NewLogger(level string) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel(level)}))
}

func logLevel(level string) slog.Leveler {
	var lvl slog.Level

	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	lv := new(slog.LevelVar)
	lv.Set(lvl)
	return lv
}

// App holds the long-lived collaborators of a process.
type App struct {
	Config   config.Config
	Logger   *slog.Logger
	Registry *registry.Registry
	Journal  journal.Journal
	Notifier notify.Sink

	fetcher syncer.Fetcher
	writer  syncer.LayoutWriter
}

// Open loads the registry and connects the optional journal and notifier.
// Journal and broker failures are logged and replaced by no-op versions.
func Open(ctx context.Context, cfg config.Config, logger *slog.Logger) (*App, error) {
	reg, err := registry.Load(cfg.RegistryPath)
	if err != nil {
		return nil, err
	}
	logger.Info("registry loaded", "path", cfg.RegistryPath, "devices", len(reg.Devices()))

	httpClient := &http.Client{Timeout: cfg.RequestTimeout}
	fetcher := apiclient.New(httpClient, apiclient.Options{
		StartParam:     cfg.StartParam,
		EndParam:       cfg.EndParam,
		DateField:      cfg.DateField,
		MaxAttempts:    cfg.FetchMaxAttempts,
		InitialBackoff: cfg.FetchInitialBackoff,
		MaxBackoff:     cfg.FetchMaxBackoff,
		MaxPages:       cfg.FetchMaxPages,
		StopOnOlder:    cfg.StopOnOlder,
	}, logger)

	a := New(cfg, logger, reg, fetcher)

	if j, err := journal.Open(ctx, cfg, logger); err != nil {
		logger.Warn("run journal unavailable", "error", err)
	} else {
		a.Journal = j
	}

	if cfg.MQTTBrokerURL != "" {
		if p, err := notify.Connect(cfg.MQTTBrokerURL, cfg.MQTTTopic, logger); err != nil {
			logger.Warn("mqtt notifications disabled", "error", err)
		} else {
			a.Notifier = p
		}
	}

	return a, nil
}

// New assembles an App from an already loaded registry and a fetcher, with
// the journal and notifier disabled.
func New(cfg config.Config, logger *slog.Logger, reg *registry.Registry, fetcher syncer.Fetcher) *App {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &App{
		Config:   cfg,
		Logger:   logger,
		Registry: reg,
		Journal:  journal.Discard{},
		Notifier: notify.Nop{},
		fetcher:  fetcher,
		writer:   layout.NewWriter(cfg.DataDir),
	}
}

// Close releases the journal and the broker connection.
func (a *App) Close() {
	a.Notifier.Close()
	if err := a.Journal.Close(); err != nil {
		a.Logger.Error("close journal", "error", err)
	}
}

// RunOptions adjusts a single sync run.
type RunOptions struct {
	DryRun bool
	// Observe is called from a single goroutine for every event, in order.
	Observe func(syncer.Event)
}

// Sync runs the engine over devices, forwards events to the notifier and
// observer, and records the report in the journal. The returned error is
// only set for fatal failures such as an unwritable registry.
func (a *App) Sync(ctx context.Context, devices []models.Device, opts RunOptions) (syncer.Report, error) {
	engine := syncer.New(a.fetcher, a.writer, a.Registry, syncer.Options{
		Workers:      a.Config.Workers,
		HistoryStart: a.Config.HistoryStart,
		DateField:    a.Config.DateField,
		DryRun:       opts.DryRun || a.Config.DryRun,
	}, a.Logger)

	events := make(chan syncer.Event, 16)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range events {
			a.Notifier.Notify(ev)
			if opts.Observe != nil {
				opts.Observe(ev)
			}
		}
	}()

	report, err := engine.Run(ctx, devices, events)
	close(events)
	<-done

	if !report.DryRun {
		// Recorded even when the run context is already cancelled.
		if jerr := a.Journal.RecordRun(context.WithoutCancel(ctx), report); jerr != nil {
			a.Logger.Warn("failed to record run", "run_id", report.RunID, "error", jerr)
		}
	}

	if err != nil {
		return report, fmt.Errorf("sync run %s: %w", report.RunID, err)
	}
	return report, nil
}

// SelectDevices returns the registered devices, optionally restricted to
// one project.
func (a *App) SelectDevices(project string) []models.Device {
	devices := a.Registry.Devices()
	if project == "" {
		return devices
	}
	out := make([]models.Device, 0, len(devices))
	for _, d := range devices {
		if d.Project.String() == project {
			out = append(out, d)
		}
	}
	return out
}
