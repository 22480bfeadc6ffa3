package http

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cplus-sensores/colector/internal/app"
	"github.com/cplus-sensores/colector/internal/syncer"
)

var errSyncRunning = errors.New("a sync run is already in progress")

// Sync run states.
const (
	syncIdle      = "idle"
	syncRunning   = "running"
	syncFinished  = "finished"
	syncCancelled = "cancelled"
	syncFailed    = "failed"
)

// SyncStatus is the progress of the current or last background run.
type SyncStatus struct {
	State      string           `json:"state"`
	RunID      string           `json:"run_id,omitempty"`
	Project    string           `json:"project,omitempty"`
	DryRun     bool             `json:"dry_run"`
	StartedAt  *time.Time       `json:"started_at,omitempty"`
	FinishedAt *time.Time       `json:"finished_at,omitempty"`
	Total      int              `json:"total"`
	Done       int              `json:"done"`
	Outcomes   []syncer.Outcome `json:"outcomes"`
	Report     *syncer.Report   `json:"report,omitempty"`
	Error      string           `json:"error,omitempty"`
}

func (st SyncStatus) clone() SyncStatus {
	out := st
	out.Outcomes = append([]syncer.Outcome(nil), st.Outcomes...)
	if out.Outcomes == nil {
		out.Outcomes = []syncer.Outcome{}
	}
	return out
}

// syncManager runs at most one sync in the background. Engine events are
// applied to the status by the run's single event consumer; handlers only
// read snapshots.
type syncManager struct {
	app *app.App

	mu     sync.Mutex
	status SyncStatus
	cancel context.CancelFunc
	done   chan struct{}
}

func newSyncManager(a *app.App) *syncManager {
	done := make(chan struct{})
	close(done)
	return &syncManager{
		app:    a,
		status: SyncStatus{State: syncIdle, Outcomes: []syncer.Outcome{}},
		done:   done,
	}
}

// Start launches a run over all devices, or one project's, and returns once
// the run has an id.
func (m *syncManager) Start(project string, dryRun bool) (SyncStatus, error) {
	m.mu.Lock()
	if m.status.State == syncRunning {
		st := m.status.clone()
		m.mu.Unlock()
		return st, errSyncRunning
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	started := make(chan struct{})
	m.cancel = cancel
	m.done = done
	m.status = SyncStatus{
		State:    syncRunning,
		Project:  project,
		DryRun:   dryRun,
		Outcomes: []syncer.Outcome{},
	}
	m.mu.Unlock()

	devices := m.app.SelectDevices(project)

	go func() {
		defer close(done)
		defer cancel()

		var once sync.Once
		markStarted := func() { once.Do(func() { close(started) }) }
		defer markStarted()

		report, err := m.app.Sync(ctx, devices, app.RunOptions{
			DryRun: dryRun,
			Observe: func(ev syncer.Event) {
				m.apply(ev)
				if ev.Kind == syncer.EventRunStarted {
					markStarted()
				}
			},
		})
		m.finish(report, err, ctx.Err())
	}()

	<-started
	return m.Status(), nil
}

func (m *syncManager) apply(ev syncer.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch ev.Kind {
	case syncer.EventRunStarted:
		t := ev.Time
		m.status.RunID = ev.RunID
		m.status.StartedAt = &t
		m.status.Total = ev.Total
	case syncer.EventDeviceFinished:
		if ev.Outcome != nil {
			m.status.Outcomes = append(m.status.Outcomes, *ev.Outcome)
			m.status.Done++
		}
	}
}

func (m *syncManager) finish(report syncer.Report, err, ctxErr error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	finished := report.FinishedAt
	if finished.IsZero() {
		finished = time.Now().UTC()
	}
	m.status.FinishedAt = &finished
	m.status.Report = &report
	if m.status.RunID == "" {
		m.status.RunID = report.RunID
	}

	switch {
	case err != nil:
		m.status.State = syncFailed
		m.status.Error = err.Error()
		m.app.Logger.Error("background sync failed", "run_id", report.RunID, "error", err)
	case ctxErr != nil:
		m.status.State = syncCancelled
	default:
		m.status.State = syncFinished
	}
}

// Status returns a snapshot of the current or last run.
func (m *syncManager) Status() SyncStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status.clone()
}

// Cancel stops the running sync. It reports whether a run was active.
func (m *syncManager) Cancel() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.status.State != syncRunning || m.cancel == nil {
		return false
	}
	m.cancel()
	return true
}

// Wait blocks until the current run, if any, has finished.
func (m *syncManager) Wait() {
	m.mu.Lock()
	done := m.done
	m.mu.Unlock()
	<-done
}
