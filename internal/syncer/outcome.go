package syncer

import (
	"fmt"
	"time"

	"github.com/cplus-sensores/colector/internal/models"
)

// Status is the result class of one device sync.
type Status string

const (
	StatusSynced      Status = "synced"
	StatusNoNewData   Status = "no_new_data"
	StatusFetchFailed Status = "fetch_failed"
	StatusWriteFailed Status = "write_failed"
	StatusCancelled   Status = "cancelled"
	StatusDryRun      Status = "dry_run"
)

// Failed reports whether the status counts as an error in the run tally.
func (s Status) Failed() bool {
	return s == StatusFetchFailed || s == StatusWriteFailed || s == StatusCancelled
}

// FetchError is a device whose records could not be retrieved.
type FetchError struct {
	Device models.DeviceKey
	Err    error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s: %v", e.Device, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// WriteError is a device whose date folder could not be written.
type WriteError struct {
	Device models.DeviceKey
	Date   models.Date
	Err    error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("write %s/%s: %v", e.Device, e.Date, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// Outcome describes what happened to one device during a run.
type Outcome struct {
	Device     models.DeviceKey `json:"device"`
	Status     Status           `json:"status"`
	Window     *models.Window   `json:"window,omitempty"`
	Records    int              `json:"records"`
	Files      []string         `json:"files,omitempty"`
	Bookmark   *models.Date     `json:"ultima_fecha,omitempty"`
	Err        error            `json:"-"`
	Error      string           `json:"error,omitempty"`
	StartedAt  time.Time        `json:"started_at"`
	FinishedAt time.Time        `json:"finished_at"`
}

func (o *Outcome) setErr(err error) {
	o.Err = err
	if err != nil {
		o.Error = err.Error()
	}
}

// FilesWritten is the number of new CSV files produced for the device.
func (o Outcome) FilesWritten() int { return len(o.Files) }

// Report is the result of one run.
type Report struct {
	RunID        string    `json:"run_id"`
	StartedAt    time.Time `json:"started_at"`
	FinishedAt   time.Time `json:"finished_at"`
	DryRun       bool      `json:"dry_run"`
	Outcomes     []Outcome `json:"outcomes"`
	Synced       int       `json:"synced"`
	NoNewData    int       `json:"no_new_data"`
	Failed       int       `json:"failed"`
	FilesWritten int       `json:"files_written"`
}

func (r *Report) tally() {
	r.Synced, r.NoNewData, r.Failed, r.FilesWritten = 0, 0, 0, 0
	for _, o := range r.Outcomes {
		switch {
		case o.Status == StatusSynced:
			r.Synced++
		case o.Status == StatusNoNewData:
			r.NoNewData++
		case o.Status.Failed():
			r.Failed++
		}
		r.FilesWritten += o.FilesWritten()
	}
}

// Summary is a one-line tally for logs and notifications.
func (r Report) Summary() string {
	return fmt.Sprintf("%d devices: %d synced, %d without new data, %d failed, %d files written",
		len(r.Outcomes), r.Synced, r.NoNewData, r.Failed, r.FilesWritten)
}

// EventKind tags progress events.
type EventKind string

const (
	EventRunStarted     EventKind = "run_started"
	EventDeviceStarted  EventKind = "device_started"
	EventDeviceFinished EventKind = "device_finished"
	EventRunFinished    EventKind = "run_finished"
)

// Event is a progress notification emitted while a run executes.
type Event struct {
	Kind    EventKind         `json:"kind"`
	RunID   string            `json:"run_id"`
	Time    time.Time         `json:"time"`
	Total   int               `json:"total,omitempty"`
	Device  *models.DeviceKey `json:"device,omitempty"`
	Outcome *Outcome          `json:"outcome,omitempty"`
	Report  *Report           `json:"report,omitempty"`
}
