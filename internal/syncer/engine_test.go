package syncer

import (
	"context"
	"errors"
	"iter"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cplus-sensores/colector/internal/layout"
	"github.com/cplus-sensores/colector/internal/models"
	"github.com/cplus-sensores/colector/internal/registry"
)

var testNow = time.Date(2025, 3, 10, 15, 30, 0, 0, time.UTC)

type fetchCall struct {
	URL    string
	Window models.Window
}

type fakeFetcher struct {
	mu      sync.Mutex
	records map[string][]models.Record
	errs    map[string]error
	calls   []fetchCall
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{
		records: make(map[string][]models.Record),
		errs:    make(map[string]error),
	}
}

func (f *fakeFetcher) Records(ctx context.Context, apiURL string, w models.Window) iter.Seq2[models.Record, error] {
	f.mu.Lock()
	f.calls = append(f.calls, fetchCall{URL: apiURL, Window: w})
	recs := f.records[apiURL]
	err := f.errs[apiURL]
	f.mu.Unlock()

	return func(yield func(models.Record, error) bool) {
		if err != nil {
			yield(models.Record{}, err)
			return
		}
		for _, r := range recs {
			if !yield(r, nil) {
				return
			}
		}
	}
}

func (f *fakeFetcher) Calls() []fetchCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]fetchCall(nil), f.calls...)
}

type failingWriter struct {
	err error
}

func (w failingWriter) Write(models.DeviceKey, models.Date, []models.Record) (string, error) {
	return "", w.err
}

// flakyWriter writes the first n groups and fails every write after that.
type flakyWriter struct {
	next *layout.Writer
	n    int
	err  error
}

func (w *flakyWriter) Write(key models.DeviceKey, date models.Date, records []models.Record) (string, error) {
	if w.n == 0 {
		return "", w.err
	}
	w.n--
	return w.next.Write(key, date, records)
}

type brokenBookmarks struct{}

func (brokenBookmarks) AdvanceBookmark(models.DeviceKey, models.Date) error {
	return errors.New("disk full")
}

type fixture struct {
	root    string
	reg     *registry.Registry
	fetcher *fakeFetcher
	writer  *layout.Writer
}

func newFixture(t *testing.T, devices ...models.Device) *fixture {
	t.Helper()
	dir := t.TempDir()
	regPath := filepath.Join(dir, "config.json")
	require.NoError(t, registry.Save(regPath, devices))
	reg, err := registry.Load(regPath)
	require.NoError(t, err)

	root := filepath.Join(dir, "datos")
	return &fixture{
		root:    root,
		reg:     reg,
		fetcher: newFakeFetcher(),
		writer:  layout.NewWriter(root),
	}
}

func (f *fixture) engine(opts Options) *Engine {
	if opts.Now == nil {
		opts.Now = func() time.Time { return testNow }
	}
	if opts.HistoryStart.IsZero() {
		opts.HistoryStart = models.MustParseDate("2025-01-01")
	}
	return New(f.fetcher, f.writer, f.reg, opts, nil)
}

func (f *fixture) bookmark(t *testing.T, key models.DeviceKey) *models.Date {
	t.Helper()
	d, ok := f.reg.Get(key)
	require.True(t, ok)
	return d.LastSynced
}

func csvFiles(t *testing.T, dir string) []string {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(dir, "*.csv"))
	require.NoError(t, err)
	return matches
}

func datePtr(s string) *models.Date {
	d := models.MustParseDate(s)
	return &d
}

func TestSyncDeviceFirstRunWritesDateFolders(t *testing.T) {
	dev := models.Device{Project: "3", InternalCode: "EST-01", APIURL: "http://api/est-01"}
	f := newFixture(t, dev)
	f.fetcher.records[dev.APIURL] = []models.Record{
		models.RecordFrom("fecha", "2025-03-08 10:00:00", "temp", "20"),
		models.RecordFrom("fecha", "2025-03-09 10:00:00", "temp", "21"),
		models.RecordFrom("fecha", "2025-03-08 11:00:00", "temp", "22"),
	}

	out, err := f.engine(Options{}).SyncDevice(context.Background(), dev)
	require.NoError(t, err)

	assert.Equal(t, StatusSynced, out.Status)
	assert.Equal(t, 3, out.Records)
	assert.Len(t, out.Files, 2)

	calls := f.fetcher.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "2025-01-01", calls[0].Window.Start.String())
	assert.Equal(t, testNow, calls[0].Window.End)

	day8 := layout.DateDir(f.root, dev.Key(), models.MustParseDate("2025-03-08"))
	day9 := layout.DateDir(f.root, dev.Key(), models.MustParseDate("2025-03-09"))
	assert.Len(t, csvFiles(t, day8), 1)
	assert.Len(t, csvFiles(t, day9), 1)

	bm := f.bookmark(t, dev.Key())
	require.NotNil(t, bm)
	assert.Equal(t, "2025-03-10", bm.String())
}

func TestSyncDeviceUsesBookmarkAsWindowStart(t *testing.T) {
	dev := models.Device{Project: "3", InternalCode: "EST-01", APIURL: "http://api/est-01", LastSynced: datePtr("2025-03-05")}
	f := newFixture(t, dev)

	_, err := f.engine(Options{}).SyncDevice(context.Background(), dev)
	require.NoError(t, err)

	calls := f.fetcher.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "2025-03-05", calls[0].Window.Start.String())
}

func TestSyncDeviceUpToDateSkipsFetch(t *testing.T) {
	dev := models.Device{Project: "3", InternalCode: "EST-01", APIURL: "http://api/est-01", LastSynced: datePtr("2025-03-10")}
	f := newFixture(t, dev)

	out, err := f.engine(Options{}).SyncDevice(context.Background(), dev)
	require.NoError(t, err)

	assert.Equal(t, StatusNoNewData, out.Status)
	assert.Empty(t, f.fetcher.Calls())
	assert.NoDirExists(t, f.root)
}

func TestSyncDeviceSecondRunSameDayIsNoop(t *testing.T) {
	dev := models.Device{Project: "3", InternalCode: "EST-01", APIURL: "http://api/est-01"}
	f := newFixture(t, dev)
	f.fetcher.records[dev.APIURL] = []models.Record{models.RecordFrom("fecha", "2025-03-09T08:00:00Z", "v", "1")}
	eng := f.engine(Options{})

	_, err := eng.SyncDevice(context.Background(), dev)
	require.NoError(t, err)

	reloaded, ok := f.reg.Get(dev.Key())
	require.True(t, ok)
	out, err := eng.SyncDevice(context.Background(), reloaded)
	require.NoError(t, err)

	assert.Equal(t, StatusNoNewData, out.Status)
	assert.Len(t, f.fetcher.Calls(), 1)
	assert.Len(t, csvFiles(t, layout.DateDir(f.root, dev.Key(), models.MustParseDate("2025-03-09"))), 1)
}

func TestSyncDeviceZeroRecordsKeepsBookmark(t *testing.T) {
	dev := models.Device{Project: "3", InternalCode: "EST-01", APIURL: "http://api/est-01", LastSynced: datePtr("2025-03-01")}
	f := newFixture(t, dev)

	out, err := f.engine(Options{}).SyncDevice(context.Background(), dev)
	require.NoError(t, err)

	assert.Equal(t, StatusNoNewData, out.Status)
	assert.Nil(t, out.Bookmark)
	assert.Equal(t, "2025-03-01", f.bookmark(t, dev.Key()).String())
}

func TestSyncDeviceWriteFailureKeepsBookmark(t *testing.T) {
	dev := models.Device{Project: "3", InternalCode: "EST-01", APIURL: "http://api/est-01", LastSynced: datePtr("2025-03-01")}
	f := newFixture(t, dev)
	f.fetcher.records[dev.APIURL] = []models.Record{models.RecordFrom("fecha", "2025-03-02", "v", "1")}

	eng := New(f.fetcher, failingWriter{err: os.ErrPermission}, f.reg, Options{
		HistoryStart: models.MustParseDate("2025-01-01"),
		Now:          func() time.Time { return testNow },
	}, nil)

	out, err := eng.SyncDevice(context.Background(), dev)
	require.NoError(t, err)

	assert.Equal(t, StatusWriteFailed, out.Status)
	var werr *WriteError
	require.ErrorAs(t, out.Err, &werr)
	assert.Equal(t, "2025-03-02", werr.Date.String())
	assert.ErrorIs(t, out.Err, os.ErrPermission)
	assert.Equal(t, "2025-03-01", f.bookmark(t, dev.Key()).String())

	// The next run retries from the same start.
	reloaded, _ := f.reg.Get(dev.Key())
	_, err = f.engine(Options{}).SyncDevice(context.Background(), reloaded)
	require.NoError(t, err)
	calls := f.fetcher.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, calls[0].Window.Start, calls[1].Window.Start)
	assert.Equal(t, "2025-03-10", f.bookmark(t, dev.Key()).String())
}

func TestSyncDeviceWriteFailsOnSecondDate(t *testing.T) {
	dev := models.Device{Project: "3", InternalCode: "EST-01", APIURL: "http://api/est-01", LastSynced: datePtr("2025-03-01")}
	f := newFixture(t, dev)
	f.fetcher.records[dev.APIURL] = []models.Record{
		models.RecordFrom("fecha", "2025-03-02 09:00:00", "v", "1"),
		models.RecordFrom("fecha", "2025-03-03 09:00:00", "v", "2"),
		models.RecordFrom("fecha", "2025-03-04 09:00:00", "v", "3"),
	}

	eng := New(f.fetcher, &flakyWriter{next: f.writer, n: 1, err: os.ErrPermission}, f.reg, Options{
		HistoryStart: models.MustParseDate("2025-01-01"),
		Now:          func() time.Time { return testNow },
	}, nil)

	out, err := eng.SyncDevice(context.Background(), dev)
	require.NoError(t, err)

	assert.Equal(t, StatusWriteFailed, out.Status)
	assert.Len(t, out.Files, 1)
	var werr *WriteError
	require.ErrorAs(t, out.Err, &werr)
	assert.Equal(t, "2025-03-03", werr.Date.String())
	assert.Equal(t, "2025-03-01", f.bookmark(t, dev.Key()).String())

	assert.Len(t, csvFiles(t, layout.DateDir(f.root, dev.Key(), models.MustParseDate("2025-03-02"))), 1)
	assert.NoDirExists(t, layout.DateDir(f.root, dev.Key(), models.MustParseDate("2025-03-04")))

	reloaded, _ := f.reg.Get(dev.Key())
	out, err = f.engine(Options{}).SyncDevice(context.Background(), reloaded)
	require.NoError(t, err)
	assert.Equal(t, StatusSynced, out.Status)

	calls := f.fetcher.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, "2025-03-01", calls[1].Window.Start.String())
	assert.Equal(t, calls[0].Window.Start, calls[1].Window.Start)
	assert.Equal(t, "2025-03-10", f.bookmark(t, dev.Key()).String())
}

func TestSyncDeviceFetchFailure(t *testing.T) {
	dev := models.Device{Project: "3", InternalCode: "EST-01", APIURL: "http://api/est-01"}
	f := newFixture(t, dev)
	f.fetcher.errs[dev.APIURL] = errors.New("connection refused")

	out, err := f.engine(Options{}).SyncDevice(context.Background(), dev)
	require.NoError(t, err)

	assert.Equal(t, StatusFetchFailed, out.Status)
	var ferr *FetchError
	require.ErrorAs(t, out.Err, &ferr)
	assert.Equal(t, dev.Key(), ferr.Device)
	assert.Contains(t, out.Error, "connection refused")
	assert.Nil(t, f.bookmark(t, dev.Key()))
}

func TestSyncDeviceEmptyURL(t *testing.T) {
	dev := models.Device{Project: "3", InternalCode: "EST-01"}
	f := newFixture(t, dev)

	out, err := f.engine(Options{}).SyncDevice(context.Background(), dev)
	require.NoError(t, err)
	assert.Equal(t, StatusFetchFailed, out.Status)
	assert.Empty(t, f.fetcher.Calls())
}

func TestSyncDeviceDryRun(t *testing.T) {
	dev := models.Device{Project: "3", InternalCode: "EST-01", APIURL: "http://api/est-01"}
	f := newFixture(t, dev)
	f.fetcher.records[dev.APIURL] = []models.Record{models.RecordFrom("fecha", "2025-03-09", "v", "1")}

	out, err := f.engine(Options{DryRun: true}).SyncDevice(context.Background(), dev)
	require.NoError(t, err)

	assert.Equal(t, StatusDryRun, out.Status)
	require.NotNil(t, out.Window)
	assert.Equal(t, "2025-01-01", out.Window.Start.String())
	assert.Empty(t, f.fetcher.Calls())
	assert.Nil(t, f.bookmark(t, dev.Key()))
}

func TestSyncDeviceBookmarkPersistFailureIsFatal(t *testing.T) {
	dev := models.Device{Project: "3", InternalCode: "EST-01", APIURL: "http://api/est-01"}
	f := newFixture(t, dev)
	f.fetcher.records[dev.APIURL] = []models.Record{models.RecordFrom("fecha", "2025-03-09", "v", "1")}

	eng := New(f.fetcher, f.writer, brokenBookmarks{}, Options{
		HistoryStart: models.MustParseDate("2025-01-01"),
		Now:          func() time.Time { return testNow },
	}, nil)

	out, err := eng.SyncDevice(context.Background(), dev)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.Equal(t, StatusWriteFailed, out.Status)
	assert.Len(t, out.Files, 1)
}

func TestRunIsolatesDeviceFailures(t *testing.T) {
	good := models.Device{Project: "1", InternalCode: "A", APIURL: "http://api/a"}
	bad := models.Device{Project: "1", InternalCode: "B", APIURL: "http://api/b"}
	idle := models.Device{Project: "2", InternalCode: "C", APIURL: "http://api/c", LastSynced: datePtr("2025-03-10")}
	f := newFixture(t, good, bad, idle)
	f.fetcher.records[good.APIURL] = []models.Record{models.RecordFrom("fecha", "2025-03-09", "v", "1")}
	f.fetcher.errs[bad.APIURL] = errors.New("HTTP 500")

	report, err := f.engine(Options{Workers: 3}).Run(context.Background(), f.reg.Devices(), nil)
	require.NoError(t, err)

	require.Len(t, report.Outcomes, 3)
	assert.Equal(t, StatusSynced, report.Outcomes[0].Status)
	assert.Equal(t, StatusFetchFailed, report.Outcomes[1].Status)
	assert.Equal(t, StatusNoNewData, report.Outcomes[2].Status)
	assert.Equal(t, 1, report.Synced)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, 1, report.NoNewData)
	assert.Equal(t, 1, report.FilesWritten)
	assert.NotEmpty(t, report.RunID)

	assert.NotNil(t, f.bookmark(t, good.Key()))
	assert.Nil(t, f.bookmark(t, bad.Key()))
}

func TestRunConcurrentWorkersPersistAllBookmarks(t *testing.T) {
	var devices []models.Device
	for _, code := range []string{"A", "B", "C", "D", "E", "F"} {
		devices = append(devices, models.Device{Project: "9", InternalCode: code, APIURL: "http://api/" + code})
	}
	f := newFixture(t, devices...)
	for _, d := range devices {
		f.fetcher.records[d.APIURL] = []models.Record{models.RecordFrom("fecha", "2025-03-09", "id", d.InternalCode)}
	}

	report, err := f.engine(Options{Workers: 4}).Run(context.Background(), f.reg.Devices(), nil)
	require.NoError(t, err)
	assert.Equal(t, len(devices), report.Synced)

	reloaded, err := registry.Load(f.reg.Path())
	require.NoError(t, err)
	for _, d := range reloaded.Devices() {
		require.NotNil(t, d.LastSynced, d.InternalCode)
		assert.Equal(t, "2025-03-10", d.LastSynced.String())
	}
}

func TestRunEmitsEvents(t *testing.T) {
	dev := models.Device{Project: "1", InternalCode: "A", APIURL: "http://api/a"}
	f := newFixture(t, dev)

	events := make(chan Event, 16)
	report, err := f.engine(Options{}).Run(context.Background(), f.reg.Devices(), events)
	require.NoError(t, err)
	close(events)

	var kinds []EventKind
	for ev := range events {
		assert.Equal(t, report.RunID, ev.RunID)
		kinds = append(kinds, ev.Kind)
	}
	assert.Equal(t, []EventKind{EventRunStarted, EventDeviceStarted, EventDeviceFinished, EventRunFinished}, kinds)
}

func TestRunCancelledBeforeStart(t *testing.T) {
	dev := models.Device{Project: "1", InternalCode: "A", APIURL: "http://api/a"}
	f := newFixture(t, dev)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report, err := f.engine(Options{}).Run(ctx, f.reg.Devices(), nil)
	require.NoError(t, err)
	require.Len(t, report.Outcomes, 1)
	assert.Equal(t, StatusCancelled, report.Outcomes[0].Status)
	assert.Equal(t, 1, report.Failed)
	assert.Empty(t, f.fetcher.Calls())
}

func TestRunStopsOnBookmarkFailure(t *testing.T) {
	dev := models.Device{Project: "1", InternalCode: "A", APIURL: "http://api/a"}
	f := newFixture(t, dev)
	f.fetcher.records[dev.APIURL] = []models.Record{models.RecordFrom("fecha", "2025-03-09", "v", "1")}

	eng := New(f.fetcher, f.writer, brokenBookmarks{}, Options{
		HistoryStart: models.MustParseDate("2025-01-01"),
		Now:          func() time.Time { return testNow },
	}, nil)

	report, err := eng.Run(context.Background(), f.reg.Devices(), nil)
	require.Error(t, err)
	assert.Equal(t, 1, report.Failed)
}
