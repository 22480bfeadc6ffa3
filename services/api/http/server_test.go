package http

import (
	"bytes"
	"context"
	"encoding/json"
	"iter"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cplus-sensores/colector/internal/app"
	"github.com/cplus-sensores/colector/internal/config"
	"github.com/cplus-sensores/colector/internal/journal"
	"github.com/cplus-sensores/colector/internal/models"
	"github.com/cplus-sensores/colector/internal/registry"
	"github.com/cplus-sensores/colector/internal/syncer"
)

type staticFetcher struct {
	calls atomic.Int32
}

func (f *staticFetcher) Records(_ context.Context, _ string, w models.Window) iter.Seq2[models.Record, error] {
	f.calls.Add(1)
	day := w.End.Add(-24 * time.Hour).Format("2006-01-02 15:04:05")
	return func(yield func(models.Record, error) bool) {
		yield(models.RecordFrom("fecha", day, "valor", "1.5"), nil)
	}
}

type blockingFetcher struct{}

func (blockingFetcher) Records(ctx context.Context, _ string, _ models.Window) iter.Seq2[models.Record, error] {
	return func(yield func(models.Record, error) bool) {
		<-ctx.Done()
		yield(models.Record{}, ctx.Err())
	}
}

type testEnv struct {
	server *Server
	app    *app.App
	cfg    config.Config
}

func newTestEnv(t *testing.T, fetcher syncer.Fetcher, devices ...models.Device) *testEnv {
	t.Helper()
	dir := t.TempDir()

	cfg := config.Default()
	cfg.DataDir = filepath.Join(dir, "datos")
	cfg.RegistryPath = filepath.Join(dir, "config.json")
	cfg.JournalPath = filepath.Join(dir, "colector.db")

	require.NoError(t, registry.Save(cfg.RegistryPath, devices))
	reg, err := registry.Load(cfg.RegistryPath)
	require.NoError(t, err)

	a := app.New(cfg, nil, reg, fetcher)
	j, err := journal.OpenSQLite(context.Background(), cfg.JournalPath)
	require.NoError(t, err)
	a.Journal = j
	t.Cleanup(a.Close)

	return &testEnv{server: New(cfg, a), app: a, cfg: cfg}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.server.Engine().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v))
}

var station = models.Device{Project: "3", InternalCode: "EST-01", APIURL: "http://api.example/est-01"}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t, &staticFetcher{})
	rec := env.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestBearerAuth(t *testing.T) {
	env := newTestEnv(t, &staticFetcher{})
	env.cfg.BearerToken = "secreto"
	env.server = New(env.cfg, env.app)

	rec := env.do(t, http.MethodGet, "/api/v1/devices", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/devices", nil)
	req.Header.Set("Authorization", "Bearer secreto")
	ok := httptest.NewRecorder()
	env.server.Engine().ServeHTTP(ok, req)
	assert.Equal(t, http.StatusOK, ok.Code)
	assert.Equal(t, "v1", ok.Header().Get("X-API-Version"))

	assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/healthz", nil).Code)
}

func TestDeviceCRUD(t *testing.T) {
	env := newTestEnv(t, &staticFetcher{})

	rec := env.do(t, http.MethodPost, "/api/v1/devices", station)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = env.do(t, http.MethodPost, "/api/v1/devices", station)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/v1/devices", models.Device{Project: "3", InternalCode: "../x"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/v1/devices", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Data []models.Device `json:"data"`
		Meta struct {
			Count int `json:"count"`
		} `json:"meta"`
	}
	decode(t, rec, &list)
	assert.Equal(t, 1, list.Meta.Count)
	assert.Equal(t, "EST-01", list.Data[0].InternalCode)

	updated := station
	updated.APIURL = "http://api.example/v2/est-01"
	rec = env.do(t, http.MethodPut, "/api/v1/devices/3/EST-01", updated)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/v1/devices/3/EST-01", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var one struct {
		Data models.Device `json:"data"`
	}
	decode(t, rec, &one)
	assert.Equal(t, updated.APIURL, one.Data.APIURL)

	// Persisted to the registry file.
	reloaded, err := registry.Load(env.cfg.RegistryPath)
	require.NoError(t, err)
	got, ok := reloaded.Get(station.Key())
	require.True(t, ok)
	assert.Equal(t, updated.APIURL, got.APIURL)

	rec = env.do(t, http.MethodPut, "/api/v1/devices/3/NOPE", updated)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, http.MethodDelete, "/api/v1/devices/3/EST-01", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = env.do(t, http.MethodDelete, "/api/v1/devices/3/EST-01", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = env.do(t, http.MethodGet, "/api/v1/devices/3/EST-01", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSyncRunLifecycle(t *testing.T) {
	fetcher := &staticFetcher{}
	env := newTestEnv(t, fetcher, station)

	rec := env.do(t, http.MethodPost, "/api/v1/sync", nil)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var started struct {
		Data SyncStatus `json:"data"`
	}
	decode(t, rec, &started)
	assert.NotEmpty(t, started.Data.RunID)
	assert.Equal(t, 1, started.Data.Total)

	env.server.sync.Wait()

	rec = env.do(t, http.MethodGet, "/api/v1/sync/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var status struct {
		Data struct {
			State    string `json:"state"`
			RunID    string `json:"run_id"`
			Done     int    `json:"done"`
			Outcomes []struct {
				Status string   `json:"status"`
				Files  []string `json:"files"`
			} `json:"outcomes"`
		} `json:"data"`
	}
	decode(t, rec, &status)
	assert.Equal(t, syncFinished, status.Data.State)
	assert.Equal(t, started.Data.RunID, status.Data.RunID)
	assert.Equal(t, 1, status.Data.Done)
	require.Len(t, status.Data.Outcomes, 1)
	assert.Equal(t, "synced", status.Data.Outcomes[0].Status)
	assert.Len(t, status.Data.Outcomes[0].Files, 1)
	assert.EqualValues(t, 1, fetcher.calls.Load())

	dev, ok := env.app.Registry.Get(station.Key())
	require.True(t, ok)
	require.NotNil(t, dev.LastSynced)

	rec = env.do(t, http.MethodGet, "/api/v1/runs", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var runs struct {
		Data []journal.Run `json:"data"`
	}
	decode(t, rec, &runs)
	require.Len(t, runs.Data, 1)
	assert.Equal(t, status.Data.RunID, runs.Data[0].ID)

	rec = env.do(t, http.MethodGet, "/api/v1/runs/"+status.Data.RunID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var run struct {
		Data journal.Run `json:"data"`
	}
	decode(t, rec, &run)
	require.Len(t, run.Data.Outcomes, 1)
	assert.Equal(t, "EST-01", run.Data.Outcomes[0].Code)

	rec = env.do(t, http.MethodGet, "/api/v1/runs/unknown", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/v1/inventory", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var inv struct {
		Meta struct {
			Projects int `json:"projects"`
			Devices  int `json:"devices"`
		} `json:"meta"`
	}
	decode(t, rec, &inv)
	assert.Equal(t, 1, inv.Meta.Projects)
	assert.Equal(t, 1, inv.Meta.Devices)
}

func TestSyncConflictAndCancel(t *testing.T) {
	env := newTestEnv(t, blockingFetcher{}, station)

	rec := env.do(t, http.MethodPost, "/api/v1/sync", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/v1/sync", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/v1/sync/cancel", nil)
	assert.Equal(t, http.StatusAccepted, rec.Code)

	env.server.sync.Wait()

	st := env.server.sync.Status()
	assert.Equal(t, syncCancelled, st.State)
	require.Len(t, st.Outcomes, 1)
	assert.Equal(t, "cancelled", string(st.Outcomes[0].Status))

	dev, _ := env.app.Registry.Get(station.Key())
	assert.Nil(t, dev.LastSynced)

	rec = env.do(t, http.MethodPost, "/api/v1/sync/cancel", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestSyncUnknownProject(t *testing.T) {
	env := newTestEnv(t, &staticFetcher{}, station)
	rec := env.do(t, http.MethodPost, "/api/v1/sync?project=99", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/v1/sync?dry_run=maybe", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
