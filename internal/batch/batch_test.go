package batch

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/valpere/tile_packer/internal"
	"github.com/valpere/tile_packer/internal/codec"
	"github.com/valpere/tile_packer/internal/download"
	"github.com/valpere/tile_packer/internal/output"
	"github.com/valpere/tile_packer/internal/spatial"
	"github.com/valpere/tile_packer/internal/tile"
)

// fakeDownloader answers DownloadRegion from a per-region script
type fakeDownloader struct {
	mu       sync.Mutex
	results  map[string]error
	calls    []string
	resets   int
	progress download.Progress
	onStart  func(name string)
	cancels  int
}

func (f *fakeDownloader) DownloadRegion(ctx context.Context, req download.RegionRequest, src tile.Source) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req.Name)
	f.progress = download.Progress{Status: download.StatusDownloading, Source: "http", TotalUnits: 4}
	onStart := f.onStart
	err := f.results[req.Name]
	f.mu.Unlock()

	if onStart != nil {
		onStart(req.Name)
	}
	if ctx.Err() != nil {
		err = download.ErrCancelled
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	switch {
	case err == nil:
		f.progress.Status = download.StatusComplete
		f.progress.CompletedUnits = 4
		f.progress.BytesDownloaded = 100
		return req.OutputDir + "/" + req.Name + ".mbtiles", nil
	case errors.Is(err, download.ErrCancelled):
		f.progress.Status = download.StatusCancelled
	default:
		f.progress.Status = download.StatusError
		f.progress.ErrorMessage = err.Error()
	}
	return "", err
}

func (f *fakeDownloader) Progress() download.Progress {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.progress
}

func (f *fakeDownloader) Cancel() {
	f.mu.Lock()
	f.cancels++
	f.mu.Unlock()
}

func (f *fakeDownloader) Reset() error {
	f.mu.Lock()
	f.resets++
	f.progress = download.Progress{Status: download.StatusIdle}
	f.mu.Unlock()
	return nil
}

func region(name string) download.RegionRequest {
	return download.RegionRequest{
		Name:      name,
		CenterLat: 50.45,
		CenterLon: 30.52,
		RadiusKm:  2,
		MinZoom:   10,
		MaxZoom:   12,
		OutputDir: "/maps",
	}
}

func TestQueue_RunsInOrder(t *testing.T) {
	fake := &fakeDownloader{results: map[string]error{
		"broken": internal.NewError(internal.ErrorCodeStorage, "disk full", nil),
	}}
	q := NewQueue(fake, nil, nil)

	for _, name := range []string{"kyiv", "broken", "lviv"} {
		job, err := q.Submit(region(name))
		require.NoError(t, err)
		assert.Equal(t, JobStatusPending, job.Status)
		assert.NotEmpty(t, job.ID)
	}

	err := q.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken")
	assert.Contains(t, err.Error(), "disk full")

	assert.Equal(t, []string{"kyiv", "broken", "lviv"}, fake.calls)
	assert.Equal(t, 3, fake.resets)

	jobs := q.List()
	require.Len(t, jobs, 3)
	assert.Equal(t, JobStatusCompleted, jobs[0].Status)
	assert.Equal(t, "/maps/kyiv.mbtiles", jobs[0].Path)
	assert.Equal(t, int64(4), jobs[0].Progress.CompletedUnits)
	assert.NotNil(t, jobs[0].StartedAt)
	assert.NotNil(t, jobs[0].CompletedAt)

	assert.Equal(t, JobStatusFailed, jobs[1].Status)
	assert.Equal(t, "disk full", jobs[1].Error)
	assert.Empty(t, jobs[1].Path)

	assert.Equal(t, JobStatusCompleted, jobs[2].Status)

	stats := q.Statistics()
	assert.Equal(t, 2, stats[JobStatusCompleted])
	assert.Equal(t, 1, stats[JobStatusFailed])
	assert.Equal(t, 0, stats[JobStatusPending])
}

func TestQueue_SubmitRejectsInvalid(t *testing.T) {
	q := NewQueue(&fakeDownloader{}, nil, nil)

	bad := region("bad")
	bad.MinZoom = 15
	_, err := q.Submit(bad)

	var appErr *internal.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, internal.ErrorCodeValidation, appErr.Code)
	assert.Empty(t, q.List())
}

func TestQueue_CancelPendingAndRunning(t *testing.T) {
	fake := &fakeDownloader{}
	q := NewQueue(fake, nil, nil)

	first, err := q.Submit(region("first"))
	require.NoError(t, err)
	second, err := q.Submit(region("second"))
	require.NoError(t, err)

	fake.onStart = func(name string) {
		if name == "first" {
			assert.NoError(t, q.Cancel(first.ID))
			assert.NoError(t, q.Cancel(second.ID))
		}
	}

	require.NoError(t, q.Run(context.Background()))
	assert.Equal(t, []string{"first"}, fake.calls)
	assert.Equal(t, 1, fake.cancels)

	job, err := q.Get(second.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusCanceled, job.Status)
	assert.Nil(t, job.StartedAt)

	// the fake ignores Cancel, so the running job still completes
	job, err = q.Get(first.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusCompleted, job.Status)

	err = q.Cancel(first.ID)
	var appErr *internal.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, internal.ErrorCodeValidation, appErr.Code)
}

func TestQueue_ContextCancelStopsRun(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	fake := &fakeDownloader{}
	fake.onStart = func(string) { cancel() }

	q := NewQueue(fake, nil, nil)
	a, err := q.Submit(region("a"))
	require.NoError(t, err)
	b, err := q.Submit(region("b"))
	require.NoError(t, err)

	err = q.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)

	job, _ := q.Get(a.ID)
	assert.Equal(t, JobStatusCanceled, job.Status)
	job, _ = q.Get(b.ID)
	assert.Equal(t, JobStatusPending, job.Status)
}

func TestQueue_GetMissing(t *testing.T) {
	q := NewQueue(&fakeDownloader{}, nil, nil)
	_, err := q.Get("nope")

	var appErr *internal.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, internal.ErrorCodeNotFound, appErr.Code)
	assert.Error(t, q.Cancel("nope"))
}

func TestJob_Summary(t *testing.T) {
	fake := &fakeDownloader{}
	q := NewQueue(fake, nil, nil)
	_, err := q.Submit(region("kyiv"))
	require.NoError(t, err)
	require.NoError(t, q.Run(context.Background()))

	job := q.List()[0]
	s := job.Summary()
	assert.Equal(t, job.ID, s.ID)
	assert.Equal(t, "kyiv", s.Name)
	assert.Equal(t, "http", s.Source)
	assert.Equal(t, "completed", s.Status)
	assert.Equal(t, int64(4), s.TotalUnits)
	assert.Equal(t, int64(100), s.Bytes)
	assert.GreaterOrEqual(t, s.Duration.Nanoseconds(), int64(0))
}

func TestJobStatus_IsValid(t *testing.T) {
	for _, s := range []JobStatus{JobStatusPending, JobStatusRunning, JobStatusCompleted, JobStatusFailed, JobStatusCanceled} {
		assert.True(t, s.IsValid(), s)
	}
	assert.False(t, JobStatus("paused").IsValid())
}

const regionsYAML = `
defaults:
  radius_km: 5
  min_zoom: 8
  max_zoom: 12
  output_dir: /data/maps
regions:
  - name: kyiv
    center_lat: 50.45
    center_lon: 30.52
  - name: lviv
    center_lat: 49.84
    center_lon: 24.03
    radius_km: 2.5
    min_zoom: 0
    output_dir: /tmp/lviv
  - center_lat: 46.48
    center_lon: 30.72
`

func TestLoadRegions(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/regions.yaml", []byte(regionsYAML), 0o644))

	regions, err := LoadRegions(fs, "/regions.yaml", ".")
	require.NoError(t, err)
	require.Len(t, regions, 3)

	assert.Equal(t, download.RegionRequest{
		Name: "kyiv", CenterLat: 50.45, CenterLon: 30.52,
		RadiusKm: 5, MinZoom: 8, MaxZoom: 12, OutputDir: "/data/maps",
	}, regions[0])

	assert.Equal(t, 2.5, regions[1].RadiusKm)
	assert.Equal(t, uint32(0), regions[1].MinZoom)
	assert.Equal(t, uint32(12), regions[1].MaxZoom)
	assert.Equal(t, "/tmp/lviv", regions[1].OutputDir)

	assert.Equal(t, "region_3", regions[2].Name)
}

func TestParseRegions_Errors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"empty", "regions: []\n"},
		{"unknown field", "regions:\n  - name: a\n    lat: 1\n"},
		{"missing centre", "regions:\n  - name: a\n    center_lat: 1\n"},
		{"invalid zoom", "defaults:\n  radius_km: 1\nregions:\n  - center_lat: 1\n    center_lon: 1\n    min_zoom: 9\n    max_zoom: 3\n"},
		{"no radius", "regions:\n  - center_lat: 1\n    center_lon: 1\n"},
		{"not yaml", "regions: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseRegions([]byte(tt.doc), ".")
			assert.Error(t, err)
		})
	}
}

func TestParseRegions_FallbackDir(t *testing.T) {
	regions, err := ParseRegions([]byte("regions:\n  - center_lat: 1\n    center_lon: 2\n    radius_km: 1\n"), "/out")
	require.NoError(t, err)
	assert.Equal(t, "/out", regions[0].OutputDir)
}

func TestLoadRegions_MissingFile(t *testing.T) {
	_, err := LoadRegions(afero.NewMemMapFs(), "/missing.yaml", ".")
	assert.Error(t, err)
}

func TestQueue_FailFast(t *testing.T) {
	fake := &fakeDownloader{results: map[string]error{
		"broken": errors.New("boom"),
	}}
	q := NewQueue(fake, nil, nil).WithFailFast(true)

	for _, name := range []string{"ok", "broken", "skipped"} {
		_, err := q.Submit(region(name))
		require.NoError(t, err)
	}

	require.Error(t, q.Run(context.Background()))
	assert.Equal(t, []string{"ok", "broken"}, fake.calls)

	jobs := q.List()
	assert.Equal(t, JobStatusCompleted, jobs[0].Status)
	assert.Equal(t, JobStatusFailed, jobs[1].Status)
	assert.Equal(t, JobStatusCanceled, jobs[2].Status)
}

// hookedCoordinator runs a real coordinator with hooks before Reset and
// DownloadRegion
type hookedCoordinator struct {
	*download.Coordinator
	beforeReset    func()
	beforeDownload func()
}

func (h *hookedCoordinator) Reset() error {
	if h.beforeReset != nil {
		h.beforeReset()
	}
	return h.Coordinator.Reset()
}

func (h *hookedCoordinator) DownloadRegion(ctx context.Context, req download.RegionRequest, src tile.Source) (string, error) {
	if h.beforeDownload != nil {
		h.beforeDownload()
	}
	return h.Coordinator.DownloadRegion(ctx, req, src)
}

func meshQueue(t *testing.T) (*Queue, *hookedCoordinator, *atomic.Int32, string) {
	t.Helper()
	payload, err := codec.Encode([]codec.Tile{{Coord: spatial.TileCoord{Z: 10, X: 597, Y: 346}, Data: []byte("tile")}})
	require.NoError(t, err)

	var fetches atomic.Int32
	src, err := tile.NewMeshFetcher("a1b2c3", func(ctx context.Context, geohash string, minZoom, maxZoom uint32) ([]byte, error) {
		fetches.Add(1)
		return payload, nil
	}, nil, nil)
	require.NoError(t, err)

	coord := &hookedCoordinator{Coordinator: download.NewCoordinator(download.Options{
		Remover: output.NewRemover(3, time.Millisecond, nil),
	})}
	return NewQueue(coord, src, nil), coord, &fetches, t.TempDir()
}

func TestQueue_CancelBeforeDownloadStarts(t *testing.T) {
	tests := []struct {
		name string
		hook func(h *hookedCoordinator, q *Queue)
	}{
		{"before reset", func(h *hookedCoordinator, q *Queue) { h.beforeReset = q.CancelAll }},
		{"after reset", func(h *hookedCoordinator, q *Queue) { h.beforeDownload = q.CancelAll }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q, coord, fetches, dir := meshQueue(t)
			tt.hook(coord, q)

			req := region("one")
			req.OutputDir = dir
			job, err := q.Submit(req)
			require.NoError(t, err)

			require.NoError(t, q.Run(context.Background()))

			job, err = q.Get(job.ID)
			require.NoError(t, err)
			assert.Equal(t, JobStatusCanceled, job.Status)
			assert.Empty(t, job.Path)
			assert.Zero(t, fetches.Load())

			entries, err := os.ReadDir(dir)
			require.NoError(t, err)
			assert.Empty(t, entries)
		})
	}
}
