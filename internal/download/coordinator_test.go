package download

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/valpere/tile_packer/internal"
	"github.com/valpere/tile_packer/internal/codec"
	"github.com/valpere/tile_packer/internal/config"
	"github.com/valpere/tile_packer/internal/metrics"
	"github.com/valpere/tile_packer/internal/output"
	"github.com/valpere/tile_packer/internal/spatial"
	"github.com/valpere/tile_packer/internal/storage"
	"github.com/valpere/tile_packer/internal/tile"
)

func newCoordinator(chunk int) *Coordinator {
	return NewCoordinator(Options{
		ChunkSize:   chunk,
		Concurrency: 4,
		Remover:     output.NewRemover(5, time.Millisecond, nil),
	})
}

func httpSource(t *testing.T, handler http.HandlerFunc) *tile.HTTPFetcher {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	cfg, err := config.LoadFrom(viper.New())
	require.NoError(t, err)
	cfg.Server.BaseURL = server.URL
	cfg.Server.RetryDelay = time.Millisecond

	f, err := tile.NewHTTPFetcher(cfg, nil, nil)
	require.NoError(t, err)
	return f
}

func meshSource(t *testing.T, fetch tile.FetchFunc) *tile.MeshFetcher {
	t.Helper()
	f, err := tile.NewMeshFetcher("a1b2c3", fetch, nil, nil)
	require.NoError(t, err)
	return f
}

// singleTileRequest targets a 1 km radius around the centre of z10 tile 512/512
func singleTileRequest(dir string) (RegionRequest, spatial.TileCoord) {
	coord := spatial.TileCoord{Z: 10, X: 512, Y: 512}
	lat, lon := spatial.TileCenter(coord)
	return RegionRequest{
		Name:      "single tile",
		CenterLat: lat,
		CenterLon: lon,
		RadiusKm:  1,
		MinZoom:   10,
		MaxZoom:   10,
		OutputDir: dir,
	}, coord
}

// meshRequest spans several precision-5 geohash cells
func meshRequest(dir string) RegionRequest {
	return RegionRequest{
		Name:      "mesh",
		CenterLat: 37.7749,
		CenterLon: -122.4194,
		RadiusKm:  5,
		MinZoom:   10,
		MaxZoom:   14,
		OutputDir: dir,
	}
}

func mbtilesIn(t *testing.T, dir string) []string {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(dir, "*"))
	require.NoError(t, err)
	return matches
}

func TestDownloadRegion_SingleTile(t *testing.T) {
	dir := t.TempDir()
	req, coord := singleTileRequest(dir)

	src := httpSource(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/10/512/512.pbf", r.URL.Path)
		w.Write([]byte("vector tile"))
	})

	c := newCoordinator(DefaultChunkSize)

	est, err := c.EstimateDownload(req, src)
	require.NoError(t, err)
	assert.Equal(t, int64(1), est.Tiles)
	assert.Equal(t, int64(15000), est.Bytes)

	path, err := c.DownloadRegion(context.Background(), req, src)
	require.NoError(t, err)
	assert.Equal(t, dir, filepath.Dir(path))
	assert.Regexp(t, `^singletile_\d+\.mbtiles$`, filepath.Base(path))

	p := c.Progress()
	assert.Equal(t, StatusComplete, p.Status)
	assert.Equal(t, int64(1), p.TotalUnits)
	assert.Equal(t, int64(1), p.CompletedUnits)
	assert.Equal(t, int64(1), p.StoredTiles)
	assert.Equal(t, int64(len("vector tile")), p.BytesDownloaded)
	assert.Equal(t, uint32(10), p.CurrentZoom)
	assert.Equal(t, path, p.OutputPath)
	assert.NotEmpty(t, p.ID)

	r, err := storage.Open(path)
	require.NoError(t, err)
	defer r.Close()

	counts, err := r.CountByZoom()
	require.NoError(t, err)
	assert.Equal(t, map[uint32]int64{10: 1}, counts)

	data, err := r.ReadTile(coord)
	require.NoError(t, err)
	assert.Equal(t, []byte("vector tile"), data)

	meta, err := r.Metadata()
	require.NoError(t, err)
	assert.Equal(t, "10", meta["minzoom"])
	assert.Equal(t, "10", meta["maxzoom"])
	assert.Equal(t, "single tile", meta["name"])
	assert.Equal(t, "pbf", meta["format"])
	assert.NotEmpty(t, meta["bounds"])
	assert.NotEmpty(t, meta["center"])
}

func TestDownloadRegion_CancelCleansUp(t *testing.T) {
	dir := t.TempDir()
	var c *Coordinator
	var requests atomic.Int32

	src := httpSource(t, func(w http.ResponseWriter, r *http.Request) {
		if requests.Add(1) == 1 {
			c.Cancel()
		}
		w.Write([]byte("tile"))
	})
	c = newCoordinator(2)

	req := RegionRequest{
		Name:      "cancel me",
		CenterLat: 48.8566,
		CenterLon: 2.3522,
		RadiusKm:  5,
		MinZoom:   12,
		MaxZoom:   14,
		OutputDir: dir,
	}
	est, err := c.EstimateDownload(req, src)
	require.NoError(t, err)
	require.Greater(t, est.Tiles, int64(4))

	path, err := c.DownloadRegion(context.Background(), req, src)
	assert.ErrorIs(t, err, ErrCancelled)
	assert.Empty(t, path)

	p := c.Progress()
	assert.Equal(t, StatusCancelled, p.Status)
	assert.Empty(t, p.ErrorMessage)
	assert.Less(t, p.CompletedUnits, est.Tiles)
	assert.Less(t, int64(requests.Load()), est.Tiles)
	assert.Empty(t, mbtilesIn(t, dir))
}

func TestDownloadRegion_ContextCancel(t *testing.T) {
	dir := t.TempDir()
	req, _ := singleTileRequest(dir)

	src := httpSource(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("tile"))
	})
	c := newCoordinator(DefaultChunkSize)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.DownloadRegion(ctx, req, src)
	assert.ErrorIs(t, err, ErrCancelled)
	assert.Equal(t, StatusCancelled, c.Progress().Status)
	assert.Empty(t, mbtilesIn(t, dir))
}

func TestCancel_WhileIdleStopsNextDownload(t *testing.T) {
	dir := t.TempDir()
	req, _ := singleTileRequest(dir)

	var requests atomic.Int32
	src := httpSource(t, func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.Write([]byte("tile"))
	})
	c := newCoordinator(DefaultChunkSize)

	c.Cancel()
	_, err := c.DownloadRegion(context.Background(), req, src)
	require.ErrorIs(t, err, ErrCancelled)
	assert.Equal(t, StatusCancelled, c.Progress().Status)
	assert.Zero(t, requests.Load())
	assert.Empty(t, mbtilesIn(t, dir))

	// the request is consumed by the run it stopped
	_, err = c.DownloadRegion(context.Background(), req, src)
	require.NoError(t, err)

	// Reset drops a pending request
	c.Cancel()
	require.NoError(t, c.Reset())
	_, err = c.DownloadRegion(context.Background(), req, src)
	require.NoError(t, err)
	assert.Equal(t, int32(2), requests.Load())
}

func TestDownloadRegion_StorageFailure(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "not-a-dir")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o644))

	req, _ := singleTileRequest(blocker)
	src := httpSource(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("tile"))
	})
	c := newCoordinator(DefaultChunkSize)

	path, err := c.DownloadRegion(context.Background(), req, src)
	assert.Empty(t, path)
	assert.False(t, errors.Is(err, ErrCancelled))

	var appErr *internal.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, internal.ErrorCodeStorage, appErr.Code)

	p := c.Progress()
	assert.Equal(t, StatusError, p.Status)
	assert.NotEmpty(t, p.ErrorMessage)
	assert.False(t, c.Running())
	assert.Equal(t, []string{blocker}, mbtilesIn(t, dir))
}

func TestDownloadRegion_MeshCancel(t *testing.T) {
	dir := t.TempDir()
	payload, err := codec.Encode([]codec.Tile{{Coord: spatial.TileCoord{Z: 10, X: 1, Y: 1}, Data: []byte("x")}})
	require.NoError(t, err)

	var c *Coordinator
	var calls atomic.Int32
	src := meshSource(t, func(ctx context.Context, geohash string, minZoom, maxZoom uint32) ([]byte, error) {
		calls.Add(1)
		c.Cancel()
		return payload, nil
	})
	c = newCoordinator(DefaultChunkSize)
	req := meshRequest(dir)

	est, err := c.EstimateDownload(req, src)
	require.NoError(t, err)
	require.GreaterOrEqual(t, est.Cells, 2)

	path, err := c.DownloadRegion(context.Background(), req, src)
	assert.ErrorIs(t, err, ErrCancelled)
	assert.Empty(t, path)
	assert.Equal(t, int32(1), calls.Load())

	p := c.Progress()
	assert.Equal(t, StatusCancelled, p.Status)
	assert.Empty(t, p.ErrorMessage)
	assert.Equal(t, int64(1), p.CompletedUnits)
	assert.Empty(t, mbtilesIn(t, dir))
}

func TestDownloadRegion_FailedTilesDoNotAbort(t *testing.T) {
	dir := t.TempDir()
	broken := spatial.LatLonToTile(48.8566, 2.3522, 13)
	brokenPath := fmt.Sprintf("/%d/%d/%d.pbf", broken.Z, broken.X, broken.Y)

	var n atomic.Int32
	src := httpSource(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case brokenPath:
			w.WriteHeader(http.StatusInternalServerError)
		default:
			if n.Add(1)%2 == 0 {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			w.Write([]byte("tile"))
		}
	})

	collector := metrics.New()
	c := NewCoordinator(Options{
		ChunkSize: 3,
		Metrics:   collector,
		Remover:   output.NewRemover(5, time.Millisecond, nil),
	})

	req := RegionRequest{
		Name:      "paris",
		CenterLat: 48.8566,
		CenterLon: 2.3522,
		RadiusKm:  3,
		MinZoom:   12,
		MaxZoom:   13,
		OutputDir: dir,
	}
	path, err := c.DownloadRegion(context.Background(), req, src)
	require.NoError(t, err)

	p := c.Progress()
	assert.Equal(t, StatusComplete, p.Status)
	assert.Equal(t, int64(1), p.FailedUnits)
	assert.Equal(t, p.TotalUnits, p.CompletedUnits+p.FailedUnits)
	assert.LessOrEqual(t, p.StoredTiles, p.CompletedUnits)

	r, err := storage.Open(path)
	require.NoError(t, err)
	defer r.Close()
	count, err := r.TileCount()
	require.NoError(t, err)
	assert.Equal(t, p.StoredTiles, count)

	assert.Equal(t, float64(1), testutil.ToFloat64(collector.Downloads.WithLabelValues("complete")))
}

func TestDownloadRegion_MeshDedupKeepsFirst(t *testing.T) {
	dir := t.TempDir()
	coord := spatial.TileCoord{Z: 12, X: 100, Y: 200}

	first, err := codec.Encode([]codec.Tile{{Coord: coord, Data: []byte("first")}})
	require.NoError(t, err)
	second, err := codec.Encode([]codec.Tile{
		{Coord: coord, Data: []byte("second")},
		{Coord: spatial.TileCoord{Z: 12, X: 101, Y: 200}, Data: []byte("other")},
	})
	require.NoError(t, err)

	var calls atomic.Int32
	src := meshSource(t, func(ctx context.Context, geohash string, minZoom, maxZoom uint32) ([]byte, error) {
		switch calls.Add(1) {
		case 1:
			return first, nil
		case 2:
			return second, nil
		default:
			return nil, nil
		}
	})

	req := meshRequest(dir)

	c := newCoordinator(DefaultChunkSize)
	est, err := c.EstimateDownload(req, src)
	require.NoError(t, err)
	require.GreaterOrEqual(t, est.Cells, 2)
	assert.Equal(t, 5, est.Precision)

	path, err := c.DownloadRegion(context.Background(), req, src)
	require.NoError(t, err)
	assert.Equal(t, int32(est.Cells), calls.Load())

	p := c.Progress()
	assert.Equal(t, StatusComplete, p.Status)
	assert.Equal(t, int64(est.Cells), p.TotalUnits)
	assert.Equal(t, int64(2), p.StoredTiles)

	r, err := storage.Open(path)
	require.NoError(t, err)
	defer r.Close()

	count, err := r.TileCount()
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	data, err := r.ReadTile(coord)
	require.NoError(t, err)
	assert.Equal(t, []byte("first"), data)
}

func TestDownloadRegion_MeshEmptyIsError(t *testing.T) {
	dir := t.TempDir()
	src := meshSource(t, func(ctx context.Context, geohash string, minZoom, maxZoom uint32) ([]byte, error) {
		return nil, nil
	})
	req, _ := singleTileRequest(dir)

	c := newCoordinator(DefaultChunkSize)
	_, err := c.DownloadRegion(context.Background(), req, src)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoTiles)
	assert.False(t, errors.Is(err, ErrCancelled))

	p := c.Progress()
	assert.Equal(t, StatusError, p.Status)
	assert.Contains(t, p.ErrorMessage, "No tiles received from RMSP server")
	assert.Empty(t, mbtilesIn(t, dir))
}

func TestDownloadRegion_MeshFailuresCounted(t *testing.T) {
	dir := t.TempDir()
	ok, err := codec.Encode([]codec.Tile{{Coord: spatial.TileCoord{Z: 10, X: 1, Y: 1}, Data: []byte("x")}})
	require.NoError(t, err)

	var calls atomic.Int32
	src := meshSource(t, func(ctx context.Context, geohash string, minZoom, maxZoom uint32) ([]byte, error) {
		if calls.Add(1) == 1 {
			return nil, errors.New("link timeout")
		}
		return ok, nil
	})
	req := meshRequest(dir)

	c := newCoordinator(DefaultChunkSize)
	_, err = c.DownloadRegion(context.Background(), req, src)
	require.NoError(t, err)
	assert.Equal(t, int64(1), c.Progress().FailedUnits)
}

func TestDownloadRegion_Validation(t *testing.T) {
	c := newCoordinator(DefaultChunkSize)
	src := meshSource(t, func(ctx context.Context, geohash string, minZoom, maxZoom uint32) ([]byte, error) {
		return nil, nil
	})

	bad := []RegionRequest{
		{CenterLat: 91, RadiusKm: 1, OutputDir: "x"},
		{CenterLon: -181, RadiusKm: 1, OutputDir: "x"},
		{RadiusKm: 0, OutputDir: "x"},
		{RadiusKm: 1, MinZoom: 5, MaxZoom: 4, OutputDir: "x"},
		{RadiusKm: 1, MaxZoom: 23, OutputDir: "x"},
		{RadiusKm: 1},
	}
	for _, req := range bad {
		_, err := c.DownloadRegion(context.Background(), req, src)
		var appErr *internal.Error
		require.ErrorAs(t, err, &appErr)
		assert.Equal(t, internal.ErrorCodeValidation, appErr.Code)
	}
	assert.Equal(t, StatusIdle, c.Progress().Status)
}

func TestReset_Idempotent(t *testing.T) {
	dir := t.TempDir()
	req, _ := singleTileRequest(dir)
	c := newCoordinator(DefaultChunkSize)

	assertIdle := func() {
		t.Helper()
		require.NoError(t, c.Reset())
		p := c.Progress()
		assert.Equal(t, StatusIdle, p.Status)
		assert.Zero(t, p.TotalUnits)
		assert.Zero(t, p.CompletedUnits)
		assert.Zero(t, p.FailedUnits)
		assert.Zero(t, p.StoredTiles)
		assert.Zero(t, p.BytesDownloaded)
		assert.Empty(t, p.ErrorMessage)
		assert.Empty(t, p.OutputPath)
	}

	assertIdle()
	assertIdle()

	// after Complete
	ok := httpSource(t, func(w http.ResponseWriter, r *http.Request) { w.Write([]byte("t")) })
	_, err := c.DownloadRegion(context.Background(), req, ok)
	require.NoError(t, err)
	require.Equal(t, StatusComplete, c.Progress().Status)
	assertIdle()

	// after Error
	empty := meshSource(t, func(ctx context.Context, geohash string, minZoom, maxZoom uint32) ([]byte, error) {
		return nil, nil
	})
	_, err = c.DownloadRegion(context.Background(), req, empty)
	require.Error(t, err)
	require.Equal(t, StatusError, c.Progress().Status)
	assertIdle()

	// after Cancelled
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = c.DownloadRegion(ctx, req, ok)
	require.ErrorIs(t, err, ErrCancelled)
	assertIdle()
}

func TestDownloadRegion_RejectsConcurrentUse(t *testing.T) {
	dir := t.TempDir()
	req, _ := singleTileRequest(dir)

	release := make(chan struct{})
	entered := make(chan struct{}, 1)
	src := httpSource(t, func(w http.ResponseWriter, r *http.Request) {
		entered <- struct{}{}
		<-release
		w.Write([]byte("t"))
	})

	c := newCoordinator(DefaultChunkSize)
	done := make(chan error, 1)
	go func() {
		_, err := c.DownloadRegion(context.Background(), req, src)
		done <- err
	}()

	<-entered
	assert.True(t, c.Running())
	assert.ErrorIs(t, c.Reset(), ErrDownloadInProgress)
	_, err := c.DownloadRegion(context.Background(), req, src)
	assert.ErrorIs(t, err, ErrDownloadInProgress)

	close(release)
	require.NoError(t, <-done)
	assert.False(t, c.Running())
	assert.NoError(t, c.Reset())
}

func TestSubscribe_SeesLifecycle(t *testing.T) {
	dir := t.TempDir()
	req, _ := singleTileRequest(dir)
	src := httpSource(t, func(w http.ResponseWriter, r *http.Request) { w.Write([]byte("t")) })

	c := newCoordinator(DefaultChunkSize)
	updates, unsubscribe := c.Subscribe(64)

	_, err := c.DownloadRegion(context.Background(), req, src)
	require.NoError(t, err)
	unsubscribe()
	unsubscribe()

	var statuses []Status
	for p := range updates {
		if len(statuses) == 0 || statuses[len(statuses)-1] != p.Status {
			statuses = append(statuses, p.Status)
		}
	}
	assert.Equal(t, []Status{
		StatusIdle,
		StatusCalculating,
		StatusDownloading,
		StatusWriting,
		StatusComplete,
	}, statuses)
}

func TestSubscribe_SlowReaderGetsLatest(t *testing.T) {
	c := newCoordinator(DefaultChunkSize)
	updates, unsubscribe := c.Subscribe(1)
	defer unsubscribe()

	for i := 0; i < 5; i++ {
		c.publish(&Progress{Status: StatusDownloading, CompletedUnits: int64(i)})
	}
	p := <-updates
	assert.Equal(t, int64(4), p.CompletedUnits)
}

func TestStatusTransitions(t *testing.T) {
	assert.True(t, StatusIdle.CanTransition(StatusCalculating))
	assert.True(t, StatusDownloading.CanTransition(StatusCancelled))
	assert.True(t, StatusDownloading.CanTransition(StatusError))
	assert.True(t, StatusWriting.CanTransition(StatusError))
	assert.True(t, StatusCancelled.CanTransition(StatusIdle))
	assert.False(t, StatusIdle.CanTransition(StatusComplete))
	assert.False(t, StatusComplete.CanTransition(StatusDownloading))
	assert.False(t, StatusWriting.CanTransition(StatusDownloading))

	assert.True(t, StatusError.Terminal())
	assert.False(t, StatusWriting.Terminal())
	assert.True(t, StatusWriting.Active())
}

func TestProgressFraction(t *testing.T) {
	assert.Zero(t, Progress{}.Fraction())
	assert.InDelta(t, 0.5, Progress{TotalUnits: 10, CompletedUnits: 4, FailedUnits: 1}.Fraction(), 1e-9)
}
