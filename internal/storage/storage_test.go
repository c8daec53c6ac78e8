package storage

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/valpere/tile_packer/internal/spatial"
)

func newWriter(t *testing.T) (*Writer, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "out", "region.mbtiles")
	w, err := Create(path, nil)
	require.NoError(t, err)
	t.Cleanup(func() { w.Close() })
	return w, path
}

func TestWriter_RoundTrip(t *testing.T) {
	w, path := newWriter(t)

	meta := Metadata{
		Name:        "Test Region",
		Description: "unit test",
		MinZoom:     10,
		MaxZoom:     12,
		Bounds:      spatial.Bounds{North: 1, South: -1, East: 2, West: -2},
		Center:      Center{Lon: 0, Lat: 0, Zoom: 11},
	}
	require.NoError(t, w.WriteMetadata(meta))

	coord := spatial.TileCoord{Z: 10, X: 301, Y: 385}
	require.NoError(t, w.WriteTile(coord, []byte("tile")))
	require.NoError(t, w.Commit())
	require.NoError(t, w.Optimize(context.Background()))
	require.NoError(t, w.Close())

	r, err := Open(path)
	require.NoError(t, err)
	defer r.Close()

	md, err := r.Metadata()
	require.NoError(t, err)
	assert.Equal(t, "Test Region", md["name"])
	assert.Equal(t, "pbf", md["format"])
	assert.Equal(t, "10", md["minzoom"])
	assert.Equal(t, "12", md["maxzoom"])
	assert.Equal(t, "-2.000000,-1.000000,2.000000,1.000000", md["bounds"])
	assert.Equal(t, "0.000000,0.000000,11", md["center"])

	minZ, maxZ, err := r.ZoomRange()
	require.NoError(t, err)
	assert.Equal(t, uint32(10), minZ)
	assert.Equal(t, uint32(12), maxZ)

	data, err := r.ReadTile(coord)
	require.NoError(t, err)
	assert.Equal(t, []byte("tile"), data)

	_, err = r.ReadTile(spatial.TileCoord{Z: 10, X: 0, Y: 0})
	assert.ErrorIs(t, err, ErrTileNotFound)
}

func TestWriter_StoresTMSRows(t *testing.T) {
	w, path := newWriter(t)
	require.NoError(t, w.WriteTile(spatial.TileCoord{Z: 3, X: 1, Y: 2}, []byte{1}))
	require.NoError(t, w.Commit())
	require.NoError(t, w.Close())

	db, err := sql.Open(driverName, path)
	require.NoError(t, err)
	defer db.Close()

	var row int
	require.NoError(t, db.QueryRow(`SELECT tile_row FROM tiles WHERE zoom_level = 3 AND tile_column = 1`).Scan(&row))
	assert.Equal(t, 5, row)
}

func TestWriter_LastWriteWins(t *testing.T) {
	w, path := newWriter(t)
	coord := spatial.TileCoord{Z: 12, X: 100, Y: 200}
	require.NoError(t, w.WriteTile(coord, []byte("first")))
	require.NoError(t, w.WriteTile(coord, []byte("second")))
	require.NoError(t, w.Commit())
	require.NoError(t, w.Close())

	r, err := Open(path)
	require.NoError(t, err)
	defer r.Close()

	n, err := r.TileCount()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	data, err := r.ReadTile(coord)
	require.NoError(t, err)
	assert.Equal(t, []byte("second"), data)
}

func TestWriter_CloseWithoutCommitRollsBack(t *testing.T) {
	w, path := newWriter(t)
	require.NoError(t, w.WriteTile(spatial.TileCoord{Z: 1, X: 1, Y: 1}, []byte{1}))
	require.NoError(t, w.Close())

	r, err := Open(path)
	require.NoError(t, err)
	defer r.Close()

	n, err := r.TileCount()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestWriter_CloseIsIdempotent(t *testing.T) {
	w, _ := newWriter(t)
	require.NoError(t, w.Close())
	require.NoError(t, w.Close())

	assert.ErrorIs(t, w.WriteTile(spatial.TileCoord{}, nil), ErrClosed)
	assert.ErrorIs(t, w.Commit(), ErrClosed)
	assert.ErrorIs(t, w.Optimize(context.Background()), ErrClosed)
}

func TestWriter_OptimizeBeforeCommit(t *testing.T) {
	w, _ := newWriter(t)
	assert.ErrorIs(t, w.Optimize(context.Background()), ErrNotCommitted)
}

func TestWriter_RejectsInvalidCoordinate(t *testing.T) {
	w, _ := newWriter(t)
	assert.Error(t, w.WriteTile(spatial.TileCoord{Z: 2, X: 4, Y: 0}, nil))
	assert.Error(t, w.WriteTile(spatial.TileCoord{Z: 23}, nil))
}

func TestWriter_SchemaIsIdempotent(t *testing.T) {
	w, path := newWriter(t)
	require.NoError(t, w.Commit())
	require.NoError(t, w.Close())

	again, err := Create(path, nil)
	require.NoError(t, err)
	require.NoError(t, again.WriteTile(spatial.TileCoord{Z: 0}, []byte{1}))
	require.NoError(t, again.Commit())
	require.NoError(t, again.Close())
}

func TestReader_CountByZoomAndEachTile(t *testing.T) {
	w, path := newWriter(t)
	coords := []spatial.TileCoord{{Z: 1, X: 0, Y: 1}, {Z: 2, X: 3, Y: 0}, {Z: 2, X: 3, Y: 1}}
	for _, c := range coords {
		require.NoError(t, w.WriteTile(c, []byte(c.String())))
	}
	tiles, bytes := w.Stats()
	assert.Equal(t, int64(3), tiles)
	assert.Equal(t, int64(len("1/0/1")+len("2/3/0")+len("2/3/1")), bytes)
	require.NoError(t, w.Commit())
	require.NoError(t, w.Close())

	r, err := Open(path)
	require.NoError(t, err)
	defer r.Close()

	counts, err := r.CountByZoom()
	require.NoError(t, err)
	assert.Equal(t, map[uint32]int64{1: 1, 2: 2}, counts)

	var seen []spatial.TileCoord
	err = r.EachTile(context.Background(), func(c spatial.TileCoord, data []byte) error {
		assert.Equal(t, c.String(), string(data))
		seen = append(seen, c)
		return nil
	})
	require.NoError(t, err)
	assert.ElementsMatch(t, coords, seen)
}

func TestOpen_MissingFile(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "missing.mbtiles"))
	assert.Error(t, err)
}
