// internal/storage/reader.go - Read access to MBTiles containers
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cast"

	"github.com/valpere/tile_packer/internal/spatial"
)

// ErrTileNotFound is returned by ReadTile for a missing coordinate
var ErrTileNotFound = errors.New("storage: tile not found")

// Reader gives read access to a finished container
type Reader struct {
	db   *sql.DB
	path string
}

// Open opens an existing container. It never creates a file.
func Open(path string) (*Reader, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}

	db, err := sql.Open(driverName, path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	return &Reader{db: db, path: path}, nil
}

// Metadata returns every metadata row
func (r *Reader) Metadata() (map[string]string, error) {
	rows, err := r.db.Query(`SELECT name, value FROM metadata`)
	if err != nil {
		return nil, fmt.Errorf("failed to read metadata: %w", err)
	}
	defer rows.Close()

	meta := make(map[string]string)
	for rows.Next() {
		var name, value sql.NullString
		if err := rows.Scan(&name, &value); err != nil {
			return nil, fmt.Errorf("failed to read metadata: %w", err)
		}
		meta[name.String] = value.String
	}
	return meta, rows.Err()
}

// ZoomRange parses the minzoom and maxzoom metadata entries
func (r *Reader) ZoomRange() (minZoom, maxZoom uint32, err error) {
	meta, err := r.Metadata()
	if err != nil {
		return 0, 0, err
	}
	minZoom, err = cast.ToUint32E(meta["minzoom"])
	if err != nil {
		return 0, 0, fmt.Errorf("invalid minzoom %q: %w", meta["minzoom"], err)
	}
	maxZoom, err = cast.ToUint32E(meta["maxzoom"])
	if err != nil {
		return 0, 0, fmt.Errorf("invalid maxzoom %q: %w", meta["maxzoom"], err)
	}
	return minZoom, maxZoom, nil
}

// TileCount returns the number of stored tiles
func (r *Reader) TileCount() (int64, error) {
	var n int64
	if err := r.db.QueryRow(`SELECT COUNT(*) FROM tiles`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count tiles: %w", err)
	}
	return n, nil
}

// CountByZoom returns the number of stored tiles per zoom level
func (r *Reader) CountByZoom() (map[uint32]int64, error) {
	rows, err := r.db.Query(`SELECT zoom_level, COUNT(*) FROM tiles GROUP BY zoom_level`)
	if err != nil {
		return nil, fmt.Errorf("failed to count tiles: %w", err)
	}
	defer rows.Close()

	counts := make(map[uint32]int64)
	for rows.Next() {
		var z, n int64
		if err := rows.Scan(&z, &n); err != nil {
			return nil, fmt.Errorf("failed to count tiles: %w", err)
		}
		counts[cast.ToUint32(z)] = n
	}
	return counts, rows.Err()
}

// ReadTile returns the payload of an XYZ-addressed tile
func (r *Reader) ReadTile(t spatial.TileCoord) ([]byte, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("invalid tile coordinate %s", t)
	}

	var data []byte
	err := r.db.QueryRow(
		`SELECT tile_data FROM tiles WHERE zoom_level = ? AND tile_column = ? AND tile_row = ?`,
		t.Z, t.X, tmsRow(t.Z, t.Y),
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrTileNotFound, t)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read tile %s: %w", t, err)
	}
	return data, nil
}

// EachTile calls fn for every stored tile in zoom, column, row order. The
// coordinates passed to fn are XYZ.
func (r *Reader) EachTile(ctx context.Context, fn func(spatial.TileCoord, []byte) error) error {
	rows, err := r.db.QueryContext(ctx,
		`SELECT zoom_level, tile_column, tile_row, tile_data FROM tiles ORDER BY zoom_level, tile_column, tile_row`)
	if err != nil {
		return fmt.Errorf("failed to list tiles: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var z, x, row uint32
		var data []byte
		if err := rows.Scan(&z, &x, &row, &data); err != nil {
			return fmt.Errorf("failed to list tiles: %w", err)
		}
		if err := fn(spatial.TileCoord{Z: z, X: x, Y: tmsRow(z, row)}, data); err != nil {
			return err
		}
	}
	return rows.Err()
}

// Close releases the file
func (r *Reader) Close() error {
	return r.db.Close()
}
