// internal/storage/schema.go - MBTiles schema and metadata encoding
package storage

import (
	"fmt"
	"strconv"

	"github.com/valpere/tile_packer/internal/spatial"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS metadata (name TEXT, value TEXT)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS metadata_name ON metadata (name)`,
	`CREATE TABLE IF NOT EXISTS tiles (zoom_level INTEGER, tile_column INTEGER, tile_row INTEGER, tile_data BLOB)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS tile_index ON tiles (zoom_level, tile_column, tile_row)`,
}

const (
	upsertTileSQL     = `INSERT OR REPLACE INTO tiles (zoom_level, tile_column, tile_row, tile_data) VALUES (?, ?, ?, ?)`
	upsertMetadataSQL = `INSERT OR REPLACE INTO metadata (name, value) VALUES (?, ?)`
)

// Defaults written when Metadata leaves them empty
const (
	DefaultFormat  = "pbf"
	DefaultVersion = "1.0"
	DefaultType    = "baselayer"
)

// Center is the default view stored in the container
type Center struct {
	Lon  float64 `json:"lon"`
	Lat  float64 `json:"lat"`
	Zoom uint32  `json:"zoom"`
}

// Metadata describes the region held by a container
type Metadata struct {
	Name        string
	Description string
	Format      string
	MinZoom     uint32
	MaxZoom     uint32
	Bounds      spatial.Bounds
	Center      Center
	Version     string
	Type        string
	Attribution string
}

// Rows flattens the metadata into MBTiles name/value pairs
func (m Metadata) Rows() [][2]string {
	format := m.Format
	if format == "" {
		format = DefaultFormat
	}
	version := m.Version
	if version == "" {
		version = DefaultVersion
	}
	typ := m.Type
	if typ == "" {
		typ = DefaultType
	}

	rows := [][2]string{
		{"name", m.Name},
		{"description", m.Description},
		{"format", format},
		{"minzoom", strconv.FormatUint(uint64(m.MinZoom), 10)},
		{"maxzoom", strconv.FormatUint(uint64(m.MaxZoom), 10)},
		{"bounds", formatBounds(m.Bounds)},
		{"center", fmt.Sprintf("%s,%s,%d", formatFloat(m.Center.Lon), formatFloat(m.Center.Lat), m.Center.Zoom)},
		{"version", version},
		{"type", typ},
	}
	if m.Attribution != "" {
		rows = append(rows, [2]string{"attribution", m.Attribution})
	}
	return rows
}

// formatBounds renders bounds in MBTiles "west,south,east,north" order
func formatBounds(b spatial.Bounds) string {
	return fmt.Sprintf("%s,%s,%s,%s",
		formatFloat(b.West), formatFloat(b.South), formatFloat(b.East), formatFloat(b.North))
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', 6, 64)
}

// tmsRow converts an XYZ row to the TMS row MBTiles stores. The flip is
// its own inverse.
func tmsRow(z, y uint32) uint32 {
	return (uint32(1)<<z - 1) - y
}
