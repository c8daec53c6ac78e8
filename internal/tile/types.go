// internal/tile/types.go - Tile source types
package tile

import (
	"context"
	"time"

	"github.com/valpere/tile_packer/internal"
	"github.com/valpere/tile_packer/internal/codec"
	"github.com/valpere/tile_packer/internal/spatial"
)

// Source is where a download acquires tiles from. The set is closed:
// *HTTPFetcher and *MeshFetcher are the only implementations.
type Source interface {
	Type() internal.SourceType
	Describe() string
	isSource()
}

// FetchStatus classifies the outcome of a single fetch
type FetchStatus int

const (
	// StatusFetched means data was received
	StatusFetched FetchStatus = iota
	// StatusAbsent means the source legitimately has nothing there
	StatusAbsent
	// StatusFailed means every attempt failed
	StatusFailed
)

// String returns the status name
func (s FetchStatus) String() string {
	switch s {
	case StatusFetched:
		return "fetched"
	case StatusAbsent:
		return "absent"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// TileResult is the outcome of fetching one tile over HTTP
type TileResult struct {
	Coord      spatial.TileCoord `json:"coord"`
	Data       []byte            `json:"-"`
	Status     FetchStatus       `json:"status"`
	StatusCode int               `json:"status_code"`
	Attempts   int               `json:"attempts"`
	Duration   time.Duration     `json:"duration"`
	Err        error             `json:"-"`
}

// CellResult is the outcome of querying one geohash cell on a mesh peer
type CellResult struct {
	Geohash  string        `json:"geohash"`
	Tiles    []codec.Tile  `json:"-"`
	Status   FetchStatus   `json:"status"`
	Bytes    int           `json:"bytes"`
	Dropped  int           `json:"dropped"`
	Duration time.Duration `json:"duration"`
	Err      error         `json:"-"`
}

// FetchFunc queries a mesh peer for every tile in a geohash cell within
// [minZoom, maxZoom]. It returns a tile bundle, or nil when the cell is empty.
type FetchFunc func(ctx context.Context, geohash string, minZoom, maxZoom uint32) ([]byte, error)
