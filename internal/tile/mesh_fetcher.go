// internal/tile/mesh_fetcher.go - Mesh (RMSP) cell fetching implementation
package tile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/valpere/tile_packer/internal"
	"github.com/valpere/tile_packer/internal/codec"
	"github.com/valpere/tile_packer/internal/metrics"
)

// MeshFetcher queries a mesh peer cell by cell through an injected FetchFunc
type MeshFetcher struct {
	peer    string
	fetch   FetchFunc
	metrics *metrics.Collector
	logger  *zap.Logger
}

// NewMeshFetcher creates a fetcher for the given peer
func NewMeshFetcher(peer string, fetch FetchFunc, collector *metrics.Collector, logger *zap.Logger) (*MeshFetcher, error) {
	if fetch == nil {
		return nil, internal.NewError(internal.ErrorCodeConfig, "mesh source requires a fetch function", nil)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MeshFetcher{
		peer:    peer,
		fetch:   fetch,
		metrics: collector,
		logger:  logger,
	}, nil
}

// Type implements Source
func (f *MeshFetcher) Type() internal.SourceType { return internal.SourceTypeMesh }

// Describe implements Source
func (f *MeshFetcher) Describe() string { return "rmsp:" + f.peer }

func (f *MeshFetcher) isSource() {}

// Peer returns the peer identifier
func (f *MeshFetcher) Peer() string { return f.peer }

// FetchCell queries one geohash cell. An empty answer is StatusAbsent. A
// bundle that fails to decode part way keeps the tiles decoded before the
// failure. Tiles outside [minZoom, maxZoom] are dropped.
func (f *MeshFetcher) FetchCell(ctx context.Context, geohash string, minZoom, maxZoom uint32) CellResult {
	start := time.Now()
	result := CellResult{Geohash: geohash}

	data, err := f.fetch(ctx, geohash, minZoom, maxZoom)
	result.Duration = time.Since(start)
	if err != nil {
		result.Status = StatusFailed
		result.Err = internal.NewError(internal.ErrorCodeNetwork,
			fmt.Sprintf("cell %s query failed", geohash), err)
		f.metrics.ObserveFailed(string(internal.SourceTypeMesh), result.Duration)
		return result
	}
	if len(data) == 0 {
		result.Status = StatusAbsent
		f.metrics.ObserveAbsent(string(internal.SourceTypeMesh), result.Duration)
		return result
	}

	result.Bytes = len(data)
	tiles, derr := codec.DecodeDetailed(data)
	switch {
	case errors.Is(derr, codec.ErrCorrupt):
		f.logger.Warn("Discarding corrupt tail of tile bundle",
			zap.String("geohash", geohash),
			zap.Int("decoded", len(tiles)),
			zap.Error(derr))
	case derr != nil:
		f.logger.Debug("Tile bundle shorter than advertised",
			zap.String("geohash", geohash),
			zap.Int("decoded", len(tiles)),
			zap.Error(derr))
	}

	kept := tiles[:0]
	for _, t := range tiles {
		if t.Coord.Z < minZoom || t.Coord.Z > maxZoom {
			result.Dropped++
			continue
		}
		kept = append(kept, t)
	}
	if result.Dropped > 0 {
		f.logger.Debug("Dropped tiles outside requested zoom range",
			zap.String("geohash", geohash),
			zap.Int("dropped", result.Dropped))
	}

	result.Tiles = kept
	if len(kept) == 0 {
		result.Status = StatusAbsent
		f.metrics.ObserveAbsent(string(internal.SourceTypeMesh), result.Duration)
		return result
	}

	result.Status = StatusFetched
	f.metrics.ObserveFetched(string(internal.SourceTypeMesh), result.Bytes, result.Duration)
	return result
}
