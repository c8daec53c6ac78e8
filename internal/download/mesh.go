// internal/download/mesh.go - Cell-by-cell mesh download pipeline
package download

import (
	"context"

	"go.uber.org/zap"

	"github.com/valpere/tile_packer/internal"
	"github.com/valpere/tile_packer/internal/codec"
	"github.com/valpere/tile_packer/internal/spatial"
	"github.com/valpere/tile_packer/internal/tile"
)

// downloadMesh queries each geohash cell covering the region in turn,
// keeps the first copy of every tile coordinate, then writes everything in
// one pass
func (r *run) downloadMesh(ctx context.Context, f *tile.MeshFetcher) (string, error) {
	precision := spatial.PrecisionForRadius(r.req.RadiusKm)
	cells, truncated := spatial.GeohashesForBounds(r.req.Bounds(), precision)
	if truncated {
		r.logger.Warn("Geohash cover truncated",
			zap.Int("cells", len(cells)),
			zap.Int("precision", precision))
	}
	if r.c.stopRequested(ctx) {
		return r.cancel()
	}

	r.c.update(func(p *Progress) {
		p.Status = StatusDownloading
		p.TotalUnits = int64(len(cells))
	})
	r.logger.Info("Querying mesh cells",
		zap.String("peer", f.Peer()),
		zap.Int("cells", len(cells)),
		zap.Int("precision", precision))

	seen := make(map[spatial.TileCoord]struct{})
	var collected []codec.Tile
	duplicates := 0

	for _, cell := range cells {
		if r.c.stopRequested(ctx) {
			return r.cancel()
		}

		res := f.FetchCell(ctx, cell, r.req.MinZoom, r.req.MaxZoom)
		var completed, failed int64
		switch res.Status {
		case tile.StatusFailed:
			failed = 1
			r.logger.Warn("Cell query failed", zap.String("geohash", cell), zap.Error(res.Err))
		case tile.StatusAbsent:
			completed = 1
		case tile.StatusFetched:
			completed = 1
			for _, t := range res.Tiles {
				if _, dup := seen[t.Coord]; dup {
					duplicates++
					continue
				}
				seen[t.Coord] = struct{}{}
				collected = append(collected, t)
			}
		}

		r.c.update(func(p *Progress) {
			p.CompletedUnits += completed
			p.FailedUnits += failed
			p.BytesDownloaded += int64(res.Bytes)
		})
	}

	if duplicates > 0 {
		r.logger.Debug("Skipped duplicate tiles from overlapping cells", zap.Int("duplicates", duplicates))
	}
	if len(collected) == 0 {
		return r.fail(internal.NewError(internal.ErrorCodeNotFound, "No tiles received from RMSP server", ErrNoTiles))
	}

	if err := r.open(r.metadata()); err != nil {
		return r.fail(err)
	}

	for _, t := range collected {
		if r.c.stopRequested(ctx) {
			return r.cancel()
		}
		if err := r.writer.WriteTile(t.Coord, t.Data); err != nil {
			return r.fail(internal.NewError(internal.ErrorCodeStorage, "failed to write tile", err))
		}
		z := t.Coord.Z
		r.c.update(func(p *Progress) {
			p.StoredTiles++
			p.CurrentZoom = z
		})
	}

	return r.finish(ctx)
}
