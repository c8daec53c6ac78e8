// internal/download/http.go - Tile-by-tile download pipeline
package download

import (
	"context"

	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"

	"github.com/valpere/tile_packer/internal"
	"github.com/valpere/tile_packer/internal/spatial"
	"github.com/valpere/tile_packer/internal/tile"
)

// downloadHTTP fetches every tile in the region zoom by zoom, in batches of
// ChunkSize. Each batch is fetched concurrently and written before the next
// batch starts.
func (r *run) downloadHTTP(ctx context.Context, f *tile.HTTPFetcher) (string, error) {
	tiles := spatial.TilesForBounds(r.req.Bounds(), r.req.MinZoom, r.req.MaxZoom)
	if len(tiles) == 0 {
		return r.fail(internal.NewError(internal.ErrorCodeValidation, "No tiles found for region", ErrNoTiles))
	}
	if r.c.stopRequested(ctx) {
		return r.cancel()
	}

	r.c.update(func(p *Progress) {
		p.Status = StatusDownloading
		p.TotalUnits = int64(len(tiles))
	})
	r.logger.Info("Fetching tiles", zap.Int("tiles", len(tiles)))

	if err := r.open(r.metadata()); err != nil {
		return r.fail(err)
	}

	chunk := r.c.opts.ChunkSize
	for _, level := range spatial.GroupByZoom(tiles) {
		for start := 0; start < len(level); start += chunk {
			if r.c.stopRequested(ctx) {
				return r.cancel()
			}

			end := start + chunk
			if end > len(level) {
				end = len(level)
			}
			if err := r.fetchBatch(ctx, f, level[start:end]); err != nil {
				return r.fail(err)
			}
		}
	}

	if r.c.stopRequested(ctx) {
		return r.cancel()
	}
	return r.finish(ctx)
}

// fetchBatch fetches a batch concurrently, then writes the results and
// publishes progress once for the whole batch
func (r *run) fetchBatch(ctx context.Context, f *tile.HTTPFetcher, batch []spatial.TileCoord) error {
	p := pool.NewWithResults[tile.TileResult]().WithMaxGoroutines(r.c.opts.Concurrency)
	for _, t := range batch {
		t := t
		p.Go(func() tile.TileResult {
			return f.FetchTile(ctx, t)
		})
	}
	results := p.Wait()

	var completed, failed, stored, bytes int64
	for _, res := range results {
		switch res.Status {
		case tile.StatusFetched:
			if err := r.writer.WriteTile(res.Coord, res.Data); err != nil {
				return internal.NewError(internal.ErrorCodeStorage, "failed to write tile", err)
			}
			completed++
			stored++
			bytes += int64(len(res.Data))
		case tile.StatusAbsent:
			completed++
		case tile.StatusFailed:
			failed++
			r.logger.Debug("Tile failed", zap.Stringer("tile", res.Coord), zap.Error(res.Err))
		}
	}

	zoom := batch[0].Z
	r.c.update(func(p *Progress) {
		p.CompletedUnits += completed
		p.FailedUnits += failed
		p.StoredTiles += stored
		p.BytesDownloaded += bytes
		p.CurrentZoom = zoom
	})
	return nil
}
