// internal/download/run.go - Shared per-download lifecycle
package download

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/valpere/tile_packer/internal"
	"github.com/valpere/tile_packer/internal/output"
	"github.com/valpere/tile_packer/internal/storage"
)

// run holds the state of one DownloadRegion call
type run struct {
	c      *Coordinator
	req    RegionRequest
	logger *zap.Logger
	start  time.Time

	writer *storage.Writer
	path   string
}

// open creates the container and writes its metadata
func (r *run) open(meta storage.Metadata) error {
	r.path = output.FilePath(r.req.OutputDir, r.req.Name, r.c.opts.Now())
	w, err := storage.Create(r.path, r.logger)
	if err != nil {
		return internal.NewError(internal.ErrorCodeStorage, "failed to open output file", err)
	}
	r.writer = w

	if err := w.WriteMetadata(meta); err != nil {
		return internal.NewError(internal.ErrorCodeStorage, "failed to write metadata", err)
	}
	return nil
}

// finish commits and compacts the container and marks the run complete
func (r *run) finish(ctx context.Context) (string, error) {
	if err := r.writer.Commit(); err != nil {
		return r.fail(internal.NewError(internal.ErrorCodeStorage, "failed to commit tiles", err))
	}

	r.c.update(func(p *Progress) { p.Status = StatusWriting })

	if err := r.writer.Optimize(ctx); err != nil {
		return r.fail(internal.NewError(internal.ErrorCodeStorage, "failed to optimize output file", err))
	}
	if err := r.writer.Close(); err != nil {
		return r.fail(internal.NewError(internal.ErrorCodeStorage, "failed to close output file", err))
	}

	tiles, bytes := r.writer.Stats()
	final := r.c.update(func(p *Progress) {
		p.Status = StatusComplete
		p.OutputPath = r.path
	})
	r.c.opts.Metrics.ObserveDownload(string(StatusComplete))
	r.logger.Info("Download complete",
		zap.String("path", r.path),
		zap.Int64("tiles", tiles),
		zap.Int64("bytes", bytes),
		zap.Int64("failed", final.FailedUnits),
		zap.Duration("duration", time.Since(r.start)))
	return r.path, nil
}

// cancel discards the partial output and marks the run cancelled
func (r *run) cancel() (string, error) {
	if err := r.cleanup(); err != nil {
		r.logger.Warn("Partial output cleanup incomplete", zap.Error(err))
	}
	r.c.update(func(p *Progress) { p.Status = StatusCancelled })
	r.c.opts.Metrics.ObserveDownload(string(StatusCancelled))
	r.logger.Info("Download cancelled", zap.Duration("duration", time.Since(r.start)))
	return "", ErrCancelled
}

// fail discards the partial output and marks the run failed
func (r *run) fail(err error) (string, error) {
	if cerr := r.cleanup(); cerr != nil {
		r.logger.Warn("Partial output cleanup incomplete", zap.Error(cerr))
	}

	var appErr *internal.Error
	if !errors.As(err, &appErr) {
		err = internal.NewError(internal.ErrorCodeStorage, "download failed", err)
	}
	r.c.update(func(p *Progress) {
		p.Status = StatusError
		p.ErrorMessage = err.Error()
	})
	r.c.opts.Metrics.ObserveDownload(string(StatusError))
	r.logger.Error("Download failed", zap.Error(err))
	return "", err
}

// cleanup closes the writer, rolling back anything uncommitted, and deletes
// the file with retries
func (r *run) cleanup() error {
	var err error
	if r.writer != nil {
		err = multierr.Append(err, r.writer.Close())
	}
	if r.path != "" {
		// the caller's context may already be done; deletion still needs its retries
		if rerr := r.c.opts.Remover.Remove(context.Background(), r.path); rerr != nil {
			err = multierr.Append(err, fmt.Errorf("failed to delete partial output: %w", rerr))
		}
	}
	return err
}

func (r *run) metadata() storage.Metadata {
	bounds := r.req.Bounds()
	return storage.Metadata{
		Name:        r.req.Name,
		Description: fmt.Sprintf("Offline map around %.5f,%.5f (%.1f km)", r.req.CenterLat, r.req.CenterLon, r.req.RadiusKm),
		MinZoom:     r.req.MinZoom,
		MaxZoom:     r.req.MaxZoom,
		Bounds:      bounds,
		Center: storage.Center{
			Lon:  r.req.CenterLon,
			Lat:  r.req.CenterLat,
			Zoom: r.req.CenterZoom(),
		},
	}
}
