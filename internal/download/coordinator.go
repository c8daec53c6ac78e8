// internal/download/coordinator.go - Download orchestration and progress
package download

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	uatomic "go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/valpere/tile_packer/internal"
	"github.com/valpere/tile_packer/internal/metrics"
	"github.com/valpere/tile_packer/internal/output"
	"github.com/valpere/tile_packer/internal/spatial"
	"github.com/valpere/tile_packer/internal/tile"
)

// Default tuning
const (
	DefaultChunkSize      = 100
	DefaultConcurrency    = 10
	DefaultDeleteAttempts = 5
	DefaultDeleteDelay    = 200 * time.Millisecond
)

// Options configures a Coordinator
type Options struct {
	ChunkSize   int
	Concurrency int
	Remover     *output.Remover
	Metrics     *metrics.Collector
	Logger      *zap.Logger
	Now         func() time.Time
}

// Coordinator runs one region download at a time and publishes its progress
type Coordinator struct {
	opts   Options
	logger *zap.Logger

	progress  atomic.Pointer[Progress]
	running   uatomic.Bool
	cancelled uatomic.Bool

	subMu   sync.Mutex
	subs    map[int]chan Progress
	nextSub int
}

// NewCoordinator creates an idle coordinator
func NewCoordinator(opts Options) *Coordinator {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	if opts.Remover == nil {
		opts.Remover = output.NewRemover(DefaultDeleteAttempts, DefaultDeleteDelay, opts.Logger)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	c := &Coordinator{
		opts:   opts,
		logger: opts.Logger,
		subs:   make(map[int]chan Progress),
	}
	c.progress.Store(&Progress{Status: StatusIdle})
	return c
}

// Progress returns the latest snapshot
func (c *Coordinator) Progress() Progress {
	return *c.progress.Load()
}

// Subscribe returns a channel receiving every published snapshot, starting
// with the current one. A slow reader loses intermediate snapshots but
// always sees the latest. Call the returned func to unsubscribe.
func (c *Coordinator) Subscribe(buffer int) (<-chan Progress, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Progress, buffer)

	c.subMu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = ch
	ch <- c.Progress()
	c.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.subMu.Lock()
			delete(c.subs, id)
			close(ch)
			c.subMu.Unlock()
		})
	}
}

// Cancel asks the running download to stop at its next batch or cell
// boundary. In-flight fetches finish first. A request made while idle stops
// the next download unless Reset clears it.
func (c *Coordinator) Cancel() {
	c.cancelled.Store(true)
	c.logger.Info("Cancellation requested", zap.Bool("running", c.running.Load()))
}

// Running reports whether a download is in flight
func (c *Coordinator) Running() bool {
	return c.running.Load()
}

// Reset returns a finished coordinator to Idle with zeroed counters and
// drops any pending cancellation
func (c *Coordinator) Reset() error {
	if c.running.Load() {
		return ErrDownloadInProgress
	}
	c.cancelled.Store(false)
	c.publish(&Progress{Status: StatusIdle, UpdatedAt: c.opts.Now()})
	return nil
}

// EstimateDownload predicts the size of a download without fetching
// anything. HTTP sources estimate 15000 bytes per tile; mesh sources
// report the geohash cell count.
func (c *Coordinator) EstimateDownload(req RegionRequest, src tile.Source) (Estimate, error) {
	if err := req.Validate(); err != nil {
		return Estimate{}, internal.NewError(internal.ErrorCodeValidation, "invalid region request", err)
	}

	bounds := req.Bounds()
	switch src.(type) {
	case *tile.MeshFetcher:
		precision := spatial.PrecisionForRadius(req.RadiusKm)
		cells, truncated := spatial.GeohashesForBounds(bounds, precision)
		return Estimate{
			Tiles:     int64(len(cells)),
			Bytes:     int64(len(cells)) * BytesPerTileEstimate,
			Cells:     len(cells),
			Precision: precision,
			Truncated: truncated,
		}, nil
	default:
		n := spatial.CountTiles(bounds, req.MinZoom, req.MaxZoom)
		return Estimate{Tiles: n, Bytes: n * BytesPerTileEstimate}, nil
	}
}

// DownloadRegion downloads a region into a new container under
// req.OutputDir and returns its path. Cancellation returns ErrCancelled;
// any other failure returns an *internal.Error. The output file only
// exists after a successful return.
func (c *Coordinator) DownloadRegion(ctx context.Context, req RegionRequest, src tile.Source) (string, error) {
	if err := req.Validate(); err != nil {
		return "", internal.NewError(internal.ErrorCodeValidation, "invalid region request", err)
	}
	if !c.running.CompareAndSwap(false, true) {
		return "", ErrDownloadInProgress
	}
	defer func() {
		c.cancelled.Store(false)
		c.running.Store(false)
	}()

	now := c.opts.Now()
	id := uuid.NewString()
	c.publish(&Progress{
		ID:        id,
		Status:    StatusCalculating,
		Source:    string(src.Type()),
		StartedAt: now,
		UpdatedAt: now,
	})

	run := &run{
		c:      c,
		req:    req,
		logger: c.logger.With(zap.String("download_id", id), zap.String("region", req.Name)),
		start:  now,
	}
	run.logger.Info("Starting download",
		zap.String("source", src.Describe()),
		zap.Uint32("min_zoom", req.MinZoom),
		zap.Uint32("max_zoom", req.MaxZoom),
		zap.Float64("radius_km", req.RadiusKm))

	switch s := src.(type) {
	case *tile.HTTPFetcher:
		return run.downloadHTTP(ctx, s)
	case *tile.MeshFetcher:
		return run.downloadMesh(ctx, s)
	default:
		return run.fail(internal.NewError(internal.ErrorCodeConfig,
			fmt.Sprintf("unsupported source %T", src), nil))
	}
}

// stopRequested reports whether the run should stop at this boundary
func (c *Coordinator) stopRequested(ctx context.Context) bool {
	return c.cancelled.Load() || ctx.Err() != nil
}

// update publishes a modified copy of the current snapshot
func (c *Coordinator) update(fn func(p *Progress)) Progress {
	cur := c.Progress()
	next := cur
	fn(&next)
	if next.Status != cur.Status && !cur.Status.CanTransition(next.Status) {
		c.logger.Warn("Ignoring invalid status transition",
			zap.String("from", string(cur.Status)),
			zap.String("to", string(next.Status)))
		next.Status = cur.Status
	}
	next.UpdatedAt = c.opts.Now()
	c.publish(&next)
	return next
}

func (c *Coordinator) publish(p *Progress) {
	c.subMu.Lock()
	defer c.subMu.Unlock()

	c.progress.Store(p)
	for _, ch := range c.subs {
		select {
		case ch <- *p:
			continue
		default:
		}
		// full: drop the oldest snapshot so the newest is never lost
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- *p:
		default:
		}
	}
}
