// cmd/app.go - Shared command wiring
package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/valpere/tile_packer/internal"
	"github.com/valpere/tile_packer/internal/config"
	"github.com/valpere/tile_packer/internal/download"
	"github.com/valpere/tile_packer/internal/logging"
	"github.com/valpere/tile_packer/internal/metrics"
	"github.com/valpere/tile_packer/internal/output"
	"github.com/valpere/tile_packer/internal/rmsp"
	"github.com/valpere/tile_packer/internal/spatial"
	"github.com/valpere/tile_packer/internal/tile"
)

// app holds what every command needs after configuration is loaded
type app struct {
	cfg     *config.Config
	logger  *zap.Logger
	metrics *metrics.Collector
	server  *http.Server
}

func newApp() (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	a := &app{
		cfg:     cfg,
		logger:  logger,
		metrics: metrics.New(),
	}
	if cfg.Metrics.Addr != "" {
		a.serveMetrics(cfg.Metrics.Addr)
	}
	return a, nil
}

func (a *app) serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", a.metrics.Handler())
	a.server = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		a.logger.Info("Serving metrics", zap.String("addr", addr))
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("Metrics server stopped", zap.Error(err))
		}
	}()
}

func (a *app) close() {
	if a.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.server.Shutdown(ctx)
	}
	_ = a.logger.Sync()
}

func (a *app) newCoordinator() *download.Coordinator {
	return download.NewCoordinator(download.Options{
		ChunkSize:   a.cfg.Batch.ChunkSize,
		Concurrency: a.cfg.Batch.Concurrency,
		Remover:     output.NewRemover(a.cfg.Batch.DeleteAttempts, a.cfg.Batch.DeleteDelay, a.logger.Named("cleanup")),
		Metrics:     a.metrics,
		Logger:      a.logger.Named("download"),
	})
}

// newSource builds the configured source. Mesh sources without a configured
// peer use the nearest discovered server covering the region centre.
func (a *app) newSource(ctx context.Context, req download.RegionRequest) (tile.Source, error) {
	factory := tile.NewSourceFactory(a.cfg, a.metrics, a.logger)
	sourceType := a.cfg.SourceType()
	if err := factory.ValidateConfiguration(sourceType); err != nil {
		return nil, fmt.Errorf("source configuration validation failed: %w", err)
	}

	if sourceType != internal.SourceTypeMesh {
		return factory.CreateSource("", nil)
	}

	client := a.newRMSPClient()
	peer := a.cfg.Mesh.Peer
	if peer == "" {
		geohash := spatial.EncodeGeohash(req.CenterLat, req.CenterLon, spatial.PrecisionForRadius(req.RadiusKm))
		server, err := selectPeer(ctx, client, geohash)
		if err != nil {
			return nil, err
		}
		a.logger.Info("Selected mesh peer",
			zap.String("peer", server.Hex()),
			zap.String("name", server.Name),
			zap.Int("hops", server.Hops))
		peer = server.Hex()
	}
	return factory.CreateSource(peer, client.FetchFunc(peer))
}

func (a *app) newRMSPClient() *rmsp.Client {
	registry := rmsp.NewRegistry(a.logger.Named("registry"))
	return rmsp.NewClient(a.cfg.Mesh.BridgeURL, a.cfg.Mesh.Timeout, registry, a.logger.Named("rmsp"))
}

// selectPeer discovers servers and returns the nearest one covering geohash
func selectPeer(ctx context.Context, client *rmsp.Client, geohash string) (*rmsp.ServerInfo, error) {
	if _, err := client.Discover(ctx); err != nil {
		return nil, fmt.Errorf("failed to discover mesh servers: %w", err)
	}
	servers := client.Registry().ServersForGeohash(geohash)
	if len(servers) == 0 {
		return nil, internal.NewError(internal.ErrorCodeNotFound,
			fmt.Sprintf("no mesh server covers geohash %s", geohash), rmsp.ErrServerNotFound)
	}
	return servers[0], nil
}

func (a *app) formatter() (output.Formatter, error) {
	format := output.FormatText
	if a.cfg.Output.JSON {
		format = output.FormatJSON
	}
	return output.NewFormatter(format, a.cfg.Output.Pretty)
}

func (a *app) writeSummaries(summaries []output.Summary) error {
	f, err := a.formatter()
	if err != nil {
		return err
	}
	return output.Write(os.Stdout, f, summaries)
}

// interruptible calls onInterrupt on the first SIGINT/SIGTERM and cancels the
// returned context on the second
func interruptible(parent context.Context, onInterrupt func(), logger *zap.Logger) (context.Context, func()) {
	ctx, cancel := context.WithCancel(parent)
	signals := make(chan os.Signal, 2)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)

	go func() {
		count := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-signals:
				count++
				if count == 1 {
					logger.Warn("Interrupt received, stopping after the current batch (interrupt again to abort)")
					onInterrupt()
					continue
				}
				cancel()
				return
			}
		}
	}()

	return ctx, func() {
		signal.Stop(signals)
		cancel()
	}
}

// watchProgress renders coordinator snapshots as a progress bar on stderr
func watchProgress(c *download.Coordinator, label string) func() {
	updates, unsubscribe := c.Subscribe(16)
	done := make(chan struct{})

	go func() {
		defer close(done)
		var bar *progressbar.ProgressBar
		for p := range updates {
			if p.TotalUnits == 0 {
				continue
			}
			if bar == nil {
				bar = progressbar.NewOptions64(p.TotalUnits,
					progressbar.OptionSetDescription(label),
					progressbar.OptionSetWriter(os.Stderr),
					progressbar.OptionShowCount(),
					progressbar.OptionThrottle(100*time.Millisecond),
					progressbar.OptionClearOnFinish())
			}
			_ = bar.Set64(p.CompletedUnits + p.FailedUnits)
			if p.Status == download.StatusWriting {
				bar.Describe(label + " (writing)")
			}
			if p.Status.Terminal() {
				_ = bar.Finish()
			}
		}
	}()

	return func() {
		unsubscribe()
		<-done
	}
}

func addRegionFlags(cmd *cobra.Command) {
	cmd.Flags().Float64("lat", 0, "region centre latitude")
	cmd.Flags().Float64("lon", 0, "region centre longitude")
	cmd.Flags().Float64("radius", 5, "region radius in kilometres")
	cmd.Flags().Uint32("min-zoom", 10, "minimum zoom level")
	cmd.Flags().Uint32("max-zoom", 14, "maximum zoom level")
	cmd.Flags().String("name", "region", "region name used for the output file")

	cmd.MarkFlagRequired("lat")
	cmd.MarkFlagRequired("lon")
}

func regionFromFlags(cmd *cobra.Command, outputDir string) (download.RegionRequest, error) {
	lat, _ := cmd.Flags().GetFloat64("lat")
	lon, _ := cmd.Flags().GetFloat64("lon")
	radius, _ := cmd.Flags().GetFloat64("radius")
	minZoom, _ := cmd.Flags().GetUint32("min-zoom")
	maxZoom, _ := cmd.Flags().GetUint32("max-zoom")
	name, _ := cmd.Flags().GetString("name")

	req := download.RegionRequest{
		Name:      name,
		CenterLat: lat,
		CenterLon: lon,
		RadiusKm:  radius,
		MinZoom:   minZoom,
		MaxZoom:   maxZoom,
		OutputDir: outputDir,
	}
	if err := req.Validate(); err != nil {
		return req, fmt.Errorf("invalid region: %w", err)
	}
	return req, nil
}

func summaryFromProgress(name, path string, p download.Progress, err error) output.Summary {
	s := output.Summary{
		ID:         p.ID,
		Name:       name,
		Source:     p.Source,
		Status:     string(p.Status),
		Path:       path,
		TotalUnits: p.TotalUnits,
		Completed:  p.CompletedUnits,
		Failed:     p.FailedUnits,
		Bytes:      p.BytesDownloaded,
	}
	if !p.StartedAt.IsZero() {
		s.Duration = p.UpdatedAt.Sub(p.StartedAt)
	}
	if err != nil {
		s.Error = err.Error()
	}
	return s
}
