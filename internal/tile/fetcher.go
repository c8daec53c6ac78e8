// internal/tile/fetcher.go - HTTP tile fetching implementation
package tile

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/valpere/tile_packer/internal"
	"github.com/valpere/tile_packer/internal/config"
	"github.com/valpere/tile_packer/internal/metrics"
	"github.com/valpere/tile_packer/internal/spatial"
)

// HTTPFetcher fetches tiles from a {z}/{x}/{y}.pbf tile server. At most
// batch.concurrency requests are in flight at once across all callers.
type HTTPFetcher struct {
	client    *http.Client
	config    *config.ServerConfig
	userAgent string
	sem       *semaphore.Weighted
	limiter   *rate.Limiter
	metrics   *metrics.Collector
	logger    *zap.Logger
}

// NewHTTPFetcher creates a new HTTP-based tile fetcher
func NewHTTPFetcher(cfg *config.Config, collector *metrics.Collector, logger *zap.Logger) (*HTTPFetcher, error) {
	if cfg.Server.BaseURL == "" {
		return nil, internal.NewError(internal.ErrorCodeConfig, "base_url is required for HTTP source", nil)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	dialer := &net.Dialer{Timeout: cfg.Network.ConnectTimeout, KeepAlive: 30 * time.Second}
	transport := &http.Transport{
		DialContext:           dialer.DialContext,
		MaxIdleConns:          cfg.Network.MaxIdleConns,
		MaxIdleConnsPerHost:   cfg.Batch.Concurrency,
		IdleConnTimeout:       cfg.Network.IdleConnTimeout,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: cfg.Network.ReadTimeout,
		MaxConnsPerHost:       cfg.Batch.Concurrency,
	}

	// Configure proxy if specified
	if cfg.Network.ProxyURL != "" {
		if proxyURL, err := url.Parse(cfg.Network.ProxyURL); err == nil {
			transport.Proxy = http.ProxyURL(proxyURL)
		}
	}

	client := &http.Client{
		Timeout:   cfg.Server.Timeout,
		Transport: transport,
	}

	limit := rate.Inf
	if cfg.Network.RateLimit > 0 {
		limit = rate.Limit(cfg.Network.RateLimit)
	}
	burst := cfg.Batch.Concurrency
	if burst < 1 {
		burst = 1
	}

	return &HTTPFetcher{
		client:    client,
		config:    &cfg.Server,
		userAgent: cfg.Network.UserAgent,
		sem:       semaphore.NewWeighted(int64(burst)),
		limiter:   rate.NewLimiter(limit, burst),
		metrics:   collector,
		logger:    logger,
	}, nil
}

// Type implements Source
func (f *HTTPFetcher) Type() internal.SourceType { return internal.SourceTypeHTTP }

// Describe implements Source
func (f *HTTPFetcher) Describe() string { return f.config.BaseURL }

func (f *HTTPFetcher) isSource() {}

// TileURL returns the URL a tile is fetched from
func (f *HTTPFetcher) TileURL(t spatial.TileCoord) string {
	return f.config.GetTileURL(t.Z, t.X, t.Y)
}

// Fetch performs a single GET for a tile. A 204 response is reported as
// absent; any other non-200 status is an error.
func (f *HTTPFetcher) Fetch(ctx context.Context, t spatial.TileCoord) (TileResult, error) {
	result := TileResult{Coord: t}

	if err := f.sem.Acquire(ctx, 1); err != nil {
		return result, err
	}
	defer f.sem.Release(1)

	if err := f.limiter.Wait(ctx); err != nil {
		return result, err
	}

	req, err := f.buildHTTPRequest(ctx, t)
	if err != nil {
		return result, fmt.Errorf("failed to build HTTP request: %w", err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return result, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	result.StatusCode = resp.StatusCode
	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNoContent:
		result.Status = StatusAbsent
		return result, nil
	default:
		io.Copy(io.Discard, resp.Body)
		return result, fmt.Errorf("HTTP %s", resp.Status)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return result, fmt.Errorf("failed to read response body: %w", err)
	}

	result.Data = data
	result.Status = StatusFetched
	return result, nil
}

// FetchTile fetches one tile, retrying failures with linearly increasing
// delay (attempt * retry_delay). It never returns an error: exhausted retries
// yield StatusFailed with Err set.
func (f *HTTPFetcher) FetchTile(ctx context.Context, t spatial.TileCoord) TileResult {
	start := time.Now()

	var (
		result TileResult
		err    error
	)
	attempts := 0
	for attempt := 0; attempt <= f.config.MaxRetries; attempt++ {
		if attempt > 0 {
			if !sleepContext(ctx, time.Duration(attempt)*f.config.RetryDelay) {
				err = ctx.Err()
				break
			}
		}

		attempts++
		result, err = f.Fetch(ctx, t)
		if err == nil {
			break
		}

		f.logger.Debug("Tile fetch attempt failed",
			zap.Stringer("tile", t),
			zap.Int("attempt", attempts),
			zap.Error(err))

		if !f.shouldRetry(ctx, err) {
			break
		}
	}

	result.Coord = t
	result.Attempts = attempts
	result.Duration = time.Since(start)

	if err != nil {
		result.Status = StatusFailed
		result.Data = nil
		result.Err = internal.NewError(internal.ErrorCodeNetwork,
			fmt.Sprintf("tile %s failed after %d attempts", t, attempts), err)
		f.metrics.ObserveFailed(string(internal.SourceTypeHTTP), result.Duration)
		return result
	}

	switch result.Status {
	case StatusAbsent:
		f.metrics.ObserveAbsent(string(internal.SourceTypeHTTP), result.Duration)
	case StatusFetched:
		f.metrics.ObserveFetched(string(internal.SourceTypeHTTP), len(result.Data), result.Duration)
	}
	return result
}

// buildHTTPRequest constructs the GET request for a tile
func (f *HTTPFetcher) buildHTTPRequest(ctx context.Context, t spatial.TileCoord) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.TileURL(t), nil)
	if err != nil {
		return nil, err
	}

	req.Header.Set("Accept", "application/x-protobuf")
	req.Header.Set("User-Agent", f.userAgent)

	// Add server-level headers from configuration
	for key, value := range f.config.Headers {
		req.Header.Set(key, value)
	}

	return req, nil
}

// shouldRetry reports whether a failed attempt is worth repeating. Every
// transport error and unexpected status is retried until the caller gives up.
func (f *HTTPFetcher) shouldRetry(ctx context.Context, err error) bool {
	return ctx.Err() == nil
}

// sleepContext waits for d or until ctx is done. It reports whether the
// full wait elapsed.
func sleepContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
