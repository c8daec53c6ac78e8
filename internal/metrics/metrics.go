// internal/metrics/metrics.go - Prometheus instrumentation
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "tile_packer"

// Collector holds the download metrics on its own registry. A nil
// *Collector is valid and records nothing.
type Collector struct {
	registry *prometheus.Registry

	TilesFetched   *prometheus.CounterVec
	TilesFailed    *prometheus.CounterVec
	TilesAbsent    *prometheus.CounterVec
	BytesFetched   *prometheus.CounterVec
	Downloads      *prometheus.CounterVec
	FetchDurations *prometheus.HistogramVec
}

// New creates a Collector and registers its metrics
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		TilesFetched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tiles_fetched_total",
			Help:      "Tiles fetched and stored",
		}, []string{"source"}),
		TilesFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tiles_failed_total",
			Help:      "Tiles or mesh cells that failed after all retries",
		}, []string{"source"}),
		TilesAbsent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tiles_absent_total",
			Help:      "Tiles or mesh cells the source reported as empty",
		}, []string{"source"}),
		BytesFetched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_downloaded_total",
			Help:      "Tile payload bytes received",
		}, []string{"source"}),
		Downloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "downloads_total",
			Help:      "Region downloads by terminal status",
		}, []string{"status"}),
		FetchDurations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "fetch_duration_seconds",
			Help:      "Duration of a single tile or cell fetch including retries",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}, []string{"source"}),
	}

	c.registry.MustRegister(
		c.TilesFetched,
		c.TilesFailed,
		c.TilesAbsent,
		c.BytesFetched,
		c.Downloads,
		c.FetchDurations,
	)
	return c
}

// ObserveFetched records a successful fetch
func (c *Collector) ObserveFetched(source string, bytes int, d time.Duration) {
	if c == nil {
		return
	}
	c.TilesFetched.WithLabelValues(source).Inc()
	c.BytesFetched.WithLabelValues(source).Add(float64(bytes))
	c.FetchDurations.WithLabelValues(source).Observe(d.Seconds())
}

// ObserveFailed records a fetch that exhausted its retries
func (c *Collector) ObserveFailed(source string, d time.Duration) {
	if c == nil {
		return
	}
	c.TilesFailed.WithLabelValues(source).Inc()
	c.FetchDurations.WithLabelValues(source).Observe(d.Seconds())
}

// ObserveAbsent records a fetch the source answered with no content
func (c *Collector) ObserveAbsent(source string, d time.Duration) {
	if c == nil {
		return
	}
	c.TilesAbsent.WithLabelValues(source).Inc()
	c.FetchDurations.WithLabelValues(source).Observe(d.Seconds())
}

// ObserveDownload records a download reaching a terminal status
func (c *Collector) ObserveDownload(status string) {
	if c == nil {
		return
	}
	c.Downloads.WithLabelValues(status).Inc()
}

// Registry exposes the underlying registry
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the collector's metrics in the Prometheus text format
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
