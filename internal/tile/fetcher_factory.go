// internal/tile/fetcher_factory.go - Source factory implementation
package tile

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/valpere/tile_packer/internal"
	"github.com/valpere/tile_packer/internal/config"
	"github.com/valpere/tile_packer/internal/metrics"
)

// SourceFactory creates tile sources from configuration
type SourceFactory struct {
	config  *config.Config
	metrics *metrics.Collector
	logger  *zap.Logger
}

// NewSourceFactory creates a new source factory
func NewSourceFactory(cfg *config.Config, collector *metrics.Collector, logger *zap.Logger) *SourceFactory {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SourceFactory{
		config:  cfg,
		metrics: collector,
		logger:  logger,
	}
}

// CreateSource creates the configured source. fetch is only used by mesh
// sources and may be nil otherwise.
func (f *SourceFactory) CreateSource(peer string, fetch FetchFunc) (Source, error) {
	return f.CreateSourceForType(f.config.SourceType(), peer, fetch)
}

// CreateSourceForType creates a source of a specific type
func (f *SourceFactory) CreateSourceForType(sourceType internal.SourceType, peer string, fetch FetchFunc) (Source, error) {
	if err := f.ValidateConfiguration(sourceType); err != nil {
		return nil, err
	}

	switch sourceType {
	case internal.SourceTypeHTTP:
		return NewHTTPFetcher(f.config, f.metrics, f.logger.Named("http"))
	case internal.SourceTypeMesh:
		if peer == "" {
			return nil, internal.NewError(internal.ErrorCodeConfig, "mesh source requires a peer", nil)
		}
		return NewMeshFetcher(peer, fetch, f.metrics, f.logger.Named("mesh"))
	default:
		return nil, fmt.Errorf("unsupported source type: %s", sourceType)
	}
}

// ValidateConfiguration validates that the configuration supports the requested source type
func (f *SourceFactory) ValidateConfiguration(sourceType internal.SourceType) error {
	switch sourceType {
	case internal.SourceTypeHTTP:
		if f.config.Server.BaseURL == "" {
			return internal.NewError(internal.ErrorCodeConfig, "base_url is required for HTTP source", nil)
		}
	case internal.SourceTypeMesh:
		if f.config.Mesh.BridgeURL == "" {
			return internal.NewError(internal.ErrorCodeConfig, "bridge_url is required for mesh source", nil)
		}
	default:
		return fmt.Errorf("unsupported source type: %s", sourceType)
	}

	return nil
}
