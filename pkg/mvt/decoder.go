// pkg/mvt/decoder.go - Mapbox Vector Tile decoding and summaries
package mvt

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/paulmach/orb/encoding/mvt"
	"github.com/paulmach/orb/geojson"
)

var gzipMagic = []byte{0x1f, 0x8b}

// LayerSummary describes a single layer within a tile
type LayerSummary struct {
	Name       string         `json:"name"`
	Features   int            `json:"features"`
	Extent     uint32         `json:"extent"`
	Version    uint32         `json:"version"`
	Geometries map[string]int `json:"geometries,omitempty"`
}

// Summary describes the layers of a vector tile
type Summary struct {
	Layers     []LayerSummary `json:"layers"`
	Features   int            `json:"features"`
	Compressed bool           `json:"compressed"`
	Size       int            `json:"size"`
}

// IsGzipped reports whether data starts with the gzip magic bytes
func IsGzipped(data []byte) bool {
	return bytes.HasPrefix(data, gzipMagic)
}

// Decode parses raw or gzip-compressed vector tile bytes. Geometries are
// left in tile pixel coordinates.
func Decode(data []byte) (mvt.Layers, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty tile data")
	}

	var (
		layers mvt.Layers
		err    error
	)
	if IsGzipped(data) {
		layers, err = mvt.UnmarshalGzipped(data)
	} else {
		layers, err = mvt.Unmarshal(data)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal MVT data: %w", err)
	}
	return layers, nil
}

// Summarize returns layer names, feature counts and geometry types of a tile.
// Layers are sorted by name.
func Summarize(data []byte) (*Summary, error) {
	layers, err := Decode(data)
	if err != nil {
		return nil, err
	}

	summary := &Summary{
		Layers:     make([]LayerSummary, 0, len(layers)),
		Compressed: IsGzipped(data),
		Size:       len(data),
	}
	for _, layer := range layers {
		ls := LayerSummary{
			Name:     layer.Name,
			Features: len(layer.Features),
			Extent:   layer.Extent,
			Version:  layer.Version,
		}
		if len(layer.Features) > 0 {
			ls.Geometries = geometryCounts(layer.Features)
		}
		summary.Features += ls.Features
		summary.Layers = append(summary.Layers, ls)
	}

	sort.Slice(summary.Layers, func(i, j int) bool {
		return summary.Layers[i].Name < summary.Layers[j].Name
	})
	return summary, nil
}

// LayerNames returns the layer names in summary order
func (s *Summary) LayerNames() []string {
	names := make([]string, 0, len(s.Layers))
	for _, l := range s.Layers {
		names = append(names, l.Name)
	}
	return names
}

// HasLayer checks if the tile contains a specific layer
func (s *Summary) HasLayer(name string) bool {
	for _, l := range s.Layers {
		if l.Name == name {
			return true
		}
	}
	return false
}

// IsEmpty returns true if the tile contains no features
func (s *Summary) IsEmpty() bool {
	return s.Features == 0
}

func geometryCounts(features []*geojson.Feature) map[string]int {
	counts := make(map[string]int)
	for _, f := range features {
		if f.Geometry == nil {
			counts["none"]++
			continue
		}
		counts[f.Geometry.GeoJSONType()]++
	}
	return counts
}
