// pkg/mvt/converter.go - MVT to GeoJSON conversion
package mvt

import (
	"encoding/json"
	"fmt"

	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/simplify"

	"github.com/valpere/tile_packer/internal/spatial"
)

// LayerProperty is the feature property holding the source layer name
const LayerProperty = "_layer"

// DefaultTolerance is the Douglas-Peucker threshold in degrees
const DefaultTolerance = 1e-5

// ConversionOptions configures the conversion process
type ConversionOptions struct {
	LayerFilter      []string `json:"layer_filter,omitempty"`
	PropertyFilter   []string `json:"property_filter,omitempty"`
	SimplifyGeometry bool     `json:"simplify_geometry"`
	Tolerance        float64  `json:"tolerance,omitempty"`
}

// Converter turns vector tiles into lon/lat GeoJSON
type Converter struct {
	options ConversionOptions
}

// NewConverter creates a converter that keeps every layer and property
func NewConverter() *Converter {
	return &Converter{}
}

// NewConverterWithOptions creates a converter with custom options
func NewConverterWithOptions(options ConversionOptions) (*Converter, error) {
	if err := ValidateConversionOptions(options); err != nil {
		return nil, fmt.Errorf("invalid conversion options: %w", err)
	}
	if options.SimplifyGeometry && options.Tolerance == 0 {
		options.Tolerance = DefaultTolerance
	}
	return &Converter{options: options}, nil
}

// ToFeatureCollection decodes a tile with the default converter
func ToFeatureCollection(data []byte, coord spatial.TileCoord) (*geojson.FeatureCollection, error) {
	return NewConverter().Convert(data, coord)
}

// Convert decodes data as the tile at coord and returns its features in
// WGS84. Every feature gets its layer name in the "_layer" property.
func (c *Converter) Convert(data []byte, coord spatial.TileCoord) (*geojson.FeatureCollection, error) {
	if !coord.Valid() {
		return nil, fmt.Errorf("invalid tile coordinate %s", coord)
	}

	layers, err := Decode(data)
	if err != nil {
		return nil, err
	}
	layers.ProjectToWGS84(coord.Tile())

	fc := geojson.NewFeatureCollection()
	for _, layer := range layers {
		if len(c.options.LayerFilter) > 0 && !contains(c.options.LayerFilter, layer.Name) {
			continue
		}

		for _, feature := range layer.Features {
			if feature.Geometry == nil {
				continue
			}
			if c.options.SimplifyGeometry {
				feature.Geometry = simplify.DouglasPeucker(c.options.Tolerance).Simplify(feature.Geometry)
			}
			feature.Properties = c.filterProperties(feature.Properties)
			feature.Properties[LayerProperty] = layer.Name
			fc.Append(feature)
		}
	}
	return fc, nil
}

// ConvertToJSON converts a tile to GeoJSON text
func (c *Converter) ConvertToJSON(data []byte, coord spatial.TileCoord, pretty bool) ([]byte, error) {
	fc, err := c.Convert(data, coord)
	if err != nil {
		return nil, err
	}

	var out []byte
	if pretty {
		out, err = json.MarshalIndent(fc, "", "  ")
	} else {
		out, err = json.Marshal(fc)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to marshal GeoJSON: %w", err)
	}
	return out, nil
}

func (c *Converter) filterProperties(props geojson.Properties) geojson.Properties {
	out := make(geojson.Properties, len(props)+1)
	for key, value := range props {
		if len(c.options.PropertyFilter) > 0 && !contains(c.options.PropertyFilter, key) {
			continue
		}
		out[key] = value
	}
	return out
}

// ValidateConversionOptions validates the conversion options
func ValidateConversionOptions(options ConversionOptions) error {
	if options.Tolerance < 0 {
		return fmt.Errorf("tolerance must not be negative, got %f", options.Tolerance)
	}
	if options.Tolerance > 0 && !options.SimplifyGeometry {
		return fmt.Errorf("tolerance set without simplify_geometry")
	}
	return nil
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}
