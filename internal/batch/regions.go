// internal/batch/regions.go - Region list loading
package batch

import (
	"bytes"
	"fmt"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"github.com/valpere/tile_packer/internal/download"
)

// RegionDefaults fill fields a region entry leaves out
type RegionDefaults struct {
	RadiusKm  float64 `yaml:"radius_km"`
	MinZoom   uint32  `yaml:"min_zoom"`
	MaxZoom   uint32  `yaml:"max_zoom"`
	OutputDir string  `yaml:"output_dir"`
}

// RegionFile is the YAML document read by LoadRegions
type RegionFile struct {
	Defaults RegionDefaults `yaml:"defaults"`
	Regions  []regionEntry  `yaml:"regions"`
}

type regionEntry struct {
	Name      string   `yaml:"name"`
	CenterLat *float64 `yaml:"center_lat"`
	CenterLon *float64 `yaml:"center_lon"`
	RadiusKm  *float64 `yaml:"radius_km"`
	MinZoom   *uint32  `yaml:"min_zoom"`
	MaxZoom   *uint32  `yaml:"max_zoom"`
	OutputDir string   `yaml:"output_dir"`
}

// LoadRegions reads a region list from path. Missing per-region fields take
// the file's defaults, then fallbackDir for the output directory.
func LoadRegions(fs afero.Fs, path, fallbackDir string) ([]download.RegionRequest, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, fmt.Errorf("failed to read regions file: %w", err)
	}
	return ParseRegions(data, fallbackDir)
}

// ParseRegions decodes a region list document
func ParseRegions(data []byte, fallbackDir string) ([]download.RegionRequest, error) {
	var file RegionFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil {
		return nil, fmt.Errorf("failed to parse regions file: %w", err)
	}
	if len(file.Regions) == 0 {
		return nil, fmt.Errorf("regions file lists no regions")
	}

	requests := make([]download.RegionRequest, 0, len(file.Regions))
	for i, entry := range file.Regions {
		if entry.CenterLat == nil || entry.CenterLon == nil {
			return nil, fmt.Errorf("region %d (%q) needs center_lat and center_lon", i, entry.Name)
		}

		req := download.RegionRequest{
			Name:      entry.Name,
			CenterLat: *entry.CenterLat,
			CenterLon: *entry.CenterLon,
			RadiusKm:  file.Defaults.RadiusKm,
			MinZoom:   file.Defaults.MinZoom,
			MaxZoom:   file.Defaults.MaxZoom,
			OutputDir: entry.OutputDir,
		}
		if req.Name == "" {
			req.Name = fmt.Sprintf("region_%d", i+1)
		}
		if entry.RadiusKm != nil {
			req.RadiusKm = *entry.RadiusKm
		}
		if entry.MinZoom != nil {
			req.MinZoom = *entry.MinZoom
		}
		if entry.MaxZoom != nil {
			req.MaxZoom = *entry.MaxZoom
		}
		if req.OutputDir == "" {
			req.OutputDir = file.Defaults.OutputDir
		}
		if req.OutputDir == "" {
			req.OutputDir = fallbackDir
		}

		if err := req.Validate(); err != nil {
			return nil, fmt.Errorf("region %d (%q) is invalid: %w", i, req.Name, err)
		}
		requests = append(requests, req)
	}
	return requests, nil
}
