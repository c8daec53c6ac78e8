// cmd/estimate.go - Download size estimation command
package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/valpere/tile_packer/internal"
	"github.com/valpere/tile_packer/internal/config"
	"github.com/valpere/tile_packer/internal/download"
	"github.com/valpere/tile_packer/internal/output"
	"github.com/valpere/tile_packer/internal/spatial"
	"github.com/valpere/tile_packer/internal/tile"
)

// estimateCmd represents the estimate command
var estimateCmd = &cobra.Command{
	Use:   "estimate",
	Short: "Estimate the size of a region download",
	Long: `Estimate how many tiles (HTTP) or geohash cells (mesh) a region download
needs and roughly how many bytes it will produce. Nothing is fetched.

Examples:
  tile-packer estimate --lat 50.45 --lon 30.52 --radius 5 --min-zoom 10 --max-zoom 14
  tile-packer estimate --source mesh --lat 50.45 --lon 30.52 --radius 25 --json`,
	RunE: runEstimate,
}

type estimateReport struct {
	Source   string                 `json:"source"`
	Request  download.RegionRequest `json:"request"`
	Bounds   spatial.Bounds         `json:"bounds"`
	Estimate download.Estimate      `json:"estimate"`
	PerZoom  map[uint32]int64       `json:"per_zoom,omitempty"`
}

func init() {
	rootCmd.AddCommand(estimateCmd)
	addRegionFlags(estimateCmd)
}

func runEstimate(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	req, err := regionFromFlags(cmd, a.cfg.Output.Directory)
	if err != nil {
		return err
	}

	// estimates only need the source kind, never a live peer
	var src tile.Source
	if a.cfg.SourceType() == internal.SourceTypeMesh {
		src, err = tile.NewMeshFetcher("estimate", noFetch, nil, a.logger)
	} else {
		src, err = tile.NewHTTPFetcher(estimateConfig(a), nil, a.logger)
	}
	if err != nil {
		return err
	}

	est, err := a.newCoordinator().EstimateDownload(req, src)
	if err != nil {
		return err
	}

	report := estimateReport{
		Source:   string(src.Type()),
		Request:  req,
		Bounds:   req.Bounds(),
		Estimate: est,
	}
	if src.Type() == internal.SourceTypeHTTP {
		report.PerZoom = make(map[uint32]int64)
		for z := req.MinZoom; z <= req.MaxZoom; z++ {
			report.PerZoom[z] = spatial.CountTiles(report.Bounds, z, z)
		}
	}

	if a.cfg.Output.JSON {
		return printJSON(a, report)
	}

	b := report.Bounds
	fmt.Printf("Region:    %s (%.5f, %.5f) radius %.2f km\n", req.Name, req.CenterLat, req.CenterLon, req.RadiusKm)
	fmt.Printf("Bounds:    N %.5f  S %.5f  E %.5f  W %.5f\n", b.North, b.South, b.East, b.West)
	fmt.Printf("Zoom:      %d-%d\n", req.MinZoom, req.MaxZoom)
	if src.Type() == internal.SourceTypeMesh {
		fmt.Printf("Cells:     %d (geohash precision %d)\n", est.Cells, est.Precision)
		if est.Truncated {
			fmt.Printf("Warning:   cell cover truncated at %d cells\n", spatial.MaxCoverCells)
		}
	} else {
		fmt.Printf("Tiles:     %d\n", est.Tiles)
		for z := req.MinZoom; z <= req.MaxZoom; z++ {
			fmt.Printf("  z%-2d      %d\n", z, report.PerZoom[z])
		}
	}
	fmt.Printf("Size:      ~%s\n", output.HumanBytes(est.Bytes))
	return nil
}

// estimateConfig lets an HTTP estimate run without a configured base URL
func estimateConfig(a *app) *config.Config {
	cfg := *a.cfg
	if cfg.Server.BaseURL == "" {
		cfg.Server.BaseURL = "http://localhost"
	}
	return &cfg
}

func noFetch(ctx context.Context, geohash string, minZoom, maxZoom uint32) ([]byte, error) {
	return nil, nil
}
