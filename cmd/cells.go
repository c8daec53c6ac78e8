// cmd/cells.go - Geohash cover command
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/valpere/tile_packer/internal/spatial"
)

// cellsCmd represents the cells command
var cellsCmd = &cobra.Command{
	Use:   "cells",
	Short: "List the geohash cells a mesh download would query",
	Long: `List the geohash cells covering a region. The precision follows the radius
(5 km or less: 5, up to 50 km: 4, beyond: 3) unless --precision is set.

Examples:
  tile-packer cells --lat 50.45 --lon 30.52 --radius 5
  tile-packer cells --lat 50.45 --lon 30.52 --radius 5 --precision 6 --bounds --json`,
	RunE: runCells,
}

type cellReport struct {
	Precision int              `json:"precision"`
	Truncated bool             `json:"truncated"`
	Cells     []string         `json:"cells"`
	Bounds    []spatial.Bounds `json:"bounds,omitempty"`
}

func init() {
	rootCmd.AddCommand(cellsCmd)
	addRegionFlags(cellsCmd)

	cellsCmd.Flags().Int("precision", 0, "geohash precision (0 = derived from radius)")
	cellsCmd.Flags().Bool("bounds", false, "include each cell's bounds")
}

func runCells(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	req, err := regionFromFlags(cmd, a.cfg.Output.Directory)
	if err != nil {
		return err
	}
	precision, _ := cmd.Flags().GetInt("precision")
	withBounds, _ := cmd.Flags().GetBool("bounds")

	if precision == 0 {
		precision = spatial.PrecisionForRadius(req.RadiusKm)
	}
	if precision < spatial.MinGeohashPrecision || precision > spatial.MaxGeohashPrecision {
		return fmt.Errorf("precision must be between %d and %d", spatial.MinGeohashPrecision, spatial.MaxGeohashPrecision)
	}

	cells, truncated := spatial.GeohashesForBounds(req.Bounds(), precision)
	report := cellReport{Precision: precision, Truncated: truncated, Cells: cells}
	if withBounds {
		report.Bounds = make([]spatial.Bounds, 0, len(cells))
		for _, c := range cells {
			b, err := spatial.DecodeGeohashBounds(c)
			if err != nil {
				return err
			}
			report.Bounds = append(report.Bounds, b)
		}
	}

	if a.cfg.Output.JSON {
		return printJSON(a, report)
	}

	fmt.Printf("Precision: %d\n", precision)
	fmt.Printf("Cells:     %d\n", len(cells))
	if truncated {
		fmt.Printf("Warning:   cover truncated at %d cells\n", spatial.MaxCoverCells)
	}
	for i, c := range cells {
		if withBounds {
			b := report.Bounds[i]
			fmt.Printf("  %-12s N %.5f  S %.5f  E %.5f  W %.5f\n", c, b.North, b.South, b.East, b.West)
			continue
		}
		fmt.Printf("  %s\n", c)
	}
	return nil
}
