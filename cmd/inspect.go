// cmd/inspect.go - MBTiles inspection command
package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/valpere/tile_packer/internal/output"
	"github.com/valpere/tile_packer/internal/spatial"
	"github.com/valpere/tile_packer/internal/storage"
	"github.com/valpere/tile_packer/pkg/mvt"
)

// inspectCmd represents the inspect command
var inspectCmd = &cobra.Command{
	Use:   "inspect <file.mbtiles>",
	Short: "Show the contents of an MBTiles file",
	Long: `Print the metadata and per-zoom tile counts of an MBTiles file. With --list,
print every stored tile and its size. With --tile, decode one tile and list its
layers, or print it as GeoJSON with --geojson.

Examples:
  tile-packer inspect kyiv_1718000000000.mbtiles
  tile-packer inspect kyiv_1718000000000.mbtiles --tile 14/9577/5529
  tile-packer inspect kyiv_1718000000000.mbtiles --list --zoom 14
  tile-packer inspect kyiv_1718000000000.mbtiles --tile 14/9577/5529 --geojson --layers roads,pois`,
	Args: cobra.ExactArgs(1),
	RunE: runInspect,
}

type inspectReport struct {
	Path     string            `json:"path"`
	Metadata map[string]string `json:"metadata"`
	Tiles    int64             `json:"tiles"`
	PerZoom  map[uint32]int64  `json:"per_zoom"`
}

type tileEntry struct {
	Tile string `json:"tile"`
	Size int    `json:"size"`
}

func init() {
	rootCmd.AddCommand(inspectCmd)

	inspectCmd.Flags().String("tile", "", "tile to decode as z/x/y")
	inspectCmd.Flags().Bool("geojson", false, "print the tile as GeoJSON")
	inspectCmd.Flags().StringSlice("layers", nil, "only include these layers in GeoJSON output")
	inspectCmd.Flags().Bool("simplify", false, "simplify GeoJSON geometries")
	inspectCmd.Flags().Bool("list", false, "list every stored tile")
	inspectCmd.Flags().Int("zoom", -1, "only list tiles at this zoom level")
}

func runInspect(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	tileFlag, _ := cmd.Flags().GetString("tile")
	asGeoJSON, _ := cmd.Flags().GetBool("geojson")
	layers, _ := cmd.Flags().GetStringSlice("layers")
	simplify, _ := cmd.Flags().GetBool("simplify")
	list, _ := cmd.Flags().GetBool("list")
	zoom, _ := cmd.Flags().GetInt("zoom")

	reader, err := storage.Open(args[0])
	if err != nil {
		return err
	}
	defer reader.Close()

	if tileFlag != "" {
		coord, err := parseTileCoord(tileFlag)
		if err != nil {
			return err
		}
		data, err := reader.ReadTile(coord)
		if err != nil {
			return fmt.Errorf("failed to read tile %s: %w", coord, err)
		}

		if asGeoJSON {
			converter, err := mvt.NewConverterWithOptions(mvt.ConversionOptions{
				LayerFilter:      layers,
				SimplifyGeometry: simplify,
			})
			if err != nil {
				return err
			}
			out, err := converter.ConvertToJSON(data, coord, a.cfg.Output.Pretty)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(os.Stdout, string(out))
			return err
		}
		return printTileSummary(a, coord, data)
	}

	if list {
		entries, err := listTiles(cmd.Context(), reader, zoom)
		if err != nil {
			return err
		}
		if a.cfg.Output.JSON {
			return printJSON(a, entries)
		}
		for _, e := range entries {
			fmt.Printf("%-16s %s\n", e.Tile, output.HumanBytes(int64(e.Size)))
		}
		return nil
	}

	report := inspectReport{Path: args[0]}
	if report.Metadata, err = reader.Metadata(); err != nil {
		return err
	}
	if report.Tiles, err = reader.TileCount(); err != nil {
		return err
	}
	if report.PerZoom, err = reader.CountByZoom(); err != nil {
		return err
	}

	if a.cfg.Output.JSON {
		return printJSON(a, report)
	}

	fmt.Printf("File:      %s\n", report.Path)
	keys := make([]string, 0, len(report.Metadata))
	for k := range report.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Printf("  %-12s %s\n", k, report.Metadata[k])
	}
	fmt.Printf("Tiles:     %d\n", report.Tiles)
	zooms := make([]uint32, 0, len(report.PerZoom))
	for z := range report.PerZoom {
		zooms = append(zooms, z)
	}
	sort.Slice(zooms, func(i, j int) bool { return zooms[i] < zooms[j] })
	for _, z := range zooms {
		fmt.Printf("  z%-2d      %d\n", z, report.PerZoom[z])
	}
	return nil
}

// listTiles returns every stored tile, or only those at zoom when it is not negative
func listTiles(ctx context.Context, reader *storage.Reader, zoom int) ([]tileEntry, error) {
	var entries []tileEntry
	err := reader.EachTile(ctx, func(coord spatial.TileCoord, data []byte) error {
		if zoom >= 0 && coord.Z != uint32(zoom) {
			return nil
		}
		entries = append(entries, tileEntry{Tile: coord.String(), Size: len(data)})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

func printTileSummary(a *app, coord spatial.TileCoord, data []byte) error {
	summary, err := mvt.Summarize(data)
	if err != nil {
		return fmt.Errorf("failed to decode tile %s: %w", coord, err)
	}
	if a.cfg.Output.JSON {
		return printJSON(a, summary)
	}

	fmt.Printf("Tile:      %s\n", coord)
	fmt.Printf("Size:      %s (gzip: %t)\n", output.HumanBytes(int64(summary.Size)), summary.Compressed)
	fmt.Printf("Features:  %d\n", summary.Features)
	for _, l := range summary.Layers {
		fmt.Printf("  %-20s %6d features  extent %d\n", l.Name, l.Features, l.Extent)
	}
	return nil
}

func printJSON(a *app, v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	if a.cfg.Output.Pretty {
		enc.SetIndent("", "  ")
	}
	return enc.Encode(v)
}

// parseTileCoord parses "z/x/y"
func parseTileCoord(s string) (spatial.TileCoord, error) {
	parts := strings.Split(s, "/")
	if len(parts) != 3 {
		return spatial.TileCoord{}, fmt.Errorf("invalid tile %q: want z/x/y", s)
	}

	var v [3]uint32
	for i, p := range parts {
		n, err := strconv.ParseUint(strings.TrimSpace(p), 10, 32)
		if err != nil {
			return spatial.TileCoord{}, fmt.Errorf("invalid tile %q: %w", s, err)
		}
		v[i] = uint32(n)
	}

	coord := spatial.TileCoord{Z: v[0], X: v[1], Y: v[2]}
	if !coord.Valid() {
		return spatial.TileCoord{}, fmt.Errorf("tile %s is outside the grid", coord)
	}
	return coord, nil
}
