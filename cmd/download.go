// cmd/download.go - Single region download command
package cmd

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/valpere/tile_packer/internal/download"
	"github.com/valpere/tile_packer/internal/output"
)

// downloadCmd represents the download command
var downloadCmd = &cobra.Command{
	Use:   "download",
	Short: "Download one region into an MBTiles file",
	Long: `Download every tile covering a circle around --lat/--lon into a new MBTiles
file named {name}_{unix_millis}.mbtiles in the output directory.

HTTP sources fetch tiles zoom by zoom in batches. Mesh sources query one
geohash cell at a time through the RMSP bridge. Interrupting the command
stops it at the next batch boundary and deletes the partial file.

Examples:
  # Download from a tile server
  tile-packer download --base-url "https://tiles.example.com" --lat 50.45 --lon 30.52 --radius 5 --name kyiv

  # Download from a specific mesh peer
  tile-packer download --source mesh --peer 5f3a... --lat 50.45 --lon 30.52 --radius 10 --min-zoom 8 --max-zoom 12

  # Print the result as JSON
  tile-packer download --base-url "https://tiles.example.com" --lat 50.45 --lon 30.52 --json`,
	RunE: runDownload,
}

func init() {
	rootCmd.AddCommand(downloadCmd)
	addRegionFlags(downloadCmd)
}

func runDownload(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	req, err := regionFromFlags(cmd, a.cfg.Output.Directory)
	if err != nil {
		return err
	}

	coordinator := a.newCoordinator()
	ctx, stop := interruptible(cmd.Context(), coordinator.Cancel, a.logger)
	defer stop()

	src, err := a.newSource(ctx, req)
	if err != nil {
		return err
	}

	stopProgress := func() {}
	if a.cfg.Logging.Progress {
		stopProgress = watchProgress(coordinator, req.Name)
	}

	path, err := coordinator.DownloadRegion(ctx, req, src)
	stopProgress()

	summary := summaryFromProgress(req.Name, path, coordinator.Progress(), err)
	if werr := a.writeSummaries([]output.Summary{summary}); werr != nil {
		return werr
	}
	if errors.Is(err, download.ErrCancelled) {
		return nil
	}
	return err
}
