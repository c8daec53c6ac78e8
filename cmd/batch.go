// cmd/batch.go - Region list download command
package cmd

import (
	"fmt"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/valpere/tile_packer/internal/batch"
	"github.com/valpere/tile_packer/internal/output"
)

// batchCmd represents the batch command
var batchCmd = &cobra.Command{
	Use:   "batch",
	Short: "Download every region listed in a YAML file",
	Long: `Download a list of regions one after another, each into its own MBTiles file.

The regions file has optional defaults and a list of regions:

  defaults:
    radius_km: 5
    min_zoom: 10
    max_zoom: 14
    output_dir: ./maps
  regions:
    - name: kyiv
      center_lat: 50.45
      center_lon: 30.52
    - name: lviv
      center_lat: 49.84
      center_lon: 24.03
      radius_km: 3

Failed regions do not stop the batch. The first interrupt stops the current
region and skips the rest.

Examples:
  tile-packer batch --regions regions.yaml --base-url "https://tiles.example.com"
  tile-packer batch --regions regions.yaml --source mesh --json`,
	RunE: runBatch,
}

func init() {
	rootCmd.AddCommand(batchCmd)

	batchCmd.Flags().String("regions", "", "YAML file listing the regions to download")
	batchCmd.Flags().Bool("fail-fast", false, "skip remaining regions after the first failure")
	batchCmd.MarkFlagRequired("regions")
}

func runBatch(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	regionsPath, _ := cmd.Flags().GetString("regions")
	failFast, _ := cmd.Flags().GetBool("fail-fast")

	regions, err := batch.LoadRegions(afero.NewOsFs(), regionsPath, a.cfg.Output.Directory)
	if err != nil {
		return err
	}

	coordinator := a.newCoordinator()
	queue := batch.NewQueue(coordinator, nil, a.logger.Named("batch")).WithFailFast(failFast)

	ctx, stop := interruptible(cmd.Context(), queue.CancelAll, a.logger)
	defer stop()

	// every region shares one source; mesh peers are chosen for the first region
	src, err := a.newSource(ctx, regions[0])
	if err != nil {
		return err
	}
	queue.SetSource(src)

	for _, req := range regions {
		if _, err := queue.Submit(req); err != nil {
			return err
		}
	}

	stopProgress := func() {}
	if a.cfg.Logging.Progress {
		stopProgress = watchProgress(coordinator, "batch")
	}

	runErr := queue.Run(ctx)
	stopProgress()

	jobs := queue.List()
	summaries := make([]output.Summary, 0, len(jobs))
	for i := range jobs {
		summaries = append(summaries, jobs[i].Summary())
	}
	if err := a.writeSummaries(summaries); err != nil {
		return err
	}

	stats := queue.Statistics()
	a.logger.Info("Batch finished",
		zap.Int("completed", stats[batch.JobStatusCompleted]),
		zap.Int("failed", stats[batch.JobStatusFailed]),
		zap.Int("canceled", stats[batch.JobStatusCanceled]))

	if runErr != nil {
		return fmt.Errorf("%d of %d regions failed: %w", stats[batch.JobStatusFailed], len(jobs), runErr)
	}
	return nil
}
