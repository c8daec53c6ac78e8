// cmd/root.go - Root command implementation
package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "tile-packer",
	Short: "Download map regions into offline MBTiles files",
	Long: `TilePacker downloads every vector tile covering a circular region and packs
them into a single MBTiles file for offline use.

Data Sources:
- Tile servers via HTTP/HTTPS ({base_url}/{z}/{x}/{y}.pbf)
- RMSP mesh peers reached through a local bridge, queried by geohash cell

Features:
- Bounded-concurrency fetching with retry and linear backoff
- Batch writes inside one transaction, compacted on completion
- Cancellation with cleanup of partial output
- Region lists for unattended batch downloads
- Prometheus metrics and structured logging

Examples:
  # Estimate a download before running it
  tile-packer estimate --base-url "https://tiles.example.com" --lat 50.45 --lon 30.52 --radius 5 --min-zoom 10 --max-zoom 14

  # Download a region from a tile server
  tile-packer download --base-url "https://tiles.example.com" --lat 50.45 --lon 30.52 --radius 5 --min-zoom 10 --max-zoom 14 --name kyiv

  # Download a region from the nearest mesh peer
  tile-packer download --source mesh --lat 50.45 --lon 30.52 --radius 5 --min-zoom 10 --max-zoom 14

  # Download every region in a list
  tile-packer batch --regions regions.yaml --base-url "https://tiles.example.com"

  # Inspect a finished file
  tile-packer inspect kyiv_1718000000000.mbtiles --tile 14/9577/5529 --geojson`,
	Version:       "1.0.0",
	SilenceUsage:  true,
	SilenceErrors: false,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.tile-packer.yaml)")

	// Source configuration flags
	rootCmd.PersistentFlags().String("source", "http", "data source type (http, mesh)")
	rootCmd.PersistentFlags().String("base-url", "", "base URL for tile server (HTTP source)")
	rootCmd.PersistentFlags().String("bridge-url", "http://127.0.0.1:4280", "RMSP bridge URL (mesh source)")
	rootCmd.PersistentFlags().String("peer", "", "RMSP destination hash (mesh source, default: nearest covering peer)")

	// Output flags
	rootCmd.PersistentFlags().String("output-dir", ".", "directory for MBTiles files")
	rootCmd.PersistentFlags().Bool("json", false, "print results as JSON")
	rootCmd.PersistentFlags().Bool("pretty", true, "pretty print JSON output")

	// Processing flags
	rootCmd.PersistentFlags().Bool("verbose", false, "verbose output")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "console", "log format (console, json)")
	rootCmd.PersistentFlags().Bool("progress", true, "show progress bar")
	rootCmd.PersistentFlags().Int("concurrency", 10, "number of concurrent requests")
	rootCmd.PersistentFlags().Int("chunk-size", 100, "number of tiles fetched per batch")
	rootCmd.PersistentFlags().Duration("timeout", 30*1000000000, "request timeout (HTTP source)")
	rootCmd.PersistentFlags().Int("retries", 3, "number of retry attempts")
	rootCmd.PersistentFlags().Float64("rate-limit", 0, "maximum requests per second (0 = unlimited)")
	rootCmd.PersistentFlags().String("metrics-addr", "", "serve Prometheus metrics on this address")

	// Bind flags to viper
	viper.BindPFlag("source.type", rootCmd.PersistentFlags().Lookup("source"))
	viper.BindPFlag("server.base_url", rootCmd.PersistentFlags().Lookup("base-url"))
	viper.BindPFlag("mesh.bridge_url", rootCmd.PersistentFlags().Lookup("bridge-url"))
	viper.BindPFlag("mesh.peer", rootCmd.PersistentFlags().Lookup("peer"))
	viper.BindPFlag("output.directory", rootCmd.PersistentFlags().Lookup("output-dir"))
	viper.BindPFlag("output.json", rootCmd.PersistentFlags().Lookup("json"))
	viper.BindPFlag("output.pretty", rootCmd.PersistentFlags().Lookup("pretty"))
	viper.BindPFlag("logging.verbose", rootCmd.PersistentFlags().Lookup("verbose"))
	viper.BindPFlag("logging.level", rootCmd.PersistentFlags().Lookup("log-level"))
	viper.BindPFlag("logging.format", rootCmd.PersistentFlags().Lookup("log-format"))
	viper.BindPFlag("logging.progress", rootCmd.PersistentFlags().Lookup("progress"))
	viper.BindPFlag("batch.concurrency", rootCmd.PersistentFlags().Lookup("concurrency"))
	viper.BindPFlag("batch.chunk_size", rootCmd.PersistentFlags().Lookup("chunk-size"))
	viper.BindPFlag("server.timeout", rootCmd.PersistentFlags().Lookup("timeout"))
	viper.BindPFlag("server.max_retries", rootCmd.PersistentFlags().Lookup("retries"))
	viper.BindPFlag("network.rate_limit", rootCmd.PersistentFlags().Lookup("rate-limit"))
	viper.BindPFlag("metrics.addr", rootCmd.PersistentFlags().Lookup("metrics-addr"))
}

// initConfig reads in .env, the config file and ENV variables if set.
func initConfig() {
	// A missing .env is fine
	_ = godotenv.Load(".env")

	if cfgFile != "" {
		// Use config file from the flag
		viper.SetConfigFile(cfgFile)
	} else {
		// Find home directory
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)

		// Search config in home directory with name ".tile-packer" (without extension)
		viper.AddConfigPath(home)
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName(".tile-packer")
	}

	// Environment variables, e.g. TILE_PACKER_SERVER_BASE_URL
	viper.SetEnvPrefix("TILE_PACKER")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// If a config file is found, read it in
	if err := viper.ReadInConfig(); err == nil {
		if viper.GetBool("logging.verbose") {
			fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
		}
	}
}
