// cmd/servers.go - Mesh server discovery command
package cmd

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/valpere/tile_packer/internal/output"
	"github.com/valpere/tile_packer/internal/rmsp"
)

// serversCmd represents the servers command
var serversCmd = &cobra.Command{
	Use:   "servers",
	Short: "List map servers announced on the mesh",
	Long: `Ask the RMSP bridge for recent announces and list the map servers they
describe, nearest first.

Examples:
  tile-packer servers
  tile-packer servers --geohash u8vxn --json
  tile-packer servers --query u8vxn --min-zoom 10 --max-zoom 14`,
	RunE: runServers,
}

type serverEntry struct {
	Hash string `json:"hash"`
	*rmsp.ServerInfo
}

func init() {
	rootCmd.AddCommand(serversCmd)

	serversCmd.Flags().String("geohash", "", "only list servers covering this geohash")
	serversCmd.Flags().Int("limit", 0, "list at most this many servers (0 = all)")
	serversCmd.Flags().Duration("max-age", 0, "drop servers not seen within this duration (0 = keep all)")
	serversCmd.Flags().String("query", "", "ask the nearest covering server about this geohash")
	serversCmd.Flags().Uint32("min-zoom", 0, "minimum zoom for --query")
	serversCmd.Flags().Uint32("max-zoom", 14, "maximum zoom for --query")
}

func runServers(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	geohash, _ := cmd.Flags().GetString("geohash")
	limit, _ := cmd.Flags().GetInt("limit")
	maxAge, _ := cmd.Flags().GetDuration("max-age")
	query, _ := cmd.Flags().GetString("query")
	minZoom, _ := cmd.Flags().GetUint32("min-zoom")
	maxZoom, _ := cmd.Flags().GetUint32("max-zoom")

	client := a.newRMSPClient()
	if query != "" {
		return runQuery(cmd, a, client, query, minZoom, maxZoom)
	}

	if _, err := client.Discover(cmd.Context()); err != nil {
		return fmt.Errorf("failed to discover mesh servers: %w", err)
	}
	registry := client.Registry()
	if maxAge > 0 {
		registry.RemoveStale(maxAge)
	}

	var servers []*rmsp.ServerInfo
	if geohash != "" {
		servers = registry.ServersForGeohash(geohash)
	} else {
		servers = registry.Nearest(-1)
	}
	if limit > 0 && len(servers) > limit {
		servers = servers[:limit]
	}

	if a.cfg.Output.JSON {
		entries := make([]serverEntry, 0, len(servers))
		for _, s := range servers {
			entries = append(entries, serverEntry{Hash: s.Hex(), ServerInfo: s})
		}
		return printJSON(a, entries)
	}

	if len(servers) == 0 {
		fmt.Println("No map servers found")
		return nil
	}
	for _, s := range servers {
		coverage := "global"
		if len(s.Coverage) > 0 {
			coverage = strings.Join(s.Coverage, ",")
		}
		size := "unknown"
		if s.Size != nil {
			size = output.HumanBytes(*s.Size)
		}
		fmt.Printf("%s  %-20s v%-8s hops %-2d z%d-%d  %s  %s  seen %s ago\n",
			s.Hex(), s.Name, s.Version, s.Hops, s.ZoomRange[0], s.ZoomRange[1],
			coverage, size, time.Since(s.LastSeen).Round(time.Second))
	}
	return nil
}

func runQuery(cmd *cobra.Command, a *app, client *rmsp.Client, geohash string, minZoom, maxZoom uint32) error {
	peer := a.cfg.Mesh.Peer
	if peer == "" {
		server, err := selectPeer(cmd.Context(), client, geohash)
		if err != nil {
			return err
		}
		peer = server.Hex()
	} else if _, err := client.Discover(cmd.Context()); err != nil {
		return fmt.Errorf("failed to discover mesh servers: %w", err)
	}

	resp, err := client.Query(cmd.Context(), peer, geohash, minZoom, maxZoom)
	if err != nil {
		return err
	}
	if !a.cfg.Output.JSON {
		fmt.Printf("Server:    %s\n", peer)
	}
	return printJSON(a, resp)
}
