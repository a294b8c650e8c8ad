// Command mosaicfs-agent runs the per-host MosaicFS agent: crawling
// and watching a node's export roots, driving the replication engine
// against the shared document store, and serving the synthesized
// virtual tree over FUSE.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	root := &cobra.Command{
		Use:     "mosaicfs-agent",
		Short:   "MosaicFS per-host agent",
		Version: version,
	}

	root.PersistentFlags().StringP("config", "c", "/etc/mosaicfs/agent.yaml", "path to the agent's YAML config file")

	root.AddCommand(newServeCmd())
	root.AddCommand(newCrawlCmd())
	root.AddCommand(newMountCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return 0
}
