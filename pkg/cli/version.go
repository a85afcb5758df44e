package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// version is set at build time via -ldflags "-X github.com/rishiad/uplink-server/pkg/cli.uplinkctlVersion=x.y.z"
var uplinkctlVersion = "0.1.0"

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show uplinkctl and daemon versions",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Fprintf(cmd.OutOrStdout(), "uplinkctl version %s\n", uplinkctlVersion)

		info, err := client.Info()
		if err != nil {
			return fmt.Errorf("failed to get daemon info: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "daemon: %s (protocol v%d, %d sessions)\n",
			info.Version, info.ProtocolVersion, info.Sessions)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
