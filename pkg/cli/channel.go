package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var channelCmd = &cobra.Command{
	Use:   "channel",
	Short: "Inspect registered RPC channels",
}

var channelListCmd = &cobra.Command{
	Use:   "list",
	Short: "List every channel with its methods and events",
	RunE: func(cmd *cobra.Command, args []string) error {
		channels, err := client.ListChannels()
		if err != nil {
			return fmt.Errorf("failed to list channels: %w", err)
		}
		fmt.Fprint(cmd.OutOrStdout(), formatter.Format(channels))
		return nil
	},
}

func init() {
	channelCmd.AddCommand(channelListCmd)
	rootCmd.AddCommand(channelCmd)
}
