package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	rpc "github.com/rishiad/uplink-server/pkg/client"
)

var pingCount int

var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Round-trip the persistent transport",
	Long: `Ping dials the daemon's RPC listener, performs a full handshake, and
invokes control.ping. Unlike an HTTP health probe this exercises the
entire transport stack: envelope codec, session layer, and multiplexer.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
		defer cancel()

		rc, err := rpc.Dial(ctx, cfg.Server.Addr)
		if err != nil {
			return fmt.Errorf("failed to reach daemon at %s: %w", cfg.Server.Addr, err)
		}
		defer rc.Close()
		if err := rc.WaitReady(ctx); err != nil {
			return fmt.Errorf("handshake did not finish: %w", err)
		}

		for i := 0; i < pingCount; i++ {
			start := time.Now()
			if err := rc.Ping(ctx); err != nil {
				return fmt.Errorf("ping %d failed: %w", i+1, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "pong from %s: seq=%d time=%s\n",
				cfg.Server.Addr, i+1, time.Since(start).Round(time.Microsecond))
		}
		return nil
	},
}

func init() {
	pingCmd.Flags().IntVarP(&pingCount, "count", "c", 1, "number of round trips to time")
	rootCmd.AddCommand(pingCmd)
}
