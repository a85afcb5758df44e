package cli

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rishiad/uplink-server/pkg/api"
)

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Manage live sessions",
	Long:  "List, inspect, and force-expire the reconnectable sessions held by the daemon.",
}

var sessionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all sessions, oldest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		sessions, err := client.ListSessions()
		if err != nil {
			return fmt.Errorf("failed to list sessions: %w", err)
		}
		fmt.Fprint(cmd.OutOrStdout(), formatter.Format(sessions))
		return nil
	},
}

var sessionDescribeCmd = &cobra.Command{
	Use:   "describe <token>",
	Short: "Show detailed info for a session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := api.ValidateToken(args[0]); err != nil {
			return fmt.Errorf("invalid token: %w", err)
		}
		info, err := client.DescribeSession(args[0])
		if err != nil {
			return fmt.Errorf("failed to describe session: %w", err)
		}
		fmt.Fprint(cmd.OutOrStdout(), formatter.Format(info))
		return nil
	},
}

var sessionExpireCmd = &cobra.Command{
	Use:   "expire <token>",
	Short: "Force-expire a session (its client cannot resume)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := api.ValidateToken(args[0]); err != nil {
			return fmt.Errorf("invalid token: %w", err)
		}
		if dryRun {
			fmt.Fprintf(cmd.OutOrStdout(), "(dry-run) would expire session %q\n", args[0])
			return nil
		}
		if !yesFlag {
			fmt.Fprintf(cmd.OutOrStdout(), "Expire session %q? Its client loses all replay state and cannot resume. [y/N]: ", args[0])
			scanner := bufio.NewScanner(os.Stdin)
			scanner.Scan()
			if strings.ToLower(strings.TrimSpace(scanner.Text())) != "y" {
				fmt.Fprintln(cmd.OutOrStdout(), "Aborted.")
				return nil
			}
		}
		if err := client.ExpireSession(args[0]); err != nil {
			return fmt.Errorf("failed to expire session: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Session %q expired.\n", args[0])
		return nil
	},
}

func init() {
	sessionCmd.AddCommand(sessionListCmd)
	sessionCmd.AddCommand(sessionDescribeCmd)
	sessionCmd.AddCommand(sessionExpireCmd)
	rootCmd.AddCommand(sessionCmd)
}
