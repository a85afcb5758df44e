package cli

import (
	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/rishiad/uplink-server/pkg/tui"
)

// dashboardCmd launches the interactive TUI dashboard.
var dashboardCmd = &cobra.Command{
	Use:   "dashboard",
	Short: "Launch the interactive TUI dashboard",
	Long: `Launch an interactive terminal dashboard that displays live data about
sessions, channels, and metrics of a running uplinkd. Data is refreshed
every 2 seconds through the admin API.

Key bindings:
  Tab / Shift+Tab  Navigate between tabs
  1 / 2 / 3        Jump directly to Sessions / Channels / Metrics
  r                Force an immediate data refresh
  q / Ctrl+C       Quit`,
	RunE: func(cmd *cobra.Command, args []string) error {
		p := tea.NewProgram(tui.New(client, adminURL()), tea.WithAltScreen())
		_, err := p.Run()
		return err
	},
}

func init() {
	rootCmd.AddCommand(dashboardCmd)
}
