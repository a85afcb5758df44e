// Package cli implements the uplinkctl command tree.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/rishiad/uplink-server/pkg/api"
	"github.com/rishiad/uplink-server/pkg/config"
	"github.com/rishiad/uplink-server/pkg/output"
)

var (
	// Global flags
	cfgFile      string
	outputFormat string
	serverURL    string // --server: admin API base URL
	rpcAddr      string // --addr: persistent-protocol listener host:port
	dryRun       bool   // --dry-run: print actions without executing them
	yesFlag      bool   // --yes: skip confirmation prompts for destructive operations

	// Shared state set during PersistentPreRun
	cfg       *config.Config
	client    api.AdminClient
	formatter output.Formatter
)

// rootCmd is the base command for uplinkctl.
var rootCmd = &cobra.Command{
	Use:   "uplinkctl",
	Short: "Uplink CLI for inspecting sessions and channels of a running uplinkd",
	Long: `Uplinkctl is the operator-facing CLI for the Uplink transport daemon.
It lists and expires reconnectable sessions, shows the channels services
have registered, invokes RPC methods directly, and renders a live
dashboard over the daemon's admin API.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Load configuration
		path := cfgFile
		if path == "" {
			path = config.DefaultPath()
		}
		var err error
		cfg, err = config.Load(path)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		// Override config with flags
		if outputFormat != "" {
			cfg.OutputFormat = outputFormat
		}
		if rpcAddr != "" {
			cfg.Server.Addr = rpcAddr
		}

		// Create the admin API client unless a test injected one
		if client == nil {
			client = api.NewHTTPClient(adminURL())
		}

		// Create output formatter
		formatter = output.NewFormatter(cfg.OutputFormat)

		return nil
	},
}

// adminURL resolves the admin API base URL, preferring the --server flag
// over the configured address.
func adminURL() string {
	if serverURL != "" {
		return serverURL
	}
	return cfg.Server.AdminURL()
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// SetClient allows tests to inject a mock client.
func SetClient(c api.AdminClient) {
	client = c
}

// SetFormatter allows tests to inject a formatter.
func SetFormatter(f output.Formatter) {
	formatter = f
}

// RootCmd returns the root cobra.Command for testing purposes.
func RootCmd() *cobra.Command {
	return rootCmd
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ~/.config/uplink/config.yaml)")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "", "output format: table, json, yaml (default \"table\")")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "uplinkd admin API URL")
	rootCmd.PersistentFlags().StringVar(&rpcAddr, "addr", "", "uplinkd RPC listener address (host:port)")
	rootCmd.PersistentFlags().BoolVar(&dryRun, "dry-run", false, "print actions that would be taken without executing them")
	rootCmd.PersistentFlags().BoolVar(&yesFlag, "yes", false, "skip confirmation prompts for destructive operations")
}
