// Package cli provides the command-line interface for eventcore.
package cli

import (
	"github.com/spf13/cobra"

	"github.com/communiday/eventcore-go/internal/client"
)

var (
	// Version is set at build time.
	Version = "0.1.0"

	// Global flags
	serverURL string
	verbose   bool

	// API client, created before every command runs
	apiClient *client.Client
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "eventcore",
	Short: "Community event ingestion pipeline",
	Long: `Eventcore ingests community content (flyer scans, private events,
civic reports), extracts structured event records, detects duplicates
and publishes the results.

All commands talk to a running eventcore server.`,
	Version: Version,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		apiClient = client.New(serverURL)
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "server URL (default EVENTCORE_SERVER_URL or http://localhost:8585)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
}
