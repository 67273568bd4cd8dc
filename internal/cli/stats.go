package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show server queue statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		stats, err := apiClient.GetStats(cmd.Context())
		if err != nil {
			return fmt.Errorf("get stats: %w", err)
		}

		fmt.Printf("Pending jobs:     %d\n", stats.PendingJobs)
		fmt.Printf("Realtime clients: %d\n", stats.RealtimeClients)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statsCmd)
}
