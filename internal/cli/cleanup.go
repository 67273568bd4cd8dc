package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/communiday/eventcore-go/internal/handlers"
	"github.com/communiday/eventcore-go/internal/queue"
)

var (
	cleanupMaxAgeHours int
	cleanupBatchSize   int
	cleanupWatch       bool
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Run a retention sweep now",
	Long: `Enqueue a cleanup job that removes terminal job records, progress
contexts and long-past events. Without flags the server's configured
retention window applies.`,
	RunE: runCleanup,
}

func init() {
	cleanupCmd.Flags().IntVar(&cleanupMaxAgeHours, "max-age-hours", 0, "override the retention window in hours")
	cleanupCmd.Flags().IntVar(&cleanupBatchSize, "batch-size", 0, "cap event deletions per sweep")
	cleanupCmd.Flags().BoolVarP(&cleanupWatch, "watch", "w", false, "watch the sweep's progress")
	rootCmd.AddCommand(cleanupCmd)
}

func runCleanup(cmd *cobra.Command, args []string) error {
	id, err := apiClient.Enqueue(cmd.Context(), queue.TypeCleanup, handlers.CleanupPayload{
		MaxAgeHours: cleanupMaxAgeHours,
		BatchSize:   cleanupBatchSize,
	})
	if err != nil {
		return fmt.Errorf("enqueue cleanup: %w", err)
	}

	fmt.Printf("Cleanup job %s enqueued\n", id)

	if cleanupWatch {
		return RunJobProgress(apiClient, id)
	}
	return nil
}
