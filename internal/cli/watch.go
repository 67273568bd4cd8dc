package cli

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/communiday/eventcore-go/internal/queue"
)

var watchOwner string

var watchCmd = &cobra.Command{
	Use:   "watch [job-id]",
	Short: "Follow job progress",
	Long: `Follow a single job with an interactive progress display, or stream
all update notifications for an owner.

Examples:
  eventcore watch abc123       # Interactive progress for one job
  eventcore watch --owner u1   # Stream updates for all of u1's jobs`,
	Args: cobra.MaximumNArgs(1),
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().StringVar(&watchOwner, "owner", "", "stream updates for this owner instead of one job")
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	if len(args) == 1 {
		return RunJobProgress(apiClient, args[0])
	}
	if watchOwner == "" {
		return fmt.Errorf("a job id or --owner is required")
	}
	return streamUpdates(cmd, watchOwner)
}

// streamUpdates prints one line per update notification until interrupted.
func streamUpdates(cmd *cobra.Command, ownerID string) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	fmt.Fprintf(os.Stderr, "Streaming updates for owner %s (Ctrl+C to stop)\n", ownerID)

	err := apiClient.Watch(ctx, ownerID, func(n queue.Notification) error {
		line := fmt.Sprintf("%s  %-8s %-14s %-11s %3d%%",
			n.Timestamp.Local().Format("15:04:05"), n.JobID, n.Type, n.Status, n.Progress)
		if n.Step != "" {
			line += "  " + n.Step
		}
		if n.Error != "" {
			line += "  error: " + n.Error
		}
		fmt.Println(line)
		return nil
	})
	if ctx.Err() != nil {
		return nil
	}
	return err
}
