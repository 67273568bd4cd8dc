package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/communiday/eventcore-go/internal/handlers"
	"github.com/communiday/eventcore-go/internal/queue"
)

var (
	submitOwner string
	submitWatch bool
	flyerImage  string
	flyerText   string
)

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit content for ingestion",
}

var submitFlyerCmd = &cobra.Command{
	Use:   "flyer",
	Short: "Submit a scanned flyer",
	Long: `Submit a flyer for ingestion, either as an image file or as
pre-extracted text.

Examples:
  eventcore submit flyer --owner u1 --image flyer.jpg
  eventcore submit flyer --owner u1 --text "Spring market, April 4, Hauptplatz"`,
	RunE: runSubmitFlyer,
}

var submitEventCmd = &cobra.Command{
	Use:   "event [description]",
	Short: "Submit a private event from a free-text description",
	Args:  cobra.ExactArgs(1),
	RunE:  runSubmitEvent,
}

var submitReportCmd = &cobra.Command{
	Use:   "report [text]",
	Short: "Submit a civic engagement report",
	Args:  cobra.ExactArgs(1),
	RunE:  runSubmitReport,
}

func init() {
	submitCmd.PersistentFlags().StringVar(&submitOwner, "owner", "", "submitting owner id (required)")
	submitCmd.PersistentFlags().BoolVarP(&submitWatch, "watch", "w", false, "watch job progress after submitting")
	submitFlyerCmd.Flags().StringVar(&flyerImage, "image", "", "path to flyer image")
	submitFlyerCmd.Flags().StringVar(&flyerText, "text", "", "pre-extracted flyer text")

	submitCmd.AddCommand(submitFlyerCmd)
	submitCmd.AddCommand(submitEventCmd)
	submitCmd.AddCommand(submitReportCmd)
	rootCmd.AddCommand(submitCmd)
}

func runSubmitFlyer(cmd *cobra.Command, args []string) error {
	if submitOwner == "" {
		return fmt.Errorf("--owner is required")
	}
	if flyerImage == "" && flyerText == "" {
		return fmt.Errorf("one of --image or --text is required")
	}

	ctx := cmd.Context()

	payload := handlers.FlyerPayload{
		OwnerID: submitOwner,
		Text:    flyerText,
	}

	if flyerImage != "" {
		data, err := os.ReadFile(flyerImage)
		if err != nil {
			return fmt.Errorf("read image: %w", err)
		}
		key, err := apiClient.UploadBlob(ctx, data)
		if err != nil {
			return fmt.Errorf("upload image: %w", err)
		}
		payload.BlobKey = key
		if verbose {
			fmt.Printf("Uploaded image as blob %s\n", key)
		}
	}

	return submitJob(cmd, queue.TypeFlyer, payload)
}

func runSubmitEvent(cmd *cobra.Command, args []string) error {
	if submitOwner == "" {
		return fmt.Errorf("--owner is required")
	}
	return submitJob(cmd, queue.TypePrivateEvent, handlers.PrivateEventPayload{
		OwnerID:     submitOwner,
		Description: args[0],
	})
}

func runSubmitReport(cmd *cobra.Command, args []string) error {
	if submitOwner == "" {
		return fmt.Errorf("--owner is required")
	}
	return submitJob(cmd, queue.TypeCivicReport, handlers.CivicReportPayload{
		OwnerID: submitOwner,
		Report:  args[0],
	})
}

func submitJob(cmd *cobra.Command, jobType queue.JobType, payload any) error {
	id, err := apiClient.Enqueue(cmd.Context(), jobType, payload)
	if err != nil {
		return fmt.Errorf("enqueue: %w", err)
	}

	fmt.Printf("Job %s enqueued\n", id)

	if submitWatch {
		return RunJobProgress(apiClient, id)
	}

	fmt.Printf("Use 'eventcore watch %s' to follow progress.\n", id)
	return nil
}
