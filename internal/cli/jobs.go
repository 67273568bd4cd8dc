package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var jobsOwner string

var jobsCmd = &cobra.Command{
	Use:   "jobs [job-id]",
	Short: "List or inspect ingestion jobs",
	Long: `List an owner's jobs or inspect a specific job by ID.

Examples:
  eventcore jobs --owner u1    # List jobs submitted by u1
  eventcore jobs abc123        # Show details for job abc123`,
	Args: cobra.MaximumNArgs(1),
	RunE: runJobs,
}

func init() {
	jobsCmd.Flags().StringVar(&jobsOwner, "owner", "", "owner id to list jobs for")
	rootCmd.AddCommand(jobsCmd)
}

func runJobs(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	if len(args) == 1 {
		return showJob(ctx, args[0])
	}

	if jobsOwner == "" {
		return fmt.Errorf("--owner is required when no job id is given")
	}
	return listJobs(ctx, jobsOwner)
}

func listJobs(ctx context.Context, ownerID string) error {
	jobs, err := apiClient.ListJobs(ctx, ownerID)
	if err != nil {
		return fmt.Errorf("list jobs: %w", err)
	}

	if len(jobs) == 0 {
		fmt.Println("No jobs found")
		return nil
	}

	fmt.Printf("%-10s %-14s %-12s %-10s %s\n", "ID", "TYPE", "STATUS", "PROGRESS", "CREATED")
	fmt.Println("------------------------------------------------------------------------")

	for _, jwp := range jobs {
		job := jwp.Job
		progress := fmt.Sprintf("%d%%", job.Progress)
		if jwp.Context != nil && jwp.Context.TotalSteps > 0 {
			progress = fmt.Sprintf("%d%% (%d/%d)", job.Progress, jwp.Context.CurrentStep, jwp.Context.TotalSteps)
		}
		created := job.CreatedAt.Local().Format("15:04:05")
		fmt.Printf("%-10s %-14s %-12s %-10s %s\n", job.ID, job.Type, job.Status, progress, created)
	}

	return nil
}

func showJob(ctx context.Context, id string) error {
	job, err := apiClient.GetJob(ctx, id)
	if err != nil {
		return fmt.Errorf("get job: %w", err)
	}

	fmt.Printf("Job: %s\n", job.ID)
	fmt.Printf("  Type: %s\n", job.Type)
	fmt.Printf("  Status: %s\n", job.Status)
	fmt.Printf("  Progress: %d%%\n", job.Progress)
	if job.Step != "" {
		fmt.Printf("  Step: %s\n", job.Step)
	}
	fmt.Printf("  Created: %s\n", job.CreatedAt.Format(time.RFC3339))
	if !job.UpdatedAt.IsZero() {
		fmt.Printf("  Updated: %s\n", job.UpdatedAt.Format(time.RFC3339))
		if job.Status.Terminal() {
			fmt.Printf("  Duration: %s\n", job.UpdatedAt.Sub(job.CreatedAt).Round(time.Second))
		}
	}
	if job.Error != "" {
		fmt.Printf("  Error: %s\n", job.Error)
	}
	if len(job.Result) > 0 {
		fmt.Printf("\nResult:\n  %s\n", string(job.Result))
	}

	// Step breakdown, when the bridge has one
	pc, err := apiClient.GetProgress(ctx, id)
	if err != nil {
		return nil
	}

	fmt.Printf("\nSteps (%d/%d):\n", pc.CurrentStep, pc.TotalSteps)
	for i, step := range pc.Steps {
		marker := " "
		switch {
		case step.Error != "":
			marker = "✗"
		case step.Progress >= 100:
			marker = "✓"
		case step.Progress > 0:
			marker = "›"
		}
		fmt.Printf("  %s %d. %-30s %3d%%\n", marker, i+1, step.Description, step.Progress)
	}

	return nil
}
