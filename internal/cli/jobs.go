package cli

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/raphaelgruber/skillalign/internal/models"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var jobType string

var jobsCmd = &cobra.Command{
	Use:   "jobs [job-name]",
	Short: "List or inspect background jobs",
	Long: `List all background jobs or inspect a specific job by name.

Examples:
  skillalign jobs                 # List all batch alignment jobs
  skillalign jobs 4f1c...         # Show details for one job
  skillalign jobs watch 4f1c...   # Follow a running job
  skillalign jobs abort 4f1c...`,
	Args: cobra.MaximumNArgs(1),
	RunE: runJobs,
}

var jobsAbortCmd = &cobra.Command{
	Use:   "abort <job-name>",
	Short: "Abort an active job (no-op when already finished)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		job, err := apiClient.AbortJob(context.Background(), jobType, args[0])
		if err != nil {
			return fmt.Errorf("abort job: %w", err)
		}
		if jsonOut {
			return printJSON(job)
		}
		fmt.Printf("Job %s: %s\n", job.ID, job.Status)
		return nil
	},
}

var jobsDeleteCmd = &cobra.Command{
	Use:   "delete <job-name>",
	Short: "Delete a finished job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := apiClient.DeleteJob(context.Background(), jobType, args[0]); err != nil {
			return fmt.Errorf("delete job: %w", err)
		}
		fmt.Printf("Deleted job %s\n", args[0])
		return nil
	},
}

var jobsWatchCmd = &cobra.Command{
	Use:   "watch <job-name>",
	Short: "Follow a job until it finishes",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return watchJob(cmd.Context(), args[0])
	},
}

func init() {
	jobsCmd.PersistentFlags().StringVar(&jobType, "type", "batch_align", "job type")
	jobsCmd.AddCommand(jobsAbortCmd, jobsDeleteCmd, jobsWatchCmd)
}

func runJobs(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	if len(args) == 1 {
		return showJob(ctx, args[0])
	}
	return listJobs(ctx)
}

func listJobs(ctx context.Context) error {
	jobs, err := apiClient.ListJobs(ctx, jobType)
	if err != nil {
		return fmt.Errorf("list jobs: %w", err)
	}
	if jsonOut {
		return printJSON(jobs)
	}
	if len(jobs) == 0 {
		fmt.Println("No jobs found")
		return nil
	}

	fmt.Printf("%-36s %-10s %-10s %-12s %s\n", "NAME", "STATUS", "PROGRESS", "CREATED BY", "CREATED")
	fmt.Println("--------------------------------------------------------------------------------------------")
	for _, job := range jobs {
		progress := ""
		if job.Total > 0 {
			progress = fmt.Sprintf("%d/%d", job.Progress, job.Total)
		}
		fmt.Printf("%-36s %-10s %-10s %-12s %s\n", job.ID, job.Status, progress, job.CreatedBy,
			job.CreatedTime.Local().Format("2006-01-02 15:04:05"))
	}
	return nil
}

func showJob(ctx context.Context, name string) error {
	job, err := apiClient.GetJob(ctx, jobType, name)
	if err != nil {
		return fmt.Errorf("get job: %w", err)
	}
	if jsonOut {
		return printJSON(job)
	}

	fmt.Printf("Job: %s\n", job.ID)
	fmt.Printf("  Type: %s\n", job.Type)
	fmt.Printf("  Status: %s\n", job.Status)
	if job.Total > 0 {
		fmt.Printf("  Progress: %d/%d\n", job.Progress, job.Total)
	}
	if job.CreatedBy != "" {
		fmt.Printf("  Created by: %s\n", job.CreatedBy)
	}
	fmt.Printf("  Created: %s\n", job.CreatedTime.Format(time.RFC3339))
	if job.Status.Terminal() {
		fmt.Printf("  Finished: %s\n", job.LastModifiedTime.Format(time.RFC3339))
		fmt.Printf("  Duration: %s\n", job.LastModifiedTime.Sub(job.CreatedTime).Round(time.Second))
	}
	if job.ClaimedBy != nil {
		fmt.Printf("  Worker: %s\n", *job.ClaimedBy)
	}
	if job.OutputGCSPath != nil {
		fmt.Printf("  Output: %s\n", *job.OutputGCSPath)
	}

	if job.Status == models.JobStatusSucceeded {
		fmt.Println("\nResult:")
		fmt.Printf("  Entities processed: %d\n", metaInt(job.Metadata, "processed"))
		fmt.Printf("  Succeeded: %d\n", metaInt(job.Metadata, "succeeded"))
		fmt.Printf("  Failed: %d\n", metaInt(job.Metadata, "failed"))
	}
	if len(job.Errors) > 0 {
		fmt.Printf("\n  Errors (%d):\n", len(job.Errors))
		for _, e := range job.Errors {
			fmt.Printf("    - %s\n", e)
		}
	}
	return nil
}

// watchJob shows the interactive progress bar on a terminal and streams plain lines otherwise.
func watchJob(ctx context.Context, name string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if !jsonOut && term.IsTerminal(int(os.Stdout.Fd())) {
		return RunJobProgress(apiClient, jobType, name)
	}

	var last *models.BatchJob
	err := apiClient.WatchJob(ctx, jobType, name, func(job models.BatchJob) error {
		last = &job
		if jsonOut {
			return printJSON(job)
		}
		fmt.Printf("[%s] %d/%d entities\n", job.Status, job.Progress, job.Total)
		return nil
	})
	if err != nil {
		return fmt.Errorf("watch job: %w", err)
	}
	if last != nil && last.Status == models.JobStatusFailed {
		return jobError(last)
	}
	return nil
}
