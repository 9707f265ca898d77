package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/raphaelgruber/mediaflow/internal/client"
	"github.com/spf13/cobra"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs [job-id]",
	Short: "List or inspect submitted jobs",
	Long: `List the jobs mediaflowd tracks or inspect one job by ID.

Jobs the server no longer tracks in memory are rebuilt from the status store.

Examples:
  mediaflow jobs           # List all jobs
  mediaflow jobs 3f9a...   # Show per-item progress of one job`,
	Args: cobra.MaximumNArgs(1),
	RunE: runJobs,
}

func runJobs(cmd *cobra.Command, args []string) error {
	if len(args) == 1 {
		return showJob(cmd.Context(), cmd.OutOrStdout(), args[0])
	}
	return listJobs(cmd.Context(), cmd.OutOrStdout())
}

func listJobs(ctx context.Context, out io.Writer) error {
	jobs, err := apiClient.Jobs(ctx)
	if err != nil {
		return fmt.Errorf("list jobs: %w", err)
	}

	if len(jobs) == 0 {
		fmt.Fprintln(out, "No jobs found")
		return nil
	}

	fmt.Fprintf(out, "%-14s %-11s %-10s %-7s %s\n", "ID", "PHASE", "PROGRESS", "FAILED", "STARTED")
	fmt.Fprintln(out, "--------------------------------------------------------------")

	for _, job := range jobs {
		progress := fmt.Sprintf("%d/%d", job.Done(), job.Total)
		started := ""
		if !job.StartedAt.IsZero() {
			started = job.StartedAt.Local().Format("15:04:05")
		}
		fmt.Fprintf(out, "%-14s %-11s %-10s %-7d %s\n", shortID(job.JobID), jobPhase(&job), progress, job.Failed, started)
	}

	return nil
}

func showJob(ctx context.Context, out io.Writer, id string) error {
	job, err := apiClient.Job(ctx, id)
	if client.IsNotFound(err) {
		return fmt.Errorf("job not found: %s", id)
	}
	if err != nil {
		return fmt.Errorf("get job: %w", err)
	}

	fmt.Fprintf(out, "Job: %s\n", job.JobID)
	fmt.Fprintf(out, "  Phase: %s\n", jobPhase(job))
	fmt.Fprintf(out, "  Progress: %d/%d\n", job.Done(), job.Total)
	if job.Failed > 0 {
		fmt.Fprintf(out, "  Failed: %d\n", job.Failed)
	}
	if !job.StartedAt.IsZero() {
		fmt.Fprintf(out, "  Started: %s\n", job.StartedAt.Format(time.RFC3339))
	}
	if job.Complete && !job.UpdatedAt.IsZero() {
		fmt.Fprintf(out, "  Finished: %s\n", job.UpdatedAt.Format(time.RFC3339))
		if !job.StartedAt.IsZero() {
			fmt.Fprintf(out, "  Duration: %s\n", job.UpdatedAt.Sub(job.StartedAt).Round(time.Second))
		}
	}

	if len(job.Items) == 0 {
		return nil
	}
	fmt.Fprintf(out, "\nItems (%d):\n", len(job.Items))
	for _, it := range job.Items {
		line := fmt.Sprintf("  %-11s %-9s %-10s %s", it.State, it.Category, it.Stage, it.FileName)
		if it.Message != "" && (verbose || it.State == "failed") {
			line += " - " + it.Message
		}
		fmt.Fprintln(out, line)
	}
	return nil
}
