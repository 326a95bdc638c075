package commands

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/teranos/flywheel/logger"
	"github.com/teranos/flywheel/queue"
	"github.com/teranos/flywheel/sym"
)

// JobsCmd represents the jobs command - persisted job inspection
var JobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: sym.Wheel + " Inspect persisted job records",
	Long: sym.Wheel + ` Job record management.

Reads job records straight from the database, so it works whether or
not the daemon is running.

Job management commands:
  flywheel jobs ls                      # List all jobs
  flywheel jobs status <id>             # Show job details
  flywheel jobs rm <id>                 # Delete a job record
  flywheel jobs cleanup --older-than 72 # Delete old terminal records`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

// JobsLsCmd lists persisted jobs
var JobsLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List persisted jobs",
	Long: `List persisted jobs, optionally filtered by status or type.

Status filters:
  pending   - Jobs waiting on a schedule time or dependency
  queued    - Jobs waiting to be dispatched
  running   - Jobs currently being processed
  completed - Successfully completed jobs
  failed    - Jobs that exhausted their retries
  cancelled - Jobs cancelled before completion
  retrying  - Jobs waiting out a retry delay

Examples:
  flywheel jobs ls                    # List all jobs
  flywheel jobs ls --status running   # List only running jobs
  flywheel jobs ls --type digest      # List only digest jobs
  flywheel jobs ls --limit 50         # Show up to 50 jobs`,
	RunE: func(cmd *cobra.Command, args []string) error {
		statusFilter, _ := cmd.Flags().GetString("status")
		typeFilter, _ := cmd.Flags().GetString("type")
		limit, _ := cmd.Flags().GetInt("limit")
		return runJobsLs(statusFilter, typeFilter, limit)
	},
}

// JobsStatusCmd shows the details of a persisted job
var JobsStatusCmd = &cobra.Command{
	Use:   "status <job-id>",
	Short: "Show status of a job",
	Long: `Display detailed status information for a job:
- Job ID, type, and creator
- Current status, priority, and progress
- Retry count and last error
- Timestamps (created, started, finished)

Example:
  flywheel jobs status 4a1c9a8e-0b3f-4c2d-9d6e-1f2a3b4c5d6e`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runJobsStatus(args[0])
	},
}

// JobsRmCmd deletes a persisted job record
var JobsRmCmd = &cobra.Command{
	Use:   "rm <job-id>",
	Short: "Delete a job record",
	Long: `Delete a job record from the database.

Refuses to delete a running job unless --force is given; a forced
delete does not stop the handler, it only drops the record.

Example:
  flywheel jobs rm 4a1c9a8e-0b3f-4c2d-9d6e-1f2a3b4c5d6e`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		force, _ := cmd.Flags().GetBool("force")
		return runJobsRm(args[0], force)
	},
}

// JobsCleanupCmd deletes old terminal job records
var JobsCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete old terminal job records",
	Long: `Delete completed, failed, and cancelled job records that finished
more than --older-than hours ago.

Examples:
  flywheel jobs cleanup                  # Delete records older than 7 days
  flywheel jobs cleanup --older-than 24  # Delete records older than a day`,
	RunE: func(cmd *cobra.Command, args []string) error {
		hours, _ := cmd.Flags().GetInt("older-than")
		return runJobsCleanup(hours)
	},
}

func init() {
	JobsLsCmd.Flags().String("status", "", "Filter by status (pending, queued, running, completed, failed, cancelled, retrying)")
	JobsLsCmd.Flags().String("type", "", "Filter by job type (digest, notification, cleanup, ...)")
	JobsLsCmd.Flags().Int("limit", 20, "Maximum number of jobs to display")
	JobsRmCmd.Flags().Bool("force", false, "Delete even if the job is running")
	JobsCleanupCmd.Flags().Int("older-than", 168, "Delete terminal records finished more than this many hours ago")

	JobsCmd.AddCommand(JobsLsCmd)
	JobsCmd.AddCommand(JobsStatusCmd)
	JobsCmd.AddCommand(JobsRmCmd)
	JobsCmd.AddCommand(JobsCleanupCmd)
}

// runJobsLs lists persisted jobs, newest first
func runJobsLs(statusFilter, typeFilter string, limit int) error {
	database, err := openDatabase("")
	if err != nil {
		return err
	}
	defer database.Close()

	store := queue.NewStore(database, logger.Logger)

	var filter queue.Filter
	if statusFilter != "" {
		if !queue.IsValidStatus(statusFilter) {
			return fmt.Errorf("unknown status %q (valid: %s)", statusFilter, joinStatuses())
		}
		filter.Statuses = []queue.JobStatus{queue.JobStatus(statusFilter)}
	}
	if typeFilter != "" {
		if !queue.IsValidType(typeFilter) {
			return fmt.Errorf("unknown job type %q (valid: %s)", typeFilter, joinTypes())
		}
		filter.Type = queue.JobType(typeFilter)
	}
	filter.Limit = limit

	jobs, err := store.FindManyOrdered(filter, queue.OrderCreatedDesc)
	if err != nil {
		return fmt.Errorf("failed to list jobs: %w", err)
	}

	if len(jobs) == 0 {
		fmt.Printf("%s No jobs found\n", sym.Wheel)
		return nil
	}

	// Print table header
	fmt.Printf("%-38s %-18s %-12s %-10s %s\n", "JOB ID", "TYPE", "STATUS", "PROGRESS", "CREATED")
	fmt.Printf("%-38s %-18s %-12s %-10s %s\n", "------", "----", "------", "--------", "-------")

	for _, job := range jobs {
		fmt.Printf("%-38s %-18s %-12s %-10s %s\n",
			job.ID,
			truncate(string(job.Type), 18),
			job.Status,
			fmt.Sprintf("%d%%", job.Progress),
			job.CreatedAt.Format("2006-01-02 15:04"))
	}

	fmt.Printf("\nTotal: %d job(s)\n", len(jobs))
	return nil
}

// runJobsStatus displays detailed status for a job
func runJobsStatus(jobID string) error {
	database, err := openDatabase("")
	if err != nil {
		return err
	}
	defer database.Close()

	store := queue.NewStore(database, logger.Logger)
	job, err := store.GetByID(jobID)
	if err != nil {
		return fmt.Errorf("failed to get job: %w", err)
	}

	fmt.Printf("%s Job ID: %s\n", sym.Wheel, job.ID)
	fmt.Printf("  Type: %s\n", job.Type)
	fmt.Printf("  Status: %s\n", job.Status)
	fmt.Printf("  Priority: %d\n", job.Priority)
	fmt.Printf("  Progress: %d%%\n", job.Progress)
	if job.MaxRetries > 0 {
		fmt.Printf("  Retries: %d/%d\n", job.RetryCount, job.MaxRetries)
	}
	if job.CreatedByID != "" {
		fmt.Printf("  Created by: %s\n", job.CreatedByID)
	}
	fmt.Printf("\n")

	if job.Error != "" {
		fmt.Printf("Error: %s\n\n", job.Error)
	}

	fmt.Printf("Created: %s\n", job.CreatedAt.Format("2006-01-02 15:04:05"))
	if job.StartedAt != nil {
		fmt.Printf("Started: %s\n", job.StartedAt.Format("2006-01-02 15:04:05"))
	}
	if job.FinishedAt != nil {
		fmt.Printf("Finished: %s\n", job.FinishedAt.Format("2006-01-02 15:04:05"))
	}

	return nil
}

// runJobsRm deletes a job record
func runJobsRm(jobID string, force bool) error {
	database, err := openDatabase("")
	if err != nil {
		return err
	}
	defer database.Close()

	store := queue.NewStore(database, logger.Logger)

	job, err := store.GetByID(jobID)
	if err != nil {
		return fmt.Errorf("failed to get job: %w", err)
	}

	if job.Status == queue.StatusRunning && !force {
		return fmt.Errorf("job %s is running; use --force to delete anyway", jobID)
	}

	if err := store.Delete(jobID); err != nil {
		return fmt.Errorf("failed to delete job: %w", err)
	}

	fmt.Printf("%s Job %s deleted\n", sym.Wheel, jobID)
	return nil
}

// runJobsCleanup deletes terminal records past the age threshold
func runJobsCleanup(hours int) error {
	if hours <= 0 {
		return fmt.Errorf("--older-than must be a positive number of hours")
	}

	database, err := openDatabase("")
	if err != nil {
		return err
	}
	defer database.Close()

	store := queue.NewStore(database, logger.Logger)
	cutoff := time.Now().Add(-time.Duration(hours) * time.Hour)

	removed, err := store.DeleteFinishedBefore(cutoff)
	if err != nil {
		return fmt.Errorf("failed to clean up jobs: %w", err)
	}

	fmt.Printf("%s Deleted %d job record(s) finished before %s\n",
		sym.Wheel, removed, cutoff.Format("2006-01-02 15:04"))
	return nil
}

// joinStatuses renders the valid status values for error messages
func joinStatuses() string {
	statuses := []string{
		string(queue.StatusPending), string(queue.StatusQueued), string(queue.StatusRunning),
		string(queue.StatusCompleted), string(queue.StatusFailed), string(queue.StatusCancelled),
		string(queue.StatusRetrying),
	}
	return strings.Join(statuses, ", ")
}

// joinTypes renders the known job types for error messages
func joinTypes() string {
	types := queue.AllJobTypes()
	names := make([]string, len(types))
	for i, t := range types {
		names[i] = string(t)
	}
	return strings.Join(names, ", ")
}

// truncate truncates a string to maxLen characters
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
