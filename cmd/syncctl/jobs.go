package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"trailsync/internal/app"
	"trailsync/internal/models"
	"trailsync/internal/syncer"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Queue a sync for one user",
	Long: `Create a pending sync job for a user and source and queue it for the workers.

Fails if the user already has a pending or running job for the source.

Examples:
  syncctl start --user 42 --source strava
  syncctl start --user 42 --delay 10m`,
	RunE: runStart,
}

var statusCmd = &cobra.Command{
	Use:   "status <job-id>",
	Short: "Show one sync job",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

var latestCmd = &cobra.Command{
	Use:   "latest",
	Short: "Show a user's most recent sync job",
	RunE:  runLatest,
}

func init() {
	startCmd.Flags().String("user", "", "User id (required)")
	startCmd.Flags().String("source", string(models.SourceSwarm), "Data source: swarm, strava or garmin")
	startCmd.Flags().Duration("delay", 0, "Postpone the first run")
	_ = startCmd.MarkFlagRequired("user")

	latestCmd.Flags().String("user", "", "User id (required)")
	_ = latestCmd.MarkFlagRequired("user")

	rootCmd.AddCommand(startCmd, statusCmd, latestCmd)
}

func runStart(cmd *cobra.Command, _ []string) error {
	userID, _ := cmd.Flags().GetString("user")
	source, _ := cmd.Flags().GetString("source")
	delay, _ := cmd.Flags().GetDuration("delay")

	src, err := models.ParseDataSource(source)
	if err != nil {
		return err
	}
	return withApp(cmd, func(a *app.App) error {
		job, err := a.Service.Start(cmd.Context(), userID, src, syncer.StartOptions{Delay: delay})
		var inProgress *syncer.InProgressError
		if errors.As(err, &inProgress) {
			return fmt.Errorf("user %s already has %s job %s", userID, inProgress.Job.Status, inProgress.Job.ID)
		}
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(job)
		}
		fmt.Printf("queued %s sync %s for user %s\n", src, job.ID, userID)
		return nil
	})
}

func runStatus(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(a *app.App) error {
		job, err := a.Store.GetJob(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printJob(&job)
	})
}

func runLatest(cmd *cobra.Command, _ []string) error {
	userID, _ := cmd.Flags().GetString("user")
	return withApp(cmd, func(a *app.App) error {
		job, err := a.Store.FindLatestFor(cmd.Context(), userID)
		if err != nil {
			return err
		}
		if job == nil {
			if jsonOutput {
				return printJSON(map[string]any{"job": nil})
			}
			fmt.Printf("no sync jobs for user %s\n", userID)
			return nil
		}
		return printJob(job)
	})
}

func printJob(job *models.SyncJob) error {
	if jsonOutput {
		return printJSON(job)
	}
	fmt.Printf("%s  %s  user=%s  status=%s\n", job.ID, job.DataSource, job.UserID, job.Status)
	expected := "?"
	if job.TotalExpected != nil {
		expected = fmt.Sprint(*job.TotalExpected)
	}
	fmt.Printf("  imported %d of %s, batch %d\n", job.TotalImported, expected, job.CurrentBatch)
	fmt.Printf("  created %s\n", job.CreatedAt.Format(time.RFC3339))
	if job.StartedAt != nil {
		fmt.Printf("  started %s\n", job.StartedAt.Format(time.RFC3339))
	}
	if job.CompletedAt != nil {
		fmt.Printf("  finished %s\n", job.CompletedAt.Format(time.RFC3339))
	}
	if job.RetryAfter != nil {
		fmt.Printf("  resumes after %s\n", job.RetryAfter.Format(time.RFC3339))
	}
	if job.ErrorMessage != nil {
		fmt.Printf("  error: %s\n", *job.ErrorMessage)
	}
	return nil
}
