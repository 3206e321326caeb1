package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"trailsync/internal/app"
	"trailsync/internal/models"
	"trailsync/internal/orchestrator"
	"trailsync/internal/queue"
)

var orchestrateCmd = &cobra.Command{
	Use:   "orchestrate",
	Short: "Trigger the daily sync fan-out now",
	Long: `Queue the daily pass the worker runs on DAILY_SYNC_CRON: a staggered sync for
every active user. By default the pass is handed to a worker; --inline runs it in
this process and prints a summary per source.

Examples:
  syncctl orchestrate
  syncctl orchestrate --source swarm --source strava
  syncctl orchestrate --inline`,
	RunE: runOrchestrate,
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Trigger the retention sweep of finished jobs past JOB_RETENTION_DAYS",
	RunE:  runSweep,
}

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Show queue depths and dead-lettered tasks",
	RunE:  runQueue,
}

func init() {
	orchestrateCmd.Flags().StringSlice("source", nil, "Sources to fan out (default DAILY_SYNC_SOURCES)")
	orchestrateCmd.Flags().Bool("inline", false, "Run the pass here instead of queueing it")
	sweepCmd.Flags().Bool("inline", false, "Run the sweep here instead of queueing it")
	queueCmd.Flags().Int64("dlq", 10, "Dead-lettered task ids to list")

	rootCmd.AddCommand(orchestrateCmd, sweepCmd, queueCmd)
}

func runOrchestrate(cmd *cobra.Command, _ []string) error {
	names, _ := cmd.Flags().GetStringSlice("source")
	inline, _ := cmd.Flags().GetBool("inline")

	sources := make([]models.DataSource, 0, len(names))
	for _, n := range names {
		src, err := models.ParseDataSource(n)
		if err != nil {
			return err
		}
		sources = append(sources, src)
	}

	return withApp(cmd, func(a *app.App) error {
		if !inline {
			id, err := a.Queue.Enqueue(cmd.Context(), orchestrator.TaskDailySync,
				orchestrator.DailyPayload{Sources: sources}, queue.EnqueueOptions{})
			if err != nil {
				return err
			}
			fmt.Printf("queued daily pass as task %s\n", id)
			return nil
		}

		orch, err := a.Orchestrator()
		if err != nil {
			return err
		}
		if len(sources) == 0 {
			sources = orch.Sources()
		}
		sums, err := orch.RunDaily(cmd.Context(), sources)
		if jsonOutput {
			if perr := printJSON(sums); perr != nil {
				return perr
			}
		} else {
			for _, s := range sums {
				fmt.Printf("%-7s users=%d queued=%d skipped=%d failed=%d\n", s.Source, s.Users, s.Queued, s.Skipped, s.Failed)
			}
		}
		return err
	})
}

func runSweep(cmd *cobra.Command, _ []string) error {
	inline, _ := cmd.Flags().GetBool("inline")
	return withApp(cmd, func(a *app.App) error {
		if !inline {
			id, err := a.Queue.Enqueue(cmd.Context(), orchestrator.TaskSweep, nil, queue.EnqueueOptions{})
			if err != nil {
				return err
			}
			fmt.Printf("queued sweep as task %s\n", id)
			return nil
		}
		orch, err := a.Orchestrator()
		if err != nil {
			return err
		}
		n, err := orch.Sweep(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("deleted %d finished jobs\n", n)
		return nil
	})
}

func runQueue(cmd *cobra.Command, _ []string) error {
	count, _ := cmd.Flags().GetInt64("dlq")
	return withApp(cmd, func(a *app.App) error {
		stats, err := a.Queue.Stats(cmd.Context())
		if err != nil {
			return err
		}
		var dead []string
		if count > 0 {
			if dead, err = a.Queue.DLQPeek(cmd.Context(), count); err != nil {
				return err
			}
		}
		if jsonOutput {
			return printJSON(map[string]any{"stats": stats, "deadLetter": dead})
		}
		fmt.Printf("ready=%d scheduled=%d inflight=%d dead=%d\n", stats.Ready, stats.Scheduled, stats.InFlight, stats.DeadLetter)
		for _, id := range dead {
			fmt.Printf("  dlq %s\n", id)
		}
		return nil
	})
}
