// Package orchestrator fans the daily sync out across active users and runs
// the job retention sweep.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"trailsync/internal/models"
	"trailsync/internal/queue"
	"trailsync/internal/syncer"
	"trailsync/internal/telemetry"
)

const (
	// TaskDailySync fans out one sync per active user.
	TaskDailySync = "sync:daily"
	// TaskSweep deletes finished jobs past retention.
	TaskSweep = "sync:sweep"
)

// DailyPayload optionally narrows a daily pass to some sources.
type DailyPayload struct {
	Sources []models.DataSource `json:"sources,omitempty"`
}

// UserLister returns users eligible for the daily pass, in a stable order.
type UserLister interface {
	ListActiveUsers(ctx context.Context, since time.Time, src models.DataSource) ([]models.User, error)
}

// Starter creates and queues one sync job.
type Starter interface {
	Start(ctx context.Context, userID string, src models.DataSource, opts syncer.StartOptions) (models.SyncJob, error)
}

// JobSweeper removes finished jobs.
type JobSweeper interface {
	DeleteFinishedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Config is the fan-out and retention policy.
type Config struct {
	Sources       []models.DataSource
	Stagger       time.Duration
	ActiveWindow  time.Duration
	RetentionDays int
}

// Summary reports one source's pass.
type Summary struct {
	Source  models.DataSource `json:"source"`
	Users   int               `json:"users"`
	Queued  int               `json:"queued"`
	Skipped int               `json:"skipped"`
	Failed  int               `json:"failed"`
}

type Orchestrator struct {
	users   UserLister
	starter Starter
	sweeper JobSweeper
	cfg     Config
	log     *slog.Logger
	now     func() time.Time
}

func New(users UserLister, starter Starter, sweeper JobSweeper, cfg Config, log *slog.Logger) *Orchestrator {
	return &Orchestrator{
		users:   users,
		starter: starter,
		sweeper: sweeper,
		cfg:     cfg,
		log:     log.With("component", "orchestrator"),
		now:     time.Now,
	}
}

// Sources are the sources a daily pass covers by default.
func (o *Orchestrator) Sources() []models.DataSource {
	return o.cfg.Sources
}

// HandleDaily is the queue handler for TaskDailySync.
func (o *Orchestrator) HandleDaily(ctx context.Context, task queue.Task) error {
	var p DailyPayload
	if len(task.Payload) > 0 {
		if err := task.Decode(&p); err != nil {
			return err
		}
	}
	sources := p.Sources
	if len(sources) == 0 {
		sources = o.cfg.Sources
	}
	_, err := o.RunDaily(ctx, sources)
	return err
}

// RunDaily queues a sync for every active user of each source. User i (in
// list order) starts after i * Stagger, whether or not an earlier user was
// skipped. A failed listing aborts the pass. Per-user failures do not stop the
// other users but are returned so the queue retries the pass; users queued on
// the first attempt are then skipped as already active.
func (o *Orchestrator) RunDaily(ctx context.Context, sources []models.DataSource) ([]Summary, error) {
	var (
		summaries []Summary
		errs      []error
	)
	for _, src := range sources {
		sum, err := o.runSource(ctx, src)
		if sum.Users > 0 || err == nil {
			summaries = append(summaries, sum)
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	return summaries, errors.Join(errs...)
}

func (o *Orchestrator) runSource(ctx context.Context, src models.DataSource) (Summary, error) {
	sum := Summary{Source: src}
	log := o.log.With("source", src)

	since := o.now().Add(-o.cfg.ActiveWindow)
	users, err := o.users.ListActiveUsers(ctx, since, src)
	if err != nil {
		return sum, fmt.Errorf("list active %s users: %w", src, err)
	}
	sum.Users = len(users)

	var errs []error
	for i, u := range users {
		delay := time.Duration(i) * o.cfg.Stagger
		job, err := o.starter.Start(ctx, u.ID, src, syncer.StartOptions{Delay: delay})
		switch {
		case errors.Is(err, syncer.ErrSyncInProgress):
			sum.Skipped++
			telemetry.OrchestratorSkipped.WithLabelValues(string(src)).Inc()
			log.Info("sync already active, skipping user", "user_id", u.ID, "job_id", job.ID)
		case err != nil:
			sum.Failed++
			errs = append(errs, fmt.Errorf("start %s sync for %s: %w", src, u.ID, err))
			log.Error("queue user sync", "user_id", u.ID, "error", err)
		default:
			sum.Queued++
			telemetry.OrchestratorQueued.WithLabelValues(string(src)).Inc()
		}
		if ctx.Err() != nil {
			return sum, ctx.Err()
		}
	}

	log.Info("daily sync pass", "users", sum.Users, "queued", sum.Queued, "skipped", sum.Skipped, "failed", sum.Failed,
		"spread", time.Duration(max(len(users)-1, 0))*o.cfg.Stagger)
	return sum, errors.Join(errs...)
}

// HandleSweep is the queue handler for TaskSweep.
func (o *Orchestrator) HandleSweep(ctx context.Context, _ queue.Task) error {
	_, err := o.Sweep(ctx)
	return err
}

// Sweep deletes finished jobs older than the retention period.
func (o *Orchestrator) Sweep(ctx context.Context) (int64, error) {
	days := o.cfg.RetentionDays
	if days <= 0 {
		days = 30
	}
	cutoff := o.now().AddDate(0, 0, -days)
	n, err := o.sweeper.DeleteFinishedBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	telemetry.JobsSwept.Add(float64(n))
	o.log.Info("finished jobs swept", "deleted", n, "cutoff", cutoff.UTC().Format(time.RFC3339))
	return n, nil
}
