package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"trailsync/internal/credentials"
	"trailsync/internal/models"
	"trailsync/internal/progress"
	"trailsync/internal/provider"
	"trailsync/internal/queue"
	"trailsync/internal/store"
	"trailsync/internal/telemetry"
	"trailsync/internal/worker"
)

// finalizeTimeout bounds the status writes made after a run, which must land
// even when the run's own context is done.
const finalizeTimeout = 10 * time.Second

// HandlerConfig is the run policy of the sync handler.
type HandlerConfig struct {
	FullYearsBack    int
	ProgressInterval time.Duration
}

// Handler executes TaskSyncRun tasks.
type Handler struct {
	svc         *Service
	jobs        JobStore
	checkpoints Checkpoints
	creds       CredentialSource
	adapters    *provider.Registry
	cfg         HandlerConfig
	log         *slog.Logger
	now         func() time.Time
}

func NewHandler(svc *Service, checkpoints Checkpoints, creds CredentialSource, adapters *provider.Registry, cfg HandlerConfig, log *slog.Logger) *Handler {
	if cfg.FullYearsBack <= 0 {
		cfg.FullYearsBack = 5
	}
	if cfg.ProgressInterval <= 0 {
		cfg.ProgressInterval = 2 * time.Second
	}
	return &Handler{
		svc:         svc,
		jobs:        svc.jobs,
		checkpoints: checkpoints,
		creds:       creds,
		adapters:    adapters,
		cfg:         cfg,
		log:         log.With("component", "sync-handler"),
		now:         time.Now,
	}
}

// Handle runs the job named by the task. A redelivered task whose job was
// left failed or running continues in a successor job so finished rows are
// never rewritten.
func (h *Handler) Handle(ctx context.Context, task queue.Task) error {
	var p Payload
	if err := task.Decode(&p); err != nil {
		return worker.Permanent(err)
	}
	job, err := h.jobs.GetJob(ctx, p.JobID)
	if errors.Is(err, store.ErrNotFound) {
		return worker.Permanent(err)
	}
	if err != nil {
		return err
	}
	log := h.log.With("job_id", job.ID, "user_id", job.UserID, "source", job.DataSource, "attempt", task.Attempts)

	switch job.Status {
	case models.StatusPending:
	case models.StatusCompleted:
		log.Info("job already completed, nothing to do")
		return nil
	case models.StatusRunning:
		if err := h.jobs.MarkFailed(ctx, job.ID, "worker lost lease"); err != nil && !errors.Is(err, store.ErrInvalidTransition) {
			return err
		}
		log.Warn("job was running on a lost worker, continuing in a successor")
		fallthrough
	case models.StatusFailed:
		next, err := h.svc.successor(ctx, job, job.SyncCursor)
		if err != nil || next == nil {
			return err
		}
		log.Info("continuing in successor job", "successor_id", next.ID)
		job = *next
	case models.StatusRateLimited:
		next, err := h.svc.successor(ctx, job, job.SyncCursor)
		if err != nil || next == nil {
			return err
		}
		return h.svc.enqueue(ctx, *next, h.resumeDelay(job.RetryAfter))
	default:
		return worker.Permanent(fmt.Errorf("job %s has unknown status %q", job.ID, job.Status))
	}
	return h.run(ctx, job)
}

func (h *Handler) run(ctx context.Context, job models.SyncJob) error {
	log := h.log.With("job_id", job.ID, "user_id", job.UserID, "source", job.DataSource)
	startedAt := h.now().UTC()

	if err := h.jobs.MarkStarted(ctx, job.ID); err != nil {
		if errors.Is(err, store.ErrInvalidTransition) {
			log.Warn("job no longer pending, skipping", "error", err)
			return nil
		}
		return err
	}

	adapter, err := h.adapters.Get(job.DataSource)
	if err != nil {
		return h.fail(ctx, job, worker.Permanent(err), log)
	}
	creds, err := h.creds.Get(ctx, job.UserID, job.DataSource)
	if err != nil {
		if errors.Is(err, credentials.ErrNotFound) {
			err = worker.Permanent(fmt.Errorf("no %s credentials: %w", job.DataSource, err))
		}
		return h.fail(ctx, job, err, log)
	}
	since, err := h.checkpoints.LastSyncAt(ctx, job.UserID, job.DataSource)
	if err != nil {
		return h.fail(ctx, job, err, log)
	}

	var cursor string
	if job.SyncCursor != nil {
		cursor = *job.SyncCursor
	}
	session := provider.NewSession(job.UserID, job.DataSource, creds, cursor, h.creds)
	reporter := progress.NewReporter(h.jobs, job.ID, h.cfg.ProgressInterval, log)

	var res provider.Result
	if since == nil {
		log.Info("full historical sync", "years_back", h.cfg.FullYearsBack)
		res, err = adapter.FullHistoricalSync(ctx, session, h.cfg.FullYearsBack, reporter)
	} else {
		log.Info("incremental sync", "since", since.UTC().Format(time.RFC3339))
		res, err = adapter.IncrementalSync(ctx, session, *since, reporter)
	}

	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()
	if ferr := reporter.Flush(fctx); ferr != nil {
		log.Warn("final progress write failed", "error", ferr)
	}
	if err != nil && ctx.Err() != nil {
		// Shutdown: the lease expires and the redelivered task continues from the flushed cursor.
		return ctx.Err()
	}

	log = log.With("fetched", res.Fetched, "imported", res.Imported, "skipped", res.Skipped, "failed", res.Failed)
	if err == nil {
		return h.complete(fctx, job, res, startedAt, log)
	}
	if rl, ok := provider.AsRateLimit(err); ok {
		return h.rateLimited(fctx, job, rl, reporter.Snapshot().Cursor, log)
	}
	switch provider.KindOf(err) {
	case provider.KindAuth, provider.KindFatal:
		err = worker.Permanent(err)
	}
	return h.fail(fctx, job, err, log)
}

// complete advances the checkpoint to the run's start time when something new
// was stored, then closes the job. A run that stored nothing leaves the
// checkpoint alone so an empty or broken fetch never skips ahead.
func (h *Handler) complete(ctx context.Context, job models.SyncJob, res provider.Result, startedAt time.Time, log *slog.Logger) error {
	if res.Imported > 0 {
		if _, err := h.checkpoints.AdvanceLastSync(ctx, job.UserID, job.DataSource, startedAt); err != nil {
			return h.fail(ctx, job, fmt.Errorf("advance checkpoint: %w", err), log)
		}
		telemetry.RecordsImported.WithLabelValues(string(job.DataSource)).Add(float64(res.Imported))
	}
	if err := h.jobs.MarkCompleted(ctx, job.ID); err != nil {
		return err
	}
	telemetry.SyncJobs.WithLabelValues(string(job.DataSource), string(models.StatusCompleted)).Inc()
	log.Info("sync completed")
	return nil
}

// rateLimited parks the job and schedules a successor for when the provider
// allows calls again. The task itself succeeds so the queue's attempt budget
// is not spent on waiting.
func (h *Handler) rateLimited(ctx context.Context, job models.SyncJob, rl *provider.Error, cursor string, log *slog.Logger) error {
	if err := h.jobs.MarkRateLimited(ctx, job.ID, rl.RetryAfter, rl.Error()); err != nil {
		return err
	}
	telemetry.SyncJobs.WithLabelValues(string(job.DataSource), string(models.StatusRateLimited)).Inc()

	resume := job.SyncCursor
	if cursor != "" {
		resume = &cursor
	}
	next, err := h.svc.successor(ctx, job, resume)
	if err != nil || next == nil {
		return err
	}
	delay := h.resumeDelay(&rl.RetryAfter)
	if err := h.svc.enqueue(ctx, *next, delay); err != nil {
		return err
	}
	log.Warn("sync rate limited, resumption scheduled", "window", rl.Window,
		"retry_after", rl.RetryAfter.UTC().Format(time.RFC3339), "successor_id", next.ID, "delay", delay)
	return nil
}

func (h *Handler) fail(ctx context.Context, job models.SyncJob, err error, log *slog.Logger) error {
	if merr := h.jobs.MarkFailed(ctx, job.ID, err.Error()); merr != nil {
		log.Error("mark job failed", "error", merr)
	}
	telemetry.SyncJobs.WithLabelValues(string(job.DataSource), string(models.StatusFailed)).Inc()
	log.Error("sync failed", "error", err, "permanent", worker.IsPermanent(err))
	return err
}

func (h *Handler) resumeDelay(retryAfter *time.Time) time.Duration {
	if retryAfter == nil {
		return 0
	}
	if d := retryAfter.Sub(h.now()); d > 0 {
		return d
	}
	return 0
}
