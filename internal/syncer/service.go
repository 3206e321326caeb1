// Package syncer starts sync runs and executes them on the worker: it owns the
// job lifecycle around a provider adapter call and the checkpoint that follows.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"trailsync/internal/credentials"
	"trailsync/internal/models"
	"trailsync/internal/queue"
	"trailsync/internal/store"
	"trailsync/internal/telemetry"
)

// TaskSyncRun is the queue task type executing one sync job.
const TaskSyncRun = "sync:run"

// Payload is the body of a TaskSyncRun task.
type Payload struct {
	JobID  string            `json:"job_id"`
	UserID string            `json:"user_id"`
	Source models.DataSource `json:"source"`
}

// ErrSyncInProgress matches errors returned when a user already has a pending
// or running job for the source.
var ErrSyncInProgress = errors.New("sync already in progress")

// InProgressError carries the job that blocked a start.
type InProgressError struct {
	Job models.SyncJob
}

func (e *InProgressError) Error() string {
	return fmt.Sprintf("%s: job %s is %s", ErrSyncInProgress, e.Job.ID, e.Job.Status)
}

func (e *InProgressError) Is(target error) bool { return target == ErrSyncInProgress }

// JobStore is the job persistence the sync engine needs.
type JobStore interface {
	CreateJob(ctx context.Context, p store.NewJob) (models.SyncJob, error)
	GetJob(ctx context.Context, id string) (models.SyncJob, error)
	MarkStarted(ctx context.Context, id string) error
	MarkCompleted(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id, message string) error
	MarkRateLimited(ctx context.Context, id string, retryAfter time.Time, message string) error
	UpdateProgress(ctx context.Context, id string, p models.JobProgress) error
	FindActiveFor(ctx context.Context, userID string, src models.DataSource) (*models.SyncJob, error)
	FindResumableFor(ctx context.Context, userID string, src models.DataSource) (*models.SyncJob, error)
}

// Checkpoints reads and advances a user's per-source last sync time.
type Checkpoints interface {
	LastSyncAt(ctx context.Context, userID string, src models.DataSource) (*time.Time, error)
	AdvanceLastSync(ctx context.Context, userID string, src models.DataSource, at time.Time) (bool, error)
}

// Enqueuer submits tasks to the durable queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, taskType string, payload any, opts queue.EnqueueOptions) (string, error)
}

// CredentialSource reads a user's provider credentials and rotates rejected ones.
type CredentialSource interface {
	Get(ctx context.Context, userID string, src models.DataSource) (credentials.Credentials, error)
	Refresh(ctx context.Context, userID string, src models.DataSource, current credentials.Credentials) (credentials.Credentials, error)
}

// StartOptions tunes a single start.
type StartOptions struct {
	// Delay postpones the first run, used by the orchestrator to stagger users.
	Delay time.Duration
}

// Service creates jobs and queues them.
type Service struct {
	jobs  JobStore
	queue Enqueuer
	log   *slog.Logger
}

func NewService(jobs JobStore, q Enqueuer, log *slog.Logger) *Service {
	return &Service{jobs: jobs, queue: q, log: log.With("component", "syncer")}
}

// Start creates a pending job for the user and source and enqueues its task.
// It returns an *InProgressError when an active job already exists. A job
// left resumable by an interrupted run hands its cursor to the new one.
func (s *Service) Start(ctx context.Context, userID string, src models.DataSource, opts StartOptions) (models.SyncJob, error) {
	active, err := s.jobs.FindActiveFor(ctx, userID, src)
	if err != nil {
		return models.SyncJob{}, fmt.Errorf("check active job: %w", err)
	}
	if active != nil {
		return *active, &InProgressError{Job: *active}
	}

	p := store.NewJob{UserID: userID, DataSource: src}
	prev, err := s.jobs.FindResumableFor(ctx, userID, src)
	if err != nil {
		return models.SyncJob{}, fmt.Errorf("find resumable job: %w", err)
	}
	if prev != nil {
		p.SyncCursor, p.ResumedFrom = prev.SyncCursor, &prev.ID
	}

	job, err := s.create(ctx, p)
	if err != nil {
		return job, err
	}
	if err := s.enqueue(ctx, job, opts.Delay); err != nil {
		return models.SyncJob{}, err
	}
	s.log.Info("sync queued", "job_id", job.ID, "user_id", userID, "source", src,
		"delay", opts.Delay, "resumed_from", prev != nil)
	return job, nil
}

// create inserts a job. A start that loses the race to another one returns an
// *InProgressError naming the winner, or the lookup error if it cannot be found.
func (s *Service) create(ctx context.Context, p store.NewJob) (models.SyncJob, error) {
	job, err := s.jobs.CreateJob(ctx, p)
	if errors.Is(err, store.ErrActiveJobExists) {
		active, ferr := s.jobs.FindActiveFor(ctx, p.UserID, p.DataSource)
		if ferr != nil {
			return models.SyncJob{}, fmt.Errorf("find job that won the start for %s/%s: %w", p.UserID, p.DataSource, ferr)
		}
		if active == nil {
			return models.SyncJob{}, fmt.Errorf("start for %s/%s lost to a job that is no longer active: %w", p.UserID, p.DataSource, err)
		}
		return *active, &InProgressError{Job: *active}
	}
	if err != nil {
		return models.SyncJob{}, fmt.Errorf("create job: %w", err)
	}
	return job, nil
}

// enqueue submits the job's task. A job whose task could not be queued is
// failed so it does not block later starts.
func (s *Service) enqueue(ctx context.Context, job models.SyncJob, delay time.Duration) error {
	payload := Payload{JobID: job.ID, UserID: job.UserID, Source: job.DataSource}
	if _, err := s.queue.Enqueue(ctx, TaskSyncRun, payload, queue.EnqueueOptions{Delay: delay}); err != nil {
		if merr := s.jobs.MarkFailed(ctx, job.ID, "could not queue sync: "+err.Error()); merr != nil {
			s.log.Error("fail unqueued job", "job_id", job.ID, "error", merr)
		}
		return fmt.Errorf("enqueue sync: %w", err)
	}
	telemetry.TasksEnqueued.WithLabelValues(TaskSyncRun).Inc()
	return nil
}

// successor creates the pending job that continues prev from its cursor. It
// returns nil when another job for the same user and source is already active.
func (s *Service) successor(ctx context.Context, prev models.SyncJob, cursor *string) (*models.SyncJob, error) {
	active, err := s.jobs.FindActiveFor(ctx, prev.UserID, prev.DataSource)
	if err != nil {
		return nil, fmt.Errorf("check active job: %w", err)
	}
	if active != nil {
		s.log.Info("successor not needed, another job is active", "job_id", prev.ID, "active_job_id", active.ID)
		return nil, nil
	}
	job, err := s.create(ctx, store.NewJob{
		UserID:      prev.UserID,
		DataSource:  prev.DataSource,
		SyncCursor:  cursor,
		ResumedFrom: &prev.ID,
	})
	if errors.Is(err, ErrSyncInProgress) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}
