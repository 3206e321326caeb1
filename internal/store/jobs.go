package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"trailsync/internal/models"
)

const jobColumns = `id, user_id, data_source, status, total_expected, total_imported, current_batch,
	error_message, sync_cursor, retry_after, resumed_from, created_at, started_at, completed_at`

const uniqueViolation = "23505"

// NewJob collects inputs required to insert a job.
type NewJob struct {
	UserID     string
	DataSource models.DataSource
	// SyncCursor and ResumedFrom are set when the job continues an interrupted one.
	SyncCursor  *string
	ResumedFrom *string
}

func scanJob(row pgx.Row) (models.SyncJob, error) {
	var (
		job            models.SyncJob
		source, status string
	)
	err := row.Scan(&job.ID, &job.UserID, &source, &status, &job.TotalExpected, &job.TotalImported,
		&job.CurrentBatch, &job.ErrorMessage, &job.SyncCursor, &job.RetryAfter, &job.ResumedFrom,
		&job.CreatedAt, &job.StartedAt, &job.CompletedAt)
	if err != nil {
		return models.SyncJob{}, err
	}
	job.DataSource = models.DataSource(source)
	job.Status = models.JobStatus(status)
	return job, nil
}

// CreateJob inserts a pending job.
func (s *Store) CreateJob(ctx context.Context, p NewJob) (models.SyncJob, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO sync_jobs (id, user_id, data_source, status, sync_cursor, resumed_from, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING `+jobColumns,
		uuid.New().String(), p.UserID, string(p.DataSource), string(models.StatusPending),
		p.SyncCursor, p.ResumedFrom, time.Now().UTC())
	job, err := scanJob(row)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return models.SyncJob{}, fmt.Errorf("%s %s: %w", p.UserID, p.DataSource, ErrActiveJobExists)
	}
	if err != nil {
		return models.SyncJob{}, fmt.Errorf("insert job: %w", err)
	}
	return job, nil
}

// GetJob fetches a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (models.SyncJob, error) {
	job, err := scanJob(s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM sync_jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.SyncJob{}, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.SyncJob{}, fmt.Errorf("scan job: %w", err)
	}
	return job, nil
}

// transition moves a job to status `to` only if its current status may lead
// there. set holds extra assignments whose placeholders start at $4.
func (s *Store) transition(ctx context.Context, id string, to models.JobStatus, set string, args ...any) error {
	from := models.AllowedFrom(to)
	fromArgs := make([]string, len(from))
	for i, st := range from {
		fromArgs[i] = string(st)
	}

	sql := `UPDATE sync_jobs SET status = $2`
	if set != "" {
		sql += ", " + set
	}
	sql += ` WHERE id = $1 AND status = ANY($3)`

	tag, err := s.pool.Exec(ctx, sql, append([]any{id, string(to), fromArgs}, args...)...)
	if err != nil {
		return fmt.Errorf("mark job %s %s: %w", id, to, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	cur, err := s.GetJob(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: job %s is %s, cannot become %s", ErrInvalidTransition, id, cur.Status, to)
}

// MarkStarted moves a pending job to running.
func (s *Store) MarkStarted(ctx context.Context, id string) error {
	return s.transition(ctx, id, models.StatusRunning, `started_at = NOW()`)
}

// MarkCompleted moves a running job to completed and drops its resume cursor.
func (s *Store) MarkCompleted(ctx context.Context, id string) error {
	return s.transition(ctx, id, models.StatusCompleted,
		`completed_at = NOW(), sync_cursor = NULL, error_message = NULL`)
}

// MarkFailed moves a pending or running job to failed. The cursor is kept
// for resumption.
func (s *Store) MarkFailed(ctx context.Context, id, message string) error {
	return s.transition(ctx, id, models.StatusFailed, `completed_at = NOW(), error_message = $4`, message)
}

// MarkRateLimited moves a running job to rate_limited and records when the
// provider allows calls again.
func (s *Store) MarkRateLimited(ctx context.Context, id string, retryAfter time.Time, message string) error {
	return s.transition(ctx, id, models.StatusRateLimited,
		`completed_at = NOW(), retry_after = $4, error_message = $5`, retryAfter.UTC(), message)
}

// UpdateProgress applies a partial progress update to a running job. Counters
// only move forward.
func (s *Store) UpdateProgress(ctx context.Context, id string, p models.JobProgress) error {
	if p.Empty() {
		return nil
	}
	set, args := progressAssignments(p, 3)
	tag, err := s.pool.Exec(ctx,
		`UPDATE sync_jobs SET `+set+` WHERE id = $1 AND status = $2`,
		append([]any{id, string(models.StatusRunning)}, args...)...)
	if err != nil {
		return fmt.Errorf("update job progress: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: job %s is not running", ErrInvalidTransition, id)
	}
	return nil
}

func (s *Store) findOne(ctx context.Context, sql string, args ...any) (*models.SyncJob, error) {
	job, err := scanJob(s.pool.QueryRow(ctx, sql, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan job: %w", err)
	}
	return &job, nil
}

// FindActiveFor returns the pending or running job for a user and source, or nil.
func (s *Store) FindActiveFor(ctx context.Context, userID string, src models.DataSource) (*models.SyncJob, error) {
	return s.findOne(ctx, `
		SELECT `+jobColumns+` FROM sync_jobs
		WHERE user_id = $1 AND data_source = $2 AND status IN ('pending', 'running')
		ORDER BY created_at DESC
		LIMIT 1`, userID, string(src))
}

// FindLatestFor returns the most recently created job of a user, or nil.
func (s *Store) FindLatestFor(ctx context.Context, userID string) (*models.SyncJob, error) {
	return s.findOne(ctx, `
		SELECT `+jobColumns+` FROM sync_jobs
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT 1`, userID)
}

// FindResumableFor returns the newest failed or rate-limited job that still
// carries a cursor and has not been superseded by a completed run, or nil.
func (s *Store) FindResumableFor(ctx context.Context, userID string, src models.DataSource) (*models.SyncJob, error) {
	return s.findOne(ctx, `
		SELECT `+jobColumns+` FROM sync_jobs
		WHERE user_id = $1 AND data_source = $2
		  AND status IN ('failed', 'rate_limited')
		  AND sync_cursor IS NOT NULL
		  AND created_at > COALESCE((
		        SELECT MAX(created_at) FROM sync_jobs
		        WHERE user_id = $1 AND data_source = $2 AND status = 'completed'
		      ), '-infinity'::timestamptz)
		ORDER BY created_at DESC
		LIMIT 1`, userID, string(src))
}

// DeleteFinishedBefore removes terminal jobs that finished before cutoff.
func (s *Store) DeleteFinishedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM sync_jobs
		WHERE status IN ('completed', 'failed', 'rate_limited') AND completed_at < $1`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("delete finished jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}
