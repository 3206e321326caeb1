package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"trailsync/internal/credentials"
	"trailsync/internal/models"
	"trailsync/internal/progress"
	"trailsync/internal/provider"
	"trailsync/internal/queue"
	"trailsync/internal/store"
)

// memJobs follows the same transition and uniqueness rules as the Postgres store.
type memJobs struct {
	mu    sync.Mutex
	seq   int
	clock time.Time
	jobs  map[string]*models.SyncJob
	order []string
}

func newMemJobs() *memJobs {
	return &memJobs{jobs: map[string]*models.SyncJob{}, clock: time.Date(2025, 1, 10, 0, 0, 0, 0, time.UTC)}
}

func (m *memJobs) CreateJob(_ context.Context, p store.NewJob) (models.SyncJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, j := range m.jobs {
		if j.UserID == p.UserID && j.DataSource == p.DataSource && j.Status.Active() {
			return models.SyncJob{}, store.ErrActiveJobExists
		}
	}
	m.seq++
	m.clock = m.clock.Add(time.Second)
	j := &models.SyncJob{
		ID:          fmt.Sprintf("job-%d", m.seq),
		UserID:      p.UserID,
		DataSource:  p.DataSource,
		Status:      models.StatusPending,
		SyncCursor:  p.SyncCursor,
		ResumedFrom: p.ResumedFrom,
		CreatedAt:   m.clock,
	}
	m.jobs[j.ID] = j
	m.order = append(m.order, j.ID)
	return *j, nil
}

func (m *memJobs) GetJob(_ context.Context, id string) (models.SyncJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return models.SyncJob{}, fmt.Errorf("job %s: %w", id, store.ErrNotFound)
	}
	return *j, nil
}

func (m *memJobs) get(id string) models.SyncJob {
	j, _ := m.GetJob(context.Background(), id)
	return j
}

func (m *memJobs) transition(id string, to models.JobStatus, apply func(*models.SyncJob)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return store.ErrNotFound
	}
	if !models.CanTransition(j.Status, to) {
		return fmt.Errorf("%w: job %s is %s", store.ErrInvalidTransition, id, j.Status)
	}
	j.Status = to
	if apply != nil {
		apply(j)
	}
	return nil
}

func (m *memJobs) MarkStarted(_ context.Context, id string) error {
	return m.transition(id, models.StatusRunning, nil)
}

func (m *memJobs) MarkCompleted(_ context.Context, id string) error {
	return m.transition(id, models.StatusCompleted, func(j *models.SyncJob) {
		j.SyncCursor, j.ErrorMessage = nil, nil
	})
}

func (m *memJobs) MarkFailed(_ context.Context, id, message string) error {
	return m.transition(id, models.StatusFailed, func(j *models.SyncJob) { j.ErrorMessage = &message })
}

func (m *memJobs) MarkRateLimited(_ context.Context, id string, retryAfter time.Time, message string) error {
	return m.transition(id, models.StatusRateLimited, func(j *models.SyncJob) {
		j.RetryAfter, j.ErrorMessage = &retryAfter, &message
	})
}

func (m *memJobs) UpdateProgress(_ context.Context, id string, p models.JobProgress) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok || j.Status != models.StatusRunning {
		return store.ErrInvalidTransition
	}
	if p.TotalImported != nil && *p.TotalImported > j.TotalImported {
		j.TotalImported = *p.TotalImported
	}
	if p.CurrentBatch != nil && *p.CurrentBatch > j.CurrentBatch {
		j.CurrentBatch = *p.CurrentBatch
	}
	if p.TotalExpected != nil {
		v := *p.TotalExpected
		j.TotalExpected = &v
	}
	if p.SyncCursor != nil {
		v := *p.SyncCursor
		j.SyncCursor = &v
	}
	return nil
}

func (m *memJobs) FindActiveFor(_ context.Context, userID string, src models.DataSource) (*models.SyncJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.order) - 1; i >= 0; i-- {
		j := m.jobs[m.order[i]]
		if j.UserID == userID && j.DataSource == src && j.Status.Active() {
			out := *j
			return &out, nil
		}
	}
	return nil, nil
}

func (m *memJobs) FindResumableFor(_ context.Context, userID string, src models.DataSource) (*models.SyncJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.order) - 1; i >= 0; i-- {
		j := m.jobs[m.order[i]]
		if j.UserID != userID || j.DataSource != src {
			continue
		}
		if j.Status == models.StatusCompleted {
			return nil, nil
		}
		if (j.Status == models.StatusFailed || j.Status == models.StatusRateLimited) && j.SyncCursor != nil {
			out := *j
			return &out, nil
		}
	}
	return nil, nil
}

func (m *memJobs) Jobs() []models.SyncJob {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.SyncJob, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, *m.jobs[id])
	}
	return out
}

type memCheckpoints struct {
	mu   sync.Mutex
	last map[string]time.Time
}

func newMemCheckpoints() *memCheckpoints {
	return &memCheckpoints{last: map[string]time.Time{}}
}

func (c *memCheckpoints) set(userID string, src models.DataSource, at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.last[userID+"|"+string(src)] = at
}

func (c *memCheckpoints) LastSyncAt(_ context.Context, userID string, src models.DataSource) (*time.Time, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.last[userID+"|"+string(src)]
	if !ok {
		return nil, nil
	}
	return &t, nil
}

func (c *memCheckpoints) AdvanceLastSync(_ context.Context, userID string, src models.DataSource, at time.Time) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	k := userID + "|" + string(src)
	if t, ok := c.last[k]; ok && !t.Before(at) {
		return false, nil
	}
	c.last[k] = at
	return true, nil
}

type enqueued struct {
	taskType string
	payload  Payload
	opts     queue.EnqueueOptions
}

type memQueue struct {
	mu    sync.Mutex
	tasks []enqueued
	err   error
}

func (q *memQueue) Enqueue(_ context.Context, taskType string, payload any, opts queue.EnqueueOptions) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return "", q.err
	}
	q.tasks = append(q.tasks, enqueued{taskType: taskType, payload: payload.(Payload), opts: opts})
	return fmt.Sprintf("task-%d", len(q.tasks)), nil
}

func (q *memQueue) Tasks() []enqueued {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]enqueued(nil), q.tasks...)
}

type stubCreds struct {
	creds credentials.Credentials
	err   error
}

func (s stubCreds) Get(context.Context, string, models.DataSource) (credentials.Credentials, error) {
	return s.creds, s.err
}

func (s stubCreds) Refresh(context.Context, string, models.DataSource, credentials.Credentials) (credentials.Credentials, error) {
	return credentials.Credentials{}, errors.New("refresh not supported in tests")
}

// scriptedAdapter runs a test-provided function for either sync mode and
// records how it was called.
type scriptedAdapter struct {
	src models.DataSource
	fn  func(ctx context.Context, s *provider.Session, obs progress.Observer) (provider.Result, error)

	mu        sync.Mutex
	mode      string
	since     time.Time
	yearsBack int
	cursors   []string
}

func (a *scriptedAdapter) Source() models.DataSource { return a.src }

func (a *scriptedAdapter) IncrementalSync(ctx context.Context, s *provider.Session, since time.Time, obs progress.Observer) (provider.Result, error) {
	a.mu.Lock()
	a.mode, a.since = "incremental", since
	a.cursors = append(a.cursors, s.Cursor)
	a.mu.Unlock()
	return a.fn(ctx, s, obs)
}

func (a *scriptedAdapter) FullHistoricalSync(ctx context.Context, s *provider.Session, yearsBack int, obs progress.Observer) (provider.Result, error) {
	a.mu.Lock()
	a.mode, a.yearsBack = "full", yearsBack
	a.cursors = append(a.cursors, s.Cursor)
	a.mu.Unlock()
	return a.fn(ctx, s, obs)
}

func taskFor(job models.SyncJob, attempt int) queue.Task {
	body, _ := json.Marshal(Payload{JobID: job.ID, UserID: job.UserID, Source: job.DataSource})
	return queue.Task{ID: "t-" + job.ID, Type: TaskSyncRun, Payload: body, Attempts: attempt}
}
