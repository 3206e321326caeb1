// Package progress carries per-page sync progress from provider adapters to the
// job row polled by clients.
package progress

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"trailsync/internal/models"
)

// Update is a cumulative snapshot emitted after each page.
type Update struct {
	Fetched       int
	Imported      int
	TotalExpected *int
	Batch         int
	// Cursor resumes the run after this page. Empty leaves the previous cursor.
	Cursor string
}

// Observer receives progress updates. Implementations must be safe for
// concurrent use and must not block on slow storage for long.
type Observer interface {
	Observe(ctx context.Context, u Update)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, u Update)

func (f ObserverFunc) Observe(ctx context.Context, u Update) { f(ctx, u) }

// Discard drops every update.
var Discard Observer = ObserverFunc(func(context.Context, Update) {})

// JobWriter persists partial progress on a job row.
type JobWriter interface {
	UpdateProgress(ctx context.Context, id string, p models.JobProgress) error
}

// Reporter writes progress to the job store at most once per interval. The
// first update is written immediately and Flush writes whatever is pending.
// Counters are merged monotonically so a late or reordered update can never
// roll the row back.
type Reporter struct {
	store    JobWriter
	jobID    string
	interval time.Duration
	log      *slog.Logger
	now      func() time.Time

	mu        sync.Mutex
	current   Update
	written   Update
	lastWrite time.Time
	dirty     bool
}

func NewReporter(store JobWriter, jobID string, interval time.Duration, log *slog.Logger) *Reporter {
	return &Reporter{
		store:    store,
		jobID:    jobID,
		interval: interval,
		log:      log,
		now:      time.Now,
	}
}

// Observe merges u into the current snapshot and writes it when the interval has elapsed.
func (r *Reporter) Observe(ctx context.Context, u Update) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.merge(u)
	if !r.lastWrite.IsZero() && r.now().Sub(r.lastWrite) < r.interval {
		return
	}
	if err := r.writeLocked(ctx); err != nil {
		r.log.Warn("progress write failed", "job_id", r.jobID, "error", err)
	}
}

// Flush writes the pending snapshot, if any.
func (r *Reporter) Flush(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.writeLocked(ctx)
}

// Snapshot returns the latest merged update, written or not.
func (r *Reporter) Snapshot() Update {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

func (r *Reporter) merge(u Update) {
	c := &r.current
	if u.Fetched > c.Fetched {
		c.Fetched = u.Fetched
		r.dirty = true
	}
	if u.Imported > c.Imported {
		c.Imported = u.Imported
		r.dirty = true
	}
	if u.Batch > c.Batch {
		c.Batch = u.Batch
		r.dirty = true
	}
	if u.TotalExpected != nil && (c.TotalExpected == nil || *c.TotalExpected != *u.TotalExpected) {
		v := *u.TotalExpected
		c.TotalExpected = &v
		r.dirty = true
	}
	if u.Cursor != "" && u.Cursor != c.Cursor {
		c.Cursor = u.Cursor
		r.dirty = true
	}
}

func (r *Reporter) writeLocked(ctx context.Context) error {
	if !r.dirty {
		return nil
	}
	c, w := r.current, r.written
	var p models.JobProgress
	if c.Imported != w.Imported {
		v := c.Imported
		p.TotalImported = &v
	}
	if c.Batch != w.Batch {
		v := c.Batch
		p.CurrentBatch = &v
	}
	if c.TotalExpected != nil && (w.TotalExpected == nil || *w.TotalExpected != *c.TotalExpected) {
		v := *c.TotalExpected
		p.TotalExpected = &v
	}
	if c.Cursor != w.Cursor {
		v := c.Cursor
		p.SyncCursor = &v
	}

	r.lastWrite = r.now()
	if !p.Empty() {
		if err := r.store.UpdateProgress(ctx, r.jobID, p); err != nil {
			return err
		}
	}
	r.written = c
	r.dirty = false
	return nil
}
