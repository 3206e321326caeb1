package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"runtime/debug"
	"time"

	"golang.org/x/sync/errgroup"

	"trailsync/internal/config"
	"trailsync/internal/queue"
	"trailsync/internal/telemetry"
)

// Handler executes one task of a registered type.
type Handler func(ctx context.Context, task queue.Task) error

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying: the task is failed and
// dead-lettered on the first attempt.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was wrapped by Permanent.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

// Processor drives the worker execution loop.
type Processor struct {
	cfg      config.Config
	queue    *queue.RedisQueue
	handlers map[string]Handler
	log      *slog.Logger
	now      func() time.Time
}

func NewProcessor(cfg config.Config, q *queue.RedisQueue, log *slog.Logger) *Processor {
	return &Processor{
		cfg:      cfg,
		queue:    q,
		handlers: make(map[string]Handler),
		log:      log.With("component", "worker"),
		now:      time.Now,
	}
}

// RegisterHandler binds a handler to a task type.
func (p *Processor) RegisterHandler(taskType string, handler Handler) {
	if taskType == "" || handler == nil {
		return
	}
	p.handlers[taskType] = handler
}

// Run starts the housekeeping loop and WorkerConcurrency consumers, and blocks
// until ctx is cancelled.
func (p *Processor) Run(ctx context.Context) error {
	concurrency := p.cfg.WorkerConcurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	p.log.Info("worker started", "concurrency", concurrency, "handlers", len(p.handlers))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.housekeep(ctx) })
	for i := 0; i < concurrency; i++ {
		g.Go(func() error { return p.consume(ctx) })
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return ctx.Err()
	}
	return err
}

func (p *Processor) pollInterval() time.Duration {
	if p.cfg.WorkerPollInterval > 0 {
		return p.cfg.WorkerPollInterval
	}
	return time.Second
}

func (p *Processor) housekeep(ctx context.Context) error {
	ticker := time.NewTicker(p.pollInterval())
	defer ticker.Stop()
	for {
		p.tick(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// tick promotes due delayed tasks, reclaims expired leases, fires due
// recurring entries and refreshes the queue gauges.
func (p *Processor) tick(ctx context.Context) {
	now := p.now()
	batch := int64(p.cfg.ScheduledBatchSize)
	if batch <= 0 {
		batch = 100
	}
	if _, err := p.queue.FireDue(ctx, now); err != nil && ctx.Err() == nil {
		p.log.Warn("fire recurring tasks", "error", err)
	}
	if _, err := p.queue.PromoteScheduled(ctx, now, batch); err != nil && ctx.Err() == nil {
		p.log.Warn("promote scheduled tasks", "error", err)
	}
	if n, err := p.queue.RequeueExpired(ctx, now, batch); err != nil && ctx.Err() == nil {
		p.log.Warn("requeue expired leases", "error", err)
	} else if n > 0 {
		p.log.Warn("reclaimed expired leases", "count", n)
	}
	if stats, err := p.queue.Stats(ctx); err == nil {
		telemetry.QueueDepthGauge.Set(float64(stats.Ready))
		telemetry.ScheduledGauge.Set(float64(stats.Scheduled))
		telemetry.InFlightGauge.Set(float64(stats.InFlight))
		telemetry.DeadLetterGauge.Set(float64(stats.DeadLetter))
	}
}

func (p *Processor) consume(ctx context.Context) error {
	for {
		worked, err := p.runOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			p.log.Warn("dequeue failed", "error", err)
		}
		if worked {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.pollInterval()):
		}
	}
}

// runOnce claims and processes at most one task. It reports whether a task was claimed.
func (p *Processor) runOnce(ctx context.Context) (bool, error) {
	task, err := p.queue.Dequeue(ctx)
	if err != nil || task == nil {
		return false, err
	}
	p.process(ctx, *task)
	return true, nil
}

func (p *Processor) process(ctx context.Context, task queue.Task) {
	log := p.log.With("task_id", task.ID, "type", task.Type, "attempt", task.Attempts)

	stopLease := p.keepLease(ctx, task.ID, log)
	err := p.runTask(ctx, task)
	stopLease()

	if ctx.Err() != nil {
		// Shutting down: leave the lease to expire so another worker reclaims the task.
		log.Warn("abandoning task on shutdown", "error", err)
		return
	}

	if err == nil {
		if err := p.queue.Complete(ctx, task.ID); err != nil {
			log.Error("complete task", "error", err)
		}
		telemetry.TasksCompleted.WithLabelValues(task.Type).Inc()
		log.Debug("task completed")
		return
	}

	maxAttempts := task.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = p.cfg.MaxAttempts
	}
	if IsPermanent(err) || task.Attempts >= maxAttempts {
		if ferr := p.queue.Fail(ctx, task.ID, err.Error()); ferr != nil {
			log.Error("dead-letter task", "error", ferr)
		}
		telemetry.TasksDeadLetter.WithLabelValues(task.Type).Inc()
		log.Error("task failed", "error", err, "permanent", IsPermanent(err))
		return
	}

	backoff := backoffWithJitter(p.cfg.BackoffInitial, p.cfg.BackoffMax, task.Attempts)
	nextRun := p.now().Add(backoff)
	if rerr := p.queue.Retry(ctx, task.ID, nextRun, err.Error()); rerr != nil {
		log.Error("schedule retry", "error", rerr)
	}
	telemetry.TasksRetried.WithLabelValues(task.Type).Inc()
	log.Warn("task failed, retry scheduled", "error", err, "next_run", nextRun.UTC().Format(time.RFC3339))
}

// runTask dispatches to the registered handler, converting panics to errors.
func (p *Processor) runTask(ctx context.Context, task queue.Task) (err error) {
	handler, ok := p.handlers[task.Type]
	if !ok {
		return Permanent(fmt.Errorf("no handler registered for type %q", task.Type))
	}
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("handler panic", "task_id", task.ID, "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(ctx, task)
}

// keepLease extends the task's lease every half visibility timeout until the
// returned stop func is called.
func (p *Processor) keepLease(ctx context.Context, id string, log *slog.Logger) func() {
	visibility := p.queue.VisibilityTimeout()
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(visibility / 2)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := p.queue.ExtendLease(ctx, id, visibility); err != nil && ctx.Err() == nil {
					log.Warn("extend lease", "error", err)
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	if max < base {
		max = base
	}
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max || exp > float64(math.MaxInt64) {
		wait = max
	}
	if wait < 2 {
		return wait
	}
	jitter := time.Duration(rand.Int63n(int64(wait / 2)))
	return wait/2 + jitter
}
