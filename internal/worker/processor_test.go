package worker

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trailsync/internal/config"
	"trailsync/internal/logger"
	"trailsync/internal/queue"
)

func TestBackoffWithJitter(t *testing.T) {
	base := time.Second
	max := 8 * time.Second

	for i := 0; i < 50; i++ {
		b1 := backoffWithJitter(base, max, 1)
		assert.GreaterOrEqual(t, b1, base/2)
		assert.LessOrEqual(t, b1, base)

		b3 := backoffWithJitter(base, max, 3)
		assert.GreaterOrEqual(t, b3, 2*time.Second)
		assert.LessOrEqual(t, b3, 4*time.Second)

		b10 := backoffWithJitter(base, max, 10)
		assert.GreaterOrEqual(t, b10, max/2)
		assert.LessOrEqual(t, b10, max)
	}
}

func TestPermanent(t *testing.T) {
	base := errors.New("token revoked")
	wrapped := fmt.Errorf("sync job j1: %w", Permanent(base))

	assert.True(t, IsPermanent(wrapped))
	assert.ErrorIs(t, wrapped, base)
	assert.False(t, IsPermanent(base))
	assert.NoError(t, Permanent(nil))
}

func newTestProcessor(t *testing.T) (*Processor, *queue.RedisQueue) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	cfg := config.Config{
		VisibilityTimeout: time.Minute,
		MaxAttempts:       2,
		BackoffInitial:    time.Second,
		BackoffMax:        time.Minute,
		QueueRetention:    time.Hour,
		DLQName:           "queue:dlq",
	}
	q := queue.NewRedisQueue(client, cfg)
	return NewProcessor(cfg, q, logger.Discard()), q
}

func TestProcessorCompletesTask(t *testing.T) {
	ctx := context.Background()
	p, q := newTestProcessor(t)

	var got map[string]string
	p.RegisterHandler("sync:run", func(_ context.Context, task queue.Task) error {
		return task.Decode(&got)
	})

	id, err := q.Enqueue(ctx, "sync:run", map[string]string{"job_id": "j1"}, queue.EnqueueOptions{})
	require.NoError(t, err)

	worked, err := p.runOnce(ctx)
	require.NoError(t, err)
	assert.True(t, worked)
	assert.Equal(t, "j1", got["job_id"])

	task, err := q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, queue.TaskCompleted, task.Status)

	worked, err = p.runOnce(ctx)
	require.NoError(t, err)
	assert.False(t, worked)
}

func TestProcessorRetriesThenDeadLetters(t *testing.T) {
	ctx := context.Background()
	p, q := newTestProcessor(t)

	calls := 0
	p.RegisterHandler("sync:run", func(context.Context, queue.Task) error {
		calls++
		return errors.New("provider returned 503")
	})
	id, err := q.Enqueue(ctx, "sync:run", nil, queue.EnqueueOptions{})
	require.NoError(t, err)

	_, err = p.runOnce(ctx)
	require.NoError(t, err)
	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, queue.Stats{Scheduled: 1}, stats)

	_, err = q.PromoteScheduled(ctx, time.Now().Add(time.Hour), 10)
	require.NoError(t, err)
	_, err = p.runOnce(ctx)
	require.NoError(t, err)

	assert.Equal(t, 2, calls)
	dlq, err := q.DLQPeek(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{id}, dlq)
	task, err := q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, queue.TaskFailed, task.Status)
	assert.Equal(t, "provider returned 503", task.LastError)
}

func TestProcessorPermanentErrorSkipsRetry(t *testing.T) {
	ctx := context.Background()
	p, q := newTestProcessor(t)

	p.RegisterHandler("sync:run", func(context.Context, queue.Task) error {
		return Permanent(errors.New("re-authentication required"))
	})
	id, err := q.Enqueue(ctx, "sync:run", nil, queue.EnqueueOptions{MaxAttempts: 5})
	require.NoError(t, err)

	_, err = p.runOnce(ctx)
	require.NoError(t, err)

	task, err := q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, queue.TaskFailed, task.Status)
	assert.Equal(t, 1, task.Attempts)
}

func TestProcessorUnknownTypeDeadLetters(t *testing.T) {
	ctx := context.Background()
	p, q := newTestProcessor(t)

	id, err := q.Enqueue(ctx, "sync:unknown", nil, queue.EnqueueOptions{})
	require.NoError(t, err)
	_, err = p.runOnce(ctx)
	require.NoError(t, err)

	dlq, err := q.DLQPeek(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{id}, dlq)
}

func TestProcessorRecoversHandlerPanic(t *testing.T) {
	ctx := context.Background()
	p, q := newTestProcessor(t)

	p.RegisterHandler("sync:run", func(context.Context, queue.Task) error {
		panic("nil map")
	})
	id, err := q.Enqueue(ctx, "sync:run", nil, queue.EnqueueOptions{})
	require.NoError(t, err)

	_, err = p.runOnce(ctx)
	require.NoError(t, err)

	task, err := q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, queue.TaskQueued, task.Status)
	assert.Contains(t, task.LastError, "handler panic")
}

func TestProcessorTickFiresRecurringTasks(t *testing.T) {
	ctx := context.Background()
	p, q := newTestProcessor(t)

	next, err := q.Schedule(ctx, "sweep", "sync:sweep", "30 4 * * *", nil)
	require.NoError(t, err)

	p.now = func() time.Time { return next }
	p.tick(ctx)

	depth, err := q.ReadyDepth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)
}
