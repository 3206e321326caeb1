package queue

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trailsync/internal/config"
)

type testClock struct{ t time.Time }

func (c *testClock) now() time.Time          { return c.t }
func (c *testClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestQueue(t *testing.T) (*RedisQueue, *miniredis.Miniredis, *testClock) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	q := NewRedisQueue(client, config.Config{
		VisibilityTimeout: time.Minute,
		MaxAttempts:       3,
		QueueRetention:    time.Hour,
		DLQName:           "queue:dlq",
	})
	clock := &testClock{t: time.Date(2025, 1, 1, 1, 0, 0, 0, time.UTC)}
	q.now = clock.now
	return q, mr, clock
}

type syncPayload struct {
	JobID  string `json:"job_id"`
	UserID string `json:"user_id"`
}

func TestEnqueueDequeueComplete(t *testing.T) {
	ctx := context.Background()
	q, mr, _ := newTestQueue(t)

	id, err := q.Enqueue(ctx, "sync:run", syncPayload{JobID: "j1", UserID: "u1"}, EnqueueOptions{})
	require.NoError(t, err)

	task, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, task)
	assert.Equal(t, id, task.ID)
	assert.Equal(t, "sync:run", task.Type)
	assert.Equal(t, 1, task.Attempts)
	assert.Equal(t, 3, task.MaxAttempts)
	assert.Equal(t, TaskActive, task.Status)

	var p syncPayload
	require.NoError(t, task.Decode(&p))
	assert.Equal(t, syncPayload{JobID: "j1", UserID: "u1"}, p)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{InFlight: 1}, stats)

	next, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Nil(t, next, "a leased task is not handed out twice")

	require.NoError(t, q.Complete(ctx, id))
	done, err := q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, TaskCompleted, done.Status)
	assert.Equal(t, time.Hour, mr.TTL(q.taskKey(id)))

	stats, err = q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{}, stats)
}

func TestDelayedTaskBecomesEligibleAfterDelay(t *testing.T) {
	ctx := context.Background()
	q, _, clock := newTestQueue(t)

	_, err := q.Enqueue(ctx, "sync:run", syncPayload{JobID: "j1"}, EnqueueOptions{Delay: 5 * time.Minute})
	require.NoError(t, err)

	task, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Nil(t, task)

	n, err := q.PromoteScheduled(ctx, clock.t.Add(4*time.Minute), 100)
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = q.PromoteScheduled(ctx, clock.t.Add(5*time.Minute), 100)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	task, err = q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, task)
	assert.Equal(t, "sync:run", task.Type)
}

func TestRequeueExpiredLease(t *testing.T) {
	ctx := context.Background()
	q, _, clock := newTestQueue(t)

	id, err := q.Enqueue(ctx, "sync:run", syncPayload{}, EnqueueOptions{})
	require.NoError(t, err)
	_, err = q.Dequeue(ctx)
	require.NoError(t, err)

	n, err := q.RequeueExpired(ctx, clock.t.Add(30*time.Second), 100)
	require.NoError(t, err)
	assert.Zero(t, n, "lease still valid")

	n, err = q.RequeueExpired(ctx, clock.t.Add(2*time.Minute), 100)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	task, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, task)
	assert.Equal(t, id, task.ID)
	assert.Equal(t, 2, task.Attempts)
}

func TestExtendLeaseOnlyTouchesInFlightTasks(t *testing.T) {
	ctx := context.Background()
	q, _, clock := newTestQueue(t)

	id, err := q.Enqueue(ctx, "sync:run", syncPayload{}, EnqueueOptions{})
	require.NoError(t, err)
	_, err = q.Dequeue(ctx)
	require.NoError(t, err)

	clock.advance(50 * time.Second)
	require.NoError(t, q.ExtendLease(ctx, id, time.Minute))
	n, err := q.RequeueExpired(ctx, clock.t.Add(30*time.Second), 100)
	require.NoError(t, err)
	assert.Zero(t, n)

	require.NoError(t, q.Complete(ctx, id))
	require.NoError(t, q.ExtendLease(ctx, id, time.Minute))
	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.InFlight)
}

func TestRetryAndFail(t *testing.T) {
	ctx := context.Background()
	q, _, clock := newTestQueue(t)

	id, err := q.Enqueue(ctx, "sync:run", syncPayload{}, EnqueueOptions{MaxAttempts: 2})
	require.NoError(t, err)
	_, err = q.Dequeue(ctx)
	require.NoError(t, err)

	require.NoError(t, q.Retry(ctx, id, clock.t.Add(time.Minute), "boom"))
	task, err := q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, TaskQueued, task.Status)
	assert.Equal(t, "boom", task.LastError)
	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{Scheduled: 1}, stats)

	_, err = q.PromoteScheduled(ctx, clock.t.Add(time.Minute), 100)
	require.NoError(t, err)
	_, err = q.Dequeue(ctx)
	require.NoError(t, err)
	require.NoError(t, q.Fail(ctx, id, "boom again"))

	dlq, err := q.DLQPeek(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{id}, dlq)
	task, err = q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, TaskFailed, task.Status)
	assert.Equal(t, 2, task.Attempts)
}

func TestCancelRemovesEverywhere(t *testing.T) {
	ctx := context.Background()
	q, _, _ := newTestQueue(t)

	id, err := q.Enqueue(ctx, "sync:run", syncPayload{}, EnqueueOptions{Delay: time.Minute})
	require.NoError(t, err)
	require.NoError(t, q.Cancel(ctx, id))

	_, err = q.Get(ctx, id)
	assert.ErrorIs(t, err, ErrTaskNotFound)
	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{}, stats)
}
