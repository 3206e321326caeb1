package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"trailsync/internal/config"
)

// ErrTaskNotFound is returned when a task hash is missing or already purged.
var ErrTaskNotFound = errors.New("task not found")

// TaskStatus is the queue-level state of a task.
type TaskStatus string

const (
	TaskQueued    TaskStatus = "queued"
	TaskActive    TaskStatus = "active"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
)

// Task is one unit of work as stored in Redis.
type Task struct {
	ID          string
	Type        string
	Payload     json.RawMessage
	Priority    string
	Attempts    int
	MaxAttempts int
	Status      TaskStatus
	LastError   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Decode unmarshals the task payload into v.
func (t Task) Decode(v any) error {
	if err := json.Unmarshal(t.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", t.Type, err)
	}
	return nil
}

// EnqueueOptions tunes a single enqueue. Zero values use the queue defaults.
type EnqueueOptions struct {
	Delay       time.Duration
	MaxAttempts int
	Priority    string
}

// Stats is a point-in-time view of queue sizes.
type Stats struct {
	Ready      int64
	Scheduled  int64
	InFlight   int64
	DeadLetter int64
}

// RedisQueue coordinates ready, in-flight, and scheduled task queues in Redis.
type RedisQueue struct {
	client         *redis.Client
	priorityQueues []string
	inflightKey    string
	scheduledKey   string
	taskPrefix     string
	cronKey        string
	cronNextKey    string
	visibilityTTL  time.Duration
	dlqKey         string
	maxAttempts    int
	retention      time.Duration
	now            func() time.Time
}

// NewClient opens the Redis client shared by the queue and the rate limiter.
func NewClient(cfg config.Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
}

// NewRedisQueue builds a queue on top of client using the queue settings from cfg.
func NewRedisQueue(client *redis.Client, cfg config.Config) *RedisQueue {
	priorities := cfg.PriorityQueues
	if len(priorities) == 0 {
		priorities = []string{"default"}
	}
	visibility := cfg.VisibilityTimeout
	if visibility == 0 {
		visibility = 30 * time.Second
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	dlq := cfg.DLQName
	if dlq == "" {
		dlq = "queue:dlq"
	}
	return &RedisQueue{
		client:         client,
		priorityQueues: priorities,
		inflightKey:    "queue:inflight",
		scheduledKey:   "queue:scheduled",
		taskPrefix:     "queue:task:",
		cronKey:        "queue:cron",
		cronNextKey:    "queue:cron:next",
		visibilityTTL:  visibility,
		dlqKey:         dlq,
		maxAttempts:    maxAttempts,
		retention:      cfg.QueueRetention,
		now:            time.Now,
	}
}

// VisibilityTimeout is the lease length granted by Dequeue.
func (q *RedisQueue) VisibilityTimeout() time.Duration {
	return q.visibilityTTL
}

// Ping reports whether Redis is reachable.
func (q *RedisQueue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

func (q *RedisQueue) readyKey(priority string) string {
	return fmt.Sprintf("queue:ready:%s", priority)
}

func (q *RedisQueue) taskKey(id string) string {
	return q.taskPrefix + id
}

func taskFields(t Task) []any {
	return []any{
		"id", t.ID,
		"type", t.Type,
		"payload", string(t.Payload),
		"priority", t.Priority,
		"attempts", t.Attempts,
		"max_attempts", t.MaxAttempts,
		"status", string(t.Status),
		"created_at", t.CreatedAt.UnixMilli(),
		"updated_at", t.UpdatedAt.UnixMilli(),
	}
}

func (q *RedisQueue) newTask(taskType string, payload any, opts EnqueueOptions) (Task, error) {
	if taskType == "" {
		return Task{}, errors.New("task type is required")
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Task{}, fmt.Errorf("marshal %s payload: %w", taskType, err)
	}
	if opts.Priority == "" {
		opts.Priority = q.priorityQueues[0]
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = q.maxAttempts
	}
	now := q.now()
	return Task{
		ID:          uuid.New().String(),
		Type:        taskType,
		Payload:     raw,
		Priority:    opts.Priority,
		MaxAttempts: opts.MaxAttempts,
		Status:      TaskQueued,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// Enqueue stores a task and places it on a ready list, or in the scheduled set
// when opts.Delay is positive. It returns the task id.
func (q *RedisQueue) Enqueue(ctx context.Context, taskType string, payload any, opts EnqueueOptions) (string, error) {
	task, err := q.newTask(taskType, payload, opts)
	if err != nil {
		return "", err
	}
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.taskKey(task.ID), taskFields(task)...)
	if opts.Delay > 0 {
		runAt := task.CreatedAt.Add(opts.Delay)
		pipe.ZAdd(ctx, q.scheduledKey, redis.Z{Score: float64(runAt.UnixMilli()), Member: task.ID})
	} else {
		pipe.RPush(ctx, q.readyKey(task.Priority), task.ID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("enqueue %s: %w", taskType, err)
	}
	return task.ID, nil
}

// Get loads a task by id.
func (q *RedisQueue) Get(ctx context.Context, id string) (Task, error) {
	vals, err := q.client.HGetAll(ctx, q.taskKey(id)).Result()
	if err != nil {
		return Task{}, err
	}
	if len(vals) == 0 {
		return Task{}, fmt.Errorf("task %s: %w", id, ErrTaskNotFound)
	}
	return parseTask(vals), nil
}

func parseTask(vals map[string]string) Task {
	atoi := func(k string) int {
		n, _ := strconv.Atoi(vals[k])
		return n
	}
	millis := func(k string) time.Time {
		n, _ := strconv.ParseInt(vals[k], 10, 64)
		return time.UnixMilli(n).UTC()
	}
	return Task{
		ID:          vals["id"],
		Type:        vals["type"],
		Payload:     json.RawMessage(vals["payload"]),
		Priority:    vals["priority"],
		Attempts:    atoi("attempts"),
		MaxAttempts: atoi("max_attempts"),
		Status:      TaskStatus(vals["status"]),
		LastError:   vals["last_error"],
		CreatedAt:   millis("created_at"),
		UpdatedAt:   millis("updated_at"),
	}
}

// PromoteScheduled moves due scheduled tasks into their ready lists. It returns how many were promoted.
func (q *RedisQueue) PromoteScheduled(ctx context.Context, now time.Time, limit int64) (int, error) {
	n, err := moveDueScript.Run(ctx, q.client, []string{q.scheduledKey},
		now.UnixMilli(), limit, q.taskPrefix, "queue:ready:", q.priorityQueues[0], now.UnixMilli()).Int()
	if err != nil {
		return 0, fmt.Errorf("promote scheduled: %w", err)
	}
	return n, nil
}

// RequeueExpired reclaims leases that timed out, re-enqueuing them. Attempts are
// not refunded: a task that keeps crashing its worker still exhausts its budget.
func (q *RedisQueue) RequeueExpired(ctx context.Context, now time.Time, limit int64) (int, error) {
	n, err := moveDueScript.Run(ctx, q.client, []string{q.inflightKey},
		now.UnixMilli(), limit, q.taskPrefix, "queue:ready:", q.priorityQueues[0], now.UnixMilli()).Int()
	if err != nil {
		return 0, fmt.Errorf("requeue expired: %w", err)
	}
	return n, nil
}

// Dequeue pops a task from the ready lists (priority order), leases it for the
// visibility timeout and counts the attempt. It returns nil when nothing is ready.
func (q *RedisQueue) Dequeue(ctx context.Context) (*Task, error) {
	keys := make([]string, 0, len(q.priorityQueues)+1)
	for _, p := range q.priorityQueues {
		keys = append(keys, q.readyKey(p))
	}
	keys = append(keys, q.inflightKey)

	now := q.now()
	res, err := dequeueScript.Run(ctx, q.client, keys,
		now.Add(q.visibilityTTL).UnixMilli(), q.taskPrefix, now.UnixMilli()).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	id, ok := res.(string)
	if !ok {
		return nil, fmt.Errorf("unexpected type from dequeue script: %T", res)
	}

	task, err := q.Get(ctx, id)
	if errors.Is(err, ErrTaskNotFound) {
		// Purged while queued; nothing to run.
		return nil, q.client.ZRem(ctx, q.inflightKey, id).Err()
	}
	if err != nil {
		return nil, err
	}
	return &task, nil
}

// ExtendLease pushes the visibility deadline forward for a task that is still in flight.
func (q *RedisQueue) ExtendLease(ctx context.Context, id string, extension time.Duration) error {
	return q.client.ZAddXX(ctx, q.inflightKey, redis.Z{
		Score:  float64(q.now().Add(extension).UnixMilli()),
		Member: id,
	}).Err()
}

// Complete releases the lease and keeps the task hash for the retention period.
func (q *RedisQueue) Complete(ctx context.Context, id string) error {
	return q.finish(ctx, id, TaskCompleted, "", false)
}

// Fail releases the lease, marks the task failed and dead-letters it.
func (q *RedisQueue) Fail(ctx context.Context, id, lastError string) error {
	return q.finish(ctx, id, TaskFailed, lastError, true)
}

func (q *RedisQueue) finish(ctx context.Context, id string, status TaskStatus, lastError string, deadLetter bool) error {
	key := q.taskKey(id)
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey, id)
	pipe.HSet(ctx, key, "status", string(status), "last_error", lastError, "updated_at", q.now().UnixMilli())
	if q.retention > 0 {
		pipe.Expire(ctx, key, q.retention)
	}
	if deadLetter {
		pipe.RPush(ctx, q.dlqKey, id)
		pipe.LTrim(ctx, q.dlqKey, -dlqMaxLen, -1)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// Retry releases the lease and schedules the task to run again at runAt.
func (q *RedisQueue) Retry(ctx context.Context, id string, runAt time.Time, lastError string) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey, id)
	pipe.HSet(ctx, q.taskKey(id), "status", string(TaskQueued), "last_error", lastError, "updated_at", q.now().UnixMilli())
	pipe.ZAdd(ctx, q.scheduledKey, redis.Z{Score: float64(runAt.UnixMilli()), Member: id})
	_, err := pipe.Exec(ctx)
	return err
}

// Cancel removes a task from ready, scheduled, and in-flight sets.
func (q *RedisQueue) Cancel(ctx context.Context, id string) error {
	pipe := q.client.TxPipeline()
	for _, p := range q.priorityQueues {
		pipe.LRem(ctx, q.readyKey(p), 0, id)
	}
	pipe.ZRem(ctx, q.inflightKey, id)
	pipe.ZRem(ctx, q.scheduledKey, id)
	pipe.Del(ctx, q.taskKey(id))
	_, err := pipe.Exec(ctx)
	return err
}

const dlqMaxLen = 1000

// DLQPeek reads the oldest dead-lettered task IDs.
func (q *RedisQueue) DLQPeek(ctx context.Context, count int64) ([]string, error) {
	return q.client.LRange(ctx, q.dlqKey, 0, count-1).Result()
}

// ReadyDepth returns the total length of all ready queues.
func (q *RedisQueue) ReadyDepth(ctx context.Context) (int64, error) {
	pipe := q.client.Pipeline()
	cmds := make([]*redis.IntCmd, 0, len(q.priorityQueues))
	for _, p := range q.priorityQueues {
		cmds = append(cmds, pipe.LLen(ctx, q.readyKey(p)))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	var total int64
	for _, c := range cmds {
		total += c.Val()
	}
	return total, nil
}

// Stats collects queue sizes in one round trip.
func (q *RedisQueue) Stats(ctx context.Context) (Stats, error) {
	pipe := q.client.Pipeline()
	ready := make([]*redis.IntCmd, 0, len(q.priorityQueues))
	for _, p := range q.priorityQueues {
		ready = append(ready, pipe.LLen(ctx, q.readyKey(p)))
	}
	scheduled := pipe.ZCard(ctx, q.scheduledKey)
	inflight := pipe.ZCard(ctx, q.inflightKey)
	dlq := pipe.LLen(ctx, q.dlqKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return Stats{}, err
	}
	var s Stats
	for _, c := range ready {
		s.Ready += c.Val()
	}
	s.Scheduled = scheduled.Val()
	s.InFlight = inflight.Val()
	s.DeadLetter = dlq.Val()
	return s, nil
}

var dequeueScript = redis.NewScript(`
local inflight = KEYS[#KEYS]
for i=1,#KEYS-1 do
  local id = redis.call('LPOP', KEYS[i])
  if id then
    redis.call('ZADD', inflight, ARGV[1], id)
    local key = ARGV[2] .. id
    if redis.call('EXISTS', key) == 1 then
      redis.call('HINCRBY', key, 'attempts', 1)
      redis.call('HSET', key, 'status', 'active', 'updated_at', ARGV[3])
    end
    return id
  end
end
return nil
`)

// moveDueScript moves members of a sorted set whose score is due onto the
// ready list named by their task hash priority.
var moveDueScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
for _, id in ipairs(ids) do
  redis.call('ZREM', KEYS[1], id)
  local key = ARGV[3] .. id
  local priority = redis.call('HGET', key, 'priority')
  if not priority or priority == '' then priority = ARGV[5] end
  if redis.call('EXISTS', key) == 1 then
    redis.call('HSET', key, 'status', 'queued', 'updated_at', ARGV[6])
  end
  redis.call('RPUSH', ARGV[4] .. priority, id)
end
return #ids
`)
