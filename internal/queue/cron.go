package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
)

// CronEntry is a recurring task definition.
type CronEntry struct {
	Name     string          `json:"name"`
	TaskType string          `json:"task_type"`
	Spec     string          `json:"spec"`
	Payload  json.RawMessage `json:"payload"`
}

// Schedule registers or updates a recurring task. Specs use the standard
// five-field cron syntax evaluated in UTC. Re-registering an unchanged entry
// keeps its pending fire time, so restarts do not skip or repeat a firing.
// It returns the next fire time.
func (q *RedisQueue) Schedule(ctx context.Context, name, taskType, spec string, payload any) (time.Time, error) {
	sched, err := cron.ParseStandard(spec)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron spec %q: %w", spec, err)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return time.Time{}, fmt.Errorf("marshal %s payload: %w", name, err)
	}
	entry := CronEntry{Name: name, TaskType: taskType, Spec: spec, Payload: raw}
	encoded, err := json.Marshal(entry)
	if err != nil {
		return time.Time{}, err
	}

	prev, err := q.cronEntry(ctx, name)
	if err != nil && !errors.Is(err, redis.Nil) {
		return time.Time{}, err
	}
	if err == nil && prev.Spec == spec && prev.TaskType == taskType {
		if score, err := q.client.ZScore(ctx, q.cronNextKey, name).Result(); err == nil {
			if err := q.client.HSet(ctx, q.cronKey, name, encoded).Err(); err != nil {
				return time.Time{}, err
			}
			return time.UnixMilli(int64(score)).UTC(), nil
		}
	}

	next := sched.Next(q.now().UTC())
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.cronKey, name, encoded)
	pipe.ZAdd(ctx, q.cronNextKey, redis.Z{Score: float64(next.UnixMilli()), Member: name})
	if _, err := pipe.Exec(ctx); err != nil {
		return time.Time{}, fmt.Errorf("store cron entry %s: %w", name, err)
	}
	return next, nil
}

// Unschedule removes a recurring task.
func (q *RedisQueue) Unschedule(ctx context.Context, name string) error {
	pipe := q.client.TxPipeline()
	pipe.HDel(ctx, q.cronKey, name)
	pipe.ZRem(ctx, q.cronNextKey, name)
	_, err := pipe.Exec(ctx)
	return err
}

func (q *RedisQueue) cronEntry(ctx context.Context, name string) (CronEntry, error) {
	raw, err := q.client.HGet(ctx, q.cronKey, name).Result()
	if err != nil {
		return CronEntry{}, err
	}
	var e CronEntry
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		return CronEntry{}, fmt.Errorf("decode cron entry %s: %w", name, err)
	}
	return e, nil
}

// FireDue enqueues every recurring task whose fire time is at or before now and
// advances it to its next fire time. Advancing and enqueueing happen in one
// script guarded by the previous fire time, so when several workers race only
// one of them enqueues a given firing. Missed firings are collapsed into one.
func (q *RedisQueue) FireDue(ctx context.Context, now time.Time) (int, error) {
	due, err := q.client.ZRangeByScoreWithScores(ctx, q.cronNextKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("list due cron entries: %w", err)
	}

	fired := 0
	for _, z := range due {
		name, _ := z.Member.(string)
		entry, err := q.cronEntry(ctx, name)
		if errors.Is(err, redis.Nil) {
			q.client.ZRem(ctx, q.cronNextKey, name)
			continue
		}
		if err != nil {
			return fired, err
		}
		sched, err := cron.ParseStandard(entry.Spec)
		if err != nil {
			return fired, fmt.Errorf("parse cron spec %q: %w", entry.Spec, err)
		}
		next := sched.Next(now.UTC())

		task, err := q.newTask(entry.TaskType, entry.Payload, EnqueueOptions{})
		if err != nil {
			return fired, err
		}
		args := []any{name, int64(z.Score), next.UnixMilli(), task.ID}
		args = append(args, taskFields(task)...)
		ok, err := fireScript.Run(ctx, q.client,
			[]string{q.cronNextKey, q.taskKey(task.ID), q.readyKey(task.Priority)}, args...).Int()
		if err != nil {
			return fired, fmt.Errorf("fire cron entry %s: %w", name, err)
		}
		fired += ok
	}
	return fired, nil
}

var fireScript = redis.NewScript(`
local score = redis.call('ZSCORE', KEYS[1], ARGV[1])
if not score or tonumber(score) ~= tonumber(ARGV[2]) then
  return 0
end
redis.call('ZADD', KEYS[1], ARGV[3], ARGV[1])
redis.call('HSET', KEYS[2], unpack(ARGV, 5))
redis.call('RPUSH', KEYS[3], ARGV[4])
return 1
`)
