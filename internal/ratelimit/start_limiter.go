// Package ratelimit throttles on-demand sync starts with a Redis-backed token
// bucket shared by every API replica.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"trailsync/internal/models"
)

// Decision is the outcome of one start attempt.
type Decision struct {
	Allowed bool
	// Remaining is the whole number of starts left in the bucket.
	Remaining int
	// RetryAfter is how long until the next start is allowed. Zero when Allowed
	// or when the bucket never refills.
	RetryAfter time.Duration
}

// StartLimiter grants each user a burst of Capacity sync starts per source,
// refilled at RefillPerSec. Buckets idle past their full refill expire.
type StartLimiter struct {
	client   *redis.Client
	capacity int
	refill   float64
	now      func() time.Time
}

func NewStartLimiter(client *redis.Client, capacity int, refillPerSec float64) *StartLimiter {
	if capacity <= 0 {
		capacity = 1
	}
	return &StartLimiter{client: client, capacity: capacity, refill: refillPerSec, now: time.Now}
}

func startKey(userID string, src models.DataSource) string {
	return fmt.Sprintf("rl:sync-start:%s:%s", userID, src)
}

// idleTTL is how long an untouched bucket takes to fill, after which its state
// equals a fresh one and can be dropped.
func (l *StartLimiter) idleTTL() time.Duration {
	if l.refill <= 0 {
		return 24 * time.Hour
	}
	return time.Duration(float64(l.capacity)/l.refill*float64(time.Second)) + time.Second
}

// Allow takes one start for the user and source if the bucket has one.
func (l *StartLimiter) Allow(ctx context.Context, userID string, src models.DataSource) (Decision, error) {
	key := startKey(userID, src)
	res, err := takeScript.Run(ctx, l.client, []string{key},
		l.capacity, l.refill, l.now().UnixMilli(), l.idleTTL().Milliseconds()).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("start limiter %s: %w", key, err)
	}
	if len(res) != 3 {
		return Decision{}, fmt.Errorf("start limiter %s: unexpected reply %v", key, res)
	}
	return Decision{
		Allowed:    res[0] == 1,
		Remaining:  int(res[1]),
		RetryAfter: time.Duration(res[2]) * time.Millisecond,
	}, nil
}

// Tokens are kept in thousandths so the stored value stays an integer.
var takeScript = redis.NewScript(`
local capacity = tonumber(ARGV[1]) * 1000
local refill = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local state = redis.call('HMGET', KEYS[1], 'milli', 'at')
local milli = tonumber(state[1]) or capacity
local at = tonumber(state[2]) or now

if now > at then
  milli = math.min(capacity, milli + math.floor((now - at) * refill))
end

local allowed = 0
local wait = 0
if milli >= 1000 then
  allowed = 1
  milli = milli - 1000
elseif refill > 0 then
  wait = math.ceil((1000 - milli) / refill)
end

redis.call('HSET', KEYS[1], 'milli', milli, 'at', math.max(now, at))
redis.call('PEXPIRE', KEYS[1], ttl)
return {allowed, math.floor(milli / 1000), wait}
`)
