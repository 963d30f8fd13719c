package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"attendd/pkg/clock"
)

const keyPrefix = "attendd:ratelimit:"

// slidingWindow prunes, counts and records in one server-side step.
// Scores are unix milliseconds.
var slidingWindow = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local max = tonumber(ARGV[3])

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
local count = redis.call('ZCARD', key)
if count < max then
  redis.call('ZADD', key, now, ARGV[4])
  redis.call('PEXPIRE', key, window)
  return {1, max - count - 1, 0}
end

local retry = 0
local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
if oldest[2] then
  retry = tonumber(oldest[2]) + window - now
end
return {0, 0, retry}
`)

// NewRedisClient connects and pings the server.
func NewRedisClient(ctx context.Context, addr, password string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       0,
	})

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}

// Redis is a Limiter shared by every replica through a Redis sorted set
// per identity.
type Redis struct {
	client *redis.Client
	clock  clock.Clock
}

// NewRedis builds a Limiter on client.
func NewRedis(client *redis.Client, clk clock.Clock) *Redis {
	if clk == nil {
		clk = clock.Real()
	}
	return &Redis{client: client, clock: clk}
}

func redisKey(identity string) string {
	return keyPrefix + identity
}

func (r *Redis) Check(ctx context.Context, identity string, max int, window time.Duration) (Result, error) {
	if err := (Policy{Max: max, Window: window}).validate(); err != nil {
		return Result{}, err
	}

	now := r.clock.Now().UnixMilli()
	member := fmt.Sprintf("%d-%s", now, uuid.NewString())
	vals, err := slidingWindow.Run(ctx, r.client, []string{redisKey(identity)},
		now, window.Milliseconds(), max, member).Int64Slice()
	if err != nil {
		return Result{}, fmt.Errorf("rate limit check: %w", err)
	}
	return parseScriptResult(vals)
}

func parseScriptResult(vals []int64) (Result, error) {
	if len(vals) != 3 {
		return Result{}, fmt.Errorf("rate limit script returned %d values", len(vals))
	}
	return Result{
		Allowed:    vals[0] == 1,
		Remaining:  int(vals[1]),
		RetryAfter: time.Duration(vals[2]) * time.Millisecond,
	}, nil
}

func (r *Redis) Reset(ctx context.Context, identity string) error {
	return r.client.Del(ctx, redisKey(identity)).Err()
}
