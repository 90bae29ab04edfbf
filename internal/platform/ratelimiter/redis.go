package ratelimiter

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// slidingWindowScript trims the sorted set to the window, then admits the
// event only when the remaining count is below the limit.
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
local count = redis.call('ZCARD', key)
if count >= limit then
  local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
  local retry = 0
  if oldest[2] then
    retry = tonumber(oldest[2]) + window - now
  end
  return {0, count, retry}
end
redis.call('ZADD', key, now, ARGV[4])
redis.call('PEXPIRE', key, window)
return {1, count + 1, 0}
`)

// RedisWindow is a cluster-wide sliding-window limiter backed by Redis sorted sets.
type RedisWindow struct {
	client *redis.Client
	prefix string
	limit  int
	window time.Duration
}

// NewRedisWindow builds a Redis limiter. Keys are stored under prefix.
func NewRedisWindow(client *redis.Client, prefix string, limit int, window time.Duration) *RedisWindow {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "dispatch:ratelimit:"
	}
	return &RedisWindow{client: client, prefix: prefix, limit: limit, window: window}
}

// Allow records one event for key when the shared window has room.
func (l *RedisWindow) Allow(ctx context.Context, key string, now time.Time) (Decision, error) {
	if err := ctx.Err(); err != nil {
		return Decision{}, err
	}
	if l == nil || l.limit <= 0 || l.window <= 0 {
		return Decision{Allowed: true}, nil
	}
	if l.client == nil {
		return Decision{}, fmt.Errorf("redis client is not configured")
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return Decision{Allowed: true}, nil
	}

	result, err := slidingWindowScript.Run(ctx, l.client,
		[]string{l.prefix + key},
		now.UnixMilli(),
		l.window.Milliseconds(),
		l.limit,
		fmt.Sprintf("%d-%s", now.UnixNano(), uuid.NewString()),
	).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("run sliding window script: %w", err)
	}
	if len(result) != 3 {
		return Decision{}, fmt.Errorf("unexpected sliding window result %v", result)
	}
	return Decision{
		Allowed:    result[0] == 1,
		Count:      int(result[1]),
		RetryAfter: time.Duration(result[2]) * time.Millisecond,
	}, nil
}

// Open connects to Redis at addr and verifies the connection.
func Open(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, fmt.Errorf("redis address is required")
	}
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

var _ Limiter = (*RedisWindow)(nil)
