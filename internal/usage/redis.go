package usage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "copilot:usage:"

// takeScript increments KEYS[1] unless it already reached ARGV[1]. The key
// expires ARGV[2] milliseconds after its first increment.
var takeScript = redis.NewScript(`
local used = tonumber(redis.call('GET', KEYS[1]) or '0')
local admitted = 0
if used < tonumber(ARGV[1]) then
  used = redis.call('INCR', KEYS[1])
  admitted = 1
end
local ttl = redis.call('PTTL', KEYS[1])
if ttl < 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[2])
  ttl = tonumber(ARGV[2])
end
return {admitted, used, ttl}
`)

// RedisStore shares counters between server instances.
type RedisStore struct {
	client redis.UniversalClient
	now    func() time.Time
}

func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client, now: time.Now}
}

func (s *RedisStore) Take(ctx context.Context, key string, limit int, window time.Duration) (int, time.Time, bool, error) {
	res, err := takeScript.Run(ctx, s.client, []string{redisKeyPrefix + key}, limit, window.Milliseconds()).Int64Slice()
	if err != nil {
		return 0, time.Time{}, false, fmt.Errorf("redis take: %w", err)
	}
	if len(res) != 3 {
		return 0, time.Time{}, false, fmt.Errorf("redis take: unexpected reply %v", res)
	}

	resetAt := s.now().Add(time.Duration(res[2]) * time.Millisecond)
	return int(res[1]), resetAt, res[0] == 1, nil
}

func (s *RedisStore) Peek(ctx context.Context, key string, window time.Duration) (int, time.Time, error) {
	redisKey := redisKeyPrefix + key
	pipe := s.client.Pipeline()
	get := pipe.Get(ctx, redisKey)
	ttl := pipe.PTTL(ctx, redisKey)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return 0, time.Time{}, fmt.Errorf("redis peek: %w", err)
	}

	used, err := get.Int()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, s.now().Add(window), nil
		}
		return 0, time.Time{}, fmt.Errorf("redis peek: %w", err)
	}

	remaining := ttl.Val()
	if remaining <= 0 {
		remaining = window
	}
	return used, s.now().Add(remaining), nil
}
