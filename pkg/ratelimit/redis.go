package ratelimit

import (
	"context"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

var windowScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return {current, redis.call("PTTL", KEYS[1])}
`)

// RedisLimiter shares windows across replicas. When Redis is unreachable
// it degrades to the in-process Fallback.
type RedisLimiter struct {
	Client   redis.UniversalClient
	Window   time.Duration
	Prefix   string
	Fallback *InMemoryLimiter
}

func NewRedis(client redis.UniversalClient, window time.Duration) *RedisLimiter {
	if window <= 0 {
		window = time.Minute
	}
	return &RedisLimiter{
		Client:   client,
		Window:   window,
		Prefix:   "accessgov:rl:",
		Fallback: NewInMemory(window),
	}
}

func (l *RedisLimiter) Allow(ctx context.Context, key string, limit int) Decision {
	limit = max(limit, 1)
	if l.Client == nil {
		return l.fallback(ctx, key, limit)
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	vals, err := windowScript.Run(ctx, l.Client, []string{l.Prefix + key}, l.Window.Milliseconds()).Int64Slice()
	if err != nil || len(vals) < 2 {
		log.Printf("ratelimit redis unavailable, using local window: %v", err)
		return l.fallback(ctx, key, limit)
	}
	ttl := time.Duration(vals[1]) * time.Millisecond
	if ttl < 0 {
		ttl = l.Window
	}
	return decide(int(vals[0]), limit, time.Now().UTC().Add(ttl))
}

func (l *RedisLimiter) fallback(ctx context.Context, key string, limit int) Decision {
	if l.Fallback == nil {
		return decide(0, limit, time.Now().UTC().Add(l.Window))
	}
	return l.Fallback.Allow(ctx, key, limit)
}
