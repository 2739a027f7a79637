package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// IsMiss reports a cache miss from either cache implementation.
func IsMiss(err error) bool {
	return errors.Is(err, redis.Nil)
}

// TryLock takes a cache-backed lease on key. The returned release deletes the
// lease only while this holder still owns it.
func TryLock(ctx context.Context, c Cache, key string, ttl time.Duration) (release func(context.Context), ok bool, err error) {
	token := uuid.NewString()
	ok, err = c.SetNX(ctx, key, token, ttl)
	if err != nil || !ok {
		return func(context.Context) {}, false, err
	}
	return func(ctx context.Context) {
		cur, err := c.Get(ctx, key)
		if err == nil && cur == token {
			_ = c.Del(ctx, key)
		}
	}, true, nil
}
