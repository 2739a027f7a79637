package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"accessgov/pkg/accesserr"
	"accessgov/pkg/httpx"
)

type Decision struct {
	Allowed   bool
	Count     int
	Limit     int
	Remaining int
	ResetAt   time.Time
}

func decide(count, limit int, resetAt time.Time) Decision {
	return Decision{
		Allowed:   count <= limit,
		Count:     count,
		Limit:     limit,
		Remaining: max(limit-count, 0),
		ResetAt:   resetAt,
	}
}

// Limiter counts hits per key in fixed windows.
type Limiter interface {
	Allow(ctx context.Context, key string, limit int) Decision
}

type InMemoryLimiter struct {
	Now func() time.Time

	mu     sync.Mutex
	window time.Duration
	items  map[string]entry
}

type entry struct {
	count   int
	resetAt time.Time
}

func NewInMemory(window time.Duration) *InMemoryLimiter {
	if window <= 0 {
		window = time.Minute
	}
	return &InMemoryLimiter{window: window, items: make(map[string]entry)}
}

func (l *InMemoryLimiter) now() time.Time {
	if l.Now != nil {
		return l.Now().UTC()
	}
	return time.Now().UTC()
}

func (l *InMemoryLimiter) Allow(_ context.Context, key string, limit int) Decision {
	limit = max(limit, 1)
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	for k, v := range l.items {
		if !now.Before(v.resetAt) {
			delete(l.items, k)
		}
	}
	curr, ok := l.items[key]
	if !ok {
		curr = entry{resetAt: now.Add(l.window)}
	}
	curr.count++
	l.items[key] = curr
	return decide(curr.count, limit, curr.resetAt)
}

// Check returns ErrRateLimited when key has used up its window.
func Check(ctx context.Context, l Limiter, key string, limit int) error {
	if l == nil || limit <= 0 {
		return nil
	}
	d := l.Allow(ctx, key, limit)
	if d.Allowed {
		return nil
	}
	return fmt.Errorf("%w: %d requests per window, retry after %s", accesserr.ErrRateLimited, d.Limit, d.ResetAt.Format(time.RFC3339))
}

// Middleware limits requests per key(r). An empty key shares one bucket.
func Middleware(l Limiter, prefix string, limit int, key func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if l == nil || limit <= 0 {
				next.ServeHTTP(w, r)
				return
			}
			k := key(r)
			if k == "" {
				k = "anonymous"
			}
			d := l.Allow(r.Context(), prefix+k, limit)
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
			if !d.Allowed {
				retry := int(time.Until(d.ResetAt).Seconds()) + 1
				w.Header().Set("Retry-After", strconv.Itoa(max(retry, 1)))
				httpx.ErrorCode(w, accesserr.ErrRateLimited)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
