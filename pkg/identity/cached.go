package identity

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"accessgov/pkg/models"
	"accessgov/pkg/store"
	"accessgov/pkg/workflow"
)

const cachePrefix = "accessgov:profile:"

// CachedDirectory memoizes profiles from Source in Cache. Cache failures
// fall through to Source.
type CachedDirectory struct {
	Source workflow.Directory
	Cache  store.Cache
	TTL    time.Duration
}

func (c *CachedDirectory) Lookup(ctx context.Context, principal string) (models.Profile, error) {
	key := cachePrefix + principalKey(principal)
	raw, err := c.Cache.Get(ctx, key)
	switch {
	case err == nil:
		var p models.Profile
		if jerr := json.Unmarshal([]byte(raw), &p); jerr == nil {
			return p, nil
		}
		_ = c.Cache.Del(ctx, key)
	case !store.IsMiss(err):
		log.Printf("identity cache get %s: %v", principal, err)
	}

	p, err := c.Source.Lookup(ctx, principal)
	if err != nil {
		return models.Profile{}, err
	}
	if b, err := json.Marshal(p); err == nil {
		ttl := c.TTL
		if ttl <= 0 {
			ttl = 10 * time.Minute
		}
		if err := c.Cache.Set(ctx, key, string(b), ttl); err != nil {
			log.Printf("identity cache set %s: %v", principal, err)
		}
	}
	return p, nil
}

// Invalidate drops the cached profile of principal.
func (c *CachedDirectory) Invalidate(ctx context.Context, principal string) error {
	return c.Cache.Del(ctx, cachePrefix+principalKey(principal))
}
