package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"accessgov/pkg/models"
	"accessgov/pkg/statebus"
)

// ProfileUpdate is one directory change record on the bus.
type ProfileUpdate struct {
	Op      string         `json:"op"`
	Profile models.Profile `json:"profile"`
}

const (
	OpUpsert = "upsert"
	OpDelete = "delete"
)

type invalidator interface {
	Invalidate(ctx context.Context, principal string) error
}

// Sync applies directory updates from Consumer to Directory and drops stale
// cache entries.
type Sync struct {
	Consumer  statebus.Consumer
	Directory *StaticDirectory
	Cache     invalidator
	// Backoff is the pause after a read error; 0 means one second.
	Backoff time.Duration
}

// Apply handles one raw record.
func (s *Sync) Apply(ctx context.Context, raw []byte) error {
	var u ProfileUpdate
	if err := json.Unmarshal(raw, &u); err != nil {
		return fmt.Errorf("decode profile update: %w", err)
	}
	principal := strings.TrimSpace(u.Profile.Principal)
	if principal == "" {
		return errors.New("profile update without principal")
	}
	switch strings.ToLower(strings.TrimSpace(u.Op)) {
	case "", OpUpsert:
		s.Directory.Put(u.Profile)
	case OpDelete:
		s.Directory.Delete(principal)
	default:
		return fmt.Errorf("unknown profile op %q", u.Op)
	}
	if s.Cache != nil {
		if err := s.Cache.Invalidate(ctx, principal); err != nil {
			log.Printf("identity sync invalidate %s: %v", principal, err)
		}
	}
	return nil
}

// Run consumes until ctx is done. Malformed records are logged and skipped.
func (s *Sync) Run(ctx context.Context) error {
	backoff := s.Backoff
	if backoff <= 0 {
		backoff = time.Second
	}
	for {
		msg, err := s.Consumer.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Printf("identity sync read: %v", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			continue
		}
		if err := s.Apply(ctx, msg.Value); err != nil {
			log.Printf("identity sync apply: %v", err)
		}
	}
}
