package policystore

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"accessgov/pkg/accesserr"
	"accessgov/pkg/audit"
	"accessgov/pkg/models"

	"github.com/google/uuid"
)

// Store keeps every published version of every policy. Published versions
// are immutable; in-flight requests keep the version they were evaluated under.
type Store interface {
	Publish(ctx context.Context, p models.Policy, actor string) (models.Policy, error)
	Latest(ctx context.Context, key string) (models.Policy, error)
	Version(ctx context.Context, key string, version int) (models.Policy, error)
	Versions(ctx context.Context, key string) ([]models.Policy, error)
	// List returns the latest version of every policy ordered by key.
	List(ctx context.Context) ([]models.Policy, error)
}

// stamp validates p and fills the fields owned by the store.
func stamp(p models.Policy, actor string, version int, now time.Time) (models.Policy, error) {
	p = clonePolicy(p)
	p.Resource = strings.TrimSpace(p.Resource)
	p.ResourceType = strings.TrimSpace(p.ResourceType)
	if p.IsTypeWide() {
		p.Resource = "*"
	}
	if err := Validate(p); err != nil {
		return models.Policy{}, err
	}
	p.ID = uuid.New().String()
	p.Version = version
	p.CreatedAt = now.UTC()
	if p.CreatedBy == "" {
		p.CreatedBy = actor
	}
	return p, nil
}

// keyOf is Policy.Key on trimmed resource fields.
func keyOf(p models.Policy) string {
	return models.Policy{Resource: strings.TrimSpace(p.Resource), ResourceType: strings.TrimSpace(p.ResourceType)}.Key()
}

func publishedEvent(b audit.Builder, p models.Policy, actor string) models.AuditEvent {
	return b.Event(audit.Transition{
		EntityType: models.EntityPolicy,
		EntityID:   p.ID,
		EventType:  audit.PolicyPublished,
		Actor:      actor,
		To:         fmt.Sprintf("v%d", p.Version),
		At:         p.CreatedAt,
		Payload: map[string]any{
			"policy_version": p.Version,
			"resource":       p.Resource,
			"resource_type":  p.ResourceType,
			"roles":          len(p.Roles),
			"enabled":        p.Enabled,
		},
	}, p.Audit)
}

// clonePolicy deep-copies p so stored versions cannot be mutated by callers.
func clonePolicy(p models.Policy) models.Policy {
	raw, err := json.Marshal(p)
	if err != nil {
		return p
	}
	var out models.Policy
	if err := json.Unmarshal(raw, &out); err != nil {
		return p
	}
	return out
}

func notFound(key string, version int) error {
	if version > 0 {
		return fmt.Errorf("%w: %q version %d", accesserr.ErrPolicyNotFound, key, version)
	}
	return fmt.Errorf("%w: %q", accesserr.ErrPolicyNotFound, key)
}
