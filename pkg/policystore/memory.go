package policystore

import (
	"context"
	"sort"
	"sync"
	"time"

	"accessgov/pkg/audit"
	"accessgov/pkg/models"
)

type MemoryStore struct {
	Audit   audit.Appender
	Builder audit.Builder
	Now     func() time.Time

	mu       sync.RWMutex
	versions map[string][]models.Policy
}

func NewMemoryStore(appender audit.Appender, b audit.Builder) *MemoryStore {
	return &MemoryStore{Audit: appender, Builder: b, Now: time.Now, versions: map[string][]models.Policy{}}
}

func (m *MemoryStore) Publish(ctx context.Context, p models.Policy, actor string) (models.Policy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.versions == nil {
		m.versions = map[string][]models.Policy{}
	}
	now := time.Now
	if m.Now != nil {
		now = m.Now
	}
	out, err := stamp(p, actor, len(m.versions[keyOf(p)])+1, now())
	if err != nil {
		return models.Policy{}, err
	}
	if m.Audit != nil {
		if err := m.Audit.Append(ctx, publishedEvent(m.Builder, out, actor)); err != nil {
			return models.Policy{}, err
		}
	}
	m.versions[out.Key()] = append(m.versions[out.Key()], out)
	return clonePolicy(out), nil
}

func (m *MemoryStore) Latest(_ context.Context, key string) (models.Policy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	vs := m.versions[key]
	if len(vs) == 0 {
		return models.Policy{}, notFound(key, 0)
	}
	return vs[len(vs)-1], nil
}

func (m *MemoryStore) Version(_ context.Context, key string, version int) (models.Policy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	vs := m.versions[key]
	if version < 1 || version > len(vs) {
		return models.Policy{}, notFound(key, version)
	}
	return vs[version-1], nil
}

func (m *MemoryStore) Versions(_ context.Context, key string) ([]models.Policy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	vs := m.versions[key]
	if len(vs) == 0 {
		return nil, notFound(key, 0)
	}
	return append([]models.Policy(nil), vs...), nil
}

func (m *MemoryStore) List(context.Context) ([]models.Policy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Policy, 0, len(m.versions))
	for _, vs := range m.versions {
		out = append(out, vs[len(vs)-1])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out, nil
}
