package store

import (
	"context"
	"fmt"
	"sync"

	"accessgov/pkg/accesserr"
	"accessgov/pkg/audit"
	"accessgov/pkg/models"
)

// MemoryRepo keeps state in process. Audit events are appended before the
// state is applied, so a failing audit log leaves state untouched.
type MemoryRepo struct {
	Audit audit.Appender

	mu        sync.RWMutex
	requests  map[string]models.AccessRequest
	decisions map[string][]models.ApprovalDecision
	grants    map[string]models.Grant
}

func NewMemoryRepo(appender audit.Appender) *MemoryRepo {
	return &MemoryRepo{
		Audit:     appender,
		requests:  map[string]models.AccessRequest{},
		decisions: map[string][]models.ApprovalDecision{},
		grants:    map[string]models.Grant{},
	}
}

func (m *MemoryRepo) Commit(ctx context.Context, c *Change) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if r := c.Request; r != nil {
		cur, exists := m.requests[r.ID]
		switch {
		case c.ExpectRequestVersion == 0 && exists:
			return fmt.Errorf("%w: request %s already exists", accesserr.ErrConcurrentUpdate, r.ID)
		case c.ExpectRequestVersion != 0 && !exists:
			return fmt.Errorf("%w: %s", accesserr.ErrRequestNotFound, r.ID)
		case c.ExpectRequestVersion != 0 && cur.Version != c.ExpectRequestVersion:
			return fmt.Errorf("%w: request %s at version %d, expected %d", accesserr.ErrConcurrentUpdate, r.ID, cur.Version, c.ExpectRequestVersion)
		}
	}
	if d := c.Decision; d != nil {
		for _, prev := range m.decisions[d.RequestID] {
			if prev.Step == d.Step {
				return fmt.Errorf("%w: request %s step %d", accesserr.ErrDuplicateDecision, d.RequestID, d.Step)
			}
		}
	}
	if g := c.Grant; g != nil {
		cur, exists := m.grants[g.ID]
		switch {
		case c.ExpectGrantVersion == 0 && exists:
			return fmt.Errorf("%w: grant %s already exists", accesserr.ErrConcurrentUpdate, g.ID)
		case c.ExpectGrantVersion != 0 && !exists:
			return fmt.Errorf("%w: %s", accesserr.ErrGrantNotFound, g.ID)
		case c.ExpectGrantVersion != 0 && cur.Version != c.ExpectGrantVersion:
			return fmt.Errorf("%w: grant %s at version %d, expected %d", accesserr.ErrConcurrentUpdate, g.ID, cur.Version, c.ExpectGrantVersion)
		}
	}

	if m.Audit != nil && len(c.Events) > 0 {
		if err := m.Audit.Append(ctx, c.Events...); err != nil {
			return err
		}
	}

	if r := c.Request; r != nil {
		r.Version = c.ExpectRequestVersion + 1
		m.requests[r.ID] = r.Clone()
	}
	if d := c.Decision; d != nil {
		m.decisions[d.RequestID] = append(m.decisions[d.RequestID], *d)
	}
	if g := c.Grant; g != nil {
		g.Version = c.ExpectGrantVersion + 1
		m.grants[g.ID] = g.Clone()
	}
	return nil
}

func (m *MemoryRepo) Request(_ context.Context, id string) (models.AccessRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.requests[id]
	if !ok {
		return models.AccessRequest{}, fmt.Errorf("%w: %s", accesserr.ErrRequestNotFound, id)
	}
	return r.Clone(), nil
}

func (m *MemoryRepo) Requests(_ context.Context, f RequestFilter) ([]models.AccessRequest, error) {
	m.mu.RLock()
	out := []models.AccessRequest{}
	for _, r := range m.requests {
		if f.Match(r) {
			out = append(out, r.Clone())
		}
	}
	m.mu.RUnlock()
	sortRequests(out)
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *MemoryRepo) Decisions(_ context.Context, requestID string) ([]models.ApprovalDecision, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]models.ApprovalDecision{}, m.decisions[requestID]...), nil
}

func (m *MemoryRepo) Grant(_ context.Context, id string) (models.Grant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	g, ok := m.grants[id]
	if !ok {
		return models.Grant{}, fmt.Errorf("%w: %s", accesserr.ErrGrantNotFound, id)
	}
	return g.Clone(), nil
}

func (m *MemoryRepo) Grants(_ context.Context, f GrantFilter) ([]models.Grant, error) {
	m.mu.RLock()
	out := []models.Grant{}
	for _, g := range m.grants {
		if f.Match(g) {
			out = append(out, g.Clone())
		}
	}
	m.mu.RUnlock()
	sortGrants(out)
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}
