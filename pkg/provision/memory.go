package provision

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"accessgov/pkg/accesserr"
	"accessgov/pkg/models"
)

// Memory is an in-process provider used by the memory storage mode and tests.
type Memory struct {
	mu     sync.Mutex
	active map[string]models.Grant
	fail   map[string]error
}

func NewMemory() *Memory {
	return &Memory{active: map[string]models.Grant{}, fail: map[string]error{}}
}

// FailResource makes calls for resource fail until cleared with a nil error.
func (m *Memory) FailResource(resource string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.fail, resource)
		return
	}
	m.fail[resource] = err
}

func (m *Memory) GrantAccess(_ context.Context, g models.Grant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail[g.Resource]; err != nil {
		return fmt.Errorf("%w: %v", accesserr.ErrProvisioningFailed, err)
	}
	m.active[g.ID] = g.Clone()
	return nil
}

func (m *Memory) RevokeAccess(_ context.Context, g models.Grant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail[g.Resource]; err != nil {
		return fmt.Errorf("%w: %v", accesserr.ErrProvisioningFailed, err)
	}
	delete(m.active, g.ID)
	return nil
}

// Active lists the grant IDs currently applied, sorted.
func (m *Memory) Active() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.active))
	for id := range m.active {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
