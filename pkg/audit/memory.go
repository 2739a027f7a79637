package audit

import (
	"context"
	"fmt"
	"iter"
	"sort"
	"sync"
	"time"

	"accessgov/pkg/accesserr"
	"accessgov/pkg/models"
)

// MemoryLog keeps events in commit order. It is used for local runs and tests.
type MemoryLog struct {
	mu          sync.RWMutex
	events      []models.AuditEvent
	seq         int64
	unavailable error
}

func NewMemoryLog() *MemoryLog {
	return &MemoryLog{}
}

// SetUnavailable makes every subsequent Append fail with err; nil restores the log.
func (m *MemoryLog) SetUnavailable(err error) {
	m.mu.Lock()
	m.unavailable = err
	m.mu.Unlock()
}

func (m *MemoryLog) Append(ctx context.Context, events ...models.AuditEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.unavailable != nil {
		return fmt.Errorf("%w: %v", accesserr.ErrAuditWriteFailed, m.unavailable)
	}
	for _, ev := range events {
		m.seq++
		ev.Seq = m.seq
		m.events = append(m.events, ev)
	}
	return nil
}

func (m *MemoryLog) Query(ctx context.Context, f Filter) iter.Seq2[models.AuditEvent, error] {
	return func(yield func(models.AuditEvent, error) bool) {
		last := f.AfterSeq
		emitted := 0
		for {
			if err := ctx.Err(); err != nil {
				yield(models.AuditEvent{}, err)
				return
			}
			ev, ok := m.next(last)
			if !ok {
				return
			}
			last = ev.Seq
			if !f.Match(ev) {
				continue
			}
			if !yield(ev, nil) {
				return
			}
			emitted++
			if f.Limit > 0 && emitted >= f.Limit {
				return
			}
		}
	}
}

func (m *MemoryLog) next(after int64) (models.AuditEvent, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	i := sort.Search(len(m.events), func(i int) bool { return m.events[i].Seq > after })
	if i >= len(m.events) {
		return models.AuditEvent{}, false
	}
	return m.events[i], true
}

func (m *MemoryLog) Count(ctx context.Context, f Filter) (int64, error) {
	f.AfterSeq = 0
	m.mu.RLock()
	defer m.mu.RUnlock()
	var n int64
	for _, ev := range m.events {
		if f.Match(ev) {
			n++
		}
	}
	return n, nil
}

func (m *MemoryLog) Purge(ctx context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.events[:0]
	var purged int64
	for _, ev := range m.events {
		if ev.RetainUntil.Before(now) {
			purged++
			continue
		}
		kept = append(kept, ev)
	}
	m.events = kept
	return purged, nil
}

func (m *MemoryLog) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.events)
}
