package stream

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"accessgov/pkg/models"
)

type Event struct {
	Type string          `json:"type"`
	At   time.Time       `json:"at"`
	Data json.RawMessage `json:"data,omitempty"`
}

func NewEvent(eventType string, data any) Event {
	var raw json.RawMessage
	if data != nil {
		raw, _ = json.Marshal(data)
	}
	return Event{Type: eventType, At: time.Now().UTC(), Data: raw}
}

// Filter narrows a subscription. Empty fields match every audit event.
type Filter struct {
	EntityID   string
	EntityType string
}

func (f Filter) match(ev models.AuditEvent) bool {
	return (f.EntityID == "" || f.EntityID == ev.EntityID) &&
		(f.EntityType == "" || f.EntityType == ev.EntityType)
}

type subscriber struct {
	filter Filter
	ch     chan Event
}

// Hub fans committed audit events out to live subscribers. Slow subscribers
// lose events instead of blocking the publisher.
type Hub struct {
	mu      sync.RWMutex
	subs    map[chan Event]subscriber
	dropped atomic.Int64
}

func NewHub() *Hub {
	return &Hub{subs: map[chan Event]subscriber{}}
}

func (h *Hub) Subscribe(buffer int, f Filter) chan Event {
	if buffer <= 0 {
		buffer = 32
	}
	ch := make(chan Event, buffer)
	h.mu.Lock()
	h.subs[ch] = subscriber{filter: f, ch: ch}
	h.mu.Unlock()
	return ch
}

func (h *Hub) Unsubscribe(ch chan Event) {
	h.mu.Lock()
	_, ok := h.subs[ch]
	delete(h.subs, ch)
	h.mu.Unlock()
	if ok {
		close(ch)
	}
}

// Publish implements workflow.EventSink.
func (h *Hub) Publish(ev models.AuditEvent) {
	evt := NewEvent(ev.EventType, ev)
	evt.At = ev.OccurredAt
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, s := range h.subs {
		if !s.filter.match(ev) {
			continue
		}
		select {
		case s.ch <- evt:
		default:
			h.dropped.Add(1)
		}
	}
}

func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Dropped counts events discarded because a subscriber buffer was full.
func (h *Hub) Dropped() int64 { return h.dropped.Load() }
