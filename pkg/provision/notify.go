package provision

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"accessgov/pkg/models"
	"accessgov/pkg/statebus"
)

// BusNotifier enqueues notifications on the bus for the delivery service.
type BusNotifier struct {
	Publisher statebus.Publisher
	Now       func() time.Time
}

func (n BusNotifier) Notify(ctx context.Context, msg models.Notification) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return n.Publisher.Publish(ctx, statebus.Message{Key: []byte(msg.Template), Value: raw, Time: now(n.Now)})
}

// LogNotifier writes notifications to the process log.
type LogNotifier struct{}

func (LogNotifier) Notify(_ context.Context, msg models.Notification) error {
	log.Printf("notify %s to %v grant=%v", msg.Template, msg.Recipients, msg.Context["grant_id"])
	return nil
}

// BusSink mirrors committed audit events to the bus, keyed by entity so one
// entity's events stay ordered within a partition.
type BusSink struct {
	Publisher statebus.Publisher
	Timeout   time.Duration
}

func (s BusSink) Publish(ev models.AuditEvent) {
	raw, err := json.Marshal(ev)
	if err != nil {
		log.Printf("audit sink encode %s: %v", ev.ID, err)
		return
	}
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := s.Publisher.Publish(ctx, statebus.Message{Key: []byte(ev.EntityID), Value: raw, Time: ev.OccurredAt}); err != nil {
		log.Printf("audit sink publish %s: %v", ev.ID, err)
	}
}

func now(fn func() time.Time) time.Time {
	if fn != nil {
		return fn().UTC()
	}
	return time.Now().UTC()
}
