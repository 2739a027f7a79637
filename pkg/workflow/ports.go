package workflow

import (
	"context"

	"accessgov/pkg/models"
)

// Provisioner applies grants at the resource provider. Both calls must be
// idempotent per grant ID; an error means "not done yet".
type Provisioner interface {
	GrantAccess(ctx context.Context, g models.Grant) error
	RevokeAccess(ctx context.Context, g models.Grant) error
}

// Notifier enqueues a notification without waiting for delivery.
type Notifier interface {
	Notify(ctx context.Context, n models.Notification) error
}

// Directory supplies requester attributes and approver role memberships.
type Directory interface {
	Lookup(ctx context.Context, principal string) (models.Profile, error)
}

// EventSink observes audit events after their transition committed.
type EventSink interface {
	Publish(ev models.AuditEvent)
}

// Sinks fans one event out to several sinks in order.
type Sinks []EventSink

func (s Sinks) Publish(ev models.AuditEvent) {
	for _, sink := range s {
		if sink != nil {
			sink.Publish(ev)
		}
	}
}
