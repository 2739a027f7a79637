package workflow

import (
	"context"
	"log"
	"time"

	"accessgov/pkg/audit"
	"accessgov/pkg/models"
	"accessgov/pkg/store"
)

// txn collects one atomic change and the work that may only run after it
// committed.
type txn struct {
	now    time.Time
	change store.Change
	marks  [][2]string
	waits  []stepWait
	after  []func(ctx context.Context)
}

// stepWait is how long an approval step was open before outcome.
type stepWait struct {
	outcome string
	d       time.Duration
}

func (t *txn) closeStep(r *models.AccessRequest, outcome string) {
	if r.StepStartedAt.IsZero() {
		return
	}
	t.waits = append(t.waits, stepWait{outcome: outcome, d: t.now.Sub(r.StepStartedAt)})
}

func (e *Engine) begin() *txn {
	return &txn{now: e.now()}
}

func (t *txn) setRequest(r *models.AccessRequest, expect int64) {
	t.change.Request = r
	t.change.ExpectRequestVersion = expect
}

func (t *txn) setGrant(g *models.Grant, expect int64) {
	t.change.Grant = g
	t.change.ExpectGrantVersion = expect
}

// auditSettings returns the audit settings of the policy a request was
// evaluated under. Disabled audit still records transitions at basic level.
func auditSettings(p *models.Policy) models.AuditSettings {
	if p == nil {
		return models.AuditSettings{Enabled: true, LogLevel: models.LogLevelDetailed}
	}
	s := p.Audit
	if !s.Enabled {
		s.LogLevel = models.LogLevelBasic
	}
	return s
}

func (e *Engine) recordRequest(t *txn, r *models.AccessRequest, from, to models.RequestState, eventType, actor string, payload map[string]any) {
	ev := e.Audit.Event(audit.Transition{
		EntityType: models.EntityRequest,
		EntityID:   r.ID,
		EventType:  eventType,
		Actor:      actor,
		From:       string(from),
		To:         string(to),
		At:         t.now,
		Payload:    payload,
	}, auditSettings(r.Policy))
	t.change.Events = append(t.change.Events, ev)
	if from != to {
		t.marks = append(t.marks, [2]string{models.EntityRequest, string(to)})
	}
}

func (e *Engine) recordGrant(t *txn, g *models.Grant, r *models.AccessRequest, from, to models.GrantState, eventType, actor string, payload map[string]any) {
	var p *models.Policy
	if r != nil {
		p = r.Policy
	}
	if payload == nil {
		payload = map[string]any{}
	}
	payload["request_id"] = g.RequestID
	ev := e.Audit.Event(audit.Transition{
		EntityType: models.EntityGrant,
		EntityID:   g.ID,
		EventType:  eventType,
		Actor:      actor,
		From:       string(from),
		To:         string(to),
		At:         t.now,
		Payload:    payload,
	}, auditSettings(p))
	t.change.Events = append(t.change.Events, ev)
	if from != to {
		t.marks = append(t.marks, [2]string{models.EntityGrant, string(to)})
	}
}

// move applies a request event and records it.
func (e *Engine) move(t *txn, r *models.AccessRequest, ev Event, eventType, actor string, payload map[string]any) error {
	to, err := Next(r.Status, ev)
	if err != nil {
		return err
	}
	from := r.Status
	r.Status = to
	r.UpdatedAt = t.now
	e.recordRequest(t, r, from, to, eventType, actor, payload)
	return nil
}

func (e *Engine) moveGrant(t *txn, g *models.Grant, r *models.AccessRequest, ev GrantEvent, eventType, actor string, payload map[string]any) error {
	to, err := NextGrant(g.Status, ev)
	if err != nil {
		return err
	}
	from := g.Status
	g.Status = to
	g.UpdatedAt = t.now
	e.recordGrant(t, g, r, from, to, eventType, actor, payload)
	return nil
}

// commit persists the change, then publishes its events and runs deferred work.
func (e *Engine) commit(ctx context.Context, t *txn) error {
	if err := e.Repo.Commit(ctx, &t.change); err != nil {
		log.Printf("workflow commit: %v", err)
		return err
	}
	for _, m := range t.marks {
		e.Metrics.IncTransition(m[0], m[1])
	}
	for _, w := range t.waits {
		e.Metrics.ObserveStepWait(w.outcome, w.d)
	}
	if r := t.change.Request; r != nil && r.Status.Terminal() && t.reached(models.EntityRequest, string(r.Status)) {
		if r.ReasonCode != "" {
			e.Metrics.IncReason(r.ReasonCode)
		}
		e.Metrics.ObserveDecision(string(r.Status), t.now.Sub(r.SubmittedAt))
	}
	if e.Sink != nil {
		for _, ev := range t.change.Events {
			e.Sink.Publish(ev)
		}
	}
	for _, fn := range t.after {
		fn(ctx)
	}
	return nil
}

// reached reports whether this change moved an entity into state.
func (t *txn) reached(entity, state string) bool {
	for _, m := range t.marks {
		if m[0] == entity && m[1] == state {
			return true
		}
	}
	return false
}

// notify resolves recipient tokens and hands the notification off. Delivery
// errors are logged only.
func (e *Engine) notify(ctx context.Context, target models.NotificationTarget, fallbackTemplate string, g models.Grant, r *models.AccessRequest, extra map[string]any) {
	if e.Notifier == nil {
		return
	}
	recipients := make([]string, 0, len(target.Recipients)+1)
	seen := map[string]struct{}{}
	add := func(v string) {
		if v == "" {
			return
		}
		if _, ok := seen[v]; ok {
			return
		}
		seen[v] = struct{}{}
		recipients = append(recipients, v)
	}
	for _, tok := range target.Recipients {
		switch tok {
		case "requester", "principal":
			add(g.Principal)
		case "manager":
			if r != nil {
				add(r.Attributes.Manager)
			}
		default:
			add(tok)
		}
	}
	if len(recipients) == 0 {
		add(g.Principal)
	}
	template := target.Template
	if template == "" {
		template = fallbackTemplate
	}
	msg := models.Notification{
		Template:   template,
		Recipients: recipients,
		Context: map[string]any{
			"grant_id":    g.ID,
			"request_id":  g.RequestID,
			"principal":   g.Principal,
			"resource":    g.Resource,
			"role":        g.Role,
			"permissions": g.Permissions,
			"expires_at":  g.ExpiresAt,
		},
	}
	for k, v := range extra {
		msg.Context[k] = v
	}
	if err := e.Notifier.Notify(ctx, msg); err != nil {
		log.Printf("workflow notify %s %s: %v", template, g.ID, err)
	}
}

func notificationSettings(r *models.AccessRequest) models.NotificationSettings {
	if r == nil || r.Policy == nil {
		return models.NotificationSettings{}
	}
	return r.Policy.Notifications
}
