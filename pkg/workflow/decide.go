package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"accessgov/pkg/accesserr"
	"accessgov/pkg/audit"
	"accessgov/pkg/models"
	"accessgov/pkg/store"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

type DecisionInput struct {
	RequestID string `json:"request_id"`
	Approver  string `json:"approver"`
	Decision  string `json:"decision"`
	// Step, when set, must equal the request's current step.
	Step    *int     `json:"step,omitempty"`
	Comment string   `json:"comment,omitempty"`
	Roles   []string `json:"roles,omitempty"`
}

func (d DecisionInput) Validate() error {
	return validation.ValidateStruct(&d,
		validation.Field(&d.RequestID, validation.Required),
		validation.Field(&d.Approver, validation.Required, validation.Length(1, 256)),
		validation.Field(&d.Decision, validation.Required, validation.In(models.DecisionApprove, models.DecisionReject)),
		validation.Field(&d.Comment, validation.Length(0, 4000)),
	)
}

// Decide records one approver decision on the request's current step.
func (e *Engine) Decide(ctx context.Context, in DecisionInput) (models.AccessRequest, error) {
	ctx, span := tracer.Start(ctx, "workflow.Decide", trace.WithAttributes(
		attribute.String("request_id", in.RequestID),
		attribute.String("decision", in.Decision),
	))
	defer span.End()

	in.Approver = strings.TrimSpace(in.Approver)
	in.Decision = strings.ToLower(strings.TrimSpace(in.Decision))
	if err := in.Validate(); err != nil {
		return models.AccessRequest{}, fmt.Errorf("%w: %v", accesserr.ErrInvalidRequest, err)
	}

	unlock := e.locks.Lock("request:" + in.RequestID)
	defer unlock()

	r, err := e.Repo.Request(ctx, in.RequestID)
	if err != nil {
		return models.AccessRequest{}, err
	}
	if e.overdue(r, e.now()) {
		if r, err = e.escalateLocked(ctx, r); err != nil {
			return r, err
		}
	}

	if r.Status != models.StatePendingApproval {
		if dup, err := e.decidedBefore(ctx, r.ID, in.Approver, -1); err != nil {
			return r, err
		} else if dup {
			return r, fmt.Errorf("%w: %s already decided request %s", accesserr.ErrDuplicateDecision, in.Approver, r.ID)
		}
		return r, fmt.Errorf("%w: request %s is %s", accesserr.ErrInvalidTransition, r.ID, r.Status)
	}
	if in.Step != nil && *in.Step != r.Step {
		if dup, err := e.decidedBefore(ctx, r.ID, in.Approver, *in.Step); err != nil {
			return r, err
		} else if dup {
			return r, fmt.Errorf("%w: %s already decided step %d", accesserr.ErrDuplicateDecision, in.Approver, *in.Step)
		}
		return r, fmt.Errorf("%w: decision for step %d, request is at step %d", accesserr.ErrStaleApprovalStep, *in.Step, r.Step)
	}
	if strings.EqualFold(in.Approver, r.Requester) {
		return r, fmt.Errorf("%w: requester cannot approve their own request", accesserr.ErrApproverNotAuthorized)
	}
	cur, _ := r.CurrentApprover()
	ok, err := e.authorized(ctx, cur, in.Approver, in.Roles)
	if err != nil {
		return r, err
	}
	if !ok {
		if dup, err := e.decidedBefore(ctx, r.ID, in.Approver, -1); err != nil {
			return r, err
		} else if dup {
			return r, fmt.Errorf("%w: %s already decided request %s", accesserr.ErrDuplicateDecision, in.Approver, r.ID)
		}
		return r, fmt.Errorf("%w: step %d awaits %s %q", accesserr.ErrApproverNotAuthorized, r.Step, cur.Type, cur.Value)
	}

	t := e.begin()
	t.setRequest(&r, r.Version)
	t.closeStep(&r, in.Decision)
	dec := models.ApprovalDecision{
		ID:        uuid.NewString(),
		RequestID: r.ID,
		Step:      r.Step,
		Approver:  in.Approver,
		Decision:  in.Decision,
		Comment:   in.Comment,
		DecidedAt: t.now,
	}
	t.change.Decision = &dec
	e.recordRequest(t, &r, r.Status, r.Status, audit.DecisionRecorded, in.Approver, map[string]any{
		"step":          r.Step,
		"decision":      in.Decision,
		"approver_type": cur.Type,
		"comment":       in.Comment,
	})

	final := in.Decision == models.DecisionReject || r.Step+1 >= len(r.Chain)
	var renewing *models.Grant
	var expectGrant int64
	if final && r.Kind == models.RequestKindRenewal && r.RenewsGrantID != "" {
		unlockGrant := e.locks.Lock("grant:" + r.RenewsGrantID)
		defer unlockGrant()
		g, err := e.Repo.Grant(ctx, r.RenewsGrantID)
		if err != nil {
			return r, err
		}
		if g.Status.Ended() {
			return e.cancelRenewalLocked(ctx, r, g)
		}
		renewing, expectGrant = &g, g.Version
	}

	switch {
	case in.Decision == models.DecisionReject:
		r.ReasonCode = ReasonRejectedByApprover
		r.Reason = "rejected by " + in.Approver
		if in.Comment != "" {
			r.Reason += ": " + in.Comment
		}
		if err := e.move(t, &r, EventReject, audit.RequestRejected, in.Approver, map[string]any{
			"reason_code": r.ReasonCode,
			"step":        r.Step,
		}); err != nil {
			return r, err
		}
		if renewing != nil {
			if err := e.expireGrant(t, renewing, &r, "renewal_rejected"); err != nil {
				return r, err
			}
		}
	case !final:
		r.Step++
		r.StepStartedAt = t.now
		if err := e.move(t, &r, EventAdvance, audit.RequestStepAdvanced, in.Approver, map[string]any{
			"step":     r.Step,
			"approver": r.Chain[r.Step],
		}); err != nil {
			return r, err
		}
	default:
		if err := e.move(t, &r, EventApprove, audit.RequestApproved, in.Approver, map[string]any{
			"step": r.Step,
		}); err != nil {
			return r, err
		}
		if err := e.approved(t, &r, renewing); err != nil {
			return r, err
		}
	}
	if renewing != nil {
		t.setGrant(renewing, expectGrant)
	}
	if err := e.commit(ctx, t); err != nil {
		return models.AccessRequest{}, commitErr(err)
	}
	return r, nil
}

// authorized reports whether actor may decide for approver a.
func (e *Engine) authorized(ctx context.Context, a models.Approver, actor string, roles []string) (bool, error) {
	switch a.Type {
	case models.ApproverRole:
		if containsFold(roles, a.Value) {
			return true, nil
		}
		if e.Directory == nil {
			return false, nil
		}
		prof, err := e.Directory.Lookup(ctx, actor)
		if errors.Is(err, accesserr.ErrInvalidRequest) {
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("directory lookup %q: %w", actor, err)
		}
		return containsFold(prof.Roles, a.Value), nil
	default:
		return strings.EqualFold(strings.TrimSpace(a.Value), actor), nil
	}
}

// CanView reports whether actor may read r: its requester, an approver named
// anywhere in its chain, or someone who already decided on it.
func (e *Engine) CanView(ctx context.Context, r models.AccessRequest, actor string, roles []string) (bool, error) {
	if strings.EqualFold(r.Requester, actor) {
		return true, nil
	}
	for _, a := range r.Chain {
		ok, err := e.authorized(ctx, a, actor, roles)
		if err != nil || ok {
			return ok, err
		}
	}
	return e.decidedBefore(ctx, r.ID, actor, -1)
}

// decidedBefore reports whether actor recorded a decision on the request,
// at step when step >= 0.
func (e *Engine) decidedBefore(ctx context.Context, requestID, actor string, step int) (bool, error) {
	decisions, err := e.Repo.Decisions(ctx, requestID)
	if err != nil {
		return false, err
	}
	for _, d := range decisions {
		if strings.EqualFold(d.Approver, actor) && (step < 0 || d.Step == step) {
			return true, nil
		}
	}
	return false, nil
}

func (e *Engine) overdue(r models.AccessRequest, now time.Time) bool {
	if r.Status != models.StatePendingApproval || r.Policy == nil {
		return false
	}
	esc := r.Policy.ApprovalWorkflow.Escalation
	if esc == nil || esc.TimeoutHours <= 0 {
		return false
	}
	return now.Sub(r.StepStartedAt) > time.Duration(esc.TimeoutHours)*time.Hour
}

// escalateLocked reassigns the current step of an overdue request, or
// expires the request once the escalation cap is reached.
func (e *Engine) escalateLocked(ctx context.Context, r models.AccessRequest) (models.AccessRequest, error) {
	esc := r.Policy.ApprovalWorkflow.Escalation
	t := e.begin()
	t.setRequest(&r, r.Version)

	if r.Escalations >= e.maxEscalations() {
		t.closeStep(&r, "timed_out")
		r.ReasonCode = ReasonEscalationLimitReached
		r.Reason = fmt.Sprintf("step %d timed out after %d escalations", r.Step, r.Escalations)
		if err := e.move(t, &r, EventExpire, audit.RequestExpiredUnapproved, systemActor, map[string]any{
			"reason_code": r.ReasonCode,
			"step":        r.Step,
			"escalations": r.Escalations,
		}); err != nil {
			return r, err
		}
		if r.Kind == models.RequestKindRenewal && r.RenewsGrantID != "" {
			unlockGrant := e.locks.Lock("grant:" + r.RenewsGrantID)
			defer unlockGrant()
			g, err := e.Repo.Grant(ctx, r.RenewsGrantID)
			if err != nil {
				return r, err
			}
			if !g.Status.Ended() {
				expect := g.Version
				if err := e.expireGrant(t, &g, &r, "renewal_unapproved"); err != nil {
					return r, err
				}
				t.setGrant(&g, expect)
			}
		}
		if err := e.commit(ctx, t); err != nil {
			return models.AccessRequest{}, commitErr(err)
		}
		return r, nil
	}

	prev := r.Chain[r.Step]
	if err := e.move(t, &r, EventEscalate, audit.RequestEscalated, systemActor, map[string]any{
		"step":          r.Step,
		"timeout_hours": esc.TimeoutHours,
		"from":          prev,
	}); err != nil {
		return r, err
	}
	typ := esc.EscalateToType
	if typ == "" {
		typ = models.ApproverUser
	}
	r.Chain[r.Step] = models.Approver{Type: typ, Value: esc.EscalateTo, Order: prev.Order}
	r.Escalations++
	t.closeStep(&r, "escalated")
	r.StepStartedAt = t.now
	if err := e.move(t, &r, EventReassign, audit.RequestReassigned, systemActor, map[string]any{
		"step":        r.Step,
		"approver":    r.Chain[r.Step],
		"escalations": r.Escalations,
	}); err != nil {
		return r, err
	}
	if err := e.commit(ctx, t); err != nil {
		return models.AccessRequest{}, commitErr(err)
	}
	return r, nil
}

// EscalateOverdue escalates every pending request whose current step timed
// out at now. It returns the number of requests it changed.
func (e *Engine) EscalateOverdue(ctx context.Context) (int, error) {
	pending, err := e.Repo.Requests(ctx, store.RequestFilter{Status: []models.RequestState{models.StatePendingApproval}})
	if err != nil {
		return 0, err
	}
	n := 0
	var errs []error
	for _, r := range pending {
		if !e.overdue(r, e.now()) {
			continue
		}
		changed, err := e.escalateOne(ctx, r.ID)
		if err != nil {
			errs = append(errs, fmt.Errorf("request %s: %w", r.ID, err))
			continue
		}
		if changed {
			n++
		}
	}
	return n, errors.Join(errs...)
}

func (e *Engine) escalateOne(ctx context.Context, id string) (bool, error) {
	unlock := e.locks.Lock("request:" + id)
	defer unlock()
	r, err := e.Repo.Request(ctx, id)
	if err != nil {
		return false, err
	}
	if !e.overdue(r, e.now()) {
		return false, nil
	}
	_, err = e.escalateLocked(ctx, r)
	return err == nil, err
}

// cancelRenewalLocked expires a pending renewal request whose grant already
// ended. The caller holds the request lock.
func (e *Engine) cancelRenewalLocked(ctx context.Context, r models.AccessRequest, g models.Grant) (models.AccessRequest, error) {
	if r.Status != models.StatePendingApproval {
		return r, nil
	}
	t := e.begin()
	t.setRequest(&r, r.Version)
	r.ReasonCode = "GrantEnded"
	r.Reason = fmt.Sprintf("grant %s is %s", g.ID, g.Status)
	if err := e.move(t, &r, EventExpire, audit.RequestExpiredUnapproved, systemActor, map[string]any{
		"reason_code": r.ReasonCode,
		"grant_id":    g.ID,
	}); err != nil {
		return r, err
	}
	if err := e.commit(ctx, t); err != nil {
		return models.AccessRequest{}, commitErr(err)
	}
	return r, fmt.Errorf("%w: %s", accesserr.ErrInvalidTransition, r.Reason)
}

func (e *Engine) cancelRenewal(ctx context.Context, requestID string, g models.Grant) error {
	unlock := e.locks.Lock("request:" + requestID)
	defer unlock()
	r, err := e.Repo.Request(ctx, requestID)
	if err != nil {
		return err
	}
	if r.Status != models.StatePendingApproval {
		return nil
	}
	_, err = e.cancelRenewalLocked(ctx, r, g)
	if errors.Is(err, accesserr.ErrInvalidTransition) {
		return nil
	}
	return err
}
