package workflow

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"accessgov/pkg/accesserr"
	"accessgov/pkg/audit"
	"accessgov/pkg/conditions"
	"accessgov/pkg/metrics"
	"accessgov/pkg/models"
	"accessgov/pkg/policystore"
	"accessgov/pkg/risk"
	"accessgov/pkg/store"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	defaultMaxEscalations       = 3
	defaultProvisionRetryBudget = 5
	systemActor                 = "system"
)

// Reason codes that are outcomes rather than errors.
const (
	ReasonRejectedByApprover     = "RejectedByApprover"
	ReasonEscalationLimitReached = "EscalationLimitReached"
)

var tracer = otel.Tracer("accessgov/workflow")

// Engine drives access requests and grants through their state machines.
// Every transition is committed together with its audit events.
type Engine struct {
	Policies    policystore.Store
	Repo        store.Repo
	Directory   Directory
	Provisioner Provisioner
	Notifier    Notifier
	Sink        EventSink
	Audit       audit.Builder
	Metrics     *metrics.Registry
	Now         func() time.Time

	// MaxEscalations bounds re-escalation of one request; 0 means 3.
	MaxEscalations int
	// ProvisionRetryBudget is the number of failed grant attempts before a
	// grant is abandoned; 0 means 5.
	ProvisionRetryBudget int

	locks keyedMutex
}

type Submission struct {
	Requester     string                   `json:"requester"`
	Resource      string                   `json:"resource"`
	ResourceType  string                   `json:"resource_type,omitempty"`
	Role          string                   `json:"role"`
	Permissions   []string                 `json:"permissions,omitempty"`
	Duration      models.DurationSpec      `json:"duration,omitempty"`
	Justification string                   `json:"justification,omitempty"`
	Attributes    models.RequestAttributes `json:"attributes"`
}

func (s Submission) Validate() error {
	return validation.ValidateStruct(&s,
		validation.Field(&s.Requester, validation.Required, validation.Length(1, 256)),
		validation.Field(&s.Resource, validation.Required, validation.Length(1, 255)),
		validation.Field(&s.Role, validation.Required, validation.Length(1, 128)),
		validation.Field(&s.Justification, validation.Length(0, 4000)),
	)
}

// Submit resolves, evaluates and persists a new request. Resolution failures
// return an error and persist nothing. A request rejected during evaluation
// is persisted and returned together with the typed error.
func (e *Engine) Submit(ctx context.Context, s Submission) (models.AccessRequest, error) {
	ctx, span := tracer.Start(ctx, "workflow.Submit", trace.WithAttributes(
		attribute.String("resource", s.Resource),
		attribute.String("role", s.Role),
	))
	defer span.End()

	if err := s.Validate(); err != nil {
		return models.AccessRequest{}, fmt.Errorf("%w: %v", accesserr.ErrInvalidRequest, err)
	}
	attrs, err := e.attributes(ctx, s.Requester, s.Attributes)
	if err != nil {
		return models.AccessRequest{}, err
	}
	p, err := policystore.Resolve(ctx, e.Policies, s.Resource, s.ResourceType)
	if err != nil {
		e.Metrics.IncReason(accesserr.Code(err))
		return models.AccessRequest{}, err
	}
	role, err := policystore.ResolveRole(p, s.Role)
	if err != nil {
		e.Metrics.IncReason(accesserr.Code(err))
		return models.AccessRequest{}, err
	}
	now := e.now()
	r := models.AccessRequest{
		ID:                   uuid.NewString(),
		Kind:                 models.RequestKindNew,
		Requester:            s.Requester,
		Resource:             s.Resource,
		ResourceType:         p.ResourceType,
		RequestedRole:        s.Role,
		RequestedPermissions: append([]string(nil), s.Permissions...),
		RequestedDuration:    s.Duration,
		Justification:        s.Justification,
		Attributes:           attrs,
		SubmittedAt:          now,
		PolicyID:             p.ID,
		PolicyVersion:        p.Version,
		Policy:               &p,
		Role:                 &role,
		MatchedBlock:         -1,
		Status:               models.StateSubmitted,
		UpdatedAt:            now,
	}
	return e.admit(ctx, r, nil)
}

// admit runs a freshly built request from submitted to its first resting
// state. renewing is the grant a renewal request extends, locked by the caller.
func (e *Engine) admit(ctx context.Context, r models.AccessRequest, renewing *models.Grant) (models.AccessRequest, error) {
	t := e.begin()
	t.change.Request = &r
	var expectGrant int64
	if renewing != nil {
		expectGrant = renewing.Version
	}

	e.recordRequest(t, &r, "", models.StateSubmitted, audit.RequestSubmitted, r.Requester, map[string]any{
		"resource":           r.Resource,
		"role":               r.RequestedRole,
		"kind":               r.Kind,
		"requested_duration": string(r.RequestedDuration),
		"justification":      r.Justification,
		"attributes":         r.Attributes,
		"policy_version":     r.PolicyVersion,
		"grant_id":           r.RenewsGrantID,
	})

	auto, evalErr := e.evaluate(&r)
	if evalErr != nil {
		r.ReasonCode = accesserr.Code(evalErr)
		r.Reason = evalErr.Error()
		if err := e.move(t, &r, EventEvaluationFailed, audit.RequestRejected, systemActor, map[string]any{
			"reason_code": r.ReasonCode,
			"reason":      r.Reason,
		}); err != nil {
			return r, err
		}
		if renewing != nil {
			if err := e.expireGrant(t, renewing, &r, "renewal_rejected"); err != nil {
				return r, err
			}
			t.setGrant(renewing, expectGrant)
		}
		if err := e.commit(ctx, t); err != nil {
			return models.AccessRequest{}, err
		}
		return r, evalErr
	}

	if err := e.move(t, &r, EventEvaluated, audit.RequestEvaluated, systemActor, map[string]any{
		"matched_block": r.MatchedBlock,
		"permissions":   r.RequestedPermissions,
		"duration":      string(r.RequestedDuration),
		"risk_score":    r.Risk.Score,
		"risk_level":    r.Risk.Level,
		"risk_factors":  r.Risk.Factors,
	}); err != nil {
		return r, err
	}

	if auto {
		if err := e.move(t, &r, EventAutoApprove, audit.RequestAutoApproved, systemActor, nil); err != nil {
			return r, err
		}
		if err := e.move(t, &r, EventFinalize, audit.RequestApproved, systemActor, nil); err != nil {
			return r, err
		}
		if err := e.approved(t, &r, renewing); err != nil {
			return r, err
		}
	} else {
		r.Step = 0
		r.StepStartedAt = t.now
		if err := e.move(t, &r, EventRequireApproval, audit.RequestPendingApproval, systemActor, map[string]any{
			"step":     r.Step,
			"approver": r.Chain[0],
			"chain":    r.Chain,
		}); err != nil {
			return r, err
		}
		if renewing != nil {
			if err := e.moveGrant(t, renewing, &r, GrantEventRenewalRequested, audit.GrantRenewalRequested, systemActor, nil); err != nil {
				return r, err
			}
			renewing.RenewalRequestID = r.ID
		}
	}
	if renewing != nil {
		t.setGrant(renewing, expectGrant)
	}
	if err := e.commit(ctx, t); err != nil {
		return models.AccessRequest{}, err
	}
	return r, nil
}

// evaluate checks a request against its frozen policy and role and decides
// whether it needs an approval chain. It never touches storage.
func (e *Engine) evaluate(r *models.AccessRequest) (auto bool, err error) {
	p, role := r.Policy, r.Role
	if r.RequestedDuration.IsZero() {
		r.RequestedDuration = p.AccessDuration
	}
	want, err := r.RequestedDuration.Parse()
	if err != nil {
		return false, fmt.Errorf("%w: %v", accesserr.ErrPolicyMismatch, err)
	}
	ceiling, err := p.AccessDuration.Parse()
	if err != nil {
		return false, fmt.Errorf("%w: policy access_duration: %v", accesserr.ErrPolicyMismatch, err)
	}
	if want > ceiling {
		return false, fmt.Errorf("%w: requested duration %s exceeds %s", accesserr.ErrPolicyMismatch, r.RequestedDuration, p.AccessDuration)
	}
	if len(p.AccessDurationOptions) > 0 && !durationOffered(p.AccessDurationOptions, want) {
		return false, fmt.Errorf("%w: duration %s is not one of the offered options", accesserr.ErrPolicyMismatch, r.RequestedDuration)
	}

	if len(r.RequestedPermissions) == 0 {
		r.RequestedPermissions = append([]string(nil), role.Permissions...)
	}
	for _, perm := range r.RequestedPermissions {
		if !containsString(role.Permissions, perm) {
			return false, fmt.Errorf("%w: permission %q is not granted by role %q", accesserr.ErrPolicyMismatch, perm, role.Name)
		}
	}

	assessed := risk.Assess(*r)
	r.Risk = &assessed

	at := r.SubmittedAt
	if !r.ConditionsAt.IsZero() {
		at = r.ConditionsAt
	}
	res := conditions.Evaluate(*role, r.Attributes, at)
	if !res.Matched {
		return false, fmt.Errorf("%w: no condition block matched (%s)", accesserr.ErrConditionNotSatisfied, strings.Join(res.Mismatches, "; "))
	}
	r.MatchedBlock = res.MatchedBlock
	if res.RequiresMFA && !r.Attributes.MFAVerified {
		return false, fmt.Errorf("%w: mfa verification required", accesserr.ErrConditionNotSatisfied)
	}
	if res.RequiresJustification && strings.TrimSpace(r.Justification) == "" {
		return false, fmt.Errorf("%w: justification required", accesserr.ErrConditionNotSatisfied)
	}

	wf := p.ApprovalWorkflow
	switch {
	case r.Kind == models.RequestKindRenewal && !r.RenewalApprovalRequired:
		return true, nil
	case r.Kind == models.RequestKindNew && autoApproves(wf.AutoApproveConditions, r.Attributes, want):
		return true, nil
	case len(wf.Approvers) == 0:
		// Nothing to ask: approval_required=false, or a renewal under a policy without approvers.
		return true, nil
	case !wf.ApprovalRequired && r.Kind == models.RequestKindNew:
		return true, nil
	}
	chain, err := buildChain(wf.Approvers, r.Attributes)
	if err != nil {
		return false, err
	}
	r.Chain = chain
	return false, nil
}

func autoApproves(rules []models.AutoApproveCondition, attrs models.RequestAttributes, want time.Duration) bool {
	for _, c := range rules {
		if !conditions.LabelMatches(c.Department, attrs.Department) {
			continue
		}
		if !conditions.LabelMatches(c.DataSensitivity, attrs.DataSensitivity) {
			continue
		}
		if !c.RequestDuration.IsZero() {
			limit, err := c.RequestDuration.Parse()
			if err != nil || want > limit {
				continue
			}
		}
		return true
	}
	return false
}

// buildChain orders approvers and pins manager steps to the requester's manager.
func buildChain(approvers []models.Approver, attrs models.RequestAttributes) ([]models.Approver, error) {
	chain := append([]models.Approver(nil), approvers...)
	sort.SliceStable(chain, func(i, j int) bool { return chain[i].Order < chain[j].Order })
	for i := range chain {
		if chain[i].Type == models.ApproverManager && chain[i].Value == "" {
			if attrs.Manager == "" {
				return nil, fmt.Errorf("%w: approval chain needs the requester's manager, none on record", accesserr.ErrPolicyMismatch)
			}
			chain[i].Value = attrs.Manager
		}
	}
	return chain, nil
}

func durationOffered(options []models.DurationSpec, want time.Duration) bool {
	for _, o := range options {
		if d, err := o.Parse(); err == nil && d == want {
			return true
		}
	}
	return false
}

// attributes returns the requester's attributes, preferring the directory
// for identity labels and the submission for session facts.
func (e *Engine) attributes(ctx context.Context, principal string, given models.RequestAttributes) (models.RequestAttributes, error) {
	if e.Directory == nil {
		return given, nil
	}
	prof, err := e.Directory.Lookup(ctx, principal)
	if err != nil {
		return models.RequestAttributes{}, fmt.Errorf("directory lookup %q: %w", principal, err)
	}
	attrs := prof.Attributes
	attrs.SourceIP = given.SourceIP
	attrs.MFAVerified = given.MFAVerified
	if attrs.Manager == "" {
		attrs.Manager = given.Manager
	}
	return attrs, nil
}

// approved finishes an approved request: a new grant for a new request, an
// extension for a renewal.
func (e *Engine) approved(t *txn, r *models.AccessRequest, renewing *models.Grant) error {
	if renewing != nil {
		return e.renewGrant(t, renewing, r)
	}
	g := models.Grant{
		ID:           uuid.NewString(),
		RequestID:    r.ID,
		Principal:    r.Requester,
		Resource:     r.Resource,
		ResourceType: r.ResourceType,
		Role:         r.RequestedRole,
		Permissions:  append([]string(nil), r.RequestedPermissions...),
		Duration:     r.RequestedDuration,
		Status:       models.GrantPendingProvisioning,
		UpdatedAt:    t.now,
	}
	r.GrantID = g.ID
	e.recordGrant(t, &g, r, "", g.Status, audit.GrantCreated, systemActor, map[string]any{
		"permissions": g.Permissions,
		"duration":    string(g.Duration),
	})
	t.setGrant(&g, 0)
	id := g.ID
	t.after = append(t.after, func(ctx context.Context) {
		if _, err := e.Provision(ctx, id); err != nil {
			log.Printf("workflow provision %s: %v", id, err)
		}
	})
	return nil
}

func (e *Engine) Request(ctx context.Context, id string) (models.AccessRequest, error) {
	return e.Repo.Request(ctx, id)
}

func (e *Engine) Requests(ctx context.Context, f store.RequestFilter) ([]models.AccessRequest, error) {
	return e.Repo.Requests(ctx, f)
}

func (e *Engine) Decisions(ctx context.Context, requestID string) ([]models.ApprovalDecision, error) {
	if _, err := e.Repo.Request(ctx, requestID); err != nil {
		return nil, err
	}
	return e.Repo.Decisions(ctx, requestID)
}

func (e *Engine) Grant(ctx context.Context, id string) (models.Grant, error) {
	return e.Repo.Grant(ctx, id)
}

func (e *Engine) Grants(ctx context.Context, f store.GrantFilter) ([]models.Grant, error) {
	return e.Repo.Grants(ctx, f)
}

// Awaiting lists pending requests whose current step the actor may decide.
func (e *Engine) Awaiting(ctx context.Context, actor string, roles []string) ([]models.AccessRequest, error) {
	pending, err := e.Repo.Requests(ctx, store.RequestFilter{Status: []models.RequestState{models.StatePendingApproval}})
	if err != nil {
		return nil, err
	}
	out := []models.AccessRequest{}
	for _, r := range pending {
		cur, ok := r.CurrentApprover()
		if !ok || strings.EqualFold(r.Requester, actor) {
			continue
		}
		if ok, _ := e.authorized(ctx, cur, actor, roles); ok {
			out = append(out, r)
		}
	}
	return out, nil
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func (e *Engine) maxEscalations() int {
	if e.MaxEscalations > 0 {
		return e.MaxEscalations
	}
	return defaultMaxEscalations
}

func (e *Engine) retryBudget() int {
	if e.ProvisionRetryBudget > 0 {
		return e.ProvisionRetryBudget
	}
	return defaultProvisionRetryBudget
}

// commitErr maps an optimistic-lock conflict on a request to StaleApprovalStep.
func commitErr(err error) error {
	if errors.Is(err, accesserr.ErrConcurrentUpdate) {
		return fmt.Errorf("%w: %v", accesserr.ErrStaleApprovalStep, err)
	}
	return err
}

func containsString(xs []string, v string) bool {
	for _, x := range xs {
		if x == v {
			return true
		}
	}
	return false
}

func containsFold(xs []string, v string) bool {
	for _, x := range xs {
		if strings.EqualFold(strings.TrimSpace(x), v) {
			return true
		}
	}
	return false
}
