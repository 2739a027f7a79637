package policystore

import (
	"errors"
	"fmt"
	"strings"

	"accessgov/pkg/accesserr"
	"accessgov/pkg/conditions"
	"accessgov/pkg/models"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

var resourceTypes = []any{models.ResourceCloudSQL, models.ResourceLookerStudio, models.ResourceBigQuery}

var approverTypes = []any{models.ApproverUser, models.ApproverRole, models.ApproverManager, models.ApproverDataOwner}

var logLevels = []any{models.LogLevelBasic, models.LogLevelDetailed, models.LogLevelVerbose}

// Validate rejects policies that could never be evaluated consistently.
// Structural errors wrap ErrInvalidPolicy; a broken role graph wraps
// ErrRoleNotFound or ErrInheritanceCycle.
func Validate(p models.Policy) error {
	err := validation.ValidateStruct(&p,
		validation.Field(&p.Resource, validation.Length(0, 255)),
		validation.Field(&p.ResourceType,
			validation.When(p.IsTypeWide(), validation.Required.Error("is required for a type-wide policy")),
			validation.In(resourceTypes...),
		),
		validation.Field(&p.Roles, validation.Required),
		validation.Field(&p.AccessDuration, validation.Required, validation.By(durationRule)),
		validation.Field(&p.AccessDurationOptions, validation.Each(validation.By(durationRule))),
		validation.Field(&p.ApprovalWorkflow, validation.By(workflowRule)),
		validation.Field(&p.Renewal, validation.By(renewalRule)),
		validation.Field(&p.Audit, validation.By(auditRule)),
	)
	if err != nil {
		return fmt.Errorf("%w: %v", accesserr.ErrInvalidPolicy, err)
	}
	if err := validateRoles(p); err != nil {
		return err
	}
	maxDur, _ := p.AccessDuration.Parse()
	for _, opt := range p.AccessDurationOptions {
		if d, _ := opt.Parse(); d > maxDur {
			return fmt.Errorf("%w: duration option %s exceeds access_duration %s", accesserr.ErrInvalidPolicy, opt, p.AccessDuration)
		}
	}
	return nil
}

func validateRoles(p models.Policy) error {
	seen := map[string]struct{}{}
	for i, r := range p.Roles {
		name := strings.TrimSpace(r.Name)
		if name == "" {
			return fmt.Errorf("%w: roles[%d]: name is required", accesserr.ErrInvalidPolicy, i)
		}
		if _, dup := seen[name]; dup {
			return fmt.Errorf("%w: duplicate role %q", accesserr.ErrInvalidPolicy, name)
		}
		seen[name] = struct{}{}
		for j, c := range r.Conditions {
			if err := conditions.Validate(c); err != nil {
				return fmt.Errorf("%w: role %q conditions[%d]: %v", accesserr.ErrInvalidPolicy, name, j, err)
			}
		}
	}
	g, err := newRoleGraph(p.Roles)
	if err != nil {
		return err
	}
	return g.checkCycles()
}

func durationRule(value any) error {
	d, ok := value.(models.DurationSpec)
	if !ok || d.IsZero() {
		return nil
	}
	_, err := d.Parse()
	return err
}

func workflowRule(value any) error {
	w, ok := value.(models.ApprovalWorkflow)
	if !ok {
		return nil
	}
	if w.ApprovalRequired && len(w.Approvers) == 0 {
		return errors.New("approval_required needs at least one approver")
	}
	for i, a := range w.Approvers {
		err := validation.ValidateStruct(&a,
			validation.Field(&a.Type, validation.Required, validation.In(approverTypes...)),
			validation.Field(&a.Value, validation.When(a.Type != models.ApproverManager, validation.Required)),
			validation.Field(&a.Order, validation.Min(0)),
		)
		if err != nil {
			return fmt.Errorf("approvers[%d]: %v", i, err)
		}
	}
	for i, c := range w.AutoApproveConditions {
		if err := durationRule(c.RequestDuration); err != nil {
			return fmt.Errorf("auto_approve_conditions[%d]: %v", i, err)
		}
	}
	if e := w.Escalation; e != nil {
		err := validation.ValidateStruct(e,
			validation.Field(&e.TimeoutHours, validation.Required, validation.Min(1)),
			validation.Field(&e.EscalateTo, validation.Required),
			validation.Field(&e.EscalateToType, validation.In(approverTypes...)),
		)
		if err != nil {
			return fmt.Errorf("escalation: %v", err)
		}
	}
	return nil
}

func renewalRule(value any) error {
	r, ok := value.(models.Renewal)
	if !ok {
		return nil
	}
	if r.MaxRenewals < 0 {
		return errors.New("max_renewals must not be negative")
	}
	for _, d := range r.RenewalNotificationDays {
		if d <= 0 {
			return fmt.Errorf("renewal_notification_days: %d must be positive", d)
		}
	}
	return nil
}

func auditRule(value any) error {
	a, ok := value.(models.AuditSettings)
	if !ok {
		return nil
	}
	return validation.ValidateStruct(&a,
		validation.Field(&a.LogLevel, validation.In(logLevels...)),
		validation.Field(&a.RetentionDays, validation.Min(0)),
	)
}
