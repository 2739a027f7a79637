package workflow

import (
	"context"
	"fmt"
	"log"
	"sort"
	"time"

	"accessgov/pkg/accesserr"
	"accessgov/pkg/audit"
	"accessgov/pkg/models"
	"accessgov/pkg/policystore"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	templateGranted  = "access_granted"
	templateRevoked  = "access_revoked"
	templateExpiring = "access_expiring"
)

// Provision asks the provisioner to apply a pending grant. It is safe to
// call repeatedly: grants that are no longer pending are returned as is.
func (e *Engine) Provision(ctx context.Context, grantID string) (models.Grant, error) {
	ctx, span := tracer.Start(ctx, "workflow.Provision", trace.WithAttributes(attribute.String("grant_id", grantID)))
	defer span.End()

	unlock := e.locks.Lock("grant:" + grantID)
	defer unlock()

	g, err := e.Repo.Grant(ctx, grantID)
	if err != nil {
		return models.Grant{}, err
	}
	if g.Status != models.GrantPendingProvisioning {
		return g, nil
	}
	r := e.origin(ctx, g)

	var provErr error
	if e.Provisioner != nil {
		provErr = e.Provisioner.GrantAccess(ctx, g.Clone())
	}

	t := e.begin()
	expect := g.Version
	if provErr == nil {
		dur, err := g.Duration.Parse()
		if err != nil {
			return g, fmt.Errorf("%w: grant %s duration: %v", accesserr.ErrInvalidTransition, g.ID, err)
		}
		g.GrantedAt = t.now
		g.ExpiresAt = t.now.Add(dur)
		g.LastError = ""
		if err := e.moveGrant(t, &g, r, GrantEventProvisioned, audit.GrantActivated, systemActor, map[string]any{
			"granted_at": g.GrantedAt,
			"expires_at": g.ExpiresAt,
		}); err != nil {
			return g, err
		}
		t.after = append(t.after, func(ctx context.Context) {
			e.notify(ctx, notificationSettings(r).AccessGranted, templateGranted, g, r, nil)
		})
	} else {
		g.ProvisionAttempts++
		g.LastError = provErr.Error()
		ev, eventType := GrantEventProvisionFailed, audit.ProvisioningFailed
		if g.ProvisionAttempts >= e.retryBudget() {
			ev, eventType = GrantEventProvisionAbandoned, audit.ProvisioningAbandoned
			log.Printf("workflow provision %s: abandoned after %d attempts: %v", g.ID, g.ProvisionAttempts, provErr)
		}
		if err := e.moveGrant(t, &g, r, ev, eventType, systemActor, map[string]any{
			"attempts": g.ProvisionAttempts,
			"error":    g.LastError,
		}); err != nil {
			return g, err
		}
	}
	t.setGrant(&g, expect)
	if err := e.commit(ctx, t); err != nil {
		return models.Grant{}, err
	}
	if provErr != nil {
		e.Metrics.IncReason(accesserr.Code(accesserr.ErrProvisioningFailed))
		return g, fmt.Errorf("%w: grant %s attempt %d: %v", accesserr.ErrProvisioningFailed, g.ID, g.ProvisionAttempts, provErr)
	}
	return g, nil
}

// Revoke ends a grant on operator request. Revoking an ended grant is a
// no-op apart from retrying an unconfirmed teardown.
func (e *Engine) Revoke(ctx context.Context, grantID, actor, reason string) (models.Grant, error) {
	ctx, span := tracer.Start(ctx, "workflow.Revoke", trace.WithAttributes(attribute.String("grant_id", grantID)))
	defer span.End()

	if actor == "" {
		actor = systemActor
	}
	unlock := e.locks.Lock("grant:" + grantID)
	g, err := e.Repo.Grant(ctx, grantID)
	if err != nil {
		unlock()
		return models.Grant{}, err
	}
	r := e.origin(ctx, g)
	if g.Status.Ended() {
		if g.TeardownPending {
			err = e.teardownLocked(ctx, &g, r)
		}
		unlock()
		return g, err
	}

	pendingRenewal := ""
	if g.Status == models.GrantRenewalPending {
		pendingRenewal = g.RenewalRequestID
	}
	t := e.begin()
	expect := g.Version
	if err := e.moveGrant(t, &g, r, GrantEventRevoke, audit.GrantRevoked, actor, map[string]any{
		"reason": reason,
	}); err != nil {
		unlock()
		return g, err
	}
	g.TeardownPending = true
	t.setGrant(&g, expect)
	if err := e.commit(ctx, t); err != nil {
		unlock()
		return models.Grant{}, err
	}
	e.notify(ctx, notificationSettings(r).AccessRevoked, templateRevoked, g, r, map[string]any{"reason": reason, "revoked_by": actor})
	tearErr := e.teardownLocked(ctx, &g, r)
	unlock()

	if pendingRenewal != "" {
		if err := e.cancelRenewal(ctx, pendingRenewal, g); err != nil {
			log.Printf("workflow revoke %s: cancel renewal %s: %v", g.ID, pendingRenewal, err)
		}
	}
	return g, tearErr
}

// expireGrant ends g inside t and schedules the teardown after commit.
func (e *Engine) expireGrant(t *txn, g *models.Grant, r *models.AccessRequest, reason string) error {
	if err := e.moveGrant(t, g, r, GrantEventExpire, audit.GrantExpired, systemActor, map[string]any{
		"reason":     reason,
		"expires_at": g.ExpiresAt,
	}); err != nil {
		return err
	}
	g.TeardownPending = true
	t.after = append(t.after, func(ctx context.Context) {
		origin := e.origin(ctx, *g)
		e.notify(ctx, notificationSettings(origin).AccessRevoked, templateRevoked, *g, origin, map[string]any{"reason": reason})
		if err := e.teardownLocked(ctx, g, origin); err != nil {
			log.Printf("workflow expire %s: %v", g.ID, err)
		}
	})
	return nil
}

// teardownLocked issues the revocation intent for an ended grant and records
// the provider's answer. The caller holds the grant lock.
func (e *Engine) teardownLocked(ctx context.Context, g *models.Grant, r *models.AccessRequest) error {
	var revokeErr error
	if e.Provisioner != nil {
		revokeErr = e.Provisioner.RevokeAccess(ctx, g.Clone())
	}
	t := e.begin()
	expect := g.Version
	if revokeErr == nil {
		g.TeardownPending = false
		g.LastError = ""
		e.recordGrant(t, g, r, g.Status, g.Status, audit.RevocationConfirmed, systemActor, nil)
	} else {
		g.LastError = revokeErr.Error()
		e.recordGrant(t, g, r, g.Status, g.Status, audit.RevocationFailed, systemActor, map[string]any{
			"error": g.LastError,
		})
	}
	g.UpdatedAt = t.now
	t.setGrant(g, expect)
	if err := e.commit(ctx, t); err != nil {
		return err
	}
	if revokeErr != nil {
		return fmt.Errorf("%w: revoke grant %s: %v", accesserr.ErrProvisioningFailed, g.ID, revokeErr)
	}
	return nil
}

// Teardown retries the revocation intent of an ended grant.
func (e *Engine) Teardown(ctx context.Context, grantID string) error {
	unlock := e.locks.Lock("grant:" + grantID)
	defer unlock()
	g, err := e.Repo.Grant(ctx, grantID)
	if err != nil {
		return err
	}
	if !g.Status.Ended() || !g.TeardownPending {
		return nil
	}
	return e.teardownLocked(ctx, &g, e.origin(ctx, g))
}

// ProcessGrant applies the time-based rules to one grant at the engine's
// current time: expiry notices, auto-renewal and expiry.
func (e *Engine) ProcessGrant(ctx context.Context, grantID string) error {
	unlock := e.locks.Lock("grant:" + grantID)
	defer unlock()

	g, err := e.Repo.Grant(ctx, grantID)
	if err != nil {
		return err
	}
	if g.Status != models.GrantActive {
		return nil
	}
	r := e.origin(ctx, g)
	var rules models.Renewal
	if r != nil && r.Policy != nil {
		rules = r.Policy.Renewal
	}
	now := e.now()

	if !now.Before(g.ExpiresAt) {
		if rules.AutoRenew && g.RenewalCount < rules.MaxRenewals {
			_, err := e.renewLocked(ctx, &g, r, systemActor)
			return err
		}
		t := e.begin()
		expect := g.Version
		if err := e.expireGrant(t, &g, r, "expired"); err != nil {
			return err
		}
		t.setGrant(&g, expect)
		return e.commit(ctx, t)
	}

	due := dueThresholds(g, rules.RenewalNotificationDays, now)
	if len(due) == 0 {
		return nil
	}
	t := e.begin()
	expect := g.Version
	g.NotifiedThresholds = append(g.NotifiedThresholds, due...)
	g.UpdatedAt = t.now
	for _, days := range due {
		e.recordGrant(t, &g, r, g.Status, g.Status, audit.GrantExpiryNotice, systemActor, map[string]any{
			"days_before": days,
			"expires_at":  g.ExpiresAt,
		})
	}
	t.setGrant(&g, expect)
	snapshot := g.Clone()
	t.after = append(t.after, func(ctx context.Context) {
		e.notify(ctx, notificationSettings(r).AccessExpiring, templateExpiring, snapshot, r, map[string]any{
			"days_before": due[0],
			"can_renew":   g.RenewalCount < rules.MaxRenewals,
		})
	})
	return e.commit(ctx, t)
}

// dueThresholds returns the notification thresholds, in days before expiry,
// that now has crossed and that were not signalled yet. Largest first.
func dueThresholds(g models.Grant, days []int, now time.Time) []int {
	var due []int
	for _, d := range days {
		if d <= 0 || g.Notified(d) {
			continue
		}
		if !now.Before(g.ExpiresAt.Add(-time.Duration(d) * 24 * time.Hour)) {
			due = append(due, d)
		}
	}
	sort.Sort(sort.Reverse(sort.IntSlice(due)))
	return due
}

// Renew asks for an extension of an active grant on behalf of actor.
func (e *Engine) Renew(ctx context.Context, grantID, actor string) (models.AccessRequest, error) {
	ctx, span := tracer.Start(ctx, "workflow.Renew", trace.WithAttributes(attribute.String("grant_id", grantID)))
	defer span.End()

	unlock := e.locks.Lock("grant:" + grantID)
	defer unlock()
	g, err := e.Repo.Grant(ctx, grantID)
	if err != nil {
		return models.AccessRequest{}, err
	}
	if g.Status != models.GrantActive {
		return models.AccessRequest{}, fmt.Errorf("%w: grant %s is %s", accesserr.ErrInvalidTransition, g.ID, g.Status)
	}
	r := e.origin(ctx, g)
	if r == nil || r.Policy == nil {
		return models.AccessRequest{}, fmt.Errorf("%w: grant %s has no originating request", accesserr.ErrRequestNotFound, g.ID)
	}
	if g.RenewalCount >= r.Policy.Renewal.MaxRenewals {
		return models.AccessRequest{}, fmt.Errorf("%w: grant %s reached %d renewals", accesserr.ErrPolicyMismatch, g.ID, r.Policy.Renewal.MaxRenewals)
	}
	return e.renewLocked(ctx, &g, r, actor)
}

// renewLocked builds a renewal request for g against the latest policy and
// the principal's current directory profile, and admits it. The caller holds
// the grant lock.
func (e *Engine) renewLocked(ctx context.Context, g *models.Grant, origin *models.AccessRequest, actor string) (models.AccessRequest, error) {
	var given models.RequestAttributes
	if origin != nil {
		given = origin.Attributes
	}
	p, err := policystore.Resolve(ctx, e.Policies, g.Resource, g.ResourceType)
	var role models.ResolvedRole
	if err == nil {
		role, err = policystore.ResolveRole(p, g.Role)
	}
	var attrs models.RequestAttributes
	if err == nil {
		attrs, err = e.attributes(ctx, g.Principal, given)
	}
	if err == nil {
		return e.admit(ctx, e.renewalRequest(g, origin, p, role, attrs, actor), g)
	}
	// The grant can no longer be justified under any published policy or profile.
	log.Printf("workflow renew %s: %v", g.ID, err)
	t := e.begin()
	expect := g.Version
	if xerr := e.expireGrant(t, g, origin, "renewal_unresolvable"); xerr != nil {
		return models.AccessRequest{}, xerr
	}
	t.setGrant(g, expect)
	if cerr := e.commit(ctx, t); cerr != nil {
		return models.AccessRequest{}, cerr
	}
	return models.AccessRequest{}, err
}

func (e *Engine) renewalRequest(g *models.Grant, origin *models.AccessRequest, p models.Policy, role models.ResolvedRole, attrs models.RequestAttributes, actor string) models.AccessRequest {
	now := e.now()
	r := models.AccessRequest{
		ID:                   uuid.NewString(),
		Kind:                 models.RequestKindRenewal,
		RenewsGrantID:        g.ID,
		Requester:            g.Principal,
		Resource:             g.Resource,
		ResourceType:         p.ResourceType,
		RequestedRole:        g.Role,
		RequestedPermissions: append([]string(nil), g.Permissions...),
		RequestedDuration:    g.Duration,
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
	if origin != nil {
		r.Justification = origin.Justification
		if origin.Policy != nil {
			r.RenewalApprovalRequired = origin.Policy.Renewal.RenewalApprovalRequired
		}
	}
	if actor != systemActor {
		r.Justification = "renewal requested by " + actor
	} else if origin != nil {
		// Nobody is acting at expiry time: windows apply to when access was asked for.
		r.ConditionsAt = origin.SubmittedAt
	}
	return r
}

// renewGrant extends g from now by the renewal request's duration.
func (e *Engine) renewGrant(t *txn, g *models.Grant, r *models.AccessRequest) error {
	dur, err := r.RequestedDuration.Parse()
	if err != nil {
		return fmt.Errorf("%w: renewal duration: %v", accesserr.ErrPolicyMismatch, err)
	}
	g.RenewalCount++
	g.GrantedAt = t.now
	g.ExpiresAt = t.now.Add(dur)
	g.Duration = r.RequestedDuration
	g.Permissions = append([]string(nil), r.RequestedPermissions...)
	g.RenewalRequestID = r.ID
	g.NotifiedThresholds = nil
	r.GrantID = g.ID
	return e.moveGrant(t, g, r, GrantEventRenewed, audit.GrantRenewed, systemActor, map[string]any{
		"renewal_count": g.RenewalCount,
		"expires_at":    g.ExpiresAt,
		"renewal_id":    r.ID,
	})
}

// origin loads the request a grant was created from; nil when unavailable.
func (e *Engine) origin(ctx context.Context, g models.Grant) *models.AccessRequest {
	r, err := e.Repo.Request(ctx, g.RequestID)
	if err != nil {
		log.Printf("workflow grant %s: origin request %s: %v", g.ID, g.RequestID, err)
		return nil
	}
	return &r
}
