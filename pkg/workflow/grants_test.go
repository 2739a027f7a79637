package workflow

import (
	"errors"
	"testing"
	"time"

	"accessgov/pkg/accesserr"
	"accessgov/pkg/audit"
	"accessgov/pkg/models"
	"accessgov/pkg/store"
)

const day = 24 * time.Hour

func approvedGrant(t *testing.T, h *harness) models.Grant {
	t.Helper()
	r := h.submit(salesRequest())
	r = h.decide(r.ID, "data-owner@company.com", models.DecisionApprove)
	return h.grant(r.GrantID)
}

func TestProvisioningRetryBudget(t *testing.T) {
	h := newHarness(t, salesDB())
	h.engine.ProvisionRetryBudget = 2
	h.prov.grantErr = errors.New("provider timeout")

	r := h.submit(salesRequest())
	r = h.decide(r.ID, "data-owner@company.com", models.DecisionApprove)
	g := h.grant(r.GrantID)
	if g.Status != models.GrantPendingProvisioning || g.ProvisionAttempts != 1 || g.LastError == "" {
		t.Fatalf("failed provisioning keeps the grant pending: %+v", g)
	}

	_, err := h.engine.Provision(h.ctx, g.ID)
	expectErr(t, err, accesserr.ErrProvisioningFailed)
	if !accesserr.Retryable(err) {
		t.Fatalf("provisioning failures are retryable")
	}
	g = h.grant(g.ID)
	if g.Status != models.GrantProvisioningFailed {
		t.Fatalf("budget exhausted, expected provisioning_failed, got %s", g.Status)
	}
	expectEvents(t, h.eventTypes(g.ID), audit.GrantCreated, audit.ProvisioningFailed, audit.ProvisioningAbandoned)

	h.prov.grantErr = nil
	if got, err := h.engine.Provision(h.ctx, g.ID); err != nil || got.Status != models.GrantProvisioningFailed {
		t.Fatalf("abandoned grants are left for an operator: %s err=%v", got.Status, err)
	}
}

func TestProvisionRetrySucceeds(t *testing.T) {
	h := newHarness(t, salesDB())
	h.prov.grantErr = errors.New("provider timeout")
	r := h.submit(salesRequest())
	r = h.decide(r.ID, "data-owner@company.com", models.DecisionApprove)

	h.prov.grantErr = nil
	h.advance(time.Hour)
	g, err := h.engine.Provision(h.ctx, r.GrantID)
	if err != nil || g.Status != models.GrantActive {
		t.Fatalf("retry should activate: %s err=%v", g.Status, err)
	}
	if !g.GrantedAt.Equal(h.now) || !g.ExpiresAt.Equal(h.now.Add(30*day)) {
		t.Fatalf("lifetime starts at activation: %+v", g)
	}
	if again, err := h.engine.Provision(h.ctx, g.ID); err != nil || again.Version != g.Version {
		t.Fatalf("provision must be idempotent: v%d vs v%d err=%v", again.Version, g.Version, err)
	}
}

func TestRevokeIsIdempotent(t *testing.T) {
	h := newHarness(t, salesDB())
	g := approvedGrant(t, h)

	g, err := h.engine.Revoke(h.ctx, g.ID, "secops", "offboarding")
	if err != nil || g.Status != models.GrantRevoked || g.TeardownPending {
		t.Fatalf("unexpected revoke result %+v err=%v", g, err)
	}
	if _, err := h.engine.Revoke(h.ctx, g.ID, "secops", "again"); err != nil {
		t.Fatalf("second revoke must be a no-op: %v", err)
	}
	if _, revoked := h.prov.counts(); revoked != 1 {
		t.Fatalf("expected one revocation intent, got %d", revoked)
	}
	expectEvents(t, h.eventTypes(g.ID),
		audit.GrantCreated, audit.GrantActivated, audit.GrantRevoked, audit.RevocationConfirmed)
}

func TestRevokeRetriesFailedTeardown(t *testing.T) {
	h := newHarness(t, salesDB())
	g := approvedGrant(t, h)
	h.prov.revokeErr = errors.New("provider down")

	g, err := h.engine.Revoke(h.ctx, g.ID, "secops", "incident")
	expectErr(t, err, accesserr.ErrProvisioningFailed)
	if g.Status != models.GrantRevoked || !g.TeardownPending {
		t.Fatalf("grant is revoked with teardown pending: %+v", g)
	}

	h.prov.revokeErr = nil
	if err := h.engine.Teardown(h.ctx, g.ID); err != nil {
		t.Fatalf("teardown retry: %v", err)
	}
	if g = h.grant(g.ID); g.TeardownPending {
		t.Fatalf("teardown must be confirmed")
	}
}

func TestExpiryNoticesAndExpiry(t *testing.T) {
	p := salesDB()
	p.Renewal = models.Renewal{RenewalNotificationDays: []int{7, 1}}
	p.Notifications.AccessExpiring = models.NotificationTarget{Recipients: []string{"requester", "manager"}}
	h := newHarness(t, p)
	g := approvedGrant(t, h)

	h.advance(23*day + time.Hour)
	if err := h.engine.ProcessGrant(h.ctx, g.ID); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if err := h.engine.ProcessGrant(h.ctx, g.ID); err != nil {
		t.Fatalf("tick: %v", err)
	}
	g = h.grant(g.ID)
	if !g.Notified(7) || g.Notified(1) {
		t.Fatalf("only the 7 day threshold is due: %v", g.NotifiedThresholds)
	}
	h.notes.mu.Lock()
	last := h.notes.sent[len(h.notes.sent)-1]
	h.notes.mu.Unlock()
	if last.Template != templateExpiring || len(last.Recipients) != 2 || last.Recipients[1] != "mallory" {
		t.Fatalf("unexpected notice %+v", last)
	}

	h.advance(7 * day)
	if err := h.engine.ProcessGrant(h.ctx, g.ID); err != nil {
		t.Fatalf("tick: %v", err)
	}
	g = h.grant(g.ID)
	if g.Status != models.GrantExpired || g.TeardownPending {
		t.Fatalf("expected expired grant with confirmed teardown, got %+v", g)
	}
	if _, revoked := h.prov.counts(); revoked != 1 {
		t.Fatalf("expected revocation intent, got %d", revoked)
	}
	expectEvents(t, h.eventTypes(g.ID),
		audit.GrantCreated, audit.GrantActivated, audit.GrantExpiryNotice,
		audit.GrantExpired, audit.RevocationConfirmed)

	if _, err := h.engine.Revoke(h.ctx, g.ID, "secops", "cleanup"); err != nil {
		t.Fatalf("revoking an expired grant is a no-op: %v", err)
	}
}

func TestAutoRenewStopsAtMaxRenewals(t *testing.T) {
	p := salesDB()
	p.Renewal = models.Renewal{AutoRenew: true, MaxRenewals: 1}
	h := newHarness(t, p)
	g := approvedGrant(t, h)

	h.advance(30 * day)
	if err := h.engine.ProcessGrant(h.ctx, g.ID); err != nil {
		t.Fatalf("tick: %v", err)
	}
	g = h.grant(g.ID)
	if g.Status != models.GrantActive || g.RenewalCount != 1 {
		t.Fatalf("expected renewed grant, got %s count=%d", g.Status, g.RenewalCount)
	}
	if !g.GrantedAt.Equal(h.now) || !g.ExpiresAt.Equal(g.GrantedAt.Add(30*day)) {
		t.Fatalf("renewal resets the lifetime: %+v", g)
	}
	renewal, err := h.repo.Request(h.ctx, g.RenewalRequestID)
	if err != nil || renewal.Kind != models.RequestKindRenewal || renewal.Status != models.StateApproved {
		t.Fatalf("renewal request should be auto approved: %+v err=%v", renewal, err)
	}

	h.advance(30 * day)
	if err := h.engine.ProcessGrant(h.ctx, g.ID); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if g = h.grant(g.ID); g.Status != models.GrantExpired || g.RenewalCount != 1 {
		t.Fatalf("max_renewals reached, expected expiry: %s count=%d", g.Status, g.RenewalCount)
	}
}

func TestRenewalRequiringApproval(t *testing.T) {
	p := salesDB()
	p.Renewal = models.Renewal{AutoRenew: true, MaxRenewals: 2, RenewalApprovalRequired: true}
	h := newHarness(t, p)
	g := approvedGrant(t, h)

	h.advance(30 * day)
	if err := h.engine.ProcessGrant(h.ctx, g.ID); err != nil {
		t.Fatalf("tick: %v", err)
	}
	g = h.grant(g.ID)
	if g.Status != models.GrantRenewalPending || g.RenewalRequestID == "" {
		t.Fatalf("expected renewal_pending, got %s", g.Status)
	}
	h.advance(time.Hour)
	if err := h.engine.ProcessGrant(h.ctx, g.ID); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if g = h.grant(g.ID); g.Status != models.GrantRenewalPending {
		t.Fatalf("access is retained while the renewal is pending, got %s", g.Status)
	}

	r := h.decide(g.RenewalRequestID, "data-owner@company.com", models.DecisionApprove)
	if r.Status != models.StateApproved || r.GrantID != g.ID {
		t.Fatalf("renewal approval extends the same grant: %+v", r)
	}
	g = h.grant(g.ID)
	if g.Status != models.GrantActive || g.RenewalCount != 1 || !g.ExpiresAt.Equal(h.now.Add(30*day)) {
		t.Fatalf("unexpected renewed grant %+v", g)
	}
}

func TestRejectedRenewalExpiresGrant(t *testing.T) {
	p := salesDB()
	p.Renewal = models.Renewal{AutoRenew: true, MaxRenewals: 2, RenewalApprovalRequired: true}
	h := newHarness(t, p)
	g := approvedGrant(t, h)

	h.advance(30 * day)
	if err := h.engine.ProcessGrant(h.ctx, g.ID); err != nil {
		t.Fatalf("tick: %v", err)
	}
	g = h.grant(g.ID)
	h.decide(g.RenewalRequestID, "data-owner@company.com", models.DecisionReject)
	if g = h.grant(g.ID); g.Status != models.GrantExpired || g.TeardownPending {
		t.Fatalf("rejected renewal ends the grant: %+v", g)
	}
}

func TestRevokeCancelsPendingRenewal(t *testing.T) {
	p := salesDB()
	p.Renewal = models.Renewal{AutoRenew: true, MaxRenewals: 2, RenewalApprovalRequired: true}
	h := newHarness(t, p)
	g := approvedGrant(t, h)

	h.advance(30 * day)
	if err := h.engine.ProcessGrant(h.ctx, g.ID); err != nil {
		t.Fatalf("tick: %v", err)
	}
	g = h.grant(g.ID)
	if _, err := h.engine.Revoke(h.ctx, g.ID, "secops", "offboarding"); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	r, _ := h.repo.Request(h.ctx, g.RenewalRequestID)
	if r.Status != models.StateExpiredUnapproved {
		t.Fatalf("pending renewal must be closed, got %s", r.Status)
	}
}

func TestManualRenew(t *testing.T) {
	p := salesDB()
	p.Renewal = models.Renewal{MaxRenewals: 1}
	h := newHarness(t, p)
	g := approvedGrant(t, h)

	h.advance(10 * day)
	r, err := h.engine.Renew(h.ctx, g.ID, "bob")
	if err != nil || r.Status != models.StateApproved {
		t.Fatalf("renewal without approval requirement is automatic: %+v err=%v", r, err)
	}
	if g = h.grant(g.ID); g.RenewalCount != 1 || !g.ExpiresAt.Equal(h.now.Add(30*day)) {
		t.Fatalf("unexpected grant after renew %+v", g)
	}
	_, err = h.engine.Renew(h.ctx, g.ID, "bob")
	expectErr(t, err, accesserr.ErrPolicyMismatch)
}

func TestAutoRenewUsesCurrentProfile(t *testing.T) {
	p := salesDB()
	p.Renewal = models.Renewal{AutoRenew: true, MaxRenewals: 2}
	h := newHarness(t, p)
	g := approvedGrant(t, h)

	h.engine.Directory.(fakeDirectory)["bob"] = models.Profile{
		Principal:  "bob",
		Attributes: models.RequestAttributes{Department: "marketing", Manager: "mallory"},
	}
	h.advance(30 * day)
	err := h.engine.ProcessGrant(h.ctx, g.ID)
	expectErr(t, err, accesserr.ErrConditionNotSatisfied)

	g = h.grant(g.ID)
	if g.Status != models.GrantExpired || g.RenewalCount != 0 {
		t.Fatalf("a principal who left the department must not be renewed: %s count=%d", g.Status, g.RenewalCount)
	}
	if _, revoked := h.prov.counts(); revoked != 1 {
		t.Fatalf("expected revocation intent, got %d", revoked)
	}
	requests, err := h.repo.Requests(h.ctx, store.RequestFilter{Requester: "bob"})
	if err != nil {
		t.Fatalf("list requests: %v", err)
	}
	var renewal *models.AccessRequest
	for i := range requests {
		if requests[i].Kind == models.RequestKindRenewal {
			renewal = &requests[i]
		}
	}
	if renewal == nil || renewal.Status != models.StateRejected || renewal.Attributes.Department != "marketing" {
		t.Fatalf("renewal must be evaluated against the current profile: %+v", renewal)
	}
}

func TestAutoRenewRemovedPrincipalExpires(t *testing.T) {
	p := salesDB()
	p.Renewal = models.Renewal{AutoRenew: true, MaxRenewals: 2}
	h := newHarness(t, p)
	g := approvedGrant(t, h)

	delete(h.engine.Directory.(fakeDirectory), "bob")
	h.advance(30 * day)
	err := h.engine.ProcessGrant(h.ctx, g.ID)
	expectErr(t, err, accesserr.ErrInvalidRequest)
	if g = h.grant(g.ID); g.Status != models.GrantExpired {
		t.Fatalf("unknown principal must not keep access, got %s", g.Status)
	}
}

func officeHoursDB() models.Policy {
	p := salesDB()
	p.Roles[0].Conditions = []models.Condition{{
		Department:       "sales",
		TimeRestrictions: &models.TimeRestriction{StartTime: "09:00", EndTime: "17:00", Timezone: "UTC"},
	}}
	p.Renewal = models.Renewal{AutoRenew: true, MaxRenewals: 2}
	return p
}

func TestAutoRenewOutsideTimeWindow(t *testing.T) {
	h := newHarness(t, officeHoursDB())
	g := approvedGrant(t, h)

	// Expiry lands at 10:00; the scheduler only gets to it in the evening.
	h.advance(30*day + 10*time.Hour)
	if err := h.engine.ProcessGrant(h.ctx, g.ID); err != nil {
		t.Fatalf("tick: %v", err)
	}
	g = h.grant(g.ID)
	if g.Status != models.GrantActive || g.RenewalCount != 1 {
		t.Fatalf("unattended renewal is checked against the original request time: %s count=%d", g.Status, g.RenewalCount)
	}
	renewal, err := h.repo.Request(h.ctx, g.RenewalRequestID)
	if err != nil || !renewal.ConditionsAt.Equal(monday) {
		t.Fatalf("renewal must record the window instant: %+v err=%v", renewal.ConditionsAt, err)
	}
}

func TestManualRenewOutsideTimeWindow(t *testing.T) {
	h := newHarness(t, officeHoursDB())
	g := approvedGrant(t, h)

	h.advance(10*day + 10*time.Hour)
	_, err := h.engine.Renew(h.ctx, g.ID, "bob")
	expectErr(t, err, accesserr.ErrConditionNotSatisfied)
}
