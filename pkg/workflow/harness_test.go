package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"accessgov/pkg/accesserr"
	"accessgov/pkg/audit"
	"accessgov/pkg/metrics"
	"accessgov/pkg/models"
	"accessgov/pkg/policystore"
	"accessgov/pkg/store"
)

var monday = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

type fakeDirectory map[string]models.Profile

func (d fakeDirectory) Lookup(_ context.Context, principal string) (models.Profile, error) {
	p, ok := d[principal]
	if !ok {
		return models.Profile{}, fmt.Errorf("%w: unknown principal %q", accesserr.ErrInvalidRequest, principal)
	}
	return p, nil
}

type fakeProvisioner struct {
	mu        sync.Mutex
	grantErr  error
	revokeErr error
	granted   []string
	revoked   []string
}

func (p *fakeProvisioner) GrantAccess(_ context.Context, g models.Grant) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.grantErr != nil {
		return p.grantErr
	}
	p.granted = append(p.granted, g.ID)
	return nil
}

func (p *fakeProvisioner) RevokeAccess(_ context.Context, g models.Grant) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.revokeErr != nil {
		return p.revokeErr
	}
	p.revoked = append(p.revoked, g.ID)
	return nil
}

func (p *fakeProvisioner) counts() (int, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.granted), len(p.revoked)
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []models.Notification
}

func (n *fakeNotifier) Notify(_ context.Context, msg models.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, msg)
	return nil
}

func (n *fakeNotifier) templates() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, 0, len(n.sent))
	for _, m := range n.sent {
		out = append(out, m.Template)
	}
	return out
}

type sinkRecorder struct {
	mu     sync.Mutex
	events []models.AuditEvent
}

func (s *sinkRecorder) Publish(ev models.AuditEvent) {
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
}

type harness struct {
	t      *testing.T
	ctx    context.Context
	now    time.Time
	log    *audit.MemoryLog
	repo   *store.MemoryRepo
	prov   *fakeProvisioner
	notes  *fakeNotifier
	sink   *sinkRecorder
	engine *Engine
}

func newHarness(t *testing.T, policies ...models.Policy) *harness {
	t.Helper()
	h := &harness{
		t:     t,
		ctx:   context.Background(),
		now:   monday,
		log:   audit.NewMemoryLog(),
		prov:  &fakeProvisioner{},
		notes: &fakeNotifier{},
		sink:  &sinkRecorder{},
	}
	h.repo = store.NewMemoryRepo(h.log)
	ps := policystore.NewMemoryStore(h.log, audit.Builder{})
	ps.Now = func() time.Time { return h.now }
	for _, p := range policies {
		if _, err := ps.Publish(h.ctx, p, "admin"); err != nil {
			t.Fatalf("publish %s: %v", p.Resource, err)
		}
	}
	h.engine = &Engine{
		Policies: ps,
		Repo:     h.repo,
		Directory: fakeDirectory{
			"bob":                    {Principal: "bob", Attributes: models.RequestAttributes{Department: "sales", Manager: "mallory"}},
			"eve":                    {Principal: "eve", Attributes: models.RequestAttributes{Department: "marketing"}},
			"data-owner@company.com": {Principal: "data-owner@company.com", Attributes: models.RequestAttributes{Department: "sales"}},
			"dana":                   {Principal: "dana", Roles: []string{"dba"}},
		},
		Provisioner: h.prov,
		Notifier:    h.notes,
		Sink:        h.sink,
		Metrics:     metrics.NewRegistry(),
		Now:         func() time.Time { return h.now },
	}
	return h
}

func (h *harness) advance(d time.Duration) { h.now = h.now.Add(d) }

func (h *harness) submit(s Submission) models.AccessRequest {
	h.t.Helper()
	r, err := h.engine.Submit(h.ctx, s)
	if err != nil {
		h.t.Fatalf("submit: %v", err)
	}
	return r
}

func (h *harness) decide(id, approver, decision string) models.AccessRequest {
	h.t.Helper()
	r, err := h.engine.Decide(h.ctx, DecisionInput{RequestID: id, Approver: approver, Decision: decision})
	if err != nil {
		h.t.Fatalf("decide %s by %s: %v", decision, approver, err)
	}
	return r
}

func (h *harness) grant(id string) models.Grant {
	h.t.Helper()
	g, err := h.repo.Grant(h.ctx, id)
	if err != nil {
		h.t.Fatalf("grant %s: %v", id, err)
	}
	return g
}

func (h *harness) eventTypes(entityID string) []string {
	h.t.Helper()
	events, err := audit.Collect(h.log.Query(h.ctx, audit.Filter{EntityID: entityID}))
	if err != nil {
		h.t.Fatalf("audit query: %v", err)
	}
	out := make([]string, 0, len(events))
	for _, ev := range events {
		out = append(out, ev.EventType)
	}
	return out
}

func expectErr(t *testing.T, err, want error) {
	t.Helper()
	if !errors.Is(err, want) {
		t.Fatalf("expected %v, got %v", want, err)
	}
}

func expectEvents(t *testing.T, got []string, want ...string) {
	t.Helper()
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("audit trail mismatch\n got: %v\nwant: %v", got, want)
	}
}

// salesDB is a single-approver policy for a sales reporting database.
func salesDB() models.Policy {
	return models.Policy{
		Resource:     "sales-db",
		ResourceType: models.ResourceCloudSQL,
		Enabled:      true,
		Roles: []models.Role{{
			Name:        "read_only",
			Permissions: []string{"cloudsql.instances.connect", "cloudsql.databases.select"},
			Conditions:  []models.Condition{{Department: "sales"}},
		}},
		ApprovalWorkflow: models.ApprovalWorkflow{
			ApprovalRequired: true,
			Approvers:        []models.Approver{{Type: models.ApproverUser, Value: "data-owner@company.com", Order: 1}},
		},
		AccessDuration: "30d",
		Audit:          models.AuditSettings{Enabled: true, LogLevel: models.LogLevelDetailed, RetentionDays: 365},
	}
}

func salesRequest() Submission {
	return Submission{Requester: "bob", Resource: "sales-db", Role: "read_only", Justification: "quarterly report"}
}
