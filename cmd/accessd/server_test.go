package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"accessgov/pkg/audit"
	"accessgov/pkg/auth"
	"accessgov/pkg/httpx"
	"accessgov/pkg/identity"
	"accessgov/pkg/lifecycle"
	"accessgov/pkg/metrics"
	"accessgov/pkg/models"
	"accessgov/pkg/policystore"
	"accessgov/pkg/provision"
	"accessgov/pkg/ratelimit"
	"accessgov/pkg/store"
	"accessgov/pkg/stream"
	"accessgov/pkg/workflow"
)

const (
	bob     = "bob@example.com"
	mallory = "mallory@example.com"
	owner   = "sales-data-owner"
	admin   = "root@example.com"
)

type testServer struct {
	*Server
	provisioner *provision.Memory
	handler     http.Handler
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ctx := context.Background()
	logs := audit.NewMemoryLog()
	policies := policystore.NewMemoryStore(logs, audit.Builder{})
	if err := seedPolicies(ctx, policies, "../../config/policies.yaml"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	dir, err := identity.LoadFile("../../config/directory.yaml")
	if err != nil {
		t.Fatalf("directory: %v", err)
	}
	prov := provision.NewMemory()
	reg := metrics.NewRegistry()
	hub := stream.NewHub()
	engine := &workflow.Engine{
		Policies:    policies,
		Repo:        store.NewMemoryRepo(logs),
		Directory:   dir,
		Provisioner: prov,
		Notifier:    provision.LogNotifier{},
		Sink:        hub,
		Metrics:     reg,
	}
	s := &Server{
		Engine:          engine,
		Policies:        policies,
		Audit:           logs,
		Hub:             hub,
		Scheduler:       &lifecycle.Scheduler{Engine: engine, Metrics: reg},
		Metrics:         reg,
		Limiter:         ratelimit.NewInMemory(time.Minute),
		SubmitRateLimit: 10,
		AdminRole:       "access-admin",
		AuditorRole:     "auditor",
		AuthMode:        auth.ModeHeader,
	}
	return &testServer{Server: s, provisioner: prov, handler: s.Routes()}
}

func (ts *testServer) call(t *testing.T, method, path, actor, roles string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if raw, ok := body.(string); ok {
			buf.WriteString(raw)
		} else if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if actor != "" {
		req.Header.Set(httpx.ActorHeader, actor)
	}
	if roles != "" {
		req.Header.Set(httpx.RolesHeader, roles)
	}
	rr := httptest.NewRecorder()
	ts.handler.ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %s: %v", rr.Body.String(), err)
	}
	return out
}

func expectStatus(t *testing.T, rr *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rr.Code != want {
		t.Fatalf("expected %d, got %d: %s", want, rr.Code, rr.Body.String())
	}
}

var salesSubmission = map[string]any{
	"resource":      "sales-db",
	"role":          "read_only",
	"duration":      "30d",
	"justification": "quarterly pipeline review",
}

func TestApprovalFlowOverHTTP(t *testing.T) {
	ts := newTestServer(t)

	rr := ts.call(t, http.MethodPost, "/v1/requests", bob, "", salesSubmission)
	expectStatus(t, rr, http.StatusCreated)
	req := decode[models.AccessRequest](t, rr)
	if req.Status != models.StatePendingApproval || req.Requester != bob || req.Chain[0].Value != mallory {
		t.Fatalf("unexpected request %+v", req)
	}

	rr = ts.call(t, http.MethodGet, "/v1/requests?awaiting=me", mallory, "", nil)
	expectStatus(t, rr, http.StatusOK)
	if got := decode[map[string][]models.AccessRequest](t, rr)["requests"]; len(got) != 1 || got[0].ID != req.ID {
		t.Fatalf("manager should see the request awaiting, got %+v", got)
	}

	rr = ts.call(t, http.MethodPost, "/v1/requests/"+req.ID+"/decisions", bob, "", map[string]any{"decision": "approve"})
	expectStatus(t, rr, http.StatusForbidden)
	if decode[map[string]string](t, rr)["reason_code"] != "ApproverNotAuthorized" {
		t.Fatalf("self approval must be refused: %s", rr.Body.String())
	}

	rr = ts.call(t, http.MethodPost, "/v1/requests/"+req.ID+"/decisions", mallory, "", map[string]any{"decision": "approve", "step": 0})
	expectStatus(t, rr, http.StatusOK)
	rr = ts.call(t, http.MethodPost, "/v1/requests/"+req.ID+"/decisions", mallory, "", map[string]any{"decision": "approve", "step": 0})
	expectStatus(t, rr, http.StatusConflict)

	rr = ts.call(t, http.MethodPost, "/v1/requests/"+req.ID+"/decisions", owner, "", map[string]any{"decision": "APPROVE", "comment": "ok"})
	expectStatus(t, rr, http.StatusOK)
	approved := decode[models.AccessRequest](t, rr)
	if approved.Status != models.StateApproved || approved.GrantID == "" {
		t.Fatalf("expected approved request with grant, got %+v", approved)
	}

	rr = ts.call(t, http.MethodGet, "/v1/requests/"+req.ID, bob, "", nil)
	expectStatus(t, rr, http.StatusOK)
	detail := decode[struct {
		Decisions []models.ApprovalDecision `json:"decisions"`
	}](t, rr)
	if len(detail.Decisions) != 2 {
		t.Fatalf("expected two decisions, got %+v", detail.Decisions)
	}

	rr = ts.call(t, http.MethodGet, "/v1/grants", bob, "", nil)
	expectStatus(t, rr, http.StatusOK)
	grants := decode[map[string][]models.Grant](t, rr)["grants"]
	if len(grants) != 1 || grants[0].Status != models.GrantActive {
		t.Fatalf("expected one active grant, got %+v", grants)
	}
	if active := ts.provisioner.Active(); len(active) != 1 || active[0] != grants[0].ID {
		t.Fatalf("grant not provisioned: %v", active)
	}

	rr = ts.call(t, http.MethodGet, "/v1/grants/"+grants[0].ID, mallory, "", nil)
	expectStatus(t, rr, http.StatusForbidden)

	rr = ts.call(t, http.MethodPost, "/v1/grants/"+grants[0].ID+"/revoke", bob, "", map[string]string{"reason": "project finished"})
	expectStatus(t, rr, http.StatusOK)
	if g := decode[models.Grant](t, rr); g.Status != models.GrantRevoked {
		t.Fatalf("expected revoked grant, got %s", g.Status)
	}
	if len(ts.provisioner.Active()) != 0 {
		t.Fatal("revocation must tear down provider access")
	}

	rr = ts.call(t, http.MethodGet, "/v1/audit?entity_id="+req.ID, admin, "auditor", nil)
	expectStatus(t, rr, http.StatusOK)
	events := decode[map[string][]models.AuditEvent](t, rr)["events"]
	if len(events) == 0 || events[0].EventType != audit.RequestSubmitted {
		t.Fatalf("unexpected audit trail %+v", events)
	}
}

func TestRequestDetailVisibility(t *testing.T) {
	ts := newTestServer(t)
	rr := ts.call(t, http.MethodPost, "/v1/requests", bob, "", salesSubmission)
	expectStatus(t, rr, http.StatusCreated)
	req := decode[models.AccessRequest](t, rr)

	cases := []struct {
		name, actor, roles string
		want               int
	}{
		{"requester", bob, "", http.StatusOK},
		{"current approver", mallory, "", http.StatusOK},
		{"later approver", owner, "", http.StatusOK},
		{"auditor", admin, "auditor", http.StatusOK},
		{"unrelated principal", "dana@example.com", "", http.StatusNotFound},
		{"unknown principal", "eve@example.com", "", http.StatusNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rr := ts.call(t, http.MethodGet, "/v1/requests/"+req.ID, tc.actor, tc.roles, nil)
			expectStatus(t, rr, tc.want)
			if tc.want == http.StatusNotFound && decode[map[string]string](t, rr)["reason_code"] != "RequestNotFound" {
				t.Fatalf("hidden request must look missing: %s", rr.Body.String())
			}
		})
	}
}

func TestSubmitRejectionCarriesRequest(t *testing.T) {
	ts := newTestServer(t)
	sub := map[string]any{"resource": "sales-db", "role": "read_only", "duration": "90d"}
	rr := ts.call(t, http.MethodPost, "/v1/requests", bob, "", sub)
	expectStatus(t, rr, http.StatusUnprocessableEntity)
	body := decode[struct {
		ReasonCode string               `json:"reason_code"`
		Request    models.AccessRequest `json:"request"`
	}](t, rr)
	if body.ReasonCode != "PolicyMismatch" || body.Request.Status != models.StateRejected {
		t.Fatalf("unexpected rejection %+v", body)
	}

	rr = ts.call(t, http.MethodPost, "/v1/requests", bob, "", map[string]any{"resource": "unknown-db", "role": "x"})
	expectStatus(t, rr, http.StatusNotFound)

	rr = ts.call(t, http.MethodPost, "/v1/requests", bob, "", `{"resource":"sales-db","bogus":1}`)
	expectStatus(t, rr, http.StatusBadRequest)
}

func TestAuthAndRoles(t *testing.T) {
	ts := newTestServer(t)
	expectStatus(t, ts.call(t, http.MethodGet, "/v1/requests", "", "", nil), http.StatusUnauthorized)
	expectStatus(t, ts.call(t, http.MethodGet, "/healthz", "", "", nil), http.StatusOK)
	expectStatus(t, ts.call(t, http.MethodGet, "/v1/audit", bob, "", nil), http.StatusForbidden)
	expectStatus(t, ts.call(t, http.MethodPost, "/v1/grants/missing/provision", bob, "", nil), http.StatusForbidden)
	expectStatus(t, ts.call(t, http.MethodGet, "/v1/grants/missing", bob, "", nil), http.StatusNotFound)
	expectStatus(t, ts.call(t, http.MethodGet, "/v1/stats", admin, "access-admin", nil), http.StatusOK)
	expectStatus(t, ts.call(t, http.MethodPost, "/v1/scheduler/tick", admin, "access-admin", nil), http.StatusOK)
}

func TestPolicyEndpoints(t *testing.T) {
	ts := newTestServer(t)
	doc := `
resource: hr-db
resource_type: cloudsql
roles:
  - name: reader
    permissions: [cloudsql.databases.select]
approval_workflow:
  approval_required: false
access_duration: 7d
`
	expectStatus(t, ts.call(t, http.MethodPost, "/v1/policies", bob, "", doc), http.StatusForbidden)
	rr := ts.call(t, http.MethodPost, "/v1/policies", admin, "access-admin", doc)
	expectStatus(t, rr, http.StatusCreated)
	if p := decode[models.Policy](t, rr); p.Version != 1 || p.CreatedBy != admin {
		t.Fatalf("unexpected published policy %+v", p)
	}
	expectStatus(t, ts.call(t, http.MethodPost, "/v1/policies", admin, "access-admin", doc), http.StatusCreated)

	rr = ts.call(t, http.MethodGet, "/v1/policies/hr-db/versions", bob, "", nil)
	expectStatus(t, rr, http.StatusOK)
	if versions := decode[map[string][]models.Policy](t, rr)["versions"]; len(versions) != 2 {
		t.Fatalf("expected two versions, got %d", len(versions))
	}
	rr = ts.call(t, http.MethodGet, "/v1/policies/hr-db?version=1", bob, "", nil)
	expectStatus(t, rr, http.StatusOK)
	expectStatus(t, ts.call(t, http.MethodGet, "/v1/policies/hr-db?version=x", bob, "", nil), http.StatusBadRequest)
	expectStatus(t, ts.call(t, http.MethodGet, "/v1/policies/nope", bob, "", nil), http.StatusNotFound)

	rr = ts.call(t, http.MethodGet, "/v1/resources", bob, "", nil)
	expectStatus(t, rr, http.StatusOK)
	body := decode[struct {
		Resources []struct {
			Resource string `json:"resource"`
		} `json:"resources"`
	}](t, rr)
	if len(body.Resources) != 4 {
		t.Fatalf("expected 4 enabled resources, got %+v", body.Resources)
	}
}

func TestSubmitRateLimit(t *testing.T) {
	ts := newTestServer(t)
	ts.SubmitRateLimit = 1
	ts.handler = ts.Routes()
	expectStatus(t, ts.call(t, http.MethodPost, "/v1/requests", bob, "", salesSubmission), http.StatusCreated)
	rr := ts.call(t, http.MethodPost, "/v1/requests", bob, "", salesSubmission)
	expectStatus(t, rr, http.StatusTooManyRequests)
	if decode[map[string]string](t, rr)["reason_code"] != "RateLimited" {
		t.Fatalf("unexpected body %s", rr.Body.String())
	}
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t)
	ts.call(t, http.MethodGet, "/v1/grants", bob, "", nil)
	rr := ts.call(t, http.MethodGet, "/metrics", "", "", nil)
	expectStatus(t, rr, http.StatusOK)
	snap := decode[metrics.Snapshot](t, rr)
	if snap.Endpoints["GET /v1/grants"].Count != 1 {
		t.Fatalf("route pattern not recorded: %+v", snap.Endpoints)
	}
}

func TestAuditPagination(t *testing.T) {
	ts := newTestServer(t)
	rr := ts.call(t, http.MethodPost, "/v1/requests", bob, "", salesSubmission)
	expectStatus(t, rr, http.StatusCreated)
	req := decode[models.AccessRequest](t, rr)

	type page struct {
		Events []models.AuditEvent `json:"events"`
		Next   *int64              `json:"next_after_seq"`
	}
	rr = ts.call(t, http.MethodGet, "/v1/audit?entity_id="+req.ID, admin, "auditor", nil)
	expectStatus(t, rr, http.StatusOK)
	full := decode[page](t, rr)
	if len(full.Events) < 3 || full.Next != nil {
		t.Fatalf("expected a short trail on one page, got %+v", full)
	}

	var walked []models.AuditEvent
	path := "/v1/audit?limit=2&entity_id=" + req.ID
	for i := 0; i < 10; i++ {
		rr = ts.call(t, http.MethodGet, path, admin, "auditor", nil)
		expectStatus(t, rr, http.StatusOK)
		p := decode[page](t, rr)
		walked = append(walked, p.Events...)
		if p.Next == nil {
			break
		}
		if *p.Next != p.Events[len(p.Events)-1].Seq {
			t.Fatalf("cursor %d does not point at the last event %+v", *p.Next, p.Events)
		}
		path = fmt.Sprintf("/v1/audit?limit=2&entity_id=%s&after_seq=%d", req.ID, *p.Next)
	}
	if len(walked) != len(full.Events) {
		t.Fatalf("paging returned %d events, want %d", len(walked), len(full.Events))
	}
	for i := range walked {
		if walked[i].Seq != full.Events[i].Seq {
			t.Fatalf("event %d: seq %d, want %d", i, walked[i].Seq, full.Events[i].Seq)
		}
	}

	rr = ts.call(t, http.MethodGet, "/v1/audit?after_seq=-1", admin, "auditor", nil)
	expectStatus(t, rr, http.StatusBadRequest)

	rr = ts.call(t, http.MethodGet, "/v1/audit", admin, "auditor", nil)
	expectStatus(t, rr, http.StatusOK)
	all := decode[page](t, rr).Events
	rr = ts.call(t, http.MethodGet, "/v1/stats", admin, "auditor", nil)
	expectStatus(t, rr, http.StatusOK)
	stats := decode[struct {
		AuditEvents int64 `json:"audit_events"`
	}](t, rr)
	if stats.AuditEvents != int64(len(all)) {
		t.Fatalf("stats counts %d audit events, query returned %d", stats.AuditEvents, len(all))
	}
}
