package policystore

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"accessgov/pkg/accesserr"
	"accessgov/pkg/audit"
	"accessgov/pkg/models"
)

func TestLoadSampleBundle(t *testing.T) {
	b, err := LoadBundle(filepath.Join("..", "..", "config", "policies.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(b.AccessPolicies) != 3 || b.Metadata == nil || b.Metadata.Organization != "example" {
		t.Fatalf("unexpected bundle: %+v", b)
	}
	for _, p := range b.AccessPolicies {
		if err := Validate(p); err != nil {
			t.Fatalf("sample policy %s invalid: %v", p.Key(), err)
		}
	}
	sales := b.AccessPolicies[0]
	if sales.ApprovalWorkflow.Approvers[0].Type != models.ApproverManager {
		t.Fatalf("unexpected approver %+v", sales.ApprovalWorkflow.Approvers[0])
	}
	if tr := sales.Roles[1].Conditions[0].TimeRestrictions; tr == nil || tr.StartTime != "08:00" {
		t.Fatalf("time restriction not decoded: %+v", tr)
	}
	dash := b.AccessPolicies[2]
	if !dash.Enabled || !dash.Audit.Enabled || dash.Audit.LogLevel != models.LogLevelDetailed || dash.Audit.RetentionDays != 365 {
		t.Fatalf("defaults not applied: %+v", dash)
	}
	if b.AccessPolicies[1].Audit.RetentionDays != 90 {
		t.Fatalf("explicit retention overridden: %+v", b.AccessPolicies[1].Audit)
	}
}

func TestDecodePolicyJSON(t *testing.T) {
	p, err := DecodePolicy([]byte(`{"resource":"hr-db","resource_type":"cloudsql","enabled":false,
		"roles":[{"name":"read_only","permissions":["x"]}],"access_duration":"1d"}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if p.Enabled {
		t.Fatal("explicit enabled=false must be kept")
	}
	if p.Audit.LogLevel != models.LogLevelDetailed {
		t.Fatalf("audit defaults missing: %+v", p.Audit)
	}
	if _, err := DecodePolicy([]byte(`[1,2`)); !errors.Is(err, accesserr.ErrInvalidPolicy) {
		t.Fatalf("expected InvalidPolicy, got %v", err)
	}
}

func TestPublishBundleAllOrNothing(t *testing.T) {
	ctx := context.Background()
	bad := salesPolicy()
	bad.Resource = "other-db"
	bad.AccessDuration = "forever"
	b := models.PolicyBundle{AccessPolicies: []models.Policy{salesPolicy(), bad}}

	s := NewMemoryStore(nil, audit.Builder{})
	if _, err := PublishBundle(ctx, s, b, "loader"); !errors.Is(err, accesserr.ErrInvalidPolicy) {
		t.Fatalf("expected InvalidPolicy, got %v", err)
	}
	if list, _ := s.List(ctx); len(list) != 0 {
		t.Fatalf("nothing may be published from an invalid bundle, got %d", len(list))
	}

	b.AccessPolicies = b.AccessPolicies[:1]
	out, err := PublishBundle(ctx, s, b, "loader")
	if err != nil || len(out) != 1 || out[0].CreatedBy != "loader" {
		t.Fatalf("publish: %+v err=%v", out, err)
	}
	if _, err := ParseBundle([]byte("metadata: {}\n")); !errors.Is(err, accesserr.ErrInvalidPolicy) {
		t.Fatalf("bundle without policies must be rejected, got %v", err)
	}
}
