package policystore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"accessgov/pkg/accesserr"
	"accessgov/pkg/models"

	"gopkg.in/yaml.v3"
)

// ParseBundle decodes a YAML or JSON policy bundle. Fields left out of a
// policy get the same defaults as DecodePolicy.
func ParseBundle(data []byte) (models.PolicyBundle, error) {
	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return models.PolicyBundle{}, fmt.Errorf("%w: bundle: %v", accesserr.ErrInvalidPolicy, err)
	}
	raw, _ := doc["access_policies"].([]any)
	if len(raw) == 0 {
		return models.PolicyBundle{}, fmt.Errorf("%w: bundle has no access_policies", accesserr.ErrInvalidPolicy)
	}
	for _, item := range raw {
		if m, ok := item.(map[string]any); ok {
			applyDefaults(m)
		}
	}
	var b models.PolicyBundle
	if err := remarshal(doc, &b); err != nil {
		return models.PolicyBundle{}, fmt.Errorf("%w: bundle: %v", accesserr.ErrInvalidPolicy, err)
	}
	return b, nil
}

func LoadBundle(path string) (models.PolicyBundle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return models.PolicyBundle{}, err
	}
	return ParseBundle(data)
}

// DecodePolicy decodes one policy document (YAML or JSON).
func DecodePolicy(data []byte) (models.Policy, error) {
	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return models.Policy{}, fmt.Errorf("%w: %v", accesserr.ErrInvalidPolicy, err)
	}
	if doc == nil {
		return models.Policy{}, fmt.Errorf("%w: empty document", accesserr.ErrInvalidPolicy)
	}
	applyDefaults(doc)
	var p models.Policy
	if err := remarshal(doc, &p); err != nil {
		return models.Policy{}, fmt.Errorf("%w: %v", accesserr.ErrInvalidPolicy, err)
	}
	return p, nil
}

// PublishBundle validates every policy first and publishes only when the
// whole bundle is valid.
func PublishBundle(ctx context.Context, s Store, b models.PolicyBundle, actor string) ([]models.Policy, error) {
	for _, p := range b.AccessPolicies {
		if err := Validate(p); err != nil {
			return nil, fmt.Errorf("policy %q: %w", keyOf(p), err)
		}
	}
	out := make([]models.Policy, 0, len(b.AccessPolicies))
	for _, p := range b.AccessPolicies {
		published, err := s.Publish(ctx, p, actor)
		if err != nil {
			return out, fmt.Errorf("policy %q: %w", keyOf(p), err)
		}
		out = append(out, published)
	}
	return out, nil
}

func applyDefaults(m map[string]any) {
	if _, ok := m["enabled"]; !ok {
		m["enabled"] = true
	}
	a, _ := m["audit"].(map[string]any)
	if a == nil {
		a = map[string]any{}
		m["audit"] = a
	}
	if _, ok := a["enabled"]; !ok {
		a["enabled"] = true
	}
	if _, ok := a["log_level"]; !ok {
		a["log_level"] = models.LogLevelDetailed
	}
	if _, ok := a["retention_days"]; !ok {
		a["retention_days"] = 365
	}
}

// remarshal converts the generic YAML tree into dst through its JSON tags.
func remarshal(src any, dst any) error {
	raw, err := json.Marshal(src)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, dst)
}
