package provision

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"accessgov/pkg/accesserr"
	"accessgov/pkg/httpx"
	"accessgov/pkg/models"
	"accessgov/pkg/telemetry"
)

// HTTPProvisioner drives a resource provider's grant API:
//
//	POST   {BaseURL}/grants        create, 409 means already present
//	DELETE {BaseURL}/grants/{id}   revoke, 404 means already gone
type HTTPProvisioner struct {
	BaseURL    string
	Token      string
	Client     *http.Client
	Retries    int
	RetryDelay time.Duration
}

func NewHTTP(baseURL, token string) *HTTPProvisioner {
	return &HTTPProvisioner{
		BaseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		Token:      token,
		Client:     telemetry.InstrumentClient(nil),
		Retries:    2,
		RetryDelay: 200 * time.Millisecond,
	}
}

type grantPayload struct {
	GrantID      string    `json:"grant_id"`
	RequestID    string    `json:"request_id"`
	Principal    string    `json:"principal"`
	Resource     string    `json:"resource"`
	ResourceType string    `json:"resource_type,omitempty"`
	Role         string    `json:"role"`
	Permissions  []string  `json:"permissions"`
	ExpiresAt    time.Time `json:"expires_at,omitempty"`
}

func (p *HTTPProvisioner) GrantAccess(ctx context.Context, g models.Grant) error {
	body, err := json.Marshal(grantPayload{
		GrantID:      g.ID,
		RequestID:    g.RequestID,
		Principal:    g.Principal,
		Resource:     g.Resource,
		ResourceType: g.ResourceType,
		Role:         g.Role,
		Permissions:  g.Permissions,
		ExpiresAt:    g.ExpiresAt,
	})
	if err != nil {
		return err
	}
	status, resp, err := httpx.RequestJSON(ctx, p.Client, http.MethodPost, p.BaseURL+"/grants", body, p.headers(g), p.Retries, p.RetryDelay)
	return result("grant", g.ID, status, resp, err, http.StatusConflict)
}

func (p *HTTPProvisioner) RevokeAccess(ctx context.Context, g models.Grant) error {
	status, resp, err := httpx.RequestJSON(ctx, p.Client, http.MethodDelete, p.BaseURL+"/grants/"+url.PathEscape(g.ID), nil, p.headers(g), p.Retries, p.RetryDelay)
	return result("revoke", g.ID, status, resp, err, http.StatusNotFound)
}

func (p *HTTPProvisioner) headers(g models.Grant) map[string]string {
	h := map[string]string{"Idempotency-Key": g.ID}
	if p.Token != "" {
		h["Authorization"] = "Bearer " + p.Token
	}
	return h
}

func result(op, id string, status int, body []byte, err error, settled int) error {
	if err != nil {
		return fmt.Errorf("%w: %s %s: %v", accesserr.ErrProvisioningFailed, op, id, err)
	}
	if status/100 == 2 || status == settled {
		return nil
	}
	msg := strings.TrimSpace(string(body))
	if len(msg) > 200 {
		msg = msg[:200]
	}
	return fmt.Errorf("%w: %s %s: provider returned %d %s", accesserr.ErrProvisioningFailed, op, id, status, msg)
}
