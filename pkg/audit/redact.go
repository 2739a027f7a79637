package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"

	"accessgov/pkg/models"

	"github.com/google/uuid"
)

const defaultRetentionDays = 365

// Event types emitted by the engine.
const (
	PolicyPublished          = "policy_published"
	RequestSubmitted         = "request_submitted"
	RequestEvaluated         = "request_evaluated"
	RequestAutoApproved      = "request_auto_approved"
	RequestPendingApproval   = "request_pending_approval"
	DecisionRecorded         = "decision_recorded"
	RequestStepAdvanced      = "request_step_advanced"
	RequestApproved          = "request_approved"
	RequestRejected          = "request_rejected"
	RequestEscalated         = "request_escalated"
	RequestReassigned        = "request_reassigned"
	RequestExpiredUnapproved = "request_expired_unapproved"
	GrantCreated             = "grant_created"
	GrantActivated           = "grant_activated"
	ProvisioningFailed       = "provisioning_failed"
	ProvisioningAbandoned    = "provisioning_abandoned"
	GrantExpiryNotice        = "grant_expiry_notice"
	GrantRenewalRequested    = "grant_renewal_requested"
	GrantRenewed             = "grant_renewed"
	GrantExpired             = "grant_expired"
	GrantRevoked             = "grant_revoked"
	RevocationFailed         = "revocation_failed"
	RevocationConfirmed      = "revocation_confirmed"
)

// basicKeys survive the "basic" log level.
var basicKeys = map[string]struct{}{
	"reason_code":    {},
	"request_id":     {},
	"grant_id":       {},
	"policy_version": {},
	"step":           {},
}

// sensitiveKeys are hashed when redaction is on.
var sensitiveKeys = map[string]struct{}{
	"justification": {},
	"source_ip":     {},
	"comment":       {},
	"manager":       {},
}

// Builder shapes event payloads according to a policy's audit settings.
type Builder struct {
	Redact   bool
	HashSalt []byte
}

type Transition struct {
	EntityType string
	EntityID   string
	EventType  string
	Actor      string
	From       string
	To         string
	At         time.Time
	Payload    map[string]any
}

func (b Builder) Event(t Transition, settings models.AuditSettings) models.AuditEvent {
	retention := settings.RetentionDays
	if retention <= 0 {
		retention = defaultRetentionDays
	}
	at := t.At.UTC()
	return models.AuditEvent{
		ID:          uuid.New().String(),
		EntityID:    t.EntityID,
		EntityType:  t.EntityType,
		EventType:   t.EventType,
		Actor:       t.Actor,
		FromState:   t.From,
		ToState:     t.To,
		Payload:     b.shape(t.Payload, settings.LogLevel),
		OccurredAt:  at,
		RetainUntil: at.Add(time.Duration(retention) * 24 * time.Hour),
	}
}

func (b Builder) shape(payload map[string]any, level string) json.RawMessage {
	if len(payload) == 0 {
		return nil
	}
	out := make(map[string]any, len(payload))
	for k, v := range payload {
		switch strings.ToLower(strings.TrimSpace(level)) {
		case models.LogLevelBasic:
			if _, ok := basicKeys[k]; !ok {
				continue
			}
		case models.LogLevelVerbose:
		default:
			if k == "attributes" {
				continue
			}
		}
		if b.Redact {
			v = b.redactValue(k, v)
		}
		out[k] = v
	}
	if len(out) == 0 {
		return nil
	}
	raw, err := json.Marshal(out)
	if err != nil {
		raw, _ = json.Marshal(map[string]any{"payload_hash": hashString(err.Error(), b.HashSalt), "redaction_error": "unencodable"})
	}
	return raw
}

func (b Builder) redactValue(key string, v any) any {
	if _, ok := sensitiveKeys[key]; ok {
		s, isString := v.(string)
		if !isString || s == "" {
			return v
		}
		return map[string]string{"hash": hashString(s, b.HashSalt)}
	}
	if key != "attributes" {
		return v
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return hashBytes([]byte(err.Error()), b.HashSalt)
	}
	var attrs map[string]any
	if err := json.Unmarshal(raw, &attrs); err != nil {
		return map[string]string{"hash": hashBytes(raw, b.HashSalt)}
	}
	for k, inner := range attrs {
		attrs[k] = b.redactValue(k, inner)
	}
	return attrs
}

func hashString(v string, salt []byte) string {
	return hashBytes([]byte(v), salt)
}

func hashBytes(b []byte, salt []byte) string {
	h := sha256.New()
	if len(salt) > 0 {
		_, _ = h.Write(salt)
	}
	_, _ = h.Write(b)
	return hex.EncodeToString(h.Sum(nil))
}
