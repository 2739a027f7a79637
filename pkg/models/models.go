package models

import (
	"encoding/json"
	"time"
)

const (
	ResourceCloudSQL     = "cloudsql"
	ResourceLookerStudio = "looker_studio"
	ResourceBigQuery     = "bigquery"
)

const (
	ApproverUser      = "user"
	ApproverRole      = "role"
	ApproverManager   = "manager"
	ApproverDataOwner = "data_owner"
)

const (
	LogLevelBasic    = "basic"
	LogLevelDetailed = "detailed"
	LogLevelVerbose  = "verbose"
)

// Policy is one published version of the access rules for a resource.
// A policy with Resource "*" applies to every resource of ResourceType.
type Policy struct {
	ID                    string               `json:"id"`
	Version               int                  `json:"version"`
	Resource              string               `json:"resource"`
	ResourceType          string               `json:"resource_type,omitempty"`
	Roles                 []Role               `json:"roles"`
	ApprovalWorkflow      ApprovalWorkflow     `json:"approval_workflow"`
	AccessDuration        DurationSpec         `json:"access_duration"`
	AccessDurationOptions []DurationSpec       `json:"access_duration_options,omitempty"`
	Renewal               Renewal              `json:"renewal"`
	Audit                 AuditSettings        `json:"audit"`
	Compliance            *Compliance          `json:"compliance,omitempty"`
	Notifications         NotificationSettings `json:"notifications"`
	Tags                  []string             `json:"tags,omitempty"`
	Description           string               `json:"description,omitempty"`
	Enabled               bool                 `json:"enabled"`
	CreatedBy             string               `json:"created_by,omitempty"`
	CreatedAt             time.Time            `json:"created_at"`
}

// Key identifies the version lineage a policy belongs to.
func (p Policy) Key() string {
	if p.IsTypeWide() {
		return "type:" + p.ResourceType
	}
	return p.Resource
}

func (p Policy) IsTypeWide() bool {
	return p.Resource == "" || p.Resource == "*"
}

func (p Policy) Role(name string) (Role, bool) {
	for _, r := range p.Roles {
		if r.Name == name {
			return r, true
		}
	}
	return Role{}, false
}

type Role struct {
	Name        string       `json:"name"`
	Permissions []string     `json:"permissions"`
	Conditions  []Condition  `json:"conditions,omitempty"`
	Inheritance *Inheritance `json:"inheritance,omitempty"`
}

type Inheritance struct {
	ParentRoles        []string `json:"parent_roles"`
	InheritPermissions bool     `json:"inherit_permissions"`
}

// Condition is a conjunctive predicate. Empty fields match anything.
type Condition struct {
	Department            string           `json:"department,omitempty"`
	DataSensitivity       string           `json:"data_sensitivity,omitempty"`
	Location              string           `json:"location,omitempty"`
	JobLevel              string           `json:"job_level,omitempty"`
	ContractType          string           `json:"contract_type,omitempty"`
	SecurityClearance     string           `json:"security_clearance,omitempty"`
	TimeRestrictions      *TimeRestriction `json:"time_restrictions,omitempty"`
	IPRestrictions        []string         `json:"ip_restrictions,omitempty"`
	MFARequired           bool             `json:"mfa_required,omitempty"`
	JustificationRequired bool             `json:"justification_required,omitempty"`
}

type TimeRestriction struct {
	StartTime  string   `json:"start_time"`
	EndTime    string   `json:"end_time"`
	Timezone   string   `json:"timezone,omitempty"`
	DaysOfWeek []string `json:"days_of_week,omitempty"`
}

type ApprovalWorkflow struct {
	ApprovalRequired      bool                  `json:"approval_required"`
	Approvers             []Approver            `json:"approvers,omitempty"`
	AutoApproveConditions []AutoApproveCondition `json:"auto_approve_conditions,omitempty"`
	Escalation            *Escalation           `json:"escalation,omitempty"`
}

type Approver struct {
	Type  string `json:"type"`
	Value string `json:"value"`
	Order int    `json:"order"`
}

// AutoApproveCondition bypasses manual approval for low-risk requests.
type AutoApproveCondition struct {
	Department      string       `json:"department,omitempty"`
	DataSensitivity string       `json:"data_sensitivity,omitempty"`
	RequestDuration DurationSpec `json:"request_duration,omitempty"`
}

type Escalation struct {
	TimeoutHours   int    `json:"timeout_hours"`
	EscalateTo     string `json:"escalate_to"`
	EscalateToType string `json:"escalate_to_type,omitempty"`
}

type Renewal struct {
	AutoRenew               bool  `json:"auto_renew"`
	MaxRenewals             int   `json:"max_renewals"`
	RenewalApprovalRequired bool  `json:"renewal_approval_required"`
	RenewalNotificationDays []int `json:"renewal_notification_days,omitempty"`
}

type AuditSettings struct {
	Enabled       bool   `json:"enabled"`
	LogLevel      string `json:"log_level,omitempty"`
	RetentionDays int    `json:"retention_days,omitempty"`
}

type Compliance struct {
	Regulations           []string `json:"regulations,omitempty"`
	DataClassification    string   `json:"data_classification,omitempty"`
	EncryptionRequired    bool     `json:"encryption_required"`
	AccessLoggingRequired bool     `json:"access_logging_required"`
}

type NotificationSettings struct {
	AccessGranted  NotificationTarget `json:"access_granted"`
	AccessRevoked  NotificationTarget `json:"access_revoked"`
	AccessExpiring NotificationTarget `json:"access_expiring"`
}

type NotificationTarget struct {
	Recipients []string `json:"recipients,omitempty"`
	Template   string   `json:"template,omitempty"`
}

// PolicyBundle is the on-disk document format.
type PolicyBundle struct {
	AccessPolicies []Policy        `json:"access_policies"`
	Metadata       *BundleMetadata `json:"metadata,omitempty"`
}

type BundleMetadata struct {
	Version       string `json:"version,omitempty"`
	SchemaVersion string `json:"schema_version,omitempty"`
	Organization  string `json:"organization,omitempty"`
	Contact       string `json:"contact,omitempty"`
}

// ResolvedRole is a role with its inheritance flattened.
type ResolvedRole struct {
	Name        string      `json:"name"`
	Permissions []string    `json:"permissions"`
	Conditions  []Condition `json:"conditions,omitempty"`
	Lineage     []string    `json:"lineage,omitempty"`
}

// RequestAttributes are the requester properties matched against conditions.
type RequestAttributes struct {
	Department        string `json:"department,omitempty"`
	DataSensitivity   string `json:"data_sensitivity,omitempty"`
	Location          string `json:"location,omitempty"`
	JobLevel          string `json:"job_level,omitempty"`
	ContractType      string `json:"contract_type,omitempty"`
	SecurityClearance string `json:"security_clearance,omitempty"`
	Manager           string `json:"manager,omitempty"`
	SourceIP          string `json:"source_ip,omitempty"`
	MFAVerified       bool   `json:"mfa_verified,omitempty"`
}

const (
	RequestKindNew     = "new"
	RequestKindRenewal = "renewal"
)

type AccessRequest struct {
	ID                   string            `json:"id"`
	Kind                 string            `json:"kind"`
	RenewsGrantID        string            `json:"renews_grant_id,omitempty"`
	Requester            string            `json:"requester"`
	Resource             string            `json:"resource"`
	ResourceType         string            `json:"resource_type,omitempty"`
	RequestedRole        string            `json:"requested_role"`
	RequestedPermissions []string          `json:"requested_permissions,omitempty"`
	RequestedDuration    DurationSpec      `json:"requested_duration"`
	Justification        string            `json:"justification,omitempty"`
	Attributes           RequestAttributes `json:"attributes"`
	SubmittedAt          time.Time         `json:"submitted_at"`

	// ConditionsAt is the instant time windows are checked at; zero means SubmittedAt.
	ConditionsAt time.Time `json:"conditions_at,omitempty"`

	// RenewalApprovalRequired is carried from the renewed grant's policy.
	RenewalApprovalRequired bool `json:"renewal_approval_required,omitempty"`

	PolicyID      string          `json:"policy_id,omitempty"`
	PolicyVersion int             `json:"policy_version,omitempty"`
	Policy        *Policy         `json:"policy,omitempty"`
	Role          *ResolvedRole   `json:"role,omitempty"`
	MatchedBlock  int             `json:"matched_block"`
	Risk          *RiskAssessment `json:"risk,omitempty"`

	Status        RequestState `json:"status"`
	ReasonCode    string       `json:"reason_code,omitempty"`
	Reason        string       `json:"reason,omitempty"`
	Chain         []Approver   `json:"chain,omitempty"`
	Step          int          `json:"step"`
	StepStartedAt time.Time    `json:"step_started_at,omitempty"`
	Escalations   int          `json:"escalations"`
	GrantID       string       `json:"grant_id,omitempty"`
	Version       int64        `json:"version"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

// RiskAssessment is an advisory score attached at evaluation. It never
// changes the approval chain.
type RiskAssessment struct {
	Score           int      `json:"score"`
	Level           string   `json:"level"`
	AccessLevel     string   `json:"access_level"`
	Factors         []string `json:"factors"`
	Recommendations []string `json:"recommendations"`
	ComplianceNotes []string `json:"compliance_notes,omitempty"`
}

const (
	RiskLow    = "low"
	RiskMedium = "medium"
	RiskHigh   = "high"
)

// CurrentApprover returns the approver whose decision is awaited.
func (r AccessRequest) CurrentApprover() (Approver, bool) {
	if r.Status != StatePendingApproval || r.Step < 0 || r.Step >= len(r.Chain) {
		return Approver{}, false
	}
	return r.Chain[r.Step], true
}

func (r AccessRequest) Clone() AccessRequest {
	out := r
	out.RequestedPermissions = append([]string(nil), r.RequestedPermissions...)
	out.Chain = append([]Approver(nil), r.Chain...)
	return out
}

const (
	DecisionApprove = "approve"
	DecisionReject  = "reject"
)

type ApprovalDecision struct {
	ID        string    `json:"id"`
	RequestID string    `json:"request_id"`
	Step      int       `json:"step"`
	Approver  string    `json:"approver"`
	Decision  string    `json:"decision"`
	Comment   string    `json:"comment,omitempty"`
	DecidedAt time.Time `json:"decided_at"`
}

type Grant struct {
	ID                 string       `json:"id"`
	RequestID          string       `json:"request_id"`
	Principal          string       `json:"principal"`
	Resource           string       `json:"resource"`
	ResourceType       string       `json:"resource_type,omitempty"`
	Role               string       `json:"role"`
	Permissions        []string     `json:"permissions"`
	Duration           DurationSpec `json:"duration"`
	GrantedAt          time.Time    `json:"granted_at,omitempty"`
	ExpiresAt          time.Time    `json:"expires_at,omitempty"`
	RenewalCount       int          `json:"renewal_count"`
	RenewalRequestID   string       `json:"renewal_request_id,omitempty"`
	Status             GrantState   `json:"status"`
	ProvisionAttempts  int          `json:"provision_attempts"`
	LastError          string       `json:"last_error,omitempty"`
	NotifiedThresholds []int        `json:"notified_thresholds,omitempty"`
	TeardownPending    bool         `json:"teardown_pending,omitempty"`
	Version            int64        `json:"version"`
	UpdatedAt          time.Time    `json:"updated_at"`
}

func (g Grant) Clone() Grant {
	out := g
	out.Permissions = append([]string(nil), g.Permissions...)
	out.NotifiedThresholds = append([]int(nil), g.NotifiedThresholds...)
	return out
}

func (g Grant) Notified(days int) bool {
	for _, d := range g.NotifiedThresholds {
		if d == days {
			return true
		}
	}
	return false
}

const (
	EntityPolicy  = "policy"
	EntityRequest = "request"
	EntityGrant   = "grant"
)

// AuditEvent is an append-only record of one state transition.
type AuditEvent struct {
	Seq         int64           `json:"seq"`
	ID          string          `json:"id"`
	EntityID    string          `json:"entity_id"`
	EntityType  string          `json:"entity_type"`
	EventType   string          `json:"event_type"`
	Actor       string          `json:"actor"`
	FromState   string          `json:"from_state,omitempty"`
	ToState     string          `json:"to_state,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	OccurredAt  time.Time       `json:"occurred_at"`
	RetainUntil time.Time       `json:"retain_until"`
}

// Profile is what the identity source knows about a principal.
type Profile struct {
	Principal  string            `json:"principal"`
	Email      string            `json:"email,omitempty"`
	Attributes RequestAttributes `json:"attributes"`
	Roles      []string          `json:"roles,omitempty"`
}

// Notification is a delivery intent; the engine never waits for delivery.
type Notification struct {
	Template   string         `json:"template"`
	Recipients []string       `json:"recipients"`
	Context    map[string]any `json:"context,omitempty"`
}
