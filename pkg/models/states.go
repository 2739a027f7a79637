package models

type RequestState string

const (
	StateSubmitted         RequestState = "submitted"
	StatePendingEvaluation RequestState = "pending_evaluation"
	StateAutoApproved      RequestState = "auto_approved"
	StatePendingApproval   RequestState = "pending_approval"
	StateApproved          RequestState = "approved"
	StateRejected          RequestState = "rejected"
	StateEscalated         RequestState = "escalated"
	StateExpiredUnapproved RequestState = "expired_unapproved"
)

func (s RequestState) Terminal() bool {
	switch s {
	case StateApproved, StateRejected, StateExpiredUnapproved:
		return true
	default:
		return false
	}
}

type GrantState string

const (
	GrantPendingProvisioning GrantState = "pending_provisioning"
	GrantActive              GrantState = "active"
	GrantRenewalPending      GrantState = "renewal_pending"
	GrantExpired             GrantState = "expired"
	GrantRevoked             GrantState = "revoked"
	GrantProvisioningFailed  GrantState = "provisioning_failed"
)

// Live reports whether the grant still represents provisioned access.
func (s GrantState) Live() bool {
	return s == GrantActive || s == GrantRenewalPending
}

func (s GrantState) Ended() bool {
	return s == GrantExpired || s == GrantRevoked || s == GrantProvisioningFailed
}
