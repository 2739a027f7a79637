package workflow

import (
	"fmt"

	"accessgov/pkg/accesserr"
	"accessgov/pkg/models"
)

type Event string

// Request events.
const (
	EventEvaluated        Event = "evaluated"
	EventEvaluationFailed Event = "evaluation_failed"
	EventAutoApprove      Event = "auto_approve"
	EventRequireApproval  Event = "require_approval"
	EventFinalize         Event = "finalize"
	EventAdvance          Event = "advance"
	EventApprove          Event = "approve"
	EventReject           Event = "reject"
	EventEscalate         Event = "escalate"
	EventReassign         Event = "reassign"
	EventExpire           Event = "expire"
)

var requestTransitions = map[models.RequestState]map[Event]models.RequestState{
	models.StateSubmitted: {
		EventEvaluated:        models.StatePendingEvaluation,
		EventEvaluationFailed: models.StateRejected,
	},
	models.StatePendingEvaluation: {
		EventAutoApprove:     models.StateAutoApproved,
		EventRequireApproval: models.StatePendingApproval,
	},
	models.StateAutoApproved: {
		EventFinalize: models.StateApproved,
	},
	models.StatePendingApproval: {
		EventAdvance:  models.StatePendingApproval,
		EventApprove:  models.StateApproved,
		EventReject:   models.StateRejected,
		EventEscalate: models.StateEscalated,
		EventExpire:   models.StateExpiredUnapproved,
	},
	models.StateEscalated: {
		EventReassign: models.StatePendingApproval,
		EventExpire:   models.StateExpiredUnapproved,
	},
}

// Next returns the state reached from from on ev.
func Next(from models.RequestState, ev Event) (models.RequestState, error) {
	to, ok := requestTransitions[from][ev]
	if !ok {
		return from, fmt.Errorf("%w: request %s on %s", accesserr.ErrInvalidTransition, from, ev)
	}
	return to, nil
}

func CanTransition(from, to models.RequestState) bool {
	for _, next := range requestTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

type GrantEvent string

const (
	GrantEventProvisioned        GrantEvent = "provisioned"
	GrantEventProvisionFailed    GrantEvent = "provision_failed"
	GrantEventProvisionAbandoned GrantEvent = "provision_abandoned"
	GrantEventRenewalRequested   GrantEvent = "renewal_requested"
	GrantEventRenewed            GrantEvent = "renewed"
	GrantEventExpire             GrantEvent = "expire"
	GrantEventRevoke             GrantEvent = "revoke"
)

var grantTransitions = map[models.GrantState]map[GrantEvent]models.GrantState{
	models.GrantPendingProvisioning: {
		GrantEventProvisioned:        models.GrantActive,
		GrantEventProvisionFailed:    models.GrantPendingProvisioning,
		GrantEventProvisionAbandoned: models.GrantProvisioningFailed,
		GrantEventRevoke:             models.GrantRevoked,
	},
	models.GrantActive: {
		GrantEventRenewalRequested: models.GrantRenewalPending,
		GrantEventRenewed:          models.GrantActive,
		GrantEventExpire:           models.GrantExpired,
		GrantEventRevoke:           models.GrantRevoked,
	},
	models.GrantRenewalPending: {
		GrantEventRenewed: models.GrantActive,
		GrantEventExpire:  models.GrantExpired,
		GrantEventRevoke:  models.GrantRevoked,
	},
}

func NextGrant(from models.GrantState, ev GrantEvent) (models.GrantState, error) {
	to, ok := grantTransitions[from][ev]
	if !ok {
		return from, fmt.Errorf("%w: grant %s on %s", accesserr.ErrInvalidTransition, from, ev)
	}
	return to, nil
}
