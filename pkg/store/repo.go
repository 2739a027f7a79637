package store

import (
	"context"
	"sort"

	"accessgov/pkg/models"
)

// Change is one atomic unit of work: entity writes plus the audit events
// describing them. Either everything is persisted or nothing is.
type Change struct {
	Request *models.AccessRequest
	// ExpectRequestVersion 0 inserts Request; otherwise the stored version must match.
	ExpectRequestVersion int64
	Decision             *models.ApprovalDecision
	Grant                *models.Grant
	ExpectGrantVersion   int64
	Events               []models.AuditEvent
}

type RequestFilter struct {
	Requester string
	Resource  string
	Status    []models.RequestState
	Limit     int
}

func (f RequestFilter) Match(r models.AccessRequest) bool {
	if f.Requester != "" && r.Requester != f.Requester {
		return false
	}
	if f.Resource != "" && r.Resource != f.Resource {
		return false
	}
	if len(f.Status) == 0 {
		return true
	}
	for _, s := range f.Status {
		if r.Status == s {
			return true
		}
	}
	return false
}

type GrantFilter struct {
	Principal string
	Resource  string
	RequestID string
	Status    []models.GrantState
	Limit     int
}

func (f GrantFilter) Match(g models.Grant) bool {
	if f.Principal != "" && g.Principal != f.Principal {
		return false
	}
	if f.Resource != "" && g.Resource != f.Resource {
		return false
	}
	if f.RequestID != "" && g.RequestID != f.RequestID {
		return false
	}
	if len(f.Status) == 0 {
		return true
	}
	for _, s := range f.Status {
		if g.Status == s {
			return true
		}
	}
	return false
}

// Repo persists requests, decisions and grants. Commit bumps the Version of
// the entities it writes and stores the new value in the Change.
type Repo interface {
	Commit(ctx context.Context, c *Change) error
	Request(ctx context.Context, id string) (models.AccessRequest, error)
	Requests(ctx context.Context, f RequestFilter) ([]models.AccessRequest, error)
	Decisions(ctx context.Context, requestID string) ([]models.ApprovalDecision, error)
	Grant(ctx context.Context, id string) (models.Grant, error)
	Grants(ctx context.Context, f GrantFilter) ([]models.Grant, error)
}

func sortRequests(rs []models.AccessRequest) {
	sort.SliceStable(rs, func(i, j int) bool {
		if !rs[i].SubmittedAt.Equal(rs[j].SubmittedAt) {
			return rs[i].SubmittedAt.Before(rs[j].SubmittedAt)
		}
		return rs[i].ID < rs[j].ID
	})
}

func sortGrants(gs []models.Grant) {
	sort.SliceStable(gs, func(i, j int) bool {
		if !gs[i].ExpiresAt.Equal(gs[j].ExpiresAt) {
			return gs[i].ExpiresAt.Before(gs[j].ExpiresAt)
		}
		return gs[i].ID < gs[j].ID
	})
}
