package accesserr

import (
	"errors"
	"net/http"
)

var (
	ErrPolicyNotFound        = errors.New("policy not found")
	ErrRoleNotFound          = errors.New("role not found")
	ErrInheritanceCycle      = errors.New("role inheritance cycle")
	ErrInvalidPolicy         = errors.New("invalid policy")
	ErrConditionNotSatisfied = errors.New("condition not satisfied")
	ErrPolicyMismatch        = errors.New("request does not match policy")
	ErrDuplicateDecision     = errors.New("duplicate decision")
	ErrStaleApprovalStep     = errors.New("stale approval step")
	ErrApproverNotAuthorized = errors.New("approver not authorized for current step")
	ErrInvalidTransition     = errors.New("invalid state transition")
	ErrRequestNotFound       = errors.New("access request not found")
	ErrGrantNotFound         = errors.New("grant not found")
	ErrProvisioningFailed    = errors.New("provisioning failed")
	ErrAuditWriteFailed      = errors.New("audit write failed")
	ErrRateLimited           = errors.New("rate limited")
	ErrInvalidRequest        = errors.New("invalid request")
	ErrConcurrentUpdate      = errors.New("concurrent update")
)

var codes = []struct {
	err    error
	code   string
	status int
}{
	{ErrPolicyNotFound, "PolicyNotFound", http.StatusNotFound},
	{ErrRoleNotFound, "RoleNotFound", http.StatusUnprocessableEntity},
	{ErrInheritanceCycle, "InheritanceCycle", http.StatusUnprocessableEntity},
	{ErrInvalidPolicy, "InvalidPolicy", http.StatusBadRequest},
	{ErrConditionNotSatisfied, "ConditionNotSatisfied", http.StatusForbidden},
	{ErrPolicyMismatch, "PolicyMismatch", http.StatusUnprocessableEntity},
	{ErrDuplicateDecision, "DuplicateDecision", http.StatusConflict},
	{ErrStaleApprovalStep, "StaleApprovalStep", http.StatusConflict},
	{ErrApproverNotAuthorized, "ApproverNotAuthorized", http.StatusForbidden},
	{ErrInvalidTransition, "InvalidTransition", http.StatusConflict},
	{ErrRequestNotFound, "RequestNotFound", http.StatusNotFound},
	{ErrGrantNotFound, "GrantNotFound", http.StatusNotFound},
	{ErrProvisioningFailed, "ProvisioningFailed", http.StatusBadGateway},
	{ErrAuditWriteFailed, "AuditWriteFailed", http.StatusServiceUnavailable},
	{ErrRateLimited, "RateLimited", http.StatusTooManyRequests},
	{ErrInvalidRequest, "InvalidRequest", http.StatusBadRequest},
	{ErrConcurrentUpdate, "ConcurrentUpdate", http.StatusConflict},
}

// Code returns the reason code for err, or "Internal" when err is not one of ours.
func Code(err error) string {
	if err == nil {
		return ""
	}
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return "Internal"
}

func HTTPStatus(err error) int {
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.status
		}
	}
	return http.StatusInternalServerError
}

// Retryable reports whether the caller may retry the same operation later.
func Retryable(err error) bool {
	return errors.Is(err, ErrProvisioningFailed) || errors.Is(err, ErrStaleApprovalStep) || errors.Is(err, ErrConcurrentUpdate)
}
