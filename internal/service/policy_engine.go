package service

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/pesio-ai/be-ap-approvals/internal/repository"
)

// minPolicyTimeoutMinutes is the lowest default timeout a policy may declare.
const minPolicyTimeoutMinutes = 5

// PolicyEngine selects and validates approval policies. It is a pure reader:
// nothing here mutates a request or a policy.
type PolicyEngine struct {
	policies PolicyStore
	log      zerolog.Logger
}

// NewPolicyEngine creates a new PolicyEngine.
func NewPolicyEngine(policies PolicyStore, log zerolog.Logger) *PolicyEngine {
	return &PolicyEngine{policies: policies, log: log}
}

// FindMatchingPolicy returns the applicable policy for an approval request, or
// nil when no active policy matches. Candidates are filtered by exact type
// match, then by amount-band membership when an amount is given (a policy with
// no thresholds matches any amount; nil band bounds are unbounded).
//
// Tie-break among remaining candidates: the policy with the longest approval
// chain wins; more stages are assumed stricter. This is deliberate routing
// policy, not an incidental default. Equal chain lengths resolve to the
// smallest policy ID so matching never depends on storage order.
func (e *PolicyEngine) FindMatchingPolicy(ctx context.Context, approvalType string, amount *int64) (*repository.ApprovalPolicy, error) {
	policies, err := e.policies.FindAll(ctx, true)
	if err != nil {
		return nil, err
	}

	var best *repository.ApprovalPolicy
	for _, policy := range policies {
		if policy.ApprovalType != approvalType {
			continue
		}
		if amount != nil && !policyMatchesAmount(policy, *amount) {
			continue
		}
		if best == nil || betterMatch(policy, best) {
			best = policy
		}
	}

	if best == nil {
		e.log.Debug().
			Str("approval_type", approvalType).
			Msg("no matching approval policy")
	}
	return best, nil
}

func policyMatchesAmount(policy *repository.ApprovalPolicy, amount int64) bool {
	if len(policy.Thresholds) == 0 {
		return true
	}
	for _, band := range policy.Thresholds {
		if band.Contains(amount) {
			return true
		}
	}
	return false
}

func betterMatch(candidate, current *repository.ApprovalPolicy) bool {
	if len(candidate.ApprovalChain) != len(current.ApprovalChain) {
		return len(candidate.ApprovalChain) > len(current.ApprovalChain)
	}
	return candidate.ID < current.ID
}

// ValidationResult is the outcome of a structural policy check.
type ValidationResult struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors,omitempty"`
}

// ValidatePolicy runs structural integrity checks. It never fails hard: every
// violation is collected into the result. The orchestrator refuses to start a
// workflow on an invalid policy.
func (e *PolicyEngine) ValidatePolicy(policy *repository.ApprovalPolicy) ValidationResult {
	var errs []string

	if len(policy.ID) < 3 {
		errs = append(errs, "policy id must be at least 3 characters")
	}
	if len(policy.ApprovalChain) == 0 {
		errs = append(errs, "approval chain must not be empty")
	}

	primary := map[string]bool{}
	for _, p := range policy.ApprovalChain {
		if primary[p.UserID] {
			errs = append(errs, fmt.Sprintf("duplicate approver %q in approval chain", p.UserID))
		}
		primary[p.UserID] = true
	}

	escalation := map[string]bool{}
	for _, p := range policy.EscalationChain {
		if escalation[p.UserID] {
			errs = append(errs, fmt.Sprintf("duplicate approver %q in escalation chain", p.UserID))
		}
		escalation[p.UserID] = true
		if primary[p.UserID] {
			errs = append(errs, fmt.Sprintf("approver %q appears in both approval and escalation chains", p.UserID))
		}
	}

	if policy.TimeoutMinutes != nil && *policy.TimeoutMinutes < minPolicyTimeoutMinutes {
		errs = append(errs, fmt.Sprintf("timeout must be at least %d minutes", minPolicyTimeoutMinutes))
	}

	return ValidationResult{Valid: len(errs) == 0, Errors: errs}
}

// GetNextApprover returns the participant whose turn it is, or nil when the
// request is not pending or the pointer has run past the chain.
func (e *PolicyEngine) GetNextApprover(req *repository.ApprovalRequest) *repository.ApprovalParticipant {
	if req.Status != repository.StatusPending {
		return nil
	}
	return req.CurrentParticipant()
}

// ShouldEscalate reports whether the request's policy permits a hand-off for
// the given reason. MANUAL and THRESHOLD_EXCEEDED escalations are always
// permitted; TIMEOUT and REJECTION follow the policy flags. A request whose
// policy cannot be loaded fails closed.
func (e *PolicyEngine) ShouldEscalate(ctx context.Context, req *repository.ApprovalRequest, reason repository.EscalationReason) bool {
	switch reason {
	case repository.ReasonManual, repository.ReasonThresholdExceeded:
		return true
	}

	policy, err := e.policies.FindByID(ctx, req.PolicyID)
	if err != nil || policy == nil {
		e.log.Warn().
			Err(err).
			Str("approval_id", req.ID).
			Str("policy_id", req.PolicyID).
			Msg("policy unavailable for escalation check; failing closed")
		return false
	}

	switch reason {
	case repository.ReasonTimeout:
		return policy.AutoEscalateOnTimeout
	case repository.ReasonRejection:
		return policy.AutoEscalateOnRejection
	}
	return false
}
