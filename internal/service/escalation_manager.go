package service

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/pesio-ai/be-ap-approvals/internal/apperrors"
	"github.com/pesio-ai/be-ap-approvals/internal/repository"
)

// maxEscalationLoops caps how many times the first approver may be replayed
// during repeated timeout escalations before the hand-off cycle is terminated.
const maxEscalationLoops = 3

// EscalationManager executes single escalation hand-offs and the periodic
// timeout sweep. It mutates requests in memory only; callers persist.
type EscalationManager struct {
	engine   *PolicyEngine
	policies PolicyStore
	notifier Notifier // optional
	log      zerolog.Logger

	// Fallback response window when neither the participant nor the policy
	// declares one.
	defaultTimeoutMinutes int
}

// NewEscalationManager creates a new EscalationManager.
func NewEscalationManager(engine *PolicyEngine, policies PolicyStore, notifier Notifier, defaultTimeoutMinutes int, log zerolog.Logger) *EscalationManager {
	return &EscalationManager{
		engine:                engine,
		policies:              policies,
		notifier:              notifier,
		defaultTimeoutMinutes: defaultTimeoutMinutes,
		log:                   log,
	}
}

// EscalateApproval hands the request off to a new participant.
//
// Returns the appended history entry on success, or (nil, nil) when the
// policy declined the escalation or no valid target exists; both are normal,
// policy-governed outcomes, not errors. Escalating a non-pending request is a
// programming error and fails with INVALID_STATE.
//
// The mutation is all-or-nothing from the caller's point of view: the history
// entry, the pointer advance, and the target placement happen together or not
// at all.
func (m *EscalationManager) EscalateApproval(
	ctx context.Context,
	req *repository.ApprovalRequest,
	reason repository.EscalationReason,
	triggeredBy string,
	comments *string,
) (*repository.EscalationEntry, error) {
	if req.Status != repository.StatusPending {
		return nil, apperrors.Newf(apperrors.ErrCodeInvalidState,
			"cannot escalate approval in status %s", req.Status)
	}

	current := req.CurrentParticipant()
	if current == nil {
		return nil, apperrors.New(apperrors.ErrCodeInvalidState,
			"no current approver to escalate from")
	}

	if !m.engine.ShouldEscalate(ctx, req, reason) {
		m.log.Debug().
			Str("approval_id", req.ID).
			Str("reason", string(reason)).
			Msg("escalation skipped by policy")
		return nil, nil
	}

	policy, err := m.policies.FindByID(ctx, req.PolicyID)
	if err != nil || policy == nil {
		m.log.Warn().
			Err(err).
			Str("approval_id", req.ID).
			Str("policy_id", req.PolicyID).
			Msg("policy unavailable for target selection; escalation skipped")
		return nil, nil
	}

	target := m.findEscalationTarget(policy, req, reason)
	if target == nil {
		return nil, nil
	}

	now := time.Now().UTC()
	entry := repository.EscalationEntry{
		Reason:      reason,
		FromUserID:  current.UserID,
		ToUserID:    target.UserID,
		TriggeredBy: triggeredBy,
		Comments:    comments,
		EscalatedAt: now,
	}

	fromUserID := current.UserID
	newIndex := req.CurrentApproverIndex + 1
	target.NotifiedAt = &now
	target.ApprovalOrder = newIndex + 1

	req.EscalationHistory = append(req.EscalationHistory, entry)
	if newIndex < len(req.Participants) {
		req.Participants[newIndex] = *target
	} else {
		req.Participants = append(req.Participants, *target)
	}
	req.CurrentApproverIndex = newIndex
	req.UpdatedAt = now

	m.log.Info().
		Str("approval_id", req.ID).
		Str("reason", string(reason)).
		Str("from", fromUserID).
		Str("to", target.UserID).
		Int("approver_index", newIndex).
		Msg("approval escalated")

	if m.notifier != nil {
		m.notifier.SendEscalationNotification(ctx, req, fromUserID, target.UserID, reason)
	}

	return &req.EscalationHistory[len(req.EscalationHistory)-1], nil
}

// findEscalationTarget selects the hand-off target, in priority order:
//  1. the first escalation-chain member not yet involved in the request,
//  2. the next entry in the primary chain beyond the current index,
//  3. for TIMEOUT only, a replay of the first approver with a loop counter,
//     bounded by maxEscalationLoops.
func (m *EscalationManager) findEscalationTarget(
	policy *repository.ApprovalPolicy,
	req *repository.ApprovalRequest,
	reason repository.EscalationReason,
) *repository.ApprovalParticipant {
	for _, member := range policy.EscalationChain {
		if !req.HasParticipant(member.UserID) {
			target := repository.ApprovalParticipant{
				UserID:                   member.UserID,
				Role:                     member.Role,
				ContactAddress:           member.ContactAddress,
				EscalationTimeoutMinutes: member.EscalationTimeoutMinutes,
			}
			return &target
		}
	}

	if next := req.CurrentApproverIndex + 1; next < len(req.Participants) {
		target := req.Participants[next]
		target.NotifiedAt = nil
		target.RespondedAt = nil
		target.Decision = nil
		target.Comments = nil
		return &target
	}

	if reason != repository.ReasonTimeout {
		return nil
	}

	// Last resort on timeout: replay the first approver. Bounded so a chain
	// that never answers cannot hand off forever.
	first := req.Participants[0]
	loops := 0
	for i := range req.Participants {
		if req.Participants[i].UserID == first.UserID && req.Participants[i].EscalationLoopCount > loops {
			loops = req.Participants[i].EscalationLoopCount
		}
	}
	if loops >= maxEscalationLoops {
		m.log.Error().
			Str("approval_id", req.ID).
			Str("approver", first.UserID).
			Int("loops", loops).
			Msg("escalation loop detected — terminating")
		return nil
	}

	target := repository.ApprovalParticipant{
		UserID:                   first.UserID,
		Role:                     first.Role,
		ContactAddress:           first.ContactAddress,
		EscalationTimeoutMinutes: first.EscalationTimeoutMinutes,
		EscalationLoopCount:      loops + 1,
	}
	return &target
}

// CheckTimeouts walks the given pending requests and escalates every one whose
// current approver has been notified longer ago than their response window.
// The window is the participant's own override, else the policy default, else
// the service default. Mutated requests are returned for the caller to
// persist; no storage I/O happens here.
func (m *EscalationManager) CheckTimeouts(
	ctx context.Context,
	pending []*repository.ApprovalRequest,
	now time.Time,
) []*repository.ApprovalRequest {
	var escalated []*repository.ApprovalRequest

	for _, req := range pending {
		if req.Status != repository.StatusPending {
			continue
		}
		current := req.CurrentParticipant()
		if current == nil || current.NotifiedAt == nil {
			continue
		}

		threshold := m.timeoutFor(ctx, req, current)
		elapsed := int(now.Sub(*current.NotifiedAt).Minutes())
		if elapsed < threshold {
			continue
		}

		comment := fmt.Sprintf("response overdue: %d minutes elapsed, threshold %d minutes", elapsed, threshold)
		entry, err := m.EscalateApproval(ctx, req, repository.ReasonTimeout, "system", &comment)
		if err != nil {
			m.log.Warn().Err(err).
				Str("approval_id", req.ID).
				Msg("timeout escalation failed")
			continue
		}
		if entry != nil {
			escalated = append(escalated, req)
		}
	}

	return escalated
}

func (m *EscalationManager) timeoutFor(ctx context.Context, req *repository.ApprovalRequest, participant *repository.ApprovalParticipant) int {
	if participant.EscalationTimeoutMinutes != nil {
		return *participant.EscalationTimeoutMinutes
	}
	policy, err := m.policies.FindByID(ctx, req.PolicyID)
	if err == nil && policy != nil && policy.TimeoutMinutes != nil {
		return *policy.TimeoutMinutes
	}
	return m.defaultTimeoutMinutes
}
