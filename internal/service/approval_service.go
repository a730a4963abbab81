package service

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/pesio-ai/be-ap-approvals/internal/apperrors"
	"github.com/pesio-ai/be-ap-approvals/internal/metrics"
	"github.com/pesio-ai/be-ap-approvals/internal/repository"
)

// ApprovalService is the top-level workflow state machine and transaction
// boundary. It is constructed once with injected collaborators; audit log and
// notifier may be nil.
type ApprovalService struct {
	store       ApprovalStore
	policies    PolicyStore
	engine      *PolicyEngine
	escalations *EscalationManager
	audit       AuditLog // optional
	notifier    Notifier // optional
	metrics     *metrics.Metrics
	log         zerolog.Logger

	// Expiry window applied when the matched policy declares no timeout.
	defaultTimeoutMinutes int
}

// NewApprovalService creates a new ApprovalService.
func NewApprovalService(
	store ApprovalStore,
	policies PolicyStore,
	engine *PolicyEngine,
	escalations *EscalationManager,
	audit AuditLog,
	notifier Notifier,
	m *metrics.Metrics,
	defaultTimeoutMinutes int,
	log zerolog.Logger,
) *ApprovalService {
	if m == nil {
		m = metrics.New(nil)
	}
	return &ApprovalService{
		store:                 store,
		policies:              policies,
		engine:                engine,
		escalations:           escalations,
		audit:                 audit,
		notifier:              notifier,
		metrics:               m,
		defaultTimeoutMinutes: defaultTimeoutMinutes,
		log:                   log,
	}
}

// RequestApprovalInput carries everything a caller supplies to open a workflow.
type RequestApprovalInput struct {
	RequestID    string         `json:"request_id"`
	ApprovalType string         `json:"approval_type"`
	Amount       *int64         `json:"amount,omitempty"`
	Currency     *string        `json:"currency,omitempty"`
	Context      map[string]any `json:"context,omitempty"`

	// Explicit policy override; skips matching when set.
	PolicyID *string `json:"policy_id,omitempty"`
}

// ── Workflow creation ─────────────────────────────────────────────────────────

// RequestApproval resolves a policy, snapshots its chain into a new
// ApprovalRequest and notifies the first participant.
func (s *ApprovalService) RequestApproval(ctx context.Context, input RequestApprovalInput) (*repository.ApprovalRequest, error) {
	if input.RequestID == "" {
		return nil, apperrors.InvalidInput("request_id", "is required")
	}
	if input.ApprovalType == "" {
		return nil, apperrors.InvalidInput("approval_type", "is required")
	}

	policy, err := s.resolvePolicy(ctx, input)
	if err != nil {
		return nil, err
	}

	if result := s.engine.ValidatePolicy(policy); !result.Valid {
		return nil, apperrors.Newf(apperrors.ErrCodePolicyInvalid,
			"policy %s failed validation: %s", policy.ID, strings.Join(result.Errors, "; "))
	}

	now := time.Now().UTC()
	participants := snapshotChain(policy.ApprovalChain)
	participants[0].NotifiedAt = &now

	timeout := s.defaultTimeoutMinutes
	if policy.TimeoutMinutes != nil {
		timeout = *policy.TimeoutMinutes
	}
	expiresAt := now.Add(time.Duration(timeout) * time.Minute)

	req := &repository.ApprovalRequest{
		ID:                   uuid.NewString(),
		RequestID:            input.RequestID,
		ApprovalType:         input.ApprovalType,
		PolicyID:             policy.ID,
		Status:               repository.StatusPending,
		CurrentApproverIndex: 0,
		Participants:         participants,
		EscalationHistory:    []repository.EscalationEntry{},
		Amount:               input.Amount,
		Currency:             input.Currency,
		Metadata:             input.Context,
		ExpiresAt:            &expiresAt,
	}

	if err := s.store.Create(ctx, req); err != nil {
		return nil, err
	}

	if s.notifier != nil {
		s.notifier.SendApprovalRequest(ctx, req, &req.Participants[0])
	}
	s.logEvent(ctx, req.ID, "approval_requested", map[string]any{
		"request_id":    req.RequestID,
		"approval_type": req.ApprovalType,
		"policy_id":     policy.ID,
		"amount":        input.Amount,
	})
	s.metrics.ApprovalsCreated.Inc()

	s.log.Info().
		Str("approval_id", req.ID).
		Str("request_id", req.RequestID).
		Str("policy_id", policy.ID).
		Int("chain_length", len(participants)).
		Msg("approval workflow created")

	return req, nil
}

func (s *ApprovalService) resolvePolicy(ctx context.Context, input RequestApprovalInput) (*repository.ApprovalPolicy, error) {
	if input.PolicyID != nil {
		policy, err := s.policies.FindByID(ctx, *input.PolicyID)
		if err != nil {
			return nil, err
		}
		if policy == nil {
			return nil, apperrors.Newf(apperrors.ErrCodePolicyNotFound,
				"approval policy %q not found", *input.PolicyID)
		}
		return policy, nil
	}

	policy, err := s.engine.FindMatchingPolicy(ctx, input.ApprovalType, input.Amount)
	if err != nil {
		return nil, err
	}
	if policy == nil {
		return nil, apperrors.Newf(apperrors.ErrCodeNoPolicy,
			"no approval policy matches type %q", input.ApprovalType)
	}
	return policy, nil
}

// snapshotChain copies a policy chain into request-owned participant state,
// ordered and renumbered sequentially. The copy is deliberate: later policy
// edits never alter an in-flight approval.
func snapshotChain(chain []repository.ApprovalParticipant) []repository.ApprovalParticipant {
	participants := append([]repository.ApprovalParticipant(nil), chain...)
	sort.SliceStable(participants, func(i, j int) bool {
		return participants[i].ApprovalOrder < participants[j].ApprovalOrder
	})
	for i := range participants {
		participants[i].ApprovalOrder = i + 1
		participants[i].NotifiedAt = nil
		participants[i].RespondedAt = nil
		participants[i].Decision = nil
		participants[i].Comments = nil
		participants[i].EscalationLoopCount = 0
	}
	return participants
}

// ── Decision submission ───────────────────────────────────────────────────────

// SubmitDecision records an approver's verdict and advances, finalizes or
// escalates the workflow. Only the participant at the current pointer may act,
// and only once.
func (s *ApprovalService) SubmitDecision(ctx context.Context, approvalID string, decision repository.ApprovalDecision) (*repository.ApprovalRequest, error) {
	req, err := s.store.GetByID(ctx, approvalID)
	if err != nil {
		return nil, err
	}
	if req.Status != repository.StatusPending {
		return nil, apperrors.Newf(apperrors.ErrCodeAlreadyDecided,
			"approval already finalized with status %s", req.Status)
	}

	current := req.CurrentParticipant()
	if current == nil {
		return nil, apperrors.New(apperrors.ErrCodeInvalidState,
			"no participant awaiting a decision")
	}
	if current.UserID != decision.ApproverID {
		return nil, apperrors.Newf(apperrors.ErrCodeInvalidApprover,
			"decision expected from %q, submitted by %q", current.UserID, decision.ApproverID)
	}
	if current.RespondedAt != nil {
		return nil, apperrors.Newf(apperrors.ErrCodeAlreadyResponded,
			"approver %q already responded", decision.ApproverID)
	}

	now := time.Now().UTC()
	verdict := decision.Decision
	current.Decision = &verdict
	current.RespondedAt = &now
	current.Comments = decision.Comments
	req.UpdatedAt = now

	// Policy flags drive require-all and rejection hand-off. A missing policy
	// fails closed to the simplest behavior.
	policy, err := s.policies.FindByID(ctx, req.PolicyID)
	if err != nil {
		return nil, err
	}

	var advancedTo *repository.ApprovalParticipant
	finalized := false

	switch verdict {
	case repository.DecisionApproved:
		advancedTo, finalized = s.applyApproval(req, policy, now)
	case repository.DecisionRejected:
		finalized, err = s.applyRejection(ctx, req, policy, decision, now)
		if err != nil {
			return nil, err
		}
	default:
		return nil, apperrors.InvalidInput("decision", fmt.Sprintf("unknown decision %q", verdict))
	}

	if err := s.store.Save(ctx, req); err != nil {
		return nil, err
	}

	s.metrics.DecisionsTotal.WithLabelValues(string(verdict)).Inc()
	if finalized {
		if s.notifier != nil {
			s.notifier.SendApprovalCompleted(ctx, req)
		}
		s.logEvent(ctx, req.ID, "approval_completed", map[string]any{
			"status":     req.Status,
			"decided_by": decision.ApproverID,
		})
	} else {
		if advancedTo != nil && s.notifier != nil {
			s.notifier.SendApprovalRequest(ctx, req, advancedTo)
		}
		s.logEvent(ctx, req.ID, "approval_decision_recorded", map[string]any{
			"approver": decision.ApproverID,
			"decision": verdict,
		})
	}

	s.log.Info().
		Str("approval_id", req.ID).
		Str("approver", decision.ApproverID).
		Str("decision", string(verdict)).
		Str("status", string(req.Status)).
		Msg("decision recorded")

	return req, nil
}

// applyApproval advances or finalizes after an approve verdict. Under
// require-all, approval is unanimous: once everyone has responded, any
// non-approve verdict among them yields REJECTED.
func (s *ApprovalService) applyApproval(req *repository.ApprovalRequest, policy *repository.ApprovalPolicy, now time.Time) (advancedTo *repository.ApprovalParticipant, finalized bool) {
	if policy == nil || !policy.RequireAllApprovers {
		s.finalize(req, repository.StatusApproved, now)
		return nil, true
	}

	if allResponded(req) {
		status := repository.StatusApproved
		if !allApproved(req) {
			status = repository.StatusRejected
		}
		req.CurrentApproverIndex = len(req.Participants)
		s.finalize(req, status, now)
		return nil, true
	}

	next := req.CurrentApproverIndex + 1
	if next >= len(req.Participants) {
		s.finalize(req, repository.StatusApproved, now)
		return nil, true
	}

	req.CurrentApproverIndex = next
	req.Participants[next].NotifiedAt = &now
	return &req.Participants[next], false
}

// applyRejection finalizes REJECTED, unless the policy turns the rejection
// into a hand-off and a target exists.
func (s *ApprovalService) applyRejection(ctx context.Context, req *repository.ApprovalRequest, policy *repository.ApprovalPolicy, decision repository.ApprovalDecision, now time.Time) (finalized bool, err error) {
	if policy != nil && policy.AutoEscalateOnRejection {
		entry, err := s.escalations.EscalateApproval(ctx, req, repository.ReasonRejection, decision.ApproverID, decision.Comments)
		if err != nil {
			return false, err
		}
		if entry != nil {
			s.metrics.EscalationsTotal.WithLabelValues(string(repository.ReasonRejection)).Inc()
			return false, nil
		}
		// Hand-off opportunity exhausted; the rejection stands.
	}

	s.finalize(req, repository.StatusRejected, now)
	return true, nil
}

func allResponded(req *repository.ApprovalRequest) bool {
	for i := range req.Participants {
		if req.Participants[i].RespondedAt == nil {
			return false
		}
	}
	return true
}

func allApproved(req *repository.ApprovalRequest) bool {
	for i := range req.Participants {
		d := req.Participants[i].Decision
		if d == nil || *d != repository.DecisionApproved {
			return false
		}
	}
	return true
}

func (s *ApprovalService) finalize(req *repository.ApprovalRequest, status repository.ApprovalStatus, now time.Time) {
	req.Status = status
	req.CompletedAt = &now
	req.UpdatedAt = now
}

// ── Manual escalation ─────────────────────────────────────────────────────────

// EscalateManually forces a hand-off regardless of the policy's auto-escalation
// flags. Fails with NO_ESCALATION_TARGET when no valid hand-off exists.
func (s *ApprovalService) EscalateManually(ctx context.Context, approvalID, escalatedBy string, comments *string) (*repository.ApprovalRequest, error) {
	req, err := s.store.GetByID(ctx, approvalID)
	if err != nil {
		return nil, err
	}

	entry, err := s.escalations.EscalateApproval(ctx, req, repository.ReasonManual, escalatedBy, comments)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return nil, apperrors.New(apperrors.ErrCodeNoEscalationTarget,
			"no valid escalation target available")
	}

	if err := s.store.Save(ctx, req); err != nil {
		return nil, err
	}

	s.metrics.EscalationsTotal.WithLabelValues(string(repository.ReasonManual)).Inc()
	s.logEvent(ctx, req.ID, "approval_escalated", map[string]any{
		"reason":       entry.Reason,
		"from":         entry.FromUserID,
		"to":           entry.ToUserID,
		"escalated_by": escalatedBy,
	})

	return req, nil
}

// ── Cancellation ──────────────────────────────────────────────────────────────

// CancelApproval withdraws an in-flight request. Only pending (or transiently
// escalated) requests can be cancelled.
func (s *ApprovalService) CancelApproval(ctx context.Context, approvalID, cancelledBy, reason string) (*repository.ApprovalRequest, error) {
	req, err := s.store.GetByID(ctx, approvalID)
	if err != nil {
		return nil, err
	}
	if req.Status != repository.StatusPending && req.Status != repository.StatusEscalated {
		return nil, apperrors.Newf(apperrors.ErrCodeInvalidState,
			"cannot cancel approval in status %s", req.Status)
	}

	now := time.Now().UTC()
	if req.Metadata == nil {
		req.Metadata = map[string]any{}
	}
	req.Metadata["cancelled_by"] = cancelledBy
	req.Metadata["cancel_reason"] = reason
	req.Metadata["cancelled_at"] = now.Format(time.RFC3339)
	s.finalize(req, repository.StatusCancelled, now)

	if err := s.store.Save(ctx, req); err != nil {
		return nil, err
	}

	s.logEvent(ctx, req.ID, "approval_cancelled", map[string]any{
		"cancelled_by": cancelledBy,
		"reason":       reason,
	})

	return req, nil
}

// ── Timeout sweep ─────────────────────────────────────────────────────────────

// ProcessTimeouts runs one sweep over pending requests past their expiry
// window: overdue approvers are escalated, and requests that have run out of
// chain while still pending are expired. Invoked by an external scheduler;
// safe to run concurrently with live decisions: a request advanced past
// timeout risk by a fresh decision simply no longer matches the pending query.
// Returns the number of requests escalated.
func (s *ApprovalService) ProcessTimeouts(ctx context.Context, batchSize int) (int, error) {
	start := time.Now()
	now := start.UTC()
	s.metrics.SweepRuns.Inc()
	defer func() {
		s.metrics.SweepDuration.Observe(time.Since(start).Seconds())
	}()

	pending, err := s.store.FindPending(ctx, now, batchSize)
	if err != nil {
		return 0, err
	}
	if len(pending) == 0 {
		return 0, nil
	}

	escalated := s.escalations.CheckTimeouts(ctx, pending, now)
	for _, req := range escalated {
		if err := s.store.Save(ctx, req); err != nil {
			return 0, err
		}
		last := req.EscalationHistory[len(req.EscalationHistory)-1]
		s.metrics.EscalationsTotal.WithLabelValues(string(repository.ReasonTimeout)).Inc()
		s.metrics.SweepEscalated.Inc()
		s.logEvent(ctx, req.ID, "approval_escalated", map[string]any{
			"reason": repository.ReasonTimeout,
			"from":   last.FromUserID,
			"to":     last.ToUserID,
		})
	}

	for _, req := range pending {
		if req.Status != repository.StatusPending || req.CurrentParticipant() != nil {
			continue
		}
		s.finalize(req, repository.StatusExpired, now)
		if err := s.store.Save(ctx, req); err != nil {
			return len(escalated), err
		}
		s.metrics.SweepExpired.Inc()
		s.logEvent(ctx, req.ID, "approval_expired", map[string]any{
			"expired_at": now.Format(time.RFC3339),
		})
	}

	s.log.Info().
		Int("pending", len(pending)).
		Int("escalated", len(escalated)).
		Msg("timeout sweep completed")

	return len(escalated), nil
}

// ── Queries ───────────────────────────────────────────────────────────────────

// GetApprovalStatus looks up a request by the external business key.
func (s *ApprovalService) GetApprovalStatus(ctx context.Context, requestID, approvalType string) (*repository.ApprovalRequest, error) {
	req, err := s.store.FindByRequestID(ctx, requestID, approvalType)
	if err != nil {
		return nil, err
	}
	if req == nil {
		return nil, apperrors.NotFound("approval_request", requestID)
	}
	return req, nil
}

// ApprovalChainView is the read-only composite returned by GetApprovalChain.
type ApprovalChainView struct {
	Request *repository.ApprovalRequest `json:"request"`
	Policy  *repository.ApprovalPolicy  `json:"policy,omitempty"`
	History []string                    `json:"history"`
}

// GetApprovalChain returns the request, its originating policy (when it still
// exists) and the escalation history as a flat log.
func (s *ApprovalService) GetApprovalChain(ctx context.Context, approvalID string) (*ApprovalChainView, error) {
	req, err := s.store.GetByID(ctx, approvalID)
	if err != nil {
		return nil, err
	}

	policy, err := s.policies.FindByID(ctx, req.PolicyID)
	if err != nil {
		s.log.Warn().Err(err).
			Str("approval_id", approvalID).
			Str("policy_id", req.PolicyID).
			Msg("could not load originating policy for chain view")
		policy = nil
	}

	history := make([]string, 0, len(req.EscalationHistory))
	for _, entry := range req.EscalationHistory {
		line := fmt.Sprintf("%s %s %s -> %s",
			entry.EscalatedAt.Format(time.RFC3339), entry.Reason, entry.FromUserID, entry.ToUserID)
		if entry.Comments != nil {
			line += ": " + *entry.Comments
		}
		history = append(history, line)
	}

	return &ApprovalChainView{Request: req, Policy: policy, History: history}, nil
}

// GetPendingForApprover returns all requests currently awaiting the given user.
func (s *ApprovalService) GetPendingForApprover(ctx context.Context, approverID string) ([]*repository.ApprovalRequest, error) {
	return s.store.FindPendingForApprover(ctx, approverID)
}

// ── Internal helpers ──────────────────────────────────────────────────────────

// logEvent writes an audit entry and logs a warning on failure; audit problems
// never interrupt approval operations.
func (s *ApprovalService) logEvent(ctx context.Context, approvalID, eventType string, data map[string]any) {
	if s.audit == nil {
		return
	}
	entry := &repository.AuditEntry{
		ID:         uuid.NewString(),
		ApprovalID: approvalID,
		EventType:  eventType,
		Data:       data,
	}
	if err := s.audit.LogEvent(ctx, entry); err != nil {
		s.log.Warn().Err(err).
			Str("approval_id", approvalID).
			Str("event_type", eventType).
			Msg("failed to write audit log entry")
	}
}
