package service

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/pesio-ai/be-ap-approvals/internal/apperrors"
	"github.com/pesio-ai/be-ap-approvals/internal/repository"
)

// In-memory collaborators for workflow tests. The approval store mirrors the
// version compare-and-swap of the real repository so concurrency guards are
// exercised the same way.

type memApprovalStore struct {
	requests map[string]*repository.ApprovalRequest
	saveErr  error
}

func newMemApprovalStore() *memApprovalStore {
	return &memApprovalStore{requests: map[string]*repository.ApprovalRequest{}}
}

func cloneRequest(req *repository.ApprovalRequest) *repository.ApprovalRequest {
	clone := *req
	clone.Participants = append([]repository.ApprovalParticipant(nil), req.Participants...)
	clone.EscalationHistory = append([]repository.EscalationEntry(nil), req.EscalationHistory...)
	if req.Metadata != nil {
		clone.Metadata = make(map[string]any, len(req.Metadata))
		for k, v := range req.Metadata {
			clone.Metadata[k] = v
		}
	}
	return &clone
}

func (s *memApprovalStore) Create(_ context.Context, req *repository.ApprovalRequest) error {
	req.Version = 1
	req.CreatedAt = time.Now().UTC()
	req.UpdatedAt = req.CreatedAt
	s.requests[req.ID] = cloneRequest(req)
	return nil
}

func (s *memApprovalStore) Save(_ context.Context, req *repository.ApprovalRequest) error {
	if s.saveErr != nil {
		return s.saveErr
	}
	stored, ok := s.requests[req.ID]
	if !ok {
		return apperrors.NotFound("approval_request", req.ID)
	}
	if stored.Version != req.Version {
		return apperrors.New(apperrors.ErrCodeConflict, "approval request was modified concurrently")
	}
	req.Version++
	s.requests[req.ID] = cloneRequest(req)
	return nil
}

func (s *memApprovalStore) GetByID(_ context.Context, id string) (*repository.ApprovalRequest, error) {
	stored, ok := s.requests[id]
	if !ok {
		return nil, apperrors.NotFound("approval_request", id)
	}
	return cloneRequest(stored), nil
}

func (s *memApprovalStore) FindByRequestID(_ context.Context, requestID, approvalType string) (*repository.ApprovalRequest, error) {
	var latest *repository.ApprovalRequest
	for _, stored := range s.requests {
		if stored.RequestID != requestID || stored.ApprovalType != approvalType {
			continue
		}
		if latest == nil || stored.CreatedAt.After(latest.CreatedAt) {
			latest = stored
		}
	}
	if latest == nil {
		return nil, nil
	}
	return cloneRequest(latest), nil
}

func (s *memApprovalStore) FindPending(_ context.Context, before time.Time, limit int) ([]*repository.ApprovalRequest, error) {
	var pending []*repository.ApprovalRequest
	for _, stored := range s.requests {
		if stored.Status != repository.StatusPending {
			continue
		}
		if stored.ExpiresAt == nil || stored.ExpiresAt.After(before) {
			continue
		}
		pending = append(pending, cloneRequest(stored))
		if len(pending) == limit {
			break
		}
	}
	return pending, nil
}

func (s *memApprovalStore) FindPendingForApprover(_ context.Context, approverID string) ([]*repository.ApprovalRequest, error) {
	var pending []*repository.ApprovalRequest
	for _, stored := range s.requests {
		if stored.Status != repository.StatusPending {
			continue
		}
		current := stored.CurrentParticipant()
		if current == nil || current.UserID != approverID {
			continue
		}
		pending = append(pending, cloneRequest(stored))
	}
	return pending, nil
}

type memPolicyStore struct {
	policies []*repository.ApprovalPolicy
}

func (s *memPolicyStore) FindAll(_ context.Context, activeOnly bool) ([]*repository.ApprovalPolicy, error) {
	var out []*repository.ApprovalPolicy
	for _, policy := range s.policies {
		if activeOnly && !policy.IsActive {
			continue
		}
		out = append(out, policy)
	}
	return out, nil
}

func (s *memPolicyStore) FindByID(_ context.Context, id string) (*repository.ApprovalPolicy, error) {
	for _, policy := range s.policies {
		if policy.ID == id {
			return policy, nil
		}
	}
	return nil, nil
}

type recordingAudit struct {
	entries []*repository.AuditEntry
}

func (a *recordingAudit) LogEvent(_ context.Context, entry *repository.AuditEntry) error {
	a.entries = append(a.entries, entry)
	return nil
}

func (a *recordingAudit) eventTypes() []string {
	types := make([]string, 0, len(a.entries))
	for _, entry := range a.entries {
		types = append(types, entry.EventType)
	}
	return types
}

type recordingNotifier struct {
	requested   []string // user IDs asked for a decision
	completed   int
	escalations []string // "from->to"
}

func (n *recordingNotifier) SendApprovalRequest(_ context.Context, _ *repository.ApprovalRequest, participant *repository.ApprovalParticipant) {
	n.requested = append(n.requested, participant.UserID)
}

func (n *recordingNotifier) SendApprovalCompleted(_ context.Context, _ *repository.ApprovalRequest) {
	n.completed++
}

func (n *recordingNotifier) SendEscalationNotification(_ context.Context, _ *repository.ApprovalRequest, from, to string, _ repository.EscalationReason) {
	n.escalations = append(n.escalations, fmt.Sprintf("%s->%s", from, to))
}

// ── builders ─────────────────────────────────────────────────────────────────

func intp(v int) *int       { return &v }
func i64p(v int64) *int64   { return &v }
func strp(v string) *string { return &v }

func chainOf(users ...string) []repository.ApprovalParticipant {
	out := make([]repository.ApprovalParticipant, len(users))
	for i, u := range users {
		out[i] = repository.ApprovalParticipant{UserID: u, Role: "approver", ApprovalOrder: i + 1}
	}
	return out
}

func testPolicy(id, approvalType string, approvers ...string) *repository.ApprovalPolicy {
	return &repository.ApprovalPolicy{
		ID:             id,
		Name:           id,
		ApprovalType:   approvalType,
		IsActive:       true,
		ApprovalChain:  chainOf(approvers...),
		TimeoutMinutes: intp(30),
	}
}

func newTestService(policies ...*repository.ApprovalPolicy) (*ApprovalService, *memApprovalStore, *recordingAudit, *recordingNotifier) {
	store := newMemApprovalStore()
	ps := &memPolicyStore{policies: policies}
	log := zerolog.Nop()
	engine := NewPolicyEngine(ps, log)
	audit := &recordingAudit{}
	notifier := &recordingNotifier{}
	escalations := NewEscalationManager(engine, ps, notifier, 60, log)
	svc := NewApprovalService(store, ps, engine, escalations, audit, notifier, nil, 60, log)
	return svc, store, audit, notifier
}
