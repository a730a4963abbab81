package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/pesio-ai/be-ap-approvals/internal/apperrors"
	"github.com/pesio-ai/be-ap-approvals/internal/repository"
	"github.com/pesio-ai/be-ap-approvals/internal/service"
)

// AuditReader is the read side of the audit log consumed by the history endpoint.
type AuditReader interface {
	GetByApprovalID(ctx context.Context, approvalID string) ([]*repository.AuditEntry, error)
}

// HTTPHandler exposes the approval workflow and policy administration over HTTP.
type HTTPHandler struct {
	approvals *service.ApprovalService
	policies  *service.PolicyAdminService
	audit     AuditReader // optional
	log       zerolog.Logger
}

// NewHTTPHandler creates a new HTTP handler.
func NewHTTPHandler(approvals *service.ApprovalService, policies *service.PolicyAdminService, audit AuditReader, log zerolog.Logger) *HTTPHandler {
	return &HTTPHandler{
		approvals: approvals,
		policies:  policies,
		audit:     audit,
		log:       log,
	}
}

// Mount registers all routes on the given router.
func (h *HTTPHandler) Mount(r chi.Router) {
	r.Route("/api/v1/approvals", func(r chi.Router) {
		r.Post("/", h.RequestApproval)
		r.Get("/status", h.GetApprovalStatus)
		r.Get("/pending", h.GetPendingForApprover)
		r.Post("/{id}/decision", h.SubmitDecision)
		r.Post("/{id}/escalate", h.EscalateApproval)
		r.Post("/{id}/cancel", h.CancelApproval)
		r.Get("/{id}/chain", h.GetApprovalChain)
		r.Get("/{id}/audit", h.GetAuditTrail)
	})

	r.Route("/api/v1/policies", func(r chi.Router) {
		r.Get("/", h.ListPolicies)
		r.Post("/", h.CreatePolicy)
		r.Get("/{id}", h.GetPolicy)
		r.Put("/{id}", h.UpdatePolicy)
		r.Delete("/{id}", h.DeletePolicy)
	})
}

// ── Approval endpoints ────────────────────────────────────────────────────────

// RequestApproval opens a new approval workflow.
func (h *HTTPHandler) RequestApproval(w http.ResponseWriter, r *http.Request) {
	var input service.RequestApprovalInput
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		h.writeError(w, apperrors.InvalidInput("body", "invalid request body"))
		return
	}

	req, err := h.approvals.RequestApproval(r.Context(), input)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, req)
}

// SubmitDecision records an approver's verdict.
func (h *HTTPHandler) SubmitDecision(w http.ResponseWriter, r *http.Request) {
	approvalID := chi.URLParam(r, "id")

	var decision repository.ApprovalDecision
	if err := json.NewDecoder(r.Body).Decode(&decision); err != nil {
		h.writeError(w, apperrors.InvalidInput("body", "invalid request body"))
		return
	}
	if decision.ApproverID == "" {
		h.writeError(w, apperrors.InvalidInput("approver_id", "is required"))
		return
	}

	req, err := h.approvals.SubmitDecision(r.Context(), approvalID, decision)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, req)
}

// EscalateApproval forces a manual hand-off.
func (h *HTTPHandler) EscalateApproval(w http.ResponseWriter, r *http.Request) {
	approvalID := chi.URLParam(r, "id")

	var body struct {
		EscalatedBy string  `json:"escalated_by"`
		Comments    *string `json:"comments,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.writeError(w, apperrors.InvalidInput("body", "invalid request body"))
		return
	}
	if body.EscalatedBy == "" {
		h.writeError(w, apperrors.InvalidInput("escalated_by", "is required"))
		return
	}

	req, err := h.approvals.EscalateManually(r.Context(), approvalID, body.EscalatedBy, body.Comments)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, req)
}

// CancelApproval withdraws an in-flight request.
func (h *HTTPHandler) CancelApproval(w http.ResponseWriter, r *http.Request) {
	approvalID := chi.URLParam(r, "id")

	var body struct {
		CancelledBy string `json:"cancelled_by"`
		Reason      string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.writeError(w, apperrors.InvalidInput("body", "invalid request body"))
		return
	}
	if body.CancelledBy == "" {
		h.writeError(w, apperrors.InvalidInput("cancelled_by", "is required"))
		return
	}
	if body.Reason == "" {
		h.writeError(w, apperrors.InvalidInput("reason", "cancellation reason is required"))
		return
	}

	req, err := h.approvals.CancelApproval(r.Context(), approvalID, body.CancelledBy, body.Reason)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, req)
}

// GetApprovalStatus looks up a workflow by its external business key.
func (h *HTTPHandler) GetApprovalStatus(w http.ResponseWriter, r *http.Request) {
	requestID := r.URL.Query().Get("request_id")
	approvalType := r.URL.Query().Get("type")
	if requestID == "" || approvalType == "" {
		h.writeError(w, apperrors.InvalidInput("query", "request_id and type are required"))
		return
	}

	req, err := h.approvals.GetApprovalStatus(r.Context(), requestID, approvalType)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, req)
}

// GetApprovalChain returns the request with its policy and escalation log.
func (h *HTTPHandler) GetApprovalChain(w http.ResponseWriter, r *http.Request) {
	view, err := h.approvals.GetApprovalChain(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, view)
}

// GetPendingForApprover lists requests awaiting a given user.
func (h *HTTPHandler) GetPendingForApprover(w http.ResponseWriter, r *http.Request) {
	approverID := r.URL.Query().Get("approver_id")
	if approverID == "" {
		h.writeError(w, apperrors.InvalidInput("approver_id", "is required"))
		return
	}

	requests, err := h.approvals.GetPendingForApprover(r.Context(), approverID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"approvals": requests, "total": len(requests)})
}

// GetAuditTrail returns the audit log for an approval.
func (h *HTTPHandler) GetAuditTrail(w http.ResponseWriter, r *http.Request) {
	if h.audit == nil {
		h.writeJSON(w, http.StatusOK, map[string]any{"events": []any{}})
		return
	}
	entries, err := h.audit.GetByApprovalID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"events": entries})
}

// ── Policy administration ─────────────────────────────────────────────────────

// policyPayload is the JSON shape of a policy on the admin API.
type policyPayload struct {
	ID                      string                           `json:"id"`
	Name                    string                           `json:"name"`
	ApprovalType            string                           `json:"approval_type"`
	IsActive                *bool                            `json:"is_active,omitempty"`
	ApprovalChain           []repository.ApprovalParticipant `json:"approval_chain"`
	EscalationChain         []repository.ApprovalParticipant `json:"escalation_chain,omitempty"`
	AutoEscalateOnTimeout   bool                             `json:"auto_escalate_on_timeout"`
	AutoEscalateOnRejection bool                             `json:"auto_escalate_on_rejection"`
	RequireAllApprovers     bool                             `json:"require_all_approvers"`
	TimeoutMinutes          *int                             `json:"timeout_minutes,omitempty"`
	Thresholds              []repository.AmountThreshold     `json:"thresholds,omitempty"`
}

func (p *policyPayload) toPolicy() *repository.ApprovalPolicy {
	active := true
	if p.IsActive != nil {
		active = *p.IsActive
	}
	return &repository.ApprovalPolicy{
		ID:                      p.ID,
		Name:                    p.Name,
		ApprovalType:            p.ApprovalType,
		IsActive:                active,
		ApprovalChain:           p.ApprovalChain,
		EscalationChain:         p.EscalationChain,
		AutoEscalateOnTimeout:   p.AutoEscalateOnTimeout,
		AutoEscalateOnRejection: p.AutoEscalateOnRejection,
		RequireAllApprovers:     p.RequireAllApprovers,
		TimeoutMinutes:          p.TimeoutMinutes,
		Thresholds:              p.Thresholds,
	}
}

func policyToPayload(policy *repository.ApprovalPolicy) policyPayload {
	active := policy.IsActive
	return policyPayload{
		ID:                      policy.ID,
		Name:                    policy.Name,
		ApprovalType:            policy.ApprovalType,
		IsActive:                &active,
		ApprovalChain:           policy.ApprovalChain,
		EscalationChain:         policy.EscalationChain,
		AutoEscalateOnTimeout:   policy.AutoEscalateOnTimeout,
		AutoEscalateOnRejection: policy.AutoEscalateOnRejection,
		RequireAllApprovers:     policy.RequireAllApprovers,
		TimeoutMinutes:          policy.TimeoutMinutes,
		Thresholds:              policy.Thresholds,
	}
}

// CreatePolicy stores a new policy after validation.
func (h *HTTPHandler) CreatePolicy(w http.ResponseWriter, r *http.Request) {
	var payload policyPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		h.writeError(w, apperrors.InvalidInput("body", "invalid request body"))
		return
	}

	policy := payload.toPolicy()
	if err := h.policies.Create(r.Context(), policy); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, policyToPayload(policy))
}

// GetPolicy returns one policy.
func (h *HTTPHandler) GetPolicy(w http.ResponseWriter, r *http.Request) {
	policy, err := h.policies.GetByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, policyToPayload(policy))
}

// ListPolicies returns all policies, optionally only active ones.
func (h *HTTPHandler) ListPolicies(w http.ResponseWriter, r *http.Request) {
	activeOnly, _ := strconv.ParseBool(r.URL.Query().Get("active_only"))

	policies, err := h.policies.List(r.Context(), activeOnly)
	if err != nil {
		h.writeError(w, err)
		return
	}

	payloads := make([]policyPayload, 0, len(policies))
	for _, policy := range policies {
		payloads = append(payloads, policyToPayload(policy))
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"policies": payloads, "total": len(payloads)})
}

// UpdatePolicy persists changes to an existing policy.
func (h *HTTPHandler) UpdatePolicy(w http.ResponseWriter, r *http.Request) {
	var payload policyPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		h.writeError(w, apperrors.InvalidInput("body", "invalid request body"))
		return
	}
	payload.ID = chi.URLParam(r, "id")

	policy := payload.toPolicy()
	if err := h.policies.Update(r.Context(), policy); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, policyToPayload(policy))
}

// DeletePolicy removes a policy.
func (h *HTTPHandler) DeletePolicy(w http.ResponseWriter, r *http.Request) {
	if err := h.policies.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ── Response helpers ──────────────────────────────────────────────────────────

func (h *HTTPHandler) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.log.Warn().Err(err).Msg("failed to encode response")
	}
}

func (h *HTTPHandler) writeError(w http.ResponseWriter, err error) {
	code := apperrors.Code(err)
	status := statusForCode(code)
	if status >= http.StatusInternalServerError {
		h.log.Error().Err(err).Str("code", code).Msg("request failed")
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]string{"code": code, "message": err.Error()},
	})
}

func statusForCode(code string) int {
	switch code {
	case apperrors.ErrCodeInvalidInput, apperrors.ErrCodePolicyInvalid:
		return http.StatusBadRequest
	case apperrors.ErrCodeInvalidApprover:
		return http.StatusForbidden
	case apperrors.ErrCodeNotFound, apperrors.ErrCodePolicyNotFound:
		return http.StatusNotFound
	case apperrors.ErrCodeAlreadyDecided, apperrors.ErrCodeAlreadyResponded,
		apperrors.ErrCodeInvalidState, apperrors.ErrCodeConflict:
		return http.StatusConflict
	case apperrors.ErrCodeNoPolicy, apperrors.ErrCodeNoEscalationTarget:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
