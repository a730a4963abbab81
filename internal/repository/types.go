package repository

import "time"

// ── Domain types for the approval workflow ───────────────────────────────────

// ApprovalStatus is the state of a workflow instance. ESCALATED is transient:
// an escalation mutates a still-pending request and moves the approver pointer,
// so it never rests in that state. The other non-pending statuses are terminal.
type ApprovalStatus string

const (
	StatusPending   ApprovalStatus = "PENDING"
	StatusApproved  ApprovalStatus = "APPROVED"
	StatusRejected  ApprovalStatus = "REJECTED"
	StatusEscalated ApprovalStatus = "ESCALATED"
	StatusCancelled ApprovalStatus = "CANCELLED"
	StatusExpired   ApprovalStatus = "EXPIRED"
)

// IsTerminal reports whether no further mutation of the request is allowed.
func (s ApprovalStatus) IsTerminal() bool {
	switch s {
	case StatusApproved, StatusRejected, StatusCancelled, StatusExpired:
		return true
	}
	return false
}

// Decision is an individual approver's verdict.
type Decision string

const (
	DecisionApproved Decision = "approved"
	DecisionRejected Decision = "rejected"
)

// EscalationReason classifies why a hand-off happened.
type EscalationReason string

const (
	ReasonTimeout           EscalationReason = "TIMEOUT"
	ReasonRejection         EscalationReason = "REJECTION"
	ReasonManual            EscalationReason = "MANUAL"
	ReasonThresholdExceeded EscalationReason = "THRESHOLD_EXCEEDED"
)

// AmountThreshold is one amount band of a policy. Amounts are in cents;
// nil bounds are unbounded (min defaults to -inf, max to +inf).
type AmountThreshold struct {
	MinAmount *int64   `json:"min_amount,omitempty"`
	MaxAmount *int64   `json:"max_amount,omitempty"`
	Approvers []string `json:"approvers,omitempty"`
}

// Contains reports whether amount falls inside the band.
func (t AmountThreshold) Contains(amount int64) bool {
	if t.MinAmount != nil && amount < *t.MinAmount {
		return false
	}
	if t.MaxAmount != nil && amount >= *t.MaxAmount {
		return false
	}
	return true
}

// ApprovalParticipant is one chain slot. The identity/role/order fields come
// from the policy template; the runtime fields are only populated once the
// participant is attached to a live request.
type ApprovalParticipant struct {
	UserID         string `json:"user_id"`
	Role           string `json:"role"`
	ContactAddress string `json:"contact_address,omitempty"`
	ApprovalOrder  int    `json:"approval_order"`

	// Per-participant override of the policy timeout, in minutes.
	EscalationTimeoutMinutes *int `json:"escalation_timeout_minutes,omitempty"`

	// Runtime state, mutated in place on a live request.
	NotifiedAt  *time.Time `json:"notified_at,omitempty"`
	RespondedAt *time.Time `json:"responded_at,omitempty"`
	Decision    *Decision  `json:"decision,omitempty"`
	Comments    *string    `json:"comments,omitempty"`

	// Counts first-approver replays during timeout escalation; capped at 3.
	EscalationLoopCount int `json:"escalation_loop_count,omitempty"`
}

// ApprovalPolicy is immutable-per-version routing configuration. The core
// only reads it; administrators edit it through the policy admin surface.
type ApprovalPolicy struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	ApprovalType string `json:"approval_type"`
	IsActive     bool   `json:"is_active"`

	ApprovalChain   []ApprovalParticipant `json:"approval_chain"`
	EscalationChain []ApprovalParticipant `json:"escalation_chain,omitempty"`

	AutoEscalateOnTimeout   bool `json:"auto_escalate_on_timeout"`
	AutoEscalateOnRejection bool `json:"auto_escalate_on_rejection"`
	RequireAllApprovers     bool `json:"require_all_approvers"`

	// Default response window in minutes; must be >= 5 when set.
	TimeoutMinutes *int `json:"timeout_minutes,omitempty"`

	Thresholds []AmountThreshold `json:"thresholds,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// EscalationEntry is one append-only record of a hand-off.
type EscalationEntry struct {
	Reason      EscalationReason `json:"reason"`
	FromUserID  string           `json:"from_user_id"`
	ToUserID    string           `json:"to_user_id"`
	TriggeredBy string           `json:"triggered_by"`
	Comments    *string          `json:"comments,omitempty"`
	EscalatedAt time.Time        `json:"escalated_at"`
}

// ApprovalRequest is the mutable workflow instance. Participants are a
// snapshot of the policy chain taken at creation time; later policy edits
// never alter an in-flight request.
type ApprovalRequest struct {
	ID           string         `json:"id"`
	RequestID    string         `json:"request_id"` // external business-object key
	ApprovalType string         `json:"approval_type"`
	PolicyID     string         `json:"policy_id"`
	Status       ApprovalStatus `json:"status"`

	// Index into Participants of whose turn it is. Valid while PENDING, or
	// len(Participants) once every required participant has responded.
	CurrentApproverIndex int `json:"current_approver_index"`

	Participants      []ApprovalParticipant `json:"participants"`
	EscalationHistory []EscalationEntry     `json:"escalation_history"`

	Amount   *int64         `json:"amount,omitempty"`
	Currency *string        `json:"currency,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`

	// Optimistic-concurrency token; Save refuses stale writes.
	Version int64 `json:"version"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// CurrentParticipant returns the participant the pointer rests on, or nil
// when the pointer has run past the chain.
func (r *ApprovalRequest) CurrentParticipant() *ApprovalParticipant {
	if r.CurrentApproverIndex < 0 || r.CurrentApproverIndex >= len(r.Participants) {
		return nil
	}
	return &r.Participants[r.CurrentApproverIndex]
}

// HasParticipant reports whether a user already occupies any chain slot.
func (r *ApprovalRequest) HasParticipant(userID string) bool {
	for i := range r.Participants {
		if r.Participants[i].UserID == userID {
			return true
		}
	}
	return false
}

// ApprovalDecision is the transient input to decision submission.
type ApprovalDecision struct {
	ApproverID string    `json:"approver_id"`
	Decision   Decision  `json:"decision"`
	Comments   *string   `json:"comments,omitempty"`
	DecidedAt  time.Time `json:"decided_at,omitempty"`
}

// AuditEntry is one immutable record in the approval audit log.
type AuditEntry struct {
	ID         string         `json:"id"`
	ApprovalID string         `json:"approval_id"`
	EventType  string         `json:"event_type"` // approval_requested | approval_decision_recorded | ...
	Data       map[string]any `json:"data,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}
