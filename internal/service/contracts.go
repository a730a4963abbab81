package service

import (
	"context"
	"time"

	"github.com/pesio-ai/be-ap-approvals/internal/repository"
)

// Collaborator contracts consumed by the workflow core. The pgx repositories
// and the NATS publisher satisfy them in production; tests supply in-memory
// fakes. Audit log and notifier are optional capabilities; every call site
// nil-checks them so the core runs without live sinks.

// ApprovalStore persists workflow instances. Save must provide
// compare-and-swap semantics on the approval record: two concurrent writers
// that both observed the same pre-decision state cannot both commit.
type ApprovalStore interface {
	Create(ctx context.Context, req *repository.ApprovalRequest) error
	Save(ctx context.Context, req *repository.ApprovalRequest) error
	GetByID(ctx context.Context, id string) (*repository.ApprovalRequest, error)
	FindByRequestID(ctx context.Context, requestID, approvalType string) (*repository.ApprovalRequest, error)
	FindPending(ctx context.Context, before time.Time, limit int) ([]*repository.ApprovalRequest, error)
	FindPendingForApprover(ctx context.Context, approverID string) ([]*repository.ApprovalRequest, error)
}

// PolicyStore provides read access to approval policies.
type PolicyStore interface {
	FindAll(ctx context.Context, activeOnly bool) ([]*repository.ApprovalPolicy, error)
	FindByID(ctx context.Context, id string) (*repository.ApprovalPolicy, error)
}

// AuditLog records immutable workflow events. Optional.
type AuditLog interface {
	LogEvent(ctx context.Context, entry *repository.AuditEntry) error
}

// Notifier delivers approval notifications. Optional, and fire-and-forget:
// implementations swallow and log their own failures.
type Notifier interface {
	SendApprovalRequest(ctx context.Context, req *repository.ApprovalRequest, participant *repository.ApprovalParticipant)
	SendApprovalCompleted(ctx context.Context, req *repository.ApprovalRequest)
	SendEscalationNotification(ctx context.Context, req *repository.ApprovalRequest, from, to string, reason repository.EscalationReason)
}
