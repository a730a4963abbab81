package repository

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pesio-ai/be-ap-approvals/internal/apperrors"
)

// ApprovalRepository persists workflow instances. Participants and escalation
// history travel as JSONB alongside the request row, so a request is always
// read and written as one unit.
//
// Save enforces a version-column compare-and-swap: two concurrent writers that
// both loaded version N cannot both commit. The service layer never retries a
// CONFLICT; the caller resubmits against fresh state.
type ApprovalRepository struct {
	db *pgxpool.Pool
}

// NewApprovalRepository creates a new ApprovalRepository.
func NewApprovalRepository(db *pgxpool.Pool) *ApprovalRepository {
	return &ApprovalRepository{db: db}
}

const approvalColumns = `
	id, request_id, approval_type, policy_id, status,
	current_approver_index, participants, escalation_history,
	amount, currency, metadata, version,
	created_at, updated_at, expires_at, completed_at
`

// Create inserts a new approval request with version 1.
func (r *ApprovalRepository) Create(ctx context.Context, req *ApprovalRequest) error {
	participants, history, metadata, err := marshalApprovalJSON(req)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO approval_requests
		    (id, request_id, approval_type, policy_id, status,
		     current_approver_index, participants, escalation_history,
		     amount, currency, metadata, version, expires_at)
		VALUES ($1, $2, $3, $4, $5::approval_status,
		        $6, $7, $8,
		        $9, $10, $11, 1, $12)
		RETURNING version, created_at, updated_at
	`

	err = r.db.QueryRow(ctx, query,
		req.ID,
		req.RequestID,
		req.ApprovalType,
		req.PolicyID,
		req.Status,
		req.CurrentApproverIndex,
		participants,
		history,
		req.Amount,
		req.Currency,
		metadata,
		req.ExpiresAt,
	).Scan(&req.Version, &req.CreatedAt, &req.UpdatedAt)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to create approval request")
	}
	return nil
}

// Save writes the full mutable state of a request, guarded by the version the
// caller loaded. A stale version yields CONFLICT; a missing row yields NOT_FOUND.
func (r *ApprovalRepository) Save(ctx context.Context, req *ApprovalRequest) error {
	participants, history, metadata, err := marshalApprovalJSON(req)
	if err != nil {
		return err
	}

	query := `
		UPDATE approval_requests
		SET status                 = $3::approval_status,
		    current_approver_index = $4,
		    participants           = $5,
		    escalation_history     = $6,
		    metadata               = $7,
		    expires_at             = $8,
		    completed_at           = $9,
		    version                = version + 1,
		    updated_at             = NOW()
		WHERE id = $1 AND version = $2
		RETURNING version, updated_at
	`

	err = r.db.QueryRow(ctx, query,
		req.ID,
		req.Version,
		req.Status,
		req.CurrentApproverIndex,
		participants,
		history,
		metadata,
		req.ExpiresAt,
		req.CompletedAt,
	).Scan(&req.Version, &req.UpdatedAt)
	if err == pgx.ErrNoRows {
		exists, existsErr := r.exists(ctx, req.ID)
		if existsErr != nil {
			return existsErr
		}
		if !exists {
			return apperrors.NotFound("approval_request", req.ID)
		}
		return apperrors.New(apperrors.ErrCodeConflict,
			"approval request was modified concurrently")
	}
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to save approval request")
	}
	return nil
}

// GetByID retrieves a request by its primary key.
func (r *ApprovalRepository) GetByID(ctx context.Context, id string) (*ApprovalRequest, error) {
	query := `SELECT ` + approvalColumns + ` FROM approval_requests WHERE id = $1`

	req, err := r.scanApproval(r.db.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, apperrors.NotFound("approval_request", id)
	}
	return req, err
}

// FindByRequestID looks up a request by the external business key.
// Returns nil when no approval exists for that key.
func (r *ApprovalRepository) FindByRequestID(ctx context.Context, requestID, approvalType string) (*ApprovalRequest, error) {
	query := `
		SELECT ` + approvalColumns + `
		FROM approval_requests
		WHERE request_id = $1 AND approval_type = $2
		ORDER BY created_at DESC
		LIMIT 1
	`

	req, err := r.scanApproval(r.db.QueryRow(ctx, query, requestID, approvalType))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	return req, err
}

// FindPending returns pending requests whose expiry window has passed,
// oldest first, capped at limit. This is the timeout sweep's input set.
func (r *ApprovalRepository) FindPending(ctx context.Context, before time.Time, limit int) ([]*ApprovalRequest, error) {
	query := `
		SELECT ` + approvalColumns + `
		FROM approval_requests
		WHERE status = 'PENDING'
		  AND expires_at <= $1
		ORDER BY expires_at ASC
		LIMIT $2
	`

	rows, err := r.db.Query(ctx, query, before, limit)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to query pending approvals")
	}
	defer rows.Close()

	return r.scanRows(rows)
}

// FindPendingForApprover returns pending requests whose current chain slot is
// assigned to the given user.
func (r *ApprovalRepository) FindPendingForApprover(ctx context.Context, approverID string) ([]*ApprovalRequest, error) {
	query := `
		SELECT ` + approvalColumns + `
		FROM approval_requests
		WHERE status = 'PENDING'
		  AND participants -> current_approver_index ->> 'user_id' = $1
		ORDER BY created_at ASC
	`

	rows, err := r.db.Query(ctx, query, approverID)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to query approver queue")
	}
	defer rows.Close()

	return r.scanRows(rows)
}

func (r *ApprovalRepository) exists(ctx context.Context, id string) (bool, error) {
	var found bool
	err := r.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM approval_requests WHERE id = $1)`, id).Scan(&found)
	if err != nil {
		return false, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to check approval existence")
	}
	return found, nil
}

// ── scan helpers ──────────────────────────────────────────────────────────────

func marshalApprovalJSON(req *ApprovalRequest) (participants, history, metadata []byte, err error) {
	participants, err = json.Marshal(req.Participants)
	if err != nil {
		return nil, nil, nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to marshal participants")
	}
	history, err = json.Marshal(req.EscalationHistory)
	if err != nil {
		return nil, nil, nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to marshal escalation history")
	}
	if req.Metadata != nil {
		metadata, err = json.Marshal(req.Metadata)
		if err != nil {
			return nil, nil, nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to marshal metadata")
		}
	}
	return participants, history, metadata, nil
}

type approvalScanner interface {
	Scan(dest ...any) error
}

func (r *ApprovalRepository) scanApproval(row approvalScanner) (*ApprovalRequest, error) {
	req := &ApprovalRequest{}
	var participantsJSON, historyJSON, metadataJSON []byte

	err := row.Scan(
		&req.ID,
		&req.RequestID,
		&req.ApprovalType,
		&req.PolicyID,
		&req.Status,
		&req.CurrentApproverIndex,
		&participantsJSON,
		&historyJSON,
		&req.Amount,
		&req.Currency,
		&metadataJSON,
		&req.Version,
		&req.CreatedAt,
		&req.UpdatedAt,
		&req.ExpiresAt,
		&req.CompletedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(participantsJSON, &req.Participants); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to unmarshal participants")
	}
	if err := json.Unmarshal(historyJSON, &req.EscalationHistory); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to unmarshal escalation history")
	}
	if metadataJSON != nil {
		if err := json.Unmarshal(metadataJSON, &req.Metadata); err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to unmarshal metadata")
		}
	}
	return req, nil
}

func (r *ApprovalRepository) scanRows(rows pgx.Rows) ([]*ApprovalRequest, error) {
	var requests []*ApprovalRequest
	for rows.Next() {
		req, err := r.scanApproval(rows)
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to scan approval request")
		}
		requests = append(requests, req)
	}
	return requests, nil
}
