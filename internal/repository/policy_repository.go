package repository

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pesio-ai/be-ap-approvals/internal/apperrors"
)

// PolicyRepository handles CRUD for approval_policies. Chains and thresholds
// are stored as JSONB arrays; the policy engine reads them through the
// in-memory cache, not from here directly.
type PolicyRepository struct {
	db *pgxpool.Pool
}

// NewPolicyRepository creates a new PolicyRepository.
func NewPolicyRepository(db *pgxpool.Pool) *PolicyRepository {
	return &PolicyRepository{db: db}
}

const policyColumns = `
	id, name, approval_type, is_active,
	approval_chain, escalation_chain,
	auto_escalate_on_timeout, auto_escalate_on_rejection, require_all_approvers,
	timeout_minutes, thresholds, created_at, updated_at
`

// Create inserts a new policy.
func (r *PolicyRepository) Create(ctx context.Context, policy *ApprovalPolicy) error {
	chain, escalation, thresholds, err := marshalPolicyJSON(policy)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO approval_policies
		    (id, name, approval_type, is_active,
		     approval_chain, escalation_chain,
		     auto_escalate_on_timeout, auto_escalate_on_rejection, require_all_approvers,
		     timeout_minutes, thresholds)
		VALUES ($1, $2, $3, $4,
		        $5, $6,
		        $7, $8, $9,
		        $10, $11)
		RETURNING created_at, updated_at
	`

	err = r.db.QueryRow(ctx, query,
		policy.ID,
		policy.Name,
		policy.ApprovalType,
		policy.IsActive,
		chain,
		escalation,
		policy.AutoEscalateOnTimeout,
		policy.AutoEscalateOnRejection,
		policy.RequireAllApprovers,
		policy.TimeoutMinutes,
		thresholds,
	).Scan(&policy.CreatedAt, &policy.UpdatedAt)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to create approval policy")
	}
	return nil
}

// FindByID retrieves a policy by primary key. Returns nil when absent.
func (r *PolicyRepository) FindByID(ctx context.Context, id string) (*ApprovalPolicy, error) {
	query := `SELECT ` + policyColumns + ` FROM approval_policies WHERE id = $1`

	policy, err := r.scanPolicy(r.db.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	return policy, err
}

// FindAll returns all policies, optionally filtered to active only.
func (r *PolicyRepository) FindAll(ctx context.Context, activeOnly bool) ([]*ApprovalPolicy, error) {
	query := `SELECT ` + policyColumns + ` FROM approval_policies`
	if activeOnly {
		query += ` WHERE is_active = TRUE`
	}
	query += ` ORDER BY id ASC`

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to list approval policies")
	}
	defer rows.Close()

	var policies []*ApprovalPolicy
	for rows.Next() {
		policy, err := r.scanPolicy(rows)
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to scan approval policy")
		}
		policies = append(policies, policy)
	}
	return policies, nil
}

// Update persists changes to an existing policy.
func (r *PolicyRepository) Update(ctx context.Context, policy *ApprovalPolicy) error {
	chain, escalation, thresholds, err := marshalPolicyJSON(policy)
	if err != nil {
		return err
	}

	query := `
		UPDATE approval_policies
		SET name                       = $2,
		    approval_type              = $3,
		    is_active                  = $4,
		    approval_chain             = $5,
		    escalation_chain           = $6,
		    auto_escalate_on_timeout   = $7,
		    auto_escalate_on_rejection = $8,
		    require_all_approvers      = $9,
		    timeout_minutes            = $10,
		    thresholds                 = $11,
		    updated_at                 = NOW()
		WHERE id = $1
		RETURNING updated_at
	`

	err = r.db.QueryRow(ctx, query,
		policy.ID,
		policy.Name,
		policy.ApprovalType,
		policy.IsActive,
		chain,
		escalation,
		policy.AutoEscalateOnTimeout,
		policy.AutoEscalateOnRejection,
		policy.RequireAllApprovers,
		policy.TimeoutMinutes,
		thresholds,
	).Scan(&policy.UpdatedAt)
	if err == pgx.ErrNoRows {
		return apperrors.NotFound("approval_policy", policy.ID)
	}
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to update approval policy")
	}
	return nil
}

// Delete removes a policy. In-flight requests keep their participant snapshot,
// so deleting a policy never alters them.
func (r *PolicyRepository) Delete(ctx context.Context, id string) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM approval_policies WHERE id = $1`, id)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to delete approval policy")
	}
	if tag.RowsAffected() == 0 {
		return apperrors.NotFound("approval_policy", id)
	}
	return nil
}

// ── scan helpers ─────────────────────────────────────────────────────────────

func marshalPolicyJSON(policy *ApprovalPolicy) (chain, escalation, thresholds []byte, err error) {
	chain, err = json.Marshal(policy.ApprovalChain)
	if err != nil {
		return nil, nil, nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to marshal approval chain")
	}
	escalation, err = json.Marshal(policy.EscalationChain)
	if err != nil {
		return nil, nil, nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to marshal escalation chain")
	}
	thresholds, err = json.Marshal(policy.Thresholds)
	if err != nil {
		return nil, nil, nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to marshal thresholds")
	}
	return chain, escalation, thresholds, nil
}

type policyScanner interface {
	Scan(dest ...any) error
}

func (r *PolicyRepository) scanPolicy(row policyScanner) (*ApprovalPolicy, error) {
	policy := &ApprovalPolicy{}
	var chainJSON, escalationJSON, thresholdsJSON []byte

	err := row.Scan(
		&policy.ID,
		&policy.Name,
		&policy.ApprovalType,
		&policy.IsActive,
		&chainJSON,
		&escalationJSON,
		&policy.AutoEscalateOnTimeout,
		&policy.AutoEscalateOnRejection,
		&policy.RequireAllApprovers,
		&policy.TimeoutMinutes,
		&thresholdsJSON,
		&policy.CreatedAt,
		&policy.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(chainJSON, &policy.ApprovalChain); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to unmarshal approval chain")
	}
	if err := json.Unmarshal(escalationJSON, &policy.EscalationChain); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to unmarshal escalation chain")
	}
	if err := json.Unmarshal(thresholdsJSON, &policy.Thresholds); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to unmarshal thresholds")
	}
	return policy, nil
}
