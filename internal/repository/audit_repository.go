package repository

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pesio-ai/be-ap-approvals/internal/apperrors"
)

// AuditRepository appends and reads immutable approval audit log entries.
// Append is the only mutation operation exposed.
type AuditRepository struct {
	db *pgxpool.Pool
}

// NewAuditRepository creates a new AuditRepository.
func NewAuditRepository(db *pgxpool.Pool) *AuditRepository {
	return &AuditRepository{db: db}
}

// LogEvent inserts one audit entry.
func (r *AuditRepository) LogEvent(ctx context.Context, entry *AuditEntry) error {
	var dataJSON []byte
	if entry.Data != nil {
		var err error
		dataJSON, err = json.Marshal(entry.Data)
		if err != nil {
			return apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to marshal audit data")
		}
	}

	query := `
		INSERT INTO approval_audit_log (id, approval_id, event_type, data)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at
	`

	err := r.db.QueryRow(ctx, query,
		entry.ID,
		entry.ApprovalID,
		entry.EventType,
		dataJSON,
	).Scan(&entry.CreatedAt)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to append audit entry")
	}
	return nil
}

// GetByApprovalID returns the full audit trail for an approval, oldest first.
func (r *AuditRepository) GetByApprovalID(ctx context.Context, approvalID string) ([]*AuditEntry, error) {
	query := `
		SELECT id, approval_id, event_type, data, created_at
		FROM approval_audit_log
		WHERE approval_id = $1
		ORDER BY created_at ASC
	`

	rows, err := r.db.Query(ctx, query, approvalID)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to get audit log")
	}
	defer rows.Close()

	return r.scanRows(rows)
}

// ── scan helpers ──────────────────────────────────────────────────────────────

func (r *AuditRepository) scanRows(rows pgx.Rows) ([]*AuditEntry, error) {
	var entries []*AuditEntry
	for rows.Next() {
		entry := &AuditEntry{}
		var dataJSON []byte

		err := rows.Scan(
			&entry.ID,
			&entry.ApprovalID,
			&entry.EventType,
			&dataJSON,
			&entry.CreatedAt,
		)
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to scan audit entry")
		}

		if dataJSON != nil {
			if err := json.Unmarshal(dataJSON, &entry.Data); err != nil {
				return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to unmarshal audit data")
			}
		}
		entries = append(entries, entry)
	}
	return entries, nil
}
