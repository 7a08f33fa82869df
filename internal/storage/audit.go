package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// AuditRecord is one append-only entry in a case's history: a parse, a user
// correction, a resolution, a draft attempt. The full trail reconstructs how
// an order went from spreadsheet to draft.
type AuditRecord struct {
	ID        int64
	CaseID    string
	TenantID  string
	Actor     string // "system" or the user id that signed the change
	Action    string
	Detail    json.RawMessage
	CreatedAt time.Time
}

// Audit actions.
const (
	AuditParsed         = "parsed"
	AuditCorrected      = "corrected"
	AuditSelected       = "selected"
	AuditApproved       = "approved"
	AuditDraftCreated   = "draft-created"
	AuditDraftQueued    = "draft-queued"
	AuditDraftDuplicate = "draft-duplicate"
	AuditCancelled      = "cancelled"
	AuditFailed         = "failed"
	AuditTimedOut       = "timed-out"
	AuditReuploaded     = "reuploaded"
)

// AppendAudit writes one audit record.
func (db *DB) AppendAudit(ctx context.Context, rec *AuditRecord) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO audit_log (case_id, tenant_id, actor, action, detail)
		 VALUES ($1, $2, $3, $4, $5::jsonb)`,
		rec.CaseID, rec.TenantID, rec.Actor, rec.Action, nullable(rec.Detail),
	)
	if err != nil {
		return fmt.Errorf("storage: append audit: %w", err)
	}
	return nil
}

// AuditTrail returns a case's audit records in insertion order.
func (db *DB) AuditTrail(ctx context.Context, caseID string) ([]AuditRecord, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, case_id, tenant_id, actor, action, COALESCE(detail, 'null'::jsonb), created_at
		 FROM audit_log WHERE case_id = $1 ORDER BY id ASC`, caseID)
	if err != nil {
		return nil, fmt.Errorf("storage: audit trail: %w", err)
	}
	defer rows.Close()

	var out []AuditRecord
	for rows.Next() {
		var r AuditRecord
		if err := rows.Scan(&r.ID, &r.CaseID, &r.TenantID, &r.Actor, &r.Action, &r.Detail, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan audit record: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
