package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/anthropics/governance-core/internal/domain"
)

// AuditRepo handles persistence for AuditRecord entries.
type AuditRepo struct{}

// Record inserts an audit record.
func (r *AuditRepo) Record(ctx context.Context, db *sql.DB, rec domain.AuditRecord) error {
	const q = `INSERT INTO audit_records (id, engine_id, privilege, category, subject, reason, severity, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := db.ExecContext(ctx, q,
		rec.ID,
		rec.EngineID,
		rec.Privilege,
		rec.Category,
		rec.Subject,
		rec.Reason,
		rec.Severity,
		rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("record audit: %w", err)
	}
	return nil
}

// ListByEngine returns all audit records for an engine, ordered by creation time.
func (r *AuditRepo) ListByEngine(ctx context.Context, db *sql.DB, engineID string) ([]domain.AuditRecord, error) {
	const q = `SELECT id, engine_id, privilege, category, subject, reason, severity, created_at
FROM audit_records
WHERE engine_id = ?
ORDER BY created_at ASC, rowid ASC`

	rows, err := db.QueryContext(ctx, q, engineID)
	if err != nil {
		return nil, fmt.Errorf("list audit records: %w", err)
	}
	defer rows.Close()

	var records []domain.AuditRecord
	for rows.Next() {
		var a domain.AuditRecord
		if err := rows.Scan(&a.ID, &a.EngineID, &a.Privilege, &a.Category, &a.Subject,
			&a.Reason, &a.Severity, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit record: %w", err)
		}
		records = append(records, a)
	}
	return records, rows.Err()
}
