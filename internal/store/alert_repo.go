package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/anthropics/governance-core/internal/domain"
)

// AlertRepo handles persistence for AlertRecord entries.
type AlertRepo struct{}

// Append inserts an alert and returns its row id.
func (r *AlertRepo) Append(ctx context.Context, db *sql.DB, rec domain.AlertRecord) (int64, error) {
	const q = `INSERT INTO alert_events (event_id, event_type, source, level, reason, payload_json, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?)`
	res, err := db.ExecContext(ctx, q,
		rec.EventID,
		rec.EventType,
		rec.Source,
		rec.Level,
		rec.Reason,
		rec.PayloadJSON,
		rec.CreatedAt,
	)
	if err != nil {
		return 0, fmt.Errorf("append alert: %w", err)
	}
	return res.LastInsertId()
}

// List returns up to limit of the most recent alerts, oldest first. An empty
// eventType matches every type; limit <= 0 means no limit.
func (r *AlertRepo) List(ctx context.Context, db *sql.DB, eventType string, limit int) ([]domain.AlertRecord, error) {
	const q = `SELECT id, event_id, event_type, source, level, reason, payload_json, created_at
FROM (
	SELECT * FROM alert_events
	WHERE (? = '' OR event_type = ?)
	ORDER BY id DESC
	LIMIT ?
)
ORDER BY id ASC`

	if limit <= 0 {
		limit = -1
	}
	rows, err := db.QueryContext(ctx, q, eventType, eventType, limit)
	if err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}
	defer rows.Close()

	var alerts []domain.AlertRecord
	for rows.Next() {
		var a domain.AlertRecord
		if err := rows.Scan(&a.ID, &a.EventID, &a.EventType, &a.Source, &a.Level,
			&a.Reason, &a.PayloadJSON, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan alert: %w", err)
		}
		alerts = append(alerts, a)
	}
	return alerts, rows.Err()
}
