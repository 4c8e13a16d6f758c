// Package store provides optional SQLite-backed persistence of governance
// alerts and permission denials. The core itself is in-memory; the store is a
// collaborator that only observes it.
package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// schemaV1 defines the initial database schema.
const schemaV1 = `
CREATE TABLE IF NOT EXISTS alert_events (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	event_id     TEXT NOT NULL,
	event_type   TEXT NOT NULL,
	source       TEXT NOT NULL DEFAULT '',
	level        TEXT NOT NULL DEFAULT '',
	reason       TEXT NOT NULL DEFAULT '',
	payload_json TEXT NOT NULL DEFAULT '{}',
	created_at   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_alerts_type_created ON alert_events(event_type, created_at);

CREATE TABLE IF NOT EXISTS audit_records (
	id         TEXT PRIMARY KEY,
	engine_id  TEXT NOT NULL,
	privilege  TEXT NOT NULL DEFAULT '',
	category   TEXT NOT NULL,
	subject    TEXT NOT NULL,
	reason     TEXT NOT NULL DEFAULT '',
	severity   TEXT NOT NULL DEFAULT 'info',
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_engine ON audit_records(engine_id, created_at);
`

// NewDB opens a SQLite database at the given path with recommended pragmas
// and runs the V1 schema migration.
func NewDB(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Single writer.
	db.SetMaxOpenConns(1)

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate schema: %w", err)
	}

	return db, nil
}

func migrate(db *sql.DB) error {
	_, err := db.ExecContext(context.Background(), schemaV1)
	return err
}
