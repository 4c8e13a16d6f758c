package store

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/anthropics/governance-core/internal/domain"
)

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := NewDB(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewDB: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestAuditRepo_RecordAndList(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	repo := &AuditRepo{}
	now := time.Now().UnixMilli()

	records := []domain.AuditRecord{
		{ID: "aud-1", EngineID: "tax-engine", Privilege: "standard", Category: "gateway", Subject: "bid:updated", Reason: domain.ReasonEventNotAllowed, Severity: "info", CreatedAt: now},
		{ID: "aud-2", EngineID: "tax-engine", Privilege: "standard", Category: "gateway", Subject: "tax:updated", Reason: domain.ReasonRateLimited, Severity: "info", CreatedAt: now + 1},
		{ID: "aud-3", EngineID: "ghost", Category: "gateway", Subject: "ui:displayInsight", Reason: domain.ReasonEngineNotRegistered, Severity: "warning", CreatedAt: now + 2},
	}

	for _, r := range records {
		if err := repo.Record(ctx, db, r); err != nil {
			t.Fatalf("Record %s: %v", r.ID, err)
		}
	}

	got, err := repo.ListByEngine(ctx, db, "tax-engine")
	if err != nil {
		t.Fatalf("ListByEngine: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 records, got %d", len(got))
	}
	if got[0].ID != "aud-1" {
		t.Errorf("first record ID = %q, want %q", got[0].ID, "aud-1")
	}
	if got[1].Reason != domain.ReasonRateLimited {
		t.Errorf("second record Reason = %q, want %q", got[1].Reason, domain.ReasonRateLimited)
	}
}

func TestAuditRepo_DuplicateID(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	repo := &AuditRepo{}

	rec := domain.AuditRecord{
		ID: "aud-dup", EngineID: "tax-engine", Category: "gateway",
		Subject: "tax:updated", CreatedAt: time.Now().UnixMilli(),
	}

	if err := repo.Record(ctx, db, rec); err != nil {
		t.Fatalf("first Record: %v", err)
	}

	if err := repo.Record(ctx, db, rec); err == nil {
		t.Error("expected error on duplicate ID, got nil")
	}
}

func TestAuditRepo_ListByEngine_Empty(t *testing.T) {
	db := newTestDB(t)

	got, err := (&AuditRepo{}).ListByEngine(context.Background(), db, "nonexistent")
	if err != nil {
		t.Fatalf("ListByEngine: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil for empty result, got %v", got)
	}
}
