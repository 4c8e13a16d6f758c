package store

import (
	"context"
	"testing"

	"github.com/anthropics/governance-core/internal/domain"
)

func TestAlertRepo_AppendAndList(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	repo := &AlertRepo{}

	types := []domain.EventType{
		domain.EventStabilityAlert,
		domain.EventSafetyBreak,
		domain.EventStabilityAlert,
		domain.EventFallbackEngaged,
	}
	for i, et := range types {
		id, err := repo.Append(ctx, db, domain.AlertRecord{
			EventID:     "ev-" + string(rune('a'+i)),
			EventType:   string(et),
			Source:      "safety-breaker",
			Level:       "warning",
			PayloadJSON: "{}",
			CreatedAt:   int64(1000 + i),
		})
		if err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
		if id != int64(i+1) {
			t.Errorf("Append %d id = %d, want %d", i, id, i+1)
		}
	}

	all, err := repo.List(ctx, db, "", 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 4 {
		t.Fatalf("expected 4 alerts, got %d", len(all))
	}
	if all[0].EventID != "ev-a" || all[3].EventID != "ev-d" {
		t.Errorf("alerts not oldest first: %q .. %q", all[0].EventID, all[3].EventID)
	}

	last2, err := repo.List(ctx, db, "", 2)
	if err != nil {
		t.Fatalf("List limit: %v", err)
	}
	if len(last2) != 2 || last2[0].EventID != "ev-c" || last2[1].EventID != "ev-d" {
		t.Errorf("List(limit 2) = %+v, want ev-c, ev-d", last2)
	}

	stability, err := repo.List(ctx, db, string(domain.EventStabilityAlert), 0)
	if err != nil {
		t.Fatalf("List filtered: %v", err)
	}
	if len(stability) != 2 {
		t.Errorf("expected 2 stability alerts, got %d", len(stability))
	}
}
