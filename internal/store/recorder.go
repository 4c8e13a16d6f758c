package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"sync"

	"github.com/google/uuid"

	"github.com/anthropics/governance-core/internal/bus"
	"github.com/anthropics/governance-core/internal/domain"
	"github.com/anthropics/governance-core/internal/gateway"
	"github.com/anthropics/governance-core/internal/logging"
)

// AlertTypes are the events the Recorder persists.
var AlertTypes = []domain.EventType{
	domain.EventGovernanceAlert,
	domain.EventStabilityAlert,
	domain.EventSafetyBreak,
	domain.EventFallbackEngaged,
	domain.EventTemporalAnomaly,
}

// Recorder persists governance alerts published on the bus.
type Recorder struct {
	DB        *sql.DB
	AlertRepo *AlertRepo
	logger    logging.Logger

	mu   sync.Mutex
	bus  *bus.Bus
	subs []string
}

// NewRecorder creates a Recorder writing to db.
func NewRecorder(db *sql.DB, logger logging.Logger) *Recorder {
	return &Recorder{DB: db, AlertRepo: &AlertRepo{}, logger: logging.OrNop(logger)}
}

// Attach subscribes to every alert type on b.
func (r *Recorder) Attach(b *bus.Bus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bus = b
	for _, t := range AlertTypes {
		id, err := b.Subscribe(t, r.handle, bus.SubscribeOptions{Priority: -20})
		if err != nil {
			return err
		}
		r.subs = append(r.subs, id)
	}
	return nil
}

func (r *Recorder) handle(ev domain.Event) error {
	rec := domain.AlertRecord{
		EventID:     ev.ID,
		EventType:   string(ev.Type),
		Source:      ev.Source,
		PayloadJSON: "{}",
		CreatedAt:   ev.Timestamp.UnixMilli(),
	}
	if a, ok := ev.Payload.(domain.SafetyAlert); ok {
		rec.Level = string(a.Level)
		rec.Reason = a.Reason
	}
	if ev.Payload != nil {
		data, err := json.Marshal(ev.Payload)
		if err != nil {
			r.logger.Warn("alert payload not serializable", "event_type", string(ev.Type), "error", err.Error())
		} else {
			rec.PayloadJSON = string(data)
		}
	}
	if _, err := r.AlertRepo.Append(context.Background(), r.DB, rec); err != nil {
		return domain.WrapEngineError(domain.ErrStoreWrite.Code, "persist alert", err)
	}
	return nil
}

// Close drops the bus subscriptions.
func (r *Recorder) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.bus == nil {
		return
	}
	for _, id := range r.subs {
		r.bus.Unsubscribe(id)
	}
	r.subs = nil
}

// DecisionAuditor writes gateway denials to audit_records.
type DecisionAuditor struct {
	DB        *sql.DB
	AuditRepo *AuditRepo
}

// NewDecisionAuditor creates a DecisionAuditor writing to db.
func NewDecisionAuditor(db *sql.DB) *DecisionAuditor {
	return &DecisionAuditor{DB: db, AuditRepo: &AuditRepo{}}
}

var _ gateway.Auditor = (*DecisionAuditor)(nil)

// RecordDenial implements gateway.Auditor.
func (a *DecisionAuditor) RecordDenial(ctx context.Context, d gateway.Denial) error {
	severity := "info"
	switch d.Reason {
	case domain.ReasonAuthorityUnreachable, domain.ReasonEngineNotRegistered:
		severity = "warning"
	}
	return a.AuditRepo.Record(ctx, a.DB, domain.AuditRecord{
		ID:        uuid.NewString(),
		EngineID:  d.EngineID,
		Privilege: string(d.Privilege),
		Category:  "gateway",
		Subject:   d.Subject,
		Reason:    d.Reason,
		Severity:  severity,
		CreatedAt: d.At.UnixMilli(),
	})
}
