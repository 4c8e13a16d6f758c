package governor

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/anthropics/governance-core/internal/bus"
	"github.com/anthropics/governance-core/internal/domain"
)

var tracer = otel.Tracer("govcore.governor")

var emitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "govcore_governor_emits_total",
	Help: "Gated emission attempts by outcome and reason",
}, []string{"outcome", "reason"})

// EmitRequest is a producer asking to publish an event.
type EmitRequest struct {
	EngineID  string            `json:"engine_id"`
	EventType domain.EventType  `json:"event_type"`
	Payload   any               `json:"payload,omitempty"`
	Priority  int               `json:"priority,omitempty"`
	Reason    string            `json:"reason,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// EmitResult reports what happened to an EmitRequest. When Emitted is false
// nothing was published and Reason says why.
type EmitResult struct {
	Emitted bool          `json:"emitted"`
	Reason  string        `json:"reason,omitempty"`
	DelayMs int64         `json:"delay_ms,omitempty"`
	Event   *domain.Event `json:"event,omitempty"`
}

// Emit runs the full gate for one emission: loop guard, safe mode, gateway
// permission and any injected delay, then publishes. Denials are results,
// not errors.
func (g *Governor) Emit(ctx context.Context, req EmitRequest) EmitResult {
	ctx, span := tracer.Start(ctx, "governor.Emit")
	defer span.End()
	span.SetAttributes(
		attribute.String("engine.id", req.EngineID),
		attribute.String("event.type", string(req.EventType)),
	)

	res := g.emit(ctx, req)

	span.SetAttributes(
		attribute.Bool("emit.emitted", res.Emitted),
		attribute.String("emit.reason", res.Reason),
	)
	outcome := "blocked"
	if res.Emitted {
		outcome = "emitted"
	}
	emitsTotal.WithLabelValues(outcome, res.Reason).Inc()
	return res
}

func (g *Governor) emit(ctx context.Context, req EmitRequest) EmitResult {
	// Counting happens in the bus guard on publish.
	if g.Breaker.LoopGuard().Exceeded(req.EventType) {
		return EmitResult{Reason: domain.ReasonLoopDetected}
	}
	if g.Breaker.SafeModeActive() && !g.Gateway.IsBypassEvent(req.EventType) {
		return EmitResult{Reason: domain.ReasonSafeModeActive}
	}

	perm := g.Gateway.RequestEmitPermission(ctx, domain.PermissionRequest{
		EngineID:  req.EngineID,
		EventType: req.EventType,
		Payload:   req.Payload,
		Priority:  req.Priority,
		Reason:    req.Reason,
	})
	if !perm.Granted {
		return EmitResult{Reason: perm.Reason}
	}

	if perm.DelayMs > 0 {
		timer := time.NewTimer(time.Duration(perm.DelayMs) * time.Millisecond)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return EmitResult{Reason: domain.ReasonCanceled, DelayMs: perm.DelayMs}
		}
	}

	payload := req.Payload
	if perm.ModifiedPayload != nil {
		payload = perm.ModifiedPayload
	}
	ev, ok := g.Bus.TryPublish(req.EventType, payload, bus.PublishOptions{
		Source:   req.EngineID,
		Priority: req.Priority,
		Metadata: req.Metadata,
	})
	if !ok {
		if g.Bus.Closed() {
			return EmitResult{Reason: domain.ReasonBusClosed, DelayMs: perm.DelayMs}
		}
		return EmitResult{Reason: domain.ReasonLoopDetected, DelayMs: perm.DelayMs}
	}
	g.Gateway.RecordEmission(req.EngineID)
	return EmitResult{Emitted: true, Reason: perm.Reason, DelayMs: perm.DelayMs, Event: &ev}
}

// Authorize gates a named action. actions is the batch the caller intends to
// run; an over-long batch trips the runaway check before anything else.
func (g *Governor) Authorize(ctx context.Context, engineID, action string, payload any, actions []string) domain.PermissionResult {
	if !g.Breaker.CheckRunaway(actions) {
		return domain.PermissionResult{Reason: domain.ReasonRunawayActions}
	}
	if g.Breaker.SafeModeActive() {
		return domain.PermissionResult{Reason: domain.ReasonSafeModeActive}
	}
	return g.Gateway.RequestActionPermission(ctx, engineID, action, payload)
}
