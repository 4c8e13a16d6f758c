package governor

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anthropics/governance-core/internal/adaptive"
	"github.com/anthropics/governance-core/internal/breaker"
	"github.com/anthropics/governance-core/internal/bus"
	"github.com/anthropics/governance-core/internal/config"
	"github.com/anthropics/governance-core/internal/domain"
	"github.com/anthropics/governance-core/internal/gateway"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Engines = []domain.EngineConfig{
		{
			ID:            "calc-engine",
			Category:      "calculation",
			Privilege:     "standard",
			AllowedEvents: []domain.EventType{domain.EventCalcCompleted, domain.EventCalcUpdated},
		},
		{
			ID:            "insight-engine",
			Category:      "ui",
			Privilege:     "restricted",
			AllowedEvents: []domain.EventType{domain.EventUIDisplayInsight},
		},
		{
			ID:        "ops",
			Category:  "system",
			Privilege: "system",
		},
	}
	return cfg
}

func startGovernor(t *testing.T, cfg *config.Config, opts ...Option) *Governor {
	t.Helper()
	g, err := New(cfg, nil, opts...)
	require.NoError(t, err)
	require.NoError(t, g.Start(context.Background()))
	t.Cleanup(func() { _ = g.Shutdown(context.Background()) })
	return g
}

func collect(t *testing.T, b *bus.Bus, eventType domain.EventType) *[]domain.Event {
	t.Helper()
	var got []domain.Event
	_, err := b.Subscribe(eventType, func(ev domain.Event) error {
		got = append(got, ev)
		return nil
	}, bus.SubscribeOptions{})
	require.NoError(t, err)
	return &got
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Breaker.DegradedThreshold = 0.9
	cfg.Breaker.SafeModeThreshold = 0.5

	_, err := New(cfg, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrConfigInvalid)
}

func TestStart_RegistersConfiguredEngines(t *testing.T) {
	g := startGovernor(t, testConfig())

	reg, ok := g.Gateway.Engine("insight-engine")
	require.True(t, ok)
	assert.Equal(t, domain.PrivilegeRestricted, reg.Privilege)
	assert.True(t, reg.Active)
	assert.Len(t, g.Gateway.Stats().Engines, 3)
}

func TestStart_DuplicateEngineFails(t *testing.T) {
	g, err := New(testConfig(), nil)
	require.NoError(t, err)
	require.NoError(t, g.Gateway.RegisterEngine(domain.EngineConfig{ID: "ops"}))

	err = g.Start(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrDuplicateEngine)
	assert.Equal(t, "unavailable", g.Health().Status)
}

func TestEmit_GrantedPublishesWithEngineSource(t *testing.T) {
	g := startGovernor(t, testConfig())
	got := collect(t, g.Bus, domain.EventCalcCompleted)

	res := g.Emit(context.Background(), EmitRequest{
		EngineID:  "calc-engine",
		EventType: domain.EventCalcCompleted,
		Payload:   map[string]any{"status": "success"},
		Metadata:  map[string]string{"scope": "calculation"},
	})

	require.True(t, res.Emitted, "reason %s", res.Reason)
	assert.Equal(t, domain.ReasonApproved, res.Reason)
	require.NotNil(t, res.Event)
	require.Len(t, *got, 1)
	assert.Equal(t, "calc-engine", (*got)[0].Source)
	assert.Equal(t, res.Event.ID, (*got)[0].ID)

	reg, _ := g.Gateway.Engine("calc-engine")
	assert.Equal(t, uint64(1), reg.Counters.Emitted)

	timeline, err := g.Temporal.Timeline(domain.ScopeCalculation)
	require.NoError(t, err)
	assert.Len(t, timeline, 1)
}

func TestEmit_UnregisteredEngineNothingPublished(t *testing.T) {
	g := startGovernor(t, testConfig())
	got := collect(t, g.Bus, domain.EventCalcCompleted)

	res := g.Emit(context.Background(), EmitRequest{EngineID: "ghost", EventType: domain.EventCalcCompleted})

	assert.False(t, res.Emitted)
	assert.Equal(t, domain.ReasonEngineNotRegistered, res.Reason)
	assert.Nil(t, res.Event)
	assert.Empty(t, *got)
}

func TestEmit_EventNotAllowed(t *testing.T) {
	g := startGovernor(t, testConfig())

	res := g.Emit(context.Background(), EmitRequest{EngineID: "calc-engine", EventType: domain.EventTaxUpdated})

	assert.False(t, res.Emitted)
	assert.Equal(t, domain.ReasonEventNotAllowed, res.Reason)
}

func TestEmit_LoopDetected(t *testing.T) {
	cfg := testConfig()
	cfg.Breaker.LoopThreshold = 3
	g := startGovernor(t, cfg)
	fallbacks := collect(t, g.Bus, domain.EventFallbackEngaged)

	for i := 0; i < 3; i++ {
		res := g.Emit(context.Background(), EmitRequest{EngineID: "ops", EventType: domain.EventCalcUpdated})
		require.True(t, res.Emitted, "emit %d: %s", i+1, res.Reason)
	}
	res := g.Emit(context.Background(), EmitRequest{EngineID: "ops", EventType: domain.EventCalcUpdated})

	assert.False(t, res.Emitted)
	assert.Equal(t, domain.ReasonLoopDetected, res.Reason)
	assert.Len(t, *fallbacks, 1)

	g.Breaker.LoopGuard().Reset(domain.EventCalcUpdated)
	res = g.Emit(context.Background(), EmitRequest{EngineID: "ops", EventType: domain.EventCalcUpdated})
	assert.True(t, res.Emitted)
}

func TestEmit_SafeModeBlocksAllButBypassEvents(t *testing.T) {
	g := startGovernor(t, testConfig())
	g.Breaker.ApplyRisk(0.9)
	require.True(t, g.Breaker.SafeModeActive())

	res := g.Emit(context.Background(), EmitRequest{EngineID: "ops", EventType: domain.EventCalcUpdated})
	assert.False(t, res.Emitted)
	assert.Equal(t, domain.ReasonSafeModeActive, res.Reason)

	res = g.Emit(context.Background(), EmitRequest{
		EngineID:  "calc-engine",
		EventType: domain.EventStabilityAlert,
		Payload:   domain.SafetyAlert{Level: domain.AlertWarning, Reason: "manual"},
	})
	assert.True(t, res.Emitted)
	assert.Equal(t, domain.ReasonBypass, res.Reason)

	assert.Equal(t, "degraded", g.Health().Status)

	g.Breaker.AutoPauseAndRecover("operator")
	res = g.Emit(context.Background(), EmitRequest{EngineID: "ops", EventType: domain.EventCalcUpdated})
	assert.True(t, res.Emitted)
	assert.Equal(t, "ok", g.Health().Status)
}

func TestEmit_RestrictedEngineDelayedAndStamped(t *testing.T) {
	g := startGovernor(t, testConfig())
	got := collect(t, g.Bus, domain.EventUIDisplayInsight)

	start := time.Now()
	res := g.Emit(context.Background(), EmitRequest{
		EngineID:  "insight-engine",
		EventType: domain.EventUIDisplayInsight,
		Payload:   map[string]any{"text": "hello"},
	})

	require.True(t, res.Emitted, "reason %s", res.Reason)
	assert.Equal(t, int64(300), res.DelayMs)
	assert.GreaterOrEqual(t, time.Since(start), 300*time.Millisecond)
	require.Len(t, *got, 1)
	payload, ok := (*got)[0].Payload.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "hello", payload["text"])
	assert.Contains(t, payload, "_governance")
}

func TestEmit_RestrictedEnginePublishesEachPayload(t *testing.T) {
	g := startGovernor(t, testConfig())
	got := collect(t, g.Bus, domain.EventUIDisplayInsight)

	for _, text := range []string{"first", "second"} {
		res := g.Emit(context.Background(), EmitRequest{
			EngineID:  "insight-engine",
			EventType: domain.EventUIDisplayInsight,
			Payload:   map[string]any{"text": text},
		})
		require.True(t, res.Emitted, "reason %s", res.Reason)
	}

	require.Len(t, *got, 2)
	for i, want := range []string{"first", "second"} {
		payload, ok := (*got)[i].Payload.(map[string]any)
		require.True(t, ok)
		assert.Equal(t, want, payload["text"], "emission %d", i+1)
		assert.Contains(t, payload, "_governance")
	}
	assert.EqualValues(t, 1, g.Gateway.Stats().Escalations, "second grant comes from cache")
}

func TestEmit_ReentrantPublishBoundedByLoopGuard(t *testing.T) {
	g := startGovernor(t, testConfig())
	fallbacks := collect(t, g.Bus, domain.EventFallbackEngaged)

	depth := 0
	_, err := g.Bus.Subscribe(domain.EventCalcUpdated, func(ev domain.Event) error {
		depth++
		g.Bus.Publish(domain.EventCalcUpdated, depth, bus.PublishOptions{Source: "calc-engine"})
		return nil
	}, bus.SubscribeOptions{})
	require.NoError(t, err)

	res := g.Emit(context.Background(), EmitRequest{EngineID: "calc-engine", EventType: domain.EventCalcUpdated})
	require.True(t, res.Emitted, "reason %s", res.Reason)

	assert.Equal(t, 50, depth)
	require.Len(t, *fallbacks, 1)
	alert, ok := (*fallbacks)[0].Payload.(domain.SafetyAlert)
	require.True(t, ok)
	assert.Equal(t, domain.EventCalcUpdated, alert.EventType)
	assert.True(t, g.Breaker.LoopGuard().Looping())
	assert.Equal(t, uint64(1), g.Bus.Stats().Guarded)

	res = g.Emit(context.Background(), EmitRequest{EngineID: "calc-engine", EventType: domain.EventCalcUpdated})
	assert.False(t, res.Emitted)
	assert.Equal(t, domain.ReasonLoopDetected, res.Reason)
	assert.Equal(t, 50, depth)
}

func TestRisk_LoopAndConflictsDegradeThenLatch(t *testing.T) {
	cfg := testConfig()
	cfg.Breaker.LoopThreshold = 3
	g := startGovernor(t, cfg)
	alerts := collect(t, g.Bus, domain.EventStabilityAlert)

	for i := 0; i < 4; i++ {
		g.Emit(context.Background(), EmitRequest{EngineID: "ops", EventType: domain.EventCalcUpdated})
	}
	require.True(t, g.Breaker.LoopGuard().Looping())
	assert.Equal(t, breaker.StateNormal, g.Breaker.State().State)
	assert.InDelta(t, 0.45, g.Breaker.State().LastRisk, 1e-9)

	for i := 0; i < 3; i++ {
		res := g.Emit(context.Background(), EmitRequest{EngineID: "ops", EventType: domain.EventConflictDetected})
		require.True(t, res.Emitted, "conflict %d: %s", i+1, res.Reason)
	}
	snap := g.Breaker.State()
	assert.Equal(t, breaker.StateDegraded, snap.State)
	assert.InDelta(t, 0.69, snap.LastRisk, 1e-9)
	require.NotEmpty(t, *alerts)
	assert.Equal(t, domain.AlertWarning, (*alerts)[0].Payload.(domain.SafetyAlert).Level)

	report := g.AssessRisk(2, 0.9, 10)
	assert.True(t, report.WithinBoundaries)
	assert.True(t, report.Loop)
	assert.Equal(t, 5, report.Contradictions)
	assert.InDelta(t, 1.0, report.Risk, 1e-9)
	assert.True(t, report.SafeMode)
	assert.True(t, g.Breaker.SafeModeActive())
}

func TestRisk_BoundaryBreachEngagesSafetyBreak(t *testing.T) {
	g := startGovernor(t, testConfig())
	breaks := collect(t, g.Bus, domain.EventSafetyBreak)

	report := g.AssessRisk(0, 0.5, 10)
	assert.True(t, report.WithinBoundaries)
	assert.False(t, report.SafeMode)

	report = g.AssessRisk(0, 0.5, 500)
	assert.False(t, report.WithinBoundaries)
	assert.True(t, report.SafeMode)
	assert.Len(t, *breaks, 1)
}

func TestEmit_CanceledDuringDelay(t *testing.T) {
	g := startGovernor(t, testConfig())
	got := collect(t, g.Bus, domain.EventUIDisplayInsight)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	res := g.Emit(ctx, EmitRequest{EngineID: "insight-engine", EventType: domain.EventUIDisplayInsight})

	assert.False(t, res.Emitted)
	assert.Equal(t, domain.ReasonCanceled, res.Reason)
	assert.Empty(t, *got)
	reg, _ := g.Gateway.Engine("insight-engine")
	assert.Zero(t, reg.Counters.Emitted)
}

func TestEmit_CustomAuthorityDenial(t *testing.T) {
	deny := gateway.AuthorityFunc(func(ctx context.Context, esc gateway.Escalation) (gateway.Verdict, error) {
		return gateway.Verdict{Granted: false}, nil
	})
	g := startGovernor(t, testConfig(), WithAuthority(deny))

	res := g.Emit(context.Background(), EmitRequest{EngineID: "calc-engine", EventType: domain.EventCalcCompleted})
	assert.False(t, res.Emitted)
	assert.Equal(t, domain.ReasonDeniedByAuthority, res.Reason)

	act := g.Authorize(context.Background(), "calc-engine", "recalculate", nil, []string{"recalculate"})
	assert.False(t, act.Granted)
	assert.Equal(t, domain.ReasonActionNotPermitted, act.Reason)
}

func TestAuthorize(t *testing.T) {
	g := startGovernor(t, testConfig())

	res := g.Authorize(context.Background(), "calc-engine", "recalculate", nil, []string{"recalculate"})
	assert.True(t, res.Granted)

	res = g.Authorize(context.Background(), "ops", "flush", nil, nil)
	assert.True(t, res.Granted)
	assert.Equal(t, domain.ReasonBypass, res.Reason)

	res = g.Authorize(context.Background(), "ghost", "flush", nil, nil)
	assert.False(t, res.Granted)
	assert.Equal(t, domain.ReasonEngineNotRegistered, res.Reason)
}

func TestAuthorize_RunawayTripsSafetyBreak(t *testing.T) {
	g := startGovernor(t, testConfig())
	breaks := collect(t, g.Bus, domain.EventSafetyBreak)

	actions := make([]string, 11)
	for i := range actions {
		actions[i] = "step"
	}
	res := g.Authorize(context.Background(), "ops", "batch", nil, actions)

	assert.False(t, res.Granted)
	assert.Equal(t, domain.ReasonRunawayActions, res.Reason)
	assert.Len(t, *breaks, 1)
	assert.True(t, g.Breaker.SafeModeActive())

	res = g.Authorize(context.Background(), "ops", "single", nil, []string{"single"})
	assert.False(t, res.Granted)
	assert.Equal(t, domain.ReasonSafeModeActive, res.Reason)
}

func TestParametersReachGatewayAndBreaker(t *testing.T) {
	g := startGovernor(t, testConfig())

	for i := 0; i < 11; i++ {
		g.Adaptive.RecordRisk(domain.EventStabilityAlert)
	}
	g.Adaptive.RecordPredictive(domain.EventConflictDetected, adaptive.KindConflict)
	p := g.Adaptive.Tick()

	assert.InDelta(t, 0.6, p.Sensitivity, 1e-9)
	assert.Equal(t, int64(400), p.DebounceMs)
	assert.Equal(t, int64(400), g.Gateway.Stats().DebounceMs)
	assert.Equal(t, 45, g.Breaker.LoopGuard().Threshold())
}

func TestPersistence(t *testing.T) {
	cfg := testConfig()
	cfg.DBPath = filepath.Join(t.TempDir(), "govcore.db")
	g := startGovernor(t, cfg)
	require.NotNil(t, g.DB)
	assert.True(t, g.Health().Persistence)

	g.Emit(context.Background(), EmitRequest{EngineID: "calc-engine", EventType: domain.EventTaxUpdated})
	g.Breaker.ApplyRisk(0.7)

	audits, err := g.Recorder.AlertRepo.List(context.Background(), g.DB, string(domain.EventStabilityAlert), 0)
	require.NoError(t, err)
	require.Len(t, audits, 1)
	assert.Equal(t, string(domain.AlertWarning), audits[0].Level)

	var denials int
	require.NoError(t, g.DB.QueryRow(`SELECT COUNT(*) FROM audit_records WHERE engine_id = ?`, "calc-engine").Scan(&denials))
	assert.Equal(t, 1, denials)
}

func TestShutdown_Idempotent(t *testing.T) {
	g, err := New(testConfig(), nil)
	require.NoError(t, err)
	require.NoError(t, g.Start(context.Background()))
	assert.Equal(t, "ok", g.Health().Status)

	require.NoError(t, g.Shutdown(context.Background()))
	require.NoError(t, g.Shutdown(context.Background()))

	h := g.Health()
	assert.Equal(t, "unavailable", h.Status)
	assert.True(t, h.BusClosed)
	assert.False(t, h.Authority)
}
