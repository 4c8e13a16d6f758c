// Package breaker implements the safety circuit breaker: a loop guard per
// event type, risk scoring with a safe-mode latch, runaway and boundary
// checks, and the recovery action that releases the latch.
//
// Safety conditions are reported by broadcasting events and by boolean
// returns; nothing here returns an error to signal that the system is unsafe.
package breaker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/anthropics/governance-core/internal/bus"
	"github.com/anthropics/governance-core/internal/domain"
	"github.com/anthropics/governance-core/internal/logging"
	"github.com/anthropics/governance-core/internal/ring"
)

// Source is the engine id stamped on every breaker broadcast.
const Source = "safety-breaker"

// Risk weights.
const (
	weightLoop          = 0.45
	weightContradiction = 0.40
	weightLoad          = 0.15
	contradictionScale  = 5.0
	highLoad            = 0.8
)

// Config holds breaker thresholds. Zero values take defaults.
type Config struct {
	LoopThreshold       int
	LoopWindow          time.Duration
	DegradedThreshold   float64
	SafeModeThreshold   float64
	RunawayActions      int
	MaxLoad             float64
	MaxActionsPerMinute float64
	RecoveryLogCap      int
}

// DefaultConfig returns the production thresholds.
func DefaultConfig() Config {
	return Config{
		LoopThreshold:       DefaultLoopThreshold,
		LoopWindow:          10 * time.Second,
		DegradedThreshold:   0.6,
		SafeModeThreshold:   0.8,
		RunawayActions:      10,
		MaxLoad:             0.95,
		MaxActionsPerMinute: 120,
		RecoveryLogCap:      20,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.LoopThreshold <= 0 {
		c.LoopThreshold = d.LoopThreshold
	}
	if c.LoopWindow <= 0 {
		c.LoopWindow = d.LoopWindow
	}
	if c.DegradedThreshold <= 0 {
		c.DegradedThreshold = d.DegradedThreshold
	}
	if c.SafeModeThreshold <= 0 {
		c.SafeModeThreshold = d.SafeModeThreshold
	}
	if c.RunawayActions <= 0 {
		c.RunawayActions = d.RunawayActions
	}
	if c.MaxLoad <= 0 {
		c.MaxLoad = d.MaxLoad
	}
	if c.MaxActionsPerMinute <= 0 {
		c.MaxActionsPerMinute = d.MaxActionsPerMinute
	}
	if c.RecoveryLogCap <= 0 {
		c.RecoveryLogCap = d.RecoveryLogCap
	}
}

// RiskSignals are the momentary inputs to a risk assessment.
type RiskSignals struct {
	Loop           bool
	Contradictions int
	Load           float64
}

// RiskAssessment is the result of scoring. It is not retained beyond its
// effect on the breaker state.
type RiskAssessment struct {
	Risk     float64 `json:"risk"`
	Level    string  `json:"level,omitempty"`
	SafeMode bool    `json:"safe_mode"`
}

// Snapshot is the breaker query surface.
type Snapshot struct {
	State          State     `json:"state"`
	SafeMode       bool      `json:"safe_mode"`
	StabilityScore float64   `json:"stability_score"`
	LastRisk       float64   `json:"last_risk"`
	RecoveryEvents []string  `json:"recovery_events"`
	LoopThreshold  int       `json:"loop_threshold"`
	WindowStart    time.Time `json:"window_start"`
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithLogger sets the logger.
func WithLogger(l logging.Logger) Option {
	return func(b *Breaker) { b.logger = logging.OrNop(l) }
}

// WithClock sets the clock used for loop windows.
func WithClock(c domain.Clock) Option {
	return func(b *Breaker) {
		if c != nil {
			b.clock = c
		}
	}
}

// Breaker exclusively owns the safe-mode state and the loop counters.
type Breaker struct {
	cfg Config

	mu        sync.Mutex
	state     State
	stability float64
	lastRisk  float64
	recovery  *ring.Buffer[string]

	loop   *LoopGuard
	bus    *bus.Bus
	logger logging.Logger
	clock  domain.Clock

	stopCh   chan struct{}
	stopOnce sync.Once
}

// New creates a Breaker that broadcasts on b. b may be nil in tests that only
// inspect state.
func New(b *bus.Bus, cfg Config, opts ...Option) *Breaker {
	cfg.applyDefaults()
	br := &Breaker{
		cfg:       cfg,
		state:     StateNormal,
		stability: 1,
		recovery:  ring.New[string](cfg.RecoveryLogCap),
		bus:       b,
		logger:    logging.Nop(),
		clock:     domain.WallClock{},
		stopCh:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(br)
	}
	br.loop = NewLoopGuard(cfg.LoopThreshold, b, br.logger, br.clock)
	safeModeGauge.Set(0)
	return br
}

// Attach follows ai:parameters-updated on the breaker's bus.
func (br *Breaker) Attach() error {
	if br.bus == nil {
		return nil
	}
	_, err := br.bus.Subscribe(domain.EventParametersUpdated, func(ev domain.Event) error {
		if p, ok := ev.Payload.(domain.Parameters); ok {
			br.ApplyParameters(p)
		}
		return nil
	}, bus.SubscribeOptions{Priority: 100})
	return err
}

// ApplyParameters picks up the adaptive sensitivity.
func (br *Breaker) ApplyParameters(p domain.Parameters) {
	br.loop.SetSensitivity(p.Sensitivity)
}

// LoopGuard returns the breaker's loop guard.
func (br *Breaker) LoopGuard() *LoopGuard { return br.loop }

// CheckLoop records an occurrence of eventType. False means blocked.
func (br *Breaker) CheckLoop(eventType domain.EventType) bool {
	return br.loop.Check(eventType)
}

// Admit is the bus guard: every published event counts against the loop
// guard except the breaker's own broadcasts.
func (br *Breaker) Admit(ev domain.Event) bool {
	if ev.Source == Source {
		return true
	}
	return br.CheckLoop(ev.Type)
}

// Score computes the risk for s without touching breaker state.
func Score(s RiskSignals) float64 {
	risk := 0.0
	if s.Loop {
		risk += weightLoop
	}
	c := float64(s.Contradictions) / contradictionScale
	if c > 1 {
		c = 1
	}
	if c > 0 {
		risk += weightContradiction * c
	}
	if s.Load > highLoad {
		risk += weightLoad
	}
	return clamp(risk, 0, 1)
}

// AssessRisk scores s and applies the result to the breaker state.
func (br *Breaker) AssessRisk(s RiskSignals) RiskAssessment {
	return br.ApplyRisk(Score(s))
}

// ApplyRisk applies a precomputed risk score. Risk at or above the degraded
// threshold broadcasts a warning; at or above the safe-mode threshold it
// broadcasts critical and latches safe mode until recovery.
func (br *Breaker) ApplyRisk(risk float64) RiskAssessment {
	risk = clamp(risk, 0, 1)
	riskGauge.Set(risk)

	br.mu.Lock()
	br.lastRisk = risk
	br.stability = 1 - risk

	var level domain.AlertLevel
	switch {
	case risk >= br.cfg.SafeModeThreshold:
		level = domain.AlertCritical
		br.transitionLocked(StateSafeMode)
	case risk >= br.cfg.DegradedThreshold:
		level = domain.AlertWarning
		if br.state == StateNormal {
			br.transitionLocked(StateDegraded)
		}
	default:
		if br.state == StateDegraded {
			br.transitionLocked(StateNormal)
		}
	}
	safe := br.state == StateSafeMode
	br.mu.Unlock()

	if level != "" {
		br.broadcast(domain.EventStabilityAlert, domain.SafetyAlert{
			Level:  level,
			Reason: fmt.Sprintf("risk %.2f", risk),
			Risk:   risk,
		})
	}
	return RiskAssessment{Risk: risk, Level: string(level), SafeMode: safe}
}

// CheckRunaway reports whether an action list may proceed. A list longer
// than the configured limit engages a safety break.
func (br *Breaker) CheckRunaway(actions []string) bool {
	if len(actions) <= br.cfg.RunawayActions {
		return true
	}
	br.engageSafetyBreak("runaway", fmt.Sprintf("runaway actions: %d > %d", len(actions), br.cfg.RunawayActions), len(actions))
	return false
}

// CheckBoundaries reports whether load and actions per minute are within the
// critical ceilings. Exceeding either engages a safety break.
func (br *Breaker) CheckBoundaries(load, actionsPerMinute float64) bool {
	switch {
	case load > br.cfg.MaxLoad:
		br.engageSafetyBreak("load", fmt.Sprintf("load %.2f exceeds %.2f", load, br.cfg.MaxLoad), 0)
		return false
	case actionsPerMinute > br.cfg.MaxActionsPerMinute:
		br.engageSafetyBreak("rate", fmt.Sprintf("actions per minute %.0f exceeds %.0f", actionsPerMinute, br.cfg.MaxActionsPerMinute), int(actionsPerMinute))
		return false
	}
	return true
}

func (br *Breaker) engageSafetyBreak(cause, reason string, count int) {
	safetyBreaksTotal.WithLabelValues(cause).Inc()
	br.mu.Lock()
	br.transitionLocked(StateSafeMode)
	br.mu.Unlock()

	br.logger.Warn("safety break engaged", "cause", cause, "reason", reason)
	br.broadcast(domain.EventSafetyBreak, domain.SafetyAlert{
		Level:  domain.AlertCritical,
		Reason: reason,
		Count:  count,
	})
}

// AutoPauseAndRecover records reason, engages safe mode and then releases
// it through Recovering back to Normal. Loop counters are cleared.
func (br *Breaker) AutoPauseAndRecover(reason string) Snapshot {
	br.mu.Lock()
	br.recovery.Push(reason)
	br.transitionLocked(StateSafeMode)
	br.mu.Unlock()

	br.broadcast(domain.EventSafetyBreak, domain.SafetyAlert{Level: domain.AlertCritical, Reason: reason})

	br.mu.Lock()
	br.transitionLocked(StateRecovering)
	br.loop.ResetAll()
	br.lastRisk = 0
	br.stability = 1
	br.transitionLocked(StateNormal)
	br.mu.Unlock()
	riskGauge.Set(0)

	br.logger.Info("recovered", "reason", reason)
	br.broadcast(domain.EventStabilityAlert, domain.SafetyAlert{Level: domain.AlertRecovered, Reason: reason})
	return br.State()
}

// SafeModeActive reports whether the safe-mode latch is set.
func (br *Breaker) SafeModeActive() bool {
	br.mu.Lock()
	defer br.mu.Unlock()
	return br.state == StateSafeMode
}

// State returns a snapshot of the breaker.
func (br *Breaker) State() Snapshot {
	br.mu.Lock()
	s := Snapshot{
		State:          br.state,
		SafeMode:       br.state == StateSafeMode,
		StabilityScore: br.stability,
		LastRisk:       br.lastRisk,
		RecoveryEvents: br.recovery.Items(),
	}
	br.mu.Unlock()
	s.LoopThreshold = br.loop.Threshold()
	s.WindowStart = br.loop.WindowStart()
	return s
}

// transitionLocked moves to the target state if the table allows it.
// Staying in the same state is a no-op. Must be called with mu held.
func (br *Breaker) transitionLocked(to State) {
	if br.state == to {
		return
	}
	if !IsValidTransition(br.state, to) {
		br.logger.Debug("breaker transition ignored", "from", string(br.state), "to", string(to))
		return
	}
	br.logger.Debug("breaker transition", "from", string(br.state), "to", string(to))
	br.state = to
	if to == StateSafeMode {
		safeModeGauge.Set(1)
	} else {
		safeModeGauge.Set(0)
	}
}

func (br *Breaker) broadcast(t domain.EventType, alert domain.SafetyAlert) {
	if br.bus == nil {
		return
	}
	br.bus.Publish(t, alert, bus.PublishOptions{Source: Source, Priority: 10})
}

// Start rolls the loop window every cfg.LoopWindow until ctx is done or
// Stop is called.
func (br *Breaker) Start(ctx context.Context) {
	ticker := time.NewTicker(br.cfg.LoopWindow)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-br.stopCh:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				br.loop.Tick()
			}
		}
	}()
}

// Stop signals the window goroutine to stop. Safe to call multiple times.
func (br *Breaker) Stop() {
	br.stopOnce.Do(func() { close(br.stopCh) })
}
