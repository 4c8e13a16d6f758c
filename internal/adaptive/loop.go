// Package adaptive tunes the core's sensitivity and debounce parameters from
// accumulated risk, opportunity and predictive logs. It only influences the
// rest of the core by publishing ai:parameters-updated.
package adaptive

import (
	"context"
	"sync"
	"time"

	"github.com/anthropics/governance-core/internal/bus"
	"github.com/anthropics/governance-core/internal/domain"
	"github.com/anthropics/governance-core/internal/logging"
	"github.com/anthropics/governance-core/internal/ring"
)

// Source is the engine id stamped on parameter updates.
const Source = "adaptive-loop"

const (
	sensitivityStep = 0.1
	maxSensitivity  = 1.0
	debounceStep    = 100
	maxDebounceMs   = 2000
	rewardWeight    = 0.02
	penaltyWeight   = 0.03
	minEvolution    = 0.1
	maxEvolution    = 1.0
)

// Kind distinguishes entries in the predictive log.
type Kind string

const (
	KindPredictive Kind = "predictive"
	KindConflict   Kind = "conflict"
)

// LogEntry is one observation retained by the loop.
type LogEntry struct {
	EventType domain.EventType `json:"event_type"`
	Kind      Kind             `json:"kind,omitempty"`
	At        time.Time        `json:"at"`
}

// Config tunes the loop. Zero values take defaults.
type Config struct {
	Interval    time.Duration
	LogCapacity int
	RiskCeiling int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{Interval: 30 * time.Second, LogCapacity: 200, RiskCeiling: 10}
}

// Counts reports the current log volumes.
type Counts struct {
	Risk        int `json:"risk"`
	Opportunity int `json:"opportunity"`
	Predictive  int `json:"predictive"`
	Conflict    int `json:"conflict"`
}

// Option configures a Loop.
type Option func(*Loop)

// WithLogger sets the logger.
func WithLogger(l logging.Logger) Option {
	return func(lp *Loop) { lp.logger = logging.OrNop(l) }
}

// WithClock sets the clock used to stamp entries and parameters.
func WithClock(c domain.Clock) Option {
	return func(lp *Loop) {
		if c != nil {
			lp.clock = c
		}
	}
}

// Loop owns the three bounded logs and the current parameters.
type Loop struct {
	cfg Config

	mu          sync.Mutex
	risk        *ring.Buffer[LogEntry]
	opportunity *ring.Buffer[LogEntry]
	predictive  *ring.Buffer[LogEntry]
	params      domain.Parameters
	subs        []string

	bus    *bus.Bus
	logger logging.Logger
	clock  domain.Clock

	stopCh   chan struct{}
	stopOnce sync.Once
}

// New creates a Loop publishing on b. b may be nil.
func New(b *bus.Bus, cfg Config, opts ...Option) *Loop {
	d := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = d.Interval
	}
	if cfg.LogCapacity <= 0 {
		cfg.LogCapacity = d.LogCapacity
	}
	if cfg.RiskCeiling <= 0 {
		cfg.RiskCeiling = d.RiskCeiling
	}
	lp := &Loop{
		cfg:         cfg,
		risk:        ring.New[LogEntry](cfg.LogCapacity),
		opportunity: ring.New[LogEntry](cfg.LogCapacity),
		predictive:  ring.New[LogEntry](cfg.LogCapacity),
		params:      domain.DefaultParameters(),
		bus:         b,
		logger:      logging.Nop(),
		clock:       domain.WallClock{},
		stopCh:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(lp)
	}
	lp.params.UpdatedAt = lp.clock.Now()
	publishGauges(lp.params)
	return lp
}

// RecordRisk appends to the risk log.
func (lp *Loop) RecordRisk(t domain.EventType) {
	lp.record(lp.risk, LogEntry{EventType: t})
}

// RecordOpportunity appends to the opportunity log.
func (lp *Loop) RecordOpportunity(t domain.EventType) {
	lp.record(lp.opportunity, LogEntry{EventType: t})
}

// RecordPredictive appends a predictive or conflict entry.
func (lp *Loop) RecordPredictive(t domain.EventType, kind Kind) {
	lp.record(lp.predictive, LogEntry{EventType: t, Kind: kind})
}

func (lp *Loop) record(buf *ring.Buffer[LogEntry], e LogEntry) {
	lp.mu.Lock()
	defer lp.mu.Unlock()
	e.At = lp.clock.Now()
	buf.Push(e)
}

// Counts returns the current log volumes.
func (lp *Loop) Counts() Counts {
	lp.mu.Lock()
	defer lp.mu.Unlock()
	return lp.countsLocked()
}

func (lp *Loop) countsLocked() Counts {
	c := Counts{Risk: lp.risk.Len(), Opportunity: lp.opportunity.Len()}
	for _, e := range lp.predictive.Items() {
		if e.Kind == KindConflict {
			c.Conflict++
		} else {
			c.Predictive++
		}
	}
	return c
}

// Parameters returns the current parameters.
func (lp *Loop) Parameters() domain.Parameters {
	lp.mu.Lock()
	defer lp.mu.Unlock()
	return lp.params
}

// Tick recomputes the parameters from the logs and publishes them.
func (lp *Loop) Tick() domain.Parameters {
	lp.mu.Lock()
	c := lp.countsLocked()
	p := lp.params
	if c.Risk > lp.cfg.RiskCeiling {
		p.Sensitivity += sensitivityStep
		if p.Sensitivity > maxSensitivity {
			p.Sensitivity = maxSensitivity
		}
	}
	if c.Conflict > 0 {
		p.DebounceMs += debounceStep
		if p.DebounceMs > maxDebounceMs {
			p.DebounceMs = maxDebounceMs
		}
	}
	reward := float64(c.Opportunity + c.Predictive)
	penalty := float64(c.Risk + c.Conflict)
	p.EvolutionScore = clamp(0.5+rewardWeight*reward-penaltyWeight*penalty, minEvolution, maxEvolution)
	p.UpdatedAt = lp.clock.Now()
	lp.params = p
	lp.mu.Unlock()

	publishGauges(p)
	lp.logger.Debug("parameters updated",
		"sensitivity", p.Sensitivity,
		"debounce_ms", p.DebounceMs,
		"evolution_score", p.EvolutionScore,
		"risk", c.Risk,
		"conflict", c.Conflict,
	)
	if lp.bus != nil {
		lp.bus.Publish(domain.EventParametersUpdated, p, bus.PublishOptions{Source: Source})
	}
	return p
}

// Observe subscribes to the governance events that feed the logs.
func (lp *Loop) Observe() error {
	if lp.bus == nil {
		return nil
	}
	routes := map[domain.EventType]func(domain.EventType){
		domain.EventStabilityAlert:      lp.RecordRisk,
		domain.EventSafetyBreak:         lp.RecordRisk,
		domain.EventFallbackEngaged:     lp.RecordRisk,
		domain.EventOpportunityDetected: lp.RecordOpportunity,
		domain.EventTemporalPrediction:  func(t domain.EventType) { lp.RecordPredictive(t, KindPredictive) },
		domain.EventConflictDetected:    func(t domain.EventType) { lp.RecordPredictive(t, KindConflict) },
		domain.EventGovernanceAlert:     func(t domain.EventType) { lp.RecordPredictive(t, KindConflict) },
	}
	for t, rec := range routes {
		rec := rec
		id, err := lp.bus.Subscribe(t, func(ev domain.Event) error {
			if recovered(ev) {
				return nil
			}
			rec(ev.Type)
			return nil
		}, bus.SubscribeOptions{})
		if err != nil {
			return err
		}
		lp.mu.Lock()
		lp.subs = append(lp.subs, id)
		lp.mu.Unlock()
	}
	return nil
}

// recovered filters out the all-clear stability alert.
func recovered(ev domain.Event) bool {
	a, ok := ev.Payload.(domain.SafetyAlert)
	return ok && a.Level == domain.AlertRecovered
}

// Start ticks every cfg.Interval until ctx is done or Stop is called.
func (lp *Loop) Start(ctx context.Context) {
	ticker := time.NewTicker(lp.cfg.Interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-lp.stopCh:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				lp.Tick()
			}
		}
	}()
}

// Stop ends the tick loop and drops the subscriptions. Safe to call multiple
// times.
func (lp *Loop) Stop() {
	lp.stopOnce.Do(func() {
		close(lp.stopCh)
		lp.mu.Lock()
		subs := lp.subs
		lp.subs = nil
		lp.mu.Unlock()
		if lp.bus != nil {
			for _, id := range subs {
				lp.bus.Unsubscribe(id)
			}
		}
	})
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
