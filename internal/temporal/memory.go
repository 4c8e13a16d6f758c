// Package temporal keeps a bounded timeline per scope and derives trends,
// predictions and timing anomalies from it. Derived results are fed back
// onto the bus as ai:temporal-* events.
package temporal

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/anthropics/governance-core/internal/bus"
	"github.com/anthropics/governance-core/internal/domain"
	"github.com/anthropics/governance-core/internal/logging"
	"github.com/anthropics/governance-core/internal/ring"
)

// Source is the engine id stamped on derived events.
const Source = "temporal-memory"

// DefaultCapacity bounds each timeline.
const DefaultCapacity = 50

// Entry is one recorded event.
type Entry struct {
	Name      string    `json:"name"`
	Payload   any       `json:"payload,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Analysis bundles the derived views of a scope. Nil fields mean the scope
// does not have enough data.
type Analysis struct {
	Scope      domain.Scope `json:"scope"`
	Entries    int          `json:"entries"`
	Trend      *Trend       `json:"trend"`
	Prediction *Prediction  `json:"prediction"`
	Anomaly    *Anomaly     `json:"anomaly"`
}

// Option configures a Memory.
type Option func(*Memory)

// WithCapacity sets the per-scope capacity.
func WithCapacity(n int) Option {
	return func(m *Memory) {
		if n > 0 {
			m.capacity = n
		}
	}
}

// WithInterval sets how often Start analyzes every scope.
func WithInterval(d time.Duration) Option {
	return func(m *Memory) {
		if d > 0 {
			m.interval = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l logging.Logger) Option {
	return func(m *Memory) { m.logger = logging.OrNop(l) }
}

// WithClock sets the clock used by RecordEvent.
func WithClock(c domain.Clock) Option {
	return func(m *Memory) {
		if c != nil {
			m.clock = c
		}
	}
}

// Memory exclusively owns the four scope timelines.
type Memory struct {
	mu        sync.Mutex
	timelines map[domain.Scope]*ring.Buffer[Entry]
	capacity  int
	interval  time.Duration

	bus    *bus.Bus
	subID  string
	logger logging.Logger
	clock  domain.Clock

	stopCh   chan struct{}
	stopOnce sync.Once
}

// New creates a Memory that publishes derived events on b. b may be nil.
func New(b *bus.Bus, opts ...Option) *Memory {
	m := &Memory{
		capacity: DefaultCapacity,
		interval: 15 * time.Second,
		bus:      b,
		logger:   logging.Nop(),
		clock:    domain.WallClock{},
		stopCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.timelines = make(map[domain.Scope]*ring.Buffer[Entry], len(domain.AllScopes))
	for _, s := range domain.AllScopes {
		m.timelines[s] = ring.New[Entry](m.capacity)
	}
	return m
}

// RecordEvent appends to scope's timeline, dropping the oldest entry when
// full.
func (m *Memory) RecordEvent(scope domain.Scope, name string, payload any) error {
	return m.RecordEventAt(scope, name, payload, m.clock.Now())
}

// RecordEventAt is RecordEvent with an explicit timestamp.
func (m *Memory) RecordEventAt(scope domain.Scope, name string, payload any, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tl, ok := m.timelines[scope]
	if !ok {
		return domain.NewEngineError(domain.ErrInvalidScope.Code, "unknown scope "+string(scope))
	}
	tl.Push(Entry{Name: name, Payload: payload, Timestamp: at})
	return nil
}

// Timeline returns a copy of scope's entries, oldest first.
func (m *Memory) Timeline(scope domain.Scope) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tl, ok := m.timelines[scope]
	if !ok {
		return nil, domain.NewEngineError(domain.ErrInvalidScope.Code, "unknown scope "+string(scope))
	}
	return tl.Items(), nil
}

func (m *Memory) snapshot(scope domain.Scope) []Entry {
	entries, _ := m.Timeline(scope)
	return entries
}

// ComputeTrend returns the trend for scope, or nil.
func (m *Memory) ComputeTrend(scope domain.Scope) *Trend {
	return ComputeTrend(m.snapshot(scope))
}

// PredictFutureState returns the prediction for scope, or nil.
func (m *Memory) PredictFutureState(scope domain.Scope) *Prediction {
	return PredictFutureState(m.snapshot(scope))
}

// DetectAnomaly returns the anomaly for scope, or nil.
func (m *Memory) DetectAnomaly(scope domain.Scope) *Anomaly {
	return DetectAnomaly(m.snapshot(scope))
}

// Analysis computes every derived view of scope from one snapshot.
func (m *Memory) Analysis(scope domain.Scope) (Analysis, error) {
	entries, err := m.Timeline(scope)
	if err != nil {
		return Analysis{}, err
	}
	return Analysis{
		Scope:      scope,
		Entries:    len(entries),
		Trend:      ComputeTrend(entries),
		Prediction: PredictFutureState(entries),
		Anomaly:    DetectAnomaly(entries),
	}, nil
}

// Analyze publishes the non-nil derived views of scope.
func (m *Memory) Analyze(scope domain.Scope) (Analysis, error) {
	a, err := m.Analysis(scope)
	if err != nil {
		return a, err
	}
	meta := map[string]string{"scope": string(scope)}
	if a.Trend != nil {
		m.publish(domain.EventTemporalTrend, *a.Trend, meta)
	}
	if a.Prediction != nil {
		m.publish(domain.EventTemporalPrediction, *a.Prediction, meta)
	}
	if a.Anomaly != nil {
		anomaliesTotal.WithLabelValues(string(scope)).Inc()
		m.logger.Info("temporal anomaly", "scope", string(scope), "event", a.Anomaly.Event, "gap_ms", a.Anomaly.GapMs)
		m.publish(domain.EventTemporalAnomaly, *a.Anomaly, meta)
	}
	return a, nil
}

// AnalyzeAll runs Analyze for every scope.
func (m *Memory) AnalyzeAll() {
	for _, s := range domain.AllScopes {
		_, _ = m.Analyze(s)
	}
}

func (m *Memory) publish(t domain.EventType, payload any, meta map[string]string) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(t, payload, bus.PublishOptions{Source: Source, Metadata: meta})
}

// Observe subscribes to every event on the memory's bus and records it.
// calc:* goes to calculation, ui:* to user and session:* to session; all of
// them also land in global. A "scope" metadata key overrides the mapping.
// The memory's own ai:temporal-* output is ignored.
func (m *Memory) Observe() error {
	if m.bus == nil {
		return nil
	}
	id, err := m.bus.SubscribeAll(m.handle, bus.SubscribeOptions{Priority: -10})
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.subID = id
	m.mu.Unlock()
	return nil
}

func (m *Memory) handle(ev domain.Event) error {
	if strings.HasPrefix(string(ev.Type), "ai:temporal-") {
		return nil
	}
	name := string(ev.Type)
	if s, ok := scopeFor(ev); ok && s != domain.ScopeGlobal {
		if err := m.RecordEventAt(s, name, ev.Payload, ev.Timestamp); err != nil {
			return err
		}
	}
	return m.RecordEventAt(domain.ScopeGlobal, name, ev.Payload, ev.Timestamp)
}

func scopeFor(ev domain.Event) (domain.Scope, bool) {
	if raw, ok := ev.Metadata["scope"]; ok {
		if s, err := domain.ParseScope(raw); err == nil {
			return s, true
		}
	}
	switch ev.Type.Namespace() {
	case "calc":
		return domain.ScopeCalculation, true
	case "ui":
		return domain.ScopeUser, true
	case "session":
		return domain.ScopeSession, true
	}
	return "", false
}

// Start analyzes every scope on each interval until ctx is done or Stop is
// called.
func (m *Memory) Start(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-m.stopCh:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.AnalyzeAll()
			}
		}
	}()
}

// Stop ends the analysis loop and drops the bus subscription. Safe to call
// multiple times.
func (m *Memory) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
		m.mu.Lock()
		id := m.subID
		m.mu.Unlock()
		if id != "" && m.bus != nil {
			m.bus.Unsubscribe(id)
		}
	})
}
