package breaker

import (
	"math"
	"sync"
	"time"

	"github.com/anthropics/governance-core/internal/bus"
	"github.com/anthropics/governance-core/internal/domain"
	"github.com/anthropics/governance-core/internal/logging"
)

// DefaultLoopThreshold is the number of occurrences per event type allowed
// in one window.
const DefaultLoopThreshold = 50

type loopCounter struct {
	count    int
	notified bool
}

// LoopGuard counts occurrences per event type within an explicit window.
// The window only rolls on Tick or Reset, never implicitly.
type LoopGuard struct {
	mu          sync.Mutex
	threshold   int
	sensitivity float64
	counts      map[domain.EventType]*loopCounter
	windowStart time.Time

	bus    *bus.Bus
	source string
	logger logging.Logger
	clock  domain.Clock
}

// NewLoopGuard creates a guard that broadcasts ai:fallback-engaged on b when
// a type first exceeds threshold in a window. b may be nil.
func NewLoopGuard(threshold int, b *bus.Bus, logger logging.Logger, clock domain.Clock) *LoopGuard {
	if threshold <= 0 {
		threshold = DefaultLoopThreshold
	}
	if clock == nil {
		clock = domain.WallClock{}
	}
	return &LoopGuard{
		threshold:   threshold,
		sensitivity: domain.DefaultParameters().Sensitivity,
		counts:      make(map[domain.EventType]*loopCounter),
		windowStart: clock.Now(),
		bus:         b,
		source:      Source,
		logger:      logging.OrNop(logger),
		clock:       clock,
	}
}

// Threshold returns the effective threshold after sensitivity scaling.
// Higher sensitivity lowers it.
func (g *LoopGuard) Threshold() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.effectiveThresholdLocked()
}

func (g *LoopGuard) effectiveThresholdLocked() int {
	t := int(math.Round(float64(g.threshold) * (1.5 - g.sensitivity)))
	if t < 1 {
		t = 1
	}
	return t
}

// SetSensitivity updates the scaling factor, clamped to [0, 1].
func (g *LoopGuard) SetSensitivity(s float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sensitivity = clamp(s, 0, 1)
}

// Check records one occurrence of eventType and reports whether it may
// proceed. The first occurrence past the threshold in a window broadcasts
// ai:fallback-engaged.
func (g *LoopGuard) Check(eventType domain.EventType) bool {
	g.mu.Lock()
	c, ok := g.counts[eventType]
	if !ok {
		c = &loopCounter{}
		g.counts[eventType] = c
	}
	c.count++
	limit := g.effectiveThresholdLocked()
	if c.count <= limit {
		g.mu.Unlock()
		return true
	}
	notify := !c.notified
	c.notified = true
	count := c.count
	g.mu.Unlock()

	loopBlocksTotal.WithLabelValues(string(eventType)).Inc()
	if notify {
		g.logger.Warn("loop detected, fallback engaged", "event_type", string(eventType), "count", count, "threshold", limit)
		if g.bus != nil {
			g.bus.Publish(domain.EventFallbackEngaged, domain.SafetyAlert{
				Level:     domain.AlertWarning,
				Reason:    domain.ReasonLoopDetected,
				EventType: eventType,
				Count:     count,
			}, bus.PublishOptions{Source: g.source, Priority: 10})
		}
	}
	return false
}

// Count returns the occurrences of eventType in the current window.
func (g *LoopGuard) Count(eventType domain.EventType) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	if c, ok := g.counts[eventType]; ok {
		return c.count
	}
	return 0
}

// Exceeded reports whether eventType is already over the threshold in this
// window, without recording an occurrence.
func (g *LoopGuard) Exceeded(eventType domain.EventType) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	c, ok := g.counts[eventType]
	return ok && c.count > g.effectiveThresholdLocked()
}

// Looping reports whether any type is over the threshold in this window.
func (g *LoopGuard) Looping() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	limit := g.effectiveThresholdLocked()
	for _, c := range g.counts {
		if c.count > limit {
			return true
		}
	}
	return false
}

// Reset clears the counter for one event type.
func (g *LoopGuard) Reset(eventType domain.EventType) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.counts, eventType)
}

// ResetAll clears every counter without moving the window start.
func (g *LoopGuard) ResetAll() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.counts = make(map[domain.EventType]*loopCounter)
}

// Tick closes the current window and opens a new one.
func (g *LoopGuard) Tick() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.counts = make(map[domain.EventType]*loopCounter)
	g.windowStart = g.clock.Now()
}

// WindowStart returns when the current window opened.
func (g *LoopGuard) WindowStart() time.Time {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.windowStart
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
