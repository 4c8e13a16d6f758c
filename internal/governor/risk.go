package governor

import (
	"context"
	"time"

	"github.com/anthropics/governance-core/internal/breaker"
	"github.com/anthropics/governance-core/internal/bus"
	"github.com/anthropics/governance-core/internal/domain"
)

// RiskReport is the outcome of one risk assessment together with the
// signals it was computed from.
type RiskReport struct {
	breaker.RiskAssessment
	Loop             bool    `json:"loop"`
	Contradictions   int     `json:"contradictions"`
	Load             float64 `json:"load"`
	WithinBoundaries bool    `json:"within_boundaries"`
}

// AssessRisk takes externally measured load and action rate, checks them
// against the critical boundaries and scores risk. contradictions are added
// to those observed on the bus in the current window for this assessment
// only. The load is kept for later event-driven assessments.
func (g *Governor) AssessRisk(contradictions int, load, actionsPerMinute float64) RiskReport {
	within := g.Breaker.CheckBoundaries(load, actionsPerMinute)

	g.riskMu.Lock()
	g.load = load
	g.riskMu.Unlock()

	r := g.assess(contradictions)
	r.WithinBoundaries = within
	return r
}

func (g *Governor) assess(extraContradictions int) RiskReport {
	g.riskMu.Lock()
	sig := breaker.RiskSignals{
		Loop:           g.Breaker.LoopGuard().Looping(),
		Contradictions: g.contradictions + extraContradictions,
		Load:           g.load,
	}
	g.riskMu.Unlock()

	a := g.Breaker.AssessRisk(sig)
	return RiskReport{
		RiskAssessment:   a,
		Loop:             sig.Loop,
		Contradictions:   sig.Contradictions,
		Load:             sig.Load,
		WithinBoundaries: true,
	}
}

// observeRisk reassesses whenever a conflict is reported or the loop guard
// engages.
func (g *Governor) observeRisk() error {
	if _, err := g.Bus.Subscribe(domain.EventConflictDetected, func(domain.Event) error {
		g.riskMu.Lock()
		g.contradictions++
		g.riskMu.Unlock()
		g.assess(0)
		return nil
	}, bus.SubscribeOptions{Priority: 50}); err != nil {
		return err
	}
	_, err := g.Bus.Subscribe(domain.EventFallbackEngaged, func(domain.Event) error {
		g.assess(0)
		return nil
	}, bus.SubscribeOptions{Priority: 50})
	return err
}

// riskLoop scores the closing window and starts counting contradictions
// afresh.
func (g *Governor) riskLoop(ctx context.Context, every time.Duration) {
	if every <= 0 {
		every = breaker.DefaultConfig().LoopWindow
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r := g.assess(0)
			g.riskMu.Lock()
			g.contradictions = 0
			g.riskMu.Unlock()
			g.logger.Debug("risk assessed", "risk", r.Risk, "loop", r.Loop, "contradictions", r.Contradictions)
		}
	}
}
