package gateway

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/anthropics/governance-core/internal/domain"
)

// PolicyConfig tunes the default authority.
type PolicyConfig struct {
	// Rate is the sustained escalations per second allowed per engine.
	Rate float64
	// Burst is the number of escalations an engine may make at once.
	Burst int
	// MaxDelay is the longest injected delay before a request is denied
	// as rate limited instead.
	MaxDelay time.Duration
}

// DefaultPolicyConfig returns the production defaults.
func DefaultPolicyConfig() PolicyConfig {
	return PolicyConfig{Rate: 20, Burst: 10, MaxDelay: 2 * time.Second}
}

// PolicyAuthority is the built-in central authority. It refuses everything
// while safe mode is active, paces each engine with a token bucket and turns
// the wait into an injected delay, and stamps restricted engines' payloads.
type PolicyAuthority struct {
	cfg      PolicyConfig
	safeMode func() bool
	clock    domain.Clock

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewPolicyAuthority creates a PolicyAuthority. safeMode may be nil.
func NewPolicyAuthority(cfg PolicyConfig, safeMode func() bool, clock domain.Clock) *PolicyAuthority {
	if cfg.Rate <= 0 {
		cfg.Rate = DefaultPolicyConfig().Rate
	}
	if cfg.Burst <= 0 {
		cfg.Burst = DefaultPolicyConfig().Burst
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = DefaultPolicyConfig().MaxDelay
	}
	if clock == nil {
		clock = domain.WallClock{}
	}
	return &PolicyAuthority{
		cfg:      cfg,
		safeMode: safeMode,
		clock:    clock,
		limiters: make(map[string]*rate.Limiter),
	}
}

func (p *PolicyAuthority) limiter(engineID string) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()
	lim, ok := p.limiters[engineID]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(p.cfg.Rate), p.cfg.Burst)
		p.limiters[engineID] = lim
	}
	return lim
}

// Decide implements Authority.
func (p *PolicyAuthority) Decide(ctx context.Context, esc Escalation) (Verdict, error) {
	if err := ctx.Err(); err != nil {
		return Verdict{}, err
	}
	if p.safeMode != nil && p.safeMode() {
		return Verdict{Granted: false, Reason: domain.ReasonSafeModeActive, Transient: true}, nil
	}

	now := p.clock.Now()
	r := p.limiter(esc.EngineID).ReserveN(now, 1)
	if !r.OK() {
		return Verdict{Granted: false, Reason: domain.ReasonRateLimited, Transient: true}, nil
	}
	delay := r.DelayFrom(now)
	if delay > p.cfg.MaxDelay {
		r.CancelAt(now)
		return Verdict{Granted: false, Reason: domain.ReasonRateLimited, Transient: true}, nil
	}

	v := Verdict{Granted: true, Reason: domain.ReasonApproved, DelayMs: delay.Milliseconds()}
	if esc.Privilege == domain.PrivilegeRestricted {
		if v.DelayMs < esc.DebounceMs {
			v.DelayMs = esc.DebounceMs
		}
		v.ModifiedPayload = stampPayload(esc, now)
	}
	// A paced grant must not be replayed from cache for the whole TTL.
	if delay > 0 {
		v.Transient = true
	}
	return v, nil
}

// stampPayload returns a copy of a map payload annotated with governance
// metadata, or nil when the payload is not a map.
func stampPayload(esc Escalation, at time.Time) any {
	m, ok := esc.Payload.(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[string]any, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	out["_governance"] = map[string]any{
		"engine_id":   esc.EngineID,
		"privilege":   string(esc.Privilege),
		"reviewed_at": at.UTC().Format(time.RFC3339Nano),
	}
	return out
}
