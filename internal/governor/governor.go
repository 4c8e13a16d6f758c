// Package governor assembles the governance core: it constructs the bus,
// gateway, breaker, temporal memory and adaptive loop once, wires them
// together through the bus, and owns their lifecycle.
package governor

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/anthropics/governance-core/internal/adaptive"
	"github.com/anthropics/governance-core/internal/breaker"
	"github.com/anthropics/governance-core/internal/bus"
	"github.com/anthropics/governance-core/internal/config"
	"github.com/anthropics/governance-core/internal/domain"
	"github.com/anthropics/governance-core/internal/gateway"
	"github.com/anthropics/governance-core/internal/logging"
	"github.com/anthropics/governance-core/internal/store"
	"github.com/anthropics/governance-core/internal/temporal"
)

// Option configures a Governor.
type Option func(*options)

type options struct {
	clock     domain.Clock
	authority gateway.Authority
}

// WithClock sets the clock shared by every component.
func WithClock(c domain.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithAuthority replaces the built-in policy authority.
func WithAuthority(a gateway.Authority) Option {
	return func(o *options) { o.authority = a }
}

// Governor owns one instance of each core component.
type Governor struct {
	Bus       *bus.Bus
	Gateway   *gateway.Gateway
	Authority *gateway.AuthorityActor
	Breaker   *breaker.Breaker
	Temporal  *temporal.Memory
	Adaptive  *adaptive.Loop

	DB       *sql.DB
	Recorder *store.Recorder
	Auditor  *store.DecisionAuditor

	cfg    *config.Config
	logger logging.Logger
	clock  domain.Clock

	riskMu         sync.Mutex
	contradictions int
	load           float64

	mu           sync.Mutex
	started      bool
	cancel       context.CancelFunc
	shutdownOnce sync.Once
	shutdownErr  error
}

// New builds and wires every component from cfg. Nothing runs until Start.
func New(cfg *config.Config, logger logging.Logger, opts ...Option) (*Governor, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := options{clock: domain.WallClock{}}
	for _, opt := range opts {
		opt(&o)
	}
	logger = logging.OrNop(logger)

	g := &Governor{cfg: cfg, logger: logger, clock: o.clock}

	g.Bus = bus.New(
		bus.WithHistoryCap(cfg.Bus.HistoryCap),
		bus.WithLogger(logging.With(logger, "component", "bus")),
		bus.WithClock(o.clock),
	)

	g.Breaker = breaker.New(g.Bus, breaker.Config{
		LoopThreshold:       cfg.Breaker.LoopThreshold,
		LoopWindow:          time.Duration(cfg.Breaker.LoopWindowSec) * time.Second,
		DegradedThreshold:   cfg.Breaker.DegradedThreshold,
		SafeModeThreshold:   cfg.Breaker.SafeModeThreshold,
		RunawayActions:      cfg.Breaker.RunawayActions,
		MaxLoad:             cfg.Breaker.MaxLoad,
		MaxActionsPerMinute: cfg.Breaker.MaxActionsPerMinute,
		RecoveryLogCap:      cfg.Breaker.RecoveryLogCap,
	}, breaker.WithLogger(logging.With(logger, "component", "breaker")), breaker.WithClock(o.clock))

	authority := o.authority
	if authority == nil {
		authority = gateway.NewPolicyAuthority(gateway.PolicyConfig{
			Rate:     cfg.Gateway.EscalationRate,
			Burst:    cfg.Gateway.EscalationBurst,
			MaxDelay: time.Duration(cfg.Gateway.MaxDelayMs) * time.Millisecond,
		}, g.Breaker.SafeModeActive, o.clock)
	}
	g.Authority = gateway.NewAuthorityActor(authority)

	gwOpts := []gateway.Option{
		gateway.WithCacheTTL(time.Duration(cfg.Gateway.CacheTTLSec) * time.Second),
		gateway.WithLogger(logging.With(logger, "component", "gateway")),
		gateway.WithClock(o.clock),
	}
	if len(cfg.Gateway.TrustedEngines) > 0 {
		gwOpts = append(gwOpts, gateway.WithTrustedEngines(append(gateway.DefaultTrustedEngines, cfg.Gateway.TrustedEngines...)...))
	}
	if len(cfg.Gateway.BypassEvents) > 0 {
		gwOpts = append(gwOpts, gateway.WithBypassEvents(append(gateway.DefaultBypassEvents, cfg.Gateway.BypassEvents...)...))
	}
	if cfg.Gateway.AutoRegister {
		gwOpts = append(gwOpts, gateway.WithAutoRegister(cfg.Gateway.AutoRegisterEvents...))
	}

	if cfg.DBPath != "" {
		db, err := store.NewDB(cfg.DBPath)
		if err != nil {
			return nil, domain.WrapEngineError(domain.ErrStoreInit.Code, "open store", err)
		}
		g.DB = db
		g.Recorder = store.NewRecorder(db, logging.With(logger, "component", "store"))
		g.Auditor = store.NewDecisionAuditor(db)
		gwOpts = append(gwOpts, gateway.WithAuditor(g.Auditor))
	}
	g.Gateway = gateway.New(g.Authority, gwOpts...)

	g.Temporal = temporal.New(g.Bus,
		temporal.WithCapacity(cfg.Temporal.Capacity),
		temporal.WithInterval(time.Duration(cfg.Temporal.AnalyzeIntervalSec)*time.Second),
		temporal.WithLogger(logging.With(logger, "component", "temporal")),
		temporal.WithClock(o.clock),
	)
	g.Adaptive = adaptive.New(g.Bus, adaptive.Config{
		Interval:    time.Duration(cfg.Adaptive.IntervalSec) * time.Second,
		LogCapacity: cfg.Adaptive.LogCapacity,
		RiskCeiling: cfg.Adaptive.RiskCeiling,
	}, adaptive.WithLogger(logging.With(logger, "component", "adaptive")), adaptive.WithClock(o.clock))

	if err := g.wire(); err != nil {
		g.closeDB()
		return nil, err
	}
	return g, nil
}

func (g *Governor) wire() error {
	g.Bus.SetGuard(g.Breaker.Admit)
	if err := g.Gateway.Attach(g.Bus); err != nil {
		return fmt.Errorf("attach gateway: %w", err)
	}
	if err := g.Breaker.Attach(); err != nil {
		return fmt.Errorf("attach breaker: %w", err)
	}
	if err := g.Temporal.Observe(); err != nil {
		return fmt.Errorf("observe temporal: %w", err)
	}
	if err := g.Adaptive.Observe(); err != nil {
		return fmt.Errorf("observe adaptive: %w", err)
	}
	if err := g.observeRisk(); err != nil {
		return fmt.Errorf("observe risk: %w", err)
	}
	if g.Recorder != nil {
		if err := g.Recorder.Attach(g.Bus); err != nil {
			return fmt.Errorf("attach recorder: %w", err)
		}
	}
	return nil
}

// Config returns the configuration the governor was built with.
func (g *Governor) Config() *config.Config { return g.cfg }

// Start launches the authority actor and the periodic loops, then registers
// the configured engines. A registration failure stops everything again.
func (g *Governor) Start(ctx context.Context) error {
	g.mu.Lock()
	if g.started {
		g.mu.Unlock()
		return nil
	}
	g.started = true
	runCtx, cancel := context.WithCancel(ctx)
	g.cancel = cancel
	g.mu.Unlock()

	g.Authority.Start()
	for _, e := range g.cfg.Engines {
		if err := g.Gateway.RegisterEngine(e); err != nil {
			_ = g.Shutdown(context.Background())
			return fmt.Errorf("register engine %s: %w", e.ID, err)
		}
	}

	g.Breaker.Start(runCtx)
	g.Temporal.Start(runCtx)
	g.Adaptive.Start(runCtx)
	go g.purgeLoop(runCtx, time.Duration(g.cfg.Gateway.CacheTTLSec)*time.Second)
	go g.riskLoop(runCtx, time.Duration(g.cfg.Breaker.LoopWindowSec)*time.Second)

	g.logger.Info("governance core started",
		"engines", len(g.cfg.Engines),
		"persistence", g.DB != nil,
	)
	return nil
}

func (g *Governor) purgeLoop(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := g.Gateway.PurgeExpired(); n > 0 {
				g.logger.Debug("purged expired permissions", "count", n)
			}
		}
	}
}

// Shutdown stops every component and closes the bus and the store. Safe to
// call multiple times; later calls return the first result.
func (g *Governor) Shutdown(ctx context.Context) error {
	g.shutdownOnce.Do(func() {
		done := make(chan error, 1)
		go func() { done <- g.shutdown() }()
		select {
		case err := <-done:
			g.shutdownErr = err
		case <-ctx.Done():
			g.shutdownErr = ctx.Err()
		}
	})
	return g.shutdownErr
}

func (g *Governor) shutdown() error {
	g.mu.Lock()
	cancel := g.cancel
	g.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	g.Adaptive.Stop()
	g.Temporal.Stop()
	g.Breaker.Stop()
	g.Authority.Stop()
	if g.Recorder != nil {
		g.Recorder.Close()
	}
	g.Bus.Close()

	err := g.closeDB()
	g.logger.Info("governance core stopped")
	return err
}

func (g *Governor) closeDB() error {
	if g.DB == nil {
		return nil
	}
	if err := g.DB.Close(); err != nil && !errors.Is(err, sql.ErrConnDone) {
		return fmt.Errorf("close store: %w", err)
	}
	return nil
}

// Health is the liveness summary.
type Health struct {
	Status      string            `json:"status"`
	Authority   bool              `json:"authority"`
	BusClosed   bool              `json:"bus_closed"`
	SafeMode    bool              `json:"safe_mode"`
	State       string            `json:"state"`
	Persistence bool              `json:"persistence"`
	Parameters  domain.Parameters `json:"parameters"`
}

// Health reports whether the core can make decisions.
func (g *Governor) Health() Health {
	snap := g.Breaker.State()
	h := Health{
		Status:      "ok",
		Authority:   g.Authority.Running(),
		BusClosed:   g.Bus.Closed(),
		SafeMode:    snap.SafeMode,
		State:       string(snap.State),
		Persistence: g.DB != nil,
		Parameters:  g.Adaptive.Parameters(),
	}
	switch {
	case !h.Authority || h.BusClosed:
		h.Status = "unavailable"
	case h.SafeMode:
		h.Status = "degraded"
	}
	return h
}
