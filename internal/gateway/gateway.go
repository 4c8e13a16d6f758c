// Package gateway implements the permission gateway: the registry of engines
// and their declared capabilities, and the request/approve protocol every
// non-trusted emission goes through. Failures always resolve to deny.
package gateway

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/singleflight"

	"github.com/anthropics/governance-core/internal/bus"
	"github.com/anthropics/governance-core/internal/domain"
	"github.com/anthropics/governance-core/internal/logging"
)

// DefaultBypassEvents are the governance events that are never gated.
var DefaultBypassEvents = []domain.EventType{
	domain.EventStabilityAlert,
	domain.EventSafetyBreak,
	domain.EventFallbackEngaged,
	domain.EventGovernanceAlert,
}

// Engine ids of the core's own producers.
const (
	EngineGovernanceCore = "governance-core"
	EngineSafetyBreaker  = "safety-breaker"
	EngineTemporalMemory = "temporal-memory"
	EngineAdaptiveLoop   = "adaptive-loop"
)

// DefaultTrustedEngines are the core's own producers.
var DefaultTrustedEngines = []string{
	EngineGovernanceCore,
	EngineSafetyBreaker,
	EngineTemporalMemory,
	EngineAdaptiveLoop,
}

// Denial describes a refused request for the audit hook.
type Denial struct {
	EngineID  string
	Privilege domain.Privilege
	Subject   string
	Reason    string
	At        time.Time
}

// Auditor receives every denial. Errors are logged and otherwise ignored.
type Auditor interface {
	RecordDenial(ctx context.Context, d Denial) error
}

// Escalator sends a request to the central authority.
type Escalator interface {
	Escalate(ctx context.Context, esc Escalation) (Verdict, error)
}

type engine struct {
	reg     domain.EngineRegistration
	allowed map[domain.EventType]struct{}
}

func (e *engine) allows(t domain.EventType) bool {
	_, ok := e.allowed[t]
	return ok
}

// Stats is the gateway query surface.
type Stats struct {
	Engines     []domain.EngineRegistration `json:"engines"`
	CacheSize   int                         `json:"cache_size"`
	CacheHits   uint64                      `json:"cache_hits"`
	Escalations uint64                      `json:"escalations"`
	DebounceMs  int64                       `json:"debounce_ms"`
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithCacheTTL sets the decision cache TTL.
func WithCacheTTL(d time.Duration) Option {
	return func(g *Gateway) { g.cache = newPermissionCache(d) }
}

// WithTrustedEngines replaces the trusted engine set.
func WithTrustedEngines(ids ...string) Option {
	return func(g *Gateway) {
		g.trusted = make(map[string]struct{}, len(ids))
		for _, id := range ids {
			g.trusted[id] = struct{}{}
		}
	}
}

// WithBypassEvents replaces the bypass event set.
func WithBypassEvents(types ...domain.EventType) Option {
	return func(g *Gateway) {
		g.bypass = make(map[domain.EventType]struct{}, len(types))
		for _, t := range types {
			g.bypass[t] = struct{}{}
		}
	}
}

// WithAutoRegister enables the fallback path that registers unknown engines
// as restricted with the given allow-list.
func WithAutoRegister(allowed ...domain.EventType) Option {
	return func(g *Gateway) {
		g.autoRegister = true
		g.autoAllowed = append([]domain.EventType(nil), allowed...)
	}
}

// WithAuditor sets the denial audit hook.
func WithAuditor(a Auditor) Option {
	return func(g *Gateway) { g.auditor = a }
}

// WithLogger sets the logger.
func WithLogger(l logging.Logger) Option {
	return func(g *Gateway) { g.logger = logging.OrNop(l) }
}

// WithClock sets the clock used for cache expiry.
func WithClock(c domain.Clock) Option {
	return func(g *Gateway) {
		if c != nil {
			g.clock = c
		}
	}
}

// Gateway mediates emissions. It exclusively owns engine registrations and
// the permission cache.
type Gateway struct {
	mu          sync.Mutex
	engines     map[string]*engine
	cache       *permissionCache
	cacheHits   uint64
	escalations uint64
	debounceMs  int64

	trusted      map[string]struct{}
	bypass       map[domain.EventType]struct{}
	autoRegister bool
	autoAllowed  []domain.EventType

	authority Escalator
	flight    singleflight.Group
	auditor   Auditor
	bus       *bus.Bus
	logger    logging.Logger
	clock     domain.Clock
}

// New creates a Gateway that escalates to authority.
func New(authority Escalator, opts ...Option) *Gateway {
	g := &Gateway{
		engines:    make(map[string]*engine),
		cache:      newPermissionCache(DefaultCacheTTL),
		debounceMs: domain.DefaultParameters().DebounceMs,
		authority:  authority,
		logger:     logging.Nop(),
		clock:      domain.WallClock{},
	}
	WithTrustedEngines(DefaultTrustedEngines...)(g)
	WithBypassEvents(DefaultBypassEvents...)(g)
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Attach connects the gateway to the bus: it follows ai:parameters-updated
// and reports unreachable-authority conditions as ai:governance-alert.
func (g *Gateway) Attach(b *bus.Bus) error {
	g.mu.Lock()
	g.bus = b
	g.mu.Unlock()
	_, err := b.Subscribe(domain.EventParametersUpdated, func(ev domain.Event) error {
		if p, ok := ev.Payload.(domain.Parameters); ok {
			g.ApplyParameters(p)
		}
		return nil
	}, bus.SubscribeOptions{Priority: 100})
	return err
}

// ApplyParameters picks up tuned parameters from the adaptive loop.
func (g *Gateway) ApplyParameters(p domain.Parameters) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if p.DebounceMs >= 0 {
		g.debounceMs = p.DebounceMs
	}
}

// RegisterEngine adds an engine. A second registration for the same id is
// rejected and does not overwrite the first.
func (g *Gateway) RegisterEngine(cfg domain.EngineConfig) error {
	if cfg.ID == "" {
		return domain.NewEngineError(domain.ErrInvalidEngine.Code, "engine id is required")
	}
	priv, err := domain.ParsePrivilege(cfg.Privilege)
	if err != nil {
		return err
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if _, exists := g.engines[cfg.ID]; exists {
		return domain.NewEngineError(domain.ErrDuplicateEngine.Code, "engine already registered: "+cfg.ID)
	}
	g.engines[cfg.ID] = newEngine(cfg, priv, false)
	enginesGauge.Inc()
	g.logger.Info("engine registered", "engine_id", cfg.ID, "privilege", string(priv), "allowed", len(cfg.AllowedEvents))
	return nil
}

func newEngine(cfg domain.EngineConfig, priv domain.Privilege, auto bool) *engine {
	name := cfg.Name
	if name == "" {
		name = cfg.ID
	}
	e := &engine{
		reg: domain.EngineRegistration{
			ID:               cfg.ID,
			DisplayName:      name,
			Category:         cfg.Category,
			Privilege:        priv,
			AllowedEvents:    append([]domain.EventType(nil), cfg.AllowedEvents...),
			SubscribedEvents: append([]domain.EventType(nil), cfg.SubscribedEvents...),
			Active:           true,
			AutoRegistered:   auto,
		},
		allowed: make(map[domain.EventType]struct{}, len(cfg.AllowedEvents)),
	}
	for _, t := range cfg.AllowedEvents {
		e.allowed[t] = struct{}{}
	}
	return e
}

// UnregisterEngine removes an engine and its cached decisions.
func (g *Gateway) UnregisterEngine(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.engines[id]; !ok {
		return false
	}
	delete(g.engines, id)
	g.cache.invalidateEngine(id)
	enginesGauge.Dec()
	return true
}

// SetActive toggles an engine. Inactive engines are denied.
func (g *Gateway) SetActive(id string, active bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	e, ok := g.engines[id]
	if !ok {
		return domain.ErrEngineNotRegistered
	}
	e.reg.Active = active
	g.cache.invalidateEngine(id)
	return nil
}

// Engine returns a copy of a registration.
func (g *Gateway) Engine(id string) (domain.EngineRegistration, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	e, ok := g.engines[id]
	if !ok {
		return domain.EngineRegistration{}, false
	}
	return copyRegistration(e.reg), true
}

// lookupLocked resolves an engine, taking the explicit auto-registration
// fallback when enabled. Must be called with mu held.
func (g *Gateway) lookupLocked(id string) (*engine, bool) {
	if e, ok := g.engines[id]; ok {
		return e, true
	}
	if !g.autoRegister || id == "" {
		return nil, false
	}
	e := newEngine(domain.EngineConfig{
		ID:            id,
		Category:      "auto",
		AllowedEvents: g.autoAllowed,
	}, domain.PrivilegeRestricted, true)
	g.engines[id] = e
	enginesGauge.Inc()
	g.logger.Warn("auto-registered unknown engine as restricted", "engine_id", id, "allowed", len(g.autoAllowed))
	return e, true
}

func (g *Gateway) bypassedLocked(e *engine, t domain.EventType) bool {
	if _, ok := g.bypass[t]; ok {
		return true
	}
	if _, ok := g.trusted[e.reg.ID]; ok {
		return true
	}
	switch e.reg.Privilege {
	case domain.PrivilegeSystem:
		return true
	case domain.PrivilegeElevated:
		return e.allows(t)
	}
	return false
}

// RequestEmitPermission decides whether req.EngineID may emit req.EventType.
//
// Order: unknown engine, bypass, allow-list, cache, authority escalation.
// Any failure talking to the authority resolves to deny.
func (g *Gateway) RequestEmitPermission(ctx context.Context, req domain.PermissionRequest) domain.PermissionResult {
	ctx, span := tracer.Start(ctx, "gateway.RequestEmitPermission")
	defer span.End()
	span.SetAttributes(
		attribute.String("engine.id", req.EngineID),
		attribute.String("event.type", string(req.EventType)),
	)

	res := g.requestEmit(ctx, req)

	span.SetAttributes(
		attribute.Bool("permission.granted", res.Granted),
		attribute.String("permission.reason", res.Reason),
		attribute.Bool("permission.cached", res.Cached),
	)
	observeDecision(res.Granted, res.Reason)
	return res
}

func (g *Gateway) requestEmit(ctx context.Context, req domain.PermissionRequest) domain.PermissionResult {
	now := g.clock.Now()
	key := cacheKey{engineID: req.EngineID, subject: string(req.EventType)}

	g.mu.Lock()
	e, ok := g.lookupLocked(req.EngineID)
	if !ok {
		g.mu.Unlock()
		res := domain.PermissionResult{Granted: false, Reason: domain.ReasonEngineNotRegistered}
		g.audit(ctx, req.EngineID, "", string(req.EventType), res.Reason, now)
		return res
	}
	e.reg.Counters.Requested++
	priv := e.reg.Privilege

	if !e.reg.Active {
		e.reg.Counters.Denied++
		g.mu.Unlock()
		g.audit(ctx, req.EngineID, priv, string(req.EventType), domain.ReasonEngineInactive, now)
		return domain.PermissionResult{Granted: false, Reason: domain.ReasonEngineInactive}
	}

	if g.bypassedLocked(e, req.EventType) {
		e.reg.Counters.Granted++
		res := domain.PermissionResult{Granted: true, Reason: domain.ReasonBypass}
		g.cache.put(key, res, now)
		g.mu.Unlock()
		return res
	}

	if !e.allows(req.EventType) && priv != domain.PrivilegeSystem {
		e.reg.Counters.Denied++
		g.mu.Unlock()
		g.audit(ctx, req.EngineID, priv, string(req.EventType), domain.ReasonEventNotAllowed, now)
		return domain.PermissionResult{Granted: false, Reason: domain.ReasonEventNotAllowed}
	}

	if cached, hit := g.cache.get(key, now); hit {
		e.reg.Counters.CacheHits++
		g.cacheHits++
		countVerdictLocked(e, cached.Granted)
		debounce := g.debounceMs
		g.mu.Unlock()
		cacheHitsTotal.Inc()
		cached.Cached = true
		return restrict(cached, req.EngineID, priv, req.Payload, debounce, now)
	}
	debounce := g.debounceMs
	g.mu.Unlock()

	res := g.escalate(ctx, key, &Escalation{
		Kind:       EscalateEmit,
		EngineID:   req.EngineID,
		Privilege:  priv,
		EventType:  req.EventType,
		Payload:    req.Payload,
		Priority:   req.Priority,
		Reason:     req.Reason,
		DebounceMs: debounce,
	})

	g.mu.Lock()
	if e, ok := g.engines[req.EngineID]; ok {
		countVerdictLocked(e, res.Granted)
	}
	g.mu.Unlock()
	if !res.Granted {
		g.audit(ctx, req.EngineID, priv, string(req.EventType), res.Reason, now)
	}
	return restrict(res, req.EngineID, priv, req.Payload, debounce, now)
}

// restrict applies the restricted-engine terms to a grant: at least the
// debounce delay, and a payload stamped from this request when the authority
// did not hand back one of its own.
func restrict(res domain.PermissionResult, engineID string, priv domain.Privilege, payload any, debounceMs int64, now time.Time) domain.PermissionResult {
	if !res.Granted || priv != domain.PrivilegeRestricted {
		return res
	}
	if res.DelayMs < debounceMs {
		res.DelayMs = debounceMs
	}
	if res.ModifiedPayload == nil {
		res.ModifiedPayload = stampPayload(Escalation{EngineID: engineID, Privilege: priv, Payload: payload}, now)
	}
	return res
}

// RequestActionPermission runs the same protocol for a named action, without
// the allowed-events pre-filter. System engines are granted immediately.
func (g *Gateway) RequestActionPermission(ctx context.Context, engineID, action string, payload any) domain.PermissionResult {
	ctx, span := tracer.Start(ctx, "gateway.RequestActionPermission")
	defer span.End()
	span.SetAttributes(attribute.String("engine.id", engineID), attribute.String("action", action))

	res := g.requestAction(ctx, engineID, action, payload)
	span.SetAttributes(attribute.Bool("permission.granted", res.Granted), attribute.String("permission.reason", res.Reason))
	observeDecision(res.Granted, res.Reason)
	return res
}

func (g *Gateway) requestAction(ctx context.Context, engineID, action string, payload any) domain.PermissionResult {
	now := g.clock.Now()
	subject := "action:" + action
	key := cacheKey{engineID: engineID, subject: subject}

	g.mu.Lock()
	e, ok := g.lookupLocked(engineID)
	if !ok {
		g.mu.Unlock()
		g.audit(ctx, engineID, "", subject, domain.ReasonEngineNotRegistered, now)
		return domain.PermissionResult{Granted: false, Reason: domain.ReasonEngineNotRegistered}
	}
	e.reg.Counters.Requested++
	priv := e.reg.Privilege

	if !e.reg.Active {
		e.reg.Counters.Denied++
		g.mu.Unlock()
		g.audit(ctx, engineID, priv, subject, domain.ReasonEngineInactive, now)
		return domain.PermissionResult{Granted: false, Reason: domain.ReasonEngineInactive}
	}

	if priv == domain.PrivilegeSystem {
		e.reg.Counters.Granted++
		e.reg.Counters.Executed++
		g.mu.Unlock()
		return domain.PermissionResult{Granted: true, Reason: domain.ReasonBypass}
	}

	if cached, hit := g.cache.get(key, now); hit {
		e.reg.Counters.CacheHits++
		g.cacheHits++
		countVerdictLocked(e, cached.Granted)
		if cached.Granted {
			e.reg.Counters.Executed++
		}
		g.mu.Unlock()
		cacheHitsTotal.Inc()
		cached.Cached = true
		return cached
	}
	debounce := g.debounceMs
	g.mu.Unlock()

	res := g.escalate(ctx, key, &Escalation{
		Kind:       EscalateAction,
		EngineID:   engineID,
		Privilege:  priv,
		Action:     action,
		Payload:    payload,
		DebounceMs: debounce,
	})
	if !res.Granted && res.Reason == domain.ReasonDeniedByAuthority {
		res.Reason = domain.ReasonActionNotPermitted
	}

	g.mu.Lock()
	if e, ok := g.engines[engineID]; ok {
		countVerdictLocked(e, res.Granted)
		if res.Granted {
			e.reg.Counters.Executed++
		}
	}
	g.mu.Unlock()
	if !res.Granted {
		g.audit(ctx, engineID, priv, subject, res.Reason, now)
	}
	return res
}

func countVerdictLocked(e *engine, granted bool) {
	if granted {
		e.reg.Counters.Granted++
	} else {
		e.reg.Counters.Denied++
	}
}

// flightResult carries a shared escalation outcome together with the request
// that produced it.
type flightResult struct {
	res    domain.PermissionResult
	origin *Escalation
}

// escalate asks the authority once per key even under concurrent requests
// and caches non-transient verdicts. A modified payload belongs to the request
// that was escalated and is never handed to the other callers or cached.
func (g *Gateway) escalate(ctx context.Context, key cacheKey, esc *Escalation) domain.PermissionResult {
	flightKey := key.engineID + "|" + key.subject
	v, _, _ := g.flight.Do(flightKey, func() (interface{}, error) {
		ctx, span := tracer.Start(ctx, "gateway.escalate")
		defer span.End()

		g.mu.Lock()
		g.escalations++
		g.mu.Unlock()

		start := time.Now()
		verdict, err := g.callAuthority(ctx, *esc)
		escalationSeconds.Observe(time.Since(start).Seconds())

		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "authority unreachable")
			g.logger.Warn("authority unreachable, denying", "engine_id", esc.EngineID, "subject", key.subject, "error", err.Error())
			g.alertUnreachable(*esc, err)
			return flightResult{res: domain.PermissionResult{Granted: false, Reason: domain.ReasonAuthorityUnreachable}, origin: esc}, nil
		}

		res := domain.PermissionResult{
			Granted:         verdict.Granted,
			Reason:          verdict.Reason,
			ModifiedPayload: verdict.ModifiedPayload,
			DelayMs:         verdict.DelayMs,
		}
		if res.Reason == "" {
			if res.Granted {
				res.Reason = domain.ReasonApproved
			} else {
				res.Reason = domain.ReasonDeniedByAuthority
			}
		}
		if !verdict.Transient {
			g.mu.Lock()
			g.cache.put(key, res, g.clock.Now())
			g.mu.Unlock()
		}
		return flightResult{res: res, origin: esc}, nil
	})
	fr := v.(flightResult)
	res := fr.res
	if fr.origin != esc {
		res.ModifiedPayload = nil
	}
	return res
}

func (g *Gateway) callAuthority(ctx context.Context, esc Escalation) (Verdict, error) {
	if g.authority == nil {
		return Verdict{}, domain.ErrAuthorityUnreachable
	}
	return g.authority.Escalate(ctx, esc)
}

func (g *Gateway) alertUnreachable(esc Escalation, err error) {
	g.mu.Lock()
	b := g.bus
	g.mu.Unlock()
	if b == nil {
		return
	}
	b.Publish(domain.EventGovernanceAlert, domain.SafetyAlert{
		Level:     domain.AlertWarning,
		Reason:    domain.ReasonAuthorityUnreachable + ": " + err.Error(),
		EventType: esc.EventType,
	}, bus.PublishOptions{Source: EngineGovernanceCore, Priority: 10})
}

func (g *Gateway) audit(ctx context.Context, engineID string, priv domain.Privilege, subject, reason string, at time.Time) {
	g.logger.Info("permission denied", "engine_id", engineID, "subject", subject, "reason", reason)
	if g.auditor == nil {
		return
	}
	if err := g.auditor.RecordDenial(ctx, Denial{
		EngineID:  engineID,
		Privilege: priv,
		Subject:   subject,
		Reason:    reason,
		At:        at,
	}); err != nil {
		g.logger.Warn("record denial failed", "engine_id", engineID, "error", err.Error())
	}
}

// RecordEmission is called by a producer after it actually emitted.
func (g *Gateway) RecordEmission(engineID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if e, ok := g.engines[engineID]; ok {
		e.reg.Counters.Emitted++
	}
}

// PurgeExpired drops expired cache entries and returns how many were removed.
func (g *Gateway) PurgeExpired() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.cache.purgeExpired(g.clock.Now())
}

// IsBypassEvent reports whether t is never gated.
func (g *Gateway) IsBypassEvent(t domain.EventType) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.bypass[t]
	return ok
}

// Stats returns per-engine counters sorted by engine id.
func (g *Gateway) Stats() Stats {
	g.mu.Lock()
	defer g.mu.Unlock()

	engines := make([]domain.EngineRegistration, 0, len(g.engines))
	for _, e := range g.engines {
		engines = append(engines, copyRegistration(e.reg))
	}
	sort.Slice(engines, func(i, j int) bool { return engines[i].ID < engines[j].ID })
	return Stats{
		Engines:     engines,
		CacheSize:   g.cache.len(),
		CacheHits:   g.cacheHits,
		Escalations: g.escalations,
		DebounceMs:  g.debounceMs,
	}
}

func copyRegistration(r domain.EngineRegistration) domain.EngineRegistration {
	r.AllowedEvents = append([]domain.EventType(nil), r.AllowedEvents...)
	r.SubscribedEvents = append([]domain.EventType(nil), r.SubscribedEvents...)
	return r
}
