// Package bus implements the in-process event bus: typed publish/subscribe
// with priority-ordered synchronous dispatch, per-handler failure isolation
// and a bounded history log.
package bus

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/anthropics/governance-core/internal/domain"
	"github.com/anthropics/governance-core/internal/logging"
	"github.com/anthropics/governance-core/internal/ring"
)

// DefaultHistoryCap is the global cap on the history log.
const DefaultHistoryCap = 100

// Handler is invoked with each delivered event. A returned error or a panic
// is logged and isolated to this handler.
type Handler func(domain.Event) error

// SubscribeOptions configures a subscription.
type SubscribeOptions struct {
	// Priority orders handlers for the same event: higher runs first, ties
	// run in registration order.
	Priority int
	// Once removes the subscription after its first invocation.
	Once bool
}

// PublishOptions carries the optional event envelope fields.
type PublishOptions struct {
	Source   string
	Priority int
	Metadata map[string]string
}

type subscription struct {
	id        string
	eventType domain.EventType // empty for wildcard
	handler   Handler
	priority  int
	once      bool
	seq       uint64
	fired     atomic.Bool
	removed   atomic.Bool
}

// Stats is the bus query surface.
type Stats struct {
	Subscriptions map[domain.EventType]int `json:"subscriptions"`
	Wildcard      int                      `json:"wildcard"`
	HistorySize   int                      `json:"history_size"`
	HistoryCap    int                      `json:"history_cap"`
	Published     uint64                   `json:"published"`
	HandlerErrors uint64                   `json:"handler_errors"`
	Guarded       uint64                   `json:"guarded"`
}

// Guard is consulted before an event is logged or dispatched. Returning
// false drops the event.
type Guard func(domain.Event) bool

// Option configures a Bus.
type Option func(*Bus)

// WithHistoryCap sets the history capacity. Values below 1 are ignored and
// values above DefaultHistoryCap are clamped to it.
func WithHistoryCap(n int) Option {
	return func(b *Bus) {
		switch {
		case n > DefaultHistoryCap:
			b.historyCap = DefaultHistoryCap
		case n > 0:
			b.historyCap = n
		}
	}
}

// WithGuard installs a pre-dispatch guard.
func WithGuard(g Guard) Option {
	return func(b *Bus) { b.guard = g }
}

// WithLogger sets the logger used for handler failures.
func WithLogger(l logging.Logger) Option {
	return func(b *Bus) { b.logger = logging.OrNop(l) }
}

// WithClock sets the clock used to timestamp events.
func WithClock(c domain.Clock) Option {
	return func(b *Bus) {
		if c != nil {
			b.clock = c
		}
	}
}

// Bus is the event hub. It exclusively owns subscriptions and the history log.
type Bus struct {
	mu         sync.RWMutex
	subs       map[domain.EventType][]*subscription
	wildcard   []*subscription
	byID       map[string]*subscription
	seq        uint64
	history    *ring.Buffer[domain.Event]
	historyCap int
	closed     bool
	guard      Guard

	published     atomic.Uint64
	handlerErrors atomic.Uint64
	guarded       atomic.Uint64

	logger logging.Logger
	clock  domain.Clock
}

// New creates a Bus.
func New(opts ...Option) *Bus {
	b := &Bus{
		subs:       make(map[domain.EventType][]*subscription),
		byID:       make(map[string]*subscription),
		historyCap: DefaultHistoryCap,
		logger:     logging.Nop(),
		clock:      domain.WallClock{},
	}
	for _, opt := range opts {
		opt(b)
	}
	b.history = ring.New[domain.Event](b.historyCap)
	return b
}

// Subscribe registers handler for eventType and returns the subscription id.
// Handlers run by descending priority; equal priorities run in registration
// order.
func (b *Bus) Subscribe(eventType domain.EventType, handler Handler, opts SubscribeOptions) (string, error) {
	if handler == nil {
		return "", domain.ErrNilHandler
	}
	if eventType == "" {
		return "", domain.ErrInvalidEventType
	}
	return b.add(eventType, handler, opts), nil
}

// SubscribeAll registers handler for every event type. Wildcard handlers are
// ordered together with type-specific handlers by priority and registration.
func (b *Bus) SubscribeAll(handler Handler, opts SubscribeOptions) (string, error) {
	if handler == nil {
		return "", domain.ErrNilHandler
	}
	return b.add("", handler, opts), nil
}

func (b *Bus) add(eventType domain.EventType, handler Handler, opts SubscribeOptions) string {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.seq++
	s := &subscription{
		id:        uuid.NewString(),
		eventType: eventType,
		handler:   handler,
		priority:  opts.Priority,
		once:      opts.Once,
		seq:       b.seq,
	}
	if eventType == "" {
		b.wildcard = append(b.wildcard, s)
	} else {
		b.subs[eventType] = append(b.subs[eventType], s)
	}
	b.byID[s.id] = s
	subscriptionsGauge.Inc()
	return s.id
}

// Unsubscribe removes a subscription. It reports whether the id was known.
func (b *Bus) Unsubscribe(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.removeLocked(id)
}

// UnsubscribeAll removes every type-specific subscription for eventType and
// returns how many were removed. Wildcard subscriptions are untouched.
func (b *Bus) UnsubscribeAll(eventType domain.EventType) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	list := b.subs[eventType]
	for _, s := range list {
		s.removed.Store(true)
		delete(b.byID, s.id)
	}
	delete(b.subs, eventType)
	subscriptionsGauge.Sub(float64(len(list)))
	return len(list)
}

func (b *Bus) removeLocked(id string) bool {
	s, ok := b.byID[id]
	if !ok {
		return false
	}
	s.removed.Store(true)
	delete(b.byID, id)

	if s.eventType == "" {
		b.wildcard = without(b.wildcard, s)
	} else {
		rest := without(b.subs[s.eventType], s)
		if len(rest) == 0 {
			delete(b.subs, s.eventType)
		} else {
			b.subs[s.eventType] = rest
		}
	}
	subscriptionsGauge.Dec()
	return true
}

// without returns a new slice so in-flight snapshots stay intact.
func without(list []*subscription, s *subscription) []*subscription {
	out := make([]*subscription, 0, len(list))
	for _, x := range list {
		if x != s {
			out = append(out, x)
		}
	}
	return out
}

// SetGuard replaces the pre-dispatch guard. nil removes it.
func (b *Bus) SetGuard(g Guard) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.guard = g
}

// Publish appends the event to history and synchronously dispatches it to
// every matching subscription in priority order. Handler failures are logged
// and never reach the caller. The event is returned even when it was dropped.
func (b *Bus) Publish(eventType domain.EventType, payload any, opts PublishOptions) domain.Event {
	ev, _ := b.TryPublish(eventType, payload, opts)
	return ev
}

// TryPublish is Publish that also reports whether the event was dispatched.
// It returns false when the bus is closed or the guard refused the event.
func (b *Bus) TryPublish(eventType domain.EventType, payload any, opts PublishOptions) (domain.Event, bool) {
	ev := domain.Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Payload:   payload,
		Timestamp: b.clock.Now(),
		Source:    opts.Source,
		Priority:  opts.Priority,
		Metadata:  copyMetadata(opts.Metadata),
	}

	b.mu.RLock()
	closed, guard := b.closed, b.guard
	b.mu.RUnlock()
	if closed {
		b.logger.Warn("publish on closed bus dropped", "event_type", string(eventType), "source", opts.Source)
		return ev, false
	}
	// The guard may publish itself, so it runs without the lock.
	if guard != nil && !guard(ev) {
		b.guarded.Add(1)
		guardedTotal.WithLabelValues(string(eventType)).Inc()
		b.logger.Debug("publish refused by guard", "event_type", string(eventType), "source", opts.Source)
		return ev, false
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ev, false
	}
	b.history.Push(ev)
	targets := b.snapshotLocked(eventType)
	b.mu.Unlock()

	b.published.Add(1)
	publishedTotal.WithLabelValues(string(eventType)).Inc()

	for _, s := range targets {
		if s.removed.Load() {
			continue
		}
		if s.once {
			if !s.fired.CompareAndSwap(false, true) {
				continue
			}
			b.Unsubscribe(s.id)
		}
		if err := b.invoke(s, ev); err != nil {
			b.handlerErrors.Add(1)
			handlerErrorsTotal.WithLabelValues(string(eventType)).Inc()
			b.logger.Error("event handler failed",
				"event_type", string(eventType),
				"subscription_id", s.id,
				"error", err.Error(),
			)
		}
	}
	return ev, true
}

// snapshotLocked merges type-specific and wildcard subscriptions and orders
// them by priority descending, then registration order.
func (b *Bus) snapshotLocked(eventType domain.EventType) []*subscription {
	typed := b.subs[eventType]
	out := make([]*subscription, 0, len(typed)+len(b.wildcard))
	out = append(out, typed...)
	out = append(out, b.wildcard...)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].priority != out[j].priority {
			return out[i].priority > out[j].priority
		}
		return out[i].seq < out[j].seq
	})
	return out
}

func (b *Bus) invoke(s *subscription, ev domain.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &domain.HandlerError{
				EventType:      ev.Type,
				SubscriptionID: s.id,
				Cause:          fmt.Errorf("panic: %v", r),
			}
		}
	}()
	// Handlers get their own metadata copy so the logged event stays immutable.
	ev.Metadata = copyMetadata(ev.Metadata)
	if herr := s.handler(ev); herr != nil {
		return &domain.HandlerError{EventType: ev.Type, SubscriptionID: s.id, Cause: herr}
	}
	return nil
}

// History returns up to limit of the most recent events in arrival order,
// optionally restricted to one event type. limit <= 0 returns everything.
func (b *Bus) History(limit int, filter domain.EventType) []domain.Event {
	b.mu.RLock()
	all := b.history.Items()
	b.mu.RUnlock()

	if filter != "" {
		kept := all[:0]
		for _, ev := range all {
			if ev.Type == filter {
				kept = append(kept, ev)
			}
		}
		all = kept
	}
	if limit > 0 && len(all) > limit {
		all = all[len(all)-limit:]
	}
	out := make([]domain.Event, len(all))
	for i, ev := range all {
		ev.Metadata = copyMetadata(ev.Metadata)
		out[i] = ev
	}
	return out
}

// Stats returns subscription counts per type and history size.
func (b *Bus) Stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	counts := make(map[domain.EventType]int, len(b.subs))
	for t, list := range b.subs {
		counts[t] = len(list)
	}
	return Stats{
		Subscriptions: counts,
		Wildcard:      len(b.wildcard),
		HistorySize:   b.history.Len(),
		HistoryCap:    b.history.Cap(),
		Published:     b.published.Load(),
		HandlerErrors: b.handlerErrors.Load(),
		Guarded:       b.guarded.Load(),
	}
}

// Close stops dispatch. Later publishes are dropped; history stays readable.
// Safe to call multiple times.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
}

// Closed reports whether Close has been called.
func (b *Bus) Closed() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.closed
}

func copyMetadata(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
