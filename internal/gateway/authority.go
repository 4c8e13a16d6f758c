package gateway

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/anthropics/governance-core/internal/domain"
)

// EscalationKind distinguishes emission requests from action requests.
type EscalationKind string

const (
	EscalateEmit   EscalationKind = "emit"
	EscalateAction EscalationKind = "action"
)

// Escalation is the request sent to the central authority.
type Escalation struct {
	Kind       EscalationKind
	EngineID   string
	Privilege  domain.Privilege
	EventType  domain.EventType
	Action     string
	Payload    any
	Priority   int
	Reason     string
	DebounceMs int64
}

// Verdict is the authority's final answer. Transient verdicts are returned
// to the caller but never cached.
type Verdict struct {
	Granted         bool
	Reason          string
	ModifiedPayload any
	DelayMs         int64
	Transient       bool
}

// Authority makes the final approve/deny decision for escalated requests.
type Authority interface {
	Decide(ctx context.Context, esc Escalation) (Verdict, error)
}

// AuthorityFunc adapts a function to Authority.
type AuthorityFunc func(ctx context.Context, esc Escalation) (Verdict, error)

// Decide calls f.
func (f AuthorityFunc) Decide(ctx context.Context, esc Escalation) (Verdict, error) {
	return f(ctx, esc)
}

type authorityReply struct {
	verdict Verdict
	err     error
}

type authorityCall struct {
	ctx   context.Context
	esc   Escalation
	reply chan authorityReply
}

// AuthorityActor serializes all escalations through a single goroutine that
// owns the Authority. Callers send a request and wait on a reply channel, so
// an escalation can be abandoned through its context.
type AuthorityActor struct {
	authority Authority
	requests  chan authorityCall
	stopCh    chan struct{}
	done      chan struct{}
	started   atomic.Bool
	startOnce sync.Once
	stopOnce  sync.Once
}

// NewAuthorityActor wraps authority. The actor does nothing until Start.
func NewAuthorityActor(authority Authority) *AuthorityActor {
	return &AuthorityActor{
		authority: authority,
		requests:  make(chan authorityCall),
		stopCh:    make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Start launches the actor goroutine. Safe to call multiple times.
func (a *AuthorityActor) Start() {
	a.startOnce.Do(func() {
		a.started.Store(true)
		go a.loop()
	})
}

// Stop terminates the actor. Pending and future escalations fail with
// ErrAuthorityUnreachable. Safe to call multiple times.
func (a *AuthorityActor) Stop() {
	a.stopOnce.Do(func() {
		close(a.stopCh)
		if a.started.Load() {
			<-a.done
		}
	})
}

// Running reports whether the actor accepts escalations.
func (a *AuthorityActor) Running() bool {
	if !a.started.Load() {
		return false
	}
	select {
	case <-a.stopCh:
		return false
	default:
		return true
	}
}

func (a *AuthorityActor) loop() {
	defer close(a.done)
	for {
		select {
		case <-a.stopCh:
			return
		case call := <-a.requests:
			v, err := a.decide(call.ctx, call.esc)
			call.reply <- authorityReply{verdict: v, err: err}
		}
	}
}

func (a *AuthorityActor) decide(ctx context.Context, esc Escalation) (v Verdict, err error) {
	defer func() {
		if r := recover(); r != nil {
			v = Verdict{}
			err = fmt.Errorf("authority panic: %v", r)
		}
	}()
	return a.authority.Decide(ctx, esc)
}

// Escalate sends esc to the authority and waits for its verdict.
func (a *AuthorityActor) Escalate(ctx context.Context, esc Escalation) (Verdict, error) {
	if !a.Running() {
		return Verdict{}, domain.ErrAuthorityUnreachable
	}
	call := authorityCall{ctx: ctx, esc: esc, reply: make(chan authorityReply, 1)}

	select {
	case a.requests <- call:
	case <-a.stopCh:
		return Verdict{}, domain.ErrAuthorityUnreachable
	case <-ctx.Done():
		return Verdict{}, domain.WrapEngineError(domain.ErrAuthorityUnreachable.Code, "escalation abandoned", ctx.Err())
	}

	select {
	case r := <-call.reply:
		return r.verdict, r.err
	case <-ctx.Done():
		return Verdict{}, domain.WrapEngineError(domain.ErrAuthorityUnreachable.Code, "escalation abandoned", ctx.Err())
	}
}
