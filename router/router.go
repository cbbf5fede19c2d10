package router

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/durapensa/ksi/core"
	"github.com/durapensa/ksi/logging"
	"github.com/durapensa/ksi/schema"
)

// DispatchPolicy selects how results are gathered from matching handlers.
type DispatchPolicy int

const (
	// FanOut invokes every matching handler and returns all non-nil
	// results. Used for notification/broadcast events.
	FanOut DispatchPolicy = iota
	// FirstResult stops after the first handler returning a non-nil
	// result. Used for request/response style events where exactly one
	// provider should answer.
	FirstResult
)

// Subscription records one registered handler. Patterns are an exact event
// name, a namespace wildcard ("completion:*") or the global wildcard ("*");
// arbitrary expressions are rejected to keep routing decidable.
type Subscription struct {
	ID      string
	Pattern string
	Owner   string

	handler core.Handler
	seq     uint64
}

type corrResult struct {
	ev  core.Event
	err error
}

// Options configures a Router.
type Options struct {
	// Registry validates known event contracts before dispatch. Nil means
	// an empty open registry (everything passes).
	Registry *schema.Registry
	// Logger receives dispatch diagnostics. Nil means no logging.
	Logger logging.Logger
}

// Router is the pub/sub core: it matches emitted events against registered
// subscriptions, invokes handlers in a deterministic order, and resolves
// correlation waiters. All shared state lives behind per-table mutexes with
// bounded critical sections; handlers are never invoked under a lock.
type Router struct {
	mu       sync.RWMutex
	subs     map[string][]*Subscription // pattern -> registration-ordered
	byID     map[string]*Subscription
	policies map[string]DispatchPolicy
	regSeq   uint64

	corrMu  sync.Mutex
	waiters map[string]chan corrResult

	hookMu sync.RWMutex
	hooks  []func(context.Context, core.Event)

	registry *schema.Registry
	logger   logging.Logger
}

// New constructs a Router.
func New(optFns ...func(o *Options)) *Router {
	opts := Options{}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Logger == nil {
		opts.Logger = logging.NoOpLogger{}
	}
	if opts.Registry == nil {
		opts.Registry = schema.NewRegistry(opts.Logger)
	}
	return &Router{
		subs:     map[string][]*Subscription{},
		byID:     map[string]*Subscription{},
		policies: map[string]DispatchPolicy{},
		waiters:  map[string]chan corrResult{},
		registry: opts.Registry,
		logger:   opts.Logger,
	}
}

// Registry exposes the schema registry so callers can install event contracts.
func (r *Router) Registry() *schema.Registry { return r.registry }

// ValidPattern reports whether p is an exact name, namespace wildcard or the
// global wildcard.
func ValidPattern(p string) bool {
	if p == "" {
		return false
	}
	if p == "*" {
		return true
	}
	if strings.HasSuffix(p, ":*") {
		return !strings.Contains(strings.TrimSuffix(p, ":*"), "*")
	}
	return !strings.Contains(p, "*")
}

// PatternMatches reports whether a valid pattern covers the event name.
func PatternMatches(pattern, name string) bool {
	switch {
	case pattern == "*":
		return true
	case strings.HasSuffix(pattern, ":*"):
		return strings.HasPrefix(name, strings.TrimSuffix(pattern, "*"))
	default:
		return pattern == name
	}
}

// Subscribe registers a handler for a pattern on behalf of owner. Handlers
// for the same pattern fire in registration order.
func (r *Router) Subscribe(pattern, owner string, h core.Handler) (*Subscription, error) {
	if !ValidPattern(pattern) {
		return nil, fmt.Errorf("invalid subscription pattern %q: only exact names, namespace wildcards and * are supported", pattern)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.regSeq++
	sub := &Subscription{ID: core.NewID(), Pattern: pattern, Owner: owner, handler: h, seq: r.regSeq}
	r.subs[pattern] = append(r.subs[pattern], sub)
	r.byID[sub.ID] = sub
	return sub, nil
}

// Unsubscribe removes a single subscription by id.
func (r *Router) Unsubscribe(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.byID[id]
	if !ok {
		return false
	}
	delete(r.byID, id)
	r.subs[sub.Pattern] = removeSub(r.subs[sub.Pattern], id)
	return true
}

// UnsubscribeOwner removes every subscription held by owner, returning the
// number removed. Called on client/agent disconnect.
func (r *Router) UnsubscribeOwner(owner string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for pattern, subs := range r.subs {
		kept := subs[:0]
		for _, s := range subs {
			if s.Owner == owner {
				delete(r.byID, s.ID)
				removed++
				continue
			}
			kept = append(kept, s)
		}
		r.subs[pattern] = kept
	}
	return removed
}

// SetPolicy assigns a dispatch policy to an event name or pattern. Lookup at
// emit time prefers the exact name, then the namespace wildcard, then the
// global wildcard, defaulting to FanOut.
func (r *Router) SetPolicy(pattern string, p DispatchPolicy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.policies[pattern] = p
}

// OnEmit registers a post-dispatch hook observing every emitted event. The
// transformer engine attaches here so rule evaluation runs after primary
// dispatch without participating in result gathering.
func (r *Router) OnEmit(hook func(context.Context, core.Event)) {
	r.hookMu.Lock()
	defer r.hookMu.Unlock()
	r.hooks = append(r.hooks, hook)
}

// Emit validates and dispatches an event.
//
// Matching subscriptions fire exact-match first, then namespace wildcard,
// then global wildcard, in registration order within each tier, so more
// specific subscribers win deterministically under FirstResult. A handler
// error or panic is caught at the dispatch boundary, logged with the event
// context, broadcast as an event:error notification, and delivered as the
// failure result to any correlation waiter on the event. It never aborts
// dispatch to the remaining handlers.
func (r *Router) Emit(ctx context.Context, ev core.Event) ([]any, error) {
	start := time.Now()

	if _, err := r.registry.Validate(ev.Name, ev.Data); err != nil {
		return nil, err
	}

	matches, policy := r.match(ev.Name)
	if len(matches) == 0 {
		r.logger.Debug("no subscribers for event", "event", ev.Name)
	}

	var (
		results  []any
		firstErr error
	)
	for _, sub := range matches {
		res, err := r.invoke(ctx, sub, ev)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			r.logger.Error("handler failed", "event", ev.Name, "pattern", sub.Pattern, "owner", sub.Owner, "error", err.Error())
			// Guard against error-event recursion.
			if ev.Name != core.ErrorEventName {
				errEv := core.NewErrorEvent(ev, "handler_error", err.Error())
				if _, eerr := r.Emit(ctx, errEv); eerr != nil {
					r.logger.Error("failed to broadcast event:error", "error", eerr.Error())
				}
			}
			continue
		}
		if res == nil {
			continue
		}
		results = append(results, res)
		if policy == FirstResult {
			break
		}
	}

	// Resolve a waiter keyed by this event's correlation id: the event
	// itself is the response unless its dispatch failed for the direct
	// caller.
	if ev.CorrelationID != "" {
		if firstErr != nil {
			r.resolveCorrelation(ev.CorrelationID, core.Event{}, firstErr)
		} else {
			r.resolveCorrelation(ev.CorrelationID, ev, nil)
		}
	}

	r.runHooks(ctx, ev)

	if l, ok := r.logger.(*logging.KSILogger); ok {
		l.LogDispatch(ev.Name, len(matches), time.Since(start), firstErr)
	}
	return results, nil
}

// AwaitResponse blocks until an event carrying correlationID is emitted, the
// timeout elapses, or ctx is cancelled. Timeout removes the waiter and
// returns core.ErrTimeout; whether that is fatal or partial success is the
// caller's decision.
func (r *Router) AwaitResponse(ctx context.Context, correlationID string, timeout time.Duration) (core.Event, error) {
	ch := make(chan corrResult, 1)
	r.corrMu.Lock()
	if _, exists := r.waiters[correlationID]; exists {
		r.corrMu.Unlock()
		return core.Event{}, fmt.Errorf("correlation id %q already has a waiter", correlationID)
	}
	r.waiters[correlationID] = ch
	r.corrMu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		return res.ev, res.err
	case <-timer.C:
		r.removeWaiter(correlationID)
		return core.Event{}, fmt.Errorf("correlation %s: %w", correlationID, core.ErrTimeout)
	case <-ctx.Done():
		r.removeWaiter(correlationID)
		return core.Event{}, fmt.Errorf("correlation %s: %w", correlationID, core.ErrCancelled)
	}
}

// CancelWaiter resolves a pending correlation waiter with ErrCancelled.
// Run teardown uses this to keep shutdown fast instead of letting waiters
// time out naturally.
func (r *Router) CancelWaiter(correlationID string) bool {
	return r.resolveCorrelation(correlationID, core.Event{}, core.ErrCancelled)
}

// SubscriptionCount returns the number of live subscriptions, for
// introspection and tests.
func (r *Router) SubscriptionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

func (r *Router) invoke(ctx context.Context, sub *Subscription, ev core.Event) (res any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = &core.HandlerError{Event: ev.Name, Handler: sub.Owner, Err: fmt.Errorf("panic: %v", rec)}
		}
	}()
	res, err = sub.handler(ctx, ev)
	if err != nil {
		err = &core.HandlerError{Event: ev.Name, Handler: sub.Owner, Err: err}
	}
	return res, err
}

// match snapshots the matching subscriptions in dispatch order plus the
// effective policy. Lock held only for table lookup, never during handler
// invocation.
func (r *Router) match(name string) ([]*Subscription, DispatchPolicy) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ns := name
	if i := strings.Index(name, ":"); i >= 0 {
		ns = name[:i]
	}

	var matches []*Subscription
	for _, tier := range []string{name, ns + ":*", "*"} {
		tierSubs := r.subs[tier]
		ordered := make([]*Subscription, len(tierSubs))
		copy(ordered, tierSubs)
		sort.Slice(ordered, func(i, j int) bool { return ordered[i].seq < ordered[j].seq })
		matches = append(matches, ordered...)
	}

	policy := FanOut
	for _, key := range []string{name, ns + ":*", "*"} {
		if p, ok := r.policies[key]; ok {
			policy = p
			break
		}
	}
	return matches, policy
}

func (r *Router) runHooks(ctx context.Context, ev core.Event) {
	r.hookMu.RLock()
	hooks := make([]func(context.Context, core.Event), len(r.hooks))
	copy(hooks, r.hooks)
	r.hookMu.RUnlock()
	for _, h := range hooks {
		h(ctx, ev)
	}
}

func (r *Router) resolveCorrelation(correlationID string, ev core.Event, err error) bool {
	r.corrMu.Lock()
	ch, ok := r.waiters[correlationID]
	if ok {
		delete(r.waiters, correlationID)
	}
	r.corrMu.Unlock()
	if !ok {
		return false
	}
	ch <- corrResult{ev: ev, err: err}
	return true
}

func (r *Router) removeWaiter(correlationID string) {
	r.corrMu.Lock()
	delete(r.waiters, correlationID)
	r.corrMu.Unlock()
}

func removeSub(subs []*Subscription, id string) []*Subscription {
	kept := subs[:0]
	for _, s := range subs {
		if s.ID != id {
			kept = append(kept, s)
		}
	}
	return kept
}
