package transform

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/tidwall/sjson"

	"github.com/durapensa/ksi/core"
	"github.com/durapensa/ksi/logging"
	"github.com/durapensa/ksi/template"
)

// Options configures an Engine.
type Options struct {
	// AsyncDeadline bounds how long a pending async transform may wait for
	// its response_route match before being garbage-collected.
	AsyncDeadline time.Duration
	// Logger receives rule diagnostics. Nil means no logging.
	Logger logging.Logger
}

// DefaultAsyncDeadline is applied when Options.AsyncDeadline is zero.
const DefaultAsyncDeadline = 30 * time.Second

type installedRule struct {
	rule  Rule
	owner string
	seq   uint64
}

type pendingTransform struct {
	transformID string
	rule        Rule
	owner       string
	deadline    time.Time
}

// Engine evaluates transformer rules against every emitted event. It attaches
// to the router as a post-dispatch hook: rewriting is strictly additive
// relative to primary dispatch, a rule failure never blocks other rules or
// the original event's handlers.
//
// Async rules are modeled as explicit two-state entries (pending, resolved)
// in a correlation table keyed by transform_id, advanced by ordinary event
// arrival rather than captured continuations.
type Engine struct {
	mu      sync.RWMutex
	rules   []*installedRule
	ruleSeq uint64

	pendMu  sync.Mutex
	pending map[string]*pendingTransform

	emitter  core.Emitter
	deadline time.Duration
	logger   logging.Logger
}

// NewEngine constructs an Engine emitting derived events through emitter.
func NewEngine(emitter core.Emitter, optFns ...func(o *Options)) *Engine {
	opts := Options{AsyncDeadline: DefaultAsyncDeadline}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Logger == nil {
		opts.Logger = logging.NoOpLogger{}
	}
	if opts.AsyncDeadline <= 0 {
		opts.AsyncDeadline = DefaultAsyncDeadline
	}
	return &Engine{
		pending:  map[string]*pendingTransform{},
		emitter:  emitter,
		deadline: opts.AsyncDeadline,
		logger:   opts.Logger,
	}
}

// AddRule validates and installs a rule on behalf of owner (typically an
// orchestration run id). Rules fire in installation order.
func (e *Engine) AddRule(owner string, rule Rule) error {
	if err := rule.Validate(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ruleSeq++
	e.rules = append(e.rules, &installedRule{rule: rule, owner: owner, seq: e.ruleSeq})
	return nil
}

// RemoveOwner drops every rule installed by owner and cancels its pending
// async transforms. Called on orchestration teardown.
func (e *Engine) RemoveOwner(owner string) int {
	e.mu.Lock()
	kept := e.rules[:0]
	removed := 0
	for _, ir := range e.rules {
		if ir.owner == owner {
			removed++
			continue
		}
		kept = append(kept, ir)
	}
	e.rules = kept
	e.mu.Unlock()

	e.pendMu.Lock()
	for id, p := range e.pending {
		if p.owner == owner {
			delete(e.pending, id)
		}
	}
	e.pendMu.Unlock()
	return removed
}

// RuleCount returns the number of installed rules.
func (e *Engine) RuleCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.rules)
}

// PendingCount returns the number of outstanding async transforms.
func (e *Engine) PendingCount() int {
	e.pendMu.Lock()
	defer e.pendMu.Unlock()
	return len(e.pending)
}

// HandleEvent is the router post-dispatch hook. It first advances any pending
// async transforms whose response_route matches the event, then evaluates
// every installed rule against it.
func (e *Engine) HandleEvent(ctx context.Context, ev core.Event) {
	e.resolvePending(ctx, ev)

	e.mu.RLock()
	matching := make([]*installedRule, 0, len(e.rules))
	for _, ir := range e.rules {
		if ir.rule.matches(ev.Name) {
			matching = append(matching, ir)
		}
	}
	e.mu.RUnlock()

	for _, ir := range matching {
		if err := e.applyRule(ctx, ir, ev); err != nil {
			// A rule failure aborts only that rule. It is loud: logged
			// and broadcast as transformer:error for monitors.
			e.logger.Error("transformer rule failed", "rule", ir.rule.Name, "source", ev.Name, "error", err.Error())
			errEv := ev.Derive(core.TransformerErrorEventName, map[string]any{
				"rule":           ir.rule.Name,
				"source_event":   ev.Name,
				"target_event":   ir.rule.Target,
				"error_message":  err.Error(),
				"template_error": isTemplateError(err),
			})
			if _, eerr := e.emitter.Emit(ctx, errEv); eerr != nil {
				e.logger.Error("failed to emit transformer:error", "error", eerr.Error())
			}
		}
	}
}

// Sweep garbage-collects pending async transforms past their deadline,
// emitting a transformer:timeout notification for each. No response event is
// ever emitted for a swept entry.
func (e *Engine) Sweep(ctx context.Context) int {
	now := time.Now()
	e.pendMu.Lock()
	var expired []*pendingTransform
	for id, p := range e.pending {
		if now.After(p.deadline) {
			expired = append(expired, p)
			delete(e.pending, id)
		}
	}
	e.pendMu.Unlock()

	for _, p := range expired {
		e.logger.Warn("async transform timed out", "transform_id", p.transformID, "rule", p.rule.Name)
		ev := core.NewEvent(core.TransformerTimeoutEventName, map[string]any{
			"transform_id": p.transformID,
			"rule":         p.rule.Name,
			"target_event": p.rule.Target,
		})
		if _, err := e.emitter.Emit(ctx, ev); err != nil {
			e.logger.Error("failed to emit transformer:timeout", "error", err.Error())
		}
	}
	return len(expired)
}

// StartGC runs Sweep at the given interval until ctx is done.
func (e *Engine) StartGC(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				e.Sweep(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (e *Engine) applyRule(ctx context.Context, ir *installedRule, ev core.Event) error {
	rule := ir.rule
	evalCtx := envelopeContext(ev.Data)
	if rule.Condition != "" {
		ok, err := Eval(rule.Condition, evalCtx, nil)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
	}

	data, err := resolveMapping(rule.Mapping, evalCtx)
	if err != nil {
		return err
	}

	if !rule.Async {
		target := ev.Derive(rule.Target, data)
		_, err := e.emitter.Emit(ctx, target)
		e.logTransform(rule, ev, err)
		return err
	}

	// The pending entry must exist before the target event is emitted:
	// a fast responder may answer inside the emit call chain.
	transformID := core.NewID()
	e.pendMu.Lock()
	e.pending[transformID] = &pendingTransform{
		transformID: transformID,
		rule:        rule,
		owner:       ir.owner,
		deadline:    time.Now().Add(e.deadline),
	}
	e.pendMu.Unlock()

	data["request_id"] = transformID
	target := ev.Derive(rule.Target, data)
	if _, err := e.emitter.Emit(ctx, target); err != nil {
		e.pendMu.Lock()
		delete(e.pending, transformID)
		e.pendMu.Unlock()
		e.logTransform(rule, ev, err)
		return err
	}
	e.logTransform(rule, ev, nil)
	return nil
}

func (e *Engine) resolvePending(ctx context.Context, ev core.Event) {
	e.pendMu.Lock()
	var matched []*pendingTransform
	for id, p := range e.pending {
		route := p.rule.Response
		if !routeFromMatches(route.From, ev.Name) {
			continue
		}
		ok, err := filterMatches(route.Filter, ev, p.transformID)
		if err != nil {
			e.logger.Error("response filter evaluation failed", "transform_id", p.transformID, "error", err.Error())
			continue
		}
		if !ok {
			continue
		}
		matched = append(matched, p)
		delete(e.pending, id)
	}
	e.pendMu.Unlock()

	for _, p := range matched {
		payload := make(map[string]any, len(ev.Data)+1)
		for k, v := range ev.Data {
			payload[k] = v
		}
		payload["transform_id"] = p.transformID
		out := ev.Derive(p.rule.Response.To, payload)
		if _, err := e.emitter.Emit(ctx, out); err != nil {
			e.logger.Error("failed to emit response route event", "transform_id", p.transformID, "error", err.Error())
		}
	}
}

// filterMatches evaluates a response filter with transform_id bound. An
// empty filter defaults to matching the injected request_id, which is the
// common correlation contract.
func filterMatches(filter string, ev core.Event, transformID string) (bool, error) {
	if filter == "" {
		filter = "request_id == transform_id"
	}
	return Eval(filter, envelopeContext(ev.Data), map[string]any{"transform_id": transformID})
}

// envelopeContext exposes an event payload for template and expression
// resolution both at top level and under "data", so rules may address a
// field as {{item}} or {{data.item}} interchangeably. A payload carrying
// its own "data" key keeps it.
func envelopeContext(data map[string]any) map[string]any {
	ctx := make(map[string]any, len(data)+1)
	ctx["data"] = data
	for k, v := range data {
		ctx[k] = v
	}
	return ctx
}

func routeFromMatches(from, name string) bool {
	return from == name || from == "*"
}

// resolveMapping builds the target payload by resolving each mapping template
// strictly against the envelope-shaped source context. Target field names may
// themselves be dotted paths, producing nested structure.
func resolveMapping(mapping map[string]string, evalCtx map[string]any) (map[string]any, error) {
	doc := "{}"
	for field, tmpl := range mapping {
		v, err := template.ResolveValue(tmpl, evalCtx)
		if err != nil {
			return nil, err
		}
		doc, err = sjson.Set(doc, field, v)
		if err != nil {
			return nil, err
		}
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(doc), &out); err != nil {
		return nil, err
	}
	if out == nil {
		out = map[string]any{}
	}
	return out, nil
}

func (e *Engine) logTransform(rule Rule, ev core.Event, err error) {
	if l, ok := e.logger.(*logging.KSILogger); ok {
		l.LogTransform(ev.Name, rule.Target, rule.Async, err)
		return
	}
	if err == nil {
		e.logger.Debug("transformer applied", "source", ev.Name, "target", rule.Target, "async", rule.Async)
	}
}

func isTemplateError(err error) bool {
	var terr *core.TemplateResolutionError
	return errors.As(err, &terr)
}
