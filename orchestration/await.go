package orchestration

import (
	"context"
	"fmt"
	"time"

	"github.com/durapensa/ksi/core"
	"github.com/durapensa/ksi/router"
)

// AwaitSpec is the argument block of the AWAIT primitive: wait for quorum,
// not unanimity. Multi-agent fan-out reliably has stragglers and failures,
// so MinResponses below the full recipient count is the normal case.
type AwaitSpec struct {
	// From limits which responder identities count. Empty accepts any.
	From []string
	// EventPattern selects the response events (exact name or wildcard).
	EventPattern string
	// MinResponses resolves the await as soon as this many responses have
	// been collected. Must be >= 1.
	MinResponses int
	// MaxResponses caps collection. Zero means MinResponses.
	MaxResponses int
	// Timeout bounds the suspension. Must be > 0: no suspension point may
	// block indefinitely.
	Timeout time.Duration
	// CollectPartial returns whatever was collected on timeout instead of
	// raising an AwaitTimeoutError.
	CollectPartial bool
	// AllowDuplicates counts repeated responses from the same responder.
	// Off by default: min_responses means distinct responders.
	AllowDuplicates bool
}

// AwaitResult is the outcome of an AWAIT.
type AwaitResult struct {
	AwaitID   string
	Responses []core.Event
	TimedOut  bool
}

type awaitEntry struct {
	id      string
	runID   string
	pattern string
	from    map[string]bool
	// filter, when set, further constrains matching events (used by
	// COORDINATE to match on coordination_id).
	filter func(core.Event) bool

	minResponses int
	maxResponses int
	allowDup     bool

	collected  []core.Event
	responders map[string]bool
	resolved   bool

	done chan []core.Event
}

// responderOf extracts the responder identity from an event: the agent_id
// field when present, the origin otherwise.
func responderOf(ev core.Event) string {
	if id := ev.DataString("agent_id"); id != "" {
		return id
	}
	return ev.Origin
}

// offer feeds one event into the entry, returning true when the entry just
// became satisfied. Caller holds the executor's await lock.
func (a *awaitEntry) offer(ev core.Event) bool {
	if a.resolved || !router.PatternMatches(a.pattern, ev.Name) {
		return false
	}
	if a.filter != nil && !a.filter(ev) {
		return false
	}
	resp := responderOf(ev)
	if len(a.from) > 0 && !a.from[resp] {
		return false
	}
	if !a.allowDup && resp != "" && a.responders[resp] {
		return false
	}
	if len(a.collected) >= a.maxResponses {
		return false
	}
	if resp != "" {
		a.responders[resp] = true
	}
	a.collected = append(a.collected, ev)
	if len(a.collected) >= a.minResponses {
		a.resolved = true
		return true
	}
	return false
}

// Await registers a pending await and suspends until min_responses matching
// events arrive, the timeout elapses, or the run is torn down. The pending
// entry is removed exactly once: on satisfaction, timeout or cancellation,
// never more than one of them.
func (ex *Executor) Await(ctx context.Context, runID string, spec AwaitSpec) (AwaitResult, error) {
	start := time.Now()
	run, ok := ex.Run(runID)
	if !ok {
		return AwaitResult{}, core.ErrRunNotFound
	}
	if spec.MinResponses < 1 {
		return AwaitResult{}, fmt.Errorf("await requires min_responses >= 1")
	}
	if spec.Timeout <= 0 {
		return AwaitResult{}, fmt.Errorf("await requires a positive timeout")
	}
	if spec.MaxResponses < spec.MinResponses {
		spec.MaxResponses = spec.MinResponses
	}
	if !router.ValidPattern(spec.EventPattern) {
		return AwaitResult{}, fmt.Errorf("await: invalid event pattern %q", spec.EventPattern)
	}

	entry := &awaitEntry{
		id:           core.NewID(),
		runID:        runID,
		pattern:      spec.EventPattern,
		from:         map[string]bool{},
		minResponses: spec.MinResponses,
		maxResponses: spec.MaxResponses,
		allowDup:     spec.AllowDuplicates,
		responders:   map[string]bool{},
		done:         make(chan []core.Event, 1),
	}
	for _, id := range spec.From {
		entry.from[id] = true
	}

	ex.awaitMu.Lock()
	ex.awaits[entry.id] = entry
	ex.awaitMu.Unlock()

	timer := time.NewTimer(spec.Timeout)
	defer timer.Stop()

	select {
	case responses := <-entry.done:
		ex.removeAwait(entry.id)
		ex.logPrimitive("await", start, nil)
		return AwaitResult{AwaitID: entry.id, Responses: responses}, nil

	case <-timer.C:
		collected := ex.takeAwait(entry)
		if spec.CollectPartial {
			ex.logPrimitive("await", start, nil)
			return AwaitResult{AwaitID: entry.id, Responses: collected, TimedOut: true}, nil
		}
		err := &core.AwaitTimeoutError{AwaitID: entry.id, Collected: len(collected), Required: spec.MinResponses}
		ex.logPrimitive("await", start, err)
		return AwaitResult{}, err

	case <-run.Context().Done():
		ex.removeAwait(entry.id)
		ex.logPrimitive("await", start, core.ErrCancelled)
		return AwaitResult{AwaitID: entry.id}, fmt.Errorf("await %s: %w", entry.id, core.ErrCancelled)

	case <-ctx.Done():
		ex.removeAwait(entry.id)
		ex.logPrimitive("await", start, ctx.Err())
		return AwaitResult{AwaitID: entry.id}, ctx.Err()
	}
}

// observe is the router post-dispatch hook advancing suspended awaits.
func (ex *Executor) observe(_ context.Context, ev core.Event) {
	ex.awaitMu.Lock()
	var satisfied []*awaitEntry
	for _, a := range ex.awaits {
		if a.offer(ev) {
			satisfied = append(satisfied, a)
		}
	}
	ex.awaitMu.Unlock()

	for _, a := range satisfied {
		responses := append([]core.Event(nil), a.collected...)
		a.done <- responses
	}
}

// takeAwait removes the entry and returns whatever it collected.
func (ex *Executor) takeAwait(entry *awaitEntry) []core.Event {
	ex.awaitMu.Lock()
	defer ex.awaitMu.Unlock()
	delete(ex.awaits, entry.id)
	entry.resolved = true
	return append([]core.Event(nil), entry.collected...)
}

func (ex *Executor) removeAwait(id string) {
	ex.awaitMu.Lock()
	delete(ex.awaits, id)
	ex.awaitMu.Unlock()
}
