package orchestration

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/durapensa/ksi/core"
	"github.com/durapensa/ksi/lifecycle"
	"github.com/durapensa/ksi/logging"
	"github.com/durapensa/ksi/pattern"
	"github.com/durapensa/ksi/router"
	"github.com/durapensa/ksi/transform"
)

// Options configures an Executor.
type Options struct {
	// Transformers, when set, lets run start/stop install and tear down
	// the pattern's transformer rules.
	Transformers *transform.Engine
	// Store persists tracked state write-through. Nil keeps history
	// in-memory only.
	Store Store
	// Logger receives primitive diagnostics.
	Logger logging.Logger
}

// Executor interprets the orchestration primitive vocabulary (SPAWN, SEND,
// AWAIT, TRACK, QUERY, COORDINATE, AGGREGATE) over active runs. It consumes
// and produces ordinary events through the router; suspended primitives are
// advanced by event arrival via the router's post-dispatch hook, all bounded
// by timeouts, all cancellable by run teardown.
//
// The executor never swallows a primitive failure into a default value: the
// pattern interpreting these primitives decides retry vs abort vs degrade.
type Executor struct {
	router    *router.Router
	agents    *lifecycle.Manager
	transform *transform.Engine
	store     Store
	logger    logging.Logger

	runMu sync.RWMutex
	runs  map[string]*Run

	awaitMu sync.Mutex
	awaits  map[string]*awaitEntry

	redMu    sync.RWMutex
	reducers map[string]Reducer
}

// NewExecutor constructs an Executor and attaches it to the router's emit
// hook so awaits and coordinations observe every event.
func NewExecutor(r *router.Router, agents *lifecycle.Manager, optFns ...func(o *Options)) *Executor {
	opts := Options{}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Logger == nil {
		opts.Logger = logging.NoOpLogger{}
	}
	ex := &Executor{
		router:    r,
		agents:    agents,
		transform: opts.Transformers,
		store:     opts.Store,
		logger:    opts.Logger,
		runs:      map[string]*Run{},
		awaits:    map[string]*awaitEntry{},
		reducers:  map[string]Reducer{},
	}
	r.OnEmit(ex.observe)
	return ex
}

// StartRun activates an orchestration pattern: creates the run, installs the
// pattern's transformer rules under the run's ownership, spawns its declared
// agents, and restores any persisted tracked history.
func (ex *Executor) StartRun(ctx context.Context, def *pattern.Definition) (*Run, error) {
	run := newRun(core.NewID(), def.Name)

	if ex.transform != nil {
		for _, tr := range def.Transformers {
			rule := transform.Rule{
				Name:      tr.Name,
				Source:    tr.Source,
				Target:    tr.Target,
				Mapping:   tr.Mapping,
				Condition: tr.Condition,
				Async:     tr.Async,
			}
			if tr.Response != nil {
				rule.Response = &transform.ResponseRoute{From: tr.Response.From, To: tr.Response.To, Filter: tr.Response.Filter}
			}
			if err := ex.transform.AddRule(run.ID, rule); err != nil {
				ex.transform.RemoveOwner(run.ID)
				return nil, fmt.Errorf("pattern %q: %w", def.Name, err)
			}
		}
	}

	if ex.store != nil {
		entries, err := ex.store.Load(run.ID)
		if err != nil {
			ex.logger.Warn("failed to load persisted run history", "run_id", run.ID, "error", err.Error())
		} else if len(entries) > 0 {
			run.restoreTracked(entries)
		}
	}

	ex.runMu.Lock()
	ex.runs[run.ID] = run
	ex.runMu.Unlock()

	for role, a := range def.Agents {
		_, err := ex.Spawn(ctx, run.ID, SpawnSpec{Profile: a.Profile, Count: max(a.Count, 1), Purpose: role, Config: a.Config})
		if err != nil {
			// Partial pattern startup is not acceptable: tear down
			// whatever came up and surface the spawn failure.
			ex.StopRun(ctx, run.ID)
			return nil, fmt.Errorf("pattern %q role %q: %w", def.Name, role, err)
		}
	}

	ex.logger.Info("orchestration run started", "run_id", run.ID, "pattern", def.Name)
	return run, nil
}

// StopRun tears a run down deterministically: pending awaits resolve with
// Cancelled, the run's transformer rules are removed, and every owned agent
// is terminated, recursively.
func (ex *Executor) StopRun(ctx context.Context, runID string) error {
	ex.runMu.Lock()
	run, ok := ex.runs[runID]
	if ok {
		delete(ex.runs, runID)
	}
	ex.runMu.Unlock()
	if !ok {
		return core.ErrRunNotFound
	}

	run.cancel()

	ex.awaitMu.Lock()
	for id, a := range ex.awaits {
		if a.runID == runID {
			delete(ex.awaits, id)
		}
	}
	ex.awaitMu.Unlock()

	if ex.transform != nil {
		ex.transform.RemoveOwner(runID)
	}
	terminated := ex.agents.TerminateOwned(ctx, runID)
	ex.logger.Info("orchestration run stopped", "run_id", runID, "agents_terminated", terminated)
	return nil
}

// Run returns the active run for id.
func (ex *Executor) Run(runID string) (*Run, bool) {
	ex.runMu.RLock()
	defer ex.runMu.RUnlock()
	run, ok := ex.runs[runID]
	return run, ok
}

// SpawnSpec is the argument block of the SPAWN primitive.
type SpawnSpec struct {
	Profile string
	Count   int
	// Purpose doubles as the role the spawned agents are registered under.
	Purpose string
	Config  map[string]any
}

// SpawnResult reports a possibly partial spawn batch.
type SpawnResult struct {
	AgentIDs []string
	Errors   []error
}

// Spawn creates Count workers and registers them under the run. A partially
// successful batch returns the successful subset alongside a SpawnError
// rather than failing the whole call; callers must check both.
func (ex *Executor) Spawn(ctx context.Context, runID string, spec SpawnSpec) (SpawnResult, error) {
	start := time.Now()
	run, ok := ex.Run(runID)
	if !ok {
		return SpawnResult{}, core.ErrRunNotFound
	}
	if spec.Count <= 0 {
		spec.Count = 1
	}

	var res SpawnResult
	for i := 0; i < spec.Count; i++ {
		h, err := ex.agents.Spawn(ctx, spec.Profile, spec.Purpose, runID, spec.Config)
		if err != nil {
			res.Errors = append(res.Errors, err)
			continue
		}
		res.AgentIDs = append(res.AgentIDs, h.AgentID)
		run.AddAgent(spec.Purpose, h.AgentID)
	}

	var err error
	if len(res.Errors) > 0 {
		err = &core.SpawnError{Profile: spec.Profile, Spawned: res.AgentIDs, Errs: res.Errors}
	}
	ex.logPrimitive("spawn", start, err)
	return res, err
}

// SendSpec is the argument block of the SEND primitive. Exactly one of To or
// Criteria selects the recipients.
type SendSpec struct {
	To       string
	Criteria *lifecycle.Criteria
	Message  map[string]any
}

// Delivery reports one recipient's outcome.
type Delivery struct {
	AgentID   string `json:"agent_id"`
	Delivered bool   `json:"delivered"`
}

// Send delivers a message to a direct agent id or to every handle matching
// the criteria. Zero matched recipients returns an empty delivery list, not
// an error: criteria sends are expected to sometimes match nothing.
func (ex *Executor) Send(ctx context.Context, runID string, spec SendSpec) ([]Delivery, error) {
	start := time.Now()
	if _, ok := ex.Run(runID); !ok {
		return nil, core.ErrRunNotFound
	}

	var recipients []string
	switch {
	case spec.To != "":
		recipients = []string{spec.To}
	case spec.Criteria != nil:
		for _, h := range ex.agents.Resolve(*spec.Criteria) {
			recipients = append(recipients, h.AgentID)
		}
	default:
		return nil, fmt.Errorf("send requires a target agent id or criteria")
	}

	deliveries := make([]Delivery, 0, len(recipients))
	for _, id := range recipients {
		deliveries = append(deliveries, Delivery{
			AgentID:   id,
			Delivered: ex.agents.Route(ctx, id, spec.Message),
		})
	}
	ex.logPrimitive("send", start, nil)
	return deliveries, nil
}

// Track appends to the run's audit history and writes through to the store
// when one is configured. A store failure is logged, never surfaced: the
// in-memory append already succeeded and the history must stay observable.
func (ex *Executor) Track(runID, entryType string, data map[string]any) (TrackedEntry, error) {
	run, ok := ex.Run(runID)
	if !ok {
		return TrackedEntry{}, core.ErrRunNotFound
	}
	e := run.Track(entryType, data)
	if ex.store != nil {
		if err := ex.store.Append(runID, e); err != nil {
			ex.logger.Warn("tracked-state write-through failed", "run_id", runID, "error", err.Error())
		}
	}
	return e, nil
}

// QuerySpec is the argument block of the QUERY primitive.
type QuerySpec struct {
	// QueryType is "tracked" (scan history) or "agents" (live handles).
	QueryType string
	// EntryType filters tracked entries by type.
	EntryType string
	// Limit caps the number of entries returned, newest last. Zero means
	// no limit.
	Limit int
	// Criteria filters agent queries.
	Criteria *lifecycle.Criteria
}

// Query is a read-only scan over tracked state or live agent handles. It
// never mutates.
func (ex *Executor) Query(runID string, spec QuerySpec) (any, error) {
	run, ok := ex.Run(runID)
	if !ok {
		return nil, core.ErrRunNotFound
	}
	switch spec.QueryType {
	case "tracked", "":
		entries := run.Tracked(spec.EntryType)
		if spec.Limit > 0 && len(entries) > spec.Limit {
			entries = entries[len(entries)-spec.Limit:]
		}
		return entries, nil
	case "agents":
		c := lifecycle.Criteria{IDs: run.AgentIDs()}
		if spec.Criteria != nil {
			c.Role = spec.Criteria.Role
			c.Profile = spec.Criteria.Profile
			c.Status = spec.Criteria.Status
		}
		return ex.agents.Resolve(c), nil
	default:
		return nil, &core.QueryError{QueryType: spec.QueryType, Reason: "unknown query type"}
	}
}

// Reducer is a custom AGGREGATE method.
type Reducer func(responses []core.Event, options map[string]any) (any, error)

// RegisterReducer installs a named custom reducer for AGGREGATE.
func (ex *Executor) RegisterReducer(name string, fn Reducer) {
	ex.redMu.Lock()
	defer ex.redMu.Unlock()
	ex.reducers[name] = fn
}

func (ex *Executor) reducer(name string) (Reducer, bool) {
	ex.redMu.RLock()
	defer ex.redMu.RUnlock()
	fn, ok := ex.reducers[name]
	return fn, ok
}

func (ex *Executor) logPrimitive(name string, start time.Time, err error) {
	if l, ok := ex.logger.(*logging.KSILogger); ok {
		l.LogPrimitive(name, time.Since(start), err)
		return
	}
	if err != nil {
		ex.logger.Error("primitive failed", "primitive", name, "error", err.Error())
	}
}
