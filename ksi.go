// Package ksi provides a high-level façade over the event-driven
// orchestration core: the router, schema registry, transformer engine,
// agent lifecycle manager and orchestration executor, wired together and
// ready to use. Most applications interact with this package by:
//  1. Creating a KSI via New() (optionally overriding stores, supervisor
//     and logger)
//  2. Registering event handlers, schemas and orchestration patterns
//  3. Emitting events and starting runs
//
// All defaults are safe for local development and testing; production
// deployments typically supply a durable run store, a real agent
// supervisor and a structured logger.
package ksi

import (
	"context"
	"fmt"
	"time"

	"github.com/durapensa/ksi/core"
	"github.com/durapensa/ksi/lifecycle"
	"github.com/durapensa/ksi/logging"
	"github.com/durapensa/ksi/orchestration"
	"github.com/durapensa/ksi/pattern"
	"github.com/durapensa/ksi/router"
	"github.com/durapensa/ksi/runstore"
	"github.com/durapensa/ksi/schema"
	"github.com/durapensa/ksi/transform"
)

// Options configures the KSI instance.
type Options struct {
	// Registry validates event contracts at the dispatch boundary.
	// Defaults to an open registry.
	Registry *schema.Registry

	// Supervisor creates and destroys agent workers. Defaults to the
	// in-process LocalSupervisor.
	Supervisor lifecycle.Supervisor

	// Store persists tracked run state write-through. Defaults to the
	// in-memory store.
	Store orchestration.Store

	// Patterns resolves orchestration-pattern definitions by name.
	// Defaults to an empty in-memory source.
	Patterns pattern.Source

	// AsyncTransformDeadline bounds pending async transforms.
	AsyncTransformDeadline time.Duration

	// TransformGCInterval is how often pending async transforms are swept
	// for timeouts once Start is called. Zero disables the sweeper.
	TransformGCInterval time.Duration

	// Logger (defaults to NoOp logger if nil).
	Logger logging.Logger
}

// KSI is the high-level façade aggregating the core components.
type KSI struct {
	opts     Options
	router   *router.Router
	registry *schema.Registry
	rules    *transform.Engine
	agents   *lifecycle.Manager
	executor *orchestration.Executor
	patterns pattern.Source
}

// New creates a KSI instance with optional overrides. Any unset collaborator
// is initialized with an in-memory implementation.
func New(optFns ...func(o *Options)) *KSI {
	opts := Options{
		Store:               runstore.NewInMemoryStore(),
		Patterns:            pattern.NewInMemorySource(),
		TransformGCInterval: 5 * time.Second,
		Logger:              logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Registry == nil {
		opts.Registry = schema.NewRegistry(opts.Logger)
	}

	r := router.New(func(o *router.Options) {
		o.Registry = opts.Registry
		o.Logger = opts.Logger
	})

	rules := transform.NewEngine(r, func(o *transform.Options) {
		o.AsyncDeadline = opts.AsyncTransformDeadline
		o.Logger = opts.Logger
	})
	r.OnEmit(rules.HandleEvent)

	agents := lifecycle.NewManager(func(o *lifecycle.Options) {
		if opts.Supervisor != nil {
			o.Supervisor = opts.Supervisor
		}
		o.Emitter = r
		o.Logger = opts.Logger
	})

	executor := orchestration.NewExecutor(r, agents, func(o *orchestration.Options) {
		o.Transformers = rules
		o.Store = opts.Store
		o.Logger = opts.Logger
	})

	k := &KSI{
		opts:     opts,
		router:   r,
		registry: opts.Registry,
		rules:    rules,
		agents:   agents,
		executor: executor,
		patterns: opts.Patterns,
	}

	// Pattern lookup is also reachable as an event, so external clients can
	// inspect compositions over the wire.
	r.SetPolicy(compositionGetEventName, router.FirstResult)
	r.Subscribe(compositionGetEventName, "ksi", k.handleCompositionGet)

	return k
}

const compositionGetEventName = "composition:get"

func (k *KSI) handleCompositionGet(ctx context.Context, ev core.Event) (any, error) {
	name := ev.DataString("name")
	if name == "" {
		return nil, fmt.Errorf("composition:get requires a name")
	}
	def, err := k.patterns.Get(ctx, name)
	if err != nil {
		return nil, err
	}
	return def, nil
}

// Start launches background maintenance (the async-transform sweeper) until
// ctx is cancelled. Optional: a KSI works without it, pending async
// transforms are then only swept on demand.
func (k *KSI) Start(ctx context.Context) {
	if k.opts.TransformGCInterval > 0 {
		k.rules.StartGC(ctx, k.opts.TransformGCInterval)
	}
}

// Emit dispatches an event through the router.
func (k *KSI) Emit(ctx context.Context, ev core.Event) ([]any, error) {
	return k.router.Emit(ctx, ev)
}

// Subscribe registers a handler for an event pattern.
func (k *KSI) Subscribe(pattern, owner string, h core.Handler) (*router.Subscription, error) {
	return k.router.Subscribe(pattern, owner, h)
}

// AwaitResponse blocks until an event carrying correlationID arrives, the
// timeout expires, or ctx is cancelled.
func (k *KSI) AwaitResponse(ctx context.Context, correlationID string, timeout time.Duration) (core.Event, error) {
	return k.router.AwaitResponse(ctx, correlationID, timeout)
}

// AddTransformer installs a transformer rule under the given owner.
func (k *KSI) AddTransformer(owner string, rule transform.Rule) error {
	return k.rules.AddRule(owner, rule)
}

// StartRun resolves an orchestration pattern by name and activates it.
func (k *KSI) StartRun(ctx context.Context, patternName string) (*orchestration.Run, error) {
	def, err := k.patterns.Get(ctx, patternName)
	if err != nil {
		return nil, err
	}
	return k.executor.StartRun(ctx, def)
}

// StopRun tears a run down: cancels suspended primitives, removes its
// transformer rules and terminates its agents.
func (k *KSI) StopRun(ctx context.Context, runID string) error {
	return k.executor.StopRun(ctx, runID)
}

// Router exposes the underlying pub/sub core.
func (k *KSI) Router() *router.Router { return k.router }

// Registry exposes the schema registry for installing event contracts.
func (k *KSI) Registry() *schema.Registry { return k.registry }

// Transformers exposes the transformer engine.
func (k *KSI) Transformers() *transform.Engine { return k.rules }

// Agents exposes the lifecycle manager.
func (k *KSI) Agents() *lifecycle.Manager { return k.agents }

// Orchestrator exposes the primitive executor for direct SPAWN/SEND/AWAIT/
// TRACK/QUERY/COORDINATE/AGGREGATE calls.
func (k *KSI) Orchestrator() *orchestration.Executor { return k.executor }

// Patterns exposes the pattern source.
func (k *KSI) Patterns() pattern.Source { return k.patterns }
