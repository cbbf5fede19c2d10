// Package provider bridges completion backends onto the event router.
//
// The contract is event-shaped async RPC: a "completion:async" request
// carrying {prompt, model, session_id} is acknowledged immediately and
// answered later by a "completion:result" event carrying {request_id,
// result, session_id}, with request_id as the correlation key. Backend
// internals stay behind the Backend interface; adapters for Anthropic and
// OpenAI live in subpackages.
package provider

import (
	"context"
	"sync"
	"time"

	"github.com/durapensa/ksi/core"
	"github.com/durapensa/ksi/logging"
	"github.com/durapensa/ksi/router"
)

// Event names of the completion contract.
const (
	AsyncEventName  = "completion:async"
	ResultEventName = "completion:result"
)

// Request is one completion call handed to a backend.
type Request struct {
	Prompt    string
	Model     string
	SessionID string
}

// Info describes a backend for diagnostics.
type Info struct {
	Name     string
	Provider string
}

// Backend answers completion requests. Implementations must be safe for
// concurrent use.
type Backend interface {
	Complete(ctx context.Context, req Request) (string, error)
	Info() Info
}

// BackendFunc adapts a function to the Backend interface.
type BackendFunc func(ctx context.Context, req Request) (string, error)

func (f BackendFunc) Complete(ctx context.Context, req Request) (string, error) {
	return f(ctx, req)
}

func (f BackendFunc) Info() Info { return Info{Name: "func", Provider: "func"} }

// BridgeOptions configures a Bridge.
type BridgeOptions struct {
	// Timeout bounds a single backend call. Defaults to DefaultTimeout.
	Timeout time.Duration
	// Logger receives per-request diagnostics.
	Logger logging.Logger
}

// DefaultTimeout bounds a backend call when no timeout is configured.
const DefaultTimeout = 120 * time.Second

// Bridge subscribes a backend to "completion:async" on the router. Exactly
// one provider should answer a given request, so the event class is set to
// first-result dispatch when the bridge attaches.
type Bridge struct {
	router  *router.Router
	backend Backend
	timeout time.Duration
	logger  logging.Logger

	id  string
	sub *router.Subscription

	wg sync.WaitGroup
}

// NewBridge wires backend into r. The returned bridge is already attached;
// call Detach to remove it.
func NewBridge(r *router.Router, backend Backend, optFns ...func(o *BridgeOptions)) (*Bridge, error) {
	opts := BridgeOptions{Timeout: DefaultTimeout}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Logger == nil {
		opts.Logger = logging.NoOpLogger{}
	}

	b := &Bridge{
		router:  r,
		backend: backend,
		timeout: opts.Timeout,
		logger:  opts.Logger,
		id:      "provider_" + core.NewID(),
	}

	r.SetPolicy(AsyncEventName, router.FirstResult)
	sub, err := r.Subscribe(AsyncEventName, b.id, b.handle)
	if err != nil {
		return nil, err
	}
	b.sub = sub
	return b, nil
}

// Detach removes the bridge's subscription and waits for in-flight backend
// calls to finish.
func (b *Bridge) Detach() {
	b.router.Unsubscribe(b.sub.ID)
	b.wg.Wait()
}

// handle acknowledges the request synchronously and answers it from a
// goroutine so slow backends never stall dispatch.
func (b *Bridge) handle(ctx context.Context, ev core.Event) (any, error) {
	req := Request{
		Prompt:    ev.DataString("prompt"),
		Model:     ev.DataString("model"),
		SessionID: ev.DataString("session_id"),
	}
	requestID := ev.DataString("request_id")
	if requestID == "" {
		requestID = core.NewID()
	}

	b.wg.Add(1)
	go b.complete(requestID, req)

	return map[string]any{
		"request_id": requestID,
		"provider":   b.backend.Info().Provider,
		"status":     "queued",
	}, nil
}

func (b *Bridge) complete(requestID string, req Request) {
	defer b.wg.Done()

	ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
	defer cancel()

	start := time.Now()
	result, err := b.backend.Complete(ctx, req)

	data := map[string]any{
		"request_id": requestID,
		"session_id": req.SessionID,
	}
	if err != nil {
		data["error"] = err.Error()
		b.logger.Error("completion failed",
			"request_id", requestID, "provider", b.backend.Info().Provider, "error", err)
	} else {
		data["result"] = result
		b.logger.Debug("completion finished",
			"request_id", requestID, "duration", time.Since(start))
	}

	out := core.NewEvent(ResultEventName, data)
	out.CorrelationID = requestID
	out.Origin = b.id
	if _, err := b.router.Emit(ctx, out); err != nil {
		b.logger.Error("completion result emit failed", "request_id", requestID, "error", err)
	}
}
