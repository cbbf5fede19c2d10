package core

import "context"

// Handler processes one event. Returning a nil result means "no answer" and
// lets first-result-wins dispatch continue to the next handler; a non-nil
// result stops it. Errors are isolated at the dispatch boundary and converted
// to event:error notifications, they never abort sibling handlers.
type Handler func(ctx context.Context, ev Event) (any, error)

// Emitter injects events into the router. It is the narrow interface passed
// to components that produce events (transformer engine, primitive executor,
// transports, providers) so they do not depend on the full router surface.
type Emitter interface {
	Emit(ctx context.Context, ev Event) ([]any, error)
}

// EmitterFunc adapts an ordinary function to the Emitter interface.
type EmitterFunc func(ctx context.Context, ev Event) ([]any, error)

// Emit implements Emitter.
func (f EmitterFunc) Emit(ctx context.Context, ev Event) ([]any, error) { return f(ctx, ev) }
