package core

import (
	"encoding/json"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// eventSeq provides a process-wide monotonic sequence so events created in
// the same nanosecond still have a total order.
var eventSeq atomic.Uint64

// Event is the primary unit of communication flowing through the router.
// After emission it must be treated as immutable: handlers and transformers
// never mutate a received event, they derive new ones.
//
// Names follow the "namespace:action" convention (e.g. "completion:async",
// "agent:spawn"). Data is the loosely typed payload validated against the
// schema registry at the boundary. CorrelationID, when set, routes an async
// response back to exactly one waiting caller.
type Event struct {
	ID            string         `json:"id"`
	Name          string         `json:"event"`
	Data          map[string]any `json:"data"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	Origin        string         `json:"origin,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
	Seq           uint64         `json:"seq"`
}

// NewEvent creates an event with a fresh ID, UTC timestamp and monotonic
// sequence number. A nil data map is normalized to an empty map so handlers
// never see nil.
func NewEvent(name string, data map[string]any) Event {
	if data == nil {
		data = map[string]any{}
	}
	return Event{
		ID:        NewID(),
		Name:      name,
		Data:      data,
		Timestamp: time.Now().UTC(),
		Seq:       eventSeq.Add(1),
	}
}

// NewCorrelatedEvent creates an event carrying a correlation id so a later
// response can be matched back to the caller.
func NewCorrelatedEvent(name string, data map[string]any, correlationID string) Event {
	e := NewEvent(name, data)
	e.CorrelationID = correlationID
	return e
}

// NewErrorEvent builds the standard "event:error" notification emitted when a
// handler fails. It carries the original event name plus error metadata and
// is dispatched fan-out so monitors observe every failure.
func NewErrorEvent(original Event, kind, message string) Event {
	return NewEvent(ErrorEventName, map[string]any{
		"original_event": original.Name,
		"original_id":    original.ID,
		"error_kind":     kind,
		"error_message":  message,
	})
}

// Well-known internal event names.
const (
	ErrorEventName              = "event:error"
	TransformerErrorEventName   = "transformer:error"
	TransformerTimeoutEventName = "transformer:timeout"
)

// NewID generates a unique identifier used for events, agents, transforms
// and await entries.
func NewID() string { return uuid.NewString() }

// Derive produces a new event caused by e, preserving origin attribution.
// Derived events get their own ID, timestamp and sequence number; they are
// new objects, never mutations of the source.
func (e Event) Derive(name string, data map[string]any) Event {
	d := NewEvent(name, data)
	d.Origin = e.Origin
	return d
}

// WithOrigin returns a copy of the event attributed to the given emitter.
func (e Event) WithOrigin(origin string) Event {
	e.Origin = origin
	return e
}

// Namespace returns the part of the name before the first colon, or the
// whole name when no colon is present.
func (e Event) Namespace() string {
	if i := strings.Index(e.Name, ":"); i >= 0 {
		return e.Name[:i]
	}
	return e.Name
}

// Action returns the part of the name after the first colon, or "" when no
// colon is present.
func (e Event) Action() string {
	if i := strings.Index(e.Name, ":"); i >= 0 {
		return e.Name[i+1:]
	}
	return ""
}

// DataString returns the string value stored under key, or "" when absent or
// not a string.
func (e Event) DataString(key string) string {
	if v, ok := e.Data[key].(string); ok {
		return v
	}
	return ""
}

// DataJSON marshals the event data payload. A marshal failure returns "{}"
// so best-effort consumers (logging, condition evaluation) always receive
// valid JSON.
func (e Event) DataJSON() string {
	b, err := json.Marshal(e.Data)
	if err != nil {
		return "{}"
	}
	return string(b)
}

// Clone returns a copy of the event with a shallow-copied data map, so the
// copy's top-level keys can diverge without touching the source.
func (e Event) Clone() Event {
	data := make(map[string]any, len(e.Data))
	for k, v := range e.Data {
		data[k] = v
	}
	e.Data = data
	return e
}
