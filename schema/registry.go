// Package schema implements the event registry: a catalog describing the
// expected parameters of known event names, enforced strictly at the dispatch
// boundary. The registry is open: unknown event names pass through without
// validation (logged at debug level) so the system degrades gracefully to
// unregistered internal events while still holding known contracts to their
// declared shape.
package schema

import (
	"fmt"
	"sync"

	"github.com/durapensa/ksi/core"
	"github.com/durapensa/ksi/logging"
)

// FieldType names the JSON-level type a field must carry.
type FieldType string

const (
	// TypeAny accepts any value.
	TypeAny FieldType = "any"
	// TypeString accepts string values.
	TypeString FieldType = "string"
	// TypeNumber accepts integer and float values.
	TypeNumber FieldType = "number"
	// TypeBool accepts boolean values.
	TypeBool FieldType = "bool"
	// TypeObject accepts nested maps.
	TypeObject FieldType = "object"
	// TypeArray accepts slices.
	TypeArray FieldType = "array"
)

// Field describes one parameter of an event contract.
type Field struct {
	Type     FieldType `yaml:"type"`
	Required bool      `yaml:"required"`
	// Allowed, when non-empty, constrains string fields to an enumerated set.
	Allowed []string `yaml:"allowed,omitempty"`
}

// EventSpec is the declared parameter contract for a single event name.
type EventSpec struct {
	Name   string           `yaml:"name"`
	Fields map[string]Field `yaml:"fields"`
}

// Registry maps event names onto parameter specs. Safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	specs  map[string]EventSpec
	logger logging.Logger
}

// NewRegistry constructs an empty registry.
func NewRegistry(logger logging.Logger) *Registry {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	return &Registry{specs: map[string]EventSpec{}, logger: logger}
}

// Register installs or replaces the spec for an event name.
func (r *Registry) Register(spec EventSpec) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.specs[spec.Name] = spec
}

// Known reports whether a spec is registered for the event name.
func (r *Registry) Known(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.specs[name]
	return ok
}

// Validate checks data against the registered spec for name. Unknown names
// pass through untouched. A violation returns a core.SchemaError and the
// event must be rejected before dispatch. Validation is pure: data is never
// mutated.
func (r *Registry) Validate(name string, data map[string]any) (map[string]any, error) {
	r.mu.RLock()
	spec, ok := r.specs[name]
	r.mu.RUnlock()
	if !ok {
		r.logger.Debug("no schema registered for event, passing through", "event", name)
		return data, nil
	}

	for field, fs := range spec.Fields {
		v, present := data[field]
		if !present {
			if fs.Required {
				return nil, &core.SchemaError{Event: name, Field: field, Reason: "is required"}
			}
			continue
		}
		if err := checkType(name, field, fs, v); err != nil {
			return nil, err
		}
	}
	return data, nil
}

func checkType(event, field string, fs Field, v any) error {
	switch fs.Type {
	case TypeAny, "":
		return nil
	case TypeString:
		s, ok := v.(string)
		if !ok {
			return typeError(event, field, "string", v)
		}
		if len(fs.Allowed) > 0 {
			for _, a := range fs.Allowed {
				if s == a {
					return nil
				}
			}
			return &core.SchemaError{Event: event, Field: field, Reason: fmt.Sprintf("value %q not in allowed set %v", s, fs.Allowed)}
		}
		return nil
	case TypeNumber:
		switch v.(type) {
		case int, int32, int64, float32, float64:
			return nil
		}
		return typeError(event, field, "number", v)
	case TypeBool:
		if _, ok := v.(bool); !ok {
			return typeError(event, field, "bool", v)
		}
		return nil
	case TypeObject:
		if _, ok := v.(map[string]any); !ok {
			return typeError(event, field, "object", v)
		}
		return nil
	case TypeArray:
		if _, ok := v.([]any); !ok {
			return typeError(event, field, "array", v)
		}
		return nil
	default:
		return &core.SchemaError{Event: event, Field: field, Reason: fmt.Sprintf("unknown field type %q in spec", fs.Type)}
	}
}

func typeError(event, field, want string, got any) error {
	return &core.SchemaError{Event: event, Field: field, Reason: fmt.Sprintf("expected %s, got %T", want, got)}
}
