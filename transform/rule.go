package transform

import (
	"fmt"

	"github.com/durapensa/ksi/router"
)

// ResponseRoute wires the eventual async result of a transformed event back
// into a new event. When an event named From arrives whose data satisfies
// Filter (evaluated with the pending entry's transform_id bound), the engine
// emits a To event carrying the response payload and drops the pending entry.
type ResponseRoute struct {
	From   string `yaml:"from" json:"from"`
	To     string `yaml:"to" json:"to"`
	Filter string `yaml:"filter,omitempty" json:"filter,omitempty"`
}

// Rule is one declarative event-rewriting rule: when an event matching
// Source is emitted (and Condition, if present, holds over its data), the
// Mapping templates are resolved strictly against the source data and a
// Target event is emitted, either synchronously or asynchronously.
//
// Async rules must carry a ResponseRoute; the engine registers a pending
// correlation entry keyed by a generated transform_id before emitting the
// target, and garbage-collects it on response arrival or deadline.
type Rule struct {
	Name      string            `yaml:"name,omitempty" json:"name,omitempty"`
	Source    string            `yaml:"source" json:"source"`
	Target    string            `yaml:"target" json:"target"`
	Mapping   map[string]string `yaml:"mapping" json:"mapping"`
	Condition string            `yaml:"condition,omitempty" json:"condition,omitempty"`
	Async     bool              `yaml:"async,omitempty" json:"async,omitempty"`
	Response  *ResponseRoute    `yaml:"response_route,omitempty" json:"response_route,omitempty"`
}

// Validate checks structural invariants before a rule is installed.
func (r Rule) Validate() error {
	if !router.ValidPattern(r.Source) {
		return fmt.Errorf("transformer rule %q: invalid source pattern %q", r.Name, r.Source)
	}
	if r.Target == "" {
		return fmt.Errorf("transformer rule %q: target is required", r.Name)
	}
	if r.Async && r.Response == nil {
		return fmt.Errorf("transformer rule %q: async rules require a response_route", r.Name)
	}
	if r.Response != nil {
		if r.Response.From == "" || r.Response.To == "" {
			return fmt.Errorf("transformer rule %q: response_route requires from and to", r.Name)
		}
	}
	return nil
}

// matches reports whether the rule's source pattern covers the event name.
func (r Rule) matches(name string) bool {
	return router.PatternMatches(r.Source, name)
}
