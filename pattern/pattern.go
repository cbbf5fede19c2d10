// Package pattern defines the declarative orchestration-pattern format and
// the composition source used to load patterns at run start. A pattern names
// the agents to spawn (role -> profile), the transformer rules to install,
// and free-form options interpreted by the pattern author's own primitive
// calls. The prose "strategy" text some patterns carry is documentation of
// intent, not an executable language.
package pattern

import (
	"context"
	"fmt"
	"sync"

	"gopkg.in/yaml.v3"
)

// AgentSpec declares one role's worker population.
type AgentSpec struct {
	Profile string         `yaml:"profile"`
	Count   int            `yaml:"count,omitempty"`
	Config  map[string]any `yaml:"config,omitempty"`
}

// ResponseRoute mirrors transform.ResponseRoute in configuration form.
type ResponseRoute struct {
	From   string `yaml:"from"`
	To     string `yaml:"to"`
	Filter string `yaml:"filter,omitempty"`
}

// Transformer is one declarative rewrite rule in configuration form. It is
// validated when installed into the transformer engine, not at parse time,
// so a stored pattern with a bad rule fails at activation with a precise
// error.
type Transformer struct {
	Name      string            `yaml:"name,omitempty"`
	Source    string            `yaml:"source"`
	Target    string            `yaml:"target"`
	Mapping   map[string]string `yaml:"mapping,omitempty"`
	Condition string            `yaml:"condition,omitempty"`
	Async     bool              `yaml:"async,omitempty"`
	Response  *ResponseRoute    `yaml:"response_route,omitempty"`
}

// Definition is a complete orchestration pattern.
type Definition struct {
	Name         string               `yaml:"name"`
	Description  string               `yaml:"description,omitempty"`
	Agents       map[string]AgentSpec `yaml:"agents,omitempty"`
	Transformers []Transformer        `yaml:"transformers,omitempty"`
	Options      map[string]any       `yaml:"options,omitempty"`
}

// Parse decodes a YAML pattern definition.
func Parse(data []byte) (*Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("parse pattern: %w", err)
	}
	if def.Name == "" {
		return nil, fmt.Errorf("parse pattern: name is required")
	}
	return &def, nil
}

// Source resolves pattern names to definitions. This is the boundary to the
// composition storage collaborator; the storage engine behind it is out of
// scope here.
type Source interface {
	Get(ctx context.Context, name string) (*Definition, error)
}

// ErrNotFound is returned when a source has no pattern under the name.
var ErrNotFound = fmt.Errorf("pattern not found")

// InMemorySource is a volatile Source backed by a process-local map. Safe
// for concurrent access; suited to tests and embedded setups.
type InMemorySource struct {
	mu       sync.RWMutex
	patterns map[string]*Definition
}

// NewInMemorySource constructs an empty in-memory source.
func NewInMemorySource() *InMemorySource {
	return &InMemorySource{patterns: map[string]*Definition{}}
}

// Register stores a definition under its name.
func (s *InMemorySource) Register(def *Definition) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.patterns[def.Name] = def
}

// RegisterYAML parses and stores a YAML definition.
func (s *InMemorySource) RegisterYAML(data []byte) (*Definition, error) {
	def, err := Parse(data)
	if err != nil {
		return nil, err
	}
	s.Register(def)
	return def, nil
}

// Get implements Source.
func (s *InMemorySource) Get(_ context.Context, name string) (*Definition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	def, ok := s.patterns[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	return def, nil
}
