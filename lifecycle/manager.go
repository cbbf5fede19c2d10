// Package lifecycle tracks spawned worker identities: agent handles, their
// parent/child spawn tree, status transitions and message routing. It is a
// thin wrapper over the external agent process supervisor, keeping the state
// the orchestration executor needs for SPAWN, SEND and COORDINATE.
package lifecycle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/durapensa/ksi/core"
	"github.com/durapensa/ksi/logging"
)

// Status is the lifecycle state of an agent handle. Transitions are
// monotonic except busy<->ready; terminated is absorbing and a terminated
// agent id is never reused.
type Status string

const (
	// StatusSpawning means the underlying worker is being created.
	StatusSpawning Status = "spawning"
	// StatusReady means the worker can accept messages.
	StatusReady Status = "ready"
	// StatusBusy means the worker is processing and may be slow to respond.
	StatusBusy Status = "busy"
	// StatusTerminated means the worker is gone. Absorbing.
	StatusTerminated Status = "terminated"
)

// Handle is the router's record of a spawned worker.
type Handle struct {
	AgentID  string    `json:"agent_id"`
	ParentID string    `json:"parent_id,omitempty"`
	Profile  string    `json:"profile"`
	Role     string    `json:"role,omitempty"`
	Status   Status    `json:"status"`
	Created  time.Time `json:"created"`
}

// Criteria selects agent handles for criteria-based sends and queries. Zero
// fields match everything.
type Criteria struct {
	Role    string
	Profile string
	Status  Status
	IDs     []string
}

func (c Criteria) matches(h *Handle) bool {
	if c.Role != "" && h.Role != c.Role {
		return false
	}
	if c.Profile != "" && h.Profile != c.Profile {
		return false
	}
	if c.Status != "" && h.Status != c.Status {
		return false
	}
	if len(c.IDs) > 0 {
		found := false
		for _, id := range c.IDs {
			if id == h.AgentID {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Supervisor is the external collaborator that actually creates and destroys
// worker processes. The manager only tracks the resulting handles.
type Supervisor interface {
	Spawn(ctx context.Context, profile string, config map[string]any) (agentID string, err error)
	Terminate(ctx context.Context, agentID string) error
}

// LocalSupervisor is an in-process Supervisor that fabricates agent ids
// without starting real workers. Used by tests and by patterns whose agents
// are driven entirely through events.
type LocalSupervisor struct{}

// Spawn returns a fresh agent id.
func (LocalSupervisor) Spawn(context.Context, string, map[string]any) (string, error) {
	return core.NewID(), nil
}

// Terminate is a no-op.
func (LocalSupervisor) Terminate(context.Context, string) error { return nil }

// EventSupervisor issues agent:spawn / agent:terminate events through the
// router, expecting a first-result-wins provider to answer with the spawned
// identity. This is the production path to an external process supervisor.
type EventSupervisor struct {
	Emitter core.Emitter
}

// Spawn emits agent:spawn and extracts agent_id from the first result.
func (s *EventSupervisor) Spawn(ctx context.Context, profile string, config map[string]any) (string, error) {
	ev := core.NewEvent("agent:spawn", map[string]any{"profile": profile, "config": config})
	results, err := s.Emitter.Emit(ctx, ev)
	if err != nil {
		return "", err
	}
	for _, res := range results {
		if m, ok := res.(map[string]any); ok {
			if id, ok := m["agent_id"].(string); ok && id != "" {
				return id, nil
			}
		}
	}
	return "", fmt.Errorf("no supervisor answered agent:spawn for profile %q", profile)
}

// Terminate emits agent:terminate.
func (s *EventSupervisor) Terminate(ctx context.Context, agentID string) error {
	_, err := s.Emitter.Emit(ctx, core.NewEvent("agent:terminate", map[string]any{"agent_id": agentID}))
	return err
}

// Manager owns the agent handle table. Safe for concurrent use; critical
// sections are table lookups only, supervisor calls happen outside the lock.
type Manager struct {
	mu       sync.RWMutex
	handles  map[string]*Handle
	children map[string][]string

	supervisor Supervisor
	emitter    core.Emitter
	logger     logging.Logger
}

// Options configures a Manager.
type Options struct {
	// Supervisor creates/destroys workers. Defaults to LocalSupervisor.
	Supervisor Supervisor
	// Emitter delivers routed messages as agent:message events. Required
	// for Route; nil makes Route always return false.
	Emitter core.Emitter
	// Logger receives lifecycle diagnostics.
	Logger logging.Logger
}

// NewManager constructs a Manager.
func NewManager(optFns ...func(o *Options)) *Manager {
	opts := Options{Supervisor: LocalSupervisor{}}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Logger == nil {
		opts.Logger = logging.NoOpLogger{}
	}
	return &Manager{
		handles:    map[string]*Handle{},
		children:   map[string][]string{},
		supervisor: opts.Supervisor,
		emitter:    opts.Emitter,
		logger:     opts.Logger,
	}
}

// Spawn creates one worker with the given profile and role, owned by
// parentID (a run id or another agent id; empty for unowned). A supervisor
// failure marks the handle terminated immediately and surfaces the error.
func (m *Manager) Spawn(ctx context.Context, profile, role, parentID string, config map[string]any) (Handle, error) {
	h := &Handle{
		AgentID:  core.NewID(),
		ParentID: parentID,
		Profile:  profile,
		Role:     role,
		Status:   StatusSpawning,
		Created:  time.Now().UTC(),
	}
	m.mu.Lock()
	m.handles[h.AgentID] = h
	if parentID != "" {
		m.children[parentID] = append(m.children[parentID], h.AgentID)
	}
	m.mu.Unlock()

	supervisorID, err := m.supervisor.Spawn(ctx, profile, config)
	m.mu.Lock()
	if err != nil {
		h.Status = StatusTerminated
		out := *h
		m.mu.Unlock()
		m.logger.Warn("spawn failed", "profile", profile, "agent_id", out.AgentID, "error", err.Error())
		return out, fmt.Errorf("spawn profile %q: %w", profile, err)
	}
	if h.Status == StatusTerminated {
		// The agent (or its owning run) was torn down while the
		// supervisor call was in flight. Terminated is absorbing: the
		// handle stays dead and the worker just created is reaped.
		out := *h
		m.mu.Unlock()
		m.logger.Warn("agent terminated during spawn", "agent_id", out.AgentID, "profile", profile)
		if supervisorID != "" {
			if terr := m.supervisor.Terminate(ctx, supervisorID); terr != nil {
				m.logger.Warn("failed to reap worker for terminated agent", "agent_id", out.AgentID, "error", terr.Error())
			}
		}
		return out, fmt.Errorf("spawn profile %q: agent %s: %w", profile, out.AgentID, core.ErrTargetGone)
	}
	if supervisorID != "" {
		// Re-key under the supervisor-issued identity so routed events
		// reach the real worker.
		delete(m.handles, h.AgentID)
		if parentID != "" {
			m.children[parentID] = replaceID(m.children[parentID], h.AgentID, supervisorID)
		}
		h.AgentID = supervisorID
		m.handles[h.AgentID] = h
	}
	h.Status = StatusReady
	out := *h
	m.mu.Unlock()
	m.logger.Debug("agent spawned", "agent_id", out.AgentID, "profile", profile, "parent_id", parentID)
	return out, nil
}

// Get returns a copy of the handle for agentID.
func (m *Manager) Get(agentID string) (Handle, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.handles[agentID]
	if !ok {
		return Handle{}, false
	}
	return *h, true
}

// Resolve returns copies of every live handle matching the criteria.
// Matching nothing is normal, not an error.
func (m *Manager) Resolve(c Criteria) []Handle {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Handle
	for _, h := range m.handles {
		if c.matches(h) {
			out = append(out, *h)
		}
	}
	return out
}

// SetStatus applies a status transition, enforcing monotonicity: the only
// reversible edge is busy<->ready, and terminated is absorbing.
func (m *Manager) SetStatus(agentID string, status Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.handles[agentID]
	if !ok {
		return core.ErrTargetGone
	}
	if h.Status == StatusTerminated {
		return fmt.Errorf("agent %s: %w", agentID, core.ErrTargetGone)
	}
	if !validTransition(h.Status, status) {
		return fmt.Errorf("agent %s: invalid status transition %s -> %s", agentID, h.Status, status)
	}
	h.Status = status
	return nil
}

// Terminate marks the agent and, recursively, every agent it owns as
// terminated, issuing supervisor terminations best-effort. Returns false if
// the agent is unknown or already terminated.
func (m *Manager) Terminate(ctx context.Context, agentID string) bool {
	m.mu.Lock()
	victims := m.collectSubtreeLocked(agentID)
	marked := false
	for _, id := range victims {
		h := m.handles[id]
		if h.Status != StatusTerminated {
			h.Status = StatusTerminated
			marked = true
		}
	}
	m.mu.Unlock()
	if !marked {
		return false
	}

	for _, id := range victims {
		if err := m.supervisor.Terminate(ctx, id); err != nil {
			m.logger.Warn("supervisor terminate failed", "agent_id", id, "error", err.Error())
		}
	}
	m.logger.Debug("agent subtree terminated", "root", agentID, "count", len(victims))
	return true
}

// TerminateOwned cascades termination over every agent owned (directly or
// transitively) by ownerID without requiring ownerID itself to be an agent.
// Run teardown uses this. Returns the number of agents terminated.
func (m *Manager) TerminateOwned(ctx context.Context, ownerID string) int {
	m.mu.RLock()
	roots := append([]string(nil), m.children[ownerID]...)
	m.mu.RUnlock()
	n := 0
	for _, id := range roots {
		if m.Terminate(ctx, id) {
			n++
		}
	}
	return n
}

// Route delivers a targeted message to agentID as an agent:message event.
// A terminated or unknown target returns delivered=false immediately rather
// than raising: unreachable recipients are steady-state in multi-agent
// systems, and SEND tolerates partially-gone recipients.
func (m *Manager) Route(ctx context.Context, agentID string, message map[string]any) bool {
	m.mu.RLock()
	h, ok := m.handles[agentID]
	alive := ok && h.Status != StatusTerminated
	m.mu.RUnlock()
	if !alive || m.emitter == nil {
		return false
	}

	ev := core.NewEvent("agent:message", map[string]any{
		"agent_id": agentID,
		"message":  message,
	})
	if _, err := m.emitter.Emit(ctx, ev); err != nil {
		m.logger.Warn("route failed", "agent_id", agentID, "error", err.Error())
		return false
	}
	return true
}

// Count returns the number of handles in the given status, or all handles
// when status is empty.
func (m *Manager) Count(status Status) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if status == "" {
		return len(m.handles)
	}
	n := 0
	for _, h := range m.handles {
		if h.Status == status {
			n++
		}
	}
	return n
}

// collectSubtreeLocked gathers agentID plus all transitively owned children.
// Caller holds the write lock.
func (m *Manager) collectSubtreeLocked(agentID string) []string {
	if _, ok := m.handles[agentID]; !ok {
		return nil
	}
	var out []string
	stack := []string{agentID}
	seen := map[string]bool{}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
		stack = append(stack, m.children[id]...)
	}
	return out
}

func validTransition(from, to Status) bool {
	switch from {
	case StatusSpawning:
		return to == StatusReady || to == StatusTerminated
	case StatusReady:
		return to == StatusBusy || to == StatusTerminated
	case StatusBusy:
		return to == StatusReady || to == StatusTerminated
	default:
		return false
	}
}

func replaceID(ids []string, old, new string) []string {
	for i, id := range ids {
		if id == old {
			ids[i] = new
		}
	}
	return ids
}
