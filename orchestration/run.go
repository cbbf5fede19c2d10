package orchestration

import (
	"context"
	"sync"
	"time"
)

// TrackedEntry is one append-only record in a run's decision/state history.
// Entries are never mutated or removed; Seq orders them within the run.
type TrackedEntry struct {
	Type      string         `json:"type"`
	Data      map[string]any `json:"data"`
	Timestamp time.Time      `json:"timestamp"`
	Seq       int            `json:"seq"`
}

// Run is one active execution of an orchestration pattern. It owns the
// agents spawned into it (parent-owns-child), its tracked state is the sole
// audit trail for decisions, and its context cancels every suspended
// operation on teardown.
type Run struct {
	ID        string
	PatternID string
	Started   time.Time

	mu      sync.RWMutex
	agents  map[string][]string // role -> agent ids, in spawn order
	tracked []TrackedEntry

	ctx    context.Context
	cancel context.CancelFunc
}

func newRun(id, patternID string) *Run {
	ctx, cancel := context.WithCancel(context.Background())
	return &Run{
		ID:        id,
		PatternID: patternID,
		Started:   time.Now().UTC(),
		agents:    map[string][]string{},
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Context is done when the run is torn down. Suspended primitives select on
// it so teardown resolves them with Cancelled instead of waiting out their
// timeouts.
func (r *Run) Context() context.Context { return r.ctx }

// Track appends an entry to the run's history. It always succeeds: this is
// the audit log, and rejecting a log write would destroy observability
// precisely when something is going wrong.
func (r *Run) Track(entryType string, data map[string]any) TrackedEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := TrackedEntry{
		Type:      entryType,
		Data:      data,
		Timestamp: time.Now().UTC(),
		Seq:       len(r.tracked),
	}
	r.tracked = append(r.tracked, e)
	return e
}

// Tracked returns a copy of the history, optionally filtered by entry type.
// The append is atomic and ordered relative to these reads: orchestration
// logic may decide based on a query immediately after a track.
func (r *Run) Tracked(entryType string) []TrackedEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]TrackedEntry, 0, len(r.tracked))
	for _, e := range r.tracked {
		if entryType == "" || e.Type == entryType {
			out = append(out, e)
		}
	}
	return out
}

// TrackedLen returns the history length.
func (r *Run) TrackedLen() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tracked)
}

// restoreTracked seeds history from persisted entries at run start.
func (r *Run) restoreTracked(entries []TrackedEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tracked = append(r.tracked, entries...)
}

// AddAgent records a spawned identity under a role.
func (r *Run) AddAgent(role, agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents[role] = append(r.agents[role], agentID)
}

// Agents returns a copy of the role map.
func (r *Run) Agents() map[string][]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string][]string, len(r.agents))
	for role, ids := range r.agents {
		out[role] = append([]string(nil), ids...)
	}
	return out
}

// AgentIDs returns every spawned identity in the run.
func (r *Run) AgentIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for _, ids := range r.agents {
		out = append(out, ids...)
	}
	return out
}
