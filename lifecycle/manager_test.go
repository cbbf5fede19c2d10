package lifecycle

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/durapensa/ksi/core"
)

type failingSupervisor struct{ err error }

func (f failingSupervisor) Spawn(context.Context, string, map[string]any) (string, error) {
	return "", f.err
}
func (f failingSupervisor) Terminate(context.Context, string) error { return nil }

type captureEmitter struct{ events []core.Event }

func (c *captureEmitter) Emit(_ context.Context, ev core.Event) ([]any, error) {
	c.events = append(c.events, ev)
	return nil, nil
}

func TestManager_SpawnReady(t *testing.T) {
	m := NewManager()
	h, err := m.Spawn(context.Background(), "worker", "analyst", "run-1", nil)
	require.NoError(t, err)
	assert.Equal(t, StatusReady, h.Status)
	assert.Equal(t, "run-1", h.ParentID)

	got, ok := m.Get(h.AgentID)
	require.True(t, ok)
	assert.Equal(t, "analyst", got.Role)
}

func TestManager_SpawnFailureMarksTerminated(t *testing.T) {
	m := NewManager(func(o *Options) { o.Supervisor = failingSupervisor{err: errors.New("no capacity")} })
	h, err := m.Spawn(context.Background(), "worker", "", "run-1", nil)
	require.Error(t, err)
	assert.Equal(t, StatusTerminated, h.Status)

	got, ok := m.Get(h.AgentID)
	require.True(t, ok, "failed handle is kept so its id is never reused")
	assert.Equal(t, StatusTerminated, got.Status)
}

// gatedSupervisor holds its Spawn call open until released, so tests can
// interleave terminations with an in-flight supervisor call.
type gatedSupervisor struct {
	gate     chan struct{}
	workerID string

	mu     sync.Mutex
	reaped []string
}

func (g *gatedSupervisor) Spawn(context.Context, string, map[string]any) (string, error) {
	<-g.gate
	return g.workerID, nil
}

func (g *gatedSupervisor) Terminate(_ context.Context, id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.reaped = append(g.reaped, id)
	return nil
}

func TestManager_TerminateDuringSpawnStaysTerminated(t *testing.T) {
	sup := &gatedSupervisor{gate: make(chan struct{}), workerID: "worker-1"}
	m := NewManager(func(o *Options) { o.Supervisor = sup })

	type spawned struct {
		h   Handle
		err error
	}
	done := make(chan spawned, 1)
	go func() {
		h, err := m.Spawn(context.Background(), "worker", "analyst", "run-1", nil)
		done <- spawned{h, err}
	}()

	// Tear the agent down while the supervisor call is still in flight.
	var inFlight []Handle
	require.Eventually(t, func() bool {
		inFlight = m.Resolve(Criteria{Status: StatusSpawning})
		return len(inFlight) == 1
	}, time.Second, 5*time.Millisecond)
	require.True(t, m.Terminate(context.Background(), inFlight[0].AgentID))

	close(sup.gate)
	res := <-done
	require.ErrorIs(t, res.err, core.ErrTargetGone)
	assert.Equal(t, StatusTerminated, res.h.Status, "terminated is absorbing, even across an in-flight spawn")

	got, ok := m.Get(inFlight[0].AgentID)
	require.True(t, ok)
	assert.Equal(t, StatusTerminated, got.Status)
	assert.False(t, m.Route(context.Background(), inFlight[0].AgentID, map[string]any{"text": "hi"}))

	sup.mu.Lock()
	reaped := append([]string(nil), sup.reaped...)
	sup.mu.Unlock()
	assert.Contains(t, reaped, "worker-1", "the worker created during teardown must be reaped")
}

func TestManager_StatusTransitions(t *testing.T) {
	m := NewManager()
	h, err := m.Spawn(context.Background(), "worker", "", "", nil)
	require.NoError(t, err)

	require.NoError(t, m.SetStatus(h.AgentID, StatusBusy))
	require.NoError(t, m.SetStatus(h.AgentID, StatusReady), "busy<->ready is reversible")
	require.NoError(t, m.SetStatus(h.AgentID, StatusBusy))

	assert.Error(t, m.SetStatus(h.AgentID, StatusSpawning), "transitions are otherwise monotonic")

	require.True(t, m.Terminate(context.Background(), h.AgentID))
	err = m.SetStatus(h.AgentID, StatusReady)
	require.ErrorIs(t, err, core.ErrTargetGone, "terminated is absorbing")
}

func TestManager_Resolve(t *testing.T) {
	m := NewManager()
	ctx := context.Background()
	a, _ := m.Spawn(ctx, "worker", "judge", "run-1", nil)
	b, _ := m.Spawn(ctx, "worker", "debater", "run-1", nil)
	_, _ = m.Spawn(ctx, "observer", "judge", "run-2", nil)

	judges := m.Resolve(Criteria{Role: "judge"})
	assert.Len(t, judges, 2)

	workers := m.Resolve(Criteria{Profile: "worker"})
	assert.Len(t, workers, 2)

	byID := m.Resolve(Criteria{IDs: []string{a.AgentID, b.AgentID}, Role: "debater"})
	require.Len(t, byID, 1)
	assert.Equal(t, b.AgentID, byID[0].AgentID)

	assert.Empty(t, m.Resolve(Criteria{Role: "nobody"}), "matching nothing is not an error")
}

func TestManager_CascadingTermination(t *testing.T) {
	m := NewManager()
	ctx := context.Background()
	parent, err := m.Spawn(ctx, "coordinator", "", "run-1", nil)
	require.NoError(t, err)
	child, err := m.Spawn(ctx, "worker", "", parent.AgentID, nil)
	require.NoError(t, err)

	n := m.TerminateOwned(ctx, "run-1")
	assert.Equal(t, 1, n, "one root under the run")

	for _, id := range []string{parent.AgentID, child.AgentID} {
		h, ok := m.Get(id)
		require.True(t, ok)
		assert.Equal(t, StatusTerminated, h.Status, "agent %s must be terminated", id)
	}
}

func TestManager_RouteToTerminatedReturnsFalse(t *testing.T) {
	emitter := &captureEmitter{}
	m := NewManager(func(o *Options) { o.Emitter = emitter })
	ctx := context.Background()

	h, err := m.Spawn(ctx, "worker", "", "", nil)
	require.NoError(t, err)

	assert.True(t, m.Route(ctx, h.AgentID, map[string]any{"text": "hello"}))
	require.Len(t, emitter.events, 1)
	assert.Equal(t, "agent:message", emitter.events[0].Name)

	m.Terminate(ctx, h.AgentID)
	assert.False(t, m.Route(ctx, h.AgentID, map[string]any{"text": "again"}))
	assert.False(t, m.Route(ctx, "never-existed", nil))
	assert.Len(t, emitter.events, 1, "no event emitted for undeliverable sends")
}

func TestEventSupervisor_Spawn(t *testing.T) {
	emitter := core.EmitterFunc(func(_ context.Context, ev core.Event) ([]any, error) {
		if ev.Name == "agent:spawn" {
			return []any{map[string]any{"agent_id": "ext-42"}}, nil
		}
		return nil, nil
	})
	s := &EventSupervisor{Emitter: emitter}
	id, err := s.Spawn(context.Background(), "worker", nil)
	require.NoError(t, err)
	assert.Equal(t, "ext-42", id)
}

func TestManager_SupervisorIdentityIsAdopted(t *testing.T) {
	emitter := core.EmitterFunc(func(_ context.Context, ev core.Event) ([]any, error) {
		if ev.Name == "agent:spawn" {
			return []any{map[string]any{"agent_id": "ext-7"}}, nil
		}
		return nil, nil
	})
	m := NewManager(func(o *Options) { o.Supervisor = &EventSupervisor{Emitter: emitter} })
	h, err := m.Spawn(context.Background(), "worker", "", "run-1", nil)
	require.NoError(t, err)
	assert.Equal(t, "ext-7", h.AgentID)

	_, ok := m.Get("ext-7")
	assert.True(t, ok)
}
