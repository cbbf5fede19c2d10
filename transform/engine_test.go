package transform

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/durapensa/ksi/core"
)

// recordingEmitter captures emitted events and feeds them back into the
// engine hook, mimicking the router's post-dispatch wiring.
type recordingEmitter struct {
	mu     sync.Mutex
	events []core.Event
	engine *Engine
	loop   bool
}

func (r *recordingEmitter) Emit(ctx context.Context, ev core.Event) ([]any, error) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	if r.loop && r.engine != nil {
		r.engine.HandleEvent(ctx, ev)
	}
	return nil, nil
}

func (r *recordingEmitter) named(name string) []core.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []core.Event
	for _, ev := range r.events {
		if ev.Name == name {
			out = append(out, ev)
		}
	}
	return out
}

func TestEngine_SyncRewrite(t *testing.T) {
	rec := &recordingEmitter{}
	e := NewEngine(rec)
	require.NoError(t, e.AddRule("run-1", Rule{
		Source:  "order:placed",
		Target:  "inventory:reserve",
		Mapping: map[string]string{"item": "{{item}}"},
	}))

	src := core.NewEvent("order:placed", map[string]any{"item": "widget"})
	e.HandleEvent(context.Background(), src)

	out := rec.named("inventory:reserve")
	require.Len(t, out, 1)
	assert.Equal(t, "widget", out[0].Data["item"])
}

func TestEngine_SyncRewriteEnvelopePath(t *testing.T) {
	rec := &recordingEmitter{}
	e := NewEngine(rec)
	require.NoError(t, e.AddRule("run-1", Rule{
		Source:  "order:placed",
		Target:  "inventory:reserve",
		Mapping: map[string]string{"item": "{{data.item}}"},
	}))

	e.HandleEvent(context.Background(), core.NewEvent("order:placed", map[string]any{"item": "widget"}))

	require.Empty(t, rec.named(core.TransformerErrorEventName))
	out := rec.named("inventory:reserve")
	require.Len(t, out, 1)
	assert.Equal(t, "widget", out[0].Data["item"])
}

func TestEngine_ConditionEnvelopePath(t *testing.T) {
	rec := &recordingEmitter{}
	e := NewEngine(rec)
	require.NoError(t, e.AddRule("run-1", Rule{
		Source:    "metric:sample",
		Target:    "alert:raise",
		Condition: "data.value > 100",
		Mapping:   map[string]string{"value": "{{data.value}}"},
	}))

	e.HandleEvent(context.Background(), core.NewEvent("metric:sample", map[string]any{"value": 50}))
	assert.Empty(t, rec.named("alert:raise"))

	e.HandleEvent(context.Background(), core.NewEvent("metric:sample", map[string]any{"value": 150}))
	assert.Len(t, rec.named("alert:raise"), 1)
}

func TestEngine_IdempotentRewrite(t *testing.T) {
	rec := &recordingEmitter{}
	e := NewEngine(rec)
	require.NoError(t, e.AddRule("run-1", Rule{
		Source:  "order:placed",
		Target:  "inventory:reserve",
		Mapping: map[string]string{"item": "{{item}}", "qty": "{{qty}}"},
	}))

	src := core.NewEvent("order:placed", map[string]any{"item": "widget", "qty": 2})
	e.HandleEvent(context.Background(), src)
	e.HandleEvent(context.Background(), src)

	out := rec.named("inventory:reserve")
	require.Len(t, out, 2)
	assert.Equal(t, out[0].Data, out[1].Data, "pure mapping must produce structurally identical targets")
}

func TestEngine_ConditionSkipsRule(t *testing.T) {
	rec := &recordingEmitter{}
	e := NewEngine(rec)
	require.NoError(t, e.AddRule("run-1", Rule{
		Source:    "metric:sample",
		Target:    "alert:raise",
		Condition: "value > 100",
		Mapping:   map[string]string{"value": "{{value}}"},
	}))

	e.HandleEvent(context.Background(), core.NewEvent("metric:sample", map[string]any{"value": 50}))
	assert.Empty(t, rec.named("alert:raise"))

	e.HandleEvent(context.Background(), core.NewEvent("metric:sample", map[string]any{"value": 150}))
	assert.Len(t, rec.named("alert:raise"), 1)
}

func TestEngine_MappingFailureIsLoudButIsolated(t *testing.T) {
	rec := &recordingEmitter{}
	e := NewEngine(rec)
	require.NoError(t, e.AddRule("run-1", Rule{
		Source:  "order:placed",
		Target:  "inventory:reserve",
		Mapping: map[string]string{"item": "{{missing.field}}"},
	}))
	require.NoError(t, e.AddRule("run-1", Rule{
		Source:  "order:placed",
		Target:  "audit:record",
		Mapping: map[string]string{"item": "{{item}}"},
	}))

	e.HandleEvent(context.Background(), core.NewEvent("order:placed", map[string]any{"item": "widget"}))

	assert.Empty(t, rec.named("inventory:reserve"), "failed rule must not emit")
	assert.Len(t, rec.named("audit:record"), 1, "other rules must still fire")

	errs := rec.named(core.TransformerErrorEventName)
	require.Len(t, errs, 1)
	assert.Equal(t, true, errs[0].Data["template_error"])
}

func TestEngine_AsyncCorrelation(t *testing.T) {
	rec := &recordingEmitter{}
	e := NewEngine(rec)
	rec.engine = e
	rec.loop = true
	require.NoError(t, e.AddRule("run-1", Rule{
		Source:  "analysis:request",
		Target:  "completion:async",
		Async:   true,
		Mapping: map[string]string{"prompt": "{{question}}"},
		Response: &ResponseRoute{
			From: "completion:result",
			To:   "analysis:complete",
		},
	}))

	e.HandleEvent(context.Background(), core.NewEvent("analysis:request", map[string]any{"question": "why?"}))

	targets := rec.named("completion:async")
	require.Len(t, targets, 1)
	transformID, _ := targets[0].Data["request_id"].(string)
	require.NotEmpty(t, transformID, "async target must carry the injected request_id")
	assert.Equal(t, 1, e.PendingCount())

	// An unrelated response with a different request_id produces nothing.
	e.HandleEvent(context.Background(), core.NewEvent("completion:result", map[string]any{"request_id": "someone-else", "result": "no"}))
	assert.Empty(t, rec.named("analysis:complete"))
	assert.Equal(t, 1, e.PendingCount())

	// The matching response yields exactly one downstream event.
	e.HandleEvent(context.Background(), core.NewEvent("completion:result", map[string]any{"request_id": transformID, "result": "because"}))
	done := rec.named("analysis:complete")
	require.Len(t, done, 1)
	assert.Equal(t, "because", done[0].Data["result"])
	assert.Equal(t, transformID, done[0].Data["transform_id"])
	assert.Equal(t, 0, e.PendingCount(), "pending entry must be garbage-collected on resolution")

	// A second identical response is ignored: the entry is already gone.
	e.HandleEvent(context.Background(), core.NewEvent("completion:result", map[string]any{"request_id": transformID, "result": "again"}))
	assert.Len(t, rec.named("analysis:complete"), 1)
}

func TestEngine_SweepTimesOutPending(t *testing.T) {
	rec := &recordingEmitter{}
	e := NewEngine(rec, func(o *Options) { o.AsyncDeadline = time.Millisecond })
	require.NoError(t, e.AddRule("run-1", Rule{
		Source:   "analysis:request",
		Target:   "completion:async",
		Async:    true,
		Mapping:  map[string]string{},
		Response: &ResponseRoute{From: "completion:result", To: "analysis:complete"},
	}))

	e.HandleEvent(context.Background(), core.NewEvent("analysis:request", nil))
	require.Equal(t, 1, e.PendingCount())

	time.Sleep(5 * time.Millisecond)
	swept := e.Sweep(context.Background())
	assert.Equal(t, 1, swept)
	assert.Equal(t, 0, e.PendingCount())
	assert.Len(t, rec.named(core.TransformerTimeoutEventName), 1)
	assert.Empty(t, rec.named("analysis:complete"), "no response event after timeout GC")
}

func TestEngine_RemoveOwner(t *testing.T) {
	rec := &recordingEmitter{}
	e := NewEngine(rec)
	require.NoError(t, e.AddRule("run-1", Rule{Source: "a:b", Target: "c:d", Mapping: map[string]string{}}))
	require.NoError(t, e.AddRule("run-2", Rule{Source: "a:b", Target: "e:f", Mapping: map[string]string{}}))

	assert.Equal(t, 1, e.RemoveOwner("run-1"))
	assert.Equal(t, 1, e.RuleCount())

	e.HandleEvent(context.Background(), core.NewEvent("a:b", nil))
	assert.Empty(t, rec.named("c:d"))
	assert.Len(t, rec.named("e:f"), 1)
}

func TestRule_Validate(t *testing.T) {
	assert.Error(t, (Rule{Source: "bad*pattern", Target: "x:y"}).Validate())
	assert.Error(t, (Rule{Source: "a:b"}).Validate())
	assert.Error(t, (Rule{Source: "a:b", Target: "x:y", Async: true}).Validate())
	assert.NoError(t, (Rule{Source: "a:*", Target: "x:y"}).Validate())
}
