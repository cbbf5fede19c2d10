package core

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestEvent_ConstructorAndNameParts(t *testing.T) {
	e := NewEvent("state:set", map[string]any{"key": "x"})
	if e.ID == "" || e.Timestamp.IsZero() || e.Seq == 0 {
		t.Fatalf("NewEvent did not initialize identity fields: %+v", e)
	}
	if e.Namespace() != "state" || e.Action() != "set" {
		t.Fatalf("name parsing failed: ns=%q action=%q", e.Namespace(), e.Action())
	}

	bare := NewEvent("shutdown", nil)
	if bare.Data == nil {
		t.Fatal("nil data should be normalized to an empty map")
	}
	if bare.Namespace() != "shutdown" || bare.Action() != "" {
		t.Fatalf("colonless name parsing failed: %+v", bare)
	}
}

func TestEvent_MonotonicSequence(t *testing.T) {
	a := NewEvent("a:b", nil)
	b := NewEvent("a:c", nil)
	if b.Seq <= a.Seq {
		t.Fatalf("expected strictly increasing sequence, got %d then %d", a.Seq, b.Seq)
	}
}

func TestEvent_DeriveIsNewObject(t *testing.T) {
	src := NewEvent("order:placed", map[string]any{"item": "widget"}).WithOrigin("client-1")
	d := src.Derive("inventory:reserve", map[string]any{"item": "widget"})
	if d.ID == src.ID || d.Seq <= src.Seq {
		t.Fatalf("derived event must have fresh identity: src=%+v derived=%+v", src, d)
	}
	if d.Origin != "client-1" {
		t.Fatalf("derived event should keep origin attribution, got %q", d.Origin)
	}
}

func TestEvent_CloneIsolatesData(t *testing.T) {
	src := NewEvent("state:set", map[string]any{"key": "x"})
	c := src.Clone()
	c.Data["key"] = "y"
	if src.Data["key"] != "x" {
		t.Fatal("mutating a clone leaked into the source event")
	}
}

func TestEvent_WireShape(t *testing.T) {
	e := NewCorrelatedEvent("completion:result", map[string]any{"request_id": "r1"}, "corr-1")
	b, err := json.Marshal(e)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var wire map[string]any
	if err := json.Unmarshal(b, &wire); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if wire["event"] != "completion:result" || wire["correlation_id"] != "corr-1" {
		t.Fatalf("wire field names wrong: %v", wire)
	}
}

func TestErrors_Taxonomy(t *testing.T) {
	var schemaErr error = &SchemaError{Event: "state:set", Field: "key", Reason: "is required"}
	var se *SchemaError
	if !errors.As(schemaErr, &se) {
		t.Fatal("SchemaError should unwrap via errors.As")
	}

	he := &HandlerError{Event: "x:y", Handler: "h", Err: ErrTimeout}
	if !errors.Is(he, ErrTimeout) {
		t.Fatal("HandlerError should unwrap to its cause")
	}

	sp := &SpawnError{Profile: "worker", Spawned: []string{"a"}, Errs: []error{errors.New("boom")}}
	if len(sp.Spawned) != 1 {
		t.Fatal("SpawnError must surface the successful subset")
	}
}
