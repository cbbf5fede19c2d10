package runstore

import (
	"testing"
	"time"

	"github.com/durapensa/ksi/orchestration"
)

func sampleEntries() []orchestration.TrackedEntry {
	base := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)
	return []orchestration.TrackedEntry{
		{Type: "milestone", Data: map[string]any{"name": "kickoff"}, Timestamp: base, Seq: 1},
		{Type: "finding", Data: map[string]any{"score": 0.87, "source": "agent_1"}, Timestamp: base.Add(time.Second), Seq: 2},
		{Type: "milestone", Data: map[string]any{"name": "review"}, Timestamp: base.Add(2 * time.Second), Seq: 3},
	}
}

func testStore(t *testing.T, store orchestration.Store) {
	t.Helper()

	entries := sampleEntries()
	for _, e := range entries {
		if err := store.Append("run_1", e); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	if err := store.Append("run_2", entries[0]); err != nil {
		t.Fatalf("Append to second run: %v", err)
	}

	got, err := store.Load("run_1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(got) != len(entries) {
		t.Fatalf("Load returned %d entries, want %d", len(got), len(entries))
	}
	for i, e := range got {
		if e.Seq != entries[i].Seq {
			t.Errorf("entry %d: seq = %d, want %d", i, e.Seq, entries[i].Seq)
		}
		if e.Type != entries[i].Type {
			t.Errorf("entry %d: type = %q, want %q", i, e.Type, entries[i].Type)
		}
	}
	if name := got[0].Data["name"]; name != "kickoff" {
		t.Errorf("entry 0 data name = %v, want kickoff", name)
	}
	if score := got[1].Data["score"]; score != 0.87 {
		t.Errorf("entry 1 data score = %v, want 0.87", score)
	}

	other, err := store.Load("run_2")
	if err != nil {
		t.Fatalf("Load run_2: %v", err)
	}
	if len(other) != 1 {
		t.Fatalf("run_2 has %d entries, want 1", len(other))
	}

	empty, err := store.Load("missing")
	if err != nil {
		t.Fatalf("Load missing run: %v", err)
	}
	if len(empty) != 0 {
		t.Fatalf("missing run returned %d entries, want 0", len(empty))
	}
}

func TestInMemoryStore(t *testing.T) {
	testStore(t, NewInMemoryStore())
}

func TestInMemoryStoreLoadIsCopy(t *testing.T) {
	store := NewInMemoryStore()
	if err := store.Append("run_1", sampleEntries()[0]); err != nil {
		t.Fatalf("Append: %v", err)
	}
	first, _ := store.Load("run_1")
	first[0].Type = "mutated"

	again, _ := store.Load("run_1")
	if again[0].Type != "milestone" {
		t.Fatal("mutating a loaded slice leaked into the store")
	}
}

func TestSQLiteStore(t *testing.T) {
	store, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	defer store.Close()

	testStore(t, store)
}

func TestSQLiteStoreTimestampRoundTrip(t *testing.T) {
	store, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	defer store.Close()

	in := sampleEntries()[0]
	if err := store.Append("run_1", in); err != nil {
		t.Fatalf("Append: %v", err)
	}
	out, err := store.Load("run_1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !out[0].Timestamp.Equal(in.Timestamp) {
		t.Fatalf("timestamp = %v, want %v", out[0].Timestamp, in.Timestamp)
	}
}
