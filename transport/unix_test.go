package transport

import (
	"bufio"
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/durapensa/ksi/core"
	"github.com/durapensa/ksi/router"
)

func startServer(t *testing.T, r *router.Router) (string, *Server) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ksi.sock")
	srv := NewServer(r, path)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		srv.Close()
		<-done
	})
	// Wait for the socket to appear.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c, err := Dial(path); err == nil {
			c.Close()
			return path, srv
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("server did not start listening")
	return "", nil
}

func TestEmitOverSocket(t *testing.T) {
	r := router.New()
	got := make(chan core.Event, 1)
	r.Subscribe("state:set", "test", func(_ context.Context, ev core.Event) (any, error) {
		got <- ev
		return "ok", nil
	})

	path, _ := startServer(t, r)
	client, err := Dial(path)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer client.Close()

	results, err := client.Emit(context.Background(), "state:set", map[string]any{"key": "x", "value": float64(1)})
	if err != nil {
		t.Fatalf("Emit: %v", err)
	}
	if len(results) != 1 || results[0] != "ok" {
		t.Fatalf("results = %v, want [ok]", results)
	}

	select {
	case ev := <-got:
		if ev.Data["key"] != "x" {
			t.Errorf("handler saw key %v, want x", ev.Data["key"])
		}
		if ev.Origin == "" {
			t.Error("inbound event has no origin attribution")
		}
	case <-time.After(time.Second):
		t.Fatal("handler never fired")
	}
}

func TestEmitWithNoSubscribers(t *testing.T) {
	r := router.New()
	path, _ := startServer(t, r)
	client, err := Dial(path)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer client.Close()

	results, err := client.Emit(context.Background(), "state:set", map[string]any{"key": "x"})
	if err != nil {
		t.Fatalf("Emit: %v", err)
	}
	if len(results) != 0 {
		t.Fatalf("results = %v, want empty", results)
	}
}

func TestSubscribeDelivery(t *testing.T) {
	r := router.New()
	path, _ := startServer(t, r)

	sub, err := Dial(path)
	if err != nil {
		t.Fatalf("Dial subscriber: %v", err)
	}
	defer sub.Close()
	ctx := context.Background()
	if _, err := sub.Subscribe(ctx, "monitor:*"); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	pub, err := Dial(path)
	if err != nil {
		t.Fatalf("Dial publisher: %v", err)
	}
	defer pub.Close()
	if _, err := pub.Emit(ctx, "monitor:tick", map[string]any{"n": float64(7)}); err != nil {
		t.Fatalf("Emit: %v", err)
	}

	select {
	case ev := <-sub.Events():
		if ev.Name != "monitor:tick" {
			t.Fatalf("delivered %q, want monitor:tick", ev.Name)
		}
		if ev.Data["n"] != float64(7) {
			t.Errorf("data n = %v, want 7", ev.Data["n"])
		}
	case <-time.After(2 * time.Second):
		t.Fatal("subscription delivery never arrived")
	}
}

func TestMalformedLineFailsFast(t *testing.T) {
	r := router.New()
	path, _ := startServer(t, r)

	conn, err := net.Dial("unix", path)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// Missing event name: undecodable as a message, but the wire id is
	// recoverable and must come back on the error reply.
	if _, err := conn.Write([]byte(`{"id":"req-1","data":{}}` + "\n")); err != nil {
		t.Fatalf("write: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := bufio.NewReader(conn).ReadBytes('\n')
	if err != nil {
		t.Fatalf("read reply: %v", err)
	}
	reply, err := DecodeMessage(line)
	if err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	if reply.Event != core.ErrorEventName {
		t.Fatalf("reply event = %q, want %q", reply.Event, core.ErrorEventName)
	}
	if reply.ID != "req-1" {
		t.Fatalf("reply id = %q, want req-1 so the pending request resolves", reply.ID)
	}
	if reply.Data["error_kind"] != "protocol_error" {
		t.Errorf("error_kind = %v, want protocol_error", reply.Data["error_kind"])
	}
}

func TestBadPatternRejected(t *testing.T) {
	r := router.New()
	path, _ := startServer(t, r)
	client, err := Dial(path)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer client.Close()

	if _, err := client.Subscribe(context.Background(), "no wildcard here"); err == nil {
		t.Fatal("expected an error for an invalid pattern")
	}
}

func TestDisconnectRemovesSubscriptions(t *testing.T) {
	r := router.New()
	path, _ := startServer(t, r)

	client, err := Dial(path)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	if _, err := client.Subscribe(context.Background(), "agent:*"); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if n := r.SubscriptionCount(); n != 1 {
		t.Fatalf("subscription count = %d, want 1", n)
	}

	client.Close()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if r.SubscriptionCount() == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("subscription count = %d after disconnect, want 0", r.SubscriptionCount())
}

func TestUnsubscribeOverSocket(t *testing.T) {
	r := router.New()
	path, _ := startServer(t, r)
	client, err := Dial(path)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer client.Close()

	ctx := context.Background()
	id, err := client.Subscribe(ctx, "agent:*")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if err := client.Unsubscribe(ctx, id); err != nil {
		t.Fatalf("Unsubscribe: %v", err)
	}
	if n := r.SubscriptionCount(); n != 0 {
		t.Fatalf("subscription count = %d, want 0", n)
	}
}
