package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"

	"github.com/tidwall/gjson"

	"github.com/durapensa/ksi/core"
	"github.com/durapensa/ksi/logging"
	"github.com/durapensa/ksi/router"
)

// maxLineBytes bounds a single wire line; anything larger is a client bug.
const maxLineBytes = 1 << 20

// ServerOptions configures a Server.
type ServerOptions struct {
	// Logger receives connection lifecycle and protocol diagnostics.
	Logger logging.Logger
}

// Server exposes the router over a unix-domain socket speaking one JSON
// object per line. Each connection gets its own owner id; subscriptions made
// over the wire are torn down when the connection closes so a crashed client
// never leaves handlers behind.
type Server struct {
	router   *router.Router
	path     string
	logger   logging.Logger
	listener net.Listener

	mu    sync.Mutex
	conns map[string]*serverConn
	wg    sync.WaitGroup
}

type serverConn struct {
	id      string
	conn    net.Conn
	writeMu sync.Mutex
}

// NewServer creates a server bound to the socket at path. Call Serve to
// start accepting connections.
func NewServer(r *router.Router, path string, optFns ...func(o *ServerOptions)) *Server {
	opts := ServerOptions{}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Logger == nil {
		opts.Logger = logging.NoOpLogger{}
	}
	return &Server{
		router: r,
		path:   path,
		logger: opts.Logger,
		conns:  map[string]*serverConn{},
	}
}

// Serve binds the socket and accepts connections until ctx is cancelled or
// Close is called. A stale socket file from a previous run is removed before
// binding.
func (s *Server) Serve(ctx context.Context) error {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove stale socket: %w", err)
	}
	ln, err := net.Listen("unix", s.path)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.path, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	s.logger.Info("transport listening", "socket", s.path)

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		sc := &serverConn{id: "conn_" + core.NewID(), conn: conn}
		s.mu.Lock()
		s.conns[sc.id] = sc
		s.mu.Unlock()
		s.wg.Add(1)
		go s.handle(ctx, sc)
	}
}

// Close shuts the listener and all live connections down and waits for the
// connection goroutines to drain.
func (s *Server) Close() error {
	s.mu.Lock()
	ln := s.listener
	conns := make([]*serverConn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	var err error
	if ln != nil {
		err = ln.Close()
	}
	for _, c := range conns {
		c.conn.Close()
	}
	s.wg.Wait()
	return err
}

func (s *Server) handle(ctx context.Context, sc *serverConn) {
	defer s.wg.Done()
	defer func() {
		sc.conn.Close()
		removed := s.router.UnsubscribeOwner(sc.id)
		s.mu.Lock()
		delete(s.conns, sc.id)
		s.mu.Unlock()
		s.logger.Debug("transport connection closed", "conn", sc.id, "subscriptions_removed", removed)
	}()

	s.logger.Debug("transport connection opened", "conn", sc.id)

	scanner := bufio.NewScanner(sc.conn)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		msg, err := DecodeMessage(line)
		if err != nil {
			// Best-effort echo of the wire id so the client's pending
			// request fails fast instead of waiting out its deadline.
			s.writeError(sc, gjson.GetBytes(line, "id").String(), "protocol_error", err.Error())
			continue
		}
		switch msg.Event {
		case SubscribeEventName:
			s.handleSubscribe(sc, msg)
		case UnsubscribeEventName:
			s.handleUnsubscribe(sc, msg)
		default:
			s.handleEmit(ctx, sc, msg)
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil && !errors.Is(err, net.ErrClosed) {
		s.logger.Debug("transport read error", "conn", sc.id, "error", err)
	}
}

// handleSubscribe registers a handler owned by the connection that forwards
// matching events back over the wire.
func (s *Server) handleSubscribe(sc *serverConn, msg Message) {
	pattern, _ := msg.Data["pattern"].(string)
	sub, err := s.router.Subscribe(pattern, sc.id, func(_ context.Context, ev core.Event) (any, error) {
		return nil, s.write(sc, FromEvent(ev))
	})
	if err != nil {
		s.writeError(sc, msg.ID, "subscribe_error", err.Error())
		return
	}
	s.write(sc, Message{
		ID:    msg.ID,
		Event: AckEventName,
		Data:  map[string]any{"subscription_id": sub.ID, "pattern": pattern},
	})
}

func (s *Server) handleUnsubscribe(sc *serverConn, msg Message) {
	id, _ := msg.Data["subscription_id"].(string)
	ok := s.router.Unsubscribe(id)
	s.write(sc, Message{
		ID:    msg.ID,
		Event: AckEventName,
		Data:  map[string]any{"subscription_id": id, "removed": ok},
	})
}

// handleEmit injects the event into the router and echoes the dispatch
// results back, keyed by the caller's correlation id when present.
func (s *Server) handleEmit(ctx context.Context, sc *serverConn, msg Message) {
	ev := msg.ToEvent(sc.id)
	results, err := s.router.Emit(ctx, ev)
	if err != nil {
		s.writeError(sc, msg.ID, errorKind(err), err.Error())
		return
	}
	s.write(sc, Message{
		ID:    msg.ID,
		Event: ResultEventName,
		Data:  map[string]any{"event": msg.Event, "results": results},
	})
}

func (s *Server) writeError(sc *serverConn, replyID, kind, message string) {
	s.write(sc, Message{
		ID:    replyID,
		Event: core.ErrorEventName,
		Data:  map[string]any{"error_kind": kind, "error_message": message},
	})
}

func (s *Server) write(sc *serverConn, msg Message) error {
	b, err := msg.Encode()
	if err != nil {
		return err
	}
	sc.writeMu.Lock()
	defer sc.writeMu.Unlock()
	if _, err := sc.conn.Write(b); err != nil {
		return fmt.Errorf("write to %s: %w", sc.id, err)
	}
	return nil
}

func errorKind(err error) string {
	var se *core.SchemaError
	if errors.As(err, &se) {
		return "schema_error"
	}
	var he *core.HandlerError
	if errors.As(err, &he) {
		return "handler_error"
	}
	return "emit_error"
}
