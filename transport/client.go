package transport

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/durapensa/ksi/core"
)

// Client talks to a Server over its unix socket. Inbound traffic is split
// into two streams: replies to the client's own requests (matched by
// correlation id) and events delivered for its subscriptions, exposed on
// Events().
type Client struct {
	conn   net.Conn
	events chan core.Event

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan Message
	closed  bool
	readErr error
}

// Dial connects to the server socket at path.
func Dial(path string) (*Client, error) {
	conn, err := net.Dial("unix", path)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", path, err)
	}
	c := &Client{
		conn:    conn,
		events:  make(chan core.Event, 64),
		pending: map[string]chan Message{},
	}
	go c.readLoop()
	return c, nil
}

// Events yields events delivered for the client's subscriptions. The channel
// is closed when the connection drops.
func (c *Client) Events() <-chan core.Event { return c.events }

// Emit sends an event and waits for the server's dispatch result.
func (c *Client) Emit(ctx context.Context, name string, data map[string]any) ([]any, error) {
	return c.EmitCorrelated(ctx, name, data, "")
}

// EmitCorrelated is Emit with an event-level correlation id attached, for
// answering a request observed on a subscription.
func (c *Client) EmitCorrelated(ctx context.Context, name string, data map[string]any, correlationID string) ([]any, error) {
	reply, err := c.request(ctx, Message{Event: name, Data: data, CorrelationID: correlationID})
	if err != nil {
		return nil, err
	}
	if reply.Event == core.ErrorEventName {
		return nil, fmt.Errorf("emit %s: %v", name, reply.Data["error_message"])
	}
	results, _ := reply.Data["results"].([]any)
	return results, nil
}

// Subscribe asks the server to forward events matching pattern and returns
// the subscription id for a later Unsubscribe.
func (c *Client) Subscribe(ctx context.Context, pattern string) (string, error) {
	reply, err := c.request(ctx, Message{
		Event: SubscribeEventName,
		Data:  map[string]any{"pattern": pattern},
	})
	if err != nil {
		return "", err
	}
	if reply.Event == core.ErrorEventName {
		return "", fmt.Errorf("subscribe %s: %v", pattern, reply.Data["error_message"])
	}
	id, _ := reply.Data["subscription_id"].(string)
	return id, nil
}

// Unsubscribe removes a subscription created by Subscribe.
func (c *Client) Unsubscribe(ctx context.Context, subscriptionID string) error {
	reply, err := c.request(ctx, Message{
		Event: UnsubscribeEventName,
		Data:  map[string]any{"subscription_id": subscriptionID},
	})
	if err != nil {
		return err
	}
	if reply.Event == core.ErrorEventName {
		return fmt.Errorf("unsubscribe: %v", reply.Data["error_message"])
	}
	return nil
}

// Close drops the connection. Pending requests fail and Events() closes.
func (c *Client) Close() error { return c.conn.Close() }

// request sends msg tagged with a fresh wire id and waits for the matching
// reply line.
func (c *Client) request(ctx context.Context, msg Message) (Message, error) {
	msg.ID = core.NewID()
	ch := make(chan Message, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return Message{}, fmt.Errorf("transport closed: %w", c.readErr)
	}
	c.pending[msg.ID] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, msg.ID)
		c.mu.Unlock()
	}()

	if err := c.write(msg); err != nil {
		return Message{}, err
	}

	select {
	case reply, ok := <-ch:
		if !ok {
			return Message{}, fmt.Errorf("transport closed before reply")
		}
		return reply, nil
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

func (c *Client) write(msg Message) error {
	b, err := msg.Encode()
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.conn.Write(b); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	return nil
}

func (c *Client) readLoop() {
	scanner := bufio.NewScanner(c.conn)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		msg, err := DecodeMessage(scanner.Bytes())
		if err != nil {
			continue
		}
		if msg.ID != "" {
			c.mu.Lock()
			ch, ok := c.pending[msg.ID]
			c.mu.Unlock()
			if ok {
				ch <- msg
				continue
			}
		}
		ev := core.NewEvent(msg.Event, msg.Data)
		ev.CorrelationID = msg.CorrelationID
		select {
		case c.events <- ev:
		case <-time.After(time.Second):
			// Subscriber stopped draining; drop rather than wedge the reader.
		}
	}

	c.mu.Lock()
	c.closed = true
	c.readErr = scanner.Err()
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	c.mu.Unlock()
	close(c.events)
}
