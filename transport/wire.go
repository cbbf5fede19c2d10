package transport

import (
	"encoding/json"
	"fmt"

	"github.com/durapensa/ksi/core"
)

// Message is the on-wire representation of an event: one JSON object per
// line. Control traffic (subscribe, unsubscribe) uses the same shape with
// reserved "transport:" event names so the framing stays uniform.
//
// ID is transport-level request/reply framing: the server echoes it on the
// reply line for the request that carried it. CorrelationID belongs to the
// event itself and passes through the router untouched.
type Message struct {
	ID            string         `json:"id,omitempty"`
	Event         string         `json:"event"`
	Data          map[string]any `json:"data,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
}

// Reserved control event names understood by the unix-socket server.
const (
	SubscribeEventName   = "transport:subscribe"
	UnsubscribeEventName = "transport:unsubscribe"
	ResultEventName      = "transport:result"
	AckEventName         = "transport:ack"
)

// Encode renders the message as a single JSON line (trailing newline
// included).
func (m Message) Encode() ([]byte, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode wire message: %w", err)
	}
	return append(b, '\n'), nil
}

// DecodeMessage parses one line of wire input.
func DecodeMessage(line []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(line, &m); err != nil {
		return Message{}, fmt.Errorf("decode wire message: %w", err)
	}
	if m.Event == "" {
		return Message{}, fmt.Errorf("decode wire message: missing event name")
	}
	return m, nil
}

// ToEvent converts a wire message into a router event attributed to origin.
func (m Message) ToEvent(origin string) core.Event {
	ev := core.NewEvent(m.Event, m.Data)
	ev.CorrelationID = m.CorrelationID
	ev.Origin = origin
	return ev
}

// FromEvent converts a router event into its wire representation.
func FromEvent(ev core.Event) Message {
	return Message{Event: ev.Name, Data: ev.Data, CorrelationID: ev.CorrelationID}
}
