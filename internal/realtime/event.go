package realtime

import (
	"encoding/json"
	"fmt"

	"github.com/naarscars/chatsync/internal/bus"
	"github.com/naarscars/chatsync/internal/remote"
)

// EventType enumerates the inbound change event kinds. New kinds are a
// compile-time-checked addition here, not a string scattered across
// handlers.
type EventType int

const (
	EventInsert EventType = iota + 1
	EventUpdate
	EventDelete
)

func (t EventType) String() string {
	switch t {
	case EventInsert:
		return "insert"
	case EventUpdate:
		return "update"
	case EventDelete:
		return "delete"
	default:
		return fmt.Sprintf("EventType(%d)", int(t))
	}
}

// ChangeEvent is a decoded remote change event. HasBody distinguishes an
// update that carries content from one that only names the row; delete
// events never carry a body.
type ChangeEvent struct {
	Type           EventType
	ConversationID string
	MessageID      string
	SenderID       string
	Timestamp      int64
	Body           string
	HasBody        bool
}

// BusKind maps the event to its bus namespace kind.
func (e *ChangeEvent) BusKind() string {
	switch e.Type {
	case EventInsert:
		return bus.KindRemoteInsert
	case EventUpdate:
		return bus.KindRemoteUpdate
	default:
		return bus.KindRemoteDelete
	}
}

type wireEvent struct {
	EventType      string  `json:"event_type"`
	ConversationID string  `json:"conversation_id"`
	MessageID      string  `json:"message_id"`
	SenderID       string  `json:"sender_id"`
	Timestamp      int64   `json:"timestamp"`
	Body           *string `json:"body"`
}

// DecodeEvent parses a wire event into the tagged union. Any malformed
// payload is a decode error: the caller drops it and keeps reading, per
// the one-bad-event-must-not-halt-the-stream rule.
func DecodeEvent(data []byte) (*ChangeEvent, error) {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("%w: event: %v", remote.ErrDecode, err)
	}

	var typ EventType
	switch w.EventType {
	case "insert":
		typ = EventInsert
	case "update":
		typ = EventUpdate
	case "delete":
		typ = EventDelete
	default:
		return nil, fmt.Errorf("%w: unknown event_type %q", remote.ErrDecode, w.EventType)
	}

	if w.ConversationID == "" || w.MessageID == "" {
		return nil, fmt.Errorf("%w: event missing identifiers", remote.ErrDecode)
	}
	if typ == EventInsert && w.Body == nil {
		return nil, fmt.Errorf("%w: insert event missing body", remote.ErrDecode)
	}

	ev := &ChangeEvent{
		Type:           typ,
		ConversationID: w.ConversationID,
		MessageID:      w.MessageID,
		SenderID:       w.SenderID,
		Timestamp:      w.Timestamp,
	}
	if w.Body != nil {
		ev.Body = *w.Body
		ev.HasBody = true
	}
	return ev, nil
}
