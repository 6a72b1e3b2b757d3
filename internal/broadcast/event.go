package broadcast

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Kind names one of the closed set of broadcast events.
type Kind string

const (
	KindNewMessage    Kind = "new_message"
	KindMessageRead   Kind = "message_read"
	KindPresenceJoin  Kind = "presence_join"
	KindPresenceLeave Kind = "presence_leave"
	KindPresenceSync  Kind = "presence_sync"
)

var ErrUnknownEvent = errors.New("unknown broadcast event")

// Event is implemented only by the variants in this file.
type Event interface {
	Kind() Kind
	isEvent()
}

type NewMessage struct {
	ID        string    `json:"id"`
	Payload   string    `json:"payload"`
	CreatedAt time.Time `json:"created_at"`
	AuthorID  int64     `json:"author_id"`
}

type MessageRead struct {
	MessageID string `json:"message_id"`
}

type PresenceJoin struct {
	UserID int64 `json:"user_id"`
}

type PresenceLeave struct {
	UserID int64 `json:"user_id"`
}

type PresenceSync struct {
	Members []PresenceEntry `json:"members"`
}

// PresenceEntry lives exactly as long as one open subscription.
type PresenceEntry struct {
	UserID      int64     `json:"user_id"`
	RoomID      string    `json:"room_id"`
	ClientID    string    `json:"client_id"`
	ConnectedAt time.Time `json:"connected_at"`
}

func (NewMessage) Kind() Kind    { return KindNewMessage }
func (MessageRead) Kind() Kind   { return KindMessageRead }
func (PresenceJoin) Kind() Kind  { return KindPresenceJoin }
func (PresenceLeave) Kind() Kind { return KindPresenceLeave }
func (PresenceSync) Kind() Kind  { return KindPresenceSync }

func (NewMessage) isEvent()    {}
func (MessageRead) isEvent()   {}
func (PresenceJoin) isEvent()  {}
func (PresenceLeave) isEvent() {}
func (PresenceSync) isEvent()  {}

// Envelope is the wire form of an event. Origin is the publishing client id,
// empty for server-originated events.
type Envelope struct {
	Type    Kind            `json:"type"`
	Origin  string          `json:"origin,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

func Encode(origin string, ev Event) ([]byte, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Type: ev.Kind(), Origin: origin, Payload: payload})
}

// Decode parses an envelope and rejects kinds outside the closed set.
func Decode(data []byte) (string, Event, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("decode envelope: %w", err)
	}

	var ev Event
	var err error
	switch env.Type {
	case KindNewMessage:
		ev, err = decodeAs[NewMessage](env.Payload)
	case KindMessageRead:
		ev, err = decodeAs[MessageRead](env.Payload)
	case KindPresenceJoin:
		ev, err = decodeAs[PresenceJoin](env.Payload)
	case KindPresenceLeave:
		ev, err = decodeAs[PresenceLeave](env.Payload)
	case KindPresenceSync:
		ev, err = decodeAs[PresenceSync](env.Payload)
	default:
		return "", nil, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Type)
	}
	if err != nil {
		return "", nil, fmt.Errorf("decode %s: %w", env.Type, err)
	}
	return env.Origin, ev, nil
}

func decodeAs[T Event](raw json.RawMessage) (Event, error) {
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return v, nil
}
