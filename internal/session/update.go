package session

import (
	"market-chat/internal/broadcast"
	"market-chat/internal/models"
)

type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateSubscribed
	// StateClosed is terminal.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateSubscribed:
		return "subscribed"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

type UpdateKind string

const (
	UpdateState    UpdateKind = "state"
	UpdateSnapshot UpdateKind = "snapshot"
	UpdateMessage  UpdateKind = "message"
	UpdateRead     UpdateKind = "read"
	UpdateJoin     UpdateKind = "presence_join"
	UpdateLeave    UpdateKind = "presence_leave"
	UpdatePresence UpdateKind = "presence"
	UpdateError    UpdateKind = "error"
)

// Update is handed to the observer after every visible change. Slices are copies.
type Update struct {
	Kind     UpdateKind
	State    State
	Message  *models.Message
	Messages []models.Message
	UserID   int64
	Presence []broadcast.PresenceEntry
	Err      error
}
