package ws

import (
	"market-chat/internal/broadcast"
	"market-chat/internal/models"
	"market-chat/internal/session"
	"market-chat/internal/unread"
)

// Frame is every server to client websocket message.
type Frame struct {
	Type     string                    `json:"type"`
	State    string                    `json:"state,omitempty"`
	Message  *models.Message           `json:"message,omitempty"`
	Messages []models.Message          `json:"messages,omitempty"`
	UserID   int64                     `json:"user_id,omitempty"`
	Members  []broadcast.PresenceEntry `json:"members,omitempty"`
	Unread   *unread.Snapshot          `json:"unread,omitempty"`
	Error    string                    `json:"error,omitempty"`
}

// Inbound is every client to server websocket message.
type Inbound struct {
	Type   string `json:"type"`
	Text   string `json:"text,omitempty"`
	RoomID string `json:"room_id,omitempty"`
}

const (
	inboundSend   = "send"
	inboundActive = "active"
)

func frameForUpdate(u session.Update) Frame {
	f := Frame{Type: string(u.Kind), State: u.State.String()}
	switch u.Kind {
	case session.UpdateSnapshot:
		f.Messages = u.Messages
		if f.Messages == nil {
			f.Messages = []models.Message{}
		}
	case session.UpdateMessage, session.UpdateRead:
		f.Message = u.Message
	case session.UpdateJoin, session.UpdateLeave:
		f.UserID = u.UserID
	case session.UpdatePresence:
		f.Members = u.Presence
	case session.UpdateError:
		if u.Err != nil {
			f.Error = u.Err.Error()
		}
	}
	return f
}
