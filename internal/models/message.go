package models

import "time"

type MessageStatus string

const (
	StatusSent MessageStatus = "sent"
	StatusRead MessageStatus = "read"
)

// Message is a single chat line. Status only ever moves from sent to read.
type Message struct {
	ID         string        `db:"id" json:"id"`
	ChatRoomID string        `db:"chat_room_id" json:"chat_room_id"`
	UserID     int64         `db:"user_id" json:"user_id"`
	Payload    string        `db:"payload" json:"payload"`
	CreatedAt  time.Time     `db:"created_at" json:"created_at"`
	Status     MessageStatus `db:"status" json:"status"`
}

func (m Message) IsRead() bool {
	return m.Status == StatusRead
}
