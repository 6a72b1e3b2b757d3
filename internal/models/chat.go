package models

import "time"

// ChatRoom is a conversation between a product's seller and one buyer.
type ChatRoom struct {
	ID        string    `db:"id" json:"id"`
	ProductID int64     `db:"product_id" json:"product_id"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
	Users     []User    `db:"-" json:"users"`
}

// HasMember reports whether userID participates in the room.
func (r ChatRoom) HasMember(userID int64) bool {
	for _, u := range r.Users {
		if u.ID == userID {
			return true
		}
	}
	return false
}

// RoomSummary is the room-list view for one user.
type RoomSummary struct {
	ChatRoom
	LastMessage     *Message `json:"last_message,omitempty"`
	LastMessageUser *User    `json:"last_message_user,omitempty"`
	UnreadCount     int      `json:"unread_count"`
}
