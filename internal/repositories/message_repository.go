package repositories

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"market-chat/internal/apperrors"
	"market-chat/internal/models"
)

const messageColumns = `id, chat_room_id, user_id, payload, created_at, status`

const countUnreadQuery = `SELECT COUNT(*) FROM messages WHERE chat_room_id=? AND user_id<>? AND status='sent'`

// MessageRepository defines interactions for chat messages.
type MessageRepository interface {
	CreateMessage(ctx context.Context, roomID string, authorID int64, text string) (models.Message, error)
	MarkRead(ctx context.Context, messageID string, readerID int64) (models.Message, error)
	GetMessage(ctx context.Context, messageID string) (models.Message, error)
	ListRoomMessages(ctx context.Context, roomID string) ([]models.Message, error)
	CountUnread(ctx context.Context, roomID string, userID int64) (int, error)
	CountUnreadForUser(ctx context.Context, userID int64) (int, error)
}

// MessageRepo is a sqlx-backed repository.
type MessageRepo struct {
	db  *sqlx.DB
	now func() time.Time
}

func NewMessageRepo(db *sqlx.DB) *MessageRepo {
	return &MessageRepo{db: db, now: time.Now}
}

// CreateMessage stores a message with status sent and bumps the room's
// updated_at in the same transaction.
func (r *MessageRepo) CreateMessage(ctx context.Context, roomID string, authorID int64, text string) (models.Message, error) {
	if strings.TrimSpace(text) == "" {
		return models.Message{}, apperrors.Validation("message text is empty")
	}

	msg := models.Message{
		ID:         uuid.NewString(),
		ChatRoomID: roomID,
		UserID:     authorID,
		Payload:    text,
		CreatedAt:  storeNow(r.now),
		Status:     models.StatusSent,
	}

	err := withTx(ctx, r.db, func(tx *sqlx.Tx) error {
		var member bool
		if err := tx.GetContext(ctx, &member, tx.Rebind(`SELECT EXISTS(SELECT 1 FROM chat_room_users WHERE room_id=? AND user_id=?)`), roomID, authorID); err != nil {
			return err
		}
		if !member {
			return apperrors.NotFound("room %s for user %d", roomID, authorID)
		}

		if _, err := tx.ExecContext(ctx, tx.Rebind(`INSERT INTO messages (id, chat_room_id, user_id, payload, created_at, status) VALUES (?, ?, ?, ?, ?, ?)`),
			msg.ID, msg.ChatRoomID, msg.UserID, msg.Payload, msg.CreatedAt, msg.Status); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, tx.Rebind(`UPDATE chat_rooms SET updated_at=? WHERE id=?`), msg.CreatedAt, roomID)
		return err
	})
	if err != nil {
		return models.Message{}, err
	}
	return msg, nil
}

// MarkRead moves a message from sent to read on behalf of a non-author
// member. Reading an already read message returns it unchanged.
func (r *MessageRepo) MarkRead(ctx context.Context, messageID string, readerID int64) (models.Message, error) {
	msg, err := r.GetMessage(ctx, messageID)
	if err != nil {
		return models.Message{}, err
	}
	if msg.UserID == readerID {
		return models.Message{}, apperrors.Permission("author cannot mark own message %s read", messageID)
	}

	var member bool
	if err := r.db.GetContext(ctx, &member, r.db.Rebind(`SELECT EXISTS(SELECT 1 FROM chat_room_users WHERE room_id=? AND user_id=?)`), msg.ChatRoomID, readerID); err != nil {
		return models.Message{}, err
	}
	if !member {
		return models.Message{}, apperrors.NotFound("message %s", messageID)
	}

	if msg.IsRead() {
		return msg, nil
	}

	// the status guard makes concurrent readers race on one row update
	if _, err := r.db.ExecContext(ctx, r.db.Rebind(`UPDATE messages SET status='read' WHERE id=? AND status='sent'`), messageID); err != nil {
		return models.Message{}, err
	}
	msg.Status = models.StatusRead
	return msg, nil
}

// GetMessage retrieves a single message.
func (r *MessageRepo) GetMessage(ctx context.Context, messageID string) (models.Message, error) {
	var msg models.Message
	err := r.db.GetContext(ctx, &msg, r.db.Rebind(`SELECT `+messageColumns+` FROM messages WHERE id=?`), messageID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Message{}, apperrors.NotFound("message %s", messageID)
	}
	return msg, err
}

// ListRoomMessages returns the room history oldest first. Equal timestamps
// keep insertion order.
func (r *MessageRepo) ListRoomMessages(ctx context.Context, roomID string) ([]models.Message, error) {
	var exists bool
	if err := r.db.GetContext(ctx, &exists, r.db.Rebind(`SELECT EXISTS(SELECT 1 FROM chat_rooms WHERE id=?)`), roomID); err != nil {
		return nil, err
	}
	if !exists {
		return nil, apperrors.NotFound("room %s", roomID)
	}

	msgs := []models.Message{}
	err := r.db.SelectContext(ctx, &msgs, r.db.Rebind(`SELECT `+messageColumns+` FROM messages
        WHERE chat_room_id=? ORDER BY created_at ASC, seq ASC`), roomID)
	return msgs, err
}

// CountUnread counts messages in the room written by others and not yet read.
func (r *MessageRepo) CountUnread(ctx context.Context, roomID string, userID int64) (int, error) {
	var count int
	err := r.db.GetContext(ctx, &count, r.db.Rebind(countUnreadQuery), roomID, userID)
	return count, err
}

// CountUnreadForUser sums CountUnread over every room the user belongs to.
func (r *MessageRepo) CountUnreadForUser(ctx context.Context, userID int64) (int, error) {
	var count int
	err := r.db.GetContext(ctx, &count, r.db.Rebind(`SELECT COUNT(*) FROM messages m
        JOIN chat_room_users cru ON cru.room_id = m.chat_room_id AND cru.user_id=?
        WHERE m.user_id<>? AND m.status='sent'`), userID, userID)
	return count, err
}
