package repositories

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"market-chat/internal/apperrors"
	"market-chat/internal/models"
)

// RoomRepository abstracts chat room persistence.
type RoomRepository interface {
	CreateOrGetRoom(ctx context.Context, productID, buyerID, sellerID int64) (models.ChatRoom, bool, error)
	GetRoom(ctx context.Context, roomID string) (models.ChatRoom, error)
	IsMember(ctx context.Context, roomID string, userID int64) (bool, error)
	ListRoomsForUser(ctx context.Context, userID int64) ([]models.RoomSummary, error)
	ListRoomIDsForUser(ctx context.Context, userID int64) ([]string, error)
	DeleteRoom(ctx context.Context, roomID string, requesterID int64) error
}

// RoomRepo is a sqlx implementation of RoomRepository.
type RoomRepo struct {
	db  *sqlx.DB
	now func() time.Time
}

func NewRoomRepo(db *sqlx.DB) *RoomRepo {
	return &RoomRepo{db: db, now: time.Now}
}

type roomRow struct {
	ID        string    `db:"id"`
	ProductID int64     `db:"product_id"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

func (r roomRow) toModel() models.ChatRoom {
	return models.ChatRoom{ID: r.ID, ProductID: r.ProductID, CreatedAt: r.CreatedAt, UpdatedAt: r.UpdatedAt}
}

// CreateOrGetRoom returns the room for (product, buyer, seller), creating it
// on first contact. The bool is true when a new room was created.
func (r *RoomRepo) CreateOrGetRoom(ctx context.Context, productID, buyerID, sellerID int64) (models.ChatRoom, bool, error) {
	if buyerID == sellerID {
		return models.ChatRoom{}, false, apperrors.Validation("cannot open a chat with yourself")
	}
	low, high := buyerID, sellerID
	if low > high {
		low, high = high, low
	}

	if room, err := r.findByPair(ctx, productID, low, high); err == nil {
		return room, false, nil
	} else if !errors.Is(err, sql.ErrNoRows) {
		return models.ChatRoom{}, false, err
	}

	now := storeNow(r.now)
	row := roomRow{ID: uuid.NewString(), ProductID: productID, CreatedAt: now, UpdatedAt: now}
	err := withTx(ctx, r.db, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, tx.Rebind(`INSERT INTO chat_rooms (id, product_id, user_low, user_high, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`),
			row.ID, productID, low, high, now, now); err != nil {
			return err
		}
		for _, userID := range []int64{low, high} {
			if _, err := tx.ExecContext(ctx, tx.Rebind(`INSERT INTO chat_room_users (room_id, user_id) VALUES (?, ?)`), row.ID, userID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if !isUniqueViolation(err) {
			return models.ChatRoom{}, false, err
		}
		// lost a creation race: the other request's room is the room
		room, findErr := r.findByPair(ctx, productID, low, high)
		if findErr != nil {
			return models.ChatRoom{}, false, apperrors.Conflict("room for product %d: %v", productID, findErr)
		}
		return room, false, nil
	}

	room := row.toModel()
	if room.Users, err = r.roomUsers(ctx, room.ID); err != nil {
		return models.ChatRoom{}, false, err
	}
	return room, true, nil
}

func (r *RoomRepo) findByPair(ctx context.Context, productID, low, high int64) (models.ChatRoom, error) {
	var row roomRow
	err := r.db.GetContext(ctx, &row, r.db.Rebind(`SELECT id, product_id, created_at, updated_at FROM chat_rooms
        WHERE product_id=? AND user_low=? AND user_high=?`), productID, low, high)
	if err != nil {
		return models.ChatRoom{}, err
	}
	room := row.toModel()
	room.Users, err = r.roomUsers(ctx, room.ID)
	return room, err
}

// GetRoom fetches a room and its participants.
func (r *RoomRepo) GetRoom(ctx context.Context, roomID string) (models.ChatRoom, error) {
	var row roomRow
	err := r.db.GetContext(ctx, &row, r.db.Rebind(`SELECT id, product_id, created_at, updated_at FROM chat_rooms WHERE id=?`), roomID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.ChatRoom{}, apperrors.NotFound("room %s", roomID)
	}
	if err != nil {
		return models.ChatRoom{}, err
	}
	room := row.toModel()
	room.Users, err = r.roomUsers(ctx, roomID)
	return room, err
}

// roomUsers lists participants, falling back to a bare id for users the
// auth collaborator has not introduced yet.
func (r *RoomRepo) roomUsers(ctx context.Context, roomID string) ([]models.User, error) {
	var users []models.User
	err := r.db.SelectContext(ctx, &users, r.db.Rebind(`SELECT cru.user_id AS id, COALESCE(u.username, '') AS username, u.avatar AS avatar
        FROM chat_room_users cru LEFT JOIN users u ON u.id = cru.user_id
        WHERE cru.room_id=? ORDER BY cru.user_id`), roomID)
	return users, err
}

// IsMember checks whether a user belongs to the room.
func (r *RoomRepo) IsMember(ctx context.Context, roomID string, userID int64) (bool, error) {
	var exists bool
	err := r.db.GetContext(ctx, &exists, r.db.Rebind(`SELECT EXISTS(SELECT 1 FROM chat_room_users WHERE room_id=? AND user_id=?)`), roomID, userID)
	return exists, err
}

// ListRoomIDsForUser returns the ids of every room the user belongs to.
func (r *RoomRepo) ListRoomIDsForUser(ctx context.Context, userID int64) ([]string, error) {
	var ids []string
	err := r.db.SelectContext(ctx, &ids, r.db.Rebind(`SELECT room_id FROM chat_room_users WHERE user_id=? ORDER BY room_id`), userID)
	return ids, err
}

// ListRoomsForUser returns the user's rooms, most recently active first,
// with the last message and the user's unread count.
func (r *RoomRepo) ListRoomsForUser(ctx context.Context, userID int64) ([]models.RoomSummary, error) {
	var rows []roomRow
	err := r.db.SelectContext(ctx, &rows, r.db.Rebind(`SELECT c.id, c.product_id, c.created_at, c.updated_at FROM chat_rooms c
        JOIN chat_room_users cru ON cru.room_id = c.id AND cru.user_id=?
        ORDER BY c.updated_at DESC, c.id`), userID)
	if err != nil {
		return nil, err
	}

	result := make([]models.RoomSummary, 0, len(rows))
	for _, row := range rows {
		summary := models.RoomSummary{ChatRoom: row.toModel()}
		if summary.Users, err = r.roomUsers(ctx, row.ID); err != nil {
			return nil, err
		}

		var last models.Message
		err := r.db.GetContext(ctx, &last, r.db.Rebind(`SELECT `+messageColumns+` FROM messages
            WHERE chat_room_id=? ORDER BY created_at DESC, seq DESC LIMIT 1`), row.ID)
		switch {
		case err == nil:
			summary.LastMessage = &last
			for i := range summary.Users {
				if summary.Users[i].ID == last.UserID {
					summary.LastMessageUser = &summary.Users[i]
				}
			}
		case !errors.Is(err, sql.ErrNoRows):
			return nil, err
		}

		if err := r.db.GetContext(ctx, &summary.UnreadCount, r.db.Rebind(countUnreadQuery), row.ID, userID); err != nil {
			return nil, err
		}
		result = append(result, summary)
	}
	return result, nil
}

// DeleteRoom removes the room and every message in it. Only members may delete.
func (r *RoomRepo) DeleteRoom(ctx context.Context, roomID string, requesterID int64) error {
	return withTx(ctx, r.db, func(tx *sqlx.Tx) error {
		var exists bool
		if err := tx.GetContext(ctx, &exists, tx.Rebind(`SELECT EXISTS(SELECT 1 FROM chat_rooms WHERE id=?)`), roomID); err != nil {
			return err
		}
		if !exists {
			return apperrors.NotFound("room %s", roomID)
		}

		var member bool
		if err := tx.GetContext(ctx, &member, tx.Rebind(`SELECT EXISTS(SELECT 1 FROM chat_room_users WHERE room_id=? AND user_id=?)`), roomID, requesterID); err != nil {
			return err
		}
		if !member {
			return apperrors.Permission("user %d is not a member of room %s", requesterID, roomID)
		}

		if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM messages WHERE chat_room_id=?`), roomID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM chat_room_users WHERE room_id=?`), roomID); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM chat_rooms WHERE id=?`), roomID)
		return err
	})
}
