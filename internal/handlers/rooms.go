package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"market-chat/internal/apperrors"
	"market-chat/internal/logger"
	"market-chat/internal/middleware"
	"market-chat/internal/models"
	"market-chat/internal/repositories"
	"market-chat/internal/telemetry"
)

// RoomHandler manages chat room endpoints.
type RoomHandler struct {
	rooms    repositories.RoomRepository
	messages repositories.MessageRepository
	users    repositories.UserRepository
	audit    *telemetry.AuditEmitter
	log      *zap.Logger
}

// NewRoomHandler builds a RoomHandler. audit may be nil.
func NewRoomHandler(rooms repositories.RoomRepository, messages repositories.MessageRepository, users repositories.UserRepository, audit *telemetry.AuditEmitter, log *zap.Logger) *RoomHandler {
	return &RoomHandler{
		rooms:    rooms,
		messages: messages,
		users:    users,
		audit:    audit,
		log:      logger.OrNop(log),
	}
}

// ContactSeller creates the room between the current user and a product's
// seller, or returns the one that already exists.
func (h *RoomHandler) ContactSeller(c *gin.Context) {
	var req struct {
		ProductID int64 `json:"product_id" binding:"required"`
		SellerID  int64 `json:"seller_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	user, err := middleware.CurrentUser(c)
	if err != nil {
		writeError(c, h.log, err)
		return
	}

	room, created, err := h.rooms.CreateOrGetRoom(c.Request.Context(), req.ProductID, user.ID, req.SellerID)
	if err != nil {
		writeError(c, h.log, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
		h.audit.Emit(c.Request.Context(), "INFO", "chat room created", room.ID)
	}
	c.JSON(status, room)
}

// ListRooms returns the user's rooms, most recently active first.
func (h *RoomHandler) ListRooms(c *gin.Context) {
	user, err := middleware.CurrentUser(c)
	if err != nil {
		writeError(c, h.log, err)
		return
	}

	rooms, err := h.rooms.ListRoomsForUser(c.Request.Context(), user.ID)
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	total, err := h.messages.CountUnreadForUser(c.Request.Context(), user.ID)
	if err != nil {
		writeError(c, h.log, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"rooms": rooms, "total_unread": total})
}

// roomMessage is a message with its author's public profile.
type roomMessage struct {
	models.Message
	Author *models.User `json:"author,omitempty"`
}

// GetRoom returns the room with its participants and full history.
func (h *RoomHandler) GetRoom(c *gin.Context) {
	user, err := middleware.CurrentUser(c)
	if err != nil {
		writeError(c, h.log, err)
		return
	}

	room, err := h.rooms.GetRoom(c.Request.Context(), c.Param("room_id"))
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	if !room.HasMember(user.ID) {
		writeError(c, h.log, apperrors.NotFound("room %s", room.ID))
		return
	}

	msgs, err := h.messages.ListRoomMessages(c.Request.Context(), room.ID)
	if err != nil {
		writeError(c, h.log, err)
		return
	}

	authors, err := h.authors(c, msgs)
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	out := make([]roomMessage, 0, len(msgs))
	for _, m := range msgs {
		rm := roomMessage{Message: m}
		if u, ok := authors[m.UserID]; ok {
			rm.Author = &u
		}
		out = append(out, rm)
	}

	c.JSON(http.StatusOK, gin.H{"room": room, "messages": out})
}

// authors loads the profiles of everyone who wrote in msgs.
func (h *RoomHandler) authors(c *gin.Context, msgs []models.Message) (map[int64]models.User, error) {
	seen := make(map[int64]struct{})
	var ids []int64
	for _, m := range msgs {
		if _, ok := seen[m.UserID]; !ok {
			seen[m.UserID] = struct{}{}
			ids = append(ids, m.UserID)
		}
	}
	if len(ids) == 0 {
		return nil, nil
	}

	users, err := h.users.BulkUsers(c.Request.Context(), ids)
	if err != nil {
		return nil, err
	}
	byID := make(map[int64]models.User, len(users))
	for _, u := range users {
		byID[u.ID] = u
	}
	return byID, nil
}

// DeleteRoom removes the room and its messages. Only members may delete.
func (h *RoomHandler) DeleteRoom(c *gin.Context) {
	user, err := middleware.CurrentUser(c)
	if err != nil {
		writeError(c, h.log, err)
		return
	}

	roomID := c.Param("room_id")
	if err := h.rooms.DeleteRoom(c.Request.Context(), roomID, user.ID); err != nil {
		writeError(c, h.log, err)
		return
	}

	h.audit.Emit(c.Request.Context(), "INFO", "chat room deleted", roomID)
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

// Unread returns the global unread badge.
func (h *RoomHandler) Unread(c *gin.Context) {
	user, err := middleware.CurrentUser(c)
	if err != nil {
		writeError(c, h.log, err)
		return
	}

	total, err := h.messages.CountUnreadForUser(c.Request.Context(), user.ID)
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"total_unread": total})
}
