package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"market-chat/internal/apperrors"
	"market-chat/internal/broadcast"
	"market-chat/internal/logger"
	"market-chat/internal/middleware"
	"market-chat/internal/observability"
	"market-chat/internal/repositories"
)

// MessageHandler manages message endpoints. Every write is announced on the
// room's broadcast channel after it is stored.
type MessageHandler struct {
	rooms    repositories.RoomRepository
	messages repositories.MessageRepository
	channel  broadcast.Channel
	log      *zap.Logger
}

func NewMessageHandler(rooms repositories.RoomRepository, messages repositories.MessageRepository, channel broadcast.Channel, log *zap.Logger) *MessageHandler {
	return &MessageHandler{
		rooms:    rooms,
		messages: messages,
		channel:  channel,
		log:      logger.OrNop(log),
	}
}

// ListMessages returns the room history oldest first.
func (h *MessageHandler) ListMessages(c *gin.Context) {
	user, err := middleware.CurrentUser(c)
	if err != nil {
		writeError(c, h.log, err)
		return
	}

	roomID := c.Param("room_id")
	member, err := h.rooms.IsMember(c.Request.Context(), roomID, user.ID)
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	if !member {
		// unknown rooms and foreign rooms look the same
		writeError(c, h.log, apperrors.NotFound("room %s", roomID))
		return
	}

	msgs, err := h.messages.ListRoomMessages(c.Request.Context(), roomID)
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

// PostMessage stores a message and publishes new_message.
func (h *MessageHandler) PostMessage(c *gin.Context) {
	var req struct {
		Text string `json:"text"`
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

	msg, err := h.messages.CreateMessage(c.Request.Context(), c.Param("room_id"), user.ID, req.Text)
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	observability.IncMessageCreated()

	ev := broadcast.NewMessage{ID: msg.ID, Payload: msg.Payload, CreatedAt: msg.CreatedAt, AuthorID: msg.UserID}
	if err := h.channel.Publish(c.Request.Context(), msg.ChatRoomID, c.GetHeader(ClientIDHeader), ev); err != nil {
		logger.WithContext(c.Request.Context(), h.log).Warn("new_message publish failed", zap.String("message_id", msg.ID), zap.Error(err))
	}

	c.JSON(http.StatusCreated, msg)
}

// MarkRead records a read receipt and publishes message_read.
func (h *MessageHandler) MarkRead(c *gin.Context) {
	user, err := middleware.CurrentUser(c)
	if err != nil {
		writeError(c, h.log, err)
		return
	}

	msg, err := h.messages.MarkRead(c.Request.Context(), c.Param("message_id"), user.ID)
	if err != nil {
		writeError(c, h.log, err)
		return
	}

	if err := h.channel.Publish(c.Request.Context(), msg.ChatRoomID, c.GetHeader(ClientIDHeader), broadcast.MessageRead{MessageID: msg.ID}); err != nil {
		observability.IncReadReceipt("failed")
		logger.WithContext(c.Request.Context(), h.log).Warn("message_read publish failed", zap.String("message_id", msg.ID), zap.Error(err))
	} else {
		observability.IncReadReceipt("ok")
	}

	c.JSON(http.StatusOK, msg)
}
