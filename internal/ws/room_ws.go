package ws

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"market-chat/internal/broadcast"
	"market-chat/internal/logger"
	"market-chat/internal/middleware"
	"market-chat/internal/observability"
	"market-chat/internal/repositories"
	"market-chat/internal/session"
)

// RoomWebSocketHandler binds one websocket to one room session controller.
type RoomWebSocketHandler struct {
	hub                 *Hub
	rooms               repositories.RoomRepository
	messages            repositories.MessageRepository
	channel             broadcast.Channel
	log                 *zap.Logger
	reconnectMaxElapsed time.Duration
}

// NewRoomWebSocketHandler constructs a RoomWebSocketHandler.
func NewRoomWebSocketHandler(hub *Hub, rooms repositories.RoomRepository, messages repositories.MessageRepository, channel broadcast.Channel, log *zap.Logger, reconnectMaxElapsed time.Duration) *RoomWebSocketHandler {
	return &RoomWebSocketHandler{
		hub:                 hub,
		rooms:               rooms,
		messages:            messages,
		channel:             channel,
		log:                 logger.OrNop(log),
		reconnectMaxElapsed: reconnectMaxElapsed,
	}
}

// Handle upgrades the connection and runs the session until either side closes.
// Clients send {"type":"send","text":...}; every session update is pushed back as a Frame.
func (h *RoomWebSocketHandler) Handle(c *gin.Context) {
	roomID := c.Param("room_id")

	ctx, span := observability.Tracer("ws").Start(c.Request.Context(), "ws.handshake")
	user, err := middleware.CurrentUser(c)
	if err != nil {
		span.End()
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	member, err := h.rooms.IsMember(ctx, roomID, user.ID)
	if err != nil {
		span.End()
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to verify membership"})
		return
	}
	if !member {
		span.End()
		c.JSON(http.StatusNotFound, gin.H{"error": "room not found"})
		return
	}

	// client_id lets the tab's HTTP publishes and its socket share one origin
	clientID := c.Query("client_id")
	if clientID != "" && h.hub.Has(roomID, clientID) {
		span.End()
		c.JSON(http.StatusConflict, gin.H{"error": "client_id already connected"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		span.End()
		return
	}
	info := newConnInfo(c.Request, kindRoom, roomID, user.ID, observability.TraceID(ctx))
	if clientID != "" {
		info.ConnID = clientID
	}
	span.End()

	log := logger.WithContext(ctx, h.log).With(zap.String("room_id", roomID), zap.String("conn_id", info.ConnID))
	client := newClient(conn, info)
	if !h.hub.Add(roomID, client) {
		// lost a race with another socket using the same client_id
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "client_id already connected"),
			time.Now().Add(writeWait))
		client.Close()
		return
	}
	observability.IncWSActive(kindRoom)
	publishLifecycle(ctx, info, "ws_connect", "")

	sessionCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	defer cancel()
	go client.writeLoop(sessionCtx)

	controller := session.New(session.Config{
		RoomID:              roomID,
		ClientID:            info.ConnID,
		UserID:              user.ID,
		Store:               h.messages,
		Channel:             h.channel,
		Logger:              log,
		ReconnectMaxElapsed: h.reconnectMaxElapsed,
		OnUpdate: func(u session.Update) {
			if !client.SendJSON(frameForUpdate(u)) {
				log.Debug("dropping slow websocket client")
			}
		},
	})
	controller.Start(sessionCtx)
	go func() {
		select {
		case <-controller.Done():
			// terminal session, e.g. the room was deleted
			client.Close()
		case <-client.Done():
		}
	}()

	readErr := client.readLoop(func(in Inbound) {
		switch in.Type {
		case inboundSend:
			msg, err := controller.Send(sessionCtx, in.Text)
			if err != nil {
				client.SendJSON(Frame{Type: "send_failed", Error: err.Error()})
				return
			}
			client.SendJSON(Frame{Type: "sent", Message: &msg})
		default:
			client.SendJSON(Frame{Type: "error", Error: "unknown frame type " + in.Type})
		}
	})

	client.Close()
	_ = controller.Close()
	h.hub.Remove(roomID, client)
	observability.DecWSActive(kindRoom)

	reason, abnormal := closeReason(readErr)
	if abnormal {
		publishLifecycle(ctx, info, "ws_error", reason)
	}
	publishLifecycle(ctx, info, "ws_disconnect", reason)
	log.Debug("room websocket closed", zap.String("reason", reason))
}
