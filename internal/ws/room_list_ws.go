package ws

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"market-chat/internal/broadcast"
	"market-chat/internal/logger"
	"market-chat/internal/middleware"
	"market-chat/internal/observability"
	"market-chat/internal/repositories"
	"market-chat/internal/unread"
)

// RoomListWebSocketHandler pushes unread badges for every room of the user.
type RoomListWebSocketHandler struct {
	hub       *Hub
	rooms     repositories.RoomRepository
	messages  repositories.MessageRepository
	channel   broadcast.Channel
	log       *zap.Logger
	reconcile time.Duration
}

func NewRoomListWebSocketHandler(hub *Hub, rooms repositories.RoomRepository, messages repositories.MessageRepository, channel broadcast.Channel, log *zap.Logger, reconcile time.Duration) *RoomListWebSocketHandler {
	return &RoomListWebSocketHandler{
		hub:       hub,
		rooms:     rooms,
		messages:  messages,
		channel:   channel,
		log:       logger.OrNop(log),
		reconcile: reconcile,
	}
}

// Handle upgrades the connection. Clients report the room on screen with
// {"type":"active","room_id":...} and receive "unread" frames.
func (h *RoomListWebSocketHandler) Handle(c *gin.Context) {
	ctx, span := observability.Tracer("ws").Start(c.Request.Context(), "ws.handshake")
	user, err := middleware.CurrentUser(c)
	if err != nil {
		span.End()
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		span.End()
		return
	}
	info := newConnInfo(c.Request, kindRoomList, "", user.ID, observability.TraceID(ctx))
	span.End()

	log := logger.WithContext(ctx, h.log).With(zap.String("conn_id", info.ConnID))
	client := newClient(conn, info)
	h.hub.Add("", client)
	observability.IncWSActive(kindRoomList)
	publishLifecycle(ctx, info, "ws_connect", "")

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	defer cancel()
	go client.writeLoop(runCtx)

	agg := unread.New(user.ID, h.messages, h.rooms, log, func(s unread.Snapshot) {
		client.SendJSON(Frame{Type: "unread", Unread: &s})
	})
	go func() {
		if err := agg.Run(runCtx, h.channel, h.reconcile); err != nil {
			log.Warn("unread aggregator stopped", zap.Error(err))
			client.SendJSON(Frame{Type: "error", Error: "unread counters unavailable"})
			client.Close()
		}
	}()

	readErr := client.readLoop(func(in Inbound) {
		switch in.Type {
		case inboundActive:
			agg.SetActive(in.RoomID)
		default:
			client.SendJSON(Frame{Type: "error", Error: "unknown frame type " + in.Type})
		}
	})

	cancel()
	client.Close()
	h.hub.Remove("", client)
	observability.DecWSActive(kindRoomList)

	reason, abnormal := closeReason(readErr)
	if abnormal {
		publishLifecycle(ctx, info, "ws_error", reason)
	}
	publishLifecycle(ctx, info, "ws_disconnect", reason)
}
