package ws

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"market-chat/internal/observability"
)

const (
	kindRoom     = "room"
	kindRoomList = "room_list"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func newConnID() string {
	return uuid.NewString()
}

func newConnInfo(r *http.Request, kind, roomID string, userID int64, traceID string) ConnInfo {
	return ConnInfo{
		ConnID:      newConnID(),
		Kind:        kind,
		RoomID:      roomID,
		UserID:      userID,
		DeviceID:    observability.DeviceIDFromRequest(r),
		IP:          observability.IPFromRequest(r),
		RequestID:   observability.RequestIDFromRequest(r),
		TraceID:     traceID,
		ConnectedAt: time.Now(),
	}
}

// publishLifecycle counts a websocket lifecycle event and ships it to the events exchange.
func publishLifecycle(ctx context.Context, info ConnInfo, event, reason string) {
	observability.IncWSEvent(info.Kind, event)

	var durationMs int64
	if event != "ws_connect" {
		durationMs = time.Since(info.ConnectedAt).Milliseconds()
	}
	_ = observability.PublishEvent(ctx, observability.RoutingKeyRoomWS, observability.EventEnvelope{
		EventType: "ws_events",
		EventName: event,
		Payload: observability.WSEvent{
			Event:      event,
			Kind:       info.Kind,
			RoomID:     info.RoomID,
			UserID:     info.UserID,
			ConnID:     info.ConnID,
			DeviceID:   info.DeviceID,
			IP:         info.IP,
			DurationMs: durationMs,
			Reason:     reason,
			OccurredAt: time.Now().UTC(),
		},
	}, observability.BuildHeaders(info.RequestID, info.TraceID))
}

// closeReason reports err for the lifecycle event and whether it was an abnormal close.
func closeReason(err error) (string, bool) {
	if err == nil {
		return "", false
	}
	return err.Error(), !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
}
