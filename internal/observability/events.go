package observability

import "time"

// RoutingKeyRoomWS carries websocket lifecycle events for room sessions and the room list.
const RoutingKeyRoomWS = "ws_events.rooms"

type EventEnvelope struct {
	EventType string      `json:"event_type"`
	EventName string      `json:"event_name"`
	Payload   interface{} `json:"payload"`
}

// WSEvent is the payload of a websocket lifecycle event.
type WSEvent struct {
	Event      string    `json:"event"`
	Kind       string    `json:"kind"`
	RoomID     string    `json:"room_id,omitempty"`
	UserID     int64     `json:"user_id"`
	ConnID     string    `json:"conn_id"`
	DeviceID   string    `json:"device_id,omitempty"`
	IP         string    `json:"ip,omitempty"`
	DurationMs int64     `json:"duration_ms"`
	Reason     string    `json:"reason,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

func BuildHeaders(requestID, traceID string) map[string]string {
	headers := map[string]string{}
	if requestID != "" {
		headers["x-request-id"] = requestID
	}
	if traceID != "" {
		headers["trace_id"] = traceID
	}
	return headers
}
