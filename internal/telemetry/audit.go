package telemetry

import (
	"context"
	"strconv"
	"time"

	"go.uber.org/zap"

	"market-chat/internal/logger"
)

type Publisher interface {
	Publish(ctx context.Context, routingKey string, event any, headers map[string]string) error
	Close() error
}

type AuditEmitter struct {
	publisher   Publisher
	routingKey  string
	service     string
	environment string
	log         *zap.Logger
}

type AuditEnvelope struct {
	SchemaVersion int          `json:"schema_version"`
	EventType     string       `json:"event_type"`
	OccurredAt    string       `json:"occurred_at"`
	Service       string       `json:"service"`
	Environment   string       `json:"environment"`
	RequestID     string       `json:"request_id"`
	UserID        *string      `json:"user_id,omitempty"`
	Payload       AuditPayload `json:"payload"`
}

type AuditPayload struct {
	Level  string `json:"level"`
	Text   string `json:"text"`
	RoomID string `json:"room_id,omitempty"`
}

func NewAuditEmitter(publisher Publisher, routingKey, service, environment string, log *zap.Logger) *AuditEmitter {
	return &AuditEmitter{
		publisher:   publisher,
		routingKey:  routingKey,
		service:     service,
		environment: environment,
		log:         logger.OrNop(log),
	}
}

// Emit publishes one audit record. Request and user ids come from ctx.
func (e *AuditEmitter) Emit(ctx context.Context, level, text, roomID string) {
	if e == nil || e.publisher == nil {
		return
	}

	requestID, _ := ctx.Value(logger.RequestIDKey).(string)
	var userID *string
	if id, ok := ctx.Value(logger.UserIDKey).(int64); ok {
		s := strconv.FormatInt(id, 10)
		userID = &s
	}

	e.log.Info("audit emit",
		zap.String("level", level),
		zap.String("request_id", requestID),
		zap.String("room_id", roomID),
		zap.String("text", text),
	)
	envelope := AuditEnvelope{
		SchemaVersion: 1,
		EventType:     "audit_log",
		OccurredAt:    time.Now().UTC().Format(time.RFC3339Nano),
		Service:       e.service,
		Environment:   e.environment,
		RequestID:     requestID,
		UserID:        userID,
		Payload: AuditPayload{
			Level:  level,
			Text:   text,
			RoomID: roomID,
		},
	}

	headers := map[string]string{}
	if requestID != "" {
		headers["x-request-id"] = requestID
	}
	if err := e.publisher.Publish(ctx, e.routingKey, envelope, headers); err != nil {
		e.log.Warn("audit publish failed", zap.Error(err))
	}
}
