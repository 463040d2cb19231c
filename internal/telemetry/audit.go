package telemetry

import (
	"context"
	"strconv"
	"time"

	"messenger-service/internal/observability"
)

type Publisher interface {
	Publish(ctx context.Context, routingKey string, event any) error
	Close() error
}

// AuditEmitter records moderation-relevant actions on the event bus.
type AuditEmitter struct {
	publisher   Publisher
	routingKey  string
	service     string
	environment string
	now         func() time.Time
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
	Level          string `json:"level"`
	Text           string `json:"text"`
	Action         string `json:"action,omitempty"`
	ConversationID int64  `json:"conversation_id,omitempty"`
	MessageID      int64  `json:"message_id,omitempty"`
	SubjectUserID  int64  `json:"subject_user_id,omitempty"`
}

// AuditRecord describes one audited action.
type AuditRecord struct {
	Level          string
	Text           string
	Action         string
	ActorID        int64
	ConversationID int64
	MessageID      int64
	SubjectUserID  int64
}

func NewAuditEmitter(publisher Publisher, routingKey, service, environment string) *AuditEmitter {
	return &AuditEmitter{
		publisher:   publisher,
		routingKey:  routingKey,
		service:     service,
		environment: environment,
		now:         time.Now,
	}
}

// Emit publishes rec; a nil emitter is a no-op.
func (e *AuditEmitter) Emit(ctx context.Context, rec AuditRecord) {
	if e == nil || e.publisher == nil {
		return
	}

	requestID := observability.RequestIDFromContext(ctx)
	var userID *string
	if rec.ActorID != 0 {
		id := strconv.FormatInt(rec.ActorID, 10)
		userID = &id
	}
	if rec.Level == "" {
		rec.Level = "INFO"
	}

	log := observability.LoggerFromContext(ctx)
	log.Info("audit emit", "level", rec.Level, "action", rec.Action, "user_id", rec.ActorID, "text", rec.Text)
	envelope := AuditEnvelope{
		SchemaVersion: 1,
		EventType:     "audit_log",
		OccurredAt:    e.now().UTC().Format(time.RFC3339Nano),
		Service:       e.service,
		Environment:   e.environment,
		RequestID:     requestID,
		UserID:        userID,
		Payload: AuditPayload{
			Level:          rec.Level,
			Text:           rec.Text,
			Action:         rec.Action,
			ConversationID: rec.ConversationID,
			MessageID:      rec.MessageID,
			SubjectUserID:  rec.SubjectUserID,
		},
	}

	if err := e.publisher.Publish(ctx, e.routingKey, envelope); err != nil {
		log.Warn("audit publish failed", "error", err)
	}
}
