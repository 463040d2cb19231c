// Package notify hands "a participant should be alerted" events to the notification subsystem.
package notify

import (
	"context"
	"time"

	"messenger-service/internal/models"
	"messenger-service/internal/observability"
)

const publishTimeout = 2 * time.Second

// Publisher is implemented by the AMQP publisher, NATSPublisher and Noop.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, event any) error
	Close() error
}

// RoutingKey returns the routing key / subject for a notification kind.
func RoutingKey(kind models.NotificationKind) string {
	return "notifications." + string(kind)
}

// Bridge publishes notifications; failures never reach the caller.
type Bridge struct {
	publisher Publisher
}

func NewBridge(publisher Publisher) *Bridge {
	if publisher == nil {
		publisher = Noop{}
	}
	return &Bridge{publisher: publisher}
}

// Notify publishes n. The caller's cancellation does not abort the publish.
func (b *Bridge) Notify(ctx context.Context, n models.Notification) {
	if n.OccurredAt.IsZero() {
		n.OccurredAt = time.Now().UTC()
	}
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()

	if err := b.publisher.Publish(pubCtx, RoutingKey(n.Kind), n); err != nil {
		observability.IncNotification(string(n.Kind), "error")
		observability.LoggerFromContext(ctx).Warn("notification publish failed",
			"kind", n.Kind, "recipient_id", n.RecipientID, "conversation_id", n.ConversationID, "error", err)
		return
	}
	observability.IncNotification(string(n.Kind), "ok")
}

func (b *Bridge) Close() error {
	return b.publisher.Close()
}

// Noop drops every notification.
type Noop struct{}

func (Noop) Publish(context.Context, string, any) error { return nil }

func (Noop) Close() error { return nil }
