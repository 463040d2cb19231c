package models

import "time"

// NotificationKind names why a participant should be alerted.
type NotificationKind string

const (
	NotifyMessage  NotificationKind = "message"
	NotifyMention  NotificationKind = "mention"
	NotifyReaction NotificationKind = "reaction"
	NotifyInvite   NotificationKind = "invite"
)

// Notification is handed to the notification subsystem.
type Notification struct {
	Kind           NotificationKind `json:"kind"`
	RecipientID    int64            `json:"recipient_id"`
	ActorID        int64            `json:"actor_id"`
	ConversationID int64            `json:"conversation_id"`
	MessageID      int64            `json:"message_id,omitempty"`
	InviteID       int64            `json:"invite_id,omitempty"`
	Preview        string           `json:"preview,omitempty"`
	Online         bool             `json:"online"`
	OccurredAt     time.Time        `json:"occurred_at"`
}
