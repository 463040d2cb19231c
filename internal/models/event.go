package models

import (
	"strconv"
	"time"
)

// Outbound event names.
const (
	EventMessageCreated      = "message.created"
	EventMessageUpdated      = "message.updated"
	EventMessageDeleted      = "message.deleted"
	EventMessageRead         = "message.read"
	EventMessageStatus       = "message.status"
	EventParticipantAdded    = "participant.added"
	EventParticipantRemoved  = "participant.removed"
	EventParticipantUpdated  = "participant.updated"
	EventConversationCreated = "conversation.created"
	EventConversationUpdated = "conversation.updated"
	EventConversationDeleted = "conversation.deleted"
	EventReactionAdded       = "reaction.added"
	EventReactionRemoved     = "reaction.removed"
	EventReactionUpdated     = "reaction.updated"
	EventTypingStart         = "typing.start"
	EventTypingStop          = "typing.stop"
	EventPresenceChanged     = "presence.changed"
	EventCallIncoming        = "call.incoming"
	EventCallAccepted        = "call.accepted"
	EventCallDeclined        = "call.declined"
	EventCallEnded           = "call.ended"
	EventSnapshot            = "snapshot"
	EventError               = "error"
	EventAck                 = "ack"
)

// Event is the envelope written to sockets.
type Event struct {
	Name string    `json:"event"`
	Data any       `json:"data,omitempty"`
	At   time.Time `json:"at"`
}

// NewEvent stamps an event with the current time.
func NewEvent(name string, data any) Event {
	return Event{Name: name, Data: data, At: time.Now().UTC()}
}

// Room names.
func UserRoom(userID int64) string { return "user:" + strconv.FormatInt(userID, 10) }

func ConversationRoom(conversationID int64) string {
	return "conversation:" + strconv.FormatInt(conversationID, 10)
}

func DepartmentRoom(department string) string { return "department:" + department }

func RoleRoom(role string) string { return "role:" + role }

// MessageEvent is the payload of message.* events.
type MessageEvent struct {
	ConversationID int64    `json:"conversation_id"`
	Message        *Message `json:"message,omitempty"`
	MessageID      int64    `json:"message_id,omitempty"`
}

// ReadEvent is the payload of message.read and message.status events.
type ReadEvent struct {
	ConversationID    int64          `json:"conversation_id"`
	UserID            int64          `json:"user_id"`
	LastMessageReadID int64          `json:"last_message_read_id,omitempty"`
	MessageIDs        []int64        `json:"message_ids,omitempty"`
	Status            DeliveryStatus `json:"status"`
}

// ParticipantEvent is the payload of participant.* events.
type ParticipantEvent struct {
	ConversationID int64       `json:"conversation_id"`
	Participant    Participant `json:"participant"`
	ActorID        int64       `json:"actor_id"`
}

// ReactionEvent is the payload of reaction.* events.
type ReactionEvent struct {
	ConversationID int64         `json:"conversation_id"`
	MessageID      int64         `json:"message_id"`
	UserID         int64         `json:"user_id"`
	Outcome        ToggleOutcome `json:"outcome"`
}

// TypingEvent is the payload of typing.* events.
type TypingEvent struct {
	ConversationID int64  `json:"conversation_id"`
	UserID         int64  `json:"user_id"`
	Reason         string `json:"reason,omitempty"`
}

// PresenceEvent is the payload of presence.changed.
type PresenceEvent struct {
	UserID   int64     `json:"user_id"`
	Status   string    `json:"status"`
	LastSeen time.Time `json:"last_seen"`
}

// ErrorEvent is sent to a single connection when a command fails.
type ErrorEvent struct {
	RequestID string `json:"requestId,omitempty"`
	Code      string `json:"code"`
	Message   string `json:"message"`
}
