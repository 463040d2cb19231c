package ws

import (
	"encoding/json"

	"messenger-service/internal/calls"
	"messenger-service/internal/services"
)

// Inbound socket commands.
const (
	CmdConversationJoin  = "conversation.join"
	CmdConversationLeave = "conversation.leave"
	CmdConversationRead  = "conversation.read"
	CmdTypingStart       = "typing.start"
	CmdTypingStop        = "typing.stop"
	CmdCallStart         = "call.start"
	CmdCallAccept        = "call.accept"
	CmdCallDecline       = "call.decline"
	CmdCallEnd           = "call.end"
	CmdPresenceUpdate    = "presence.update"
	CmdMessageSend       = "message.send"
	CmdMessageRead       = "message.read"
	CmdMessageDelivered  = "message.delivered"
	CmdReactionToggle    = "reaction.toggle"
)

// Error codes that do not come from a classified application error.
const (
	CodeRateLimited = "rate_limited"
	CodeBadRequest  = "bad_request"
	CodeUnsupported = "unsupported"
)

// Inbound is the envelope of every client command.
type Inbound struct {
	Type      string          `json:"type"`
	RequestID string          `json:"requestId"`
	Data      json.RawMessage `json:"data"`
}

type conversationData struct {
	ConversationID int64 `json:"conversation_id"`
}

type callData struct {
	CallID         string     `json:"call_id"`
	ConversationID int64      `json:"conversation_id"`
	Type           calls.Type `json:"type"`
}

type presenceData struct {
	Status string `json:"status"`
}

type sendData struct {
	ConversationID int64 `json:"conversation_id"`
	services.SendMessageInput
}

type messageData struct {
	ConversationID int64   `json:"conversation_id"`
	MessageID      int64   `json:"message_id"`
	MessageIDs     []int64 `json:"message_ids"`
	Reaction       string  `json:"reaction"`
}

// Ack confirms a command to the issuing connection.
type Ack struct {
	RequestID string `json:"requestId,omitempty"`
	Type      string `json:"type"`
	Result    any    `json:"result,omitempty"`
}

// ChatSnapshot is pushed to a new /ws/chat connection.
type ChatSnapshot struct {
	UserID   int64           `json:"user_id"`
	Status   string          `json:"status"`
	Calls    []calls.Session `json:"calls"`
	JoinedAt string          `json:"joined_at"`
}

// UnreadSnapshot is pushed to a new /ws/notifications connection.
type UnreadSnapshot struct {
	UserID int64         `json:"user_id"`
	Unread map[int64]int `json:"unread"`
	Total  int           `json:"total"`
}
