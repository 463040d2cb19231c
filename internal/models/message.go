package models

import "time"

// MessageType classifies message content.
type MessageType string

const (
	MessageText   MessageType = "text"
	MessageImage  MessageType = "image"
	MessageFile   MessageType = "file"
	MessageAudio  MessageType = "audio"
	MessageVideo  MessageType = "video"
	MessageSystem MessageType = "system"
)

// Valid reports whether t is a known message type.
func (t MessageType) Valid() bool {
	switch t {
	case MessageText, MessageImage, MessageFile, MessageAudio, MessageVideo, MessageSystem:
		return true
	}
	return false
}

// Attachment is an opaque reference to uploaded content.
type Attachment struct {
	URL      string `json:"url"`
	Name     string `json:"name,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

// ReplyPreview is the snapshot of the replied-to message taken at send time.
type ReplyPreview struct {
	MessageID  int64  `json:"message_id"`
	SenderID   int64  `json:"sender_id"`
	SenderName string `json:"sender_name"`
	Preview    string `json:"preview"`
}

// Message represents a conversation message.
type Message struct {
	ID             int64          `json:"id"`
	ConversationID int64          `json:"conversation_id"`
	SenderID       int64          `json:"sender_id"`
	Type           MessageType    `json:"type"`
	Content        string         `json:"content"`
	Attachments    []Attachment   `json:"attachments,omitempty"`
	Mentions       []int64        `json:"mentions,omitempty"`
	ReplyToID      *int64         `json:"reply_to_id,omitempty"`
	ReplyPreview   *ReplyPreview  `json:"reply_preview,omitempty"`
	IsEdited       bool           `json:"is_edited"`
	IsDeleted      bool           `json:"is_deleted"`
	IsPinned       bool           `json:"is_pinned"`
	ReactionsCount int            `json:"reactions_count"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	EditedAt       *time.Time     `json:"edited_at,omitempty"`
	DeletedAt      *time.Time     `json:"deleted_at,omitempty"`
	DeletedBy      *int64         `json:"deleted_by,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// Cursor returns the ordering position of the message.
func (m Message) Cursor() Cursor {
	return Cursor{CreatedAt: m.CreatedAt, ID: m.ID}
}

// Redacted returns the message with deleted content blanked out.
func (m Message) Redacted() Message {
	if !m.IsDeleted {
		return m
	}
	m.Content = ""
	m.Attachments = nil
	m.Mentions = nil
	m.Metadata = nil
	return m
}

// Cursor orders messages by creation time, ties broken by id.
type Cursor struct {
	CreatedAt time.Time
	ID        int64
}

// After reports whether c sorts strictly after o.
func (c Cursor) After(o Cursor) bool {
	if c.CreatedAt.Equal(o.CreatedAt) {
		return c.ID > o.ID
	}
	return c.CreatedAt.After(o.CreatedAt)
}

// MessageQuery filters a conversation's message history.
type MessageQuery struct {
	ConversationID int64
	Before         *Cursor
	After          *Cursor
	Search         string
	Type           MessageType
	PinnedOnly     bool
	Limit          int
}

// MessagePatch carries an edit.
type MessagePatch struct {
	Content  string
	Mentions []int64
	EditedAt time.Time
}

// DeliveryStatus is a recipient's progress on one message.
type DeliveryStatus string

const (
	StatusSent      DeliveryStatus = "sent"
	StatusDelivered DeliveryStatus = "delivered"
	StatusRead      DeliveryStatus = "read"
)

// Rank orders statuses so that transitions can be checked for monotonicity.
func (s DeliveryStatus) Rank() int {
	switch s {
	case StatusSent:
		return 1
	case StatusDelivered:
		return 2
	case StatusRead:
		return 3
	}
	return 0
}

// MessageStatus is unique per (message, user).
type MessageStatus struct {
	MessageID int64          `db:"message_id" json:"message_id"`
	UserID    int64          `db:"user_id" json:"user_id"`
	Status    DeliveryStatus `db:"status" json:"status"`
	UpdatedAt time.Time      `db:"updated_at" json:"updated_at"`
}

const previewRunes = 100

// PreviewText returns the first 100 runes of content, or a type placeholder for empty media messages.
func PreviewText(msgType MessageType, content string) string {
	runes := []rune(content)
	if len(runes) == 0 {
		if msgType == MessageText || msgType == "" {
			return ""
		}
		return "[" + string(msgType) + "]"
	}
	if len(runes) > previewRunes {
		return string(runes[:previewRunes])
	}
	return content
}
