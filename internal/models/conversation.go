package models

import "time"

// ConversationType classifies a conversation.
type ConversationType string

const (
	ConversationDirect       ConversationType = "direct"
	ConversationGroup        ConversationType = "group"
	ConversationDepartment   ConversationType = "department"
	ConversationAnnouncement ConversationType = "announcement"
)

// Valid reports whether t is a known conversation type.
func (t ConversationType) Valid() bool {
	switch t {
	case ConversationDirect, ConversationGroup, ConversationDepartment, ConversationAnnouncement:
		return true
	}
	return false
}

// DefaultMaxParticipants caps conversation size when settings leave it unset.
const DefaultMaxParticipants = 500

// ConversationSettings holds per-conversation policy.
type ConversationSettings struct {
	AllowInvites    bool   `json:"allow_invites"`
	AllowFiles      bool   `json:"allow_files"`
	MaxParticipants int    `json:"max_participants"`
	AutoDelete      string `json:"auto_delete,omitempty"`
}

// DefaultSettings returns the settings applied to new conversations.
func DefaultSettings(maxParticipants int) ConversationSettings {
	if maxParticipants <= 0 {
		maxParticipants = DefaultMaxParticipants
	}
	return ConversationSettings{
		AllowInvites:    true,
		AllowFiles:      true,
		MaxParticipants: maxParticipants,
		AutoDelete:      "never",
	}
}

// LastMessage is the denormalized summary of the newest message.
type LastMessage struct {
	MessageID int64     `json:"message_id"`
	SenderID  int64     `json:"sender_id"`
	Preview   string    `json:"preview"`
	SentAt    time.Time `json:"sent_at"`
}

// Conversation is the aggregate root for participants and messages.
type Conversation struct {
	ID                int64                `json:"id"`
	Type              ConversationType     `json:"type"`
	Name              string               `json:"name"`
	Description       string               `json:"description,omitempty"`
	Department        string               `json:"department,omitempty"`
	CreatorID         int64                `json:"creator_id"`
	IsPrivate         bool                 `json:"is_private"`
	IsActive          bool                 `json:"is_active"`
	MessagesCount     int                  `json:"messages_count"`
	ParticipantsCount int                  `json:"participants_count"`
	LastMessage       *LastMessage         `json:"last_message,omitempty"`
	Settings          ConversationSettings `json:"settings"`
	DirectKey         string               `json:"-"`
	ArchivedAt        *time.Time           `json:"archived_at,omitempty"`
	CreatedAt         time.Time            `json:"created_at"`
	UpdatedAt         time.Time            `json:"updated_at"`
}

// ConversationPatch carries the mutable fields of a conversation.
type ConversationPatch struct {
	Name        *string               `json:"name"`
	Description *string               `json:"description"`
	IsPrivate   *bool                 `json:"is_private"`
	Settings    *ConversationSettings `json:"settings"`
}

// ConversationView is a conversation as seen by one participant.
type ConversationView struct {
	Conversation
	UnreadCount int   `json:"unread_count"`
	Role        Role  `json:"role"`
	IsMuted     bool  `json:"is_muted"`
	LastReadID  int64 `json:"last_read_message_id,omitempty"`
}

// DirectKey builds the unordered pair key used to keep direct conversations unique.
func DirectKey(a, b int64) string {
	if a > b {
		a, b = b, a
	}
	return formatPair(a, b)
}
