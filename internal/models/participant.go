package models

import (
	"strconv"
	"time"
)

// Role is a participant's role within one conversation.
type Role string

const (
	RoleOwner  Role = "owner"
	RoleAdmin  Role = "admin"
	RoleMember Role = "member"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleOwner || r == RoleAdmin || r == RoleMember
}

// Participant is a user's membership record in a conversation.
type Participant struct {
	ConversationID     int64      `db:"conversation_id" json:"conversation_id"`
	UserID             int64      `db:"user_id" json:"user_id"`
	Role               Role       `db:"role" json:"role"`
	CanSendMessages    bool       `db:"can_send_messages" json:"can_send_messages"`
	CanAddParticipants bool       `db:"can_add_participants" json:"can_add_participants"`
	CanDeleteMessages  bool       `db:"can_delete_messages" json:"can_delete_messages"`
	IsMuted            bool       `db:"is_muted" json:"is_muted"`
	IsActive           bool       `db:"is_active" json:"is_active"`
	JoinedAt           time.Time  `db:"joined_at" json:"joined_at"`
	LeftAt             *time.Time `db:"left_at" json:"left_at,omitempty"`
	LastSeenAt         *time.Time `db:"last_seen_at" json:"last_seen_at,omitempty"`
	LastMessageReadID  *int64     `db:"last_message_read_id" json:"last_message_read_id,omitempty"`
	UnreadCount        int        `db:"unread_count" json:"unread_count"`
}

// NewParticipant builds an active participant with the default capabilities for the conversation type.
func NewParticipant(conversationID, userID int64, role Role, convType ConversationType, now time.Time) Participant {
	return Participant{
		ConversationID:     conversationID,
		UserID:             userID,
		Role:               role,
		CanSendMessages:    true,
		CanAddParticipants: convType != ConversationDirect,
		CanDeleteMessages:  false,
		IsActive:           true,
		JoinedAt:           now,
	}
}

// ParticipantPatch carries role and capability updates.
type ParticipantPatch struct {
	Role               *Role `json:"role"`
	CanSendMessages    *bool `json:"can_send_messages"`
	CanAddParticipants *bool `json:"can_add_participants"`
	CanDeleteMessages  *bool `json:"can_delete_messages"`
	IsMuted            *bool `json:"is_muted"`
}

// OnlyMute reports whether the patch touches nothing but the mute flag.
func (p ParticipantPatch) OnlyMute() bool {
	return p.Role == nil && p.CanSendMessages == nil && p.CanAddParticipants == nil && p.CanDeleteMessages == nil
}

// ReadState is the reconciled read position of a participant.
type ReadState struct {
	LastMessageReadID *int64
	LastSeenAt        time.Time
	UnreadCount       int
}

func formatPair(a, b int64) string {
	return strconv.FormatInt(a, 10) + ":" + strconv.FormatInt(b, 10)
}
