package models

import "time"

// InviteStatus is the lifecycle state of an invite; all but pending are terminal.
type InviteStatus string

const (
	InvitePending  InviteStatus = "pending"
	InviteAccepted InviteStatus = "accepted"
	InviteDeclined InviteStatus = "declined"
	InviteExpired  InviteStatus = "expired"
)

// ConversationInvite invites a user into a conversation.
type ConversationInvite struct {
	ID             int64        `db:"id" json:"id"`
	ConversationID int64        `db:"conversation_id" json:"conversation_id"`
	InviterID      int64        `db:"inviter_id" json:"inviter_id"`
	InviteeID      int64        `db:"invitee_id" json:"invitee_id"`
	Message        string       `db:"message" json:"message,omitempty"`
	Status         InviteStatus `db:"status" json:"status"`
	ExpiresAt      time.Time    `db:"expires_at" json:"expires_at"`
	RespondedAt    *time.Time   `db:"responded_at" json:"responded_at,omitempty"`
	CreatedAt      time.Time    `db:"created_at" json:"created_at"`
}

// User is a directory entry used for mention resolution and display names.
type User struct {
	ID          int64     `db:"id" json:"id"`
	DisplayName string    `db:"display_name" json:"display_name"`
	Handle      string    `db:"handle" json:"handle,omitempty"`
	Email       string    `db:"email" json:"email,omitempty"`
	Department  string    `db:"department" json:"department,omitempty"`
	IsActive    bool      `db:"is_active" json:"is_active"`
	UpdatedAt   time.Time `db:"updated_at" json:"updated_at"`
}
