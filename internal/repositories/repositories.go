package repositories

import (
	"context"
	"errors"
	"time"

	"messenger-service/internal/models"
)

var (
	ErrUserNotFound             = errors.New("user not found")
	ErrConversationNotFound     = errors.New("conversation not found")
	ErrDirectConversationExists = errors.New("direct conversation already exists")
	ErrParticipantNotFound      = errors.New("participant not found")
	ErrParticipantExists        = errors.New("participant already active")
	ErrConversationFull         = errors.New("conversation is full")
	ErrMessageNotFound          = errors.New("message not found")
	ErrMessageDeleted           = errors.New("message deleted")
	ErrInviteNotFound           = errors.New("invite not found")
	ErrInvitePending            = errors.New("invite already pending")
	ErrInviteNotPending         = errors.New("invite is not pending")
	ErrUnsupportedTarget        = errors.New("unsupported reaction target")
)

// UserRepository is the local directory used for display names and mention lookup.
type UserRepository interface {
	UpsertUser(ctx context.Context, user models.User) error
	GetUser(ctx context.Context, userID int64) (models.User, error)
	GetUsers(ctx context.Context, userIDs []int64) ([]models.User, error)
	// FindUsersByToken returns users whose display name, handle or email equals token ignoring case.
	FindUsersByToken(ctx context.Context, token string) ([]models.User, error)
}

// ConversationRepository persists conversations and participants.
type ConversationRepository interface {
	// CreateConversation stores the conversation and its participants atomically.
	CreateConversation(ctx context.Context, conv models.Conversation, participants []models.Participant) (models.Conversation, error)
	GetConversation(ctx context.Context, conversationID int64) (models.Conversation, error)
	FindDirectConversation(ctx context.Context, directKey string) (models.Conversation, error)
	// ListConversationsForUser returns active conversations with a reconciled unread count.
	ListConversationsForUser(ctx context.Context, userID int64) ([]models.ConversationView, error)
	UpdateConversation(ctx context.Context, conversationID int64, patch models.ConversationPatch, now time.Time) (models.Conversation, error)
	ArchiveConversation(ctx context.Context, conversationID int64, now time.Time) (models.Conversation, error)

	GetParticipant(ctx context.Context, conversationID, userID int64) (models.Participant, error)
	ListParticipants(ctx context.Context, conversationID int64, activeOnly bool) ([]models.Participant, error)
	// AddParticipant inserts or reactivates p, enforcing maxParticipants.
	AddParticipant(ctx context.Context, p models.Participant, maxParticipants int) (models.Participant, error)
	RemoveParticipant(ctx context.Context, conversationID, userID int64, now time.Time) (models.Participant, error)
	UpdateParticipant(ctx context.Context, conversationID, userID int64, patch models.ParticipantPatch) (models.Participant, error)
	ListActiveConversationIDs(ctx context.Context, userID int64) ([]int64, error)
}

// MessageRepository persists messages and their per-recipient statuses.
type MessageRepository interface {
	// CreateMessage stores msg, updates the conversation summary, increments
	// unread counters and creates status rows in one transaction. It returns
	// the active participants the statuses were created for.
	CreateMessage(ctx context.Context, msg models.Message) (models.Message, []models.Participant, error)
	GetMessage(ctx context.Context, messageID int64) (models.Message, error)
	LatestMessage(ctx context.Context, conversationID int64) (models.Message, error)
	// ListMessages returns a page in ascending chronological order.
	ListMessages(ctx context.Context, q models.MessageQuery) ([]models.Message, error)
	UpdateMessageContent(ctx context.Context, messageID int64, patch models.MessagePatch) (models.Message, error)
	SoftDeleteMessage(ctx context.Context, messageID, actorID int64, now time.Time) (models.Message, error)
	SetPinned(ctx context.Context, messageID int64, pinned bool, now time.Time) (models.Message, error)

	// MarkRead advances the reader to upTo and recomputes unread_count.
	MarkRead(ctx context.Context, conversationID, userID int64, upTo models.Message, now time.Time) (models.ReadState, []int64, error)
	// MarkDelivered moves sent statuses to delivered and returns the ids that changed.
	MarkDelivered(ctx context.Context, conversationID, userID int64, messageIDs []int64, now time.Time) ([]int64, error)
	ListStatuses(ctx context.Context, messageID int64) ([]models.MessageStatus, error)
}

// ReactionRepository is the reaction ledger for every target kind it knows the counter of.
type ReactionRepository interface {
	ToggleReaction(ctx context.Context, kind models.TargetKind, targetID, userID int64, reactionType models.ReactionType, now time.Time) (models.ToggleOutcome, error)
	ListReactions(ctx context.Context, kind models.TargetKind, targetID int64) ([]models.Reaction, error)
}

// InviteRepository persists conversation invites.
type InviteRepository interface {
	CreateInvite(ctx context.Context, inv models.ConversationInvite) (models.ConversationInvite, error)
	GetInvite(ctx context.Context, inviteID int64) (models.ConversationInvite, error)
	ListInvitesForUser(ctx context.Context, userID int64, status models.InviteStatus) ([]models.ConversationInvite, error)
	// RespondInvite moves a pending invite to status; on accept it adds participant in the same transaction.
	RespondInvite(ctx context.Context, inviteID int64, status models.InviteStatus, now time.Time, participant *models.Participant, maxParticipants int) (models.ConversationInvite, error)
	ExpireInvites(ctx context.Context, now time.Time) ([]models.ConversationInvite, error)
}

// Store bundles every repository; implemented by the Postgres repos and memstore.
type Store interface {
	UserRepository
	ConversationRepository
	MessageRepository
	ReactionRepository
	InviteRepository
}
