// Package services holds the conversation manager and the message pipeline.
package services

import (
	"context"
	"errors"
	"time"

	"messenger-service/internal/apperr"
	"messenger-service/internal/models"
	"messenger-service/internal/repositories"
	"messenger-service/internal/telemetry"
)

// Broadcaster delivers events to rooms. Delivery is best effort.
type Broadcaster interface {
	ToRoom(room string, ev models.Event)
	ToRoomExcept(room string, exceptUserID int64, ev models.Event)
	RemoveUserFromRoom(userID int64, room string)
}

// Notifier receives "a participant should be alerted" events.
type Notifier interface {
	Notify(ctx context.Context, n models.Notification)
}

// PresenceChecker answers whether a user is reachable in real time.
type PresenceChecker interface {
	IsOnline(userID int64) bool
}

// Auditor records moderation-relevant actions.
type Auditor interface {
	Emit(ctx context.Context, rec telemetry.AuditRecord)
}

// Policy carries the tunables shared by both services.
type Policy struct {
	ModeratorRoles  []string
	MaxParticipants int
	InviteTTL       time.Duration
}

type nopBroadcaster struct{}

func (nopBroadcaster) ToRoom(string, models.Event)              {}
func (nopBroadcaster) ToRoomExcept(string, int64, models.Event) {}
func (nopBroadcaster) RemoveUserFromRoom(int64, string)         {}

type nopNotifier struct{}

func (nopNotifier) Notify(context.Context, models.Notification) {}

type offline struct{}

func (offline) IsOnline(int64) bool { return false }

// storeError translates repository sentinels into classified errors.
func storeError(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, repositories.ErrConversationNotFound):
		return apperr.NotFound("conversation not found")
	case errors.Is(err, repositories.ErrParticipantNotFound):
		return apperr.Forbidden("not a participant of this conversation")
	case errors.Is(err, repositories.ErrParticipantExists):
		return apperr.Conflict("user is already an active participant")
	case errors.Is(err, repositories.ErrConversationFull):
		return apperr.Validation("conversation has reached its participant limit")
	case errors.Is(err, repositories.ErrMessageNotFound):
		return apperr.NotFound("message not found")
	case errors.Is(err, repositories.ErrMessageDeleted):
		return apperr.Conflict("message is deleted")
	case errors.Is(err, repositories.ErrUserNotFound):
		return apperr.NotFound("user not found")
	case errors.Is(err, repositories.ErrInviteNotFound):
		return apperr.NotFound("invite not found")
	case errors.Is(err, repositories.ErrInvitePending):
		return apperr.Conflict("an invite for this user is already pending")
	case errors.Is(err, repositories.ErrInviteNotPending):
		return apperr.Conflict("invite is no longer pending")
	}
	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		return err
	}
	return apperr.Internal(op, err)
}

func isActiveMember(p models.Participant, err error) bool {
	return err == nil && p.IsActive
}
