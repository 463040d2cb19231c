package services

import (
	"context"
	"errors"
	"strings"
	"time"

	"messenger-service/internal/apperr"
	"messenger-service/internal/identity"
	"messenger-service/internal/models"
	"messenger-service/internal/observability"
	"messenger-service/internal/repositories"
)

const maxInviteMessage = 500

// CreateInvite invites inviteeID into the conversation. It needs the same permission as adding a participant.
func (s *ConversationService) CreateInvite(ctx context.Context, actor identity.Identity, conversationID, inviteeID int64, message string) (models.ConversationInvite, error) {
	message = strings.TrimSpace(message)
	if len([]rune(message)) > maxInviteMessage {
		return models.ConversationInvite{}, apperr.Validation("invite message is too long")
	}
	conv, err := s.loadActive(ctx, conversationID)
	if err != nil {
		return models.ConversationInvite{}, err
	}
	if err := s.authorizeAdd(ctx, actor, conv, models.RoleMember); err != nil {
		return models.ConversationInvite{}, err
	}
	if err := s.requireActiveUsers(ctx, []int64{inviteeID}); err != nil {
		return models.ConversationInvite{}, err
	}
	existing, err := s.membership(ctx, conversationID, inviteeID)
	if err != nil {
		return models.ConversationInvite{}, err
	}
	if existing.IsActive {
		return models.ConversationInvite{}, apperr.Conflict("user is already an active participant")
	}

	now := s.now().UTC()
	inv, err := s.store.CreateInvite(ctx, models.ConversationInvite{
		ConversationID: conversationID,
		InviterID:      actor.UserID,
		InviteeID:      inviteeID,
		Message:        message,
		Status:         models.InvitePending,
		ExpiresAt:      now.Add(s.policy.InviteTTL),
		CreatedAt:      now,
	})
	if err != nil {
		return models.ConversationInvite{}, storeError("create invite", err)
	}

	s.notifier.Notify(ctx, models.Notification{
		Kind:           models.NotifyInvite,
		RecipientID:    inviteeID,
		ActorID:        actor.UserID,
		ConversationID: conversationID,
		InviteID:       inv.ID,
		Preview:        conv.Name,
		Online:         s.presence.IsOnline(inviteeID),
		OccurredAt:     now,
	})
	return inv, nil
}

// RespondInvite accepts or declines a pending invite addressed to actor.
func (s *ConversationService) RespondInvite(ctx context.Context, actor identity.Identity, inviteID int64, accept bool) (models.ConversationInvite, error) {
	inv, err := s.store.GetInvite(ctx, inviteID)
	if err != nil {
		return models.ConversationInvite{}, storeError("load invite", err)
	}
	if inv.InviteeID != actor.UserID {
		return models.ConversationInvite{}, apperr.Forbidden("invite is addressed to another user")
	}
	if inv.Status != models.InvitePending {
		return models.ConversationInvite{}, apperr.Conflict("invite is already %s", inv.Status)
	}

	now := s.now().UTC()
	if !now.Before(inv.ExpiresAt) {
		if _, err := s.store.RespondInvite(ctx, inviteID, models.InviteExpired, now, nil, 0); err != nil && !errors.Is(err, repositories.ErrInviteNotPending) {
			return models.ConversationInvite{}, storeError("expire invite", err)
		}
		return models.ConversationInvite{}, apperr.Conflict("invite has expired")
	}

	if !accept {
		declined, err := s.store.RespondInvite(ctx, inviteID, models.InviteDeclined, now, nil, 0)
		if err != nil {
			return models.ConversationInvite{}, storeError("decline invite", err)
		}
		return declined, nil
	}

	conv, err := s.loadActive(ctx, inv.ConversationID)
	if err != nil {
		return models.ConversationInvite{}, err
	}
	p := models.NewParticipant(conv.ID, actor.UserID, models.RoleMember, conv.Type, now)
	accepted, err := s.store.RespondInvite(ctx, inviteID, models.InviteAccepted, now, &p, conv.Settings.MaxParticipants)
	if err != nil {
		return models.ConversationInvite{}, storeError("accept invite", err)
	}
	if added, err := s.store.GetParticipant(ctx, conv.ID, actor.UserID); err == nil {
		p = added
	}
	s.emitParticipant(models.EventParticipantAdded, p, inv.InviterID, true)
	return accepted, nil
}

// ListInvites returns invites addressed to actor, optionally filtered by status.
func (s *ConversationService) ListInvites(ctx context.Context, actor identity.Identity, status models.InviteStatus) ([]models.ConversationInvite, error) {
	switch status {
	case "", models.InvitePending, models.InviteAccepted, models.InviteDeclined, models.InviteExpired:
	default:
		return nil, apperr.Validation("unknown invite status %q", status)
	}
	invites, err := s.store.ListInvitesForUser(ctx, actor.UserID, status)
	if err != nil {
		return nil, storeError("list invites", err)
	}
	return invites, nil
}

// ExpireInvites moves every overdue pending invite to expired.
func (s *ConversationService) ExpireInvites(ctx context.Context) (int, error) {
	expired, err := s.store.ExpireInvites(ctx, s.now().UTC())
	if err != nil {
		return 0, storeError("expire invites", err)
	}
	if len(expired) > 0 {
		observability.LoggerFromContext(ctx).Info("invites expired", "count", len(expired))
	}
	return len(expired), nil
}

// RunInviteExpiry calls ExpireInvites every interval until ctx is done.
func (s *ConversationService) RunInviteExpiry(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.ExpireInvites(ctx); err != nil {
				observability.Logger().Error("invite expiry failed", "error", err)
			}
		}
	}
}
