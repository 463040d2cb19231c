package services

import (
	"context"
	"errors"
	"slices"
	"strings"
	"time"

	"messenger-service/internal/apperr"
	"messenger-service/internal/identity"
	"messenger-service/internal/models"
	"messenger-service/internal/observability"
	"messenger-service/internal/repositories"
)

// CreateConversationInput describes a new conversation.
type CreateConversationInput struct {
	Type           models.ConversationType      `json:"type"`
	Name           string                       `json:"name"`
	Description    string                       `json:"description"`
	Department     string                       `json:"department"`
	IsPrivate      bool                         `json:"is_private"`
	ParticipantIDs []int64                      `json:"participant_ids"`
	Settings       *models.ConversationSettings `json:"settings"`
}

// ConversationDetail is a conversation together with its active participants.
type ConversationDetail struct {
	models.Conversation
	Participants []models.Participant `json:"participants"`
}

// ConversationService owns the conversation and participant lifecycle.
type ConversationService struct {
	store    repositories.Store
	fanout   Broadcaster
	notifier Notifier
	presence PresenceChecker
	policy   Policy
	now      func() time.Time
}

// NewConversationService builds a ConversationService. Nil collaborators are replaced with no-ops.
func NewConversationService(store repositories.Store, fanout Broadcaster, notifier Notifier, presence PresenceChecker, policy Policy) *ConversationService {
	if fanout == nil {
		fanout = nopBroadcaster{}
	}
	if notifier == nil {
		notifier = nopNotifier{}
	}
	if presence == nil {
		presence = offline{}
	}
	if policy.MaxParticipants <= 0 {
		policy.MaxParticipants = models.DefaultMaxParticipants
	}
	if policy.InviteTTL <= 0 {
		policy.InviteTTL = 7 * 24 * time.Hour
	}
	return &ConversationService{
		store:    store,
		fanout:   fanout,
		notifier: notifier,
		presence: presence,
		policy:   policy,
		now:      time.Now,
	}
}

// WithClock overrides the time source.
func (s *ConversationService) WithClock(now func() time.Time) *ConversationService {
	s.now = now
	return s
}

// CanManage reports whether the participant may administer the conversation.
func (s *ConversationService) CanManage(p models.Participant, actor identity.Identity) bool {
	return canManage(p, actor, s.policy.ModeratorRoles)
}

func canManage(p models.Participant, actor identity.Identity, moderatorRoles []string) bool {
	if actor.HasAnyRole(moderatorRoles) {
		return true
	}
	return p.IsActive && p.UserID == actor.UserID && (p.Role == models.RoleOwner || p.Role == models.RoleAdmin)
}

// CreateConversation creates a conversation. For direct conversations an
// existing active conversation between the pair is returned with created=false.
func (s *ConversationService) CreateConversation(ctx context.Context, actor identity.Identity, in CreateConversationInput) (models.Conversation, bool, error) {
	if !in.Type.Valid() {
		return models.Conversation{}, false, apperr.Validation("unknown conversation type %q", in.Type)
	}
	creator, err := s.store.GetUser(ctx, actor.UserID)
	if errors.Is(err, repositories.ErrUserNotFound) || (err == nil && !creator.IsActive) {
		return models.Conversation{}, false, apperr.Forbidden("actor is not an active user")
	}
	if err != nil {
		return models.Conversation{}, false, storeError("load actor", err)
	}

	others := make([]int64, 0, len(in.ParticipantIDs))
	for _, id := range in.ParticipantIDs {
		if id != actor.UserID && !slices.Contains(others, id) {
			others = append(others, id)
		}
	}

	name := strings.TrimSpace(in.Name)
	if in.Type == models.ConversationDirect {
		if len(others) != 1 {
			return models.Conversation{}, false, apperr.Validation("a direct conversation needs exactly one other participant")
		}
	} else if name == "" {
		return models.Conversation{}, false, apperr.Validation("name is required")
	}

	settings := models.DefaultSettings(s.policy.MaxParticipants)
	if in.Settings != nil {
		settings = *in.Settings
		if settings.MaxParticipants <= 0 {
			settings.MaxParticipants = s.policy.MaxParticipants
		}
		if settings.MaxParticipants > s.policy.MaxParticipants {
			return models.Conversation{}, false, apperr.Validation("max_participants may not exceed %d", s.policy.MaxParticipants)
		}
	}
	if len(others)+1 > settings.MaxParticipants {
		return models.Conversation{}, false, apperr.Validation("too many participants (max %d)", settings.MaxParticipants)
	}

	if err := s.requireActiveUsers(ctx, others); err != nil {
		return models.Conversation{}, false, err
	}

	conv := models.Conversation{
		Type:        in.Type,
		Name:        name,
		Description: strings.TrimSpace(in.Description),
		Department:  strings.TrimSpace(in.Department),
		CreatorID:   actor.UserID,
		IsPrivate:   in.IsPrivate,
		Settings:    settings,
		CreatedAt:   s.now().UTC(),
	}
	if in.Type == models.ConversationDepartment && conv.Department == "" {
		conv.Department = creator.Department
		if conv.Department == "" {
			conv.Department = actor.Department
		}
	}
	if in.Type == models.ConversationDirect {
		conv.DirectKey = models.DirectKey(actor.UserID, others[0])
		conv.IsPrivate = true
		existing, err := s.store.FindDirectConversation(ctx, conv.DirectKey)
		if err == nil {
			return existing, false, nil
		}
		if !errors.Is(err, repositories.ErrConversationNotFound) {
			return models.Conversation{}, false, storeError("find direct conversation", err)
		}
	}

	participants := make([]models.Participant, 0, len(others)+1)
	participants = append(participants, models.NewParticipant(0, actor.UserID, models.RoleOwner, conv.Type, conv.CreatedAt))
	for _, id := range others {
		participants = append(participants, models.NewParticipant(0, id, models.RoleMember, conv.Type, conv.CreatedAt))
	}

	created, err := s.store.CreateConversation(ctx, conv, participants)
	if errors.Is(err, repositories.ErrDirectConversationExists) {
		// lost a concurrent create; the winner is the answer
		existing, findErr := s.store.FindDirectConversation(ctx, conv.DirectKey)
		if findErr != nil {
			return models.Conversation{}, false, storeError("find direct conversation", findErr)
		}
		return existing, false, nil
	}
	if err != nil {
		return models.Conversation{}, false, storeError("create conversation", err)
	}

	observability.LoggerFromContext(ctx).Info("conversation created",
		"conversation_id", created.ID, "type", created.Type, "participants", len(participants))
	ev := models.NewEvent(models.EventConversationCreated, created)
	for _, p := range participants {
		s.fanout.ToRoom(models.UserRoom(p.UserID), ev)
	}
	return created, true, nil
}

func (s *ConversationService) requireActiveUsers(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	users, err := s.store.GetUsers(ctx, ids)
	if err != nil {
		return storeError("load users", err)
	}
	active := make(map[int64]bool, len(users))
	for _, u := range users {
		active[u.ID] = u.IsActive
	}
	for _, id := range ids {
		if !active[id] {
			return apperr.Validation("user %d does not exist or is inactive", id)
		}
	}
	return nil
}

// loadActive returns the conversation when it is active.
func (s *ConversationService) loadActive(ctx context.Context, conversationID int64) (models.Conversation, error) {
	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return models.Conversation{}, storeError("load conversation", err)
	}
	if !conv.IsActive {
		return models.Conversation{}, apperr.NotFound("conversation not found")
	}
	return conv, nil
}

// membership returns the actor's participant record, zero when the actor never joined.
func (s *ConversationService) membership(ctx context.Context, conversationID, userID int64) (models.Participant, error) {
	p, err := s.store.GetParticipant(ctx, conversationID, userID)
	if errors.Is(err, repositories.ErrParticipantNotFound) {
		return models.Participant{}, nil
	}
	if err != nil {
		return models.Participant{}, storeError("load participant", err)
	}
	return p, nil
}

// EnsureParticipant fails with Forbidden unless userID is an active participant of an active conversation.
func (s *ConversationService) EnsureParticipant(ctx context.Context, conversationID, userID int64) error {
	if _, err := s.loadActive(ctx, conversationID); err != nil {
		return err
	}
	p, err := s.membership(ctx, conversationID, userID)
	if err != nil {
		return err
	}
	if !p.IsActive {
		return apperr.Forbidden("not a participant of this conversation")
	}
	return nil
}

func (s *ConversationService) GetConversation(ctx context.Context, actor identity.Identity, conversationID int64) (ConversationDetail, error) {
	if err := s.EnsureParticipant(ctx, conversationID, actor.UserID); err != nil {
		return ConversationDetail{}, err
	}
	conv, err := s.loadActive(ctx, conversationID)
	if err != nil {
		return ConversationDetail{}, err
	}
	participants, err := s.store.ListParticipants(ctx, conversationID, true)
	if err != nil {
		return ConversationDetail{}, storeError("list participants", err)
	}
	return ConversationDetail{Conversation: conv, Participants: participants}, nil
}

// ListConversations returns the actor's active conversations, most recently active first.
func (s *ConversationService) ListConversations(ctx context.Context, actor identity.Identity) ([]models.ConversationView, error) {
	views, err := s.store.ListConversationsForUser(ctx, actor.UserID)
	if err != nil {
		return nil, storeError("list conversations", err)
	}
	return views, nil
}

// ActiveConversationIDs lists the conversations userID currently belongs to.
func (s *ConversationService) ActiveConversationIDs(ctx context.Context, userID int64) ([]int64, error) {
	ids, err := s.store.ListActiveConversationIDs(ctx, userID)
	if err != nil {
		return nil, storeError("list conversation ids", err)
	}
	return ids, nil
}

func (s *ConversationService) UpdateConversation(ctx context.Context, actor identity.Identity, conversationID int64, patch models.ConversationPatch) (models.Conversation, error) {
	conv, err := s.loadActive(ctx, conversationID)
	if err != nil {
		return models.Conversation{}, err
	}
	p, err := s.membership(ctx, conversationID, actor.UserID)
	if err != nil {
		return models.Conversation{}, err
	}
	if !s.CanManage(p, actor) {
		return models.Conversation{}, apperr.Forbidden("only owners and admins may update the conversation")
	}
	if patch.Name != nil {
		if conv.Type == models.ConversationDirect {
			return models.Conversation{}, apperr.Validation("direct conversations cannot be renamed")
		}
		name := strings.TrimSpace(*patch.Name)
		if name == "" {
			return models.Conversation{}, apperr.Validation("name must not be empty")
		}
		patch.Name = &name
	}
	if patch.Settings != nil {
		settings := *patch.Settings
		if settings.MaxParticipants <= 0 {
			settings.MaxParticipants = conv.Settings.MaxParticipants
		}
		if settings.MaxParticipants > s.policy.MaxParticipants || settings.MaxParticipants < conv.ParticipantsCount {
			return models.Conversation{}, apperr.Validation("max_participants must be between %d and %d", conv.ParticipantsCount, s.policy.MaxParticipants)
		}
		patch.Settings = &settings
	}

	updated, err := s.store.UpdateConversation(ctx, conversationID, patch, s.now().UTC())
	if err != nil {
		return models.Conversation{}, storeError("update conversation", err)
	}
	s.fanout.ToRoom(models.ConversationRoom(conversationID), models.NewEvent(models.EventConversationUpdated, updated))
	return updated, nil
}

// DeleteConversation soft-closes the conversation; history stays in the store.
func (s *ConversationService) DeleteConversation(ctx context.Context, actor identity.Identity, conversationID int64) error {
	if _, err := s.loadActive(ctx, conversationID); err != nil {
		return err
	}
	p, err := s.membership(ctx, conversationID, actor.UserID)
	if err != nil {
		return err
	}
	if !s.CanManage(p, actor) {
		return apperr.Forbidden("only owners and admins may delete the conversation")
	}
	participants, err := s.store.ListParticipants(ctx, conversationID, true)
	if err != nil {
		return storeError("list participants", err)
	}
	archived, err := s.store.ArchiveConversation(ctx, conversationID, s.now().UTC())
	if err != nil {
		return storeError("archive conversation", err)
	}

	observability.LoggerFromContext(ctx).Info("conversation archived", "conversation_id", conversationID, "actor_id", actor.UserID)
	ev := models.NewEvent(models.EventConversationDeleted, archived)
	for _, member := range participants {
		s.fanout.ToRoom(models.UserRoom(member.UserID), ev)
	}
	return nil
}

// authorizeAdd checks that actor may bring someone into conv with the given role.
func (s *ConversationService) authorizeAdd(ctx context.Context, actor identity.Identity, conv models.Conversation, role models.Role) error {
	if conv.Type == models.ConversationDirect {
		return apperr.Validation("direct conversations have a fixed pair of participants")
	}
	p, err := s.membership(ctx, conv.ID, actor.UserID)
	if err != nil {
		return err
	}
	moderator := actor.HasAnyRole(s.policy.ModeratorRoles)
	if !p.IsActive && !moderator {
		return apperr.Forbidden("not a participant of this conversation")
	}
	manage := s.CanManage(p, actor)
	if !manage && !(p.CanAddParticipants && conv.Settings.AllowInvites) {
		return apperr.Forbidden("you may not add participants to this conversation")
	}
	if role != models.RoleMember && p.Role != models.RoleOwner && !moderator {
		return apperr.Forbidden("only owners may add admins or owners")
	}
	return nil
}

func (s *ConversationService) AddParticipant(ctx context.Context, actor identity.Identity, conversationID, userID int64, role models.Role) (models.Participant, error) {
	if role == "" {
		role = models.RoleMember
	}
	if !role.Valid() {
		return models.Participant{}, apperr.Validation("unknown role %q", role)
	}
	conv, err := s.loadActive(ctx, conversationID)
	if err != nil {
		return models.Participant{}, err
	}
	if err := s.authorizeAdd(ctx, actor, conv, role); err != nil {
		return models.Participant{}, err
	}
	if err := s.requireActiveUsers(ctx, []int64{userID}); err != nil {
		return models.Participant{}, err
	}

	added, err := s.store.AddParticipant(ctx, models.NewParticipant(conversationID, userID, role, conv.Type, s.now().UTC()), conv.Settings.MaxParticipants)
	if err != nil {
		return models.Participant{}, storeError("add participant", err)
	}
	s.emitParticipant(models.EventParticipantAdded, added, actor.UserID, true)
	return added, nil
}

func (s *ConversationService) RemoveParticipant(ctx context.Context, actor identity.Identity, conversationID, userID int64) error {
	conv, err := s.loadActive(ctx, conversationID)
	if err != nil {
		return err
	}
	if conv.Type == models.ConversationDirect {
		return apperr.Validation("direct conversations have a fixed pair of participants")
	}
	target, err := s.membership(ctx, conversationID, userID)
	if err != nil {
		return err
	}
	if !target.IsActive {
		return apperr.NotFound("participant not found")
	}
	if userID != actor.UserID {
		p, err := s.membership(ctx, conversationID, actor.UserID)
		if err != nil {
			return err
		}
		if !s.actsOn(p, actor, target) {
			return apperr.Forbidden("you may not remove this participant")
		}
	}

	removed, err := s.store.RemoveParticipant(ctx, conversationID, userID, s.now().UTC())
	if err != nil {
		return storeError("remove participant", err)
	}
	s.emitParticipant(models.EventParticipantRemoved, removed, actor.UserID, true)
	s.fanout.RemoveUserFromRoom(userID, models.ConversationRoom(conversationID))
	return nil
}

// actsOn applies the owner/admin rule: owners act on anyone, admins on members only.
func (s *ConversationService) actsOn(p models.Participant, actor identity.Identity, target models.Participant) bool {
	if actor.HasAnyRole(s.policy.ModeratorRoles) {
		return true
	}
	if !p.IsActive {
		return false
	}
	switch p.Role {
	case models.RoleOwner:
		return true
	case models.RoleAdmin:
		return target.Role == models.RoleMember
	}
	return false
}

func (s *ConversationService) UpdateParticipant(ctx context.Context, actor identity.Identity, conversationID, userID int64, patch models.ParticipantPatch) (models.Participant, error) {
	if patch.Role != nil && !patch.Role.Valid() {
		return models.Participant{}, apperr.Validation("unknown role %q", *patch.Role)
	}
	if _, err := s.loadActive(ctx, conversationID); err != nil {
		return models.Participant{}, err
	}
	target, err := s.membership(ctx, conversationID, userID)
	if err != nil {
		return models.Participant{}, err
	}
	if !target.IsActive {
		return models.Participant{}, apperr.NotFound("participant not found")
	}

	self := userID == actor.UserID
	if !(self && patch.OnlyMute()) {
		if patch.IsMuted != nil && !self {
			return models.Participant{}, apperr.Forbidden("only the participant may change their mute setting")
		}
		p, err := s.membership(ctx, conversationID, actor.UserID)
		if err != nil {
			return models.Participant{}, err
		}
		if !s.actsOn(p, actor, target) {
			return models.Participant{}, apperr.Forbidden("you may not change this participant")
		}
		if patch.Role != nil && *patch.Role != models.RoleMember && p.Role != models.RoleOwner && !actor.HasAnyRole(s.policy.ModeratorRoles) {
			return models.Participant{}, apperr.Forbidden("only owners may grant admin or owner")
		}
	}

	updated, err := s.store.UpdateParticipant(ctx, conversationID, userID, patch)
	if err != nil {
		return models.Participant{}, storeError("update participant", err)
	}
	s.emitParticipant(models.EventParticipantUpdated, updated, actor.UserID, false)
	return updated, nil
}

func (s *ConversationService) emitParticipant(name string, p models.Participant, actorID int64, toUser bool) {
	ev := models.NewEvent(name, models.ParticipantEvent{ConversationID: p.ConversationID, Participant: p, ActorID: actorID})
	s.fanout.ToRoom(models.ConversationRoom(p.ConversationID), ev)
	if toUser {
		s.fanout.ToRoom(models.UserRoom(p.UserID), ev)
	}
}

// ActiveParticipantIDs lists the users currently in the conversation.
func (s *ConversationService) ActiveParticipantIDs(ctx context.Context, conversationID int64) ([]int64, error) {
	participants, err := s.store.ListParticipants(ctx, conversationID, true)
	if err != nil {
		return nil, storeError("list participants", err)
	}
	ids := make([]int64, 0, len(participants))
	for _, p := range participants {
		ids = append(ids, p.UserID)
	}
	return ids, nil
}
