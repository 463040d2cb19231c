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
	"messenger-service/internal/reactions"
	"messenger-service/internal/repositories"
	"messenger-service/internal/telemetry"
)

const (
	DefaultPageSize = 50
	MaxPageSize     = 100
)

// SendMessageInput is a client message.
type SendMessageInput struct {
	Type        models.MessageType  `json:"type"`
	Content     string              `json:"content"`
	Attachments []models.Attachment `json:"attachments"`
	Mentions    []string            `json:"mentions"`
	ReplyToID   *int64              `json:"reply_to_id"`
	Metadata    map[string]any      `json:"metadata"`
}

// UpdateMessageInput is an edit by the sender.
type UpdateMessageInput struct {
	Content  string   `json:"content"`
	Mentions []string `json:"mentions"`
}

// MessageResult is a stored message plus the mention tokens that matched nobody.
type MessageResult struct {
	Message            models.Message `json:"message"`
	UnresolvedMentions []string       `json:"unresolved_mentions,omitempty"`
}

// MessageFilter selects a page of history. Before and After are message ids.
type MessageFilter struct {
	Before     *int64
	After      *int64
	Search     string
	Type       models.MessageType
	PinnedOnly bool
	Limit      int
}

// MessageService owns message creation, edits, deletes, read state and reactions.
type MessageService struct {
	store     repositories.Store
	fanout    Broadcaster
	notifier  Notifier
	presence  PresenceChecker
	audit     Auditor
	mentions  *MentionResolver
	reactions *reactions.Engine
	policy    Policy
	now       func() time.Time
}

// NewMessageService builds a MessageService and registers the message target on its reaction engine.
func NewMessageService(store repositories.Store, fanout Broadcaster, notifier Notifier, presence PresenceChecker, audit Auditor, policy Policy) *MessageService {
	if fanout == nil {
		fanout = nopBroadcaster{}
	}
	if notifier == nil {
		notifier = nopNotifier{}
	}
	if presence == nil {
		presence = offline{}
	}
	s := &MessageService{
		store:    store,
		fanout:   fanout,
		notifier: notifier,
		presence: presence,
		audit:    audit,
		mentions: NewMentionResolver(store),
		policy:   policy,
		now:      time.Now,
	}
	s.reactions = reactions.NewEngine(store, presenceNotifier{s})
	s.reactions.Register(models.TargetMessage, messageTarget{store: store})
	return s
}

// WithClock overrides the time source of the service and its reaction engine.
func (s *MessageService) WithClock(now func() time.Time) *MessageService {
	s.now = now
	s.reactions.WithClock(now)
	return s
}

// Reactions exposes the engine so other target kinds can be registered.
func (s *MessageService) Reactions() *reactions.Engine {
	return s.reactions
}

// notify stamps the recipient's current reachability and hands n to the bridge.
func (s *MessageService) notify(ctx context.Context, n models.Notification) {
	n.Online = s.presence.IsOnline(n.RecipientID)
	s.notifier.Notify(ctx, n)
}

type presenceNotifier struct{ s *MessageService }

func (p presenceNotifier) Notify(ctx context.Context, n models.Notification) { p.s.notify(ctx, n) }

// activeParticipant loads the actor's membership and rejects anyone not currently in the conversation.
func (s *MessageService) activeParticipant(ctx context.Context, conversationID, userID int64) (models.Conversation, models.Participant, error) {
	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return models.Conversation{}, models.Participant{}, storeError("load conversation", err)
	}
	if !conv.IsActive {
		return models.Conversation{}, models.Participant{}, apperr.NotFound("conversation not found")
	}
	p, err := s.store.GetParticipant(ctx, conversationID, userID)
	if !isActiveMember(p, err) {
		if err != nil && !errors.Is(err, repositories.ErrParticipantNotFound) {
			return models.Conversation{}, models.Participant{}, storeError("load participant", err)
		}
		return models.Conversation{}, models.Participant{}, apperr.Forbidden("not a participant of this conversation")
	}
	return conv, p, nil
}

// messageIn loads a message and checks that it belongs to the conversation
// and that the conversation is not archived.
func (s *MessageService) messageIn(ctx context.Context, conversationID, messageID int64) (models.Message, error) {
	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return models.Message{}, storeError("load conversation", err)
	}
	if !conv.IsActive {
		return models.Message{}, apperr.NotFound("conversation not found")
	}
	msg, err := s.store.GetMessage(ctx, messageID)
	if err != nil {
		return models.Message{}, storeError("load message", err)
	}
	if msg.ConversationID != conversationID {
		return models.Message{}, apperr.NotFound("message not found")
	}
	return msg, nil
}

func validateContent(msgType models.MessageType, content string, attachments []models.Attachment) error {
	switch msgType {
	case models.MessageText:
		if strings.TrimSpace(content) == "" {
			return apperr.Validation("content is required")
		}
	default:
		if len(attachments) == 0 && strings.TrimSpace(content) == "" {
			return apperr.Validation("%s messages need an attachment or content", msgType)
		}
	}
	for _, a := range attachments {
		if strings.TrimSpace(a.URL) == "" {
			return apperr.Validation("attachment url is required")
		}
	}
	return nil
}

// SendMessage stores a message and fans it out to the conversation.
func (s *MessageService) SendMessage(ctx context.Context, actor identity.Identity, conversationID int64, in SendMessageInput) (MessageResult, error) {
	if in.Type == "" {
		in.Type = models.MessageText
	}
	if !in.Type.Valid() {
		return MessageResult{}, apperr.Validation("unknown message type %q", in.Type)
	}
	if in.Type == models.MessageSystem {
		return MessageResult{}, apperr.Validation("system messages cannot be sent by clients")
	}
	if err := validateContent(in.Type, in.Content, in.Attachments); err != nil {
		return MessageResult{}, err
	}

	conv, p, err := s.activeParticipant(ctx, conversationID, actor.UserID)
	if err != nil {
		return MessageResult{}, err
	}
	if !p.CanSendMessages {
		return MessageResult{}, apperr.Forbidden("you may not send messages in this conversation")
	}
	if conv.Type == models.ConversationAnnouncement && p.Role == models.RoleMember {
		return MessageResult{}, apperr.Forbidden("only owners and admins post announcements")
	}
	if len(in.Attachments) > 0 && !conv.Settings.AllowFiles {
		return MessageResult{}, apperr.Forbidden("attachments are disabled in this conversation")
	}

	msg := models.Message{
		ConversationID: conversationID,
		SenderID:       actor.UserID,
		Type:           in.Type,
		Content:        in.Content,
		Attachments:    in.Attachments,
		Metadata:       in.Metadata,
		CreatedAt:      s.now().UTC(),
	}
	if in.ReplyToID != nil {
		preview, err := s.replyPreview(ctx, conversationID, *in.ReplyToID)
		if err != nil {
			return MessageResult{}, err
		}
		msg.ReplyToID = in.ReplyToID
		msg.ReplyPreview = &preview
	}

	mentioned, unresolved, err := s.mentions.Resolve(ctx, in.Content, in.Mentions)
	if err != nil {
		return MessageResult{}, apperr.Internal("resolve mentions", err)
	}
	msg.Mentions = mentioned

	stored, recipients, err := s.store.CreateMessage(ctx, msg)
	if err != nil {
		return MessageResult{}, storeError("create message", err)
	}
	observability.IncMessageSent(string(stored.Type))
	observability.LoggerFromContext(ctx).Debug("message stored",
		"conversation_id", conversationID, "message_id", stored.ID, "recipients", len(recipients))

	s.fanout.ToRoom(models.ConversationRoom(conversationID),
		models.NewEvent(models.EventMessageCreated, models.MessageEvent{ConversationID: conversationID, Message: &stored, MessageID: stored.ID}))

	preview := models.PreviewText(stored.Type, stored.Content)
	for _, r := range recipients {
		if r.UserID == actor.UserID || r.IsMuted {
			continue
		}
		s.notify(ctx, models.Notification{
			Kind:           models.NotifyMessage,
			RecipientID:    r.UserID,
			ActorID:        actor.UserID,
			ConversationID: conversationID,
			MessageID:      stored.ID,
			Preview:        preview,
			OccurredAt:     stored.CreatedAt,
		})
	}
	s.notifyMentions(ctx, stored, mentioned, recipients)

	return MessageResult{Message: stored, UnresolvedMentions: unresolved}, nil
}

// replyPreview snapshots the replied-to message; it is never re-resolved afterwards.
func (s *MessageService) replyPreview(ctx context.Context, conversationID, replyToID int64) (models.ReplyPreview, error) {
	target, err := s.store.GetMessage(ctx, replyToID)
	if errors.Is(err, repositories.ErrMessageNotFound) {
		return models.ReplyPreview{}, apperr.Validation("reply target does not exist")
	}
	if err != nil {
		return models.ReplyPreview{}, storeError("load reply target", err)
	}
	if target.ConversationID != conversationID {
		return models.ReplyPreview{}, apperr.Validation("reply target belongs to another conversation")
	}
	if target.IsDeleted {
		return models.ReplyPreview{}, apperr.Validation("reply target is deleted")
	}

	preview := models.ReplyPreview{
		MessageID: target.ID,
		SenderID:  target.SenderID,
		Preview:   models.PreviewText(target.Type, target.Content),
	}
	if u, err := s.store.GetUser(ctx, target.SenderID); err == nil {
		preview.SenderName = u.DisplayName
	}
	return preview, nil
}

// notifyMentions alerts mentioned participants other than the sender; muting does not suppress mentions.
func (s *MessageService) notifyMentions(ctx context.Context, msg models.Message, userIDs []int64, participants []models.Participant) {
	for _, id := range userIDs {
		if id == msg.SenderID {
			continue
		}
		if !slices.ContainsFunc(participants, func(p models.Participant) bool { return p.UserID == id && p.IsActive }) {
			continue
		}
		s.notify(ctx, models.Notification{
			Kind:           models.NotifyMention,
			RecipientID:    id,
			ActorID:        msg.SenderID,
			ConversationID: msg.ConversationID,
			MessageID:      msg.ID,
			Preview:        models.PreviewText(msg.Type, msg.Content),
			OccurredAt:     s.now().UTC(),
		})
	}
}

// UpdateMessage edits content. Only the sender may edit; there is no edit window.
func (s *MessageService) UpdateMessage(ctx context.Context, actor identity.Identity, conversationID, messageID int64, in UpdateMessageInput) (MessageResult, error) {
	if _, _, err := s.activeParticipant(ctx, conversationID, actor.UserID); err != nil {
		return MessageResult{}, err
	}
	msg, err := s.messageIn(ctx, conversationID, messageID)
	if err != nil {
		return MessageResult{}, err
	}
	if msg.IsDeleted {
		return MessageResult{}, apperr.Conflict("message is deleted")
	}
	if msg.SenderID != actor.UserID {
		return MessageResult{}, apperr.Forbidden("only the sender may edit a message")
	}
	if err := validateContent(msg.Type, in.Content, msg.Attachments); err != nil {
		return MessageResult{}, err
	}

	mentioned, unresolved, err := s.mentions.Resolve(ctx, in.Content, in.Mentions)
	if err != nil {
		return MessageResult{}, apperr.Internal("resolve mentions", err)
	}
	updated, err := s.store.UpdateMessageContent(ctx, messageID, models.MessagePatch{
		Content:  in.Content,
		Mentions: mentioned,
		EditedAt: s.now().UTC(),
	})
	if err != nil {
		return MessageResult{}, storeError("update message", err)
	}

	s.fanout.ToRoom(models.ConversationRoom(conversationID),
		models.NewEvent(models.EventMessageUpdated, models.MessageEvent{ConversationID: conversationID, Message: &updated, MessageID: updated.ID}))

	var added []int64
	for _, id := range mentioned {
		if !slices.Contains(msg.Mentions, id) {
			added = append(added, id)
		}
	}
	if len(added) > 0 {
		participants, err := s.store.ListParticipants(ctx, conversationID, true)
		if err != nil {
			observability.LoggerFromContext(ctx).Warn("mention notify skipped", "message_id", messageID, "error", err)
		} else {
			s.notifyMentions(ctx, updated, added, participants)
		}
	}
	return MessageResult{Message: updated, UnresolvedMentions: unresolved}, nil
}

// DeleteMessage soft-deletes a message. Sender, participants with canDeleteMessages and moderators may delete.
func (s *MessageService) DeleteMessage(ctx context.Context, actor identity.Identity, conversationID, messageID int64) error {
	msg, err := s.messageIn(ctx, conversationID, messageID)
	if err != nil {
		return err
	}
	if msg.IsDeleted {
		return apperr.Conflict("message is already deleted")
	}

	moderator := actor.HasAnyRole(s.policy.ModeratorRoles)
	if msg.SenderID != actor.UserID && !moderator {
		_, p, err := s.activeParticipant(ctx, conversationID, actor.UserID)
		if err != nil {
			return err
		}
		if !p.CanDeleteMessages {
			return apperr.Forbidden("you may not delete this message")
		}
	}

	deleted, err := s.store.SoftDeleteMessage(ctx, messageID, actor.UserID, s.now().UTC())
	if err != nil {
		return storeError("delete message", err)
	}
	redacted := deleted.Redacted()
	s.fanout.ToRoom(models.ConversationRoom(conversationID),
		models.NewEvent(models.EventMessageDeleted, models.MessageEvent{ConversationID: conversationID, Message: &redacted, MessageID: messageID}))

	if msg.SenderID != actor.UserID && s.audit != nil {
		s.audit.Emit(ctx, telemetry.AuditRecord{
			Level:          "WARN",
			Text:           "message deleted by someone other than its sender",
			Action:         models.EventMessageDeleted,
			ActorID:        actor.UserID,
			ConversationID: conversationID,
			MessageID:      messageID,
			SubjectUserID:  msg.SenderID,
		})
	}
	return nil
}

// PinMessage sets or clears the pinned flag; owners, admins and moderators only.
func (s *MessageService) PinMessage(ctx context.Context, actor identity.Identity, conversationID, messageID int64, pinned bool) (models.Message, error) {
	if _, err := s.messageIn(ctx, conversationID, messageID); err != nil {
		return models.Message{}, err
	}
	p, err := s.store.GetParticipant(ctx, conversationID, actor.UserID)
	if err != nil && !errors.Is(err, repositories.ErrParticipantNotFound) {
		return models.Message{}, storeError("load participant", err)
	}
	if !canManage(p, actor, s.policy.ModeratorRoles) {
		return models.Message{}, apperr.Forbidden("only owners and admins may pin messages")
	}
	msg, err := s.store.SetPinned(ctx, messageID, pinned, s.now().UTC())
	if err != nil {
		return models.Message{}, storeError("pin message", err)
	}
	s.fanout.ToRoom(models.ConversationRoom(conversationID),
		models.NewEvent(models.EventMessageUpdated, models.MessageEvent{ConversationID: conversationID, Message: &msg, MessageID: msg.ID}))
	return msg, nil
}

// MarkMessageAsRead advances the actor's read position to messageID and reconciles the unread count.
func (s *MessageService) MarkMessageAsRead(ctx context.Context, actor identity.Identity, conversationID, messageID int64) (models.ReadState, error) {
	if _, _, err := s.activeParticipant(ctx, conversationID, actor.UserID); err != nil {
		return models.ReadState{}, err
	}
	msg, err := s.messageIn(ctx, conversationID, messageID)
	if err != nil {
		return models.ReadState{}, err
	}
	return s.markRead(ctx, actor.UserID, msg)
}

// MarkConversationAsRead marks everything up to the newest message as read.
func (s *MessageService) MarkConversationAsRead(ctx context.Context, actor identity.Identity, conversationID int64) (models.ReadState, error) {
	if _, _, err := s.activeParticipant(ctx, conversationID, actor.UserID); err != nil {
		return models.ReadState{}, err
	}
	latest, err := s.store.LatestMessage(ctx, conversationID)
	if errors.Is(err, repositories.ErrMessageNotFound) {
		return models.ReadState{LastSeenAt: s.now().UTC()}, nil
	}
	if err != nil {
		return models.ReadState{}, storeError("load latest message", err)
	}
	return s.markRead(ctx, actor.UserID, latest)
}

func (s *MessageService) markRead(ctx context.Context, userID int64, upTo models.Message) (models.ReadState, error) {
	state, changed, err := s.store.MarkRead(ctx, upTo.ConversationID, userID, upTo, s.now().UTC())
	if err != nil {
		return models.ReadState{}, storeError("mark read", err)
	}
	ev := models.ReadEvent{
		ConversationID: upTo.ConversationID,
		UserID:         userID,
		MessageIDs:     changed,
		Status:         models.StatusRead,
	}
	if state.LastMessageReadID != nil {
		ev.LastMessageReadID = *state.LastMessageReadID
	}
	s.fanout.ToRoom(models.ConversationRoom(upTo.ConversationID), models.NewEvent(models.EventMessageRead, ev))
	return state, nil
}

// MarkDelivered moves sent statuses of the given messages to delivered.
func (s *MessageService) MarkDelivered(ctx context.Context, actor identity.Identity, conversationID int64, messageIDs []int64) ([]int64, error) {
	if len(messageIDs) == 0 {
		return nil, apperr.Validation("message_ids is required")
	}
	if _, _, err := s.activeParticipant(ctx, conversationID, actor.UserID); err != nil {
		return nil, err
	}
	changed, err := s.store.MarkDelivered(ctx, conversationID, actor.UserID, messageIDs, s.now().UTC())
	if err != nil {
		return nil, storeError("mark delivered", err)
	}
	if len(changed) > 0 {
		s.fanout.ToRoom(models.ConversationRoom(conversationID), models.NewEvent(models.EventMessageStatus, models.ReadEvent{
			ConversationID: conversationID,
			UserID:         actor.UserID,
			MessageIDs:     changed,
			Status:         models.StatusDelivered,
		}))
	}
	return changed, nil
}

// GetConversationMessages returns one page of history, oldest first. Deleted messages come back blanked.
func (s *MessageService) GetConversationMessages(ctx context.Context, actor identity.Identity, conversationID int64, f MessageFilter) ([]models.Message, error) {
	if _, _, err := s.activeParticipant(ctx, conversationID, actor.UserID); err != nil {
		return nil, err
	}
	if f.Type != "" && !f.Type.Valid() {
		return nil, apperr.Validation("unknown message type %q", f.Type)
	}
	q := models.MessageQuery{
		ConversationID: conversationID,
		Search:         strings.TrimSpace(f.Search),
		Type:           f.Type,
		PinnedOnly:     f.PinnedOnly,
		Limit:          f.Limit,
	}
	if q.Limit <= 0 {
		q.Limit = DefaultPageSize
	}
	if q.Limit > MaxPageSize {
		q.Limit = MaxPageSize
	}
	var err error
	if q.Before, err = s.cursor(ctx, conversationID, f.Before); err != nil {
		return nil, err
	}
	if q.After, err = s.cursor(ctx, conversationID, f.After); err != nil {
		return nil, err
	}

	msgs, err := s.store.ListMessages(ctx, q)
	if err != nil {
		return nil, storeError("list messages", err)
	}
	for i := range msgs {
		msgs[i] = msgs[i].Redacted()
	}
	return msgs, nil
}

// cursor resolves a message id to its (createdAt, id) boundary.
func (s *MessageService) cursor(ctx context.Context, conversationID int64, messageID *int64) (*models.Cursor, error) {
	if messageID == nil {
		return nil, nil
	}
	msg, err := s.store.GetMessage(ctx, *messageID)
	if err != nil || msg.ConversationID != conversationID {
		if err != nil && !errors.Is(err, repositories.ErrMessageNotFound) {
			return nil, storeError("load cursor message", err)
		}
		return nil, apperr.Validation("cursor message %d is not in this conversation", *messageID)
	}
	c := msg.Cursor()
	return &c, nil
}

// GetMessageStatuses lists per-recipient delivery state for one message.
func (s *MessageService) GetMessageStatuses(ctx context.Context, actor identity.Identity, conversationID, messageID int64) ([]models.MessageStatus, error) {
	if _, _, err := s.activeParticipant(ctx, conversationID, actor.UserID); err != nil {
		return nil, err
	}
	if _, err := s.messageIn(ctx, conversationID, messageID); err != nil {
		return nil, err
	}
	statuses, err := s.store.ListStatuses(ctx, messageID)
	if err != nil {
		return nil, storeError("list statuses", err)
	}
	return statuses, nil
}

// ToggleReaction applies the actor's reaction to a message and fans the transition out.
func (s *MessageService) ToggleReaction(ctx context.Context, actor identity.Identity, conversationID, messageID int64, reactionType models.ReactionType) (models.ToggleOutcome, error) {
	if _, err := s.messageIn(ctx, conversationID, messageID); err != nil {
		return models.ToggleOutcome{}, err
	}
	outcome, _, err := s.reactions.Toggle(ctx, actor.UserID, reactions.Target{Kind: models.TargetMessage, ID: messageID}, reactionType)
	if err != nil {
		return models.ToggleOutcome{}, err
	}

	name := models.EventReactionAdded
	switch outcome.Result {
	case models.ReactionRemoved:
		name = models.EventReactionRemoved
	case models.ReactionUpdated:
		name = models.EventReactionUpdated
	}
	s.fanout.ToRoom(models.ConversationRoom(conversationID), models.NewEvent(name, models.ReactionEvent{
		ConversationID: conversationID,
		MessageID:      messageID,
		UserID:         actor.UserID,
		Outcome:        outcome,
	}))
	return outcome, nil
}

// ListReactions returns the reactions on a message.
func (s *MessageService) ListReactions(ctx context.Context, actor identity.Identity, conversationID, messageID int64) ([]models.Reaction, error) {
	if _, _, err := s.activeParticipant(ctx, conversationID, actor.UserID); err != nil {
		return nil, err
	}
	if _, err := s.messageIn(ctx, conversationID, messageID); err != nil {
		return nil, err
	}
	list, err := s.store.ListReactions(ctx, models.TargetMessage, messageID)
	if err != nil {
		return nil, storeError("list reactions", err)
	}
	return list, nil
}

// UnreadCounts returns the actor's unread count per conversation plus the total.
func (s *MessageService) UnreadCounts(ctx context.Context, userID int64) (map[int64]int, int, error) {
	views, err := s.store.ListConversationsForUser(ctx, userID)
	if err != nil {
		return nil, 0, storeError("list conversations", err)
	}
	counts := make(map[int64]int, len(views))
	total := 0
	for _, v := range views {
		counts[v.ID] = v.UnreadCount
		total += v.UnreadCount
	}
	return counts, total, nil
}

// messageTarget resolves message reactions for the engine.
type messageTarget struct {
	store repositories.Store
}

func (t messageTarget) Resolve(ctx context.Context, actorID, messageID int64) (reactions.TargetInfo, error) {
	msg, err := t.store.GetMessage(ctx, messageID)
	if err != nil {
		return reactions.TargetInfo{}, storeError("load message", err)
	}
	if msg.IsDeleted {
		return reactions.TargetInfo{}, apperr.Conflict("message is deleted")
	}
	conv, err := t.store.GetConversation(ctx, msg.ConversationID)
	if err != nil {
		return reactions.TargetInfo{}, storeError("load conversation", err)
	}
	if !conv.IsActive {
		return reactions.TargetInfo{}, apperr.NotFound("conversation not found")
	}
	p, err := t.store.GetParticipant(ctx, msg.ConversationID, actorID)
	if !isActiveMember(p, err) {
		return reactions.TargetInfo{}, apperr.Forbidden("not a participant of this conversation")
	}
	return reactions.TargetInfo{
		AuthorID:       msg.SenderID,
		ConversationID: msg.ConversationID,
		Preview:        models.PreviewText(msg.Type, msg.Content),
	}, nil
}
