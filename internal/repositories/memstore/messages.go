package memstore

import (
	"cmp"
	"context"
	"slices"
	"strings"
	"time"

	"messenger-service/internal/models"
	"messenger-service/internal/repositories"
)

func (s *Store) CreateMessage(_ context.Context, msg models.Message) (models.Message, []models.Participant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.conversations[msg.ConversationID]
	if !ok || !c.IsActive {
		return models.Message{}, nil, repositories.ErrConversationNotFound
	}
	active := s.listParticipantsLocked(msg.ConversationID, true)
	if !slices.ContainsFunc(active, func(p models.Participant) bool { return p.UserID == msg.SenderID }) {
		return models.Message{}, nil, repositories.ErrParticipantNotFound
	}

	s.nextMessage++
	msg.ID = s.nextMessage
	msg.UpdatedAt = msg.CreatedAt
	stored := copyMessage(&msg)
	s.messages[msg.ID] = &stored
	s.byConv[msg.ConversationID] = append(s.byConv[msg.ConversationID], msg.ID)

	c.LastMessage = &models.LastMessage{
		MessageID: msg.ID,
		SenderID:  msg.SenderID,
		Preview:   models.PreviewText(msg.Type, msg.Content),
		SentAt:    msg.CreatedAt,
	}
	c.MessagesCount++
	c.UpdatedAt = msg.CreatedAt

	for _, p := range active {
		status := models.StatusSent
		if p.UserID == msg.SenderID {
			status = models.StatusRead
		} else {
			s.participants[msg.ConversationID][p.UserID].UnreadCount++
		}
		s.statuses[statusKey{msg.ID, p.UserID}] = &models.MessageStatus{
			MessageID: msg.ID,
			UserID:    p.UserID,
			Status:    status,
			UpdatedAt: msg.CreatedAt,
		}
	}
	return copyMessage(&stored), active, nil
}

func (s *Store) GetMessage(_ context.Context, messageID int64) (models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[messageID]
	if !ok {
		return models.Message{}, repositories.ErrMessageNotFound
	}
	return copyMessage(m), nil
}

func (s *Store) LatestMessage(_ context.Context, conversationID int64) (models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest *models.Message
	for _, id := range s.byConv[conversationID] {
		m := s.messages[id]
		if latest == nil || m.Cursor().After(latest.Cursor()) {
			latest = m
		}
	}
	if latest == nil {
		return models.Message{}, repositories.ErrMessageNotFound
	}
	return copyMessage(latest), nil
}

func (s *Store) ListMessages(_ context.Context, q models.MessageQuery) ([]models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	search := strings.ToLower(q.Search)
	var matched []*models.Message
	for _, id := range s.byConv[q.ConversationID] {
		m := s.messages[id]
		cur := m.Cursor()
		if q.Before != nil && !q.Before.After(cur) {
			continue
		}
		if q.After != nil && !cur.After(*q.After) {
			continue
		}
		if search != "" && (m.IsDeleted || !strings.Contains(strings.ToLower(m.Content), search)) {
			continue
		}
		if q.Type != "" && m.Type != q.Type {
			continue
		}
		if q.PinnedOnly && !m.IsPinned {
			continue
		}
		matched = append(matched, m)
	}

	slices.SortFunc(matched, func(a, b *models.Message) int {
		switch {
		case a.Cursor().After(b.Cursor()):
			return 1
		case b.Cursor().After(a.Cursor()):
			return -1
		}
		return 0
	})
	if q.Limit > 0 && len(matched) > q.Limit {
		if q.After != nil && q.Before == nil {
			matched = matched[:q.Limit]
		} else {
			matched = matched[len(matched)-q.Limit:]
		}
	}

	out := make([]models.Message, 0, len(matched))
	for _, m := range matched {
		out = append(out, copyMessage(m))
	}
	return out, nil
}

func (s *Store) liveMessageLocked(messageID int64) (*models.Message, error) {
	m, ok := s.messages[messageID]
	if !ok {
		return nil, repositories.ErrMessageNotFound
	}
	if m.IsDeleted {
		return nil, repositories.ErrMessageDeleted
	}
	return m, nil
}

func (s *Store) UpdateMessageContent(_ context.Context, messageID int64, patch models.MessagePatch) (models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.liveMessageLocked(messageID)
	if err != nil {
		return models.Message{}, err
	}
	m.Content = patch.Content
	m.Mentions = slices.Clone(patch.Mentions)
	m.IsEdited = true
	edited := patch.EditedAt
	m.EditedAt = &edited
	m.UpdatedAt = patch.EditedAt
	return copyMessage(m), nil
}

func (s *Store) SoftDeleteMessage(_ context.Context, messageID, actorID int64, now time.Time) (models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.liveMessageLocked(messageID)
	if err != nil {
		return models.Message{}, err
	}
	m.IsDeleted = true
	m.IsPinned = false
	deletedAt, deletedBy := now, actorID
	m.DeletedAt = &deletedAt
	m.DeletedBy = &deletedBy
	m.UpdatedAt = now

	for _, p := range s.participants[m.ConversationID] {
		if !p.IsActive || p.UserID == m.SenderID || p.UnreadCount == 0 {
			continue
		}
		if st, ok := s.statuses[statusKey{messageID, p.UserID}]; ok && st.Status != models.StatusRead {
			p.UnreadCount--
		}
	}
	if c := s.conversations[m.ConversationID]; c.LastMessage != nil && c.LastMessage.MessageID == messageID {
		c.LastMessage.Preview = ""
	}
	return copyMessage(m), nil
}

func (s *Store) SetPinned(_ context.Context, messageID int64, pinned bool, now time.Time) (models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.liveMessageLocked(messageID)
	if err != nil {
		return models.Message{}, err
	}
	m.IsPinned = pinned
	m.UpdatedAt = now
	return copyMessage(m), nil
}

// unreadLocked counts non-deleted messages from others after the participant's read cursor.
func (s *Store) unreadLocked(p *models.Participant) int {
	boundary := s.readBoundaryLocked(p)
	n := 0
	for _, id := range s.byConv[p.ConversationID] {
		m := s.messages[id]
		if m.IsDeleted || m.SenderID == p.UserID {
			continue
		}
		if m.Cursor().After(boundary) {
			n++
		}
	}
	return n
}

func (s *Store) readBoundaryLocked(p *models.Participant) models.Cursor {
	if p.LastMessageReadID != nil {
		if m, ok := s.messages[*p.LastMessageReadID]; ok {
			return m.Cursor()
		}
	}
	return models.Cursor{CreatedAt: p.JoinedAt}
}

func (s *Store) MarkRead(_ context.Context, conversationID, userID int64, upTo models.Message, now time.Time) (models.ReadState, []int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.participants[conversationID][userID]
	if !ok || !p.IsActive {
		return models.ReadState{}, nil, repositories.ErrParticipantNotFound
	}
	if upTo.Cursor().After(s.readBoundaryLocked(p)) {
		id := upTo.ID
		p.LastMessageReadID = &id
	}

	var changed []int64
	limit := upTo.Cursor()
	for _, id := range s.byConv[conversationID] {
		if s.messages[id].Cursor().After(limit) {
			continue
		}
		st, ok := s.statuses[statusKey{id, userID}]
		if !ok || st.Status == models.StatusRead {
			continue
		}
		st.Status = models.StatusRead
		st.UpdatedAt = now
		changed = append(changed, id)
	}

	seen := now
	p.LastSeenAt = &seen
	p.UnreadCount = s.unreadLocked(p)
	return models.ReadState{
		LastMessageReadID: p.LastMessageReadID,
		LastSeenAt:        now,
		UnreadCount:       p.UnreadCount,
	}, changed, nil
}

func (s *Store) MarkDelivered(_ context.Context, conversationID, userID int64, messageIDs []int64, now time.Time) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var changed []int64
	for _, id := range messageIDs {
		m, ok := s.messages[id]
		if !ok || m.ConversationID != conversationID {
			continue
		}
		st, ok := s.statuses[statusKey{id, userID}]
		if !ok || st.Status != models.StatusSent {
			continue
		}
		st.Status = models.StatusDelivered
		st.UpdatedAt = now
		changed = append(changed, id)
	}
	return changed, nil
}

func (s *Store) ListStatuses(_ context.Context, messageID int64) ([]models.MessageStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.MessageStatus
	for key, st := range s.statuses {
		if key.messageID == messageID {
			out = append(out, *st)
		}
	}
	slices.SortFunc(out, func(a, b models.MessageStatus) int { return cmp.Compare(a.UserID, b.UserID) })
	return out, nil
}

// Reactions

func (s *Store) ToggleReaction(_ context.Context, kind models.TargetKind, targetID, userID int64, reactionType models.ReactionType, now time.Time) (models.ToggleOutcome, error) {
	if kind != models.TargetMessage {
		return models.ToggleOutcome{}, repositories.ErrUnsupportedTarget
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.messages[targetID]
	if !ok {
		return models.ToggleOutcome{}, repositories.ErrMessageNotFound
	}
	key := reactionKey{kind, targetID, userID}
	existing, ok := s.reactions[key]
	switch {
	case !ok:
		r := &models.Reaction{TargetKind: kind, TargetID: targetID, UserID: userID, Type: reactionType, CreatedAt: now, UpdatedAt: now}
		s.reactions[key] = r
		m.ReactionsCount++
		return models.ToggleOutcome{Result: models.ReactionAdded, Reaction: *r, ReactionsCount: m.ReactionsCount}, nil
	case existing.Type == reactionType:
		delete(s.reactions, key)
		if m.ReactionsCount > 0 {
			m.ReactionsCount--
		}
		return models.ToggleOutcome{Result: models.ReactionRemoved, Reaction: *existing, ReactionsCount: m.ReactionsCount}, nil
	default:
		previous := existing.Type
		existing.Type = reactionType
		existing.UpdatedAt = now
		return models.ToggleOutcome{Result: models.ReactionUpdated, Reaction: *existing, PreviousType: previous, ReactionsCount: m.ReactionsCount}, nil
	}
}

func (s *Store) ListReactions(_ context.Context, kind models.TargetKind, targetID int64) ([]models.Reaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Reaction
	for key, r := range s.reactions {
		if key.kind == kind && key.targetID == targetID {
			out = append(out, *r)
		}
	}
	slices.SortFunc(out, func(a, b models.Reaction) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out, nil
}

// Invites

func (s *Store) CreateInvite(_ context.Context, inv models.ConversationInvite) (models.ConversationInvite, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.invites {
		if existing.ConversationID == inv.ConversationID && existing.InviteeID == inv.InviteeID && existing.Status == models.InvitePending {
			return models.ConversationInvite{}, repositories.ErrInvitePending
		}
	}
	s.nextInvite++
	inv.ID = s.nextInvite
	inv.Status = models.InvitePending
	stored := inv
	s.invites[inv.ID] = &stored
	return stored, nil
}

func (s *Store) GetInvite(_ context.Context, inviteID int64) (models.ConversationInvite, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inv, ok := s.invites[inviteID]
	if !ok {
		return models.ConversationInvite{}, repositories.ErrInviteNotFound
	}
	return *inv, nil
}

func (s *Store) ListInvitesForUser(_ context.Context, userID int64, status models.InviteStatus) ([]models.ConversationInvite, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.ConversationInvite
	for _, inv := range s.invites {
		if inv.InviteeID == userID && (status == "" || inv.Status == status) {
			out = append(out, *inv)
		}
	}
	slices.SortFunc(out, func(a, b models.ConversationInvite) int { return cmp.Compare(b.ID, a.ID) })
	return out, nil
}

func (s *Store) RespondInvite(_ context.Context, inviteID int64, status models.InviteStatus, now time.Time, participant *models.Participant, maxParticipants int) (models.ConversationInvite, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inv, ok := s.invites[inviteID]
	if !ok {
		return models.ConversationInvite{}, repositories.ErrInviteNotFound
	}
	if inv.Status != models.InvitePending {
		return models.ConversationInvite{}, repositories.ErrInviteNotPending
	}
	if participant != nil {
		if _, err := s.addParticipantLocked(*participant, maxParticipants); err != nil {
			return models.ConversationInvite{}, err
		}
	}
	inv.Status = status
	responded := now
	inv.RespondedAt = &responded
	return *inv, nil
}

func (s *Store) ExpireInvites(_ context.Context, now time.Time) ([]models.ConversationInvite, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.ConversationInvite
	for _, inv := range s.invites {
		if inv.Status == models.InvitePending && !inv.ExpiresAt.After(now) {
			inv.Status = models.InviteExpired
			responded := now
			inv.RespondedAt = &responded
			out = append(out, *inv)
		}
	}
	return out, nil
}
