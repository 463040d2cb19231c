// Package memstore is a mutex-guarded in-memory implementation of the
// repository interfaces. Every operation runs under one lock, which gives it
// the same all-or-nothing behaviour as the Postgres transactions.
package memstore

import (
	"context"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"messenger-service/internal/models"
	"messenger-service/internal/repositories"
)

type reactionKey struct {
	kind     models.TargetKind
	targetID int64
	userID   int64
}

type statusKey struct {
	messageID int64
	userID    int64
}

// Store keeps all state in maps.
type Store struct {
	mu sync.Mutex

	users         map[int64]models.User
	conversations map[int64]*models.Conversation
	participants  map[int64]map[int64]*models.Participant
	messages      map[int64]*models.Message
	byConv        map[int64][]int64
	statuses      map[statusKey]*models.MessageStatus
	reactions     map[reactionKey]*models.Reaction
	invites       map[int64]*models.ConversationInvite

	nextConversation int64
	nextMessage      int64
	nextInvite       int64
}

var _ repositories.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		users:         map[int64]models.User{},
		conversations: map[int64]*models.Conversation{},
		participants:  map[int64]map[int64]*models.Participant{},
		messages:      map[int64]*models.Message{},
		byConv:        map[int64][]int64{},
		statuses:      map[statusKey]*models.MessageStatus{},
		reactions:     map[reactionKey]*models.Reaction{},
		invites:       map[int64]*models.ConversationInvite{},
	}
}

func copyMessage(m *models.Message) models.Message {
	out := *m
	out.Mentions = slices.Clone(m.Mentions)
	out.Attachments = slices.Clone(m.Attachments)
	if m.Metadata != nil {
		out.Metadata = make(map[string]any, len(m.Metadata))
		for k, v := range m.Metadata {
			out.Metadata[k] = v
		}
	}
	if m.ReplyPreview != nil {
		rp := *m.ReplyPreview
		out.ReplyPreview = &rp
	}
	return out
}

func copyConversation(c *models.Conversation) models.Conversation {
	out := *c
	if c.LastMessage != nil {
		lm := *c.LastMessage
		out.LastMessage = &lm
	}
	return out
}

// Users

func (s *Store) UpsertUser(_ context.Context, user models.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[user.ID] = user
	return nil
}

func (s *Store) GetUser(_ context.Context, userID int64) (models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return models.User{}, repositories.ErrUserNotFound
	}
	return u, nil
}

func (s *Store) GetUsers(_ context.Context, userIDs []int64) ([]models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.User
	for _, id := range userIDs {
		if u, ok := s.users[id]; ok {
			out = append(out, u)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) FindUsersByToken(_ context.Context, token string) ([]models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.User
	for _, u := range s.users {
		if !u.IsActive {
			continue
		}
		if strings.EqualFold(u.DisplayName, token) || (u.Handle != "" && strings.EqualFold(u.Handle, token)) ||
			(u.Email != "" && strings.EqualFold(u.Email, token)) {
			out = append(out, u)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Conversations

func (s *Store) CreateConversation(_ context.Context, conv models.Conversation, participants []models.Participant) (models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if conv.DirectKey != "" {
		for _, c := range s.conversations {
			if c.IsActive && c.DirectKey == conv.DirectKey {
				return models.Conversation{}, repositories.ErrDirectConversationExists
			}
		}
	}

	s.nextConversation++
	conv.ID = s.nextConversation
	conv.IsActive = true
	conv.ParticipantsCount = len(participants)
	conv.UpdatedAt = conv.CreatedAt
	stored := conv
	s.conversations[conv.ID] = &stored

	members := make(map[int64]*models.Participant, len(participants))
	for _, p := range participants {
		p := p
		p.ConversationID = conv.ID
		members[p.UserID] = &p
	}
	s.participants[conv.ID] = members
	return copyConversation(&stored), nil
}

func (s *Store) GetConversation(_ context.Context, conversationID int64) (models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[conversationID]
	if !ok {
		return models.Conversation{}, repositories.ErrConversationNotFound
	}
	return copyConversation(c), nil
}

func (s *Store) FindDirectConversation(_ context.Context, directKey string) (models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conversations {
		if c.IsActive && c.DirectKey == directKey {
			return copyConversation(c), nil
		}
	}
	return models.Conversation{}, repositories.ErrConversationNotFound
}

func (s *Store) ListConversationsForUser(_ context.Context, userID int64) ([]models.ConversationView, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var views []models.ConversationView
	for convID, members := range s.participants {
		p, ok := members[userID]
		if !ok || !p.IsActive {
			continue
		}
		c := s.conversations[convID]
		if !c.IsActive {
			continue
		}
		view := models.ConversationView{
			Conversation: copyConversation(c),
			UnreadCount:  s.unreadLocked(p),
			Role:         p.Role,
			IsMuted:      p.IsMuted,
		}
		if p.LastMessageReadID != nil {
			view.LastReadID = *p.LastMessageReadID
		}
		views = append(views, view)
	}
	sort.Slice(views, func(i, j int) bool {
		ai, aj := lastActivity(views[i].Conversation), lastActivity(views[j].Conversation)
		if ai.Equal(aj) {
			return views[i].ID > views[j].ID
		}
		return ai.After(aj)
	})
	return views, nil
}

func lastActivity(c models.Conversation) time.Time {
	if c.LastMessage != nil {
		return c.LastMessage.SentAt
	}
	return c.CreatedAt
}

func (s *Store) UpdateConversation(_ context.Context, conversationID int64, patch models.ConversationPatch, now time.Time) (models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[conversationID]
	if !ok || !c.IsActive {
		return models.Conversation{}, repositories.ErrConversationNotFound
	}
	if patch.Name != nil {
		c.Name = *patch.Name
	}
	if patch.Description != nil {
		c.Description = *patch.Description
	}
	if patch.IsPrivate != nil {
		c.IsPrivate = *patch.IsPrivate
	}
	if patch.Settings != nil {
		c.Settings = *patch.Settings
	}
	c.UpdatedAt = now
	return copyConversation(c), nil
}

func (s *Store) ArchiveConversation(_ context.Context, conversationID int64, now time.Time) (models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[conversationID]
	if !ok || !c.IsActive {
		return models.Conversation{}, repositories.ErrConversationNotFound
	}
	c.IsActive = false
	archived := now
	c.ArchivedAt = &archived
	c.UpdatedAt = now
	return copyConversation(c), nil
}

// Participants

func (s *Store) GetParticipant(_ context.Context, conversationID, userID int64) (models.Participant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.participants[conversationID][userID]
	if !ok {
		return models.Participant{}, repositories.ErrParticipantNotFound
	}
	return *p, nil
}

func (s *Store) ListParticipants(_ context.Context, conversationID int64, activeOnly bool) ([]models.Participant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listParticipantsLocked(conversationID, activeOnly), nil
}

func (s *Store) listParticipantsLocked(conversationID int64, activeOnly bool) []models.Participant {
	var out []models.Participant
	for _, p := range s.participants[conversationID] {
		if activeOnly && !p.IsActive {
			continue
		}
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

func (s *Store) AddParticipant(_ context.Context, p models.Participant, maxParticipants int) (models.Participant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addParticipantLocked(p, maxParticipants)
}

func (s *Store) addParticipantLocked(p models.Participant, maxParticipants int) (models.Participant, error) {
	c, ok := s.conversations[p.ConversationID]
	if !ok || !c.IsActive {
		return models.Participant{}, repositories.ErrConversationNotFound
	}
	members := s.participants[p.ConversationID]
	if existing, ok := members[p.UserID]; ok && existing.IsActive {
		return models.Participant{}, repositories.ErrParticipantExists
	}
	if maxParticipants > 0 && c.ParticipantsCount >= maxParticipants {
		return models.Participant{}, repositories.ErrConversationFull
	}

	p.IsActive = true
	p.IsMuted = false
	p.LeftAt = nil
	p.LastSeenAt = nil
	p.LastMessageReadID = nil
	p.UnreadCount = 0
	stored := p
	members[p.UserID] = &stored
	c.ParticipantsCount++
	c.UpdatedAt = p.JoinedAt
	return stored, nil
}

func (s *Store) RemoveParticipant(_ context.Context, conversationID, userID int64, now time.Time) (models.Participant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.participants[conversationID][userID]
	if !ok || !p.IsActive {
		return models.Participant{}, repositories.ErrParticipantNotFound
	}
	p.IsActive = false
	left := now
	p.LeftAt = &left
	c := s.conversations[conversationID]
	if c.ParticipantsCount > 0 {
		c.ParticipantsCount--
	}
	c.UpdatedAt = now
	return *p, nil
}

func (s *Store) UpdateParticipant(_ context.Context, conversationID, userID int64, patch models.ParticipantPatch) (models.Participant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.participants[conversationID][userID]
	if !ok || !p.IsActive {
		return models.Participant{}, repositories.ErrParticipantNotFound
	}
	if patch.Role != nil {
		p.Role = *patch.Role
	}
	if patch.CanSendMessages != nil {
		p.CanSendMessages = *patch.CanSendMessages
	}
	if patch.CanAddParticipants != nil {
		p.CanAddParticipants = *patch.CanAddParticipants
	}
	if patch.CanDeleteMessages != nil {
		p.CanDeleteMessages = *patch.CanDeleteMessages
	}
	if patch.IsMuted != nil {
		p.IsMuted = *patch.IsMuted
	}
	return *p, nil
}

func (s *Store) ListActiveConversationIDs(_ context.Context, userID int64) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []int64
	for convID, members := range s.participants {
		if p, ok := members[userID]; ok && p.IsActive && s.conversations[convID].IsActive {
			ids = append(ids, convID)
		}
	}
	slices.Sort(ids)
	return ids, nil
}
