package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"messenger-service/internal/identity"
	"messenger-service/internal/models"
	"messenger-service/internal/presence"
	"messenger-service/internal/services"
)

type ProviderMock struct {
	mock.Mock
}

func (m *ProviderMock) Verify(ctx context.Context, token string) (identity.Identity, error) {
	args := m.Called(ctx, token)
	var id identity.Identity
	if val := args.Get(0); val != nil {
		id = val.(identity.Identity)
	}
	return id, args.Error(1)
}

type ConversationsMock struct {
	mock.Mock
}

func (m *ConversationsMock) EnsureParticipant(ctx context.Context, conversationID, userID int64) error {
	args := m.Called(ctx, conversationID, userID)
	return args.Error(0)
}

func (m *ConversationsMock) ActiveConversationIDs(ctx context.Context, userID int64) ([]int64, error) {
	args := m.Called(ctx, userID)
	var ids []int64
	if val := args.Get(0); val != nil {
		ids = val.([]int64)
	}
	return ids, args.Error(1)
}

func (m *ConversationsMock) ActiveParticipantIDs(ctx context.Context, conversationID int64) ([]int64, error) {
	args := m.Called(ctx, conversationID)
	var ids []int64
	if val := args.Get(0); val != nil {
		ids = val.([]int64)
	}
	return ids, args.Error(1)
}

type MessagesMock struct {
	mock.Mock
}

func (m *MessagesMock) SendMessage(ctx context.Context, actor identity.Identity, conversationID int64, in services.SendMessageInput) (services.MessageResult, error) {
	args := m.Called(ctx, actor, conversationID, in)
	var res services.MessageResult
	if val := args.Get(0); val != nil {
		res = val.(services.MessageResult)
	}
	return res, args.Error(1)
}

func (m *MessagesMock) MarkMessageAsRead(ctx context.Context, actor identity.Identity, conversationID, messageID int64) (models.ReadState, error) {
	args := m.Called(ctx, actor, conversationID, messageID)
	var st models.ReadState
	if val := args.Get(0); val != nil {
		st = val.(models.ReadState)
	}
	return st, args.Error(1)
}

func (m *MessagesMock) MarkConversationAsRead(ctx context.Context, actor identity.Identity, conversationID int64) (models.ReadState, error) {
	args := m.Called(ctx, actor, conversationID)
	var st models.ReadState
	if val := args.Get(0); val != nil {
		st = val.(models.ReadState)
	}
	return st, args.Error(1)
}

func (m *MessagesMock) MarkDelivered(ctx context.Context, actor identity.Identity, conversationID int64, messageIDs []int64) ([]int64, error) {
	args := m.Called(ctx, actor, conversationID, messageIDs)
	var ids []int64
	if val := args.Get(0); val != nil {
		ids = val.([]int64)
	}
	return ids, args.Error(1)
}

func (m *MessagesMock) ToggleReaction(ctx context.Context, actor identity.Identity, conversationID, messageID int64, reactionType models.ReactionType) (models.ToggleOutcome, error) {
	args := m.Called(ctx, actor, conversationID, messageID, reactionType)
	var out models.ToggleOutcome
	if val := args.Get(0); val != nil {
		out = val.(models.ToggleOutcome)
	}
	return out, args.Error(1)
}

func (m *MessagesMock) UnreadCounts(ctx context.Context, userID int64) (map[int64]int, int, error) {
	args := m.Called(ctx, userID)
	var unread map[int64]int
	if val := args.Get(0); val != nil {
		unread = val.(map[int64]int)
	}
	return unread, args.Int(1), args.Error(2)
}

type PresenceMirrorMock struct {
	mock.Mock
}

func (m *PresenceMirrorMock) Track(ctx context.Context, e presence.Entry, delta int) (bool, error) {
	args := m.Called(ctx, e, delta)
	return args.Bool(0), args.Error(1)
}

func (m *PresenceMirrorMock) Store(ctx context.Context, e presence.Entry) {
	m.Called(ctx, e)
}
