package reactions

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"messenger-service/internal/apperr"
	"messenger-service/internal/models"
	"messenger-service/internal/repositories/memstore"
)

type staticResolver struct {
	info TargetInfo
	err  error
}

func (r staticResolver) Resolve(context.Context, int64, int64) (TargetInfo, error) {
	return r.info, r.err
}

type recordingNotifier struct {
	sent []models.Notification
}

func (n *recordingNotifier) Notify(_ context.Context, note models.Notification) {
	n.sent = append(n.sent, note)
}

func seedMessage(t *testing.T, store *memstore.Store) models.Message {
	t.Helper()
	ctx := context.Background()
	conv, err := store.CreateConversation(ctx, models.Conversation{Type: models.ConversationGroup, Name: "g"}, []models.Participant{
		{UserID: 1, Role: models.RoleOwner, CanSendMessages: true, IsActive: true},
		{UserID: 2, Role: models.RoleMember, CanSendMessages: true, IsActive: true},
	})
	require.NoError(t, err)
	msg, _, err := store.CreateMessage(ctx, models.Message{ConversationID: conv.ID, SenderID: 1, Type: models.MessageText, Content: "hi"})
	require.NoError(t, err)
	return msg
}

func TestToggleSequence(t *testing.T) {
	store := memstore.New()
	msg := seedMessage(t, store)
	notifier := &recordingNotifier{}
	engine := NewEngine(store, notifier)
	engine.Register(models.TargetMessage, staticResolver{info: TargetInfo{AuthorID: 1, ConversationID: msg.ConversationID}})
	target := Target{Kind: models.TargetMessage, ID: msg.ID}

	steps := []struct {
		reaction models.ReactionType
		result   models.ToggleResult
		count    int
	}{
		{models.ReactionThumbsUp, models.ReactionAdded, 1},
		{models.ReactionThumbsUp, models.ReactionRemoved, 0},
		{models.ReactionLove, models.ReactionAdded, 1},
		{models.ReactionLaugh, models.ReactionUpdated, 1},
	}
	for _, step := range steps {
		outcome, _, err := engine.Toggle(context.Background(), 2, target, step.reaction)
		require.NoError(t, err)
		assert.Equal(t, step.result, outcome.Result)
		assert.Equal(t, step.count, outcome.ReactionsCount)
	}

	reactions, err := store.ListReactions(context.Background(), models.TargetMessage, msg.ID)
	require.NoError(t, err)
	require.Len(t, reactions, 1)
	assert.Equal(t, models.ReactionLaugh, reactions[0].Type)
	assert.Len(t, notifier.sent, 2)
}

func TestToggleOwnMessageDoesNotNotify(t *testing.T) {
	store := memstore.New()
	msg := seedMessage(t, store)
	notifier := &recordingNotifier{}
	engine := NewEngine(store, notifier)
	engine.Register(models.TargetMessage, staticResolver{info: TargetInfo{AuthorID: 1}})

	_, _, err := engine.Toggle(context.Background(), 1, Target{Kind: models.TargetMessage, ID: msg.ID}, models.ReactionLike)
	require.NoError(t, err)
	assert.Empty(t, notifier.sent)
}

func TestToggleValidation(t *testing.T) {
	engine := NewEngine(memstore.New(), nil)
	engine.Register(models.TargetMessage, staticResolver{err: apperr.NotFound("message not found")})

	_, _, err := engine.Toggle(context.Background(), 1, Target{Kind: models.TargetMessage, ID: 1}, "shrug")
	assert.True(t, apperr.Is(err, apperr.KindValidation))

	_, _, err = engine.Toggle(context.Background(), 1, Target{Kind: models.TargetPost, ID: 1}, models.ReactionLike)
	assert.True(t, apperr.Is(err, apperr.KindValidation))

	_, _, err = engine.Toggle(context.Background(), 1, Target{Kind: models.TargetMessage, ID: 1}, models.ReactionLike)
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
}
