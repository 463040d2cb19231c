package notify

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"messenger-service/internal/mocks"
	"messenger-service/internal/models"
)

func TestBridgeRoutesByKind(t *testing.T) {
	pub := new(mocks.PublisherMock)
	bridge := NewBridge(pub)

	note := models.Notification{Kind: models.NotifyMention, RecipientID: 2, ActorID: 1, ConversationID: 3}
	pub.On("Publish", mock.Anything, "notifications.mention", mock.MatchedBy(func(n models.Notification) bool {
		return n.RecipientID == 2 && !n.OccurredAt.IsZero()
	})).Return(nil).Once()

	bridge.Notify(context.Background(), note)
	pub.AssertExpectations(t)
}

func TestBridgeSwallowsPublishErrors(t *testing.T) {
	pub := new(mocks.PublisherMock)
	bridge := NewBridge(pub)
	pub.On("Publish", mock.Anything, "notifications.message", mock.Anything).Return(assert.AnError).Once()

	assert.NotPanics(t, func() {
		bridge.Notify(context.Background(), models.Notification{Kind: models.NotifyMessage})
	})
	pub.AssertExpectations(t)
}

func TestBridgeIgnoresCallerCancellation(t *testing.T) {
	pub := new(mocks.PublisherMock)
	bridge := NewBridge(pub)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	pub.On("Publish", mock.MatchedBy(func(ctx context.Context) bool { return ctx.Err() == nil }), "notifications.invite", mock.Anything).
		Return(nil).Once()
	bridge.Notify(ctx, models.Notification{Kind: models.NotifyInvite})
	pub.AssertExpectations(t)
}
