package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"messenger-service/internal/identity"
	"messenger-service/internal/models"
	"messenger-service/internal/repositories/memstore"
)

func TestDirectorySyncsAtMostOncePerInterval(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	now := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	dir := NewDirectory(store, 5*time.Minute).WithClock(func() time.Time { return now })

	dir.Observe(ctx, identity.Identity{UserID: 7, DisplayName: "Grace", Handle: "grace"})
	dir.Observe(ctx, identity.Identity{UserID: 7, DisplayName: "Grace H."})

	u, err := store.GetUser(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, "Grace", u.DisplayName)
	assert.True(t, u.IsActive)

	now = now.Add(6 * time.Minute)
	dir.Observe(ctx, identity.Identity{UserID: 7, DisplayName: "Grace H."})
	u, err = store.GetUser(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, "Grace H.", u.DisplayName)
}

func TestExtractMentionTokens(t *testing.T) {
	tokens := ExtractMentionTokens(`ping @bob. and @"Ada Lovelace", mail @ada@corp.example; @bob again`)
	assert.Equal(t, []string{"bob", "Ada Lovelace", "ada@corp.example"}, tokens)
}

func TestPickMentionOrder(t *testing.T) {
	candidates := []models.User{
		{ID: 5, DisplayName: "sam", IsActive: true},
		{ID: 6, DisplayName: "Samuel", Handle: "Sam", IsActive: true},
		{ID: 7, DisplayName: "Other", Email: "SAM", IsActive: true},
	}
	u, ok := pickMention("Sam", candidates)
	require.True(t, ok)
	assert.Equal(t, int64(6), u.ID, "exact handle beats case-insensitive name")

	u, ok = pickMention("SAM", candidates[:1])
	require.True(t, ok)
	assert.Equal(t, int64(5), u.ID)

	u, ok = pickMention("sam", []models.User{{ID: 7, DisplayName: "Other", Email: "sam", IsActive: true}})
	require.True(t, ok)
	assert.Equal(t, int64(7), u.ID)

	_, ok = pickMention("ghost", []models.User{{ID: 8, DisplayName: "ghost", IsActive: false}})
	assert.False(t, ok)
}
