package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"messenger-service/internal/identity"
	"messenger-service/internal/models"
	"messenger-service/internal/repositories/memstore"
	"messenger-service/internal/telemetry"
)

type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

// Now advances one second per call so every write gets a distinct timestamp.
func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

func (c *stepClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type sentEvent struct {
	Room   string
	Except int64
	Event  models.Event
}

type fakeFanout struct {
	mu      sync.Mutex
	events  []sentEvent
	removed []string
}

func (f *fakeFanout) ToRoom(room string, ev models.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, sentEvent{Room: room, Event: ev})
}

func (f *fakeFanout) ToRoomExcept(room string, except int64, ev models.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, sentEvent{Room: room, Except: except, Event: ev})
}

func (f *fakeFanout) RemoveUserFromRoom(userID int64, room string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, models.UserRoom(userID)+"@"+room)
}

func (f *fakeFanout) named(name string) []sentEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []sentEvent
	for _, e := range f.events {
		if e.Event.Name == name {
			out = append(out, e)
		}
	}
	return out
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []models.Notification
}

func (n *fakeNotifier) Notify(_ context.Context, note models.Notification) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, note)
}

func (n *fakeNotifier) kind(kind models.NotificationKind) []models.Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []models.Notification
	for _, note := range n.sent {
		if note.Kind == kind {
			out = append(out, note)
		}
	}
	return out
}

type fakePresence map[int64]bool

func (p fakePresence) IsOnline(userID int64) bool { return p[userID] }

type fakeAuditor struct {
	records []telemetry.AuditRecord
}

func (a *fakeAuditor) Emit(_ context.Context, rec telemetry.AuditRecord) {
	a.records = append(a.records, rec)
}

var (
	alice = identity.Identity{UserID: 1, DisplayName: "Alice", Department: "eng"}
	bob   = identity.Identity{UserID: 2, DisplayName: "Bob"}
	carol = identity.Identity{UserID: 3, DisplayName: "Carol Jones"}
	dave  = identity.Identity{UserID: 4, DisplayName: "Dave"}
	mod   = identity.Identity{UserID: 9, DisplayName: "Mo", Roles: []string{"moderator"}}
)

type fixture struct {
	ctx      context.Context
	store    *memstore.Store
	clock    *stepClock
	fanout   *fakeFanout
	notifier *fakeNotifier
	audit    *fakeAuditor
	convs    *ConversationService
	msgs     *MessageService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	store := memstore.New()
	for _, u := range []models.User{
		{ID: 1, DisplayName: "Alice", Handle: "alice", Email: "alice@corp.example", Department: "eng", IsActive: true},
		{ID: 2, DisplayName: "Bob", Handle: "bob", Email: "bob@corp.example", IsActive: true},
		{ID: 3, DisplayName: "Carol Jones", Handle: "carol", Email: "carol@corp.example", IsActive: true},
		{ID: 4, DisplayName: "Dave", Handle: "dave", Email: "dave@corp.example", IsActive: true},
		{ID: 5, DisplayName: "Eve", Handle: "eve", IsActive: false},
		{ID: 9, DisplayName: "Mo", Handle: "mo", IsActive: true},
	} {
		require.NoError(t, store.UpsertUser(ctx, u))
	}

	f := &fixture{
		ctx:      ctx,
		store:    store,
		clock:    &stepClock{now: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)},
		fanout:   &fakeFanout{},
		notifier: &fakeNotifier{},
		audit:    &fakeAuditor{},
	}
	policy := Policy{ModeratorRoles: []string{"moderator"}, MaxParticipants: 10, InviteTTL: time.Hour}
	presence := fakePresence{2: true}
	f.convs = NewConversationService(store, f.fanout, f.notifier, presence, policy).WithClock(f.clock.Now)
	f.msgs = NewMessageService(store, f.fanout, f.notifier, presence, f.audit, policy).WithClock(f.clock.Now)
	return f
}

func (f *fixture) group(t *testing.T, owner identity.Identity, members ...int64) models.Conversation {
	t.Helper()
	conv, created, err := f.convs.CreateConversation(f.ctx, owner, CreateConversationInput{
		Type:           models.ConversationGroup,
		Name:           "team",
		ParticipantIDs: members,
	})
	require.NoError(t, err)
	require.True(t, created)
	return conv
}

func (f *fixture) send(t *testing.T, actor identity.Identity, conversationID int64, content string) models.Message {
	t.Helper()
	res, err := f.msgs.SendMessage(f.ctx, actor, conversationID, SendMessageInput{Type: models.MessageText, Content: content})
	require.NoError(t, err)
	return res.Message
}

func (f *fixture) participant(t *testing.T, conversationID, userID int64) models.Participant {
	t.Helper()
	p, err := f.store.GetParticipant(f.ctx, conversationID, userID)
	require.NoError(t, err)
	return p
}
