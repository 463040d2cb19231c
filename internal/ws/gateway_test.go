package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"messenger-service/internal/apperr"
	"messenger-service/internal/calls"
	"messenger-service/internal/identity"
	"messenger-service/internal/mocks"
	"messenger-service/internal/models"
	"messenger-service/internal/observability"
	"messenger-service/internal/presence"
	"messenger-service/internal/typing"
)

type gatewayFixture struct {
	hub   *Hub
	convs *mocks.ConversationsMock
	msgs  *mocks.MessagesMock
	deps  Deps
}

func newGatewayFixture() *gatewayFixture {
	hub := NewHub()
	convs := new(mocks.ConversationsMock)
	msgs := new(mocks.MessagesMock)
	return &gatewayFixture{
		hub:   hub,
		convs: convs,
		msgs:  msgs,
		deps: Deps{
			Hub:           hub,
			Presence:      presence.NewRegistry(),
			Typing:        typing.NewTracker(time.Minute),
			Calls:         calls.NewRegistry(0, nil),
			Conversations: convs,
			Messages:      msgs,
		},
	}
}

func (f *gatewayFixture) connect(g *Gateway, connID string, userID int64) (*Client, *fakeConn) {
	c, conn := newTestClient(connID, userID)
	c.info.Kind = g.kind
	g.Connect(context.Background(), c, identity.Identity{UserID: userID})
	return c, conn
}

func command(t *testing.T, typ, requestID string, data any) []byte {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	out, err := json.Marshal(Inbound{Type: typ, RequestID: requestID, Data: raw})
	require.NoError(t, err)
	return out
}

func lastError(t *testing.T, conn *fakeConn) models.ErrorEvent {
	t.Helper()
	events := conn.events()
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	require.Equal(t, models.EventError, last.Event)
	var ev models.ErrorEvent
	require.NoError(t, json.Unmarshal(last.Data, &ev))
	return ev
}

func TestPresenceBroadcastOnlyOnFirstAndLastConnection(t *testing.T) {
	f := newGatewayFixture()
	f.convs.On("ActiveConversationIDs", mock.Anything, mock.Anything).Return([]int64{}, nil)
	g := NewChatGateway(f.deps)

	_, watcher := f.connect(g, "w", 2)
	watcher.reset()

	first, firstConn := f.connect(g, "a1", 1)
	assert.Equal(t, []string{models.EventPresenceChanged}, watcher.names())
	assert.Equal(t, []string{models.EventPresenceChanged, models.EventSnapshot}, firstConn.names())

	second, _ := f.connect(g, "a2", 1)
	assert.Len(t, watcher.names(), 1)

	g.Disconnect(context.Background(), first, identity.Identity{UserID: 1}, "")
	assert.Len(t, watcher.names(), 1)
	assert.True(t, f.deps.Presence.IsOnline(1))

	g.Disconnect(context.Background(), second, identity.Identity{UserID: 1}, "")
	events := watcher.events()
	require.Len(t, events, 2)
	var ev models.PresenceEvent
	require.NoError(t, json.Unmarshal(events[1].Data, &ev))
	assert.Equal(t, int64(1), ev.UserID)
	assert.Equal(t, string(presence.StatusOffline), ev.Status)
	assert.False(t, f.deps.Presence.IsOnline(1))
}

func TestChatSnapshotListsActiveCalls(t *testing.T) {
	f := newGatewayFixture()
	f.convs.On("ActiveConversationIDs", mock.Anything, int64(1)).Return([]int64{4}, nil)
	_, err := f.deps.Calls.Handle(calls.Command{Action: calls.ActionStart, ConversationID: 4, UserID: 2, Type: calls.TypeVoice})
	require.NoError(t, err)
	g := NewChatGateway(f.deps)

	_, conn := f.connect(g, "a", 1)
	events := conn.events()
	require.Len(t, events, 2)
	var snap ChatSnapshot
	require.NoError(t, json.Unmarshal(events[1].Data, &snap))
	require.Len(t, snap.Calls, 1)
	assert.Equal(t, int64(4), snap.Calls[0].ConversationID)
}

func TestNotificationSnapshotCarriesUnreadCounts(t *testing.T) {
	f := newGatewayFixture()
	f.msgs.On("UnreadCounts", mock.Anything, int64(1)).Return(map[int64]int{3: 2, 8: 1}, 3, nil)
	g := NewNotificationGateway(f.deps)

	_, conn := f.connect(g, "n", 1)
	events := conn.events()
	require.Len(t, events, 2)
	var snap UnreadSnapshot
	require.NoError(t, json.Unmarshal(events[1].Data, &snap))
	assert.Equal(t, 3, snap.Total)
	assert.Equal(t, 2, snap.Unread[3])
}

func TestNotificationGatewayRejectsChatCommands(t *testing.T) {
	f := newGatewayFixture()
	f.msgs.On("UnreadCounts", mock.Anything, mock.Anything).Return(map[int64]int{}, 0, nil)
	g := NewNotificationGateway(f.deps)
	c, conn := f.connect(g, "n", 1)

	g.HandleCommand(context.Background(), c, identity.Identity{UserID: 1}, command(t, CmdTypingStart, "r1", conversationData{ConversationID: 3}))
	ev := lastError(t, conn)
	assert.Equal(t, CodeUnsupported, ev.Code)
	assert.Equal(t, "r1", ev.RequestID)
}

func TestTypingStartAndDisconnectStop(t *testing.T) {
	f := newGatewayFixture()
	f.convs.On("ActiveConversationIDs", mock.Anything, mock.Anything).Return([]int64{}, nil)
	f.convs.On("EnsureParticipant", mock.Anything, int64(3), mock.Anything).Return(nil)
	g := NewChatGateway(f.deps)

	typist, typistConn := f.connect(g, "t", 1)
	reader, readerConn := f.connect(g, "r", 2)
	g.HandleCommand(context.Background(), reader, identity.Identity{UserID: 2}, command(t, CmdConversationJoin, "j", conversationData{ConversationID: 3}))
	readerConn.reset()
	typistConn.reset()

	g.HandleCommand(context.Background(), typist, identity.Identity{UserID: 1}, command(t, CmdTypingStart, "s1", conversationData{ConversationID: 3}))
	g.HandleCommand(context.Background(), typist, identity.Identity{UserID: 1}, command(t, CmdTypingStart, "s2", conversationData{ConversationID: 3}))
	assert.Equal(t, []string{models.EventTypingStart}, readerConn.names())
	assert.Equal(t, []string{models.EventAck, models.EventAck}, typistConn.names())
	assert.Equal(t, []int64{1}, f.deps.Typing.Typing(3))

	g.Disconnect(context.Background(), typist, identity.Identity{UserID: 1}, "")
	events := readerConn.events()
	var stop models.TypingEvent
	for _, e := range events {
		if e.Event == models.EventTypingStop {
			require.NoError(t, json.Unmarshal(e.Data, &stop))
		}
	}
	assert.Equal(t, "disconnect", stop.Reason)
	assert.Empty(t, f.deps.Typing.Typing(3))
}

func TestJoinRejectedForNonParticipant(t *testing.T) {
	f := newGatewayFixture()
	f.convs.On("ActiveConversationIDs", mock.Anything, mock.Anything).Return([]int64{}, nil)
	f.convs.On("EnsureParticipant", mock.Anything, int64(5), int64(1)).Return(apperr.Forbidden("not a participant"))
	g := NewChatGateway(f.deps)
	c, conn := f.connect(g, "a", 1)

	g.HandleCommand(context.Background(), c, identity.Identity{UserID: 1}, command(t, CmdConversationJoin, "j", conversationData{ConversationID: 5}))
	ev := lastError(t, conn)
	assert.Equal(t, "forbidden", ev.Code)
	assert.False(t, f.hub.InRoom(1, models.ConversationRoom(5)))
}

func TestUnknownCallAnsweredToCallerOnly(t *testing.T) {
	f := newGatewayFixture()
	f.convs.On("ActiveConversationIDs", mock.Anything, mock.Anything).Return([]int64{}, nil)
	g := NewChatGateway(f.deps)
	caller, callerConn := f.connect(g, "a", 1)
	_, otherConn := f.connect(g, "b", 2)
	otherConn.reset()

	g.HandleCommand(context.Background(), caller, identity.Identity{UserID: 1}, command(t, CmdCallAccept, "c1", callData{CallID: "missing"}))
	ev := lastError(t, callerConn)
	assert.Equal(t, "not_found", ev.Code)
	assert.Equal(t, "c1", ev.RequestID)
	assert.Empty(t, otherConn.names())
}

func TestCallStartRingsOtherParticipants(t *testing.T) {
	f := newGatewayFixture()
	f.convs.On("ActiveConversationIDs", mock.Anything, mock.Anything).Return([]int64{}, nil)
	f.convs.On("EnsureParticipant", mock.Anything, int64(6), mock.Anything).Return(nil)
	f.convs.On("ActiveParticipantIDs", mock.Anything, int64(6)).Return([]int64{1, 2}, nil)
	g := NewChatGateway(f.deps)
	caller, callerConn := f.connect(g, "a", 1)
	callee, calleeConn := f.connect(g, "b", 2)
	g.HandleCommand(context.Background(), caller, identity.Identity{UserID: 1}, command(t, CmdConversationJoin, "j1", conversationData{ConversationID: 6}))
	g.HandleCommand(context.Background(), callee, identity.Identity{UserID: 2}, command(t, CmdConversationJoin, "j2", conversationData{ConversationID: 6}))
	callerConn.reset()
	calleeConn.reset()

	g.HandleCommand(context.Background(), caller, identity.Identity{UserID: 1}, command(t, CmdCallStart, "s", callData{ConversationID: 6, Type: calls.TypeVideo}))
	assert.Equal(t, []string{models.EventAck}, callerConn.names())
	events := calleeConn.events()
	require.Len(t, events, 1)
	assert.Equal(t, models.EventCallIncoming, events[0].Event)
	var incoming calls.Event
	require.NoError(t, json.Unmarshal(events[0].Data, &incoming))
	assert.Equal(t, []int64{2}, incoming.Invitees)

	g.HandleCommand(context.Background(), callee, identity.Identity{UserID: 2}, command(t, CmdCallDecline, "d", callData{CallID: incoming.ID}))
	assert.Contains(t, callerConn.names(), models.EventCallDeclined)
	_, active := f.deps.Calls.Get(incoming.ID)
	assert.False(t, active)
}

func TestRateLimitedCommands(t *testing.T) {
	f := newGatewayFixture()
	g := NewChatGateway(f.deps)
	conn := &fakeConn{}
	c := NewClient(conn, ConnInfo{ConnID: "x", Kind: KindChat, UserID: 1}, rate.NewLimiter(rate.Every(time.Hour), 1))
	f.hub.Register(c)
	f.deps.Presence.Register(1, "x")

	g.HandleCommand(context.Background(), c, identity.Identity{UserID: 1}, command(t, CmdPresenceUpdate, "p1", presenceData{Status: "away"}))
	g.HandleCommand(context.Background(), c, identity.Identity{UserID: 1}, command(t, CmdPresenceUpdate, "p2", presenceData{Status: "busy"}))

	assert.Contains(t, conn.names(), models.EventAck)
	ev := lastError(t, conn)
	assert.Equal(t, CodeRateLimited, ev.Code)
	assert.Equal(t, presence.StatusAway, f.deps.Presence.Get(1).Status)
}

func TestMalformedCommand(t *testing.T) {
	f := newGatewayFixture()
	g := NewChatGateway(f.deps)
	c, conn := newTestClient("x", 1)
	f.hub.Register(c)

	g.HandleCommand(context.Background(), c, identity.Identity{UserID: 1}, []byte("{not json"))
	assert.Equal(t, CodeBadRequest, lastError(t, conn).Code)

	g.HandleCommand(context.Background(), c, identity.Identity{UserID: 1}, []byte(`{"type":"presence.update","data":{"status":"sleeping"}}`))
	assert.Equal(t, "validation_error", lastError(t, conn).Code)
}

func TestTypingExpiredBroadcast(t *testing.T) {
	hub := NewHub()
	c, conn := newTestClient("r", 2)
	hub.Register(c)
	hub.Join(c, models.ConversationRoom(3))

	TypingExpired(hub)([]typing.Entry{{ConversationID: 3, UserID: 1}})
	events := conn.events()
	require.Len(t, events, 1)
	var ev models.TypingEvent
	require.NoError(t, json.Unmarshal(events[0].Data, &ev))
	assert.Equal(t, "expired", ev.Reason)
}

func TestHandshake(t *testing.T) {
	gin.SetMode(gin.TestMode)
	f := newGatewayFixture()
	f.convs.On("ActiveConversationIDs", mock.Anything, int64(1)).Return([]int64{}, nil)
	provider := new(mocks.ProviderMock)
	provider.On("Verify", mock.Anything, "good").Return(identity.Identity{UserID: 1}, nil)
	provider.On("Verify", mock.Anything, mock.Anything).Return(nil, identity.ErrInvalidToken)
	f.deps.Provider = provider

	router := gin.New()
	router.GET("/ws/chat", NewChatGateway(f.deps).Handle)

	t.Run("missing token", func(t *testing.T) {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ws/chat", nil))
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})
	t.Run("invalid token", func(t *testing.T) {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ws/chat?token=bad", nil))
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})
	t.Run("upgrade", func(t *testing.T) {
		srv := httptest.NewServer(router)
		defer srv.Close()
		url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/chat?token=good"
		conn, _, err := websocket.DefaultDialer.Dial(url, nil)
		require.NoError(t, err)

		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		seen := map[string]bool{}
		for i := 0; i < 2; i++ {
			var fr frame
			require.NoError(t, conn.ReadJSON(&fr))
			seen[fr.Event] = true
		}
		assert.True(t, seen[models.EventSnapshot])
		assert.True(t, f.deps.Presence.IsOnline(1))

		require.NoError(t, conn.Close())
		assert.Eventually(t, func() bool { return !f.deps.Presence.IsOnline(1) }, 2*time.Second, 10*time.Millisecond)
	})
}

func TestLifecycleEventsPublished(t *testing.T) {
	pub := new(mocks.PublisherMock)
	observability.SetPublisher(pub)
	t.Cleanup(func() { observability.SetPublisher(nil) })

	lifecycle := func(event string) any {
		return mock.MatchedBy(func(env observability.EventEnvelope) bool { return env.EventName == event })
	}
	pub.On("PublishJSON", mock.Anything, "ws_events.chat", lifecycle("ws_connect"), mock.Anything).Return(nil).Once()
	pub.On("PublishJSON", mock.Anything, "ws_events.chat", lifecycle("ws_disconnect"), mock.Anything).Return(nil).Once()

	f := newGatewayFixture()
	f.convs.On("ActiveConversationIDs", mock.Anything, mock.Anything).Return([]int64{}, nil)
	g := NewChatGateway(f.deps)
	c, _ := f.connect(g, "a", 1)
	g.Disconnect(context.Background(), c, identity.Identity{UserID: 1}, "closed")

	pub.AssertExpectations(t)
}

func TestLastDisconnectEndsOrphanedCall(t *testing.T) {
	f := newGatewayFixture()
	f.convs.On("ActiveConversationIDs", mock.Anything, mock.Anything).Return([]int64{}, nil)
	f.convs.On("EnsureParticipant", mock.Anything, int64(9), mock.Anything).Return(nil)
	f.convs.On("ActiveParticipantIDs", mock.Anything, int64(9)).Return([]int64{1, 2}, nil)
	g := NewChatGateway(f.deps)
	caller, callerConn := f.connect(g, "a", 1)
	callee, _ := f.connect(g, "b", 2)
	for _, c := range []*Client{caller, callee} {
		g.HandleCommand(context.Background(), c, identity.Identity{UserID: c.info.UserID}, command(t, CmdConversationJoin, "j", conversationData{ConversationID: 9}))
	}

	g.HandleCommand(context.Background(), caller, identity.Identity{UserID: 1}, command(t, CmdCallStart, "s", callData{ConversationID: 9, Type: calls.TypeVoice}))
	active := f.deps.Calls.Active([]int64{9})
	require.Len(t, active, 1)
	g.HandleCommand(context.Background(), callee, identity.Identity{UserID: 2}, command(t, CmdCallAccept, "a", callData{CallID: active[0].ID}))
	callerConn.reset()

	g.Disconnect(context.Background(), callee, identity.Identity{UserID: 2}, "")
	events := callerConn.events()
	require.NotEmpty(t, events)
	ended := events[len(events)-1]
	require.Equal(t, models.EventCallEnded, ended.Event)
	var ev calls.Event
	require.NoError(t, json.Unmarshal(ended.Data, &ev))
	assert.Equal(t, calls.ReasonDisconnect, ev.Reason)
	assert.Equal(t, int64(2), ev.ActorID)

	g.Disconnect(context.Background(), caller, identity.Identity{UserID: 1}, "")
	_, stillThere := f.deps.Calls.Get(active[0].ID)
	assert.False(t, stillThere)
	_, err := f.deps.Calls.Handle(calls.Command{Action: calls.ActionStart, ConversationID: 9, UserID: 1, Type: calls.TypeVoice})
	assert.NoError(t, err)
}

func TestCallSurvivesWhileUserHasAnotherConnection(t *testing.T) {
	f := newGatewayFixture()
	f.convs.On("ActiveConversationIDs", mock.Anything, mock.Anything).Return([]int64{}, nil)
	g := NewChatGateway(f.deps)
	phone, _ := f.connect(g, "phone", 1)
	f.connect(g, "laptop", 1)
	out, err := f.deps.Calls.Handle(calls.Command{Action: calls.ActionStart, ConversationID: 2, UserID: 1, Type: calls.TypeVideo, Invitees: []int64{3}})
	require.NoError(t, err)

	g.Disconnect(context.Background(), phone, identity.Identity{UserID: 1}, "")
	_, ok := f.deps.Calls.Get(out.Payload.ID)
	assert.True(t, ok)
}

// clusterCounts stands in for the shared Redis presence hashes.
type clusterCounts struct {
	mu     sync.Mutex
	counts map[int64]int
}

func (m *clusterCounts) Track(_ context.Context, e presence.Entry, delta int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := max(m.counts[e.UserID]+delta, 0)
	m.counts[e.UserID] = n
	if delta > 0 {
		return n == 1, nil
	}
	return n == 0, nil
}

func (m *clusterCounts) Store(context.Context, presence.Entry) {}

// linkedRelay hands every emission straight to a peer node's hub.
type linkedRelay struct {
	peer *Hub
}

func (r *linkedRelay) Publish(_ context.Context, env Envelope) error {
	r.peer.DeliverLocal(env)
	return nil
}

func TestPresenceAcrossNodesFollowsClusterCount(t *testing.T) {
	shared := &clusterCounts{counts: map[int64]int{}}
	nodeA, nodeB := newGatewayFixture(), newGatewayFixture()
	for _, f := range []*gatewayFixture{nodeA, nodeB} {
		f.convs.On("ActiveConversationIDs", mock.Anything, mock.Anything).Return([]int64{}, nil)
		f.deps.Mirror = shared
	}
	nodeA.hub.SetRelay(&linkedRelay{peer: nodeB.hub})
	nodeB.hub.SetRelay(&linkedRelay{peer: nodeA.hub})
	gA, gB := NewChatGateway(nodeA.deps), NewChatGateway(nodeB.deps)

	_, watcher := nodeB.connect(gB, "w", 2)
	watcher.reset()

	onA, _ := nodeA.connect(gA, "a", 1)
	assert.Equal(t, []string{models.EventPresenceChanged}, watcher.names())

	onB, _ := nodeB.connect(gB, "b", 1)
	assert.Len(t, watcher.names(), 1)

	gA.Disconnect(context.Background(), onA, identity.Identity{UserID: 1}, "")
	assert.Len(t, watcher.names(), 1)
	assert.False(t, nodeA.deps.Presence.IsOnline(1))
	assert.True(t, nodeB.deps.Presence.IsOnline(1))

	gB.Disconnect(context.Background(), onB, identity.Identity{UserID: 1}, "")
	events := watcher.events()
	require.Len(t, events, 2)
	var ev models.PresenceEvent
	require.NoError(t, json.Unmarshal(events[1].Data, &ev))
	assert.Equal(t, string(presence.StatusOffline), ev.Status)
}

func TestPresenceFallsBackToLocalWhenMirrorFails(t *testing.T) {
	f := newGatewayFixture()
	f.convs.On("ActiveConversationIDs", mock.Anything, mock.Anything).Return([]int64{}, nil)
	mirror := new(mocks.PresenceMirrorMock)
	mirror.On("Track", mock.Anything, mock.Anything, 1).Return(false, errors.New("redis down"))
	mirror.On("Store", mock.Anything, mock.MatchedBy(func(e presence.Entry) bool { return e.Status == presence.StatusAway })).Return()
	f.deps.Mirror = mirror
	g := NewChatGateway(f.deps)

	c, conn := f.connect(g, "a", 1)
	assert.Equal(t, []string{models.EventPresenceChanged, models.EventSnapshot}, conn.names())

	g.HandleCommand(context.Background(), c, identity.Identity{UserID: 1}, command(t, CmdPresenceUpdate, "p", presenceData{Status: "away"}))
	mirror.AssertExpectations(t)
}
