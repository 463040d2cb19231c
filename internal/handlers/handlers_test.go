package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"messenger-service/internal/identity"
	"messenger-service/internal/middleware"
	"messenger-service/internal/mocks"
	"messenger-service/internal/models"
	"messenger-service/internal/presence"
	"messenger-service/internal/repositories/memstore"
	"messenger-service/internal/services"
	"messenger-service/internal/telemetry"
)

var (
	alice = identity.Identity{UserID: 1, DisplayName: "Alice"}
	bob   = identity.Identity{UserID: 2, DisplayName: "Bob"}
	carol = identity.Identity{UserID: 3, DisplayName: "Carol"}
)

type testServer struct {
	router   *gin.Engine
	presence *presence.Registry
	provider *mocks.ProviderMock
}

func setupRouter(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	ctx := context.Background()
	store := memstore.New()
	for _, u := range []models.User{
		{ID: 1, DisplayName: "Alice", Handle: "alice", IsActive: true},
		{ID: 2, DisplayName: "Bob", Handle: "bob", IsActive: true},
		{ID: 3, DisplayName: "Carol", Handle: "carol", IsActive: true},
	} {
		require.NoError(t, store.UpsertUser(ctx, u))
	}

	provider := new(mocks.ProviderMock)
	provider.On("Verify", mock.Anything, "alice").Return(alice, nil)
	provider.On("Verify", mock.Anything, "bob").Return(bob, nil)
	provider.On("Verify", mock.Anything, "carol").Return(carol, nil)
	provider.On("Verify", mock.Anything, mock.Anything).Return(nil, identity.ErrInvalidToken)

	policy := services.Policy{MaxParticipants: 10}
	convs := NewConversationHandler(services.NewConversationService(store, nil, nil, nil, policy))
	msgs := NewMessageHandler(services.NewMessageService(store, nil, nil, nil, nil, policy))
	reg := presence.NewRegistry()

	r := gin.New()
	r.Use(middleware.RequestID())
	authed := r.Group("/", middleware.AuthMiddleware(provider, nil))
	authed.POST("/conversations", convs.CreateConversation)
	authed.GET("/conversations", convs.ListConversations)
	authed.GET("/conversations/:conversation_id", convs.GetConversation)
	authed.PATCH("/conversations/:conversation_id", convs.UpdateConversation)
	authed.DELETE("/conversations/:conversation_id", convs.DeleteConversation)
	authed.POST("/conversations/:conversation_id/participants", convs.AddParticipant)
	authed.DELETE("/conversations/:conversation_id/participants/:user_id", convs.RemoveParticipant)
	authed.POST("/conversations/:conversation_id/invites", convs.CreateInvite)
	authed.GET("/invites", convs.ListInvites)
	authed.POST("/invites/:invite_id/accept", convs.AcceptInvite)
	authed.GET("/conversations/:conversation_id/messages", msgs.GetConversationMessages)
	authed.POST("/conversations/:conversation_id/messages", msgs.SendMessage)
	authed.DELETE("/conversations/:conversation_id/messages/:message_id", msgs.DeleteMessage)
	authed.PUT("/conversations/:conversation_id/messages/:message_id/pin", msgs.PinMessage)
	authed.POST("/conversations/:conversation_id/messages/:message_id/reactions", msgs.ToggleReaction)
	authed.POST("/conversations/:conversation_id/read", msgs.MarkConversationAsRead)
	authed.GET("/unread", msgs.UnreadCounts)
	authed.GET("/presence", NewPresenceHandler(reg).GetPresence)
	return &testServer{router: r, presence: reg, provider: provider}
}

func (s *testServer) do(t *testing.T, method, path, token, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var reader *bytes.Buffer
	if body != "" {
		reader = bytes.NewBufferString(body)
	} else {
		reader = &bytes.Buffer{}
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	var resp map[string]any
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	}
	return rec, resp
}

func TestRequiresBearer(t *testing.T) {
	s := setupRouter(t)
	rec, _ := s.do(t, http.MethodGet, "/conversations", "", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	rec, _ = s.do(t, http.MethodGet, "/conversations", "mallory", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestDirectConversationIsReused(t *testing.T) {
	s := setupRouter(t)
	rec, first := s.do(t, http.MethodPost, "/conversations", "alice", `{"type":"direct","participant_ids":[2]}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec, second := s.do(t, http.MethodPost, "/conversations", "bob", `{"type":"direct","participant_ids":[1]}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, first["conversation"].(map[string]any)["id"], second["conversation"].(map[string]any)["id"])
}

func TestCreateConversationValidation(t *testing.T) {
	s := setupRouter(t)
	rec, resp := s.do(t, http.MethodPost, "/conversations", "alice", `{"type":"group","participant_ids":[2]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.NotEmpty(t, resp["error"])

	rec, _ = s.do(t, http.MethodPost, "/conversations", "alice", `{"type":`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMessageFlow(t *testing.T) {
	s := setupRouter(t)
	rec, _ := s.do(t, http.MethodPost, "/conversations", "alice", `{"type":"group","name":"team","participant_ids":[2]}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec, sent := s.do(t, http.MethodPost, "/conversations/1/messages", "alice", `{"content":"hi @bob and @nobody"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	msg := sent["message"].(map[string]any)
	assert.Equal(t, []any{float64(2)}, msg["mentions"])
	assert.Equal(t, []any{"nobody"}, sent["unresolved_mentions"])

	rec, unread := s.do(t, http.MethodGet, "/unread", "bob", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), unread["total"])

	rec, read := s.do(t, http.MethodPost, "/conversations/1/read", "bob", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(0), read["unread_count"])

	rec, toggled := s.do(t, http.MethodPost, "/conversations/1/messages/1/reactions", "bob", `{"reaction_type":"like"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), toggled["reactions_count"])

	rec, _ = s.do(t, http.MethodPut, "/conversations/1/messages/1/pin", "bob", `{"pinned":true}`)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec, _ = s.do(t, http.MethodGet, "/conversations/1/messages?limit=10", "carol", "")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec, page := s.do(t, http.MethodGet, "/conversations/1/messages?limit=10", "bob", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, page["messages"], 1)
}

func TestDeletedMessageIsRedacted(t *testing.T) {
	s := setupRouter(t)
	s.do(t, http.MethodPost, "/conversations", "alice", `{"type":"group","name":"team","participant_ids":[2]}`)
	s.do(t, http.MethodPost, "/conversations/1/messages", "alice", `{"content":"secret"}`)

	rec, _ := s.do(t, http.MethodDelete, "/conversations/1/messages/1", "bob", "")
	assert.Equal(t, http.StatusForbidden, rec.Code)
	rec, _ = s.do(t, http.MethodDelete, "/conversations/1/messages/1", "alice", "")
	require.Equal(t, http.StatusNoContent, rec.Code)

	_, page := s.do(t, http.MethodGet, "/conversations/1/messages", "bob", "")
	msgs := page["messages"].([]any)
	require.Len(t, msgs, 1)
	assert.Equal(t, true, msgs[0].(map[string]any)["is_deleted"])
	assert.Empty(t, msgs[0].(map[string]any)["content"])
}

func TestInviteAccept(t *testing.T) {
	s := setupRouter(t)
	s.do(t, http.MethodPost, "/conversations", "alice", `{"type":"group","name":"team","participant_ids":[2]}`)

	rec, created := s.do(t, http.MethodPost, "/conversations/1/invites", "alice", `{"invitee_id":3,"message":"join us"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	inviteID := created["invite"].(map[string]any)["id"]

	rec, listed := s.do(t, http.MethodGet, "/invites?status=pending", "carol", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, listed["invites"], 1)

	rec, _ = s.do(t, http.MethodPost, "/invites/1/accept", "bob", "")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec, accepted := s.do(t, http.MethodPost, "/invites/1/accept", "carol", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, inviteID, accepted["invite"].(map[string]any)["id"])
	assert.Equal(t, "accepted", accepted["invite"].(map[string]any)["status"])

	rec, _ = s.do(t, http.MethodGet, "/conversations/1", "carol", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestInvalidPathParam(t *testing.T) {
	s := setupRouter(t)
	rec, resp := s.do(t, http.MethodGet, "/conversations/abc", "alice", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid conversation_id", resp["error"])

	rec, _ = s.do(t, http.MethodGet, "/conversations/99", "alice", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetPresence(t *testing.T) {
	s := setupRouter(t)
	s.presence.Register(2, "c1")

	rec, resp := s.do(t, http.MethodGet, "/presence?user_ids=1,2", "alice", "")
	require.Equal(t, http.StatusOK, rec.Code)
	entries := resp["presence"].([]any)
	require.Len(t, entries, 2)
	assert.Equal(t, "offline", entries[0].(map[string]any)["status"])
	assert.Equal(t, "online", entries[1].(map[string]any)["status"])

	rec, _ = s.do(t, http.MethodGet, "/presence?user_ids=x", "alice", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealth(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	down := false
	h := NewHealthHandler("messenger-service", map[string]HealthCheck{
		"db": func(context.Context) error {
			if down {
				return errors.New("down")
			}
			return nil
		},
	}, func() int { return 4 })
	r.GET("/healthz", h.Health)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"online_users":4`)

	down = true
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestDebugAuditRoute(t *testing.T) {
	s := setupRouter(t)
	publisher := new(mocks.PublisherMock)
	publisher.On("Publish", mock.Anything, "audit.messenger", mock.MatchedBy(func(env telemetry.AuditEnvelope) bool {
		return env.Payload.Action == "debug.audit_test" && env.Payload.Text == "ping" &&
			env.Payload.ConversationID == 7 && env.UserID != nil && *env.UserID == "1"
	})).Return(nil).Once()
	authed := s.router.Group("/", middleware.AuthMiddleware(s.provider, nil))
	RegisterDebugRoutes(authed, telemetry.NewAuditEmitter(publisher, "audit.messenger", "messenger", "test"), true)

	rec, resp := s.do(t, http.MethodGet, "/debug/audit-test?text=ping&conversation_id=7", "alice", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", resp["status"])
	assert.Equal(t, rec.Header().Get("X-Request-ID"), resp["request_id"])
	publisher.AssertExpectations(t)

	rec, _ = s.do(t, http.MethodGet, "/debug/audit-test?conversation_id=x", "alice", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec, _ = s.do(t, http.MethodGet, "/debug/audit-test", "", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestDebugRoutesDisabled(t *testing.T) {
	s := setupRouter(t)
	RegisterDebugRoutes(s.router, nil, false)
	req := httptest.NewRequest(http.MethodGet, "/debug/audit-test", nil)
	req.Header.Set("Authorization", "Bearer alice")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
