package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"golang.org/x/time/rate"

	"messenger-service/internal/apperr"
	"messenger-service/internal/calls"
	"messenger-service/internal/identity"
	"messenger-service/internal/middleware"
	"messenger-service/internal/models"
	"messenger-service/internal/observability"
	"messenger-service/internal/presence"
	"messenger-service/internal/services"
	"messenger-service/internal/typing"
)

const (
	KindChat          = "chat"
	KindNotifications = "notifications"
)

// Conversations is what the gateways need from the conversation manager.
type Conversations interface {
	EnsureParticipant(ctx context.Context, conversationID, userID int64) error
	ActiveConversationIDs(ctx context.Context, userID int64) ([]int64, error)
	ActiveParticipantIDs(ctx context.Context, conversationID int64) ([]int64, error)
}

// Messages is what the gateways need from the message pipeline.
type Messages interface {
	SendMessage(ctx context.Context, actor identity.Identity, conversationID int64, in services.SendMessageInput) (services.MessageResult, error)
	MarkMessageAsRead(ctx context.Context, actor identity.Identity, conversationID, messageID int64) (models.ReadState, error)
	MarkConversationAsRead(ctx context.Context, actor identity.Identity, conversationID int64) (models.ReadState, error)
	MarkDelivered(ctx context.Context, actor identity.Identity, conversationID int64, messageIDs []int64) ([]int64, error)
	ToggleReaction(ctx context.Context, actor identity.Identity, conversationID, messageID int64, reactionType models.ReactionType) (models.ToggleOutcome, error)
	UnreadCounts(ctx context.Context, userID int64) (map[int64]int, int, error)
}

// PresenceMirror shares presence between nodes.
type PresenceMirror interface {
	// Track adds delta to the user's connection count across all nodes and
	// reports whether the count crossed zero: 0 to 1 on connect, 1 to 0 on disconnect.
	Track(ctx context.Context, e presence.Entry, delta int) (bool, error)
	// Store publishes a status change; failures are the mirror's to log.
	Store(ctx context.Context, e presence.Entry)
}

// Deps are shared by both gateways.
type Deps struct {
	Hub           *Hub
	Provider      identity.Provider
	Observer      middleware.IdentityObserver
	Presence      *presence.Registry
	Typing        *typing.Tracker
	Calls         *calls.Registry
	Conversations Conversations
	Messages      Messages
	Mirror        PresenceMirror
	RateLimit     float64
	Burst         int
}

// Gateway serves one socket endpoint.
type Gateway struct {
	Deps
	kind string
}

func NewChatGateway(deps Deps) *Gateway {
	return &Gateway{Deps: deps, kind: KindChat}
}

func NewNotificationGateway(deps Deps) *Gateway {
	return &Gateway{Deps: deps, kind: KindNotifications}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Handle authenticates, upgrades the connection and runs its read loop.
func (g *Gateway) Handle(c *gin.Context) {
	ctx, span := otel.Tracer("messenger-service/ws").Start(c.Request.Context(), "ws.handshake")
	defer span.End()
	c.Request = c.Request.WithContext(ctx)

	token, ok := middleware.BearerToken(c.Request)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing token"})
		return
	}
	id, err := g.Provider.Verify(ctx, token)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}
	if g.Observer != nil {
		g.Observer.Observe(ctx, id)
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	requestID := observability.RequestIDFromRequest(c.Request)
	info := ConnInfo{
		ConnID:      newConnID(),
		Kind:        g.kind,
		UserID:      id.UserID,
		DeviceID:    observability.DeviceIDFromRequest(c.Request),
		IP:          observability.IPFromRequest(c.Request),
		RequestID:   requestID,
		TraceID:     observability.TraceIDFromContext(ctx),
		ConnectedAt: time.Now(),
	}
	client := NewClient(conn, info, g.limiter())
	// the request context ends with the handler; the socket outlives it
	connCtx := observability.WithRequestID(context.Background(), requestID)
	g.Connect(connCtx, client, id)

	go func() {
		var closeReason string
		defer func() {
			g.Disconnect(connCtx, client, id, closeReason)
			conn.Close()
		}()
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				closeReason = err.Error()
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					publishLifecycle(connCtx, info, "ws_error", closeReason)
				}
				return
			}
			g.HandleCommand(connCtx, client, id, raw)
		}
	}()
}

func (g *Gateway) limiter() *rate.Limiter {
	if g.RateLimit <= 0 {
		return nil
	}
	burst := g.Burst
	if burst <= 0 {
		burst = int(g.RateLimit)
	}
	return rate.NewLimiter(rate.Limit(g.RateLimit), burst)
}

// Connect registers the client, joins its standing rooms, applies the
// presence transition and pushes the initial snapshot to this socket only.
func (g *Gateway) Connect(ctx context.Context, c *Client, id identity.Identity) {
	g.Hub.Register(c)
	if id.Department != "" {
		g.Hub.Join(c, models.DepartmentRoom(id.Department))
	}
	for _, role := range id.Roles {
		g.Hub.Join(c, models.RoleRoom(role))
	}

	first, entry := g.Presence.Register(id.UserID, c.info.ConnID)
	observability.SetOnlineUsers(g.Presence.OnlineCount())
	if g.clusterEdge(ctx, entry, 1, first) {
		g.broadcastPresence(entry)
	}

	if err := c.Send(models.NewEvent(models.EventSnapshot, g.snapshot(ctx, id.UserID, entry))); err != nil {
		observability.LoggerFromContext(ctx).Warn("snapshot write failed", "conn_id", c.info.ConnID, "error", err)
	}

	observability.IncWSActive(g.kind)
	publishLifecycle(ctx, c.info, "ws_connect", "")
}

func (g *Gateway) snapshot(ctx context.Context, userID int64, entry presence.Entry) any {
	log := observability.LoggerFromContext(ctx)
	if g.kind == KindNotifications {
		snap := UnreadSnapshot{UserID: userID, Unread: map[int64]int{}}
		unread, total, err := g.Messages.UnreadCounts(ctx, userID)
		if err != nil {
			log.Warn("unread snapshot failed", "user_id", userID, "error", err)
			return snap
		}
		snap.Unread, snap.Total = unread, total
		return snap
	}

	snap := ChatSnapshot{UserID: userID, Status: string(entry.Status), Calls: []calls.Session{}, JoinedAt: entry.LastSeen.Format(time.RFC3339)}
	convIDs, err := g.Conversations.ActiveConversationIDs(ctx, userID)
	if err != nil {
		log.Warn("call snapshot failed", "user_id", userID, "error", err)
		return snap
	}
	if active := g.Calls.Active(convIDs); len(active) > 0 {
		snap.Calls = active
	}
	return snap
}

// Disconnect leaves every room. The user's last connection on this node stops
// their typing and drops them from calls; offline is broadcast only once the
// user has no connection left on any node.
func (g *Gateway) Disconnect(ctx context.Context, c *Client, id identity.Identity, reason string) {
	g.Hub.Unregister(c)
	last, entry := g.Presence.Unregister(id.UserID, c.info.ConnID)
	observability.SetOnlineUsers(g.Presence.OnlineCount())
	if g.clusterEdge(ctx, entry, -1, last) {
		g.broadcastPresence(entry)
	}
	if last {
		for _, convID := range g.Typing.StopAll(id.UserID) {
			g.Hub.ToRoomExcept(models.ConversationRoom(convID), id.UserID, models.NewEvent(models.EventTypingStop,
				models.TypingEvent{ConversationID: convID, UserID: id.UserID, Reason: "disconnect"}))
		}
		for _, out := range g.Calls.Leave(id.UserID) {
			DeliverCall(g.Hub, out)
		}
	}
	observability.DecWSActive(g.kind)
	publishLifecycle(ctx, c.info, "ws_disconnect", reason)
}

// clusterEdge decides whether a connect or disconnect changes the user's
// presence. Without a mirror, or when it fails, the local transition stands.
func (g *Gateway) clusterEdge(ctx context.Context, e presence.Entry, delta int, local bool) bool {
	if g.Mirror == nil {
		return local
	}
	edge, err := g.Mirror.Track(ctx, e, delta)
	if err != nil {
		observability.LoggerFromContext(ctx).Warn("presence count update failed", "user_id", e.UserID, "error", err)
		return local
	}
	return edge
}

func (g *Gateway) broadcastPresence(e presence.Entry) {
	g.Hub.ToAll(models.NewEvent(models.EventPresenceChanged, models.PresenceEvent{
		UserID:   e.UserID,
		Status:   string(e.Status),
		LastSeen: e.LastSeen,
	}))
}

// HandleCommand decodes and applies one inbound frame. Failures are answered to this socket only.
func (g *Gateway) HandleCommand(ctx context.Context, c *Client, id identity.Identity, raw []byte) {
	var in Inbound
	if err := json.Unmarshal(raw, &in); err != nil || in.Type == "" {
		g.replyError(ctx, c, in.RequestID, CodeBadRequest, "malformed command")
		return
	}
	if !c.Allow() {
		g.replyError(ctx, c, in.RequestID, CodeRateLimited, "too many commands")
		return
	}
	observability.IncWSEvent(g.kind, in.Type)

	result, err := g.dispatch(ctx, c, id, in)
	if err != nil {
		var cmdErr *commandError
		if errors.As(err, &cmdErr) {
			g.replyError(ctx, c, in.RequestID, cmdErr.code, cmdErr.message)
			return
		}
		var syntax *json.SyntaxError
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &syntax) || errors.As(err, &typeErr) {
			g.replyError(ctx, c, in.RequestID, CodeBadRequest, "malformed command data")
			return
		}
		kind := apperr.KindOf(err)
		if kind == apperr.KindInternal {
			observability.LoggerFromContext(ctx).Error("socket command failed", "type", in.Type, "user_id", id.UserID, "error", err)
		}
		g.replyError(ctx, c, in.RequestID, kind.String(), apperr.Message(err))
		return
	}
	if err := c.Send(models.NewEvent(models.EventAck, Ack{RequestID: in.RequestID, Type: in.Type, Result: result})); err != nil {
		observability.LoggerFromContext(ctx).Warn("ack write failed", "conn_id", c.info.ConnID, "error", err)
	}
}

func (g *Gateway) replyError(ctx context.Context, c *Client, requestID, code, message string) {
	err := c.Send(models.NewEvent(models.EventError, models.ErrorEvent{RequestID: requestID, Code: code, Message: message}))
	if err != nil {
		observability.LoggerFromContext(ctx).Warn("error write failed", "conn_id", c.info.ConnID, "error", err)
	}
}
