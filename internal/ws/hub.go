package ws

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"messenger-service/internal/models"
	"messenger-service/internal/observability"
)

// writeWait bounds a single frame write so a stalled peer cannot hold up a fan-out.
const writeWait = 10 * time.Second

// Conn is the part of *websocket.Conn the hub needs.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Client is one live socket.
type Client struct {
	info    ConnInfo
	conn    Conn
	limiter *rate.Limiter

	writeMu sync.Mutex
	// rooms is guarded by Hub.mu
	rooms map[string]struct{}
}

// NewClient wraps conn; a nil limiter disables flood control.
func NewClient(conn Conn, info ConnInfo, limiter *rate.Limiter) *Client {
	return &Client{info: info, conn: conn, limiter: limiter, rooms: map[string]struct{}{}}
}

func (c *Client) Info() ConnInfo {
	return c.info
}

// Allow reports whether the client may issue another command now.
func (c *Client) Allow() bool {
	return c.limiter == nil || c.limiter.Allow()
}

// Send writes ev to this client only.
func (c *Client) Send(ev models.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return c.write(payload)
}

func (c *Client) write(payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, payload)
}

// Envelope is one emission as shipped between nodes.
type Envelope struct {
	Room         string          `json:"room,omitempty"`
	ExceptUserID int64           `json:"except_user_id,omitempty"`
	All          bool            `json:"all,omitempty"`
	RemoveUserID int64           `json:"remove_user_id,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
}

// Relay forwards emissions to the other nodes.
type Relay interface {
	Publish(ctx context.Context, env Envelope) error
}

// Hub maintains rooms of live sockets on this node.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client
	rooms   map[string]map[*Client]struct{}
	relay   Relay
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		clients: make(map[string]*Client),
		rooms:   make(map[string]map[*Client]struct{}),
	}
}

// SetRelay installs the cross-node relay. Call before serving traffic.
func (h *Hub) SetRelay(r Relay) {
	h.relay = r
}

// Register adds the client and joins its user room.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c.info.ConnID] = c
	h.joinLocked(c, models.UserRoom(c.info.UserID))
}

// Unregister removes the client from every room. It is safe to call twice.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c.info.ConnID]; !ok {
		return
	}
	delete(h.clients, c.info.ConnID)
	for room := range c.rooms {
		h.leaveLocked(c, room)
	}
}

func (h *Hub) Join(c *Client, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c.info.ConnID]; !ok {
		return
	}
	h.joinLocked(c, room)
}

func (h *Hub) Leave(c *Client, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(c, room)
}

func (h *Hub) joinLocked(c *Client, room string) {
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[*Client]struct{})
		h.rooms[room] = members
	}
	members[c] = struct{}{}
	c.rooms[room] = struct{}{}
}

func (h *Hub) leaveLocked(c *Client, room string) {
	delete(c.rooms, room)
	if members, ok := h.rooms[room]; ok {
		delete(members, c)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
}

// InRoom reports whether any socket of userID is in room on this node.
func (h *Hub) InRoom(userID int64, room string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.rooms[room] {
		if c.info.UserID == userID {
			return true
		}
	}
	return false
}

// RoomSize returns the number of local sockets in room.
func (h *Hub) RoomSize(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

// RemoveUserFromRoom makes every socket of userID leave room, on every node.
func (h *Hub) RemoveUserFromRoom(userID int64, room string) {
	h.removeLocal(userID, room)
	h.publish(Envelope{Room: room, RemoveUserID: userID})
}

func (h *Hub) removeLocal(userID int64, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.rooms[room] {
		if c.info.UserID == userID {
			h.leaveLocked(c, room)
		}
	}
}

func (h *Hub) ToRoom(room string, ev models.Event) {
	h.emit(Envelope{Room: room}, ev)
}

// ToRoomExcept delivers to room without the sockets of exceptUserID.
func (h *Hub) ToRoomExcept(room string, exceptUserID int64, ev models.Event) {
	h.emit(Envelope{Room: room, ExceptUserID: exceptUserID}, ev)
}

func (h *Hub) ToUser(userID int64, ev models.Event) {
	h.emit(Envelope{Room: models.UserRoom(userID)}, ev)
}

func (h *Hub) ToAll(ev models.Event) {
	h.emit(Envelope{All: true}, ev)
}

func (h *Hub) emit(env Envelope, ev models.Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		observability.Logger().Error("event encode failed", "event", ev.Name, "error", err)
		return
	}
	env.Payload = payload
	h.DeliverLocal(env)
	h.publish(env)
}

func (h *Hub) publish(env Envelope) {
	if h.relay == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.relay.Publish(ctx, env); err != nil {
		observability.Logger().Warn("relay publish failed", "room", env.Room, "error", err)
	}
}

// DeliverLocal writes env to the matching sockets on this node. The relay calls it for remote emissions.
func (h *Hub) DeliverLocal(env Envelope) {
	if env.RemoveUserID != 0 {
		h.removeLocal(env.RemoveUserID, env.Room)
		return
	}

	h.mu.RLock()
	var targets []*Client
	if env.All {
		targets = make([]*Client, 0, len(h.clients))
		for _, c := range h.clients {
			targets = append(targets, c)
		}
	} else {
		for c := range h.rooms[env.Room] {
			if env.ExceptUserID != 0 && c.info.UserID == env.ExceptUserID {
				continue
			}
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		if err := c.write(env.Payload); err != nil {
			h.drop(c, err)
		}
	}
}

// drop closes a client whose write failed; its read loop then runs the disconnect path.
func (h *Hub) drop(c *Client, err error) {
	observability.IncFanoutWriteError()
	observability.Logger().Warn("websocket write error",
		"conn_id", c.info.ConnID, "user_id", c.info.UserID, "error", err)
	_ = c.conn.Close()
	h.Unregister(c)
	publishLifecycle(context.Background(), c.info, "ws_error", err.Error())
}
