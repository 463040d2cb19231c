// Package presence tracks which users have live connections on this node.
package presence

import (
	"sync"
	"time"
)

type Status string

const (
	StatusOnline  Status = "online"
	StatusAway    Status = "away"
	StatusBusy    Status = "busy"
	StatusOffline Status = "offline"
)

// Valid reports whether s may be set by a client.
func (s Status) Valid() bool {
	return s == StatusOnline || s == StatusAway || s == StatusBusy
}

// Entry is a snapshot of one user's presence.
type Entry struct {
	UserID      int64     `json:"user_id"`
	Status      Status    `json:"status"`
	LastSeen    time.Time `json:"last_seen"`
	Connections int       `json:"connections"`
}

type entry struct {
	conns    map[string]struct{}
	status   Status
	lastSeen time.Time
}

// Registry maps users to their set of connection ids.
// Every method is one critical section.
type Registry struct {
	mu      sync.Mutex
	users   map[int64]*entry
	offline map[int64]time.Time
	now     func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{
		users:   map[int64]*entry{},
		offline: map[int64]time.Time{},
		now:     time.Now,
	}
}

// WithClock overrides the time source.
func (r *Registry) WithClock(now func() time.Time) *Registry {
	r.now = now
	return r
}

// Register adds connID for userID and reports whether it is the user's first connection.
func (r *Registry) Register(userID int64, connID string) (first bool, snapshot Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.users[userID]
	if !ok {
		e = &entry{conns: map[string]struct{}{}, status: StatusOnline}
		r.users[userID] = e
		delete(r.offline, userID)
	}
	e.conns[connID] = struct{}{}
	e.lastSeen = r.now().UTC()
	return !ok, r.snapshotLocked(userID, e)
}

// Unregister removes connID and reports whether it was the user's last connection.
func (r *Registry) Unregister(userID int64, connID string) (last bool, snapshot Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.users[userID]
	if !ok {
		return false, Entry{UserID: userID, Status: StatusOffline, LastSeen: r.offline[userID]}
	}
	if _, ok := e.conns[connID]; !ok {
		return false, r.snapshotLocked(userID, e)
	}
	delete(e.conns, connID)
	now := r.now().UTC()
	e.lastSeen = now
	if len(e.conns) > 0 {
		return false, r.snapshotLocked(userID, e)
	}
	delete(r.users, userID)
	r.offline[userID] = now
	return true, Entry{UserID: userID, Status: StatusOffline, LastSeen: now}
}

// SetStatus changes a connected user's status; it reports false when nothing changed.
func (r *Registry) SetStatus(userID int64, status Status) (bool, Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.users[userID]
	if !ok || e.status == status {
		return false, r.getLocked(userID)
	}
	e.status = status
	e.lastSeen = r.now().UTC()
	return true, r.snapshotLocked(userID, e)
}

// Get returns the presence of one user.
func (r *Registry) Get(userID int64) Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.getLocked(userID)
}

// Lookup returns presence for several users.
func (r *Registry) Lookup(userIDs []int64) []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry, 0, len(userIDs))
	for _, id := range userIDs {
		out = append(out, r.getLocked(id))
	}
	return out
}

// IsOnline reports whether the user has at least one live connection.
func (r *Registry) IsOnline(userID int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.users[userID]
	return ok
}

// OnlineCount returns the number of users with a live connection.
func (r *Registry) OnlineCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.users)
}

func (r *Registry) getLocked(userID int64) Entry {
	if e, ok := r.users[userID]; ok {
		return r.snapshotLocked(userID, e)
	}
	return Entry{UserID: userID, Status: StatusOffline, LastSeen: r.offline[userID]}
}

func (r *Registry) snapshotLocked(userID int64, e *entry) Entry {
	return Entry{UserID: userID, Status: e.status, LastSeen: e.lastSeen, Connections: len(e.conns)}
}
