// Package typing tracks who is typing in which conversation and expires stale entries.
package typing

import (
	"context"
	"sort"
	"sync"
	"time"

	"messenger-service/internal/observability"
)

// Entry is one user typing in one conversation.
type Entry struct {
	ConversationID int64
	UserID         int64
	Since          time.Time
}

type key struct {
	conversationID int64
	userID         int64
}

// Tracker is a per-conversation map of userId to last typing timestamp.
type Tracker struct {
	mu      sync.Mutex
	entries map[key]time.Time
	ttl     time.Duration
	now     func() time.Time
}

func NewTracker(ttl time.Duration) *Tracker {
	return &Tracker{entries: map[key]time.Time{}, ttl: ttl, now: time.Now}
}

// WithClock overrides the time source.
func (t *Tracker) WithClock(now func() time.Time) *Tracker {
	t.now = now
	return t
}

// Start upserts the entry and reports whether it is new.
func (t *Tracker) Start(conversationID, userID int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	k := key{conversationID, userID}
	_, existed := t.entries[k]
	t.entries[k] = t.now()
	return !existed
}

// Stop removes the entry and reports whether there was one.
func (t *Tracker) Stop(conversationID, userID int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	k := key{conversationID, userID}
	_, existed := t.entries[k]
	delete(t.entries, k)
	return existed
}

// StopAll removes every entry of userID and returns the affected conversations.
func (t *Tracker) StopAll(userID int64) []int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	var convs []int64
	for k := range t.entries {
		if k.userID == userID {
			convs = append(convs, k.conversationID)
			delete(t.entries, k)
		}
	}
	sort.Slice(convs, func(i, j int) bool { return convs[i] < convs[j] })
	return convs
}

// Typing lists users currently typing in a conversation.
func (t *Tracker) Typing(conversationID int64) []int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	var users []int64
	for k := range t.entries {
		if k.conversationID == conversationID {
			users = append(users, k.userID)
		}
	}
	sort.Slice(users, func(i, j int) bool { return users[i] < users[j] })
	return users
}

// Sweep evicts entries older than the ttl at now and returns them.
func (t *Tracker) Sweep(now time.Time) []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	var evicted []Entry
	for k, since := range t.entries {
		if now.Sub(since) >= t.ttl {
			evicted = append(evicted, Entry{ConversationID: k.conversationID, UserID: k.userID, Since: since})
			delete(t.entries, k)
		}
	}
	sort.Slice(evicted, func(i, j int) bool {
		if evicted[i].ConversationID == evicted[j].ConversationID {
			return evicted[i].UserID < evicted[j].UserID
		}
		return evicted[i].ConversationID < evicted[j].ConversationID
	})
	return evicted
}

// Run sweeps every interval until ctx is done, handing evictions to onEvict.
func (t *Tracker) Run(ctx context.Context, interval time.Duration, onEvict func([]Entry)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			evicted := t.Sweep(t.now())
			if len(evicted) == 0 {
				continue
			}
			observability.AddTypingEvictions(len(evicted))
			observability.Logger().Debug("typing entries evicted", "count", len(evicted))
			if onEvict != nil {
				onEvict(evicted)
			}
		}
	}
}
