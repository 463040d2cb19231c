package services

import (
	"context"
	"sync"
	"time"

	"messenger-service/internal/identity"
	"messenger-service/internal/models"
	"messenger-service/internal/observability"
	"messenger-service/internal/repositories"
)

const DefaultDirectorySyncInterval = 5 * time.Minute

// Directory copies verified identities into the local user table so
// mentions and reply previews can resolve display names.
type Directory struct {
	users    repositories.UserRepository
	interval time.Duration
	now      func() time.Time

	mu     sync.Mutex
	synced map[int64]time.Time
}

func NewDirectory(users repositories.UserRepository, interval time.Duration) *Directory {
	if interval <= 0 {
		interval = DefaultDirectorySyncInterval
	}
	return &Directory{
		users:    users,
		interval: interval,
		now:      time.Now,
		synced:   map[int64]time.Time{},
	}
}

// WithClock overrides the time source.
func (d *Directory) WithClock(now func() time.Time) *Directory {
	d.now = now
	return d
}

// Observe upserts the identity at most once per interval.
func (d *Directory) Observe(ctx context.Context, id identity.Identity) {
	now := d.now()
	d.mu.Lock()
	last, ok := d.synced[id.UserID]
	if ok && now.Sub(last) < d.interval {
		d.mu.Unlock()
		return
	}
	d.synced[id.UserID] = now
	d.mu.Unlock()

	err := d.users.UpsertUser(ctx, models.User{
		ID:          id.UserID,
		DisplayName: id.DisplayName,
		Handle:      id.Handle,
		Email:       id.Email,
		Department:  id.Department,
		IsActive:    true,
		UpdatedAt:   now.UTC(),
	})
	if err != nil {
		d.mu.Lock()
		delete(d.synced, id.UserID)
		d.mu.Unlock()
		observability.LoggerFromContext(ctx).Warn("directory sync failed", "user_id", id.UserID, "error", err)
	}
}
