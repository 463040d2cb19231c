// Package reactions implements the one-reaction-per-user ledger shared by every reactable target.
package reactions

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"messenger-service/internal/apperr"
	"messenger-service/internal/models"
	"messenger-service/internal/repositories"
)

// Target identifies a reactable entity.
type Target struct {
	Kind models.TargetKind
	ID   int64
}

// TargetInfo is what the engine needs to know about a resolved target.
type TargetInfo struct {
	AuthorID       int64
	ConversationID int64
	Preview        string
}

// Resolver validates that actorID may react to the target of its kind.
// It must reject missing or deleted targets.
type Resolver interface {
	Resolve(ctx context.Context, actorID, targetID int64) (TargetInfo, error)
}

// Ledger applies the transition atomically.
type Ledger interface {
	ToggleReaction(ctx context.Context, kind models.TargetKind, targetID, userID int64, reactionType models.ReactionType, now time.Time) (models.ToggleOutcome, error)
}

// Notifier receives the author alert raised on an added reaction.
type Notifier interface {
	Notify(ctx context.Context, n models.Notification)
}

type Engine struct {
	ledger   Ledger
	notifier Notifier
	now      func() time.Time

	mu        sync.RWMutex
	resolvers map[models.TargetKind]Resolver
}

func NewEngine(ledger Ledger, notifier Notifier) *Engine {
	return &Engine{
		ledger:    ledger,
		notifier:  notifier,
		now:       time.Now,
		resolvers: map[models.TargetKind]Resolver{},
	}
}

// Register installs the resolver for kind.
func (e *Engine) Register(kind models.TargetKind, r Resolver) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.resolvers[kind] = r
}

// WithClock overrides the time source.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// Toggle adds, removes or switches the actor's reaction on target.
func (e *Engine) Toggle(ctx context.Context, actorID int64, target Target, reactionType models.ReactionType) (models.ToggleOutcome, TargetInfo, error) {
	if !reactionType.Valid() {
		return models.ToggleOutcome{}, TargetInfo{}, apperr.Validation("unknown reaction type %q", reactionType)
	}

	e.mu.RLock()
	resolver, ok := e.resolvers[target.Kind]
	e.mu.RUnlock()
	if !ok {
		return models.ToggleOutcome{}, TargetInfo{}, apperr.Validation("unsupported reaction target %q", target.Kind)
	}

	info, err := resolver.Resolve(ctx, actorID, target.ID)
	if err != nil {
		return models.ToggleOutcome{}, TargetInfo{}, err
	}

	outcome, err := e.ledger.ToggleReaction(ctx, target.Kind, target.ID, actorID, reactionType, e.now().UTC())
	switch {
	case errors.Is(err, repositories.ErrMessageNotFound):
		return models.ToggleOutcome{}, TargetInfo{}, apperr.NotFound("%s not found", target.Kind)
	case errors.Is(err, repositories.ErrUnsupportedTarget):
		return models.ToggleOutcome{}, TargetInfo{}, apperr.Validation("unsupported reaction target %q", target.Kind)
	case err != nil:
		return models.ToggleOutcome{}, TargetInfo{}, apperr.Internal("toggle reaction", fmt.Errorf("%s %d: %w", target.Kind, target.ID, err))
	}

	if outcome.Result == models.ReactionAdded && info.AuthorID != actorID && e.notifier != nil {
		e.notifier.Notify(ctx, models.Notification{
			Kind:           models.NotifyReaction,
			RecipientID:    info.AuthorID,
			ActorID:        actorID,
			ConversationID: info.ConversationID,
			MessageID:      target.ID,
			Preview:        string(reactionType),
			OccurredAt:     outcome.Reaction.CreatedAt,
		})
	}
	return outcome, info, nil
}
