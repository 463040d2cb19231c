package models

import "time"

// ReactionType is an enumerated reaction kind.
type ReactionType string

const (
	ReactionLike       ReactionType = "like"
	ReactionLove       ReactionType = "love"
	ReactionLaugh      ReactionType = "laugh"
	ReactionWow        ReactionType = "wow"
	ReactionSad        ReactionType = "sad"
	ReactionAngry      ReactionType = "angry"
	ReactionThumbsUp   ReactionType = "thumbs_up"
	ReactionThumbsDown ReactionType = "thumbs_down"
	ReactionCelebrate  ReactionType = "celebrate"
)

// Valid reports whether t is a known reaction type.
func (t ReactionType) Valid() bool {
	switch t {
	case ReactionLike, ReactionLove, ReactionLaugh, ReactionWow, ReactionSad,
		ReactionAngry, ReactionThumbsUp, ReactionThumbsDown, ReactionCelebrate:
		return true
	}
	return false
}

// TargetKind names the kind of entity carrying a reaction ledger.
type TargetKind string

const (
	TargetMessage TargetKind = "message"
	TargetPost    TargetKind = "post"
	TargetComment TargetKind = "comment"
)

// Reaction is unique per (target, user).
type Reaction struct {
	TargetKind TargetKind   `db:"target_kind" json:"target_kind"`
	TargetID   int64        `db:"target_id" json:"target_id"`
	UserID     int64        `db:"user_id" json:"user_id"`
	Type       ReactionType `db:"type" json:"type"`
	CreatedAt  time.Time    `db:"created_at" json:"created_at"`
	UpdatedAt  time.Time    `db:"updated_at" json:"updated_at"`
}

// ToggleResult is the transition applied by a toggle.
type ToggleResult string

const (
	ReactionAdded   ToggleResult = "added"
	ReactionRemoved ToggleResult = "removed"
	ReactionUpdated ToggleResult = "updated"
)

// ToggleOutcome reports the applied transition and the target's new counter.
type ToggleOutcome struct {
	Result         ToggleResult `json:"result"`
	Reaction       Reaction     `json:"reaction"`
	PreviousType   ReactionType `json:"previous_type,omitempty"`
	ReactionsCount int          `json:"reactions_count"`
}
