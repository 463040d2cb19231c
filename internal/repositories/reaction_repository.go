package repositories

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"messenger-service/internal/models"
)

// counterTables maps a reaction target kind to the table holding its reactions_count.
var counterTables = map[models.TargetKind]string{
	models.TargetMessage: "messages",
}

// ReactionRepo is the sqlx reaction ledger.
type ReactionRepo struct {
	db *sqlx.DB
}

func NewReactionRepo(db *sqlx.DB) *ReactionRepo {
	return &ReactionRepo{db: db}
}

// ToggleReaction applies the add/remove/update transition and the counter change in one transaction.
func (r *ReactionRepo) ToggleReaction(ctx context.Context, kind models.TargetKind, targetID, userID int64, reactionType models.ReactionType, now time.Time) (models.ToggleOutcome, error) {
	table, ok := counterTables[kind]
	if !ok {
		return models.ToggleOutcome{}, ErrUnsupportedTarget
	}

	var outcome models.ToggleOutcome
	err := withTx(ctx, r.db, func(tx *sqlx.Tx) error {
		// lock the target row first so concurrent toggles by one user serialize
		var count int
		err := tx.GetContext(ctx, &count, `SELECT reactions_count FROM `+table+` WHERE id=$1 FOR UPDATE`, targetID)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrMessageNotFound
		}
		if err != nil {
			return err
		}

		var existing models.Reaction
		err = tx.GetContext(ctx, &existing, `SELECT target_kind, target_id, user_id, type, created_at, updated_at
            FROM reactions WHERE target_kind=$1 AND target_id=$2 AND user_id=$3`, kind, targetID, userID)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			existing = models.Reaction{TargetKind: kind, TargetID: targetID, UserID: userID, Type: reactionType, CreatedAt: now, UpdatedAt: now}
			if _, err := tx.NamedExecContext(ctx, `INSERT INTO reactions (target_kind, target_id, user_id, type, created_at, updated_at)
                VALUES (:target_kind, :target_id, :user_id, :type, :created_at, :updated_at)`, existing); err != nil {
				return err
			}
			if err := tx.GetContext(ctx, &count, `UPDATE `+table+` SET reactions_count = reactions_count + 1
                WHERE id=$1 RETURNING reactions_count`, targetID); err != nil {
				return err
			}
			outcome = models.ToggleOutcome{Result: models.ReactionAdded, Reaction: existing, ReactionsCount: count}
		case err != nil:
			return err
		case existing.Type == reactionType:
			if _, err := tx.ExecContext(ctx, `DELETE FROM reactions WHERE target_kind=$1 AND target_id=$2 AND user_id=$3`,
				kind, targetID, userID); err != nil {
				return err
			}
			if err := tx.GetContext(ctx, &count, `UPDATE `+table+` SET reactions_count = GREATEST(reactions_count - 1, 0)
                WHERE id=$1 RETURNING reactions_count`, targetID); err != nil {
				return err
			}
			outcome = models.ToggleOutcome{Result: models.ReactionRemoved, Reaction: existing, ReactionsCount: count}
		default:
			previous := existing.Type
			if _, err := tx.ExecContext(ctx, `UPDATE reactions SET type=$4, updated_at=$5
                WHERE target_kind=$1 AND target_id=$2 AND user_id=$3`, kind, targetID, userID, reactionType, now); err != nil {
				return err
			}
			existing.Type = reactionType
			existing.UpdatedAt = now
			outcome = models.ToggleOutcome{Result: models.ReactionUpdated, Reaction: existing, PreviousType: previous, ReactionsCount: count}
		}
		return nil
	})
	return outcome, err
}

func (r *ReactionRepo) ListReactions(ctx context.Context, kind models.TargetKind, targetID int64) ([]models.Reaction, error) {
	var list []models.Reaction
	err := r.db.SelectContext(ctx, &list, `SELECT target_kind, target_id, user_id, type, created_at, updated_at
        FROM reactions WHERE target_kind=$1 AND target_id=$2 ORDER BY created_at, user_id`, kind, targetID)
	return list, err
}
