package repositories

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"messenger-service/internal/models"
)

// InviteRepo is a sqlx implementation of InviteRepository.
type InviteRepo struct {
	db *sqlx.DB
}

func NewInviteRepo(db *sqlx.DB) *InviteRepo {
	return &InviteRepo{db: db}
}

const inviteColumns = `id, conversation_id, inviter_id, invitee_id, message, status, expires_at, responded_at, created_at`

func (r *InviteRepo) CreateInvite(ctx context.Context, inv models.ConversationInvite) (models.ConversationInvite, error) {
	var created models.ConversationInvite
	err := r.db.QueryRowxContext(ctx, `INSERT INTO invites (conversation_id, inviter_id, invitee_id, message, status, expires_at, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING `+inviteColumns,
		inv.ConversationID, inv.InviterID, inv.InviteeID, inv.Message, models.InvitePending, inv.ExpiresAt, inv.CreatedAt,
	).StructScan(&created)
	if isUniqueViolation(err) {
		return models.ConversationInvite{}, ErrInvitePending
	}
	return created, err
}

func (r *InviteRepo) GetInvite(ctx context.Context, inviteID int64) (models.ConversationInvite, error) {
	var inv models.ConversationInvite
	err := r.db.GetContext(ctx, &inv, `SELECT `+inviteColumns+` FROM invites WHERE id=$1`, inviteID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.ConversationInvite{}, ErrInviteNotFound
	}
	return inv, err
}

// ListInvitesForUser lists invites addressed to userID, optionally filtered by status.
func (r *InviteRepo) ListInvitesForUser(ctx context.Context, userID int64, status models.InviteStatus) ([]models.ConversationInvite, error) {
	var list []models.ConversationInvite
	err := r.db.SelectContext(ctx, &list, `SELECT `+inviteColumns+` FROM invites
        WHERE invitee_id=$1 AND ($2 = '' OR status = $2) ORDER BY created_at DESC, id DESC`, userID, string(status))
	return list, err
}

func (r *InviteRepo) RespondInvite(ctx context.Context, inviteID int64, status models.InviteStatus, now time.Time, participant *models.Participant, maxParticipants int) (models.ConversationInvite, error) {
	var inv models.ConversationInvite
	err := withTx(ctx, r.db, func(tx *sqlx.Tx) error {
		err := tx.QueryRowxContext(ctx, `UPDATE invites SET status=$2, responded_at=$3
            WHERE id=$1 AND status='pending' RETURNING `+inviteColumns, inviteID, status, now).StructScan(&inv)
		if errors.Is(err, sql.ErrNoRows) {
			var exists bool
			if err := tx.GetContext(ctx, &exists, `SELECT EXISTS(SELECT 1 FROM invites WHERE id=$1)`, inviteID); err != nil {
				return err
			}
			if !exists {
				return ErrInviteNotFound
			}
			return ErrInviteNotPending
		}
		if err != nil {
			return err
		}
		if participant != nil {
			_, err = addParticipantTx(ctx, tx, *participant, maxParticipants)
		}
		return err
	})
	return inv, err
}

// ExpireInvites moves every overdue pending invite to expired.
func (r *InviteRepo) ExpireInvites(ctx context.Context, now time.Time) ([]models.ConversationInvite, error) {
	var expired []models.ConversationInvite
	err := r.db.SelectContext(ctx, &expired, `UPDATE invites SET status='expired', responded_at=$1
        WHERE status='pending' AND expires_at <= $1 RETURNING `+inviteColumns, now)
	return expired, err
}
