package repositories

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/jmoiron/sqlx/types"

	"messenger-service/internal/models"
)

// ConversationRepo is a sqlx implementation of ConversationRepository.
type ConversationRepo struct {
	db *sqlx.DB
}

// NewConversationRepo constructs a ConversationRepo.
func NewConversationRepo(db *sqlx.DB) *ConversationRepo {
	return &ConversationRepo{db: db}
}

const conversationColumns = `id, type, name, description, department, creator_id, is_private, is_active,
    messages_count, participants_count, last_message_id, last_message_sender_id, last_message_preview,
    last_message_at, settings, direct_key, archived_at, created_at, updated_at`

const participantColumns = `conversation_id, user_id, role, can_send_messages, can_add_participants,
    can_delete_messages, is_muted, is_active, joined_at, left_at, last_seen_at, last_message_read_id, unread_count`

type conversationRow struct {
	ID                  int64          `db:"id"`
	Type                string         `db:"type"`
	Name                string         `db:"name"`
	Description         string         `db:"description"`
	Department          string         `db:"department"`
	CreatorID           int64          `db:"creator_id"`
	IsPrivate           bool           `db:"is_private"`
	IsActive            bool           `db:"is_active"`
	MessagesCount       int            `db:"messages_count"`
	ParticipantsCount   int            `db:"participants_count"`
	LastMessageID       sql.NullInt64  `db:"last_message_id"`
	LastMessageSenderID sql.NullInt64  `db:"last_message_sender_id"`
	LastMessagePreview  sql.NullString `db:"last_message_preview"`
	LastMessageAt       sql.NullTime   `db:"last_message_at"`
	Settings            types.JSONText `db:"settings"`
	DirectKey           sql.NullString `db:"direct_key"`
	ArchivedAt          *time.Time     `db:"archived_at"`
	CreatedAt           time.Time      `db:"created_at"`
	UpdatedAt           time.Time      `db:"updated_at"`
}

func (r conversationRow) toModel() (models.Conversation, error) {
	conv := models.Conversation{
		ID:                r.ID,
		Type:              models.ConversationType(r.Type),
		Name:              r.Name,
		Description:       r.Description,
		Department:        r.Department,
		CreatorID:         r.CreatorID,
		IsPrivate:         r.IsPrivate,
		IsActive:          r.IsActive,
		MessagesCount:     r.MessagesCount,
		ParticipantsCount: r.ParticipantsCount,
		DirectKey:         r.DirectKey.String,
		ArchivedAt:        r.ArchivedAt,
		CreatedAt:         r.CreatedAt,
		UpdatedAt:         r.UpdatedAt,
	}
	if r.LastMessageID.Valid {
		conv.LastMessage = &models.LastMessage{
			MessageID: r.LastMessageID.Int64,
			SenderID:  r.LastMessageSenderID.Int64,
			Preview:   r.LastMessagePreview.String,
			SentAt:    r.LastMessageAt.Time,
		}
	}
	if len(r.Settings) > 0 {
		if err := r.Settings.Unmarshal(&conv.Settings); err != nil {
			return models.Conversation{}, fmt.Errorf("decode settings: %w", err)
		}
	}
	return conv, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// CreateConversation inserts the conversation and its participants atomically.
func (r *ConversationRepo) CreateConversation(ctx context.Context, conv models.Conversation, participants []models.Participant) (models.Conversation, error) {
	settings, err := json.Marshal(conv.Settings)
	if err != nil {
		return models.Conversation{}, err
	}

	var created models.Conversation
	err = withTx(ctx, r.db, func(tx *sqlx.Tx) error {
		var row conversationRow
		if err := tx.QueryRowxContext(ctx, `INSERT INTO conversations
            (type, name, description, department, creator_id, is_private, is_active, participants_count, settings, direct_key, created_at, updated_at)
            VALUES ($1, $2, $3, $4, $5, $6, TRUE, $7, $8, $9, $10, $10)
            RETURNING `+conversationColumns,
			conv.Type, conv.Name, conv.Description, conv.Department, conv.CreatorID, conv.IsPrivate,
			len(participants), types.JSONText(settings), nullString(conv.DirectKey), conv.CreatedAt,
		).StructScan(&row); err != nil {
			if isUniqueViolation(err) {
				return ErrDirectConversationExists
			}
			return err
		}

		for _, p := range participants {
			p.ConversationID = row.ID
			if _, err := tx.NamedExecContext(ctx, `INSERT INTO participants (`+participantColumns+`)
                VALUES (:conversation_id, :user_id, :role, :can_send_messages, :can_add_participants,
                :can_delete_messages, :is_muted, :is_active, :joined_at, :left_at, :last_seen_at,
                :last_message_read_id, :unread_count)`, p); err != nil {
				return err
			}
		}

		var err error
		created, err = row.toModel()
		return err
	})
	return created, err
}

func (r *ConversationRepo) GetConversation(ctx context.Context, conversationID int64) (models.Conversation, error) {
	var row conversationRow
	err := r.db.GetContext(ctx, &row, `SELECT `+conversationColumns+` FROM conversations WHERE id=$1`, conversationID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Conversation{}, ErrConversationNotFound
	}
	if err != nil {
		return models.Conversation{}, err
	}
	return row.toModel()
}

// FindDirectConversation returns the active direct conversation for the pair key.
func (r *ConversationRepo) FindDirectConversation(ctx context.Context, directKey string) (models.Conversation, error) {
	var row conversationRow
	err := r.db.GetContext(ctx, &row, `SELECT `+conversationColumns+` FROM conversations
        WHERE direct_key=$1 AND is_active`, directKey)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Conversation{}, ErrConversationNotFound
	}
	if err != nil {
		return models.Conversation{}, err
	}
	return row.toModel()
}

type conversationViewRow struct {
	conversationRow
	Role        string `db:"role"`
	IsMuted     bool   `db:"is_muted"`
	LastReadID  int64  `db:"last_read_id"`
	UnreadCount int    `db:"unread_count"`
}

// ListConversationsForUser returns active conversations with unread counts recomputed from messages.
func (r *ConversationRepo) ListConversationsForUser(ctx context.Context, userID int64) ([]models.ConversationView, error) {
	cols := "c." + strings.ReplaceAll(strings.Join(strings.Fields(conversationColumns), " "), ", ", ", c.")
	query := `SELECT ` + cols + `, p.role, p.is_muted, COALESCE(p.last_message_read_id, 0) AS last_read_id,
        (SELECT COUNT(*) FROM messages m
            WHERE m.conversation_id = c.id AND NOT m.is_deleted AND m.sender_id <> p.user_id
            AND (m.created_at, m.id) > (COALESCE(lm.created_at, p.joined_at), COALESCE(lm.id, 0))) AS unread_count
        FROM participants p
        JOIN conversations c ON c.id = p.conversation_id
        LEFT JOIN messages lm ON lm.id = p.last_message_read_id
        WHERE p.user_id = $1 AND p.is_active AND c.is_active
        ORDER BY COALESCE(c.last_message_at, c.created_at) DESC, c.id DESC`

	var rows []conversationViewRow
	if err := r.db.SelectContext(ctx, &rows, query, userID); err != nil {
		return nil, err
	}

	views := make([]models.ConversationView, 0, len(rows))
	for _, row := range rows {
		conv, err := row.conversationRow.toModel()
		if err != nil {
			return nil, err
		}
		views = append(views, models.ConversationView{
			Conversation: conv,
			UnreadCount:  row.UnreadCount,
			Role:         models.Role(row.Role),
			IsMuted:      row.IsMuted,
			LastReadID:   row.LastReadID,
		})
	}
	return views, nil
}

func (r *ConversationRepo) UpdateConversation(ctx context.Context, conversationID int64, patch models.ConversationPatch, now time.Time) (models.Conversation, error) {
	sets := []string{"updated_at = $2"}
	args := []any{conversationID, now}
	add := func(column string, value any) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	if patch.Name != nil {
		add("name", *patch.Name)
	}
	if patch.Description != nil {
		add("description", *patch.Description)
	}
	if patch.IsPrivate != nil {
		add("is_private", *patch.IsPrivate)
	}
	if patch.Settings != nil {
		settings, err := json.Marshal(patch.Settings)
		if err != nil {
			return models.Conversation{}, err
		}
		add("settings", types.JSONText(settings))
	}

	var row conversationRow
	err := r.db.QueryRowxContext(ctx, `UPDATE conversations SET `+strings.Join(sets, ", ")+`
        WHERE id = $1 AND is_active RETURNING `+conversationColumns, args...).StructScan(&row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Conversation{}, ErrConversationNotFound
	}
	if err != nil {
		return models.Conversation{}, err
	}
	return row.toModel()
}

// ArchiveConversation soft-closes the conversation; messages stay queryable.
func (r *ConversationRepo) ArchiveConversation(ctx context.Context, conversationID int64, now time.Time) (models.Conversation, error) {
	var row conversationRow
	err := r.db.QueryRowxContext(ctx, `UPDATE conversations SET is_active = FALSE, archived_at = $2, updated_at = $2
        WHERE id = $1 AND is_active RETURNING `+conversationColumns, conversationID, now).StructScan(&row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Conversation{}, ErrConversationNotFound
	}
	if err != nil {
		return models.Conversation{}, err
	}
	return row.toModel()
}

func (r *ConversationRepo) GetParticipant(ctx context.Context, conversationID, userID int64) (models.Participant, error) {
	var p models.Participant
	err := r.db.GetContext(ctx, &p, `SELECT `+participantColumns+` FROM participants
        WHERE conversation_id=$1 AND user_id=$2`, conversationID, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Participant{}, ErrParticipantNotFound
	}
	return p, err
}

func (r *ConversationRepo) ListParticipants(ctx context.Context, conversationID int64, activeOnly bool) ([]models.Participant, error) {
	var list []models.Participant
	err := r.db.SelectContext(ctx, &list, `SELECT `+participantColumns+` FROM participants
        WHERE conversation_id=$1 AND (is_active OR NOT $2) ORDER BY joined_at, user_id`, conversationID, activeOnly)
	return list, err
}

// AddParticipant inserts p or reactivates a previously removed participant.
func (r *ConversationRepo) AddParticipant(ctx context.Context, p models.Participant, maxParticipants int) (models.Participant, error) {
	var added models.Participant
	err := withTx(ctx, r.db, func(tx *sqlx.Tx) error {
		var err error
		added, err = addParticipantTx(ctx, tx, p, maxParticipants)
		return err
	})
	return added, err
}

func addParticipantTx(ctx context.Context, tx *sqlx.Tx, p models.Participant, maxParticipants int) (models.Participant, error) {
	var count int
	err := tx.GetContext(ctx, &count, `SELECT participants_count FROM conversations
        WHERE id=$1 AND is_active FOR UPDATE`, p.ConversationID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Participant{}, ErrConversationNotFound
	}
	if err != nil {
		return models.Participant{}, err
	}

	var active bool
	err = tx.GetContext(ctx, &active, `SELECT is_active FROM participants
        WHERE conversation_id=$1 AND user_id=$2 FOR UPDATE`, p.ConversationID, p.UserID)
	switch {
	case err == nil && active:
		return models.Participant{}, ErrParticipantExists
	case err != nil && !errors.Is(err, sql.ErrNoRows):
		return models.Participant{}, err
	}
	if maxParticipants > 0 && count >= maxParticipants {
		return models.Participant{}, ErrConversationFull
	}

	var added models.Participant
	rows, err := sqlx.NamedQueryContext(ctx, tx, `INSERT INTO participants (`+participantColumns+`)
        VALUES (:conversation_id, :user_id, :role, :can_send_messages, :can_add_participants,
        :can_delete_messages, :is_muted, TRUE, :joined_at, NULL, NULL, NULL, 0)
        ON CONFLICT (conversation_id, user_id) DO UPDATE SET
            role = EXCLUDED.role,
            can_send_messages = EXCLUDED.can_send_messages,
            can_add_participants = EXCLUDED.can_add_participants,
            can_delete_messages = EXCLUDED.can_delete_messages,
            is_muted = FALSE,
            is_active = TRUE,
            joined_at = EXCLUDED.joined_at,
            left_at = NULL,
            last_message_read_id = NULL,
            unread_count = 0
        RETURNING `+participantColumns, p)
	if err != nil {
		return models.Participant{}, err
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return models.Participant{}, err
		}
		return models.Participant{}, ErrParticipantNotFound
	}
	if err := rows.StructScan(&added); err != nil {
		return models.Participant{}, err
	}
	rows.Close()

	if _, err := tx.ExecContext(ctx, `UPDATE conversations SET participants_count = participants_count + 1, updated_at = $2
        WHERE id=$1`, p.ConversationID, p.JoinedAt); err != nil {
		return models.Participant{}, err
	}
	return added, nil
}

// RemoveParticipant deactivates the participant and decrements participants_count; history is kept.
func (r *ConversationRepo) RemoveParticipant(ctx context.Context, conversationID, userID int64, now time.Time) (models.Participant, error) {
	var removed models.Participant
	err := withTx(ctx, r.db, func(tx *sqlx.Tx) error {
		err := tx.QueryRowxContext(ctx, `UPDATE participants SET is_active = FALSE, left_at = $3
            WHERE conversation_id=$1 AND user_id=$2 AND is_active
            RETURNING `+participantColumns, conversationID, userID, now).StructScan(&removed)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrParticipantNotFound
		}
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `UPDATE conversations
            SET participants_count = GREATEST(participants_count - 1, 0), updated_at = $2
            WHERE id=$1`, conversationID, now)
		return err
	})
	return removed, err
}

func (r *ConversationRepo) UpdateParticipant(ctx context.Context, conversationID, userID int64, patch models.ParticipantPatch) (models.Participant, error) {
	sets := []string{}
	args := []any{conversationID, userID}
	add := func(column string, value any) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	if patch.Role != nil {
		add("role", *patch.Role)
	}
	if patch.CanSendMessages != nil {
		add("can_send_messages", *patch.CanSendMessages)
	}
	if patch.CanAddParticipants != nil {
		add("can_add_participants", *patch.CanAddParticipants)
	}
	if patch.CanDeleteMessages != nil {
		add("can_delete_messages", *patch.CanDeleteMessages)
	}
	if patch.IsMuted != nil {
		add("is_muted", *patch.IsMuted)
	}
	if len(sets) == 0 {
		return r.GetParticipant(ctx, conversationID, userID)
	}

	var p models.Participant
	err := r.db.QueryRowxContext(ctx, `UPDATE participants SET `+strings.Join(sets, ", ")+`
        WHERE conversation_id=$1 AND user_id=$2 AND is_active RETURNING `+participantColumns, args...).StructScan(&p)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Participant{}, ErrParticipantNotFound
	}
	return p, err
}

func (r *ConversationRepo) ListActiveConversationIDs(ctx context.Context, userID int64) ([]int64, error) {
	var ids []int64
	err := r.db.SelectContext(ctx, &ids, `SELECT p.conversation_id FROM participants p
        JOIN conversations c ON c.id = p.conversation_id
        WHERE p.user_id=$1 AND p.is_active AND c.is_active ORDER BY p.conversation_id`, userID)
	return ids, err
}
