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
	"github.com/lib/pq"

	"messenger-service/internal/models"
)

// MessageRepo is a sqlx-backed repository.
type MessageRepo struct {
	db *sqlx.DB
}

// NewMessageRepo constructs MessageRepo.
func NewMessageRepo(db *sqlx.DB) *MessageRepo {
	return &MessageRepo{db: db}
}

const messageColumns = `id, conversation_id, sender_id, type, content, attachments, mentions, reply_to_id,
    reply_preview, is_edited, is_deleted, is_pinned, reactions_count, metadata, edited_at, deleted_at,
    deleted_by, created_at, updated_at`

type messageRow struct {
	ID             int64              `db:"id"`
	ConversationID int64              `db:"conversation_id"`
	SenderID       int64              `db:"sender_id"`
	Type           string             `db:"type"`
	Content        string             `db:"content"`
	Attachments    types.JSONText     `db:"attachments"`
	Mentions       pq.Int64Array      `db:"mentions"`
	ReplyToID      *int64             `db:"reply_to_id"`
	ReplyPreview   types.NullJSONText `db:"reply_preview"`
	IsEdited       bool               `db:"is_edited"`
	IsDeleted      bool               `db:"is_deleted"`
	IsPinned       bool               `db:"is_pinned"`
	ReactionsCount int                `db:"reactions_count"`
	Metadata       types.JSONText     `db:"metadata"`
	EditedAt       *time.Time         `db:"edited_at"`
	DeletedAt      *time.Time         `db:"deleted_at"`
	DeletedBy      *int64             `db:"deleted_by"`
	CreatedAt      time.Time          `db:"created_at"`
	UpdatedAt      time.Time          `db:"updated_at"`
}

func (r messageRow) toModel() (models.Message, error) {
	msg := models.Message{
		ID:             r.ID,
		ConversationID: r.ConversationID,
		SenderID:       r.SenderID,
		Type:           models.MessageType(r.Type),
		Content:        r.Content,
		ReplyToID:      r.ReplyToID,
		IsEdited:       r.IsEdited,
		IsDeleted:      r.IsDeleted,
		IsPinned:       r.IsPinned,
		ReactionsCount: r.ReactionsCount,
		EditedAt:       r.EditedAt,
		DeletedAt:      r.DeletedAt,
		DeletedBy:      r.DeletedBy,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}
	if len(r.Mentions) > 0 {
		msg.Mentions = []int64(r.Mentions)
	}
	if len(r.Attachments) > 0 {
		if err := r.Attachments.Unmarshal(&msg.Attachments); err != nil {
			return models.Message{}, fmt.Errorf("decode attachments: %w", err)
		}
		if len(msg.Attachments) == 0 {
			msg.Attachments = nil
		}
	}
	if r.ReplyPreview.Valid {
		msg.ReplyPreview = &models.ReplyPreview{}
		if err := r.ReplyPreview.Unmarshal(msg.ReplyPreview); err != nil {
			return models.Message{}, fmt.Errorf("decode reply preview: %w", err)
		}
	}
	if len(r.Metadata) > 0 {
		if err := r.Metadata.Unmarshal(&msg.Metadata); err != nil {
			return models.Message{}, fmt.Errorf("decode metadata: %w", err)
		}
		if len(msg.Metadata) == 0 {
			msg.Metadata = nil
		}
	}
	return msg, nil
}

func encodeJSON(v any, empty string) (types.JSONText, error) {
	if v == nil {
		return types.JSONText(empty), nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if string(b) == "null" {
		return types.JSONText(empty), nil
	}
	return types.JSONText(b), nil
}

// CreateMessage stores a message with its side effects in one transaction.
func (r *MessageRepo) CreateMessage(ctx context.Context, msg models.Message) (models.Message, []models.Participant, error) {
	attachments, err := encodeJSON(msg.Attachments, "[]")
	if err != nil {
		return models.Message{}, nil, err
	}
	metadata, err := encodeJSON(msg.Metadata, "{}")
	if err != nil {
		return models.Message{}, nil, err
	}
	var replyPreview any
	if msg.ReplyPreview != nil {
		b, err := json.Marshal(msg.ReplyPreview)
		if err != nil {
			return models.Message{}, nil, err
		}
		replyPreview = types.JSONText(b)
	}

	var (
		created      models.Message
		participants []models.Participant
	)
	err = withTx(ctx, r.db, func(tx *sqlx.Tx) error {
		var active bool
		err := tx.GetContext(ctx, &active, `SELECT is_active FROM conversations WHERE id=$1 FOR UPDATE`, msg.ConversationID)
		if errors.Is(err, sql.ErrNoRows) || (err == nil && !active) {
			return ErrConversationNotFound
		}
		if err != nil {
			return err
		}

		if err := tx.SelectContext(ctx, &participants, `SELECT `+participantColumns+` FROM participants
            WHERE conversation_id=$1 AND is_active ORDER BY user_id`, msg.ConversationID); err != nil {
			return err
		}
		if !containsSender(participants, msg.SenderID) {
			return ErrParticipantNotFound
		}

		var row messageRow
		if err := tx.QueryRowxContext(ctx, `INSERT INTO messages
            (conversation_id, sender_id, type, content, attachments, mentions, reply_to_id, reply_preview, metadata, created_at, updated_at)
            VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)
            RETURNING `+messageColumns,
			msg.ConversationID, msg.SenderID, msg.Type, msg.Content, attachments,
			pq.Int64Array(append([]int64{}, msg.Mentions...)), msg.ReplyToID, replyPreview, metadata, msg.CreatedAt,
		).StructScan(&row); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, `UPDATE conversations SET
            last_message_id = $2, last_message_sender_id = $3, last_message_preview = $4, last_message_at = $5,
            messages_count = messages_count + 1, updated_at = $5
            WHERE id = $1`,
			msg.ConversationID, row.ID, msg.SenderID, models.PreviewText(msg.Type, msg.Content), row.CreatedAt); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, `UPDATE participants SET unread_count = unread_count + 1
            WHERE conversation_id = $1 AND is_active AND user_id <> $2`, msg.ConversationID, msg.SenderID); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, `INSERT INTO message_statuses (message_id, user_id, conversation_id, status, updated_at)
            SELECT $1, user_id, conversation_id, CASE WHEN user_id = $2 THEN 'read' ELSE 'sent' END, $3
            FROM participants WHERE conversation_id = $4 AND is_active`,
			row.ID, msg.SenderID, row.CreatedAt, msg.ConversationID); err != nil {
			return err
		}

		created, err = row.toModel()
		return err
	})
	if err != nil {
		return models.Message{}, nil, err
	}
	return created, participants, nil
}

func containsSender(participants []models.Participant, senderID int64) bool {
	for _, p := range participants {
		if p.UserID == senderID {
			return true
		}
	}
	return false
}

func (r *MessageRepo) GetMessage(ctx context.Context, messageID int64) (models.Message, error) {
	var row messageRow
	err := r.db.GetContext(ctx, &row, `SELECT `+messageColumns+` FROM messages WHERE id=$1`, messageID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Message{}, ErrMessageNotFound
	}
	if err != nil {
		return models.Message{}, err
	}
	return row.toModel()
}

func (r *MessageRepo) LatestMessage(ctx context.Context, conversationID int64) (models.Message, error) {
	var row messageRow
	err := r.db.GetContext(ctx, &row, `SELECT `+messageColumns+` FROM messages
        WHERE conversation_id=$1 ORDER BY created_at DESC, id DESC LIMIT 1`, conversationID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Message{}, ErrMessageNotFound
	}
	if err != nil {
		return models.Message{}, err
	}
	return row.toModel()
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// ListMessages fetches newest-first and returns the page oldest-first.
// An after-only cursor walks forward so consecutive pages stay contiguous.
func (r *MessageRepo) ListMessages(ctx context.Context, q models.MessageQuery) ([]models.Message, error) {
	conds := []string{"conversation_id = $1"}
	args := []any{q.ConversationID}
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if q.Before != nil {
		conds = append(conds, fmt.Sprintf("(created_at, id) < (%s, %s)", next(q.Before.CreatedAt), next(q.Before.ID)))
	}
	if q.After != nil {
		conds = append(conds, fmt.Sprintf("(created_at, id) > (%s, %s)", next(q.After.CreatedAt), next(q.After.ID)))
	}
	if q.Search != "" {
		conds = append(conds, "NOT is_deleted AND content ILIKE "+next("%"+likeEscaper.Replace(q.Search)+"%"))
	}
	if q.Type != "" {
		conds = append(conds, "type = "+next(q.Type))
	}
	if q.PinnedOnly {
		conds = append(conds, "is_pinned")
	}

	order := "DESC"
	if q.After != nil && q.Before == nil {
		order = "ASC"
	}
	query := `SELECT ` + messageColumns + ` FROM messages WHERE ` + strings.Join(conds, " AND ") +
		` ORDER BY created_at ` + order + `, id ` + order + ` LIMIT ` + next(q.Limit)

	var rows []messageRow
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}

	msgs := make([]models.Message, len(rows))
	for i, row := range rows {
		msg, err := row.toModel()
		if err != nil {
			return nil, err
		}
		if order == "DESC" {
			msgs[len(rows)-1-i] = msg
		} else {
			msgs[i] = msg
		}
	}
	return msgs, nil
}

func (r *MessageRepo) UpdateMessageContent(ctx context.Context, messageID int64, patch models.MessagePatch) (models.Message, error) {
	var row messageRow
	err := r.db.QueryRowxContext(ctx, `UPDATE messages SET content = $2, mentions = $3, is_edited = TRUE,
        edited_at = $4, updated_at = $4 WHERE id = $1 AND NOT is_deleted RETURNING `+messageColumns,
		messageID, patch.Content, pq.Int64Array(append([]int64{}, patch.Mentions...)), patch.EditedAt).StructScan(&row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Message{}, r.missing(ctx, r.db, messageID)
	}
	if err != nil {
		return models.Message{}, err
	}
	return row.toModel()
}

// SoftDeleteMessage marks the message deleted and withdraws it from unread counters of recipients who have not read it.
func (r *MessageRepo) SoftDeleteMessage(ctx context.Context, messageID, actorID int64, now time.Time) (models.Message, error) {
	var deleted models.Message
	err := withTx(ctx, r.db, func(tx *sqlx.Tx) error {
		var row messageRow
		err := tx.QueryRowxContext(ctx, `UPDATE messages SET is_deleted = TRUE, is_pinned = FALSE,
            deleted_at = $3, deleted_by = $2, updated_at = $3
            WHERE id = $1 AND NOT is_deleted RETURNING `+messageColumns, messageID, actorID, now).StructScan(&row)
		if errors.Is(err, sql.ErrNoRows) {
			return r.missing(ctx, tx, messageID)
		}
		if err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, `UPDATE participants p SET unread_count = p.unread_count - 1
            FROM message_statuses s
            WHERE s.message_id = $1 AND s.user_id = p.user_id AND s.conversation_id = p.conversation_id
            AND p.is_active AND p.unread_count > 0 AND s.status <> 'read' AND p.user_id <> $2`,
			messageID, row.SenderID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE conversations SET last_message_preview = ''
            WHERE id = $1 AND last_message_id = $2`, row.ConversationID, messageID); err != nil {
			return err
		}

		deleted, err = row.toModel()
		return err
	})
	return deleted, err
}

func (r *MessageRepo) SetPinned(ctx context.Context, messageID int64, pinned bool, now time.Time) (models.Message, error) {
	var row messageRow
	err := r.db.QueryRowxContext(ctx, `UPDATE messages SET is_pinned = $2, updated_at = $3
        WHERE id = $1 AND NOT is_deleted RETURNING `+messageColumns, messageID, pinned, now).StructScan(&row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Message{}, r.missing(ctx, r.db, messageID)
	}
	if err != nil {
		return models.Message{}, err
	}
	return row.toModel()
}

func (r *MessageRepo) missing(ctx context.Context, q sqlx.QueryerContext, messageID int64) error {
	var deleted bool
	err := sqlx.GetContext(ctx, q, &deleted, `SELECT is_deleted FROM messages WHERE id=$1`, messageID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return ErrMessageNotFound
	case err != nil:
		return err
	case deleted:
		return ErrMessageDeleted
	}
	return ErrMessageNotFound
}

// MarkRead moves the reader's statuses up to upTo to read, advances the read
// cursor forward only and stores the recomputed unread count.
func (r *MessageRepo) MarkRead(ctx context.Context, conversationID, userID int64, upTo models.Message, now time.Time) (models.ReadState, []int64, error) {
	var (
		state   models.ReadState
		changed []int64
	)
	err := withTx(ctx, r.db, func(tx *sqlx.Tx) error {
		var p models.Participant
		err := tx.GetContext(ctx, &p, `SELECT `+participantColumns+` FROM participants
            WHERE conversation_id=$1 AND user_id=$2 AND is_active FOR UPDATE`, conversationID, userID)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrParticipantNotFound
		}
		if err != nil {
			return err
		}

		boundary := models.Cursor{CreatedAt: p.JoinedAt}
		if p.LastMessageReadID != nil {
			var cur struct {
				CreatedAt time.Time `db:"created_at"`
				ID        int64     `db:"id"`
			}
			if err := tx.GetContext(ctx, &cur, `SELECT created_at, id FROM messages WHERE id=$1`, *p.LastMessageReadID); err != nil {
				return err
			}
			boundary = models.Cursor{CreatedAt: cur.CreatedAt, ID: cur.ID}
		}
		lastRead := p.LastMessageReadID
		if upTo.Cursor().After(boundary) {
			id := upTo.ID
			lastRead = &id
			boundary = upTo.Cursor()
		}

		if err := tx.SelectContext(ctx, &changed, `UPDATE message_statuses s SET status = 'read', updated_at = $3
            FROM messages m
            WHERE s.message_id = m.id AND s.user_id = $1 AND s.conversation_id = $2 AND s.status <> 'read'
            AND (m.created_at, m.id) <= ($4, $5)
            RETURNING s.message_id`, userID, conversationID, now, upTo.CreatedAt, upTo.ID); err != nil {
			return err
		}

		var unread int
		if err := tx.GetContext(ctx, &unread, `SELECT COUNT(*) FROM messages
            WHERE conversation_id = $1 AND NOT is_deleted AND sender_id <> $2 AND (created_at, id) > ($3, $4)`,
			conversationID, userID, boundary.CreatedAt, boundary.ID); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, `UPDATE participants SET last_message_read_id = $3, last_seen_at = $4, unread_count = $5
            WHERE conversation_id = $1 AND user_id = $2`, conversationID, userID, lastRead, now, unread); err != nil {
			return err
		}

		state = models.ReadState{LastMessageReadID: lastRead, LastSeenAt: now, UnreadCount: unread}
		return nil
	})
	return state, changed, err
}

// MarkDelivered only advances sent to delivered; read rows are never downgraded.
func (r *MessageRepo) MarkDelivered(ctx context.Context, conversationID, userID int64, messageIDs []int64, now time.Time) ([]int64, error) {
	if len(messageIDs) == 0 {
		return nil, nil
	}
	var changed []int64
	err := r.db.SelectContext(ctx, &changed, `UPDATE message_statuses SET status = 'delivered', updated_at = $4
        WHERE user_id = $1 AND conversation_id = $2 AND message_id = ANY($3) AND status = 'sent'
        RETURNING message_id`, userID, conversationID, pq.Int64Array(messageIDs), now)
	return changed, err
}

func (r *MessageRepo) ListStatuses(ctx context.Context, messageID int64) ([]models.MessageStatus, error) {
	var statuses []models.MessageStatus
	err := r.db.SelectContext(ctx, &statuses, `SELECT message_id, user_id, status, updated_at
        FROM message_statuses WHERE message_id=$1 ORDER BY user_id`, messageID)
	return statuses, err
}
