package db

import (
	"context"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"messenger-service/internal/observability"
)

// Connect initializes the database connection and runs migrations.
// driver is "postgres" (lib/pq) or "pgx" (pgx stdlib).
func Connect(ctx context.Context, driver, dsn string) (*sqlx.DB, error) {
	switch driver {
	case "", "postgres":
		driver = "postgres"
	case "pgx":
	default:
		return nil, fmt.Errorf("unsupported db driver %q", driver)
	}

	db, err := sqlx.ConnectContext(ctx, driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect db: %w", err)
	}

	if err := runMigrations(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return db, nil
}

func runMigrations(ctx context.Context, db *sqlx.DB) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS users (
            id BIGINT PRIMARY KEY,
            display_name TEXT NOT NULL DEFAULT '',
            handle TEXT NOT NULL DEFAULT '',
            email TEXT NOT NULL DEFAULT '',
            department TEXT NOT NULL DEFAULT '',
            is_active BOOLEAN NOT NULL DEFAULT TRUE,
            updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
        );`,
		`CREATE INDEX IF NOT EXISTS users_display_name_lower_idx ON users (LOWER(display_name));`,
		`CREATE INDEX IF NOT EXISTS users_handle_lower_idx ON users (LOWER(handle));`,
		`CREATE INDEX IF NOT EXISTS users_email_lower_idx ON users (LOWER(email));`,
		`CREATE TABLE IF NOT EXISTS conversations (
            id BIGSERIAL PRIMARY KEY,
            type TEXT NOT NULL,
            name TEXT NOT NULL DEFAULT '',
            description TEXT NOT NULL DEFAULT '',
            department TEXT NOT NULL DEFAULT '',
            creator_id BIGINT NOT NULL,
            is_private BOOLEAN NOT NULL DEFAULT FALSE,
            is_active BOOLEAN NOT NULL DEFAULT TRUE,
            messages_count INT NOT NULL DEFAULT 0,
            participants_count INT NOT NULL DEFAULT 0,
            last_message_id BIGINT,
            last_message_sender_id BIGINT,
            last_message_preview TEXT,
            last_message_at TIMESTAMPTZ,
            settings JSONB NOT NULL DEFAULT '{}',
            direct_key TEXT,
            archived_at TIMESTAMPTZ,
            created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
            updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
        );`,
		`CREATE UNIQUE INDEX IF NOT EXISTS conversations_direct_key_idx
            ON conversations (direct_key) WHERE is_active AND direct_key IS NOT NULL;`,
		`CREATE TABLE IF NOT EXISTS participants (
            conversation_id BIGINT NOT NULL REFERENCES conversations(id),
            user_id BIGINT NOT NULL,
            role TEXT NOT NULL,
            can_send_messages BOOLEAN NOT NULL DEFAULT TRUE,
            can_add_participants BOOLEAN NOT NULL DEFAULT FALSE,
            can_delete_messages BOOLEAN NOT NULL DEFAULT FALSE,
            is_muted BOOLEAN NOT NULL DEFAULT FALSE,
            is_active BOOLEAN NOT NULL DEFAULT TRUE,
            joined_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
            left_at TIMESTAMPTZ,
            last_seen_at TIMESTAMPTZ,
            last_message_read_id BIGINT,
            unread_count INT NOT NULL DEFAULT 0,
            PRIMARY KEY (conversation_id, user_id)
        );`,
		`CREATE INDEX IF NOT EXISTS participants_user_idx ON participants (user_id) WHERE is_active;`,
		`CREATE TABLE IF NOT EXISTS messages (
            id BIGSERIAL PRIMARY KEY,
            conversation_id BIGINT NOT NULL REFERENCES conversations(id),
            sender_id BIGINT NOT NULL,
            type TEXT NOT NULL,
            content TEXT NOT NULL DEFAULT '',
            attachments JSONB NOT NULL DEFAULT '[]',
            mentions BIGINT[] NOT NULL DEFAULT '{}',
            reply_to_id BIGINT REFERENCES messages(id),
            reply_preview JSONB,
            is_edited BOOLEAN NOT NULL DEFAULT FALSE,
            is_deleted BOOLEAN NOT NULL DEFAULT FALSE,
            is_pinned BOOLEAN NOT NULL DEFAULT FALSE,
            reactions_count INT NOT NULL DEFAULT 0,
            metadata JSONB NOT NULL DEFAULT '{}',
            edited_at TIMESTAMPTZ,
            deleted_at TIMESTAMPTZ,
            deleted_by BIGINT,
            created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
            updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
        );`,
		`CREATE INDEX IF NOT EXISTS messages_conversation_created_idx
            ON messages (conversation_id, created_at DESC, id DESC);`,
		`CREATE TABLE IF NOT EXISTS message_statuses (
            message_id BIGINT NOT NULL REFERENCES messages(id),
            user_id BIGINT NOT NULL,
            conversation_id BIGINT NOT NULL,
            status TEXT NOT NULL,
            updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
            PRIMARY KEY (message_id, user_id)
        );`,
		`CREATE INDEX IF NOT EXISTS message_statuses_user_conv_idx ON message_statuses (user_id, conversation_id);`,
		`CREATE TABLE IF NOT EXISTS reactions (
            target_kind TEXT NOT NULL,
            target_id BIGINT NOT NULL,
            user_id BIGINT NOT NULL,
            type TEXT NOT NULL,
            created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
            updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
            PRIMARY KEY (target_kind, target_id, user_id)
        );`,
		`CREATE TABLE IF NOT EXISTS invites (
            id BIGSERIAL PRIMARY KEY,
            conversation_id BIGINT NOT NULL REFERENCES conversations(id),
            inviter_id BIGINT NOT NULL,
            invitee_id BIGINT NOT NULL,
            message TEXT NOT NULL DEFAULT '',
            status TEXT NOT NULL,
            expires_at TIMESTAMPTZ NOT NULL,
            responded_at TIMESTAMPTZ,
            created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
        );`,
		`CREATE UNIQUE INDEX IF NOT EXISTS invites_pending_idx
            ON invites (conversation_id, invitee_id) WHERE status = 'pending';`,
	}

	for _, m := range migrations {
		if _, err := db.ExecContext(ctx, m); err != nil {
			return err
		}
	}
	observability.Logger().Info("database migrations applied", "count", len(migrations))
	return nil
}
