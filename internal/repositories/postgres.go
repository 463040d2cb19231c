package repositories

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

const uniqueViolation = "23505"

// PostgresStore bundles the sqlx repositories behind the Store interface.
type PostgresStore struct {
	*UserRepo
	*ConversationRepo
	*MessageRepo
	*ReactionRepo
	*InviteRepo
}

// NewPostgresStore constructs every repository over db.
func NewPostgresStore(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{
		UserRepo:         NewUserRepo(db),
		ConversationRepo: NewConversationRepo(db),
		MessageRepo:      NewMessageRepo(db),
		ReactionRepo:     NewReactionRepo(db),
		InviteRepo:       NewInviteRepo(db),
	}
}

func withTx(ctx context.Context, db *sqlx.DB, fn func(tx *sqlx.Tx) error) (err error) {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err = fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// isUniqueViolation understands both lib/pq and pgx errors.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == uniqueViolation
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == uniqueViolation
	}
	return false
}
