package repositories

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"messenger-service/internal/models"
)

// UserRepo is the sqlx-backed user directory.
type UserRepo struct {
	db *sqlx.DB
}

// NewUserRepo constructs UserRepo.
func NewUserRepo(db *sqlx.DB) *UserRepo {
	return &UserRepo{db: db}
}

const userColumns = `id, display_name, handle, email, department, is_active, updated_at`

// UpsertUser records the latest identity attributes of a user.
func (r *UserRepo) UpsertUser(ctx context.Context, user models.User) error {
	_, err := r.db.NamedExecContext(ctx, `INSERT INTO users (`+userColumns+`)
        VALUES (:id, :display_name, :handle, :email, :department, :is_active, :updated_at)
        ON CONFLICT (id) DO UPDATE SET
            display_name = EXCLUDED.display_name,
            handle = EXCLUDED.handle,
            email = EXCLUDED.email,
            department = EXCLUDED.department,
            is_active = EXCLUDED.is_active,
            updated_at = EXCLUDED.updated_at`, user)
	return err
}

func (r *UserRepo) GetUser(ctx context.Context, userID int64) (models.User, error) {
	var user models.User
	err := r.db.GetContext(ctx, &user, `SELECT `+userColumns+` FROM users WHERE id=$1`, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.User{}, ErrUserNotFound
	}
	return user, err
}

func (r *UserRepo) GetUsers(ctx context.Context, userIDs []int64) ([]models.User, error) {
	if len(userIDs) == 0 {
		return nil, nil
	}
	var users []models.User
	err := r.db.SelectContext(ctx, &users, `SELECT `+userColumns+` FROM users WHERE id = ANY($1) ORDER BY id`, pq.Int64Array(userIDs))
	return users, err
}

func (r *UserRepo) FindUsersByToken(ctx context.Context, token string) ([]models.User, error) {
	var users []models.User
	err := r.db.SelectContext(ctx, &users, `SELECT `+userColumns+` FROM users
        WHERE is_active AND (LOWER(display_name) = LOWER($1) OR LOWER(handle) = LOWER($1) OR LOWER(email) = LOWER($1))
        ORDER BY id`, token)
	return users, err
}
