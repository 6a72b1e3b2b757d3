package repositories

import (
	"context"

	"github.com/jmoiron/sqlx"

	"market-chat/internal/models"
)

// UserRepository mirrors identities from the auth collaborator.
type UserRepository interface {
	UpsertUser(ctx context.Context, user models.User) error
	BulkUsers(ctx context.Context, ids []int64) ([]models.User, error)
}

type UserRepo struct {
	db *sqlx.DB
}

func NewUserRepo(db *sqlx.DB) *UserRepo {
	return &UserRepo{db: db}
}

// UpsertUser stores or refreshes the local copy of a user.
func (r *UserRepo) UpsertUser(ctx context.Context, user models.User) error {
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`INSERT INTO users (id, username, avatar) VALUES (?, ?, ?)
        ON CONFLICT (id) DO UPDATE SET username = EXCLUDED.username, avatar = EXCLUDED.avatar`),
		user.ID, user.Username, user.Avatar)
	return err
}

// BulkUsers returns the known users among ids. Unknown ids are skipped.
func (r *UserRepo) BulkUsers(ctx context.Context, ids []int64) ([]models.User, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query, args, err := sqlx.In(`SELECT id, username, avatar FROM users WHERE id IN (?) ORDER BY id`, ids)
	if err != nil {
		return nil, err
	}
	var users []models.User
	err = r.db.SelectContext(ctx, &users, r.db.Rebind(query), args...)
	return users, err
}
