package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/deskrelay/relay-server-go/internal/model"
)

type UserRepository interface {
	FindByID(ctx context.Context, id string) (*model.User, error)
	FindByEmail(ctx context.Context, email string) (*model.User, error)
	FindByTokenHash(ctx context.Context, tokenHash string) (*model.User, error)
	Create(ctx context.Context, params model.CreateUserParams) (*model.User, error)
	UpdateTokenHash(ctx context.Context, id string, tokenHash string, loginAt time.Time) error
}

type userRepo struct {
	db *sqlx.DB
}

func NewUserRepository(db *sqlx.DB) UserRepository {
	return &userRepo{db: db}
}

func (r *userRepo) findOne(ctx context.Context, query string, arg any) (*model.User, error) {
	var user model.User
	err := r.db.GetContext(ctx, &user, query, arg)
	return HandleNotFound(&user, err)
}

func (r *userRepo) FindByID(ctx context.Context, id string) (*model.User, error) {
	return r.findOne(ctx, `SELECT * FROM users WHERE id = $1`, id)
}

func (r *userRepo) FindByEmail(ctx context.Context, email string) (*model.User, error) {
	return r.findOne(ctx, `SELECT * FROM users WHERE email = $1`, email)
}

func (r *userRepo) FindByTokenHash(ctx context.Context, tokenHash string) (*model.User, error) {
	return r.findOne(ctx, `SELECT * FROM users WHERE token_hash = $1`, tokenHash)
}

func (r *userRepo) Create(ctx context.Context, params model.CreateUserParams) (*model.User, error) {
	var user model.User
	err := r.db.GetContext(ctx, &user, `
		INSERT INTO users (id, email, password_hash)
		VALUES ($1, $2, $3)
		RETURNING *
	`, uuid.NewString(), params.Email, params.PasswordHash)
	if err != nil {
		return nil, translateUnique(err)
	}
	return &user, nil
}

func (r *userRepo) UpdateTokenHash(ctx context.Context, id string, tokenHash string, loginAt time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE users SET
			token_hash = $2,
			last_login_at = $3
		WHERE id = $1
	`, id, tokenHash, loginAt)
	return err
}
