package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/deskrelay/relay-server-go/internal/model"
)

type SessionRepository interface {
	FindByID(ctx context.Context, id string) (*model.Session, error)
	Create(ctx context.Context, params model.CreateSessionParams) (*model.Session, error)
	UpdateStatus(ctx context.Context, id string, status model.SessionStatus, endedAt *time.Time) error
	// EndLive terminates every pending or active session left behind by a previous process.
	EndLive(ctx context.Context, endedAt time.Time) (int64, error)
}

type sessionRepo struct {
	db *sqlx.DB
}

func NewSessionRepository(db *sqlx.DB) SessionRepository {
	return &sessionRepo{db: db}
}

func (r *sessionRepo) FindByID(ctx context.Context, id string) (*model.Session, error) {
	var session model.Session
	err := r.db.GetContext(ctx, &session, `
		SELECT * FROM sessions WHERE id = $1
	`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &session, nil
}

func (r *sessionRepo) Create(ctx context.Context, params model.CreateSessionParams) (*model.Session, error) {
	var session model.Session
	err := r.db.GetContext(ctx, &session, `
		INSERT INTO sessions (id, owner_id, device_id, status, started_at)
		VALUES ($1, $2, $3, 'pending', $4)
		RETURNING *
	`, params.ID, params.OwnerID, params.DeviceID, params.StartedAt)
	if err != nil {
		return nil, translateUnique(err)
	}
	return &session, nil
}

func (r *sessionRepo) UpdateStatus(ctx context.Context, id string, status model.SessionStatus, endedAt *time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE sessions SET
			status = $2,
			ended_at = COALESCE($3, ended_at)
		WHERE id = $1
	`, id, status, endedAt)
	return err
}

func (r *sessionRepo) EndLive(ctx context.Context, endedAt time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE sessions SET
			status = 'ended',
			ended_at = $1
		WHERE status IN ('pending', 'active')
	`, endedAt)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
