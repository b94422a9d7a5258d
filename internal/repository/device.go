package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/deskrelay/relay-server-go/internal/model"
)

type DeviceRepository interface {
	FindByID(ctx context.Context, id string) (*model.Device, error)
	FindByTokenHash(ctx context.Context, tokenHash string) (*model.Device, error)
	ListByOwner(ctx context.Context, ownerID string) ([]model.Device, error)
	ListAll(ctx context.Context) ([]model.Device, error)
	Create(ctx context.Context, params model.CreateDeviceParams) (*model.Device, error)
	UpdateStatus(ctx context.Context, id string, status model.DeviceStatus, lastSeen time.Time) error
	Rename(ctx context.Context, id string, name string) error
	Delete(ctx context.Context, id string) error
	// MarkAllOffline resets presence after a restart; no connection survives one.
	MarkAllOffline(ctx context.Context) (int64, error)
}

type deviceRepo struct {
	db *sqlx.DB
}

func NewDeviceRepository(db *sqlx.DB) DeviceRepository {
	return &deviceRepo{db: db}
}

func (r *deviceRepo) FindByID(ctx context.Context, id string) (*model.Device, error) {
	var device model.Device
	err := r.db.GetContext(ctx, &device, `
		SELECT * FROM devices WHERE id = $1
	`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &device, nil
}

func (r *deviceRepo) FindByTokenHash(ctx context.Context, tokenHash string) (*model.Device, error) {
	var device model.Device
	err := r.db.GetContext(ctx, &device, `
		SELECT * FROM devices WHERE token_hash = $1
	`, tokenHash)
	return HandleNotFound(&device, err)
}

func (r *deviceRepo) ListByOwner(ctx context.Context, ownerID string) ([]model.Device, error) {
	var devices []model.Device
	err := r.db.SelectContext(ctx, &devices, `
		SELECT * FROM devices
		WHERE owner_id = $1
		ORDER BY created_at ASC
	`, ownerID)
	return devices, err
}

func (r *deviceRepo) ListAll(ctx context.Context) ([]model.Device, error) {
	var devices []model.Device
	err := r.db.SelectContext(ctx, &devices, `
		SELECT * FROM devices ORDER BY created_at ASC
	`)
	return devices, err
}

func (r *deviceRepo) Create(ctx context.Context, params model.CreateDeviceParams) (*model.Device, error) {
	var device model.Device
	err := r.db.GetContext(ctx, &device, `
		INSERT INTO devices (id, name, owner_id, token_hash, os_info, status)
		VALUES ($1, $2, $3, $4, $5, 'offline')
		RETURNING *
	`, uuid.NewString(), params.Name, params.OwnerID, params.TokenHash, params.OSInfo)
	if err != nil {
		return nil, err
	}
	return &device, nil
}

func (r *deviceRepo) UpdateStatus(ctx context.Context, id string, status model.DeviceStatus, lastSeen time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE devices SET
			status = $2,
			last_seen = $3
		WHERE id = $1
	`, id, status, lastSeen)
	return err
}

func (r *deviceRepo) Rename(ctx context.Context, id string, name string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE devices SET name = $2 WHERE id = $1
	`, id, name)
	return err
}

func (r *deviceRepo) Delete(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `
		DELETE FROM devices WHERE id = $1
	`, id)
	return err
}

func (r *deviceRepo) MarkAllOffline(ctx context.Context) (int64, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE devices SET status = 'offline' WHERE status <> 'offline'
	`)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
