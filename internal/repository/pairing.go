package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/deskrelay/relay-server-go/internal/model"
)

// ErrCodeCollision is returned by Create when the code is held by another unexpired entry.
var ErrCodeCollision = errors.New("pairing code collision")

type PairingCodeRepository interface {
	// FindByCode returns the code regardless of expiry or use, or nil when absent.
	FindByCode(ctx context.Context, code string) (*model.PairingCode, error)
	ExistsActive(ctx context.Context, code string, now time.Time) (bool, error)
	CountActiveByOwner(ctx context.Context, ownerID string, now time.Time) (int, error)
	Create(ctx context.Context, params model.CreatePairingCodeParams) (*model.PairingCode, error)
	// MarkUsed flips the used flag only if the code is still unused and unexpired at now.
	// It reports whether this call performed the redemption.
	MarkUsed(ctx context.Context, code string, usedBy string, now time.Time) (bool, error)
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

type pairingCodeRepo struct {
	db *sqlx.DB
}

func NewPairingCodeRepository(db *sqlx.DB) PairingCodeRepository {
	return &pairingCodeRepo{db: db}
}

func (r *pairingCodeRepo) FindByCode(ctx context.Context, code string) (*model.PairingCode, error) {
	var pc model.PairingCode
	err := r.db.GetContext(ctx, &pc, `
		SELECT * FROM pairing_codes WHERE code = $1
	`, code)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &pc, nil
}

func (r *pairingCodeRepo) ExistsActive(ctx context.Context, code string, now time.Time) (bool, error) {
	var exists bool
	err := r.db.GetContext(ctx, &exists, `
		SELECT EXISTS (
			SELECT 1 FROM pairing_codes
			WHERE code = $1 AND used_at IS NULL AND expires_at > $2
		)
	`, code, now)
	return exists, err
}

func (r *pairingCodeRepo) CountActiveByOwner(ctx context.Context, ownerID string, now time.Time) (int, error) {
	var count int
	err := r.db.GetContext(ctx, &count, `
		SELECT COUNT(*) FROM pairing_codes
		WHERE owner_id = $1 AND used_at IS NULL AND expires_at > $2
	`, ownerID, now)
	return count, err
}

func (r *pairingCodeRepo) Create(ctx context.Context, params model.CreatePairingCodeParams) (*model.PairingCode, error) {
	var pc model.PairingCode
	// A stale row (expired or used but not yet swept) may be recycled.
	err := r.db.GetContext(ctx, &pc, `
		INSERT INTO pairing_codes (code, owner_id, expires_at, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (code) DO UPDATE SET
			owner_id = EXCLUDED.owner_id,
			expires_at = EXCLUDED.expires_at,
			used_at = NULL,
			used_by = NULL,
			created_at = EXCLUDED.created_at
		WHERE pairing_codes.used_at IS NOT NULL OR pairing_codes.expires_at <= EXCLUDED.created_at
		RETURNING *
	`, params.Code, params.OwnerID, params.ExpiresAt, params.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrCodeCollision
	}
	if err != nil {
		return nil, err
	}
	return &pc, nil
}

func (r *pairingCodeRepo) MarkUsed(ctx context.Context, code string, usedBy string, now time.Time) (bool, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE pairing_codes SET
			used_at = $2,
			used_by = $3
		WHERE code = $1 AND used_at IS NULL AND expires_at > $2
	`, code, now, usedBy)
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *pairingCodeRepo) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `
		DELETE FROM pairing_codes
		WHERE expires_at < $1 OR used_at IS NOT NULL
	`, now)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
