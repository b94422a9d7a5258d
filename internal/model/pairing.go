package model

import (
	"time"
)

type PairingCode struct {
	Code      string     `db:"code" json:"code"`
	OwnerID   string     `db:"owner_id" json:"ownerId"`
	ExpiresAt time.Time  `db:"expires_at" json:"expiresAt"`
	UsedAt    *time.Time `db:"used_at" json:"usedAt,omitempty"`
	UsedBy    *string    `db:"used_by" json:"usedBy,omitempty"`
	CreatedAt time.Time  `db:"created_at" json:"createdAt"`
}

type CreatePairingCodeParams struct {
	Code      string
	OwnerID   string
	ExpiresAt time.Time
	CreatedAt time.Time
}

// IsExpired checks if the code has expired at the given instant
func (c *PairingCode) IsExpired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}

// IsUsed checks if the code has already been redeemed
func (c *PairingCode) IsUsed() bool {
	return c.UsedAt != nil
}
