package model

import (
	"time"
)

type Device struct {
	ID        string       `db:"id" json:"id"`
	Name      string       `db:"name" json:"name"`
	OwnerID   string       `db:"owner_id" json:"ownerId"`
	TokenHash string       `db:"token_hash" json:"-"`
	OSInfo    *string      `db:"os_info" json:"osInfo,omitempty"`
	Status    DeviceStatus `db:"status" json:"status"`
	LastSeen  *time.Time   `db:"last_seen" json:"lastSeen,omitempty"`
	CreatedAt time.Time    `db:"created_at" json:"createdAt"`
}

type CreateDeviceParams struct {
	Name      string
	OwnerID   string
	TokenHash string
	OSInfo    *string
}
