package model

import (
	"time"
)

type Session struct {
	ID        string        `db:"id" json:"id"`
	OwnerID   string        `db:"owner_id" json:"ownerId"`
	DeviceID  string        `db:"device_id" json:"deviceId"`
	Status    SessionStatus `db:"status" json:"status"`
	StartedAt time.Time     `db:"started_at" json:"startedAt"`
	EndedAt   *time.Time    `db:"ended_at" json:"endedAt,omitempty"`
}

type CreateSessionParams struct {
	ID        string
	OwnerID   string
	DeviceID  string
	StartedAt time.Time
}
