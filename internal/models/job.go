package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Job is the durable record of an asynchronous batch submission.
type Job struct {
	ID         string          `json:"id" db:"id"`
	AvatarID   uuid.UUID       `json:"avatar_id" db:"avatar_id"`
	BatchID    string          `json:"batch_id" db:"batch_id"`
	State      BatchState      `json:"state" db:"state"`
	Progress   int             `json:"progress_pct" db:"progress"`
	Stage      string          `json:"stage,omitempty" db:"stage"`
	Error      *string         `json:"error,omitempty" db:"error"`
	Config     json.RawMessage `json:"config,omitempty" db:"config"`
	Result     json.RawMessage `json:"result,omitempty" db:"result"`
	LeaseUntil *time.Time      `json:"lease_until,omitempty" db:"lease_until"`
	CreatedAt  time.Time       `json:"created_at" db:"created_at"`
	StartedAt  *time.Time      `json:"started_at,omitempty" db:"started_at"`
	FinishedAt *time.Time      `json:"finished_at,omitempty" db:"finished_at"`
}
