package models

import (
	"time"

	"github.com/google/uuid"
)

const (
	ReservationActive   = "active"
	ReservationSettled  = "settled"
	ReservationReleased = "released"
)

// QuotaReservation is a temporary hold against a tenant's balance, created
// before any pipeline phase runs and resolved to settled or released exactly
// once. At most one reservation exists per job (job_id is unique), so
// re-reserving after a crash returns the original hold instead of stacking
// a second one. ExpiresAt is the hard TTL after which the sweeper may
// resolve an active reservation on the orchestrator's behalf.
type QuotaReservation struct {
	ID        uuid.UUID `db:"id"         json:"id"`
	TenantID  uuid.UUID `db:"tenant_id"  json:"tenant_id"`
	JobID     uuid.UUID `db:"job_id"     json:"job_id"`
	Amount    int64     `db:"amount"     json:"amount"`
	Status    string    `db:"status"     json:"status"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
	ExpiresAt time.Time `db:"expires_at" json:"expires_at"`
}
