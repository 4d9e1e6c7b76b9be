package models

import (
	"time"

	"github.com/google/uuid"
)

const (
	DeductionPending   = "pending"
	DeductionCompleted = "completed"
	DeductionFailed    = "failed"
)

// DeductionRecord is the durable audit row written at settlement time, keyed
// by the caller's idempotency key (the job id in practice). A record stuck
// in pending means a settle started but never committed its deduction; the
// sweeper retries those with the same key, so whichever caller commits first
// wins and the other observes the completed record.
type DeductionRecord struct {
	IdempotencyKey   string    `db:"idempotency_key"   json:"idempotency_key"`
	ReservationID    uuid.UUID `db:"reservation_id"    json:"reservation_id"`
	TenantID         uuid.UUID `db:"tenant_id"         json:"tenant_id"`
	Amount           int64     `db:"amount"            json:"amount"`
	FreeTrialPart    int64     `db:"free_trial_part"   json:"free_trial_part"`
	SubscriptionPart int64     `db:"subscription_part" json:"subscription_part"`
	PurchasedPart    int64     `db:"purchased_part"    json:"purchased_part"`
	Status           string    `db:"status"            json:"status"`
	CreatedAt        time.Time `db:"created_at"        json:"created_at"`
	UpdatedAt        time.Time `db:"updated_at"        json:"updated_at"`
}
