package models

import (
	"time"

	"github.com/google/uuid"
)

const (
	PlanFree = "free"
	PlanPro  = "pro"
)

// Tenant represents an organization or team. Every other entity belongs to a tenant.
type Tenant struct {
	ID        uuid.UUID `db:"id"         json:"id"`
	Name      string    `db:"name"       json:"name"`
	Plan      string    `db:"plan"       json:"plan"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// Quota pool identifiers, in consumption precedence order.
const (
	PoolFreeTrial    = "free_trial"
	PoolSubscription = "subscription"
	PoolPurchased    = "purchased"
)

// QuotaAccount is a tenant's credit balance, split into three pools.
// Free-trial credits are consumed first and only apply on the free plan;
// subscription credits reset at the period boundary; purchased credits
// never expire and are consumed last. Reserved is the sum of all active
// reservation amounts and is maintained exclusively by the ledger's atomic
// SQL statements, never by application-level read-modify-write.
type QuotaAccount struct {
	TenantID              uuid.UUID `db:"tenant_id"              json:"tenant_id"`
	FreeTrialRemaining    int64     `db:"free_trial_remaining"   json:"free_trial_remaining"`
	SubscriptionRemaining int64     `db:"subscription_remaining" json:"subscription_remaining"`
	PurchasedRemaining    int64     `db:"purchased_remaining"    json:"purchased_remaining"`
	Reserved              int64     `db:"reserved"               json:"reserved"`
	FreeTier              bool      `db:"free_tier"              json:"free_tier"`
	UpdatedAt             time.Time `db:"updated_at"             json:"updated_at"`
}

// TotalAvailable is the balance a new reservation competes for.
func (a *QuotaAccount) TotalAvailable() int64 {
	total := a.SubscriptionRemaining + a.PurchasedRemaining
	if a.FreeTier {
		total += a.FreeTrialRemaining
	}
	return total - a.Reserved
}
