package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	mw "github.com/rohandixit/quillforge/internal/api/middleware"
	"github.com/rohandixit/quillforge/internal/api/response"
	"github.com/rohandixit/quillforge/internal/cache"
	"github.com/rohandixit/quillforge/internal/store"
	"github.com/rohandixit/quillforge/pkg/models"
)

// quotaSnapshotTTL bounds how stale a cached balance served during a store
// outage can be.
const quotaSnapshotTTL = 5 * time.Minute

// QuotaReader defines the ledger read the quota handler depends on.
type QuotaReader interface {
	Balance(ctx context.Context, tenantID uuid.UUID) (*models.QuotaAccount, error)
}

// NewQuotaHandler returns an http.HandlerFunc for GET /api/v1/quota. Each
// successful read refreshes a per-tenant snapshot in the cache; when the
// store is unreachable the snapshot is served instead, same degraded-read
// path the job status endpoint uses.
func NewQuotaHandler(lg QuotaReader, ca cache.Cache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, ok := mw.GetTenantID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing tenant", nil)
			return
		}

		account, err := lg.Balance(r.Context(), tenantID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				response.Error(w, http.StatusNotFound, "NOT_FOUND", "No quota account for tenant", nil)
				return
			}
			if raw, ok, cacheErr := ca.Get(r.Context(), cache.QuotaSnapshotKey(tenantID)); cacheErr == nil && ok {
				var snapshot map[string]any
				if json.Unmarshal(raw, &snapshot) == nil {
					response.JSON(w, snapshot)
					return
				}
			}
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"Failed to load quota account", nil)
			return
		}

		payload := map[string]any{
			"free_trial_remaining":   account.FreeTrialRemaining,
			"subscription_remaining": account.SubscriptionRemaining,
			"purchased_remaining":    account.PurchasedRemaining,
			"reserved":               account.Reserved,
			"free_tier":              account.FreeTier,
			"total_available":        account.TotalAvailable(),
		}
		if raw, err := json.Marshal(payload); err == nil {
			_ = ca.Set(r.Context(), cache.QuotaSnapshotKey(tenantID), raw, quotaSnapshotTTL)
		}
		response.JSON(w, payload)
	}
}
