package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/rohandixit/quillforge/internal/api/response"
	"github.com/rohandixit/quillforge/internal/ledger"
	"github.com/rohandixit/quillforge/internal/store"
	"github.com/rohandixit/quillforge/pkg/models"
)

// Reconciler triggers a reconciliation pass on demand.
type Reconciler interface {
	RunOnce(ctx context.Context) ([]ledger.Resolution, error)
}

// Granter credits a quota pool.
type Granter interface {
	Grant(ctx context.Context, tenantID uuid.UUID, pool string, amount int64) (*models.QuotaAccount, error)
}

// NewReconcileHandler returns an http.HandlerFunc for POST /api/v1/admin/reconcile.
// Runs the same pass as the background sweeper and reports what it resolved.
func NewReconcileHandler(rec Reconciler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resolutions, err := rec.RunOnce(r.Context())
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"Reconciliation pass failed", nil)
			return
		}

		response.JSON(w, map[string]any{
			"resolved":    len(resolutions),
			"resolutions": resolutions,
		})
	}
}

// NewTopupHandler returns an http.HandlerFunc for POST /api/v1/admin/topup.
func NewTopupHandler(lg Granter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			TenantID string `json:"tenant_id"`
			Pool     string `json:"pool"`
			Amount   int64  `json:"amount"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}

		tenantID, err := uuid.Parse(req.TenantID)
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "tenant_id must be a valid UUID", nil)
			return
		}

		switch req.Pool {
		case models.PoolFreeTrial, models.PoolSubscription, models.PoolPurchased:
		default:
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST",
				"pool must be one of free_trial, subscription, purchased", nil)
			return
		}

		if req.Amount <= 0 {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "amount must be positive", nil)
			return
		}

		account, err := lg.Grant(r.Context(), tenantID, req.Pool, req.Amount)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				response.Error(w, http.StatusNotFound, "NOT_FOUND", "No quota account for tenant", nil)
				return
			}
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"Failed to credit quota", nil)
			return
		}

		response.JSON(w, map[string]any{
			"tenant_id":       tenantID.String(),
			"pool":            req.Pool,
			"credited":        req.Amount,
			"total_available": account.TotalAvailable(),
		})
	}
}
