// Package ledger implements quota reservation and settlement for article
// generation. A job reserves one unit of a tenant's credit balance before
// any pipeline work, then the hold is settled (permanent deduction) on
// success or released on failure — each exactly once, no matter how many
// times a crashed job is retried.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/rohandixit/quillforge/internal/store"
	"github.com/rohandixit/quillforge/pkg/models"
)

var (
	ErrInsufficientQuota   = store.ErrInsufficientQuota
	ErrAlreadyResolved     = store.ErrAlreadyResolved
	ErrReservationNotFound = errors.New("reservation not found")
)

// Resolution records one repair performed by ReconcileStuck.
type Resolution struct {
	ReservationID uuid.UUID `json:"reservation_id"`
	JobID         uuid.UUID `json:"job_id"`
	Action        string    `json:"action"` // "settled" or "released"
}

// Ledger exposes reserve/settle/release/reconcile over the store's atomic
// ledger statements. It holds no state of its own; idempotency lives in the
// database (unique job_id on reservations, idempotency_key on deductions).
type Ledger struct {
	store          store.Store
	reserveAmount  int64
	reservationTTL time.Duration
}

func New(st store.Store, reserveAmount int64, reservationTTL time.Duration) *Ledger {
	return &Ledger{
		store:          st,
		reserveAmount:  reserveAmount,
		reservationTTL: reservationTTL,
	}
}

// Reserve places a hold of the configured amount for jobID. Idempotent on
// jobID: a repeated call returns the existing reservation without touching
// the balance again.
func (l *Ledger) Reserve(ctx context.Context, tenantID, jobID uuid.UUID) (*models.QuotaReservation, error) {
	now := time.Now().UTC()
	res := &models.QuotaReservation{
		ID:        uuid.New(),
		TenantID:  tenantID,
		JobID:     jobID,
		Amount:    l.reserveAmount,
		Status:    models.ReservationActive,
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: now.Add(l.reservationTTL),
	}

	out, err := l.store.ReserveQuota(ctx, res)
	if err != nil {
		return nil, err
	}
	if out.ID != res.ID {
		slog.Info("reservation reused", "job_id", jobID, "reservation_id", out.ID, "status", out.Status)
	}
	return out, nil
}

// Settle converts an active reservation into a permanent deduction. The
// caller's idempotency key (the job id in practice) makes retries safe: a
// second call after a successful first returns the original deduction
// record and deducts nothing. Settlement intent is persisted before the
// deduction so a crash in between leaves a pending record the sweeper can
// finish.
func (l *Ledger) Settle(ctx context.Context, reservationID uuid.UUID, idempotencyKey string) (*models.DeductionRecord, error) {
	if existing, err := l.store.GetDeduction(ctx, idempotencyKey); err == nil {
		if existing.Status == models.DeductionCompleted {
			return existing, nil
		}
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	res, err := l.store.GetReservation(ctx, reservationID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrReservationNotFound
	}
	if err != nil {
		return nil, err
	}

	if _, err := l.store.BeginDeduction(ctx, &models.DeductionRecord{
		IdempotencyKey: idempotencyKey,
		ReservationID:  res.ID,
		TenantID:       res.TenantID,
		Amount:         res.Amount,
	}); err != nil {
		return nil, err
	}

	rec, err := l.store.SettleReservation(ctx, reservationID, idempotencyKey)
	if errors.Is(err, store.ErrAlreadyResolved) {
		// Lost a race (or the reservation was released). If the winner
		// completed the same deduction, that result is ours too.
		existing, getErr := l.store.GetDeduction(ctx, idempotencyKey)
		if getErr == nil && existing.Status == models.DeductionCompleted {
			return existing, nil
		}
		return nil, ErrAlreadyResolved
	}
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrReservationNotFound
	}
	if err != nil {
		return nil, err
	}

	slog.Info("reservation settled",
		"reservation_id", reservationID,
		"tenant_id", res.TenantID,
		"idempotency_key", idempotencyKey,
		"amount", rec.Amount)
	return rec, nil
}

// Release returns an active hold to availability. Releasing a reservation
// that is already settled or released is a no-op, not an error.
func (l *Ledger) Release(ctx context.Context, reservationID uuid.UUID) error {
	err := l.store.ReleaseReservation(ctx, reservationID)
	if errors.Is(err, store.ErrNotFound) {
		return ErrReservationNotFound
	}
	if err != nil {
		return err
	}
	slog.Info("reservation released", "reservation_id", reservationID)
	return nil
}

// Balance returns the tenant's quota account.
func (l *Ledger) Balance(ctx context.Context, tenantID uuid.UUID) (*models.QuotaAccount, error) {
	return l.store.GetQuotaAccount(ctx, tenantID)
}

// Grant increases one of the tenant's pools. Payment intake lives outside
// this service; this is the hook it calls to replenish a balance.
func (l *Ledger) Grant(ctx context.Context, tenantID uuid.UUID, pool string, amount int64) (*models.QuotaAccount, error) {
	return l.store.AddQuota(ctx, tenantID, pool, amount)
}

// ReconcileStuck resolves reservations and deduction records left in a
// non-terminal state past the threshold. A terminal job row is the
// authoritative success signal; for a job that is still pending/processing
// (the crash window between finishing work and committing the settle) or
// whose row cannot be loaded, the persisted article decides. Racing a live
// settle is safe: both sides use the job id as the idempotency key.
func (l *Ledger) ReconcileStuck(ctx context.Context, olderThan time.Duration) ([]Resolution, error) {
	var resolutions []Resolution

	stale, err := l.store.ListExpiredReservations(ctx, olderThan, 100)
	if err != nil {
		return nil, fmt.Errorf("list stuck reservations: %w", err)
	}
	for _, res := range stale {
		r, err := l.resolveReservation(ctx, res)
		if err != nil {
			slog.Error("reconcile: resolving reservation failed",
				"reservation_id", res.ID, "job_id", res.JobID, "error", err)
			continue
		}
		resolutions = append(resolutions, r)
	}

	pending, err := l.store.ListStuckDeductions(ctx, olderThan, 100)
	if err != nil {
		return nil, fmt.Errorf("list stuck deductions: %w", err)
	}
	for _, rec := range pending {
		r, err := l.retryDeduction(ctx, rec)
		if err != nil {
			slog.Error("reconcile: retrying deduction failed",
				"idempotency_key", rec.IdempotencyKey, "error", err)
			continue
		}
		if r != nil {
			resolutions = append(resolutions, *r)
		}
	}

	if len(resolutions) > 0 {
		slog.Info("reconcile pass finished", "resolved", len(resolutions))
	}
	return resolutions, nil
}

func (l *Ledger) resolveReservation(ctx context.Context, res *models.QuotaReservation) (Resolution, error) {
	settle, err := l.workCompleted(ctx, res.JobID)
	if err != nil {
		return Resolution{}, err
	}

	if settle {
		if _, err := l.Settle(ctx, res.ID, res.JobID.String()); err != nil && !errors.Is(err, ErrAlreadyResolved) {
			return Resolution{}, err
		}
		l.repairJob(ctx, res.JobID)
		return Resolution{ReservationID: res.ID, JobID: res.JobID, Action: "settled"}, nil
	}

	if err := l.Release(ctx, res.ID); err != nil {
		return Resolution{}, err
	}
	if err := l.store.MarkDeductionFailed(ctx, res.JobID.String()); err != nil &&
		!errors.Is(err, store.ErrNotFound) && !errors.Is(err, store.ErrAlreadyResolved) {
		return Resolution{}, err
	}
	l.repairJobBilling(ctx, res.JobID, models.BillingReleased)
	return Resolution{ReservationID: res.ID, JobID: res.JobID, Action: "released"}, nil
}

// workCompleted decides whether the job behind a stuck reservation earned
// its charge. A terminal job row answers outright. A row still in
// pending/processing means the orchestrator died somewhere between the last
// checkpoint and committing the settle, so only the persisted article can
// tell finished work from abandoned work; a missing row (legacy data) is
// treated the same way.
func (l *Ledger) workCompleted(ctx context.Context, jobID uuid.UUID) (bool, error) {
	job, err := l.store.GetJobByID(ctx, jobID)
	switch {
	case err == nil:
		if job.Status == models.JobStatusCompleted || job.BillingState == models.BillingSettled {
			return true, nil
		}
		if job.Terminal() {
			return false, nil
		}
	case !errors.Is(err, store.ErrNotFound):
		return false, err
	}

	if _, err := l.store.GetArticleByJobID(ctx, jobID); err == nil {
		return true, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return false, err
	}
	return false, nil
}

func (l *Ledger) retryDeduction(ctx context.Context, rec *models.DeductionRecord) (*Resolution, error) {
	res, err := l.store.GetReservation(ctx, rec.ReservationID)
	if err != nil {
		return nil, err
	}
	_, err = l.store.SettleReservation(ctx, rec.ReservationID, rec.IdempotencyKey)
	if err == nil {
		l.repairJob(ctx, res.JobID)
		return &Resolution{ReservationID: rec.ReservationID, JobID: res.JobID, Action: "settled"}, nil
	}
	if errors.Is(err, store.ErrAlreadyResolved) {
		// Reservation already settled (record completed with it) or was
		// released out from under a pending record; the latter can never
		// complete, so close it out.
		current, getErr := l.store.GetDeduction(ctx, rec.IdempotencyKey)
		if getErr != nil {
			return nil, getErr
		}
		if current.Status == models.DeductionCompleted {
			l.repairJob(ctx, res.JobID)
			return nil, nil
		}
		if current.Status == models.DeductionPending {
			if err := l.store.MarkDeductionFailed(ctx, rec.IdempotencyKey); err != nil &&
				!errors.Is(err, store.ErrAlreadyResolved) {
				return nil, err
			}
		}
		return nil, nil
	}
	return nil, err
}

// repairJob syncs the job row after a sweeper-side settle: billing moves to
// settled, and a job still in processing is marked completed so the repair
// is visible without an operator resume. Best-effort; the ledger rows are
// already consistent by the time it runs.
func (l *Ledger) repairJob(ctx context.Context, jobID uuid.UUID) {
	l.repairJobBilling(ctx, jobID, models.BillingSettled)
	job, err := l.store.GetJobByID(ctx, jobID)
	if err != nil || job.Status != models.JobStatusProcessing {
		return
	}
	if err := l.store.UpdateJobStatus(ctx, jobID, models.JobStatusCompleted); err != nil {
		slog.Error("reconcile: completing repaired job failed",
			"job_id", jobID, "error", err)
	}
}

// repairJobBilling is best-effort bookkeeping on the job row; the ledger
// rows are already consistent by the time it runs.
func (l *Ledger) repairJobBilling(ctx context.Context, jobID uuid.UUID, billingState string) {
	if err := l.store.SetJobBilling(ctx, jobID, billingState, nil); err != nil &&
		!errors.Is(err, store.ErrNotFound) {
		slog.Error("reconcile: updating job billing state failed",
			"job_id", jobID, "billing_state", billingState, "error", err)
	}
}
