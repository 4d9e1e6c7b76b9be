package pipeline_test

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rohandixit/quillforge/internal/store"
	"github.com/rohandixit/quillforge/pkg/models"
)

// memStore is an in-memory store.Store with the same ledger semantics as
// the Postgres implementation, for driving the orchestrator without a
// database.
type memStore struct {
	mu           sync.Mutex
	tenants      map[uuid.UUID]*models.Tenant
	accounts     map[uuid.UUID]*models.QuotaAccount
	reservations map[uuid.UUID]*models.QuotaReservation
	byJob        map[uuid.UUID]uuid.UUID
	deductions   map[string]*models.DeductionRecord
	jobs         map[uuid.UUID]*models.Job
	articles     map[uuid.UUID]*models.Article

	reserveErr error
	settleErr  error
	releaseErr error
}

func newMemStore() (*memStore, uuid.UUID) {
	tenantID := uuid.New()
	now := time.Now().UTC()
	return &memStore{
		tenants: map[uuid.UUID]*models.Tenant{tenantID: {
			ID: tenantID, Name: "default", Plan: models.PlanFree,
			CreatedAt: now, UpdatedAt: now,
		}},
		accounts: map[uuid.UUID]*models.QuotaAccount{tenantID: {
			TenantID: tenantID, FreeTrialRemaining: 5, FreeTier: true, UpdatedAt: now,
		}},
		reservations: make(map[uuid.UUID]*models.QuotaReservation),
		byJob:        make(map[uuid.UUID]uuid.UUID),
		deductions:   make(map[string]*models.DeductionRecord),
		jobs:         make(map[uuid.UUID]*models.Job),
		articles:     make(map[uuid.UUID]*models.Article),
	}, tenantID
}

func (m *memStore) Ping(context.Context) error { return nil }

func (m *memStore) GetDefaultTenant(context.Context) (*models.Tenant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tenants {
		return t, nil
	}
	return nil, store.ErrNotFound
}

func (m *memStore) GetAPIKeyByPrefix(context.Context, string) ([]*models.APIKey, error) {
	return nil, nil
}
func (m *memStore) UpdateAPIKeyLastUsed(context.Context, uuid.UUID) error { return nil }
func (m *memStore) CreateAPIKey(context.Context, *models.APIKey) error    { return nil }
func (m *memStore) ListAPIKeys(context.Context, uuid.UUID) ([]*models.APIKey, error) {
	return nil, nil
}
func (m *memStore) RevokeAPIKey(context.Context, uuid.UUID, uuid.UUID) error {
	return store.ErrNotFound
}

func (m *memStore) GetQuotaAccount(_ context.Context, tenantID uuid.UUID) (*models.QuotaAccount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	acct, ok := m.accounts[tenantID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *acct
	return &cp, nil
}

func (m *memStore) AddQuota(_ context.Context, tenantID uuid.UUID, pool string, amount int64) (*models.QuotaAccount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	acct, ok := m.accounts[tenantID]
	if !ok {
		return nil, store.ErrNotFound
	}
	switch pool {
	case models.PoolFreeTrial:
		acct.FreeTrialRemaining += amount
	case models.PoolSubscription:
		acct.SubscriptionRemaining += amount
	case models.PoolPurchased:
		acct.PurchasedRemaining += amount
	default:
		return nil, fmt.Errorf("unknown quota pool %q", pool)
	}
	cp := *acct
	return &cp, nil
}

func (m *memStore) ReserveQuota(_ context.Context, res *models.QuotaReservation) (*models.QuotaReservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.reserveErr != nil {
		return nil, m.reserveErr
	}
	if id, ok := m.byJob[res.JobID]; ok {
		cp := *m.reservations[id]
		return &cp, nil
	}
	acct, ok := m.accounts[res.TenantID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if acct.TotalAvailable() < res.Amount {
		return nil, store.ErrInsufficientQuota
	}
	acct.Reserved += res.Amount
	cp := *res
	cp.Status = models.ReservationActive
	m.reservations[cp.ID] = &cp
	m.byJob[cp.JobID] = cp.ID
	out := cp
	return &out, nil
}

func (m *memStore) GetReservation(_ context.Context, id uuid.UUID) (*models.QuotaReservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	res, ok := m.reservations[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *res
	return &cp, nil
}

func (m *memStore) GetReservationByJobID(_ context.Context, jobID uuid.UUID) (*models.QuotaReservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byJob[jobID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *m.reservations[id]
	return &cp, nil
}

func (m *memStore) SettleReservation(_ context.Context, reservationID uuid.UUID, idempotencyKey string) (*models.DeductionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.settleErr != nil {
		return nil, m.settleErr
	}
	res, ok := m.reservations[reservationID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if res.Status != models.ReservationActive {
		return nil, store.ErrAlreadyResolved
	}
	acct := m.accounts[res.TenantID]

	remaining := res.Amount
	var freePart, subPart int64
	if acct.FreeTier {
		freePart = min(remaining, acct.FreeTrialRemaining)
		remaining -= freePart
	}
	subPart = min(remaining, acct.SubscriptionRemaining)
	remaining -= subPart

	acct.FreeTrialRemaining -= freePart
	acct.SubscriptionRemaining -= subPart
	acct.PurchasedRemaining -= remaining
	acct.Reserved -= res.Amount
	res.Status = models.ReservationSettled

	now := time.Now().UTC()
	rec := &models.DeductionRecord{
		IdempotencyKey: idempotencyKey,
		ReservationID:  res.ID,
		TenantID:       res.TenantID,
		Amount:         res.Amount,
		FreeTrialPart:  freePart, SubscriptionPart: subPart, PurchasedPart: remaining,
		Status:    models.DeductionCompleted,
		CreatedAt: now, UpdatedAt: now,
	}
	m.deductions[idempotencyKey] = rec
	cp := *rec
	return &cp, nil
}

func (m *memStore) ReleaseReservation(_ context.Context, reservationID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.releaseErr != nil {
		return m.releaseErr
	}
	res, ok := m.reservations[reservationID]
	if !ok {
		return store.ErrNotFound
	}
	if res.Status != models.ReservationActive {
		return nil
	}
	res.Status = models.ReservationReleased
	m.accounts[res.TenantID].Reserved -= res.Amount
	return nil
}

func (m *memStore) ListExpiredReservations(_ context.Context, olderThan time.Duration, limit int) ([]*models.QuotaReservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	cutoff := now.Add(-olderThan)
	var out []*models.QuotaReservation
	for _, res := range m.reservations {
		if res.Status != models.ReservationActive {
			continue
		}
		if res.CreatedAt.Before(cutoff) || res.ExpiresAt.Before(now) {
			cp := *res
			out = append(out, &cp)
		}
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *memStore) BeginDeduction(_ context.Context, rec *models.DeductionRecord) (*models.DeductionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.deductions[rec.IdempotencyKey]; ok {
		cp := *existing
		return &cp, nil
	}
	now := time.Now().UTC()
	cp := *rec
	cp.Status = models.DeductionPending
	cp.CreatedAt = now
	cp.UpdatedAt = now
	m.deductions[cp.IdempotencyKey] = &cp
	out := cp
	return &out, nil
}

func (m *memStore) GetDeduction(_ context.Context, idempotencyKey string) (*models.DeductionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.deductions[idempotencyKey]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (m *memStore) MarkDeductionFailed(_ context.Context, idempotencyKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.deductions[idempotencyKey]
	if !ok || rec.Status != models.DeductionPending {
		return store.ErrAlreadyResolved
	}
	rec.Status = models.DeductionFailed
	return nil
}

func (m *memStore) ListStuckDeductions(_ context.Context, olderThan time.Duration, limit int) ([]*models.DeductionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := time.Now().UTC().Add(-olderThan)
	var out []*models.DeductionRecord
	for _, rec := range m.deductions {
		if rec.Status != models.DeductionPending || !rec.CreatedAt.Before(cutoff) {
			continue
		}
		cp := *rec
		out = append(out, &cp)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *memStore) CreateJob(_ context.Context, job *models.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[job.ID]; ok {
		return store.ErrDuplicateKey
	}
	cp := copyJob(job)
	m.jobs[job.ID] = cp
	return nil
}

func (m *memStore) GetJob(_ context.Context, id, tenantID uuid.UUID) (*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok || job.TenantID != tenantID {
		return nil, store.ErrNotFound
	}
	return copyJob(job), nil
}

func (m *memStore) GetJobByID(_ context.Context, id uuid.UUID) (*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return copyJob(job), nil
}

func (m *memStore) UpdateJobStatus(_ context.Context, id uuid.UUID, status string, opts ...store.JobUpdateOption) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return store.ErrNotFound
	}
	if job.Terminal() {
		return fmt.Errorf("invalid job status transition: %s -> %s", job.Status, status)
	}
	job.Status = status
	job.UpdatedAt = time.Now().UTC()
	errorMessage, currentPhase := store.ResolveJobUpdateOptions(opts...)
	if errorMessage != nil {
		job.ErrorMessage = errorMessage
	}
	if currentPhase != nil {
		job.CurrentPhase = currentPhase
	}
	return nil
}

func (m *memStore) SetJobBilling(_ context.Context, id uuid.UUID, billingState string, reservationID *uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return store.ErrNotFound
	}
	job.BillingState = billingState
	if reservationID != nil {
		job.ReservationID = reservationID
	}
	return nil
}

func (m *memStore) RecordPhaseResult(_ context.Context, id uuid.UUID, phase string, result json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return store.ErrNotFound
	}
	if job.PhaseResults == nil {
		job.PhaseResults = make(map[string]json.RawMessage)
	}
	job.PhaseResults[phase] = append(json.RawMessage(nil), result...)
	phaseCopy := phase
	job.CurrentPhase = &phaseCopy
	return nil
}

func (m *memStore) RequestJobCancel(_ context.Context, id, tenantID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok || job.TenantID != tenantID {
		return store.ErrNotFound
	}
	job.CancelRequested = true
	return nil
}

func (m *memStore) CreateArticle(_ context.Context, article *models.Article) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.articles[article.JobID]; ok {
		return nil
	}
	cp := *article
	m.articles[article.JobID] = &cp
	return nil
}

func (m *memStore) GetArticleByJobID(_ context.Context, jobID uuid.UUID) (*models.Article, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.articles[jobID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func copyJob(job *models.Job) *models.Job {
	cp := *job
	cp.PhaseResults = make(map[string]json.RawMessage, len(job.PhaseResults))
	for k, v := range job.PhaseResults {
		cp.PhaseResults[k] = append(json.RawMessage(nil), v...)
	}
	return &cp
}

var _ store.Store = (*memStore)(nil)
