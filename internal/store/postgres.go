package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rohandixit/quillforge/pkg/models"
)

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --- Tenants ---

func (s *PostgresStore) GetDefaultTenant(ctx context.Context) (*models.Tenant, error) {
	var t models.Tenant
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, plan, created_at, updated_at FROM tenants WHERE name = 'default' LIMIT 1`,
	).Scan(&t.ID, &t.Name, &t.Plan, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get default tenant: %w", err)
	}
	return &t, nil
}

// --- API Keys ---

func (s *PostgresStore) GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, tenant_id, name, key_hash, key_prefix, scopes, last_used_at, deleted_at, created_at, updated_at
		 FROM api_keys WHERE key_prefix = $1 AND deleted_at IS NULL`, prefix)
	if err != nil {
		return nil, fmt.Errorf("get api key by prefix: %w", err)
	}
	defer rows.Close()

	var keys []*models.APIKey
	for rows.Next() {
		var k models.APIKey
		if err := rows.Scan(&k.ID, &k.TenantID, &k.Name, &k.KeyHash, &k.KeyPrefix, &k.Scopes,
			&k.LastUsedAt, &k.DeletedAt, &k.CreatedAt, &k.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, &k)
	}
	return keys, rows.Err()
}

func (s *PostgresStore) UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET last_used_at = NOW(), updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("update api key last used: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateAPIKey(ctx context.Context, key *models.APIKey) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO api_keys (id, tenant_id, name, key_hash, key_prefix, scopes, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		key.ID, key.TenantID, key.Name, key.KeyHash, key.KeyPrefix, key.Scopes, key.CreatedAt, key.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create api key: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListAPIKeys(ctx context.Context, tenantID uuid.UUID) ([]*models.APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, tenant_id, name, key_hash, key_prefix, scopes, last_used_at, deleted_at, created_at, updated_at
		 FROM api_keys WHERE tenant_id = $1 AND deleted_at IS NULL ORDER BY created_at DESC`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	defer rows.Close()

	var keys []*models.APIKey
	for rows.Next() {
		var k models.APIKey
		if err := rows.Scan(&k.ID, &k.TenantID, &k.Name, &k.KeyHash, &k.KeyPrefix, &k.Scopes,
			&k.LastUsedAt, &k.DeletedAt, &k.CreatedAt, &k.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, &k)
	}
	return keys, rows.Err()
}

func (s *PostgresStore) RevokeAPIKey(ctx context.Context, id uuid.UUID, tenantID uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET deleted_at = NOW(), updated_at = NOW()
		 WHERE id = $1 AND tenant_id = $2 AND deleted_at IS NULL`, id, tenantID)
	if err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Quota Accounts ---

const quotaAccountCols = `tenant_id, free_trial_remaining, subscription_remaining, purchased_remaining, reserved, free_tier, updated_at`

func scanQuotaAccount(row pgx.Row) (*models.QuotaAccount, error) {
	var a models.QuotaAccount
	err := row.Scan(&a.TenantID, &a.FreeTrialRemaining, &a.SubscriptionRemaining,
		&a.PurchasedRemaining, &a.Reserved, &a.FreeTier, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *PostgresStore) GetQuotaAccount(ctx context.Context, tenantID uuid.UUID) (*models.QuotaAccount, error) {
	a, err := scanQuotaAccount(s.pool.QueryRow(ctx,
		`SELECT `+quotaAccountCols+` FROM quota_accounts WHERE tenant_id = $1`, tenantID))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("get quota account: %w", err)
	}
	return a, err
}

func (s *PostgresStore) AddQuota(ctx context.Context, tenantID uuid.UUID, pool string, amount int64) (*models.QuotaAccount, error) {
	var col string
	switch pool {
	case models.PoolFreeTrial:
		col = "free_trial_remaining"
	case models.PoolSubscription:
		col = "subscription_remaining"
	case models.PoolPurchased:
		col = "purchased_remaining"
	default:
		return nil, fmt.Errorf("unknown quota pool %q", pool)
	}
	if amount < 0 {
		return nil, fmt.Errorf("quota grant must be non-negative, got %d", amount)
	}

	a, err := scanQuotaAccount(s.pool.QueryRow(ctx,
		`UPDATE quota_accounts SET `+col+` = `+col+` + $2, updated_at = NOW()
		 WHERE tenant_id = $1
		 RETURNING `+quotaAccountCols, tenantID, amount))
	if errors.Is(err, ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("add quota: %w", err)
	}
	return a, nil
}

// --- Reservations ---

const reservationCols = `id, tenant_id, job_id, amount, status, created_at, updated_at, expires_at`

func scanReservation(row pgx.Row) (*models.QuotaReservation, error) {
	var r models.QuotaReservation
	err := row.Scan(&r.ID, &r.TenantID, &r.JobID, &r.Amount, &r.Status,
		&r.CreatedAt, &r.UpdatedAt, &r.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// ReserveQuota is the overspend-prevention gate. The hold is inserted first
// (job_id is unique, so a duplicate reserve falls back to returning the
// existing row), then the balance is claimed with a single conditional
// UPDATE; if the condition fails the whole transaction rolls back and the
// hold never existed.
func (s *PostgresStore) ReserveQuota(ctx context.Context, res *models.QuotaReservation) (*models.QuotaReservation, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("reserve quota: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`INSERT INTO quota_reservations (id, tenant_id, job_id, amount, status, created_at, updated_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (job_id) DO NOTHING`,
		res.ID, res.TenantID, res.JobID, res.Amount, models.ReservationActive,
		res.CreatedAt, res.UpdatedAt, res.ExpiresAt)
	if err != nil {
		return nil, fmt.Errorf("reserve quota: insert: %w", err)
	}

	if tag.RowsAffected() == 0 {
		// Idempotent re-reserve: the job already holds (or held) a reservation.
		existing, err := scanReservation(tx.QueryRow(ctx,
			`SELECT `+reservationCols+` FROM quota_reservations WHERE job_id = $1`, res.JobID))
		if err != nil {
			return nil, fmt.Errorf("reserve quota: load existing: %w", err)
		}
		if err := tx.Commit(ctx); err != nil {
			return nil, fmt.Errorf("reserve quota: commit: %w", err)
		}
		return existing, nil
	}

	claim, err := tx.Exec(ctx,
		`UPDATE quota_accounts
		 SET reserved = reserved + $2, updated_at = NOW()
		 WHERE tenant_id = $1
		   AND (CASE WHEN free_tier THEN free_trial_remaining ELSE 0 END)
		       + subscription_remaining + purchased_remaining - reserved >= $2`,
		res.TenantID, res.Amount)
	if err != nil {
		return nil, fmt.Errorf("reserve quota: claim balance: %w", err)
	}
	if claim.RowsAffected() == 0 {
		// Distinguish a missing account from an exhausted one.
		var exists bool
		if err := tx.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM quota_accounts WHERE tenant_id = $1)`, res.TenantID,
		).Scan(&exists); err != nil {
			return nil, fmt.Errorf("reserve quota: check account: %w", err)
		}
		if !exists {
			return nil, ErrNotFound
		}
		return nil, ErrInsufficientQuota
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("reserve quota: commit: %w", err)
	}

	created := *res
	created.Status = models.ReservationActive
	return &created, nil
}

func (s *PostgresStore) GetReservation(ctx context.Context, id uuid.UUID) (*models.QuotaReservation, error) {
	r, err := scanReservation(s.pool.QueryRow(ctx,
		`SELECT `+reservationCols+` FROM quota_reservations WHERE id = $1`, id))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("get reservation: %w", err)
	}
	return r, err
}

func (s *PostgresStore) GetReservationByJobID(ctx context.Context, jobID uuid.UUID) (*models.QuotaReservation, error) {
	r, err := scanReservation(s.pool.QueryRow(ctx,
		`SELECT `+reservationCols+` FROM quota_reservations WHERE job_id = $1`, jobID))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("get reservation by job: %w", err)
	}
	return r, err
}

// SettleReservation locks the reservation row, deducts pools in precedence
// order (free trial → subscription → purchased), and completes the deduction
// record — all in one transaction, so a crash leaves either the full
// settlement or none of it.
func (s *PostgresStore) SettleReservation(ctx context.Context, reservationID uuid.UUID, idempotencyKey string) (*models.DeductionRecord, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("settle: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	res, err := scanReservation(tx.QueryRow(ctx,
		`SELECT `+reservationCols+` FROM quota_reservations WHERE id = $1 FOR UPDATE`, reservationID))
	if errors.Is(err, ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("settle: lock reservation: %w", err)
	}
	if res.Status != models.ReservationActive {
		return nil, ErrAlreadyResolved
	}

	acct, err := scanQuotaAccount(tx.QueryRow(ctx,
		`SELECT `+quotaAccountCols+` FROM quota_accounts WHERE tenant_id = $1 FOR UPDATE`, res.TenantID))
	if err != nil {
		return nil, fmt.Errorf("settle: lock account: %w", err)
	}

	// Pool split under the row lock. Reserved credits were already counted
	// against availability, so the pools always cover the amount.
	remaining := res.Amount
	var freePart, subPart, purPart int64
	if acct.FreeTier {
		freePart = min(remaining, acct.FreeTrialRemaining)
		remaining -= freePart
	}
	subPart = min(remaining, acct.SubscriptionRemaining)
	remaining -= subPart
	purPart = remaining

	_, err = tx.Exec(ctx,
		`UPDATE quota_accounts
		 SET free_trial_remaining = free_trial_remaining - $2,
		     subscription_remaining = subscription_remaining - $3,
		     purchased_remaining = GREATEST(purchased_remaining - $4, 0),
		     reserved = GREATEST(reserved - $5, 0),
		     updated_at = NOW()
		 WHERE tenant_id = $1`,
		res.TenantID, freePart, subPart, purPart, res.Amount)
	if err != nil {
		return nil, fmt.Errorf("settle: deduct: %w", err)
	}

	_, err = tx.Exec(ctx,
		`UPDATE quota_reservations SET status = $2, updated_at = NOW() WHERE id = $1`,
		res.ID, models.ReservationSettled)
	if err != nil {
		return nil, fmt.Errorf("settle: mark reservation: %w", err)
	}

	var rec models.DeductionRecord
	err = tx.QueryRow(ctx,
		`INSERT INTO deduction_records (idempotency_key, reservation_id, tenant_id, amount,
		   free_trial_part, subscription_part, purchased_part, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW(), NOW())
		 ON CONFLICT (idempotency_key) DO UPDATE SET
		   free_trial_part = EXCLUDED.free_trial_part,
		   subscription_part = EXCLUDED.subscription_part,
		   purchased_part = EXCLUDED.purchased_part,
		   status = EXCLUDED.status,
		   updated_at = NOW()
		 RETURNING idempotency_key, reservation_id, tenant_id, amount,
		   free_trial_part, subscription_part, purchased_part, status, created_at, updated_at`,
		idempotencyKey, res.ID, res.TenantID, res.Amount,
		freePart, subPart, purPart, models.DeductionCompleted,
	).Scan(&rec.IdempotencyKey, &rec.ReservationID, &rec.TenantID, &rec.Amount,
		&rec.FreeTrialPart, &rec.SubscriptionPart, &rec.PurchasedPart, &rec.Status,
		&rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("settle: record deduction: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("settle: commit: %w", err)
	}
	return &rec, nil
}

func (s *PostgresStore) ReleaseReservation(ctx context.Context, reservationID uuid.UUID) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("release: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var tenantID uuid.UUID
	var amount int64
	err = tx.QueryRow(ctx,
		`UPDATE quota_reservations SET status = $2, updated_at = NOW()
		 WHERE id = $1 AND status = $3
		 RETURNING tenant_id, amount`,
		reservationID, models.ReservationReleased, models.ReservationActive,
	).Scan(&tenantID, &amount)
	if errors.Is(err, pgx.ErrNoRows) {
		// Already settled or released (a no-op), or never existed.
		var exists bool
		if err := tx.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM quota_reservations WHERE id = $1)`, reservationID,
		).Scan(&exists); err != nil {
			return fmt.Errorf("release: check reservation: %w", err)
		}
		if !exists {
			return ErrNotFound
		}
		return tx.Commit(ctx)
	}
	if err != nil {
		return fmt.Errorf("release: mark reservation: %w", err)
	}

	_, err = tx.Exec(ctx,
		`UPDATE quota_accounts SET reserved = GREATEST(reserved - $2, 0), updated_at = NOW()
		 WHERE tenant_id = $1`, tenantID, amount)
	if err != nil {
		return fmt.Errorf("release: return hold: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("release: commit: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListExpiredReservations(ctx context.Context, olderThan time.Duration, limit int) ([]*models.QuotaReservation, error) {
	if limit <= 0 {
		limit = 100
	}
	cutoff := time.Now().UTC().Add(-olderThan)
	rows, err := s.pool.Query(ctx,
		`SELECT `+reservationCols+` FROM quota_reservations
		 WHERE status = $1 AND (created_at < $2 OR expires_at < NOW())
		 ORDER BY created_at ASC LIMIT $3`,
		models.ReservationActive, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("list expired reservations: %w", err)
	}
	defer rows.Close()

	var out []*models.QuotaReservation
	for rows.Next() {
		r, err := scanReservation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan reservation: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// --- Deduction Records ---

const deductionCols = `idempotency_key, reservation_id, tenant_id, amount, free_trial_part, subscription_part, purchased_part, status, created_at, updated_at`

func scanDeduction(row pgx.Row) (*models.DeductionRecord, error) {
	var d models.DeductionRecord
	err := row.Scan(&d.IdempotencyKey, &d.ReservationID, &d.TenantID, &d.Amount,
		&d.FreeTrialPart, &d.SubscriptionPart, &d.PurchasedPart, &d.Status,
		&d.CreatedAt, &d.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// BeginDeduction records settlement intent before the deduction itself, so a
// crash between the two leaves a pending row the sweeper can retry. If a
// record already exists for the key it is returned unchanged.
func (s *PostgresStore) BeginDeduction(ctx context.Context, rec *models.DeductionRecord) (*models.DeductionRecord, error) {
	d, err := scanDeduction(s.pool.QueryRow(ctx,
		`INSERT INTO deduction_records (idempotency_key, reservation_id, tenant_id, amount, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, NOW(), NOW())
		 ON CONFLICT (idempotency_key) DO UPDATE SET updated_at = deduction_records.updated_at
		 RETURNING `+deductionCols,
		rec.IdempotencyKey, rec.ReservationID, rec.TenantID, rec.Amount, models.DeductionPending))
	if err != nil {
		return nil, fmt.Errorf("begin deduction: %w", err)
	}
	return d, nil
}

func (s *PostgresStore) GetDeduction(ctx context.Context, idempotencyKey string) (*models.DeductionRecord, error) {
	d, err := scanDeduction(s.pool.QueryRow(ctx,
		`SELECT `+deductionCols+` FROM deduction_records WHERE idempotency_key = $1`, idempotencyKey))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("get deduction: %w", err)
	}
	return d, err
}

func (s *PostgresStore) MarkDeductionFailed(ctx context.Context, idempotencyKey string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE deduction_records SET status = $2, updated_at = NOW()
		 WHERE idempotency_key = $1 AND status = $3`,
		idempotencyKey, models.DeductionFailed, models.DeductionPending)
	if err != nil {
		return fmt.Errorf("mark deduction failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAlreadyResolved
	}
	return nil
}

func (s *PostgresStore) ListStuckDeductions(ctx context.Context, olderThan time.Duration, limit int) ([]*models.DeductionRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	cutoff := time.Now().UTC().Add(-olderThan)
	rows, err := s.pool.Query(ctx,
		`SELECT `+deductionCols+` FROM deduction_records
		 WHERE status = $1 AND created_at < $2
		 ORDER BY created_at ASC LIMIT $3`,
		models.DeductionPending, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("list stuck deductions: %w", err)
	}
	defer rows.Close()

	var out []*models.DeductionRecord
	for rows.Next() {
		d, err := scanDeduction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan deduction: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// --- Jobs ---

const jobCols = `id, tenant_id, status, current_phase, phase_results, billing_state, reservation_id, params, cancel_requested, error_message, created_at, updated_at`

func scanJob(row pgx.Row) (*models.Job, error) {
	var j models.Job
	var phaseResults, params []byte
	err := row.Scan(&j.ID, &j.TenantID, &j.Status, &j.CurrentPhase, &phaseResults,
		&j.BillingState, &j.ReservationID, &params, &j.CancelRequested,
		&j.ErrorMessage, &j.CreatedAt, &j.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	j.PhaseResults = make(map[string]json.RawMessage)
	if len(phaseResults) > 0 {
		if err := json.Unmarshal(phaseResults, &j.PhaseResults); err != nil {
			return nil, fmt.Errorf("decode phase results: %w", err)
		}
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &j.Params); err != nil {
			return nil, fmt.Errorf("decode job params: %w", err)
		}
	}
	return &j, nil
}

func (s *PostgresStore) CreateJob(ctx context.Context, job *models.Job) error {
	params, err := json.Marshal(job.Params)
	if err != nil {
		return fmt.Errorf("encode job params: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO jobs (id, tenant_id, status, billing_state, params, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		job.ID, job.TenantID, job.Status, job.BillingState, params, job.CreatedAt, job.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetJob(ctx context.Context, id uuid.UUID, tenantID uuid.UUID) (*models.Job, error) {
	j, err := scanJob(s.pool.QueryRow(ctx,
		`SELECT `+jobCols+` FROM jobs WHERE id = $1 AND tenant_id = $2`, id, tenantID))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, err
}

// GetJobByID loads a job without tenant scoping. Reserved for the sweeper,
// which works across tenants.
func (s *PostgresStore) GetJobByID(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	j, err := scanJob(s.pool.QueryRow(ctx,
		`SELECT `+jobCols+` FROM jobs WHERE id = $1`, id))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("get job by id: %w", err)
	}
	return j, err
}

// allowedPriorStatuses maps a target status to the statuses a job may
// transition from. Folded into the UPDATE's WHERE clause so a racing writer
// cannot slip past the guard between a read and a write.
var allowedPriorStatuses = map[string][]string{
	models.JobStatusProcessing: {models.JobStatusPending, models.JobStatusProcessing},
	models.JobStatusCompleted:  {models.JobStatusProcessing},
	models.JobStatusFailed:     {models.JobStatusPending, models.JobStatusProcessing},
	models.JobStatusCancelled:  {models.JobStatusPending, models.JobStatusProcessing},
}

func (s *PostgresStore) UpdateJobStatus(ctx context.Context, id uuid.UUID, status string, opts ...JobUpdateOption) error {
	errorMessage, currentPhase := ResolveJobUpdateOptions(opts...)

	from, ok := allowedPriorStatuses[status]
	if !ok {
		return fmt.Errorf("invalid job status transition: no path to %s", status)
	}

	now := time.Now().UTC()
	query := `UPDATE jobs SET status = $2, updated_at = $3`
	args := []any{id, status, now}
	argIdx := 4

	if errorMessage != nil {
		query += fmt.Sprintf(", error_message = $%d", argIdx)
		args = append(args, *errorMessage)
		argIdx++
	}
	if currentPhase != nil {
		query += fmt.Sprintf(", current_phase = $%d", argIdx)
		args = append(args, *currentPhase)
		argIdx++
	}

	query += fmt.Sprintf(" WHERE id = $1 AND status = ANY($%d)", argIdx)
	args = append(args, from)

	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update job status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Either the job is gone or it is in a state the transition does not
		// permit; re-read to tell the two apart.
		var currentStatus string
		err := s.pool.QueryRow(ctx, `SELECT status FROM jobs WHERE id = $1`, id).Scan(&currentStatus)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("get job status: %w", err)
		}
		return fmt.Errorf("invalid job status transition: %s -> %s", currentStatus, status)
	}
	return nil
}

func (s *PostgresStore) SetJobBilling(ctx context.Context, id uuid.UUID, billingState string, reservationID *uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET billing_state = $2, reservation_id = COALESCE($3, reservation_id), updated_at = NOW()
		 WHERE id = $1`, id, billingState, reservationID)
	if err != nil {
		return fmt.Errorf("set job billing: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// RecordPhaseResult merges one checkpoint into phase_results. The JSONB
// concatenation can only add or replace keys, so earlier phases survive.
func (s *PostgresStore) RecordPhaseResult(ctx context.Context, id uuid.UUID, phase string, result json.RawMessage) error {
	if len(result) == 0 {
		result = json.RawMessage(`null`)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs
		 SET phase_results = COALESCE(phase_results, '{}'::jsonb) || jsonb_build_object($2::text, $3::jsonb),
		     current_phase = $2,
		     updated_at = NOW()
		 WHERE id = $1`, id, phase, result)
	if err != nil {
		return fmt.Errorf("record phase result: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) RequestJobCancel(ctx context.Context, id uuid.UUID, tenantID uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET cancel_requested = TRUE, updated_at = NOW()
		 WHERE id = $1 AND tenant_id = $2`, id, tenantID)
	if err != nil {
		return fmt.Errorf("request job cancel: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Articles ---

func (s *PostgresStore) CreateArticle(ctx context.Context, article *models.Article) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO articles (id, job_id, tenant_id, title, body, metadata, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (job_id) DO NOTHING`,
		article.ID, article.JobID, article.TenantID, article.Title, article.Body,
		article.Metadata, article.CreatedAt)
	if err != nil {
		return fmt.Errorf("create article: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetArticleByJobID(ctx context.Context, jobID uuid.UUID) (*models.Article, error) {
	var a models.Article
	err := s.pool.QueryRow(ctx,
		`SELECT id, job_id, tenant_id, title, body, metadata, created_at
		 FROM articles WHERE job_id = $1`, jobID,
	).Scan(&a.ID, &a.JobID, &a.TenantID, &a.Title, &a.Body, &a.Metadata, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get article by job: %w", err)
	}
	return &a, nil
}

// isDuplicateKeyError checks if a pgx error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}
