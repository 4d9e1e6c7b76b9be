package ledger_test

import (
	"context"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rohandixit/quillforge/internal/ledger"
	"github.com/rohandixit/quillforge/internal/store"
	"github.com/rohandixit/quillforge/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

func migrationsDir() string {
	_, filename, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(filename), "..", "..", "migrations")
}

// setupLedger spins up Postgres and returns a store plus a ledger that
// reserves one credit with the given TTL.
func setupLedger(t *testing.T, ttl time.Duration) (store.Store, *ledger.Ledger, uuid.UUID) {
	t.Helper()
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("quillforge_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, pgContainer.Terminate(ctx))
	})

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	require.NoError(t, store.RunMigrations(connStr, migrationsDir()))

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(func() { pool.Close() })

	s := store.NewPostgresStore(pool)
	tenant, err := s.GetDefaultTenant(ctx)
	require.NoError(t, err)

	return s, ledger.New(s, 1, ttl), tenant.ID
}

func createJob(t *testing.T, s store.Store, tenantID uuid.UUID, status string) *models.Job {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)
	job := &models.Job{
		ID: uuid.New(), TenantID: tenantID,
		Status: models.JobStatusPending, BillingState: models.BillingUnbilled,
		Params:    models.JobParams{Topic: "ledger test", TargetLength: 500, Language: "en"},
		CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, s.CreateJob(ctx, job))

	switch status {
	case models.JobStatusProcessing:
		require.NoError(t, s.UpdateJobStatus(ctx, job.ID, models.JobStatusProcessing))
	case models.JobStatusCompleted:
		require.NoError(t, s.UpdateJobStatus(ctx, job.ID, models.JobStatusProcessing))
		require.NoError(t, s.UpdateJobStatus(ctx, job.ID, models.JobStatusCompleted))
	}
	job.Status = status
	return job
}

func TestReserve_Idempotent(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	s, lg, tenantID := setupLedger(t, time.Hour)
	ctx := context.Background()
	jobID := uuid.New()

	first, err := lg.Reserve(ctx, tenantID, jobID)
	require.NoError(t, err)
	assert.Equal(t, models.ReservationActive, first.Status)

	second, err := lg.Reserve(ctx, tenantID, jobID)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	acct, err := s.GetQuotaAccount(ctx, tenantID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), acct.Reserved)
	assert.Equal(t, int64(4), acct.TotalAvailable())
}

func TestReserve_ExhaustsBalance(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	_, lg, tenantID := setupLedger(t, time.Hour)
	ctx := context.Background()

	// The seeded account holds five credits.
	for i := 0; i < 5; i++ {
		_, err := lg.Reserve(ctx, tenantID, uuid.New())
		require.NoError(t, err)
	}

	_, err := lg.Reserve(ctx, tenantID, uuid.New())
	assert.ErrorIs(t, err, ledger.ErrInsufficientQuota)
}

func TestSettle_Idempotent(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	s, lg, tenantID := setupLedger(t, time.Hour)
	ctx := context.Background()
	jobID := uuid.New()

	res, err := lg.Reserve(ctx, tenantID, jobID)
	require.NoError(t, err)

	rec, err := lg.Settle(ctx, res.ID, jobID.String())
	require.NoError(t, err)
	assert.Equal(t, models.DeductionCompleted, rec.Status)
	assert.Equal(t, int64(1), rec.FreeTrialPart)

	// Retried settlement returns the same record and deducts nothing.
	again, err := lg.Settle(ctx, res.ID, jobID.String())
	require.NoError(t, err)
	assert.Equal(t, rec.IdempotencyKey, again.IdempotencyKey)

	acct, err := s.GetQuotaAccount(ctx, tenantID)
	require.NoError(t, err)
	assert.Equal(t, int64(4), acct.FreeTrialRemaining)
	assert.Equal(t, int64(0), acct.Reserved)
}

func TestSettle_AfterRelease(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	_, lg, tenantID := setupLedger(t, time.Hour)
	ctx := context.Background()
	jobID := uuid.New()

	res, err := lg.Reserve(ctx, tenantID, jobID)
	require.NoError(t, err)
	require.NoError(t, lg.Release(ctx, res.ID))

	_, err = lg.Settle(ctx, res.ID, jobID.String())
	assert.ErrorIs(t, err, ledger.ErrAlreadyResolved)
}

func TestRelease(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	s, lg, tenantID := setupLedger(t, time.Hour)
	ctx := context.Background()

	res, err := lg.Reserve(ctx, tenantID, uuid.New())
	require.NoError(t, err)

	require.NoError(t, lg.Release(ctx, res.ID))
	// Releasing an already released hold is a no-op.
	require.NoError(t, lg.Release(ctx, res.ID))

	acct, err := s.GetQuotaAccount(ctx, tenantID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), acct.Reserved)
	assert.Equal(t, int64(5), acct.TotalAvailable())

	err = lg.Release(ctx, uuid.New())
	assert.ErrorIs(t, err, ledger.ErrReservationNotFound)
}

func TestReconcileStuck_SettlesCompletedJob(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	// Negative TTL expires reservations immediately.
	s, lg, tenantID := setupLedger(t, -time.Minute)
	ctx := context.Background()

	job := createJob(t, s, tenantID, models.JobStatusCompleted)
	res, err := lg.Reserve(ctx, tenantID, job.ID)
	require.NoError(t, err)

	resolutions, err := lg.ReconcileStuck(ctx, time.Hour)
	require.NoError(t, err)
	require.Len(t, resolutions, 1)
	assert.Equal(t, "settled", resolutions[0].Action)
	assert.Equal(t, job.ID, resolutions[0].JobID)

	rec, err := s.GetDeduction(ctx, job.ID.String())
	require.NoError(t, err)
	assert.Equal(t, models.DeductionCompleted, rec.Status)

	got, err := s.GetJobByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BillingSettled, got.BillingState)

	acct, err := s.GetQuotaAccount(ctx, tenantID)
	require.NoError(t, err)
	assert.Equal(t, int64(4), acct.FreeTrialRemaining)
	assert.Equal(t, int64(0), acct.Reserved)

	// The reservation is resolved; a second pass finds nothing.
	res2, err := s.GetReservation(ctx, res.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ReservationSettled, res2.Status)

	resolutions, err = lg.ReconcileStuck(ctx, time.Hour)
	require.NoError(t, err)
	assert.Empty(t, resolutions)
}

func TestReconcileStuck_SettlesInterruptedSettlement(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	s, lg, tenantID := setupLedger(t, -time.Minute)
	ctx := context.Background()

	// Every phase ran and the article was persisted, but the process died
	// before the settle committed: the job row still reads
	// processing/reserved and the deduction intent is pending. The work
	// happened, so the sweeper must settle, not refund.
	job := createJob(t, s, tenantID, models.JobStatusProcessing)
	res, err := lg.Reserve(ctx, tenantID, job.ID)
	require.NoError(t, err)
	require.NoError(t, s.SetJobBilling(ctx, job.ID, models.BillingReserved, &res.ID))
	require.NoError(t, s.CreateArticle(ctx, &models.Article{
		ID: uuid.New(), JobID: job.ID, TenantID: tenantID,
		Title: "Finished article", Body: "body",
		CreatedAt: time.Now().UTC(),
	}))
	_, err = s.BeginDeduction(ctx, &models.DeductionRecord{
		IdempotencyKey: job.ID.String(),
		ReservationID:  res.ID,
		TenantID:       tenantID,
		Amount:         res.Amount,
	})
	require.NoError(t, err)

	resolutions, err := lg.ReconcileStuck(ctx, time.Hour)
	require.NoError(t, err)
	require.Len(t, resolutions, 1)
	assert.Equal(t, "settled", resolutions[0].Action)
	assert.Equal(t, job.ID, resolutions[0].JobID)

	rec, err := s.GetDeduction(ctx, job.ID.String())
	require.NoError(t, err)
	assert.Equal(t, models.DeductionCompleted, rec.Status)

	got, err := s.GetJobByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, got.Status)
	assert.Equal(t, models.BillingSettled, got.BillingState)

	acct, err := s.GetQuotaAccount(ctx, tenantID)
	require.NoError(t, err)
	assert.Equal(t, int64(4), acct.FreeTrialRemaining)
	assert.Equal(t, int64(0), acct.Reserved)
}

func TestReconcileStuck_ReleasesUnfinishedJob(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	s, lg, tenantID := setupLedger(t, -time.Minute)
	ctx := context.Background()

	job := createJob(t, s, tenantID, models.JobStatusProcessing)
	_, err := lg.Reserve(ctx, tenantID, job.ID)
	require.NoError(t, err)

	resolutions, err := lg.ReconcileStuck(ctx, time.Hour)
	require.NoError(t, err)
	require.Len(t, resolutions, 1)
	assert.Equal(t, "released", resolutions[0].Action)

	got, err := s.GetJobByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BillingReleased, got.BillingState)

	acct, err := s.GetQuotaAccount(ctx, tenantID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), acct.Reserved)
	assert.Equal(t, int64(5), acct.TotalAvailable())
}

func TestReconcileStuck_ArtifactFallback(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	// No job row exists, but the article does: the work happened, so the
	// reservation settles.
	s, lg, tenantID := setupLedger(t, -time.Minute)
	ctx := context.Background()
	jobID := uuid.New()

	res, err := lg.Reserve(ctx, tenantID, jobID)
	require.NoError(t, err)

	require.NoError(t, s.CreateArticle(ctx, &models.Article{
		ID: uuid.New(), JobID: jobID, TenantID: tenantID,
		Title: "Orphaned article", Body: "body",
		CreatedAt: time.Now().UTC(),
	}))

	resolutions, err := lg.ReconcileStuck(ctx, time.Hour)
	require.NoError(t, err)
	require.Len(t, resolutions, 1)
	assert.Equal(t, "settled", resolutions[0].Action)

	got, err := s.GetReservation(ctx, res.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ReservationSettled, got.Status)
}

func TestReconcileStuck_ClosesOrphanedPendingDeduction(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	s, lg, tenantID := setupLedger(t, time.Hour)
	ctx := context.Background()
	jobID := uuid.New()

	// Crash window: settlement intent recorded, then the reservation was
	// released. The pending record can never complete.
	res, err := lg.Reserve(ctx, tenantID, jobID)
	require.NoError(t, err)
	_, err = s.BeginDeduction(ctx, &models.DeductionRecord{
		IdempotencyKey: jobID.String(),
		ReservationID:  res.ID,
		TenantID:       tenantID,
		Amount:         res.Amount,
	})
	require.NoError(t, err)
	require.NoError(t, lg.Release(ctx, res.ID))

	_, err = lg.ReconcileStuck(ctx, -time.Minute)
	require.NoError(t, err)

	rec, err := s.GetDeduction(ctx, jobID.String())
	require.NoError(t, err)
	assert.Equal(t, models.DeductionFailed, rec.Status)
}
