package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rohandixit/quillforge/pkg/models"
)

var ErrNotFound = errors.New("resource not found")
var ErrDuplicateKey = errors.New("duplicate key violation")

// Ledger idempotency signals. These are not failures from the caller's
// perspective: a reserve that finds an existing hold returns it, and a
// settle/release that loses a race observes ErrAlreadyResolved.
var ErrInsufficientQuota = errors.New("insufficient quota")
var ErrAlreadyResolved = errors.New("reservation already resolved")

// Store is the data access interface. All database operations go through here.
type Store interface {
	Ping(ctx context.Context) error
	GetDefaultTenant(ctx context.Context) (*models.Tenant, error)

	GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error)
	UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error
	CreateAPIKey(ctx context.Context, key *models.APIKey) error
	ListAPIKeys(ctx context.Context, tenantID uuid.UUID) ([]*models.APIKey, error)
	RevokeAPIKey(ctx context.Context, id uuid.UUID, tenantID uuid.UUID) error

	GetQuotaAccount(ctx context.Context, tenantID uuid.UUID) (*models.QuotaAccount, error)
	AddQuota(ctx context.Context, tenantID uuid.UUID, pool string, amount int64) (*models.QuotaAccount, error)

	// ReserveQuota places a hold for res.JobID, or returns the existing
	// reservation for that job unchanged. The balance check and the hold are
	// a single conditional UPDATE so concurrent jobs of one tenant can never
	// both win the last credit. Fails with ErrInsufficientQuota.
	ReserveQuota(ctx context.Context, res *models.QuotaReservation) (*models.QuotaReservation, error)
	GetReservation(ctx context.Context, id uuid.UUID) (*models.QuotaReservation, error)
	GetReservationByJobID(ctx context.Context, jobID uuid.UUID) (*models.QuotaReservation, error)
	// SettleReservation converts an active reservation into a permanent
	// deduction, consuming pools in precedence order, and completes the
	// deduction record for idempotencyKey in the same transaction.
	SettleReservation(ctx context.Context, reservationID uuid.UUID, idempotencyKey string) (*models.DeductionRecord, error)
	// ReleaseReservation returns an active hold to availability. No-op on a
	// reservation that is already settled or released.
	ReleaseReservation(ctx context.Context, reservationID uuid.UUID) error
	ListExpiredReservations(ctx context.Context, olderThan time.Duration, limit int) ([]*models.QuotaReservation, error)

	BeginDeduction(ctx context.Context, rec *models.DeductionRecord) (*models.DeductionRecord, error)
	GetDeduction(ctx context.Context, idempotencyKey string) (*models.DeductionRecord, error)
	MarkDeductionFailed(ctx context.Context, idempotencyKey string) error
	ListStuckDeductions(ctx context.Context, olderThan time.Duration, limit int) ([]*models.DeductionRecord, error)

	CreateJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, id uuid.UUID, tenantID uuid.UUID) (*models.Job, error)
	GetJobByID(ctx context.Context, id uuid.UUID) (*models.Job, error)
	UpdateJobStatus(ctx context.Context, id uuid.UUID, status string, opts ...JobUpdateOption) error
	SetJobBilling(ctx context.Context, id uuid.UUID, billingState string, reservationID *uuid.UUID) error
	// RecordPhaseResult appends one phase checkpoint. Existing keys may only
	// be overwritten, never removed.
	RecordPhaseResult(ctx context.Context, id uuid.UUID, phase string, result json.RawMessage) error
	RequestJobCancel(ctx context.Context, id uuid.UUID, tenantID uuid.UUID) error

	CreateArticle(ctx context.Context, article *models.Article) error
	GetArticleByJobID(ctx context.Context, jobID uuid.UUID) (*models.Article, error)
}

type jobUpdateParams struct {
	ErrorMessage *string
	CurrentPhase *string
}

type JobUpdateOption func(*jobUpdateParams)

func WithErrorMessage(msg string) JobUpdateOption {
	return func(p *jobUpdateParams) {
		p.ErrorMessage = &msg
	}
}

func WithCurrentPhase(phase string) JobUpdateOption {
	return func(p *jobUpdateParams) {
		p.CurrentPhase = &phase
	}
}

// ResolveJobUpdateOptions applies opts and returns the requested field
// changes. Store implementations use it to share option handling.
func ResolveJobUpdateOptions(opts ...JobUpdateOption) (errorMessage, currentPhase *string) {
	p := &jobUpdateParams{}
	for _, opt := range opts {
		opt(p)
	}
	return p.ErrorMessage, p.CurrentPhase
}
