package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rohandixit/quillforge/internal/cache"
	"github.com/rohandixit/quillforge/internal/ledger"
	"github.com/rohandixit/quillforge/internal/store"
	"github.com/rohandixit/quillforge/pkg/models"
	"golang.org/x/sync/errgroup"
)

var ErrAlreadyTerminal = errors.New("job already in terminal state")

const jobStatusTTL = 30 * time.Minute

// Orchestrator drives jobs through the phase graph. One goroutine per job;
// the ledger calls (reserve before the first phase, settle or release at
// the end) are the only cross-job synchronization points. Every phase
// result is persisted before the next group starts, which is what makes
// Resume a pure replay of unrecorded phases.
type Orchestrator struct {
	store  store.Store
	ledger *ledger.Ledger
	runner *StageRunner
	cache  cache.Cache
	spec   *Spec

	mu      sync.Mutex
	running map[uuid.UUID]context.CancelFunc
	wg      sync.WaitGroup
}

func NewOrchestrator(st store.Store, lg *ledger.Ledger, runner *StageRunner, ca cache.Cache, spec *Spec) *Orchestrator {
	return &Orchestrator{
		store:   st,
		ledger:  lg,
		runner:  runner,
		cache:   ca,
		spec:    spec,
		running: make(map[uuid.UUID]context.CancelFunc),
	}
}

// Submit creates a pending job and dispatches the pipeline in a background
// goroutine. Returns the job immediately; quota is reserved as the first
// action of the run, so an out-of-credit tenant sees the job fail rather
// than the submission.
func (o *Orchestrator) Submit(ctx context.Context, tenantID uuid.UUID, params models.JobParams) (*models.Job, error) {
	if params.Topic == "" {
		return nil, fmt.Errorf("invalid job params: topic is required")
	}

	now := time.Now().UTC()
	job := &models.Job{
		ID:           uuid.New(),
		TenantID:     tenantID,
		Status:       models.JobStatusPending,
		BillingState: models.BillingUnbilled,
		PhaseResults: make(map[string]json.RawMessage),
		Params:       params,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := o.store.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("creating job: %w", err)
	}
	o.setCachedStatus(ctx, job.ID, models.JobStatusPending)

	o.dispatch(job.ID, tenantID)
	return job, nil
}

// Resume re-enters a pending or processing job after a crash or restart.
// Recorded phases are skipped; only missing ones run. A phase whose
// capability call succeeded but whose checkpoint never persisted will run
// again — at most one extra side effect per phase, surfaced here so
// operators know it is expected.
func (o *Orchestrator) Resume(ctx context.Context, jobID, tenantID uuid.UUID) (*models.Job, error) {
	job, err := o.store.GetJob(ctx, jobID, tenantID)
	if err != nil {
		return nil, err
	}
	if job.Terminal() {
		return nil, ErrAlreadyTerminal
	}
	if o.isRunning(jobID) {
		return job, nil
	}

	slog.Warn("resuming job: phases without a persisted checkpoint will be re-executed",
		"job_id", jobID, "recorded_phases", len(job.PhaseResults))

	o.dispatch(jobID, tenantID)
	return job, nil
}

// Cancel stops scheduling further phases for a job. A phase already in
// flight finishes and keeps its checkpoint; the job then transitions to
// cancelled and its reservation is released.
func (o *Orchestrator) Cancel(ctx context.Context, jobID, tenantID uuid.UUID) error {
	job, err := o.store.GetJob(ctx, jobID, tenantID)
	if err != nil {
		return err
	}
	if job.Terminal() {
		return ErrAlreadyTerminal
	}

	if err := o.store.RequestJobCancel(ctx, jobID, tenantID); err != nil {
		return err
	}

	o.mu.Lock()
	cancel, active := o.running[jobID]
	o.mu.Unlock()

	if active {
		cancel()
		return nil
	}

	// No live run (e.g. the process restarted); finalize directly.
	o.finalizeDormantCancel(ctx, job)
	return nil
}

// Shutdown cancels all live runs and waits for them to checkpoint and exit,
// up to the context deadline. Unfinished jobs stay resumable; the sweeper
// repairs any billing left non-terminal.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	for _, cancel := range o.running {
		cancel()
	}
	o.mu.Unlock()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) isRunning(jobID uuid.UUID) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.running[jobID]
	return ok
}

func (o *Orchestrator) dispatch(jobID, tenantID uuid.UUID) {
	o.mu.Lock()
	if _, ok := o.running[jobID]; ok {
		o.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	o.running[jobID] = cancel
	o.wg.Add(1)
	o.mu.Unlock()

	go o.run(ctx, jobID, tenantID)
}

// run executes the pipeline for one job. It recovers from panics and always
// leaves the job either terminal with consistent billing, or flagged for
// the sweeper when a ledger call could not complete.
func (o *Orchestrator) run(ctx context.Context, jobID, tenantID uuid.UUID) {
	defer o.wg.Done()
	defer func() {
		o.mu.Lock()
		delete(o.running, jobID)
		o.mu.Unlock()
	}()

	// Checkpoints and ledger transitions must survive cancellation: a result
	// that arrived is chargeable work and is never silently dropped.
	persist := context.WithoutCancel(ctx)

	defer func() {
		if r := recover(); r != nil {
			slog.Error("panic in pipeline run", "error", r, "job_id", jobID)
			_ = o.store.UpdateJobStatus(persist, jobID, models.JobStatusFailed,
				store.WithErrorMessage(fmt.Sprintf("panic: %v", r)))
			o.setCachedStatus(persist, jobID, models.JobStatusFailed)
		}
	}()

	job, err := o.store.GetJobByID(persist, jobID)
	if err != nil {
		slog.Error("loading job failed", "job_id", jobID, "error", err)
		return
	}
	if job.Terminal() {
		return
	}

	res, err := o.ensureReserved(persist, job)
	if errors.Is(err, ledger.ErrInsufficientQuota) {
		o.terminate(persist, job, models.JobStatusFailed, "insufficient quota: tenant has no credits available")
		return
	}
	if err != nil {
		o.terminate(persist, job, models.JobStatusFailed, fmt.Sprintf("quota reservation failed: %v", err))
		return
	}
	if res.Status == models.ReservationReleased {
		o.terminate(persist, job, models.JobStatusFailed, "quota reservation was already released")
		return
	}

	if err := o.store.UpdateJobStatus(persist, jobID, models.JobStatusProcessing); err != nil {
		slog.Error("marking job processing failed", "job_id", jobID, "error", err)
		return
	}
	o.setCachedStatus(persist, jobID, models.JobStatusProcessing)

	for _, group := range o.spec.Groups {
		if o.cancelRequested(persist, job) {
			o.cancelJob(persist, job, res)
			return
		}
		// A cancelled run context without a cancel request is a shutdown:
		// leave the job processing so a restart can resume it.
		if ctx.Err() != nil {
			slog.Info("run interrupted; job remains resumable", "job_id", job.ID)
			return
		}

		if err := o.runGroup(ctx, persist, job, group); err != nil {
			if o.cancelRequested(persist, job) {
				o.cancelJob(persist, job, res)
				return
			}
			if ctx.Err() != nil {
				slog.Info("run interrupted; job remains resumable", "job_id", job.ID)
				return
			}
			o.failJob(persist, job, res, err)
			return
		}
	}

	// Every phase is checkpointed; settle, then — and only then — complete.
	if _, err := o.ledger.Settle(persist, res.ID, job.ID.String()); err != nil {
		slog.Error("settlement failed; job left for reconciliation",
			"job_id", job.ID, "reservation_id", res.ID, "error", err)
		return
	}
	_ = o.store.SetJobBilling(persist, job.ID, models.BillingSettled, nil)
	_ = o.store.UpdateJobStatus(persist, job.ID, models.JobStatusCompleted,
		store.WithCurrentPhase(PhasePublishHandoff))
	o.setCachedStatus(persist, job.ID, models.JobStatusCompleted)
	slog.Info("job completed", "job_id", job.ID, "tenant_id", job.TenantID)
}

// ensureReserved places the job's hold, or retrieves the existing one when
// re-entering after a crash. Safe to call on every run: the ledger is
// idempotent on the job id.
func (o *Orchestrator) ensureReserved(ctx context.Context, job *models.Job) (*models.QuotaReservation, error) {
	switch job.BillingState {
	case models.BillingUnbilled, models.BillingReserved:
		res, err := o.ledger.Reserve(ctx, job.TenantID, job.ID)
		if err != nil {
			return nil, err
		}
		if job.BillingState == models.BillingUnbilled {
			if err := o.store.SetJobBilling(ctx, job.ID, models.BillingReserved, &res.ID); err != nil {
				return nil, err
			}
			job.BillingState = models.BillingReserved
		}
		return res, nil
	default:
		// Settled or released with a non-terminal job: a crash hit the window
		// between the ledger call and the status write. Reuse the existing row.
		res, err := o.store.GetReservationByJobID(ctx, job.ID)
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("job billing state is %s but no reservation exists", job.BillingState)
		}
		return res, err
	}
}

// runGroup dispatches the group's unrecorded phases concurrently and joins
// on all of them. Inputs are assembled up front so the goroutines never
// share the job's result map.
func (o *Orchestrator) runGroup(ctx context.Context, persist context.Context, job *models.Job, group Group) error {
	type task struct {
		phase  Phase
		inputs map[string]json.RawMessage
	}
	var todo []task
	for _, p := range group.Phases {
		if job.HasPhase(p.Name) {
			continue
		}
		inputs, err := buildInputs(job, p)
		if err != nil {
			return err
		}
		todo = append(todo, task{phase: p, inputs: inputs})
	}
	if len(todo) == 0 {
		return nil
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for _, t := range todo {
		g.Go(func() error {
			result, err := o.runPhase(gctx, persist, job, t.phase, t.inputs)
			if err != nil {
				return fmt.Errorf("phase %s: %w", t.phase.Name, err)
			}
			mu.Lock()
			job.PhaseResults[t.phase.Name] = result
			mu.Unlock()
			return nil
		})
	}
	return g.Wait()
}

func (o *Orchestrator) runPhase(ctx context.Context, persist context.Context, job *models.Job, phase Phase, inputs map[string]json.RawMessage) (json.RawMessage, error) {
	slog.Info("running phase", "job_id", job.ID, "phase", phase.Name)

	var result json.RawMessage
	var err error
	if phase.Name == PhasePublishHandoff {
		result, err = o.publishHandoff(persist, job, inputs)
	} else {
		result, err = o.runner.Run(ctx, phase.Name, inputs)
	}
	if err != nil {
		return nil, err
	}

	// Persist-before-advance: the checkpoint write uses the detached context
	// so a cancellation arriving after the capability returned cannot lose
	// the completed result.
	if err := o.store.RecordPhaseResult(persist, job.ID, phase.Name, result); err != nil {
		return nil, fmt.Errorf("checkpoint: %w", err)
	}
	return result, nil
}

// publishHandoff persists the assembled article. Downstream publish
// connectors pick it up from the articles table; they are outside this
// service.
func (o *Orchestrator) publishHandoff(ctx context.Context, job *models.Job, inputs map[string]json.RawMessage) (json.RawMessage, error) {
	var assembled struct {
		Title string `json:"title"`
		Body  string `json:"body"`
	}
	if raw, ok := inputs[PhaseAssembly]; ok {
		_ = json.Unmarshal(raw, &assembled)
	}
	if assembled.Title == "" {
		assembled.Title = job.Params.Topic
	}

	metadata := make(map[string]json.RawMessage)
	for _, key := range []string{PhaseMeta, PhaseCategory} {
		if raw, ok := inputs[key]; ok {
			metadata[key] = raw
		}
	}
	metaBlob, err := json.Marshal(metadata)
	if err != nil {
		return nil, fmt.Errorf("encode article metadata: %w", err)
	}

	article := &models.Article{
		ID:        uuid.New(),
		JobID:     job.ID,
		TenantID:  job.TenantID,
		Title:     assembled.Title,
		Body:      assembled.Body,
		Metadata:  metaBlob,
		CreatedAt: time.Now().UTC(),
	}
	if err := o.store.CreateArticle(ctx, article); err != nil {
		return nil, err
	}

	return json.Marshal(map[string]string{"article_id": article.ID.String()})
}

func (o *Orchestrator) cancelRequested(ctx context.Context, job *models.Job) bool {
	fresh, err := o.store.GetJobByID(ctx, job.ID)
	if err != nil {
		return job.CancelRequested
	}
	job.CancelRequested = fresh.CancelRequested
	return fresh.CancelRequested
}

// failJob releases the hold and marks the job failed. A failed release is
// never guessed at: the job is flagged failed with billing still reserved
// and the sweeper resolves the reservation.
func (o *Orchestrator) failJob(ctx context.Context, job *models.Job, res *models.QuotaReservation, cause error) {
	o.resolveHold(ctx, job, res)
	o.terminate(ctx, job, models.JobStatusFailed, cause.Error())
}

func (o *Orchestrator) cancelJob(ctx context.Context, job *models.Job, res *models.QuotaReservation) {
	o.resolveHold(ctx, job, res)
	o.terminate(ctx, job, models.JobStatusCancelled, "")
	slog.Info("job cancelled", "job_id", job.ID, "recorded_phases", len(job.PhaseResults))
}

func (o *Orchestrator) resolveHold(ctx context.Context, job *models.Job, res *models.QuotaReservation) {
	if res == nil || job.BillingState != models.BillingReserved {
		return
	}
	if err := o.ledger.Release(ctx, res.ID); err != nil {
		slog.Error("release failed; reservation left for reconciliation",
			"job_id", job.ID, "reservation_id", res.ID, "error", err)
		return
	}
	if err := o.store.SetJobBilling(ctx, job.ID, models.BillingReleased, nil); err != nil {
		slog.Error("updating job billing state failed", "job_id", job.ID, "error", err)
	}
	job.BillingState = models.BillingReleased
}

func (o *Orchestrator) terminate(ctx context.Context, job *models.Job, status, errorMessage string) {
	opts := []store.JobUpdateOption{}
	if errorMessage != "" {
		opts = append(opts, store.WithErrorMessage(errorMessage))
	}
	if err := o.store.UpdateJobStatus(ctx, job.ID, status, opts...); err != nil {
		slog.Error("terminal status update failed", "job_id", job.ID, "status", status, "error", err)
		return
	}
	job.Status = status
	o.setCachedStatus(ctx, job.ID, status)
}

func (o *Orchestrator) finalizeDormantCancel(ctx context.Context, job *models.Job) {
	if job.BillingState == models.BillingReserved && job.ReservationID != nil {
		res := &models.QuotaReservation{ID: *job.ReservationID}
		o.resolveHold(ctx, job, res)
	}
	o.terminate(ctx, job, models.JobStatusCancelled, "")
}

func (o *Orchestrator) setCachedStatus(ctx context.Context, jobID uuid.UUID, status string) {
	if err := o.cache.SetJobStatus(ctx, jobID, status, jobStatusTTL); err != nil {
		slog.Debug("caching job status failed", "job_id", jobID, "error", err)
	}
}

func buildInputs(job *models.Job, phase Phase) (map[string]json.RawMessage, error) {
	params, err := json.Marshal(job.Params)
	if err != nil {
		return nil, fmt.Errorf("encode job params: %w", err)
	}
	inputs := map[string]json.RawMessage{"params": params}
	for _, dep := range phase.DependsOn {
		result, ok := job.PhaseResults[dep]
		if !ok {
			return nil, fmt.Errorf("phase %s: missing dependency result %q", phase.Name, dep)
		}
		inputs[dep] = result
	}
	return inputs, nil
}
