package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	mw "github.com/rohandixit/quillforge/internal/api/middleware"
	"github.com/rohandixit/quillforge/internal/api/response"
	"github.com/rohandixit/quillforge/internal/cache"
	"github.com/rohandixit/quillforge/internal/pipeline"
	"github.com/rohandixit/quillforge/internal/store"
	"github.com/rohandixit/quillforge/pkg/models"
)

// JobService defines the orchestration operations the article handlers
// depend on.
type JobService interface {
	Submit(ctx context.Context, tenantID uuid.UUID, params models.JobParams) (*models.Job, error)
	Resume(ctx context.Context, jobID, tenantID uuid.UUID) (*models.Job, error)
	Cancel(ctx context.Context, jobID, tenantID uuid.UUID) error
}

type jobResponse struct {
	ID             string           `json:"id"`
	Status         string           `json:"status"`
	BillingState   string           `json:"billing_state"`
	CurrentPhase   *string          `json:"current_phase,omitempty"`
	RecordedPhases []string         `json:"recorded_phases"`
	Params         models.JobParams `json:"params"`
	ErrorMessage   *string          `json:"error_message,omitempty"`
	CreatedAt      string           `json:"created_at"`
	UpdatedAt      string           `json:"updated_at"`
}

func toJobResponse(job *models.Job) jobResponse {
	phases := make([]string, 0, len(job.PhaseResults))
	for name := range job.PhaseResults {
		phases = append(phases, name)
	}
	sort.Strings(phases)

	return jobResponse{
		ID:             job.ID.String(),
		Status:         job.Status,
		BillingState:   job.BillingState,
		CurrentPhase:   job.CurrentPhase,
		RecordedPhases: phases,
		Params:         job.Params,
		ErrorMessage:   job.ErrorMessage,
		CreatedAt:      job.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:      job.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

// NewSubmitHandler returns an http.HandlerFunc for POST /api/v1/articles.
// The pipeline runs asynchronously; the response is the pending job record.
func NewSubmitHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, ok := mw.GetTenantID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing tenant", nil)
			return
		}

		var req struct {
			Topic        string `json:"topic"`
			TargetLength int    `json:"target_length"`
			Language     string `json:"language"`
			ImageCount   int    `json:"image_count"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}

		if req.Topic == "" {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "topic is required", nil)
			return
		}

		length := req.TargetLength
		if length == 0 {
			length = 800
		}
		if length < 100 {
			length = 100
		}
		if length > 5000 {
			length = 5000
		}

		lang := req.Language
		if lang == "" {
			lang = "en"
		}

		images := req.ImageCount
		if images < 0 {
			images = 0
		}
		if images > 10 {
			images = 10
		}

		job, err := svc.Submit(r.Context(), tenantID, models.JobParams{
			Topic:        req.Topic,
			TargetLength: length,
			Language:     lang,
			ImageCount:   images,
		})
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"Failed to submit job", nil)
			return
		}

		response.Accepted(w, toJobResponse(job))
	}
}

// NewJobStatusHandler returns an http.HandlerFunc for GET /api/v1/articles/{jobID}.
// For completed jobs the persisted article is included alongside the job.
// When the database read fails, a cached status still answers the poll with
// a reduced payload.
func NewJobStatusHandler(st store.Store, ca cache.Cache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, ok := mw.GetTenantID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing tenant", nil)
			return
		}

		jobID, err := uuid.Parse(chi.URLParam(r, "jobID"))
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "jobID must be a valid UUID", nil)
			return
		}

		job, err := st.GetJob(r.Context(), jobID, tenantID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				response.Error(w, http.StatusNotFound, "NOT_FOUND", "Job not found", nil)
				return
			}
			if status, ok, cacheErr := ca.GetJobStatus(r.Context(), jobID); cacheErr == nil && ok {
				response.JSON(w, map[string]any{
					"job": map[string]any{"id": jobID.String(), "status": status},
				})
				return
			}
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"Failed to load job", nil)
			return
		}

		payload := map[string]any{"job": toJobResponse(job)}
		if job.Status == models.JobStatusCompleted {
			article, err := st.GetArticleByJobID(r.Context(), jobID)
			if err == nil {
				payload["article"] = article
			} else if !errors.Is(err, store.ErrNotFound) {
				response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
					"Failed to load article", nil)
				return
			}
		}

		response.JSON(w, payload)
	}
}

// NewResumeHandler returns an http.HandlerFunc for POST /api/v1/articles/{jobID}/resume.
func NewResumeHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, ok := mw.GetTenantID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing tenant", nil)
			return
		}

		jobID, err := uuid.Parse(chi.URLParam(r, "jobID"))
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "jobID must be a valid UUID", nil)
			return
		}

		job, err := svc.Resume(r.Context(), jobID, tenantID)
		if err != nil {
			switch {
			case errors.Is(err, store.ErrNotFound):
				response.Error(w, http.StatusNotFound, "NOT_FOUND", "Job not found", nil)
			case errors.Is(err, pipeline.ErrAlreadyTerminal):
				response.Error(w, http.StatusConflict, "JOB_TERMINAL",
					"Job has already finished and cannot be resumed", nil)
			default:
				response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
					"Failed to resume job", nil)
			}
			return
		}

		response.Accepted(w, toJobResponse(job))
	}
}

// NewCancelHandler returns an http.HandlerFunc for POST /api/v1/articles/{jobID}/cancel.
// Cancellation is cooperative: an in-flight phase finishes and keeps its
// checkpoint before the job transitions.
func NewCancelHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, ok := mw.GetTenantID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing tenant", nil)
			return
		}

		jobID, err := uuid.Parse(chi.URLParam(r, "jobID"))
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "jobID must be a valid UUID", nil)
			return
		}

		if err := svc.Cancel(r.Context(), jobID, tenantID); err != nil {
			switch {
			case errors.Is(err, store.ErrNotFound):
				response.Error(w, http.StatusNotFound, "NOT_FOUND", "Job not found", nil)
			case errors.Is(err, pipeline.ErrAlreadyTerminal):
				response.Error(w, http.StatusConflict, "JOB_TERMINAL",
					"Job has already finished and cannot be cancelled", nil)
			default:
				response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
					"Failed to cancel job", nil)
			}
			return
		}

		response.Accepted(w, map[string]string{
			"job_id": jobID.String(),
			"status": "cancel_requested",
		})
	}
}
