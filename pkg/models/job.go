package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

const (
	JobStatusPending    = "pending"
	JobStatusProcessing = "processing"
	JobStatusCompleted  = "completed"
	JobStatusFailed     = "failed"
	JobStatusCancelled  = "cancelled"
)

const (
	BillingUnbilled = "unbilled"
	BillingReserved = "reserved"
	BillingSettled  = "settled"
	BillingReleased = "released"
)

// JobParams is the capability-agnostic parameter bag for an article job.
// It is stored verbatim on the job row and passed opaquely to each phase.
type JobParams struct {
	Topic        string `json:"topic"`
	TargetLength int    `json:"target_length,omitempty"`
	Language     string `json:"language,omitempty"`
	ImageCount   int    `json:"image_count,omitempty"`
}

// Job tracks one article-generation request through the pipeline. The API
// returns a job id on POST /api/v1/articles; the client polls until status
// is terminal. PhaseResults is append-only: a recorded phase is never
// removed, which is what makes resume-after-crash correct.
type Job struct {
	ID              uuid.UUID                  `db:"id"               json:"id"`
	TenantID        uuid.UUID                  `db:"tenant_id"        json:"tenant_id"`
	Status          string                     `db:"status"           json:"status"`
	CurrentPhase    *string                    `db:"current_phase"    json:"current_phase,omitempty"`
	PhaseResults    map[string]json.RawMessage `db:"phase_results"    json:"phase_results,omitempty"`
	BillingState    string                     `db:"billing_state"    json:"billing_state"`
	ReservationID   *uuid.UUID                 `db:"reservation_id"   json:"reservation_id,omitempty"`
	Params          JobParams                  `db:"params"           json:"params"`
	CancelRequested bool                       `db:"cancel_requested" json:"cancel_requested"`
	ErrorMessage    *string                    `db:"error_message"    json:"error_message,omitempty"`
	CreatedAt       time.Time                  `db:"created_at"       json:"created_at"`
	UpdatedAt       time.Time                  `db:"updated_at"       json:"updated_at"`
}

// Terminal reports whether the job has reached a final status.
func (j *Job) Terminal() bool {
	switch j.Status {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// HasPhase reports whether a checkpoint exists for the named phase.
func (j *Job) HasPhase(phase string) bool {
	_, ok := j.PhaseResults[phase]
	return ok
}
