package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Article is the persisted output of a completed pipeline run. Downstream
// CMS and publish connectors consume it from here; within this service it
// doubles as the artifact the sweeper's fallback check consults when a job
// row is unavailable.
type Article struct {
	ID        uuid.UUID       `db:"id"         json:"id"`
	JobID     uuid.UUID       `db:"job_id"     json:"job_id"`
	TenantID  uuid.UUID       `db:"tenant_id"  json:"tenant_id"`
	Title     string          `db:"title"      json:"title"`
	Body      string          `db:"body"       json:"body"`
	Metadata  json.RawMessage `db:"metadata"   json:"metadata,omitempty"`
	CreatedAt time.Time       `db:"created_at" json:"created_at"`
}
