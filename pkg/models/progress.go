package models

import (
	"time"

	"github.com/google/uuid"
)

// ProgressEntry is the ephemeral, frequently-overwritten projection of a job's
// current stage kept in Redis for fast polling. Absence is a valid state meaning
// "fall back to the durable job status".
type ProgressEntry struct {
	JobID     uuid.UUID `json:"job_id"`
	Step      string    `json:"step"`
	Percent   int       `json:"percent"`
	Message   string    `json:"message"`
	UpdatedAt time.Time `json:"updated_at"`
}
