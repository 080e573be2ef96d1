package models

import (
	"time"

	"github.com/google/uuid"
)

// Job statuses. A job is terminal once it reaches completed, failed, or error.
const (
	JobStatusPending    = "pending"
	JobStatusProcessing = "processing"
	JobStatusCompleted  = "completed"
	JobStatusFailed     = "failed"
	JobStatusError      = "error"
)

// Pipeline stages, in execution order. Error is reachable from any stage.
const (
	StageIdle     = "idle"
	StageExtract  = "extract"
	StageIndex    = "index"
	StageEnrich   = "enrich"
	StageMerge    = "merge"
	StageComplete = "complete"
	StageError    = "error"
)

// StageOrder lists the pipeline stages in the order they execute.
var StageOrder = []string{StageExtract, StageIndex, StageEnrich, StageMerge}

// StageProgress maps each stage to the progress percentage recorded once that
// stage has finished.
var StageProgress = map[string]int{
	StageIdle:     0,
	StageExtract:  25,
	StageIndex:    50,
	StageEnrich:   75,
	StageMerge:    100,
	StageComplete: 100,
}

// NextStage returns the stage that follows the given one, or StageComplete when
// the pipeline is done. Complete and error are terminal and map to themselves,
// so a job that already finished never restarts from the top on a duplicate
// delivery. An unknown or idle stage maps to the first real stage.
func NextStage(stage string) string {
	switch stage {
	case StageComplete, StageError:
		return stage
	}
	for i, s := range StageOrder {
		if s == stage {
			if i+1 < len(StageOrder) {
				return StageOrder[i+1]
			}
			return StageComplete
		}
	}
	return StageOrder[0]
}

// IsTerminalStatus reports whether a job status admits no further transitions.
func IsTerminalStatus(status string) bool {
	switch status {
	case JobStatusCompleted, JobStatusFailed, JobStatusError:
		return true
	}
	return false
}

// Job purposes. At most one non-terminal job exists per (document, purpose).
const (
	JobPurposeIngest   = "ingest"
	JobPurposeReindex  = "reindex"
	JobPurposeGenerate = "generate"
)

// Job tracks one unit of pipeline work over a set of documents. The API returns
// a job id on POST /api/v1/jobs; clients poll progress until the job is terminal.
// The jobs table is the source of truth for a job's existence and state; the
// progress cache only mirrors it for fast polling.
type Job struct {
	ID           uuid.UUID   `db:"id"            json:"id"`
	OrgID        uuid.UUID   `db:"org_id"        json:"org_id"`
	Purpose      string      `db:"purpose"       json:"purpose"`
	Status       string      `db:"status"        json:"status"`
	Stage        string      `db:"stage"         json:"stage"`
	Progress     int         `db:"progress"      json:"progress"`
	DocumentIDs  []uuid.UUID `db:"document_ids"  json:"document_ids"`
	Options      []byte      `db:"options"       json:"options,omitempty"`
	Attempts     int         `db:"attempts"      json:"attempts"`
	ErrorCode    *string     `db:"error_code"    json:"error_code,omitempty"`
	ErrorMessage *string     `db:"error_message" json:"error_message,omitempty"`
	StartedAt    *time.Time  `db:"started_at"    json:"started_at,omitempty"`
	FinishedAt   *time.Time  `db:"finished_at"   json:"finished_at,omitempty"`
	CreatedAt    time.Time   `db:"created_at"    json:"created_at"`
	UpdatedAt    time.Time   `db:"updated_at"    json:"updated_at"`
}

// Terminal reports whether the job has reached a terminal status.
func (j *Job) Terminal() bool {
	return IsTerminalStatus(j.Status)
}
