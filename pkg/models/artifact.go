package models

import (
	"time"

	"github.com/google/uuid"
)

// Artifact kinds produced by pipeline stages.
const (
	ArtifactKindText       = "extracted_text"
	ArtifactKindIndex      = "index"
	ArtifactKindEnrichment = "enrichment"
	ArtifactKindRiskList   = "risk_list"
	ArtifactKindComparison = "comparison"
)

// Artifact is an immutable output of a completed pipeline stage. Artifacts are
// retained independently of the job that produced them, so results stay
// available after job records are pruned.
type Artifact struct {
	ID          uuid.UUID  `db:"id"           json:"id"`
	OrgID       uuid.UUID  `db:"org_id"       json:"org_id"`
	DocumentID  uuid.UUID  `db:"document_id"  json:"document_id"`
	JobID       *uuid.UUID `db:"job_id"       json:"job_id,omitempty"`
	Kind        string     `db:"kind"         json:"kind"`
	StoragePath string     `db:"storage_path" json:"storage_path"`
	ContentHash string     `db:"content_hash" json:"content_hash"`
	SizeBytes   int64      `db:"size_bytes"   json:"size_bytes"`
	CreatedAt   time.Time  `db:"created_at"   json:"created_at"`
}
