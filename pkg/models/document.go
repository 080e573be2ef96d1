package models

import (
	"time"

	"github.com/google/uuid"
)

// Document statuses mirror the coarse lifecycle clients poll against when no
// progress-cache entry exists.
const (
	DocumentStatusWaiting    = "waiting"
	DocumentStatusProcessing = "processing"
	DocumentStatusComplete   = "complete"
	DocumentStatusError      = "error"
)

// Document is an uploaded legal document registered with the pipeline. The file
// itself lives in blob storage; StoragePath points at it and ContentHash is the
// sha256 of its bytes, used for result-cache fingerprinting.
type Document struct {
	ID          uuid.UUID `db:"id"           json:"id"`
	OrgID       uuid.UUID `db:"org_id"       json:"org_id"`
	Name        string    `db:"name"         json:"name"`
	StoragePath string    `db:"storage_path" json:"storage_path"`
	ContentHash string    `db:"content_hash" json:"content_hash"`
	SizeBytes   int64     `db:"size_bytes"   json:"size_bytes"`
	Status      string    `db:"status"       json:"status"`
	CreatedAt   time.Time `db:"created_at"   json:"created_at"`
	UpdatedAt   time.Time `db:"updated_at"   json:"updated_at"`
}
