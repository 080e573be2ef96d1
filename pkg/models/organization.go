package models

import (
	"time"

	"github.com/google/uuid"
)

// Organization scopes every document, job, and API key. All queries filter by it.
type Organization struct {
	ID        uuid.UUID `db:"id"         json:"id"`
	Name      string    `db:"name"       json:"name"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}
