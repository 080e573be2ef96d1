package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rohitvanga/docpipe/pkg/models"
)

var ErrNotFound = errors.New("resource not found")
var ErrDuplicateKey = errors.New("duplicate key violation")

// ErrConflict is returned when a conditional job update matched no rows, i.e.
// another writer moved the job first. Callers reload and re-decide.
var ErrConflict = errors.New("job state conflict")

// ErrJobActive is returned when deleting a job that is still pending or processing.
var ErrJobActive = errors.New("job is active")

// Store is the data access interface. All database operations go through here.
type Store interface {
	Ping(ctx context.Context) error
	GetDefaultOrganization(ctx context.Context) (*models.Organization, error)

	GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error)
	UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error
	CreateAPIKey(ctx context.Context, key *models.APIKey) error
	ListAPIKeys(ctx context.Context, orgID uuid.UUID) ([]*models.APIKey, error)
	RevokeAPIKey(ctx context.Context, id uuid.UUID, orgID uuid.UUID) error

	CreateDocument(ctx context.Context, doc *models.Document) error
	GetDocument(ctx context.Context, id uuid.UUID, orgID uuid.UUID) (*models.Document, error)
	GetDocumentsByIDs(ctx context.Context, orgID uuid.UUID, ids []uuid.UUID) ([]*models.Document, error)
	UpdateDocumentStatus(ctx context.Context, id uuid.UUID, status string) error

	CreateJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, id uuid.UUID, orgID uuid.UUID) (*models.Job, error)
	GetJobByID(ctx context.Context, id uuid.UUID) (*models.Job, error)
	FindActiveJob(ctx context.Context, orgID uuid.UUID, documentID uuid.UUID, purpose string) (*models.Job, error)
	GetLatestJobForDocument(ctx context.Context, orgID uuid.UUID, documentID uuid.UUID, purpose string) (*models.Job, error)
	MarkJobProcessing(ctx context.Context, id uuid.UUID) error
	AdvanceJobStage(ctx context.Context, id uuid.UUID, fromStage, toStage string, progress int) error
	CompleteJob(ctx context.Context, id uuid.UUID) error
	FailJob(ctx context.Context, id uuid.UUID, code, message string) error
	ResetJobForRetry(ctx context.Context, id uuid.UUID, orgID uuid.UUID) (*models.Job, error)
	CancelJob(ctx context.Context, id uuid.UUID, orgID uuid.UUID) error
	DeleteJob(ctx context.Context, id uuid.UUID, orgID uuid.UUID) error
	ApplyJobCallback(ctx context.Context, id uuid.UUID, orgID uuid.UUID, patch JobPatch) (*models.Job, error)
	ListStalledJobs(ctx context.Context, olderThan time.Time, limit int) ([]*models.Job, error)

	CreateArtifact(ctx context.Context, artifact *models.Artifact) error
	GetArtifact(ctx context.Context, id uuid.UUID, orgID uuid.UUID) (*models.Artifact, error)
	ListArtifactsByDocument(ctx context.Context, orgID uuid.UUID, documentID uuid.UUID) ([]*models.Artifact, error)
	GetLatestArtifact(ctx context.Context, orgID uuid.UUID, documentID uuid.UUID, kind string) (*models.Artifact, error)
}

// JobPatch carries the optional fields of a worker callback. Nil fields are
// left untouched; progress can only grow.
type JobPatch struct {
	Status       *string
	Stage        *string
	Progress     *int
	ErrorCode    *string
	ErrorMessage *string
}

// Empty reports whether the patch would change nothing.
func (p JobPatch) Empty() bool {
	return p.Status == nil && p.Stage == nil && p.Progress == nil &&
		p.ErrorCode == nil && p.ErrorMessage == nil
}
