package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rohitvanga/docpipe/pkg/models"
)

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --- Organizations ---

func (s *PostgresStore) GetDefaultOrganization(ctx context.Context) (*models.Organization, error) {
	var o models.Organization
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, created_at, updated_at FROM organizations WHERE name = 'default' LIMIT 1`,
	).Scan(&o.ID, &o.Name, &o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get default organization: %w", err)
	}
	return &o, nil
}

// --- API Keys ---

func (s *PostgresStore) GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, org_id, name, key_hash, key_prefix, scopes, last_used_at, deleted_at, created_at, updated_at
		 FROM api_keys WHERE key_prefix = $1 AND deleted_at IS NULL`, prefix)
	if err != nil {
		return nil, fmt.Errorf("get api key by prefix: %w", err)
	}
	defer rows.Close()

	var keys []*models.APIKey
	for rows.Next() {
		var k models.APIKey
		if err := rows.Scan(&k.ID, &k.OrgID, &k.Name, &k.KeyHash, &k.KeyPrefix, &k.Scopes,
			&k.LastUsedAt, &k.DeletedAt, &k.CreatedAt, &k.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, &k)
	}
	return keys, rows.Err()
}

func (s *PostgresStore) UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET last_used_at = NOW(), updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("update api key last used: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateAPIKey(ctx context.Context, key *models.APIKey) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO api_keys (id, org_id, name, key_hash, key_prefix, scopes, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		key.ID, key.OrgID, key.Name, key.KeyHash, key.KeyPrefix, key.Scopes, key.CreatedAt, key.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create api key: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListAPIKeys(ctx context.Context, orgID uuid.UUID) ([]*models.APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, org_id, name, key_hash, key_prefix, scopes, last_used_at, deleted_at, created_at, updated_at
		 FROM api_keys WHERE org_id = $1 AND deleted_at IS NULL ORDER BY created_at DESC`, orgID)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	defer rows.Close()

	var keys []*models.APIKey
	for rows.Next() {
		var k models.APIKey
		if err := rows.Scan(&k.ID, &k.OrgID, &k.Name, &k.KeyHash, &k.KeyPrefix, &k.Scopes,
			&k.LastUsedAt, &k.DeletedAt, &k.CreatedAt, &k.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, &k)
	}
	return keys, rows.Err()
}

func (s *PostgresStore) RevokeAPIKey(ctx context.Context, id uuid.UUID, orgID uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET deleted_at = NOW(), updated_at = NOW()
		 WHERE id = $1 AND org_id = $2 AND deleted_at IS NULL`, id, orgID)
	if err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Documents ---

func (s *PostgresStore) CreateDocument(ctx context.Context, doc *models.Document) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO documents (id, org_id, name, storage_path, content_hash, size_bytes, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		doc.ID, doc.OrgID, doc.Name, doc.StoragePath, doc.ContentHash, doc.SizeBytes,
		doc.Status, doc.CreatedAt, doc.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create document: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetDocument(ctx context.Context, id uuid.UUID, orgID uuid.UUID) (*models.Document, error) {
	var d models.Document
	err := s.pool.QueryRow(ctx,
		`SELECT id, org_id, name, storage_path, content_hash, size_bytes, status, created_at, updated_at
		 FROM documents WHERE id = $1 AND org_id = $2`, id, orgID,
	).Scan(&d.ID, &d.OrgID, &d.Name, &d.StoragePath, &d.ContentHash, &d.SizeBytes,
		&d.Status, &d.CreatedAt, &d.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get document: %w", err)
	}
	return &d, nil
}

func (s *PostgresStore) GetDocumentsByIDs(ctx context.Context, orgID uuid.UUID, ids []uuid.UUID) ([]*models.Document, error) {
	if len(ids) == 0 {
		return []*models.Document{}, nil
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, org_id, name, storage_path, content_hash, size_bytes, status, created_at, updated_at
		 FROM documents WHERE org_id = $1 AND id = ANY($2)`, orgID, ids)
	if err != nil {
		return nil, fmt.Errorf("get documents by ids: %w", err)
	}
	defer rows.Close()

	var docs []*models.Document
	for rows.Next() {
		var d models.Document
		if err := rows.Scan(&d.ID, &d.OrgID, &d.Name, &d.StoragePath, &d.ContentHash, &d.SizeBytes,
			&d.Status, &d.CreatedAt, &d.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		docs = append(docs, &d)
	}
	return docs, rows.Err()
}

func (s *PostgresStore) UpdateDocumentStatus(ctx context.Context, id uuid.UUID, status string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE documents SET status = $2, updated_at = NOW() WHERE id = $1`, id, status)
	if err != nil {
		return fmt.Errorf("update document status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Jobs ---

const jobColumns = `id, org_id, purpose, status, stage, progress, document_ids, options,
	attempts, error_code, error_message, started_at, finished_at, created_at, updated_at`

func scanJob(row pgx.Row) (*models.Job, error) {
	var j models.Job
	err := row.Scan(&j.ID, &j.OrgID, &j.Purpose, &j.Status, &j.Stage, &j.Progress,
		&j.DocumentIDs, &j.Options, &j.Attempts, &j.ErrorCode, &j.ErrorMessage,
		&j.StartedAt, &j.FinishedAt, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &j, nil
}

func (s *PostgresStore) CreateJob(ctx context.Context, job *models.Job) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO jobs (id, org_id, purpose, status, stage, progress, document_ids, options, attempts, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		job.ID, job.OrgID, job.Purpose, job.Status, job.Stage, job.Progress,
		job.DocumentIDs, job.Options, job.Attempts, job.CreatedAt, job.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetJob(ctx context.Context, id uuid.UUID, orgID uuid.UUID) (*models.Job, error) {
	j, err := scanJob(s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = $1 AND org_id = $2`, id, orgID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

func (s *PostgresStore) GetJobByID(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	j, err := scanJob(s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job by id: %w", err)
	}
	return j, nil
}

func (s *PostgresStore) FindActiveJob(ctx context.Context, orgID uuid.UUID, documentID uuid.UUID, purpose string) (*models.Job, error) {
	j, err := scanJob(s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs
		 WHERE org_id = $1 AND purpose = $2 AND $3 = ANY(document_ids)
		   AND status IN ('pending', 'processing')
		 ORDER BY created_at DESC LIMIT 1`, orgID, purpose, documentID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find active job: %w", err)
	}
	return j, nil
}

func (s *PostgresStore) GetLatestJobForDocument(ctx context.Context, orgID uuid.UUID, documentID uuid.UUID, purpose string) (*models.Job, error) {
	j, err := scanJob(s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs
		 WHERE org_id = $1 AND purpose = $2 AND $3 = ANY(document_ids)
		 ORDER BY created_at DESC LIMIT 1`, orgID, purpose, documentID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get latest job for document: %w", err)
	}
	return j, nil
}

// MarkJobProcessing moves a job to processing and bumps its attempt counter.
// Re-marking an already-processing job is allowed; duplicate queue delivery is
// expected and the stage check in AdvanceJobStage keeps work idempotent.
func (s *PostgresStore) MarkJobProcessing(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET status = 'processing', attempts = attempts + 1,
		        started_at = COALESCE(started_at, NOW()), updated_at = NOW()
		 WHERE id = $1 AND status IN ('pending', 'processing')`, id)
	if err != nil {
		return fmt.Errorf("mark job processing: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}

// AdvanceJobStage records completion of one stage. The update only applies if
// the job is still processing and its stage is exactly fromStage, so a racing
// manual retry or duplicate delivery cannot corrupt stage/progress. Progress
// never decreases.
func (s *PostgresStore) AdvanceJobStage(ctx context.Context, id uuid.UUID, fromStage, toStage string, progress int) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET stage = $3, progress = GREATEST(progress, $4), updated_at = NOW()
		 WHERE id = $1 AND stage = $2 AND status = 'processing'`,
		id, fromStage, toStage, progress)
	if err != nil {
		return fmt.Errorf("advance job stage: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}

func (s *PostgresStore) CompleteJob(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET status = 'completed', stage = 'complete', progress = 100,
		        error_code = NULL, error_message = NULL, finished_at = NOW(), updated_at = NOW()
		 WHERE id = $1 AND status = 'processing'`, id)
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}

// FailJob marks a job terminal with an actionable error code. The stage column
// keeps the last successfully completed stage so a manual retry can resume
// there instead of redoing finished work.
func (s *PostgresStore) FailJob(ctx context.Context, id uuid.UUID, code, message string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET status = 'error', error_code = $2, error_message = $3,
		        finished_at = NOW(), updated_at = NOW()
		 WHERE id = $1 AND status IN ('pending', 'processing')`, id, code, message)
	if err != nil {
		return fmt.Errorf("fail job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}

// ResetJobForRetry clears the error and requeues a failed job. The stage is left
// untouched: it still names the last stage that completed, so the orchestrator
// resumes at the next one.
func (s *PostgresStore) ResetJobForRetry(ctx context.Context, id uuid.UUID, orgID uuid.UUID) (*models.Job, error) {
	j, err := scanJob(s.pool.QueryRow(ctx,
		`UPDATE jobs SET status = 'pending', error_code = NULL, error_message = NULL,
		        finished_at = NULL, updated_at = NOW()
		 WHERE id = $1 AND org_id = $2 AND status IN ('failed', 'error')
		 RETURNING `+jobColumns, id, orgID))
	if errors.Is(err, pgx.ErrNoRows) {
		// Distinguish "no such job" from "job not in a retryable state".
		if _, getErr := s.GetJob(ctx, id, orgID); errors.Is(getErr, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, ErrConflict
	}
	if err != nil {
		return nil, fmt.Errorf("reset job for retry: %w", err)
	}
	return j, nil
}

func (s *PostgresStore) CancelJob(ctx context.Context, id uuid.UUID, orgID uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET status = 'error', error_code = 'CANCELLED', error_message = 'cancelled by caller',
		        finished_at = NOW(), updated_at = NOW()
		 WHERE id = $1 AND org_id = $2 AND status IN ('pending', 'processing')`, id, orgID)
	if err != nil {
		return fmt.Errorf("cancel job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, getErr := s.GetJob(ctx, id, orgID); errors.Is(getErr, ErrNotFound) {
			return ErrNotFound
		}
		return ErrConflict
	}
	return nil
}

// DeleteJob removes a terminal job record. Active jobs are never deleted;
// callers cancel them first.
func (s *PostgresStore) DeleteJob(ctx context.Context, id uuid.UUID, orgID uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM jobs WHERE id = $1 AND org_id = $2 AND status IN ('completed', 'failed', 'error')`,
		id, orgID)
	if err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, getErr := s.GetJob(ctx, id, orgID); getErr == nil {
			return ErrJobActive
		}
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ApplyJobCallback(ctx context.Context, id uuid.UUID, orgID uuid.UUID, patch JobPatch) (*models.Job, error) {
	query := `UPDATE jobs SET updated_at = NOW()`
	args := []any{id, orgID}
	argIdx := 3

	if patch.Status != nil {
		query += fmt.Sprintf(", status = $%d", argIdx)
		args = append(args, *patch.Status)
		argIdx++
		if models.IsTerminalStatus(*patch.Status) {
			query += ", finished_at = NOW()"
		}
	}
	if patch.Stage != nil {
		query += fmt.Sprintf(", stage = $%d", argIdx)
		args = append(args, *patch.Stage)
		argIdx++
	}
	if patch.Progress != nil {
		query += fmt.Sprintf(", progress = GREATEST(progress, $%d)", argIdx)
		args = append(args, *patch.Progress)
		argIdx++
	}
	if patch.ErrorCode != nil {
		query += fmt.Sprintf(", error_code = $%d", argIdx)
		args = append(args, *patch.ErrorCode)
		argIdx++
	}
	if patch.ErrorMessage != nil {
		query += fmt.Sprintf(", error_message = $%d", argIdx)
		args = append(args, *patch.ErrorMessage)
		argIdx++
	}

	query += ` WHERE id = $1 AND org_id = $2 AND status NOT IN ('completed', 'failed', 'error')
	 RETURNING ` + jobColumns

	j, err := scanJob(s.pool.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		if _, getErr := s.GetJob(ctx, id, orgID); errors.Is(getErr, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, ErrConflict
	}
	if err != nil {
		return nil, fmt.Errorf("apply job callback: %w", err)
	}
	return j, nil
}

// ListStalledJobs returns live jobs whose last update is older than the cutoff.
// Pending jobs cover the crash window between row creation and queue push;
// processing jobs cover consumers that died mid-stage after the destructive
// BRPOP. Re-delivery is safe because every stage transition is conditional on
// the job's current stage.
func (s *PostgresStore) ListStalledJobs(ctx context.Context, olderThan time.Time, limit int) ([]*models.Job, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM jobs
		 WHERE status IN ('pending', 'processing') AND updated_at < $1
		 ORDER BY updated_at ASC LIMIT $2`, olderThan, limit)
	if err != nil {
		return nil, fmt.Errorf("list stalled jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// --- Artifacts ---

func (s *PostgresStore) CreateArtifact(ctx context.Context, artifact *models.Artifact) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO artifacts (id, org_id, document_id, job_id, kind, storage_path, content_hash, size_bytes, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		artifact.ID, artifact.OrgID, artifact.DocumentID, artifact.JobID, artifact.Kind,
		artifact.StoragePath, artifact.ContentHash, artifact.SizeBytes, artifact.CreatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create artifact: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetArtifact(ctx context.Context, id uuid.UUID, orgID uuid.UUID) (*models.Artifact, error) {
	var a models.Artifact
	err := s.pool.QueryRow(ctx,
		`SELECT id, org_id, document_id, job_id, kind, storage_path, content_hash, size_bytes, created_at
		 FROM artifacts WHERE id = $1 AND org_id = $2`, id, orgID,
	).Scan(&a.ID, &a.OrgID, &a.DocumentID, &a.JobID, &a.Kind,
		&a.StoragePath, &a.ContentHash, &a.SizeBytes, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get artifact: %w", err)
	}
	return &a, nil
}

func (s *PostgresStore) ListArtifactsByDocument(ctx context.Context, orgID uuid.UUID, documentID uuid.UUID) ([]*models.Artifact, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, org_id, document_id, job_id, kind, storage_path, content_hash, size_bytes, created_at
		 FROM artifacts WHERE org_id = $1 AND document_id = $2 ORDER BY created_at DESC`, orgID, documentID)
	if err != nil {
		return nil, fmt.Errorf("list artifacts by document: %w", err)
	}
	defer rows.Close()

	var artifacts []*models.Artifact
	for rows.Next() {
		var a models.Artifact
		if err := rows.Scan(&a.ID, &a.OrgID, &a.DocumentID, &a.JobID, &a.Kind,
			&a.StoragePath, &a.ContentHash, &a.SizeBytes, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan artifact: %w", err)
		}
		artifacts = append(artifacts, &a)
	}
	return artifacts, rows.Err()
}

func (s *PostgresStore) GetLatestArtifact(ctx context.Context, orgID uuid.UUID, documentID uuid.UUID, kind string) (*models.Artifact, error) {
	var a models.Artifact
	err := s.pool.QueryRow(ctx,
		`SELECT id, org_id, document_id, job_id, kind, storage_path, content_hash, size_bytes, created_at
		 FROM artifacts WHERE org_id = $1 AND document_id = $2 AND kind = $3
		 ORDER BY created_at DESC LIMIT 1`, orgID, documentID, kind,
	).Scan(&a.ID, &a.OrgID, &a.DocumentID, &a.JobID, &a.Kind,
		&a.StoragePath, &a.ContentHash, &a.SizeBytes, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get latest artifact: %w", err)
	}
	return &a, nil
}

// isDuplicateKeyError checks if a pgx error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}
