// Package pipeline sequences jobs through the analysis stages
// extract -> index -> enrich -> merge, calling the external worker for each
// stage and keeping the job store and progress cache in step. Stage handlers
// are idempotent by stage check: duplicate queue delivery re-verifies the
// job's current stage before doing anything expensive.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rohitvanga/docpipe/internal/progress"
	"github.com/rohitvanga/docpipe/internal/results"
	"github.com/rohitvanga/docpipe/internal/store"
	"github.com/rohitvanga/docpipe/internal/worker"
	"github.com/rohitvanga/docpipe/pkg/models"
)

// Error codes surfaced on failed jobs. Each maps to a distinct recovery action
// in the client: retry later, run ingest first, or re-run the failed stage.
const (
	CodeWorkerTimeout     = "WORKER_TIMEOUT"
	CodeWorkerUnreachable = "WORKER_UNREACHABLE"
	CodeIndexNotBuilt     = "INDEX_NOT_BUILT"
	CodeStageFailed       = "STAGE_FAILED"
)

var stageArtifactKind = map[string]string{
	models.StageExtract: models.ArtifactKindText,
	models.StageIndex:   models.ArtifactKindIndex,
	models.StageEnrich:  models.ArtifactKindEnrichment,
	models.StageMerge:   models.ArtifactKindRiskList,
}

// Orchestrator drives one job at a time through the stage state machine.
type Orchestrator struct {
	store       store.Store
	worker      worker.Client
	tracker     *progress.Tracker
	results     *results.Service
	maxAttempts int
}

func NewOrchestrator(st store.Store, wc worker.Client, tracker *progress.Tracker, res *results.Service, maxAttempts int) *Orchestrator {
	if maxAttempts < 1 {
		maxAttempts = 3
	}
	return &Orchestrator{
		store:       st,
		worker:      wc,
		tracker:     tracker,
		results:     res,
		maxAttempts: maxAttempts,
	}
}

// Process runs a dequeued job to a terminal state. It is safe to call twice
// for the same job: every transition is a conditional update keyed on the
// job's current stage, so the second delivery finds nothing left to do.
func (o *Orchestrator) Process(ctx context.Context, jobID uuid.UUID) error {
	if err := o.store.MarkJobProcessing(ctx, jobID); err != nil {
		if errors.Is(err, store.ErrConflict) {
			// Already terminal; duplicate delivery.
			return nil
		}
		return fmt.Errorf("mark processing: %w", err)
	}

	job, err := o.store.GetJobByID(ctx, jobID)
	if err != nil {
		return fmt.Errorf("load job: %w", err)
	}

	o.setDocumentStatuses(ctx, job, models.DocumentStatusProcessing)
	o.tracker.Set(ctx, job.ID, job.Stage, job.Progress, "processing")

	docs, err := o.store.GetDocumentsByIDs(ctx, job.OrgID, job.DocumentIDs)
	if err != nil {
		return fmt.Errorf("load documents: %w", err)
	}
	paths := make([]string, len(docs))
	for i, d := range docs {
		paths[i] = d.StoragePath
	}

	for {
		// Reload before every stage: a cancellation or a racing manual retry
		// may have moved the job underneath us.
		job, err = o.store.GetJobByID(ctx, job.ID)
		if err != nil {
			return fmt.Errorf("reload job: %w", err)
		}
		if job.Terminal() {
			slog.Info("job reached terminal state elsewhere, stopping",
				"job_id", job.ID, "status", job.Status)
			return nil
		}

		next := models.NextStage(job.Stage)
		if next == models.StageComplete {
			return o.finish(ctx, job)
		}
		if next == models.StageError {
			// A live job should never carry the error stage; failures keep the
			// last completed stage. Close it out rather than restarting work.
			msg := "job stage marked error without a terminal status"
			if err := o.store.FailJob(ctx, job.ID, CodeStageFailed, msg); err != nil && !errors.Is(err, store.ErrConflict) {
				slog.Error("fail job", "error", err, "job_id", job.ID)
			}
			o.tracker.Set(ctx, job.ID, models.StageError, job.Progress, msg)
			return nil
		}

		if err := o.runStage(ctx, job, next, paths); err != nil {
			code, msg := failureFor(next, err)
			if failErr := o.store.FailJob(ctx, job.ID, code, msg); failErr != nil && !errors.Is(failErr, store.ErrConflict) {
				slog.Error("fail job", "error", failErr, "job_id", job.ID)
			}
			o.setDocumentStatuses(ctx, job, models.DocumentStatusError)
			o.tracker.Set(ctx, job.ID, models.StageError, job.Progress, msg)
			slog.Warn("job failed", "job_id", job.ID, "stage", next, "code", code, "error", err)
			return nil
		}
	}
}

// runStage executes one stage with bounded retries, persists its artifact, and
// advances the job record atomically.
func (o *Orchestrator) runStage(ctx context.Context, job *models.Job, stage string, paths []string) error {
	slog.Info("running stage", "job_id", job.ID, "stage", stage, "attempt_ceiling", o.maxAttempts)

	result, err := o.callWorker(ctx, job, stage, paths)
	if err != nil {
		return err
	}

	o.persistArtifact(ctx, job, stage, result)

	if err := o.store.AdvanceJobStage(ctx, job.ID, job.Stage, stage, models.StageProgress[stage]); err != nil {
		if errors.Is(err, store.ErrConflict) {
			// Someone else advanced or terminated the job; the reload at the
			// top of the loop decides what happens next.
			slog.Info("stage advance conflicted, rechecking", "job_id", job.ID, "stage", stage)
			return nil
		}
		return fmt.Errorf("advance stage: %w", err)
	}

	o.tracker.Set(ctx, job.ID, stage, models.StageProgress[stage], fmt.Sprintf("%s finished", stage))
	return nil
}

// callWorker invokes the collaborator for a stage, retrying transient failures
// (timeouts, unreachable worker) with exponential backoff up to the attempt
// budget. Anything else fails immediately.
func (o *Orchestrator) callWorker(ctx context.Context, job *models.Job, stage string, paths []string) (*worker.StageResult, error) {
	req := worker.StageRequest{
		JobID:         job.ID.String(),
		Stage:         stage,
		DocumentPaths: paths,
		Options:       json.RawMessage(job.Options),
	}

	var result *worker.StageResult
	op := func() error {
		res, err := o.worker.RunStage(ctx, req)
		if err != nil {
			if worker.Transient(err) {
				slog.Warn("transient stage failure, will retry",
					"job_id", job.ID, "stage", stage, "error", err)
				return err
			}
			return backoff.Permanent(err)
		}
		result = res
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = 30 * time.Second

	err := backoff.Retry(op, backoff.WithContext(
		backoff.WithMaxRetries(bo, uint64(o.maxAttempts-1)), ctx))
	if err != nil {
		return nil, err
	}
	return result, nil
}

// persistArtifact records the stage output durably and invalidates any cached
// derived result it supersedes. The durable store wins: a stale cache entry is
// dropped on every durable write rather than reconciled later.
func (o *Orchestrator) persistArtifact(ctx context.Context, job *models.Job, stage string, res *worker.StageResult) {
	kind, ok := stageArtifactKind[stage]
	if !ok || len(job.DocumentIDs) == 0 {
		return
	}

	artifact := &models.Artifact{
		ID:          uuid.New(),
		OrgID:       job.OrgID,
		DocumentID:  job.DocumentIDs[0],
		JobID:       &job.ID,
		Kind:        kind,
		StoragePath: res.ArtifactPath,
		ContentHash: res.ContentHash,
		SizeBytes:   res.SizeBytes,
		CreatedAt:   time.Now().UTC(),
	}
	if err := o.store.CreateArtifact(ctx, artifact); err != nil {
		slog.Error("persist stage artifact", "error", err, "job_id", job.ID, "stage", stage)
		return
	}

	if stage == models.StageMerge {
		for _, docID := range job.DocumentIDs {
			doc, err := o.store.GetDocument(ctx, docID, job.OrgID)
			if err != nil {
				continue
			}
			o.results.Invalidate(ctx, results.Fingerprint(results.FingerprintInput{
				ContentHash: doc.ContentHash,
				Kind:        models.ArtifactKindRiskList,
			}))
		}
	}
}

func (o *Orchestrator) finish(ctx context.Context, job *models.Job) error {
	if err := o.store.CompleteJob(ctx, job.ID); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil
		}
		return fmt.Errorf("complete job: %w", err)
	}

	o.setDocumentStatuses(ctx, job, models.DocumentStatusComplete)
	o.tracker.Set(ctx, job.ID, models.StageComplete, 100, "pipeline complete")
	slog.Info("job completed", "job_id", job.ID, "documents", len(job.DocumentIDs))
	return nil
}

// setDocumentStatuses is best-effort; document status is a coarse projection
// and the job record remains authoritative.
func (o *Orchestrator) setDocumentStatuses(ctx context.Context, job *models.Job, status string) {
	for _, docID := range job.DocumentIDs {
		if err := o.store.UpdateDocumentStatus(ctx, docID, status); err != nil {
			slog.Warn("update document status", "error", err, "document_id", docID, "status", status)
		}
	}
}

// failureFor maps a stage error to an error code and a message specific enough
// to drive a recovery action in the client.
func failureFor(stage string, err error) (code, message string) {
	switch {
	case errors.Is(err, worker.ErrWorkerTimeout):
		return CodeWorkerTimeout, fmt.Sprintf("stage %s timed out waiting for the analysis worker; retry the job", stage)
	case errors.Is(err, worker.ErrWorkerUnreachable):
		return CodeWorkerUnreachable, fmt.Sprintf("analysis worker unreachable during stage %s; retry once the worker is back", stage)
	case errors.Is(err, worker.ErrIndexNotBuilt):
		return CodeIndexNotBuilt, fmt.Sprintf("stage %s requires an index that was never built; run ingest first", stage)
	default:
		return CodeStageFailed, fmt.Sprintf("stage %s failed: %v", stage, err)
	}
}
