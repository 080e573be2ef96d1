// Package queue implements the dispatcher: durable job creation plus a Redis
// work queue with at-least-once delivery. The jobs table, not the queue item,
// is the source of truth for a job's existence; a lost queue item is recovered
// by the stalled-job sweep or a manual retry.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/rohitvanga/docpipe/internal/cache"
	"github.com/rohitvanga/docpipe/internal/store"
	"github.com/rohitvanga/docpipe/pkg/models"
)

// ErrDuplicateJob is returned when a non-terminal job already covers one of the
// requested documents for the same purpose.
var ErrDuplicateJob = errors.New("active job already exists for document")

const (
	queueName    = "jobs"
	popTimeout   = 5 * time.Second
	stalledLimit = 100
)

// workItem is the queue payload. Only the id travels; the job row is reloaded
// on dequeue so consumers always act on current state.
type workItem struct {
	JobID uuid.UUID `json:"job_id"`
}

// EnqueueRequest describes a job to create and queue.
type EnqueueRequest struct {
	OrgID       uuid.UUID
	Purpose     string
	DocumentIDs []uuid.UUID
	Options     []byte
}

// EnqueueResult is the outcome of an enqueue. Deferred means the job row was
// created but the queue push failed; processing starts once the sweep requeues
// it, and the caller should answer degraded-success with a retry hint.
type EnqueueResult struct {
	Job      *models.Job
	Deferred bool
}

// Dispatcher creates job records and moves work through the Redis queue.
type Dispatcher struct {
	store store.Store
	cache cache.Cache
}

func NewDispatcher(st store.Store, c cache.Cache) *Dispatcher {
	return &Dispatcher{store: st, cache: c}
}

// Enqueue creates a pending job and pushes it onto the work queue. It refuses
// to create a second non-terminal job for the same document + purpose.
func (d *Dispatcher) Enqueue(ctx context.Context, req EnqueueRequest) (*EnqueueResult, error) {
	if len(req.DocumentIDs) == 0 {
		return nil, fmt.Errorf("enqueue: at least one document id is required")
	}

	// Read-then-write: two simultaneous enqueues for the same document can both
	// pass this check. The window is accepted; a duplicate job wastes one
	// pipeline run but cannot corrupt state, since every stage transition is
	// conditional and artifacts are immutable.
	for _, docID := range req.DocumentIDs {
		existing, err := d.store.FindActiveJob(ctx, req.OrgID, docID, req.Purpose)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("check active job: %w", err)
		}
		if existing != nil {
			return nil, fmt.Errorf("%w: document %s is covered by job %s", ErrDuplicateJob, docID, existing.ID)
		}
	}

	now := time.Now().UTC()
	job := &models.Job{
		ID:          uuid.New(),
		OrgID:       req.OrgID,
		Purpose:     req.Purpose,
		Status:      models.JobStatusPending,
		Stage:       models.StageIdle,
		Progress:    0,
		DocumentIDs: req.DocumentIDs,
		Options:     req.Options,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := d.store.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("creating job: %w", err)
	}

	if err := d.push(ctx, job.ID); err != nil {
		// The durable record exists; the sweep will requeue it. Never fail the
		// request once the primary write succeeded.
		slog.Warn("queue push failed, job deferred", "error", err, "job_id", job.ID)
		return &EnqueueResult{Job: job, Deferred: true}, nil
	}

	return &EnqueueResult{Job: job}, nil
}

// Requeue pushes an existing job back onto the queue, used by manual retry.
func (d *Dispatcher) Requeue(ctx context.Context, jobID uuid.UUID) error {
	return d.push(ctx, jobID)
}

// Dequeue blocks up to the pop timeout for the next work item and reloads its
// job row. found=false means the wait timed out or the item was stale
// (terminal or vanished job); consumers just loop.
func (d *Dispatcher) Dequeue(ctx context.Context) (*models.Job, bool, error) {
	data, found, err := d.cache.BRPop(ctx, popTimeout, cache.QueueKey(queueName))
	if err != nil {
		return nil, false, fmt.Errorf("pop work item: %w", err)
	}
	if !found {
		return nil, false, nil
	}

	var item workItem
	if err := json.Unmarshal(data, &item); err != nil {
		slog.Warn("discarding malformed work item", "error", err)
		return nil, false, nil
	}

	job, err := d.store.GetJobByID(ctx, item.JobID)
	if errors.Is(err, store.ErrNotFound) {
		slog.Warn("discarding work item for missing job", "job_id", item.JobID)
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("load job %s: %w", item.JobID, err)
	}
	if job.Terminal() {
		// Duplicate delivery after the job finished elsewhere.
		return nil, false, nil
	}

	return job, true, nil
}

// RequeueStalled pushes jobs stuck past the staleness window back onto the
// queue: pending jobs whose queue item was lost before a consumer saw it, and
// processing jobs orphaned by a consumer crash after the destructive pop.
// Duplicate delivery is harmless; the orchestrator's stage checks make the
// second run a no-op for finished work.
func (d *Dispatcher) RequeueStalled(ctx context.Context, olderThan time.Time) (int, error) {
	jobs, err := d.store.ListStalledJobs(ctx, olderThan, stalledLimit)
	if err != nil {
		return 0, fmt.Errorf("list stalled jobs: %w", err)
	}

	requeued := 0
	for _, job := range jobs {
		if err := d.push(ctx, job.ID); err != nil {
			slog.Warn("requeue stalled job failed", "error", err, "job_id", job.ID)
			continue
		}
		requeued++
	}
	if requeued > 0 {
		slog.Info("requeued stalled jobs", "count", requeued)
	}
	return requeued, nil
}

func (d *Dispatcher) push(ctx context.Context, jobID uuid.UUID) error {
	data, err := json.Marshal(workItem{JobID: jobID})
	if err != nil {
		return fmt.Errorf("marshal work item: %w", err)
	}
	if err := d.cache.LPush(ctx, cache.QueueKey(queueName), data); err != nil {
		return fmt.Errorf("push work item: %w", err)
	}
	return nil
}
