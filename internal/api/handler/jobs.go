package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	mw "github.com/rohitvanga/docpipe/internal/api/middleware"
	"github.com/rohitvanga/docpipe/internal/api/response"
	"github.com/rohitvanga/docpipe/internal/progress"
	"github.com/rohitvanga/docpipe/internal/queue"
	"github.com/rohitvanga/docpipe/internal/store"
	"github.com/rohitvanga/docpipe/pkg/models"
)

// Enqueuer is the slice of the dispatcher the job handlers depend on.
type Enqueuer interface {
	Enqueue(ctx context.Context, req queue.EnqueueRequest) (*queue.EnqueueResult, error)
	Requeue(ctx context.Context, jobID uuid.UUID) error
}

// deferredRetrySeconds is the recovery hint returned with a degraded-success
// enqueue: the sweep requeues deferred jobs well inside this window.
const deferredRetrySeconds = 120

type jobResponse struct {
	JobID    uuid.UUID `json:"job_id"`
	Status   string    `json:"status"`
	Stage    string    `json:"stage,omitempty"`
	Deferred bool      `json:"deferred,omitempty"`
	// RetryAfterSeconds is set only on deferred responses.
	RetryAfterSeconds int    `json:"retry_after_seconds,omitempty"`
	Message           string `json:"message,omitempty"`
}

// NewCreateJobHandler returns the handler for POST /api/v1/jobs.
func NewCreateJobHandler(st store.Store, enq Enqueuer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		orgID, ok := mw.GetOrgID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing organization", nil)
			return
		}

		var req struct {
			DocumentIDs []uuid.UUID     `json:"document_ids"`
			Purpose     string          `json:"purpose"`
			Options     json.RawMessage `json:"options,omitempty"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}
		if len(req.DocumentIDs) == 0 {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "document_ids is required", nil)
			return
		}
		if req.Purpose == "" {
			req.Purpose = models.JobPurposeIngest
		}

		docs, err := st.GetDocumentsByIDs(r.Context(), orgID, req.DocumentIDs)
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to load documents", nil)
			return
		}
		if len(docs) != len(req.DocumentIDs) {
			response.Error(w, http.StatusNotFound, "DOCUMENT_NOT_FOUND",
				"One or more documents do not exist", nil)
			return
		}

		result, err := enq.Enqueue(r.Context(), queue.EnqueueRequest{
			OrgID:       orgID,
			Purpose:     req.Purpose,
			DocumentIDs: req.DocumentIDs,
			Options:     req.Options,
		})
		if err != nil {
			if errors.Is(err, queue.ErrDuplicateJob) {
				response.Error(w, http.StatusConflict, "DUPLICATE_JOB",
					"An active job already covers one of these documents", nil)
				return
			}
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to create job", nil)
			return
		}

		resp := jobResponse{JobID: result.Job.ID, Status: result.Job.Status}
		if result.Deferred {
			resp.Deferred = true
			resp.RetryAfterSeconds = deferredRetrySeconds
			resp.Message = "job created but processing is deferred; it will start automatically"
		}
		response.Accepted(w, resp)
	}
}

// NewGetJobHandler returns the handler for GET /api/v1/jobs/{jobID}. The
// response includes the derived status of every document the job covers.
func NewGetJobHandler(st store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		orgID, ok := mw.GetOrgID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing organization", nil)
			return
		}

		jobID, err := uuid.Parse(chi.URLParam(r, "jobID"))
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid job id", nil)
			return
		}

		job, err := st.GetJob(r.Context(), jobID, orgID)
		if errors.Is(err, store.ErrNotFound) {
			response.Error(w, http.StatusNotFound, "JOB_NOT_FOUND", "Job not found", nil)
			return
		}
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to load job", nil)
			return
		}

		docs, err := st.GetDocumentsByIDs(r.Context(), orgID, job.DocumentIDs)
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to load documents", nil)
			return
		}

		type docStatus struct {
			ID     uuid.UUID `json:"id"`
			Name   string    `json:"name"`
			Status string    `json:"status"`
		}
		statuses := make([]docStatus, 0, len(docs))
		for _, d := range docs {
			statuses = append(statuses, docStatus{ID: d.ID, Name: d.Name, Status: d.Status})
		}

		response.JSON(w, map[string]any{
			"job":       job,
			"documents": statuses,
		})
	}
}

// NewJobCallbackHandler returns the handler for PATCH /api/v1/jobs/{jobID},
// used by the analysis worker to push status/stage/progress updates. Progress
// can only grow and terminal jobs reject further patches.
func NewJobCallbackHandler(st store.Store, tracker *progress.Tracker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		orgID, ok := mw.GetOrgID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing organization", nil)
			return
		}

		jobID, err := uuid.Parse(chi.URLParam(r, "jobID"))
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid job id", nil)
			return
		}

		var req struct {
			Status       *string `json:"status,omitempty"`
			Stage        *string `json:"stage,omitempty"`
			Progress     *int    `json:"progress,omitempty"`
			ErrorCode    *string `json:"error_code,omitempty"`
			ErrorMessage *string `json:"error,omitempty"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}

		if req.Status != nil && !validCallbackStatus(*req.Status) {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid status value", nil)
			return
		}
		if req.Stage != nil && !validCallbackStage(*req.Stage) {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid stage value", nil)
			return
		}
		if req.Progress != nil && (*req.Progress < 0 || *req.Progress > 100) {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "progress must be 0-100", nil)
			return
		}

		patch := store.JobPatch{
			Status:       req.Status,
			Stage:        req.Stage,
			Progress:     req.Progress,
			ErrorCode:    req.ErrorCode,
			ErrorMessage: req.ErrorMessage,
		}
		if patch.Empty() {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Empty patch", nil)
			return
		}

		job, err := st.ApplyJobCallback(r.Context(), jobID, orgID, patch)
		if errors.Is(err, store.ErrNotFound) {
			response.Error(w, http.StatusNotFound, "JOB_NOT_FOUND", "Job not found", nil)
			return
		}
		if errors.Is(err, store.ErrConflict) {
			response.Error(w, http.StatusConflict, "JOB_TERMINAL",
				"Job already reached a terminal state", nil)
			return
		}
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to update job", nil)
			return
		}

		msg := ""
		if job.ErrorMessage != nil {
			msg = *job.ErrorMessage
		}
		tracker.Set(r.Context(), job.ID, job.Stage, job.Progress, msg)

		response.JSON(w, job)
	}
}

// NewDeleteJobHandler returns the handler for DELETE /api/v1/jobs/{jobID}.
// Terminal jobs are removed; active jobs are cancelled instead of deleted so
// in-flight stage consumers never reference a vanished record.
func NewDeleteJobHandler(st store.Store, tracker *progress.Tracker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		orgID, ok := mw.GetOrgID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing organization", nil)
			return
		}

		jobID, err := uuid.Parse(chi.URLParam(r, "jobID"))
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid job id", nil)
			return
		}

		err = st.DeleteJob(r.Context(), jobID, orgID)
		if errors.Is(err, store.ErrJobActive) {
			if cancelErr := st.CancelJob(r.Context(), jobID, orgID); cancelErr != nil &&
				!errors.Is(cancelErr, store.ErrConflict) {
				response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to cancel job", nil)
				return
			}
			tracker.Clear(r.Context(), jobID)
			response.JSON(w, jobResponse{JobID: jobID, Status: models.JobStatusError,
				Message: "job cancelled"})
			return
		}
		if errors.Is(err, store.ErrNotFound) {
			response.Error(w, http.StatusNotFound, "JOB_NOT_FOUND", "Job not found", nil)
			return
		}
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to delete job", nil)
			return
		}

		tracker.Clear(r.Context(), jobID)
		response.JSON(w, map[string]any{"deleted": true, "job_id": jobID})
	}
}

func validCallbackStatus(status string) bool {
	switch status {
	case models.JobStatusPending, models.JobStatusProcessing,
		models.JobStatusCompleted, models.JobStatusFailed, models.JobStatusError:
		return true
	}
	return false
}

// validCallbackStage accepts the pipeline stages plus complete. Failure is
// expressed through status and the error fields, never the stage column, and
// idle only exists before the first delivery.
func validCallbackStage(stage string) bool {
	if stage == models.StageComplete {
		return true
	}
	for _, s := range models.StageOrder {
		if s == stage {
			return true
		}
	}
	return false
}
