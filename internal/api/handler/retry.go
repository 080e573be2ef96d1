package handler

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	mw "github.com/rohitvanga/docpipe/internal/api/middleware"
	"github.com/rohitvanga/docpipe/internal/api/response"
	"github.com/rohitvanga/docpipe/internal/store"
	"github.com/rohitvanga/docpipe/pkg/models"
)

// NewRetryDocumentHandler returns the handler for
// POST /api/v1/documents/{documentID}/retry. Retry resumes at the stage after
// the last one that completed; finished stages are never re-run.
func NewRetryDocumentHandler(st store.Store, enq Enqueuer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		orgID, ok := mw.GetOrgID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing organization", nil)
			return
		}

		docID, err := uuid.Parse(chi.URLParam(r, "documentID"))
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid document id", nil)
			return
		}

		job, err := st.GetLatestJobForDocument(r.Context(), orgID, docID, models.JobPurposeIngest)
		if errors.Is(err, store.ErrNotFound) {
			response.Error(w, http.StatusNotFound, "JOB_NOT_FOUND",
				"No processing job exists for this document", nil)
			return
		}
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to load job", nil)
			return
		}

		reset, err := st.ResetJobForRetry(r.Context(), job.ID, orgID)
		if errors.Is(err, store.ErrConflict) {
			response.Error(w, http.StatusConflict, "JOB_NOT_RETRYABLE",
				"Job is not in a failed state", map[string]any{"status": job.Status})
			return
		}
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to reset job", nil)
			return
		}

		if err := enq.Requeue(r.Context(), reset.ID); err != nil {
			// Reset already happened; the sweep will pick the pending job up.
			response.Accepted(w, jobResponse{
				JobID:             reset.ID,
				Status:            reset.Status,
				Stage:             reset.Stage,
				Deferred:          true,
				RetryAfterSeconds: deferredRetrySeconds,
			})
			return
		}

		response.Accepted(w, jobResponse{
			JobID:  reset.ID,
			Status: reset.Status,
			Stage:  reset.Stage,
		})
	}
}
