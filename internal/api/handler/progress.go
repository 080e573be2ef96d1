package handler

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	mw "github.com/rohitvanga/docpipe/internal/api/middleware"
	"github.com/rohitvanga/docpipe/internal/api/response"
	"github.com/rohitvanga/docpipe/internal/progress"
	"github.com/rohitvanga/docpipe/internal/store"
	"github.com/rohitvanga/docpipe/pkg/models"
)

type progressResponse struct {
	Status   string `json:"status"`
	Progress int    `json:"progress"`
	Step     string `json:"step,omitempty"`
	Message  string `json:"message,omitempty"`
}

// NewDocumentProgressHandler returns the handler for
// GET /api/v1/documents/{documentID}/progress. The progress cache is read
// first; an absent or expired entry falls back to the durable job record, and
// a document with no job at all reports its own coarse status. Clients poll
// this every couple of seconds, so the handler does at most one cache read and
// two indexed queries.
func NewDocumentProgressHandler(st store.Store, tracker *progress.Tracker) http.HandlerFunc {
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

		doc, err := st.GetDocument(r.Context(), docID, orgID)
		if errors.Is(err, store.ErrNotFound) {
			response.Error(w, http.StatusNotFound, "DOCUMENT_NOT_FOUND", "Document not found", nil)
			return
		}
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to load document", nil)
			return
		}

		job, err := st.GetLatestJobForDocument(r.Context(), orgID, docID, models.JobPurposeIngest)
		if errors.Is(err, store.ErrNotFound) {
			response.JSON(w, progressResponse{
				Status:   documentPollStatus(doc.Status),
				Progress: 0,
			})
			return
		}
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to load job", nil)
			return
		}

		if entry, found := tracker.Get(r.Context(), job.ID); found {
			response.JSON(w, progressResponse{
				Status:   jobPollStatus(job.Status),
				Progress: entry.Percent,
				Step:     entry.Step,
				Message:  entry.Message,
			})
			return
		}

		// Cache entry expired or lost; the job record is authoritative.
		msg := ""
		if job.ErrorMessage != nil {
			msg = *job.ErrorMessage
		}
		response.JSON(w, progressResponse{
			Status:   jobPollStatus(job.Status),
			Progress: job.Progress,
			Step:     job.Stage,
			Message:  msg,
		})
	}
}

// jobPollStatus maps internal job statuses onto the polling vocabulary
// waiting|processing|complete|error.
func jobPollStatus(status string) string {
	switch status {
	case models.JobStatusPending:
		return "waiting"
	case models.JobStatusProcessing:
		return "processing"
	case models.JobStatusCompleted:
		return "complete"
	default:
		return "error"
	}
}

func documentPollStatus(status string) string {
	switch status {
	case models.DocumentStatusProcessing:
		return "processing"
	case models.DocumentStatusComplete:
		return "complete"
	case models.DocumentStatusError:
		return "error"
	default:
		return "waiting"
	}
}
