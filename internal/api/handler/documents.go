package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	mw "github.com/rohitvanga/docpipe/internal/api/middleware"
	"github.com/rohitvanga/docpipe/internal/api/response"
	"github.com/rohitvanga/docpipe/internal/queue"
	"github.com/rohitvanga/docpipe/internal/store"
	"github.com/rohitvanga/docpipe/internal/worker"
	"github.com/rohitvanga/docpipe/pkg/models"
)

// NewRegisterDocumentHandler returns the handler for POST /api/v1/documents.
// The file itself is already in blob storage by the time this is called; the
// handler registers the metadata and enqueues the ingest job. A queue outage
// after the durable write yields degraded success, never a rollback.
func NewRegisterDocumentHandler(st store.Store, enq Enqueuer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		orgID, ok := mw.GetOrgID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing organization", nil)
			return
		}

		var req struct {
			Name        string          `json:"name"`
			StoragePath string          `json:"storage_path"`
			ContentHash string          `json:"content_hash"`
			SizeBytes   int64           `json:"size_bytes"`
			Options     json.RawMessage `json:"options,omitempty"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}
		if req.Name == "" {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "name is required", nil)
			return
		}
		if req.StoragePath == "" {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "storage_path is required", nil)
			return
		}
		if req.ContentHash == "" {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "content_hash is required", nil)
			return
		}

		now := time.Now().UTC()
		doc := &models.Document{
			ID:          uuid.New(),
			OrgID:       orgID,
			Name:        req.Name,
			StoragePath: req.StoragePath,
			ContentHash: req.ContentHash,
			SizeBytes:   req.SizeBytes,
			Status:      models.DocumentStatusWaiting,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := st.CreateDocument(r.Context(), doc); err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to create document", nil)
			return
		}

		result, err := enq.Enqueue(r.Context(), queue.EnqueueRequest{
			OrgID:       orgID,
			Purpose:     models.JobPurposeIngest,
			DocumentIDs: []uuid.UUID{doc.ID},
			Options:     req.Options,
		})
		if err != nil {
			// The document is durable; report success with a recovery action
			// instead of failing the whole request.
			response.Created(w, map[string]any{
				"document":            doc,
				"processing":          "deferred",
				"retry_after_seconds": deferredRetrySeconds,
				"message":             "document stored; processing could not be scheduled yet, retry via /documents/{id}/retry",
			})
			return
		}

		resp := map[string]any{
			"document": doc,
			"job_id":   result.Job.ID,
			"status":   result.Job.Status,
		}
		if result.Deferred {
			resp["processing"] = "deferred"
			resp["retry_after_seconds"] = deferredRetrySeconds
		}
		response.Created(w, resp)
	}
}

// NewListArtifactsHandler returns the handler for
// GET /api/v1/documents/{documentID}/artifacts.
func NewListArtifactsHandler(st store.Store) http.HandlerFunc {
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

		if _, err := st.GetDocument(r.Context(), docID, orgID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				response.Error(w, http.StatusNotFound, "DOCUMENT_NOT_FOUND", "Document not found", nil)
				return
			}
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to load document", nil)
			return
		}

		artifacts, err := st.ListArtifactsByDocument(r.Context(), orgID, docID)
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to list artifacts", nil)
			return
		}
		if artifacts == nil {
			artifacts = []*models.Artifact{}
		}
		response.JSON(w, artifacts)
	}
}

// NewDownloadArtifactHandler returns the handler for
// GET /api/v1/artifacts/{artifactID}/download. The payload is streamed from
// the worker straight to the client; large outputs never sit in memory here.
func NewDownloadArtifactHandler(st store.Store, wc worker.Client) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		orgID, ok := mw.GetOrgID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing organization", nil)
			return
		}

		artifactID, err := uuid.Parse(chi.URLParam(r, "artifactID"))
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid artifact id", nil)
			return
		}

		artifact, err := st.GetArtifact(r.Context(), artifactID, orgID)
		if errors.Is(err, store.ErrNotFound) {
			response.Error(w, http.StatusNotFound, "ARTIFACT_NOT_FOUND", "Artifact not found", nil)
			return
		}
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to load artifact", nil)
			return
		}

		body, err := wc.DownloadArtifact(r.Context(), artifact.StoragePath)
		if err != nil {
			switch {
			case errors.Is(err, worker.ErrIndexNotBuilt):
				response.Error(w, http.StatusNotFound, "ARTIFACT_GONE",
					"Artifact no longer available from the worker", nil)
			case errors.Is(err, worker.ErrWorkerTimeout):
				response.Error(w, http.StatusGatewayTimeout, "WORKER_TIMEOUT",
					"Timed out fetching the artifact", nil)
			default:
				response.Error(w, http.StatusBadGateway, "WORKER_UNREACHABLE",
					"Failed to fetch the artifact from the worker", nil)
			}
			return
		}
		defer body.Close()

		w.Header().Set("Content-Type", "application/octet-stream")
		if artifact.SizeBytes > 0 {
			w.Header().Set("Content-Length", strconv.FormatInt(artifact.SizeBytes, 10))
		}
		w.WriteHeader(http.StatusOK)
		io.Copy(w, body)
	}
}
