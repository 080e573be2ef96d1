package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	mw "github.com/rohitvanga/docpipe/internal/api/middleware"
	"github.com/rohitvanga/docpipe/internal/api/response"
	"github.com/rohitvanga/docpipe/internal/results"
	"github.com/rohitvanga/docpipe/internal/store"
	"github.com/rohitvanga/docpipe/internal/worker"
	"github.com/rohitvanga/docpipe/pkg/models"
)

// lockRetrySeconds is the suggested re-poll delay when another caller already
// holds the generation lock for the same fingerprint.
const lockRetrySeconds = 5

// ResultProvider is the slice of the result cache the risks handler depends on.
type ResultProvider interface {
	GetOrGenerate(ctx context.Context, fingerprint string, gen results.GenerateFunc) ([]byte, error)
}

// NewGenerateRisksHandler returns the handler for
// POST /api/v1/documents/{documentID}/risks. Identical requests share one
// cached result keyed by a fingerprint of the document content and the query
// parameters; concurrent identical requests cause exactly one worker call.
func NewGenerateRisksHandler(st store.Store, res ResultProvider, wc worker.Client) http.HandlerFunc {
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

		var req struct {
			Query   string            `json:"query"`
			Filters map[string]string `json:"filters,omitempty"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
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

		fingerprint := results.Fingerprint(results.FingerprintInput{
			ContentHash: doc.ContentHash,
			Kind:        models.ArtifactKindRiskList,
			Query:       req.Query,
			Filters:     req.Filters,
		})

		data, err := res.GetOrGenerate(r.Context(), fingerprint, func(ctx context.Context) ([]byte, error) {
			result, qErr := wc.Query(ctx, worker.QueryRequest{
				Query:   req.Query,
				Scope:   doc.ID.String(),
				Filters: req.Filters,
			})
			if qErr != nil {
				return nil, qErr
			}
			return json.Marshal(result)
		})
		if err != nil {
			switch {
			case errors.Is(err, results.ErrGenerationInProgress):
				w.Header().Set("Retry-After", strconv.Itoa(lockRetrySeconds))
				response.Accepted(w, map[string]any{
					"status":              "pending",
					"message":             "generation already in progress, retry shortly",
					"retry_after_seconds": lockRetrySeconds,
				})
			case errors.Is(err, worker.ErrIndexNotBuilt):
				response.Error(w, http.StatusConflict, "INDEX_NOT_BUILT",
					"No index exists for this document yet; run ingest first", nil)
			case errors.Is(err, worker.ErrWorkerTimeout):
				response.Error(w, http.StatusGatewayTimeout, "WORKER_TIMEOUT",
					"The analysis worker took too long; try again later", nil)
			case errors.Is(err, worker.ErrWorkerUnreachable):
				response.Error(w, http.StatusBadGateway, "WORKER_UNREACHABLE",
					"The analysis worker is not available", nil)
			default:
				response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
					"An unexpected error occurred", nil)
			}
			return
		}

		var result worker.QueryResult
		if err := json.Unmarshal(data, &result); err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"Cached result is unreadable", nil)
			return
		}
		response.JSON(w, result)
	}
}
