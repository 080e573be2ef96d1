package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	mw "github.com/rohitvanga/docpipe/internal/api/middleware"
	"github.com/rohitvanga/docpipe/internal/api/response"
)

// Dependencies holds all handler and middleware dependencies for the router.
type Dependencies struct {
	Auth      *mw.Auth
	RateLimit *mw.RateLimit

	HealthHandler http.HandlerFunc

	CreateJobHandler   http.HandlerFunc
	GetJobHandler      http.HandlerFunc
	JobCallbackHandler http.HandlerFunc
	DeleteJobHandler   http.HandlerFunc

	RegisterDocumentHandler http.HandlerFunc
	DocumentProgressHandler http.HandlerFunc
	RetryDocumentHandler    http.HandlerFunc
	GenerateRisksHandler    http.HandlerFunc
	ListArtifactsHandler    http.HandlerFunc
	DownloadArtifactHandler http.HandlerFunc

	CreateKeyHandler http.HandlerFunc
	ListKeysHandler  http.HandlerFunc
	RevokeKeyHandler http.HandlerFunc
}

// NewRouter builds the Chi router with middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(mw.Logger)
	r.Use(mw.Recovery)

	// Public health check
	r.Get("/api/v1/health", orNotImplemented(deps.HealthHandler))

	// Protected routes
	r.Group(func(r chi.Router) {
		r.Use(deps.Auth.Authenticate)
		r.Use(deps.RateLimit.Limit)

		r.Post("/api/v1/jobs", orNotImplemented(deps.CreateJobHandler))
		r.Get("/api/v1/jobs/{jobID}", orNotImplemented(deps.GetJobHandler))
		r.Delete("/api/v1/jobs/{jobID}", orNotImplemented(deps.DeleteJobHandler))

		r.Post("/api/v1/documents", orNotImplemented(deps.RegisterDocumentHandler))
		r.Get("/api/v1/documents/{documentID}/progress", orNotImplemented(deps.DocumentProgressHandler))
		r.Post("/api/v1/documents/{documentID}/retry", orNotImplemented(deps.RetryDocumentHandler))
		r.Post("/api/v1/documents/{documentID}/risks", orNotImplemented(deps.GenerateRisksHandler))
		r.Get("/api/v1/documents/{documentID}/artifacts", orNotImplemented(deps.ListArtifactsHandler))
		r.Get("/api/v1/artifacts/{artifactID}/download", orNotImplemented(deps.DownloadArtifactHandler))

		// Worker callback route
		r.Group(func(r chi.Router) {
			r.Use(deps.Auth.RequireScope("worker"))

			r.Patch("/api/v1/jobs/{jobID}", orNotImplemented(deps.JobCallbackHandler))
		})

		// Admin routes
		r.Group(func(r chi.Router) {
			r.Use(deps.Auth.RequireScope("admin"))

			r.Post("/api/v1/admin/keys", orNotImplemented(deps.CreateKeyHandler))
			r.Get("/api/v1/admin/keys", orNotImplemented(deps.ListKeysHandler))
			r.Delete("/api/v1/admin/keys/{keyID}", orNotImplemented(deps.RevokeKeyHandler))
		})
	})

	return r
}

// orNotImplemented returns the handler if non-nil, or a 501 placeholder.
func orNotImplemented(h http.HandlerFunc) http.HandlerFunc {
	if h != nil {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "Endpoint not yet implemented", nil)
	}
}
