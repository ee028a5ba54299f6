package api

import (
	"net/http"

	mw "github.com/cleanwave/pipeline/internal/api/middleware"
	"github.com/cleanwave/pipeline/internal/api/response"
	"github.com/go-chi/chi/v5"
)

// Dependencies holds all handler and middleware dependencies for the router.
type Dependencies struct {
	Auth      *mw.Auth
	RateLimit *mw.RateLimit

	HealthHandler      http.HandlerFunc
	CatalogHandler     http.HandlerFunc
	StatsHandler       http.HandlerFunc
	SubmitJobHandler   http.HandlerFunc
	GetJobHandler      http.HandlerFunc
	CancelJobHandler   http.HandlerFunc
	DownloadHandler    http.HandlerFunc
	EntitlementHandler http.HandlerFunc
	WebSocketHandler   http.HandlerFunc
}

// NewRouter builds the Chi router with middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(mw.Logger)
	r.Use(mw.Recovery)

	r.Get("/api/v1/health", orNotImplemented(deps.HealthHandler))
	r.Get("/api/v1/ws", orNotImplemented(deps.WebSocketHandler))

	// Public, rate limited by client IP
	r.Group(func(r chi.Router) {
		r.Use(deps.RateLimit.Limit)

		r.Get("/api/v1/catalog", orNotImplemented(deps.CatalogHandler))
		r.Get("/api/v1/stats", orNotImplemented(deps.StatsHandler))

		r.Post("/api/v1/jobs", orNotImplemented(deps.SubmitJobHandler))
		r.Get("/api/v1/jobs/{jobID}", orNotImplemented(deps.GetJobHandler))
		r.Post("/api/v1/jobs/{jobID}/cancel", orNotImplemented(deps.CancelJobHandler))
		r.Get("/api/v1/jobs/{jobID}/download", orNotImplemented(deps.DownloadHandler))
	})

	// Payment collaborator
	r.Group(func(r chi.Router) {
		r.Use(deps.Auth.Authenticate)
		r.Use(deps.RateLimit.Limit)

		r.Post("/api/v1/jobs/{jobID}/entitlement", orNotImplemented(deps.EntitlementHandler))
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
