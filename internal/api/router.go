package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	mw "github.com/kiranshivaraju/gas/internal/api/middleware"
	"github.com/kiranshivaraju/gas/internal/api/response"
	"github.com/kiranshivaraju/gas/internal/metrics"
)

// Dependencies holds all handler and middleware dependencies for the router.
type Dependencies struct {
	RateLimit *mw.RateLimit

	HealthHandler      http.HandlerFunc
	SubmitJobHandler   http.HandlerFunc
	GetJobHandler      http.HandlerFunc
	ListJobsHandler    http.HandlerFunc
	UpgradeHandler     http.HandlerFunc
	VaultNotifyHandler http.HandlerFunc
	MetricsHandler     http.Handler
}

// NewRouter builds the Chi router with middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(mw.Logger)
	r.Use(mw.Recovery)
	r.Use(metrics.Middleware)
	r.Use(mw.UserID)

	r.Get("/api/v1/health", orNotImplemented(deps.HealthHandler))
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}

	r.Group(func(r chi.Router) {
		if deps.RateLimit != nil {
			r.Use(deps.RateLimit.Limit)
		}
		r.Post("/api/v1/jobs", orNotImplemented(deps.SubmitJobHandler))
	})
	r.Get("/api/v1/jobs/{jobID}", orNotImplemented(deps.GetJobHandler))

	r.Get("/api/v1/users/{userID}/jobs", orNotImplemented(deps.ListJobsHandler))
	r.Post("/api/v1/users/{userID}/upgrade", orNotImplemented(deps.UpgradeHandler))

	r.Post("/api/v1/vault/notifications", orNotImplemented(deps.VaultNotifyHandler))

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
