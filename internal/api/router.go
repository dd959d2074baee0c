package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	mw "github.com/kiranshivaraju/gencoord/internal/api/middleware"
	"github.com/kiranshivaraju/gencoord/internal/api/response"
)

// Dependencies holds all handler and middleware dependencies for the router.
type Dependencies struct {
	Auth      *mw.Auth
	RateLimit *mw.RateLimit
	// SubmitRateLimit, when set, applies a second budget to job submission.
	SubmitRateLimit *mw.RateLimit

	HealthHandler  http.HandlerFunc
	MetricsHandler http.Handler

	SubmitJobHandler http.HandlerFunc
	GetJobHandler    http.HandlerFunc
	JobStatusHandler http.HandlerFunc
	ListJobsHandler  http.HandlerFunc
	StreamHandler    http.HandlerFunc
	WebhookHandler   http.HandlerFunc

	GetCreditsHandler       http.HandlerFunc
	ListTransactionsHandler http.HandlerFunc

	TopUpHandler              http.HandlerFunc
	ListReconciliationHandler http.HandlerFunc
	RunReconciliationHandler  http.HandlerFunc
	CreateKeyHandler          http.HandlerFunc
	ListKeysHandler           http.HandlerFunc
	RevokeKeyHandler          http.HandlerFunc
}

// NewRouter builds the Chi router with middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(mw.Logger)
	r.Use(mw.Recovery)

	// Public routes
	r.Get("/api/v1/health", orNotImplemented(deps.HealthHandler))
	if deps.MetricsHandler != nil {
		r.Handle("/metrics", deps.MetricsHandler)
	}
	// Providers authenticate their own deliveries.
	r.Post("/api/v1/webhooks/{provider}", orNotImplemented(deps.WebhookHandler))

	// Protected routes
	r.Group(func(r chi.Router) {
		r.Use(deps.Auth.Authenticate)
		r.Use(deps.RateLimit.Limit)

		if deps.SubmitRateLimit != nil {
			r.With(deps.SubmitRateLimit.Limit).Post("/api/v1/jobs", orNotImplemented(deps.SubmitJobHandler))
		} else {
			r.Post("/api/v1/jobs", orNotImplemented(deps.SubmitJobHandler))
		}
		r.Get("/api/v1/jobs", orNotImplemented(deps.ListJobsHandler))
		r.Get("/api/v1/jobs/{jobID}", orNotImplemented(deps.GetJobHandler))
		r.Get("/api/v1/jobs/{jobID}/status", orNotImplemented(deps.JobStatusHandler))

		r.Get("/api/v1/tools/{toolID}/stream", orNotImplemented(deps.StreamHandler))

		r.Get("/api/v1/credits", orNotImplemented(deps.GetCreditsHandler))
		r.Get("/api/v1/credits/transactions", orNotImplemented(deps.ListTransactionsHandler))

		// Admin routes
		r.Group(func(r chi.Router) {
			r.Use(deps.Auth.RequireScope(mw.ScopeAdmin))

			r.Post("/api/v1/admin/credits/topup", orNotImplemented(deps.TopUpHandler))
			r.Get("/api/v1/admin/reconciliation", orNotImplemented(deps.ListReconciliationHandler))
			r.Post("/api/v1/admin/reconciliation/run", orNotImplemented(deps.RunReconciliationHandler))

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
		response.Error(w, http.StatusNotImplemented, response.CodeNotImplemented, "Endpoint not yet implemented", nil)
	}
}
