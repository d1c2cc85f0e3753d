package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/steward-auth/steward/internal/accounts"
	"github.com/steward-auth/steward/internal/authz"
	"github.com/steward-auth/steward/internal/observability"
	"github.com/steward-auth/steward/jobs"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger          *slog.Logger
	Config          *Config
	AuthzHandler    *authz.Handler
	AccountsHandler *accounts.Handler
	JobsHandler     *jobs.Handler
	Metrics         *observability.Metrics
}

// NewRouter constructs the chi.Router with steward defaults.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:  params.Logger,
		Config:  params.Config,
		Metrics: params.Metrics,
	}) {
		r.Use(mw)
	}

	r.Use(chimw.Logger)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(RequireToken(params.Config.AdminToken))
		r.Use(ActorContext)
		r.Use(MutationRateLimit())
		if params.AuthzHandler != nil {
			params.AuthzHandler.MountRoutes(r)
		}
		if params.AccountsHandler != nil {
			r.Route("/accounts", params.AccountsHandler.MountRoutes)
		}
		if params.JobsHandler != nil {
			r.Route("/jobs", params.JobsHandler.MountRoutes)
		}
	})

	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}

	return r
}
