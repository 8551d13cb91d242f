package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/autoledger/autoledger/internal/booking"
	"github.com/autoledger/autoledger/internal/migration"
	"github.com/autoledger/autoledger/internal/observability"
	"github.com/autoledger/autoledger/internal/pipeline"
	"github.com/autoledger/autoledger/internal/policy"
	"github.com/autoledger/autoledger/jobs"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger           *slog.Logger
	Config           *Config
	PipelineHandler  *pipeline.Handler
	BookingHandler   *booking.Handler
	PolicyHandler    *policy.Handler
	MigrationHandler *migration.Handler
	JobHandler       *jobs.Handler
	Metrics          *observability.Metrics
}

// NewRouter constructs the chi.Router with the service defaults.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:  params.Logger,
		Config:  params.Config,
		Metrics: params.Metrics,
	}) {
		r.Use(mw)
	}

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}

	r.Route("/api/v1", func(api chi.Router) {
		if params.PipelineHandler != nil {
			params.PipelineHandler.MountRoutes(api)
		}
		if params.BookingHandler != nil {
			params.BookingHandler.MountRoutes(api)
		}
		if params.PolicyHandler != nil {
			params.PolicyHandler.MountRoutes(api)
		}
		if params.MigrationHandler != nil {
			params.MigrationHandler.MountRoutes(api)
		}
		if params.JobHandler != nil {
			api.Route("/jobs", func(jr chi.Router) {
				params.JobHandler.MountRoutes(jr)
			})
		}
	})

	return r
}
