package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimid "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	httpSwagger "github.com/swaggo/http-swagger"

	"github.com/cmdb-studio/relgraph/internal/api/handlers"
	mw "github.com/cmdb-studio/relgraph/internal/api/middleware"
)

type Dependencies struct {
	HMACSecret []byte
	// RateLimit is requests per second per client IP; zero disables limiting.
	RateLimit float64
	RateBurst int
	// CORSOrigins lists allowed browser origins; empty allows any.
	CORSOrigins []string

	Health        *handlers.HealthHandler
	RelationTypes *handlers.RelationTypesHandler
	Relations     *handlers.RelationsHandler
	Topology      *handlers.TopologyHandler
	Triggers      *handlers.TriggersHandler
	Scans         *handlers.ScansHandler
	Events        *handlers.EventsHandler
}

func NewRouter(dep Dependencies) http.Handler {
	r := chi.NewRouter()

	r.Use(mw.RequestID)
	r.Use(mw.Recovery)
	r.Use(mw.Logging)
	r.Use(mw.CORS(dep.CORSOrigins))
	if dep.RateLimit > 0 {
		r.Use(mw.RateLimit(dep.RateLimit, dep.RateBurst))
	}
	r.Use(chimid.Compress(5))

	r.Get("/healthz", dep.Health.Liveness)
	r.Get("/readyz", dep.Health.Readiness)
	r.Handle("/metrics", promhttp.Handler())

	r.Get("/docs/*", httpSwagger.Handler(
		httpSwagger.URL("/docs/doc.json"),
	))

	r.Route("/api/v1", func(api chi.Router) {
		api.Use(mw.Auth(dep.HMACSecret))

		api.Route("/relation-types", func(rt chi.Router) {
			rt.Get("/", dep.RelationTypes.List)
			rt.Post("/", dep.RelationTypes.Create)
			rt.Get("/{id}", dep.RelationTypes.Get)
			rt.Put("/{id}", dep.RelationTypes.Update)
			rt.Delete("/{id}", dep.RelationTypes.Delete)
		})

		api.Post("/relations", dep.Relations.Create)
		api.Delete("/relations/{id}", dep.Relations.Delete)
		api.Get("/instances/{id}/relations", dep.Relations.ForInstance)

		api.Get("/topology", dep.Topology.Overview)
		api.Get("/topology/export", dep.Topology.Export)

		api.Route("/relation-triggers", func(tr chi.Router) {
			tr.Get("/", dep.Triggers.List)
			tr.Post("/", dep.Triggers.Create)
			tr.Get("/{id}", dep.Triggers.Get)
			tr.Put("/{id}", dep.Triggers.Update)
			tr.Delete("/{id}", dep.Triggers.Delete)
			tr.Put("/{id}/toggle", dep.Triggers.Toggle)
			tr.Get("/{id}/logs", dep.Triggers.Logs)
		})

		api.Route("/models/{id}", func(mr chi.Router) {
			mr.Get("/triggers", dep.Triggers.ForModel)
			mr.Post("/batch-scan", dep.Scans.Start)
			mr.Get("/batch-scan", dep.Scans.ModelHistory)
		})

		api.Route("/batch-scan", func(br chi.Router) {
			br.Get("/tasks", dep.Scans.ListTasks)
			br.Get("/tasks/{id}", dep.Scans.GetTask)
			br.Get("/config/{model_id}", dep.Scans.GetConfig)
			br.Put("/config/{model_id}", dep.Scans.UpdateConfig)
		})

		api.Route("/events", func(er chi.Router) {
			er.Post("/ci-written", dep.Events.CIWritten)
			er.Post("/ci-deleted", dep.Events.CIDeleted)
			er.Post("/model-deleted", dep.Events.ModelDeleted)
		})
	})

	return r
}
