package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimid "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/plotviz/engine/internal/api/handlers"
	mw "github.com/plotviz/engine/internal/api/middleware"
	"github.com/plotviz/engine/internal/metrics"
)

type Dependencies struct {
	HMACSecret       []byte
	ArtifactsHandler *handlers.ArtifactsHandler
	HealthHandler    *handlers.HealthHandler
	Metrics          *metrics.Metrics
	// Gatherer backs /metrics. The route is absent when nil.
	Gatherer       prometheus.Gatherer
	RateLimitRPS   float64
	RateLimitBurst int
}

func NewRouter(dep Dependencies) http.Handler {
	r := chi.NewRouter()

	// Built-in middleware
	r.Use(mw.RequestID)
	r.Use(mw.Recovery)
	r.Use(mw.Logging(dep.Metrics))
	r.Use(mw.CORS)
	r.Use(chimid.Compress(5, "application/json"))

	// Health endpoints
	hh := dep.HealthHandler
	if hh == nil {
		hh = handlers.NewHealthHandler(nil)
	}
	r.Get("/healthz", hh.Liveness)
	r.Get("/readyz", hh.Readiness)
	if dep.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(dep.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/api/v1", func(api chi.Router) {
		api.Use(mw.RateLimit(dep.RateLimitRPS, dep.RateLimitBurst))
		api.Use(mw.Auth(dep.HMACSecret))

		ah := dep.ArtifactsHandler
		api.Route("/artifacts", func(ar chi.Router) {
			ar.Get("/", ah.List)
			ar.Post("/", ah.Upload)
			ar.Route("/{id}", func(one chi.Router) {
				one.Get("/", ah.Get)
				one.Patch("/", ah.Update)
				one.Delete("/", ah.Delete)
				one.Get("/members", ah.ListMembers)
				one.Get("/members/first", ah.FirstMember)
				one.Get("/members/{mid}", ah.GetMember)
				one.Get("/members/{mid}/clusters", ah.Clusters)
				one.Get("/members/{mid}/document", ah.Document)
			})
		})
	})

	return r
}
