package httpx

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"datapulse/internal/config"
	jwtx "datapulse/pkg/jwt"
)

func Router(cfg *config.Config, api *API) http.Handler {
	r := chi.NewRouter()

	r.Use(Recoverer, RequestID, SecureHeaders, Logger, Rate(300, time.Minute))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
	}))

	val := jwtx.New(cfg.JWTKeys, cfg.Skew)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) { w.Write([]byte("ok")) })
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) { w.Write([]byte("ok")) })

	r.Group(func(g chi.Router) {
		g.Use(BasicAuth(cfg.MetricsUser, cfg.MetricsPass))
		g.Method("GET", "/metrics", promhttp.Handler())
	})

	r.Get("/api/ws", WS(cfg.AllowedOrigins, api.Fanout, api.Store, val, cfg.PushIdleTimeout))

	r.Group(func(g chi.Router) {
		g.Use(Auth(val), BodyLimit(256<<10))

		g.Route("/api/records", func(rr chi.Router) {
			rr.With(Rate(600, time.Minute)).Post("/", api.Ingest)
		})

		g.Route("/api/subscriptions", func(rr chi.Router) {
			rr.Get("/", api.ListSubscriptions)
			rr.Post("/", api.CreateSubscription)
			rr.Get("/{id}", api.GetSubscription)
			rr.Patch("/{id}", api.UpdateSubscription)
			rr.Delete("/{id}", api.DeleteSubscription)
			rr.Get("/{id}/poll", api.PollSubscription)
		})

		g.Route("/api/webhooks", func(rr chi.Router) {
			rr.Get("/", api.ListEndpoints)
			rr.Post("/", api.CreateEndpoint)
			rr.Get("/stats", api.GetWebhookStats)
			rr.Get("/{id}", api.GetEndpoint)
			rr.Delete("/{id}", api.DeleteEndpoint)
			rr.Post("/{id}/enable", api.EnableEndpoint)
			rr.Post("/{id}/disable", api.DisableEndpoint)
			rr.Get("/{id}/deliveries", api.ListDeliveries)
		})
	})

	return r
}
