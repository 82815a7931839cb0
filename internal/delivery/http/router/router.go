package router

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/user/price-scraper-service/internal/delivery/http/handler"
	"github.com/user/price-scraper-service/internal/delivery/http/middleware"
)

func New(h *handler.Handler, logger *zap.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.Logging(logger.Named("http")))
	r.Use(chimw.Recoverer)
	r.Use(middleware.Metrics)
	r.Use(chimw.Timeout(30 * time.Second))

	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.HandleHealthCheck)
		r.Get("/runs/stats", h.HandleRunStats)
		r.Get("/runs/{id}", h.HandleGetRun)
		r.Get("/runs/{id}/chain", h.HandleGetRunChain)
		r.Get("/proxies/stats", h.HandleProxyStats)
		r.Post("/proxies/reload", h.HandleProxyReload)
		r.Post("/proxies/{id}/deactivate", h.HandleProxyDeactivate)
	})

	return r
}
