// Package server exposes the exchange REST API.
package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"gorm.io/gorm"

	exmw "melodex/services/exchanged/middleware"
	"melodex/services/exchanged/market"
	"melodex/services/exchanged/orders"
)

// Rate limit groups referenced by the router.
const (
	limitSwaps  = "swaps"
	limitOrders = "orders"
)

// Config wires the server dependencies.
type Config struct {
	DB       *gorm.DB
	Executor *market.Executor
	Orders   *orders.Store
	Reserve  *market.StabilityReserve
	Limits   map[string]exmw.RateLimit
}

// Server hosts the exchange HTTP API.
type Server struct {
	db      *gorm.DB
	exec    *market.Executor
	orders  *orders.Store
	reserve *market.StabilityReserve
	limiter *exmw.RateLimiter
	router  http.Handler
}

// New constructs a fully routed server.
func New(cfg Config) *Server {
	srv := &Server{
		db:      cfg.DB,
		exec:    cfg.Executor,
		orders:  cfg.Orders,
		reserve: cfg.Reserve,
		limiter: exmw.NewRateLimiter(cfg.Limits),
	}
	srv.router = srv.buildRouter()
	return srv
}

// Handler exposes the configured HTTP router wrapped with tracing.
func (s *Server) Handler() http.Handler {
	return otelhttp.NewHandler(s.router, "exchanged")
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", s.Healthz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/v1/exchange", func(api chi.Router) {
		api.Group(func(swaps chi.Router) {
			swaps.Use(s.limiter.Middleware(limitSwaps))
			swaps.With(s.idempotent).Post("/swap", s.ExecuteSwap)
			swaps.Get("/swaps", s.SwapHistory)
		})
		api.Group(func(ords chi.Router) {
			ords.Use(s.limiter.Middleware(limitOrders))
			ords.With(s.idempotent).Post("/orders", s.CreateOrder)
			ords.Get("/orders", s.ListOrders)
			ords.Get("/orders/{id}", s.GetOrder)
			ords.Delete("/orders/{id}", s.CancelOrder)
		})
		api.Get("/pools/{pair}", s.GetPool)
	})

	return r
}

func (s *Server) idempotent(next http.Handler) http.Handler {
	return exmw.WithIdempotency(s.db, next)
}

// Healthz reports liveness and database reachability.
func (s *Server) Healthz(w http.ResponseWriter, r *http.Request) {
	sqlDB, err := s.db.DB()
	if err == nil {
		err = sqlDB.PingContext(r.Context())
	}
	if err != nil {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded"})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
